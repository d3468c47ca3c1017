// Package http provides the HTTP transport used to fetch images.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidURL is returned by NewSource for URLs that cannot be fetched.
var ErrInvalidURL = errors.New("pagestrip: invalid url")

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", e.URL, e.Status)
}

// Source fetches a single remote image.
type Source struct {
	url       string
	client    *nethttp.Client
	headers   nethttp.Header
	userAgent string
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *Source) {
		s.userAgent = ua
	}
}

// NewSource creates a Source for rawURL. No request is made.
func NewSource(rawURL string, opts ...Option) (*Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q: unsupported scheme", ErrInvalidURL, rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q: missing host", ErrInvalidURL, rawURL)
	}
	s := &Source{
		url:    u.String(),
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	return s, nil
}

// URL returns the normalized URL.
func (s *Source) URL() string {
	return s.url
}

// Response is an open image response.
type Response struct {
	Body io.ReadCloser
	// Size is the announced Content-Length, or -1 if unknown.
	Size        int64
	ContentType string
}

// Format returns the subtype of the Content-Type ("image/webp" -> "webp").
func (r *Response) Format() string {
	ct := r.ContentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	if i := strings.LastIndexByte(ct, '/'); i >= 0 {
		ct = ct[i+1:]
	}
	return strings.ToLower(ct)
}

// Get issues a GET request and returns the open response. Responses outside
// the 2xx range are returned as *StatusError with the body closed.
func (s *Source) Get(ctx context.Context) (*Response, error) {
	req, err := s.newRequest(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return nil, &StatusError{URL: s.url, Code: resp.StatusCode, Status: resp.Status}
	}
	return &Response{
		Body:        resp.Body,
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Prefix returns at most n leading bytes of the image using a range request.
// Servers that ignore the range are tolerated; only n bytes are read.
func (s *Source) Prefix(ctx context.Context, n int64) ([]byte, *Response, error) {
	if n <= 0 {
		return nil, nil, fmt.Errorf("prefix %d bytes: non-positive length", n)
	}
	req, err := s.newRequest(ctx)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer drain(resp.Body)

	info := &Response{
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}
	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		if total, err := parseContentRange(resp.Header.Get("Content-Range")); err == nil {
			info.Size = total
		}
	case nethttp.StatusOK:
		// full body; read only the prefix
	default:
		return nil, nil, &StatusError{URL: s.url, Code: resp.StatusCode, Status: resp.Status}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, n)); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), info, nil
}

func (s *Source) newRequest(ctx context.Context) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if s.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
