package fetch

import (
	"errors"

	pshttp "github.com/meigma/pagestrip/http"
)

var (
	// ErrNetwork wraps transport failures. It is retried.
	ErrNetwork = errors.New("pagestrip: network error")

	// ErrSizeMismatch is returned when the body length differs from the
	// announced Content-Length. It is retried.
	ErrSizeMismatch = errors.New("pagestrip: body size mismatch")

	// ErrRetriesExhausted wraps the last transient error of an image that
	// failed every attempt.
	ErrRetriesExhausted = errors.New("pagestrip: retries exhausted")
)

// HTTPStatusError is returned for non-2xx responses. It is retried.
type HTTPStatusError = pshttp.StatusError
