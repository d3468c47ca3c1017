package disk

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/pagestrip/cache"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type scannedFile struct {
	name    string
	size    int64
	modTime time.Time
}

// rebuild adopts the files already present in the cache directory, oldest
// first, then prunes them to the budget. Leftover temp files are removed.
func (c *Cache) rebuild() error {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	files := make([]scannedFile, 0, len(dirEntries))
	for _, d := range dirEntries {
		name := d.Name()
		if strings.HasPrefix(name, ".tmp-") {
			_ = os.Remove(filepath.Join(c.dir, name))
			continue
		}
		if !d.Type().IsRegular() || cache.ValidateName(name) != nil {
			continue
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		size, err := c.logicalSize(name, info.Size())
		if err != nil {
			c.log().Warn("disk cache skipping unreadable file", "name", name, "error", err)
			continue
		}
		files = append(files, scannedFile{name: name, size: size, modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].name < files[j].name
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		c.entries[f.name] = c.order.PushBack(&entry{name: f.name, size: f.size})
		c.bytes += f.size
	}
	if len(files) > 0 {
		c.log().Debug("disk cache rebuilt", "entries", len(files), "bytes", c.bytes)
	}
	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		if _, err := c.pruneLocked(c.maxBytes); err != nil {
			return err
		}
	}
	return nil
}

// logicalSize returns the uncompressed size of a cached file.
func (c *Cache) logicalSize(name string, onDisk int64) (int64, error) {
	if !c.compress {
		return onDisk, nil
	}
	f, err := os.Open(c.path(name)) //nolint:gosec // name comes from the cache directory listing
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, zstd.HeaderMaxSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, err
	}
	head = head[:n]
	if !bytes.HasPrefix(head, zstdMagic) {
		return onDisk, nil
	}
	var h zstd.Header
	if err := h.Decode(head); err == nil && h.HasFCS {
		return int64(h.FrameContentSize), nil //nolint:gosec // frame sizes of cached images fit in int64
	}

	raw, err := os.ReadFile(c.path(name)) //nolint:gosec // see above
	if err != nil {
		return 0, err
	}
	data, err := c.decode(raw)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (c *Cache) initCodec() error {
	c.codecOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			c.codecErr = err
			return
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			c.codecErr = err
			return
		}
		c.encoder = enc
		c.decoder = dec
	})
	return c.codecErr
}

// encode returns the bytes to write for data. Data that happens to start
// with the zstd magic is always framed so reads are unambiguous.
func (c *Cache) encode(data []byte) ([]byte, error) {
	if !c.compress {
		return data, nil
	}
	if err := c.initCodec(); err != nil {
		return nil, err
	}
	out := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(out) < len(data) || bytes.HasPrefix(data, zstdMagic) {
		return out, nil
	}
	return data, nil
}

func (c *Cache) decode(raw []byte) ([]byte, error) {
	if !c.compress || !bytes.HasPrefix(raw, zstdMagic) {
		return raw, nil
	}
	if err := c.initCodec(); err != nil {
		return nil, err
	}
	return c.decoder.DecodeAll(raw, nil)
}
