package source

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// decompressedReader pairs a decompressing reader with the closer chain for
// both it and the underlying handle.
type decompressedReader struct {
	io.Reader
	close func() error
}

func (d *decompressedReader) Close() error {
	return d.close()
}

// decompress wraps rc in a decompressing reader chosen by the location's
// extension. Unknown extensions pass through untouched. On error the
// underlying handle is closed.
func decompress(location string, rc io.ReadCloser) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(location, ".gz"):
		zr, err := gzip.NewReader(rc)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("gzip %q: %w", location, err)
		}
		return &decompressedReader{
			Reader: zr,
			close: func() error {
				err := zr.Close()
				if cerr := rc.Close(); err == nil {
					err = cerr
				}
				return err
			},
		}, nil

	case strings.HasSuffix(location, ".zst"):
		zr, err := zstd.NewReader(rc)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("zstd %q: %w", location, err)
		}
		return &decompressedReader{
			Reader: zr,
			close: func() error {
				zr.Close()
				return rc.Close()
			},
		}, nil

	case strings.HasSuffix(location, ".br"):
		return &decompressedReader{
			Reader: brotli.NewReader(rc),
			close:  rc.Close,
		}, nil

	default:
		return rc, nil
	}
}
