package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File serves locations on the local or a mounted shared filesystem.
// Accepts bare paths and file:// URLs.
type File struct{}

// NewFile returns a filesystem source.
func NewFile() *File {
	return &File{}
}

func (*File) Open(_ context.Context, location string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(location, "file://")
	return os.Open(filepath.Clean(path))
}
