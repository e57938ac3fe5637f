package hasher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ResourceInfo identifies one concrete version of a resource file.
// Key is the resolved location; Size and ModTime change when the file
// is edited in place.
type ResourceInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ResourceReader supplies resource bytes to the hasher. Any error from
// either method is reported to callers as ErrResourceUnavailable.
type ResourceReader interface {
	Stat(ctx context.Context, path string) (ResourceInfo, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// FileReader reads resources from the local filesystem. Relative paths
// are resolved against Root, normally the project directory.
type FileReader struct {
	Root string
}

func (r FileReader) Resolve(path string) string {
	path = filepath.FromSlash(path)
	if !filepath.IsAbs(path) && r.Root != "" {
		path = filepath.Join(r.Root, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func (r FileReader) Stat(ctx context.Context, path string) (ResourceInfo, error) {
	if err := ctx.Err(); err != nil {
		return ResourceInfo{}, err
	}
	resolved := r.Resolve(path)
	info, err := os.Stat(resolved)
	if err != nil {
		return ResourceInfo{}, err
	}
	if info.IsDir() {
		return ResourceInfo{}, &os.PathError{Op: "stat", Path: resolved, Err: os.ErrInvalid}
	}
	return ResourceInfo{Key: resolved, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (r FileReader) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(r.Resolve(path))
}
