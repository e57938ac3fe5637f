package testutil

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/matsync/pkg/hasher"
	"github.com/3FT-io/matsync/pkg/store"
)

// Epoch is the start time of every mock clock handed out by this package
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// CreateTempDir creates a temporary directory and returns its path along with a cleanup function
func CreateTempDir(t *testing.T, prefix string) (string, func()) {
	tmpDir, err := os.MkdirTemp("", prefix)
	require.NoError(t, err)

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return tmpDir, cleanup
}

// CreateTestFile creates a temporary file with the given content and returns its path
func CreateTestFile(t *testing.T, dir, name, content string) string {
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}

// NewClock returns a mock clock set to Epoch
func NewClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(Epoch)
	return c
}

// NewStore opens a store in a fresh temp dir driven by a mock clock. The
// store is closed and the directory removed when the test ends.
func NewStore(t *testing.T, opts ...store.Option) (*store.Store, *clock.Mock) {
	t.Helper()
	dir, cleanup := CreateTempDir(t, "matsync-store")
	c := NewClock()
	s, err := store.Open(filepath.Join(dir, "library.db"), append([]store.Option{store.WithClock(c)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		cleanup()
	})
	return s, c
}

// MemReader is an in-memory hasher.ResourceReader. Every Set bumps the
// file's modification time so digest memoisation sees the change.
type MemReader struct {
	mu      sync.Mutex
	files   map[string][]byte
	mtimes  map[string]time.Time
	version int64
	opens   map[string]int
}

func NewMemReader(files map[string]string) *MemReader {
	r := &MemReader{
		files:  make(map[string][]byte),
		mtimes: make(map[string]time.Time),
		opens:  make(map[string]int),
	}
	for path, content := range files {
		r.Set(path, content)
	}
	return r
}

func (r *MemReader) Set(path, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	r.files[path] = []byte(content)
	r.mtimes[path] = Epoch.Add(time.Duration(r.version) * time.Second)
}

func (r *MemReader) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, path)
	delete(r.mtimes, path)
}

// Opens returns how many times path was read
func (r *MemReader) Opens(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens[path]
}

func (r *MemReader) Stat(ctx context.Context, path string) (hasher.ResourceInfo, error) {
	if err := ctx.Err(); err != nil {
		return hasher.ResourceInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[path]
	if !ok {
		return hasher.ResourceInfo{}, os.ErrNotExist
	}
	return hasher.ResourceInfo{Key: path, Size: int64(len(data)), ModTime: r.mtimes[path]}, nil
}

func (r *MemReader) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	r.opens[path]++
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}
