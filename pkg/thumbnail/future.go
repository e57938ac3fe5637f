package thumbnail

import (
	"context"
	"sync"
)

// Status of a thumbnail
type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusRendering Status = "rendering"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Result is the final state of a request
type Result struct {
	Hash   string
	Status Status
	Image  []byte
	Err    error
}

// Future is a handle on a pending thumbnail. All requests coalesced onto
// one render share the same Future.
type Future struct {
	hash string
	done chan struct{}
	once sync.Once
	res  Result
}

func newFuture(hash string) *Future {
	return &Future{hash: hash, done: make(chan struct{})}
}

func resolved(res Result) *Future {
	f := newFuture(res.Hash)
	f.resolve(res)
	return f
}

func (f *Future) resolve(res Result) {
	f.once.Do(func() {
		f.res = res
		close(f.done)
	})
}

func (f *Future) Hash() string { return f.hash }

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result without blocking; ok is false while pending
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result{Hash: f.hash, Status: StatusPending}, false
	}
}

// Wait blocks until the result is available or ctx ends. The result's
// Err is returned as well.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.res.Err
	case <-ctx.Done():
		return Result{Hash: f.hash, Status: StatusPending}, ctx.Err()
	}
}
