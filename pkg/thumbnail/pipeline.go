package thumbnail

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/metrics"
	"github.com/3FT-io/matsync/pkg/store"
)

var (
	ErrRenderFailed = errors.New("thumbnail render failed")
	ErrCanceled     = errors.New("thumbnail request canceled")
	ErrQueueFull    = errors.New("thumbnail queue full")
	ErrClosed       = errors.New("thumbnail pipeline closed")
)

// Source loads the definition behind a content hash
type Source interface {
	Get(ctx context.Context, hash string) (*importers.Definition, error)
}

// Renderer draws a definition as PNG bytes
type Renderer interface {
	Render(ctx context.Context, def *importers.Definition) ([]byte, error)
}

// Event is published to subscribers whenever a request finishes
type Event struct {
	Hash   string `json:"hash"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Options struct {
	Workers       int
	QueueCapacity int
	BatchSize     int
	CacheSize     int
	RenderTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Workers:       2,
		QueueCapacity: 2000,
		BatchSize:     8,
		CacheSize:     512,
		RenderTimeout: 30 * time.Second,
	}
}

// Pipeline renders thumbnails in the background. Requests never block;
// identical hashes share one render, workers drain a priority queue in
// batches, and finished images are kept in an LRU and in the store.
type Pipeline struct {
	opts     Options
	store    *store.Store
	source   Source
	renderer Renderer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	wake    *sync.Cond
	queue   jobQueue
	jobs    map[string]*job
	failed  map[string]string
	seq     uint64
	closed  bool
	started bool

	cache *lru.Cache[string, []byte]

	subMu  sync.RWMutex
	subs   map[int]chan Event
	nextID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline. Call Start to launch the workers.
func New(st *store.Store, source Source, renderer Renderer, opts Options, m *metrics.Metrics, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.Workers < 1 {
		opts.Workers = def.Workers
	}
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = def.QueueCapacity
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.CacheSize < 1 {
		opts.CacheSize = def.CacheSize
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = def.RenderTimeout
	}
	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create thumbnail cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		opts:     opts,
		store:    st,
		source:   source,
		renderer: renderer,
		metrics:  m,
		logger:   logger.Named("thumbnail"),
		jobs:     make(map[string]*job),
		failed:   make(map[string]string),
		cache:    cache,
		subs:     make(map[int]chan Event),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.wake = sync.NewCond(&p.mu)
	return p, nil
}

// Start launches the worker pool
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("thumbnail workers started", zap.Int("workers", p.opts.Workers), zap.Int("batch", p.opts.BatchSize))
}

// Close cancels everything pending and waits for the workers
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var pending []*job
	for _, j := range p.jobs {
		j.canceled = true
		pending = append(pending, j)
	}
	p.jobs = make(map[string]*job)
	p.queue = nil
	p.wake.Broadcast()
	p.mu.Unlock()

	p.cancel()
	for _, j := range pending {
		j.future.resolve(Result{Hash: j.hash, Status: StatusCanceled, Err: ErrClosed})
	}
	p.wg.Wait()

	p.subMu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.subMu.Unlock()
}

// Request asks for the thumbnail of hash and returns immediately. A
// cached or stored image resolves the future at once; a request for a
// hash already queued or rendering joins that work and may raise its
// priority.
func (p *Pipeline) Request(hash string, priority Priority) *Future {
	p.mu.Lock()
	if f := p.joinLocked(hash, priority); f != nil {
		p.mu.Unlock()
		return f
	}
	p.mu.Unlock()

	// a stored image never takes a queue slot
	if entry, err := p.store.GetThumbnail(p.ctx, hash); err == nil && entry.Status == store.ThumbnailReady {
		p.cache.Add(hash, entry.Image)
		return resolved(Result{Hash: hash, Status: StatusReady, Image: entry.Image})
	}

	p.mu.Lock()
	if f := p.joinLocked(hash, priority); f != nil {
		p.mu.Unlock()
		return f
	}

	var evicted *job
	if len(p.queue) >= p.opts.QueueCapacity {
		w := p.queue.weakest()
		if w == nil || w.priority >= priority {
			p.mu.Unlock()
			p.logger.Debug("thumbnail queue full", zap.String("hash", hash))
			return resolved(Result{Hash: hash, Status: StatusFailed, Err: ErrQueueFull})
		}
		p.queue.remove(w)
		delete(p.jobs, w.hash)
		evicted = w
	}

	p.seq++
	j := &job{hash: hash, priority: priority, seq: p.seq, future: newFuture(hash)}
	delete(p.failed, hash)
	p.jobs[hash] = j
	heap.Push(&p.queue, j)
	depth := len(p.queue)
	p.wake.Signal()
	p.mu.Unlock()

	p.metrics.QueueDepth(depth)
	if evicted != nil {
		p.metrics.Evicted()
		p.finishFuture(evicted, Result{Hash: evicted.hash, Status: StatusCanceled, Err: ErrQueueFull})
	}
	p.publish(Event{Hash: hash, Status: StatusPending})
	return j.future
}

// joinLocked answers a request without new work: the pipeline is closed,
// the image is cached, or a job for hash exists. It returns nil when a
// job has to be queued.
func (p *Pipeline) joinLocked(hash string, priority Priority) *Future {
	if p.closed {
		return resolved(Result{Hash: hash, Status: StatusCanceled, Err: ErrClosed})
	}
	if img, ok := p.cache.Get(hash); ok {
		return resolved(Result{Hash: hash, Status: StatusReady, Image: img})
	}
	j, ok := p.jobs[hash]
	if !ok {
		return nil
	}
	if !j.rendering && priority > j.priority {
		j.priority = priority
		if j.index >= 0 {
			heap.Fix(&p.queue, j.index)
		}
	}
	p.metrics.Coalesced()
	return j.future
}

// RequestBatch requests every hash at the same priority
func (p *Pipeline) RequestBatch(hashes []string, priority Priority) []*Future {
	out := make([]*Future, len(hashes))
	for i, h := range hashes {
		out[i] = p.Request(h, priority)
	}
	return out
}

// Cancel drops the request for hash. A render in progress runs to the
// end and its result is discarded. It reports whether anything was
// pending.
func (p *Pipeline) Cancel(hash string) bool {
	p.mu.Lock()
	j, ok := p.jobs[hash]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.jobs, hash)
	j.canceled = true
	p.queue.remove(j)
	depth := len(p.queue)
	p.mu.Unlock()

	p.metrics.QueueDepth(depth)
	p.finishFuture(j, Result{Hash: hash, Status: StatusCanceled, Err: ErrCanceled})
	return true
}

// Supersede replaces pending work for a hash that a material no longer
// has. The new hash is requested with the old request's priority, or
// Preload when nothing was pending.
func (p *Pipeline) Supersede(oldHash, newHash string) *Future {
	priority := Preload
	p.mu.Lock()
	if j, ok := p.jobs[oldHash]; ok {
		priority = j.priority
	}
	p.mu.Unlock()
	p.Cancel(oldHash)
	return p.Request(newHash, priority)
}

// Invalidate forgets everything known about hash, including the stored
// image
func (p *Pipeline) Invalidate(ctx context.Context, hash string) error {
	p.Cancel(hash)
	p.mu.Lock()
	p.cache.Remove(hash)
	delete(p.failed, hash)
	p.mu.Unlock()
	return p.store.DeleteThumbnail(ctx, hash)
}

// Get returns the current status of hash
func (p *Pipeline) Get(hash string) Status {
	p.mu.Lock()
	if j, ok := p.jobs[hash]; ok {
		rendering := j.rendering
		p.mu.Unlock()
		if rendering {
			return StatusRendering
		}
		return StatusPending
	}
	if p.cache.Contains(hash) {
		p.mu.Unlock()
		return StatusReady
	}
	if _, ok := p.failed[hash]; ok {
		p.mu.Unlock()
		return StatusFailed
	}
	p.mu.Unlock()

	entry, err := p.store.GetThumbnail(p.ctx, hash)
	if err != nil {
		return StatusNone
	}
	switch entry.Status {
	case store.ThumbnailReady:
		return StatusReady
	case store.ThumbnailFailed:
		return StatusFailed
	}
	return StatusNone
}

// Image returns the rendered PNG for hash from the LRU or the store
func (p *Pipeline) Image(ctx context.Context, hash string) ([]byte, error) {
	if img, ok := p.cache.Get(hash); ok {
		return img, nil
	}
	entry, err := p.store.GetThumbnail(ctx, hash)
	if err != nil {
		return nil, err
	}
	if entry.Status != store.ThumbnailReady {
		return nil, fmt.Errorf("thumbnail %s is %s: %w", hash, entry.Status, store.ErrNotFound)
	}
	p.cache.Add(hash, entry.Image)
	return entry.Image, nil
}

// Preload warms the LRU with the stored thumbnails of the most recently
// used entries. It returns how many were loaded.
func (p *Pipeline) Preload(ctx context.Context, limit int) (int, error) {
	entries, err := p.store.ListReadyThumbnails(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		p.cache.Add(e.ContentHash, e.Image)
	}
	p.logger.Debug("thumbnails preloaded", zap.Int("count", len(entries)))
	return len(entries), nil
}

// Pending returns the number of queued and rendering requests
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Subscribe returns a channel of finished requests. Slow subscribers
// miss events rather than stall the workers.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	p.subMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(ch)
			}
			p.subMu.Unlock()
		})
	}
}

func (p *Pipeline) publish(ev Event) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (p *Pipeline) finishFuture(j *job, res Result) {
	j.future.resolve(res)
	ev := Event{Hash: j.hash, Status: res.Status}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	p.publish(ev)
}

// next blocks until work is queued and pops up to BatchSize jobs. They
// stay pending until process reaches them.
func (p *Pipeline) next() []*job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.wake.Wait()
	}
	if p.closed {
		return nil
	}
	n := min(p.opts.BatchSize, len(p.queue))
	batch := make([]*job, 0, n)
	for i := 0; i < n; i++ {
		j := heap.Pop(&p.queue).(*job)
		batch = append(batch, j)
	}
	p.metrics.QueueDepth(len(p.queue))
	return batch
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))
	for {
		batch := p.next()
		if batch == nil {
			return
		}
		logger.Debug("batch taken", zap.Int("size", len(batch)))
		for _, j := range batch {
			p.process(j)
		}
	}
}

func (p *Pipeline) process(j *job) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.RenderTimeout)
	defer cancel()

	p.mu.Lock()
	if j.canceled {
		p.mu.Unlock()
		return
	}
	j.rendering = true
	p.mu.Unlock()

	start := time.Now()
	img, err := p.produce(ctx, j.hash)
	if err != nil && ctx.Err() == context.DeadlineExceeded && p.ctx.Err() == nil {
		err = fmt.Errorf("%w: timed out after %s", ErrRenderFailed, p.opts.RenderTimeout)
	}
	p.complete(j, img, err, time.Since(start))
}

// produce returns a stored image when one exists and renders otherwise.
// The render runs in its own goroutine so that a renderer ignoring ctx
// still frees the worker when the deadline passes.
func (p *Pipeline) produce(ctx context.Context, hash string) ([]byte, error) {
	if entry, err := p.store.GetThumbnail(ctx, hash); err == nil && entry.Status == store.ThumbnailReady {
		return entry.Image, nil
	}

	def, err := p.source.Get(ctx, hash)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: load definition: %v", ErrRenderFailed, err)
	}

	type rendered struct {
		img []byte
		err error
	}
	done := make(chan rendered, 1)
	go func() {
		img, err := p.renderer.Render(ctx, def)
		done <- rendered{img, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrRenderFailed, r.err)
		}
		return r.img, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) complete(j *job, img []byte, err error, took time.Duration) {
	p.mu.Lock()
	if j.canceled || p.jobs[j.hash] != j {
		p.mu.Unlock()
		p.metrics.Discarded()
		p.logger.Debug("stale render discarded", zap.String("hash", j.hash))
		return
	}
	delete(p.jobs, j.hash)
	if err == nil {
		p.cache.Add(j.hash, img)
	} else {
		p.failed[j.hash] = err.Error()
	}
	p.mu.Unlock()

	entry := &store.ThumbnailEntry{ContentHash: j.hash, Image: img, Status: store.ThumbnailReady}
	res := Result{Hash: j.hash, Status: StatusReady, Image: img}
	if err != nil {
		entry = &store.ThumbnailEntry{ContentHash: j.hash, Status: store.ThumbnailFailed, Error: err.Error()}
		res = Result{Hash: j.hash, Status: StatusFailed, Err: err}
		p.logger.Warn("thumbnail failed", zap.String("hash", j.hash), zap.Error(err))
	}
	if perr := p.store.PutThumbnail(p.ctx, entry); perr != nil && p.ctx.Err() == nil {
		p.logger.Warn("persist thumbnail", zap.String("hash", j.hash), zap.Error(perr))
	}

	p.metrics.RenderFinished(string(res.Status), took)
	p.finishFuture(j, res)
}
