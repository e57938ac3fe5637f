package thumbnail

import "container/heap"

// Priority orders queued requests. Visible work always runs before
// preloading.
type Priority int

const (
	Preload Priority = iota
	Visible
)

func (p Priority) String() string {
	if p == Visible {
		return "visible"
	}
	return "preload"
}

// ParsePriority maps "visible" to Visible and anything else to Preload
func ParsePriority(s string) Priority {
	if s == "visible" {
		return Visible
	}
	return Preload
}

type job struct {
	hash     string
	priority Priority
	seq      uint64
	index    int // heap index, -1 once popped
	future   *Future

	rendering bool
	canceled  bool
}

// jobQueue is a max-heap on priority, FIFO within a priority
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

// weakest returns the job that is evicted first: lowest priority, most
// recently queued
func (q jobQueue) weakest() *job {
	var w *job
	for _, j := range q {
		if w == nil || j.priority < w.priority || (j.priority == w.priority && j.seq > w.seq) {
			w = j
		}
	}
	return w
}

func (q *jobQueue) remove(j *job) {
	if j.index >= 0 && j.index < len(*q) {
		heap.Remove(q, j.index)
	}
}
