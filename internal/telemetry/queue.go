package telemetry

import "sync"

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 10000

// Queue is a fixed-capacity ring buffer of entries. Enqueue never blocks; a
// full queue evicts its oldest entry to admit the new one.
type Queue struct {
	mu      sync.Mutex
	buf     []Entry
	head    int
	size    int
	dropped uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{buf: make([]Entry, capacity)}
}

// Enqueue appends e and reports whether an older entry was evicted for it.
func (q *Queue) Enqueue(e Entry) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.buf) {
		q.buf[q.head] = e
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
		return true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = e
	q.size++
	return false
}

// DrainBatch removes and returns up to max entries, oldest first.
func (q *Queue) DrainBatch(max int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(max, q.size)
	if n <= 0 {
		return nil
	}
	out := make([]Entry, n)
	for i := range n {
		out[i] = q.buf[q.head]
		q.buf[q.head] = Entry{}
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	return out
}

// Requeue puts entries back at the front of the queue in their original
// order. If they no longer all fit, the oldest of them are dropped.
func (q *Queue) Requeue(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	free := len(q.buf) - q.size
	if len(entries) > free {
		q.dropped += uint64(len(entries) - free)
		entries = entries[len(entries)-free:]
	}
	for i := len(entries) - 1; i >= 0; i-- {
		q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
		q.buf[q.head] = entries[i]
		q.size++
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many entries have been evicted since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
