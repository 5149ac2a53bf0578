// Package queue holds serialized event records waiting for delivery.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Queue is an unbounded FIFO of serialized records.
// Enqueue never blocks; TryDequeue waits up to a timeout for the next record.
// Many goroutines may enqueue at once. Dequeue is safe from any goroutine but the
// shipper only ever dequeues from its single delivery run.
type Queue struct {
	mu      sync.Mutex
	records []string
	size    atomic.Int64
	notify  chan struct{}
}

// New creates an empty queue
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends records to the tail and returns the queue length after the append.
func (q *Queue) Enqueue(records ...string) int {
	if len(records) == 0 {
		return q.Len()
	}

	q.mu.Lock()
	q.records = append(q.records, records...)
	n := len(q.records)
	q.size.Store(int64(n))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return n
}

// TryDequeue removes the head record, waiting up to timeout for one to arrive.
// It returns ("", false) on timeout or when ctx is done; neither is an error.
func (q *Queue) TryDequeue(ctx context.Context, timeout time.Duration) (string, bool) {
	if rec, ok := q.pop(); ok {
		return rec, true
	}
	if timeout <= 0 {
		return "", false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			if rec, ok := q.pop(); ok {
				return rec, true
			}
		case <-timer.C:
			return q.pop()
		case <-ctx.Done():
			return "", false
		}
	}
}

// Drain removes and returns every queued record in order.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.records
	q.records = nil
	q.size.Store(0)
	return out
}

// Snapshot returns a copy of the queued records without removing them.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, len(q.records))
	copy(out, q.records)
	return out
}

// Len is a lock-free length, accurate enough for threshold checks.
func (q *Queue) Len() int {
	return int(q.size.Load())
}

func (q *Queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) == 0 {
		return "", false
	}

	rec := q.records[0]
	q.records[0] = ""
	q.records = q.records[1:]
	if len(q.records) == 0 {
		q.records = nil
	}
	q.size.Store(int64(len(q.records)))
	return rec, true
}
