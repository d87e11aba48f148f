package orchestration

import (
	"context"
	"sync"

	"github.com/Srey123/seostream/internal/stream"
)

// job is one unit of persistence work. Jobs run one at a time in the
// order they were queued.
type job struct {
	gen     uint64
	save    *stream.SaveSpec
	refresh bool
}

// jobQueue is an unbounded FIFO drained by a single worker.
type jobQueue struct {
	mu         sync.Mutex
	jobs       []job
	busy       bool
	wake       chan struct{}
	idle       chan struct{}
	idleClosed bool
}

func newJobQueue() *jobQueue {
	q := &jobQueue{
		wake: make(chan struct{}, 1),
		idle: make(chan struct{}),
	}
	close(q.idle)
	q.idleClosed = true
	return q
}

func (q *jobQueue) push(j job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	if q.idleClosed {
		q.idle = make(chan struct{})
		q.idleClosed = false
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks until a job is available or ctx is done.
func (q *jobQueue) next(ctx context.Context) (job, bool) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			j := q.jobs[0]
			q.jobs[0] = job{}
			q.jobs = q.jobs[1:]
			q.busy = true
			q.mu.Unlock()
			return j, true
		}
		q.busy = false
		if !q.idleClosed {
			close(q.idle)
			q.idleClosed = true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return job{}, false
		}
	}
}

// drained returns a channel closed once the queue is empty and no job is
// running.
func (q *jobQueue) drained() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.jobs)
	if q.busy {
		n++
	}
	return n
}
