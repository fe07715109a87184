package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	apperrors "tradedesk/internal/errors"
)

// Serializer runs submitted mutations one at a time in arrival order. Jobs
// queue on a single channel drained by one worker goroutine, so at most one
// mutation touches the engine at any moment.
type Serializer struct {
	jobs    chan serialJob
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
}

type serialJob struct {
	fn     func() error
	result chan error
}

// NewSerializer starts a serializer with the given queue buffer.
func NewSerializer(buffer int) *Serializer {
	if buffer < 0 {
		buffer = 0
	}
	q := &Serializer{
		jobs: make(chan serialJob, buffer),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Serializer) run() {
	defer close(q.done)
	for j := range q.jobs {
		j.result <- q.exec(j.fn)
		q.pending.Add(-1)
	}
}

func (q *Serializer) exec(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in mutation: %v", p)
		}
	}()
	return fn()
}

// Do enqueues fn and waits for it to finish. ctx only bounds the wait for a
// queue slot: once accepted, the mutation runs to completion.
func (q *Serializer) Do(ctx context.Context, fn func() error) error {
	j := serialJob{fn: fn, result: make(chan error, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return apperrors.ErrClosed
	}
	q.pending.Add(1)
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		q.pending.Add(-1)
		q.mu.RUnlock()
		return ctx.Err()
	}
	q.mu.RUnlock()

	return <-j.result
}

// Pending returns the number of accepted or waiting mutations not yet finished.
func (q *Serializer) Pending() int {
	return int(q.pending.Load())
}

// Close stops accepting work, drains what is queued and waits for the worker.
func (q *Serializer) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	<-q.done
}
