package charon

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

type requestState uint8

const (
	statePending requestState = iota + 1
	stateRunning
	stateCanceling
)

func (s requestState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateRunning:
		return "running"
	case stateCanceling:
		return "canceling"
	default:
		return "unknown"
	}
}

// requestQueue admits jobs keyed by request id and hands them to the
// dispatcher in arrival order.
//
// A request id is unique among pending and running requests only; once the
// dispatcher reports a request finished its id may be reused. Admission,
// cancellation and the pending to running transition all happen under one
// mutex, so a dequeue either removes a request before it starts or has no
// effect at all. A dequeued id stays reserved until release, so its cancel
// event is delivered before the id can be admitted again.
type requestQueue struct {
	mu      sync.Mutex
	states  map[string]requestState
	pending []*job
	ready   chan struct{} // holds a token while pending may be non-empty
	stopped bool
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		states: make(map[string]requestState),
		ready:  make(chan struct{}, 1),
	}
}

// add admits j. It fails with ErrDuplicateRequest if the id is already
// pending, running or being canceled, and with ErrStopped once the queue was
// stopped. A failed add has no side effects.
func (q *requestQueue) add(j *job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return fmt.Errorf("request %s: %w", j.id, ErrStopped)
	}
	if state, ok := q.states[j.id]; ok {
		return fmt.Errorf("request %s (%s): %w", j.id, state, ErrDuplicateRequest)
	}
	q.states[j.id] = statePending
	q.pending = append(q.pending, j)
	q.signal()
	return nil
}

// dequeue removes the request id if it is still pending and reports whether
// it did. Running requests are never affected. The id stays reserved until
// release is called.
func (q *requestQueue) dequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.states[id] != statePending {
		return false
	}
	q.pending = slices.DeleteFunc(q.pending, func(j *job) bool { return j.id == id })
	q.states[id] = stateCanceling
	return true
}

// release frees an id reserved by dequeue.
func (q *requestQueue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.states[id] == stateCanceling {
		delete(q.states, id)
	}
}

// counts returns the number of pending and running requests.
func (q *requestQueue) counts() (pending, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, state := range q.states {
		if state == stateRunning {
			running++
		}
	}
	return len(q.pending), running
}

// next blocks until a request is pending, marks it running and returns it.
// It returns ctx.Err() when ctx ends first.
func (q *requestQueue) next(ctx context.Context) (*job, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			j := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.states[j.id] = stateRunning
			if len(q.pending) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return j, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// finish releases the id of a running request.
func (q *requestQueue) finish(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.states[id] == stateRunning {
		delete(q.states, id)
	}
}

// stop refuses further admissions and returns the requests that never
// started, removing them from the queue.
func (q *requestQueue) stop() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	drained := q.pending
	q.pending = nil
	for _, j := range drained {
		delete(q.states, j.id)
	}
	return drained
}

// signal leaves a token in ready without blocking. Callers hold q.mu.
func (q *requestQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
