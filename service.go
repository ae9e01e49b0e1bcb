package charon

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/charon/cache"
	"github.com/meigma/charon/core"
)

// Messages carried by RequestError for requests that never ran.
const (
	CanceledMessage = "Request canceled"
	ShutdownMessage = "Service shutting down"
)

// Service is the request boundary: it admits and cancels requests and runs
// admitted requests as jobs with bounded concurrency.
//
// Requests may be started before Serve is called; they stay pending until
// Serve dispatches them.
type Service struct {
	opener       core.Opener
	handler      Handler
	queue        *requestQueue
	maxJobs      int
	maxEntrySize uint64
	cache        cache.Cache
	fills        singleflight.Group
	logger       *slog.Logger
	serving      atomic.Bool
}

// New creates a service that opens files with opener and reports events
// to handler.
func New(opener core.Opener, handler Handler, opts ...Option) (*Service, error) {
	if opener == nil {
		return nil, errors.New("charon: opener is nil")
	}
	if handler == nil {
		return nil, errors.New("charon: handler is nil")
	}
	s := &Service{
		opener:       opener,
		handler:      handler,
		queue:        newRequestQueue(),
		maxJobs:      runtime.GOMAXPROCS(0),
		maxEntrySize: core.DefaultMaxEntrySize,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Service) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// StartRequest admits a request to read virtualPaths from filePath and
// reports whether it was accepted. It is rejected when id is already pending
// or running, or after the service stopped.
func (s *Service) StartRequest(id, filePath string, virtualPaths []string) bool {
	return s.Submit(id, filePath, virtualPaths) == nil
}

// Submit is StartRequest with the reason for a rejection.
func (s *Service) Submit(id, filePath string, virtualPaths []string) error {
	j := &job{
		id:           id,
		filePath:     filePath,
		virtualPaths: slices.Clone(virtualPaths),
		svc:          s,
	}
	if err := s.queue.add(j); err != nil {
		s.log().Debug("request rejected", "request", id, "error", err)
		return err
	}
	s.log().Info("request admitted", "request", id, "file", filePath, "paths", len(virtualPaths))
	return nil
}

// CancelRequest cancels id if it has not started yet, emitting RequestError
// with CanceledMessage. Unknown and running requests are left alone. The id
// cannot be reused until the handler has returned from that event.
func (s *Service) CancelRequest(id string) {
	if !s.queue.dequeue(id) {
		s.log().Debug("cancel ignored", "request", id)
		return
	}
	defer s.queue.release(id)
	s.log().Info("request canceled", "request", id)
	s.handler.RequestError(id, CanceledMessage)
}

// Pending returns the number of pending and running requests.
func (s *Service) Pending() (pending, running int) {
	return s.queue.counts()
}

// Serve dispatches pending requests until ctx is done.
//
// A request moves from pending to running only once a worker slot is free,
// so it stays cancelable while it waits. On shutdown Serve stops admitting
// requests, fails every request that never started with ShutdownMessage and
// waits for running jobs to finish. Serve may be called at most once.
func (s *Service) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("charon: service is already serving")
	}
	log := s.log()
	log.Info("service started", "max_jobs", s.maxJobs)

	slots := semaphore.NewWeighted(int64(s.maxJobs))
	var g errgroup.Group
	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			break
		}
		j, err := s.queue.next(ctx)
		if err != nil {
			slots.Release(1)
			break
		}
		g.Go(func() error {
			defer slots.Release(1)
			s.run(j)
			return nil
		})
	}

	drained := s.queue.stop()
	for _, j := range drained {
		s.handler.RequestError(j.id, ShutdownMessage)
	}
	log.Info("service stopping", "dropped", len(drained))
	err := g.Wait()
	log.Info("service stopped")
	return err
}

func (s *Service) run(j *job) {
	defer s.queue.finish(j.id)
	s.log().Debug("request running", "request", j.id)
	_ = j.execute() //nolint:errcheck // reported to the handler and logged by the job
}
