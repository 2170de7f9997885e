// Package scheduler runs upload sessions with a bound on how many are active
// at once. Sessions beyond the bound wait in FIFO order.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	uerrors "github.com/input-output-hk/catalyst-forge-libs/mediaupload/errors"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/metrics"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("scheduler closed")

// Job is a unit of work. Implemented by *session.Session.
type Job interface {
	ID() string
	Run(ctx context.Context) *uploadtypes.Result
	Cancel()
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics records active and queued counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler admits jobs up to a concurrency limit.
//
// Thread Safety: Scheduler is safe for concurrent use.
type Scheduler struct {
	limit   int
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queue  []Job
	active map[string]Job
	idle   chan struct{}
	closed bool
}

// New creates a scheduler running at most limit jobs at once. A limit below
// one is treated as one.
func New(limit int, opts ...Option) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	s := &Scheduler{
		limit:  limit,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]Job),
		idle:   idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit queues job and starts it when a slot is free.
func (s *Scheduler) Submit(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return uerrors.NewError("submit", uerrors.KindCancelled, ErrClosed)
	}
	if !s.busyLocked() {
		s.idle = make(chan struct{})
	}
	s.queue = append(s.queue, job)
	s.dispatchLocked()
	return nil
}

// Cancel cancels the job with the given id, whether queued or running. It
// reports whether the job was found.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	var job Job
	for i, q := range s.queue {
		if q.ID() == id {
			job = q
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.reportLocked()
			s.signalIdleLocked()
			break
		}
	}
	if job == nil {
		job = s.active[id]
	}
	s.mu.Unlock()

	if job == nil {
		return false
	}
	job.Cancel()
	return true
}

// Active returns the number of running jobs.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Queued returns the number of jobs waiting for a slot.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Wait blocks until no job is queued or running, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.busyLocked() {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return uerrors.NewError("wait", uerrors.KindCancelled, ctx.Err())
		}
	}
}

// Close stops accepting jobs, cancels queued and running ones and waits for
// them to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.reportLocked()
	s.signalIdleLocked()
	s.mu.Unlock()

	for _, job := range queued {
		job.Cancel()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) dispatchLocked() {
	for len(s.active) < s.limit && len(s.queue) > 0 {
		job := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		s.active[job.ID()] = job
		s.wg.Add(1)
		go s.run(job)
	}
	s.reportLocked()
}

func (s *Scheduler) run(job Job) {
	defer s.wg.Done()

	if s.logger != nil {
		s.logger.Debug("session admitted", "session", job.ID())
	}
	res := job.Run(s.ctx)
	if s.logger != nil && res != nil {
		s.logger.Debug("session released", "session", job.ID(), "phase", res.Phase.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, job.ID())
	if !s.closed {
		s.dispatchLocked()
	}
	s.reportLocked()
	s.signalIdleLocked()
}

func (s *Scheduler) busyLocked() bool {
	return len(s.active) > 0 || len(s.queue) > 0
}

func (s *Scheduler) signalIdleLocked() {
	if s.busyLocked() {
		return
	}
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

func (s *Scheduler) reportLocked() {
	s.metrics.SetScheduler(len(s.active), len(s.queue))
}
