// Package scheduler sequences outgoing REST calls per spec.md §4.2: a
// single-concurrency serializer for the Korean venues (minimum spacing,
// pause-on-429) and a chunked, parallel-but-spaced scheduler for the global
// venues (Binance/OKX families). Both expose the same Submit contract so
// the backfill orchestrator doesn't need to know which family it's talking
// to.
//
// Grounded on Supervisor's retry/backoff shape in internal/supervisor/supervisor.go
// (state transitions driven by timers, not external signals) generalized
// from "retry a failed worker" to "gate admission of the next call" — the
// state machine named in spec.md §4.2 (Idle -> Processing -> Paused ->
// Processing -> Idle, Paused transitions back on a timer only).
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"momentumd/internal/exchange"
)

// State is the scheduler's externally observable lifecycle state.
type State int

const (
	Idle State = iota
	Processing
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Call is one unit of scheduled work: a REST fetch submitted by the
// backfill orchestrator. fn is invoked with the scheduler loop's background
// context, which is never cancelled; ClearQueue fails only calls that have
// not started yet.
type Call func(ctx context.Context) error

// Submitter is implemented by both Serializer and Chunked — the backfill
// orchestrator depends on this interface, not on either concrete family,
// per spec.md §4.2's "one actor per scheduler queue" design.
type Submitter interface {
	Submit(ctx context.Context, fn Call) error
	State() State
}

// request pairs a Call with the channel its caller is waiting on.
type request struct {
	fn   Call
	done chan error
}

// Serializer is the single-concurrency, fixed-spacing family used for
// Korean venues (spec.md §4.2): at most one in-flight call, a minimum gap
// between calls, and a fixed pause window after observing a 429.
type Serializer struct {
	name        string
	minSpacing  time.Duration
	pauseWindow time.Duration
	logger      *zap.Logger

	mu    sync.Mutex
	state State
	queue []request

	wake chan struct{}
}

// NewSerializer creates a Korean-venue style serializer: minSpacing between
// successive calls (150ms per spec.md §4.2), pauseWindow after a 429 (3s).
func NewSerializer(name string, minSpacing, pauseWindow time.Duration, logger *zap.Logger) *Serializer {
	s := &Serializer{
		name:        name,
		minSpacing:  minSpacing,
		pauseWindow: pauseWindow,
		logger:      logger.Named("scheduler").With(zap.String("family", name)),
		wake:        make(chan struct{}, 1),
	}
	go s.loop(context.Background())
	return s
}

// Submit enqueues fn and blocks until it has run (or the queue was cleared
// out from under it, in which case it returns a Cancelled *exchange.Error).
func (s *Serializer) Submit(ctx context.Context, fn Call) error {
	req := request{fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()
	s.signal()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearQueue drains any queued-but-not-yet-run calls with a Cancelled
// error — used on shutdown so blocked Submit callers don't hang.
func (s *Serializer) ClearQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, r := range pending {
		r.done <- cancelledErr(s.name)
	}
}

func (s *Serializer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Serializer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Serializer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.state == Paused || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			req := s.queue[0]
			s.queue = s.queue[1:]
			s.state = Processing
			s.mu.Unlock()

			err := req.fn(ctx)
			req.done <- err

			if err != nil && exchange.ClassOf(err) == exchange.ClassRateLimited {
				s.enterPause()
				continue
			}

			time.Sleep(s.minSpacing)
		}

		s.mu.Lock()
		if s.state != Paused {
			s.state = Idle
		}
		s.mu.Unlock()
	}
}

func (s *Serializer) enterPause() {
	s.mu.Lock()
	s.state = Paused
	s.mu.Unlock()

	s.logger.Warn("rate limited, pausing queue", zap.Duration("window", s.pauseWindow))

	time.AfterFunc(s.pauseWindow, func() {
		s.mu.Lock()
		s.state = Processing
		s.mu.Unlock()
		s.signal()
	})
}

func cancelledErr(family string) error {
	return &exchange.Error{Class: exchange.ClassCancelled, Venue: family, Op: "scheduler queue cleared"}
}
