package engine

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/renanleonellocastro/artio/internal/session"
)

// commandQueueSize bounds the cross-thread control queue. Control
// messages are rare (initiate, terminate); 256 absorbs any realistic
// burst without blocking callers.
const commandQueueSize = 256

// defaultShutdownTimeout bounds the graceful drain during Close.
const defaultShutdownTimeout = 5 * time.Second

// Idle strategy thresholds: spin first, then yield, then sleep with a
// growing interval. Keeps poll latency low under load without burning a
// core when every session is quiet.
const (
	idleSpinLimit  = 64
	idleYieldLimit = 192
	idleSleepMin   = 50 * time.Microsecond
	idleSleepMax   = 1 * time.Millisecond
)

// idleStrategy is the adaptive backoff between empty poll cycles.
type idleStrategy struct {
	count int
	sleep time.Duration
}

// idle is called with the cycle's progress count.
func (s *idleStrategy) idle(work int) {
	if work > 0 {
		s.count = 0
		s.sleep = idleSleepMin
		return
	}
	s.count++
	switch {
	case s.count <= idleSpinLimit:
	case s.count <= idleYieldLimit:
		runtime.Gosched()
	default:
		time.Sleep(s.sleep)
		s.sleep *= 2
		if s.sleep > idleSleepMax {
			s.sleep = idleSleepMax
		}
	}
}

// Engine runs the framer loop: a single goroutine that owns every
// session, the registry and the sequence store. Other goroutines
// communicate with it exclusively by posting commands.
type Engine struct {
	reg             *Registry
	clock           session.Clock
	commands        chan func(nowMs int64)
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option configures optional Engine parameters.
type Option func(*Engine)

// WithShutdownTimeout overrides the graceful drain bound.
func WithShutdownTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.shutdownTimeout = d
		}
	}
}

// New creates an engine over the given registry and clock.
func New(reg *Registry, clock session.Clock, logger *slog.Logger, opts ...Option) *Engine {
	if clock == nil {
		clock = session.SystemClock{}
	}
	e := &Engine{
		reg:             reg,
		clock:           clock,
		commands:        make(chan func(nowMs int64), commandQueueSize),
		shutdownTimeout: defaultShutdownTimeout,
		logger:          logger.With(slog.String("component", "framer")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's session registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Post enqueues a control command for the framer. Safe from any
// goroutine; returns false when the queue is full.
func (e *Engine) Post(fn func(nowMs int64)) bool {
	select {
	case e.commands <- fn:
		return true
	default:
		return false
	}
}

// Run executes the framer loop until ctx is cancelled, then drains every
// session within the shutdown timeout and returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("framer started")
	var idle idleStrategy

	for {
		select {
		case <-ctx.Done():
			e.drain()
			e.logger.Info("framer stopped")
			return nil
		default:
		}

		now := e.clock.NowMillis()
		work := e.drainCommands(now)
		work += e.reg.PollAll(now)
		idle.idle(work)
	}
}

// drainCommands executes queued control commands on the framer.
func (e *Engine) drainCommands(nowMs int64) int {
	work := 0
	for {
		select {
		case fn := <-e.commands:
			fn(nowMs)
			work++
		default:
			return work
		}
	}
}

// drain gives every session up to the shutdown timeout to complete its
// logout/terminate exchange, then force-disconnects the stragglers. The
// final sequence state of every session is persisted either way.
func (e *Engine) drain() {
	now := e.clock.NowMillis()
	e.reg.DrainAll(now)

	deadline := now + e.shutdownTimeout.Milliseconds()
	var idle idleStrategy
	for e.reg.Len() > 0 {
		now = e.clock.NowMillis()
		if now >= deadline {
			break
		}
		work := e.drainCommands(now)
		work += e.reg.PollAll(now)
		idle.idle(work)
	}

	if n := e.reg.Len(); n > 0 {
		e.logger.Warn("forcing disconnect of undrained sessions", slog.Int("count", n))
		e.reg.ForceDisconnectAll()
		// One final poll reaps the forced sessions.
		e.reg.PollAll(e.clock.NowMillis())
	}
}
