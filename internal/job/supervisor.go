package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/metrics"
	"github.com/vk/graphforge/internal/tracing"
	"github.com/vk/graphforge/internal/transport"
	"github.com/vk/graphforge/internal/workflow"
)

var (
	ErrEngineUnavailable  = errors.New("engine unavailable")
	ErrSubmissionRejected = errors.New("submission rejected")
	ErrTimeout            = errors.New("job timed out")
	ErrCancelled          = errors.New("job cancelled")
)

// DefaultIdleTimeout is how long a job may go without any event.
const DefaultIdleTimeout = 30 * time.Minute

// cancelTimeout bounds the best-effort engine cancel issued when a wait is
// abandoned.
const cancelTimeout = 10 * time.Second

// Config tunes a Supervisor.
type Config struct {
	// IdleTimeout fails a job after this long without events.
	IdleTimeout time.Duration
	Backoff     transport.BackoffConfig
	Clock       clock.Clock
	Metrics     *metrics.Metrics
}

// Supervisor submits graphs and follows their jobs to completion. It holds
// no per-job state; many jobs may be supervised concurrently.
type Supervisor struct {
	engine engine.Engine
	cfg    Config

	mu        sync.Mutex
	listeners []Listener
	// notifyMu keeps listener calls in transition order across jobs.
	notifyMu sync.Mutex
}

// NewSupervisor fills unset Config fields with defaults.
func NewSupervisor(e engine.Engine, cfg Config) *Supervisor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Backoff == (transport.BackoffConfig{}) {
		cfg.Backoff = transport.DefaultBackoff()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Supervisor{engine: e, cfg: cfg}
}

// Subscribe registers l for every job's updates and returns a function that
// removes it.
func (s *Supervisor) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}

// Submit checks that the engine is reachable and submits g. Transient
// failures are retried with backoff; a structural rejection is returned
// immediately.
func (s *Supervisor) Submit(ctx context.Context, g *workflow.Graph) (_ *Job, err error) {
	id := uuid.NewString()
	ctx, logger := ctxlog.With(ctx, "job_id", id)
	ctx, span := tracing.StartSpan(ctx, "job.submit", attribute.String("job.id", id))
	defer func() { tracing.End(span, err) }()

	doc, err := g.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}

	err = transport.Retry(ctx, s.cfg.Backoff, "availability check", func() error {
		return s.engine.CheckAvailability(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	var token engine.Token
	err = transport.Retry(ctx, s.cfg.Backoff, "submit", func() error {
		t, err := s.engine.Submit(ctx, doc)
		token = t
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrRejected):
		logger.Error("Engine rejected the workflow.", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case transport.IsTransient(err):
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	default:
		return nil, fmt.Errorf("failed to submit workflow: %w", err)
	}

	j := newJob(id, token, g, s.cfg.Clock.Now())
	span.SetAttributes(attribute.String("job.token", string(token)))
	s.cfg.Metrics.JobSubmitted()
	logger.Info("📤 Job submitted.", "token", token, "nodes", g.Len())
	s.notify(j.update())
	return j, nil
}

// errStopped ends a wait after a local Cancel.
var errStopped = errors.New("wait stopped")

// Wait follows j until it reaches a terminal status and returns the job's
// error: nil for completed, ErrCancelled for cancelled, the failure for
// failed. Dropped streams are reopened with backoff. If ctx ends first the
// job is cancelled.
func (s *Supervisor) Wait(ctx context.Context, j *Job) (err error) {
	ctx, logger := ctxlog.With(ctx, "job_id", j.id, "token", j.token)
	ctx, span := tracing.StartSpan(ctx, "job.wait", attribute.String("job.id", j.id))
	defer func() { tracing.End(span, err) }()

	if snap := j.Snapshot(); snap.Status.IsTerminal() {
		return resultOf(snap)
	}

	idle := s.cfg.Clock.Timer(s.cfg.IdleTimeout)
	defer idle.Stop()

	// Each streak of failed connections gets its own retry budget; a
	// connection that delivered events ends the streak.
	first := true
	var waitErr error
	for {
		waitErr = transport.Retry(ctx, s.cfg.Backoff, "progress stream", func() error {
			if !first {
				s.recordReconnect(j)
			}
			first = false

			stream, err := s.engine.Subscribe(ctx, j.token)
			if err != nil {
				return err
			}
			defer stream.Close()
			delivered, err := s.consume(ctx, j, stream, idle)
			if delivered && transport.IsTransient(err) {
				return &droppedAfterEvents{err: err}
			}
			return err
		})
		var dropped *droppedAfterEvents
		if !errors.As(waitErr, &dropped) {
			break
		}
		logger.Info("Progress stream dropped after delivering events, reconnecting.", "error", dropped.err)
	}

	switch {
	case waitErr == nil, errors.Is(waitErr, errStopped):
	case errors.Is(waitErr, ErrTimeout):
		logger.Warn("Job went idle, giving up.", "idle_timeout", s.cfg.IdleTimeout)
		s.fail(j, fmt.Errorf("%w: no events for %v", ErrTimeout, s.cfg.IdleTimeout))
		s.cancelEngine(ctx, j)
	case ctx.Err() != nil:
		logger.Info("Wait abandoned, cancelling job.", "reason", ctx.Err())
		if s.transition(j, Cancelled, func(j *Job) { j.message = "wait abandoned: " + ctx.Err().Error() }) {
			j.signalStop()
			s.cancelEngine(ctx, j)
		}
		return ctx.Err()
	default:
		s.fail(j, fmt.Errorf("lost contact with the engine: %w", waitErr))
		s.cancelEngine(ctx, j)
	}
	return resultOf(j.Snapshot())
}

// droppedAfterEvents ends a retry streak without spending its budget: the
// connection was healthy long enough to deliver events.
type droppedAfterEvents struct{ err error }

func (e *droppedAfterEvents) Error() string { return e.err.Error() }

// consume applies stream events to j until a terminal event, a drop, the
// idle timer, a local cancel, or ctx. It reports whether any event arrived.
func (s *Supervisor) consume(ctx context.Context, j *Job, stream engine.Stream, idle *clock.Timer) (bool, error) {
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case <-j.stopped():
			return delivered, errStopped
		case <-idle.C:
			return delivered, ErrTimeout
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return delivered, err
				}
				return delivered, transport.Transient(errors.New("progress stream closed before the job finished"))
			}
			delivered = true
			resetTimer(idle, s.cfg.IdleTimeout)
			if s.apply(j, ev) {
				return true, nil
			}
		}
	}
}

func resetTimer(t *clock.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// apply folds one event into j and reports whether j is now terminal.
func (s *Supervisor) apply(j *Job, ev engine.Event) bool {
	switch ev.Kind {
	case engine.EventProgress, engine.EventExecuting:
		s.advance(j, ev)
		return j.Status().IsTerminal()
	case engine.EventCompleted:
		s.transition(j, Completed, func(j *Job) {
			j.progress = 1
			j.artifact = ev.Artifact
			j.message = "completed"
		})
	case engine.EventFailed:
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("%w: %s", engine.ErrExecution, ev.Message)
		}
		s.fail(j, err, ev.Progress)
	case engine.EventInterrupted:
		s.transition(j, Cancelled, func(j *Job) { j.message = "interrupted by the engine" })
	default:
		return false
	}
	return true
}

// advance records progress, never letting it decrease, and moves a queued
// job to running.
func (s *Supervisor) advance(j *Job, ev engine.Event) {
	j.mu.Lock()
	if j.status.IsTerminal() {
		j.mu.Unlock()
		return
	}
	if j.status == Queued {
		j.status = Running
	}
	j.progress = max(j.progress, clamp(ev.Progress))
	if ev.Message != "" {
		j.message = ev.Message
	}
	j.updatedAt = s.cfg.Clock.Now()
	s.publish(j)
}

// Cancel stops j. The local status becomes cancelled immediately and the
// engine is asked, best effort, to drop the job. Cancelling a terminal job
// does nothing.
func (s *Supervisor) Cancel(ctx context.Context, j *Job) error {
	if !s.transition(j, Cancelled, func(j *Job) { j.message = "cancelled" }) {
		return nil
	}
	j.signalStop()
	ctxlog.FromContext(ctx).Info("🛑 Job cancelled.", "job_id", j.id, "token", j.token)
	s.cancelEngine(ctx, j)
	return nil
}

func (s *Supervisor) cancelEngine(ctx context.Context, j *Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := s.engine.Cancel(ctx, j.token); err != nil {
		ctxlog.FromContext(ctx).Warn("Engine cancel failed; the job may keep running remotely.", "job_id", j.id, "token", j.token, "error", err)
	}
}

func (s *Supervisor) fail(j *Job, err error, progress ...float64) {
	s.transition(j, Failed, func(j *Job) {
		j.err = err
		j.message = err.Error()
		for _, p := range progress {
			j.progress = max(j.progress, clamp(p))
		}
	})
}

func (s *Supervisor) recordReconnect(j *Job) {
	j.mu.Lock()
	j.reconnects++
	j.mu.Unlock()
	s.cfg.Metrics.StreamReconnect("dropped")
}

// transition moves j to a terminal status unless it is already terminal,
// applies mutate under the job lock, and notifies listeners. It reports
// whether the transition happened.
func (s *Supervisor) transition(j *Job, to Status, mutate func(*Job)) bool {
	j.mu.Lock()
	if err := checkTransition(j.status, to); err != nil {
		j.mu.Unlock()
		return false
	}
	j.status = to
	if mutate != nil {
		mutate(j)
	}
	j.updatedAt = s.cfg.Clock.Now()
	elapsed := j.updatedAt.Sub(j.createdAt)
	s.publish(j)
	if to.IsTerminal() {
		s.cfg.Metrics.JobFinished(string(to), elapsed)
	}
	return true
}

// publish must be called with j.mu held; it releases it. The notify lock is
// taken before the job lock is released so listeners see updates in the
// order they were applied.
func (s *Supervisor) publish(j *Job) {
	u := j.update()
	s.notifyMu.Lock()
	j.mu.Unlock()
	defer s.notifyMu.Unlock()
	s.dispatch(u)
}

func (s *Supervisor) notify(u Update) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.dispatch(u)
}

func (s *Supervisor) dispatch(u Update) {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(u)
		}
	}
}

func resultOf(snap Snapshot) error {
	switch snap.Status {
	case Completed:
		return nil
	case Cancelled:
		return ErrCancelled
	case Failed:
		if snap.Err != nil {
			return snap.Err
		}
		return errors.New(snap.Message)
	default:
		return nil
	}
}

func clamp(p float64) float64 {
	return min(max(p, 0), 1)
}
