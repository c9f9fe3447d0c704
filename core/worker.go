package core

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Lifecycle tracks the two boolean flags that signal handlers in
// cmd/worker flip: a pending soft restart (SIGHUP) and a pending shutdown
// (SIGINT/SIGTERM). Both are plain atomics rather than package-level
// globals so a test can construct an independent Lifecycle per case.
type Lifecycle struct {
	restarting  atomic.Bool
	terminating atomic.Bool
	wake        chan struct{}
}

// NewLifecycle returns a ready-to-use Lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{wake: make(chan struct{}, 1)}
}

// RequestRestart marks a soft restart as pending and interrupts any Sleep
// in progress so the loop picks it up immediately.
func (l *Lifecycle) RequestRestart() {
	l.restarting.Store(true)
	l.poke()
}

// RequestShutdown marks a graceful shutdown as pending and interrupts any
// Sleep in progress.
func (l *Lifecycle) RequestShutdown() {
	l.terminating.Store(true)
	l.poke()
}

// ShouldRestart reports whether a restart is pending, then clears the flag
// (matching __main__.py's module-level RESTART flag being cleared at the
// top of every outer-loop iteration).
func (l *Lifecycle) ShouldRestart() bool {
	return l.restarting.Swap(false)
}

// Terminating reports whether a graceful shutdown has been requested.
func (l *Lifecycle) Terminating() bool {
	return l.terminating.Load()
}

func (l *Lifecycle) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Sleep blocks for d, or until ctx is cancelled, a restart or shutdown is
// requested, or the Lifecycle is poked directly — whichever comes first.
// This replaces the Python original's signal.sigtimedwait: instead of
// masking signals and waiting on them directly, interruption is delivered
// through the same channel signal handlers already write to.
func (l *Lifecycle) Sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.wake:
	case <-ctx.Done():
	}
}

// Loop owns one worker's claim/judge/sleep cycle against a single store and
// pipeline configuration.
type Loop struct {
	Store     AttemptStore
	Pipeline  *Pipeline
	Lifecycle *Lifecycle
	Interval  time.Duration
	Status    *StatusState // optional, nil when the status server is disabled

	TesterName       string
	InitialResult    string
	AllowedCompilers []string
	AllowedRunners   []string
}

// Run registers this worker, then claims and judges attempts until ctx is
// cancelled, Terminating is requested, a restart is requested, or a Fatal
// outcome is produced. The heartbeat row is refreshed after every
// iteration and removed on exit, mirroring __main__.py's
// register/heartbeat/unregister bracket. The returned bool reports whether
// Run stopped because of a pending restart (SIGHUP), so the caller knows to
// reload configuration and call Run again rather than exit the process.
func (l *Loop) Run(ctx context.Context) (restart bool, err error) {
	heartbeatID, err := l.Store.RegisterWorker(ctx)
	if err != nil {
		return false, err
	}
	if l.Status != nil {
		l.Status.SetRegistered(heartbeatID)
	}
	defer func() {
		if err := l.Store.Unregister(context.Background(), heartbeatID); err != nil {
			log.Printf("worker: unregistering heartbeat %d: %v", heartbeatID, err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return false, nil
		}
		if l.Lifecycle.Terminating() {
			return false, nil
		}
		if l.Lifecycle.ShouldRestart() {
			return true, nil
		}

		attempt, err := l.Store.ClaimNext(ctx, l.TesterName, l.InitialResult, l.AllowedCompilers, l.AllowedRunners)
		if err != nil {
			return false, err
		}

		if attempt == nil {
			if err := l.Store.Heartbeat(ctx, heartbeatID); err != nil {
				return false, err
			}
			l.Lifecycle.Sleep(ctx, l.Interval)
			continue
		}

		if l.Status != nil {
			l.Status.SetCurrentAttempt(attempt.ID)
		}
		outcome := l.Pipeline.Judge(ctx, attempt)
		if l.Status != nil {
			l.Status.SetCurrentAttempt(0)
		}

		switch outcome := outcome.(type) {
		case Done:
			log.Printf("attempt %d: %s", attempt.ID, outcome.FinalState)
		case Recoverable:
			log.Printf("attempt %d: recoverable error: %v", attempt.ID, outcome.Err)
		case Fatal:
			log.Printf("attempt %d: fatal error: %v", attempt.ID, outcome.Err)
			// best-effort: don't leave the attempt stuck on a transient
			// "Testing... N" state just because judging blew up.
			if err := l.Store.UpdateResult(context.Background(), attempt.ID, "System error", ResultUpdate{}); err != nil {
				log.Printf("attempt %d: marking system error: %v", attempt.ID, err)
			}
			return false, outcome.Err
		}

		if err := l.Store.Heartbeat(ctx, heartbeatID); err != nil {
			return false, err
		}
	}
}
