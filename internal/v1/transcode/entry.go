package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/metrics"
)

const (
	// defaultStopEscalation is how long a graceful stop may take before the
	// process is force-killed.
	defaultStopEscalation = 8 * time.Second

	// After a clean encoder exit there is nothing left to protect, so the
	// entry is reaped on short timers.
	defaultCleanExitProtectedRunTime = 2 * time.Second
	defaultCleanExitGracePeriod      = 5 * time.Second
)

// entryState tracks teardown progress. Transitions are one-way except
// Draining, which a re-attaching client reverts to Running.
type entryState int

const (
	stateStarting entryState = iota
	stateRunning
	stateDraining
	stateTerminating
	stateDead
)

func (s entryState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateTerminating:
		return "terminating"
	case stateDead:
		return "dead"
	}
	return "unknown"
}

// entry is one encoder process plus its fan-out. Mutable fields are guarded
// by mu; the run goroutine owns the process handle from start to Wait.
type entry struct {
	key      entryKey
	profile  Profile
	job      Job
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc
	fan    *fanout
	done   chan struct{}

	mu         sync.Mutex
	state      entryState
	refCount   int
	startedAt  time.Time
	proc       process
	procExited bool
	cleanExit  bool
	graceTimer *time.Timer
	killTimer  *time.Timer

	deadOnce sync.Once
}

func newEntry(key entryKey, profile Profile, job Job, reg *Registry) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	return &entry{
		key:      key,
		profile:  profile,
		job:      job,
		registry: reg,
		ctx:      ctx,
		cancel:   cancel,
		fan:      newFanout(),
		done:     make(chan struct{}),
	}
}

// run opens the input, starts the encoder, and pumps its output into the
// fan-out until the process closes stdout.
func (e *entry) run() {
	defer close(e.done)

	input, err := e.job.OpenInput(e.ctx)
	if err != nil {
		e.fail(fmt.Errorf("open input: %w", err))
		return
	}

	proc, err := e.registry.runner.Start(e.ctx, input, e.profile)
	if err != nil {
		_ = input.Close()
		e.fail(fmt.Errorf("start encoder: %w", err))
		return
	}

	e.mu.Lock()
	e.proc = proc
	e.startedAt = time.Now()
	if e.state == stateStarting {
		e.state = stateRunning
	}
	e.mu.Unlock()

	logging.Info(e.ctx, "Encoder started",
		zap.String("mediaId", e.key.mediaID),
		zap.String("profile", e.profile.Name))

	_, copyErr := io.Copy(e.fan, proc.Output())
	_ = input.Close()
	exitErr := proc.Wait()
	if exitErr == nil && copyErr != nil {
		exitErr = copyErr
	}

	e.finish(exitErr)
}

// attach adds a reader. It reports false when the entry can no longer serve
// new clients and the registry must allocate a fresh one.
func (e *entry) attach() (*clientStream, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.procExited || e.state == stateTerminating || e.state == stateDead {
		return nil, false
	}
	e.refCount++
	if e.state == stateDraining {
		e.state = stateRunning
		if e.graceTimer != nil {
			e.graceTimer.Stop()
			e.graceTimer = nil
		}
	}
	metrics.TranscodeClients.Inc()
	return e.fan.addClient(e.detach), true
}

// detach runs once per reader close. The last reader out schedules
// teardown.
func (e *entry) detach() {
	metrics.TranscodeClients.Dec()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refCount > 0 {
		e.refCount--
	}
	if e.refCount > 0 || e.state == stateTerminating || e.state == stateDead {
		return
	}
	e.state = stateDraining
	e.scheduleTeardownLocked()
}

// scheduleTeardownLocked arms the grace timer: at least GracePeriod after
// the last detach, and never before the protected run time has elapsed.
func (e *entry) scheduleTeardownLocked() {
	protected := e.profile.ProtectedRunTime
	grace := e.profile.GracePeriod
	if e.cleanExit {
		protected = e.registry.cleanExitProtected
		grace = e.registry.cleanExitGrace
	}

	deadline := time.Now().Add(grace)
	if !e.startedAt.IsZero() {
		if minEnd := e.startedAt.Add(protected); minEnd.After(deadline) {
			deadline = minEnd
		}
	}

	if e.graceTimer != nil {
		e.graceTimer.Stop()
	}
	e.graceTimer = time.AfterFunc(time.Until(deadline), e.teardown)
}

// teardown fires when the grace period elapses with no clients attached.
func (e *entry) teardown() {
	e.mu.Lock()
	if e.state != stateDraining || e.refCount > 0 {
		e.mu.Unlock()
		return
	}
	e.state = stateTerminating
	proc := e.proc
	exited := e.procExited
	e.mu.Unlock()

	if exited {
		e.finalize()
		return
	}
	if proc == nil {
		// Still opening the input; cancelling the context unwinds run,
		// which removes the entry.
		e.cancel()
		return
	}

	logging.Info(e.ctx, "Stopping idle encoder",
		zap.String("mediaId", e.key.mediaID),
		zap.String("profile", e.profile.Name))
	proc.Stop()
	e.armKillTimer(proc)
}

// armKillTimer escalates a graceful stop to a kill if the process outlives
// the escalation window.
func (e *entry) armKillTimer(proc process) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.procExited || e.state == stateDead {
		return
	}
	e.killTimer = time.AfterFunc(e.registry.stopEscalation, func() {
		logging.Warn(e.ctx, "Encoder ignored graceful stop, killing",
			zap.String("mediaId", e.key.mediaID))
		e.cancel()
		proc.Kill()
	})
}

// finish records the process exit and decides the entry's fate. A clean
// exit leaves readers draining toward EOF; any other exit outside a
// requested teardown fails the entry.
func (e *entry) finish(exitErr error) {
	e.mu.Lock()
	e.procExited = true
	e.cleanExit = exitErr == nil
	e.stopTimersLocked()
	wasTerminating := e.state == stateTerminating
	refs := e.refCount

	switch {
	case exitErr != nil && !wasTerminating:
		e.state = stateDead
		e.mu.Unlock()
		logging.Error(e.ctx, "Encoder exited unexpectedly",
			zap.String("mediaId", e.key.mediaID), zap.Error(exitErr))
		e.fan.closeWith(ErrEntryFailed)
		e.registry.remove(e)
		e.markDead()
		e.cancel()
	case wasTerminating:
		e.state = stateDead
		e.mu.Unlock()
		e.fan.closeWith(io.EOF)
		e.registry.remove(e)
		e.markDead()
		e.cancel()
		logging.Info(e.ctx, "Encoder stopped",
			zap.String("mediaId", e.key.mediaID))
	default:
		if refs == 0 {
			// Already draining; replace the long grace timer with the
			// post-exit one.
			e.scheduleTeardownLocked()
		}
		e.mu.Unlock()
		e.fan.closeWith(io.EOF)
		logging.Info(e.ctx, "Encoder finished",
			zap.String("mediaId", e.key.mediaID),
			zap.Int("attachedClients", refs))
	}
}

// fail handles allocation-path errors; the entry never produced output.
func (e *entry) fail(err error) {
	e.mu.Lock()
	wasTerminating := e.state == stateTerminating
	e.state = stateDead
	e.stopTimersLocked()
	e.mu.Unlock()

	if wasTerminating || errors.Is(err, context.Canceled) {
		logging.Info(e.ctx, "Encoder allocation abandoned",
			zap.String("mediaId", e.key.mediaID))
	} else {
		logging.Error(e.ctx, "Transcode entry failed",
			zap.String("mediaId", e.key.mediaID), zap.Error(err))
	}

	e.fan.closeWith(ErrEntryFailed)
	e.registry.remove(e)
	e.markDead()
	e.cancel()
}

// finalize reaps an entry whose process already exited.
func (e *entry) finalize() {
	e.mu.Lock()
	e.state = stateDead
	e.stopTimersLocked()
	e.mu.Unlock()

	e.registry.remove(e)
	e.markDead()
	e.cancel()
}

// shutdown begins forced teardown regardless of attached clients, grace
// periods, or protected run time.
func (e *entry) shutdown() {
	e.mu.Lock()
	if e.state == stateDead {
		e.mu.Unlock()
		return
	}
	e.stopTimersLocked()
	e.state = stateTerminating
	proc := e.proc
	exited := e.procExited
	e.mu.Unlock()

	switch {
	case exited:
		e.finalize()
	case proc == nil:
		e.cancel()
	default:
		proc.Stop()
	}
}

// forceKill is the shutdown escalation for processes that ignored Stop.
func (e *entry) forceKill() {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()

	e.cancel()
	if proc != nil {
		proc.Kill()
	}
}

func (e *entry) stopTimersLocked() {
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	if e.killTimer != nil {
		e.killTimer.Stop()
		e.killTimer = nil
	}
}

// markDead decrements the session gauge exactly once per entry.
func (e *entry) markDead() {
	e.deadOnce.Do(metrics.TranscodeSessions.Dec)
}
