package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/reservewatch/reservewatch/pkg/device"
	"github.com/reservewatch/reservewatch/pkg/executor"
	"github.com/reservewatch/reservewatch/pkg/log"
	"github.com/reservewatch/reservewatch/pkg/rules"
	"github.com/reservewatch/reservewatch/pkg/tsdb"
	"github.com/reservewatch/reservewatch/pkg/types"
)

// Loop polls the device on an adaptive interval, persists readings, and
// feeds the rules engine. Poll failures degrade the loop and stretch the
// interval; the loop never stops itself, only Stop does.
type Loop struct {
	device device.Client
	db     tsdb.Database
	engine *rules.Engine
	exec   *executor.Executor

	pollInterval    time.Duration
	pollTimeout     time.Duration
	maxPollInterval time.Duration
	degradedAfter   int
	windowCapacity  int

	mu          sync.Mutex
	state       types.LoopState
	stop        chan struct{}
	done        chan struct{}
	interval    time.Duration
	consecFails int
	lastErr     string
	lastDec     *types.Decision
	window      []types.Reading
	subs        []chan types.Reading

	snapshot atomic.Pointer[types.StatusSnapshot]
	latest   atomic.Pointer[types.Reading]
}

// New builds a stopped loop. Start begins polling.
func New(dev device.Client, db tsdb.Database, eng *rules.Engine, exec *executor.Executor,
	pollInterval, pollTimeout, maxPollInterval time.Duration, degradedAfter, windowCapacity int) *Loop {
	l := &Loop{
		device:          dev,
		db:              db,
		engine:          eng,
		exec:            exec,
		pollInterval:    pollInterval,
		pollTimeout:     pollTimeout,
		maxPollInterval: maxPollInterval,
		degradedAfter:   degradedAfter,
		windowCapacity:  windowCapacity,
		state:           types.LoopStopped,
		interval:        pollInterval,
	}
	l.publishLocked()
	return l
}

// Configured sets up the monitoring loop based on flags.
func Configured(dev device.Client, db tsdb.Database, eng *rules.Engine, exec *executor.Executor) *Loop {
	pollInterval := lflag.Duration("poll-interval", 30*time.Second, "Base interval between device polls")
	pollTimeout := lflag.Duration("poll-timeout", 10*time.Second, "Deadline for a single poll cycle")
	maxPollInterval := lflag.Duration("max-poll-interval", 5*time.Minute, "Ceiling for the backed-off poll interval")
	degradedAfter := lflag.Int("degraded-after", 3, "Consecutive poll failures before the loop reports degraded")
	windowCapacity := lflag.Int("window-capacity", 240, "Recent readings retained in memory for rule windows")

	l := New(dev, db, eng, exec, 0, 0, 0, 0, 0)
	lflag.Do(func() {
		if *pollInterval <= 0 {
			panic(fmt.Sprintf("poll-interval must be positive: %s", *pollInterval))
		}
		if *maxPollInterval < *pollInterval {
			panic(fmt.Sprintf("max-poll-interval %s is below poll-interval %s", *maxPollInterval, *pollInterval))
		}
		if *degradedAfter < 1 {
			panic(fmt.Sprintf("degraded-after must be at least 1: %d", *degradedAfter))
		}
		l.pollInterval = *pollInterval
		l.pollTimeout = *pollTimeout
		l.maxPollInterval = *maxPollInterval
		l.degradedAfter = *degradedAfter
		l.windowCapacity = *windowCapacity
		l.interval = *pollInterval
		l.publishLocked()
	})
	return l
}

// Start transitions the loop to running and begins polling. Starting an
// already-running loop is an error.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != types.LoopStopped {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("cannot start loop in state %s", state)
	}
	l.state = types.LoopStarting
	l.consecFails = 0
	l.interval = l.pollInterval
	l.lastErr = ""

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.publishLocked()
	l.mu.Unlock()

	l.auditEvent(ctx, "monitoring started")
	go l.run(context.WithoutCancel(ctx), l.stop)
	return nil
}

// Stop signals shutdown and waits for any in-flight cycle to finish. The
// cycle's device call keeps running under its own poll timeout so the
// device is never abandoned mid-change without an audit record.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == types.LoopStopped || l.state == types.LoopStopping {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("cannot stop loop in state %s", state)
	}
	l.state = types.LoopStopping
	stop, done := l.stop, l.done
	l.publishLocked()
	l.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	l.state = types.LoopStopped
	l.publishLocked()
	l.mu.Unlock()

	l.auditEvent(ctx, "monitoring stopped")
	return nil
}

func (l *Loop) run(ctx context.Context, stop <-chan struct{}) {
	defer close(l.done)

	// first cycle immediately, then on the adaptive interval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		// a stop that raced the timer wins; no new cycle begins
		select {
		case <-stop:
			return
		default:
		}
		l.cycle(ctx)

		l.mu.Lock()
		next := l.interval
		l.mu.Unlock()
		timer.Reset(next)
	}
}

// cycle performs one poll: read, persist, evaluate, act. Every log line
// from the cycle carries the same cycleID.
func (l *Loop) cycle(ctx context.Context) {
	ctx = log.WithAttrs(ctx, slog.String("cycleID", uuid.NewString()))
	pollCtx, cancel := context.WithTimeout(ctx, l.pollTimeout)
	defer cancel()

	reading, err := l.device.Read(pollCtx)
	if err != nil {
		l.onPollFailure(ctx, err)
		return
	}
	l.latest.Store(&reading)

	if err := l.db.AppendReading(ctx, reading); err != nil {
		// storage trouble does not interrupt monitoring
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist reading",
			slog.Any("error", err),
			slog.Time("timestamp", reading.Timestamp),
		)
	}

	l.mu.Lock()
	recovered := l.consecFails > 0
	l.consecFails = 0
	l.lastErr = ""
	l.state = types.LoopRunning
	l.interval = l.pollInterval
	l.window = append(l.window, reading)
	if len(l.window) > l.windowCapacity {
		l.window = l.window[len(l.window)-l.windowCapacity:]
	}
	window := make([]types.Reading, len(l.window))
	copy(window, l.window)
	for _, sub := range l.subs {
		select {
		case sub <- reading:
		default:
			// a slow subscriber misses readings rather than stalling the loop
		}
	}
	l.publishLocked()
	l.mu.Unlock()

	if recovered {
		log.Ctx(ctx).InfoContext(ctx, "device polling recovered")
	}

	if decision, ok := l.engine.Evaluate(reading.Timestamp, reading, window); ok {
		log.Ctx(ctx).InfoContext(ctx, "rule fired",
			slog.String("rule", decision.RuleName),
			slog.Float64("requested", decision.RequestedReservePercent),
			slog.String("reason", decision.Reason),
		)
		l.exec.Apply(ctx, decision, reading)

		l.mu.Lock()
		l.lastDec = &decision
		l.publishLocked()
		l.mu.Unlock()
	}
}

// onPollFailure counts the failure, degrades the loop past the threshold,
// and doubles the interval up to the ceiling.
func (l *Loop) onPollFailure(ctx context.Context, err error) {
	l.mu.Lock()
	l.consecFails++
	l.lastErr = err.Error()
	if l.consecFails >= l.degradedAfter {
		l.state = types.LoopDegraded
	}
	next := l.interval * 2
	if next > l.maxPollInterval {
		next = l.maxPollInterval
	}
	l.interval = next
	fails := l.consecFails
	state := l.state
	l.publishLocked()
	l.mu.Unlock()

	log.Ctx(ctx).WarnContext(ctx, "device poll failed",
		slog.Any("error", err),
		slog.Int("consecutiveFailures", fails),
		slog.String("state", string(state)),
		slog.Duration("nextPoll", next),
	)
}

// Snapshot returns the most recently published status. Never nil.
func (l *Loop) Snapshot() types.StatusSnapshot {
	if s := l.snapshot.Load(); s != nil {
		return *s
	}
	return types.StatusSnapshot{LoopState: types.LoopStopped}
}

// LatestReading returns the last successful reading, or nil before the
// first one.
func (l *Loop) LatestReading() *types.Reading {
	return l.latest.Load()
}

// Subscribe returns a channel receiving each successful reading. Slow
// receivers are skipped, not waited on.
func (l *Loop) Subscribe() <-chan types.Reading {
	ch := make(chan types.Reading, 8)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (l *Loop) Unsubscribe(ch <-chan types.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, sub := range l.subs {
		if (<-chan types.Reading)(sub) == ch {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

// publishLocked swaps in a fresh snapshot. Caller holds the lock.
func (l *Loop) publishLocked() {
	s := &types.StatusSnapshot{
		LoopState:           l.state,
		ConsecutiveFailures: l.consecFails,
		PollInterval:        l.interval,
		LastReading:         l.latest.Load(),
		LastDecision:        l.lastDec,
		LastError:           l.lastErr,
		UpdatedAt:           time.Now(),
	}
	l.snapshot.Store(s)
}

// auditEvent records a lifecycle event in the audit log with the current
// reserve carried through unchanged.
func (l *Loop) auditEvent(ctx context.Context, reason string) {
	entry := types.AuditEntry{
		Timestamp: time.Now(),
		Reason:    reason,
		Outcome:   types.OutcomeApplied,
	}
	if r := l.latest.Load(); r != nil {
		entry.PreviousReservePercent = r.ReservePercent
		entry.RequestedReservePercent = r.ReservePercent
	}
	if err := l.db.AppendAudit(ctx, entry); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record lifecycle event",
			slog.Any("error", err),
			slog.String("reason", reason),
		)
	}
}
