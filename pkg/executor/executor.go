package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/levenlabs/go-lflag"
	"github.com/reservewatch/reservewatch/pkg/device"
	"github.com/reservewatch/reservewatch/pkg/log"
	"github.com/reservewatch/reservewatch/pkg/types"
)

// nearTargetDelta is how close the current reserve must be to the requested
// value before a change is pointless and gets rejected.
const nearTargetDelta = 1.0

// AuditLog is the slice of storage the executor needs.
type AuditLog interface {
	AppendAudit(ctx context.Context, e types.AuditEntry) error
}

// Executor is the single gate through which every reserve change passes,
// rule decisions and operator requests alike. A mutex serializes changes so
// two callers can never race on the device, and every attempt leaves
// exactly one audit entry.
type Executor struct {
	mu     sync.Mutex
	device device.Client
	audit  AuditLog

	minInterval   time.Duration
	maxRetries    uint64
	retryInterval time.Duration

	lastApplied time.Time
}

// New builds an executor around a device client and audit log.
func New(dev device.Client, audit AuditLog, minInterval time.Duration, maxRetries uint64) *Executor {
	return &Executor{
		device:        dev,
		audit:         audit,
		minInterval:   minInterval,
		maxRetries:    maxRetries,
		retryInterval: 500 * time.Millisecond,
	}
}

// Configured sets up the executor based on flags.
func Configured(dev device.Client, audit AuditLog) *Executor {
	minInterval := lflag.Duration("action-min-interval", 5*time.Minute, "Minimum time between automated reserve changes")
	retries := lflag.Int("action-retries", 3, "Retries per reserve change on transient device errors")

	x := New(dev, audit, 0, 0)
	lflag.Do(func() {
		if *retries < 0 {
			panic(fmt.Sprintf("action-retries must not be negative: %d", *retries))
		}
		x.minInterval = *minInterval
		x.maxRetries = uint64(*retries)
	})
	return x
}

// Apply attempts a rule decision against the device and returns the audit
// entry it recorded. Automated changes are rejected when the reserve is
// already at the target or when one was applied too recently.
func (x *Executor) Apply(ctx context.Context, d types.Decision, current types.Reading) types.AuditEntry {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry := types.AuditEntry{
		Timestamp:               time.Now(),
		RuleID:                  d.RuleID,
		Reason:                  d.Reason,
		PreviousReservePercent:  current.ReservePercent,
		RequestedReservePercent: clampPercent(d.RequestedReservePercent),
	}

	if diff := entry.RequestedReservePercent - current.ReservePercent; diff >= -nearTargetDelta && diff <= nearTargetDelta {
		entry.Outcome = types.OutcomeRejected
		entry.Reason = fmt.Sprintf("already at target: reserve %.1f%%, requested %.1f%%",
			current.ReservePercent, entry.RequestedReservePercent)
		return x.record(ctx, entry)
	}
	if rejected, reason := x.rateLimited(); rejected {
		entry.Outcome = types.OutcomeRejected
		entry.Reason = reason
		return x.record(ctx, entry)
	}

	return x.record(ctx, x.setReserve(ctx, entry))
}

// ApplyManual attempts an operator-requested change through the same
// guardrail and audit path as rule decisions, minus the near-target check:
// an operator may deliberately nudge the reserve by less than a point.
func (x *Executor) ApplyManual(ctx context.Context, percent float64, reason string, current types.Reading) types.AuditEntry {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry := types.AuditEntry{
		Timestamp:               time.Now(),
		Manual:                  true,
		Reason:                  reason,
		PreviousReservePercent:  current.ReservePercent,
		RequestedReservePercent: clampPercent(percent),
	}
	if rejected, rejectReason := x.rateLimited(); rejected {
		entry.Outcome = types.OutcomeRejected
		entry.Reason = rejectReason
		return x.record(ctx, entry)
	}
	return x.record(ctx, x.setReserve(ctx, entry))
}

// rateLimited reports whether an accepted change happened within the
// minimum inter-change interval. Caller holds the lock.
func (x *Executor) rateLimited() (bool, string) {
	if x.lastApplied.IsZero() {
		return false, ""
	}
	since := time.Since(x.lastApplied)
	if since >= x.minInterval {
		return false, ""
	}
	return true, fmt.Sprintf("reserve changed %s ago, minimum interval is %s",
		since.Round(time.Second), x.minInterval)
}

// setReserve pushes the change to the device, retrying transient failures
// with exponential backoff. Rejections and auth failures are permanent.
func (x *Executor) setReserve(ctx context.Context, entry types.AuditEntry) types.AuditEntry {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = x.retryInterval

	err := backoff.Retry(func() error {
		err := x.device.SetReserve(ctx, entry.RequestedReservePercent)
		if errors.Is(err, device.ErrRejected) || errors.Is(err, device.ErrAuth) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, x.maxRetries), ctx))

	if err != nil {
		entry.Outcome = types.OutcomeFailed
		entry.Error = err.Error()
		return entry
	}
	entry.Outcome = types.OutcomeApplied
	x.lastApplied = time.Now()
	return entry
}

// record writes the audit entry. A storage failure never blocks the control
// path; the entry is still returned to the caller.
func (x *Executor) record(ctx context.Context, entry types.AuditEntry) types.AuditEntry {
	if err := x.audit.AppendAudit(ctx, entry); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record audit entry",
			slog.Any("error", err),
			slog.String("outcome", string(entry.Outcome)),
			slog.Float64("requested", entry.RequestedReservePercent),
		)
	} else {
		log.Ctx(ctx).InfoContext(ctx, "reserve change recorded",
			slog.String("outcome", string(entry.Outcome)),
			slog.Bool("manual", entry.Manual),
			slog.Float64("previous", entry.PreviousReservePercent),
			slog.Float64("requested", entry.RequestedReservePercent),
		)
	}
	return entry
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
