package tsdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/reservewatch/reservewatch/pkg/types"
)

var (
	// ErrStorageUnavailable indicates the medium cannot currently accept a
	// write. The monitoring loop treats it as transient and retries on the
	// next cycle.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrOutOfOrder indicates an append older than the last stored reading.
	ErrOutOfOrder = errors.New("reading timestamp out of order")
)

// Database persists readings into time-partitioned columnar segments and
// keeps a separate append-only audit log. Closed segments are immutable;
// queries always re-read the medium, so a fresh call reflects every
// completed append.
type Database interface {
	// AppendReading appends to the open segment. Bounded by the configured
	// write timeout; returns ErrStorageUnavailable instead of blocking.
	AppendReading(ctx context.Context, r types.Reading) error
	// QueryReadings returns readings with start <= ts < end in timestamp
	// order.
	QueryReadings(ctx context.Context, start, end time.Time) ([]types.Reading, error)
	// Rollup aggregates readings into fixed-duration buckets (avg/min/max
	// per metric).
	Rollup(ctx context.Context, start, end time.Time, bucket time.Duration) ([]types.RollupBucket, error)
	// EnforceRetention deletes closed segments older than the retention
	// horizon. Maintenance only; never invoked implicitly by appends.
	EnforceRetention(ctx context.Context) (int, error)

	// AppendAudit records a control action. Audit entries are flushed to
	// the medium immediately.
	AppendAudit(ctx context.Context, e types.AuditEntry) error
	// QueryAudit returns audit entries in the range, newest first, capped
	// at limit.
	QueryAudit(ctx context.Context, start, end time.Time, limit int) ([]types.AuditEntry, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "parquet", "Storage provider to use (available: parquet)")
	dataDir := lflag.String("data-dir", "data", "Directory for segment and audit files")
	segmentInterval := lflag.Duration("segment-interval", 24*time.Hour, "Wall-clock interval after which a new segment opens")
	segmentMaxRows := lflag.Int("segment-max-rows", 100000, "Row-count ceiling that forces segment rotation")
	writeTimeout := lflag.Duration("storage-write-timeout", 2*time.Second, "Bound on how long an append may wait for the medium")
	retention := lflag.Duration("retention-horizon", 90*24*time.Hour, "Age past which closed segments may be deleted")

	var p struct{ Database }

	lflag.Do(func() {
		switch *provider {
		case "parquet":
			fs := newFileStore(*dataDir, *segmentInterval, *segmentMaxRows, *writeTimeout, *retention)
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("storage init failed: %v", err))
			}
			p.Database = fs
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
