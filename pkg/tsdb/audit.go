package tsdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/reservewatch/reservewatch/pkg/types"
)

const (
	auditPrefix = "audit_"
	auditStamp  = "20060102"
)

type auditRow struct {
	Timestamp      time.Time `parquet:"timestamp"`
	Manual         bool      `parquet:"manual"`
	RuleID         string    `parquet:"rule_id"`
	Reason         string    `parquet:"reason"`
	PreviousValue  float64   `parquet:"previous_reserve"`
	RequestedValue float64   `parquet:"requested_reserve"`
	Outcome        string    `parquet:"outcome"`
	Error          string    `parquet:"error_detail"`
}

// AppendAudit writes one entry to the day's audit file. Audit entries are
// the sole record of control actions, so they are never buffered: the file
// is rewritten and published on every append.
func (f *fileStore) AppendAudit(ctx context.Context, e types.AuditEntry) error {
	if !f.acquire(ctx) {
		return fmt.Errorf("%w: audit lock not acquired within %s", ErrStorageUnavailable, f.writeTimeout)
	}
	defer f.release()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	path := f.auditPath(e.Timestamp)
	var rows []auditRow
	if _, err := os.Stat(path); err == nil {
		existing, err := parquet.ReadFile[auditRow](path)
		if err != nil {
			return fmt.Errorf("%w: reading audit file %s: %v", ErrStorageUnavailable, path, err)
		}
		rows = existing
	}

	rows = append(rows, auditRow{
		Timestamp:      e.Timestamp,
		Manual:         e.Manual,
		RuleID:         e.RuleID,
		Reason:         e.Reason,
		PreviousValue:  e.PreviousReservePercent,
		RequestedValue: e.RequestedReservePercent,
		Outcome:        string(e.Outcome),
		Error:          e.Error,
	})

	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		return fmt.Errorf("%w: writing audit file %s: %v", ErrStorageUnavailable, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: publishing audit file %s: %v", ErrStorageUnavailable, path, err)
	}
	return nil
}

// QueryAudit returns entries with start <= ts < end, newest first.
func (f *fileStore) QueryAudit(ctx context.Context, start, end time.Time, limit int) ([]types.AuditEntry, error) {
	entries, err := os.ReadDir(f.auditDir())
	if err != nil {
		return nil, fmt.Errorf("failed to list audit files: %w", err)
	}

	var out []types.AuditEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, auditPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		day, err := time.Parse(auditStamp, strings.TrimSuffix(strings.TrimPrefix(name, auditPrefix), segmentSuffix))
		if err != nil {
			continue
		}
		// skip files entirely outside the range
		if day.Add(24*time.Hour).Before(start) || !day.Before(end) {
			continue
		}

		rows, err := parquet.ReadFile[auditRow](filepath.Join(f.auditDir(), name))
		if err != nil {
			return nil, fmt.Errorf("failed to read audit file %s: %w", name, err)
		}
		for _, row := range rows {
			if inRange(row.Timestamp, start, end) {
				out = append(out, types.AuditEntry{
					Timestamp:               row.Timestamp,
					Manual:                  row.Manual,
					RuleID:                  row.RuleID,
					Reason:                  row.Reason,
					PreviousReservePercent:  row.PreviousValue,
					RequestedReservePercent: row.RequestedValue,
					Outcome:                 types.Outcome(row.Outcome),
					Error:                   row.Error,
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fileStore) auditPath(ts time.Time) string {
	return filepath.Join(f.auditDir(), auditPrefix+ts.UTC().Format(auditStamp)+segmentSuffix)
}
