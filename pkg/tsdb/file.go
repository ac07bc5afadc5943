package tsdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/reservewatch/reservewatch/pkg/log"
	"github.com/reservewatch/reservewatch/pkg/types"
)

const (
	segmentPrefix = "readings_"
	segmentSuffix = ".parquet"
	segmentStamp  = "20060102T150405Z"

	// flushEvery controls how many buffered rows trigger a rewrite of the
	// open segment's file.
	flushEvery = 12
)

// readingRow is the columnar layout of one reading. Field names match the
// parquet column names so the files stay self-describing for external
// analytical engines.
type readingRow struct {
	Timestamp      time.Time `parquet:"timestamp"`
	SolarKW        float64   `parquet:"solar_kw"`
	BatteryKW      float64   `parquet:"battery_kw"`
	GridKW         float64   `parquet:"grid_kw"`
	HomeKW         float64   `parquet:"home_kw"`
	BatterySOC     float64   `parquet:"battery_soc_percent"`
	ReservePercent float64   `parquet:"reserve_percent"`
	GridStatus     string    `parquet:"grid_status"`
}

func toRow(r types.Reading) readingRow {
	return readingRow{
		Timestamp:      r.Timestamp,
		SolarKW:        r.SolarKW,
		BatteryKW:      r.BatteryKW,
		GridKW:         r.GridKW,
		HomeKW:         r.HomeKW,
		BatterySOC:     r.BatterySOC,
		ReservePercent: r.ReservePercent,
		GridStatus:     string(r.GridStatus),
	}
}

func fromRow(row readingRow) types.Reading {
	return types.Reading{
		Timestamp:      row.Timestamp,
		SolarKW:        row.SolarKW,
		BatteryKW:      row.BatteryKW,
		GridKW:         row.GridKW,
		HomeKW:         row.HomeKW,
		BatterySOC:     row.BatterySOC,
		ReservePercent: row.ReservePercent,
		GridStatus:     types.GridStatus(row.GridStatus),
	}
}

// openSegment is the single mutable segment. Its rows live in memory and
// are rewritten to its file every flushEvery appends and at rotation, so a
// crash loses at most flushEvery readings.
type openSegment struct {
	start     time.Time
	boundary  time.Time
	path      string
	rows      []readingRow
	unflushed int
}

// fileStore implements Database over a directory of parquet files: a
// readings/ subdirectory of time-partitioned segments and an audit/
// subdirectory of daily append-only logs.
type fileStore struct {
	dir             string
	segmentInterval time.Duration
	segmentMaxRows  int
	writeTimeout    time.Duration
	retention       time.Duration

	// sem serializes all mutation and open-segment snapshots. Acquisition
	// is bounded by writeTimeout so appends can never block indefinitely.
	sem    chan struct{}
	open   *openSegment
	lastTS time.Time
	seq    int
}

func newFileStore(dir string, segmentInterval time.Duration, segmentMaxRows int, writeTimeout, retention time.Duration) *fileStore {
	return &fileStore{
		dir:             dir,
		segmentInterval: segmentInterval,
		segmentMaxRows:  segmentMaxRows,
		writeTimeout:    writeTimeout,
		retention:       retention,
		sem:             make(chan struct{}, 1),
	}
}

// Init creates the directory layout and opens a fresh segment. Any segment
// left behind by a previous process is treated as closed.
func (f *fileStore) Init(ctx context.Context) error {
	for _, sub := range []string{f.readingsDir(), f.auditDir()} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}
	f.open = f.newSegment(time.Now())
	log.Ctx(ctx).InfoContext(ctx, "storage initialized",
		slog.String("dir", f.dir),
		slog.Duration("segmentInterval", f.segmentInterval),
	)
	return nil
}

func (f *fileStore) Close() error {
	if !f.acquire(context.Background()) {
		return ErrStorageUnavailable
	}
	defer f.release()
	if f.open != nil && f.open.unflushed > 0 {
		if err := f.writeSegment(f.open); err != nil {
			return err
		}
		f.open.unflushed = 0
	}
	return nil
}

func (f *fileStore) readingsDir() string { return filepath.Join(f.dir, "readings") }
func (f *fileStore) auditDir() string    { return filepath.Join(f.dir, "audit") }

// acquire takes the mutation lock, giving up after writeTimeout or when
// the context is canceled.
func (f *fileStore) acquire(ctx context.Context) bool {
	timer := time.NewTimer(f.writeTimeout)
	defer timer.Stop()
	select {
	case f.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (f *fileStore) release() { <-f.sem }

// newSegment opens the next segment. The sequence suffix keeps paths
// distinct when the row ceiling forces several rotations inside the same
// second; stamps sort first so the order stays chronological.
func (f *fileStore) newSegment(now time.Time) *openSegment {
	start := now.UTC()
	var path string
	for {
		name := fmt.Sprintf("%s%s_%04d%s", segmentPrefix, start.Format(segmentStamp), f.seq, segmentSuffix)
		path = filepath.Join(f.readingsDir(), name)
		f.seq++
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
	}
	return &openSegment{
		start:    start,
		boundary: start.Truncate(f.segmentInterval).Add(f.segmentInterval),
		path:     path,
	}
}

// AppendReading appends r to the open segment, rotating first when the
// segment has crossed its wall-clock boundary or row ceiling. Rotation is
// a single path swap under the lock, so an in-flight query sees either the
// old or the new layout.
func (f *fileStore) AppendReading(ctx context.Context, r types.Reading) error {
	if !f.acquire(ctx) {
		return fmt.Errorf("%w: append lock not acquired within %s", ErrStorageUnavailable, f.writeTimeout)
	}
	defer f.release()

	if r.Timestamp.Before(f.lastTS) {
		return fmt.Errorf("%w: %s < %s", ErrOutOfOrder, r.Timestamp.Format(time.RFC3339Nano), f.lastTS.Format(time.RFC3339Nano))
	}

	now := r.Timestamp
	if !now.Before(f.open.boundary) || len(f.open.rows) >= f.segmentMaxRows {
		if err := f.rotate(ctx, now); err != nil {
			return err
		}
	}

	f.open.rows = append(f.open.rows, toRow(r))
	f.open.unflushed++
	f.lastTS = r.Timestamp

	if f.open.unflushed >= flushEvery {
		if err := f.writeSegment(f.open); err != nil {
			// rows stay buffered; the next append retries the flush
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		f.open.unflushed = 0
	}
	return nil
}

// rotate closes the open segment (final flush) and opens the next one.
// Caller holds the lock.
func (f *fileStore) rotate(ctx context.Context, now time.Time) error {
	if len(f.open.rows) > 0 {
		if err := f.writeSegment(f.open); err != nil {
			return fmt.Errorf("%w: closing segment: %v", ErrStorageUnavailable, err)
		}
	}
	closed := f.open
	f.open = f.newSegment(now)
	log.Ctx(ctx).InfoContext(ctx, "segment rotated",
		slog.String("closed", filepath.Base(closed.path)),
		slog.Int("rows", len(closed.rows)),
		slog.String("opened", filepath.Base(f.open.path)),
	)
	return nil
}

// writeSegment rewrites the segment's file from its buffered rows. The
// write goes to a temp file first so readers only ever see a complete
// file.
func (f *fileStore) writeSegment(seg *openSegment) error {
	tmp := seg.path + ".tmp"
	if err := parquet.WriteFile(tmp, seg.rows); err != nil {
		return fmt.Errorf("failed to write segment %s: %w", seg.path, err)
	}
	if err := os.Rename(tmp, seg.path); err != nil {
		return fmt.Errorf("failed to publish segment %s: %w", seg.path, err)
	}
	return nil
}

// QueryReadings re-reads the medium on every call: closed segment files
// plus a snapshot of the open segment's buffered rows.
func (f *fileStore) QueryReadings(ctx context.Context, start, end time.Time) ([]types.Reading, error) {
	openRows, openPath, err := f.snapshotOpen(ctx)
	if err != nil {
		return nil, err
	}

	files, err := f.segmentFiles()
	if err != nil {
		return nil, err
	}

	var out []types.Reading
	for _, path := range files {
		if path == openPath {
			// the open segment's rows come from the in-memory snapshot
			continue
		}
		rows, err := parquet.ReadFile[readingRow](path)
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %s: %w", path, err)
		}
		for _, row := range rows {
			if inRange(row.Timestamp, start, end) {
				out = append(out, fromRow(row))
			}
		}
	}
	for _, row := range openRows {
		if inRange(row.Timestamp, start, end) {
			out = append(out, fromRow(row))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (f *fileStore) snapshotOpen(ctx context.Context) ([]readingRow, string, error) {
	if !f.acquire(ctx) {
		return nil, "", fmt.Errorf("%w: query lock not acquired within %s", ErrStorageUnavailable, f.writeTimeout)
	}
	defer f.release()
	rows := make([]readingRow, len(f.open.rows))
	copy(rows, f.open.rows)
	return rows, f.open.path, nil
}

// segmentFiles lists closed and open segment files sorted by start time,
// which the stamp in the name gives us lexically.
func (f *fileStore) segmentFiles() ([]string, error) {
	entries, err := os.ReadDir(f.readingsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		files = append(files, filepath.Join(f.readingsDir(), name))
	}
	sort.Strings(files)
	return files, nil
}

func segmentStart(path string) (time.Time, error) {
	name := filepath.Base(path)
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	if i := strings.IndexByte(stamp, '_'); i >= 0 {
		stamp = stamp[:i]
	}
	return time.Parse(segmentStamp, stamp)
}

func inRange(ts, start, end time.Time) bool {
	return !ts.Before(start) && ts.Before(end)
}

// EnforceRetention deletes closed segments whose coverage ended before the
// retention horizon. A closed segment's coverage ends where the next
// segment starts, so a file is only eligible once its successor is also
// older than the horizon boundary.
func (f *fileStore) EnforceRetention(ctx context.Context) (int, error) {
	_, openPath, err := f.snapshotOpen(ctx)
	if err != nil {
		return 0, err
	}

	files, err := f.segmentFiles()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-f.retention).UTC()
	deleted := 0
	for i, path := range files {
		if path == openPath {
			continue
		}
		// coverage ends at the next file's start
		if i+1 >= len(files) {
			continue
		}
		nextStart, err := segmentStart(files[i+1])
		if err != nil {
			continue
		}
		if nextStart.Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return deleted, fmt.Errorf("failed to delete segment %s: %w", path, err)
			}
			deleted++
			log.Ctx(ctx).InfoContext(ctx, "segment deleted by retention",
				slog.String("segment", filepath.Base(path)),
			)
		}
	}
	return deleted, nil
}
