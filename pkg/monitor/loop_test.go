package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reservewatch/reservewatch/pkg/device"
	"github.com/reservewatch/reservewatch/pkg/executor"
	"github.com/reservewatch/reservewatch/pkg/rules"
	"github.com/reservewatch/reservewatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDB is an in-memory Database for loop tests.
type memDB struct {
	mu        sync.Mutex
	readings  []types.Reading
	audits    []types.AuditEntry
	appendErr error
}

func (m *memDB) AppendReading(_ context.Context, r types.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.readings = append(m.readings, r)
	return nil
}

func (m *memDB) QueryReadings(_ context.Context, start, end time.Time) ([]types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Reading
	for _, r := range m.readings {
		if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memDB) Rollup(context.Context, time.Time, time.Time, time.Duration) ([]types.RollupBucket, error) {
	return nil, nil
}

func (m *memDB) EnforceRetention(context.Context) (int, error) { return 0, nil }

func (m *memDB) AppendAudit(_ context.Context, e types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

func (m *memDB) QueryAudit(context.Context, time.Time, time.Time, int) ([]types.AuditEntry, error) {
	return nil, nil
}

func (m *memDB) Close() error { return nil }

func (m *memDB) readingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readings)
}

func (m *memDB) auditReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.audits))
	for i, a := range m.audits {
		out[i] = a.Reason
	}
	return out
}

func testLoop(t *testing.T, dev *device.Mock, db *memDB, eng *rules.Engine) *Loop {
	t.Helper()
	exec := executor.New(dev, db, 0, 0)
	l := New(dev, db, eng, exec, 10*time.Millisecond, 100*time.Millisecond, 80*time.Millisecond, 2, 16)
	t.Cleanup(func() {
		s := l.Snapshot()
		if s.LoopState != types.LoopStopped {
			_ = l.Stop(context.Background())
		}
	})
	return l
}

func TestLoopPollsAndPersists(t *testing.T) {
	dev := device.NewMock()
	db := &memDB{}
	l := testLoop(t, dev, db, rules.New())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return db.readingCount() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s := l.Snapshot()
	assert.Equal(t, types.LoopRunning, s.LoopState)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.NotNil(t, s.LastReading)
	require.NotNil(t, l.LatestReading())
	assert.Equal(t, 20.0, l.LatestReading().ReservePercent)
}

func TestLoopFiresRulesAndActs(t *testing.T) {
	dev := device.NewMock()
	for i := 0; i < 10; i++ {
		dev.QueueReadings(types.Reading{HomeKW: 6.0, BatterySOC: 60, GridStatus: types.GridStatusUp})
	}
	db := &memDB{}
	eng := rules.New()
	require.NoError(t, eng.Replace([]types.Rule{{
		ID:      "high-load",
		Name:    "high load",
		Enabled: true,
		Trigger: types.Trigger{
			Kind:          types.TriggerThresholdOverWindow,
			Metric:        types.MetricHomeKW,
			Op:            types.OpGreaterThan,
			Threshold:     3.0,
			WindowSeconds: 3600,
		},
		TargetReservePercent: 80,
		CooldownSeconds:      3600,
	}}))
	l := testLoop(t, dev, db, eng)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return dev.Reserve() == 80.0 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s := l.Snapshot()
		return s.LastDecision != nil
	}, 2*time.Second, 5*time.Millisecond)
	s := l.Snapshot()
	assert.Equal(t, "high-load", s.LastDecision.RuleID)

	found := false
	for _, reason := range db.auditReasons() {
		if reason != "monitoring started" && reason != "" {
			found = true
		}
	}
	assert.True(t, found, "rule action should be audited")
}

func TestLoopDegradesAndRecovers(t *testing.T) {
	dev := device.NewMock()
	dev.QueueReadErrors(device.ErrTimeout, device.ErrTimeout, device.ErrTimeout)
	db := &memDB{}
	l := testLoop(t, dev, db, rules.New())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool {
		return l.Snapshot().LoopState == types.LoopDegraded
	}, 2*time.Second, 5*time.Millisecond)

	s := l.Snapshot()
	assert.GreaterOrEqual(t, s.ConsecutiveFailures, 2)
	assert.Greater(t, s.PollInterval, 10*time.Millisecond, "interval backs off while failing")
	assert.NotEmpty(t, s.LastError)

	// the error queue drains and the loop recovers on its own
	require.Eventually(t, func() bool {
		return l.Snapshot().LoopState == types.LoopRunning
	}, 2*time.Second, 5*time.Millisecond)

	s = l.Snapshot()
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Empty(t, s.LastError)
	assert.Equal(t, 10*time.Millisecond, s.PollInterval)
}

func TestLoopBackoffCapped(t *testing.T) {
	dev := device.NewMock()
	for i := 0; i < 12; i++ {
		dev.QueueReadErrors(device.ErrUnreachable)
	}
	db := &memDB{}
	l := testLoop(t, dev, db, rules.New())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool {
		s := l.Snapshot()
		return s.ConsecutiveFailures >= 4
	}, 5*time.Second, 5*time.Millisecond)

	assert.LessOrEqual(t, l.Snapshot().PollInterval, 80*time.Millisecond)
}

func TestLoopSurvivesStorageFailure(t *testing.T) {
	dev := device.NewMock()
	db := &memDB{appendErr: context.DeadlineExceeded}
	l := testLoop(t, dev, db, rules.New())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool {
		return l.LatestReading() != nil
	}, 2*time.Second, 5*time.Millisecond)

	// still polling despite every append failing
	assert.Equal(t, types.LoopRunning, l.Snapshot().LoopState)
	assert.Zero(t, db.readingCount())
}

func TestLoopStartStop(t *testing.T) {
	dev := device.NewMock()
	db := &memDB{}
	l := testLoop(t, dev, db, rules.New())
	ctx := context.Background()

	assert.Error(t, l.Stop(ctx), "stopping a stopped loop is an error")

	require.NoError(t, l.Start(ctx))
	assert.Error(t, l.Start(ctx), "starting a running loop is an error")

	require.Eventually(t, func() bool { return db.readingCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, types.LoopStopped, l.Snapshot().LoopState)

	reasons := db.auditReasons()
	assert.Contains(t, reasons, "monitoring started")
	assert.Contains(t, reasons, "monitoring stopped")

	// no further polls after stop
	n := db.readingCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, db.readingCount())

	// a stopped loop can start again
	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Stop(ctx))
}

// stallingClient blocks its first Read until released and records whether
// the read's context was canceled while it waited.
type stallingClient struct {
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	reads    int
	canceled bool
}

func newStallingClient() *stallingClient {
	return &stallingClient{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *stallingClient) Read(ctx context.Context) (types.Reading, error) {
	c.mu.Lock()
	c.reads++
	first := c.reads == 1
	c.mu.Unlock()
	if !first {
		return types.Reading{Timestamp: time.Now()}, nil
	}
	close(c.entered)
	select {
	case <-ctx.Done():
		c.mu.Lock()
		c.canceled = true
		c.mu.Unlock()
		return types.Reading{}, ctx.Err()
	case <-c.release:
		return types.Reading{Timestamp: time.Now()}, nil
	}
}

func (c *stallingClient) SetReserve(context.Context, float64) error { return nil }

func (c *stallingClient) ConnectionState() types.ConnectionState { return types.ConnectionConnected }

func (c *stallingClient) wasCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

func TestStopLetsInFlightPollFinish(t *testing.T) {
	dev := newStallingClient()
	db := &memDB{}
	exec := executor.New(dev, db, 0, 0)
	l := New(dev, db, rules.New(), exec, 10*time.Millisecond, time.Second, 80*time.Millisecond, 2, 16)

	require.NoError(t, l.Start(context.Background()))
	<-dev.entered

	stopped := make(chan error, 1)
	go func() { stopped <- l.Stop(context.Background()) }()

	// the stop request must not abort the poll already talking to the
	// device; it stays bounded by its own poll timeout
	time.Sleep(20 * time.Millisecond)
	require.False(t, dev.wasCanceled(), "stop canceled an in-flight device read")

	close(dev.release)
	require.NoError(t, <-stopped)

	assert.False(t, dev.wasCanceled())
	assert.Equal(t, 1, db.readingCount(), "the final poll's reading is persisted")
	assert.Equal(t, types.LoopStopped, l.Snapshot().LoopState)
}

func TestLoopSubscribe(t *testing.T) {
	dev := device.NewMock()
	db := &memDB{}
	l := testLoop(t, dev, db, rules.New())

	ch := l.Subscribe()
	require.NoError(t, l.Start(context.Background()))

	select {
	case r := <-ch:
		assert.False(t, r.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no reading delivered to subscriber")
	}
}

func TestAggregatorStatus(t *testing.T) {
	dev := device.NewMock()
	db := &memDB{}
	eng := rules.New()
	r := types.Rule{
		Name:                 "pin",
		Enabled:              true,
		Trigger:              types.Trigger{Kind: types.TriggerManualOverride},
		TargetReservePercent: 50,
	}
	_, err := eng.AddRule(r)
	require.NoError(t, err)
	disabled := r
	disabled.Enabled = false
	disabled.Name = "off"
	_, err = eng.AddRule(disabled)
	require.NoError(t, err)

	l := testLoop(t, dev, db, eng)
	agg := NewAggregator(l, dev, eng)

	s := agg.Status()
	assert.Equal(t, types.LoopStopped, s.LoopState)
	assert.Equal(t, types.ConnectionConnected, s.Connection)
	assert.Equal(t, 1, s.EnabledRules)
	assert.Equal(t, 2, s.TotalRules)
}
