package device

import (
	"context"
	"sync"
	"time"

	"github.com/reservewatch/reservewatch/pkg/types"
)

// Mock is an in-memory Client for tests and local development. Reads
// return a scripted queue of readings (falling back to a steady baseline)
// and failures can be injected per call.
type Mock struct {
	mu sync.Mutex

	baseline    types.Reading
	queue       []types.Reading
	readErrs    []error
	setErr      error
	reserve     float64
	setCalls    []float64
	consecFails int
}

// NewMock returns a Mock with a quiet-house baseline reading.
func NewMock() *Mock {
	return &Mock{
		baseline: types.Reading{
			SolarKW:    0.5,
			BatteryKW:  0.0,
			GridKW:     0.7,
			HomeKW:     1.2,
			BatterySOC: 60,
			GridStatus: types.GridStatusUp,
		},
		reserve: 20,
	}
}

// QueueReadings schedules readings to be returned by subsequent Reads.
func (m *Mock) QueueReadings(rs ...types.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, rs...)
}

// QueueReadErrors schedules errors to be returned before any readings.
func (m *Mock) QueueReadErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErrs = append(m.readErrs, errs...)
}

// FailSetReserve makes subsequent SetReserve calls fail with err until
// cleared with nil.
func (m *Mock) FailSetReserve(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

// SetReserveCalls returns every percent passed to SetReserve so far.
func (m *Mock) SetReserveCalls() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.setCalls))
	copy(out, m.setCalls)
	return out
}

// Reserve returns the mock's current reserve percent.
func (m *Mock) Reserve() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserve
}

func (m *Mock) Read(ctx context.Context) (types.Reading, error) {
	if err := ctx.Err(); err != nil {
		return types.Reading{}, classifyTransportError(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.readErrs) > 0 {
		err := m.readErrs[0]
		m.readErrs = m.readErrs[1:]
		m.consecFails++
		return types.Reading{}, err
	}

	r := m.baseline
	if len(m.queue) > 0 {
		r = m.queue[0]
		m.queue = m.queue[1:]
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.ReservePercent = m.reserve
	m.consecFails = 0
	return r, nil
}

func (m *Mock) SetReserve(ctx context.Context, percent float64) error {
	if err := ctx.Err(); err != nil {
		return classifyTransportError(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.setCalls = append(m.setCalls, percent)
	if m.setErr != nil {
		return m.setErr
	}
	m.reserve = percent
	return nil
}

func (m *Mock) ConnectionState() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.consecFails == 0:
		return types.ConnectionConnected
	case m.consecFails < 3:
		return types.ConnectionDegraded
	default:
		return types.ConnectionDown
	}
}
