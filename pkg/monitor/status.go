package monitor

import (
	"github.com/reservewatch/reservewatch/pkg/device"
	"github.com/reservewatch/reservewatch/pkg/rules"
	"github.com/reservewatch/reservewatch/pkg/types"
)

// Aggregator assembles the status view from its independent sources: the
// loop's published snapshot, the device's link health, and the rule
// counts. It performs no I/O, so status stays cheap and safe to poll.
type Aggregator struct {
	loop   *Loop
	device device.Client
	engine *rules.Engine
}

func NewAggregator(loop *Loop, dev device.Client, eng *rules.Engine) *Aggregator {
	return &Aggregator{loop: loop, device: dev, engine: eng}
}

// Status returns a point-in-time view of system health.
func (a *Aggregator) Status() types.StatusSnapshot {
	s := a.loop.Snapshot()
	s.Connection = a.device.ConnectionState()
	s.EnabledRules, s.TotalRules = a.engine.Counts()
	return s
}
