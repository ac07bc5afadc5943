package types

import "time"

// GridStatus describes whether the home is connected to the utility grid.
type GridStatus string

const (
	GridStatusUp       GridStatus = "up"
	GridStatusDown     GridStatus = "down"
	GridStatusIslanded GridStatus = "islanded"
	GridStatusUnknown  GridStatus = "unknown"
)

// Reading is one timestamped snapshot of power flow and battery state.
// Readings are immutable once created; the monitoring loop is the only
// producer. Timestamp carries both wall clock and monotonic clock, so
// ordering comparisons are safe across wall-clock adjustments.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`

	// Power flows in kW. BatteryKW is positive when discharging,
	// GridKW is positive when importing.
	SolarKW   float64 `json:"solarKW"`
	BatteryKW float64 `json:"batteryKW"`
	GridKW    float64 `json:"gridKW"`
	HomeKW    float64 `json:"homeKW"`

	BatterySOC     float64    `json:"batterySOC"`
	ReservePercent float64    `json:"reservePercent"`
	GridStatus     GridStatus `json:"gridStatus"`
}

// ConnectionState describes the health of the device link.
type ConnectionState string

const (
	ConnectionConnected ConnectionState = "connected"
	ConnectionDegraded  ConnectionState = "degraded"
	ConnectionDown      ConnectionState = "down"
)

// LoopState is the monitoring loop's lifecycle state.
type LoopState string

const (
	LoopStopped  LoopState = "stopped"
	LoopStarting LoopState = "starting"
	LoopRunning  LoopState = "running"
	LoopDegraded LoopState = "degraded"
	LoopStopping LoopState = "stopping"
)

// Decision is a rule-engine-proposed reserve change, not yet applied.
// It is ephemeral: produced by one Evaluate call and consumed once by the
// action executor.
type Decision struct {
	RuleID                  string    `json:"ruleID"`
	RuleName                string    `json:"ruleName"`
	RequestedReservePercent float64   `json:"requestedReservePercent"`
	Timestamp               time.Time `json:"timestamp"`
	Reason                  string    `json:"reason"`
}

// Outcome is the result of attempting to apply a reserve change.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// AuditEntry records one attempted control action. Entries are append-only
// and never mutated or deleted by the running process.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	// Manual is true for human-initiated changes, false for rule decisions.
	Manual                  bool    `json:"manual"`
	RuleID                  string  `json:"ruleID,omitempty"`
	Reason                  string  `json:"reason"`
	PreviousReservePercent  float64 `json:"previousReservePercent"`
	RequestedReservePercent float64 `json:"requestedReservePercent"`
	Outcome                 Outcome `json:"outcome"`
	Error                   string  `json:"error,omitempty"`
}

// MetricAgg holds aggregated values for one metric within a rollup bucket.
type MetricAgg struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// RollupBucket is one fixed-duration bucket of aggregated readings, used
// for chart rendering without scanning full resolution.
type RollupBucket struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Count      int       `json:"count"`
	SolarKW    MetricAgg `json:"solarKW"`
	BatteryKW  MetricAgg `json:"batteryKW"`
	GridKW     MetricAgg `json:"gridKW"`
	HomeKW     MetricAgg `json:"homeKW"`
	BatterySOC MetricAgg `json:"batterySOC"`
}

// StatusSnapshot is the read-only view of system health exposed to the
// presentation layer. It is built by the loop and swapped atomically;
// readers never reach into the loop's internal counters.
type StatusSnapshot struct {
	LoopState           LoopState       `json:"loopState"`
	Connection          ConnectionState `json:"connection"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	PollInterval        time.Duration   `json:"pollInterval"`
	LastReading         *Reading        `json:"lastReading,omitempty"`
	LastDecision        *Decision       `json:"lastDecision,omitempty"`
	LastError           string          `json:"lastError,omitempty"`
	EnabledRules        int             `json:"enabledRules"`
	TotalRules          int             `json:"totalRules"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}
