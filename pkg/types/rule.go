package types

import (
	"fmt"
	"time"
)

// TriggerKind identifies one of the closed set of trigger variants. Rules
// are not an expression language; each kind has an explicit, total,
// side-effect-free evaluation function in the rules package.
type TriggerKind string

const (
	// TriggerThresholdOverWindow fires when the average of a metric over a
	// trailing window crosses a threshold.
	TriggerThresholdOverWindow TriggerKind = "thresholdOverWindow"
	// TriggerTimeOfDay fires during a daily time-of-day span.
	TriggerTimeOfDay TriggerKind = "timeOfDay"
	// TriggerManualOverride always fires while the rule is enabled, pinning
	// the reserve at the rule's target until the rule is disabled.
	TriggerManualOverride TriggerKind = "manualOverride"
)

// ThresholdOp is the comparison operator for threshold triggers.
type ThresholdOp string

const (
	OpGreaterThan  ThresholdOp = ">"
	OpLessThan     ThresholdOp = "<"
	OpGreaterEqual ThresholdOp = ">="
	OpLessEqual    ThresholdOp = "<="
)

// Metric names a Reading field a threshold trigger can compare against.
type Metric string

const (
	MetricHomeKW     Metric = "homeKW"
	MetricSolarKW    Metric = "solarKW"
	MetricGridKW     Metric = "gridKW"
	MetricBatteryKW  Metric = "batteryKW"
	MetricBatterySOC Metric = "batterySOC"
)

// Trigger is the predicate half of a Rule. Only the fields for the given
// Kind are meaningful.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// thresholdOverWindow
	Metric        Metric      `json:"metric,omitempty"`
	Op            ThresholdOp `json:"op,omitempty"`
	Threshold     float64     `json:"threshold,omitempty"`
	WindowSeconds int         `json:"windowSeconds,omitempty"`

	// timeOfDay, minutes since local midnight. A span may wrap past
	// midnight (start > end).
	StartMinute int `json:"startMinute,omitempty"`
	EndMinute   int `json:"endMinute,omitempty"`
}

// Rule is one automation rule for adjusting the backup reserve. Rules are
// owned by the rules engine and mutated only through its configuration API;
// they persist across restarts via the config surface.
type Rule struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	// Priority breaks ties between simultaneously-true rules; lower fires
	// first.
	Priority             int     `json:"priority"`
	Trigger              Trigger `json:"trigger"`
	TargetReservePercent float64 `json:"targetReservePercent"`
	CooldownSeconds      int     `json:"cooldownSeconds"`
}

// Window returns the trailing window for threshold triggers.
func (r Rule) Window() time.Duration {
	return time.Duration(r.Trigger.WindowSeconds) * time.Second
}

// Cooldown returns the per-rule cooldown duration.
func (r Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// Validate rejects invalid rule definitions at the mutation boundary so
// they can never reach evaluation. Values are never silently coerced.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.TargetReservePercent < 0 || r.TargetReservePercent > 100 {
		return fmt.Errorf("target reserve percent must be 0-100, got %v", r.TargetReservePercent)
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown must not be negative, got %d", r.CooldownSeconds)
	}
	switch r.Trigger.Kind {
	case TriggerThresholdOverWindow:
		switch r.Trigger.Metric {
		case MetricHomeKW, MetricSolarKW, MetricGridKW, MetricBatteryKW, MetricBatterySOC:
		default:
			return fmt.Errorf("unknown metric: %q", r.Trigger.Metric)
		}
		switch r.Trigger.Op {
		case OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual:
		default:
			return fmt.Errorf("unknown operator: %q", r.Trigger.Op)
		}
		if r.Trigger.WindowSeconds <= 0 {
			return fmt.Errorf("window must be positive, got %d", r.Trigger.WindowSeconds)
		}
	case TriggerTimeOfDay:
		if r.Trigger.StartMinute < 0 || r.Trigger.StartMinute >= 24*60 {
			return fmt.Errorf("start minute must be 0-1439, got %d", r.Trigger.StartMinute)
		}
		if r.Trigger.EndMinute < 0 || r.Trigger.EndMinute >= 24*60 {
			return fmt.Errorf("end minute must be 0-1439, got %d", r.Trigger.EndMinute)
		}
		if r.Trigger.StartMinute == r.Trigger.EndMinute {
			return fmt.Errorf("time-of-day span is empty")
		}
	case TriggerManualOverride:
		// no extra fields
	default:
		return fmt.Errorf("unknown trigger kind: %q", r.Trigger.Kind)
	}
	return nil
}
