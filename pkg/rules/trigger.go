package rules

import (
	"fmt"
	"time"

	"github.com/reservewatch/reservewatch/pkg/types"
)

// triggerHolds reports whether r's trigger is true at now, plus a
// human-readable reason for the audit trail when it is.
func triggerHolds(r types.Rule, now time.Time, latest types.Reading, window []types.Reading) (bool, string) {
	switch r.Trigger.Kind {
	case types.TriggerThresholdOverWindow:
		return thresholdHolds(r, now, window)
	case types.TriggerTimeOfDay:
		return timeOfDayHolds(r, now)
	case types.TriggerManualOverride:
		return true, fmt.Sprintf("manual override pinned to %.0f%%", r.TargetReservePercent)
	default:
		// Validate keeps unknown kinds out of the rule set
		return false, ""
	}
}

// thresholdHolds averages the metric over readings inside the trailing
// window. An empty window never fires; a rule cannot act on data it does
// not have.
func thresholdHolds(r types.Rule, now time.Time, window []types.Reading) (bool, string) {
	cutoff := now.Add(-r.Window())
	var sum float64
	var n int
	for _, reading := range window {
		if reading.Timestamp.Before(cutoff) {
			continue
		}
		sum += metricValue(r.Trigger.Metric, reading)
		n++
	}
	if n == 0 {
		return false, ""
	}
	avg := sum / float64(n)

	var holds bool
	switch r.Trigger.Op {
	case types.OpGreaterThan:
		holds = avg > r.Trigger.Threshold
	case types.OpLessThan:
		holds = avg < r.Trigger.Threshold
	case types.OpGreaterEqual:
		holds = avg >= r.Trigger.Threshold
	case types.OpLessEqual:
		holds = avg <= r.Trigger.Threshold
	}
	if !holds {
		return false, ""
	}
	return true, fmt.Sprintf("avg %s %.2f %s %.2f over %s",
		r.Trigger.Metric, avg, r.Trigger.Op, r.Trigger.Threshold, r.Window())
}

// timeOfDayHolds checks the daily span in local time. Spans with
// start > end wrap past midnight.
func timeOfDayHolds(r types.Rule, now time.Time) (bool, string) {
	minute := now.Hour()*60 + now.Minute()
	start, end := r.Trigger.StartMinute, r.Trigger.EndMinute

	var holds bool
	if start < end {
		holds = minute >= start && minute < end
	} else {
		holds = minute >= start || minute < end
	}
	if !holds {
		return false, ""
	}
	return true, fmt.Sprintf("within daily span %s-%s", minuteClock(start), minuteClock(end))
}

func minuteClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

func metricValue(m types.Metric, r types.Reading) float64 {
	switch m {
	case types.MetricHomeKW:
		return r.HomeKW
	case types.MetricSolarKW:
		return r.SolarKW
	case types.MetricGridKW:
		return r.GridKW
	case types.MetricBatteryKW:
		return r.BatteryKW
	case types.MetricBatterySOC:
		return r.BatterySOC
	}
	return 0
}
