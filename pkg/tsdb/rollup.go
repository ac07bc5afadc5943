package tsdb

import (
	"context"
	"fmt"
	"time"

	"github.com/reservewatch/reservewatch/pkg/types"
)

// Rollup aggregates readings into fixed-duration buckets aligned to the
// bucket duration. Buckets with no readings are omitted.
func (f *fileStore) Rollup(ctx context.Context, start, end time.Time, bucket time.Duration) ([]types.RollupBucket, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("bucket duration must be positive, got %s", bucket)
	}

	readings, err := f.QueryReadings(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}

	var out []types.RollupBucket
	var cur *types.RollupBucket
	var sums struct{ solar, battery, grid, home, soc float64 }

	finish := func() {
		if cur == nil {
			return
		}
		n := float64(cur.Count)
		cur.SolarKW.Avg = sums.solar / n
		cur.BatteryKW.Avg = sums.battery / n
		cur.GridKW.Avg = sums.grid / n
		cur.HomeKW.Avg = sums.home / n
		cur.BatterySOC.Avg = sums.soc / n
		out = append(out, *cur)
		cur = nil
	}

	for _, r := range readings {
		bucketStart := r.Timestamp.Truncate(bucket)
		if cur == nil || !bucketStart.Equal(cur.Start) {
			finish()
			cur = &types.RollupBucket{
				Start:      bucketStart,
				End:        bucketStart.Add(bucket),
				SolarKW:    types.MetricAgg{Min: r.SolarKW, Max: r.SolarKW},
				BatteryKW:  types.MetricAgg{Min: r.BatteryKW, Max: r.BatteryKW},
				GridKW:     types.MetricAgg{Min: r.GridKW, Max: r.GridKW},
				HomeKW:     types.MetricAgg{Min: r.HomeKW, Max: r.HomeKW},
				BatterySOC: types.MetricAgg{Min: r.BatterySOC, Max: r.BatterySOC},
			}
			sums.solar, sums.battery, sums.grid, sums.home, sums.soc = 0, 0, 0, 0, 0
		}
		cur.Count++
		sums.solar += r.SolarKW
		sums.battery += r.BatteryKW
		sums.grid += r.GridKW
		sums.home += r.HomeKW
		sums.soc += r.BatterySOC
		updateAgg(&cur.SolarKW, r.SolarKW)
		updateAgg(&cur.BatteryKW, r.BatteryKW)
		updateAgg(&cur.GridKW, r.GridKW)
		updateAgg(&cur.HomeKW, r.HomeKW)
		updateAgg(&cur.BatterySOC, r.BatterySOC)
	}
	finish()

	return out, nil
}

func updateAgg(a *types.MetricAgg, v float64) {
	if v < a.Min {
		a.Min = v
	}
	if v > a.Max {
		a.Max = v
	}
}
