package aggregation

import (
	"math"

	telemetry "energy-telemetry/internal/telemetry/domain"
)

// Reduction is the outcome of reducing one device's readings.
type Reduction struct {
	Summary DeviceSummary
	Skipped int
}

// sumScale is the binary exponent the running sum is scaled down by, so that
// any count of finite readings sums to a finite value. Scaling by a power of
// two is exact for every input above 2^-958.
const sumScale = 64

// accumulator keeps running min/max and a compensated sum (Neumaier).
type accumulator struct {
	min   float64
	max   float64
	sum   float64
	comp  float64
	count int
}

func (a *accumulator) add(v float64) {
	if a.count == 0 {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	v = math.Ldexp(v, -sumScale)
	t := a.sum + v
	if math.Abs(a.sum) >= math.Abs(v) {
		a.comp += (a.sum - t) + v
	} else {
		a.comp += (v - t) + a.sum
	}
	a.sum = t
	a.count++
}

func (a *accumulator) mean() float64 {
	avg := math.Ldexp((a.sum+a.comp)/float64(a.count), sumScale)
	// Rounding can push the mean of near-equal values one ulp outside the range.
	if avg < a.min {
		return a.min
	}
	if avg > a.max {
		return a.max
	}
	return avg
}

// Reduce summarizes a device's readings over energy_consumption in a single
// left-to-right pass. Readings whose energy value is absent, unparseable or
// non-finite are skipped and counted. ErrNoValidReadings is returned, along
// with the skipped count, when nothing valid remains.
func Reduce(deviceID string, window WindowSpec, readings []telemetry.Reading) (Reduction, error) {
	if len(readings) == 0 {
		return Reduction{}, ErrEmptyGroup
	}

	var acc accumulator
	skipped := 0
	for _, reading := range readings {
		value, err := reading.EnergyConsumption.Float64()
		if err != nil {
			skipped++
			continue
		}
		acc.add(value)
	}
	if acc.count == 0 {
		return Reduction{Skipped: skipped}, ErrNoValidReadings
	}

	return Reduction{
		Summary: DeviceSummary{
			DeviceID:     deviceID,
			WindowStart:  window.Start,
			WindowEnd:    window.End,
			MinEnergy:    acc.min,
			MaxEnergy:    acc.max,
			AvgEnergy:    acc.mean(),
			SampleCount:  acc.count,
			SkippedCount: skipped,
		},
		Skipped: skipped,
	}, nil
}
