package clocksync

import (
	"math"
	"sort"
)

// Measurement is the result of a single NTP-style round trip.
// All timestamps are epoch milliseconds:
//
//	t0 client send, t1 server receive, t2 server send, t3 client receive
type Measurement struct {
	T0             float64 `json:"t0"`
	T1             float64 `json:"t1"`
	T2             float64 `json:"t2"`
	T3             float64 `json:"t3"`
	RoundTripDelay float64 `json:"roundTripDelay"`
	ClockOffset    float64 `json:"clockOffset"`
}

// NewMeasurement derives round trip delay and clock offset from the four timestamps.
func NewMeasurement(t0, t1, t2, t3 float64) Measurement {
	return Measurement{
		T0:             t0,
		T1:             t1,
		T2:             t2,
		T3:             t3,
		RoundTripDelay: (t3 - t0) - (t2 - t1),
		ClockOffset:    ((t1 - t0) + (t2 - t3)) / 2,
	}
}

// Estimate is the aggregate offset/RTT computed from a full window of measurements.
type Estimate struct {
	AverageOffset    float64 `json:"averageOffset"`
	AverageRoundTrip float64 `json:"averageRoundTrip"`
}

// ComputeEstimate averages the offset over the lower half of the samples by
// round trip delay and the round trip over all of them.
func ComputeEstimate(measurements []Measurement) Estimate {
	if len(measurements) == 0 {
		return Estimate{}
	}

	sorted := make([]Measurement, len(measurements))
	copy(sorted, measurements)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RoundTripDelay < sorted[j].RoundTripDelay
	})

	best := int(math.Ceil(float64(len(sorted)) / 2))

	var offsetSum float64
	for _, m := range sorted[:best] {
		offsetSum += m.ClockOffset
	}

	var rttSum float64
	for _, m := range sorted {
		rttSum += m.RoundTripDelay
	}

	return Estimate{
		AverageOffset:    offsetSum / float64(best),
		AverageRoundTrip: rttSum / float64(len(sorted)),
	}
}
