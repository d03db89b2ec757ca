package clocksync

import (
	"math"
	"time"
)

// WaitTime returns how long, in milliseconds, the client has to wait before
// executing an action scheduled at serverTimeToExecute. Never negative.
func WaitTime(serverTimeToExecute, localNow, offset float64) float64 {
	return math.Max(0, serverTimeToExecute-(localNow+offset))
}

// Lateness returns how many milliseconds past serverTimeToExecute the client
// already is. Zero when the action is still in the future.
func Lateness(serverTimeToExecute, localNow, offset float64) float64 {
	return math.Max(0, (localNow+offset)-serverTimeToExecute)
}

// StartPlan describes how a client should start playback for a PLAY action.
type StartPlan struct {
	Wait        time.Duration
	TrackOffset float64 // seconds into the track
	Late        bool
}

// PlanStart converts a server-scheduled PLAY into a local start plan. A client
// that is late starts immediately, seeking forward by the lateness so it lines
// up with clients that started on time. A non-zero tolerance skips the seek
// for lateness up to that bound.
func PlanStart(serverTimeToExecute, localNow, offset, trackTimeSeconds float64, tolerance time.Duration) StartPlan {
	wait := WaitTime(serverTimeToExecute, localNow, offset)
	if wait > 0 {
		return StartPlan{
			Wait:        MillisToDuration(wait),
			TrackOffset: trackTimeSeconds,
		}
	}

	late := Lateness(serverTimeToExecute, localNow, offset)
	if late <= float64(tolerance)/float64(time.Millisecond) {
		return StartPlan{TrackOffset: trackTimeSeconds}
	}
	return StartPlan{
		TrackOffset: trackTimeSeconds + late/1000,
		Late:        true,
	}
}

// MillisToDuration converts fractional milliseconds to a time.Duration.
func MillisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// EpochMillis returns t as fractional epoch milliseconds.
func EpochMillis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}
