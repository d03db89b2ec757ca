package client

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Player is the local playback engine. Implementations schedule precisely;
// the session only computes when.
type Player interface {
	ScheduleStart(at time.Time, offsetSeconds float64, audioID string)
	ScheduleStop(at time.Time)
}

// SpatialPlayer is implemented by players that support per-client gain.
type SpatialPlayer interface {
	Player
	SetGain(gain, rampSeconds float64)
	ResetGain()
}

// LogPlayer logs playback decisions instead of producing audio.
type LogPlayer struct{}

func (LogPlayer) ScheduleStart(at time.Time, offsetSeconds float64, audioID string) {
	log.Info().
		Time("at", at).
		Float64("offset_seconds", offsetSeconds).
		Str("audio_id", audioID).
		Msg("start playback")
}

func (LogPlayer) ScheduleStop(at time.Time) {
	log.Info().Time("at", at).Msg("stop playback")
}

func (LogPlayer) SetGain(gain, rampSeconds float64) {
	log.Debug().Float64("gain", gain).Float64("ramp_seconds", rampSeconds).Msg("set gain")
}

func (LogPlayer) ResetGain() {
	log.Debug().Msg("reset gain")
}
