package spatial

import "math"

// Default gain curve parameters.
const (
	DefaultFalloff  = 0.05
	DefaultMinGain  = 0.15
	DefaultMaxGain  = 1.0
	DefaultRampTime = 0.25 // seconds
)

// GainModel maps a client's distance from the listening source to a gain.
type GainModel struct {
	Falloff  float64 `yaml:"falloff" env:"FALLOFF" validate:"gt=0"`
	MinGain  float64 `yaml:"min_gain" env:"MIN_GAIN" validate:"gte=0"`
	MaxGain  float64 `yaml:"max_gain" env:"MAX_GAIN" validate:"gtefield=MinGain"`
	RampTime float64 `yaml:"ramp_time" env:"RAMP_TIME" validate:"gte=0"`
}

// DefaultGainModel returns the standard exponential falloff curve.
func DefaultGainModel() GainModel {
	return GainModel{
		Falloff:  DefaultFalloff,
		MinGain:  DefaultMinGain,
		MaxGain:  DefaultMaxGain,
		RampTime: DefaultRampTime,
	}
}

// Gain computes clamp(maxGain * exp(-falloff * distance), minGain, maxGain).
func (g GainModel) Gain(client, source Position) float64 {
	gain := g.MaxGain * math.Exp(-g.Falloff*Distance(client, source))
	return math.Min(g.MaxGain, math.Max(g.MinGain, gain))
}

// GainParams is the per-client gain instruction sent to clients.
type GainParams struct {
	Gain     float64 `json:"gain"`
	RampTime float64 `json:"rampTime"`
}

// Params wraps Gain with the model's ramp time.
func (g GainModel) Params(client, source Position) GainParams {
	return GainParams{Gain: g.Gain(client, source), RampTime: g.RampTime}
}
