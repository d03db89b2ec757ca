package protocol

import (
	"github.com/mcdev12/syncroom/go/internal/spatial"
)

// ActionType tags scheduled actions.
type ActionType string

const (
	ActionPlay             ActionType = "PLAY"
	ActionPause            ActionType = "PAUSE"
	ActionSpatialConfig    ActionType = "SPATIAL_CONFIG"
	ActionStopSpatialAudio ActionType = "STOP_SPATIAL_AUDIO"
)

// Action is a command executed by every client of a room at a shared server time.
type Action interface {
	ActionType() ActionType
}

type PlayAction struct {
	TrackTimeSeconds float64 `json:"trackTimeSeconds" validate:"gte=0"`
	AudioID          string  `json:"audioId"`
}

type PauseAction struct{}

// SpatialConfigAction carries per-client gains for the current listening source.
type SpatialConfigAction struct {
	ListeningSource spatial.Position              `json:"listeningSource"`
	Gains           map[string]spatial.GainParams `json:"gains"`
}

type StopSpatialAudioAction struct{}

func (PlayAction) ActionType() ActionType             { return ActionPlay }
func (PauseAction) ActionType() ActionType            { return ActionPause }
func (SpatialConfigAction) ActionType() ActionType    { return ActionSpatialConfig }
func (StopSpatialAudioAction) ActionType() ActionType { return ActionStopSpatialAudio }

// EncodeAction serializes an action with its type tag.
func EncodeAction(a Action) ([]byte, error) {
	return marshalTagged(string(a.ActionType()), a)
}

// DecodeAction parses a tagged action.
func DecodeAction(data []byte) (Action, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}

	switch ActionType(tag) {
	case ActionPlay:
		var a PlayAction
		if err := decodeInto(tag, data, &a); err != nil {
			return nil, err
		}
		return a, nil
	case ActionPause:
		return PauseAction{}, nil
	case ActionSpatialConfig:
		var a SpatialConfigAction
		if err := decodeInto(tag, data, &a); err != nil {
			return nil, err
		}
		return a, nil
	case ActionStopSpatialAudio:
		return StopSpatialAudioAction{}, nil
	default:
		return nil, malformed("unknown action type %q", tag)
	}
}
