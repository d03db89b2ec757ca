package protocol

import (
	"github.com/mcdev12/syncroom/go/internal/spatial"
)

// RequestType tags client to server messages.
type RequestType string

const (
	RequestNTP                RequestType = "NTP_REQUEST"
	RequestPlay               RequestType = "PLAY"
	RequestPause              RequestType = "PAUSE"
	RequestMoveClient         RequestType = "MOVE_CLIENT"
	RequestSetListeningSource RequestType = "SET_LISTENING_SOURCE"
	RequestReorderClient      RequestType = "REORDER_CLIENT"
	RequestStartSpatialAudio  RequestType = "START_SPATIAL_AUDIO"
	RequestStopSpatialAudio   RequestType = "STOP_SPATIAL_AUDIO"
	RequestClientRTT          RequestType = "CLIENT_RTT"
	RequestNewAudioSource     RequestType = "NEW_AUDIO_SOURCE"
	RequestSync               RequestType = "SYNC"
)

// Request is a decoded client message. The set of implementations is closed.
type Request interface {
	RequestType() RequestType
}

// NTPRequest starts a clock sync round trip. T0 is the client send time.
type NTPRequest struct {
	T0 float64 `json:"t0" validate:"gte=0"`
}

// PlayRequest asks the room to start playback. Either AudioID or TrackIndex
// identifies the track.
type PlayRequest struct {
	TrackTimeSeconds float64 `json:"trackTimeSeconds" validate:"gte=0"`
	AudioID          string  `json:"audioId,omitempty" validate:"required_without=TrackIndex"`
	TrackIndex       *int    `json:"trackIndex,omitempty" validate:"omitempty,gte=0"`
}

type PauseRequest struct{}

// MoveClientRequest repositions a client on the grid.
type MoveClientRequest struct {
	ClientID string           `json:"clientId" validate:"required"`
	Position spatial.Position `json:"position"`
}

type SetListeningSourceRequest struct {
	Position spatial.Position `json:"position"`
}

// ReorderClientRequest moves a client to the front of the layout.
type ReorderClientRequest struct {
	ClientID string `json:"clientId" validate:"required"`
}

type StartSpatialAudioRequest struct{}

type StopSpatialAudioRequest struct{}

// ClientRTTRequest reports the client's measured round trip in milliseconds.
type ClientRTTRequest struct {
	RTT float64 `json:"rtt" validate:"gte=0"`
}

// NewAudioSourceRequest registers an already uploaded audio asset with the room.
type NewAudioSourceRequest struct {
	URL string `json:"url" validate:"required"`
}

// SyncRequest asks the server to resend the current room state.
type SyncRequest struct{}

func (NTPRequest) RequestType() RequestType                { return RequestNTP }
func (PlayRequest) RequestType() RequestType               { return RequestPlay }
func (PauseRequest) RequestType() RequestType              { return RequestPause }
func (MoveClientRequest) RequestType() RequestType         { return RequestMoveClient }
func (SetListeningSourceRequest) RequestType() RequestType { return RequestSetListeningSource }
func (ReorderClientRequest) RequestType() RequestType      { return RequestReorderClient }
func (StartSpatialAudioRequest) RequestType() RequestType  { return RequestStartSpatialAudio }
func (StopSpatialAudioRequest) RequestType() RequestType   { return RequestStopSpatialAudio }
func (ClientRTTRequest) RequestType() RequestType          { return RequestClientRTT }
func (NewAudioSourceRequest) RequestType() RequestType     { return RequestNewAudioSource }
func (SyncRequest) RequestType() RequestType               { return RequestSync }

// DecodeRequest parses and validates a client frame. Any failure wraps
// ErrMalformedMessage.
func DecodeRequest(data []byte) (Request, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}

	switch RequestType(tag) {
	case RequestNTP:
		var r NTPRequest
		if err := decodeInto(tag, data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case RequestPlay:
		var r PlayRequest
		if err := decodeInto(tag, data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case RequestPause:
		return PauseRequest{}, nil
	case RequestMoveClient:
		var r MoveClientRequest
		if err := decodeInto(tag, data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case RequestSetListeningSource:
		var r SetListeningSourceRequest
		if err := decodeInto(tag, data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case RequestReorderClient:
		var r ReorderClientRequest
		if err := decodeInto(tag, data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case RequestStartSpatialAudio:
		return StartSpatialAudioRequest{}, nil
	case RequestStopSpatialAudio:
		return StopSpatialAudioRequest{}, nil
	case RequestClientRTT:
		var r ClientRTTRequest
		if err := decodeInto(tag, data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case RequestNewAudioSource:
		var r NewAudioSourceRequest
		if err := decodeInto(tag, data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case RequestSync:
		return SyncRequest{}, nil
	default:
		return nil, malformed("unknown request type %q", tag)
	}
}

// EncodeRequest serializes a request with its type tag.
func EncodeRequest(r Request) ([]byte, error) {
	return marshalTagged(string(r.RequestType()), r)
}
