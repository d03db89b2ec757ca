package protocol

import (
	"github.com/mcdev12/syncroom/go/internal/spatial"
)

// ClientInfo is the public view of a room member.
type ClientInfo struct {
	ClientID string           `json:"clientId"`
	Username string           `json:"username"`
	Position spatial.Position `json:"position"`
	RTT      float64          `json:"rtt"`
}

// AudioSource references an uploaded audio asset.
type AudioSource struct {
	URL string `json:"url" validate:"required"`
}

// EventType tags room events.
type EventType string

const (
	EventJoin            EventType = "JOIN"
	EventLeave           EventType = "LEAVE"
	EventClientChange    EventType = "CLIENT_CHANGE"
	EventSetAudioSources EventType = "SET_AUDIO_SOURCES"
)

// Event is a room membership or metadata change broadcast to the room.
type Event interface {
	EventType() EventType
}

type JoinEvent struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
}

type LeaveEvent struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
}

type ClientChangeEvent struct {
	Clients []ClientInfo `json:"clients"`
}

type SetAudioSourcesEvent struct {
	Sources []AudioSource `json:"sources" validate:"dive"`
}

func (JoinEvent) EventType() EventType            { return EventJoin }
func (LeaveEvent) EventType() EventType           { return EventLeave }
func (ClientChangeEvent) EventType() EventType    { return EventClientChange }
func (SetAudioSourcesEvent) EventType() EventType { return EventSetAudioSources }

// EncodeEvent serializes an event with its type tag.
func EncodeEvent(e Event) ([]byte, error) {
	return marshalTagged(string(e.EventType()), e)
}

// DecodeEvent parses a tagged room event.
func DecodeEvent(data []byte) (Event, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}

	switch EventType(tag) {
	case EventJoin:
		var e JoinEvent
		if err := decodeInto(tag, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventLeave:
		var e LeaveEvent
		if err := decodeInto(tag, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventClientChange:
		var e ClientChangeEvent
		if err := decodeInto(tag, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventSetAudioSources:
		var e SetAudioSourcesEvent
		if err := decodeInto(tag, data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, malformed("unknown event type %q", tag)
	}
}
