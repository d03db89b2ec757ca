package protocol

import (
	"encoding/json"
	"errors"
)

// ResponseType tags server to client messages.
type ResponseType string

const (
	ResponseNTP             ResponseType = "NTP_RESPONSE"
	ResponseScheduledAction ResponseType = "SCHEDULED_ACTION"
	ResponseRoomEvent       ResponseType = "ROOM_EVENT"
	ResponseSetClientID     ResponseType = "SET_CLIENT_ID"
)

// Response is a server message. The set of implementations is closed.
type Response interface {
	ResponseType() ResponseType
}

// NTPResponse echoes T0 and adds server receive (T1) and send (T2) times.
type NTPResponse struct {
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`
	T2 float64 `json:"t2"`
}

// ScheduledActionMessage pairs an action with the epoch millisecond server
// time it must run at.
type ScheduledActionMessage struct {
	Action              Action
	ServerTimeToExecute float64
}

type RoomEventMessage struct {
	Event Event
}

type SetClientIDMessage struct {
	ClientID string `json:"clientId" validate:"required"`
}

func (NTPResponse) ResponseType() ResponseType            { return ResponseNTP }
func (ScheduledActionMessage) ResponseType() ResponseType { return ResponseScheduledAction }
func (RoomEventMessage) ResponseType() ResponseType       { return ResponseRoomEvent }
func (SetClientIDMessage) ResponseType() ResponseType     { return ResponseSetClientID }

type scheduledActionWire struct {
	ScheduledAction     json.RawMessage `json:"scheduledAction"`
	ServerTimeToExecute float64         `json:"serverTimeToExecute"`
}

func (m ScheduledActionMessage) MarshalJSON() ([]byte, error) {
	action, err := EncodeAction(m.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(scheduledActionWire{
		ScheduledAction:     action,
		ServerTimeToExecute: m.ServerTimeToExecute,
	})
}

func (m *ScheduledActionMessage) UnmarshalJSON(data []byte) error {
	var wire scheduledActionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	action, err := DecodeAction(wire.ScheduledAction)
	if err != nil {
		return err
	}
	m.Action = action
	m.ServerTimeToExecute = wire.ServerTimeToExecute
	return nil
}

type roomEventWire struct {
	Event json.RawMessage `json:"event"`
}

func (m RoomEventMessage) MarshalJSON() ([]byte, error) {
	event, err := EncodeEvent(m.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(roomEventWire{Event: event})
}

func (m *RoomEventMessage) UnmarshalJSON(data []byte) error {
	var wire roomEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	event, err := DecodeEvent(wire.Event)
	if err != nil {
		return err
	}
	m.Event = event
	return nil
}

// EncodeResponse serializes a server message with its type tag.
func EncodeResponse(r Response) ([]byte, error) {
	return marshalTagged(string(r.ResponseType()), r)
}

// DecodeResponse parses and validates a server frame.
func DecodeResponse(data []byte) (Response, error) {
	tag, err := readTag(data)
	if err != nil {
		return nil, err
	}

	switch ResponseType(tag) {
	case ResponseNTP:
		var r NTPResponse
		if err := decodeInto(tag, data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case ResponseScheduledAction:
		var r ScheduledActionMessage
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, asMalformed(tag, err)
		}
		return r, nil
	case ResponseRoomEvent:
		var r RoomEventMessage
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, asMalformed(tag, err)
		}
		return r, nil
	case ResponseSetClientID:
		var r SetClientIDMessage
		if err := decodeInto(tag, data, &r); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, malformed("unknown response type %q", tag)
	}
}

func asMalformed(tag string, err error) error {
	if errors.Is(err, ErrMalformedMessage) {
		return err
	}
	return malformed("%s: %v", tag, err)
}
