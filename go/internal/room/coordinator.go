package room

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/clocksync"
	"github.com/mcdev12/syncroom/go/internal/protocol"
)

// DefaultScheduleHorizon is how far in the future PLAY/PAUSE actions are scheduled.
const DefaultScheduleHorizon = 500 * time.Millisecond

// Broadcaster delivers a message to every connection subscribed to a room.
type Broadcaster interface {
	BroadcastToRoom(roomID string, msg protocol.Response)
}

// Coordinator stamps actions with a future server time and fans them out to a room.
type Coordinator struct {
	clock   clockwork.Clock
	out     Broadcaster
	horizon time.Duration
}

// NewCoordinator creates a coordinator scheduling PLAY/PAUSE horizon ahead of now.
func NewCoordinator(clock clockwork.Clock, out Broadcaster, horizon time.Duration) *Coordinator {
	if horizon < 0 {
		horizon = 0
	}
	return &Coordinator{
		clock:   clock,
		out:     out,
		horizon: horizon,
	}
}

// Horizon returns the configured scheduling horizon.
func (c *Coordinator) Horizon() time.Duration {
	return c.horizon
}

// Schedule broadcasts action to the room with serverTimeToExecute = now + horizon.
func (c *Coordinator) Schedule(roomID string, action protocol.Action, horizon time.Duration) protocol.ScheduledActionMessage {
	msg := protocol.ScheduledActionMessage{
		Action:              action,
		ServerTimeToExecute: clocksync.EpochMillis(c.clock.Now().Add(horizon)),
	}
	c.out.BroadcastToRoom(roomID, msg)

	log.Debug().
		Str("room_id", roomID).
		Str("action", string(action.ActionType())).
		Float64("server_time_to_execute", msg.ServerTimeToExecute).
		Msg("scheduled action")

	return msg
}

// Play schedules playback of audioID from trackTimeSeconds.
func (c *Coordinator) Play(roomID string, trackTimeSeconds float64, audioID string) protocol.ScheduledActionMessage {
	return c.Schedule(roomID, protocol.PlayAction{
		TrackTimeSeconds: trackTimeSeconds,
		AudioID:          audioID,
	}, c.horizon)
}

// Pause schedules a pause for every client of the room.
func (c *Coordinator) Pause(roomID string) protocol.ScheduledActionMessage {
	return c.Schedule(roomID, protocol.PauseAction{}, c.horizon)
}

// Publish sends a room event to every client of the room.
func (c *Coordinator) Publish(roomID string, event protocol.Event) {
	c.out.BroadcastToRoom(roomID, protocol.RoomEventMessage{Event: event})
}
