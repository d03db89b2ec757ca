package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/clocksync"
	"github.com/mcdev12/syncroom/go/internal/metrics"
	"github.com/mcdev12/syncroom/go/internal/protocol"
	"github.com/mcdev12/syncroom/go/internal/room"
)

// Service is the room gateway: it owns the websocket connections and the room
// directory, and turns inbound requests into room operations.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	rooms             *room.Manager
	clock             clockwork.Clock
	metrics           metrics.Collector
}

// Config holds configuration for the gateway service
type Config struct {
	Connection ConnectionConfig `yaml:"connection" envPrefix:"WS_"`
	Room       room.Config      `yaml:"room" envPrefix:"ROOM_"`
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		Connection: DefaultConnectionConfig(),
		Room:       room.DefaultConfig(),
	}
}

// NewService creates a gateway with its own connection manager and room directory
func NewService(config Config, clock clockwork.Clock, m metrics.Collector) *Service {
	if m == nil {
		m = metrics.NoOp{}
	}
	cm := NewConnectionManager(config.Connection, clock, m)
	s := &Service{
		connectionManager: cm,
		rooms:             room.NewManager(config.Room, clock, cm),
		clock:             clock,
		metrics:           m,
	}
	s.wsHandler = NewWebSocketHandler(s)
	cm.SetHandler(s)
	return s
}

// Rooms returns the room directory.
func (s *Service) Rooms() *room.Manager {
	return s.rooms
}

// Start runs the broadcaster until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting room gateway service")
	s.connectionManager.Start(ctx)
	return s.Stop()
}

// Stop releases room timers. Connections are closed when Start's context ends.
func (s *Service) Stop() error {
	s.rooms.Close()
	log.Info().Msg("room gateway service stopped")
	return nil
}

// RegisterRoutes registers the gateway HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("room gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}

// join registers the connection's client with its room and sends the
// initial state.
func (s *Service) join(c *Connection) {
	if err := s.connectionManager.SendTo(c, protocol.SetClientIDMessage{ClientID: c.ClientID}); err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to send client id")
		return
	}

	client := room.Client{
		ClientID:     c.ClientID,
		Username:     c.Username,
		ConnectionID: c.ID,
	}
	var r *room.Room
	for {
		r = s.rooms.GetOrCreate(c.RoomID)
		r.AddClient(client)
		s.rooms.CancelCleanup(c.RoomID)

		// An idle expiry may have dropped the room between lookup and join.
		if current, ok := s.rooms.Get(c.RoomID); ok && current == r {
			break
		}
		r.RemoveClient(c.ClientID, c.ID)
	}
	s.metrics.SetRooms(len(s.rooms.RoomIDs()))

	if err := s.sendAudioSources(c, r); err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to send audio sources")
	}
}

// HandleDisconnect removes the client from its room and arms the idle cleanup
// when the room empties.
func (s *Service) HandleDisconnect(c *Connection) {
	r, ok := s.rooms.Get(c.RoomID)
	if !ok {
		return
	}
	r.RemoveClient(c.ClientID, c.ID)
	if r.IsEmpty() {
		s.rooms.ScheduleCleanup(c.RoomID)
	}
	s.metrics.SetRooms(len(s.rooms.RoomIDs()))
}

// HandleMessage decodes and dispatches one inbound frame. Malformed frames are
// logged and dropped; the connection stays open.
func (s *Service) HandleMessage(c *Connection, data []byte, received time.Time) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		s.metrics.RecordMalformedMessage()
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Str("client_id", c.ClientID).
			Msg("dropping malformed message")
		return
	}
	s.metrics.RecordMessage("in", string(req.RequestType()))

	r, ok := s.rooms.Get(c.RoomID)
	if !ok {
		log.Warn().Str("room_id", c.RoomID).Msg("message for unknown room")
		return
	}

	if err := s.dispatch(c, r, req, received); err != nil {
		log.Warn().
			Err(err).
			Str("room_id", c.RoomID).
			Str("client_id", c.ClientID).
			Str("type", string(req.RequestType())).
			Msg("request failed")
	}
}

func (s *Service) dispatch(c *Connection, r *room.Room, req protocol.Request, received time.Time) error {
	switch req := req.(type) {
	case protocol.NTPRequest:
		return s.connectionManager.SendTo(c, protocol.NTPResponse{
			T0: req.T0,
			T1: clocksync.EpochMillis(received),
			T2: clocksync.EpochMillis(s.clock.Now()),
		})
	case protocol.PlayRequest:
		_, err := r.Play(req.TrackTimeSeconds, req.AudioID, req.TrackIndex)
		return err
	case protocol.PauseRequest:
		r.Pause()
		return nil
	case protocol.MoveClientRequest:
		return r.MoveClient(req.ClientID, req.Position)
	case protocol.SetListeningSourceRequest:
		r.UpdateListeningSource(req.Position)
		return nil
	case protocol.ReorderClientRequest:
		_, err := r.ReorderClients(req.ClientID)
		return err
	case protocol.StartSpatialAudioRequest:
		r.StartSpatialAudio()
		return nil
	case protocol.StopSpatialAudioRequest:
		r.StopSpatialAudio()
		return nil
	case protocol.ClientRTTRequest:
		return r.UpdateClientRTT(c.ClientID, req.RTT)
	case protocol.NewAudioSourceRequest:
		r.AddAudioSource(protocol.AudioSource{URL: req.URL})
		return nil
	case protocol.SyncRequest:
		if err := s.connectionManager.SendTo(c, protocol.RoomEventMessage{
			Event: protocol.ClientChangeEvent{Clients: r.Clients()},
		}); err != nil {
			return err
		}
		return s.sendAudioSources(c, r)
	default:
		return errors.New("unhandled request type " + string(req.RequestType()))
	}
}

func (s *Service) sendAudioSources(c *Connection, r *room.Room) error {
	return s.connectionManager.SendTo(c, protocol.RoomEventMessage{
		Event: protocol.SetAudioSourcesEvent{Sources: r.AudioSources()},
	})
}
