package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/protocol"
	"github.com/mcdev12/syncroom/go/internal/spatial"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrTrackNotFound  = errors.New("track not found")
)

// DefaultSpatialTick is the spatial loop period.
const DefaultSpatialTick = 100 * time.Millisecond

// Config holds per-room behaviour shared by every room of a Manager.
type Config struct {
	ScheduleHorizon time.Duration     `yaml:"schedule_horizon" env:"SCHEDULE_HORIZON" validate:"gte=0"`
	SpatialTick     time.Duration     `yaml:"spatial_tick" env:"SPATIAL_TICK" validate:"gt=0"`
	CleanupGrace    time.Duration     `yaml:"cleanup_grace" env:"CLEANUP_GRACE" validate:"gt=0"`
	Gain            spatial.GainModel `yaml:"gain" envPrefix:"GAIN_"`
}

// DefaultConfig returns the default room configuration.
func DefaultConfig() Config {
	return Config{
		ScheduleHorizon: DefaultScheduleHorizon,
		SpatialTick:     DefaultSpatialTick,
		CleanupGrace:    DefaultCleanupGrace,
		Gain:            spatial.DefaultGainModel(),
	}
}

// Client is a member of a room. ConnectionID identifies the transport
// connection that owns the entry without holding a reference to it.
type Client struct {
	ClientID     string
	Username     string
	Position     spatial.Position
	RTT          float64
	ConnectionID string
}

func (c *Client) info() protocol.ClientInfo {
	return protocol.ClientInfo{
		ClientID: c.ClientID,
		Username: c.Username,
		Position: c.Position,
		RTT:      c.RTT,
	}
}

// Stats summarizes a room for the active rooms endpoint.
type Stats struct {
	RoomID           string `json:"roomId"`
	ClientCount      int    `json:"clientCount"`
	AudioSourceCount int    `json:"audioSourceCount"`
	HasSpatialAudio  bool   `json:"hasSpatialAudio"`
}

// BackupClient is the persisted part of a client.
type BackupClient struct {
	ClientID string `json:"clientId" validate:"required"`
	Username string `json:"username"`
}

// BackupState is the persisted part of a room.
type BackupState struct {
	Clients      []BackupClient         `json:"clients" validate:"dive"`
	AudioSources []protocol.AudioSource `json:"audioSources" validate:"dive"`
}

// Room is the authoritative state of a single room. All mutations are
// serialized by mu; broadcasts happen after mu is released.
type Room struct {
	id    string
	cfg   Config
	clock clockwork.Clock
	coord *Coordinator

	mu              sync.Mutex
	clients         []*Client
	audioSources    []protocol.AudioSource
	listeningSource spatial.Position
	loop            *spatialLoop
}

// New creates an empty room.
func New(id string, cfg Config, clock clockwork.Clock, coord *Coordinator) *Room {
	if cfg.SpatialTick <= 0 {
		cfg.SpatialTick = DefaultSpatialTick
	}
	return &Room{
		id:              id,
		cfg:             cfg,
		clock:           clock,
		coord:           coord,
		listeningSource: spatial.Origin(),
	}
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// AddClient adds c to the room, lays out every client on the circle and
// broadcasts the resulting gains. A client rejoining with a known id replaces
// its previous entry in place.
func (r *Room) AddClient(c Client) []protocol.ClientInfo {
	r.mu.Lock()
	c.Position = spatial.InitialPosition()
	if i := r.indexLocked(c.ClientID); i >= 0 {
		c.RTT = r.clients[i].RTT
		r.clients[i] = &c
	} else {
		r.clients = append(r.clients, &c)
	}
	r.layoutLocked()
	clients := r.clientInfosLocked()
	action := r.spatialConfigLocked()
	r.mu.Unlock()

	log.Info().
		Str("room_id", r.id).
		Str("client_id", c.ClientID).
		Str("username", c.Username).
		Int("clients", len(clients)).
		Msg("client joined room")

	r.coord.Publish(r.id, protocol.JoinEvent{ClientID: c.ClientID, Username: c.Username})
	r.coord.Publish(r.id, protocol.ClientChangeEvent{Clients: clients})
	r.coord.Schedule(r.id, action, 0)
	return clients
}

// RemoveClient removes the client if it is still owned by connectionID and
// rebroadcasts gains for whoever remains. An empty connectionID removes
// unconditionally. Returns false if nothing was removed.
func (r *Room) RemoveClient(clientID, connectionID string) bool {
	r.mu.Lock()
	i := r.indexLocked(clientID)
	if i < 0 || (connectionID != "" && r.clients[i].ConnectionID != connectionID) {
		r.mu.Unlock()
		return false
	}
	removed := r.clients[i]
	r.clients = append(r.clients[:i], r.clients[i+1:]...)

	// The survivors moved, so their gains are stale.
	var action protocol.Action
	if len(r.clients) == 0 {
		r.stopLoopLocked()
	} else {
		r.layoutLocked()
		action = r.spatialConfigLocked()
	}
	clients := r.clientInfosLocked()
	r.mu.Unlock()

	log.Info().
		Str("room_id", r.id).
		Str("client_id", clientID).
		Int("clients", len(clients)).
		Msg("client left room")

	r.coord.Publish(r.id, protocol.LeaveEvent{ClientID: removed.ClientID, Username: removed.Username})
	r.coord.Publish(r.id, protocol.ClientChangeEvent{Clients: clients})
	if action != nil {
		r.coord.Schedule(r.id, action, 0)
	}
	return true
}

// MoveClient repositions a client and broadcasts fresh gains.
func (r *Room) MoveClient(clientID string, pos spatial.Position) error {
	r.mu.Lock()
	i := r.indexLocked(clientID)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("move %s: %w", clientID, ErrClientNotFound)
	}
	r.clients[i].Position = spatial.Clamp(pos)
	clients := r.clientInfosLocked()
	action := r.spatialConfigLocked()
	r.mu.Unlock()

	r.coord.Publish(r.id, protocol.ClientChangeEvent{Clients: clients})
	r.coord.Schedule(r.id, action, 0)
	return nil
}

// UpdateListeningSource moves the listening source and broadcasts fresh gains.
func (r *Room) UpdateListeningSource(pos spatial.Position) {
	r.mu.Lock()
	r.listeningSource = spatial.Clamp(pos)
	action := r.spatialConfigLocked()
	r.mu.Unlock()

	r.coord.Schedule(r.id, action, 0)
}

// ReorderClients moves clientID to the front and re-runs the layout.
func (r *Room) ReorderClients(clientID string) ([]protocol.ClientInfo, error) {
	r.mu.Lock()
	i := r.indexLocked(clientID)
	if i < 0 {
		clients := r.clientInfosLocked()
		r.mu.Unlock()
		return clients, fmt.Errorf("reorder %s: %w", clientID, ErrClientNotFound)
	}
	c := r.clients[i]
	copy(r.clients[1:i+1], r.clients[:i])
	r.clients[0] = c
	r.layoutLocked()
	clients := r.clientInfosLocked()
	action := r.spatialConfigLocked()
	r.mu.Unlock()

	r.coord.Publish(r.id, protocol.ClientChangeEvent{Clients: clients})
	r.coord.Schedule(r.id, action, 0)
	return clients, nil
}

// UpdateClientRTT stores the round trip reported by a client.
func (r *Room) UpdateClientRTT(clientID string, rtt float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(clientID)
	if i < 0 {
		return fmt.Errorf("update rtt %s: %w", clientID, ErrClientNotFound)
	}
	r.clients[i].RTT = rtt
	return nil
}

// AddAudioSource appends an audio source and broadcasts the new list.
func (r *Room) AddAudioSource(src protocol.AudioSource) []protocol.AudioSource {
	r.mu.Lock()
	r.audioSources = append(r.audioSources, src)
	sources := r.audioSourcesLocked()
	r.mu.Unlock()

	r.coord.Publish(r.id, protocol.SetAudioSourcesEvent{Sources: sources})
	return sources
}

// SetAudioSources replaces the audio sources without broadcasting.
func (r *Room) SetAudioSources(sources []protocol.AudioSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioSources = append([]protocol.AudioSource(nil), sources...)
}

// AudioSources returns a copy of the room's audio sources.
func (r *Room) AudioSources() []protocol.AudioSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioSourcesLocked()
}

// Clients returns the ordered client list.
func (r *Room) Clients() []protocol.ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientInfosLocked()
}

// ListeningSource returns the current listening source position.
func (r *Room) ListeningSource() spatial.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeningSource
}

// IsEmpty reports whether the room has no clients.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients) == 0
}

// Stats returns counters for the room.
func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		RoomID:           r.id,
		ClientCount:      len(r.clients),
		AudioSourceCount: len(r.audioSources),
		HasSpatialAudio:  r.loop != nil,
	}
}

// BackupState returns the persisted view of the room.
func (r *Room) BackupState() BackupState {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make([]BackupClient, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, BackupClient{ClientID: c.ClientID, Username: c.Username})
	}
	return BackupState{
		Clients:      clients,
		AudioSources: r.audioSourcesLocked(),
	}
}

// Play schedules playback. audioID wins over trackIndex when both are given.
func (r *Room) Play(trackTimeSeconds float64, audioID string, trackIndex *int) (protocol.ScheduledActionMessage, error) {
	if audioID == "" && trackIndex != nil {
		r.mu.Lock()
		if *trackIndex < 0 || *trackIndex >= len(r.audioSources) {
			r.mu.Unlock()
			return protocol.ScheduledActionMessage{}, fmt.Errorf("play index %d: %w", *trackIndex, ErrTrackNotFound)
		}
		audioID = r.audioSources[*trackIndex].URL
		r.mu.Unlock()
	}
	if audioID == "" {
		return protocol.ScheduledActionMessage{}, fmt.Errorf("play: %w", ErrTrackNotFound)
	}
	return r.coord.Play(r.id, trackTimeSeconds, audioID), nil
}

// Pause schedules a pause.
func (r *Room) Pause() protocol.ScheduledActionMessage {
	return r.coord.Pause(r.id)
}

// Close stops background work owned by the room.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLoopLocked()
}

func (r *Room) indexLocked(clientID string) int {
	for i, c := range r.clients {
		if c.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (r *Room) layoutLocked() {
	positions := spatial.CircleLayout(len(r.clients))
	for i, c := range r.clients {
		c.Position = positions[i]
	}
}

func (r *Room) clientInfosLocked() []protocol.ClientInfo {
	infos := make([]protocol.ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, c.info())
	}
	return infos
}

func (r *Room) audioSourcesLocked() []protocol.AudioSource {
	sources := make([]protocol.AudioSource, len(r.audioSources))
	copy(sources, r.audioSources)
	return sources
}

func (r *Room) spatialConfigLocked() protocol.SpatialConfigAction {
	gains := make(map[string]spatial.GainParams, len(r.clients))
	for _, c := range r.clients {
		gains[c.ClientID] = r.cfg.Gain.Params(c.Position, r.listeningSource)
	}
	return protocol.SpatialConfigAction{
		ListeningSource: r.listeningSource,
		Gains:           gains,
	}
}
