package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/twmb/murmur3"
)

const (
	// DefaultCleanupGrace is how long an empty room is kept before it is dropped.
	DefaultCleanupGrace = time.Minute

	shardCount = 32

	cleanupTimeout = 30 * time.Second
)

// CleanupFunc releases external resources of a room that has been dropped.
type CleanupFunc func(ctx context.Context, roomID string) error

// Manager is the process-wide room directory. Rooms are spread over shards
// so unrelated rooms never contend on the same lock.
type Manager struct {
	shards [shardCount]*shard
	cfg    Config
	clock  clockwork.Clock
	coord  *Coordinator

	cleanupMu sync.RWMutex
	onCleanup CleanupFunc
}

type shard struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	cleanups map[string]*cleanupTimer
}

// cleanupTimer is a pending idle-room expiry. cancel is closed when the
// timer is replaced or cancelled.
type cleanupTimer struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// NewManager creates a room directory broadcasting through out.
func NewManager(cfg Config, clock clockwork.Clock, out Broadcaster) *Manager {
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = DefaultCleanupGrace
	}
	m := &Manager{
		cfg:   cfg,
		clock: clock,
		coord: NewCoordinator(clock, out, cfg.ScheduleHorizon),
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			rooms:    make(map[string]*Room),
			cleanups: make(map[string]*cleanupTimer),
		}
	}
	return m
}

// SetCleanupFunc registers the hook run after an idle room is dropped.
func (m *Manager) SetCleanupFunc(fn CleanupFunc) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()
	m.onCleanup = fn
}

// Coordinator returns the coordinator shared by all rooms.
func (m *Manager) Coordinator() *Coordinator {
	return m.coord
}

func (m *Manager) shardFor(roomID string) *shard {
	return m.shards[murmur3.Sum32([]byte(roomID))%shardCount]
}

// GetOrCreate returns the room with the given id, creating it if needed.
func (m *Manager) GetOrCreate(roomID string) *Room {
	s := m.shardFor(roomID)

	s.mu.RLock()
	r, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r
	}
	r = New(roomID, m.cfg, m.clock, m.coord)
	s.rooms[roomID] = r

	log.Info().Str("room_id", roomID).Msg("room created")
	return r
}

// Get returns an existing room.
func (m *Manager) Get(roomID string) (*Room, bool) {
	s := m.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// ForEach calls fn for every room. fn must not call back into the Manager.
func (m *Manager) ForEach(fn func(roomID string, r *Room)) {
	for _, s := range m.shards {
		s.mu.RLock()
		rooms := make(map[string]*Room, len(s.rooms))
		for id, r := range s.rooms {
			rooms[id] = r
		}
		s.mu.RUnlock()

		for id, r := range rooms {
			fn(id, r)
		}
	}
}

// RoomIDs returns the ids of all live rooms, sorted.
func (m *Manager) RoomIDs() []string {
	var ids []string
	m.ForEach(func(roomID string, _ *Room) {
		ids = append(ids, roomID)
	})
	sort.Strings(ids)
	return ids
}

// ActiveRooms returns stats for every room, sorted by room id.
func (m *Manager) ActiveRooms() []Stats {
	var stats []Stats
	m.ForEach(func(_ string, r *Room) {
		stats = append(stats, r.Stats())
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].RoomID < stats[j].RoomID })
	return stats
}

// Remove drops a room immediately and stops its background work.
func (m *Manager) Remove(roomID string) {
	s := m.shardFor(roomID)
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	if ct, exists := s.cleanups[roomID]; exists {
		stopCleanupTimer(ct)
		delete(s.cleanups, roomID)
	}
	s.mu.Unlock()

	if ok {
		r.Close()
	}
}

// ScheduleCleanup arms the idle timer for a room, replacing any pending one.
// When it fires the room is dropped if it is still empty.
func (m *Manager) ScheduleCleanup(roomID string) {
	ct := &cleanupTimer{
		timer:  m.clock.NewTimer(m.cfg.CleanupGrace),
		cancel: make(chan struct{}),
	}
	m.replaceCleanupTimer(roomID, ct)

	go func() {
		select {
		case <-ct.timer.Chan():
			m.expire(roomID, ct)
		case <-ct.cancel:
		}
	}()

	log.Debug().
		Str("room_id", roomID).
		Dur("grace", m.cfg.CleanupGrace).
		Msg("scheduled room cleanup")
}

// CancelCleanup disarms a pending idle timer.
func (m *Manager) CancelCleanup(roomID string) {
	s := m.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ct, exists := s.cleanups[roomID]; exists {
		stopCleanupTimer(ct)
		delete(s.cleanups, roomID)
		log.Debug().Str("room_id", roomID).Msg("cancelled room cleanup")
	}
}

// CleanupPending reports whether an idle timer is armed for the room.
func (m *Manager) CleanupPending(roomID string) bool {
	s := m.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cleanups[roomID]
	return ok
}

// Close stops every room and pending timer.
func (m *Manager) Close() {
	for _, s := range m.shards {
		s.mu.Lock()
		for id, ct := range s.cleanups {
			stopCleanupTimer(ct)
			delete(s.cleanups, id)
		}
		rooms := make([]*Room, 0, len(s.rooms))
		for _, r := range s.rooms {
			rooms = append(rooms, r)
		}
		s.mu.Unlock()

		for _, r := range rooms {
			r.Close()
		}
	}
}

func (m *Manager) replaceCleanupTimer(roomID string, ct *cleanupTimer) {
	s := m.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.cleanups[roomID]; exists {
		stopCleanupTimer(existing)
		log.Debug().Str("room_id", roomID).Msg("replaced existing cleanup timer")
	}
	s.cleanups[roomID] = ct
}

// expire drops the room if ct is still the armed timer and the room is empty.
func (m *Manager) expire(roomID string, ct *cleanupTimer) {
	s := m.shardFor(roomID)
	s.mu.Lock()
	if s.cleanups[roomID] != ct {
		s.mu.Unlock()
		return
	}
	delete(s.cleanups, roomID)

	r, ok := s.rooms[roomID]
	if ok && !r.IsEmpty() {
		s.mu.Unlock()
		log.Debug().Str("room_id", roomID).Msg("room cleanup skipped, clients present")
		return
	}
	delete(s.rooms, roomID)
	s.mu.Unlock()

	if ok {
		r.Close()
	}
	log.Info().Str("room_id", roomID).Msg("idle room removed")

	m.cleanupMu.RLock()
	fn := m.onCleanup
	m.cleanupMu.RUnlock()
	if fn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := fn(ctx, roomID); err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("room cleanup failed")
	}
}

// stopCleanupTimer stops the timer, drains its channel and releases the waiting goroutine.
func stopCleanupTimer(ct *cleanupTimer) {
	if !ct.timer.Stop() {
		select {
		case <-ct.timer.Chan():
		default:
		}
	}
	close(ct.cancel)
}
