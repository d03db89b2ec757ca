package statestore

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/syncroom/go/internal/objectstore"
	"github.com/mcdev12/syncroom/go/internal/protocol"
	"github.com/mcdev12/syncroom/go/internal/room"
)

// Config controls backup cadence and restore fan-out.
type Config struct {
	Interval           time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`
	Retention          int           `yaml:"retention" env:"RETENTION" validate:"gte=1"`
	RestoreConcurrency int           `yaml:"restore_concurrency" env:"RESTORE_CONCURRENCY" validate:"gte=1"`
	AssetConcurrency   int           `yaml:"asset_concurrency" env:"ASSET_CONCURRENCY" validate:"gte=1"`
}

// DefaultConfig returns the production backup settings.
func DefaultConfig() Config {
	return Config{
		Interval:           time.Minute,
		Retention:          5,
		RestoreConcurrency: 1000,
		AssetConcurrency:   32,
	}
}

// Rooms is the room directory the manager snapshots and restores into.
type Rooms interface {
	ForEach(fn func(roomID string, r *room.Room))
	GetOrCreate(roomID string) *room.Room
	ScheduleCleanup(roomID string)
	RoomIDs() []string
}

// Recorder receives backup and restore outcomes.
type Recorder interface {
	RecordBackup(success bool, rooms int, duration time.Duration)
	RecordRestore(restored, failed, missingAssets int)
}

type noopRecorder struct{}

func (noopRecorder) RecordBackup(bool, int, time.Duration) {}
func (noopRecorder) RecordRestore(int, int, int)           {}

// Manager writes room snapshots to object storage and restores them on boot.
type Manager struct {
	store     objectstore.Store
	rooms     Rooms
	clock     clockwork.Clock
	cfg       Config
	publicURL string
	recorder  Recorder

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	lastMu     sync.Mutex
	lastBackup time.Time
}

// NewManager creates a state manager. publicURL is the base audio URLs are
// served under and is used to map them back to object keys.
func NewManager(store objectstore.Store, rooms Rooms, clock clockwork.Clock, cfg Config, publicURL string) *Manager {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.RestoreConcurrency <= 0 {
		cfg.RestoreConcurrency = def.RestoreConcurrency
	}
	if cfg.AssetConcurrency <= 0 {
		cfg.AssetConcurrency = def.AssetConcurrency
	}
	return &Manager{
		store:     store,
		rooms:     rooms,
		clock:     clock,
		cfg:       cfg,
		publicURL: publicURL,
		recorder:  noopRecorder{},
		entropy:   ulid.Monotonic(crand.Reader, 0),
	}
}

// SetRecorder installs a metrics recorder.
func (m *Manager) SetRecorder(r Recorder) {
	if r != nil {
		m.recorder = r
	}
}

// backupKey returns a new snapshot key. ULIDs sort by creation time.
func (m *Manager) backupKey(now time.Time) (string, error) {
	m.entropyMu.Lock()
	defer m.entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), m.entropy)
	if err != nil {
		return "", fmt.Errorf("generate backup id: %w", err)
	}
	return BackupPrefix + "backup-" + id.String() + backupSuffix, nil
}

// BackupState uploads a snapshot of every live room and prunes old snapshots.
// It returns the key of the new snapshot.
func (m *Manager) BackupState(ctx context.Context) (string, error) {
	start := m.clock.Now()
	log.Debug().Msg("Starting state backup")

	snapshot := Snapshot{
		Timestamp: start.UnixMilli(),
		Data:      SnapshotData{Rooms: make(map[string]room.BackupState)},
	}
	m.rooms.ForEach(func(roomID string, r *room.Room) {
		snapshot.Data.Rooms[roomID] = r.BackupState()
	})

	key, err := m.backupKey(start)
	if err == nil {
		err = objectstore.UploadJSON(ctx, m.store, key, snapshot)
	}
	if err != nil {
		m.recorder.RecordBackup(false, len(snapshot.Data.Rooms), m.clock.Since(start))
		return "", fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}

	m.recorder.RecordBackup(true, len(snapshot.Data.Rooms), m.clock.Since(start))
	m.lastMu.Lock()
	m.lastBackup = start
	m.lastMu.Unlock()
	log.Info().
		Str("key", key).
		Int("rooms", len(snapshot.Data.Rooms)).
		Msg("State backup completed")

	m.pruneBackups(ctx)
	return key, nil
}

// LastBackup returns the time of the last successful backup of this process.
func (m *Manager) LastBackup() (time.Time, bool) {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.lastBackup, !m.lastBackup.IsZero()
}

// pruneBackups keeps the newest Retention snapshots. Failures are logged only.
func (m *Manager) pruneBackups(ctx context.Context) {
	keys, err := objectstore.SortedKeys(ctx, m.store, BackupPrefix, backupSuffix)
	if err != nil {
		log.Warn().Err(err).Msg("Backup cleanup failed")
		return
	}
	if len(keys) <= m.cfg.Retention {
		return
	}

	stale := keys[m.cfg.Retention:]
	log.Info().Int("count", len(stale)).Msg("Cleaning up old backups")
	for _, key := range stale {
		if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
			log.Error().Err(err).Str("key", key).Msg("Failed to delete old backup")
		}
	}
}

// RestoreState rebuilds rooms from the newest snapshot. Per-room failures are
// collected in the report; the returned error covers the snapshot itself.
func (m *Manager) RestoreState(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport

	key, err := objectstore.LatestKey(ctx, m.store, BackupPrefix, backupSuffix)
	if err != nil {
		return report, fmt.Errorf("find latest backup: %w", err)
	}
	if key == "" {
		log.Info().Msg("No state backups found")
		m.cleanupOrphanedRooms(ctx)
		return report, nil
	}

	log.Info().Str("key", key).Msg("Restoring state from backup")

	var snapshot Snapshot
	if err := objectstore.DownloadJSON(ctx, m.store, key, &snapshot); err != nil {
		return report, fmt.Errorf("read backup: %w", err)
	}
	if err := snapshot.validate(); err != nil {
		return report, fmt.Errorf("read backup %s: %w", key, err)
	}
	report.BackupKey = key
	report.TakenAt = snapshot.Time()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.cfg.RestoreConcurrency)
	for roomID, state := range snapshot.Data.Rooms {
		g.Go(func() error {
			missing, err := m.restoreRoom(ctx, roomID, state)

			mu.Lock()
			defer mu.Unlock()
			report.MissingAssets = append(report.MissingAssets, missing...)
			if err != nil {
				log.Error().Err(err).Str("room_id", roomID).Msg("Failed to restore room")
				report.Failures = append(report.Failures, RestoreFailure{RoomID: roomID, Err: err})
				return nil
			}
			report.Restored = append(report.Restored, roomID)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Restored)
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].RoomID < report.Failures[j].RoomID })
	sort.Slice(report.MissingAssets, func(i, j int) bool {
		a, b := report.MissingAssets[i], report.MissingAssets[j]
		if a.RoomID != b.RoomID {
			return a.RoomID < b.RoomID
		}
		return a.URL < b.URL
	})

	m.recorder.RecordRestore(len(report.Restored), len(report.Failures), len(report.MissingAssets))
	log.Info().
		Str("key", key).
		Dur("age", m.clock.Since(report.TakenAt)).
		Int("restored", len(report.Restored)).
		Int("failed", len(report.Failures)).
		Int("missing_assets", len(report.MissingAssets)).
		Msg("State restoration completed")

	m.cleanupOrphanedRooms(ctx)
	return report, nil
}

// restoreRoom validates the room's audio sources, installs the ones still in
// storage and arms the idle cleanup timer, since no client may ever return.
func (m *Manager) restoreRoom(ctx context.Context, roomID string, state room.BackupState) ([]MissingAsset, error) {
	present := make([]bool, len(state.AudioSources))

	var g errgroup.Group
	g.SetLimit(m.cfg.AssetConcurrency)
	for i, src := range state.AudioSources {
		g.Go(func() error {
			ok, err := m.store.Exists(ctx, objectstore.KeyForURL(m.publicURL, src.URL))
			if err != nil {
				return fmt.Errorf("check asset %s: %w", src.URL, err)
			}
			present[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		valid   = make([]protocol.AudioSource, 0, len(state.AudioSources))
		missing []MissingAsset
	)
	for i, src := range state.AudioSources {
		if !present[i] {
			log.Warn().
				Err(ErrAssetMissing).
				Str("room_id", roomID).
				Str("url", src.URL).
				Msg("Dropping audio source during restore")
			missing = append(missing, MissingAsset{RoomID: roomID, URL: src.URL})
			continue
		}
		valid = append(valid, src)
	}

	m.rooms.GetOrCreate(roomID).SetAudioSources(valid)
	m.rooms.ScheduleCleanup(roomID)
	return missing, nil
}

// cleanupOrphanedRooms removes room asset prefixes with no live room. Failures
// are logged only.
func (m *Manager) cleanupOrphanedRooms(ctx context.Context) {
	objects, err := m.store.List(ctx, roomPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("Orphaned room cleanup failed")
		return
	}

	active := make(map[string]struct{})
	for _, id := range m.rooms.RoomIDs() {
		active[id] = struct{}{}
	}

	orphans := make(map[string]struct{})
	for _, obj := range objects {
		id, ok := roomIDFromKey(obj.Key)
		if !ok {
			continue
		}
		if _, live := active[id]; !live {
			orphans[id] = struct{}{}
		}
	}

	for id := range orphans {
		if err := m.DeleteRoomObjects(ctx, id); err != nil {
			log.Warn().Err(err).Str("room_id", id).Msg("Failed to delete orphaned room objects")
		}
	}
	if len(orphans) > 0 {
		log.Info().Int("rooms", len(orphans)).Msg("Cleaned up orphaned rooms")
	}
}

// DeleteRoomObjects removes every stored object of a room. It matches
// room.CleanupFunc.
func (m *Manager) DeleteRoomObjects(ctx context.Context, roomID string) error {
	n, err := objectstore.DeletePrefix(ctx, m.store, RoomPrefix(roomID))
	if n > 0 {
		log.Info().Str("room_id", roomID).Int("objects", n).Msg("Deleted room objects")
	}
	return err
}

// Run takes a backup every Interval until ctx is cancelled. A failed cycle is
// logged and the next tick runs normally.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.cfg.Interval).Msg("Periodic state backup started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Periodic state backup stopped")
			return
		case <-ticker.Chan():
			if _, err := m.BackupState(ctx); err != nil {
				log.Error().Err(err).Msg("Periodic state backup failed")
			}
		}
	}
}
