package statestore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mcdev12/syncroom/go/internal/room"
)

const (
	// BackupPrefix is the object prefix every snapshot is stored under.
	BackupPrefix = "state-backup/"

	backupSuffix = ".json"
	roomPrefix   = "room-"
)

var (
	// ErrBackupFailed is returned when a snapshot could not be written.
	ErrBackupFailed = errors.New("state backup failed")
	// ErrAssetMissing marks an audio source whose object no longer exists.
	ErrAssetMissing = errors.New("audio asset missing")
	// ErrInvalidSnapshot is returned when the newest snapshot fails validation.
	ErrInvalidSnapshot = errors.New("invalid backup snapshot")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Snapshot is the persisted form of every live room.
type Snapshot struct {
	Timestamp int64        `json:"timestamp" validate:"gt=0"`
	Data      SnapshotData `json:"data"`
}

// SnapshotData holds the per-room state keyed by room id.
type SnapshotData struct {
	Rooms map[string]room.BackupState `json:"rooms" validate:"required,dive"`
}

// Time returns the moment the snapshot was taken.
func (s Snapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

func (s Snapshot) validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return nil
}

// RoomPrefix returns the object prefix holding a room's assets.
func RoomPrefix(roomID string) string {
	return roomPrefix + roomID + "/"
}

// roomIDFromKey extracts the room id from a "room-<id>/..." key.
func roomIDFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, roomPrefix)
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// RestoreFailure records a room that could not be restored.
type RestoreFailure struct {
	RoomID string
	Err    error
}

func (f RestoreFailure) Error() string {
	return fmt.Sprintf("restore room %s: %v", f.RoomID, f.Err)
}

func (f RestoreFailure) Unwrap() error {
	return f.Err
}

// MissingAsset is an audio source dropped during restore.
type MissingAsset struct {
	RoomID string
	URL    string
}

// RestoreReport summarizes a restore run.
type RestoreReport struct {
	// BackupKey is empty when no snapshot was found.
	BackupKey     string
	TakenAt       time.Time
	Restored      []string
	Failures      []RestoreFailure
	MissingAssets []MissingAsset
}

// Found reports whether a snapshot was restored from.
func (r RestoreReport) Found() bool {
	return r.BackupKey != ""
}
