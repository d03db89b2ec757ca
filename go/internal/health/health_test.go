package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/syncroom/go/internal/gateway"
	"github.com/mcdev12/syncroom/go/internal/objectstore"
)

type fakeBackups struct {
	last time.Time
}

func (f *fakeBackups) LastBackup() (time.Time, bool) {
	return f.last, !f.last.IsZero()
}

type fakeStats struct{}

func (fakeStats) GetStats() gateway.ConnectionStats {
	return gateway.ConnectionStats{TotalConnections: 3, ActiveRooms: 2}
}

type brokenStore struct {
	objectstore.Store
}

func (brokenStore) Exists(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestCheck(t *testing.T) {
	const threshold = 3 * time.Minute

	tests := []struct {
		name      string
		broken    bool
		elapsed   time.Duration
		backupAgo time.Duration // zero means never
		healthy   bool
	}{
		{name: "fresh start", elapsed: time.Minute, healthy: true},
		{name: "recent backup", elapsed: time.Hour, backupAgo: time.Minute, healthy: true},
		{name: "stale backup", elapsed: time.Hour, backupAgo: 10 * time.Minute, healthy: false},
		{name: "never backed up", elapsed: time.Hour, healthy: false},
		{name: "store down", broken: true, elapsed: time.Minute, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			var store objectstore.Store = objectstore.NewMemoryStore(clock)
			if tt.broken {
				store = brokenStore{store}
			}
			backups := &fakeBackups{}
			checker := NewServerChecker(store, backups, fakeStats{}, clock, threshold)

			clock.Advance(tt.elapsed)
			if tt.backupAgo > 0 {
				backups.last = clock.Now().Add(-tt.backupAgo)
			}

			status := checker.Check(context.Background())
			if status.Healthy != tt.healthy {
				t.Errorf("expected healthy=%v, got %+v", tt.healthy, status)
			}
			if status.StoreReachable == tt.broken {
				t.Errorf("unexpected store reachability %v", status.StoreReachable)
			}
			if status.Connections != 3 || status.Rooms != 2 {
				t.Errorf("unexpected gateway stats %+v", status)
			}
		})
	}
}

func TestServeHTTP(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backups := &fakeBackups{}
	checker := NewServerChecker(objectstore.NewMemoryStore(clock), backups, fakeStats{}, clock, time.Minute)

	rec := httptest.NewRecorder()
	checker.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	clock.Advance(time.Hour)
	rec = httptest.NewRecorder()
	checker.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var status Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Healthy || len(status.Errors) != 1 {
		t.Errorf("unexpected status %+v", status)
	}
}
