package objectstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := NewBadgerStore("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(clockwork.NewFakeClock()),
		"badger": badgerStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Upload(ctx, "room-1/track.mp3", []byte("audio")); err != nil {
				t.Fatalf("upload: %v", err)
			}
			data, err := s.Download(ctx, "room-1/track.mp3")
			if err != nil {
				t.Fatalf("download: %v", err)
			}
			if string(data) != "audio" {
				t.Errorf("expected %q, got %q", "audio", data)
			}

			ok, err := s.Exists(ctx, "room-1/track.mp3")
			if err != nil || !ok {
				t.Errorf("expected object to exist, got %v %v", ok, err)
			}

			if err := s.Upload(ctx, "room-1/track.mp3", []byte("v2")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			data, _ = s.Download(ctx, "room-1/track.mp3")
			if string(data) != "v2" {
				t.Errorf("overwrite not visible, got %q", data)
			}
		})
	}
}

func TestStoreMissingObject(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Download(ctx, "nope"); !errors.Is(err, ErrObjectNotFound) {
				t.Errorf("download: expected ErrObjectNotFound, got %v", err)
			}
			if err := s.Delete(ctx, "nope"); !errors.Is(err, ErrObjectNotFound) {
				t.Errorf("delete: expected ErrObjectNotFound, got %v", err)
			}
			ok, err := s.Exists(ctx, "nope")
			if err != nil || ok {
				t.Errorf("exists: expected false, got %v %v", ok, err)
			}
		})
	}
}

func TestStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"room-b/2", "room-a/1", "room-a/0", "state-backup/x.json"} {
				if err := s.Upload(ctx, key, []byte(key)); err != nil {
					t.Fatalf("upload %s: %v", key, err)
				}
			}

			infos, err := s.List(ctx, "room-a/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(infos) != 2 || infos[0].Key != "room-a/0" || infos[1].Key != "room-a/1" {
				t.Fatalf("unexpected listing %+v", infos)
			}
			if infos[0].Size != int64(len("room-a/0")) {
				t.Errorf("expected size %d, got %d", len("room-a/0"), infos[0].Size)
			}

			all, _ := s.List(ctx, "")
			if len(all) != 4 {
				t.Errorf("expected 4 objects, got %d", len(all))
			}
		})
	}
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock())
	for i := 0; i < 3; i++ {
		s.Upload(ctx, fmt.Sprintf("room-x/%d", i), nil)
	}
	s.Upload(ctx, "room-y/0", nil)

	n, err := DeletePrefix(ctx, s, "room-x/")
	if err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deletions, got %d", n)
	}
	if ok, _ := s.Exists(ctx, "room-y/0"); !ok {
		t.Error("other prefixes must survive")
	}
}

func TestSortedKeysNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock())
	for _, key := range []string{"b/backup-01.json", "b/backup-03.json", "b/backup-02.json", "b/notes.txt"} {
		s.Upload(ctx, key, nil)
	}

	keys, err := SortedKeys(ctx, s, "b/", ".json")
	if err != nil {
		t.Fatalf("sorted keys: %v", err)
	}
	want := []string{"b/backup-03.json", "b/backup-02.json", "b/backup-01.json"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, keys)
	}

	latest, _ := LatestKey(ctx, s, "b/", ".json")
	if latest != "b/backup-03.json" {
		t.Errorf("expected latest backup-03, got %s", latest)
	}
	none, _ := LatestKey(ctx, s, "empty/", ".json")
	if none != "" {
		t.Errorf("expected no key, got %s", none)
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock())

	type doc struct {
		Name string `json:"name"`
	}
	if err := UploadJSON(ctx, s, "doc.json", doc{Name: "x"}); err != nil {
		t.Fatalf("upload json: %v", err)
	}
	var got doc
	if err := DownloadJSON(ctx, s, "doc.json", &got); err != nil {
		t.Fatalf("download json: %v", err)
	}
	if got.Name != "x" {
		t.Errorf("expected x, got %s", got.Name)
	}
	if err := DownloadJSON(ctx, s, "missing.json", &got); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestKeyForURL(t *testing.T) {
	tests := []struct {
		name      string
		publicURL string
		raw       string
		want      string
	}{
		{"public prefix", "https://cdn.example.com", "https://cdn.example.com/room-1/a.mp3", "room-1/a.mp3"},
		{"public prefix with slash", "https://cdn.example.com/", "https://cdn.example.com/room-1/a.mp3", "room-1/a.mp3"},
		{"other host uses path", "https://cdn.example.com", "https://other.example.com/default/b.mp3", "default/b.mp3"},
		{"bare key", "", "room-2/c.mp3", "room-2/c.mp3"},
		{"leading slash", "", "/room-2/c.mp3", "room-2/c.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyForURL(tt.publicURL, tt.raw); got != tt.want {
				t.Errorf("KeyForURL(%q, %q) = %q, want %q", tt.publicURL, tt.raw, got, tt.want)
			}
		})
	}
}

type opRecorder struct {
	ops []string
	ok  []bool
}

func (r *opRecorder) RecordStoreOperation(op string, success bool, duration time.Duration) {
	r.ops = append(r.ops, op)
	r.ok = append(r.ok, success)
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	rec := &opRecorder{}
	s := NewInstrumentedStore(NewMemoryStore(clockwork.NewFakeClock()), rec)

	s.Upload(ctx, "k", []byte("v"))
	s.Download(ctx, "missing")

	if fmt.Sprint(rec.ops) != "[upload download]" {
		t.Fatalf("unexpected ops %v", rec.ops)
	}
	if !rec.ok[0] || rec.ok[1] {
		t.Errorf("unexpected success flags %v", rec.ok)
	}
}
