package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is a flat key/value object storage. Keys use "/" as a logical separator.
type Store interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// UploadJSON marshals v and uploads it under key.
func UploadJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.Upload(ctx, key, data); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// DownloadJSON downloads key and unmarshals it into v.
func DownloadJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// SortedKeys returns keys under prefix ending in suffix, newest first. Keys
// are expected to sort lexicographically by creation time.
func SortedKeys(ctx context.Context, s Store, prefix, suffix string) ([]string, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, suffix) {
			keys = append(keys, obj.Key)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

// LatestKey returns the newest key under prefix, or "" if there is none.
func LatestKey(ctx context.Context, s Store, prefix, suffix string) (string, error) {
	keys, err := SortedKeys(ctx, s, prefix, suffix)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}
	return keys[0], nil
}

// DeletePrefix removes every object under prefix and returns how many were deleted.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}

	deleted := 0
	var errs []error
	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil && !errors.Is(err, ErrObjectNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", obj.Key, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// KeyForURL maps a public asset URL to its object key. publicURL is the base
// the store is served under; when it does not match, the URL path is used.
func KeyForURL(publicURL, raw string) string {
	if publicURL != "" && strings.HasPrefix(raw, publicURL) {
		return strings.TrimPrefix(strings.TrimPrefix(raw, publicURL), "/")
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		return strings.TrimPrefix(u.Path, "/")
	}
	return strings.TrimPrefix(raw, "/")
}
