package objectstore

import (
	"context"
	"time"
)

// OperationRecorder receives one observation per store call.
type OperationRecorder interface {
	RecordStoreOperation(op string, success bool, duration time.Duration)
}

// InstrumentedStore wraps a Store with operation metrics
type InstrumentedStore struct {
	store    Store
	recorder OperationRecorder
}

func NewInstrumentedStore(store Store, recorder OperationRecorder) *InstrumentedStore {
	return &InstrumentedStore{
		store:    store,
		recorder: recorder,
	}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.recorder.RecordStoreOperation(op, err == nil, time.Since(start))
}

func (s *InstrumentedStore) Upload(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := s.store.Upload(ctx, key, data)
	s.observe("upload", start, err)
	return err
}

func (s *InstrumentedStore) Download(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.store.Download(ctx, key)
	s.observe("download", start, err)
	return data, err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	infos, err := s.store.List(ctx, prefix)
	s.observe("list", start, err)
	return infos, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}

func (s *InstrumentedStore) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.store.Exists(ctx, key)
	s.observe("exists", start, err)
	return ok, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}
