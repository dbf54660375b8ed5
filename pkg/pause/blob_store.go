package pause

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrBlobNotFound distinguishes an absent key from a transport failure,
// notably after a delete.
var ErrBlobNotFound = errors.New("pause blob not found")

// BlobStore holds the opaque continuation payloads. Content is never parsed
// or validated here; payloads of 1MB and beyond must round-trip byte-exact.
type BlobStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// RedisBlobStore keeps pause blobs in Redis. Retention is handled by the
// prune schedule, not by key TTLs, so blobs never expire under a live pause.
type RedisBlobStore struct {
	client redis.UniversalClient
}

// NewRedisBlobStore creates a blob store on an existing client.
func NewRedisBlobStore(client redis.UniversalClient) *RedisBlobStore {
	return &RedisBlobStore{client: client}
}

func (s *RedisBlobStore) Save(ctx context.Context, key string, data []byte) error {
	err := s.client.Set(ctx, key, data, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to save pause blob %s: %w", key, err)
	}

	return nil
}

func (s *RedisBlobStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pause blob %s: %w", key, ErrBlobNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load pause blob %s: %w", key, err)
	}

	return data, nil
}

func (s *RedisBlobStore) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, key).Err()
	if err != nil {
		return fmt.Errorf("failed to delete pause blob %s: %w", key, err)
	}

	return nil
}

// MemoryBlobStore is the in-process store used by tests and local dev.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[key] = append([]byte(nil), data...)

	return nil
}

func (s *MemoryBlobStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("pause blob %s: %w", key, ErrBlobNotFound)
	}

	return append([]byte(nil), data...), nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, key)

	return nil
}
