package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stopFlagKeyPrefix = "loom:task:stop:"
	stopFlagTTL       = 10 * time.Minute
)

// StopFlagStore records out-of-band stop requests keyed by task id. The flag
// value carries the requesting scope and user so only the task owner's stop
// takes effect.
type StopFlagStore interface {
	Set(ctx context.Context, taskID, invokerScope, userID string) error
	Check(ctx context.Context, taskID, userID string) (bool, error)
	Clear(ctx context.Context, taskID string) error
}

// RedisStopFlagStore stores stop flags in Redis with a 10 minute TTL, so a
// flag set for a task that already finished expires on its own.
type RedisStopFlagStore struct {
	client redis.UniversalClient
}

// NewRedisStopFlagStore creates a stop flag store on an existing client.
func NewRedisStopFlagStore(client redis.UniversalClient) *RedisStopFlagStore {
	return &RedisStopFlagStore{client: client}
}

func (s *RedisStopFlagStore) Set(ctx context.Context, taskID, invokerScope, userID string) error {
	err := s.client.Set(ctx, stopFlagKey(taskID), invokerScope+":"+userID, stopFlagTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set stop flag for task %s: %w", taskID, err)
	}

	return nil
}

func (s *RedisStopFlagStore) Check(ctx context.Context, taskID, userID string) (bool, error) {
	value, err := s.client.Get(ctx, stopFlagKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to check stop flag for task %s: %w", taskID, err)
	}

	return flagMatchesUser(value, userID), nil
}

func (s *RedisStopFlagStore) Clear(ctx context.Context, taskID string) error {
	err := s.client.Del(ctx, stopFlagKey(taskID)).Err()
	if err != nil {
		return fmt.Errorf("failed to clear stop flag for task %s: %w", taskID, err)
	}

	return nil
}

// MemoryStopFlagStore is the in-process store used by tests and single-node
// deployments.
type MemoryStopFlagStore struct {
	mu    sync.Mutex
	flags map[string]string
}

// NewMemoryStopFlagStore creates an empty in-memory stop flag store.
func NewMemoryStopFlagStore() *MemoryStopFlagStore {
	return &MemoryStopFlagStore{flags: make(map[string]string)}
}

func (s *MemoryStopFlagStore) Set(_ context.Context, taskID, invokerScope, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[taskID] = invokerScope + ":" + userID

	return nil
}

func (s *MemoryStopFlagStore) Check(_ context.Context, taskID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.flags[taskID]
	if !ok {
		return false, nil
	}

	return flagMatchesUser(value, userID), nil
}

func (s *MemoryStopFlagStore) Clear(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flags, taskID)

	return nil
}

func stopFlagKey(taskID string) string {
	return stopFlagKeyPrefix + taskID
}

func flagMatchesUser(value, userID string) bool {
	_, flaggedUser, found := strings.Cut(value, ":")

	return found && flaggedUser == userID
}
