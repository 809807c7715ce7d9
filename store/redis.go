package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asaplabs/asap-go/asap"
)

// defaultRedisTTL is how long snapshots live without a configured TTL.
const defaultRedisTTL = 24 * time.Hour

// RedisSnapshotStore is a Redis-backed SnapshotStore for distributed
// deployments. Each snapshot is stored as JSON under a per-version key with
// a sorted-set index of versions per task, so latest-version reads and
// version listings are single commands.
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisSnapshotStore.
type RedisOption func(*RedisSnapshotStore)

// WithTTL sets the time-to-live for snapshots. Set to 0 for no expiration.
// Default is 24 hours.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSnapshotStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix. Default is "asap".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisSnapshotStore) { s.prefix = prefix }
}

// NewRedisSnapshotStore creates a Redis-backed snapshot store.
//
// Example:
//
//	store := NewRedisSnapshotStore(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithTTL(24 * time.Hour),
//	)
func NewRedisSnapshotStore(client *redis.Client, opts ...RedisOption) *RedisSnapshotStore {
	s := &RedisSnapshotStore{
		client: client,
		ttl:    defaultRedisTTL,
		prefix: "asap",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// snapshotKey is the Redis key for one (task, version) snapshot.
func (s *RedisSnapshotStore) snapshotKey(taskID string, version int) string {
	return fmt.Sprintf("%s:snapshot:%s:%d", s.prefix, taskID, version)
}

// versionsKey is the Redis key for a task's version index (sorted set,
// score = version).
func (s *RedisSnapshotStore) versionsKey(taskID string) string {
	return fmt.Sprintf("%s:snapshot:%s:versions", s.prefix, taskID)
}

// Save persists the snapshot and indexes its version.
// Uses a pipeline to batch the SET, ZAdd, and TTL refresh into one round-trip.
func (s *RedisSnapshotStore) Save(ctx context.Context, snap *asap.StateSnapshot) error {
	if snap == nil || snap.TaskID == "" {
		return ErrInvalidID
	}

	copied := *snap
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(&copied)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	key := s.snapshotKey(snap.TaskID, snap.Version)
	idxKey := s.versionsKey(snap.TaskID)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, data, s.ttl)
	pipe.ZAdd(ctx, idxKey, redis.Z{Score: float64(snap.Version), Member: snap.Version})
	if s.ttl > 0 {
		pipe.Expire(ctx, idxKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis pipeline failed: %w", err)
	}
	return nil
}

// Get returns the exact version, or the latest when version is nil.
func (s *RedisSnapshotStore) Get(ctx context.Context, taskID string, version *int) (*asap.StateSnapshot, error) {
	if taskID == "" {
		return nil, ErrInvalidID
	}

	want := 0
	if version != nil {
		want = *version
	} else {
		// Highest-scored member of the version index is the latest.
		members, err := s.client.ZRevRange(ctx, s.versionsKey(taskID), 0, 0).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("store: redis zrevrange failed: %w", err)
		}
		if len(members) == 0 {
			return nil, ErrNotFound
		}
		want, err = strconv.Atoi(members[0])
		if err != nil {
			return nil, fmt.Errorf("store: corrupt version index: %w", err)
		}
	}

	data, err := s.client.Get(ctx, s.snapshotKey(taskID, want)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get failed: %w", err)
	}

	var snap asap.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListVersions returns the stored versions for a task in ascending order.
func (s *RedisSnapshotStore) ListVersions(ctx context.Context, taskID string) ([]int, error) {
	if taskID == "" {
		return nil, ErrInvalidID
	}

	members, err := s.client.ZRange(ctx, s.versionsKey(taskID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: redis zrange failed: %w", err)
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}

	versions := make([]int, 0, len(members))
	for _, m := range members {
		v, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt version index: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// Delete removes one version or every version of the task, keeping the
// version index consistent.
func (s *RedisSnapshotStore) Delete(ctx context.Context, taskID string, version *int) error {
	if taskID == "" {
		return ErrInvalidID
	}

	idxKey := s.versionsKey(taskID)

	if version == nil {
		versions, err := s.ListVersions(ctx, taskID)
		if err != nil {
			return err
		}
		pipe := s.client.Pipeline()
		for _, v := range versions {
			pipe.Del(ctx, s.snapshotKey(taskID, v))
		}
		pipe.Del(ctx, idxKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store: redis pipeline failed: %w", err)
		}
		return nil
	}

	pipe := s.client.Pipeline()
	delCmd := pipe.Del(ctx, s.snapshotKey(taskID, *version))
	pipe.ZRem(ctx, idxKey, *version)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis pipeline failed: %w", err)
	}
	if delCmd.Val() == 0 {
		return ErrNotFound
	}
	return nil
}
