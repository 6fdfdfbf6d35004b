package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore keeps coordination state and the idempotency/coalescing
// markers in Redis. The coordination key carries the stale-caregiver TTL so
// abandoned state ages out on its own.
type RedisStateStore struct {
	rdb *redis.Client
}

func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb}
}

func coordKey(familyID string) string {
	return "coord:" + familyID
}

func coalesceKey(familyID, childID string, cat Category) string {
	return fmt.Sprintf("coalesce:%s:%s:%s", familyID, childID, cat)
}

func ingestKey(key string) string {
	return "ingest:" + key
}

func (s *RedisStateStore) LoadCoordinationState(ctx context.Context, familyID string) (*CoordinationState, error) {
	val, err := s.rdb.Get(ctx, coordKey(familyID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	var state CoordinationState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		// Corrupt state is treated as absent; the coordinator re-elects.
		return nil, nil
	}
	return &state, nil
}

func (s *RedisStateStore) SaveCoordinationState(ctx context.Context, state *CoordinationState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, coordKey(state.FamilyID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return nil
}

func (s *RedisStateStore) Coalesce(ctx context.Context, familyID, childID string, cat Category, requestID string, window time.Duration) (bool, error) {
	key := coalesceKey(familyID, childID, cat)
	ok, err := s.rdb.SetNX(ctx, key, requestID, window).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	if ok {
		return false, nil
	}
	owner, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Marker expired between the SetNX and the Get.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return owner != requestID, nil
}

func (s *RedisStateStore) ReserveIngest(ctx context.Context, key, requestID string, ttl time.Duration) (string, bool, error) {
	ok, err := s.rdb.SetNX(ctx, ingestKey(key), requestID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	if ok {
		return requestID, true, nil
	}
	existing, err := s.rdb.Get(ctx, ingestKey(key)).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return existing, false, nil
}
