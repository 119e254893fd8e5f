// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps breaker state in process memory. Suitable for
// single-instance deployments only.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[key]
	return snap, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[key] = snap
	return nil
}

const (
	redisKeyPrefix = "reconciler:breaker:"

	// redisTTL bounds how long state for a deleted config lingers. Well past
	// the recovery timeout so an OPEN breaker cannot expire back to CLOSED.
	redisTTL = 7 * 24 * time.Hour
)

// RedisStore shares breaker state across instances through Redis, so each
// instance does not independently retry a known-bad mailbox.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) Get(ctx context.Context, key string) (Snapshot, bool, error) {
	data, err := r.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("breaker state GET: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode breaker state: %w", err)
	}
	return snap, true, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode breaker state: %w", err)
	}
	if err := r.rdb.Set(ctx, redisKeyPrefix+key, data, redisTTL).Err(); err != nil {
		return fmt.Errorf("breaker state SET: %w", err)
	}
	return nil
}
