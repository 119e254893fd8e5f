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

// Package dedup provides a fast-path seen-message filter in Redis with a
// TTL. It saves the metadata fetch for messages already handled by a recent
// run; correctness does not depend on it — the processed-message upsert in
// Postgres is the idempotency guarantee. A message is only marked seen after
// it has been fully persisted, so a failed attempt stays retryable.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen message ID is remembered. Poll cursors
	// normally prevent refetching much sooner than this.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces seen keys in Redis.
	keyPrefix = "reconciler:seen:"
)

// Filter tracks which (config, message) pairs have already been processed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a seen-message filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the message has NOT been seen for this config.
// Read-only: callers mark the message seen with MarkSeen once it has been
// persisted, never at check time — a crash between fetch and upsert must
// leave the message retryable.
func (f *Filter) IsNew(ctx context.Context, configID, messageID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, f.key(configID, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n == 0, nil
}

// MarkSeen records that the message has been fully processed and persisted.
func (f *Filter) MarkSeen(ctx context.Context, configID, messageID string) error {
	if err := f.rdb.Set(ctx, f.key(configID, messageID), 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

func (f *Filter) key(configID, messageID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, configID, messageID)
}
