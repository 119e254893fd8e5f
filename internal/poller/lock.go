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

package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrRunInProgress means another instance holds the run lock.
var ErrRunInProgress = errors.New("a reconciliation run is already in progress")

// RunLock serialises overlapping runs. Idempotent upserts keep overlapping
// runs correct without it, but they would burn upstream rate limit on
// duplicate work.
type RunLock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

const runLockKey = "reconciler:run-lock"

// RedisRunLock is an advisory lock over Redis.
type RedisRunLock struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisRunLock creates a run lock with the given TTL. The TTL should
// exceed the run timeout so a crashed holder's lock expires rather than
// blocking runs forever.
func NewRedisRunLock(rdb *redis.Client, ttl time.Duration) *RedisRunLock {
	return &RedisRunLock{
		client: redislock.New(rdb),
		ttl:    ttl,
	}
}

// Acquire obtains the lock or returns ErrRunInProgress.
func (l *RedisRunLock) Acquire(ctx context.Context) (func(), error) {
	lock, err := l.client.Obtain(ctx, runLockKey, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain run lock: %w", err)
	}

	release := func() {
		// Best effort: the TTL cleans up after a failed release.
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			slog.Warn("release run lock", "error", err)
		}
	}
	return release, nil
}
