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

// Package breaker implements a per-mailbox circuit breaker guarding calls to
// the upstream mail API. State lives behind a keyed StateStore so a
// single-instance deployment can use an in-process map while multi-instance
// deployments share state through Redis.
package breaker

import (
	"context"
	"log/slog"
	"time"
)

// State of one breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults for the failure threshold and recovery timeout policy values.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 15 * time.Minute
)

// Snapshot is the persisted state of one breaker key.
type Snapshot struct {
	State          State     `json:"state"`
	Failures       int       `json:"failures"`
	LastFailure    time.Time `json:"last_failure"`
	LastTransition time.Time `json:"last_transition"`
}

// StateStore persists breaker snapshots by key.
type StateStore interface {
	Get(ctx context.Context, key string) (Snapshot, bool, error)
	Put(ctx context.Context, key string, snap Snapshot) error
}

// Breaker is the CLOSED / OPEN / HALF_OPEN state machine. It never fails a
// call itself: callers check CanExecute before attempting and report the
// outcome via RecordSuccess / RecordFailure.
type Breaker struct {
	store     StateStore
	threshold int
	recovery  time.Duration
	now       func() time.Time
}

// New creates a breaker over the given store. Non-positive threshold/recovery
// fall back to the defaults.
func New(store StateStore, threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	return &Breaker{
		store:     store,
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
}

// CanExecute reports whether a call for this key may be attempted. An OPEN
// breaker whose recovery timeout has elapsed transitions to HALF_OPEN and
// allows one probe call.
func (b *Breaker) CanExecute(ctx context.Context, key string) (bool, error) {
	snap, ok, err := b.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || snap.State == StateClosed {
		return true, nil
	}

	switch snap.State {
	case StateOpen:
		if b.now().Sub(snap.LastFailure) < b.recovery {
			return false, nil
		}
		snap.State = StateHalfOpen
		snap.LastTransition = b.now()
		if err := b.store.Put(ctx, key, snap); err != nil {
			return false, err
		}
		slog.Info("circuit breaker half-open, allowing probe", "key", key)
		return true, nil
	case StateHalfOpen:
		return true, nil
	default:
		return true, nil
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) error {
	snap, ok, err := b.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok && snap.State != StateClosed {
		slog.Info("circuit breaker closed after successful call", "key", key)
	}
	if !ok {
		snap = Snapshot{}
	}
	snap.State = StateClosed
	snap.Failures = 0
	snap.LastTransition = b.now()
	return b.store.Put(ctx, key, snap)
}

// RecordFailure increments the failure count. A HALF_OPEN probe failure
// reopens immediately regardless of count; a CLOSED breaker opens once the
// count reaches the threshold.
func (b *Breaker) RecordFailure(ctx context.Context, key string) error {
	snap, ok, err := b.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		snap = Snapshot{State: StateClosed}
	}

	now := b.now()
	snap.Failures++
	snap.LastFailure = now

	switch {
	case snap.State == StateHalfOpen:
		snap.State = StateOpen
		snap.LastTransition = now
		slog.Warn("circuit breaker reopened after failed probe", "key", key)
	case snap.State == StateClosed && snap.Failures >= b.threshold:
		snap.State = StateOpen
		snap.LastTransition = now
		slog.Warn("circuit breaker opened",
			"key", key,
			"failures", snap.Failures,
			"recovery_timeout", b.recovery,
		)
	}

	return b.store.Put(ctx, key, snap)
}

// Current returns the breaker state for a key, for operator visibility.
func (b *Breaker) Current(ctx context.Context, key string) (State, error) {
	snap, ok, err := b.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return StateClosed, nil
	}
	return snap.State, nil
}
