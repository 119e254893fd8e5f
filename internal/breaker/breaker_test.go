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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBreaker returns a breaker with a controllable clock.
func testBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := New(NewMemoryStore(), threshold, recovery)
	b.now = func() time.Time { return now }
	return b, &now
}

func canExecute(t *testing.T, b *Breaker, key string) bool {
	t.Helper()
	ok, err := b.CanExecute(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	ctx := context.Background()
	b, _ := testBreaker(3, 15*time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
		assert.True(t, canExecute(t, b, "cfg-1"), "still closed after %d failures", i+1)
	}

	require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
	assert.False(t, canExecute(t, b, "cfg-1"), "open after 3 consecutive failures")

	state, err := b.Current(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b, _ := testBreaker(3, 15*time.Minute)

	require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
	require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
	require.NoError(t, b.RecordSuccess(ctx, "cfg-1"))

	// Two more failures must not open the breaker: the count restarted.
	require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
	require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
	assert.True(t, canExecute(t, b, "cfg-1"))
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	ctx := context.Background()
	b, now := testBreaker(3, 15*time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
	}
	assert.False(t, canExecute(t, b, "cfg-1"))

	*now = now.Add(14 * time.Minute)
	assert.False(t, canExecute(t, b, "cfg-1"), "still open before the timeout elapses")

	*now = now.Add(2 * time.Minute)
	assert.True(t, canExecute(t, b, "cfg-1"), "probe allowed after the timeout")

	state, err := b.Current(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	ctx := context.Background()
	b, now := testBreaker(3, 15*time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
	}
	*now = now.Add(16 * time.Minute)
	require.True(t, canExecute(t, b, "cfg-1"))

	require.NoError(t, b.RecordSuccess(ctx, "cfg-1"))

	state, err := b.Current(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
	assert.True(t, canExecute(t, b, "cfg-1"))
}

func TestBreaker_ProbeFailureReopensImmediately(t *testing.T) {
	ctx := context.Background()
	b, now := testBreaker(3, 15*time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
	}
	*now = now.Add(16 * time.Minute)
	require.True(t, canExecute(t, b, "cfg-1"))

	// One probe failure sends it straight back to OPEN with a fresh timer.
	require.NoError(t, b.RecordFailure(ctx, "cfg-1"))
	assert.False(t, canExecute(t, b, "cfg-1"))

	*now = now.Add(14 * time.Minute)
	assert.False(t, canExecute(t, b, "cfg-1"), "timer restarted by the probe failure")

	*now = now.Add(2 * time.Minute)
	assert.True(t, canExecute(t, b, "cfg-1"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	b, _ := testBreaker(3, 15*time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "cfg-bad"))
	}

	assert.False(t, canExecute(t, b, "cfg-bad"))
	assert.True(t, canExecute(t, b, "cfg-good"))
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b, _ := testBreaker(3, 15*time.Minute)
	assert.True(t, canExecute(t, b, "never-seen"))

	state, err := b.Current(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}
