// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversant/agentrt/pkg/apperr"
)

func TestDoDisabledCallsThrough(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Enabled: false})
	out, err := rl.Do(context.Background(), func(context.Context) (interface{}, error) {
		return "direct", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", out)
}

func TestDoRetriesThrottledCalls(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 100,
		BurstCapacity:     10,
		MaxRetries:        3,
		RetryBackoff:      time.Millisecond,
	})
	calls := 0
	out, err := rl.Do(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("429 Too Many Requests")
		}
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(2), rl.GetMetrics().ThrottledRequests)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 100,
		BurstCapacity:     10,
		MaxRetries:        1,
		RetryBackoff:      time.Millisecond,
	})
	_, err := rl.Do(context.Background(), func(context.Context) (interface{}, error) {
		return nil, errors.New("rate limit exceeded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestDoDoesNotRetryOrdinaryErrors(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 100,
		BurstCapacity:     10,
		MaxRetries:        5,
		RetryBackoff:      time.Millisecond,
	})
	calls := 0
	_, err := rl.Do(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestAdmissionPacesBeyondBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 50,
		BurstCapacity:     2,
		MaxWait:           time.Second,
	})
	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := rl.Do(context.Background(), func(context.Context) (interface{}, error) {
			return nil, nil
		})
		require.NoError(t, err)
	}
	// Two calls ride the burst; the next two wait for refill at 50
	// rps, so the batch cannot complete instantly.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAdmissionTimeoutDrops(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 0.001,
		BurstCapacity:     1,
		MaxWait:           20 * time.Millisecond,
	})
	// Drain the single burst slot.
	_, err := rl.Do(context.Background(), func(context.Context) (interface{}, error) { return nil, nil })
	require.NoError(t, err)

	_, err = rl.Do(context.Background(), func(context.Context) (interface{}, error) { return nil, nil })
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindRateLimited, e.Kind)
	assert.Equal(t, int64(1), rl.GetMetrics().DroppedRequests)
}

func TestTokenWindowAccounting(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Enabled: true, TokensPerMinute: 1000})
	rl.RecordTokenUsage(400)
	rl.RecordTokenUsage(250)
	assert.Equal(t, int64(650), rl.GetTokenUsageLastMinute())
	assert.Equal(t, int64(650), rl.GetMetrics().TokensConsumed)
}

func TestTokenWindowGatesAdmission(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 100,
		BurstCapacity:     10,
		TokensPerMinute:   100,
		MaxWait:           20 * time.Millisecond,
	})
	rl.RecordTokenUsage(100)

	_, err := rl.Do(context.Background(), func(context.Context) (interface{}, error) { return nil, nil })
	require.Error(t, err, "spent token budget must block admission until the window slides")
}

func TestCloseRejectsNewCalls(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	require.NoError(t, rl.Close())
	_, err := rl.Do(context.Background(), func(context.Context) (interface{}, error) { return nil, nil })
	require.Error(t, err)
}

func TestIsThrottlingError(t *testing.T) {
	assert.True(t, IsThrottlingError(errors.New("status 429")))
	assert.True(t, IsThrottlingError(errors.New("Too Many Requests")))
	assert.True(t, IsThrottlingError(errors.New("anthropic: overloaded_error")))
	assert.True(t, IsThrottlingError(errors.New("request was throttled")))
	assert.True(t, IsThrottlingError(apperr.RateLimited("at stream capacity")))
	assert.False(t, IsThrottlingError(nil))
	assert.False(t, IsThrottlingError(errors.New("connection refused")))
}
