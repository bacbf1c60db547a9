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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/conversant/agentrt/pkg/apperr"
)

// RateLimiterConfig configures the shared limiter the model dispatcher
// routes raced provider calls through. A race fans one request out to
// several handlers at once, so without a gate a single chat turn could
// burn a provider's whole per-second quota.
type RateLimiterConfig struct {
	// Enabled turns the limiter on. Leave false for purely local
	// deployments (an Ollama endpoint has no quota to protect).
	Enabled bool

	// RequestsPerSecond refills the request bucket. Sized for the
	// tightest cloud tier in play; OpenAI and Anthropic entry tiers
	// both sit well above 2 rps.
	RequestsPerSecond float64

	// BurstCapacity is the bucket size: how many calls may go out
	// back-to-back before pacing kicks in. A provider race needs at
	// least the race width here or the losers stall on the bucket.
	BurstCapacity int

	// MinDelay spaces consecutive sends regardless of bucket state.
	MinDelay time.Duration

	// TokensPerMinute caps estimated token throughput over a sliding
	// minute; callers report usage via RecordTokenUsage. Zero
	// disables the token gate.
	TokensPerMinute int64

	// MaxWait bounds how long one call may sit waiting for admission
	// before it is dropped.
	MaxWait time.Duration

	// MaxRetries and RetryBackoff govern re-attempts after a
	// throttling response; backoff doubles per attempt.
	MaxRetries   int
	RetryBackoff time.Duration

	Logger *zap.Logger
}

// DefaultRateLimiterConfig returns defaults safe for the smallest
// OpenAI/Anthropic tiers while leaving a three-way provider race
// enough burst headroom.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 2.0,
		BurstCapacity:     4,
		MinDelay:          250 * time.Millisecond,
		TokensPerMinute:   40_000,
		MaxWait:           30 * time.Second,
		MaxRetries:        4,
		RetryBackoff:      time.Second,
		Logger:            zap.NewNop(),
	}
}

// RateLimiterMetrics is a point-in-time counter snapshot.
type RateLimiterMetrics struct {
	TotalRequests     int64
	ThrottledRequests int64
	DroppedRequests   int64
	TokensConsumed    int64
	LastThrottleTime  time.Time
}

type tokenSample struct {
	at     time.Time
	tokens int64
}

// RateLimiter paces model calls with a token bucket plus a minimum
// inter-send delay, enforces a sliding-minute token budget, and
// retries throttled calls with exponential backoff. Admission happens
// inline in Do under a mutex; there is no background worker to manage.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu         sync.Mutex
	bucket     float64
	lastRefill time.Time
	nextSend   time.Time

	windowMu sync.Mutex
	window   []tokenSample

	totalRequests     atomic.Int64
	throttledRequests atomic.Int64
	droppedRequests   atomic.Int64
	tokensConsumed    atomic.Int64
	lastThrottleMu    sync.Mutex
	lastThrottle      time.Time

	closed atomic.Bool
}

// NewRateLimiter builds a limiter, clamping nonsensical config values
// so a zero field can never divide by zero or deadlock admission.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.BurstCapacity <= 0 {
		cfg.BurstCapacity = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &RateLimiter{
		cfg:        cfg,
		bucket:     float64(cfg.BurstCapacity),
		lastRefill: time.Now(),
	}
}

// Close stops admitting new calls. In-flight calls finish normally.
func (rl *RateLimiter) Close() error {
	rl.closed.Store(true)
	return nil
}

// Do admits one model call through the limiter and retries it while
// the provider answers with throttling errors.
func (rl *RateLimiter) Do(ctx context.Context, call func(context.Context) (interface{}, error)) (interface{}, error) {
	if !rl.cfg.Enabled {
		return call(ctx)
	}
	if rl.closed.Load() {
		return nil, apperr.RateLimited("rate limiter closed")
	}
	rl.totalRequests.Add(1)

	deadline := time.Now().Add(rl.cfg.MaxWait)
	if err := rl.admit(ctx, deadline); err != nil {
		rl.droppedRequests.Add(1)
		return nil, err
	}

	backoff := rl.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= rl.cfg.MaxRetries; attempt++ {
		result, err := call(ctx)
		if err == nil || !IsThrottlingError(err) {
			return result, err
		}
		lastErr = err
		rl.throttledRequests.Add(1)
		rl.lastThrottleMu.Lock()
		rl.lastThrottle = time.Now()
		rl.lastThrottleMu.Unlock()

		if attempt == rl.cfg.MaxRetries {
			break
		}
		rl.cfg.Logger.Warn("provider throttled the request, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("request still throttled after %d attempts: %w", rl.cfg.MaxRetries+1, lastErr)
}

// admit blocks until the bucket, the min-delay spacing, and the token
// window all allow a send, or until ctx/deadline gives out.
func (rl *RateLimiter) admit(ctx context.Context, deadline time.Time) error {
	for {
		wait, ok := rl.tryAcquire()
		if ok {
			return nil
		}
		if time.Now().Add(wait).After(deadline) {
			return apperr.RateLimited("gave up waiting for rate limiter after %s", rl.cfg.MaxWait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// tryAcquire takes one request slot if everything permits, otherwise
// reports how long to wait before trying again.
func (rl *RateLimiter) tryAcquire() (wait time.Duration, ok bool) {
	if wait := rl.tokenWindowWait(); wait > 0 {
		return wait, false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.bucket += elapsed * rl.cfg.RequestsPerSecond
	if max := float64(rl.cfg.BurstCapacity); rl.bucket > max {
		rl.bucket = max
	}
	rl.lastRefill = now

	if rl.bucket < 1 {
		deficit := 1 - rl.bucket
		return time.Duration(deficit / rl.cfg.RequestsPerSecond * float64(time.Second)), false
	}
	if gap := rl.nextSend.Sub(now); gap > 0 {
		return gap, false
	}

	rl.bucket--
	rl.nextSend = now.Add(rl.cfg.MinDelay)
	return 0, true
}

// tokenWindowWait reports how long until the sliding-minute token
// budget has room again; zero means the gate is open.
func (rl *RateLimiter) tokenWindowWait() time.Duration {
	if rl.cfg.TokensPerMinute <= 0 {
		return 0
	}
	rl.windowMu.Lock()
	defer rl.windowMu.Unlock()

	rl.pruneWindowLocked(time.Now())
	var used int64
	for _, s := range rl.window {
		used += s.tokens
	}
	if used < rl.cfg.TokensPerMinute || len(rl.window) == 0 {
		return 0
	}
	// Budget is spent; wait for the oldest sample to age out.
	return time.Until(rl.window[0].at.Add(time.Minute))
}

// RecordTokenUsage reports estimated tokens a completed call consumed,
// feeding the sliding-minute budget.
func (rl *RateLimiter) RecordTokenUsage(tokens int64) {
	if tokens <= 0 {
		return
	}
	rl.tokensConsumed.Add(tokens)
	rl.windowMu.Lock()
	defer rl.windowMu.Unlock()
	now := time.Now()
	rl.pruneWindowLocked(now)
	rl.window = append(rl.window, tokenSample{at: now, tokens: tokens})
}

// GetTokenUsageLastMinute returns tokens consumed over the sliding
// minute.
func (rl *RateLimiter) GetTokenUsageLastMinute() int64 {
	rl.windowMu.Lock()
	defer rl.windowMu.Unlock()
	rl.pruneWindowLocked(time.Now())
	var total int64
	for _, s := range rl.window {
		total += s.tokens
	}
	return total
}

// pruneWindowLocked drops samples older than one minute. Callers hold
// windowMu.
func (rl *RateLimiter) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(rl.window) && !rl.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		rl.window = append(rl.window[:0], rl.window[i:]...)
	}
}

// GetMetrics returns a snapshot of the limiter's counters.
func (rl *RateLimiter) GetMetrics() RateLimiterMetrics {
	rl.lastThrottleMu.Lock()
	last := rl.lastThrottle
	rl.lastThrottleMu.Unlock()
	return RateLimiterMetrics{
		TotalRequests:     rl.totalRequests.Load(),
		ThrottledRequests: rl.throttledRequests.Load(),
		DroppedRequests:   rl.droppedRequests.Load(),
		TokensConsumed:    rl.tokensConsumed.Load(),
		LastThrottleTime:  last,
	}
}

// throttleMarkers are the substrings the configured providers put in
// throttling responses: HTTP 429 from OpenAI-compatible endpoints,
// Anthropic's rate_limit_error/overloaded_error families, and the
// generic phrasings local gateways tend to proxy through.
var throttleMarkers = []string{
	"429",
	"too many requests",
	"rate limit",
	"rate_limit",
	"throttl",
	"overloaded",
}

// IsThrottlingError reports whether err is a provider throttling
// response worth retrying: either this runtime's own rate-limited
// error kind, or a provider message carrying a known marker.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindRateLimited {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range throttleMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
