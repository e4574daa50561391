/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"matrixinfer.ai/inferengine/pkg/config"
)

// GlobalRateLimiter enforces a cross-worker, per-user token budget
// using a Redis-backed sliding window — the distributed counterpart to
// RateLimiter's local token buckets. The teacher's TokenRateLimiter
// keyed this per model, with one process serving many models;
// this worker serves a single model per process, so the budget here is
// keyed per user instead (the teacher's global.go GlobalRateLimiter
// ported with that one axis changed).
type GlobalRateLimiter struct {
	client    *redis.Client
	keyPrefix string
	window    time.Duration
	inputCap  int64
	outputCap int64
}

// NewGlobalRateLimiter builds a GlobalRateLimiter from config, or nil
// (meaning: no cross-worker limiting) when cfg is nil or has no Redis
// address configured.
func NewGlobalRateLimiter(cfg *config.GlobalRateLimitConfig) *GlobalRateLimiter {
	if cfg == nil || cfg.RedisAddr == "" {
		return nil
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Second
	}
	return &GlobalRateLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}),
		keyPrefix: "inferengine:ratelimit",
		window:    window,
		inputCap:  int64(cfg.InputTokensPerWindow),
		outputCap: int64(cfg.OutputTokensPerWindow),
	}
}

// AllowInput reports whether userID may spend n more input tokens in
// the current window. A nil GlobalRateLimiter, an unconfigured input
// cap, or a Redis error (logged and failed open, since a down Redis
// should degrade to local-only limiting rather than stall intake) all
// allow the request.
func (g *GlobalRateLimiter) AllowInput(userID string, n int) error {
	if g == nil || g.inputCap <= 0 {
		return nil
	}
	total, err := g.recordAndSum(userID, "input", n)
	if err != nil {
		log.WithError(err).Warn("global rate limiter unavailable, failing open")
		return nil
	}
	if total > g.inputCap {
		return ErrRateLimitExceeded{LimitType: "global input"}
	}
	return nil
}

// RecordOutput debits n output tokens from userID's cross-worker
// window after generation, mirroring RateLimiter.RecordOutput.
func (g *GlobalRateLimiter) RecordOutput(userID string, n int) {
	if g == nil || n <= 0 || g.outputCap <= 0 {
		return
	}
	if _, err := g.recordAndSum(userID, "output", n); err != nil {
		log.WithError(err).Warn("global rate limiter record failed")
	}
}

// recordAndSum adds an n-token entry for userID/tokenType, prunes
// entries older than the window, and returns the window's new total —
// a Redis-pipelined sliding window, same algorithm as the teacher's
// GlobalRateLimiter.AllowN.
func (g *GlobalRateLimiter) recordAndSum(userID, tokenType string, n int) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := fmt.Sprintf("%s:%s:%s", g.keyPrefix, userID, tokenType)
	now := time.Now()
	windowStart := now.Add(-g.window)

	pipe := g.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.Unix()))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d:%d", now.UnixNano(), n),
	})
	pipe.Expire(ctx, key, g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	members, err := g.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", windowStart.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, member := range members {
		var ts, tokens int64
		if _, err := fmt.Sscanf(member, "%d:%d", &ts, &tokens); err == nil {
			total += tokens
		}
	}
	return total, nil
}
