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
	"sync"
	"time"

	"golang.org/x/time/rate"

	"matrixinfer.ai/inferengine/pkg/config"
)

// ErrRateLimitExceeded is returned by RateLimiter.AllowInput when a request
// would exceed either the configured input or output token budget.
type ErrRateLimitExceeded struct {
	LimitType string
}

func (e ErrRateLimitExceeded) Error() string {
	return "apiserver: " + e.LimitType + " token rate limit exceeded"
}

// RateLimiter enforces per-process input/output token budgets with
// token-bucket limiters, one bucket per direction (teacher's
// TokenRateLimiter does this per-model; this worker serves a single
// model per process, so one pair of buckets is enough).
type RateLimiter struct {
	mu     sync.RWMutex
	input  *rate.Limiter
	output *rate.Limiter
}

// NewRateLimiter builds a RateLimiter from config, or nil (meaning:
// unlimited) when cfg is nil.
func NewRateLimiter(cfg *config.RateLimitConfig) *RateLimiter {
	if cfg == nil {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		input:  rate.NewLimiter(rate.Limit(cfg.InputTokensPerSecond), burst),
		output: rate.NewLimiter(rate.Limit(cfg.OutputTokensPerSecond), burst),
	}
}

// AllowInput reports whether inputTokens may be admitted now, consuming
// them from the input bucket if so.
func (r *RateLimiter) AllowInput(inputTokens int) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.input.AllowN(time.Now(), inputTokens) {
		return ErrRateLimitExceeded{LimitType: "input"}
	}
	// Conservatively require at least one output token of headroom too,
	// so a request isn't admitted only to starve immediately on its
	// first generated token (teacher's ratelimit.go does the same
	// output-tokens-available check before admission).
	if r.output.Tokens() < 1.0 {
		return ErrRateLimitExceeded{LimitType: "output"}
	}
	return nil
}

// RecordOutput debits n tokens from the output bucket after generation,
// so steady decode throughput is what's actually metered.
func (r *RateLimiter) RecordOutput(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.output.AllowN(time.Now(), n)
}
