// Copyright 2025 Tom Barlow
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

// Package ratelimit implements the per-key token-bucket limiter (spec.md
// §4.6). Each key (typically a procedure_id) gets its own bucket, lazily
// created under a creation lock.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/conductor/pkg/orcherr"
)

// pollInterval bounds how finely acquire sleeps while waiting for a token,
// per spec.md §4.6 ("sleeps in small increments (<=50ms)").
const pollInterval = 50 * time.Millisecond

func newBucket(maxPerMinute int) *rate.Limiter {
	capacity := float64(maxPerMinute)
	return rate.NewLimiter(rate.Limit(capacity/60.0), maxPerMinute)
}

// Limiter holds one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New returns an empty Limiter.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *Limiter) bucketFor(key string, maxPerMinute int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(maxPerMinute)
		l.buckets[key] = b
	}
	return b
}

// Acquire consumes one token from key's bucket (capacity = maxPerMinute,
// refill = capacity/60 tokens/sec, monotonic elapsed-time based via
// golang.org/x/time/rate), polling in pollInterval increments until a
// token is available, ctx is cancelled, or timeout elapses. A timeout of
// zero or less disables the deadline (ctx cancellation is still honored).
func (l *Limiter) Acquire(ctx context.Context, key string, maxPerMinute int, timeout time.Duration) error {
	if maxPerMinute <= 0 {
		maxPerMinute = 1
	}
	b := l.bucketFor(key, maxPerMinute)

	deadlineCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		deadlineCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if b.Allow() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadlineCtx.Done():
			return orcherr.New(orcherr.KindRateLimit, key, "timed out waiting for rate limit token")
		}
	}
}
