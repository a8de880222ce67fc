// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package ratelimit provides a per-direction token-bucket bandwidth
// limiter and a sliding-window instantaneous speed tracker.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/time/rate"
)

// Config configures a Limiter's egress and ingress rates, in bytes per
// second. A rate of 0 means unlimited.
type Config struct {
	EgressBytesPerSec  int64 `yaml:"egress_bytes_per_sec"`
	IngressBytesPerSec int64 `yaml:"ingress_bytes_per_sec"`
}

// Limiter enforces a token-bucket rate limit per direction. Bucket
// capacity equals one second's worth of the configured rate.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter creates a Limiter from config. A 0 rate for a direction
// short-circuits that direction's Reserve calls to an immediate success.
func NewLimiter(config Config) *Limiter {
	l := &Limiter{config: config}
	if config.EgressBytesPerSec > 0 {
		l.egress = rate.NewLimiter(rate.Limit(config.EgressBytesPerSec), int(config.EgressBytesPerSec))
	}
	if config.IngressBytesPerSec > 0 {
		l.ingress = rate.NewLimiter(rate.Limit(config.IngressBytesPerSec), int(config.IngressBytesPerSec))
	}
	return l
}

// ReserveEgress blocks until egress bandwidth for nbytes is available, or
// ctx is cancelled.
func (l *Limiter) ReserveEgress(ctx context.Context, nbytes int64) error {
	return reserve(ctx, l.egress, nbytes)
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available,
// or ctx is cancelled.
func (l *Limiter) ReserveIngress(ctx context.Context, nbytes int64) error {
	return reserve(ctx, l.ingress, nbytes)
}

func reserve(ctx context.Context, rl *rate.Limiter, nbytes int64) error {
	if rl == nil {
		return nil
	}
	if nbytes > int64(rl.Burst()) {
		return fmt.Errorf("ratelimit: cannot reserve %d bytes, max burst is %d", nbytes, rl.Burst())
	}
	r := rl.ReserveN(time.Now(), int(nbytes))
	if !r.OK() {
		return fmt.Errorf("ratelimit: cannot reserve %d bytes", nbytes)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// WindowDuration is the width of the sliding window SpeedTracker averages
// over.
const WindowDuration = 20 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// SpeedTracker computes an instantaneous transfer rate from a sliding
// window of recent byte-count samples.
type SpeedTracker struct {
	mu      sync.Mutex
	samples []sample
	clk     clock.Clock
}

// NewSpeedTracker creates a SpeedTracker using the real system clock.
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{clk: clock.New()}
}

// NewSpeedTrackerWithClock creates a SpeedTracker using clk as its time
// source, for deterministic tests.
func NewSpeedTrackerWithClock(clk clock.Clock) *SpeedTracker {
	return &SpeedTracker{clk: clk}
}

// Record adds a sample of nbytes transferred at the current time.
func (t *SpeedTracker) Record(nbytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, sample{at: t.clk.Now(), bytes: nbytes})
	t.prune()
}

// BytesPerSec returns the current speed: the sum of bytes recorded within
// the trailing WindowDuration, divided by the window length in seconds.
func (t *SpeedTracker) BytesPerSec() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	var total int64
	for _, s := range t.samples {
		total += s.bytes
	}
	return float64(total) / WindowDuration.Seconds()
}

// prune drops samples older than WindowDuration. Caller must hold t.mu.
func (t *SpeedTracker) prune() {
	cutoff := t.clk.Now().Add(-WindowDuration)
	i := 0
	for ; i < len(t.samples); i++ {
		if t.samples[i].at.After(cutoff) {
			break
		}
	}
	t.samples = t.samples[i:]
}
