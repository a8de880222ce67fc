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
package coordinator

import (
	"context"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/kraken-torrent/corebt/internal/tracker"
)

// TrackerEndpoint pairs an announce URL with the client that speaks its
// transport (HTTP or UDP).
type TrackerEndpoint struct {
	url    string
	client tracker.Client
}

// NewTrackerEndpoint pairs an announce URL with the client that should
// speak it, so callers outside this package can build the endpoint list
// passed to New without reaching into unexported fields.
func NewTrackerEndpoint(url string, client tracker.Client) TrackerEndpoint {
	return TrackerEndpoint{url: url, client: client}
}

// announceFunc builds the next announce request, reflecting the
// coordinator's current upload/download/left counters.
type announceFunc func(event tracker.Event) tracker.AnnounceRequest

// announcer drives the tracker refresh task described in SPEC_FULL.md
// §4.6(1): it announces event=started on the first successful contact,
// periodic neutral announces thereafter (interval from the tracker's
// response, falling back to AnnounceFallbackPeriod), and retries failures
// with exponential backoff capped at AnnounceBackoffCap for at most
// AnnounceMaxRetries retries after the first attempt before giving up on
// that round and waiting
// for the next periodic tick.
type announcer struct {
	config    Config
	clk       clock.Clock
	endpoints []TrackerEndpoint
	buildReq  announceFunc
	onPeers   func([]tracker.PeerAddr)
	logger    *zap.SugaredLogger
}

func newAnnouncer(
	config Config, clk clock.Clock, endpoints []TrackerEndpoint,
	buildReq announceFunc, onPeers func([]tracker.PeerAddr), logger *zap.SugaredLogger) *announcer {

	return &announcer{
		config:    config,
		clk:       clk,
		endpoints: endpoints,
		buildReq:  buildReq,
		onPeers:   onPeers,
		logger:    logger,
	}
}

// run drives the full tracker refresh lifecycle until done is closed or
// completed fires (signaling the coordinator entered seeding mode, at which
// point a final event=completed announce is sent before the loop exits to
// periodic neutral announces).
func (a *announcer) run(ctx context.Context, done <-chan struct{}, completed <-chan struct{}) {
	interval := a.config.AnnounceFallbackPeriod

	if resp, ok := a.announceWithRetry(ctx, tracker.EventStarted); ok {
		if resp.Interval > 0 {
			interval = time.Duration(resp.Interval) * time.Second
		}
	}

	ticker := a.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			a.announceWithRetry(ctx, tracker.EventStopped)
			return
		case <-completed:
			a.announceWithRetry(ctx, tracker.EventCompleted)
			completed = nil // only announce completion once
		case <-ticker.C:
			if resp, ok := a.announceWithRetry(ctx, tracker.EventNone); ok && resp.Interval > 0 {
				newInterval := time.Duration(resp.Interval) * time.Second
				if newInterval != interval {
					interval = newInterval
					ticker.Stop()
					ticker = a.clk.Ticker(interval)
				}
			}
		}
	}
}

// announceWithRetry tries every known tracker endpoint in order, retrying
// each with exponential backoff (1s, 2s, 4s, ... capped, ~10 attempts)
// before moving to the next endpoint. Peers from a successful response are
// always forwarded even if the interval/event bookkeeping fails downstream.
func (a *announcer) announceWithRetry(ctx context.Context, event tracker.Event) (tracker.AnnounceResponse, bool) {
	for _, ep := range a.endpoints {
		ep := ep
		var resp tracker.AnnounceResponse

		b := &backoff.ExponentialBackOff{
			InitialInterval:     a.config.AnnounceBackoffStart,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         a.config.AnnounceBackoffCap,
			MaxElapsedTime:      0,
			Clock:               backoff.SystemClock,
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.config.AnnounceMaxRetries)), ctx)

		op := func() error {
			req := a.buildReq(event)
			r, err := ep.client.Announce(ctx, ep.url, req)
			if err != nil {
				a.logger.Infow("tracker announce failed, retrying", "tracker", ep.url, "error", err)
				return err
			}
			resp = r
			return nil
		}

		if err := backoff.Retry(op, bo); err != nil {
			continue
		}
		if a.onPeers != nil {
			a.onPeers(resp.Peers)
		}
		return resp, true
	}
	return tracker.AnnounceResponse{}, false
}
