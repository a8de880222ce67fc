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

// Package coordinator implements the top-level download control loop: the
// tracker refresh task, the bounded peer pool, and the piece assignment
// loop with endgame and seeding-mode transitions.
package coordinator

import "time"

// Config configures a Coordinator.
type Config struct {
	MaxPeers               int           `yaml:"max_peers"`
	AssignmentInterval     time.Duration `yaml:"assignment_interval"`
	EndgameThreshold       int           `yaml:"endgame_threshold"`
	PeerInactivityTimeout  time.Duration `yaml:"peer_inactivity_timeout"`
	AnnounceFallbackPeriod time.Duration `yaml:"announce_fallback_period"`
	AnnounceMaxRetries     int           `yaml:"announce_max_retries"`
	AnnounceBackoffStart   time.Duration `yaml:"announce_backoff_start"`
	AnnounceBackoffCap     time.Duration `yaml:"announce_backoff_cap"`
	PipelineLimit          int           `yaml:"pipeline_limit"`
	DHTLookupInterval      time.Duration `yaml:"dht_lookup_interval"`
	PexInterval            time.Duration `yaml:"pex_interval"`
}

func (c Config) applyDefaults() Config {
	if c.MaxPeers == 0 {
		c.MaxPeers = 50
	}
	if c.AssignmentInterval == 0 {
		c.AssignmentInterval = time.Second
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 5
	}
	if c.PeerInactivityTimeout == 0 {
		c.PeerInactivityTimeout = 60 * time.Second
	}
	if c.AnnounceFallbackPeriod == 0 {
		c.AnnounceFallbackPeriod = 30 * time.Minute
	}
	if c.AnnounceMaxRetries == 0 {
		c.AnnounceMaxRetries = 10
	}
	if c.AnnounceBackoffStart == 0 {
		c.AnnounceBackoffStart = time.Second
	}
	if c.AnnounceBackoffCap == 0 {
		c.AnnounceBackoffCap = 60 * time.Second
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 10
	}
	if c.DHTLookupInterval == 0 {
		c.DHTLookupInterval = 5 * time.Minute
	}
	if c.PexInterval == 0 {
		c.PexInterval = 60 * time.Second
	}
	return c
}
