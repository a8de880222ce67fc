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

// Package config defines the top-level yaml configuration aggregating every
// component's settings, and the loader that reads it from disk.
package config

import (
	"fmt"
	"io/ioutil"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/kraken-torrent/corebt/internal/coordinator"
	"github.com/kraken-torrent/corebt/internal/dht"
	"github.com/kraken-torrent/corebt/internal/peerconn"
	"github.com/kraken-torrent/corebt/internal/ratelimit"
	"github.com/kraken-torrent/corebt/internal/tracker/httptracker"
	"github.com/kraken-torrent/corebt/internal/tracker/udptracker"
)

// Config is the full set of tunables for a corebt client instance.
type Config struct {
	Logging     zap.Config         `yaml:"logging"`
	PeerConn    peerconn.Config    `yaml:"peer_conn"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	HTTPTracker httptracker.Config `yaml:"http_tracker"`
	UDPTracker  udptracker.Config  `yaml:"udp_tracker"`
	DHT         dht.Config         `yaml:"dht"`
	RateLimit   ratelimit.Config   `yaml:"rate_limit"`
}

// Load reads and parses a yaml configuration file at path.
func Load(path string) (Config, error) {
	var c Config
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}
