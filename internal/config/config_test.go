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
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
coordinator:
  max_peers: 75
  endgame_threshold: 3
http_tracker:
  timeout: 20s
dht:
  port: 7881
rate_limit:
  egress_bytes_per_sec: 1048576
`

func writeTempConfig(t *testing.T, contents string) string {
	dir, err := ioutil.TempDir("", "corebt-config-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadParsesNestedComponentConfigs(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 75, c.Coordinator.MaxPeers)
	require.Equal(t, 3, c.Coordinator.EndgameThreshold)
	require.Equal(t, 20*time.Second, c.HTTPTracker.Timeout)
	require.Equal(t, 7881, c.DHT.Port)
	require.Equal(t, int64(1048576), c.RateLimit.EgressBytesPerSec)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	require.Error(t, err)
}
