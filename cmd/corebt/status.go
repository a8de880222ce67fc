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
package main

import (
	"fmt"
	"time"

	"github.com/kraken-torrent/corebt/internal/coordinator"
	"github.com/kraken-torrent/corebt/internal/piece"
)

// printStatus redraws a single status line every statusInterval for as long
// as the process runs; it never exits on its own (the caller's shutdown
// path tears down the goroutine along with everything else). Rates come
// from the coordinator's sliding-window ratelimit.SpeedTracker rather than
// being recomputed here from raw counter deltas.
func printStatus(coord *coordinator.Coordinator, manager *piece.Manager) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for range ticker.C {
		downRate := coord.DownloadSpeed()
		upRate := coord.UploadSpeed()

		pct := 100.0
		if manager.NumPieces() > 0 {
			pct = 100 * float64(manager.Downloaded()) / float64(manager.NumPieces())
		}

		mode := "[DOWNLOADING]"
		if manager.IsComplete() {
			mode = "[SEEDING]"
		}

		fmt.Printf("\r%s %5.1f%% | peers %2d | down %7s/s | up %7s/s  ",
			mode, pct, coord.PeerCount(), formatRate(downRate), formatRate(upRate))
	}
}

func formatRate(bytesPerSec float64) string {
	const unit = 1024.0
	if bytesPerSec < unit {
		return fmt.Sprintf("%.0fB", bytesPerSec)
	}
	div, exp := unit, 0
	for n := bytesPerSec / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := "KMGT"
	return fmt.Sprintf("%.1f%ciB", bytesPerSec/div, units[exp])
}
