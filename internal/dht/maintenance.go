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
package dht

import "time"

// maintenanceTick is how often the maintenance loop checks for stale
// buckets.
const maintenanceTick = time.Minute

// RunMaintenanceLoop periodically refreshes any bucket that has gone
// untouched for BucketRefreshInterval, by issuing a find_node for a random
// id falling in that bucket's range. Runs until done is closed.
func (s *Server) RunMaintenanceLoop(done <-chan struct{}) {
	ticker := s.clk.Ticker(maintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.refreshStaleBuckets()
		}
	}
}

func (s *Server) refreshStaleBuckets() {
	for _, idx := range s.Table.StaleBuckets() {
		target, err := s.Table.RandomIDInBucket(idx)
		if err != nil {
			continue
		}
		go s.FindNode(target)
	}
}
