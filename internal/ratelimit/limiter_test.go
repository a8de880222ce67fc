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
package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestUnlimitedRateReservesImmediately(t *testing.T) {
	l := NewLimiter(Config{})
	err := l.ReserveEgress(context.Background(), 10_000_000)
	require.NoError(t, err)
}

func TestReserveRejectsOverBurst(t *testing.T) {
	l := NewLimiter(Config{EgressBytesPerSec: 1000})
	err := l.ReserveEgress(context.Background(), 2000)
	require.Error(t, err)
}

func TestReserveWithinBurstSucceeds(t *testing.T) {
	l := NewLimiter(Config{IngressBytesPerSec: 1000})
	err := l.ReserveIngress(context.Background(), 500)
	require.NoError(t, err)
}

func TestSpeedTrackerWindowedAverage(t *testing.T) {
	clk := clock.NewMock()
	tr := NewSpeedTrackerWithClock(clk)

	tr.Record(1000)
	clk.Add(10 * time.Second)
	tr.Record(1000)

	// 2000 bytes total spread over the trailing 20s window.
	require.InDelta(t, 100.0, tr.BytesPerSec(), 0.001)
}

func TestSpeedTrackerPrunesOldSamples(t *testing.T) {
	clk := clock.NewMock()
	tr := NewSpeedTrackerWithClock(clk)

	tr.Record(1000)
	clk.Add(25 * time.Second)

	require.Equal(t, 0.0, tr.BytesPerSec())
}
