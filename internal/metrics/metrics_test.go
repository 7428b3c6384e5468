// Copyright 2025 The escrowd Authors
// This file is part of the escrowd library.
//
// The escrowd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The escrowd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the escrowd library. If not, see <http://www.gnu.org/licenses/>.

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
)

type fakeEngine struct {
	feed  event.Feed
	stats map[escrow.Status]int64
}

func (f *fakeEngine) SubscribeEvents(ch chan<- escrow.Event) event.Subscription {
	return f.feed.Subscribe(ch)
}

func (f *fakeEngine) Stats(ctx context.Context) (map[escrow.Status]int64, error) {
	return f.stats, nil
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Counters are package globals, so every assertion works on deltas from
// the value captured before the events were sent.
func TestCollectorTranslatesFeed(t *testing.T) {
	fake := &fakeEngine{}
	c := NewCollector(fake, nil)
	c.Start()
	defer c.Stop()

	opened := testutil.ToFloat64(TradesOpened)
	open := testutil.ToFloat64(OpenTrades)
	credited := testutil.ToFloat64(DepositsCredited.WithLabelValues("BSC"))
	partial := testutil.ToFloat64(PartialDeposits)
	submitted := testutil.ToFloat64(Releases.WithLabelValues("submitted"))
	confirmed := testutil.ToFloat64(Releases.WithLabelValues("confirmed"))
	completed := testutil.ToFloat64(TradeOutcomes.WithLabelValues("completed"))

	e := &escrow.Escrow{ID: "P2PMMX10000001", Chain: asset.ChainBSC}
	fake.feed.Send(escrow.Event{Type: escrow.EventDealOpened, Escrow: e})
	fake.feed.Send(escrow.Event{Type: escrow.EventDepositCredited, Escrow: e})
	fake.feed.Send(escrow.Event{Type: escrow.EventPartialDeposit, Escrow: e})
	fake.feed.Send(escrow.Event{Type: escrow.EventReleaseSubmitted, Escrow: e})
	fake.feed.Send(escrow.Event{Type: escrow.EventCompleted, Escrow: e})

	waitUntil(t, func() bool {
		return testutil.ToFloat64(TradeOutcomes.WithLabelValues("completed")) == completed+1
	})
	require.Equal(t, opened+1, testutil.ToFloat64(TradesOpened))
	require.Equal(t, credited+1, testutil.ToFloat64(DepositsCredited.WithLabelValues("BSC")))
	require.Equal(t, partial+1, testutil.ToFloat64(PartialDeposits))
	require.Equal(t, submitted+1, testutil.ToFloat64(Releases.WithLabelValues("submitted")))
	require.Equal(t, confirmed+1, testutil.ToFloat64(Releases.WithLabelValues("confirmed")))
	// The completed trade left the open set it entered at deal time.
	require.Equal(t, open, testutil.ToFloat64(OpenTrades))
}

func TestCollectorCountsFailuresAndDisputes(t *testing.T) {
	fake := &fakeEngine{}
	c := NewCollector(fake, nil)
	c.Start()
	defer c.Stop()

	failed := testutil.ToFloat64(Releases.WithLabelValues("failed"))
	disputes := testutil.ToFloat64(Disputes)
	refunded := testutil.ToFloat64(TradeOutcomes.WithLabelValues("refunded"))
	refundsDone := testutil.ToFloat64(Refunds.WithLabelValues("confirmed"))
	cancelled := testutil.ToFloat64(TradeOutcomes.WithLabelValues("cancelled"))

	e := &escrow.Escrow{ID: "P2PMMX10000002", Chain: asset.ChainTron}
	fake.feed.Send(escrow.Event{Type: escrow.EventReleaseFailed, Escrow: e})
	fake.feed.Send(escrow.Event{Type: escrow.EventDisputed, Escrow: e})
	fake.feed.Send(escrow.Event{Type: escrow.EventRefundSubmitted, Escrow: e})
	fake.feed.Send(escrow.Event{Type: escrow.EventRefunded, Escrow: e})
	fake.feed.Send(escrow.Event{Type: escrow.EventCancelled, Escrow: e})

	waitUntil(t, func() bool {
		return testutil.ToFloat64(TradeOutcomes.WithLabelValues("cancelled")) == cancelled+1
	})
	require.Equal(t, failed+1, testutil.ToFloat64(Releases.WithLabelValues("failed")))
	require.Equal(t, disputes+1, testutil.ToFloat64(Disputes))
	require.Equal(t, refunded+1, testutil.ToFloat64(TradeOutcomes.WithLabelValues("refunded")))
	require.Equal(t, refundsDone+1, testutil.ToFloat64(Refunds.WithLabelValues("confirmed")))
}

func TestSyncSeedsOpenGaugeFromStore(t *testing.T) {
	fake := &fakeEngine{stats: map[escrow.Status]int64{
		escrow.StatusDraft:     1,
		escrow.StatusDeposited: 2,
		escrow.StatusCompleted: 9,
		escrow.StatusRefunded:  3,
		escrow.StatusCancelled: 4,
	}}
	c := NewCollector(fake, nil)
	defer c.Stop()

	require.NoError(t, c.Sync(context.Background()))
	require.Equal(t, float64(3), testutil.ToFloat64(OpenTrades))
}

func TestMarkHelpers(t *testing.T) {
	rpc := testutil.ToFloat64(RPCErrors.WithLabelValues("ETH"))
	scans := testutil.ToFloat64(ScanPasses.WithLabelValues("ETH"))
	quarantined := testutil.ToFloat64(RoomActions.WithLabelValues(RoomQuarantined))

	MarkRPCError(asset.ChainETH)
	MarkScanPass(asset.ChainETH)
	MarkRoom(RoomQuarantined)

	require.Equal(t, rpc+1, testutil.ToFloat64(RPCErrors.WithLabelValues("ETH")))
	require.Equal(t, scans+1, testutil.ToFloat64(ScanPasses.WithLabelValues("ETH")))
	require.Equal(t, quarantined+1, testutil.ToFloat64(RoomActions.WithLabelValues(RoomQuarantined)))
}
