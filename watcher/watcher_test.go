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

package watcher_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/gateway"
	"github.com/p2pmmx/escrowd/sched"
	"github.com/p2pmmx/escrowd/store/memstore"
	"github.com/p2pmmx/escrowd/watcher"
)

const (
	bscVault  = "0x00000000000000000000000000000000000000a1"
	tronVault = "TN3W4H6rK2ce4vX9YnFQHwKENnHjoxb3m9"
	depositor = "0x000000000000000000000000000000000000dead"
)

// nopRooms and nopVaults satisfy the engine's service interfaces; the
// crediting path never touches them.
type nopRooms struct{}

func (nopRooms) Acquire(context.Context, string) (int64, string, error) { return 0, "", nil }
func (nopRooms) ApproveJoin(context.Context, int64, int64) error        { return nil }
func (nopRooms) DeclineJoin(context.Context, int64, int64) error        { return nil }
func (nopRooms) Recycle(context.Context, int64) error                   { return nil }

type nopVaults struct{}

func (nopVaults) Assign(context.Context, string, asset.Token, asset.Chain, escrow.FeeTier, int64) (string, error) {
	return "", nil
}
func (nopVaults) Release(context.Context, string) error { return nil }
func (nopVaults) FeeFor(context.Context, asset.Token, asset.Chain, int64) (escrow.FeeTier, error) {
	return escrow.FeeTier{}, nil
}

type scanCall struct {
	chain    asset.Chain
	from, to uint64
}

// fakeChains satisfies both watcher.ChainSource and the engine's gateway
// interface. Scan responses are scripted per chain and popped in order.
type fakeChains struct {
	mu        sync.Mutex
	supported map[asset.Chain]bool
	heads     map[asset.Chain]uint64
	queues    map[asset.Chain][][]gateway.TransferEvent
	scanErr   error
	calls     []scanCall
}

func (f *fakeChains) Supports(chain asset.Chain) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supported[chain]
}

func (f *fakeChains) TokenContract(chain asset.Chain, token asset.Token) (string, error) {
	return "0x0000000000000000000000000000000000000055", nil
}

func (f *fakeChains) LatestBlock(ctx context.Context, chain asset.Chain) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads[chain], nil
}

func (f *fakeChains) ScanTransfers(ctx context.Context, chain asset.Chain, token asset.Token, to string, fromBlock, toBlock uint64) ([]gateway.TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scanCall{chain, fromBlock, toBlock})
	if f.scanErr != nil {
		err := f.scanErr
		f.scanErr = nil
		return nil, err
	}
	q := f.queues[chain]
	if len(q) == 0 {
		return nil, nil
	}
	resp := q[0]
	f.queues[chain] = q[1:]
	return resp, nil
}

func (f *fakeChains) ReleaseFunds(context.Context, asset.Chain, asset.Token, string, string, *big.Int) (string, error) {
	return "0xrel", nil
}
func (f *fakeChains) RefundFunds(context.Context, asset.Chain, asset.Token, string, string, *big.Int) (string, error) {
	return "0xref", nil
}
func (f *fakeChains) WaitMined(context.Context, asset.Chain, string) error { return nil }

func (f *fakeChains) setHead(chain asset.Chain, head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads[chain] = head
}

func (f *fakeChains) scanCalls() []scanCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scanCall(nil), f.calls...)
}

type explorerCall struct {
	chain asset.Chain
	to    string
	from  uint64
}

type fakeExplorer struct {
	mu     sync.Mutex
	chains map[asset.Chain]bool
	rows   []gateway.TransferEvent
	calls  []explorerCall
}

func (f *fakeExplorer) Configured(chain asset.Chain) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chains[chain]
}

func (f *fakeExplorer) TokenTransfers(ctx context.Context, chain asset.Chain, tokenContract, to string, fromBlock uint64) ([]gateway.TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, explorerCall{chain, to, fromBlock})
	return append([]gateway.TransferEvent(nil), f.rows...), nil
}

func (f *fakeExplorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	t    *testing.T
	ctx  context.Context
	st   *memstore.Store
	fc   *fakeChains
	fx   *fakeExplorer
	eng  *escrow.Engine
	tick *ticker.Force
	w    *watcher.Watcher
	schd *sched.Scheduler
}

func newHarness(t *testing.T, cfg watcher.Config) *harness {
	t.Helper()
	// Generous rate so tests never sit in the limiter.
	if cfg.ChainRate == 0 {
		cfg.ChainRate = 1000
	}
	if cfg.ChainBurst == 0 {
		cfg.ChainBurst = 100
	}
	h := &harness{
		t:   t,
		ctx: context.Background(),
		st:  memstore.New(),
		fc: &fakeChains{
			supported: map[asset.Chain]bool{asset.ChainBSC: true, asset.ChainTron: true},
			heads:     make(map[asset.Chain]uint64),
			queues:    make(map[asset.Chain][][]gateway.TransferEvent),
		},
		fx: &fakeExplorer{chains: make(map[asset.Chain]bool)},
	}
	clk := clock.NewTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	h.schd = sched.New(clk, nil)
	h.schd.Start()
	h.eng = escrow.NewEngine(escrow.EngineConfig{}, h.st, nopRooms{}, nopVaults{}, h.fc, h.schd, clk, nil)
	h.tick = ticker.NewForce(time.Hour)
	h.w = watcher.New(cfg, h.eng, h.st, h.fc, h.fx, h.tick, nil)
	t.Cleanup(func() {
		h.w.Stop()
		h.eng.Close()
		h.schd.Stop()
	})
	h.w.Start()
	return h
}

func (h *harness) seedAwaiting(id string, chain asset.Chain, vault string, cursor uint64) *escrow.Escrow {
	h.t.Helper()
	e := &escrow.Escrow{
		ID:               id,
		Status:           escrow.StatusAwaitingDeposit,
		CreatorID:        1,
		SellerID:         1,
		BuyerID:          2,
		AllowedUserIDs:   []int64{1, 2},
		ApprovedUserIDs:  []int64{1, 2},
		GroupID:          -100,
		Quantity:         "100",
		Token:            asset.TokenUSDT,
		Chain:            chain,
		DepositAddress:   vault,
		LastCheckedBlock: cursor,
	}
	require.NoError(h.t, h.st.CreateEscrow(h.ctx, e))
	return e
}

func (h *harness) state(id string) *escrow.Escrow {
	h.t.Helper()
	e, err := h.st.EscrowByID(h.ctx, id)
	require.NoError(h.t, err)
	return e
}

func (h *harness) forceTick() {
	h.t.Helper()
	select {
	case h.tick.Force <- time.Now():
	case <-time.After(2 * time.Second):
		h.t.Fatal("scan loop did not accept the tick")
	}
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

func units(t *testing.T, amount string, decimals uint8) *big.Int {
	t.Helper()
	n, err := asset.ParseUnits(amount, decimals)
	require.NoError(t, err)
	return n
}

func TestTickScansAwaitingTrades(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.seedAwaiting("P2PMMX10000001", asset.ChainBSC, bscVault, 500)
	h.seedAwaiting("P2PMMX10000002", asset.ChainTron, tronVault, 1_000_000)
	h.fc.setHead(asset.ChainBSC, 520)
	h.fc.setHead(asset.ChainTron, 1_000_500)
	h.fc.queues[asset.ChainBSC] = [][]gateway.TransferEvent{{
		{TxHash: "0xaaa", LogIndex: 3, From: depositor, To: bscVault,
			Amount: units(t, "60", 18), BlockNumber: 505},
	}}

	h.forceTick()
	waitUntil(t, func() bool { return h.state("P2PMMX10000001").LastCheckedBlock == 520 })
	waitUntil(t, func() bool { return h.state("P2PMMX10000002").LastCheckedBlock == 1_000_500 })

	funded := h.state("P2PMMX10000001")
	require.Equal(t, units(t, "60", 18).String(), funded.AccumulatedWei)
	require.True(t, funded.PartialChoiceOpen, "short deposit opens the partial prompt")
	require.Equal(t, escrow.StatusAwaitingDeposit, funded.Status)
	require.Equal(t, depositor, funded.DepositFromAddress)

	idle := h.state("P2PMMX10000002")
	require.Empty(t, idle.AccumulatedWei, "cursor advances without credits")

	calls := h.fc.scanCalls()
	require.Contains(t, calls, scanCall{asset.ChainBSC, 501, 520})
	require.Contains(t, calls, scanCall{asset.ChainTron, 1_000_001, 1_000_500})
}

func TestReplayedTransferCreditsOnce(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.seedAwaiting("P2PMMX10000001", asset.ChainBSC, bscVault, 500)
	h.fc.setHead(asset.ChainBSC, 520)
	dup := gateway.TransferEvent{
		TxHash: "0xaaa", LogIndex: 3, From: depositor, To: bscVault,
		Amount: units(t, "60", 18), BlockNumber: 505,
	}
	// The node hands back the same transfer in two consecutive windows.
	h.fc.queues[asset.ChainBSC] = [][]gateway.TransferEvent{{dup}, {dup}}

	e, err := h.w.CheckNow(h.ctx, "P2PMMX10000001")
	require.NoError(t, err)
	require.Equal(t, units(t, "60", 18).String(), e.AccumulatedWei)
	require.Equal(t, uint64(520), e.LastCheckedBlock)

	h.fc.setHead(asset.ChainBSC, 525)
	e, err = h.w.CheckNow(h.ctx, "P2PMMX10000001")
	require.NoError(t, err)
	require.Equal(t, units(t, "60", 18).String(), e.AccumulatedWei, "replay must not double-count")
	require.Equal(t, uint64(525), e.LastCheckedBlock)
	require.Len(t, e.PartialTxHashes, 1)
}

func TestScanErrorLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, watcher.Config{})
	h.seedAwaiting("P2PMMX10000001", asset.ChainBSC, bscVault, 500)
	h.fc.setHead(asset.ChainBSC, 520)
	h.fc.mu.Lock()
	h.fc.scanErr = escrow.E(escrow.KindTransientChain, "rpc down")
	h.fc.mu.Unlock()

	h.forceTick()
	waitUntil(t, func() bool { return len(h.fc.scanCalls()) >= 1 })
	cur := h.state("P2PMMX10000001")
	require.Equal(t, uint64(500), cur.LastCheckedBlock, "failed scan must not move the cursor")
	require.Empty(t, cur.AccumulatedWei)

	// The error was one-shot; the next tick recovers and advances.
	h.forceTick()
	waitUntil(t, func() bool { return h.state("P2PMMX10000001").LastCheckedBlock == 520 })
}

func TestExplorerFallbackAfterEmptyScans(t *testing.T) {
	h := newHarness(t, watcher.Config{EmptyScanThreshold: 2})
	h.seedAwaiting("P2PMMX10000001", asset.ChainBSC, bscVault, 500)
	h.fc.setHead(asset.ChainBSC, 520)
	h.fx.mu.Lock()
	h.fx.chains[asset.ChainBSC] = true
	h.fx.rows = []gateway.TransferEvent{{
		TxHash: "0xbbb", From: depositor, To: bscVault,
		Amount: units(t, "100", 18), BlockNumber: 515,
	}}
	h.fx.mu.Unlock()

	// First empty scan stays under the threshold: RPC only.
	h.forceTick()
	waitUntil(t, func() bool { return h.state("P2PMMX10000001").LastCheckedBlock == 520 })
	require.Zero(t, h.fx.callCount())

	// Second empty scan trips the fallback and the explorer row lands.
	h.fc.setHead(asset.ChainBSC, 540)
	h.forceTick()
	waitUntil(t, func() bool { return h.state("P2PMMX10000001").Status == escrow.StatusDeposited })

	require.Equal(t, 1, h.fx.callCount())
	h.fx.mu.Lock()
	require.Equal(t, explorerCall{asset.ChainBSC, bscVault, 521}, h.fx.calls[0])
	h.fx.mu.Unlock()
	require.Equal(t, units(t, "100", 18).String(), h.state("P2PMMX10000001").AccumulatedWei)
}

func TestScanWindowCapPerChainUnits(t *testing.T) {
	// Tron cursors are millisecond timestamps, so a block-denominated cap
	// would let the cursor fall further behind on every tick. The per-chain
	// override keeps the cap meaningful in each chain's native units.
	h := newHarness(t, watcher.Config{
		MaxBlockSpan: 5000,
		ChainSpans:   map[asset.Chain]uint64{asset.ChainTron: 600_000},
	})
	h.seedAwaiting("P2PMMX10000001", asset.ChainBSC, bscVault, 500)
	h.seedAwaiting("P2PMMX10000002", asset.ChainTron, tronVault, 1_000_000)
	h.fc.setHead(asset.ChainBSC, 50_000)
	h.fc.setHead(asset.ChainTron, 2_800_000) // 30 minutes behind in ms

	e, err := h.w.CheckNow(h.ctx, "P2PMMX10000001")
	require.NoError(t, err)
	require.Equal(t, uint64(5500), e.LastCheckedBlock)

	e, err = h.w.CheckNow(h.ctx, "P2PMMX10000002")
	require.NoError(t, err)
	require.Equal(t, uint64(1_600_000), e.LastCheckedBlock,
		"a 10 minute window must outpace the 7s tick, a 5000ms one cannot")

	calls := h.fc.scanCalls()
	require.Contains(t, calls, scanCall{asset.ChainBSC, 501, 5500})
	require.Contains(t, calls, scanCall{asset.ChainTron, 1_000_001, 1_600_000})
}

func TestCheckNowGuards(t *testing.T) {
	h := newHarness(t, watcher.Config{})

	_, err := h.w.CheckNow(h.ctx, "P2PMMX99999999")
	require.Equal(t, escrow.KindNotFound, escrow.KindOf(err))

	done := h.seedAwaiting("P2PMMX10000001", asset.ChainBSC, bscVault, 500)
	done.Status = escrow.StatusDeposited
	require.NoError(t, h.st.UpdateEscrow(h.ctx, done))
	_, err = h.w.CheckNow(h.ctx, done.ID)
	require.Equal(t, escrow.KindConflict, escrow.KindOf(err))

	// Known pair, but this deployment runs no Polygon driver.
	h.seedAwaiting("P2PMMX10000002", asset.ChainPolygon, bscVault, 500)
	_, err = h.w.CheckNow(h.ctx, "P2PMMX10000002")
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))
}
