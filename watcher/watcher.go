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

// Package watcher scans the chains for deposits into leased vaults. One
// central scanner serves every awaiting_deposit trade: each tick it groups
// the open trades by chain, fetches each chain head once, scans the block
// window since the trade's cursor and feeds the transfers to the engine.
// Crediting is idempotent, so overlapping or replayed scans are harmless.
package watcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/gateway"
	"github.com/p2pmmx/escrowd/internal/metrics"
	"github.com/p2pmmx/escrowd/store"
)

// Engine is the slice of the trade engine the watcher feeds.
type Engine interface {
	CreditDeposits(ctx context.Context, escrowID string, transfers []escrow.Transfer, newCursor uint64) (*escrow.Escrow, error)
}

// Store lists the trades to scan.
type Store interface {
	EscrowByID(ctx context.Context, id string) (*escrow.Escrow, error)
	EscrowsByStatus(ctx context.Context, statuses ...escrow.Status) ([]*escrow.Escrow, error)
}

// ChainSource is the slice of the chain gateway the watcher reads. The
// gateway package's concrete type satisfies it as-is.
type ChainSource interface {
	Supports(chain asset.Chain) bool
	TokenContract(chain asset.Chain, token asset.Token) (string, error)
	LatestBlock(ctx context.Context, chain asset.Chain) (uint64, error)
	ScanTransfers(ctx context.Context, chain asset.Chain, token asset.Token, to string, fromBlock, toBlock uint64) ([]gateway.TransferEvent, error)
}

// Explorer is the fallback transfer source consulted when RPC scans keep
// coming back empty. Implementations return transfers INTO to, from the
// given cursor onward.
type Explorer interface {
	Configured(chain asset.Chain) bool
	TokenTransfers(ctx context.Context, chain asset.Chain, tokenContract, to string, fromBlock uint64) ([]gateway.TransferEvent, error)
}

// Config tunes the scanner.
type Config struct {
	// Interval between full scan passes.
	Interval time.Duration
	// ChainRate caps RPC calls per chain, in calls per second.
	ChainRate rate.Limit
	// ChainBurst is the limiter burst per chain.
	ChainBurst int
	// EmptyScanThreshold is how many consecutive empty RPC scans a trade
	// tolerates before the explorer fallback kicks in.
	EmptyScanThreshold int
	// MaxBlockSpan bounds one scan window so a long-idle cursor cannot
	// produce an unbounded log query. It is denominated in whatever unit
	// the chain's cursor uses: block numbers on EVM chains.
	MaxBlockSpan uint64
	// ChainSpans overrides MaxBlockSpan per chain, for chains whose
	// cursor is not a block number. Tron cursors are millisecond
	// timestamps, so its span must cover the wall-clock scan lag or the
	// cursor falls further behind the head on every tick.
	ChainSpans map[asset.Chain]uint64
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 7 * time.Second
	}
	if c.ChainRate <= 0 {
		c.ChainRate = 4
	}
	if c.ChainBurst <= 0 {
		c.ChainBurst = 2
	}
	if c.EmptyScanThreshold <= 0 {
		c.EmptyScanThreshold = 10
	}
	if c.MaxBlockSpan == 0 {
		c.MaxBlockSpan = 5000
	}
}

// Watcher is the central deposit scanner.
type Watcher struct {
	cfg      Config
	eng      Engine
	st       Store
	chains   ChainSource
	explorer Explorer
	tick     ticker.Ticker
	log      log.Logger

	limMu    sync.Mutex
	limiters map[asset.Chain]*rate.Limiter

	single   singleflight.Group
	inflight mapset.Set[string]

	emptyMu    sync.Mutex
	emptyScans map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds the scanner. explorer may be nil when no fallback is
// configured; tick is a ticker.New(cfg.Interval) in production and a
// ticker.Force in tests.
func New(cfg Config, eng Engine, st Store, chains ChainSource, explorer Explorer, tick ticker.Ticker, logger log.Logger) *Watcher {
	cfg.withDefaults()
	if logger == nil {
		logger = log.Root()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:        cfg,
		eng:        eng,
		st:         st,
		chains:     chains,
		explorer:   explorer,
		tick:       tick,
		log:        logger.New("component", "watcher"),
		limiters:   make(map[asset.Chain]*rate.Limiter),
		inflight:   mapset.NewSet[string](),
		emptyScans: make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
	}
}

// Start launches the scan loop. Idempotent.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		w.tick.Resume()
		w.wg.Add(1)
		go w.loop()
	})
}

// Stop halts the loop and waits for an in-flight pass. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.tick.Stop()
		w.cancel()
		close(w.quit)
		w.wg.Wait()
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.tick.Ticks():
			w.scanAll(w.ctx)
		case <-w.quit:
			return
		}
	}
}

// scanAll runs one pass over every trade waiting for a deposit.
func (w *Watcher) scanAll(ctx context.Context) {
	waiting, err := w.st.EscrowsByStatus(ctx, escrow.StatusAwaitingDeposit)
	if err != nil {
		w.log.Error("Listing awaiting trades failed", "err", err)
		return
	}
	if len(waiting) == 0 {
		return
	}

	byChain := make(map[asset.Chain][]*escrow.Escrow)
	for _, e := range waiting {
		if e.DepositAddress == "" {
			continue
		}
		byChain[e.Chain] = append(byChain[e.Chain], e)
	}

	for chain, group := range byChain {
		if !w.chains.Supports(chain) {
			w.log.Warn("No driver for chain, skipping scans", "chain", chain, "trades", len(group))
			continue
		}
		if err := w.limiter(chain).Wait(ctx); err != nil {
			return
		}
		head, err := w.chains.LatestBlock(ctx, chain)
		if err != nil {
			// Transient. The cursors stand still and the next tick retries.
			w.log.Warn("Chain head fetch failed", "chain", chain, "err", err)
			metrics.MarkRPCError(chain)
			continue
		}
		metrics.MarkScanPass(chain)
		for _, e := range group {
			if _, err := w.scanEscrow(ctx, e, head); err != nil {
				if escrow.KindOf(err) == escrow.KindConflict {
					// The trade moved on (cancelled, refunded) since the
					// listing; drop it.
					w.log.Debug("Trade no longer accepting deposits", "escrow", e.ID)
					w.resetEmpty(e.ID)
					continue
				}
				w.log.Warn("Deposit scan failed", "escrow", e.ID, "chain", chain, "err", err)
			}
		}
	}
}

// scanEscrow scans one trade's window up to head and credits the result.
// The cursor advances even on an empty window; crediting dedupes, so a
// replayed window never double-counts.
func (w *Watcher) scanEscrow(ctx context.Context, e *escrow.Escrow, head uint64) (*escrow.Escrow, error) {
	if !w.inflight.Add(e.ID) {
		return e, nil // a concurrent CheckNow holds this trade
	}
	defer w.inflight.Remove(e.ID)

	from := e.LastCheckedBlock + 1
	if head < from {
		return e, nil
	}
	to := head
	if span := w.spanFor(e.Chain); to-from+1 > span {
		to = from + span - 1
	}

	if err := w.limiter(e.Chain).Wait(ctx); err != nil {
		return nil, err
	}
	events, err := w.chains.ScanTransfers(ctx, e.Chain, e.Token, e.DepositAddress, from, to)
	if err != nil {
		metrics.MarkRPCError(e.Chain)
		return nil, err
	}
	transfers := toTransfers(events)

	if len(transfers) == 0 {
		if w.bumpEmpty(e.ID) >= w.cfg.EmptyScanThreshold {
			transfers = append(transfers, w.explorerScan(ctx, e, from)...)
		}
	}
	if len(transfers) > 0 {
		w.resetEmpty(e.ID)
	}
	sortTransfers(transfers)

	updated, err := w.eng.CreditDeposits(ctx, e.ID, transfers, to)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CheckNow scans one trade immediately, outside the tick cadence.
// Concurrent checks for the same trade collapse into one scan.
func (w *Watcher) CheckNow(ctx context.Context, escrowID string) (*escrow.Escrow, error) {
	v, err, _ := w.single.Do(escrowID, func() (any, error) {
		e, err := w.st.EscrowByID(ctx, escrowID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, escrow.Wrap(escrow.KindNotFound, err, "escrow %s", escrowID)
			}
			return nil, escrow.Wrap(escrow.KindInternal, err, "escrow %s", escrowID)
		}
		if e.Status != escrow.StatusAwaitingDeposit {
			return nil, escrow.E(escrow.KindConflict, "trade %s is not awaiting a deposit", e.ID)
		}
		if !w.chains.Supports(e.Chain) {
			return nil, escrow.E(escrow.KindValidation, "no driver wired for chain %s", e.Chain)
		}
		if err := w.limiter(e.Chain).Wait(ctx); err != nil {
			return nil, err
		}
		head, err := w.chains.LatestBlock(ctx, e.Chain)
		if err != nil {
			metrics.MarkRPCError(e.Chain)
			return nil, err
		}
		return w.scanEscrow(ctx, e, head)
	})
	if err != nil {
		return nil, err
	}
	return v.(*escrow.Escrow), nil
}

// explorerScan consults the fallback source. Failures only log; the RPC
// path remains authoritative and the next tick retries.
func (w *Watcher) explorerScan(ctx context.Context, e *escrow.Escrow, from uint64) []escrow.Transfer {
	if w.explorer == nil || !w.explorer.Configured(e.Chain) {
		return nil
	}
	contract, err := w.chains.TokenContract(e.Chain, e.Token)
	if err != nil {
		w.log.Warn("Explorer fallback skipped", "escrow", e.ID, "err", err)
		return nil
	}
	events, err := w.explorer.TokenTransfers(ctx, e.Chain, contract, e.DepositAddress, from)
	if err != nil {
		w.log.Warn("Explorer scan failed", "escrow", e.ID, "chain", e.Chain, "err", err)
		return nil
	}
	if len(events) > 0 {
		w.log.Info("Explorer fallback found transfers", "escrow", e.ID, "chain", e.Chain, "count", len(events))
	}
	return toTransfers(events)
}

// spanFor returns the scan window cap in the chain's cursor unit.
func (w *Watcher) spanFor(chain asset.Chain) uint64 {
	if span, ok := w.cfg.ChainSpans[chain]; ok && span > 0 {
		return span
	}
	return w.cfg.MaxBlockSpan
}

func (w *Watcher) limiter(chain asset.Chain) *rate.Limiter {
	w.limMu.Lock()
	defer w.limMu.Unlock()
	lim, ok := w.limiters[chain]
	if !ok {
		lim = rate.NewLimiter(w.cfg.ChainRate, w.cfg.ChainBurst)
		w.limiters[chain] = lim
	}
	return lim
}

func (w *Watcher) bumpEmpty(escrowID string) int {
	w.emptyMu.Lock()
	defer w.emptyMu.Unlock()
	w.emptyScans[escrowID]++
	return w.emptyScans[escrowID]
}

func (w *Watcher) resetEmpty(escrowID string) {
	w.emptyMu.Lock()
	defer w.emptyMu.Unlock()
	delete(w.emptyScans, escrowID)
}

func toTransfers(events []gateway.TransferEvent) []escrow.Transfer {
	if len(events) == 0 {
		return nil
	}
	out := make([]escrow.Transfer, 0, len(events))
	for _, ev := range events {
		out = append(out, escrow.Transfer{
			TxHash:   ev.TxHash,
			LogIndex: ev.LogIndex,
			From:     ev.From,
			Amount:   ev.Amount,
			Block:    ev.BlockNumber,
		})
	}
	return out
}

// sortTransfers orders by block, then hash, then log index, so crediting
// is deterministic even when RPC and explorer rows are merged.
func sortTransfers(transfers []escrow.Transfer) {
	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].Block != transfers[j].Block {
			return transfers[i].Block < transfers[j].Block
		}
		if transfers[i].TxHash != transfers[j].TxHash {
			return transfers[i].TxHash < transfers[j].TxHash
		}
		return transfers[i].LogIndex < transfers[j].LogIndex
	})
}
