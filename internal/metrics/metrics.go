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

// Package metrics holds the coordinator's prometheus instruments. Most
// counters are fed by the Collector consuming the engine event feed; the
// few moments the feed cannot see (watcher scan passes, RPC failures,
// room recycling) are incremented directly at their call sites.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
)

const namespace = "escrowd"

var (
	// TradesOpened counts rooms handed to new deals.
	TradesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trades", Name: "opened_total",
		Help: "Deals that acquired a room and published an invite.",
	})

	// TradeOutcomes counts trades reaching a terminal status, by outcome.
	TradeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trades", Name: "outcomes_total",
		Help: "Trades reaching a terminal status.",
	}, []string{"outcome"})

	// OpenTrades gauges trades not yet in a terminal status.
	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "trades", Name: "open",
		Help: "Trades currently in a non-terminal status.",
	})

	// Disputes counts raised disputes.
	Disputes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trades", Name: "disputes_total",
		Help: "Disputes raised by either side.",
	})

	// DepositsCredited counts credited vault transfers per chain.
	DepositsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "deposits", Name: "credited_total",
		Help: "Token transfers credited to a trade.",
	}, []string{"chain"})

	// PartialDeposits counts shortfalls that needed the seller's choice.
	PartialDeposits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "deposits", Name: "partial_total",
		Help: "Deposits that arrived short of the agreed quantity.",
	})

	// Releases counts release progress by result.
	Releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "chain", Name: "releases_total",
		Help: "Vault releases by result.",
	}, []string{"result"})

	// Refunds counts refund progress by result.
	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "chain", Name: "refunds_total",
		Help: "Vault refunds by result.",
	}, []string{"result"})

	// RPCErrors counts failed chain calls per chain, incremented by the
	// watcher scan loop.
	RPCErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "chain", Name: "rpc_errors_total",
		Help: "Failed chain RPC operations.",
	}, []string{"chain"})

	// ScanPasses counts deposit scan passes per chain.
	ScanPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "watcher", Name: "scans_total",
		Help: "Deposit scan passes.",
	}, []string{"chain"})

	// RoomActions counts pool transitions (lease, recycle, quarantine),
	// incremented by the room pool at each transition site.
	RoomActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "rooms", Name: "actions_total",
		Help: "Room pool transitions.",
	}, []string{"action"})
)

// Room action label values.
const (
	RoomLeased      = "leased"
	RoomRecycled    = "recycled"
	RoomQuarantined = "quarantined"
)

// MarkRPCError increments the per-chain RPC failure counter.
func MarkRPCError(chain asset.Chain) {
	RPCErrors.WithLabelValues(string(chain)).Inc()
}

// MarkScanPass increments the per-chain scan counter.
func MarkScanPass(chain asset.Chain) {
	ScanPasses.WithLabelValues(string(chain)).Inc()
}

// MarkRoom increments a room pool transition counter.
func MarkRoom(action string) {
	RoomActions.WithLabelValues(action).Inc()
}

// Handler serves the exposition endpoint for everything registered above.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EngineFeed is the slice of the engine the collector consumes.
type EngineFeed interface {
	SubscribeEvents(ch chan<- escrow.Event) event.Subscription
	Stats(ctx context.Context) (map[escrow.Status]int64, error)
}

// collectorBuffer absorbs event bursts so the engine feed never blocks on
// metric bookkeeping.
const collectorBuffer = 128

// Collector turns engine events into instrument updates. One goroutine
// consumes the feed; ordering does not matter since counters only go up.
type Collector struct {
	eng EngineFeed
	log log.Logger

	events chan escrow.Event
	sub    event.Subscription

	wg        sync.WaitGroup
	quit      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewCollector subscribes to the engine feed. Call Start to begin
// consuming and Stop to tear down.
func NewCollector(eng EngineFeed, logger log.Logger) *Collector {
	if logger == nil {
		logger = log.Root()
	}
	c := &Collector{
		eng:    eng,
		log:    logger.New("component", "metrics"),
		events: make(chan escrow.Event, collectorBuffer),
		quit:   make(chan struct{}),
	}
	c.sub = eng.SubscribeEvents(c.events)
	return c
}

// Sync seeds the open-trades gauge from the store so the figure survives
// restarts. Call once on startup.
func (c *Collector) Sync(ctx context.Context) error {
	counts, err := c.eng.Stats(ctx)
	if err != nil {
		return err
	}
	var open int64
	for status, n := range counts {
		if !status.Terminal() {
			open += n
		}
	}
	OpenTrades.Set(float64(open))
	return nil
}

// Start begins consuming the feed.
func (c *Collector) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.loop()
	})
}

// Stop unsubscribes and waits for the consumer to drain.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.sub.Unsubscribe()
		close(c.quit)
		c.wg.Wait()
	})
}

func (c *Collector) loop() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case err := <-c.sub.Err():
			if err != nil {
				c.log.Warn("Metrics feed closed", "err", err)
			}
			return
		case <-c.quit:
			return
		}
	}
}

func (c *Collector) handle(ev escrow.Event) {
	switch ev.Type {
	case escrow.EventDealOpened:
		TradesOpened.Inc()
		OpenTrades.Inc()
	case escrow.EventDepositCredited:
		DepositsCredited.WithLabelValues(string(ev.Escrow.Chain)).Inc()
	case escrow.EventPartialDeposit:
		PartialDeposits.Inc()
	case escrow.EventReleaseSubmitted:
		Releases.WithLabelValues("submitted").Inc()
	case escrow.EventReleaseFailed:
		Releases.WithLabelValues("failed").Inc()
	case escrow.EventCompleted:
		Releases.WithLabelValues("confirmed").Inc()
		TradeOutcomes.WithLabelValues("completed").Inc()
		OpenTrades.Dec()
	case escrow.EventRefundSubmitted:
		Refunds.WithLabelValues("submitted").Inc()
	case escrow.EventRefunded:
		Refunds.WithLabelValues("confirmed").Inc()
		TradeOutcomes.WithLabelValues("refunded").Inc()
		OpenTrades.Dec()
	case escrow.EventCancelled:
		TradeOutcomes.WithLabelValues("cancelled").Inc()
		OpenTrades.Dec()
	case escrow.EventDisputed:
		Disputes.Inc()
	}
}
