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

// Package daemon assembles the escrow coordinator from one configuration:
// storage, vault registry, chain gateway, room pool, scheduler, trade
// engine, deposit watcher, chat surface and ops API, with an ordered,
// idempotent lifecycle around them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/chat"
	"github.com/p2pmmx/escrowd/chat/telegram"
	"github.com/p2pmmx/escrowd/config"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/gateway"
	"github.com/p2pmmx/escrowd/gateway/evm"
	"github.com/p2pmmx/escrowd/gateway/tron"
	"github.com/p2pmmx/escrowd/internal/metrics"
	"github.com/p2pmmx/escrowd/opsapi"
	"github.com/p2pmmx/escrowd/roompool"
	"github.com/p2pmmx/escrowd/sched"
	"github.com/p2pmmx/escrowd/store/memstore"
	"github.com/p2pmmx/escrowd/store/mongostore"
	"github.com/p2pmmx/escrowd/vaultreg"
	"github.com/p2pmmx/escrowd/watcher"
)

// Store is the union of every subsystem's persistence surface. Both the
// in-memory and the Mongo-backed stores satisfy it.
type Store interface {
	escrow.Store
	roompool.Store
	vaultreg.Store
}

// Node is the assembled coordinator. Construct with New, run with Start,
// tear down with Stop; both lifecycle calls are idempotent.
type Node struct {
	cfg *config.Config
	log log.Logger

	store      Store
	closeStore func(context.Context) error

	registry  *vaultreg.Registry
	gate      *gateway.Gateway
	pool      *roompool.Pool
	sched     *sched.Scheduler
	engine    *escrow.Engine
	watch     *watcher.Watcher
	bot       *telegram.Bot
	flow      *chat.Flow
	router    *chat.Router
	ops       *opsapi.Server
	collector *metrics.Collector

	startOnce sync.Once
	stopOnce  sync.Once
}

// New validates the configuration and wires every subsystem. Chain
// drivers are dialed here; nothing else touches the network until Start.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Root()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, log: logger.New("component", "daemon")}

	if cfg.Dev || cfg.DB.URI == "" {
		n.store = memstore.New()
		n.log.Info("Using in-memory store")
	} else {
		ms, err := mongostore.Open(ctx, cfg.DB.URI, cfg.DB.Name, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		n.store = ms
		n.closeStore = ms.Close
	}

	reg, err := vaultreg.New(n.store, logger)
	if err != nil {
		return nil, fmt.Errorf("vault registry: %w", err)
	}
	n.registry = reg

	drivers, err := buildDrivers(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	n.gate = gateway.New(drivers, tokenMap(cfg), logger)

	var platform roompool.Platform
	if cfg.Chat.BotToken != "" {
		bot, err := telegram.New(telegram.Config{
			Token:       cfg.Chat.BotToken,
			BaseURL:     cfg.Chat.BaseURL,
			PollTimeout: cfg.Chat.PollTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		n.bot = bot
		platform = bot
	} else {
		n.log.Warn("Running without a chat platform; trades cannot be opened")
		platform = offlinePlatform{}
	}
	n.pool = roompool.New(n.store, platform, logger)

	clk := clock.NewDefaultClock()
	n.sched = sched.New(clk, logger)

	var admins []int64
	if cfg.Chat.AdminUserID != 0 {
		admins = append(admins, cfg.Chat.AdminUserID)
	}
	n.engine = escrow.NewEngine(escrow.EngineConfig{
		JoinTimeout:       cfg.Trade.JoinTimeout,
		InactivityTimeout: cfg.Trade.InactivityTimeout,
		RecycleGrace:      cfg.Trade.RecycleGrace,
		MinTradeAmount:    cfg.Trade.MinAmount,
		MaxTradeAmount:    cfg.Trade.MaxAmount,
		AdminUserIDs:      admins,
	}, n.store, roomService{n.pool}, vaultService{reg}, n.gate, n.sched, clk, logger)

	interval := cfg.Watcher.Interval
	if interval <= 0 {
		interval = 7 * time.Second
	}
	maxTimeSpan := cfg.Watcher.MaxTimeSpan
	if maxTimeSpan <= 0 {
		maxTimeSpan = 10 * time.Minute
	}
	n.watch = watcher.New(watcher.Config{
		Interval:           interval,
		ChainRate:          rate.Limit(cfg.Watcher.ChainRate),
		ChainBurst:         cfg.Watcher.ChainBurst,
		EmptyScanThreshold: cfg.Watcher.EmptyScanThreshold,
		MaxBlockSpan:       cfg.Watcher.MaxBlockSpan,
		// Tron cursors are millisecond timestamps, not block numbers, so
		// its window cap is a duration converted to ms.
		ChainSpans: map[asset.Chain]uint64{
			asset.ChainTron: uint64(maxTimeSpan / time.Millisecond),
		},
	}, n.engine, n.store, n.gate,
		watcher.NewHTTPExplorer(explorerEndpoints(cfg), logger),
		ticker.New(interval), logger)

	if n.bot != nil {
		n.flow = chat.NewFlow(chat.FlowConfig{
			MessageTTL:   cfg.Chat.MessageTTL,
			AdminChatID:  cfg.Chat.AdminUserID,
			AdminContact: cfg.Chat.AdminUsername,
		}, n.engine, n.bot, n.sched, logger)
		n.router = chat.NewRouter(chat.RouterConfig{
			MainGroupID: cfg.Chat.MainGroupID,
		}, n.engine, n.bot, n.watch, n.gate, logger)
	}

	n.collector = metrics.NewCollector(n.engine, logger)

	if cfg.Ops.Addr != "" {
		n.ops = opsapi.New(opsapi.Config{
			Addr:        cfg.Ops.Addr,
			JWTSecret:   cfg.Ops.JWTSecret,
			CORSDomains: cfg.Ops.CORSDomains,
			AdminUserID: cfg.Chat.AdminUserID,
		}, n.engine, n.store, n.pool, reg, n.gate, logger)
	}
	return n, nil
}

// Engine exposes the trade state machine, for tests and tooling.
func (n *Node) Engine() *escrow.Engine { return n.engine }

// OpsAddr returns the ops API's bound address, or empty when disabled.
func (n *Node) OpsAddr() string {
	if n.ops == nil {
		return ""
	}
	return n.ops.Addr()
}

// Start reconciles persisted state and then brings the subsystems up:
// scheduler, watcher, metrics, chat, ops API. A failure mid-start tears
// down whatever already runs.
func (n *Node) Start(ctx context.Context) error {
	var startErr error
	n.startOnce.Do(func() {
		n.log.Info("Starting escrow coordinator", "chains", n.gate.Chains(), "dev", n.cfg.Dev)

		// Reconciliation before anything ticks: rebuild timers for open
		// trades and finish interrupted releases, audit registry fees
		// against the deployed contracts, seed the open-trades gauge.
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			resumed, err := n.engine.ResumePending(gctx)
			if err != nil {
				return fmt.Errorf("resume trades: %w", err)
			}
			if resumed > 0 {
				n.log.Info("Resumed open trades", "count", resumed)
			}
			return nil
		})
		g.Go(func() error {
			n.auditFees(gctx)
			return nil
		})
		g.Go(func() error {
			return n.collector.Sync(gctx)
		})
		if err := g.Wait(); err != nil {
			startErr = err
			return
		}

		n.sched.Start()
		n.watch.Start()
		n.collector.Start()
		if n.bot != nil {
			if err := n.bot.Start(); err != nil {
				startErr = err
				n.Stop(ctx)
				return
			}
			n.flow.Start()
			n.router.Start(n.bot)
		}
		if n.ops != nil {
			if err := n.ops.Start(); err != nil {
				startErr = err
				n.Stop(ctx)
				return
			}
		}
		n.log.Info("Escrow coordinator up", "ops", n.OpsAddr())
	})
	return startErr
}

// Stop halts ingress first (ops, chat commands, deposit scans, timers),
// then the render pipeline and the feed, and closes the store last.
func (n *Node) Stop(ctx context.Context) error {
	var closeErr error
	n.stopOnce.Do(func() {
		n.log.Info("Stopping escrow coordinator")
		if n.ops != nil {
			n.ops.Stop()
		}
		if n.router != nil {
			n.router.Stop()
		}
		n.watch.Stop()
		n.sched.Stop()
		if n.flow != nil {
			n.flow.Stop()
		}
		if n.bot != nil {
			n.bot.Stop()
		}
		n.collector.Stop()
		n.engine.Close()
		if n.closeStore != nil {
			closeErr = n.closeStore(ctx)
		}
		n.log.Info("Escrow coordinator down")
	})
	return closeErr
}

// auditFees compares each registered vault's on-chain fee against its
// registry row. Drift only warns; the operator may be mid-redeploy.
func (n *Node) auditFees(ctx context.Context) {
	contracts, err := n.registry.List(ctx)
	if err != nil {
		n.log.Warn("Vault fee audit skipped", "err", err)
		return
	}
	for _, c := range contracts {
		if !n.gate.Supports(c.Chain) {
			continue
		}
		settings, err := n.gate.FeeSettings(ctx, c.Chain, c.Address)
		if err != nil {
			n.log.Warn("Vault fee unreadable", "chain", c.Chain, "vault", c.Address, "err", err)
			continue
		}
		if settings.FeeBps != c.FeeBps {
			n.log.Warn("Vault fee drift", "chain", c.Chain, "vault", c.Address,
				"registry_bps", c.FeeBps, "onchain_bps", settings.FeeBps)
		}
	}
}

// buildDrivers dials every configured chain, EVM endpoints in parallel.
// A chain whose signing key is missing is skipped with a warning rather
// than refused, so read-only dev setups stay usable.
func buildDrivers(ctx context.Context, cfg *config.Config, logger log.Logger) ([]gateway.Driver, error) {
	evmChains := []struct {
		chain asset.Chain
		conf  config.EVMChainConfig
	}{
		{asset.ChainBSC, cfg.Chains.BSC},
		{asset.ChainETH, cfg.Chains.ETH},
		{asset.ChainPolygon, cfg.Chains.Polygon},
	}

	var (
		mu      sync.Mutex
		drivers []gateway.Driver
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, cc := range evmChains {
		if cc.conf.RPCURL == "" {
			continue
		}
		if cfg.Chains.HotWalletKey == "" {
			logger.Warn("Skipping chain without a hot wallet key", "chain", cc.chain)
			continue
		}
		cc := cc
		g.Go(func() error {
			d, err := evm.New(gctx, evm.Config{
				Chain:       cc.chain,
				RPCURL:      cc.conf.RPCURL,
				PrivateKey:  cfg.Chains.HotWalletKey,
				ChainID:     cc.conf.ChainID,
				GasLimit:    cc.conf.GasLimit,
				GasPriceWei: cc.conf.GasPriceWei,
			}, logger)
			if err != nil {
				return fmt.Errorf("%s driver: %w", cc.chain, err)
			}
			mu.Lock()
			drivers = append(drivers, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if cfg.Chains.Tron.NodeURL != "" {
		if cfg.Chains.TronKey == "" {
			logger.Warn("Skipping Tron without an owner key")
		} else {
			d, err := tron.New(tron.Config{
				NodeURL:     cfg.Chains.Tron.NodeURL,
				EventsURL:   cfg.Chains.Tron.EventsURL,
				APIKey:      cfg.Chains.Tron.APIKey,
				PrivateKey:  cfg.Chains.TronKey,
				FeeLimitSun: cfg.Chains.Tron.FeeLimitSun,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("tron driver: %w", err)
			}
			drivers = append(drivers, d)
		}
	}
	return drivers, nil
}

// tokenMap pins the configured deposit token contracts per chain.
func tokenMap(cfg *config.Config) map[asset.Chain]map[asset.Token]string {
	tokens := make(map[asset.Chain]map[asset.Token]string)
	add := func(chain asset.Chain, token asset.Token, contract string) {
		if contract == "" {
			return
		}
		if tokens[chain] == nil {
			tokens[chain] = make(map[asset.Token]string)
		}
		tokens[chain][token] = contract
	}
	add(asset.ChainBSC, asset.TokenUSDT, cfg.Tokens.USDTBSC)
	add(asset.ChainBSC, asset.TokenUSDC, cfg.Tokens.USDCBSC)
	add(asset.ChainTron, asset.TokenUSDT, cfg.Tokens.USDTTron)
	return tokens
}

// explorerEndpoints maps the configured explorer bases for the watcher's
// fallback. Tron reuses the event API credentials.
func explorerEndpoints(cfg *config.Config) map[asset.Chain]watcher.ExplorerEndpoint {
	eps := make(map[asset.Chain]watcher.ExplorerEndpoint)
	evmChains := map[asset.Chain]config.EVMChainConfig{
		asset.ChainBSC:     cfg.Chains.BSC,
		asset.ChainETH:     cfg.Chains.ETH,
		asset.ChainPolygon: cfg.Chains.Polygon,
	}
	for chain, cc := range evmChains {
		if cc.ExplorerURL != "" {
			eps[chain] = watcher.ExplorerEndpoint{BaseURL: cc.ExplorerURL, APIKey: cc.ExplorerAPIKey}
		}
	}
	if cfg.Chains.Tron.NodeURL != "" {
		base := cfg.Chains.Tron.EventsURL
		if base == "" {
			base = cfg.Chains.Tron.NodeURL
		}
		eps[asset.ChainTron] = watcher.ExplorerEndpoint{BaseURL: base, APIKey: cfg.Chains.Tron.APIKey}
	}
	return eps
}

// roomService adapts the pool's room-returning surface onto the engine's
// narrower lease slice.
type roomService struct {
	pool *roompool.Pool
}

func (r roomService) Acquire(ctx context.Context, escrowID string) (int64, string, error) {
	room, err := r.pool.Acquire(ctx, escrowID)
	if err != nil {
		return 0, "", err
	}
	return room.GroupID, room.InviteLink, nil
}

func (r roomService) ApproveJoin(ctx context.Context, groupID, userID int64) error {
	return r.pool.ApproveJoin(ctx, groupID, userID)
}

func (r roomService) DeclineJoin(ctx context.Context, groupID, userID int64) error {
	return r.pool.DeclineJoin(ctx, groupID, userID)
}

func (r roomService) Recycle(ctx context.Context, groupID int64) error {
	return r.pool.Recycle(ctx, groupID)
}

// vaultService adapts the registry's contract rows onto the engine's
// address-and-fee slice.
type vaultService struct {
	reg *vaultreg.Registry
}

func (v vaultService) Assign(ctx context.Context, escrowID string, token asset.Token, chain asset.Chain, fee escrow.FeeTier, groupID int64) (string, error) {
	c, err := v.reg.Assign(ctx, escrowID, token, chain, vaultreg.FeeInfo{Percent: fee.Percent, Bps: fee.Bps}, groupID)
	if err != nil {
		return "", err
	}
	return c.Address, nil
}

func (v vaultService) Release(ctx context.Context, escrowID string) error {
	return v.reg.Release(ctx, escrowID)
}

func (v vaultService) FeeFor(ctx context.Context, token asset.Token, chain asset.Chain, groupID int64) (escrow.FeeTier, error) {
	info, err := v.reg.FeeFor(ctx, token, chain, groupID)
	if err != nil {
		return escrow.FeeTier{}, err
	}
	return escrow.FeeTier{Percent: info.Percent, Bps: info.Bps}, nil
}

// offlinePlatform stands in for the chat platform in dev runs without a
// bot token. Handing out a room fails cleanly; membership calls no-op so
// recycling seeded rooms still works.
type offlinePlatform struct{}

func (offlinePlatform) CreateInviteLink(context.Context, int64, string) (string, error) {
	return "", errors.New("no chat platform configured")
}

func (offlinePlatform) RevokeInviteLink(context.Context, int64, string) error  { return nil }
func (offlinePlatform) ApproveJoinRequest(context.Context, int64, int64) error { return nil }
func (offlinePlatform) DeclineJoinRequest(context.Context, int64, int64) error { return nil }
func (offlinePlatform) KickUser(context.Context, int64, int64) error           { return nil }
