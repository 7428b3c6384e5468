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

// Package vaultreg tracks the deployed escrow vault contracts and leases
// them to trades. Every (token, chain) pair owns a small fleet of vaults;
// a trade gets exclusive use of one from deal approval until its terminal
// state, so concurrent deposits can never land in the same address.
package vaultreg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/store"
)

// feeCacheSize bounds the per-pair fee cache. The pair space is tiny; the
// cache exists to keep summary renders off the database.
const feeCacheSize = 64

// Contract is one deployed vault. InUseBy carries the escrow id holding
// the lease, empty when free. GroupID pins the vault to one room: a
// pinned vault is leased only by trades running in that room, zero means
// any room may use it.
type Contract struct {
	Token      asset.Token `bson:"token" json:"token"`
	Chain      asset.Chain `bson:"chain" json:"chain"`
	Address    string      `bson:"contractAddress" json:"contractAddress"`
	FeePercent float64     `bson:"feePercent" json:"feePercent"`
	FeeBps     int64       `bson:"feeBps" json:"feeBps"`
	GroupID    int64       `bson:"groupId,omitempty" json:"groupId,omitempty"`
	InUseBy    string      `bson:"inUseBy,omitempty" json:"inUseBy,omitempty"`
	CreatedAt  time.Time   `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time   `bson:"updatedAt" json:"updatedAt"`
}

// Free reports whether the vault can be leased.
func (c *Contract) Free() bool { return c.InUseBy == "" }

// CheckFee verifies the redundant fee encoding: the basis-point figure
// must equal the rounded percent figure, and both must be sane.
func (c *Contract) CheckFee() error {
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return escrow.E(escrow.KindValidation, "fee percent %v out of range", c.FeePercent)
	}
	if want := int64(math.Round(c.FeePercent * 100)); want != c.FeeBps {
		return escrow.E(escrow.KindValidation, "fee mismatch: %v%% encodes to %d bps, row says %d", c.FeePercent, want, c.FeeBps)
	}
	return nil
}

// FeeInfo is the per-pair fee tier handed to renderers.
type FeeInfo struct {
	Percent float64
	Bps     int64
}

// FeeAmount computes the fee on an amount in base units, rounding down.
func FeeAmount(amount *big.Int, bps int64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps <= 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	return fee.Div(fee, big.NewInt(10_000))
}

// Store is the persistence surface the registry needs.
type Store interface {
	InsertContract(ctx context.Context, c *Contract) error
	ContractByAddress(ctx context.Context, chain asset.Chain, address string) (*Contract, error)
	ContractsByPair(ctx context.Context, token asset.Token, chain asset.Chain) ([]*Contract, error)
	AllContracts(ctx context.Context) ([]*Contract, error)
	// LeaseContract atomically claims one free vault of the pair carrying
	// exactly feeBps and returns it. Vaults pinned to groupID are claimed
	// first; vaults pinned to another room are never touched.
	// store.ErrNotFound means no vault of that tier is free.
	LeaseContract(ctx context.Context, token asset.Token, chain asset.Chain, feeBps, groupID int64, escrowID string) (*Contract, error)
	// ReleaseContracts frees every vault leased by the escrow and
	// returns how many were freed.
	ReleaseContracts(ctx context.Context, escrowID string) (int, error)
	UpdateContract(ctx context.Context, c *Contract) error
	DeleteContract(ctx context.Context, chain asset.Chain, address string) error
}

// Registry leases vaults and answers fee lookups.
type Registry struct {
	store Store
	fees  *lru.Cache
	log   log.Logger
}

// New builds a registry over the store.
func New(st Store, logger log.Logger) (*Registry, error) {
	cache, err := lru.New(feeCacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Registry{store: st, fees: cache, log: logger.New("component", "vaultreg")}, nil
}

// Assign leases a free vault of the pair at exactly the fee tier the
// parties approved, honoring the room's pin when one exists. A tier with
// no free vault reports RESOURCE_EXHAUSTED so the caller can tell users
// to retry later; a vault of another tier is never substituted.
func (r *Registry) Assign(ctx context.Context, escrowID string, token asset.Token, chain asset.Chain, fee FeeInfo, groupID int64) (*Contract, error) {
	token, chain, err := normalizePair(token, chain)
	if err != nil {
		return nil, err
	}
	c, err := r.store.LeaseContract(ctx, token, chain, fee.Bps, groupID, escrowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, escrow.E(escrow.KindResourceExhausted, "no free %s/%s vault at %v%%", token, chain, fee.Percent)
	}
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "lease vault")
	}
	r.log.Info("Vault leased", "escrow", escrowID, "token", token, "chain", chain, "vault", c.Address, "fee_bps", c.FeeBps)
	return c, nil
}

// Release frees every vault held by the escrow. Releasing an escrow that
// holds nothing is a no-op.
func (r *Registry) Release(ctx context.Context, escrowID string) error {
	n, err := r.store.ReleaseContracts(ctx, escrowID)
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "release vaults")
	}
	if n > 0 {
		r.log.Info("Vaults released", "escrow", escrowID, "count", n)
	}
	return nil
}

// FeeFor returns the fee tier a trade in the room would be assigned: the
// room's pinned vault when one exists, otherwise the cheapest unpinned
// tier of the pair. This is the tier Assign later leases against, so the
// figure shown on the deal summary is the figure charged. Cached;
// registry mutations purge the cache.
func (r *Registry) FeeFor(ctx context.Context, token asset.Token, chain asset.Chain, groupID int64) (FeeInfo, error) {
	token, chain, err := normalizePair(token, chain)
	if err != nil {
		return FeeInfo{}, err
	}
	key := fmt.Sprintf("%s|%s|%d", token, chain, groupID)
	if cached, ok := r.fees.Get(key); ok {
		return cached.(FeeInfo), nil
	}
	contracts, err := r.store.ContractsByPair(ctx, token, chain)
	if err != nil {
		return FeeInfo{}, escrow.Wrap(escrow.KindInternal, err, "load %s/%s contracts", token, chain)
	}
	var pick *Contract
	for _, c := range contracts {
		if groupID != 0 && c.GroupID == groupID {
			pick = c
			break
		}
		if c.GroupID != 0 {
			continue
		}
		if pick == nil || c.FeeBps < pick.FeeBps {
			pick = c
		}
	}
	if pick == nil {
		return FeeInfo{}, escrow.E(escrow.KindNotFound, "no %s/%s vaults registered", token, chain)
	}
	info := FeeInfo{Percent: pick.FeePercent, Bps: pick.FeeBps}
	r.fees.Add(key, info)
	return info, nil
}

// AddContract registers a deployed vault after validating address, pair
// and fee encoding.
func (r *Registry) AddContract(ctx context.Context, c *Contract) error {
	token, chain, err := normalizePair(c.Token, c.Chain)
	if err != nil {
		return err
	}
	c.Token, c.Chain = token, chain
	if err := asset.ValidateAddress(chain, c.Address); err != nil {
		return escrow.Wrap(escrow.KindValidation, err, "vault address")
	}
	if err := c.CheckFee(); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := r.store.InsertContract(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return escrow.E(escrow.KindConflict, "vault %s already registered on %s", c.Address, chain)
		}
		return escrow.Wrap(escrow.KindInternal, err, "insert contract")
	}
	r.fees.Purge()
	r.log.Info("Vault registered", "token", token, "chain", chain, "vault", c.Address, "fee_bps", c.FeeBps)
	return nil
}

// RemoveContract deletes a free vault from the fleet. A leased vault is a
// CONFLICT until its trade reaches a terminal state.
func (r *Registry) RemoveContract(ctx context.Context, chain asset.Chain, address string) error {
	chain, err := asset.NormalizeChain(string(chain))
	if err != nil {
		return escrow.Wrap(escrow.KindValidation, err, "chain")
	}
	c, err := r.store.ContractByAddress(ctx, chain, address)
	if errors.Is(err, store.ErrNotFound) {
		return escrow.E(escrow.KindNotFound, "vault %s not registered on %s", address, chain)
	}
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "load contract")
	}
	if !c.Free() {
		return escrow.E(escrow.KindConflict, "vault %s leased by %s", address, c.InUseBy)
	}
	if err := r.store.DeleteContract(ctx, chain, address); err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "delete contract")
	}
	r.fees.Purge()
	r.log.Info("Vault removed", "chain", chain, "vault", address)
	return nil
}

// List returns the whole fleet, for operator tooling.
func (r *Registry) List(ctx context.Context) ([]*Contract, error) {
	contracts, err := r.store.AllContracts(ctx)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "list contracts")
	}
	return contracts, nil
}

// MigrateLegacyKeys rewrites rows recorded under historical chain/token
// aliases (BEP20, ERC-20, TRC20, ...) to the canonical vocabulary. It
// returns how many rows were rewritten and is safe to run on every start.
func (r *Registry) MigrateLegacyKeys(ctx context.Context) (int, error) {
	contracts, err := r.store.AllContracts(ctx)
	if err != nil {
		return 0, escrow.Wrap(escrow.KindInternal, err, "load contracts")
	}
	migrated := 0
	for _, c := range contracts {
		token, chain, err := normalizePair(c.Token, c.Chain)
		if err != nil {
			r.log.Warn("Skipping unmigratable contract row", "token", c.Token, "chain", c.Chain, "vault", c.Address, "err", err)
			continue
		}
		if token == c.Token && chain == c.Chain {
			continue
		}
		// The (chain, address) pair is the row key, so a rewrite is a
		// delete under the legacy key plus an insert under the canonical
		// one.
		old := string(c.Token) + "/" + string(c.Chain)
		oldChain := c.Chain
		if err := r.store.DeleteContract(ctx, oldChain, c.Address); err != nil {
			return migrated, escrow.Wrap(escrow.KindInternal, err, "drop legacy %s row", old)
		}
		c.Token, c.Chain = token, chain
		c.UpdatedAt = time.Now().UTC()
		if err := r.store.InsertContract(ctx, c); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// A canonical row for this vault already exists; the
				// legacy duplicate is simply dropped.
				r.log.Warn("Dropped legacy duplicate contract row", "from", old, "vault", c.Address)
				migrated++
				continue
			}
			return migrated, escrow.Wrap(escrow.KindInternal, err, "rewrite %s row", old)
		}
		migrated++
		r.log.Info("Migrated legacy contract key", "from", old, "to", string(token)+"/"+string(chain), "vault", c.Address)
	}
	if migrated > 0 {
		r.fees.Purge()
	}
	return migrated, nil
}

func normalizePair(token asset.Token, chain asset.Chain) (asset.Token, asset.Chain, error) {
	t := asset.NormalizeToken(string(token))
	c, err := asset.NormalizeChain(string(chain))
	if err != nil {
		return "", "", escrow.Wrap(escrow.KindValidation, err, "chain")
	}
	if _, err := asset.Decimals(t, c); err != nil {
		return "", "", escrow.Wrap(escrow.KindValidation, err, "pair")
	}
	return t, c, nil
}
