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

package vaultreg

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/store"
)

// stubStore is a map-backed Store for registry tests.
type stubStore struct {
	mu        sync.Mutex
	contracts []*Contract
	pairReads int
}

func (s *stubStore) InsertContract(ctx context.Context, c *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.contracts {
		if have.Chain == c.Chain && have.Address == c.Address {
			return store.ErrDuplicate
		}
	}
	cp := *c
	s.contracts = append(s.contracts, &cp)
	return nil
}

func (s *stubStore) ContractByAddress(ctx context.Context, chain asset.Chain, address string) (*Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contracts {
		if c.Chain == chain && c.Address == address {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *stubStore) ContractsByPair(ctx context.Context, token asset.Token, chain asset.Chain) ([]*Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairReads++
	var out []*Contract
	for _, c := range s.contracts {
		if c.Token == token && c.Chain == chain {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) AllContracts(ctx context.Context) ([]*Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *stubStore) LeaseContract(ctx context.Context, token asset.Token, chain asset.Chain, feeBps, groupID int64, escrowID string) (*Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fallback *Contract
	for _, c := range s.contracts {
		if c.Token != token || c.Chain != chain || c.FeeBps != feeBps || c.InUseBy != "" {
			continue
		}
		if c.GroupID == groupID && groupID != 0 {
			c.InUseBy = escrowID
			cp := *c
			return &cp, nil
		}
		if c.GroupID == 0 && fallback == nil {
			fallback = c
		}
	}
	if fallback == nil {
		return nil, store.ErrNotFound
	}
	fallback.InUseBy = escrowID
	cp := *fallback
	return &cp, nil
}

func (s *stubStore) ReleaseContracts(ctx context.Context, escrowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.contracts {
		if c.InUseBy == escrowID {
			c.InUseBy = ""
			n++
		}
	}
	return n, nil
}

func (s *stubStore) UpdateContract(ctx context.Context, c *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.contracts {
		if have.Address == c.Address {
			cp := *c
			s.contracts[i] = &cp
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *stubStore) DeleteContract(ctx context.Context, chain asset.Chain, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.contracts {
		if c.Chain == chain && c.Address == address {
			s.contracts = append(s.contracts[:i], s.contracts[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

const vaultAddr = "0x4000000000000000000000000000000000000004"

// stdTier matches the fee encoding addVault registers.
var stdTier = FeeInfo{Percent: 0.25, Bps: 25}

func newTestRegistry(t *testing.T) (*Registry, *stubStore) {
	t.Helper()
	st := &stubStore{}
	r, err := New(st, nil)
	require.NoError(t, err)
	return r, st
}

func addVault(t *testing.T, r *Registry, addr string) {
	t.Helper()
	require.NoError(t, r.AddContract(context.Background(), &Contract{
		Token:      asset.TokenUSDT,
		Chain:      asset.ChainBSC,
		Address:    addr,
		FeePercent: 0.25,
		FeeBps:     25,
	}))
}

func TestAssignAndRelease(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	addVault(t, r, vaultAddr)

	c, err := r.Assign(ctx, "P2PMMX10000001", asset.TokenUSDT, asset.ChainBSC, stdTier, 0)
	require.NoError(t, err)
	require.Equal(t, vaultAddr, c.Address)
	require.Equal(t, "P2PMMX10000001", c.InUseBy)

	// Fleet of one: the next trade must wait.
	_, err = r.Assign(ctx, "P2PMMX10000002", asset.TokenUSDT, asset.ChainBSC, stdTier, 0)
	require.Equal(t, escrow.KindResourceExhausted, escrow.KindOf(err))

	require.NoError(t, r.Release(ctx, "P2PMMX10000001"))
	c, err = r.Assign(ctx, "P2PMMX10000002", asset.TokenUSDT, asset.ChainBSC, stdTier, 0)
	require.NoError(t, err)
	require.Equal(t, "P2PMMX10000002", c.InUseBy)
}

func TestAssignNormalizesAliases(t *testing.T) {
	r, _ := newTestRegistry(t)
	addVault(t, r, vaultAddr)

	c, err := r.Assign(context.Background(), "P2PMMX10000001", "usdt", "BEP20", stdTier, 0)
	require.NoError(t, err)
	require.Equal(t, asset.ChainBSC, c.Chain)
}

func TestAssignRejectsUnknownPair(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Assign(context.Background(), "P2PMMX10000001", "DOGE", "BSC", stdTier, 0)
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))
}

func TestAssignKeyedToFeeTier(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	// Two tiers on the same pair: the 0.25% vault and a 0.5% one.
	addVault(t, r, vaultAddr)
	require.NoError(t, r.AddContract(ctx, &Contract{
		Token: asset.TokenUSDT, Chain: asset.ChainBSC,
		Address:    "0x40000000000000000000000000000000000000bb",
		FeePercent: 0.5, FeeBps: 50,
	}))

	// A trade previews the cheapest tier...
	info, err := r.FeeFor(ctx, asset.TokenUSDT, asset.ChainBSC, 0)
	require.NoError(t, err)
	require.Equal(t, stdTier, info)

	// ...and then another trade takes the last 0.25% vault.
	_, err = r.Assign(ctx, "P2PMMX10000001", asset.TokenUSDT, asset.ChainBSC, stdTier, 0)
	require.NoError(t, err)

	// The first trade must not be handed the 0.5% vault at approval: the
	// tier on the summary is the tier leased, or nothing.
	_, err = r.Assign(ctx, "P2PMMX10000002", asset.TokenUSDT, asset.ChainBSC, info, 0)
	require.Equal(t, escrow.KindResourceExhausted, escrow.KindOf(err))

	// The 0.5% vault is still there for trades that agreed to that tier.
	c, err := r.Assign(ctx, "P2PMMX10000003", asset.TokenUSDT, asset.ChainBSC, FeeInfo{Percent: 0.5, Bps: 50}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(50), c.FeeBps)
}

func TestAssignHonorsRoomPin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	const room = int64(-100500)

	// An unpinned vault with a lower address plus one pinned to the room.
	addVault(t, r, vaultAddr)
	require.NoError(t, r.AddContract(ctx, &Contract{
		Token: asset.TokenUSDT, Chain: asset.ChainBSC,
		Address:    "0x4000000000000000000000000000000000000009",
		FeePercent: 0.25, FeeBps: 25,
		GroupID: room,
	}))

	// A trade in the pinned room gets its own vault first.
	c, err := r.Assign(ctx, "P2PMMX10000001", asset.TokenUSDT, asset.ChainBSC, stdTier, room)
	require.NoError(t, err)
	require.Equal(t, room, c.GroupID)

	// A trade elsewhere never touches the pinned vault, even when the
	// unpinned fleet runs dry.
	c, err = r.Assign(ctx, "P2PMMX10000002", asset.TokenUSDT, asset.ChainBSC, stdTier, -200)
	require.NoError(t, err)
	require.Zero(t, c.GroupID)
	require.NoError(t, r.Release(ctx, "P2PMMX10000001"))
	_, err = r.Assign(ctx, "P2PMMX10000003", asset.TokenUSDT, asset.ChainBSC, stdTier, -200)
	require.Equal(t, escrow.KindResourceExhausted, escrow.KindOf(err))
}

func TestFeeForPrefersRoomPin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	const room = int64(-100500)

	addVault(t, r, vaultAddr)
	require.NoError(t, r.AddContract(ctx, &Contract{
		Token: asset.TokenUSDT, Chain: asset.ChainBSC,
		Address:    "0x40000000000000000000000000000000000000bb",
		FeePercent: 0.5, FeeBps: 50,
		GroupID: room,
	}))

	// The pinned room previews its own vault's tier; everyone else gets
	// the cheapest unpinned one.
	info, err := r.FeeFor(ctx, asset.TokenUSDT, asset.ChainBSC, room)
	require.NoError(t, err)
	require.Equal(t, FeeInfo{Percent: 0.5, Bps: 50}, info)

	info, err = r.FeeFor(ctx, asset.TokenUSDT, asset.ChainBSC, -200)
	require.NoError(t, err)
	require.Equal(t, stdTier, info)
}

func TestAddContractChecksFeeEncoding(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.AddContract(context.Background(), &Contract{
		Token:      asset.TokenUSDT,
		Chain:      asset.ChainBSC,
		Address:    vaultAddr,
		FeePercent: 0.25,
		FeeBps:     30, // disagrees with 0.25%
	})
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))
}

func TestAddContractRejectsWrongFamilyAddress(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.AddContract(context.Background(), &Contract{
		Token:      asset.TokenUSDT,
		Chain:      asset.ChainTron,
		Address:    vaultAddr, // EVM hex on Tron
		FeePercent: 1,
		FeeBps:     100,
	})
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))
}

func TestFeeForCaches(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	addVault(t, r, vaultAddr)
	st.pairReads = 0

	info, err := r.FeeFor(ctx, asset.TokenUSDT, asset.ChainBSC, 0)
	require.NoError(t, err)
	require.Equal(t, stdTier, info)

	_, err = r.FeeFor(ctx, asset.TokenUSDT, asset.ChainBSC, 0)
	require.NoError(t, err)
	require.Equal(t, 1, st.pairReads, "second lookup served from cache")

	// Registering a vault invalidates the cache.
	require.NoError(t, r.AddContract(ctx, &Contract{
		Token: asset.TokenUSDT, Chain: asset.ChainBSC,
		Address:    "0x4000000000000000000000000000000000000005",
		FeePercent: 0.25, FeeBps: 25,
	}))
	_, err = r.FeeFor(ctx, asset.TokenUSDT, asset.ChainBSC, 0)
	require.NoError(t, err)
	require.Equal(t, 2, st.pairReads)
}

func TestRemoveContractRefusesLeased(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	addVault(t, r, vaultAddr)

	_, err := r.Assign(ctx, "P2PMMX10000001", asset.TokenUSDT, asset.ChainBSC, stdTier, 0)
	require.NoError(t, err)

	err = r.RemoveContract(ctx, asset.ChainBSC, vaultAddr)
	require.Equal(t, escrow.KindConflict, escrow.KindOf(err))

	require.NoError(t, r.Release(ctx, "P2PMMX10000001"))
	require.NoError(t, r.RemoveContract(ctx, asset.ChainBSC, vaultAddr))
}

func TestMigrateLegacyKeys(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	// Rows written by the old generation used alias chain names.
	st.contracts = append(st.contracts,
		&Contract{Token: "usdt", Chain: "BEP20", Address: vaultAddr, FeePercent: 0.25, FeeBps: 25},
		&Contract{Token: asset.TokenUSDC, Chain: asset.ChainETH, Address: "0x4000000000000000000000000000000000000006", FeePercent: 0.25, FeeBps: 25},
	)

	n, err := r.MigrateLegacyKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the alias row rewrites")

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, c := range all {
		if c.Address == vaultAddr {
			require.Equal(t, asset.TokenUSDT, c.Token, "legacy lowercase token rewritten")
			require.Equal(t, asset.ChainBSC, c.Chain, "legacy BEP20 chain rewritten")
		} else {
			require.Equal(t, asset.ChainETH, c.Chain, "canonical row untouched")
		}
	}

	// Second run is a no-op.
	n, err = r.MigrateLegacyKeys(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFeeAmount(t *testing.T) {
	// 0.25% of 100 USDT (6 decimals).
	fee := FeeAmount(big.NewInt(100_000_000), 25)
	require.Equal(t, int64(250_000), fee.Int64())

	// Rounds down on indivisible amounts.
	fee = FeeAmount(big.NewInt(3), 25)
	require.Zero(t, fee.Int64())

	require.Zero(t, FeeAmount(nil, 25).Int64())
	require.Zero(t, FeeAmount(big.NewInt(100), 0).Int64())
}
