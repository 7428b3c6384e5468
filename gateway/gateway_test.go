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

package gateway

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
)

const (
	testVault     = "0x1000000000000000000000000000000000000001"
	testToken     = "0x2000000000000000000000000000000000000002"
	testRecipient = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"
)

// fakeDriver scripts submission outcomes for dispatch tests.
type fakeDriver struct {
	chain    asset.Chain
	owner    string
	releases int
	waits    int
	fail     []error // consumed per release attempt; nil means success
	txHash   string
}

func (f *fakeDriver) Chain() asset.Chain   { return f.chain }
func (f *fakeDriver) OwnerAddress() string { return f.owner }

func (f *fakeDriver) LatestBlock(ctx context.Context) (uint64, error) { return 100, nil }

func (f *fakeDriver) TokenBalance(ctx context.Context, tokenContract, holder string) (*big.Int, error) {
	return big.NewInt(42), nil
}

func (f *fakeDriver) ScanTransfers(ctx context.Context, tokenContract, to string, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	return nil, nil
}

func (f *fakeDriver) FeeSettings(ctx context.Context, vault string) (FeeSettings, error) {
	return FeeSettings{
		FeeWallets:      []string{f.owner},
		FeeBps:          50,
		AccumulatedFees: big.NewInt(7),
	}, nil
}

func (f *fakeDriver) Release(ctx context.Context, vault, tokenContract, recipient string, amount *big.Int) (string, error) {
	f.releases++
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		if err != nil {
			return "", err
		}
	}
	return f.txHash, nil
}

func (f *fakeDriver) Withdraw(ctx context.Context, vault, tokenContract, recipient string, amount *big.Int) (string, error) {
	return f.Release(ctx, vault, tokenContract, recipient, amount)
}

func (f *fakeDriver) WaitMined(ctx context.Context, txHash string) error {
	f.waits++
	return nil
}

func newTestGateway(d *fakeDriver) *Gateway {
	tokens := map[asset.Chain]map[asset.Token]string{
		d.chain: {asset.TokenUSDT: testToken},
	}
	return New([]Driver{d}, tokens, nil)
}

func TestReleaseFundsDispatch(t *testing.T) {
	d := &fakeDriver{chain: asset.ChainBSC, owner: "0xowner", txHash: "0xabc"}
	g := newTestGateway(d)

	hash, err := g.ReleaseFunds(context.Background(), asset.ChainBSC, asset.TokenUSDT, testVault, testRecipient, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, "0xabc", hash)
	require.Equal(t, 1, d.releases)
}

func TestReleaseFundsUnknownChain(t *testing.T) {
	g := newTestGateway(&fakeDriver{chain: asset.ChainBSC, txHash: "0xabc"})

	_, err := g.ReleaseFunds(context.Background(), asset.ChainPolygon, asset.TokenUSDT, testVault, testRecipient, big.NewInt(1))
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))
}

func TestReleaseFundsRejectsBadInput(t *testing.T) {
	d := &fakeDriver{chain: asset.ChainBSC, txHash: "0xabc"}
	g := newTestGateway(d)
	ctx := context.Background()

	_, err := g.ReleaseFunds(ctx, asset.ChainBSC, asset.TokenUSDT, "not-an-address", testRecipient, big.NewInt(1))
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))

	// Tron-style recipient on an EVM chain must be refused.
	_, err = g.ReleaseFunds(ctx, asset.ChainBSC, asset.TokenUSDT, testVault, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", big.NewInt(1))
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))

	_, err = g.ReleaseFunds(ctx, asset.ChainBSC, asset.TokenUSDT, testVault, testRecipient, big.NewInt(0))
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))

	_, err = g.ReleaseFunds(ctx, asset.ChainBSC, asset.TokenUSDC, testVault, testRecipient, big.NewInt(1))
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err), "unconfigured token contract")

	require.Zero(t, d.releases, "driver must not be reached on invalid input")
}

func TestReleaseFundsRetriesTransient(t *testing.T) {
	transient := escrow.E(escrow.KindTransientChain, "connection reset")
	d := &fakeDriver{
		chain:  asset.ChainBSC,
		txHash: "0xabc",
		fail:   []error{transient, transient, nil},
	}
	g := newTestGateway(d)

	hash, err := g.ReleaseFunds(context.Background(), asset.ChainBSC, asset.TokenUSDT, testVault, testRecipient, big.NewInt(5))
	require.NoError(t, err)
	require.Equal(t, "0xabc", hash)
	require.Equal(t, 3, d.releases)
}

func TestReleaseFundsGivesUpAfterBudget(t *testing.T) {
	transient := escrow.E(escrow.KindTransientChain, "connection reset")
	d := &fakeDriver{
		chain: asset.ChainBSC,
		fail:  []error{transient, transient, transient, transient},
	}
	g := newTestGateway(d)

	_, err := g.ReleaseFunds(context.Background(), asset.ChainBSC, asset.TokenUSDT, testVault, testRecipient, big.NewInt(5))
	require.Equal(t, escrow.KindTransientChain, escrow.KindOf(err))
	require.Equal(t, 3, d.releases, "three attempts, then stop")
}

func TestReleaseFundsNeverRetriesRevert(t *testing.T) {
	d := &fakeDriver{
		chain: asset.ChainBSC,
		fail:  []error{escrow.E(escrow.KindOnchainRevert, "insufficient vault balance")},
	}
	g := newTestGateway(d)

	_, err := g.ReleaseFunds(context.Background(), asset.ChainBSC, asset.TokenUSDT, testVault, testRecipient, big.NewInt(5))
	require.Equal(t, escrow.KindOnchainRevert, escrow.KindOf(err))
	require.Equal(t, 1, d.releases)
}

func TestClassifyRPC(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want escrow.Kind
	}{
		{"revert string", errors.New("execution reverted: vault: not owner"), escrow.KindOnchainRevert},
		{"invalid opcode", errors.New("invalid opcode: INVALID"), escrow.KindOnchainRevert},
		{"network", errors.New("dial tcp: connection refused"), escrow.KindTransientChain},
		{"timeout", errors.New("context deadline exceeded"), escrow.KindTransientChain},
		{"passthrough", escrow.E(escrow.KindValidation, "bad address"), escrow.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, escrow.KindOf(ClassifyRPC(tt.err, "op")))
		})
	}
	require.NoError(t, ClassifyRPC(nil, "op"))
}

func TestTokenBalanceValidatesHolder(t *testing.T) {
	g := newTestGateway(&fakeDriver{chain: asset.ChainBSC})

	_, err := g.TokenBalance(context.Background(), asset.ChainBSC, asset.TokenUSDT, "junk")
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))

	bal, err := g.TokenBalance(context.Background(), asset.ChainBSC, asset.TokenUSDT, testRecipient)
	require.NoError(t, err)
	require.Equal(t, int64(42), bal.Int64())
}

func TestChainsListsWiredDrivers(t *testing.T) {
	g := newTestGateway(&fakeDriver{chain: asset.ChainBSC})
	require.Equal(t, []asset.Chain{asset.ChainBSC}, g.Chains())
	require.True(t, g.Supports(asset.ChainBSC))
	require.False(t, g.Supports(asset.ChainTron))
}

func TestFeeSettingsValidatesVault(t *testing.T) {
	g := newTestGateway(&fakeDriver{chain: asset.ChainBSC, owner: testRecipient})
	ctx := context.Background()

	_, err := g.FeeSettings(ctx, asset.ChainBSC, "junk")
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))

	settings, err := g.FeeSettings(ctx, asset.ChainBSC, testVault)
	require.NoError(t, err)
	require.Equal(t, int64(50), settings.FeeBps)
	require.Equal(t, []string{testRecipient}, settings.FeeWallets)
	require.Equal(t, int64(7), settings.AccumulatedFees.Int64())
}
