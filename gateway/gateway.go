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

// Package gateway provides a chain-agnostic surface over the escrow vault
// contracts. One driver per chain implements the Driver interface; the
// Gateway validates input, resolves token contracts, applies the retry
// policy and dispatches to the right driver. Amounts cross this boundary
// exclusively as *big.Int base units.
package gateway

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
)

// TransferEvent is one decoded token transfer into a watched address.
// TxHash and LogIndex together form the dedupe key for deposit crediting.
type TransferEvent struct {
	TxHash      string
	LogIndex    uint
	From        string
	To          string
	Amount      *big.Int
	BlockNumber uint64
}

// FeeSettings is the fee configuration a vault reports through its view
// surface. The registry rows are audited against it so a redeployed or
// re-parameterized vault cannot silently disagree with what users are
// shown.
type FeeSettings struct {
	// FeeWallets lists the configured payout wallets in slot order, zero
	// slots omitted, in the chain's native rendering.
	FeeWallets []string
	// FeeBps is the on-chain feePercent() figure, in basis points.
	FeeBps int64
	// AccumulatedFees is the vault's retained fee balance in token base
	// units.
	AccumulatedFees *big.Int
}

// Driver is the per-chain backend. Implementations serialize their own
// owner-key nonce handling and classify every error they return.
type Driver interface {
	Chain() asset.Chain
	// OwnerAddress is the coordinator key's address in the chain's
	// native rendering.
	OwnerAddress() string
	LatestBlock(ctx context.Context) (uint64, error)
	TokenBalance(ctx context.Context, tokenContract, holder string) (*big.Int, error)
	// ScanTransfers returns the token transfers into `to` within the
	// inclusive block range, ordered by block then log index.
	ScanTransfers(ctx context.Context, tokenContract, to string, fromBlock, toBlock uint64) ([]TransferEvent, error)
	// FeeSettings reads the vault's fee views.
	FeeSettings(ctx context.Context, vault string) (FeeSettings, error)
	// Release submits vault.releaseFunds and returns the tx hash without
	// waiting for inclusion.
	Release(ctx context.Context, vault, tokenContract, recipient string, amount *big.Int) (string, error)
	// Withdraw submits vault.withdrawTokens and returns the tx hash
	// without waiting for inclusion.
	Withdraw(ctx context.Context, vault, tokenContract, recipient string, amount *big.Int) (string, error)
	// WaitMined blocks until the transaction is mined, returning an
	// ONCHAIN_REVERT classified error when it mined but failed.
	WaitMined(ctx context.Context, txHash string) error
}

// retryAttempts bounds submissions against transient RPC failure.
const retryAttempts = 3

// Gateway routes vault operations to chain drivers.
type Gateway struct {
	drivers map[asset.Chain]Driver
	tokens  map[asset.Chain]map[asset.Token]string
	log     log.Logger
}

// New builds a gateway over the given drivers. tokens maps chain and token
// to the deployed token contract address in that chain's rendering.
func New(drivers []Driver, tokens map[asset.Chain]map[asset.Token]string, logger log.Logger) *Gateway {
	byChain := make(map[asset.Chain]Driver, len(drivers))
	for _, d := range drivers {
		byChain[d.Chain()] = d
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Gateway{drivers: byChain, tokens: tokens, log: logger.New("component", "gateway")}
}

// Chains lists the chains with a wired driver.
func (g *Gateway) Chains() []asset.Chain {
	out := make([]asset.Chain, 0, len(g.drivers))
	for _, c := range asset.Chains() {
		if _, ok := g.drivers[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Supports reports whether a driver is wired for the chain.
func (g *Gateway) Supports(chain asset.Chain) bool {
	_, ok := g.drivers[chain]
	return ok
}

func (g *Gateway) driver(chain asset.Chain) (Driver, error) {
	d, ok := g.drivers[chain]
	if !ok {
		return nil, escrow.E(escrow.KindValidation, "no driver wired for chain %s", chain)
	}
	return d, nil
}

// TokenContract resolves the deployed contract address for a token on a
// chain.
func (g *Gateway) TokenContract(chain asset.Chain, token asset.Token) (string, error) {
	byToken, ok := g.tokens[chain]
	if !ok {
		return "", escrow.E(escrow.KindValidation, "no token contracts configured for chain %s", chain)
	}
	addr, ok := byToken[token]
	if !ok || addr == "" {
		return "", escrow.E(escrow.KindValidation, "no %s contract configured on %s", token, chain)
	}
	return addr, nil
}

// OwnerAddress returns the coordinator address on the chain.
func (g *Gateway) OwnerAddress(chain asset.Chain) (string, error) {
	d, err := g.driver(chain)
	if err != nil {
		return "", err
	}
	return d.OwnerAddress(), nil
}

// LatestBlock returns the chain head number.
func (g *Gateway) LatestBlock(ctx context.Context, chain asset.Chain) (uint64, error) {
	d, err := g.driver(chain)
	if err != nil {
		return 0, err
	}
	return d.LatestBlock(ctx)
}

// TokenBalance reads the token balance of an address, in base units.
func (g *Gateway) TokenBalance(ctx context.Context, chain asset.Chain, token asset.Token, holder string) (*big.Int, error) {
	d, err := g.driver(chain)
	if err != nil {
		return nil, err
	}
	if err := asset.ValidateAddress(chain, holder); err != nil {
		return nil, escrow.Wrap(escrow.KindValidation, err, "holder address")
	}
	contract, err := g.TokenContract(chain, token)
	if err != nil {
		return nil, err
	}
	return d.TokenBalance(ctx, contract, holder)
}

// ScanTransfers returns the token transfers into `to` over the block range.
func (g *Gateway) ScanTransfers(ctx context.Context, chain asset.Chain, token asset.Token, to string, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	d, err := g.driver(chain)
	if err != nil {
		return nil, err
	}
	contract, err := g.TokenContract(chain, token)
	if err != nil {
		return nil, err
	}
	return d.ScanTransfers(ctx, contract, to, fromBlock, toBlock)
}

// FeeSettings reads a vault's on-chain fee configuration.
func (g *Gateway) FeeSettings(ctx context.Context, chain asset.Chain, vault string) (FeeSettings, error) {
	d, err := g.driver(chain)
	if err != nil {
		return FeeSettings{}, err
	}
	if err := asset.ValidateAddress(chain, vault); err != nil {
		return FeeSettings{}, escrow.Wrap(escrow.KindValidation, err, "vault address")
	}
	return d.FeeSettings(ctx, vault)
}

// ReleaseFunds submits the vault release toward the buyer and returns the
// tx hash once the chain accepted it. Inclusion is confirmed separately
// through WaitMined so callers can persist the hash first.
func (g *Gateway) ReleaseFunds(ctx context.Context, chain asset.Chain, token asset.Token, vault, recipient string, amount *big.Int) (string, error) {
	return g.submit(ctx, chain, token, vault, recipient, amount, "release",
		func(d Driver, contract string) (string, error) {
			return d.Release(ctx, vault, contract, recipient, amount)
		})
}

// RefundFunds submits a vault withdrawal back toward the depositor and
// returns the tx hash once the chain accepted it.
func (g *Gateway) RefundFunds(ctx context.Context, chain asset.Chain, token asset.Token, vault, recipient string, amount *big.Int) (string, error) {
	return g.submit(ctx, chain, token, vault, recipient, amount, "refund",
		func(d Driver, contract string) (string, error) {
			return d.Withdraw(ctx, vault, contract, recipient, amount)
		})
}

// WithdrawTokens submits an operator withdrawal of arbitrary vault funds.
func (g *Gateway) WithdrawTokens(ctx context.Context, chain asset.Chain, token asset.Token, vault, recipient string, amount *big.Int) (string, error) {
	return g.submit(ctx, chain, token, vault, recipient, amount, "withdraw",
		func(d Driver, contract string) (string, error) {
			return d.Withdraw(ctx, vault, contract, recipient, amount)
		})
}

// WaitMined blocks until the named transaction is mined on the chain.
func (g *Gateway) WaitMined(ctx context.Context, chain asset.Chain, txHash string) error {
	d, err := g.driver(chain)
	if err != nil {
		return err
	}
	return d.WaitMined(ctx, txHash)
}

func (g *Gateway) submit(ctx context.Context, chain asset.Chain, token asset.Token, vault, recipient string, amount *big.Int, op string, call func(Driver, string) (string, error)) (string, error) {
	d, err := g.driver(chain)
	if err != nil {
		return "", err
	}
	if err := asset.ValidateAddress(chain, vault); err != nil {
		return "", escrow.Wrap(escrow.KindValidation, err, "vault address")
	}
	if err := asset.ValidateAddress(chain, recipient); err != nil {
		return "", escrow.Wrap(escrow.KindValidation, err, "recipient address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", escrow.E(escrow.KindValidation, "%s amount must be positive", op)
	}
	contract, err := g.TokenContract(chain, token)
	if err != nil {
		return "", err
	}
	logger := g.log.New("op", op, "chain", chain, "token", token, "vault", vault, "recipient", recipient, "amount", amount)

	var txHash string
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		hash, err := call(d, contract)
		if err != nil {
			if escrow.IsRetryable(err) {
				logger.Warn("Submission failed, retrying", "attempt", attempt, "err", err)
				return err
			}
			return backoff.Permanent(err)
		}
		txHash = hash
		return nil
	}, backoff.WithContext(newSubmitBackoff(), ctx))
	if err != nil {
		logger.Error("Submission failed", "attempts", attempt, "err", err)
		return "", err
	}
	logger.Info("Submitted transaction", "txhash", txHash, "attempts", attempt)
	return txHash, nil
}

func newSubmitBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, retryAttempts-1)
}

// revertMarkers are substrings RPC nodes use for mined-or-simulated
// execution failures.
var revertMarkers = []string{
	"execution reverted",
	"revert",
	"always failing transaction",
	"invalid opcode",
}

// ClassifyRPC maps a raw RPC error onto the failure taxonomy. Reverts are
// permanent, everything else at the transport level counts as transient.
// Already-classified errors pass through untouched.
func ClassifyRPC(err error, op string) error {
	if err == nil {
		return nil
	}
	var classified *escrow.Error
	if errors.As(err, &classified) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range revertMarkers {
		if strings.Contains(msg, marker) {
			return escrow.Wrap(escrow.KindOnchainRevert, err, "%s reverted", op)
		}
	}
	return escrow.Wrap(escrow.KindTransientChain, err, "%s", op)
}
