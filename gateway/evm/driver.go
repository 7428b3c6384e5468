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

// Package evm drives the escrow vaults on Ethereum-compatible chains (BSC,
// Ethereum, Polygon) through a JSON-RPC endpoint. One driver instance owns
// one chain and one signing key; concurrent submissions are serialized so
// nonces stay dense.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/gateway"
	"github.com/p2pmmx/escrowd/gateway/vaultabi"
)

const (
	defaultReceiptInterval = 5 * time.Second
	defaultReceiptTimeout  = 10 * time.Minute
)

// Config carries one chain's endpoint and signing material.
type Config struct {
	Chain      asset.Chain
	RPCURL     string
	PrivateKey string // hex encoded owner key, 0x prefix optional

	// ChainID pins the signer; zero means query the node at startup.
	ChainID int64
	// GasLimit overrides estimation when non-zero.
	GasLimit uint64
	// GasPriceWei overrides the node's suggestion when non-empty
	// (decimal wei).
	GasPriceWei string

	ReceiptInterval time.Duration
	ReceiptTimeout  time.Duration
}

// Driver implements gateway.Driver over go-ethereum's RPC client.
type Driver struct {
	chain   asset.Chain
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	owner   common.Address
	chainID *big.Int

	gasLimit        uint64
	gasPrice        *big.Int
	receiptInterval time.Duration
	receiptTimeout  time.Duration

	// mu serializes nonce fetch, sign and send for the owner key.
	mu  sync.Mutex
	log log.Logger
}

// New dials the endpoint, derives the owner address and pins the chain id.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Driver, error) {
	if cfg.Chain.Family() != asset.FamilyEVM {
		return nil, escrow.E(escrow.KindValidation, "chain %s is not EVM", cfg.Chain)
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindTransientChain, err, "dial %s rpc", cfg.Chain)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, escrow.Wrap(escrow.KindValidation, err, "%s owner key", cfg.Chain)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			return nil, escrow.Wrap(escrow.KindTransientChain, err, "query %s chain id", cfg.Chain)
		}
	}
	var gasPrice *big.Int
	if cfg.GasPriceWei != "" {
		gasPrice, err = asset.ParseUnits(cfg.GasPriceWei, 0)
		if err != nil {
			return nil, escrow.Wrap(escrow.KindValidation, err, "%s gas price", cfg.Chain)
		}
	}
	d := &Driver{
		chain:           cfg.Chain,
		client:          client,
		key:             key,
		owner:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:         chainID,
		gasLimit:        cfg.GasLimit,
		gasPrice:        gasPrice,
		receiptInterval: cfg.ReceiptInterval,
		receiptTimeout:  cfg.ReceiptTimeout,
	}
	if d.receiptInterval <= 0 {
		d.receiptInterval = defaultReceiptInterval
	}
	if d.receiptTimeout <= 0 {
		d.receiptTimeout = defaultReceiptTimeout
	}
	if logger == nil {
		logger = log.Root()
	}
	d.log = logger.New("driver", "evm", "chain", cfg.Chain)
	d.log.Info("Chain driver ready", "owner", d.owner, "chainid", chainID)
	return d, nil
}

func (d *Driver) Chain() asset.Chain { return d.chain }

func (d *Driver) OwnerAddress() string { return d.owner.Hex() }

func (d *Driver) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := d.client.BlockNumber(ctx)
	if err != nil {
		return 0, gateway.ClassifyRPC(err, "latest block")
	}
	return n, nil
}

func (d *Driver) TokenBalance(ctx context.Context, tokenContract, holder string) (*big.Int, error) {
	data, err := vaultabi.PackBalanceOf(common.HexToAddress(holder))
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "pack balanceOf")
	}
	contract := common.HexToAddress(tokenContract)
	out, err := d.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, gateway.ClassifyRPC(err, "balanceOf")
	}
	bal, err := vaultabi.UnpackBalance(out)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "unpack balanceOf")
	}
	return bal, nil
}

// viewCall runs one no-argument vault view and returns the raw result.
func (d *Driver) viewCall(ctx context.Context, contract common.Address, name string) ([]byte, error) {
	data, err := vaultabi.PackVaultView(name)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "pack %s", name)
	}
	out, err := d.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, gateway.ClassifyRPC(err, name)
	}
	return out, nil
}

func (d *Driver) FeeSettings(ctx context.Context, vault string) (gateway.FeeSettings, error) {
	contract := common.HexToAddress(vault)

	out, err := d.viewCall(ctx, contract, "feePercent")
	if err != nil {
		return gateway.FeeSettings{}, err
	}
	bps, err := vaultabi.UnpackVaultUint("feePercent", out)
	if err != nil {
		return gateway.FeeSettings{}, escrow.Wrap(escrow.KindInternal, err, "unpack feePercent")
	}
	if !bps.IsInt64() {
		return gateway.FeeSettings{}, escrow.E(escrow.KindInternal, "vault %s reports absurd feePercent %s", vault, bps)
	}
	settings := gateway.FeeSettings{FeeBps: bps.Int64()}

	out, err = d.viewCall(ctx, contract, "accumulatedFees")
	if err != nil {
		return gateway.FeeSettings{}, err
	}
	settings.AccumulatedFees, err = vaultabi.UnpackVaultUint("accumulatedFees", out)
	if err != nil {
		return gateway.FeeSettings{}, escrow.Wrap(escrow.KindInternal, err, "unpack accumulatedFees")
	}

	for _, name := range vaultabi.FeeWalletViews {
		out, err = d.viewCall(ctx, contract, name)
		if err != nil {
			return gateway.FeeSettings{}, err
		}
		addr, err := vaultabi.UnpackVaultAddress(name, out)
		if err != nil {
			return gateway.FeeSettings{}, escrow.Wrap(escrow.KindInternal, err, "unpack %s", name)
		}
		if addr == (common.Address{}) {
			continue
		}
		settings.FeeWallets = append(settings.FeeWallets, addr.Hex())
	}
	return settings, nil
}

func (d *Driver) ScanTransfers(ctx context.Context, tokenContract, to string, fromBlock, toBlock uint64) ([]gateway.TransferEvent, error) {
	toAddr := common.HexToAddress(to)
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(tokenContract)},
		Topics: [][]common.Hash{
			{vaultabi.TransferTopic},
			nil,
			{common.BytesToHash(toAddr.Bytes())},
		},
	}
	logs, err := d.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, gateway.ClassifyRPC(err, "filter transfers")
	}
	events := make([]gateway.TransferEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := decodeTransferLog(lg)
		if err != nil {
			d.log.Warn("Skipping undecodable transfer log", "txhash", lg.TxHash, "index", lg.Index, "err", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (d *Driver) Release(ctx context.Context, vault, tokenContract, recipient string, amount *big.Int) (string, error) {
	data, err := vaultabi.PackRelease(common.HexToAddress(tokenContract), common.HexToAddress(recipient), amount)
	if err != nil {
		return "", escrow.Wrap(escrow.KindInternal, err, "pack releaseFunds")
	}
	return d.sendVaultTx(ctx, common.HexToAddress(vault), data, "releaseFunds")
}

func (d *Driver) Withdraw(ctx context.Context, vault, tokenContract, recipient string, amount *big.Int) (string, error) {
	data, err := vaultabi.PackWithdraw(common.HexToAddress(tokenContract), common.HexToAddress(recipient), amount)
	if err != nil {
		return "", escrow.Wrap(escrow.KindInternal, err, "pack withdrawTokens")
	}
	return d.sendVaultTx(ctx, common.HexToAddress(vault), data, "withdrawTokens")
}

// sendVaultTx builds, signs and submits one owner transaction against the
// vault. The signer lock is held across nonce fetch and send so parallel
// releases on the same chain cannot collide.
func (d *Driver) sendVaultTx(ctx context.Context, vault common.Address, data []byte, method string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nonce, err := d.client.NonceAt(ctx, d.owner, nil)
	if err != nil {
		return "", gateway.ClassifyRPC(err, "fetch nonce")
	}
	gasPrice := d.gasPrice
	if gasPrice == nil {
		gasPrice, err = d.client.SuggestGasPrice(ctx)
		if err != nil {
			return "", gateway.ClassifyRPC(err, "suggest gas price")
		}
	}
	gasLimit := d.gasLimit
	if gasLimit == 0 {
		est, err := d.client.EstimateGas(ctx, ethereum.CallMsg{From: d.owner, To: &vault, Data: data})
		if err != nil {
			// Reverts surface here before anything is spent.
			return "", gateway.ClassifyRPC(err, method)
		}
		gasLimit = est + est/5
	}

	sign := func(nonce uint64) (*types.Transaction, error) {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &vault,
			Data:     data,
		})
		return types.SignTx(tx, types.LatestSignerForChainID(d.chainID), d.key)
	}
	signed, err := sign(nonce)
	if err != nil {
		return "", escrow.Wrap(escrow.KindInternal, err, "sign %s", method)
	}
	err = d.client.SendTransaction(ctx, signed)
	if err != nil && isNonceErr(err) {
		d.log.Warn("Nonce rejected, refetching pending nonce", "method", method, "nonce", nonce, "err", err)
		nonce, err = d.client.PendingNonceAt(ctx, d.owner)
		if err != nil {
			return "", gateway.ClassifyRPC(err, "refetch nonce")
		}
		signed, err = sign(nonce)
		if err != nil {
			return "", escrow.Wrap(escrow.KindInternal, err, "sign %s", method)
		}
		err = d.client.SendTransaction(ctx, signed)
	}
	if err != nil {
		return "", gateway.ClassifyRPC(err, method)
	}
	d.log.Debug("Vault transaction sent", "method", method, "txhash", signed.Hash(), "nonce", nonce, "gas", gasLimit)
	return signed.Hash().Hex(), nil
}

func (d *Driver) WaitMined(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	timeout := time.NewTimer(d.receiptTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(d.receiptInterval)
	defer poll.Stop()

	for {
		receipt, err := d.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return escrow.E(escrow.KindOnchainRevert, "transaction %s reverted in block %d", txHash, receipt.BlockNumber)
		}
		if !errors.Is(err, ethereum.NotFound) {
			d.log.Debug("Receipt lookup failed", "txhash", txHash, "err", err)
		}
		select {
		case <-ctx.Done():
			return escrow.Wrap(escrow.KindTransientChain, ctx.Err(), "waiting for %s", txHash)
		case <-timeout.C:
			return escrow.E(escrow.KindTransientChain, "timed out waiting for %s", txHash)
		case <-poll.C:
		}
	}
}

// decodeTransferLog turns a raw ERC-20 Transfer log into a TransferEvent.
func decodeTransferLog(lg types.Log) (gateway.TransferEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != vaultabi.TransferTopic {
		return gateway.TransferEvent{}, errors.New("not an indexed Transfer log")
	}
	return gateway.TransferEvent{
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Amount:      new(big.Int).SetBytes(lg.Data),
		BlockNumber: lg.BlockNumber,
	}, nil
}

// nonceErrMarkers match the node-side rejections that mean our cached view
// of the account nonce went stale.
var nonceErrMarkers = []string{
	"nonce too low",
	"nonce is too low",
	"already known",
	"replacement transaction underpriced",
}

func isNonceErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonceErrMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
