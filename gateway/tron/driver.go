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

// Package tron drives the escrow vault on Tron through the fullnode HTTP
// API. The TVM keeps Ethereum's ABI encoding, so calldata is packed with
// the shared vault ABI and only addressing and transport differ.
//
// Tron's account API reports transfers by timestamp, not block, so this
// driver's scan cursor is the chain's millisecond clock: LatestBlock
// returns the head block timestamp and ScanTransfers treats the range as
// [fromMs, toMs].
package tron

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/gateway"
	"github.com/p2pmmx/escrowd/gateway/vaultabi"
)

const (
	defaultFeeLimitSun     = 150_000_000 // 150 TRX ceiling per vault call
	defaultReceiptInterval = 3 * time.Second
	defaultReceiptTimeout  = 5 * time.Minute
	maxScanPages           = 5
	scanPageLimit          = 200

	selectorRelease  = "releaseFunds(address,address,uint256)"
	selectorWithdraw = "withdrawTokens(address,address,uint256)"
	selectorBalance  = "balanceOf(address)"
)

// Config carries the Tron endpoints and signing material.
type Config struct {
	// NodeURL is the fullnode HTTP API, e.g. https://api.trongrid.io.
	NodeURL string
	// EventsURL is the account/event API base; empty means NodeURL.
	EventsURL string
	APIKey    string
	// PrivateKey is the hex encoded owner key, same curve as EVM.
	PrivateKey string
	// FeeLimitSun caps energy spend per transaction.
	FeeLimitSun int64

	ReceiptInterval time.Duration
	ReceiptTimeout  time.Duration
}

// Driver implements gateway.Driver for the Tron chain.
type Driver struct {
	rest        *restClient
	key         *ecdsa.PrivateKey
	ownerHex    string // "41..." form used by the node API
	ownerBase58 string
	feeLimit    int64

	receiptInterval time.Duration
	receiptTimeout  time.Duration

	mu  sync.Mutex
	log log.Logger
}

// New derives the owner address and prepares the REST client. No network
// call is made until the first operation.
func New(cfg Config, logger log.Logger) (*Driver, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, escrow.Wrap(escrow.KindValidation, err, "tron owner key")
	}
	evmAddr := crypto.PubkeyToAddress(key.PublicKey)
	base58Addr := asset.TronFromEVMAddress(evmAddr)
	hexAddr, err := asset.TronToHex(base58Addr)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "derive tron owner")
	}
	eventsURL := cfg.EventsURL
	if eventsURL == "" {
		eventsURL = cfg.NodeURL
	}
	feeLimit := cfg.FeeLimitSun
	if feeLimit <= 0 {
		feeLimit = defaultFeeLimitSun
	}
	d := &Driver{
		rest: &restClient{
			http:      &http.Client{Timeout: 30 * time.Second},
			nodeURL:   strings.TrimRight(cfg.NodeURL, "/"),
			eventsURL: strings.TrimRight(eventsURL, "/"),
			apiKey:    cfg.APIKey,
		},
		key:             key,
		ownerHex:        hexAddr,
		ownerBase58:     base58Addr,
		feeLimit:        feeLimit,
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
	d.log = logger.New("driver", "tron")
	d.log.Info("Chain driver ready", "owner", base58Addr)
	return d, nil
}

func (d *Driver) Chain() asset.Chain { return asset.ChainTron }

func (d *Driver) OwnerAddress() string { return d.ownerBase58 }

// LatestBlock returns the head block's millisecond timestamp, the cursor
// unit for Tron scans.
func (d *Driver) LatestBlock(ctx context.Context) (uint64, error) {
	var block nowBlock
	if err := d.rest.post(ctx, "/wallet/getnowblock", struct{}{}, &block); err != nil {
		return 0, err
	}
	ts := block.BlockHeader.RawData.Timestamp
	if ts == 0 {
		return 0, escrow.E(escrow.KindTransientChain, "getnowblock returned empty header")
	}
	return ts, nil
}

// constantCall runs one read-only contract call through the node and
// returns the first result word.
func (d *Driver) constantCall(ctx context.Context, contractHex, selector string, args []byte) ([]byte, error) {
	req := map[string]any{
		"owner_address":     d.ownerHex,
		"contract_address":  contractHex,
		"function_selector": selector,
	}
	if len(args) > 0 {
		req["parameter"] = hex.EncodeToString(args)
	}
	var resp triggerResponse
	if err := d.rest.post(ctx, "/wallet/triggerconstantcontract", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.ConstantResult) == 0 {
		return nil, escrow.E(escrow.KindTransientChain, "%s: %s", selector, resp.Result.errMessage())
	}
	word, err := hex.DecodeString(resp.ConstantResult[0])
	if err != nil {
		return nil, escrow.Wrap(escrow.KindTransientChain, err, "decode %s result", selector)
	}
	return word, nil
}

func (d *Driver) TokenBalance(ctx context.Context, tokenContract, holder string) (*big.Int, error) {
	tokenHex, err := asset.TronToHex(tokenContract)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindValidation, err, "token contract")
	}
	holderEVM, err := asset.TronToEVMAddress(holder)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindValidation, err, "holder address")
	}
	packed, err := vaultabi.PackBalanceOf(holderEVM)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "pack balanceOf")
	}
	word, err := d.constantCall(ctx, tokenHex, selectorBalance, packed[4:])
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(word), nil
}

// FeeSettings reads the vault's fee views. Result words come back ABI
// encoded the EVM way, so uints and addresses decode from the last bytes
// of the 32-byte word.
func (d *Driver) FeeSettings(ctx context.Context, vault string) (gateway.FeeSettings, error) {
	vaultHex, err := asset.TronToHex(vault)
	if err != nil {
		return gateway.FeeSettings{}, escrow.Wrap(escrow.KindValidation, err, "vault address")
	}

	word, err := d.constantCall(ctx, vaultHex, "feePercent()", nil)
	if err != nil {
		return gateway.FeeSettings{}, err
	}
	bps := new(big.Int).SetBytes(word)
	if !bps.IsInt64() {
		return gateway.FeeSettings{}, escrow.E(escrow.KindInternal, "vault %s reports absurd feePercent %s", vault, bps)
	}
	settings := gateway.FeeSettings{FeeBps: bps.Int64()}

	word, err = d.constantCall(ctx, vaultHex, "accumulatedFees()", nil)
	if err != nil {
		return gateway.FeeSettings{}, err
	}
	settings.AccumulatedFees = new(big.Int).SetBytes(word)

	for _, selector := range []string{"feeWallet1()", "feeWallet2()", "feeWallet3()"} {
		word, err = d.constantCall(ctx, vaultHex, selector, nil)
		if err != nil {
			return gateway.FeeSettings{}, err
		}
		addr := common.BytesToAddress(word)
		if addr == (common.Address{}) {
			continue
		}
		settings.FeeWallets = append(settings.FeeWallets, asset.TronFromEVMAddress(addr))
	}
	return settings, nil
}

// ScanTransfers lists confirmed TRC-20 transfers into `to` between the two
// millisecond timestamps, token-filtered server side. The account API
// carries no log index, so every event keys as index zero.
func (d *Driver) ScanTransfers(ctx context.Context, tokenContract, to string, fromBlock, toBlock uint64) ([]gateway.TransferEvent, error) {
	query := url.Values{
		"only_confirmed":   {"true"},
		"only_to":          {"true"},
		"limit":            {strconv.Itoa(scanPageLimit)},
		"contract_address": {tokenContract},
		"min_timestamp":    {strconv.FormatUint(fromBlock, 10)},
		"max_timestamp":    {strconv.FormatUint(toBlock, 10)},
		"order_by":         {"block_timestamp,asc"},
	}
	var events []gateway.TransferEvent
	for page := 0; page < maxScanPages; page++ {
		var reply trc20Page
		if err := d.rest.get(ctx, "/v1/accounts/"+to+"/transactions/trc20", query, &reply); err != nil {
			return nil, err
		}
		for _, item := range reply.Data {
			if item.Type != "Transfer" || item.Value == "" {
				continue
			}
			amount, ok := new(big.Int).SetString(item.Value, 10)
			if !ok {
				d.log.Warn("Skipping transfer with bad value", "txid", item.TransactionID, "value", item.Value)
				continue
			}
			events = append(events, gateway.TransferEvent{
				TxHash:      item.TransactionID,
				LogIndex:    0,
				From:        item.From,
				To:          item.To,
				Amount:      amount,
				BlockNumber: item.BlockTimestamp,
			})
		}
		if reply.Meta.Fingerprint == "" || len(reply.Data) < scanPageLimit {
			break
		}
		query.Set("fingerprint", reply.Meta.Fingerprint)
	}
	return events, nil
}

func (d *Driver) Release(ctx context.Context, vault, tokenContract, recipient string, amount *big.Int) (string, error) {
	return d.sendVaultTx(ctx, vault, tokenContract, recipient, amount, selectorRelease, vaultabi.PackRelease)
}

func (d *Driver) Withdraw(ctx context.Context, vault, tokenContract, recipient string, amount *big.Int) (string, error) {
	return d.sendVaultTx(ctx, vault, tokenContract, recipient, amount, selectorWithdraw, vaultabi.PackWithdraw)
}

type packFn func(token, recipient common.Address, amount *big.Int) ([]byte, error)

// sendVaultTx builds the call on the node, signs the returned txID locally
// and broadcasts. The mutex keeps owner transactions ordered the same way
// the EVM driver does, though Tron has no account nonce.
func (d *Driver) sendVaultTx(ctx context.Context, vault, tokenContract, recipient string, amount *big.Int, selector string, pack packFn) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vaultHex, err := asset.TronToHex(vault)
	if err != nil {
		return "", escrow.Wrap(escrow.KindValidation, err, "vault address")
	}
	tokenEVM, err := asset.TronToEVMAddress(tokenContract)
	if err != nil {
		return "", escrow.Wrap(escrow.KindValidation, err, "token contract")
	}
	recipientEVM, err := asset.TronToEVMAddress(recipient)
	if err != nil {
		return "", escrow.Wrap(escrow.KindValidation, err, "recipient address")
	}
	packed, err := pack(tokenEVM, recipientEVM, amount)
	if err != nil {
		return "", escrow.Wrap(escrow.KindInternal, err, "pack %s", selector)
	}

	req := map[string]any{
		"owner_address":     d.ownerHex,
		"contract_address":  vaultHex,
		"function_selector": selector,
		"parameter":         hex.EncodeToString(packed[4:]),
		"fee_limit":         d.feeLimit,
		"call_value":        0,
	}
	var resp triggerResponse
	if err := d.rest.post(ctx, "/wallet/triggersmartcontract", req, &resp); err != nil {
		return "", err
	}
	if !resp.Result.Result || len(resp.Transaction) == 0 {
		msg := resp.Result.errMessage()
		if strings.Contains(strings.ToLower(msg), "revert") {
			return "", escrow.E(escrow.KindOnchainRevert, "%s: %s", selector, msg)
		}
		return "", escrow.E(escrow.KindTransientChain, "%s: %s", selector, msg)
	}

	txID, signed, err := d.signTransaction(resp.Transaction)
	if err != nil {
		return "", err
	}
	var broadcast triggerResult
	if err := d.rest.post(ctx, "/wallet/broadcasttransaction", signed, &broadcast); err != nil {
		return "", err
	}
	if !broadcast.Result {
		return "", escrow.E(escrow.KindTransientChain, "broadcast %s: %s", selector, broadcast.errMessage())
	}
	d.log.Debug("Vault transaction sent", "selector", selector, "txid", txID)
	return txID, nil
}

// signTransaction signs the node-built transaction's txID with the owner
// key. The txID is the SHA-256 of raw_data, which is exactly what Tron
// expects a secp256k1 recoverable signature over.
func (d *Driver) signTransaction(raw json.RawMessage) (string, map[string]any, error) {
	var tx map[string]any
	if err := json.Unmarshal(raw, &tx); err != nil {
		return "", nil, escrow.Wrap(escrow.KindTransientChain, err, "decode transaction")
	}
	txID, _ := tx["txID"].(string)
	if txID == "" {
		return "", nil, escrow.E(escrow.KindTransientChain, "transaction missing txID")
	}
	digest, err := hex.DecodeString(txID)
	if err != nil || len(digest) != 32 {
		return "", nil, escrow.E(escrow.KindTransientChain, "malformed txID %q", txID)
	}
	sig, err := crypto.Sign(digest, d.key)
	if err != nil {
		return "", nil, escrow.Wrap(escrow.KindInternal, err, "sign txID")
	}
	tx["signature"] = []string{hex.EncodeToString(sig)}
	return txID, tx, nil
}

func (d *Driver) WaitMined(ctx context.Context, txHash string) error {
	timeout := time.NewTimer(d.receiptTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(d.receiptInterval)
	defer poll.Stop()

	for {
		var info txInfo
		err := d.rest.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txHash}, &info)
		if err != nil {
			d.log.Debug("Receipt lookup failed", "txid", txHash, "err", err)
		} else if info.ID != "" && info.BlockNumber > 0 {
			switch info.Receipt.Result {
			case "", "SUCCESS":
				return nil
			default:
				reason := info.Receipt.Result
				if info.ResMessage != "" {
					if decoded, derr := hex.DecodeString(info.ResMessage); derr == nil {
						reason = reason + ": " + string(decoded)
					}
				}
				return escrow.E(escrow.KindOnchainRevert, "transaction %s failed: %s", txHash, reason)
			}
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
