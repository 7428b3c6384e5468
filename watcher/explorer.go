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

package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/gateway"
)

// ExplorerEndpoint configures one chain's explorer API. EVM chains take an
// etherscan-compatible base (https://api.bscscan.com), Tron a TronGrid base
// (https://api.trongrid.io). The key is optional on both.
type ExplorerEndpoint struct {
	BaseURL string
	APIKey  string
}

// HTTPExplorer reads token transfers from public explorer APIs. It is the
// fallback behind the RPC scan, never the primary source.
type HTTPExplorer struct {
	endpoints map[asset.Chain]ExplorerEndpoint
	client    *http.Client
	log       log.Logger
}

// NewHTTPExplorer builds the fallback over the configured endpoints.
// Chains without an endpoint report unconfigured and are never queried.
func NewHTTPExplorer(endpoints map[asset.Chain]ExplorerEndpoint, logger log.Logger) *HTTPExplorer {
	if logger == nil {
		logger = log.Root()
	}
	return &HTTPExplorer{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       logger.New("component", "explorer"),
	}
}

// Configured reports whether the chain has an explorer endpoint.
func (x *HTTPExplorer) Configured(chain asset.Chain) bool {
	ep, ok := x.endpoints[chain]
	return ok && ep.BaseURL != ""
}

// TokenTransfers returns transfers of the token into to, from the cursor
// onward. On Tron the cursor is a millisecond timestamp, matching the
// driver's cursor convention.
func (x *HTTPExplorer) TokenTransfers(ctx context.Context, chain asset.Chain, tokenContract, to string, fromBlock uint64) ([]gateway.TransferEvent, error) {
	ep, ok := x.endpoints[chain]
	if !ok || ep.BaseURL == "" {
		return nil, escrow.E(escrow.KindValidation, "no explorer configured for %s", chain)
	}
	switch chain.Family() {
	case asset.FamilyEVM:
		return x.evmTokenTx(ctx, ep, tokenContract, to, fromBlock)
	case asset.FamilyTron:
		return x.tronTRC20(ctx, ep, tokenContract, to, fromBlock)
	}
	return nil, escrow.E(escrow.KindValidation, "no explorer adapter for %s", chain)
}

// evmTokenTxRow is one row of an etherscan-compatible account/tokentx
// response. Everything arrives as strings.
type evmTokenTxRow struct {
	BlockNumber string `json:"blockNumber"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
}

type evmTokenTxResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (x *HTTPExplorer) evmTokenTx(ctx context.Context, ep ExplorerEndpoint, tokenContract, to string, fromBlock uint64) ([]gateway.TransferEvent, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "tokentx")
	q.Set("contractaddress", tokenContract)
	q.Set("address", to)
	q.Set("startblock", strconv.FormatUint(fromBlock, 10))
	q.Set("sort", "asc")
	if ep.APIKey != "" {
		q.Set("apikey", ep.APIKey)
	}

	var resp evmTokenTxResponse
	if err := x.getJSON(ctx, strings.TrimRight(ep.BaseURL, "/")+"/api?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	// status "0" covers both "no transactions found" and real failures;
	// only the former carries an empty result array.
	if resp.Status != "1" {
		var rows []evmTokenTxRow
		if err := json.Unmarshal(resp.Result, &rows); err == nil && len(rows) == 0 {
			return nil, nil
		}
		return nil, escrow.E(escrow.KindTransientChain, "explorer: %s", resp.Message)
	}
	var rows []evmTokenTxRow
	if err := json.Unmarshal(resp.Result, &rows); err != nil {
		return nil, escrow.Wrap(escrow.KindTransientChain, err, "explorer result")
	}

	events := make([]gateway.TransferEvent, 0, len(rows))
	for _, row := range rows {
		// The address filter matches both directions; keep inbound only.
		if !strings.EqualFold(row.To, to) {
			continue
		}
		block, err := strconv.ParseUint(row.BlockNumber, 10, 64)
		if err != nil || block < fromBlock {
			continue
		}
		amount, ok := new(big.Int).SetString(row.Value, 10)
		if !ok || amount.Sign() <= 0 {
			continue
		}
		// tokentx rows carry no log index; the hash alone keys dedupe,
		// same as a user-submitted hash claim.
		events = append(events, gateway.TransferEvent{
			TxHash:      row.Hash,
			From:        row.From,
			To:          row.To,
			Amount:      amount,
			BlockNumber: block,
		})
	}
	return events, nil
}

// tronTRC20Row is one row of TronGrid's account TRC-20 transaction listing.
type tronTRC20Row struct {
	TransactionID  string `json:"transaction_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Type           string `json:"type"`
	Value          string `json:"value"`
	BlockTimestamp uint64 `json:"block_timestamp"`
	TokenInfo      struct {
		Address string `json:"address"`
	} `json:"token_info"`
}

type tronTRC20Response struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Data    []tronTRC20Row `json:"data"`
}

func (x *HTTPExplorer) tronTRC20(ctx context.Context, ep ExplorerEndpoint, tokenContract, to string, fromTimestamp uint64) ([]gateway.TransferEvent, error) {
	q := url.Values{}
	q.Set("only_to", "true")
	q.Set("contract_address", tokenContract)
	q.Set("min_timestamp", strconv.FormatUint(fromTimestamp, 10))
	q.Set("limit", "200")

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?%s",
		strings.TrimRight(ep.BaseURL, "/"), url.PathEscape(to), q.Encode())
	var headers map[string]string
	if ep.APIKey != "" {
		headers = map[string]string{"TRON-PRO-API-KEY": ep.APIKey}
	}

	var resp tronTRC20Response
	if err := x.getJSON(ctx, endpoint, headers, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, escrow.E(escrow.KindTransientChain, "trongrid: %s", resp.Error)
	}

	events := make([]gateway.TransferEvent, 0, len(resp.Data))
	for _, row := range resp.Data {
		if row.Type != "" && row.Type != "Transfer" {
			continue
		}
		if row.To != to || row.BlockTimestamp < fromTimestamp {
			continue
		}
		if row.TokenInfo.Address != "" && row.TokenInfo.Address != tokenContract {
			continue
		}
		amount, ok := new(big.Int).SetString(row.Value, 10)
		if !ok || amount.Sign() <= 0 {
			continue
		}
		events = append(events, gateway.TransferEvent{
			TxHash:      row.TransactionID,
			From:        row.From,
			To:          row.To,
			Amount:      amount,
			BlockNumber: row.BlockTimestamp,
		})
	}
	return events, nil
}

func (x *HTTPExplorer) getJSON(ctx context.Context, endpoint string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "explorer request")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := x.client.Do(req)
	if err != nil {
		return escrow.Wrap(escrow.KindTransientChain, err, "explorer request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return escrow.E(escrow.KindTransientChain, "explorer responded %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return escrow.Wrap(escrow.KindTransientChain, err, "explorer response")
	}
	return nil
}
