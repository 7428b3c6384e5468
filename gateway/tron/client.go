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

package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/gateway"
)

// apiKeyHeader authenticates against TronGrid-compatible providers.
const apiKeyHeader = "TRON-PRO-API-KEY"

// restClient wraps the fullnode HTTP API and the account/event API that
// TronGrid exposes next to it.
type restClient struct {
	http      *http.Client
	nodeURL   string
	eventsURL string
	apiKey    string
}

// post issues a fullnode wallet call and decodes the JSON reply.
func (c *restClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "encode %s", path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.nodeURL+path, bytes.NewReader(body))
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "build %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	return c.do(req, path, out)
}

// get issues an events/account API call with query parameters.
func (c *restClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.eventsURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "build %s", path)
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	return c.do(req, path, out)
}

func (c *restClient) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return gateway.ClassifyRPC(err, path)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return gateway.ClassifyRPC(err, path)
	}
	if resp.StatusCode != http.StatusOK {
		return escrow.E(escrow.KindTransientChain, "%s: http %d: %.200s", path, resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return escrow.Wrap(escrow.KindTransientChain, err, "decode %s", path)
	}
	return nil
}

// triggerResult is the embedded status object fullnode calls return.
type triggerResult struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errMessage decodes the hex-encoded failure text nodes attach to rejected
// calls.
func (r triggerResult) errMessage() string {
	if r.Message == "" {
		return r.Code
	}
	decoded, err := hex.DecodeString(r.Message)
	if err != nil {
		return r.Message
	}
	if r.Code != "" {
		return fmt.Sprintf("%s: %s", r.Code, decoded)
	}
	return string(decoded)
}

// triggerResponse is the reply of triggersmartcontract and
// triggerconstantcontract.
type triggerResponse struct {
	Result         triggerResult   `json:"result"`
	ConstantResult []string        `json:"constant_result"`
	Transaction    json.RawMessage `json:"transaction"`
}

// nowBlock is the subset of getnowblock the driver reads.
type nowBlock struct {
	BlockHeader struct {
		RawData struct {
			Number    uint64 `json:"number"`
			Timestamp uint64 `json:"timestamp"`
		} `json:"raw_data"`
	} `json:"block_header"`
}

// txInfo is the subset of gettransactioninfobyid the driver reads.
type txInfo struct {
	ID          string `json:"id"`
	BlockNumber uint64 `json:"blockNumber"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
	Result     string `json:"result"`
	ResMessage string `json:"resMessage"`
}

// trc20Page is one page of the per-account TRC-20 transfer listing.
type trc20Page struct {
	Data []struct {
		TransactionID  string `json:"transaction_id"`
		BlockTimestamp uint64 `json:"block_timestamp"`
		From           string `json:"from"`
		To             string `json:"to"`
		Type           string `json:"type"`
		Value          string `json:"value"`
	} `json:"data"`
	Success bool `json:"success"`
	Meta    struct {
		Fingerprint string `json:"fingerprint"`
	} `json:"meta"`
}
