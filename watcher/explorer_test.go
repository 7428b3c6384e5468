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

package watcher_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/watcher"
)

const (
	bscUSDT  = "0x55d398326f99059fF775485246999027B3197955"
	tronUSDT = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
)

func TestEVMTokenTx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "account", q.Get("module"))
		require.Equal(t, "tokentx", q.Get("action"))
		require.Equal(t, bscUSDT, q.Get("contractaddress"))
		require.Equal(t, bscVault, q.Get("address"))
		require.Equal(t, "501", q.Get("startblock"))
		require.Equal(t, "asc", q.Get("sort"))
		require.Equal(t, "key123", q.Get("apikey"))
		// One inbound row (checksummed recipient), one outbound, one below
		// the cursor and one zero-value spam row.
		fmt.Fprint(w, `{"status":"1","message":"OK","result":[
			{"blockNumber":"515","hash":"0xaaa","from":"0xdead","to":"0x00000000000000000000000000000000000000A1","value":"60000000000000000000"},
			{"blockNumber":"516","hash":"0xbbb","from":"0x00000000000000000000000000000000000000a1","to":"0xother","value":"1"},
			{"blockNumber":"400","hash":"0xccc","from":"0xdead","to":"0x00000000000000000000000000000000000000a1","value":"5"},
			{"blockNumber":"517","hash":"0xddd","from":"0xdead","to":"0x00000000000000000000000000000000000000a1","value":"0"}
		]}`)
	}))
	defer srv.Close()

	x := watcher.NewHTTPExplorer(map[asset.Chain]watcher.ExplorerEndpoint{
		asset.ChainBSC: {BaseURL: srv.URL, APIKey: "key123"},
	}, nil)
	require.True(t, x.Configured(asset.ChainBSC))
	require.False(t, x.Configured(asset.ChainTron))

	events, err := x.TokenTransfers(context.Background(), asset.ChainBSC, bscUSDT, bscVault, 501)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "0xaaa", events[0].TxHash)
	require.Equal(t, "0xdead", events[0].From)
	require.Equal(t, uint64(515), events[0].BlockNumber)
	require.Equal(t, "60000000000000000000", events[0].Amount.String())
}

func TestEVMTokenTxNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"0","message":"No transactions found","result":[]}`)
	}))
	defer srv.Close()

	x := watcher.NewHTTPExplorer(map[asset.Chain]watcher.ExplorerEndpoint{
		asset.ChainBSC: {BaseURL: srv.URL},
	}, nil)
	events, err := x.TokenTransfers(context.Background(), asset.ChainBSC, bscUSDT, bscVault, 1)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestEVMTokenTxRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Error responses carry the detail in result as a bare string.
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`)
	}))
	defer srv.Close()

	x := watcher.NewHTTPExplorer(map[asset.Chain]watcher.ExplorerEndpoint{
		asset.ChainBSC: {BaseURL: srv.URL},
	}, nil)
	_, err := x.TokenTransfers(context.Background(), asset.ChainBSC, bscUSDT, bscVault, 1)
	require.Equal(t, escrow.KindTransientChain, escrow.KindOf(err))
}

func TestTronGridTRC20(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts/"+tronVault+"/transactions/trc20", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "true", q.Get("only_to"))
		require.Equal(t, tronUSDT, q.Get("contract_address"))
		require.Equal(t, "1700000000000", q.Get("min_timestamp"))
		require.Equal(t, "tronkey", r.Header.Get("TRON-PRO-API-KEY"))
		// One credit, one approval, one before the cursor, one for a
		// different token.
		fmt.Fprint(w, `{"success":true,"data":[
			{"transaction_id":"a1b2c3","from":"TDepositor","to":"`+tronVault+`","type":"Transfer","value":"60000000","block_timestamp":1700000005000,"token_info":{"address":"`+tronUSDT+`"}},
			{"transaction_id":"d4e5f6","from":"TDepositor","to":"`+tronVault+`","type":"Approval","value":"1","block_timestamp":1700000006000,"token_info":{"address":"`+tronUSDT+`"}},
			{"transaction_id":"071829","from":"TDepositor","to":"`+tronVault+`","type":"Transfer","value":"5000000","block_timestamp":1600000000000,"token_info":{"address":"`+tronUSDT+`"}},
			{"transaction_id":"3a4b5c","from":"TDepositor","to":"`+tronVault+`","type":"Transfer","value":"9000000","block_timestamp":1700000007000,"token_info":{"address":"TOtherToken1111111111111111111111"}}
		]}`)
	}))
	defer srv.Close()

	x := watcher.NewHTTPExplorer(map[asset.Chain]watcher.ExplorerEndpoint{
		asset.ChainTron: {BaseURL: srv.URL, APIKey: "tronkey"},
	}, nil)
	events, err := x.TokenTransfers(context.Background(), asset.ChainTron, tronUSDT, tronVault, 1_700_000_000_000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "a1b2c3", events[0].TxHash)
	require.Equal(t, "60000000", events[0].Amount.String())
	require.Equal(t, uint64(1_700_000_005_000), events[0].BlockNumber, "tron cursor is the row timestamp")
}

func TestTronGridFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"error":"quota exceeded"}`)
	}))
	defer srv.Close()

	x := watcher.NewHTTPExplorer(map[asset.Chain]watcher.ExplorerEndpoint{
		asset.ChainTron: {BaseURL: srv.URL},
	}, nil)
	_, err := x.TokenTransfers(context.Background(), asset.ChainTron, tronUSDT, tronVault, 0)
	require.Equal(t, escrow.KindTransientChain, escrow.KindOf(err))
}

func TestExplorerTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	x := watcher.NewHTTPExplorer(map[asset.Chain]watcher.ExplorerEndpoint{
		asset.ChainBSC: {BaseURL: srv.URL},
	}, nil)
	_, err := x.TokenTransfers(context.Background(), asset.ChainBSC, bscUSDT, bscVault, 1)
	require.Equal(t, escrow.KindTransientChain, escrow.KindOf(err))

	// A chain without an endpoint is refused outright.
	_, err = x.TokenTransfers(context.Background(), asset.ChainTron, tronUSDT, tronVault, 0)
	require.Equal(t, escrow.KindValidation, escrow.KindOf(err))
}
