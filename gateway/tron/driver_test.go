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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func testAddresses(t *testing.T) (vault, token, recipient string) {
	t.Helper()
	vault = asset.TronFromEVMAddress(common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	token = asset.TronFromEVMAddress(common.HexToAddress("0x00000000000000000000000000000000000000bb"))
	recipient = asset.TronFromEVMAddress(common.HexToAddress("0x00000000000000000000000000000000000000cc"))
	return
}

func newTestDriver(t *testing.T, url string) *Driver {
	t.Helper()
	d, err := New(Config{
		NodeURL:         url,
		PrivateKey:      testKeyHex,
		ReceiptInterval: 10 * time.Millisecond,
		ReceiptTimeout:  time.Second,
	}, nil)
	require.NoError(t, err)
	return d
}

func TestSignTransactionRecoversOwner(t *testing.T) {
	d := newTestDriver(t, "http://unused")

	digest := sha256.Sum256([]byte("raw_data"))
	raw, err := json.Marshal(map[string]any{
		"txID":     hex.EncodeToString(digest[:]),
		"raw_data": map[string]any{"fee_limit": 1},
	})
	require.NoError(t, err)

	txID, signed, err := d.signTransaction(raw)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(digest[:]), txID)

	sigs, ok := signed["signature"].([]string)
	require.True(t, ok)
	require.Len(t, sigs, 1)

	sig, err := hex.DecodeString(sigs[0])
	require.NoError(t, err)
	pub, err := crypto.SigToPub(digest[:], sig)
	require.NoError(t, err)

	ownerEVM, err := asset.TronToEVMAddress(d.OwnerAddress())
	require.NoError(t, err)
	require.Equal(t, ownerEVM, crypto.PubkeyToAddress(*pub))
}

func TestSignTransactionRejectsMissingTxID(t *testing.T) {
	d := newTestDriver(t, "http://unused")
	_, _, err := d.signTransaction(json.RawMessage(`{"raw_data":{}}`))
	require.Error(t, err)
}

func TestTokenBalance(t *testing.T) {
	_, token, _ := testAddresses(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wallet/triggerconstantcontract", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		require.Equal(t, selectorBalance, req["function_selector"])
		require.Len(t, req["parameter"], 64, "one abi word")

		fmt.Fprintf(w, `{"result":{"result":true},"constant_result":["%064x"]}`, 2_500_000)
	}))
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	bal, err := d.TokenBalance(context.Background(), token, d.OwnerAddress())
	require.NoError(t, err)
	require.Equal(t, int64(2_500_000), bal.Int64())
}

func TestFeeSettings(t *testing.T) {
	vault, _, _ := testAddresses(t)
	feeWallet := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	results := map[string]string{
		"feePercent()":      fmt.Sprintf("%064x", 50),
		"accumulatedFees()": fmt.Sprintf("%064x", 9_000_000),
		"feeWallet1()":      fmt.Sprintf("%064x", feeWallet.Big()),
		"feeWallet2()":      fmt.Sprintf("%064x", 0),
		"feeWallet3()":      fmt.Sprintf("%064x", 0),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wallet/triggerconstantcontract", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		word, ok := results[req["function_selector"].(string)]
		require.True(t, ok, "unexpected selector %v", req["function_selector"])
		fmt.Fprintf(w, `{"result":{"result":true},"constant_result":["%s"]}`, word)
	}))
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	settings, err := d.FeeSettings(context.Background(), vault)
	require.NoError(t, err)
	require.Equal(t, int64(50), settings.FeeBps)
	require.Equal(t, int64(9_000_000), settings.AccumulatedFees.Int64())
	require.Equal(t, []string{asset.TronFromEVMAddress(feeWallet)}, settings.FeeWallets, "zero wallet slots omitted")
}

func TestLatestBlockIsTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wallet/getnowblock", r.URL.Path)
		fmt.Fprint(w, `{"block_header":{"raw_data":{"number":50000000,"timestamp":1716200000000}}}`)
	}))
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	cursor, err := d.LatestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1716200000000), cursor)
}

func TestScanTransfers(t *testing.T) {
	_, token, recipient := testAddresses(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts/"+recipient+"/transactions/trc20", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "true", q.Get("only_to"))
		require.Equal(t, token, q.Get("contract_address"))
		require.Equal(t, "1000", q.Get("min_timestamp"))
		require.Equal(t, "2000", q.Get("max_timestamp"))

		fmt.Fprintf(w, `{"success":true,"data":[
			{"transaction_id":"aa11","block_timestamp":1500,"from":"TSender","to":"%s","type":"Transfer","value":"70000000"},
			{"transaction_id":"bb22","block_timestamp":1600,"from":"TSender","to":"%s","type":"Approval","value":"1"},
			{"transaction_id":"cc33","block_timestamp":1700,"from":"TOther","to":"%s","type":"Transfer","value":"30000000"}
		],"meta":{}}`, recipient, recipient, recipient)
	}))
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	events, err := d.ScanTransfers(context.Background(), token, recipient, 1000, 2000)
	require.NoError(t, err)
	require.Len(t, events, 2, "approvals are not transfers")
	require.Equal(t, "aa11", events[0].TxHash)
	require.Equal(t, int64(70_000_000), events[0].Amount.Int64())
	require.Equal(t, uint64(1500), events[0].BlockNumber)
	require.Equal(t, "cc33", events[1].TxHash)
}

func TestReleaseSubmitsSignedTransaction(t *testing.T) {
	vault, token, recipient := testAddresses(t)
	digest := sha256.Sum256([]byte("tron tx"))
	txID := hex.EncodeToString(digest[:])

	var broadcasted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wallet/triggersmartcontract":
			body, _ := io.ReadAll(r.Body)
			var req map[string]any
			require.NoError(t, json.Unmarshal(body, &req))
			require.Equal(t, selectorRelease, req["function_selector"])
			require.Len(t, req["parameter"], 3*64, "three abi words")
			fmt.Fprintf(w, `{"result":{"result":true},"transaction":{"txID":"%s","raw_data":{}}}`, txID)
		case "/wallet/broadcasttransaction":
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &broadcasted))
			fmt.Fprint(w, `{"result":true}`)
		default:
			t.Errorf("unexpected call %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	hash, err := d.Release(context.Background(), vault, token, recipient, big.NewInt(123456))
	require.NoError(t, err)
	require.Equal(t, txID, hash)
	require.NotEmpty(t, broadcasted["signature"])
}

func TestWaitMined(t *testing.T) {
	revertMsg := hex.EncodeToString([]byte("insufficient vault balance"))
	responses := map[string]string{
		"ok":     `{"id":"ok","blockNumber":77,"receipt":{"result":"SUCCESS"}}`,
		"revert": fmt.Sprintf(`{"id":"revert","blockNumber":78,"receipt":{"result":"REVERT"},"resMessage":"%s"}`, revertMsg),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		fmt.Fprint(w, responses[req["value"]])
	}))
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	require.NoError(t, d.WaitMined(context.Background(), "ok"))

	err := d.WaitMined(context.Background(), "revert")
	require.Equal(t, escrow.KindOnchainRevert, escrow.KindOf(err))
	require.Contains(t, err.Error(), "insufficient vault balance")
}

func TestWaitMinedTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`) // not yet indexed
	}))
	defer srv.Close()

	d := newTestDriver(t, srv.URL)
	err := d.WaitMined(context.Background(), "deadbeef")
	require.Equal(t, escrow.KindTransientChain, escrow.KindOf(err))
}
