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

package evm

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/p2pmmx/escrowd/gateway/vaultabi"
)

func TestDecodeTransferLog(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount := big.NewInt(1_500_000)

	lg := types.Log{
		Address:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Topics:      []common.Hash{vaultabi.TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: 777,
		TxHash:      common.HexToHash("0xdead"),
		Index:       3,
	}

	ev, err := decodeTransferLog(lg)
	require.NoError(t, err)
	require.Equal(t, from.Hex(), ev.From)
	require.Equal(t, to.Hex(), ev.To)
	require.Zero(t, ev.Amount.Cmp(amount))
	require.Equal(t, uint64(777), ev.BlockNumber)
	require.Equal(t, uint(3), ev.LogIndex)
	require.Equal(t, lg.TxHash.Hex(), ev.TxHash)
}

func TestDecodeTransferLogRejectsOtherEvents(t *testing.T) {
	// An Approval log shares the data layout but not the topic.
	lg := types.Log{
		Topics: []common.Hash{
			common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"),
			common.BytesToHash(common.HexToAddress("0x1").Bytes()),
			common.BytesToHash(common.HexToAddress("0x2").Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(1).Bytes(), 32),
	}
	_, err := decodeTransferLog(lg)
	require.Error(t, err)

	// Non-indexed (two-topic) transfers cannot be attributed safely.
	lg.Topics = []common.Hash{vaultabi.TransferTopic, common.BytesToHash(common.HexToAddress("0x1").Bytes())}
	_, err = decodeTransferLog(lg)
	require.Error(t, err)
}

func TestIsNonceErr(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("nonce too low"), true},
		{errors.New("Nonce is too low"), true},
		{errors.New("already known"), true},
		{errors.New("replacement transaction underpriced"), true},
		{errors.New("insufficient funds for gas * price + value"), false},
		{errors.New("execution reverted"), false},
		{nil, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isNonceErr(tt.err), "%v", tt.err)
	}
}

func TestPackReleaseMatchesSelector(t *testing.T) {
	data, err := vaultabi.PackRelease(
		common.HexToAddress("0x1"), common.HexToAddress("0x2"), big.NewInt(3))
	require.NoError(t, err)
	require.Len(t, data, 4+3*32)
	require.Equal(t, vaultabi.Vault.Methods["releaseFunds"].ID, data[:4])
}
