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

package asset

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeChain(t *testing.T) {
	tests := []struct {
		in      string
		want    Chain
		wantErr bool
	}{
		{"BSC", ChainBSC, false},
		{"bnb", ChainBSC, false},
		{"BEP-20", ChainBSC, false},
		{"bep20", ChainBSC, false},
		{"Ethereum", ChainETH, false},
		{"ERC-20", ChainETH, false},
		{"MATIC", ChainPolygon, false},
		{"polygon", ChainPolygon, false},
		{"trc20", ChainTron, false},
		{" TRON ", ChainTron, false},
		{"SOLANA", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeChain(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		require.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestDecimalsRefusesUnknownPairs(t *testing.T) {
	d, err := Decimals(TokenUSDT, ChainTron)
	require.NoError(t, err)
	require.Equal(t, uint8(6), d)

	d, err = Decimals(TokenUSDT, ChainBSC)
	require.NoError(t, err)
	require.Equal(t, uint8(18), d)

	_, err = Decimals("DOGE", ChainBSC)
	require.ErrorIs(t, err, ErrUnknownPair)
	_, err = Decimals(TokenUSDT, "SOLANA")
	require.ErrorIs(t, err, ErrUnknownPair)
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"100", 18, "100000000000000000000", false},
		{"100.5", 6, "100500000", false},
		{"0.000001", 6, "1", false},
		{".5", 6, "500000", false},
		{"0", 6, "0", false},
		{"1.2345678", 6, "", true}, // more fractional digits than scale
		{"1,5", 6, "", true},
		{"-3", 6, "", true},
		{"+3", 6, "", true},
		{"1e6", 6, "", true},
		{"", 6, "", true},
		{"1.2.3", 6, "", true},
	}
	for _, tt := range tests {
		got, err := ParseUnits(tt.amount, tt.decimals)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrBadAmount, "amount %q", tt.amount)
			continue
		}
		require.NoError(t, err, "amount %q", tt.amount)
		require.Equal(t, tt.want, got.String(), "amount %q", tt.amount)
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		in       string
		decimals uint8
		want     string
	}{
		{"100000000000000000000", 18, "100"},
		{"100500000", 6, "100.5"},
		{"1", 6, "0.000001"},
		{"0", 6, "0"},
		{"60000000000000000000", 18, "60"},
	}
	for _, tt := range tests {
		n, ok := new(big.Int).SetString(tt.in, 10)
		require.True(t, ok)
		require.Equal(t, tt.want, FormatUnits(n, tt.decimals), "base units %s", tt.in)
	}
}

// Any amount the wizard accepts must survive a parse/format/parse cycle
// unchanged in base units.
func TestUnitsRoundTrip(t *testing.T) {
	for _, amount := range []string{"1", "100", "0.25", "99.999999", "12345.000001", "0.5"} {
		for _, decimals := range []uint8{6, 18} {
			n, err := ParseUnits(amount, decimals)
			require.NoError(t, err)
			back, err := ParseUnits(FormatUnits(n, decimals), decimals)
			require.NoError(t, err)
			require.Zero(t, n.Cmp(back), "amount %q decimals %d", amount, decimals)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	const (
		evmOK  = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"
		tronOK = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t" // USDT-TRON token contract
	)
	require.NoError(t, ValidateAddress(ChainBSC, evmOK))
	require.NoError(t, ValidateAddress(ChainETH, evmOK))
	require.NoError(t, ValidateAddress(ChainTron, tronOK))

	// Cross-chain mistakes must fail syntactically.
	require.ErrorIs(t, ValidateAddress(ChainBSC, tronOK), ErrBadAddress)
	require.ErrorIs(t, ValidateAddress(ChainTron, evmOK), ErrBadAddress)

	require.ErrorIs(t, ValidateAddress(ChainBSC, "71C7656EC7ab88b098defB751B7401B5f6d8976F"), ErrBadAddress)
	require.ErrorIs(t, ValidateAddress(ChainBSC, "0x1234"), ErrBadAddress)
	require.ErrorIs(t, ValidateAddress(ChainTron, "T123"), ErrBadAddress)
}

func TestTronHexRoundTrip(t *testing.T) {
	const b58 = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

	hexAddr, err := TronToHex(b58)
	require.NoError(t, err)
	require.Len(t, hexAddr, 42)
	require.Equal(t, "41", hexAddr[:2])

	back, err := TronFromHex(hexAddr)
	require.NoError(t, err)
	require.Equal(t, b58, back)

	evm, err := TronToEVMAddress(b58)
	require.NoError(t, err)
	require.Equal(t, b58, TronFromEVMAddress(evm))
}
