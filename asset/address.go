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
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
)

// tronPrefix is the version byte of a Tron mainnet address; base58 strings
// carrying it start with 'T'.
const tronPrefix = 0x41

// ErrBadAddress is returned for addresses that fail the chain-specific
// syntactic checks.
var ErrBadAddress = errors.New("invalid address")

// ValidateAddress applies the chain-specific syntactic rule from the trade
// wizard: EVM chains require 0x followed by 40 hex characters, Tron
// requires a T-prefixed 34-character base58check string. It never consults
// the network.
func ValidateAddress(chain Chain, address string) error {
	address = strings.TrimSpace(address)
	switch chain.Family() {
	case FamilyEVM:
		if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
			return fmt.Errorf("%w: %q is not a 0x-prefixed 40-hex address", ErrBadAddress, address)
		}
		return nil
	case FamilyTron:
		if _, err := TronToHex(address); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported chain %q", ErrBadAddress, chain)
	}
}

// TronToHex decodes a base58check Tron address into its 41-prefixed hex
// form. All persistent storage keeps the base58 form; hex exists only at
// the RPC edge.
func TronToHex(address string) (string, error) {
	address = strings.TrimSpace(address)
	if len(address) != 34 || address[0] != 'T' {
		return "", fmt.Errorf("%w: %q is not a T-prefixed base58 address", ErrBadAddress, address)
	}
	payload, version, err := base58.CheckDecode(address)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadAddress, address, err)
	}
	if version != tronPrefix || len(payload) != 20 {
		return "", fmt.Errorf("%w: %q has wrong version or length", ErrBadAddress, address)
	}
	return fmt.Sprintf("%02x%x", version, payload), nil
}

// TronFromHex encodes a 41-prefixed hex address (as returned by Tron nodes)
// back into the canonical base58check form.
func TronFromHex(hexAddr string) (string, error) {
	hexAddr = strings.TrimPrefix(strings.TrimSpace(hexAddr), "0x")
	raw, err := hex.DecodeString(hexAddr)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadAddress, hexAddr, err)
	}
	if len(raw) != 21 || raw[0] != tronPrefix {
		return "", fmt.Errorf("%w: %q is not a 41-prefixed tron address", ErrBadAddress, hexAddr)
	}
	return base58.CheckEncode(raw[1:], raw[0]), nil
}

// TronToEVMAddress converts a base58 Tron address into the 20-byte form
// used for ABI encoding. Tron contracts consume EVM-style address words.
func TronToEVMAddress(address string) (common.Address, error) {
	hexAddr, err := TronToHex(address)
	if err != nil {
		return common.Address{}, err
	}
	raw, err := hex.DecodeString(hexAddr[2:])
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %q: %v", ErrBadAddress, address, err)
	}
	return common.BytesToAddress(raw), nil
}

// TronFromEVMAddress renders a 20-byte address word as base58check.
func TronFromEVMAddress(addr common.Address) string {
	return base58.CheckEncode(addr.Bytes(), tronPrefix)
}
