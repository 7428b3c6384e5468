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

// Package vaultabi carries the ABI fragments for the escrow vault contract
// and the minimal ERC-20 surface the drivers touch. The same encodings are
// reused on Tron, whose TVM keeps the Ethereum ABI wire format.
package vaultabi

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const vaultJSON = `[
	{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"tokenAddress","type":"address"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdrawTokens","stateMutability":"nonpayable","inputs":[{"name":"tokenAddress","type":"address"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"feePercent","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"feeWallet1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"feeWallet2","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"feeWallet3","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"accumulatedFees","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"FundsReleased","anonymous":false,"inputs":[{"name":"tokenAddress","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const erc20JSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	// Vault is the parsed escrow vault ABI.
	Vault abi.ABI
	// ERC20 is the parsed minimal token ABI.
	ERC20 abi.ABI
	// TransferTopic is the keccak topic of the ERC-20 Transfer event.
	TransferTopic common.Hash
)

func init() {
	var err error
	Vault, err = abi.JSON(strings.NewReader(vaultJSON))
	if err != nil {
		panic("vaultabi: bad vault abi: " + err.Error())
	}
	ERC20, err = abi.JSON(strings.NewReader(erc20JSON))
	if err != nil {
		panic("vaultabi: bad erc20 abi: " + err.Error())
	}
	TransferTopic = ERC20.Events["Transfer"].ID
}

// PackRelease encodes vault.releaseFunds(token, recipient, amount).
func PackRelease(token, recipient common.Address, amount *big.Int) ([]byte, error) {
	return Vault.Pack("releaseFunds", token, recipient, amount)
}

// PackWithdraw encodes vault.withdrawTokens(token, recipient, amount).
func PackWithdraw(token, recipient common.Address, amount *big.Int) ([]byte, error) {
	return Vault.Pack("withdrawTokens", token, recipient, amount)
}

// PackBalanceOf encodes token.balanceOf(holder).
func PackBalanceOf(holder common.Address) ([]byte, error) {
	return ERC20.Pack("balanceOf", holder)
}

// UnpackBalance decodes the balanceOf return word.
func UnpackBalance(data []byte) (*big.Int, error) {
	out, err := ERC20.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// FeeWalletViews names the vault's fee wallet getters in slot order.
var FeeWalletViews = []string{"feeWallet1", "feeWallet2", "feeWallet3"}

// PackVaultView encodes a no-argument vault view call such as feePercent
// or feeWallet1.
func PackVaultView(name string) ([]byte, error) {
	return Vault.Pack(name)
}

// UnpackVaultUint decodes a uint256-returning vault view.
func UnpackVaultUint(name string, data []byte) (*big.Int, error) {
	out, err := Vault.Unpack(name, data)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// UnpackVaultAddress decodes an address-returning vault view.
func UnpackVaultAddress(name string, data []byte) (common.Address, error) {
	out, err := Vault.Unpack(name, data)
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}
