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

// Package asset defines the token and chain identifiers shared by the
// coordinator and the exact conversions between human decimal amounts and
// on-chain base units. Base units are the source of truth everywhere;
// human strings exist only at the rendering and input boundaries.
package asset

import (
	"errors"
	"fmt"
	"strings"
)

// Token is an upper-case token symbol, e.g. "USDT".
type Token string

// Chain is a canonical upper-case chain identifier, e.g. "BSC".
type Chain string

// Canonical chains known to the coordinator.
const (
	ChainBSC     Chain = "BSC"
	ChainETH     Chain = "ETH"
	ChainPolygon Chain = "POLYGON"
	ChainTron    Chain = "TRON"
)

// Tokens the coordinator trades.
const (
	TokenUSDT Token = "USDT"
	TokenUSDC Token = "USDC"
)

// Family is the driver family a chain dispatches to.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyEVM
	FamilyTron
)

func (f Family) String() string {
	switch f {
	case FamilyEVM:
		return "evm"
	case FamilyTron:
		return "tron"
	default:
		return "unknown"
	}
}

// Family reports which driver family serves the chain.
func (c Chain) Family() Family {
	switch c {
	case ChainBSC, ChainETH, ChainPolygon:
		return FamilyEVM
	case ChainTron:
		return FamilyTron
	default:
		return FamilyUnknown
	}
}

// Pair identifies a token on a specific chain. It is the key of the
// decimals table and of the token contract configuration.
type Pair struct {
	Token Token
	Chain Chain
}

func (p Pair) String() string {
	return string(p.Token) + "-" + string(p.Chain)
}

// ErrUnknownChain is returned for chain names outside the alias table.
var ErrUnknownChain = errors.New("unknown chain")

// ErrUnknownPair is returned when a (token, chain) pair has no decimals
// entry. Unknown pairs are refused outright: defaulting to 18 silently
// corrupts amounts on 6-decimal tokens.
var ErrUnknownPair = errors.New("unknown token/chain pair")

// chainAliases collapses the spellings users and legacy records use into
// canonical chain identifiers.
var chainAliases = map[string]Chain{
	"BSC":      ChainBSC,
	"BNB":      ChainBSC,
	"BEP20":    ChainBSC,
	"BEP-20":   ChainBSC,
	"ETH":      ChainETH,
	"ETHEREUM": ChainETH,
	"ERC20":    ChainETH,
	"ERC-20":   ChainETH,
	"POLYGON":  ChainPolygon,
	"MATIC":    ChainPolygon,
	"TRON":     ChainTron,
	"TRC20":    ChainTron,
	"TRC-20":   ChainTron,
}

// NormalizeChain resolves a user- or legacy-supplied chain name to its
// canonical identifier.
func NormalizeChain(name string) (Chain, error) {
	c, ok := chainAliases[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, name)
	}
	return c, nil
}

// NormalizeToken upper-cases and trims a token symbol. Symbols are not
// validated against a closed set here; the registry decides what is
// actually deployed.
func NormalizeToken(name string) Token {
	return Token(strings.ToUpper(strings.TrimSpace(name)))
}

// decimalsTable is the explicit per-pair scale. Every tradable pair must
// appear here; there is deliberately no default.
var decimalsTable = map[Pair]uint8{
	{TokenUSDT, ChainBSC}:     18,
	{TokenUSDC, ChainBSC}:     18,
	{TokenUSDT, ChainETH}:     6,
	{TokenUSDC, ChainETH}:     6,
	{TokenUSDT, ChainPolygon}: 6,
	{TokenUSDC, ChainPolygon}: 6,
	{TokenUSDT, ChainTron}:    6,
}

// Decimals returns the base-unit scale for a pair, refusing unknown pairs.
func Decimals(token Token, chain Chain) (uint8, error) {
	d, ok := decimalsTable[Pair{token, chain}]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPair, Pair{token, chain})
	}
	return d, nil
}

// KnownPairs returns every pair present in the decimals table.
func KnownPairs() []Pair {
	pairs := make([]Pair, 0, len(decimalsTable))
	for p := range decimalsTable {
		pairs = append(pairs, p)
	}
	return pairs
}

// Chains returns the canonical chains the coordinator understands.
func Chains() []Chain {
	return []Chain{ChainBSC, ChainETH, ChainPolygon, ChainTron}
}
