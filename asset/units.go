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
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrBadAmount is returned for amount strings that are not plain positive
// decimals, or that carry more fractional digits than the token scale.
var ErrBadAmount = errors.New("invalid amount")

var ten = big.NewInt(10)

// pow10 returns 10^n as a fresh big.Int.
func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(n)), nil)
}

// ParseUnits converts a human decimal string into base units without ever
// touching floating point. "1.5" with 6 decimals yields 1500000. Amounts
// with a fractional part longer than the scale are rejected rather than
// rounded; money does not round here.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadAmount)
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("%w: signed value %q", ErrBadAmount, amount)
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadAmount, amount)
		}
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return nil, fmt.Errorf("%w: %q", ErrBadAmount, amount)
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q exceeds %d decimals", ErrBadAmount, amount, decimals)
	}
	// Right-pad the fraction to the full scale and concatenate.
	frac += strings.Repeat("0", int(decimals)-len(frac))
	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadAmount, amount)
	}
	return n, nil
}

// FormatUnits renders base units as a human decimal string, trimming
// trailing fractional zeros. It is the only sanctioned path from wei-level
// amounts back to displayable text.
func FormatUnits(n *big.Int, decimals uint8) string {
	if n == nil {
		return "0"
	}
	if decimals == 0 {
		return n.String()
	}
	neg := n.Sign() < 0
	abs := new(big.Int).Abs(n)
	quo, rem := new(big.Int).QuoRem(abs, pow10(decimals), new(big.Int))
	out := quo.String()
	if rem.Sign() > 0 {
		frac := fmt.Sprintf("%0*s", decimals, rem.String())
		frac = strings.TrimRight(frac, "0")
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// MustParseUnits is ParseUnits for trusted compile-time constants.
func MustParseUnits(amount string, decimals uint8) *big.Int {
	n, err := ParseUnits(amount, decimals)
	if err != nil {
		panic(err)
	}
	return n
}

// CompareAmounts parses two human decimal strings at the given scale and
// compares them exactly, returning the usual -1/0/1.
func CompareAmounts(a, b string, decimals uint8) (int, error) {
	x, err := ParseUnits(a, decimals)
	if err != nil {
		return 0, err
	}
	y, err := ParseUnits(b, decimals)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
