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

// Package config holds the daemon's operator-facing configuration: a flat
// struct loaded in layers (built-in defaults, then a TOML file, then
// environment variables, then command-line flags applied by the caller)
// and validated once before anything starts. The struct deliberately
// knows nothing about the components it configures; the daemon maps it
// onto each component's own config type.
package config

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"

	"github.com/p2pmmx/escrowd/asset"
)

// Config is the complete daemon configuration.
type Config struct {
	// Dev runs against the in-memory store and relaxes the required-key
	// checks, for local development.
	Dev bool

	DB      DBConfig
	Chat    ChatConfig
	Trade   TradeConfig
	Fees    FeeConfig
	Chains  ChainsConfig
	Tokens  TokensConfig
	Watcher WatcherConfig
	Ops     OpsConfig
}

// DBConfig selects the persistence backend.
type DBConfig struct {
	// URI is the MongoDB connection string. Ignored under Dev.
	URI  string
	Name string
}

// ChatConfig configures the Telegram surface and admin identity.
type ChatConfig struct {
	BotToken string
	// BaseURL overrides the Bot API origin, for tests and proxies.
	BaseURL       string
	AdminUsername string
	AdminUserID   int64
	// MainGroupID restricts where /deal may run. Zero disables the gate.
	MainGroupID int64
	PollTimeout time.Duration
	// MessageTTL is how long service messages stay up before deletion.
	MessageTTL time.Duration
}

// TradeConfig bounds trades and times out stalled ones.
type TradeConfig struct {
	// MinAmount and MaxAmount bound the wizard quantity, as decimal
	// strings. Empty means unbounded.
	MinAmount string
	MaxAmount string
	// JoinTimeout cancels deals nobody finished joining.
	JoinTimeout time.Duration
	// InactivityTimeout acts on trades stalled after the deposit address
	// went out.
	InactivityTimeout time.Duration
	// RecycleGrace delays room recycling after a terminal state.
	RecycleGrace time.Duration
}

// FeeConfig is the operator's standard fee tier plus the payout wallets
// the deployed vaults are expected to carry. Registry rows hold the
// binding per-vault tier; these figures seed registrations and feed the
// startup drift audit.
type FeeConfig struct {
	// Percent is the decimal form, e.g. 0.25 for 0.25%.
	Percent float64
	// Bps is the on-chain form. Must equal round(Percent * 100).
	Bps     int64
	Wallet1 string
	Wallet2 string
	Wallet3 string
}

// EVMChainConfig configures one EVM chain endpoint.
type EVMChainConfig struct {
	RPCURL string
	// ChainID pins the transaction signer; zero queries the node.
	ChainID int64
	// GasLimit overrides estimation when non-zero.
	GasLimit uint64
	// GasPriceWei overrides the node's suggestion when non-empty.
	GasPriceWei    string
	ExplorerURL    string
	ExplorerAPIKey string
}

// TronChainConfig configures the Tron fullnode endpoint.
type TronChainConfig struct {
	NodeURL string
	// EventsURL is the account/event API base; empty means NodeURL.
	EventsURL string
	APIKey    string
	// FeeLimitSun caps energy spend per transaction.
	FeeLimitSun int64
}

// ChainsConfig carries every chain endpoint and the two signing keys.
// A chain with an empty RPC URL is simply not served.
type ChainsConfig struct {
	BSC     EVMChainConfig
	ETH     EVMChainConfig
	Polygon EVMChainConfig
	Tron    TronChainConfig
	// HotWalletKey signs owner calls on every EVM chain.
	HotWalletKey string
	// TronKey signs owner calls on Tron.
	TronKey string
}

// TokensConfig pins the deposit token contracts. The defaults are the
// mainnet deployments.
type TokensConfig struct {
	USDTBSC  string
	USDCBSC  string
	USDTTron string
}

// WatcherConfig tunes the deposit scanner.
type WatcherConfig struct {
	Interval time.Duration
	// ChainRate caps RPC calls per chain, in calls per second.
	ChainRate  float64
	ChainBurst int
	// EmptyScanThreshold is how many consecutive empty RPC scans a trade
	// tolerates before the explorer fallback kicks in.
	EmptyScanThreshold int
	// MaxBlockSpan bounds one scan window on chains cursored by block
	// number.
	MaxBlockSpan uint64
	// MaxTimeSpan bounds one scan window on chains cursored by timestamp
	// (Tron). It must comfortably exceed the scan interval or the cursor
	// can never catch up to the head.
	MaxTimeSpan time.Duration
}

// OpsConfig configures the operator HTTP API. An empty Addr disables it.
type OpsConfig struct {
	Addr string
	// JWTSecret signs admin requests (HS256). Empty leaves the admin
	// endpoints disabled.
	JWTSecret string
	// CORSDomains are the allowed cross-origin domains.
	CORSDomains []string
}

// Defaults returns a config with every tunable at its production
// default. Credentials and endpoints stay empty; dumpconfig emits this
// as the starting template.
func Defaults() *Config {
	return &Config{
		DB: DBConfig{Name: "escrowd"},
		Chat: ChatConfig{
			PollTimeout: 50 * time.Second,
			MessageTTL:  5 * time.Minute,
		},
		Trade: TradeConfig{
			JoinTimeout:       5 * time.Minute,
			InactivityTimeout: time.Hour,
			RecycleGrace:      5 * time.Minute,
		},
		Chains: ChainsConfig{
			BSC:     EVMChainConfig{ChainID: 56, ExplorerURL: "https://api.bscscan.com"},
			ETH:     EVMChainConfig{ChainID: 1, ExplorerURL: "https://api.etherscan.io"},
			Polygon: EVMChainConfig{ChainID: 137, ExplorerURL: "https://api.polygonscan.com"},
			Tron: TronChainConfig{
				NodeURL:     "https://api.trongrid.io",
				FeeLimitSun: 100_000_000,
			},
		},
		Tokens: TokensConfig{
			USDTBSC:  "0x55d398326f99059fF775485246999027B3197955",
			USDCBSC:  "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
			USDTTron: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		},
		Watcher: WatcherConfig{
			Interval:           7 * time.Second,
			ChainRate:          4,
			ChainBurst:         2,
			EmptyScanThreshold: 10,
			MaxBlockSpan:       5000,
			MaxTimeSpan:        10 * time.Minute,
		},
	}
}

// tomlSettings keeps TOML keys identical to the Go field names and
// rejects keys the struct does not define, so a typo in the config file
// fails loudly instead of silently configuring nothing.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// LoadFile overlays the TOML file at path onto cfg. Fields absent from
// the file keep their current values.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	err = tomlSettings.NewDecoder(f).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return err
}

// Dump renders cfg as TOML, for the dumpconfig command.
func (c *Config) Dump() ([]byte, error) {
	return tomlSettings.Marshal(c)
}

// Validate checks cross-field consistency and required keys. Dev mode
// waives the credentials a local run does not need.
func (c *Config) Validate() error {
	if !c.Dev {
		if c.Chat.BotToken == "" {
			return errors.New("config: BOT_TOKEN is required")
		}
		if c.DB.URI == "" {
			return errors.New("config: DB_URI is required")
		}
		if !c.anyChainConfigured() {
			return errors.New("config: no chain RPC configured")
		}
	}
	if c.DB.Name == "" {
		return errors.New("config: database name must not be empty")
	}

	if err := c.validateFees(); err != nil {
		return err
	}
	if err := c.validateTokens(); err != nil {
		return err
	}
	if err := c.validateAmounts(); err != nil {
		return err
	}

	if c.Chains.BSC.RPCURL != "" || c.Chains.ETH.RPCURL != "" || c.Chains.Polygon.RPCURL != "" {
		if c.Chains.HotWalletKey == "" && !c.Dev {
			return errors.New("config: HOT_WALLET_PRIVATE_KEY is required for EVM chains")
		}
	}
	if c.Chains.Tron.NodeURL != "" && c.tronServed() && c.Chains.TronKey == "" && !c.Dev {
		return errors.New("config: TRC_PRIVATE_KEY is required for Tron")
	}
	return nil
}

// tronServed reports whether any Tron token contract is configured, which
// is what actually puts the chain in rotation.
func (c *Config) tronServed() bool {
	return c.Tokens.USDTTron != ""
}

func (c *Config) anyChainConfigured() bool {
	return c.Chains.BSC.RPCURL != "" || c.Chains.ETH.RPCURL != "" ||
		c.Chains.Polygon.RPCURL != "" || c.Chains.Tron.NodeURL != ""
}

// validateFees asserts the two fee forms agree. When only one form is
// set the other is derived, so operators may configure either.
func (c *Config) validateFees() error {
	if c.Fees.Percent < 0 || c.Fees.Bps < 0 {
		return errors.New("config: fee must not be negative")
	}
	switch {
	case c.Fees.Percent != 0 && c.Fees.Bps == 0:
		c.Fees.Bps = int64(math.Round(c.Fees.Percent * 100))
	case c.Fees.Percent == 0 && c.Fees.Bps != 0:
		c.Fees.Percent = float64(c.Fees.Bps) / 100
	case c.Fees.Percent != 0 && c.Fees.Bps != 0:
		if int64(math.Round(c.Fees.Percent*100)) != c.Fees.Bps {
			return fmt.Errorf("config: ESCROW_FEE_PERCENT %v and ESCROW_FEE_BPS %d disagree", c.Fees.Percent, c.Fees.Bps)
		}
	}
	for i, wallet := range []string{c.Fees.Wallet1, c.Fees.Wallet2, c.Fees.Wallet3} {
		if wallet == "" {
			continue
		}
		if err := validateAnyAddress(wallet); err != nil {
			return fmt.Errorf("config: FEE_WALLET_%d: %v", i+1, err)
		}
	}
	return nil
}

func (c *Config) validateTokens() error {
	checks := []struct {
		key   string
		chain asset.Chain
		addr  string
	}{
		{"USDT_BSC_CONTRACT", asset.ChainBSC, c.Tokens.USDTBSC},
		{"USDC_BSC_CONTRACT", asset.ChainBSC, c.Tokens.USDCBSC},
		{"USDT_TRON_CONTRACT", asset.ChainTron, c.Tokens.USDTTron},
	}
	for _, tc := range checks {
		if tc.addr == "" {
			continue
		}
		if err := asset.ValidateAddress(tc.chain, tc.addr); err != nil {
			return fmt.Errorf("config: %s: %v", tc.key, err)
		}
	}
	return nil
}

func (c *Config) validateAmounts() error {
	var minAmt, maxAmt *big.Rat
	if c.Trade.MinAmount != "" {
		r, ok := new(big.Rat).SetString(c.Trade.MinAmount)
		if !ok || r.Sign() <= 0 {
			return fmt.Errorf("config: MIN_TRADE_AMOUNT %q is not a positive decimal", c.Trade.MinAmount)
		}
		minAmt = r
	}
	if c.Trade.MaxAmount != "" {
		r, ok := new(big.Rat).SetString(c.Trade.MaxAmount)
		if !ok || r.Sign() <= 0 {
			return fmt.Errorf("config: MAX_TRADE_AMOUNT %q is not a positive decimal", c.Trade.MaxAmount)
		}
		maxAmt = r
	}
	if minAmt != nil && maxAmt != nil && minAmt.Cmp(maxAmt) > 0 {
		return fmt.Errorf("config: MIN_TRADE_AMOUNT %s exceeds MAX_TRADE_AMOUNT %s", c.Trade.MinAmount, c.Trade.MaxAmount)
	}
	return nil
}

// validateAnyAddress accepts an address from either chain family, since
// fee wallets exist on every chain the vaults are deployed to.
func validateAnyAddress(addr string) error {
	if asset.ValidateAddress(asset.ChainBSC, addr) == nil {
		return nil
	}
	if asset.ValidateAddress(asset.ChainTron, addr) == nil {
		return nil
	}
	return fmt.Errorf("address %q is neither an EVM nor a Tron address", addr)
}
