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

package main

import (
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/p2pmmx/escrowd/config"
)

var dumpConfigCommand = &cli.Command{
	Name:   "dumpconfig",
	Usage:  "Export the effective configuration as TOML",
	Flags:  appFlags,
	Action: dumpConfig,
	Description: `Renders the configuration run would use, after defaults, the config
file, environment variables and flags are applied, in the format the
--config flag accepts.`,
}

// makeConfig assembles the effective configuration: built-in defaults,
// then the TOML file, then environment variables, then flags. Validation
// is left to the consumer; dumpconfig renders half-configured setups too.
func makeConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Defaults()
	if path := c.String(configFileFlag.Name); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	return cfg, nil
}

// applyFlags overlays explicitly set flags onto the config. A flag set
// through its environment variable counts as set, so either form wins
// over the file layer.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(devFlag.Name) {
		cfg.Dev = c.Bool(devFlag.Name)
	}

	if c.IsSet(botTokenFlag.Name) {
		cfg.Chat.BotToken = c.String(botTokenFlag.Name)
	}
	if c.IsSet(adminUserFlag.Name) {
		cfg.Chat.AdminUsername = c.String(adminUserFlag.Name)
	}
	if c.IsSet(adminIDFlag.Name) {
		cfg.Chat.AdminUserID = c.Int64(adminIDFlag.Name)
	}
	if c.IsSet(mainGroupFlag.Name) {
		cfg.Chat.MainGroupID = c.Int64(mainGroupFlag.Name)
	}

	if c.IsSet(dbURIFlag.Name) {
		cfg.DB.URI = c.String(dbURIFlag.Name)
	}
	if c.IsSet(dbNameFlag.Name) {
		cfg.DB.Name = c.String(dbNameFlag.Name)
	}

	if c.IsSet(bscRPCFlag.Name) {
		cfg.Chains.BSC.RPCURL = c.String(bscRPCFlag.Name)
	}
	if c.IsSet(ethRPCFlag.Name) {
		cfg.Chains.ETH.RPCURL = c.String(ethRPCFlag.Name)
	}
	if c.IsSet(polygonRPCFlag.Name) {
		cfg.Chains.Polygon.RPCURL = c.String(polygonRPCFlag.Name)
	}
	if c.IsSet(tronRPCFlag.Name) {
		cfg.Chains.Tron.NodeURL = c.String(tronRPCFlag.Name)
	}
	if c.IsSet(bscExplorerKeyFlag.Name) {
		cfg.Chains.BSC.ExplorerAPIKey = c.String(bscExplorerKeyFlag.Name)
	}
	if c.IsSet(ethExplorerKeyFlag.Name) {
		cfg.Chains.ETH.ExplorerAPIKey = c.String(ethExplorerKeyFlag.Name)
	}
	if c.IsSet(polygonExplorerKeyFlag.Name) {
		cfg.Chains.Polygon.ExplorerAPIKey = c.String(polygonExplorerKeyFlag.Name)
	}
	if c.IsSet(tronAPIKeyFlag.Name) {
		cfg.Chains.Tron.APIKey = c.String(tronAPIKeyFlag.Name)
	}
	if c.IsSet(hotWalletKeyFlag.Name) {
		cfg.Chains.HotWalletKey = c.String(hotWalletKeyFlag.Name)
	}
	if c.IsSet(tronKeyFlag.Name) {
		cfg.Chains.TronKey = c.String(tronKeyFlag.Name)
	}

	if c.IsSet(usdtBSCFlag.Name) {
		cfg.Tokens.USDTBSC = c.String(usdtBSCFlag.Name)
	}
	if c.IsSet(usdcBSCFlag.Name) {
		cfg.Tokens.USDCBSC = c.String(usdcBSCFlag.Name)
	}
	if c.IsSet(usdtTronFlag.Name) {
		cfg.Tokens.USDTTron = c.String(usdtTronFlag.Name)
	}

	if c.IsSet(feePercentFlag.Name) {
		cfg.Fees.Percent = c.Float64(feePercentFlag.Name)
	}
	if c.IsSet(feeBpsFlag.Name) {
		cfg.Fees.Bps = c.Int64(feeBpsFlag.Name)
	}
	if c.IsSet(feeWallet1Flag.Name) {
		cfg.Fees.Wallet1 = c.String(feeWallet1Flag.Name)
	}
	if c.IsSet(feeWallet2Flag.Name) {
		cfg.Fees.Wallet2 = c.String(feeWallet2Flag.Name)
	}
	if c.IsSet(feeWallet3Flag.Name) {
		cfg.Fees.Wallet3 = c.String(feeWallet3Flag.Name)
	}

	if c.IsSet(minTradeFlag.Name) {
		cfg.Trade.MinAmount = c.String(minTradeFlag.Name)
	}
	if c.IsSet(maxTradeFlag.Name) {
		cfg.Trade.MaxAmount = c.String(maxTradeFlag.Name)
	}
	if c.IsSet(depositTTLFlag.Name) {
		cfg.Trade.InactivityTimeout = time.Duration(c.Int64(depositTTLFlag.Name)) * time.Minute
	}
	if c.IsSet(recycleGraceFlag.Name) {
		cfg.Trade.RecycleGrace = c.Duration(recycleGraceFlag.Name)
	}

	if c.IsSet(watcherIntervalFlag.Name) {
		cfg.Watcher.Interval = c.Duration(watcherIntervalFlag.Name)
	}

	if c.IsSet(opsAddrFlag.Name) {
		cfg.Ops.Addr = c.String(opsAddrFlag.Name)
	}
	if c.IsSet(opsJWTSecretFlag.Name) {
		cfg.Ops.JWTSecret = c.String(opsJWTSecretFlag.Name)
	}
	if c.IsSet(opsCORSDomainFlag.Name) {
		cfg.Ops.CORSDomains = splitAndTrim(c.String(opsCORSDomainFlag.Name))
	}
}

// splitAndTrim splits a comma separated list, trimming whitespace and
// dropping empty entries.
func splitAndTrim(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dumpConfig(c *cli.Context) error {
	cfg, err := makeConfig(c)
	if err != nil {
		return err
	}
	out, err := cfg.Dump()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
