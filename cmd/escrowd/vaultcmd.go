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
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/config"
	"github.com/p2pmmx/escrowd/store/memstore"
	"github.com/p2pmmx/escrowd/store/mongostore"
	"github.com/p2pmmx/escrowd/vaultreg"
)

var (
	vaultTokenFlag = &cli.StringFlag{
		Name:  "token",
		Usage: "Token symbol (USDT, USDC)",
		Value: string(asset.TokenUSDT),
	}
	vaultChainFlag = &cli.StringFlag{
		Name:     "chain",
		Usage:    "Chain name or alias (BSC, BEP20, ETH, POLYGON, TRON, TRC20)",
		Required: true,
	}
	vaultAddressFlag = &cli.StringFlag{
		Name:     "address",
		Usage:    "Deployed vault contract address",
		Required: true,
	}
	vaultFeeFlag = &cli.Float64Flag{
		Name:  "fee-percent",
		Usage: "Fee tier of this vault in percent; 0 uses the configured standard tier",
	}
	vaultRoomFlag = &cli.Int64Flag{
		Name:  "room",
		Usage: "Pin the vault to one room group id; 0 leaves it usable by any room",
	}
)

var vaultsCommand = &cli.Command{
	Name:   "vaults",
	Usage:  "Manage the registered vault fleet",
	Flags:  appFlags,
	Action: vaultsList,
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "Print the registered vault fleet",
			Flags:  appFlags,
			Action: vaultsList,
		},
		{
			Name:  "add",
			Usage: "Register a deployed vault contract",
			Description: `Registers a vault for one token/chain pair. The fee tier defaults to
the configured standard tier (fee.percent / fee.bps) and can be set
per vault with --fee-percent; the address must parse on the chosen
chain. --room pins the vault to one room's trades.`,
			Flags:  append([]cli.Flag{vaultTokenFlag, vaultChainFlag, vaultAddressFlag, vaultFeeFlag, vaultRoomFlag}, appFlags...),
			Action: vaultsAdd,
		},
		{
			Name:   "remove",
			Usage:  "Remove a free vault from the fleet",
			Flags:  append([]cli.Flag{vaultChainFlag, vaultAddressFlag}, appFlags...),
			Action: vaultsRemove,
		},
	},
}

// openRegistry connects the vaults commands to the same store the daemon
// would use. The returned closer is nil for the in-memory backend.
func openRegistry(ctx context.Context, cfg *config.Config) (*vaultreg.Registry, func(context.Context) error, error) {
	if cfg.Dev {
		reg, err := vaultreg.New(memstore.New(), log.Root())
		return reg, nil, err
	}
	if cfg.DB.URI == "" {
		return nil, nil, errors.New("vaults: DB_URI is required (or pass --dev)")
	}
	st, err := mongostore.Open(ctx, cfg.DB.URI, cfg.DB.Name, log.Root())
	if err != nil {
		return nil, nil, err
	}
	reg, err := vaultreg.New(st, log.Root())
	if err != nil {
		st.Close(ctx)
		return nil, nil, err
	}
	return reg, st.Close, nil
}

func vaultsList(c *cli.Context) error {
	if err := setupLogging(c); err != nil {
		return err
	}
	cfg, err := makeConfig(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	reg, closeStore, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore(ctx)
	}

	contracts, err := reg.List(ctx)
	if err != nil {
		return err
	}
	if len(contracts) == 0 {
		fmt.Println("no vaults registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Token", "Chain", "Address", "Fee %", "Bps", "Room", "In Use By"})
	for _, v := range contracts {
		room := ""
		if v.GroupID != 0 {
			room = strconv.FormatInt(v.GroupID, 10)
		}
		table.Append([]string{
			string(v.Token),
			string(v.Chain),
			v.Address,
			strconv.FormatFloat(v.FeePercent, 'f', -1, 64),
			strconv.FormatInt(v.FeeBps, 10),
			room,
			v.InUseBy,
		})
	}
	table.Render()
	return nil
}

func vaultsAdd(c *cli.Context) error {
	if err := setupLogging(c); err != nil {
		return err
	}
	cfg, err := makeConfig(c)
	if err != nil {
		return err
	}

	// The configured tier may arrive in either form; derive the missing
	// one the same way startup validation does. A --fee-percent overrides
	// both.
	percent, bps := cfg.Fees.Percent, cfg.Fees.Bps
	switch {
	case percent != 0 && bps == 0:
		bps = int64(math.Round(percent * 100))
	case percent == 0 && bps != 0:
		percent = float64(bps) / 100
	}
	if p := c.Float64(vaultFeeFlag.Name); p != 0 {
		percent, bps = p, int64(math.Round(p*100))
	}

	ctx := context.Background()
	reg, closeStore, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore(ctx)
	}

	contract := &vaultreg.Contract{
		Token:      asset.Token(c.String(vaultTokenFlag.Name)),
		Chain:      asset.Chain(c.String(vaultChainFlag.Name)),
		Address:    c.String(vaultAddressFlag.Name),
		FeePercent: percent,
		FeeBps:     bps,
		GroupID:    c.Int64(vaultRoomFlag.Name),
	}
	if err := reg.AddContract(ctx, contract); err != nil {
		return err
	}
	fmt.Printf("registered %s/%s vault %s at %d bps\n",
		contract.Token, contract.Chain, contract.Address, contract.FeeBps)
	return nil
}

func vaultsRemove(c *cli.Context) error {
	if err := setupLogging(c); err != nil {
		return err
	}
	cfg, err := makeConfig(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	reg, closeStore, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore(ctx)
	}

	address := c.String(vaultAddressFlag.Name)
	if err := reg.RemoveContract(ctx, asset.Chain(c.String(vaultChainFlag.Name)), address); err != nil {
		return err
	}
	fmt.Printf("removed vault %s\n", address)
	return nil
}
