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
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/p2pmmx/escrowd/config"
)

const (
	generalCategory  = "GENERAL"
	chatCategory     = "CHAT"
	databaseCategory = "DATABASE"
	chainCategory    = "CHAINS"
	feeCategory      = "FEES"
	tradeCategory    = "TRADING"
	watcherCategory  = "DEPOSIT WATCHER"
	opsCategory      = "OPS API"
	loggingCategory  = "LOGGING AND DEBUGGING"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: generalCategory,
	}
	devFlag = &cli.BoolFlag{
		Name:     "dev",
		Usage:    "Run with the in-memory store and relaxed credential checks",
		Category: generalCategory,
	}

	botTokenFlag = &cli.StringFlag{
		Name:     "chat.token",
		Usage:    "Telegram bot API token",
		EnvVars:  []string{config.EnvBotToken},
		Category: chatCategory,
	}
	adminUserFlag = &cli.StringFlag{
		Name:     "chat.admin",
		Usage:    "Operator handle rendered in dispute notices",
		EnvVars:  []string{config.EnvAdminUsername},
		Category: chatCategory,
	}
	adminIDFlag = &cli.Int64Flag{
		Name:     "chat.adminid",
		Usage:    "Operator user id allowed to run admin commands",
		EnvVars:  []string{config.EnvAdminUserID},
		Category: chatCategory,
	}
	mainGroupFlag = &cli.Int64Flag{
		Name:     "chat.maingroup",
		Usage:    "Group id where /deal may be used (0 allows any chat)",
		EnvVars:  []string{config.EnvMainGroupID},
		Category: chatCategory,
	}

	dbURIFlag = &cli.StringFlag{
		Name:     "db.uri",
		Usage:    "MongoDB connection string",
		EnvVars:  []string{config.EnvDBURI},
		Category: databaseCategory,
	}
	dbNameFlag = &cli.StringFlag{
		Name:     "db.name",
		Usage:    "Database name",
		EnvVars:  []string{config.EnvDBName},
		Category: databaseCategory,
	}

	bscRPCFlag = &cli.StringFlag{
		Name:     "bsc.rpc",
		Usage:    "BSC JSON-RPC endpoint",
		EnvVars:  []string{config.EnvBSCRPCURL},
		Category: chainCategory,
	}
	ethRPCFlag = &cli.StringFlag{
		Name:     "eth.rpc",
		Usage:    "Ethereum JSON-RPC endpoint",
		EnvVars:  []string{config.EnvETHRPCURL},
		Category: chainCategory,
	}
	polygonRPCFlag = &cli.StringFlag{
		Name:     "polygon.rpc",
		Usage:    "Polygon JSON-RPC endpoint",
		EnvVars:  []string{config.EnvPolygonRPCURL},
		Category: chainCategory,
	}
	tronRPCFlag = &cli.StringFlag{
		Name:     "tron.rpc",
		Usage:    "Tron fullnode HTTP API endpoint",
		EnvVars:  []string{config.EnvTronRPCURL},
		Category: chainCategory,
	}
	bscExplorerKeyFlag = &cli.StringFlag{
		Name:     "bsc.explorerkey",
		Usage:    "BscScan API key for the deposit explorer fallback",
		EnvVars:  []string{config.EnvBSCExplorerKey},
		Category: chainCategory,
	}
	ethExplorerKeyFlag = &cli.StringFlag{
		Name:     "eth.explorerkey",
		Usage:    "Etherscan API key for the deposit explorer fallback",
		EnvVars:  []string{config.EnvETHExplorerKey},
		Category: chainCategory,
	}
	polygonExplorerKeyFlag = &cli.StringFlag{
		Name:     "polygon.explorerkey",
		Usage:    "PolygonScan API key for the deposit explorer fallback",
		EnvVars:  []string{config.EnvPolygonExplorerKey},
		Category: chainCategory,
	}
	tronAPIKeyFlag = &cli.StringFlag{
		Name:     "tron.apikey",
		Usage:    "TronGrid API key",
		EnvVars:  []string{config.EnvTronAPIKey},
		Category: chainCategory,
	}
	hotWalletKeyFlag = &cli.StringFlag{
		Name:     "key.hotwallet",
		Usage:    "Hex private key signing owner calls on the EVM chains",
		EnvVars:  []string{config.EnvHotWalletKey},
		Category: chainCategory,
	}
	tronKeyFlag = &cli.StringFlag{
		Name:     "key.tron",
		Usage:    "Hex private key signing owner calls on Tron",
		EnvVars:  []string{config.EnvTronKey},
		Category: chainCategory,
	}
	usdtBSCFlag = &cli.StringFlag{
		Name:     "token.usdtbsc",
		Usage:    "USDT token contract on BSC",
		EnvVars:  []string{config.EnvUSDTBSCContract},
		Category: chainCategory,
	}
	usdcBSCFlag = &cli.StringFlag{
		Name:     "token.usdcbsc",
		Usage:    "USDC token contract on BSC",
		EnvVars:  []string{config.EnvUSDCBSCContract},
		Category: chainCategory,
	}
	usdtTronFlag = &cli.StringFlag{
		Name:     "token.usdttron",
		Usage:    "USDT token contract on Tron",
		EnvVars:  []string{config.EnvUSDTTronContract},
		Category: chainCategory,
	}

	feePercentFlag = &cli.Float64Flag{
		Name:     "fee.percent",
		Usage:    "Standard fee tier in percent (0.25 means 0.25%)",
		EnvVars:  []string{config.EnvFeePercent},
		Category: feeCategory,
	}
	feeBpsFlag = &cli.Int64Flag{
		Name:     "fee.bps",
		Usage:    "Standard fee tier in basis points; must agree with fee.percent",
		EnvVars:  []string{config.EnvFeeBps},
		Category: feeCategory,
	}
	feeWallet1Flag = &cli.StringFlag{
		Name:     "fee.wallet1",
		Usage:    "First fee payout wallet the deployed vaults carry",
		EnvVars:  []string{config.EnvFeeWallet1},
		Category: feeCategory,
	}
	feeWallet2Flag = &cli.StringFlag{
		Name:     "fee.wallet2",
		Usage:    "Second fee payout wallet the deployed vaults carry",
		EnvVars:  []string{config.EnvFeeWallet2},
		Category: feeCategory,
	}
	feeWallet3Flag = &cli.StringFlag{
		Name:     "fee.wallet3",
		Usage:    "Third fee payout wallet the deployed vaults carry",
		EnvVars:  []string{config.EnvFeeWallet3},
		Category: feeCategory,
	}

	minTradeFlag = &cli.StringFlag{
		Name:     "trade.min",
		Usage:    "Minimum trade quantity as a decimal",
		EnvVars:  []string{config.EnvMinTradeAmount},
		Category: tradeCategory,
	}
	maxTradeFlag = &cli.StringFlag{
		Name:     "trade.max",
		Usage:    "Maximum trade quantity as a decimal",
		EnvVars:  []string{config.EnvMaxTradeAmount},
		Category: tradeCategory,
	}
	depositTTLFlag = &cli.Int64Flag{
		Name:     "trade.depositttl",
		Usage:    "Minutes a funded trade may sit idle before it is disputed",
		EnvVars:  []string{config.EnvDepositTTLMinutes},
		Category: tradeCategory,
	}
	recycleGraceFlag = &cli.DurationFlag{
		Name:     "trade.recyclegrace",
		Usage:    "How long a finished trade's room stays up before recycling",
		Category: tradeCategory,
	}

	watcherIntervalFlag = &cli.DurationFlag{
		Name:     "watcher.interval",
		Usage:    "Interval between deposit scan passes",
		Category: watcherCategory,
	}

	opsAddrFlag = &cli.StringFlag{
		Name:     "ops.addr",
		Usage:    "Listen address for the operator HTTP API (empty disables it)",
		Category: opsCategory,
	}
	opsJWTSecretFlag = &cli.StringFlag{
		Name:     "ops.jwtsecret",
		Usage:    "HS256 secret guarding the admin endpoints",
		Category: opsCategory,
	}
	opsCORSDomainFlag = &cli.StringFlag{
		Name:     "ops.corsdomain",
		Usage:    "Comma separated list of origins allowed cross-origin access",
		Category: opsCategory,
	}

	verbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: loggingCategory,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:     "log.json",
		Usage:    "Format logs with JSON",
		Category: loggingCategory,
	}
	logFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to a file",
		Category: loggingCategory,
	}
	logMaxSizeFlag = &cli.IntFlag{
		Name:     "log.maxsize",
		Usage:    "Maximum size in MBs of a single log file",
		Value:    100,
		Category: loggingCategory,
	}
	logMaxBackupsFlag = &cli.IntFlag{
		Name:     "log.maxbackups",
		Usage:    "Maximum number of log files to retain",
		Value:    10,
		Category: loggingCategory,
	}
)

// appFlags is the full flag set, shared by every command so flags work in
// either position.
var appFlags = []cli.Flag{
	configFileFlag, devFlag,
	botTokenFlag, adminUserFlag, adminIDFlag, mainGroupFlag,
	dbURIFlag, dbNameFlag,
	bscRPCFlag, ethRPCFlag, polygonRPCFlag, tronRPCFlag,
	bscExplorerKeyFlag, ethExplorerKeyFlag, polygonExplorerKeyFlag, tronAPIKeyFlag,
	hotWalletKeyFlag, tronKeyFlag,
	usdtBSCFlag, usdcBSCFlag, usdtTronFlag,
	feePercentFlag, feeBpsFlag, feeWallet1Flag, feeWallet2Flag, feeWallet3Flag,
	minTradeFlag, maxTradeFlag, depositTTLFlag, recycleGraceFlag,
	watcherIntervalFlag,
	opsAddrFlag, opsJWTSecretFlag, opsCORSDomainFlag,
	verbosityFlag, logJSONFlag, logFileFlag, logMaxSizeFlag, logMaxBackupsFlag,
}

// setupLogging installs the root log handler from the logging flags:
// colored terminal output on a TTY, JSON when asked, a rotating file sink
// when log.file is set.
func setupLogging(c *cli.Context) error {
	logFile := c.String(logFileFlag.Name)
	output := io.Writer(os.Stderr)
	if logFile != "" {
		output = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    c.Int(logMaxSizeFlag.Name),
			MaxBackups: c.Int(logMaxBackupsFlag.Name),
			Compress:   true,
		}
	}

	var handler slog.Handler
	if c.Bool(logJSONFlag.Name) {
		handler = log.JSONHandler(output)
	} else {
		useColor := logFile == "" &&
			(isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) &&
			os.Getenv("TERM") != "dumb"
		handler = log.NewTerminalHandler(output, useColor)
	}

	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(log.FromLegacyLevel(c.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))
	return nil
}
