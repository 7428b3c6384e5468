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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func devDefaults() *Config {
	cfg := Defaults()
	cfg.Dev = true
	return cfg
}

func TestDefaultsValidateInDev(t *testing.T) {
	cfg := devDefaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresProductionKeys(t *testing.T) {
	cfg := Defaults()
	require.ErrorContains(t, cfg.Validate(), "BOT_TOKEN")

	cfg.Chat.BotToken = "123:abc"
	require.ErrorContains(t, cfg.Validate(), "DB_URI")

	cfg.DB.URI = "mongodb://localhost:27017"
	// Chains all default to configured explorer bases but Tron carries a
	// node URL, so the RPC check passes; the Tron key does not.
	require.ErrorContains(t, cfg.Validate(), "TRC_PRIVATE_KEY")

	cfg.Chains.TronKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	require.NoError(t, cfg.Validate())

	cfg.Chains.BSC.RPCURL = "https://bsc-dataseed.binance.org"
	require.ErrorContains(t, cfg.Validate(), "HOT_WALLET_PRIVATE_KEY")
}

func TestValidateFeeAgreement(t *testing.T) {
	cfg := devDefaults()
	cfg.Fees.Percent = 0.25
	cfg.Fees.Bps = 25
	require.NoError(t, cfg.Validate())

	cfg.Fees.Bps = 50
	require.ErrorContains(t, cfg.Validate(), "disagree")
}

func TestValidateDerivesMissingFeeForm(t *testing.T) {
	cfg := devDefaults()
	cfg.Fees.Percent = 0.75
	require.NoError(t, cfg.Validate())
	require.Equal(t, int64(75), cfg.Fees.Bps)

	cfg = devDefaults()
	cfg.Fees.Bps = 25
	require.NoError(t, cfg.Validate())
	require.Equal(t, 0.25, cfg.Fees.Percent)
}

func TestValidateFeeWallets(t *testing.T) {
	cfg := devDefaults()
	cfg.Fees.Wallet1 = "0x8894E0a0c962CB723c1976a4421c95949bE2D4E3"
	cfg.Fees.Wallet2 = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	require.NoError(t, cfg.Validate())

	cfg.Fees.Wallet3 = "not-an-address"
	require.ErrorContains(t, cfg.Validate(), "FEE_WALLET_3")
}

func TestValidateTradeAmounts(t *testing.T) {
	cfg := devDefaults()
	cfg.Trade.MinAmount = "10"
	cfg.Trade.MaxAmount = "5000.50"
	require.NoError(t, cfg.Validate())

	cfg.Trade.MinAmount = "9000"
	require.ErrorContains(t, cfg.Validate(), "exceeds")

	cfg.Trade.MinAmount = "ten"
	require.ErrorContains(t, cfg.Validate(), "MIN_TRADE_AMOUNT")
}

func TestValidateTokenContracts(t *testing.T) {
	cfg := devDefaults()
	cfg.Tokens.USDTBSC = "0xnope"
	require.ErrorContains(t, cfg.Validate(), "USDT_BSC_CONTRACT")
}

func TestDumpAndLoadRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.Chat.BotToken = "123:abc"
	cfg.Chat.AdminUserID = 42
	cfg.Trade.MinAmount = "25"
	cfg.Ops.Addr = "127.0.0.1:8645"
	cfg.Ops.CORSDomains = []string{"https://ops.example.com"}

	out, err := cfg.Dump()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, out, 0o600))

	loaded := Defaults()
	require.NoError(t, LoadFile(path, loaded))
	require.Equal(t, cfg, loaded)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Chat]\nBotTokn = \"oops\"\n"), 0o600))

	err := LoadFile(path, Defaults())
	require.Error(t, err)
	require.Contains(t, err.Error(), "BotTokn")
}

func TestLoadFileOverlaysNotReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[DB]\nURI = \"mongodb://db:27017\"\n"), 0o600))

	cfg := Defaults()
	require.NoError(t, LoadFile(path, cfg))
	require.Equal(t, "mongodb://db:27017", cfg.DB.URI)
	// Untouched sections keep their defaults.
	require.Equal(t, "escrowd", cfg.DB.Name)
	require.Equal(t, 7*time.Second, cfg.Watcher.Interval)
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv(EnvBotToken, "999:zzz")
	t.Setenv(EnvAdminUserID, "777")
	t.Setenv(EnvMainGroupID, "-1001234567890")
	t.Setenv(EnvFeePercent, "0.5")
	t.Setenv(EnvFeeBps, "50")
	t.Setenv(EnvDepositTTLMinutes, "90")
	t.Setenv(EnvUSDTBSCContract, "0x55d398326f99059fF775485246999027B3197955")

	cfg := Defaults()
	require.NoError(t, cfg.ApplyEnv())
	require.Equal(t, "999:zzz", cfg.Chat.BotToken)
	require.Equal(t, int64(777), cfg.Chat.AdminUserID)
	require.Equal(t, int64(-1001234567890), cfg.Chat.MainGroupID)
	require.Equal(t, 0.5, cfg.Fees.Percent)
	require.Equal(t, int64(50), cfg.Fees.Bps)
	require.Equal(t, 90*time.Minute, cfg.Trade.InactivityTimeout)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv(EnvAdminUserID, "not-a-number")
	require.ErrorContains(t, Defaults().ApplyEnv(), EnvAdminUserID)

	t.Setenv(EnvAdminUserID, "")
	t.Setenv(EnvDepositTTLMinutes, "-5")
	require.ErrorContains(t, Defaults().ApplyEnv(), EnvDepositTTLMinutes)
}
