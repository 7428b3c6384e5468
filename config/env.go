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
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names. Each maps onto one Config field; the cmd
// layer additionally binds them onto flags so either form works.
const (
	EnvBotToken           = "BOT_TOKEN"
	EnvAdminUsername      = "ADMIN_USERNAME"
	EnvAdminUserID        = "ADMIN_USER_ID"
	EnvMainGroupID        = "ALLOWED_MAIN_GROUP_ID"
	EnvDBURI              = "DB_URI"
	EnvDBName             = "DB_NAME"
	EnvBSCRPCURL          = "BSC_RPC_URL"
	EnvETHRPCURL          = "ETH_RPC_URL"
	EnvPolygonRPCURL      = "POLYGON_RPC_URL"
	EnvTronRPCURL         = "TRON_RPC_URL"
	EnvBSCExplorerKey     = "BSC_EXPLORER_API_KEY"
	EnvETHExplorerKey     = "ETH_EXPLORER_API_KEY"
	EnvPolygonExplorerKey = "POLYGON_EXPLORER_API_KEY"
	EnvTronAPIKey         = "TRONGRID_API_KEY"
	EnvHotWalletKey       = "HOT_WALLET_PRIVATE_KEY"
	EnvTronKey            = "TRC_PRIVATE_KEY"
	EnvUSDTBSCContract    = "USDT_BSC_CONTRACT"
	EnvUSDCBSCContract    = "USDC_BSC_CONTRACT"
	EnvUSDTTronContract   = "USDT_TRON_CONTRACT"
	EnvFeePercent         = "ESCROW_FEE_PERCENT"
	EnvFeeBps             = "ESCROW_FEE_BPS"
	EnvMinTradeAmount     = "MIN_TRADE_AMOUNT"
	EnvMaxTradeAmount     = "MAX_TRADE_AMOUNT"
	EnvDepositTTLMinutes  = "DEPOSIT_ADDRESS_TTL_MINUTES"
	EnvFeeWallet1         = "FEE_WALLET_1"
	EnvFeeWallet2         = "FEE_WALLET_2"
	EnvFeeWallet3         = "FEE_WALLET_3"
)

// ApplyEnv overlays set environment variables onto the config. Unset
// variables leave the current value alone, so the file layer shows
// through.
func (c *Config) ApplyEnv() error {
	setString(&c.Chat.BotToken, EnvBotToken)
	setString(&c.Chat.AdminUsername, EnvAdminUsername)
	setString(&c.DB.URI, EnvDBURI)
	setString(&c.DB.Name, EnvDBName)
	setString(&c.Chains.BSC.RPCURL, EnvBSCRPCURL)
	setString(&c.Chains.ETH.RPCURL, EnvETHRPCURL)
	setString(&c.Chains.Polygon.RPCURL, EnvPolygonRPCURL)
	setString(&c.Chains.Tron.NodeURL, EnvTronRPCURL)
	setString(&c.Chains.BSC.ExplorerAPIKey, EnvBSCExplorerKey)
	setString(&c.Chains.ETH.ExplorerAPIKey, EnvETHExplorerKey)
	setString(&c.Chains.Polygon.ExplorerAPIKey, EnvPolygonExplorerKey)
	setString(&c.Chains.Tron.APIKey, EnvTronAPIKey)
	setString(&c.Chains.HotWalletKey, EnvHotWalletKey)
	setString(&c.Chains.TronKey, EnvTronKey)
	setString(&c.Tokens.USDTBSC, EnvUSDTBSCContract)
	setString(&c.Tokens.USDCBSC, EnvUSDCBSCContract)
	setString(&c.Tokens.USDTTron, EnvUSDTTronContract)
	setString(&c.Trade.MinAmount, EnvMinTradeAmount)
	setString(&c.Trade.MaxAmount, EnvMaxTradeAmount)
	setString(&c.Fees.Wallet1, EnvFeeWallet1)
	setString(&c.Fees.Wallet2, EnvFeeWallet2)
	setString(&c.Fees.Wallet3, EnvFeeWallet3)

	if err := setInt64(&c.Chat.AdminUserID, EnvAdminUserID); err != nil {
		return err
	}
	if err := setInt64(&c.Chat.MainGroupID, EnvMainGroupID); err != nil {
		return err
	}
	if err := setFloat(&c.Fees.Percent, EnvFeePercent); err != nil {
		return err
	}
	if err := setInt64(&c.Fees.Bps, EnvFeeBps); err != nil {
		return err
	}

	if v := os.Getenv(EnvDepositTTLMinutes); v != "" {
		minutes, err := strconv.ParseInt(v, 10, 64)
		if err != nil || minutes <= 0 {
			return fmt.Errorf("config: invalid %s: %q", EnvDepositTTLMinutes, v)
		}
		c.Trade.InactivityTimeout = time.Duration(minutes) * time.Minute
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %v", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %v", key, err)
	}
	*dst = f
	return nil
}
