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

package chat

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
)

// Callback payloads. The router switches on these; the renderers attach
// them to buttons. They are part of no wire format beyond the platform's
// opaque callback data, so they stay short.
const (
	cbRoleBuyer      = "role:buyer"
	cbRoleSeller     = "role:seller"
	cbApprove        = "approve"
	cbCancel         = "cancel"
	cbRetryVault     = "retry_vault"
	cbCheckDeposit   = "checkdeposit"
	cbPartialAccept  = "partial:continue"
	cbPartialWait    = "partial:wait"
	cbFiatSent       = "paid"
	cbFiatReceived   = "received"
	cbConfirmRelease = "confirm_release"
	cbClose          = "close"
)

// handle renders a username as a mention, falling back to a neutral noun
// for accounts without one.
func handle(username string) string {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return "your counterparty"
	}
	return "@" + username
}

func tokenDecimals(e *escrow.Escrow) uint8 {
	d, err := asset.Decimals(e.Token, e.Chain)
	if err != nil {
		return 18
	}
	return d
}

// formatAmount renders base units at the trade's token scale.
func formatAmount(e *escrow.Escrow, n *big.Int) string {
	if n == nil {
		n = new(big.Int)
	}
	return asset.FormatUnits(n, tokenDecimals(e))
}

func tradeAmount(e *escrow.Escrow) string {
	return fmt.Sprintf("%s %s on %s", e.Quantity, e.Token, e.Chain)
}

func inviteText(e *escrow.Escrow) string {
	return fmt.Sprintf("Escrow %s opened by %s.\n%s, tap the button below to join the private trade room. The link expires if nobody joins within a few minutes.",
		e.ID, handle(e.CreatorUsername), handle(e.CounterpartyUsername))
}

func inviteButtons(e *escrow.Escrow) [][]Button {
	if e.InviteLink == "" {
		return nil
	}
	return [][]Button{{{Label: "Join trade room", URL: e.InviteLink}}}
}

func welcomeText(e *escrow.Escrow) string {
	return fmt.Sprintf("Both parties are in. %s and %s, pick your roles: the seller holds the crypto, the buyer pays fiat.",
		handle(e.CreatorUsername), handle(e.CounterpartyUsername))
}

func roleButtons() [][]Button {
	return [][]Button{{
		{Label: "I'm the buyer", Data: cbRoleBuyer},
		{Label: "I'm the seller", Data: cbRoleSeller},
	}}
}

func rolesAssignedText(e *escrow.Escrow) string {
	return fmt.Sprintf("Roles locked: %s sells, %s buys.", handle(e.SellerUsername), handle(e.BuyerUsername))
}

// stepPrompt returns the fixed prompt for the wizard step the trade sits
// on. The second return is false for steps that carry no prompt, i.e. the
// completed marker.
func stepPrompt(e *escrow.Escrow) (string, bool) {
	switch e.Step {
	case escrow.StepAmount:
		return "Step 1 of 6 — Seller: how much crypto is being sold? Reply with a plain number, e.g. 100.", true
	case escrow.StepRate:
		return "Step 2 of 6 — Seller: what is the fiat rate per token? Reply with a plain number.", true
	case escrow.StepPayment:
		return "Step 3 of 6 — Seller: how is the fiat paid? Free text, e.g. SEPA or UPI.", true
	case escrow.StepChainCoin:
		return "Step 4 of 6 — Seller: which token and network? Reply like USDT BSC or USDT TRON.", true
	case escrow.StepBuyerAddress:
		return "Step 5 of 6 — Buyer: reply with the wallet address that should receive the crypto.", true
	case escrow.StepSellerAddress:
		return "Step 6 of 6 — Seller: reply with your own wallet address, used if the deposit is refunded.", true
	}
	return "", false
}

func restartText() string {
	return "Trade details cleared. Starting over from the amount."
}

func approvalMark(ok bool) string {
	if ok {
		return "approved"
	}
	return "pending"
}

// summaryText renders the deal summary purely from escrow fields. Approval
// edits re-render the same text, never patch it.
func summaryText(e *escrow.Escrow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Deal %s — review the terms\n\n", e.ID)
	fmt.Fprintf(&b, "Seller: %s\n", handle(e.SellerUsername))
	fmt.Fprintf(&b, "Buyer: %s\n", handle(e.BuyerUsername))
	fmt.Fprintf(&b, "Amount: %s\n", tradeAmount(e))
	fmt.Fprintf(&b, "Rate: %s per %s\n", e.Rate, e.Token)
	fmt.Fprintf(&b, "Payment: %s\n", e.PaymentMethod)
	fmt.Fprintf(&b, "Buyer receives at: %s\n", e.BuyerAddress)
	fmt.Fprintf(&b, "Seller refund to: %s\n", e.SellerAddress)
	if e.FeePercent > 0 {
		fmt.Fprintf(&b, "Escrow fee: %.2f%%\n", e.FeePercent)
	}
	fmt.Fprintf(&b, "\nApprovals: seller %s, buyer %s", approvalMark(e.SellerApproved), approvalMark(e.BuyerApproved))
	if !e.BothApproved() {
		b.WriteString("\n\nBoth sides must approve before the deposit address is issued.")
	}
	return b.String()
}

func summaryButtons(e *escrow.Escrow) [][]Button {
	if e.BothApproved() {
		return nil
	}
	return [][]Button{{
		{Label: "Approve", Data: cbApprove},
		{Label: "Cancel trade", Data: cbCancel},
	}}
}

func vaultExhaustedText() string {
	return "All escrow vaults are busy right now. Your approvals are saved; retry in a minute."
}

func vaultRetryButtons() [][]Button {
	return [][]Button{{{Label: "Retry vault assignment", Data: cbRetryVault}}}
}

func depositText(e *escrow.Escrow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Deposit address assigned for %s.\n\n", e.ID)
	fmt.Fprintf(&b, "Seller: send exactly %s to\n\n%s\n\n", tradeAmount(e), e.DepositAddress)
	fmt.Fprintf(&b, "Only %s on %s is credited here. Exchange withdrawals can take a few minutes to land; Check deposit scans the chain right away.", e.Token, e.Chain)
	return b.String()
}

func depositButtons() [][]Button {
	return [][]Button{{
		{Label: "Check deposit", Data: cbCheckDeposit},
		{Label: "Cancel trade", Data: cbCancel},
	}}
}

func creditedText(e *escrow.Escrow, credited, outstanding *big.Int) string {
	if outstanding != nil && outstanding.Sign() > 0 {
		return fmt.Sprintf("Credited %s %s. Secured so far: %s %s, %s %s outstanding.",
			formatAmount(e, credited), e.Token,
			e.AccumulatedAmount, e.Token,
			formatAmount(e, outstanding), e.Token)
	}
	return fmt.Sprintf("Credited %s %s.", formatAmount(e, credited), e.Token)
}

func partialText(e *escrow.Escrow, outstanding *big.Int) string {
	return fmt.Sprintf("The vault holds %s %s of the agreed %s.\n\nSeller: continue the trade at the deposited amount, or send the remaining %s %s first.",
		e.AccumulatedAmount, e.Token, tradeAmount(e), formatAmount(e, outstanding), e.Token)
}

func partialButtons() [][]Button {
	return [][]Button{{
		{Label: "Continue with deposit", Data: cbPartialAccept},
		{Label: "I'll pay the rest", Data: cbPartialWait},
	}}
}

func depositedText(e *escrow.Escrow) string {
	return fmt.Sprintf("Deposit secured: %s %s in escrow.\n\nBuyer: pay %s via %s, then tap the button.",
		e.AccumulatedAmount, e.Token, handle(e.SellerUsername), e.PaymentMethod)
}

func depositedButtons() [][]Button {
	return [][]Button{{{Label: "I sent the fiat", Data: cbFiatSent}}}
}

func fiatSentText(e *escrow.Escrow) string {
	return fmt.Sprintf("%s marked the fiat as sent.\n\nSeller: confirm once the money arrives. Never confirm on a screenshot alone.", handle(e.BuyerUsername))
}

func fiatSentButtons() [][]Button {
	return [][]Button{{{Label: "Fiat received", Data: cbFiatReceived}}}
}

func readyText(e *escrow.Escrow) string {
	return fmt.Sprintf("Fiat receipt confirmed. %s %s releases to %s once both sides confirm below.",
		e.AccumulatedAmount, e.Token, e.BuyerAddress)
}

func readyButtons() [][]Button {
	return [][]Button{{{Label: "Confirm release", Data: cbConfirmRelease}}}
}

func releaseSubmittedText(e *escrow.Escrow, txHash string) string {
	return fmt.Sprintf("Release submitted on %s, waiting for confirmation.\nTx: %s", e.Chain, txHash)
}

func releaseFailedText() string {
	return "Release failed — contact the admin. The deposit is untouched and the trade stays open."
}

func completedText(e *escrow.Escrow, txHash string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trade %s complete. %s %s released to %s.\n", e.ID, e.AccumulatedAmount, e.Token, e.BuyerAddress)
	if txHash != "" {
		fmt.Fprintf(&b, "Tx: %s\n", txHash)
	}
	b.WriteString("\nTap Close trade once you are done here; the room is then recycled.")
	return b.String()
}

func completedButtons() [][]Button {
	return [][]Button{{{Label: "Close trade", Data: cbClose}}}
}

func refundSubmittedText(e *escrow.Escrow, txHash string) string {
	return fmt.Sprintf("Refund submitted on %s.\nTx: %s", e.Chain, txHash)
}

func refundedText(e *escrow.Escrow, txHash string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trade %s refunded; the deposit went back to the seller side.", e.ID)
	if txHash != "" {
		fmt.Fprintf(&b, "\nTx: %s", txHash)
	}
	return b.String()
}

func cancelledText(e *escrow.Escrow, reason string) string {
	if reason == "" {
		return fmt.Sprintf("Trade %s cancelled.", e.ID)
	}
	return fmt.Sprintf("Trade %s cancelled: %s.", e.ID, reason)
}

func closedText(e *escrow.Escrow) string {
	return fmt.Sprintf("Trade %s archived. This room is recycled shortly; thanks for trading.", e.ID)
}

func disputedText(e *escrow.Escrow, reason, admin string) string {
	who := "An admin"
	if admin != "" {
		who = "@" + strings.TrimPrefix(admin, "@")
	}
	return fmt.Sprintf("A dispute was raised on %s: %s\n\n%s will step in. Funds stay locked until it is resolved.", e.ID, reason, who)
}

// statsText renders /stats. Statuses with zero trades are skipped.
func statsText(counts map[escrow.Status]int64, volume string) string {
	var b strings.Builder
	b.WriteString("Escrow stats\n")
	order := []escrow.Status{
		escrow.StatusDraft, escrow.StatusAwaitingDetails, escrow.StatusAwaitingDeposit,
		escrow.StatusDeposited, escrow.StatusInFiatTransfer, escrow.StatusReadyToRelease,
		escrow.StatusCompleted, escrow.StatusRefunded, escrow.StatusCancelled,
	}
	var total int64
	for _, s := range order {
		n := counts[s]
		total += n
		if n == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %d\n", s, n)
	}
	fmt.Fprintf(&b, "total: %d\ncompleted volume: %s", total, volume)
	return b.String()
}

// leaderboardText renders /leaderboard as ranked rows.
func leaderboardText(rows []escrow.LeaderboardEntry) string {
	if len(rows) == 0 {
		return "No completed trades yet."
	}
	var b strings.Builder
	b.WriteString("Top traders by completed deals\n")
	for i, row := range rows {
		name := fmt.Sprintf("user %d", row.UserID)
		if row.Username != "" {
			name = handle(row.Username)
		}
		fmt.Fprintf(&b, "%d. %s — %d\n", i+1, name, row.Trades)
	}
	return strings.TrimRight(b.String(), "\n")
}
