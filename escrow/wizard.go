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

package escrow

import (
	"context"
	"strings"

	"github.com/p2pmmx/escrowd/asset"
)

// maxWholeDigits bounds the integer part of quantities and rates.
const maxWholeDigits = 12

// StepOwner returns which role drives a wizard step. The buyer only enters
// their payout address; the seller enters everything else.
func StepOwner(step Step) Role {
	if step == StepBuyerAddress {
		return RoleBuyer
	}
	return RoleSeller
}

// SubmitWizardInput feeds one answer into the trade-details wizard. Input
// is only accepted from the role that owns the current step; each accepted
// answer advances the cursor, and the final one freezes the summary.
func (eng *Engine) SubmitWizardInput(ctx context.Context, groupID, userID int64, input string) (*Escrow, error) {
	input = strings.TrimSpace(input)
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusAwaitingDetails {
			return E(KindConflict, "trade details cannot change in state %s", e.Status)
		}
		if !e.RolesAssigned() || e.Step == "" {
			return E(KindConflict, "pick buyer and seller roles first")
		}
		if e.Step == StepCompleted {
			return E(KindConflict, "trade details are final; waiting for approvals")
		}

		role := e.RoleOf(userID)
		if role == RoleNone {
			return E(KindUnauthorized, "only the buyer or seller fills in trade details")
		}
		if owner := StepOwner(e.Step); role != owner {
			return E(KindUnauthorized, "it is the %s's turn on this step", owner)
		}

		if err := eng.applyStep(ctx, e, input); err != nil {
			return err
		}

		e.Step = nextStep(e.Step)
		if e.Step == StepCompleted {
			tx.publish(EventSummaryReady, nil)
		} else {
			tx.publish(EventWizardAdvanced, nil)
		}
		tx.after = append(tx.after, func() { eng.scheduleInactivity(e.ID) })
		return nil
	})
}

// RestartWizard throws the collected details away and returns the wizard
// to the quantity step. Either side may restart while details are open;
// pending approvals are cleared with everything else.
func (eng *Engine) RestartWizard(ctx context.Context, groupID, userID int64) (*Escrow, error) {
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusAwaitingDetails {
			return E(KindConflict, "trade details cannot restart in state %s", e.Status)
		}
		if !e.RolesAssigned() || e.Step == "" {
			return E(KindConflict, "pick buyer and seller roles first")
		}
		if e.RoleOf(userID) == RoleNone {
			return E(KindUnauthorized, "only the buyer or seller restarts the wizard")
		}
		e.Step = StepAmount
		e.Quantity = ""
		e.Rate = ""
		e.PaymentMethod = ""
		e.Token = ""
		e.Chain = ""
		e.FeePercent = 0
		e.BuyerAddress = ""
		e.SellerAddress = ""
		e.BuyerApproved = false
		e.SellerApproved = false
		tx.publish(EventWizardRestarted, nil)
		tx.after = append(tx.after, func() { eng.scheduleInactivity(e.ID) })
		eng.log.Info("Wizard restarted", "escrow", e.ID, "by", userID)
		return nil
	})
}

func nextStep(s Step) Step {
	switch s {
	case StepAmount:
		return StepRate
	case StepRate:
		return StepPayment
	case StepPayment:
		return StepChainCoin
	case StepChainCoin:
		return StepBuyerAddress
	case StepBuyerAddress:
		return StepSellerAddress
	}
	return StepCompleted
}

func (eng *Engine) applyStep(ctx context.Context, e *Escrow, input string) error {
	switch e.Step {
	case StepAmount:
		if err := checkDecimal(input, 18); err != nil {
			return Wrap(KindValidation, err, "amount")
		}
		n, _ := asset.ParseUnits(input, 18)
		if eng.minAmount != nil && n.Cmp(eng.minAmount) < 0 {
			return E(KindValidation, "minimum trade amount is %s", eng.cfg.MinTradeAmount)
		}
		if eng.maxAmount != nil && n.Cmp(eng.maxAmount) > 0 {
			return E(KindValidation, "maximum trade amount is %s", eng.cfg.MaxTradeAmount)
		}
		e.Quantity = input

	case StepRate:
		if err := checkDecimal(input, 8); err != nil {
			return Wrap(KindValidation, err, "rate")
		}
		e.Rate = input

	case StepPayment:
		if input == "" {
			return E(KindValidation, "payment method cannot be empty")
		}
		if len(input) > 64 {
			return E(KindValidation, "payment method is too long")
		}
		e.PaymentMethod = input

	case StepChainCoin:
		token, chain, err := parseChainCoin(input)
		if err != nil {
			return err
		}
		decimals, err := asset.Decimals(token, chain)
		if err != nil {
			return E(KindValidation, "%s on %s is not offered", token, chain)
		}
		if !eng.chains.Supports(chain) {
			return E(KindValidation, "%s is not configured on this deployment", chain)
		}
		// The agreed amount must be representable at the pair's scale.
		if _, err := asset.ParseUnits(e.Quantity, decimals); err != nil {
			return E(KindValidation, "amount %s has more decimal places than %s on %s supports; pick another network or restart the deal",
				e.Quantity, token, chain)
		}
		// The tier resolved here is the tier the vault lease at approval
		// is keyed on, so the figure on the summary is the figure charged.
		fee, err := eng.vaults.FeeFor(ctx, token, chain, e.GroupID)
		if err != nil {
			if KindOf(err) == KindNotFound {
				return E(KindValidation, "no escrow vaults serve %s on %s yet", token, chain)
			}
			return err
		}
		e.Token = token
		e.Chain = chain
		e.FeePercent = fee.Percent

	case StepBuyerAddress:
		if err := asset.ValidateAddress(e.Chain, input); err != nil {
			return Wrap(KindValidation, err, "buyer address")
		}
		e.BuyerAddress = input

	case StepSellerAddress:
		if err := asset.ValidateAddress(e.Chain, input); err != nil {
			return Wrap(KindValidation, err, "seller address")
		}
		e.SellerAddress = input

	default:
		return E(KindInternal, "wizard cursor %q is unknown", e.Step)
	}
	return nil
}

// checkDecimal accepts positive decimal strings with a bounded whole part
// and at most maxFrac fractional digits.
func checkDecimal(s string, maxFrac uint8) error {
	n, err := asset.ParseUnits(s, maxFrac)
	if err != nil {
		return err
	}
	if n.Sign() <= 0 {
		return E(KindValidation, "value must be positive")
	}
	whole := s
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole = s[:i]
	}
	if len(strings.TrimLeft(whole, "0")) > maxWholeDigits {
		return E(KindValidation, "value is too large")
	}
	return nil
}

// parseChainCoin understands "USDT BSC" and "USDT/BSC" style selections,
// including chain aliases like BEP20 or ERC-20.
func parseChainCoin(input string) (asset.Token, asset.Chain, error) {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == ' ' || r == '/' || r == '\t'
	})
	if len(fields) != 2 {
		return "", "", E(KindValidation, "pick the coin and network together, e.g. USDT BSC")
	}
	token := asset.NormalizeToken(fields[0])
	chain, err := asset.NormalizeChain(fields[1])
	if err != nil {
		return "", "", E(KindValidation, "unknown network %q", fields[1])
	}
	return token, chain, nil
}
