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
	"math/big"
	"time"
)

// EventType names a state transition the engine announces on its feed.
type EventType string

const (
	// EventDealOpened fires once a room is leased and the invite is ready.
	EventDealOpened EventType = "deal_opened"
	// EventJoinApproved fires per accepted join request.
	EventJoinApproved EventType = "join_approved"
	// EventBothJoined fires when the second counterparty enters the room.
	EventBothJoined EventType = "both_joined"
	// EventRolesAssigned fires when buyer and seller are both claimed.
	EventRolesAssigned EventType = "roles_assigned"
	// EventWizardAdvanced fires after each accepted wizard input.
	EventWizardAdvanced EventType = "wizard_advanced"
	// EventWizardRestarted fires when a side throws the collected details
	// away and the wizard returns to the quantity step.
	EventWizardRestarted EventType = "wizard_restarted"
	// EventSummaryReady fires when the wizard completes.
	EventSummaryReady EventType = "summary_ready"
	// EventApprovalChanged fires when one side approves the summary.
	EventApprovalChanged EventType = "approval_changed"
	// EventAwaitingDeposit fires when both sides approved and the vault
	// address is published.
	EventAwaitingDeposit EventType = "awaiting_deposit"
	// EventDepositCredited fires per newly credited transfer, full or not.
	EventDepositCredited EventType = "deposit_credited"
	// EventPartialDeposit fires when a shortfall needs the seller's choice.
	EventPartialDeposit EventType = "partial_deposit"
	// EventDeposited fires when the accumulated deposit covers the trade.
	EventDeposited EventType = "deposited"
	// EventFiatSent fires on the buyer's fiat confirmation.
	EventFiatSent EventType = "fiat_sent"
	// EventReadyToRelease fires on the seller's fiat receipt confirmation.
	EventReadyToRelease EventType = "ready_to_release"
	// EventReleaseSubmitted fires once the release tx is accepted by the
	// chain, before it is mined.
	EventReleaseSubmitted EventType = "release_submitted"
	// EventReleaseFailed fires when a release attempt fails after
	// retries; the trade stays ready_to_release for the operator.
	EventReleaseFailed EventType = "release_failed"
	// EventCompleted fires once the release receipt confirms.
	EventCompleted EventType = "completed"
	// EventRefundSubmitted fires once a refund tx is accepted.
	EventRefundSubmitted EventType = "refund_submitted"
	// EventRefunded fires once the refund receipt confirms.
	EventRefunded EventType = "refunded"
	// EventCancelled fires on any cancellation path, timeout included.
	EventCancelled EventType = "cancelled"
	// EventClosed fires when a completed trade is closed and the room is
	// due for recycling.
	EventClosed EventType = "closed"
	// EventDisputed fires when either side raises a dispute.
	EventDisputed EventType = "disputed"
)

// Event is one feed notification. Escrow is a deep copy taken under the
// engine lock; subscribers may keep it without racing the engine.
type Event struct {
	Type   EventType
	Escrow *Escrow
	At     time.Time

	// TxHash carries the submission or receipt hash for the chain-side
	// events, Reason the human cause for cancellations, failures and
	// disputes.
	TxHash string
	Reason string

	// Credited and Outstanding qualify deposit events, in base units.
	Credited    *big.Int
	Outstanding *big.Int
}
