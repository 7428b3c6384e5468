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

// Package escrow implements the per-trade state machine at the heart of the
// coordinator: role assignment, the trade-details wizard, deal approval,
// deposit accounting in exact base units, the fiat handshake and the
// release/refund/close progression. All trade state lives in the Escrow
// aggregate and is only ever mutated by the Engine under a per-escrow lock.
package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/p2pmmx/escrowd/asset"
)

// Status is the observable lifecycle state of an escrow.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusAwaitingDetails Status = "awaiting_details"
	StatusAwaitingDeposit Status = "awaiting_deposit"
	StatusDeposited       Status = "deposited"
	StatusInFiatTransfer  Status = "in_fiat_transfer"
	StatusReadyToRelease  Status = "ready_to_release"
	StatusCompleted       Status = "completed"
	StatusRefunded        Status = "refunded"
	StatusCancelled       Status = "cancelled"
)

// AllStatuses lists every lifecycle status in progression order.
var AllStatuses = []Status{
	StatusDraft, StatusAwaitingDetails, StatusAwaitingDeposit,
	StatusDeposited, StatusInFiatTransfer, StatusReadyToRelease,
	StatusCompleted, StatusRefunded, StatusCancelled,
}

// ParseStatus validates a status string arriving from an external
// surface.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether the status ends the trade. Terminal escrows are
// never rolled back.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Step is the trade-details wizard cursor.
type Step string

const (
	StepAmount        Step = "step1_amount"
	StepRate          Step = "step2_rate"
	StepPayment       Step = "step3_payment"
	StepChainCoin     Step = "step4_chain_coin"
	StepBuyerAddress  Step = "step5_buyer_address"
	StepSellerAddress Step = "step6_seller_address"
	StepCompleted     Step = "completed"
)

// Role distinguishes the two counterparties of a trade.
type Role string

const (
	RoleNone   Role = ""
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Escrow is the aggregate root of one trade. The struct is persisted as a
// single document; AccumulatedWei is the canonical deposit figure and every
// human-readable amount is derived from it.
type Escrow struct {
	ID     string `bson:"escrowId" json:"escrowId"`
	Status Status `bson:"status" json:"status"`

	// Participants. The allowlist holds at most two users: the creator by
	// id and the invited counterparty, matched by username until their
	// first join request reveals an id.
	CreatorID            int64    `bson:"creatorId" json:"creatorId"`
	CreatorUsername      string   `bson:"creatorUsername" json:"creatorUsername"`
	CounterpartyUsername string   `bson:"counterpartyUsername" json:"counterpartyUsername"`
	BuyerID              int64    `bson:"buyerId,omitempty" json:"buyerId,omitempty"`
	SellerID             int64    `bson:"sellerId,omitempty" json:"sellerId,omitempty"`
	BuyerUsername        string   `bson:"buyerUsername,omitempty" json:"buyerUsername,omitempty"`
	SellerUsername       string   `bson:"sellerUsername,omitempty" json:"sellerUsername,omitempty"`
	AllowedUserIDs       []int64  `bson:"allowedUserIds" json:"allowedUserIds"`
	AllowedUsernames     []string `bson:"allowedUsernames" json:"allowedUsernames"`
	ApprovedUserIDs      []int64  `bson:"approvedUserIds" json:"approvedUserIds"`

	// Room linkage and the message refs needed for later edits/deletes.
	GroupID          int64  `bson:"groupId" json:"groupId"`
	OriginChatID     int64  `bson:"originChatId" json:"originChatId"`
	AssignedFromPool bool   `bson:"assignedFromPool" json:"assignedFromPool"`
	InviteLink       string `bson:"inviteLink,omitempty" json:"inviteLink,omitempty"`
	InviteMessageID  int    `bson:"inviteMessageId,omitempty" json:"inviteMessageId,omitempty"`
	SummaryMessageID int    `bson:"summaryMessageId,omitempty" json:"summaryMessageId,omitempty"`
	DepositMessageID int    `bson:"depositMessageId,omitempty" json:"depositMessageId,omitempty"`
	PinnedMessageID  int    `bson:"pinnedMessageId,omitempty" json:"pinnedMessageId,omitempty"`

	// Trade terms collected by the wizard. Quantity and Rate are exact
	// decimal strings; they never pass through floats.
	Quantity      string      `bson:"quantity,omitempty" json:"quantity,omitempty"`
	Rate          string      `bson:"rate,omitempty" json:"rate,omitempty"`
	PaymentMethod string      `bson:"paymentMethod,omitempty" json:"paymentMethod,omitempty"`
	Token         asset.Token `bson:"token,omitempty" json:"token,omitempty"`
	Chain         asset.Chain `bson:"chain,omitempty" json:"chain,omitempty"`
	FeePercent    float64     `bson:"feePercent" json:"feePercent"`
	NetworkFee    string      `bson:"networkFee,omitempty" json:"networkFee,omitempty"`
	BuyerAddress  string      `bson:"buyerAddress,omitempty" json:"buyerAddress,omitempty"`
	SellerAddress string      `bson:"sellerAddress,omitempty" json:"sellerAddress,omitempty"`
	Step          Step        `bson:"tradeDetailsStep" json:"tradeDetailsStep"`

	// Approvals and the fiat handshake.
	BuyerApproved          bool `bson:"buyerApproved" json:"buyerApproved"`
	SellerApproved         bool `bson:"sellerApproved" json:"sellerApproved"`
	BuyerSentFiat          bool `bson:"buyerSentFiat" json:"buyerSentFiat"`
	SellerReceivedFiat     bool `bson:"sellerReceivedFiat" json:"sellerReceivedFiat"`
	BuyerConfirmedRelease  bool `bson:"buyerConfirmedRelease" json:"buyerConfirmedRelease"`
	SellerConfirmedRelease bool `bson:"sellerConfirmedRelease" json:"sellerConfirmedRelease"`
	BuyerClosedTrade       bool `bson:"buyerClosedTrade" json:"buyerClosedTrade"`
	SellerClosedTrade      bool `bson:"sellerClosedTrade" json:"sellerClosedTrade"`

	// Deposit ledger. AccumulatedWei is a base-10 string so the exact
	// big.Int survives any storage backend; AccumulatedAmount is the
	// derived human rendering. SeenTransferKeys holds "txhash:logindex"
	// markers so replaying a block range never double-counts.
	DepositAddress     string   `bson:"depositAddress,omitempty" json:"depositAddress,omitempty"`
	DepositFromAddress string   `bson:"depositTransactionFromAddress,omitempty" json:"depositTransactionFromAddress,omitempty"`
	AccumulatedAmount  string   `bson:"accumulatedDepositAmount,omitempty" json:"accumulatedDepositAmount,omitempty"`
	AccumulatedWei     string   `bson:"accumulatedDepositAmountWei,omitempty" json:"accumulatedDepositAmountWei,omitempty"`
	PartialTxHashes    []string `bson:"partialTransactionHashes,omitempty" json:"partialTransactionHashes,omitempty"`
	SeenTransferKeys   []string `bson:"seenTransferKeys,omitempty" json:"seenTransferKeys,omitempty"`
	LastCheckedBlock   uint64   `bson:"lastCheckedBlock" json:"lastCheckedBlock"`
	PartialChoiceOpen  bool     `bson:"partialChoiceOpen" json:"partialChoiceOpen"`

	// Receipts. ReleasePending marks the window between the decision to
	// submit a release and the recording of its tx hash; a restart that
	// finds it set without a hash flags the trade instead of submitting
	// again. ReleaseTxHash is set the moment a release submission is
	// accepted by the chain; Status flips to completed only once the
	// receipt confirms. A restart replays the receipt wait, never the
	// submission.
	ReleasePending bool   `bson:"releasePending,omitempty" json:"releasePending,omitempty"`
	ReleaseTxHash  string `bson:"releaseTransactionHash,omitempty" json:"releaseTransactionHash,omitempty"`
	RefundTxHash   string `bson:"refundTransactionHash,omitempty" json:"refundTransactionHash,omitempty"`

	Disputed      bool   `bson:"disputed" json:"disputed"`
	DisputeReason string `bson:"disputeReason,omitempty" json:"disputeReason,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// escrowIDPrefix brands the monotonic trade sequence.
const escrowIDPrefix = "P2PMMX"

// FormatID renders a counter value as a public escrow id, e.g.
// P2PMMX10000001.
func FormatID(seq uint64) string {
	return fmt.Sprintf("%s%08d", escrowIDPrefix, seq)
}

// RoleOf returns the role a user holds on this escrow.
func (e *Escrow) RoleOf(userID int64) Role {
	switch {
	case e.BuyerID != 0 && userID == e.BuyerID:
		return RoleBuyer
	case e.SellerID != 0 && userID == e.SellerID:
		return RoleSeller
	}
	return RoleNone
}

// IsAllowed reports whether a user may enter the trade room, matching by id
// first and by invited username otherwise.
func (e *Escrow) IsAllowed(userID int64, username string) bool {
	for _, id := range e.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	if username == "" {
		return false
	}
	for _, name := range e.AllowedUsernames {
		if equalUsername(name, username) {
			return true
		}
	}
	return false
}

// IsApproved reports whether the user's join request was already accepted.
func (e *Escrow) IsApproved(userID int64) bool {
	for _, id := range e.ApprovedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// BothJoined reports whether both counterparties entered the room.
func (e *Escrow) BothJoined() bool {
	return len(e.ApprovedUserIDs) >= 2
}

// RolesAssigned reports whether both buyer and seller claimed their roles.
func (e *Escrow) RolesAssigned() bool {
	return e.BuyerID != 0 && e.SellerID != 0
}

// BothApproved reports whether both sides approved the deal summary.
func (e *Escrow) BothApproved() bool {
	return e.BuyerApproved && e.SellerApproved
}

// BothConfirmedRelease reports whether both sides confirmed the release.
func (e *Escrow) BothConfirmedRelease() bool {
	return e.BuyerConfirmedRelease && e.SellerConfirmedRelease
}

// AccumulatedBaseUnits parses the canonical deposit figure. A missing or
// malformed field counts as zero; the watcher only ever writes values it
// produced through big.Int.String.
func (e *Escrow) AccumulatedBaseUnits() *big.Int {
	if e.AccumulatedWei == "" {
		return new(big.Int)
	}
	n, ok := new(big.Int).SetString(e.AccumulatedWei, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// SetAccumulatedBaseUnits stores the canonical figure and refreshes the
// derived human amount.
func (e *Escrow) SetAccumulatedBaseUnits(n *big.Int, decimals uint8) {
	e.AccumulatedWei = n.String()
	e.AccumulatedAmount = asset.FormatUnits(n, decimals)
}

// ExpectedBaseUnits converts the agreed quantity into base units at the
// trade's token scale.
func (e *Escrow) ExpectedBaseUnits() (*big.Int, error) {
	decimals, err := asset.Decimals(e.Token, e.Chain)
	if err != nil {
		return nil, err
	}
	return asset.ParseUnits(e.Quantity, decimals)
}

// TradeClosed reports whether the close click already happened. One click
// by either side closes a completed trade; an admin close is recorded
// against both sides.
func (e *Escrow) TradeClosed() bool {
	return e.BuyerClosedTrade || e.SellerClosedTrade
}

// HasSeenTransfer reports whether a (txHash, logIndex) pair was already
// credited.
func (e *Escrow) HasSeenTransfer(key string) bool {
	for _, k := range e.SeenTransferKeys {
		if k == key {
			return true
		}
	}
	return false
}

// TransferKey builds the dedupe marker for one ERC-20 transfer log.
func TransferKey(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s:%d", txHash, logIndex)
}

// CheckInvariants verifies the structural invariants the rest of the
// system relies on. It is exercised by tests after every engine operation.
func (e *Escrow) CheckInvariants() error {
	if e.BuyerID != 0 && e.BuyerID == e.SellerID {
		return fmt.Errorf("escrow %s: buyer and seller are the same user", e.ID)
	}
	if len(e.AllowedUserIDs) > 2 {
		return fmt.Errorf("escrow %s: allowlist holds %d users", e.ID, len(e.AllowedUserIDs))
	}
	for _, id := range e.ApprovedUserIDs {
		found := false
		for _, allowed := range e.AllowedUserIDs {
			if id == allowed {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("escrow %s: approved user %d outside allowlist", e.ID, id)
		}
	}
	if e.Status == StatusCompleted && e.ReleaseTxHash == "" {
		return fmt.Errorf("escrow %s: completed without release receipt", e.ID)
	}
	return nil
}

// Copy returns a deep copy safe to hand to subscribers and stores.
func (e *Escrow) Copy() *Escrow {
	cp := *e
	cp.AllowedUserIDs = append([]int64(nil), e.AllowedUserIDs...)
	cp.AllowedUsernames = append([]string(nil), e.AllowedUsernames...)
	cp.ApprovedUserIDs = append([]int64(nil), e.ApprovedUserIDs...)
	cp.PartialTxHashes = append([]string(nil), e.PartialTxHashes...)
	cp.SeenTransferKeys = append([]string(nil), e.SeenTransferKeys...)
	return &cp
}

func equalUsername(a, b string) bool {
	if len(a) > 0 && a[0] == '@' {
		a = a[1:]
	}
	if len(b) > 0 && b[0] == '@' {
		b = b[1:]
	}
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// LeaderboardEntry is one row of the completed-trades ranking.
type LeaderboardEntry struct {
	UserID   int64  `bson:"userId" json:"userId"`
	Username string `bson:"username" json:"username"`
	Trades   int64  `bson:"trades" json:"trades"`
}

// Store is the persistence surface the engine needs. Both the in-memory
// and the Mongo-backed stores implement it.
type Store interface {
	CreateEscrow(ctx context.Context, e *Escrow) error
	EscrowByID(ctx context.Context, id string) (*Escrow, error)
	// ActiveEscrowByGroup resolves the escrow currently bound to a room,
	// the lookup behind every in-room command. A trade stays bound while
	// it is non-terminal, and after completion until someone closes it.
	ActiveEscrowByGroup(ctx context.Context, groupID int64) (*Escrow, error)
	EscrowsByStatus(ctx context.Context, statuses ...Status) ([]*Escrow, error)
	UpdateEscrow(ctx context.Context, e *Escrow) error
	DeleteEscrow(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	// NextSequence atomically increments and returns the named counter.
	NextSequence(ctx context.Context, name string) (uint64, error)
}
