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
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/sched"
	"github.com/p2pmmx/escrowd/store"
)

// sequenceName is the persisted counter behind escrow ids.
const sequenceName = "escrowId"

// Transfer is one credited token movement, as the deposit watcher reports
// it to the engine.
type Transfer struct {
	TxHash   string
	LogIndex uint
	From     string
	Amount   *big.Int
	Block    uint64
}

// RoomService is the slice of the room pool the engine drives.
type RoomService interface {
	Acquire(ctx context.Context, escrowID string) (groupID int64, inviteLink string, err error)
	ApproveJoin(ctx context.Context, groupID, userID int64) error
	DeclineJoin(ctx context.Context, groupID, userID int64) error
	Recycle(ctx context.Context, groupID int64) error
}

// FeeTier is a vault fleet's fee, redundantly encoded as display percent
// and integer basis points.
type FeeTier struct {
	Percent float64
	Bps     int64
}

// VaultService is the slice of the contract registry the engine drives.
type VaultService interface {
	// Assign leases a vault of exactly the given fee tier for the escrow,
	// honoring the room's pinned vault, and returns its address. No free
	// vault of that tier is RESOURCE_EXHAUSTED, never a substitution.
	Assign(ctx context.Context, escrowID string, token asset.Token, chain asset.Chain, fee FeeTier, groupID int64) (address string, err error)
	// Release frees every vault the escrow holds.
	Release(ctx context.Context, escrowID string) error
	// FeeFor previews the tier Assign would lease for a trade in the room.
	FeeFor(ctx context.Context, token asset.Token, chain asset.Chain, groupID int64) (FeeTier, error)
}

// ChainGateway is the slice of the chain gateway the engine drives. The
// gateway package's concrete type satisfies it as-is.
type ChainGateway interface {
	Supports(chain asset.Chain) bool
	LatestBlock(ctx context.Context, chain asset.Chain) (uint64, error)
	ReleaseFunds(ctx context.Context, chain asset.Chain, token asset.Token, vault, recipient string, amount *big.Int) (string, error)
	RefundFunds(ctx context.Context, chain asset.Chain, token asset.Token, vault, recipient string, amount *big.Int) (string, error)
	WaitMined(ctx context.Context, chain asset.Chain, txHash string) error
}

// EngineConfig tunes the trade state machine.
type EngineConfig struct {
	// JoinTimeout cancels deals nobody finished joining.
	JoinTimeout time.Duration
	// InactivityTimeout acts on trades stalled before release.
	InactivityTimeout time.Duration
	// RecycleGrace delays room recycling after a terminal state so users
	// can read the receipt.
	RecycleGrace time.Duration
	// MinTradeAmount and MaxTradeAmount bound the wizard's quantity step,
	// as decimal strings. Empty means unbounded.
	MinTradeAmount string
	MaxTradeAmount string
	// AdminUserIDs may run refunds, manual releases and cancellations on
	// any trade.
	AdminUserIDs []int64
}

func (c *EngineConfig) withDefaults() {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Minute
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = time.Hour
	}
	if c.RecycleGrace <= 0 {
		c.RecycleGrace = 5 * time.Minute
	}
}

// Engine runs the trade state machine. All mutations of one escrow are
// serialized through a per-escrow lock; transitions persist before their
// events are published.
type Engine struct {
	cfg    EngineConfig
	store  Store
	rooms  RoomService
	vaults VaultService
	chains ChainGateway
	sched  *sched.Scheduler
	clk    clock.Clock
	log    log.Logger

	feed  event.Feed
	scope event.SubscriptionScope

	// Amount bounds parsed once at construction; nil means unbounded.
	minAmount *big.Int
	maxAmount *big.Int

	locks keyedLocks
}

// NewEngine wires the state machine. The scheduler must be started by the
// caller.
func NewEngine(cfg EngineConfig, st Store, rooms RoomService, vaults VaultService, chains ChainGateway, schd *sched.Scheduler, clk clock.Clock, logger log.Logger) *Engine {
	cfg.withDefaults()
	if logger == nil {
		logger = log.Root()
	}
	eng := &Engine{
		cfg:    cfg,
		store:  st,
		rooms:  rooms,
		vaults: vaults,
		chains: chains,
		sched:  schd,
		clk:    clk,
		log:    logger.New("component", "engine"),
	}
	eng.minAmount = parseBound(cfg.MinTradeAmount, eng.log, "min trade amount")
	eng.maxAmount = parseBound(cfg.MaxTradeAmount, eng.log, "max trade amount")
	return eng
}

// parseBound converts a configured decimal bound to 18-decimal base units.
func parseBound(s string, logger log.Logger, what string) *big.Int {
	if s == "" {
		return nil
	}
	n, err := asset.ParseUnits(s, 18)
	if err != nil {
		logger.Warn("Ignoring malformed trade bound", "bound", what, "value", s, "err", err)
		return nil
	}
	return n
}

// Close tears down feed subscriptions.
func (eng *Engine) Close() {
	eng.scope.Close()
}

// SubscribeEvents delivers every state transition to ch until the
// subscription is unsubscribed.
func (eng *Engine) SubscribeEvents(ch chan<- Event) event.Subscription {
	return eng.scope.Track(eng.feed.Subscribe(ch))
}

// IsAdmin reports whether the user may run operator commands.
func (eng *Engine) IsAdmin(userID int64) bool {
	for _, id := range eng.cfg.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// txn batches the side effects of one state transition: events published
// and actions run only after the new state is persisted.
type txn struct {
	events []Event
	after  []func()
}

func (t *txn) publish(typ EventType, mut func(*Event)) {
	ev := Event{Type: typ}
	if mut != nil {
		mut(&ev)
	}
	t.events = append(t.events, ev)
}

// update runs fn over the locked, freshly loaded escrow, persists the
// result and then fires the batched side effects.
func (eng *Engine) update(ctx context.Context, escrowID string, fn func(e *Escrow, tx *txn) error) (*Escrow, error) {
	unlock := eng.locks.lock(escrowID)
	defer unlock()

	e, err := eng.store.EscrowByID(ctx, escrowID)
	if err != nil {
		return nil, storeErr(err, "escrow %s", escrowID)
	}
	tx := &txn{}
	if err := fn(e, tx); err != nil {
		return nil, err
	}
	e.UpdatedAt = eng.clk.Now().UTC()
	if err := eng.store.UpdateEscrow(ctx, e); err != nil {
		return nil, Wrap(KindInternal, err, "persist escrow %s", escrowID)
	}
	eng.finish(e, tx)
	return e, nil
}

// updateByGroup resolves the room's active escrow, then runs update on it.
func (eng *Engine) updateByGroup(ctx context.Context, groupID int64, fn func(e *Escrow, tx *txn) error) (*Escrow, error) {
	peek, err := eng.store.ActiveEscrowByGroup(ctx, groupID)
	if err != nil {
		return nil, storeErr(err, "no active trade in this room")
	}
	return eng.update(ctx, peek.ID, fn)
}

func (eng *Engine) finish(e *Escrow, tx *txn) {
	snapshot := e.Copy()
	now := eng.clk.Now().UTC()
	for i := range tx.events {
		tx.events[i].Escrow = snapshot
		tx.events[i].At = now
		eng.feed.Send(tx.events[i])
	}
	for _, fn := range tx.after {
		fn()
	}
}

// OpenDeal leases a room, creates the escrow and hands back the invite.
// The counterparty is recorded by username until their join reveals an id.
func (eng *Engine) OpenDeal(ctx context.Context, creatorID int64, creatorUsername, counterpartyUsername string, originChatID int64) (*Escrow, error) {
	counterparty := trimHandle(counterpartyUsername)
	if counterparty == "" {
		return nil, E(KindValidation, "counterparty username required, e.g. /deal @name")
	}
	if equalUsername(counterparty, creatorUsername) {
		return nil, E(KindValidation, "cannot open a deal with yourself")
	}

	seq, err := eng.store.NextSequence(ctx, sequenceName)
	if err != nil {
		return nil, Wrap(KindInternal, err, "allocate escrow id")
	}
	id := FormatID(seq)

	groupID, invite, err := eng.rooms.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}

	now := eng.clk.Now().UTC()
	e := &Escrow{
		ID:                   id,
		Status:               StatusDraft,
		CreatorID:            creatorID,
		CreatorUsername:      trimHandle(creatorUsername),
		CounterpartyUsername: counterparty,
		AllowedUserIDs:       []int64{creatorID},
		AllowedUsernames:     []string{counterparty},
		GroupID:              groupID,
		OriginChatID:         originChatID,
		AssignedFromPool:     true,
		InviteLink:           invite,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := eng.store.CreateEscrow(ctx, e); err != nil {
		// The lease is now orphaned; recycle puts the room back.
		if rerr := eng.rooms.Recycle(ctx, groupID); rerr != nil {
			eng.log.Error("Failed to return room after create failure", "group", groupID, "err", rerr)
		}
		return nil, Wrap(KindInternal, err, "create escrow")
	}

	eng.scheduleJoinTimeout(e.ID)
	eng.log.Info("Deal opened", "escrow", id, "creator", creatorID, "counterparty", counterparty, "group", groupID)

	tx := &txn{}
	tx.publish(EventDealOpened, nil)
	eng.finish(e, tx)
	return e, nil
}

// HandleJoinRequest gates a room join request against the allowlist.
// Unknown users are declined at the platform and reported UNAUTHORIZED.
func (eng *Engine) HandleJoinRequest(ctx context.Context, groupID, userID int64, username string) (*Escrow, error) {
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.Status.Terminal() {
			return E(KindConflict, "trade %s is over", e.ID)
		}
		if !e.IsAllowed(userID, username) {
			if err := eng.rooms.DeclineJoin(ctx, groupID, userID); err != nil {
				eng.log.Warn("Failed to decline join", "escrow", e.ID, "user", userID, "err", err)
			}
			return E(KindUnauthorized, "user %d is not part of trade %s", userID, e.ID)
		}
		if e.IsApproved(userID) {
			return E(KindConflict, "user %d already joined", userID)
		}

		// The invited side is allowlisted by username only; joining
		// fixes their id. The allowlist never exceeds two entries.
		known := false
		for _, id := range e.AllowedUserIDs {
			if id == userID {
				known = true
				break
			}
		}
		if !known {
			e.AllowedUserIDs = append(e.AllowedUserIDs, userID)
		}
		e.ApprovedUserIDs = append(e.ApprovedUserIDs, userID)

		// The platform approval fires only after the new allowlist state
		// is on disk, so a persist failure cannot leave a member in the
		// room with no recorded state. If the approval itself fails the
		// user simply re-requests; re-running it is harmless.
		tx.after = append(tx.after, func() {
			if err := eng.rooms.ApproveJoin(context.Background(), groupID, userID); err != nil {
				eng.log.Error("Failed to approve join at platform", "escrow", e.ID, "user", userID, "err", err)
			}
		})

		tx.publish(EventJoinApproved, func(ev *Event) { ev.Reason = trimHandle(username) })
		if e.BothJoined() {
			e.Status = StatusAwaitingDetails
			tx.publish(EventBothJoined, nil)
			tx.after = append(tx.after, func() {
				eng.sched.Cancel(e.ID, sched.KindJoinTimeout)
				eng.scheduleInactivity(e.ID)
			})
		}
		return nil
	})
}

// ClaimRole records the caller as buyer or seller. Roles are first come,
// first served and final once both are taken.
func (eng *Engine) ClaimRole(ctx context.Context, groupID, userID int64, username string, role Role) (*Escrow, error) {
	if role != RoleBuyer && role != RoleSeller {
		return nil, E(KindValidation, "unknown role %q", role)
	}
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusAwaitingDetails {
			return E(KindConflict, "roles are chosen after both sides join")
		}
		if !e.IsApproved(userID) {
			return E(KindUnauthorized, "join the room before picking a role")
		}
		if have := e.RoleOf(userID); have != RoleNone {
			if have == role {
				return E(KindConflict, "you already took the %s role", role)
			}
			return E(KindConflict, "you are the %s of this trade", have)
		}

		name := trimHandle(username)
		switch role {
		case RoleBuyer:
			if e.BuyerID != 0 {
				return E(KindConflict, "buyer role is taken")
			}
			e.BuyerID = userID
			e.BuyerUsername = name
		case RoleSeller:
			if e.SellerID != 0 {
				return E(KindConflict, "seller role is taken")
			}
			e.SellerID = userID
			e.SellerUsername = name
		}

		if e.RolesAssigned() {
			e.Step = StepAmount
			tx.publish(EventRolesAssigned, nil)
		}
		tx.after = append(tx.after, func() { eng.scheduleInactivity(e.ID) })
		return nil
	})
}

// Approve records one side's agreement to the completed summary. When both
// sides agree, a vault is leased and the trade starts watching deposits.
// If the fleet was exhausted, the approvals stay recorded and
// RetryVaultAssignment finishes the lease later.
func (eng *Engine) Approve(ctx context.Context, groupID, userID int64) (*Escrow, error) {
	var assignErr error
	e, err := eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusAwaitingDetails || e.Step != StepCompleted {
			return E(KindConflict, "nothing to approve yet")
		}
		role := e.RoleOf(userID)
		if role == RoleNone {
			return E(KindUnauthorized, "only the buyer or seller can approve")
		}

		alreadyAssigned := e.DepositAddress != ""
		switch role {
		case RoleBuyer:
			if e.BuyerApproved {
				return E(KindConflict, "you already approved")
			}
			e.BuyerApproved = true
		case RoleSeller:
			if e.SellerApproved {
				return E(KindConflict, "you already approved")
			}
			e.SellerApproved = true
		}
		tx.publish(EventApprovalChanged, func(ev *Event) { ev.Reason = string(role) })

		if !e.BothApproved() || alreadyAssigned {
			return nil
		}
		// The approval must persist even when no vault is free, so a
		// later RetryVaultAssignment can finish the job.
		if err := eng.assignVault(ctx, e, tx); err != nil {
			assignErr = err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if assignErr != nil {
		return nil, assignErr
	}
	return e, nil
}

// RetryVaultAssignment re-runs the vault lease for a fully approved trade
// that could not get one, e.g. after the fleet freed up.
func (eng *Engine) RetryVaultAssignment(ctx context.Context, groupID, userID int64) (*Escrow, error) {
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.RoleOf(userID) == RoleNone && !eng.IsAdmin(userID) {
			return E(KindUnauthorized, "only trade participants can do that")
		}
		if e.Status != StatusAwaitingDetails || !e.BothApproved() || e.DepositAddress != "" {
			return E(KindConflict, "trade is not waiting for a vault")
		}
		return eng.assignVault(ctx, e, tx)
	})
}

func (eng *Engine) assignVault(ctx context.Context, e *Escrow, tx *txn) error {
	// The tier both sides approved on the summary is the tier leased.
	tier := FeeTier{Percent: e.FeePercent, Bps: int64(math.Round(e.FeePercent * 100))}
	address, err := eng.vaults.Assign(ctx, e.ID, e.Token, e.Chain, tier, e.GroupID)
	if err != nil {
		return err
	}
	e.DepositAddress = address
	e.Status = StatusAwaitingDeposit

	// Start the deposit scan at the current head so history before the
	// lease can never be credited.
	if cursor, err := eng.chains.LatestBlock(ctx, e.Chain); err == nil {
		e.LastCheckedBlock = cursor
	} else {
		eng.log.Warn("Could not pin scan cursor, watcher will initialize it", "escrow", e.ID, "chain", e.Chain, "err", err)
	}

	tx.publish(EventAwaitingDeposit, nil)
	tx.after = append(tx.after, func() { eng.scheduleInactivity(e.ID) })
	eng.log.Info("Vault assigned", "escrow", e.ID, "vault", address, "fee_bps", tier.Bps)
	return nil
}

// CreditDeposits folds newly observed transfers into the deposit ledger.
// Already-seen (txhash, logindex) pairs are skipped, so replaying a block
// range is safe. The cursor only ever moves forward.
func (eng *Engine) CreditDeposits(ctx context.Context, escrowID string, transfers []Transfer, newCursor uint64) (*Escrow, error) {
	return eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusAwaitingDeposit && e.Status != StatusDeposited {
			return E(KindConflict, "trade %s is not accepting deposits", e.ID)
		}
		decimals, err := asset.Decimals(e.Token, e.Chain)
		if err != nil {
			return Wrap(KindInternal, err, "trade pair")
		}

		accumulated := e.AccumulatedBaseUnits()
		credited := new(big.Int)
		for _, transfer := range transfers {
			key := TransferKey(transfer.TxHash, transfer.LogIndex)
			if e.HasSeenTransfer(key) {
				continue
			}
			if transfer.Amount == nil || transfer.Amount.Sign() <= 0 {
				continue
			}
			e.SeenTransferKeys = append(e.SeenTransferKeys, key)
			e.PartialTxHashes = append(e.PartialTxHashes, transfer.TxHash)
			if e.DepositFromAddress == "" {
				e.DepositFromAddress = transfer.From
			}
			accumulated.Add(accumulated, transfer.Amount)
			credited.Add(credited, transfer.Amount)
		}
		if newCursor > e.LastCheckedBlock {
			e.LastCheckedBlock = newCursor
		}
		if credited.Sign() == 0 {
			return nil
		}
		e.SetAccumulatedBaseUnits(accumulated, decimals)

		expected, err := e.ExpectedBaseUnits()
		if err != nil {
			return Wrap(KindInternal, err, "trade amount")
		}
		outstanding := new(big.Int).Sub(expected, accumulated)
		if outstanding.Sign() < 0 {
			outstanding.SetInt64(0)
		}
		tx.publish(EventDepositCredited, func(ev *Event) {
			ev.Credited = new(big.Int).Set(credited)
			ev.Outstanding = new(big.Int).Set(outstanding)
		})
		eng.log.Info("Deposit credited", "escrow", e.ID, "credited", credited, "total", accumulated, "outstanding", outstanding)

		if e.Status == StatusAwaitingDeposit {
			if accumulated.Cmp(expected) >= 0 {
				e.Status = StatusDeposited
				e.PartialChoiceOpen = false
				tx.publish(EventDeposited, nil)
			} else {
				e.PartialChoiceOpen = true
				tx.publish(EventPartialDeposit, func(ev *Event) {
					ev.Outstanding = new(big.Int).Set(outstanding)
				})
			}
		}
		tx.after = append(tx.after, func() { eng.scheduleInactivity(e.ID) })
		return nil
	})
}

// ResolvePartial records the seller's decision on a shortfall: accept the
// accumulated amount as the traded quantity, or keep waiting for the rest.
func (eng *Engine) ResolvePartial(ctx context.Context, groupID, userID int64, acceptPartial bool) (*Escrow, error) {
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.RoleOf(userID) != RoleSeller {
			return E(KindUnauthorized, "only the seller decides on a partial deposit")
		}
		if e.Status != StatusAwaitingDeposit || !e.PartialChoiceOpen {
			return E(KindConflict, "no partial deposit to resolve")
		}
		e.PartialChoiceOpen = false
		if !acceptPartial {
			// Keep waiting; the watcher reopens the choice if more
			// funds arrive and still fall short.
			return nil
		}
		decimals, err := asset.Decimals(e.Token, e.Chain)
		if err != nil {
			return Wrap(KindInternal, err, "trade pair")
		}
		accumulated := e.AccumulatedBaseUnits()
		if accumulated.Sign() <= 0 {
			return E(KindConflict, "nothing deposited yet")
		}
		e.Quantity = asset.FormatUnits(accumulated, decimals)
		e.Status = StatusDeposited
		tx.publish(EventDeposited, func(ev *Event) { ev.Reason = "partial amount accepted" })
		tx.after = append(tx.after, func() { eng.scheduleInactivity(e.ID) })
		return nil
	})
}

// MarkFiatSent is the buyer's claim that fiat left their account.
func (eng *Engine) MarkFiatSent(ctx context.Context, groupID, userID int64) (*Escrow, error) {
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.RoleOf(userID) != RoleBuyer {
			return E(KindUnauthorized, "only the buyer confirms sending fiat")
		}
		if e.Status != StatusDeposited {
			return E(KindConflict, "fiat is sent after the deposit is in")
		}
		if e.BuyerSentFiat {
			return E(KindConflict, "already marked as sent")
		}
		e.BuyerSentFiat = true
		e.Status = StatusInFiatTransfer
		tx.publish(EventFiatSent, nil)
		tx.after = append(tx.after, func() { eng.scheduleInactivity(e.ID) })
		return nil
	})
}

// MarkFiatReceived is the seller's confirmation that fiat arrived. The
// trade then waits for both release confirmations.
func (eng *Engine) MarkFiatReceived(ctx context.Context, groupID, userID int64) (*Escrow, error) {
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.RoleOf(userID) != RoleSeller {
			return E(KindUnauthorized, "only the seller confirms receiving fiat")
		}
		if e.Status != StatusInFiatTransfer {
			return E(KindConflict, "waiting for the buyer's fiat first")
		}
		if e.SellerReceivedFiat {
			return E(KindConflict, "already marked as received")
		}
		e.SellerReceivedFiat = true
		e.Status = StatusReadyToRelease
		tx.publish(EventReadyToRelease, nil)
		tx.after = append(tx.after, func() { eng.scheduleInactivity(e.ID) })
		return nil
	})
}

// ConfirmRelease records one side's release confirmation. The second
// confirmation triggers the on-chain release.
func (eng *Engine) ConfirmRelease(ctx context.Context, groupID, userID int64) (*Escrow, error) {
	var fire bool
	e, err := eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusReadyToRelease {
			return E(KindConflict, "trade is not ready to release")
		}
		switch e.RoleOf(userID) {
		case RoleBuyer:
			if e.BuyerConfirmedRelease {
				return E(KindConflict, "you already confirmed")
			}
			e.BuyerConfirmedRelease = true
		case RoleSeller:
			if e.SellerConfirmedRelease {
				return E(KindConflict, "you already confirmed")
			}
			e.SellerConfirmedRelease = true
		default:
			return E(KindUnauthorized, "only the buyer or seller confirms the release")
		}
		fire = e.BothConfirmedRelease()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if fire {
		return eng.Release(ctx, e.ID)
	}
	return e, nil
}

// Release submits the vault release for a fully confirmed trade and waits
// for it to mine. An intent marker persists before the submission and the
// tx hash right after it, so a crash anywhere in the window leaves an
// on-disk trace and a restart never submits twice.
func (eng *Engine) Release(ctx context.Context, escrowID string) (*Escrow, error) {
	// Phase one: validate and persist the submission intent, or adopt a
	// previously submitted hash.
	var (
		submit bool
		chain  asset.Chain
		token  asset.Token
		vault  string
		buyer  string
		amount *big.Int
	)
	e, err := eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusReadyToRelease {
			return E(KindConflict, "trade %s is not ready to release", e.ID)
		}
		if !e.BothConfirmedRelease() {
			return E(KindConflict, "both sides must confirm the release")
		}
		if e.ReleaseTxHash != "" {
			return nil // crash replay: wait for the recorded hash
		}
		if e.ReleasePending {
			// A submission was cut off before its hash landed on disk.
			// The tx may or may not be on chain, so nothing is submitted
			// until an operator has checked.
			return E(KindConflict, "trade %s has a release in flight; verify on chain before retrying", e.ID)
		}
		amount = e.AccumulatedBaseUnits()
		if amount.Sign() <= 0 {
			return E(KindInternal, "trade %s has no recorded deposit", e.ID)
		}
		e.ReleasePending = true
		chain, token, vault, buyer = e.Chain, e.Token, e.DepositAddress, e.BuyerAddress
		submit = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !submit {
		return eng.awaitRelease(ctx, e.ID, e.ReleaseTxHash)
	}

	// The intent marker is committed; submit outside the escrow lock and
	// record the outcome in a second transition.
	hash, submitErr := eng.chains.ReleaseFunds(ctx, chain, token, vault, buyer, amount)
	e, err = eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		e.ReleasePending = false
		if submitErr != nil {
			// The failure event must still reach subscribers, so it is
			// published through the committed transition.
			tx.publish(EventReleaseFailed, func(ev *Event) { ev.Reason = submitErr.Error() })
			eng.log.Error("Release submission failed", "escrow", e.ID, "err", submitErr)
			return nil
		}
		e.ReleaseTxHash = hash
		tx.publish(EventReleaseSubmitted, func(ev *Event) { ev.TxHash = hash })
		return nil
	})
	if err != nil {
		return nil, err
	}
	if submitErr != nil {
		return nil, submitErr
	}
	return eng.awaitRelease(ctx, e.ID, e.ReleaseTxHash)
}

// awaitRelease waits for a submitted release to mine and finalizes the
// trade. A revert clears the recorded hash so a clean retry can submit
// again; a transient failure keeps it, since the tx may still mine.
func (eng *Engine) awaitRelease(ctx context.Context, escrowID, txHash string) (*Escrow, error) {
	peek, err := eng.store.EscrowByID(ctx, escrowID)
	if err != nil {
		return nil, storeErr(err, "escrow %s", escrowID)
	}
	waitErr := eng.chains.WaitMined(ctx, peek.Chain, txHash)

	e, err := eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusReadyToRelease {
			return nil // finalized elsewhere
		}
		if waitErr != nil {
			if KindOf(waitErr) == KindOnchainRevert {
				e.ReleaseTxHash = ""
			}
			tx.publish(EventReleaseFailed, func(ev *Event) {
				ev.TxHash = txHash
				ev.Reason = waitErr.Error()
			})
			eng.log.Error("Release failed", "escrow", e.ID, "txhash", txHash, "err", waitErr)
			return nil
		}
		e.Status = StatusCompleted
		tx.publish(EventCompleted, func(ev *Event) { ev.TxHash = txHash })
		tx.after = append(tx.after, func() {
			eng.sched.Cancel(e.ID, sched.KindTradeInactivity)
			if err := eng.vaults.Release(context.Background(), e.ID); err != nil {
				eng.log.Error("Failed to free vault lease", "escrow", e.ID, "err", err)
			}
		})
		eng.log.Info("Trade completed", "escrow", e.ID, "txhash", txHash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if waitErr != nil {
		return nil, waitErr
	}
	return e, nil
}

// CloseTrade archives a completed trade. One click from either side, or
// from an admin, is enough: the room unbinds and recycling is scheduled
// after the grace delay. An admin close is recorded against both sides.
func (eng *Engine) CloseTrade(ctx context.Context, groupID, userID int64) (*Escrow, error) {
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusCompleted {
			return E(KindConflict, "only completed trades are closed")
		}
		switch {
		case e.RoleOf(userID) == RoleBuyer:
			e.BuyerClosedTrade = true
		case e.RoleOf(userID) == RoleSeller:
			e.SellerClosedTrade = true
		case eng.IsAdmin(userID):
			e.BuyerClosedTrade = true
			e.SellerClosedTrade = true
		default:
			return E(KindUnauthorized, "only the buyer, seller or an admin closes the trade")
		}
		tx.publish(EventClosed, nil)
		tx.after = append(tx.after, func() { eng.scheduleRecycle(e.ID, e.GroupID) })
		eng.log.Info("Trade closed", "escrow", e.ID, "by", userID)
		return nil
	})
}

// Cancel aborts a trade that holds no funds. Participants cancel their own
// trades; admins cancel any. Trades with funds go through refunds instead.
func (eng *Engine) Cancel(ctx context.Context, groupID, userID int64, reason string) (*Escrow, error) {
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.RoleOf(userID) == RoleNone && !e.IsAllowed(userID, "") && !eng.IsAdmin(userID) {
			return E(KindUnauthorized, "only trade participants can cancel")
		}
		return eng.cancelLocked(e, tx, reason)
	})
}

func (eng *Engine) cancelLocked(e *Escrow, tx *txn, reason string) error {
	switch e.Status {
	case StatusDraft, StatusAwaitingDetails, StatusAwaitingDeposit:
	default:
		return E(KindConflict, "trade %s can no longer be cancelled", e.ID)
	}
	if e.AccumulatedBaseUnits().Sign() > 0 {
		return E(KindConflict, "funds are in the vault; ask an admin for a refund")
	}
	e.Status = StatusCancelled
	tx.publish(EventCancelled, func(ev *Event) { ev.Reason = reason })
	tx.after = append(tx.after, func() {
		eng.sched.CancelAll(e.ID)
		if err := eng.vaults.Release(context.Background(), e.ID); err != nil {
			eng.log.Error("Failed to free vault lease", "escrow", e.ID, "err", err)
		}
		eng.scheduleRecycle(e.ID, e.GroupID)
	})
	eng.log.Info("Trade cancelled", "escrow", e.ID, "reason", reason)
	return nil
}

// Dispute freezes automatic timeouts and flags the trade for an operator.
func (eng *Engine) Dispute(ctx context.Context, groupID, userID int64, reason string) (*Escrow, error) {
	return eng.updateByGroup(ctx, groupID, func(e *Escrow, tx *txn) error {
		if e.RoleOf(userID) == RoleNone && !eng.IsAdmin(userID) {
			return E(KindUnauthorized, "only trade participants can dispute")
		}
		if e.Status.Terminal() {
			return E(KindConflict, "trade %s is over", e.ID)
		}
		if e.Disputed {
			return E(KindConflict, "trade %s is already disputed", e.ID)
		}
		e.Disputed = true
		e.DisputeReason = reason
		tx.publish(EventDisputed, func(ev *Event) { ev.Reason = reason })
		tx.after = append(tx.after, func() { eng.sched.Cancel(e.ID, sched.KindTradeInactivity) })
		eng.log.Warn("Trade disputed", "escrow", e.ID, "by", userID, "reason", reason)
		return nil
	})
}

// AdminRefund returns the vault balance to the depositor (or an explicit
// address) and terminates the trade. Same replay safety as Release.
func (eng *Engine) AdminRefund(ctx context.Context, escrowID string, adminID int64, toAddress string) (*Escrow, error) {
	if !eng.IsAdmin(adminID) {
		return nil, E(KindUnauthorized, "refunds are an admin operation")
	}
	e, err := eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		switch e.Status {
		case StatusAwaitingDeposit, StatusDeposited, StatusInFiatTransfer, StatusReadyToRelease:
		default:
			return E(KindConflict, "trade %s cannot be refunded in state %s", e.ID, e.Status)
		}
		amount := e.AccumulatedBaseUnits()
		if amount.Sign() <= 0 {
			return E(KindConflict, "trade %s holds no funds", e.ID)
		}
		if e.RefundTxHash != "" {
			return nil // crash replay
		}
		recipient := toAddress
		if recipient == "" {
			recipient = e.DepositFromAddress
		}
		if recipient == "" {
			return E(KindValidation, "no refund address known; pass one explicitly")
		}
		if err := asset.ValidateAddress(e.Chain, recipient); err != nil {
			return Wrap(KindValidation, err, "refund address")
		}
		hash, err := eng.chains.RefundFunds(ctx, e.Chain, e.Token, e.DepositAddress, recipient, amount)
		if err != nil {
			return err
		}
		e.RefundTxHash = hash
		tx.publish(EventRefundSubmitted, func(ev *Event) { ev.TxHash = hash })
		eng.log.Warn("Refund submitted", "escrow", e.ID, "admin", adminID, "recipient", recipient, "txhash", hash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return eng.awaitRefund(ctx, e.ID, e.RefundTxHash)
}

func (eng *Engine) awaitRefund(ctx context.Context, escrowID, txHash string) (*Escrow, error) {
	peek, err := eng.store.EscrowByID(ctx, escrowID)
	if err != nil {
		return nil, storeErr(err, "escrow %s", escrowID)
	}
	waitErr := eng.chains.WaitMined(ctx, peek.Chain, txHash)

	e, err := eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		if e.Status.Terminal() {
			return nil
		}
		if waitErr != nil {
			if KindOf(waitErr) == KindOnchainRevert {
				e.RefundTxHash = ""
			}
			tx.publish(EventReleaseFailed, func(ev *Event) {
				ev.TxHash = txHash
				ev.Reason = "refund: " + waitErr.Error()
			})
			eng.log.Error("Refund failed", "escrow", e.ID, "txhash", txHash, "err", waitErr)
			return nil
		}
		e.Status = StatusRefunded
		tx.publish(EventRefunded, func(ev *Event) { ev.TxHash = txHash })
		tx.after = append(tx.after, func() {
			eng.sched.CancelAll(e.ID)
			if err := eng.vaults.Release(context.Background(), e.ID); err != nil {
				eng.log.Error("Failed to free vault lease", "escrow", e.ID, "err", err)
			}
			eng.scheduleRecycle(e.ID, e.GroupID)
		})
		eng.log.Info("Trade refunded", "escrow", e.ID, "txhash", txHash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if waitErr != nil {
		return nil, waitErr
	}
	return e, nil
}

// ManualRelease lets an admin force the on-chain release of a funded
// trade, bypassing the confirmation buttons. Used to resolve disputes.
func (eng *Engine) ManualRelease(ctx context.Context, escrowID string, adminID int64) (*Escrow, error) {
	if !eng.IsAdmin(adminID) {
		return nil, E(KindUnauthorized, "manual release is an admin operation")
	}
	_, err := eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		switch e.Status {
		case StatusDeposited, StatusInFiatTransfer, StatusReadyToRelease:
		default:
			return E(KindConflict, "trade %s cannot be released in state %s", e.ID, e.Status)
		}
		e.Status = StatusReadyToRelease
		e.BuyerConfirmedRelease = true
		e.SellerConfirmedRelease = true
		eng.log.Warn("Manual release forced", "escrow", e.ID, "admin", adminID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return eng.Release(ctx, escrowID)
}

// MessageRef names a tracked chat message on the trade record.
type MessageRef string

const (
	// RefInvite is the invite notice in the chat the deal was opened from.
	RefInvite MessageRef = "invite"
	// RefSummary is the in-room deal summary, edited in place.
	RefSummary MessageRef = "summary"
	// RefDeposit is the in-room deposit instructions message.
	RefDeposit MessageRef = "deposit"
	// RefPinned is whichever message is currently pinned in the room.
	RefPinned MessageRef = "pinned"
)

// SetMessageRef records a chat message id on the trade so later renders
// can edit in place and a restart can find the summary again. Called by
// the chat flow after each send; no event fires.
func (eng *Engine) SetMessageRef(ctx context.Context, escrowID string, ref MessageRef, messageID int) error {
	_, err := eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		switch ref {
		case RefInvite:
			e.InviteMessageID = messageID
		case RefSummary:
			e.SummaryMessageID = messageID
		case RefDeposit:
			e.DepositMessageID = messageID
		case RefPinned:
			e.PinnedMessageID = messageID
		default:
			return E(KindValidation, "unknown message ref %q", ref)
		}
		return nil
	})
	return err
}

// Get returns one escrow by id.
func (eng *Engine) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	e, err := eng.store.EscrowByID(ctx, escrowID)
	if err != nil {
		return nil, storeErr(err, "escrow %s", escrowID)
	}
	return e, nil
}

// ByGroup returns the room's active escrow.
func (eng *Engine) ByGroup(ctx context.Context, groupID int64) (*Escrow, error) {
	e, err := eng.store.ActiveEscrowByGroup(ctx, groupID)
	if err != nil {
		return nil, storeErr(err, "no active trade in this room")
	}
	return e, nil
}

// Stats returns trade counts per status.
func (eng *Engine) Stats(ctx context.Context) (map[Status]int64, error) {
	counts, err := eng.store.CountByStatus(ctx)
	if err != nil {
		return nil, Wrap(KindInternal, err, "count trades")
	}
	return counts, nil
}

// CompletedVolume sums the token quantity across all completed trades and
// renders it with two decimal places. Quantities are wizard-validated
// decimal strings; anything unparseable is skipped.
func (eng *Engine) CompletedVolume(ctx context.Context) (string, error) {
	done, err := eng.store.EscrowsByStatus(ctx, StatusCompleted)
	if err != nil {
		return "", Wrap(KindInternal, err, "load completed trades")
	}
	total := new(big.Rat)
	for _, e := range done {
		q, ok := new(big.Rat).SetString(e.Quantity)
		if !ok {
			continue
		}
		total.Add(total, q)
	}
	return total.FloatString(2), nil
}

// Leaderboard returns the completed-trade ranking.
func (eng *Engine) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	rows, err := eng.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, Wrap(KindInternal, err, "leaderboard")
	}
	return rows, nil
}

// ResumePending rebuilds timers and replays interrupted chain waits after
// a restart. Submitted-but-unconfirmed releases and refunds resume their
// receipt wait; they are never re-submitted. A release interrupted before
// its hash was recorded is flagged for an operator.
func (eng *Engine) ResumePending(ctx context.Context) (int, error) {
	resumed := 0

	open, err := eng.store.EscrowsByStatus(ctx,
		StatusDraft, StatusAwaitingDetails, StatusAwaitingDeposit,
		StatusDeposited, StatusInFiatTransfer, StatusReadyToRelease,
		StatusCompleted)
	if err != nil {
		return 0, Wrap(KindInternal, err, "load open trades")
	}
	for _, e := range open {
		switch {
		case e.Status == StatusReadyToRelease && e.ReleaseTxHash == "" && e.ReleasePending:
			// The process died between the intent marker and the hash
			// record. Whether the release reached the chain is unknown,
			// so the trade is flagged for an operator, never resubmitted.
			id := e.ID
			if _, err := eng.update(ctx, id, func(e *Escrow, tx *txn) error {
				if e.Disputed {
					return nil
				}
				e.Disputed = true
				e.DisputeReason = "release interrupted before its tx hash was recorded; verify on chain"
				tx.publish(EventDisputed, func(ev *Event) { ev.Reason = e.DisputeReason })
				return nil
			}); err != nil {
				eng.log.Error("Failed to flag interrupted release", "escrow", id, "err", err)
			}
			resumed++
		case e.Status == StatusReadyToRelease && e.ReleaseTxHash != "":
			id, hash := e.ID, e.ReleaseTxHash
			eng.log.Info("Resuming release wait", "escrow", id, "txhash", hash)
			go func() {
				if _, err := eng.awaitRelease(context.Background(), id, hash); err != nil {
					eng.log.Error("Resumed release failed", "escrow", id, "err", err)
				}
			}()
			resumed++
		case !e.Status.Terminal() && e.RefundTxHash != "":
			id, hash := e.ID, e.RefundTxHash
			eng.log.Info("Resuming refund wait", "escrow", id, "txhash", hash)
			go func() {
				if _, err := eng.awaitRefund(context.Background(), id, hash); err != nil {
					eng.log.Error("Resumed refund failed", "escrow", id, "err", err)
				}
			}()
			resumed++
		case e.Status == StatusDraft:
			eng.scheduleJoinTimeout(e.ID)
			resumed++
		case e.Status == StatusCompleted && e.TradeClosed():
			// Closed but the recycle never ran.
			eng.scheduleRecycle(e.ID, e.GroupID)
			resumed++
		case e.Status == StatusCompleted:
			// Waiting on the close click; nothing to arm.
		case !e.Disputed:
			eng.scheduleInactivity(e.ID)
			resumed++
		}
	}
	return resumed, nil
}

func (eng *Engine) scheduleJoinTimeout(escrowID string) {
	eng.sched.ScheduleAfter(escrowID, sched.KindJoinTimeout, eng.cfg.JoinTimeout, func(ctx context.Context) {
		eng.joinTimeoutFired(ctx, escrowID)
	})
}

func (eng *Engine) joinTimeoutFired(ctx context.Context, escrowID string) {
	_, err := eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		if e.Status != StatusDraft {
			return nil
		}
		return eng.cancelLocked(e, tx, "nobody joined in time")
	})
	if err != nil && KindOf(err) != KindConflict {
		eng.log.Error("Join timeout handling failed", "escrow", escrowID, "err", err)
	}
}

func (eng *Engine) scheduleInactivity(escrowID string) {
	eng.sched.ScheduleAfter(escrowID, sched.KindTradeInactivity, eng.cfg.InactivityTimeout, func(ctx context.Context) {
		eng.inactivityFired(ctx, escrowID)
	})
}

func (eng *Engine) inactivityFired(ctx context.Context, escrowID string) {
	_, err := eng.update(ctx, escrowID, func(e *Escrow, tx *txn) error {
		if e.Status.Terminal() || e.Disputed {
			return nil
		}
		if e.AccumulatedBaseUnits().Sign() > 0 {
			// Funds are at stake; never auto-cancel, flag instead.
			e.Disputed = true
			e.DisputeReason = "trade stalled with funds in the vault"
			tx.publish(EventDisputed, func(ev *Event) { ev.Reason = e.DisputeReason })
			eng.log.Warn("Stalled trade flagged", "escrow", e.ID, "status", e.Status)
			return nil
		}
		switch e.Status {
		case StatusDraft, StatusAwaitingDetails, StatusAwaitingDeposit:
			return eng.cancelLocked(e, tx, "trade timed out")
		}
		return nil
	})
	if err != nil && KindOf(err) != KindConflict {
		eng.log.Error("Inactivity handling failed", "escrow", escrowID, "err", err)
	}
}

func (eng *Engine) scheduleRecycle(escrowID string, groupID int64) {
	eng.sched.ScheduleAfter(escrowID, sched.KindRecycleGrace, eng.cfg.RecycleGrace, func(ctx context.Context) {
		if err := eng.rooms.Recycle(ctx, groupID); err != nil {
			eng.log.Error("Room recycle failed", "escrow", escrowID, "group", groupID, "err", err)
		}
	})
}

// storeErr maps store sentinels onto the taxonomy.
func storeErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Wrap(KindNotFound, err, format, args...)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate):
		return Wrap(KindConflict, err, format, args...)
	}
	return Wrap(KindInternal, err, format, args...)
}

func trimHandle(username string) string {
	if len(username) > 0 && username[0] == '@' {
		return username[1:]
	}
	return username
}
