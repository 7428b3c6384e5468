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
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
)

// handlerTimeout bounds one inbound update end to end. Release
// confirmations wait for the chain inside this window.
const handlerTimeout = 5 * time.Minute

// DepositChecker triggers an on-demand deposit scan, the engine-external
// half of the Check deposit button.
type DepositChecker interface {
	CheckNow(ctx context.Context, escrowID string) (*escrow.Escrow, error)
}

// Balances reads token balances for /balance.
type Balances interface {
	TokenBalance(ctx context.Context, chain asset.Chain, token asset.Token, holder string) (*big.Int, error)
}

// RouterConfig carries the few knobs the dispatch layer has.
type RouterConfig struct {
	// MainGroupID restricts where /deal may run. Zero disables the gate,
	// which only makes sense in dev setups.
	MainGroupID int64
}

// Router turns inbound platform updates into engine calls. Every update
// runs in its own goroutine under a correlation id; replies follow the
// failure taxonomy, so an unauthorized button press acknowledges silently
// while a validation failure explains itself.
type Router struct {
	cfg      RouterConfig
	eng      *escrow.Engine
	client   Client
	checker  DepositChecker
	balances Balances
	log      log.Logger

	wg        sync.WaitGroup
	quit      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRouter wires the dispatch layer. checker and balances may be nil;
// the affected commands then report a friendly "not available".
func NewRouter(cfg RouterConfig, eng *escrow.Engine, client Client, checker DepositChecker, balances Balances, logger log.Logger) *Router {
	if logger == nil {
		logger = log.Root()
	}
	return &Router{
		cfg:      cfg,
		eng:      eng,
		client:   client,
		checker:  checker,
		balances: balances,
		log:      logger.New("component", "chat"),
		quit:     make(chan struct{}),
	}
}

// Start consumes the source until its channel closes or Stop is called.
func (r *Router) Start(src Source) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop(src)
	})
}

// Stop halts dispatch and waits for in-flight handlers.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.wg.Wait()
	})
}

func (r *Router) loop(src Source) {
	defer r.wg.Done()
	for {
		select {
		case u, ok := <-src.Updates():
			if !ok {
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.dispatch(u)
			}()
		case <-r.quit:
			return
		}
	}
}

func (r *Router) dispatch(u Update) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	logger := r.log.New("corr", uuid.NewString()[:8])

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Update handler panicked", "panic", rec)
		}
	}()

	switch u := u.(type) {
	case Command:
		logger.Debug("Command received", "cmd", u.Cmd, "chat", u.ChatID, "user", u.User.ID)
		r.handleCommand(ctx, logger, u)
	case Callback:
		logger.Debug("Callback received", "data", u.Data, "chat", u.ChatID, "user", u.User.ID)
		r.handleCallback(ctx, logger, u)
	case JoinRequest:
		logger.Debug("Join request received", "chat", u.ChatID, "user", u.User.ID)
		r.handleJoin(ctx, logger, u)
	case Message:
		r.handleMessage(ctx, logger, u)
	default:
		logger.Warn("Unknown update type dropped")
	}
}

func (r *Router) handleCommand(ctx context.Context, logger log.Logger, u Command) {
	switch u.Cmd {
	case "deal":
		r.cmdDeal(ctx, logger, u)
	case "release":
		r.cmdRelease(ctx, logger, u)
	case "refund":
		r.cmdRefund(ctx, logger, u)
	case "cancel":
		_, err := r.eng.Cancel(ctx, u.ChatID, u.User.ID, "cancelled by "+handle(u.User.Username))
		r.replyErr(ctx, logger, u.ChatID, err)
	case "restart":
		_, err := r.eng.RestartWizard(ctx, u.ChatID, u.User.ID)
		r.replyErr(ctx, logger, u.ChatID, err)
	case "dispute":
		reason := strings.TrimSpace(u.Args)
		if reason == "" {
			r.reply(ctx, logger, u.ChatID, "Give a reason: /dispute <what went wrong>.")
			return
		}
		_, err := r.eng.Dispute(ctx, u.ChatID, u.User.ID, reason)
		r.replyErr(ctx, logger, u.ChatID, err)
	case "balance":
		r.cmdBalance(ctx, logger, u)
	case "verify":
		r.cmdVerify(ctx, logger, u)
	case "stats":
		r.cmdStats(ctx, logger, u)
	case "leaderboard":
		r.cmdLeaderboard(ctx, logger, u)
	default:
		logger.Debug("Unknown command ignored", "cmd", u.Cmd)
	}
}

func (r *Router) cmdDeal(ctx context.Context, logger log.Logger, u Command) {
	if r.cfg.MainGroupID != 0 && u.ChatID != r.cfg.MainGroupID {
		r.reply(ctx, logger, u.ChatID, "Deals start in the main group only.")
		return
	}
	target := u.Args
	if fields := strings.Fields(u.Args); len(fields) > 0 {
		target = fields[0]
	}
	_, err := r.eng.OpenDeal(ctx, u.User.ID, u.User.Username, target, u.ChatID)
	r.replyErr(ctx, logger, u.ChatID, err)
}

// cmdRelease records the caller's release confirmation, or runs the
// operator release when an admin issues it. The optional argument exists
// for symmetry with the old bot; only the full secured amount is ever
// released, so anything but "all" or that exact amount is refused.
func (r *Router) cmdRelease(ctx context.Context, logger log.Logger, u Command) {
	e, err := r.eng.ByGroup(ctx, u.ChatID)
	if err != nil {
		r.replyErr(ctx, logger, u.ChatID, err)
		return
	}
	if arg := strings.TrimSpace(u.Args); arg != "" && !strings.EqualFold(arg, "all") {
		cmp, cerr := asset.CompareAmounts(arg, e.AccumulatedAmount, tokenDecimals(e))
		if cerr != nil || cmp != 0 {
			r.reply(ctx, logger, u.ChatID,
				"Partial release is not supported; the full secured amount is released. Use /release all.")
			return
		}
	}
	if e.RoleOf(u.User.ID) == escrow.RoleNone && r.eng.IsAdmin(u.User.ID) {
		_, err = r.eng.ManualRelease(ctx, e.ID, u.User.ID)
	} else {
		_, err = r.eng.ConfirmRelease(ctx, u.ChatID, u.User.ID)
	}
	r.replyErr(ctx, logger, u.ChatID, err)
}

// cmdRefund sends the deposit back. Admin only; the target address
// defaults to where the deposit came from, then the seller's wallet.
func (r *Router) cmdRefund(ctx context.Context, logger log.Logger, u Command) {
	if !r.eng.IsAdmin(u.User.ID) {
		logger.Debug("Refund refused, not an admin", "user", u.User.ID)
		return
	}
	e, err := r.eng.ByGroup(ctx, u.ChatID)
	if err != nil {
		r.replyErr(ctx, logger, u.ChatID, err)
		return
	}
	to := strings.TrimSpace(u.Args)
	if to == "" {
		to = e.DepositFromAddress
	}
	if to == "" {
		to = e.SellerAddress
	}
	_, err = r.eng.AdminRefund(ctx, e.ID, u.User.ID, to)
	r.replyErr(ctx, logger, u.ChatID, err)
}

func (r *Router) cmdBalance(ctx context.Context, logger log.Logger, u Command) {
	e, err := r.eng.ByGroup(ctx, u.ChatID)
	if err != nil {
		r.replyErr(ctx, logger, u.ChatID, err)
		return
	}
	if e.DepositAddress == "" {
		r.reply(ctx, logger, u.ChatID, "No vault is assigned yet; the balance exists once both sides approve.")
		return
	}
	if r.balances == nil {
		r.reply(ctx, logger, u.ChatID, "Balance lookups are not available on this deployment.")
		return
	}
	bal, err := r.balances.TokenBalance(ctx, e.Chain, e.Token, e.DepositAddress)
	if err != nil {
		r.replyErr(ctx, logger, u.ChatID, err)
		return
	}
	r.reply(ctx, logger, u.ChatID,
		"Vault balance: "+formatAmount(e, bal)+" "+string(e.Token)+" on "+string(e.Chain)+".")
}

// cmdVerify checks address syntax for both supported families; the
// network is never consulted.
func (r *Router) cmdVerify(ctx context.Context, logger log.Logger, u Command) {
	addr := strings.TrimSpace(u.Args)
	if addr == "" {
		r.reply(ctx, logger, u.ChatID, "Send the address to check: /verify <address>.")
		return
	}
	switch {
	case asset.ValidateAddress(asset.ChainBSC, addr) == nil:
		r.reply(ctx, logger, u.ChatID, "Valid EVM address (BSC, ETH, Polygon).")
	case asset.ValidateAddress(asset.ChainTron, addr) == nil:
		r.reply(ctx, logger, u.ChatID, "Valid TRON address.")
	default:
		r.reply(ctx, logger, u.ChatID, "Not a valid address on any supported chain.")
	}
}

func (r *Router) cmdStats(ctx context.Context, logger log.Logger, u Command) {
	counts, err := r.eng.Stats(ctx)
	if err != nil {
		r.replyErr(ctx, logger, u.ChatID, err)
		return
	}
	volume, err := r.eng.CompletedVolume(ctx)
	if err != nil {
		r.replyErr(ctx, logger, u.ChatID, err)
		return
	}
	r.reply(ctx, logger, u.ChatID, statsText(counts, volume))
}

func (r *Router) cmdLeaderboard(ctx context.Context, logger log.Logger, u Command) {
	rows, err := r.eng.Leaderboard(ctx, 10)
	if err != nil {
		r.replyErr(ctx, logger, u.ChatID, err)
		return
	}
	r.reply(ctx, logger, u.ChatID, leaderboardText(rows))
}

func (r *Router) handleCallback(ctx context.Context, logger log.Logger, u Callback) {
	var err error
	answer := ""
	switch u.Data {
	case cbRoleBuyer:
		_, err = r.eng.ClaimRole(ctx, u.ChatID, u.User.ID, u.User.Username, escrow.RoleBuyer)
		answer = "You are the buyer."
	case cbRoleSeller:
		_, err = r.eng.ClaimRole(ctx, u.ChatID, u.User.ID, u.User.Username, escrow.RoleSeller)
		answer = "You are the seller."
	case cbApprove:
		_, err = r.eng.Approve(ctx, u.ChatID, u.User.ID)
		answer = "Approval recorded."
		if escrow.KindOf(err) == escrow.KindResourceExhausted {
			// Approvals persisted; only the vault lease failed. Tell the
			// room instead of the single presser.
			r.send(ctx, logger, u.ChatID, vaultExhaustedText(), vaultRetryButtons()...)
			r.answer(ctx, logger, u.CallbackID, "")
			return
		}
	case cbRetryVault:
		_, err = r.eng.RetryVaultAssignment(ctx, u.ChatID, u.User.ID)
		answer = "Vault assigned."
	case cbCheckDeposit:
		r.cbCheckDeposit(ctx, logger, u)
		return
	case cbPartialAccept:
		_, err = r.eng.ResolvePartial(ctx, u.ChatID, u.User.ID, true)
		answer = "Continuing at the deposited amount."
	case cbPartialWait:
		_, err = r.eng.ResolvePartial(ctx, u.ChatID, u.User.ID, false)
		answer = "Waiting for the remainder."
	case cbFiatSent:
		_, err = r.eng.MarkFiatSent(ctx, u.ChatID, u.User.ID)
		answer = "Noted, fiat marked as sent."
	case cbFiatReceived:
		_, err = r.eng.MarkFiatReceived(ctx, u.ChatID, u.User.ID)
		answer = "Receipt confirmed."
	case cbConfirmRelease:
		_, err = r.eng.ConfirmRelease(ctx, u.ChatID, u.User.ID)
		answer = "Release confirmation recorded."
	case cbClose:
		_, err = r.eng.CloseTrade(ctx, u.ChatID, u.User.ID)
		answer = "Trade archived."
	case cbCancel:
		_, err = r.eng.Cancel(ctx, u.ChatID, u.User.ID, "cancelled by "+handle(u.User.Username))
		answer = "Trade cancelled."
	default:
		logger.Debug("Unknown callback ignored", "data", u.Data)
		r.answer(ctx, logger, u.CallbackID, "")
		return
	}
	if err != nil {
		r.answerErr(ctx, logger, u, err)
		return
	}
	r.answer(ctx, logger, u.CallbackID, answer)
}

// cbCheckDeposit runs an on-demand scan and reports what the vault holds.
func (r *Router) cbCheckDeposit(ctx context.Context, logger log.Logger, u Callback) {
	if r.checker == nil {
		r.answer(ctx, logger, u.CallbackID, "Deposit checks are not available right now.")
		return
	}
	e, err := r.eng.ByGroup(ctx, u.ChatID)
	if err != nil {
		r.answerErr(ctx, logger, u, err)
		return
	}
	e, err = r.checker.CheckNow(ctx, e.ID)
	if err != nil {
		r.answerErr(ctx, logger, u, err)
		return
	}
	secured := e.AccumulatedAmount
	if secured == "" {
		secured = "0"
	}
	r.answer(ctx, logger, u.CallbackID, "Scanned. Secured so far: "+secured+" "+string(e.Token)+".")
}

// handleJoin feeds the engine, which approves or declines at the
// platform itself. Requests for rooms without a live trade are dropped.
func (r *Router) handleJoin(ctx context.Context, logger log.Logger, u JoinRequest) {
	_, err := r.eng.HandleJoinRequest(ctx, u.ChatID, u.User.ID, u.User.Username)
	if err != nil && escrow.KindOf(err) != escrow.KindUnauthorized {
		logger.Debug("Join request not applied", "chat", u.ChatID, "user", u.User.ID, "err", err)
	}
}

// handleMessage feeds free text to the wizard. Most room chatter is not
// wizard input, so everything but a validation failure passes silently.
func (r *Router) handleMessage(ctx context.Context, logger log.Logger, u Message) {
	text := strings.TrimSpace(u.Text)
	if text == "" || strings.HasPrefix(text, "/") {
		return
	}
	_, err := r.eng.SubmitWizardInput(ctx, u.ChatID, u.User.ID, text)
	if err == nil {
		return
	}
	switch escrow.KindOf(err) {
	case escrow.KindValidation:
		r.reply(ctx, logger, u.ChatID, userMessage(err))
	case escrow.KindUnauthorized, escrow.KindConflict, escrow.KindNotFound:
		// Normal chatter outside a wizard turn.
	default:
		logger.Error("Wizard input failed", "chat", u.ChatID, "err", err)
	}
}

// replyErr sends the taxonomy-appropriate reply for a failed command.
// Unauthorized callers get nothing, on purpose.
func (r *Router) replyErr(ctx context.Context, logger log.Logger, chatID int64, err error) {
	if err == nil {
		return
	}
	switch escrow.KindOf(err) {
	case escrow.KindUnauthorized:
		logger.Debug("Unauthorized command", "chat", chatID, "err", err)
	case escrow.KindValidation, escrow.KindNotFound, escrow.KindConflict, escrow.KindResourceExhausted:
		r.reply(ctx, logger, chatID, userMessage(err))
	case escrow.KindTransientChain:
		r.reply(ctx, logger, chatID, "The chain is slow to answer right now; try again in a moment.")
	case escrow.KindOnchainRevert:
		r.reply(ctx, logger, chatID, "The on-chain call reverted. An admin needs to look at this trade.")
	default:
		logger.Error("Command failed", "chat", chatID, "err", err)
		r.reply(ctx, logger, chatID, "Something went wrong on our side. Try again, or contact the admin.")
	}
}

// answerErr resolves a failed callback per the taxonomy: silence for the
// unauthorized, a toast for everyone else.
func (r *Router) answerErr(ctx context.Context, logger log.Logger, u Callback, err error) {
	switch escrow.KindOf(err) {
	case escrow.KindUnauthorized:
		logger.Debug("Unauthorized callback", "data", u.Data, "err", err)
		r.answer(ctx, logger, u.CallbackID, "")
	case escrow.KindValidation, escrow.KindNotFound, escrow.KindConflict, escrow.KindResourceExhausted:
		r.answer(ctx, logger, u.CallbackID, userMessage(err))
	case escrow.KindTransientChain:
		r.answer(ctx, logger, u.CallbackID, "The chain is slow to answer; try again in a moment.")
	case escrow.KindOnchainRevert:
		r.answer(ctx, logger, u.CallbackID, "On-chain call reverted; an admin needs to look at this.")
	default:
		logger.Error("Callback failed", "data", u.Data, "err", err)
		r.answer(ctx, logger, u.CallbackID, "Something went wrong on our side.")
	}
}

func (r *Router) reply(ctx context.Context, logger log.Logger, chatID int64, text string) {
	if _, err := r.client.SendText(ctx, chatID, text); err != nil {
		logger.Warn("Reply failed", "chat", chatID, "err", err)
	}
}

func (r *Router) send(ctx context.Context, logger log.Logger, chatID int64, text string, buttons ...[]Button) {
	if _, err := r.client.SendText(ctx, chatID, text, buttons...); err != nil {
		logger.Warn("Send failed", "chat", chatID, "err", err)
	}
}

func (r *Router) answer(ctx context.Context, logger log.Logger, callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := r.client.AnswerCallback(ctx, callbackID, text); err != nil {
		logger.Debug("Callback answer failed", "err", err)
	}
}

// userMessage extracts the short human text from a classified failure,
// cause included: the kinds that reach here wrap user-relevant detail
// like parse failures. Unclassified errors never reach users verbatim.
func userMessage(err error) string {
	var cerr *escrow.Error
	if !errors.As(err, &cerr) {
		return "That did not work; check the input and try again."
	}
	msg := cerr.Msg
	if cerr.Err != nil {
		if msg != "" {
			msg += ": " + cerr.Err.Error()
		} else {
			msg = cerr.Err.Error()
		}
	}
	if msg == "" {
		return "That did not work; check the input and try again."
	}
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}
