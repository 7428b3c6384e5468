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
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/sched"
	"github.com/p2pmmx/escrowd/store/memstore"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	alice   int64 = 11 // creator, takes the seller role
	bob     int64 = 22 // invited, takes the buyer role
	mallory int64 = 33 // outsider
	admin   int64 = 999

	mainGroup int64 = -500 // where /deal runs
	roomID    int64 = -1000
	adminChat int64 = 777

	buyerAddr  = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"
	sellerAddr = "0x8Ba1f109551bD432803012645Ac136ddd64DBA72"
)

// sentMsg is one recorded outbound message.
type sentMsg struct {
	chatID  int64
	msgID   int
	text    string
	buttons [][]Button
}

// fakeClient records every platform call. Message ids count up from 1.
type fakeClient struct {
	mu      sync.Mutex
	nextID  int
	sends   []sentMsg
	edits   []sentMsg
	deleted []int
	pinned  []int
	unpins  []int
	answers []string
}

func (c *fakeClient) SendText(ctx context.Context, chatID int64, text string, buttons ...[]Button) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.sends = append(c.sends, sentMsg{chatID: chatID, msgID: c.nextID, text: text, buttons: buttons})
	return c.nextID, nil
}

func (c *fakeClient) SendPhoto(ctx context.Context, chatID int64, photo, caption string, buttons ...[]Button) (int, error) {
	return c.SendText(ctx, chatID, caption, buttons...)
}

func (c *fakeClient) EditText(ctx context.Context, chatID int64, messageID int, text string, buttons ...[]Button) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, sentMsg{chatID: chatID, msgID: messageID, text: text, buttons: buttons})
	return nil
}

func (c *fakeClient) EditCaption(ctx context.Context, chatID int64, messageID int, caption string, buttons ...[]Button) error {
	return c.EditText(ctx, chatID, messageID, caption, buttons...)
}

func (c *fakeClient) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, messageID)
	return nil
}

func (c *fakeClient) PinMessage(ctx context.Context, chatID int64, messageID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = append(c.pinned, messageID)
	return nil
}

func (c *fakeClient) UnpinMessage(ctx context.Context, chatID int64, messageID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpins = append(c.unpins, messageID)
	return nil
}

func (c *fakeClient) AnswerCallback(ctx context.Context, callbackID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, text)
	return nil
}

func (c *fakeClient) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

// findSend returns the latest send whose text contains the substring.
func (c *fakeClient) findSend(substr string) (sentMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sends) - 1; i >= 0; i-- {
		if strings.Contains(c.sends[i].text, substr) {
			return c.sends[i], true
		}
	}
	return sentMsg{}, false
}

func (c *fakeClient) lastAnswer() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.answers) == 0 {
		return "", false
	}
	return c.answers[len(c.answers)-1], true
}

func (c *fakeClient) answerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.answers)
}

func (c *fakeClient) editCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.edits)
}

func (c *fakeClient) lastEdit() (sentMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.edits) == 0 {
		return sentMsg{}, false
	}
	return c.edits[len(c.edits)-1], true
}

func (c *fakeClient) deletedIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.deleted...)
}

func (c *fakeClient) pinnedIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.pinned...)
}

func (c *fakeClient) unpinnedIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.unpins...)
}

// sendsContaining returns every send whose text contains the substring.
func (c *fakeClient) sendsContaining(substr string) []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMsg
	for _, m := range c.sends {
		if strings.Contains(m.text, substr) {
			out = append(out, m)
		}
	}
	return out
}

// chanSource adapts a plain channel to the Source interface.
type chanSource chan Update

func (s chanSource) Updates() <-chan Update { return s }

// stubRooms hands out one fixed room and records recycles.
type stubRooms struct {
	mu       sync.Mutex
	recycled []int64
}

func (r *stubRooms) Acquire(ctx context.Context, escrowID string) (int64, string, error) {
	return roomID, "https://chat.invite/room", nil
}

func (r *stubRooms) ApproveJoin(ctx context.Context, groupID, userID int64) error { return nil }
func (r *stubRooms) DeclineJoin(ctx context.Context, groupID, userID int64) error { return nil }

func (r *stubRooms) Recycle(ctx context.Context, groupID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recycled = append(r.recycled, groupID)
	return nil
}

func (r *stubRooms) recycleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recycled)
}

// stubVaults leases one fixed vault address, with optional injected
// exhaustion for the retry path.
type stubVaults struct {
	mu       sync.Mutex
	failures int
}

func (v *stubVaults) failNext(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures = n
}

func (v *stubVaults) Assign(ctx context.Context, escrowID string, token asset.Token, chain asset.Chain, fee escrow.FeeTier, groupID int64) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failures > 0 {
		v.failures--
		return "", escrow.E(escrow.KindResourceExhausted, "all vaults for %s on %s are leased", token, chain)
	}
	return "0x00000000000000000000000000000000000000a1", nil
}

func (v *stubVaults) Release(ctx context.Context, escrowID string) error { return nil }

func (v *stubVaults) FeeFor(ctx context.Context, token asset.Token, chain asset.Chain, groupID int64) (escrow.FeeTier, error) {
	return escrow.FeeTier{Percent: 0.5, Bps: 50}, nil
}

// stubChains accepts every submission instantly.
type stubChains struct {
	mu         sync.Mutex
	releaseErr error
}

func (c *stubChains) setReleaseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseErr = err
}

func (c *stubChains) Supports(chain asset.Chain) bool { return true }

func (c *stubChains) LatestBlock(ctx context.Context, chain asset.Chain) (uint64, error) {
	return 500, nil
}

func (c *stubChains) ReleaseFunds(ctx context.Context, chain asset.Chain, token asset.Token, vault, recipient string, amount *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.releaseErr != nil {
		return "", c.releaseErr
	}
	return "0xrelease01", nil
}

func (c *stubChains) RefundFunds(ctx context.Context, chain asset.Chain, token asset.Token, vault, recipient string, amount *big.Int) (string, error) {
	return "0xrefund01", nil
}

func (c *stubChains) WaitMined(ctx context.Context, chain asset.Chain, txHash string) error {
	return nil
}

type fakeChecker struct {
	mu   sync.Mutex
	e    *escrow.Escrow
	err  error
	hits int
}

func (f *fakeChecker) CheckNow(ctx context.Context, escrowID string) (*escrow.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	return f.e, f.err
}

type fakeBalances struct {
	bal *big.Int
	err error
}

func (f *fakeBalances) TokenBalance(ctx context.Context, chain asset.Chain, token asset.Token, holder string) (*big.Int, error) {
	return f.bal, f.err
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clk      *clock.TestClock
	st       *memstore.Store
	schd     *sched.Scheduler
	eng      *escrow.Engine
	client   *fakeClient
	rooms    *stubRooms
	vaults   *stubVaults
	chains   *stubChains
	checker  *fakeChecker
	balances *fakeBalances
	router   *Router
	flow     *Flow
	updates  chanSource
}

func newHarness(t *testing.T) *harness {
	return newHarnessCfg(t, FlowConfig{AdminChatID: adminChat})
}

func newHarnessCfg(t *testing.T, flowCfg FlowConfig) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clk:      clock.NewTestClock(testStart),
		st:       memstore.New(),
		client:   &fakeClient{},
		rooms:    &stubRooms{},
		vaults:   &stubVaults{},
		chains:   &stubChains{},
		checker:  &fakeChecker{},
		balances: &fakeBalances{bal: big.NewInt(0)},
		updates:  make(chanSource, 16),
	}
	h.schd = sched.New(h.clk, nil)
	h.schd.Start()
	h.eng = escrow.NewEngine(escrow.EngineConfig{
		JoinTimeout:       5 * time.Minute,
		InactivityTimeout: time.Hour,
		RecycleGrace:      2 * time.Minute,
		AdminUserIDs:      []int64{admin},
	}, h.st, h.rooms, h.vaults, h.chains, h.schd, h.clk, nil)
	h.flow = NewFlow(flowCfg, h.eng, h.client, h.schd, nil)
	h.router = NewRouter(RouterConfig{MainGroupID: mainGroup}, h.eng, h.client, h.checker, h.balances, nil)
	h.flow.Start()
	h.router.Start(h.updates)
	t.Cleanup(func() {
		h.router.Stop()
		h.flow.Stop()
		h.eng.Close()
		h.schd.Stop()
	})
	return h
}

func (h *harness) push(u Update) {
	h.t.Helper()
	select {
	case h.updates <- u:
	case <-time.After(2 * time.Second):
		h.t.Fatal("update queue stuck")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitSend blocks until some send contains the substring and returns it.
func (h *harness) waitSend(substr string) sentMsg {
	h.t.Helper()
	var msg sentMsg
	waitUntil(h.t, func() bool {
		m, ok := h.client.findSend(substr)
		msg = m
		return ok
	})
	return msg
}

func (h *harness) trade() *escrow.Escrow {
	h.t.Helper()
	e, err := h.eng.ByGroup(h.ctx, roomID)
	require.NoError(h.t, err)
	return e
}

// openViaChat walks /deal, both join requests and the role buttons.
func (h *harness) openViaChat() *escrow.Escrow {
	h.t.Helper()
	h.push(Command{Cmd: "deal", Args: "@bob", User: User{ID: alice, Username: "alice"}, ChatID: mainGroup})
	invite := h.waitSend("tap the button below to join")
	require.Equal(h.t, mainGroup, invite.chatID)
	require.NotEmpty(h.t, invite.buttons)
	require.Equal(h.t, "https://chat.invite/room", invite.buttons[0][0].URL)

	h.push(JoinRequest{User: User{ID: alice, Username: "alice"}, ChatID: roomID})
	waitUntil(h.t, func() bool { return h.trade().IsApproved(alice) })
	h.push(JoinRequest{User: User{ID: bob, Username: "bob"}, ChatID: roomID})
	waitUntil(h.t, func() bool { return h.trade().Status == escrow.StatusAwaitingDetails })
	h.waitSend("pick your roles")

	h.push(Callback{Data: cbRoleBuyer, User: User{ID: bob, Username: "bob"}, ChatID: roomID, CallbackID: "cb-role-b"})
	waitUntil(h.t, func() bool { return h.trade().BuyerID == bob })
	h.push(Callback{Data: cbRoleSeller, User: User{ID: alice, Username: "alice"}, ChatID: roomID, CallbackID: "cb-role-s"})
	waitUntil(h.t, func() bool { return h.trade().Step == escrow.StepAmount })
	return h.trade()
}

// wizardViaChat feeds the standard terms as room messages.
func (h *harness) wizardViaChat() *escrow.Escrow {
	h.t.Helper()
	steps := []struct {
		user User
		text string
	}{
		{User{ID: alice, Username: "alice"}, "100"},
		{User{ID: alice, Username: "alice"}, "1.02"},
		{User{ID: alice, Username: "alice"}, "SEPA transfer"},
		{User{ID: alice, Username: "alice"}, "USDT BSC"},
		{User{ID: bob, Username: "bob"}, buyerAddr},
		{User{ID: alice, Username: "alice"}, sellerAddr},
	}
	for _, s := range steps {
		before := h.trade().Step
		h.push(Message{Text: s.text, User: s.user, ChatID: roomID})
		waitUntil(h.t, func() bool { return h.trade().Step != before })
	}
	require.Equal(h.t, escrow.StepCompleted, h.trade().Step)
	return h.trade()
}

// approveBoth pushes both approval callbacks and waits for the vault.
func (h *harness) approveBoth() *escrow.Escrow {
	h.t.Helper()
	h.push(Callback{Data: cbApprove, User: User{ID: alice, Username: "alice"}, ChatID: roomID, CallbackID: "cb-app-s"})
	waitUntil(h.t, func() bool { return h.trade().SellerApproved })
	h.push(Callback{Data: cbApprove, User: User{ID: bob, Username: "bob"}, ChatID: roomID, CallbackID: "cb-app-b"})
	waitUntil(h.t, func() bool { return h.trade().Status == escrow.StatusAwaitingDeposit })
	return h.trade()
}

// fund credits a deposit the way the watcher would.
func (h *harness) fund(amount string, block uint64) *escrow.Escrow {
	h.t.Helper()
	e := h.trade()
	n, err := asset.ParseUnits(amount, 18)
	require.NoError(h.t, err)
	_, err = h.eng.CreditDeposits(h.ctx, e.ID, []escrow.Transfer{{
		TxHash: "0xdep" + amount, LogIndex: 0, From: sellerAddr, Amount: n, Block: block,
	}}, block)
	require.NoError(h.t, err)
	return h.trade()
}

func TestDealLifecycleViaChat(t *testing.T) {
	h := newHarness(t)
	h.openViaChat()
	h.waitSend("Step 1 of 6")
	h.wizardViaChat()

	// The summary goes up pinned, with approve buttons.
	summary := h.waitSend("review the terms")
	require.Contains(t, summary.text, "100 USDT on BSC")
	require.Contains(t, summary.text, buyerAddr)
	waitUntil(t, func() bool { return h.trade().SummaryMessageID == summary.msgID })
	waitUntil(t, func() bool {
		for _, id := range h.client.pinnedIDs() {
			if id == summary.msgID {
				return true
			}
		}
		return false
	})

	// First approval edits the summary in place.
	h.push(Callback{Data: cbApprove, User: User{ID: alice, Username: "alice"}, ChatID: roomID, CallbackID: "cb-app-s"})
	waitUntil(t, func() bool { return h.trade().SellerApproved })
	waitUntil(t, func() bool {
		edit, ok := h.client.lastEdit()
		return ok && edit.msgID == summary.msgID && strings.Contains(edit.text, "seller approved")
	})

	// Second approval leases the vault and publishes the address.
	h.push(Callback{Data: cbApprove, User: User{ID: bob, Username: "bob"}, ChatID: roomID, CallbackID: "cb-app-b"})
	waitUntil(t, func() bool { return h.trade().Status == escrow.StatusAwaitingDeposit })
	deposit := h.waitSend("Deposit address assigned")
	require.Contains(t, deposit.text, h.trade().DepositAddress)
	waitUntil(t, func() bool { return h.trade().DepositMessageID == deposit.msgID })

	// Watcher-side crediting is simulated directly.
	h.fund("100", 510)
	h.waitSend("Deposit secured")

	// Fiat handshake and dual release confirmation.
	h.push(Callback{Data: cbFiatSent, User: User{ID: bob, Username: "bob"}, ChatID: roomID, CallbackID: "cb-paid"})
	h.waitSend("marked the fiat as sent")
	h.push(Callback{Data: cbFiatReceived, User: User{ID: alice, Username: "alice"}, ChatID: roomID, CallbackID: "cb-recv"})
	h.waitSend("Fiat receipt confirmed")

	h.push(Callback{Data: cbConfirmRelease, User: User{ID: bob, Username: "bob"}, ChatID: roomID, CallbackID: "cb-rel-b"})
	waitUntil(t, func() bool { return h.trade().BuyerConfirmedRelease })
	h.push(Callback{Data: cbConfirmRelease, User: User{ID: alice, Username: "alice"}, ChatID: roomID, CallbackID: "cb-rel-s"})
	waitUntil(t, func() bool { return h.trade().Status == escrow.StatusCompleted })

	done := h.waitSend("complete. 100")
	require.Contains(t, done.text, "0xrelease01")

	// One close click archives and, after the grace delay, recycles.
	escrowID := h.trade().ID
	h.push(Callback{Data: cbClose, User: User{ID: alice, Username: "alice"}, ChatID: roomID, CallbackID: "cb-close"})
	h.waitSend("archived")
	waitUntil(t, func() bool { return h.schd.Pending(escrowID, sched.KindRecycleGrace) })
	h.clk.SetTime(testStart.Add(2 * time.Minute))
	waitUntil(t, func() bool { return h.rooms.recycleCount() == 1 })
}

func TestUnauthorizedCallbackIsSilent(t *testing.T) {
	h := newHarness(t)
	h.openViaChat()
	h.wizardViaChat()
	h.waitSend("review the terms")

	before := h.client.sendCount()
	h.push(Callback{Data: cbApprove, User: User{ID: mallory, Username: "mallory"}, ChatID: roomID, CallbackID: "cb-mal"})
	waitUntil(t, func() bool {
		ans, ok := h.client.lastAnswer()
		return ok && ans == ""
	})
	e := h.trade()
	require.False(t, e.BuyerApproved)
	require.False(t, e.SellerApproved)
	require.Equal(t, before, h.client.sendCount(), "no reply beyond the silent ack")
}

func TestWizardValidationRepliesAndChatterIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.openViaChat()

	// Rejected input on the seller's turn earns a short reply.
	h.push(Message{Text: "not-a-number", User: User{ID: alice, Username: "alice"}, ChatID: roomID})
	h.waitSend("invalid amount")

	// The buyer talking off-turn is chatter, not an error.
	before := h.client.sendCount()
	h.push(Message{Text: "sounds good to me", User: User{ID: bob, Username: "bob"}, ChatID: roomID})
	h.push(Message{Text: "hello all", User: User{ID: mallory, Username: "mallory"}, ChatID: roomID})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, h.client.sendCount())
	require.Equal(t, escrow.StepAmount, h.trade().Step)
}

func TestDealOutsideMainGroupRefused(t *testing.T) {
	h := newHarness(t)
	h.push(Command{Cmd: "deal", Args: "@bob", User: User{ID: alice, Username: "alice"}, ChatID: 4242})
	msg := h.waitSend("main group")
	require.Equal(t, int64(4242), msg.chatID)
	_, err := h.eng.ByGroup(h.ctx, roomID)
	require.Equal(t, escrow.KindNotFound, escrow.KindOf(err))
}

func TestDealWithoutTargetRepliesUsage(t *testing.T) {
	h := newHarness(t)
	h.push(Command{Cmd: "deal", User: User{ID: alice, Username: "alice"}, ChatID: mainGroup})
	h.waitSend("/deal @name")
}

func TestVerifyCommand(t *testing.T) {
	h := newHarness(t)
	h.push(Command{Cmd: "verify", Args: buyerAddr, User: User{ID: mallory}, ChatID: mainGroup})
	h.waitSend("Valid EVM address")

	h.push(Command{Cmd: "verify", Args: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", User: User{ID: mallory}, ChatID: mainGroup})
	h.waitSend("Valid TRON address")

	h.push(Command{Cmd: "verify", Args: "0x1234", User: User{ID: mallory}, ChatID: mainGroup})
	h.waitSend("Not a valid address")
}

func TestBalanceCommand(t *testing.T) {
	h := newHarness(t)
	h.openViaChat()
	h.wizardViaChat()

	// Before the vault exists the command explains itself.
	h.push(Command{Cmd: "balance", User: User{ID: alice, Username: "alice"}, ChatID: roomID})
	h.waitSend("No vault is assigned yet")

	h.approveBoth()
	h.balances.bal = asset.MustParseUnits("60", 18)
	h.push(Command{Cmd: "balance", User: User{ID: alice, Username: "alice"}, ChatID: roomID})
	h.waitSend("Vault balance: 60 USDT on BSC")
}

func TestCheckDepositCallback(t *testing.T) {
	h := newHarness(t)
	h.openViaChat()
	h.wizardViaChat()
	h.approveBoth()

	scanned := h.trade()
	scanned.AccumulatedAmount = "60"
	h.checker.e = scanned
	h.push(Callback{Data: cbCheckDeposit, User: User{ID: alice, Username: "alice"}, ChatID: roomID, CallbackID: "cb-check"})
	waitUntil(t, func() bool {
		ans, ok := h.client.lastAnswer()
		return ok && strings.Contains(ans, "60 USDT")
	})
	h.checker.mu.Lock()
	require.Equal(t, 1, h.checker.hits)
	h.checker.mu.Unlock()
}

func TestStatsAndLeaderboardCommands(t *testing.T) {
	h := newHarness(t)
	now := testStart
	require.NoError(t, h.st.CreateEscrow(h.ctx, &escrow.Escrow{
		ID: "P2PMMX10000001", Status: escrow.StatusCompleted,
		CreatorID: alice, BuyerID: bob, SellerID: alice,
		BuyerUsername: "bob", SellerUsername: "alice",
		AllowedUserIDs: []int64{alice, bob}, GroupID: -77,
		Quantity: "150", Token: asset.TokenUSDT, Chain: asset.ChainBSC,
		ReleaseTxHash: "0xaa", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, h.st.CreateEscrow(h.ctx, &escrow.Escrow{
		ID: "P2PMMX10000002", Status: escrow.StatusCancelled,
		CreatorID: alice, AllowedUserIDs: []int64{alice}, GroupID: -78,
		CreatedAt: now, UpdatedAt: now,
	}))

	h.push(Command{Cmd: "stats", User: User{ID: mallory}, ChatID: mainGroup})
	stats := h.waitSend("Escrow stats")
	require.Contains(t, stats.text, "completed: 1")
	require.Contains(t, stats.text, "cancelled: 1")
	require.Contains(t, stats.text, "total: 2")
	require.Contains(t, stats.text, "completed volume: 150.00")

	h.push(Command{Cmd: "leaderboard", User: User{ID: mallory}, ChatID: mainGroup})
	board := h.waitSend("Top traders")
	require.Contains(t, board.text, "@bob")
	require.Contains(t, board.text, "@alice")
}

func TestRestartCommandResetsWizard(t *testing.T) {
	h := newHarness(t)
	h.openViaChat()
	h.push(Message{Text: "100", User: User{ID: alice, Username: "alice"}, ChatID: roomID})
	waitUntil(t, func() bool { return h.trade().Step == escrow.StepRate })

	h.push(Command{Cmd: "restart", User: User{ID: bob, Username: "bob"}, ChatID: roomID})
	waitUntil(t, func() bool { return h.trade().Step == escrow.StepAmount && h.trade().Quantity == "" })
	h.waitSend("Starting over")
}

func TestCancelCommandFromOutsiderIsSilent(t *testing.T) {
	h := newHarness(t)
	h.openViaChat()

	before := h.client.sendCount()
	h.push(Command{Cmd: "cancel", User: User{ID: mallory, Username: "mallory"}, ChatID: roomID})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, h.client.sendCount())
	require.Equal(t, escrow.StatusAwaitingDetails, h.trade().Status)

	h.push(Command{Cmd: "cancel", User: User{ID: alice, Username: "alice"}, ChatID: roomID})
	waitUntil(t, func() bool {
		_, err := h.eng.ByGroup(h.ctx, roomID)
		return escrow.KindOf(err) == escrow.KindNotFound
	})
	h.waitSend("cancelled by @alice")
}

func TestReleaseCommandRefusesPartialAmount(t *testing.T) {
	h := newHarness(t)
	h.openViaChat()
	h.wizardViaChat()
	h.approveBoth()
	h.fund("100", 510)

	h.push(Command{Cmd: "release", Args: "50", User: User{ID: alice, Username: "alice"}, ChatID: roomID})
	h.waitSend("Partial release is not supported")
	require.False(t, h.trade().SellerConfirmedRelease)
}

func TestVaultExhaustedOffersRetry(t *testing.T) {
	h := newHarness(t)
	h.openViaChat()
	h.wizardViaChat()
	h.vaults.failNext(1)

	h.push(Callback{Data: cbApprove, User: User{ID: alice, Username: "alice"}, ChatID: roomID, CallbackID: "a1"})
	waitUntil(t, func() bool { return h.trade().SellerApproved })
	h.push(Callback{Data: cbApprove, User: User{ID: bob, Username: "bob"}, ChatID: roomID, CallbackID: "a2"})

	// The approval sticks; only the lease failed, and the room gets the
	// retry button.
	retry := h.waitSend("All escrow vaults are busy")
	require.NotEmpty(t, retry.buttons)
	require.Equal(t, cbRetryVault, retry.buttons[0][0].Data)
	e := h.trade()
	require.True(t, e.BuyerApproved)
	require.Equal(t, escrow.StatusAwaitingDetails, e.Status)

	h.push(Callback{Data: cbRetryVault, User: User{ID: bob, Username: "bob"}, ChatID: roomID, CallbackID: "a3"})
	waitUntil(t, func() bool { return h.trade().Status == escrow.StatusAwaitingDeposit })
	h.waitSend("Deposit address assigned")
	waitUntil(t, func() bool {
		ans, ok := h.client.lastAnswer()
		return ok && ans == "Vault assigned."
	})
}
