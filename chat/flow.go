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
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/sched"
)

// renderTimeout bounds the platform calls of one event render.
const renderTimeout = 30 * time.Second

// flowEventBuffer decouples the engine feed from platform latency.
const flowEventBuffer = 256

// FlowConfig tunes the outbound side.
type FlowConfig struct {
	// MessageTTL is how long service messages (wizard prompts, join
	// notices, cancellation notes) stay up before the flow deletes them.
	// Defaults to 5 minutes.
	MessageTTL time.Duration
	// AdminChatID receives dispute and release-failure notices when set.
	AdminChatID int64
	// AdminContact is the operator handle rendered in dispute notices,
	// with or without the leading @.
	AdminContact string
}

// Flow renders the participant-facing side of every trade. It subscribes
// to the engine feed and reacts to each event with sends, in-place summary
// edits, pins and scheduled deletions. Renders run strictly in feed order
// on one goroutine; all texts come from pure renderers over the event's
// escrow snapshot.
type Flow struct {
	cfg    FlowConfig
	eng    *escrow.Engine
	client Client
	sched  *sched.Scheduler
	log    log.Logger

	events chan escrow.Event
	sub    event.Subscription

	wg        sync.WaitGroup
	quit      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewFlow wires the renderer onto the engine feed. The subscription is
// taken here so no event between construction and Start is lost.
func NewFlow(cfg FlowConfig, eng *escrow.Engine, client Client, schd *sched.Scheduler, logger log.Logger) *Flow {
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Root()
	}
	f := &Flow{
		cfg:    cfg,
		eng:    eng,
		client: client,
		sched:  schd,
		log:    logger.New("component", "chatflow"),
		events: make(chan escrow.Event, flowEventBuffer),
		quit:   make(chan struct{}),
	}
	f.sub = eng.SubscribeEvents(f.events)
	return f
}

// Start launches the render loop. Idempotent.
func (f *Flow) Start() {
	f.startOnce.Do(func() {
		f.wg.Add(1)
		go f.loop()
	})
}

// Stop unsubscribes and waits for the loop to drain.
func (f *Flow) Stop() {
	f.stopOnce.Do(func() {
		f.sub.Unsubscribe()
		close(f.quit)
		f.wg.Wait()
	})
}

func (f *Flow) loop() {
	defer f.wg.Done()
	for {
		select {
		case ev := <-f.events:
			f.render(ev)
		case err := <-f.sub.Err():
			if err != nil {
				f.log.Error("Event subscription failed", "err", err)
			}
			return
		case <-f.quit:
			return
		}
	}
}

func (f *Flow) render(ev escrow.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), renderTimeout)
	defer cancel()
	e := ev.Escrow
	if e == nil {
		return
	}
	logger := f.log.New("escrow", e.ID)

	switch ev.Type {
	case escrow.EventDealOpened:
		if e.OriginChatID == 0 {
			return
		}
		id := f.send(ctx, logger, e.OriginChatID, inviteText(e), inviteButtons(e)...)
		if id != 0 {
			f.setRef(ctx, logger, e.ID, escrow.RefInvite, id)
			f.expireLater(e.ID, e.OriginChatID, id)
		}

	case escrow.EventJoinApproved:
		id := f.send(ctx, logger, e.GroupID, handle(ev.Reason)+" joined the trade room.")
		f.expireLater(e.ID, e.GroupID, id)

	case escrow.EventBothJoined:
		f.send(ctx, logger, e.GroupID, welcomeText(e), roleButtons()...)

	case escrow.EventRolesAssigned:
		id := f.send(ctx, logger, e.GroupID, rolesAssignedText(e))
		f.expireLater(e.ID, e.GroupID, id)
		f.prompt(ctx, logger, e)

	case escrow.EventWizardAdvanced:
		f.prompt(ctx, logger, e)

	case escrow.EventWizardRestarted:
		id := f.send(ctx, logger, e.GroupID, restartText())
		f.expireLater(e.ID, e.GroupID, id)
		f.prompt(ctx, logger, e)

	case escrow.EventSummaryReady:
		id := f.send(ctx, logger, e.GroupID, summaryText(e), summaryButtons(e)...)
		if id != 0 {
			f.setRef(ctx, logger, e.ID, escrow.RefSummary, id)
			f.pin(ctx, logger, e, id)
		}

	case escrow.EventApprovalChanged:
		f.editSummary(ctx, logger, e)

	case escrow.EventAwaitingDeposit:
		f.editSummary(ctx, logger, e)
		id := f.send(ctx, logger, e.GroupID, depositText(e), depositButtons()...)
		if id != 0 {
			f.setRef(ctx, logger, e.ID, escrow.RefDeposit, id)
			f.pin(ctx, logger, e, id)
		}

	case escrow.EventDepositCredited:
		id := f.send(ctx, logger, e.GroupID, creditedText(e, ev.Credited, ev.Outstanding))
		f.expireLater(e.ID, e.GroupID, id)

	case escrow.EventPartialDeposit:
		f.send(ctx, logger, e.GroupID, partialText(e, ev.Outstanding), partialButtons()...)

	case escrow.EventDeposited:
		f.send(ctx, logger, e.GroupID, depositedText(e), depositedButtons()...)

	case escrow.EventFiatSent:
		f.send(ctx, logger, e.GroupID, fiatSentText(e), fiatSentButtons()...)

	case escrow.EventReadyToRelease:
		f.send(ctx, logger, e.GroupID, readyText(e), readyButtons()...)

	case escrow.EventReleaseSubmitted:
		f.send(ctx, logger, e.GroupID, releaseSubmittedText(e, ev.TxHash))

	case escrow.EventReleaseFailed:
		f.send(ctx, logger, e.GroupID, releaseFailedText())
		f.notifyAdmin(ctx, logger, "Release failed on "+e.ID+": "+ev.Reason)

	case escrow.EventCompleted:
		id := f.send(ctx, logger, e.GroupID, completedText(e, ev.TxHash), completedButtons()...)
		if id != 0 {
			// The deposit address must not stay pinned past the trade.
			f.pin(ctx, logger, e, id)
		}

	case escrow.EventRefundSubmitted:
		f.send(ctx, logger, e.GroupID, refundSubmittedText(e, ev.TxHash))

	case escrow.EventRefunded:
		f.send(ctx, logger, e.GroupID, refundedText(e, ev.TxHash))
		f.unpin(ctx, logger, e)

	case escrow.EventCancelled:
		f.send(ctx, logger, e.GroupID, cancelledText(e, ev.Reason))
		f.unpin(ctx, logger, e)
		if e.OriginChatID != 0 && e.OriginChatID != e.GroupID {
			id := f.send(ctx, logger, e.OriginChatID, cancelledText(e, ev.Reason))
			f.expireLater(e.ID, e.OriginChatID, id)
		}

	case escrow.EventClosed:
		f.send(ctx, logger, e.GroupID, closedText(e))
		f.unpin(ctx, logger, e)

	case escrow.EventDisputed:
		f.send(ctx, logger, e.GroupID, disputedText(e, ev.Reason, f.cfg.AdminContact))
		f.notifyAdmin(ctx, logger, "Dispute on "+e.ID+" in room "+strconv.FormatInt(e.GroupID, 10)+": "+ev.Reason)
	}
}

// prompt sends the wizard prompt for the trade's current step and lines
// it up for expiry.
func (f *Flow) prompt(ctx context.Context, logger log.Logger, e *escrow.Escrow) {
	text, ok := stepPrompt(e)
	if !ok {
		return
	}
	id := f.send(ctx, logger, e.GroupID, text)
	f.expireLater(e.ID, e.GroupID, id)
}

// editSummary re-renders the pinned deal summary in place.
func (f *Flow) editSummary(ctx context.Context, logger log.Logger, e *escrow.Escrow) {
	if e.SummaryMessageID == 0 {
		return
	}
	if err := f.client.EditText(ctx, e.GroupID, e.SummaryMessageID, summaryText(e), summaryButtons(e)...); err != nil {
		logger.Warn("Summary edit failed", "msg", e.SummaryMessageID, "err", err)
	}
}

// pin replaces the room's pinned message and records the new one.
func (f *Flow) pin(ctx context.Context, logger log.Logger, e *escrow.Escrow, messageID int) {
	if e.PinnedMessageID != 0 && e.PinnedMessageID != messageID {
		if err := f.client.UnpinMessage(ctx, e.GroupID, e.PinnedMessageID); err != nil {
			logger.Debug("Unpin failed", "msg", e.PinnedMessageID, "err", err)
		}
	}
	if err := f.client.PinMessage(ctx, e.GroupID, messageID); err != nil {
		logger.Warn("Pin failed", "msg", messageID, "err", err)
		return
	}
	f.setRef(ctx, logger, e.ID, escrow.RefPinned, messageID)
}

func (f *Flow) unpin(ctx context.Context, logger log.Logger, e *escrow.Escrow) {
	if e.PinnedMessageID == 0 {
		return
	}
	if err := f.client.UnpinMessage(ctx, e.GroupID, e.PinnedMessageID); err != nil {
		logger.Debug("Unpin failed", "msg", e.PinnedMessageID, "err", err)
	}
}

// send delivers one message and returns its id, zero on failure.
func (f *Flow) send(ctx context.Context, logger log.Logger, chatID int64, text string, buttons ...[]Button) int {
	id, err := f.client.SendText(ctx, chatID, text, buttons...)
	if err != nil {
		logger.Warn("Send failed", "chat", chatID, "err", err)
		return 0
	}
	return id
}

func (f *Flow) setRef(ctx context.Context, logger log.Logger, escrowID string, ref escrow.MessageRef, messageID int) {
	if err := f.eng.SetMessageRef(ctx, escrowID, ref, messageID); err != nil {
		logger.Warn("Message ref not recorded", "ref", ref, "msg", messageID, "err", err)
	}
}

// expireLater deletes a service message after the TTL. The timer keys on
// "escrowID/messageID" so a trade teardown can drop them all at once.
func (f *Flow) expireLater(escrowID string, chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	key := escrowID + "/" + strconv.Itoa(messageID)
	f.sched.ScheduleAfter(key, sched.KindMessageTTL, f.cfg.MessageTTL, func(ctx context.Context) {
		if err := f.client.DeleteMessage(ctx, chatID, messageID); err != nil {
			f.log.Debug("Ephemeral delete failed", "chat", chatID, "msg", messageID, "err", err)
		}
	})
}

func (f *Flow) notifyAdmin(ctx context.Context, logger log.Logger, text string) {
	if f.cfg.AdminChatID == 0 {
		return
	}
	if _, err := f.client.SendText(ctx, f.cfg.AdminChatID, text); err != nil {
		logger.Warn("Admin notice failed", "err", err)
	}
}
