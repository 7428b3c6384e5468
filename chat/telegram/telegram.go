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

// Package telegram drives the Telegram Bot API over long polling. The Bot
// type implements chat.Client and chat.Source for the dispatch layer and
// roompool.Platform for room membership control, so one connection serves
// all three.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/p2pmmx/escrowd/chat"
)

const (
	// updateBuffer absorbs bursts between a poll response landing and the
	// router draining it.
	updateBuffer = 128

	// callAttempts bounds retries of one API call.
	callAttempts = 5

	// msgRate is Telegram's documented global bot send budget, kept a
	// little under the hard 30/s cap.
	msgRate  = 25
	msgBurst = 25
)

// Config carries the Bot API connection settings.
type Config struct {
	// Token is the bot token from BotFather.
	Token string

	// BaseURL overrides the API origin, used by tests and by deployments
	// behind a bot API proxy. Defaults to https://api.telegram.org.
	BaseURL string

	// PollTimeout is the long-poll hold time for getUpdates. Defaults to
	// 50 seconds.
	PollTimeout time.Duration
}

// Bot is one authenticated Bot API session.
type Bot struct {
	cfg     Config
	base    string
	httpc   *http.Client
	limiter *rate.Limiter
	log     log.Logger

	// username is the bot's own handle, learned from getMe. Commands
	// addressed to a different bot in the same group are dropped.
	username string

	updates chan chat.Update
	ctx     context.Context
	cancel  context.CancelFunc

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Bot. The API is not contacted until Start.
func New(cfg Config, logger log.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 50 * time.Second
	}
	if logger == nil {
		logger = log.Root()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		cfg:  cfg,
		base: strings.TrimRight(cfg.BaseURL, "/") + "/bot" + cfg.Token,
		httpc: &http.Client{
			// Must outlast a held long poll.
			Timeout: cfg.PollTimeout + 15*time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(msgRate), msgBurst),
		log:     logger.New("component", "telegram"),
		updates: make(chan chat.Update, updateBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start authenticates with getMe and launches the poll loop.
func (b *Bot) Start() error {
	var me tgUser
	if err := b.call(b.ctx, "getMe", struct{}{}, &me); err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}
	b.username = me.Username
	b.log.Info("Connected to Telegram", "bot", "@"+me.Username)
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.poll()
	})
	return nil
}

// Stop aborts in-flight calls, halts polling and closes the update
// channel.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}

// Updates implements chat.Source.
func (b *Bot) Updates() <-chan chat.Update { return b.updates }

// --- chat.Client ---

func (b *Bot) SendText(ctx context.Context, chatID int64, text string, buttons ...[]chat.Button) (int, error) {
	params := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	addMarkup(params, buttons)
	var msg tgMessage
	if err := b.call(ctx, "sendMessage", params, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (b *Bot) SendPhoto(ctx context.Context, chatID int64, photo, caption string, buttons ...[]chat.Button) (int, error) {
	params := map[string]any{
		"chat_id": chatID,
		"photo":   photo,
		"caption": caption,
	}
	addMarkup(params, buttons)
	var msg tgMessage
	if err := b.call(ctx, "sendPhoto", params, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (b *Bot) EditText(ctx context.Context, chatID int64, messageID int, text string, buttons ...[]chat.Button) error {
	params := map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	addMarkup(params, buttons)
	return b.call(ctx, "editMessageText", params, nil)
}

func (b *Bot) EditCaption(ctx context.Context, chatID int64, messageID int, caption string, buttons ...[]chat.Button) error {
	params := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"caption":    caption,
	}
	addMarkup(params, buttons)
	return b.call(ctx, "editMessageCaption", params, nil)
}

func (b *Bot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return b.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
}

func (b *Bot) PinMessage(ctx context.Context, chatID int64, messageID int) error {
	return b.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              chatID,
		"message_id":           messageID,
		"disable_notification": true,
	}, nil)
}

func (b *Bot) UnpinMessage(ctx context.Context, chatID int64, messageID int) error {
	return b.call(ctx, "unpinChatMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
}

func (b *Bot) AnswerCallback(ctx context.Context, callbackID, text string) error {
	params := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		params["text"] = text
	}
	return b.call(ctx, "answerCallbackQuery", params, nil)
}

// --- roompool.Platform ---

// CreateInviteLink issues a join-request link: joiners queue for approval
// instead of entering directly, which is what keeps rooms private.
func (b *Bot) CreateInviteLink(ctx context.Context, chatID int64, name string) (string, error) {
	var link tgInviteLink
	err := b.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":              chatID,
		"name":                 name,
		"creates_join_request": true,
	}, &link)
	if err != nil {
		return "", err
	}
	return link.InviteLink, nil
}

func (b *Bot) RevokeInviteLink(ctx context.Context, chatID int64, link string) error {
	return b.call(ctx, "revokeChatInviteLink", map[string]any{
		"chat_id":     chatID,
		"invite_link": link,
	}, nil)
}

func (b *Bot) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	return b.call(ctx, "approveChatJoinRequest", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
}

func (b *Bot) DeclineJoinRequest(ctx context.Context, chatID, userID int64) error {
	return b.call(ctx, "declineChatJoinRequest", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
}

// KickUser ejects a member without a lasting ban: banChatMember removes
// them, the follow-up unban lets them accept a future invite again.
func (b *Bot) KickUser(ctx context.Context, chatID, userID int64) error {
	err := b.call(ctx, "banChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
	if err != nil {
		return err
	}
	return b.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        chatID,
		"user_id":        userID,
		"only_if_banned": true,
	}, nil)
}

// --- polling ---

func (b *Bot) poll() {
	defer b.wg.Done()
	defer close(b.updates)

	var offset int64
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		var ups []tgUpdate
		err := b.call(b.ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         int(b.cfg.PollTimeout / time.Second),
			"allowed_updates": []string{"message", "callback_query", "chat_join_request"},
		}, &ups)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.log.Warn("Poll failed", "err", err)
			select {
			case <-time.After(3 * time.Second):
			case <-b.ctx.Done():
				return
			}
			continue
		}

		for _, u := range ups {
			offset = u.UpdateID + 1
			cu, ok := b.convert(u)
			if !ok {
				continue
			}
			select {
			case b.updates <- cu:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

// convert maps one wire update onto the dispatch types. Bot-authored
// messages and commands addressed to other bots are dropped.
func (b *Bot) convert(u tgUpdate) (chat.Update, bool) {
	switch {
	case u.ChatJoinRequest != nil:
		r := u.ChatJoinRequest
		return chat.JoinRequest{
			User:   chat.User{ID: r.From.ID, Username: r.From.Username},
			ChatID: r.Chat.ID,
		}, true

	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		cb := chat.Callback{
			Data:       q.Data,
			User:       chat.User{ID: q.From.ID, Username: q.From.Username},
			CallbackID: q.ID,
		}
		if q.Message != nil {
			cb.ChatID = q.Message.Chat.ID
			cb.MessageID = q.Message.MessageID
		}
		return cb, true

	case u.Message != nil:
		m := u.Message
		if m.From == nil || m.From.IsBot {
			return nil, false
		}
		user := chat.User{ID: m.From.ID, Username: m.From.Username}
		if strings.HasPrefix(strings.TrimSpace(m.Text), "/") {
			return b.parseCommand(m, user)
		}
		msg := chat.Message{Text: m.Text, User: user, ChatID: m.Chat.ID}
		if m.ReplyTo != nil {
			msg.ReplyTo = m.ReplyTo.MessageID
		}
		return msg, true
	}
	return nil, false
}

// parseCommand splits "/cmd@bot args". A command carrying another bot's
// handle is not ours and is dropped.
func (b *Bot) parseCommand(m *tgMessage, user chat.User) (chat.Update, bool) {
	text := strings.TrimSpace(m.Text)
	rest := strings.TrimPrefix(text, "/")
	cmd, args := rest, ""
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		cmd, args = rest[:i], strings.TrimSpace(rest[i:])
	}
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		if b.username != "" && !strings.EqualFold(cmd[at+1:], b.username) {
			return nil, false
		}
		cmd = cmd[:at]
	}
	if cmd == "" {
		return nil, false
	}
	return chat.Command{
		Cmd:    strings.ToLower(cmd),
		Args:   args,
		User:   user,
		ChatID: m.Chat.ID,
	}, true
}

// --- transport ---

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s (code %d)", e.Description, e.Code)
}

// call posts one JSON API request and decodes the result, retrying
// transport failures, 5xx responses and rate-limit pushback. Other API
// rejections are permanent.
func (b *Bot) call(ctx context.Context, method string, params, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: encode %s: %w", method, err)
	}

	var result json.RawMessage
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/"+method, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		var api apiResponse
		if err := json.Unmarshal(body, &api); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		if !api.OK {
			apiErr := &APIError{Code: api.ErrorCode, Description: api.Description}
			if api.Parameters != nil {
				apiErr.RetryAfter = api.Parameters.RetryAfter
			}
			switch {
			case api.ErrorCode == http.StatusTooManyRequests:
				if apiErr.RetryAfter > 0 {
					b.log.Warn("Rate limited by Telegram", "method", method, "retry_after", apiErr.RetryAfter)
					select {
					case <-time.After(time.Duration(apiErr.RetryAfter) * time.Second):
					case <-ctx.Done():
						return backoff.Permanent(ctx.Err())
					}
				}
				return apiErr
			case api.ErrorCode >= 500:
				return apiErr
			default:
				return backoff.Permanent(apiErr)
			}
		}
		result = api.Result
		return nil
	}, backoff.WithContext(newCallBackoff(), ctx))
	if err != nil {
		return err
	}

	if out != nil && len(result) > 0 {
		if err := json.Unmarshal(result, out); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	if attempt > 1 {
		b.log.Debug("Call succeeded after retries", "method", method, "attempts", attempt)
	}
	return nil
}

func newCallBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, callAttempts-1)
}

// --- wire types ---

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *apiParameters  `json:"parameters"`
}

type apiParameters struct {
	RetryAfter int `json:"retry_after"`
}

type tgUpdate struct {
	UpdateID        int64          `json:"update_id"`
	Message         *tgMessage     `json:"message"`
	CallbackQuery   *tgCallback    `json:"callback_query"`
	ChatJoinRequest *tgJoinRequest `json:"chat_join_request"`
}

type tgMessage struct {
	MessageID int        `json:"message_id"`
	From      *tgUser    `json:"from"`
	Chat      tgChat     `json:"chat"`
	Text      string     `json:"text"`
	ReplyTo   *tgMessage `json:"reply_to_message"`
}

type tgUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgCallback struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

type tgJoinRequest struct {
	Chat tgChat `json:"chat"`
	From tgUser `json:"from"`
}

type tgInviteLink struct {
	InviteLink string `json:"invite_link"`
}

// addMarkup attaches button rows as an inline keyboard. Without buttons
// the key is left out entirely.
func addMarkup(params map[string]any, buttons [][]chat.Button) {
	rows := make([][]tgInlineButton, 0, len(buttons))
	for _, row := range buttons {
		if len(row) == 0 {
			continue
		}
		out := make([]tgInlineButton, 0, len(row))
		for _, btn := range row {
			out = append(out, tgInlineButton{Text: btn.Label, Data: btn.Data, URL: btn.URL})
		}
		rows = append(rows, out)
	}
	if len(rows) == 0 {
		return
	}
	params["reply_markup"] = map[string]any{"inline_keyboard": rows}
}

type tgInlineButton struct {
	Text string `json:"text"`
	Data string `json:"callback_data,omitempty"`
	URL  string `json:"url,omitempty"`
}
