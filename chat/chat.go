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

// Package chat connects the trade engine to a messaging platform without
// letting any trade state leak into the platform layer. The Router turns
// inbound updates into engine calls and picks the user-facing reply from
// the failure taxonomy; the Flow subscribes to the engine's event feed and
// renders every participant-facing message from escrow snapshots. The
// platform itself sits behind the narrow Client interface, with membership
// control handled separately through the room pool's Platform contract.
package chat

import "context"

// User identifies a platform account. Usernames arrive without the @
// prefix and may be empty.
type User struct {
	ID       int64
	Username string
}

// Button is one inline keyboard button. Data and URL are mutually
// exclusive: Data comes back verbatim in a Callback, URL opens in the
// client.
type Button struct {
	Label string
	Data  string
	URL   string
}

// Update is one inbound platform event. The concrete types are Command,
// Callback, JoinRequest and Message.
type Update interface {
	update()
}

// Command is a slash command, split into its name and the raw argument
// tail. The name arrives lowercased without the slash or a bot suffix.
type Command struct {
	Cmd    string
	Args   string
	User   User
	ChatID int64
}

// Callback is an inline button press. CallbackID must be acknowledged
// through Client.AnswerCallback or the client keeps spinning.
type Callback struct {
	Data       string
	User       User
	ChatID     int64
	MessageID  int
	CallbackID string
}

// JoinRequest is a pending request to enter an invite-gated group.
type JoinRequest struct {
	User   User
	ChatID int64
}

// Message is ordinary chat text; the wizard consumes it while a step is
// open. ReplyTo is the replied-to message id, zero when absent.
type Message struct {
	Text    string
	User    User
	ChatID  int64
	ReplyTo int
}

func (Command) update()     {}
func (Callback) update()    {}
func (JoinRequest) update() {}
func (Message) update()     {}

// Source delivers inbound updates. The channel closes when the source
// shuts down.
type Source interface {
	Updates() <-chan Update
}

// Client is the outbound platform surface. Implementations hold no trade
// state; message ids returned by the send calls are the only handles the
// coordinator keeps. Button rows render as an inline keyboard.
type Client interface {
	SendText(ctx context.Context, chatID int64, text string, buttons ...[]Button) (int, error)
	SendPhoto(ctx context.Context, chatID int64, photo, caption string, buttons ...[]Button) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string, buttons ...[]Button) error
	EditCaption(ctx context.Context, chatID int64, messageID int, caption string, buttons ...[]Button) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	PinMessage(ctx context.Context, chatID int64, messageID int) error
	UnpinMessage(ctx context.Context, chatID int64, messageID int) error
	// AnswerCallback closes a callback interaction. An empty text is a
	// silent acknowledgment.
	AnswerCallback(ctx context.Context, callbackID, text string) error
}
