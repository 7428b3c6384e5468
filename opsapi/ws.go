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

package opsapi

import (
	"net/http"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/p2pmmx/escrowd/escrow"
)

const (
	wsReadBuffer       = 1024
	wsWriteBuffer      = 1024
	wsMessageSizeLimit = 1 << 20
	wsPingInterval     = 30 * time.Second
	wsPingWriteTimeout = 5 * time.Second
	wsPongTimeout      = 30 * time.Second

	// wsEventBuffer sizes the per-connection feed channel. The engine's
	// feed send blocks on a full subscriber, so a stalled client must be
	// dropped before the buffer drains; the write deadline does that.
	wsEventBuffer = 128
)

// wsEvent is the flat wire shape of an engine event.
type wsEvent struct {
	Type     string    `json:"type"`
	EscrowID string    `json:"escrowId,omitempty"`
	Status   string    `json:"status,omitempty"`
	GroupID  int64     `json:"groupId,omitempty"`
	TxHash   string    `json:"txHash,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

func flattenEvent(ev escrow.Event) wsEvent {
	out := wsEvent{
		Type:   string(ev.Type),
		TxHash: ev.TxHash,
		Reason: ev.Reason,
		At:     ev.At,
	}
	if ev.Escrow != nil {
		out.EscrowID = ev.Escrow.ID
		out.Status = string(ev.Escrow.Status)
		out.GroupID = ev.Escrow.GroupID
	}
	return out
}

// wsOriginValidator checks the Origin header during the upgrade against
// the configured CORS domains. No configured domains or a '*' entry
// accepts everything, and requests without an Origin header (curl,
// monitoring agents) always pass.
func wsOriginValidator(allowedOrigins []string) func(*http.Request) bool {
	origins := mapset.NewSet[string]()
	allowAll := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		if origin != "" {
			origins.Add(strings.ToLower(origin))
		}
	}
	return func(req *http.Request) bool {
		origin := strings.ToLower(req.Header.Get("Origin"))
		if allowAll || origin == "" {
			return true
		}
		return origins.Contains(origin)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Subscribing before the upgrade means a client sees every event
	// published after its dial returned.
	events := make(chan escrow.Event, wsEventBuffer)
	sub := s.eng.SubscribeEvents(events)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		CheckOrigin:     wsOriginValidator(s.cfg.CORSDomains),
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		s.log.Debug("Websocket upgrade failed", "err", err)
		return
	}
	s.streams.Add(1)
	go s.stream(conn, events, sub)
}

// stream pushes engine events over one connection until the client hangs
// up, misses a pong or the server stops.
func (s *Server) stream(conn *websocket.Conn, events chan escrow.Event, sub event.Subscription) {
	defer s.streams.Done()
	defer conn.Close()
	defer sub.Unsubscribe()
	s.log.Debug("Event stream opened", "remote", conn.RemoteAddr())

	conn.SetReadLimit(wsMessageSizeLimit)
	pongReceived := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongReceived <- struct{}{}:
		default:
		}
		return nil
	})

	// The reader exists to process control frames and to notice the
	// client hanging up; data frames are discarded.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsPingWriteTimeout))
			if err := conn.WriteJSON(flattenEvent(ev)); err != nil {
				s.log.Debug("Event stream write failed", "remote", conn.RemoteAddr(), "err", err)
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsPingWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		case <-pongReceived:
			conn.SetReadDeadline(time.Time{})
		case <-sub.Err():
			return
		case <-clientGone:
			s.log.Debug("Event stream client gone", "remote", conn.RemoteAddr())
			return
		case <-s.quit:
			conn.SetWriteDeadline(time.Now().Add(wsPingWriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
