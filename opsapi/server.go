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

// Package opsapi serves the operator HTTP interface: read endpoints for
// trades, rooms and stats, a prometheus exposition endpoint, a websocket
// event feed, and JWT-guarded admin actions (refund, quarantine release,
// vault registration). It is a purely observational and administrative
// surface; participants never touch it.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/gateway"
	"github.com/p2pmmx/escrowd/internal/metrics"
	"github.com/p2pmmx/escrowd/roompool"
	"github.com/p2pmmx/escrowd/vaultreg"
)

// Config carries the listen address and the admin guard material.
type Config struct {
	Addr string
	// JWTSecret signs admin requests. Empty keeps the admin endpoints
	// disabled while the read endpoints stay up.
	JWTSecret   string
	CORSDomains []string
	// AdminUserID is the operator identity admin actions run under.
	AdminUserID int64
}

// Engine is the slice of the trade engine the API serves.
type Engine interface {
	Get(ctx context.Context, escrowID string) (*escrow.Escrow, error)
	Stats(ctx context.Context) (map[escrow.Status]int64, error)
	CompletedVolume(ctx context.Context) (string, error)
	AdminRefund(ctx context.Context, escrowID string, adminID int64, toAddress string) (*escrow.Escrow, error)
	SubscribeEvents(ch chan<- escrow.Event) event.Subscription
}

// Store lists trades; the engine has no listing surface of its own.
type Store interface {
	EscrowsByStatus(ctx context.Context, statuses ...escrow.Status) ([]*escrow.Escrow, error)
}

// Rooms is the slice of the room pool the API serves.
type Rooms interface {
	Rooms(ctx context.Context, status roompool.RoomStatus) ([]*roompool.Room, error)
	Stats(ctx context.Context) (map[roompool.RoomStatus]int64, error)
	Recycle(ctx context.Context, groupID int64) error
}

// Vaults registers and lists vault contracts.
type Vaults interface {
	AddContract(ctx context.Context, c *vaultreg.Contract) error
	List(ctx context.Context) ([]*vaultreg.Contract, error)
}

// ChainAuditor reads a vault's on-chain fee views so registrations can
// be checked against the deployed contract. The gateway satisfies it.
type ChainAuditor interface {
	Supports(chain asset.Chain) bool
	FeeSettings(ctx context.Context, chain asset.Chain, vault string) (gateway.FeeSettings, error)
}

// Server is the operator HTTP endpoint.
type Server struct {
	cfg    Config
	eng    Engine
	st     Store
	rooms  Rooms
	vaults Vaults
	chains ChainAuditor
	log    log.Logger

	router   *httprouter.Router
	srv      *http.Server
	listener net.Listener
	started  time.Time

	quit      chan struct{}
	streams   sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires the routes. chains may be nil in dev setups without a
// gateway; registrations then skip the on-chain fee audit.
func New(cfg Config, eng Engine, st Store, rooms Rooms, vaults Vaults, chains ChainAuditor, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Root()
	}
	s := &Server{
		cfg:    cfg,
		eng:    eng,
		st:     st,
		rooms:  rooms,
		vaults: vaults,
		chains: chains,
		log:    logger.New("component", "opsapi"),
		router: httprouter.New(),
		quit:   make(chan struct{}),
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/escrows", s.handleListEscrows)
	s.router.GET("/escrows/:id", s.handleGetEscrow)
	s.router.GET("/rooms", s.handleListRooms)
	s.router.GET("/contracts", s.handleListContracts)
	s.router.Handler(http.MethodGet, "/metrics", metrics.Handler())
	s.router.GET("/ws", s.handleWS)

	s.router.POST("/escrows/:id/refund", s.admin(s.handleRefund))
	s.router.POST("/rooms/:groupId/release-quarantine", s.admin(s.handleReleaseQuarantine))
	s.router.POST("/contracts", s.admin(s.handleAddContract))

	return s
}

// Start opens the listener and serves until Stop.
func (s *Server) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		ln, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			startErr = err
			return
		}
		s.listener = ln
		s.started = time.Now()

		handler := http.Handler(s.router)
		if len(s.cfg.CORSDomains) > 0 {
			handler = newCorsHandler(handler, s.cfg.CORSDomains)
		}
		s.srv = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go s.srv.Serve(ln)
		s.log.Info("Ops API listening", "addr", ln.Addr(), "admin", s.cfg.JWTSecret != "")
	})
	return startErr
}

// Stop closes the event streams and shuts the server down. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.streams.Wait()
		if s.srv != nil {
			s.srv.Shutdown(context.Background())
			s.log.Info("Ops API closed", "addr", s.listener.Addr())
		}
	})
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// admin guards a handler with the JWT check.
func (s *Server) admin(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if s.cfg.JWTSecret == "" {
			s.error(w, http.StatusForbidden, "admin API disabled: no JWT secret configured")
			return
		}
		if err := checkJWT(r, []byte(s.cfg.JWTSecret)); err != nil {
			s.error(w, http.StatusUnauthorized, err.Error())
			return
		}
		h(w, r, p)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

type statsResponse struct {
	Escrows         map[escrow.Status]int64       `json:"escrows"`
	Rooms           map[roompool.RoomStatus]int64 `json:"rooms"`
	CompletedVolume string                        `json:"completedVolume"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	escrows, err := s.eng.Stats(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	rooms, err := s.rooms.Stats(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	volume, err := s.eng.CompletedVolume(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{Escrows: escrows, Rooms: rooms, CompletedVolume: volume})
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var statuses []escrow.Status
	for _, raw := range r.URL.Query()["status"] {
		st, err := escrow.ParseStatus(raw)
		if err != nil {
			s.fail(w, escrow.Wrap(escrow.KindValidation, err, "status"))
			return
		}
		statuses = append(statuses, st)
	}
	if len(statuses) == 0 {
		// Default to the open book.
		for _, st := range escrow.AllStatuses {
			if !st.Terminal() {
				statuses = append(statuses, st)
			}
		}
	}
	escrows, err := s.st.EscrowsByStatus(r.Context(), statuses...)
	if err != nil {
		s.fail(w, escrow.Wrap(escrow.KindInternal, err, "list escrows"))
		return
	}
	s.writeJSON(w, http.StatusOK, escrows)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	e, err := s.eng.Get(r.Context(), p.ByName("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var wanted []roompool.RoomStatus
	if params := r.URL.Query()["status"]; len(params) > 0 {
		for _, raw := range params {
			st := roompool.RoomStatus(raw)
			switch st {
			case roompool.RoomAvailable, roompool.RoomLeased, roompool.RoomQuarantined:
				wanted = append(wanted, st)
			default:
				s.error(w, http.StatusBadRequest, "unknown room status "+strconv.Quote(raw))
				return
			}
		}
	} else {
		wanted = []roompool.RoomStatus{roompool.RoomAvailable, roompool.RoomLeased, roompool.RoomQuarantined}
	}

	out := make([]*roompool.Room, 0)
	for _, st := range wanted {
		rooms, err := s.rooms.Rooms(r.Context(), st)
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, rooms...)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	contracts, err := s.vaults.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, contracts)
}

type refundRequest struct {
	// ToAddress overrides the refund recipient; empty refunds the
	// deposit sender.
	ToAddress string `json:"toAddress"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.error(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	id := p.ByName("id")
	s.log.Info("Refund requested via ops API", "escrow", id)
	e, err := s.eng.AdminRefund(r.Context(), id, s.cfg.AdminUserID, req.ToAddress)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleReleaseQuarantine(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	groupID, err := strconv.ParseInt(p.ByName("groupId"), 10, 64)
	if err != nil {
		s.error(w, http.StatusBadRequest, "groupId must be an integer")
		return
	}
	s.log.Info("Quarantine release requested via ops API", "group", groupID)
	if err := s.rooms.Recycle(r.Context(), groupID); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"groupId": groupID, "status": string(roompool.RoomAvailable)})
}

type addContractRequest struct {
	Token      string  `json:"token"`
	Chain      string  `json:"chain"`
	Address    string  `json:"contractAddress"`
	FeePercent float64 `json:"feePercent"`
	FeeBps     int64   `json:"feeBps"`
	GroupID    int64   `json:"groupId"`
}

func (s *Server) handleAddContract(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req addContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	chain, err := asset.NormalizeChain(req.Chain)
	if err != nil {
		s.fail(w, escrow.Wrap(escrow.KindValidation, err, "chain"))
		return
	}

	// A registration must agree with the deployed contract. Without a
	// driver for the chain the figure cannot be checked, which is worth a
	// note in the log but not a rejection.
	if s.chains != nil && s.chains.Supports(chain) {
		settings, err := s.chains.FeeSettings(r.Context(), chain, req.Address)
		if err != nil {
			s.fail(w, err)
			return
		}
		if settings.FeeBps != req.FeeBps {
			s.fail(w, escrow.E(escrow.KindValidation,
				"vault %s reports %d bps on-chain, registration says %d", req.Address, settings.FeeBps, req.FeeBps))
			return
		}
	} else {
		s.log.Warn("Vault registered without on-chain fee audit", "chain", chain, "address", req.Address)
	}

	c := &vaultreg.Contract{
		Token:      asset.Token(req.Token),
		Chain:      chain,
		Address:    req.Address,
		FeePercent: req.FeePercent,
		FeeBps:     req.FeeBps,
		GroupID:    req.GroupID,
	}
	if err := s.vaults.AddContract(r.Context(), c); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("Vault registered via ops API", "chain", c.Chain, "token", c.Token, "address", c.Address, "bps", c.FeeBps)
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// fail renders a taxonomy error with its mapped HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeJSON(w, httpStatus(err), errorResponse{Error: err.Error(), Kind: escrow.KindOf(err).String()})
}

func (s *Server) error(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func httpStatus(err error) int {
	switch escrow.KindOf(err) {
	case escrow.KindValidation:
		return http.StatusBadRequest
	case escrow.KindUnauthorized:
		return http.StatusForbidden
	case escrow.KindNotFound:
		return http.StatusNotFound
	case escrow.KindConflict:
		return http.StatusConflict
	case escrow.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case escrow.KindTransientChain, escrow.KindOnchainRevert:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// newCorsHandler wraps the mux when origins are configured, in the same
// shape the RPC stack uses.
func newCorsHandler(srv http.Handler, allowedOrigins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		MaxAge:         600,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(srv)
}
