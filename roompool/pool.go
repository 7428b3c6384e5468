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

// Package roompool manages the fleet of pre-created trade rooms. Rooms are
// leased to one trade at a time and recycled afterwards: members kicked,
// invite revoked, lease cleared. A room that cannot be cleaned goes to
// quarantine instead of back into rotation, so a stale member can never
// watch the next trade.
//
// The chat platform cannot enumerate group members, so the pool keeps its
// own member ledger per room, appended on join approval and drained on
// recycle.
package roompool

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/internal/metrics"
	"github.com/p2pmmx/escrowd/store"
)

// RoomStatus is the rotation state of a pooled room.
type RoomStatus string

const (
	RoomAvailable   RoomStatus = "available"
	RoomLeased      RoomStatus = "leased"
	RoomQuarantined RoomStatus = "quarantined"
)

// Room is one pooled group chat.
type Room struct {
	GroupID    int64      `bson:"groupId" json:"groupId"`
	Title      string     `bson:"title,omitempty" json:"title,omitempty"`
	Status     RoomStatus `bson:"status" json:"status"`
	LeasedBy   string     `bson:"leasedBy,omitempty" json:"leasedBy,omitempty"`
	InviteLink string     `bson:"inviteLink,omitempty" json:"inviteLink,omitempty"`
	// MemberIDs is the pool's own ledger of non-operator members.
	MemberIDs      []int64   `bson:"memberIds,omitempty" json:"memberIds,omitempty"`
	UsageCount     int64     `bson:"usageCount" json:"usageCount"`
	QuarantineNote string    `bson:"quarantineNote,omitempty" json:"quarantineNote,omitempty"`
	CreatedAt      time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Platform is the slice of the chat platform the pool needs. The telegram
// package implements it.
type Platform interface {
	// CreateInviteLink makes a fresh join-request link for the group.
	CreateInviteLink(ctx context.Context, chatID int64, name string) (string, error)
	RevokeInviteLink(ctx context.Context, chatID int64, link string) error
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
	DeclineJoinRequest(ctx context.Context, chatID, userID int64) error
	// KickUser removes a member so they can be re-invited later.
	KickUser(ctx context.Context, chatID, userID int64) error
}

// Store is the persistence surface the pool needs.
type Store interface {
	InsertRoom(ctx context.Context, r *Room) error
	RoomByGroup(ctx context.Context, groupID int64) (*Room, error)
	// LeaseRoom atomically flips one available room to leased for the
	// escrow, or returns store.ErrNotFound when the pool is dry.
	LeaseRoom(ctx context.Context, escrowID string) (*Room, error)
	UpdateRoom(ctx context.Context, r *Room) error
	RoomsByStatus(ctx context.Context, status RoomStatus) ([]*Room, error)
	CountRoomsByStatus(ctx context.Context) (map[RoomStatus]int64, error)
	DeleteRoom(ctx context.Context, groupID int64) error
}

// Pool leases and recycles trade rooms.
type Pool struct {
	store    Store
	platform Platform
	log      log.Logger
}

// New builds a pool over the store and chat platform.
func New(st Store, platform Platform, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.Root()
	}
	return &Pool{store: st, platform: platform, log: logger.New("component", "roompool")}
}

// Acquire leases a room for the trade and mints a fresh join-request
// invite link. When no room is free the caller gets RESOURCE_EXHAUSTED
// and should tell the user to retry later.
func (p *Pool) Acquire(ctx context.Context, escrowID string) (*Room, error) {
	room, err := p.store.LeaseRoom(ctx, escrowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, escrow.E(escrow.KindResourceExhausted, "no free trade room")
	}
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "lease room")
	}

	// A fresh link per trade; the previous one may still be circulating.
	if room.InviteLink != "" {
		if err := p.platform.RevokeInviteLink(ctx, room.GroupID, room.InviteLink); err != nil {
			p.log.Warn("Failed to revoke stale invite link", "group", room.GroupID, "err", err)
		}
	}
	link, err := p.platform.CreateInviteLink(ctx, room.GroupID, escrowID)
	if err != nil {
		// Hand the lease back; the trade never learned the room.
		p.unlease(ctx, room)
		return nil, escrow.Wrap(escrow.KindTransientChain, err, "create invite link")
	}
	room.InviteLink = link
	room.UsageCount++
	room.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateRoom(ctx, room); err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "persist leased room")
	}
	p.log.Info("Room leased", "group", room.GroupID, "escrow", escrowID, "usage", room.UsageCount)
	metrics.MarkRoom(metrics.RoomLeased)
	return room, nil
}

func (p *Pool) unlease(ctx context.Context, room *Room) {
	room.Status = RoomAvailable
	room.LeasedBy = ""
	room.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateRoom(ctx, room); err != nil {
		p.log.Error("Failed to return room to pool", "group", room.GroupID, "err", err)
	}
}

// ApproveJoin accepts a pending join request and records the member in the
// room ledger.
func (p *Pool) ApproveJoin(ctx context.Context, groupID, userID int64) error {
	if err := p.platform.ApproveJoinRequest(ctx, groupID, userID); err != nil {
		return escrow.Wrap(escrow.KindTransientChain, err, "approve join")
	}
	room, err := p.store.RoomByGroup(ctx, groupID)
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "load room")
	}
	for _, id := range room.MemberIDs {
		if id == userID {
			return nil
		}
	}
	room.MemberIDs = append(room.MemberIDs, userID)
	room.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateRoom(ctx, room); err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "record member")
	}
	return nil
}

// DeclineJoin rejects a pending join request.
func (p *Pool) DeclineJoin(ctx context.Context, groupID, userID int64) error {
	if err := p.platform.DeclineJoinRequest(ctx, groupID, userID); err != nil {
		return escrow.Wrap(escrow.KindTransientChain, err, "decline join")
	}
	return nil
}

// Recycle cleans a room and returns it to rotation: every ledger member
// kicked, invite revoked, lease cleared. Any kick failure quarantines the
// room instead, because a half-cleaned room must not host the next trade.
func (p *Pool) Recycle(ctx context.Context, groupID int64) error {
	room, err := p.store.RoomByGroup(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return escrow.E(escrow.KindNotFound, "room %d not pooled", groupID)
	}
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "load room")
	}

	var kickErr error
	kicked := 0
	for _, userID := range room.MemberIDs {
		if err := p.platform.KickUser(ctx, groupID, userID); err != nil {
			p.log.Error("Failed to kick member", "group", groupID, "user", userID, "err", err)
			kickErr = err
			continue
		}
		kicked++
	}
	if kickErr != nil {
		p.quarantine(ctx, room, "recycle kick failed: "+kickErr.Error())
		return escrow.Wrap(escrow.KindTransientChain, kickErr, "recycle room %d", groupID)
	}

	if room.InviteLink != "" {
		if err := p.platform.RevokeInviteLink(ctx, groupID, room.InviteLink); err != nil {
			p.log.Warn("Failed to revoke invite on recycle", "group", groupID, "err", err)
		}
	}
	room.Status = RoomAvailable
	room.LeasedBy = ""
	room.InviteLink = ""
	room.MemberIDs = nil
	room.QuarantineNote = ""
	room.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateRoom(ctx, room); err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "persist recycled room")
	}
	p.log.Info("Room recycled", "group", groupID, "kicked", kicked)
	metrics.MarkRoom(metrics.RoomRecycled)
	return nil
}

// Quarantine pulls a room out of rotation until an operator intervenes.
func (p *Pool) Quarantine(ctx context.Context, groupID int64, reason string) error {
	room, err := p.store.RoomByGroup(ctx, groupID)
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "load room")
	}
	p.quarantine(ctx, room, reason)
	return nil
}

func (p *Pool) quarantine(ctx context.Context, room *Room, reason string) {
	room.Status = RoomQuarantined
	room.QuarantineNote = reason
	room.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateRoom(ctx, room); err != nil {
		p.log.Error("Failed to quarantine room", "group", room.GroupID, "err", err)
		return
	}
	p.log.Warn("Room quarantined", "group", room.GroupID, "reason", reason)
	metrics.MarkRoom(metrics.RoomQuarantined)
}

// AddRoom registers a pre-created group as an available room.
func (p *Pool) AddRoom(ctx context.Context, groupID int64, title string) error {
	now := time.Now().UTC()
	err := p.store.InsertRoom(ctx, &Room{
		GroupID:   groupID,
		Title:     title,
		Status:    RoomAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return escrow.E(escrow.KindConflict, "room %d already pooled", groupID)
	}
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "insert room")
	}
	p.log.Info("Room added to pool", "group", groupID, "title", title)
	return nil
}

// RemoveRoom deletes a room from the pool. Leased rooms cannot be removed.
func (p *Pool) RemoveRoom(ctx context.Context, groupID int64) error {
	room, err := p.store.RoomByGroup(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return escrow.E(escrow.KindNotFound, "room %d not pooled", groupID)
	}
	if err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "load room")
	}
	if room.Status == RoomLeased {
		return escrow.E(escrow.KindConflict, "room %d leased by %s", groupID, room.LeasedBy)
	}
	if err := p.store.DeleteRoom(ctx, groupID); err != nil {
		return escrow.Wrap(escrow.KindInternal, err, "delete room")
	}
	return nil
}

// Stats returns room counts per rotation state.
func (p *Pool) Stats(ctx context.Context) (map[RoomStatus]int64, error) {
	counts, err := p.store.CountRoomsByStatus(ctx)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "count rooms")
	}
	return counts, nil
}

// Rooms lists rooms in one rotation state, for operator tooling.
func (p *Pool) Rooms(ctx context.Context, status RoomStatus) ([]*Room, error) {
	rooms, err := p.store.RoomsByStatus(ctx, status)
	if err != nil {
		return nil, escrow.Wrap(escrow.KindInternal, err, "list rooms")
	}
	return rooms, nil
}
