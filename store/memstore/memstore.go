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

// Package memstore is the in-memory persistence backend. It implements
// escrow.Store, roompool.Store and vaultreg.Store behind one mutex and is
// used by tests and by deployments that accept losing state on restart.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/roompool"
	"github.com/p2pmmx/escrowd/store"
	"github.com/p2pmmx/escrowd/vaultreg"
)

// escrowSeqSeed makes the first allocated trade id P2PMMX10000001,
// matching the Mongo backend's seeded counter.
const escrowSeqSeed = 10_000_000

// Store holds everything in maps. The zero value is not usable; call New.
type Store struct {
	mu        sync.RWMutex
	escrows   map[string]*escrow.Escrow
	rooms     map[int64]*roompool.Room
	contracts map[contractKey]*vaultreg.Contract
	counters  map[string]uint64
}

type contractKey struct {
	chain   asset.Chain
	address string
}

// New returns an empty store with seeded counters.
func New() *Store {
	return &Store{
		escrows:   make(map[string]*escrow.Escrow),
		rooms:     make(map[int64]*roompool.Room),
		contracts: make(map[contractKey]*vaultreg.Contract),
		counters:  map[string]uint64{"escrowId": escrowSeqSeed},
	}
}

// --- escrow.Store ---

func (s *Store) CreateEscrow(ctx context.Context, e *escrow.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; ok {
		return store.ErrDuplicate
	}
	s.escrows[e.ID] = e.Copy()
	return nil
}

func (s *Store) EscrowByID(ctx context.Context, id string) (*escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Copy(), nil
}

// ActiveEscrowByGroup resolves the trade currently bound to a room. A
// completed trade stays bound until someone closes it, so the close click
// can still find it.
func (s *Store) ActiveEscrowByGroup(ctx context.Context, groupID int64) (*escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.escrows {
		if e.GroupID != groupID {
			continue
		}
		if !e.Status.Terminal() {
			return e.Copy(), nil
		}
		if e.Status == escrow.StatusCompleted && !e.TradeClosed() {
			return e.Copy(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) EscrowsByStatus(ctx context.Context, statuses ...escrow.Status) ([]*escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*escrow.Escrow
	for _, e := range s.escrows {
		if len(statuses) == 0 {
			out = append(out, e.Copy())
			continue
		}
		for _, st := range statuses {
			if e.Status == st {
				out = append(out, e.Copy())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateEscrow(ctx context.Context, e *escrow.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; !ok {
		return store.ErrNotFound
	}
	s.escrows[e.ID] = e.Copy()
	return nil
}

func (s *Store) DeleteEscrow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.escrows, id)
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[escrow.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[escrow.Status]int64)
	for _, e := range s.escrows {
		counts[e.Status]++
	}
	return counts, nil
}

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]escrow.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type slot struct {
		username string
		trades   int64
	}
	byUser := make(map[int64]*slot)
	credit := func(id int64, username string) {
		if id == 0 {
			return
		}
		sl, ok := byUser[id]
		if !ok {
			sl = &slot{}
			byUser[id] = sl
		}
		if username != "" {
			sl.username = username
		}
		sl.trades++
	}
	for _, e := range s.escrows {
		if e.Status != escrow.StatusCompleted {
			continue
		}
		credit(e.BuyerID, e.BuyerUsername)
		credit(e.SellerID, e.SellerUsername)
	}
	out := make([]escrow.LeaderboardEntry, 0, len(byUser))
	for id, sl := range byUser {
		out = append(out, escrow.LeaderboardEntry{UserID: id, Username: sl.username, Trades: sl.trades})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trades != out[j].Trades {
			return out[i].Trades > out[j].Trades
		}
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) NextSequence(ctx context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
	return s.counters[name], nil
}

// --- roompool.Store ---

func (s *Store) InsertRoom(ctx context.Context, r *roompool.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[r.GroupID]; ok {
		return store.ErrDuplicate
	}
	s.rooms[r.GroupID] = copyRoom(r)
	return nil
}

func (s *Store) RoomByGroup(ctx context.Context, groupID int64) (*roompool.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRoom(r), nil
}

// LeaseRoom hands out the least-used available room so the fleet wears
// evenly.
func (s *Store) LeaseRoom(ctx context.Context, escrowID string) (*roompool.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*roompool.Room
	for _, r := range s.rooms {
		if r.Status == roompool.RoomAvailable {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].UsageCount != candidates[j].UsageCount {
			return candidates[i].UsageCount < candidates[j].UsageCount
		}
		return candidates[i].GroupID < candidates[j].GroupID
	})
	r := candidates[0]
	r.Status = roompool.RoomLeased
	r.LeasedBy = escrowID
	r.UsageCount++
	return copyRoom(r), nil
}

func (s *Store) UpdateRoom(ctx context.Context, r *roompool.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[r.GroupID]; !ok {
		return store.ErrNotFound
	}
	s.rooms[r.GroupID] = copyRoom(r)
	return nil
}

func (s *Store) RoomsByStatus(ctx context.Context, status roompool.RoomStatus) ([]*roompool.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*roompool.Room
	for _, r := range s.rooms {
		if r.Status == status {
			out = append(out, copyRoom(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (s *Store) CountRoomsByStatus(ctx context.Context) (map[roompool.RoomStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[roompool.RoomStatus]int64)
	for _, r := range s.rooms {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *Store) DeleteRoom(ctx context.Context, groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[groupID]; !ok {
		return store.ErrNotFound
	}
	delete(s.rooms, groupID)
	return nil
}

// --- vaultreg.Store ---

func (s *Store) InsertContract(ctx context.Context, c *vaultreg.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contractKey{c.Chain, c.Address}
	if _, ok := s.contracts[key]; ok {
		return store.ErrDuplicate
	}
	cp := *c
	s.contracts[key] = &cp
	return nil
}

func (s *Store) ContractByAddress(ctx context.Context, chain asset.Chain, address string) (*vaultreg.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[contractKey{chain, address}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ContractsByPair(ctx context.Context, token asset.Token, chain asset.Chain) ([]*vaultreg.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*vaultreg.Contract
	for _, c := range s.contracts {
		if c.Token == token && c.Chain == chain {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *Store) AllContracts(ctx context.Context) ([]*vaultreg.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*vaultreg.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// LeaseContract claims a free vault of exactly the requested fee tier,
// room-pinned vaults first, then the lowest unpinned address so
// assignment stays deterministic. Vaults pinned to another room are
// never handed out.
func (s *Store) LeaseContract(ctx context.Context, token asset.Token, chain asset.Chain, feeBps, groupID int64, escrowID string) (*vaultreg.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pinned, unpinned []*vaultreg.Contract
	for _, c := range s.contracts {
		if c.Token != token || c.Chain != chain || c.FeeBps != feeBps || !c.Free() {
			continue
		}
		switch c.GroupID {
		case 0:
			unpinned = append(unpinned, c)
		case groupID:
			pinned = append(pinned, c)
		}
	}
	candidates := pinned
	if len(candidates) == 0 {
		candidates = unpinned
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Address < candidates[j].Address })
	c := candidates[0]
	c.InUseBy = escrowID
	cp := *c
	return &cp, nil
}

func (s *Store) ReleaseContracts(ctx context.Context, escrowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := 0
	for _, c := range s.contracts {
		if c.InUseBy == escrowID {
			c.InUseBy = ""
			freed++
		}
	}
	return freed, nil
}

func (s *Store) UpdateContract(ctx context.Context, c *vaultreg.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contractKey{c.Chain, c.Address}
	if _, ok := s.contracts[key]; !ok {
		return store.ErrNotFound
	}
	cp := *c
	s.contracts[key] = &cp
	return nil
}

func (s *Store) DeleteContract(ctx context.Context, chain asset.Chain, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contractKey{chain, address}
	if _, ok := s.contracts[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.contracts, key)
	return nil
}

func copyRoom(r *roompool.Room) *roompool.Room {
	cp := *r
	cp.MemberIDs = append([]int64(nil), r.MemberIDs...)
	return &cp
}
