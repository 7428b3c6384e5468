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

// Package mongostore is the MongoDB persistence backend. It implements
// escrow.Store, roompool.Store and vaultreg.Store over four collections
// (escrows, rooms, contracts, counters) and leans on the server for the
// two contended operations: room and vault leases are single conditional
// findAndModify calls, trade ids come from an atomic counter increment.
package mongostore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/p2pmmx/escrowd/asset"
	"github.com/p2pmmx/escrowd/escrow"
	"github.com/p2pmmx/escrowd/roompool"
	"github.com/p2pmmx/escrowd/store"
	"github.com/p2pmmx/escrowd/vaultreg"
)

// escrowSeqSeed is inserted into the counters collection on first start so
// the first allocated trade id reads P2PMMX10000001.
const escrowSeqSeed = 10_000_000

// Store wraps one database handle. All methods honor the caller's context;
// the store itself imposes no extra deadlines.
type Store struct {
	client    *mongo.Client
	escrows   *mongo.Collection
	rooms     *mongo.Collection
	contracts *mongo.Collection
	counters  *mongo.Collection
	log       log.Logger
}

// Open connects, pings the primary, ensures the index set and seeds the
// escrow id counter. The URI carries credentials and options (DB_URI).
func Open(ctx context.Context, uri, dbName string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Root()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	db := client.Database(dbName)
	s := &Store{
		client:    client,
		escrows:   db.Collection("escrows"),
		rooms:     db.Collection("rooms"),
		contracts: db.Collection("contracts"),
		counters:  db.Collection("counters"),
		log:       logger.New("component", "mongostore"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if err := s.seedCounters(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.log.Info("Connected to MongoDB", "database", dbName)
	return s, nil
}

// Close tears down the client. Safe to call once Open succeeded.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.escrows.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "escrowId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "groupId", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.rooms.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "groupId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "usageCount", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.contracts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chain", Value: 1}, {Key: "contractAddress", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "token", Value: 1}, {Key: "chain", Value: 1}, {Key: "inUseBy", Value: 1}}},
	})
	return err
}

// seedCounters writes the escrow id seed once. A later start finds the row
// already there and moves on.
func (s *Store) seedCounters(ctx context.Context) error {
	_, err := s.counters.InsertOne(ctx, bson.M{"_id": "escrowId", "seq": int64(escrowSeqSeed)})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// --- escrow.Store ---

func (s *Store) CreateEscrow(ctx context.Context, e *escrow.Escrow) error {
	_, err := s.escrows.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) EscrowByID(ctx context.Context, id string) (*escrow.Escrow, error) {
	var e escrow.Escrow
	err := s.escrows.FindOne(ctx, bson.M{"escrowId": id}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ActiveEscrowByGroup resolves the trade currently bound to a room: any
// non-terminal trade, or a completed one nobody closed yet.
func (s *Store) ActiveEscrowByGroup(ctx context.Context, groupID int64) (*escrow.Escrow, error) {
	filter := bson.M{
		"groupId": groupID,
		"$or": bson.A{
			bson.M{"status": bson.M{"$nin": bson.A{
				string(escrow.StatusCompleted), string(escrow.StatusRefunded), string(escrow.StatusCancelled),
			}}},
			bson.M{
				"status":            string(escrow.StatusCompleted),
				"buyerClosedTrade":  bson.M{"$ne": true},
				"sellerClosedTrade": bson.M{"$ne": true},
			},
		},
	}
	var e escrow.Escrow
	err := s.escrows.FindOne(ctx, filter).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) EscrowsByStatus(ctx context.Context, statuses ...escrow.Status) ([]*escrow.Escrow, error) {
	filter := bson.M{}
	if len(statuses) > 0 {
		vals := make(bson.A, 0, len(statuses))
		for _, st := range statuses {
			vals = append(vals, string(st))
		}
		filter["status"] = bson.M{"$in": vals}
	}
	cur, err := s.escrows.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "escrowId", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*escrow.Escrow
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateEscrow(ctx context.Context, e *escrow.Escrow) error {
	res, err := s.escrows.ReplaceOne(ctx, bson.M{"escrowId": e.ID}, e)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEscrow(ctx context.Context, id string) error {
	res, err := s.escrows.DeleteOne(ctx, bson.M{"escrowId": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[escrow.Status]int64, error) {
	cur, err := s.escrows.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status escrow.Status `bson:"_id"`
		N      int64         `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[escrow.Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// Leaderboard folds completed trades in memory rather than in an
// aggregation pipeline, so the ranking and its tie-break match the
// in-memory backend exactly.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]escrow.LeaderboardEntry, error) {
	proj := options.Find().SetProjection(bson.M{
		"buyerId": 1, "buyerUsername": 1, "sellerId": 1, "sellerUsername": 1,
	})
	cur, err := s.escrows.Find(ctx, bson.M{"status": string(escrow.StatusCompleted)}, proj)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		BuyerID        int64  `bson:"buyerId"`
		BuyerUsername  string `bson:"buyerUsername"`
		SellerID       int64  `bson:"sellerId"`
		SellerUsername string `bson:"sellerUsername"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
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
	for _, r := range rows {
		credit(r.BuyerID, r.BuyerUsername)
		credit(r.SellerID, r.SellerUsername)
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

// NextSequence bumps the named counter atomically, creating it at zero
// when absent. The escrowId counter is pre-seeded by Open.
func (s *Store) NextSequence(ctx context.Context, name string) (uint64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var row struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		opts,
	).Decode(&row)
	if err != nil {
		return 0, err
	}
	return uint64(row.Seq), nil
}

// --- roompool.Store ---

func (s *Store) InsertRoom(ctx context.Context, r *roompool.Room) error {
	_, err := s.rooms.InsertOne(ctx, r)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) RoomByGroup(ctx context.Context, groupID int64) (*roompool.Room, error) {
	var r roompool.Room
	err := s.rooms.FindOne(ctx, bson.M{"groupId": groupID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LeaseRoom flips one available room to leased in a single findAndModify.
// The sort hands out the least-used room, ties broken by group id, so the
// fleet wears evenly and assignment stays deterministic.
func (s *Store) LeaseRoom(ctx context.Context, escrowID string) (*roompool.Room, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "usageCount", Value: 1}, {Key: "groupId", Value: 1}}).
		SetReturnDocument(options.After)
	update := bson.M{
		"$set": bson.M{
			"status":    string(roompool.RoomLeased),
			"leasedBy":  escrowID,
			"updatedAt": time.Now().UTC(),
		},
		"$inc": bson.M{"usageCount": 1},
	}
	var r roompool.Room
	err := s.rooms.FindOneAndUpdate(ctx, bson.M{"status": string(roompool.RoomAvailable)}, update, opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateRoom(ctx context.Context, r *roompool.Room) error {
	res, err := s.rooms.ReplaceOne(ctx, bson.M{"groupId": r.GroupID}, r)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RoomsByStatus(ctx context.Context, status roompool.RoomStatus) ([]*roompool.Room, error) {
	cur, err := s.rooms.Find(ctx, bson.M{"status": string(status)},
		options.Find().SetSort(bson.D{{Key: "groupId", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*roompool.Room
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountRoomsByStatus(ctx context.Context) (map[roompool.RoomStatus]int64, error) {
	cur, err := s.rooms.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status roompool.RoomStatus `bson:"_id"`
		N      int64               `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[roompool.RoomStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (s *Store) DeleteRoom(ctx context.Context, groupID int64) error {
	res, err := s.rooms.DeleteOne(ctx, bson.M{"groupId": groupID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- vaultreg.Store ---

func (s *Store) InsertContract(ctx context.Context, c *vaultreg.Contract) error {
	_, err := s.contracts.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) ContractByAddress(ctx context.Context, chain asset.Chain, address string) (*vaultreg.Contract, error) {
	var c vaultreg.Contract
	err := s.contracts.FindOne(ctx, bson.M{"chain": string(chain), "contractAddress": address}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ContractsByPair(ctx context.Context, token asset.Token, chain asset.Chain) ([]*vaultreg.Contract, error) {
	cur, err := s.contracts.Find(ctx,
		bson.M{"token": string(token), "chain": string(chain)},
		options.Find().SetSort(bson.D{{Key: "contractAddress", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*vaultreg.Contract
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AllContracts(ctx context.Context) ([]*vaultreg.Contract, error) {
	cur, err := s.contracts.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "chain", Value: 1}, {Key: "contractAddress", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*vaultreg.Contract
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LeaseContract claims a free vault of exactly the requested fee tier in
// a findAndModify per candidate class: the room's pinned vaults are tried
// first, then the unpinned fleet, lowest address each time. A released
// lease unsets inUseBy, so free means the field is empty or absent; the
// same goes for groupId on unpinned rows.
func (s *Store) LeaseContract(ctx context.Context, token asset.Token, chain asset.Chain, feeBps, groupID int64, escrowID string) (*vaultreg.Contract, error) {
	free := bson.A{
		bson.M{"inUseBy": ""},
		bson.M{"inUseBy": bson.M{"$exists": false}},
	}
	unpinned := bson.A{
		bson.M{"groupId": 0},
		bson.M{"groupId": bson.M{"$exists": false}},
	}
	filters := []bson.M{{
		"token":   string(token),
		"chain":   string(chain),
		"feeBps":  feeBps,
		"groupId": groupID,
		"$or":     free,
	}, {
		"token":  string(token),
		"chain":  string(chain),
		"feeBps": feeBps,
		"$and":   bson.A{bson.M{"$or": free}, bson.M{"$or": unpinned}},
	}}
	if groupID == 0 {
		filters = filters[1:]
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "contractAddress", Value: 1}}).
		SetReturnDocument(options.After)
	update := bson.M{"$set": bson.M{"inUseBy": escrowID, "updatedAt": time.Now().UTC()}}
	for _, filter := range filters {
		var c vaultreg.Contract
		err := s.contracts.FindOneAndUpdate(ctx, filter, update, opts).Decode(&c)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ReleaseContracts(ctx context.Context, escrowID string) (int, error) {
	res, err := s.contracts.UpdateMany(ctx,
		bson.M{"inUseBy": escrowID},
		bson.M{"$unset": bson.M{"inUseBy": ""}, "$set": bson.M{"updatedAt": time.Now().UTC()}})
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (s *Store) UpdateContract(ctx context.Context, c *vaultreg.Contract) error {
	res, err := s.contracts.ReplaceOne(ctx, bson.M{"chain": string(c.Chain), "contractAddress": c.Address}, c)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteContract(ctx context.Context, chain asset.Chain, address string) error {
	res, err := s.contracts.DeleteOne(ctx, bson.M{"chain": string(chain), "contractAddress": address})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
