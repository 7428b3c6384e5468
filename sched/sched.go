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

// Package sched runs the coordinator's keyed one-shot timers: join
// timeouts, ephemeral message expiry, trade inactivity and room recycle
// grace. Timers key on (id, kind); scheduling the same key again replaces
// the pending timer. Nothing here persists — on restart the owners of the
// timers rebuild them from stored trade state.
package sched

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/lightningnetwork/lnd/clock"
)

// Kind names a timer class. One timer per (id, kind) is pending at a time.
type Kind string

const (
	// KindJoinTimeout cancels a deal nobody joined.
	KindJoinTimeout Kind = "join_timeout"
	// KindMessageTTL deletes an ephemeral service message.
	KindMessageTTL Kind = "message_ttl"
	// KindTradeInactivity nudges or cancels a stalled trade.
	KindTradeInactivity Kind = "trade_inactivity"
	// KindRecycleGrace returns a room to the pool after close.
	KindRecycleGrace Kind = "recycle_grace"
)

// Callback runs when a timer fires. The context is canceled when the
// scheduler stops.
type Callback func(ctx context.Context)

type timerKey struct {
	id   string
	kind Kind
}

type timerEntry struct {
	key   timerKey
	at    time.Time
	seq   uint64 // breaks ties between equal deadlines
	fn    Callback
	index int
}

// timerQueue is a min-heap on (at, seq).
type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	entry := x.(*timerEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

// Scheduler owns the timer heap and its firing loop.
type Scheduler struct {
	clk clock.Clock
	log log.Logger

	mu      sync.Mutex
	queue   timerQueue
	entries map[timerKey]*timerEntry
	seq     uint64

	wake chan struct{}
	quit chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	loopWG    sync.WaitGroup
	fireWG    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a scheduler on the given clock. Production passes
// clock.NewDefaultClock(); tests pass a clock.TestClock.
func New(clk clock.Clock, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Root()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clk:     clk,
		log:     logger.New("component", "sched"),
		entries: make(map[timerKey]*timerEntry),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the firing loop. Idempotent.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.loopWG.Add(1)
		go s.loop()
	})
}

// Stop cancels pending callbacks' context, halts the loop and waits for
// in-flight callbacks. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.cancel()
		s.loopWG.Wait()
		s.fireWG.Wait()
	})
}

// Schedule arms (id, kind) to fire at the given time, replacing any
// pending timer under the same key.
func (s *Scheduler) Schedule(id string, kind Kind, at time.Time, fn Callback) {
	key := timerKey{id: id, kind: kind}
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		heap.Remove(&s.queue, old.index)
	}
	s.seq++
	entry := &timerEntry{key: key, at: at, seq: s.seq, fn: fn}
	s.entries[key] = entry
	heap.Push(&s.queue, entry)
	s.mu.Unlock()
	s.poke()
}

// ScheduleAfter arms (id, kind) to fire after the delay.
func (s *Scheduler) ScheduleAfter(id string, kind Kind, delay time.Duration, fn Callback) {
	s.Schedule(id, kind, s.clk.Now().Add(delay), fn)
}

// Cancel drops a pending timer, reporting whether one was armed.
func (s *Scheduler) Cancel(id string, kind Kind) bool {
	key := timerKey{id: id, kind: kind}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, entry.index)
	delete(s.entries, key)
	return true
}

// CancelAll drops every timer keyed by the id, including derived keys of
// the form "id/suffix" that message TTL timers use. It returns how many
// timers were dropped.
func (s *Scheduler) CancelAll(id string) int {
	prefix := id + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, entry := range s.entries {
		if key.id != id && !strings.HasPrefix(key.id, prefix) {
			continue
		}
		heap.Remove(&s.queue, entry.index)
		delete(s.entries, key)
		n++
	}
	return n
}

// Pending reports whether (id, kind) is armed.
func (s *Scheduler) Pending(id string, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[timerKey{id: id, kind: kind}]
	return ok
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()
	for {
		s.mu.Lock()
		var wait <-chan time.Time
		now := s.clk.Now()
		var due []*timerEntry
		for s.queue.Len() > 0 {
			next := s.queue[0]
			if next.at.After(now) {
				wait = s.clk.TickAfter(next.at.Sub(now))
				break
			}
			heap.Pop(&s.queue)
			delete(s.entries, next.key)
			due = append(due, next)
		}
		s.mu.Unlock()

		for _, entry := range due {
			s.fire(entry)
		}
		if len(due) > 0 {
			continue
		}

		if wait == nil {
			select {
			case <-s.wake:
			case <-s.quit:
				return
			}
			continue
		}
		select {
		case <-wait:
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) fire(entry *timerEntry) {
	s.log.Debug("Timer fired", "id", entry.key.id, "kind", entry.key.kind)
	s.fireWG.Add(1)
	go func() {
		defer s.fireWG.Done()
		entry.fn(s.ctx)
	}()
}
