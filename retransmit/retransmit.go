// retransmit.go - Fragment retransmission scheduling.
// Copyright (C) 2026  Nym Technologies SA.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retransmit implements the loss-tolerant retransmission timer
// queue spec.md §1/§3 requires: every PreparedFragment that leaves the
// preparer is tracked against its expected_round_trip_delay, and
// resent if no SURB-ACK arrives in time. Adapted from the teacher's
// client2/arq.go ARQ/TimerQueue pair, generalized from its
// Sphinx-composer-specific ARQMessage/Request types to this module's
// fragment/preparer domain types, and from a channel-driven worker
// goroutine to an avl.Tree-ordered queue in the style of
// server/internal/decoy/decoy.go's surbETAs tree (both are ETA-ordered
// priority structures; the teacher just never reused the type across
// packages).
package retransmit

import (
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/charmbracelet/log"

	"github.com/nymtech/nym-sub008/fragment"
	"github.com/nymtech/nym-sub008/preparer"
)

// RoundTripSlop is added to a fragment's expected round trip delay
// before it is considered lost, matching the teacher's RoundTripTimeSlop.
const RoundTripSlop = 10 * time.Second

// Resender re-sends a PreparedFragment's underlying packet on timeout.
// Implemented by whatever owns the outbound socket/mix channel.
type Resender interface {
	Resend(id fragment.FragmentIdentifier, mix preparer.MixPacket) error
}

type entry struct {
	id      fragment.FragmentIdentifier
	mix     preparer.MixPacket
	eta     time.Time
	retries uint32
	node    *avl.Node
}

// Queue tracks in-flight fragments and fires Resender.Resend for any
// whose SURB-ACK has not arrived by their deadline. Ordered by ETA via
// an avl.Tree exactly as the teacher's decoy surbETAs tree is, so a
// sweep only ever walks the overdue prefix.
type Queue struct {
	log *log.Logger

	mu      sync.Mutex
	byID    map[fragment.FragmentIdentifier]*entry
	byETA   *avl.Tree
	resend  Resender
	stopCh  chan struct{}
	stopped sync.Once
}

// NewQueue constructs a retransmission Queue. Call Run in its own
// goroutine to drive periodic sweeps.
func NewQueue(resend Resender, mylog *log.Logger) *Queue {
	rlog := mylog.WithPrefix("retransmit")
	return &Queue{
		log:    rlog,
		byID:   make(map[fragment.FragmentIdentifier]*entry),
		resend: resend,
		stopCh: make(chan struct{}),
		byETA: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*entry), b.(*entry)
			switch {
			case ea.eta.Before(eb.eta):
				return -1
			case ea.eta.After(eb.eta):
				return 1
			case ea.id.SetID < eb.id.SetID:
				return -1
			case ea.id.SetID > eb.id.SetID:
				return 1
			case ea.id.Index < eb.id.Index:
				return -1
			case ea.id.Index > eb.id.Index:
				return 1
			default:
				return 0
			}
		}),
	}
}

// Track registers a freshly prepared fragment for retransmission,
// deadlined at its expected round trip delay plus RoundTripSlop.
func (q *Queue) Track(pf preparer.PreparedFragment) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Tracking an identifier that is already tracked is a caller bug: a
	// FragmentIdentifier must be unique within the sending client.
	if _, dup := q.byID[pf.FragmentIdentifier]; dup {
		panic("retransmit: duplicate fragment identifier tracked twice")
	}

	e := &entry{
		id:  pf.FragmentIdentifier,
		mix: pf.MixPacket,
		eta: time.Now().Add(pf.ExpectedRoundTripDelay).Add(RoundTripSlop),
	}
	e.node = q.byETA.Insert(e)
	if e.node.Value.(*entry) != e {
		panic("retransmit: duplicate fragment identifier tracked twice")
	}
	q.byID[e.id] = e
}

// Ack removes a fragment from tracking because its SURB-ACK arrived.
// Reports whether the fragment was still pending (false means it was
// already acked or swept).
func (q *Queue) Ack(id fragment.FragmentIdentifier) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	q.byETA.Remove(e.node)
	return true
}

// Sweep resends every fragment whose deadline has passed, advancing
// each to a new deadline of now plus RoundTripSlop. It is
// safe to call from a periodic timer; the teacher's ARQ instead used a
// per-entry timer-queue callback, but a single sweep over an ETA-ordered
// tree (the decoy.go idiom) visits only the overdue prefix and stops at
// the first entry still within its deadline.
func (q *Queue) Sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.byETA.Len() == 0 {
		return
	}

	var overdue []*entry
	iter := q.byETA.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		e := node.Value.(*entry)
		if e.eta.After(now) {
			break
		}
		overdue = append(overdue, e)
	}

	for _, e := range overdue {
		q.byETA.Remove(e.node)
		delete(q.byID, e.id)

		e.retries++
		q.log.Warnf("resending fragment set=%d index=%d attempt=%d", e.id.SetID, e.id.Index, e.retries)
		if err := q.resend.Resend(e.id, e.mix); err != nil {
			q.log.Errorf("resend failed for set=%d index=%d: %v", e.id.SetID, e.id.Index, err)
		}

		e.eta = now.Add(RoundTripSlop)
		e.node = q.byETA.Insert(e)
		q.byID[e.id] = e
	}
}

// Run drives periodic sweeps every interval until Stop is called.
func (q *Queue) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			q.Sweep(now)
		case <-q.stopCh:
			return
		}
	}
}

// Stop halts a running Queue.Run goroutine.
func (q *Queue) Stop() {
	q.stopped.Do(func() { close(q.stopCh) })
}

// Len reports the number of fragments currently in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}
