// reply.go - SURB reply controller.
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

// Package reply implements the reply-SURB lifecycle: per-recipient SURB
// inventories, threshold-triggered replenishment, pending-reply queueing
// when SURBs run out, stale-entry detection, and single-flight request
// discipline (spec.md §4.C, Module C). Grounded directly on the original
// Rust ToBeNamedPendingReplyController in
// clients/client-core/src/client/replies/temp_name_pending_handler.rs:
// the event shape (SendReply/AdditionalSurbs/AdditionalSurbsRequest),
// the drain protocol (try_clear_pending_queue), and the stale-entry
// sweep (inspect_stale_entries) are carried over; naming follows
// spec.md's terms (SurbInventory, PendingReply, Controller) rather than
// the Rust "ToBeNamed" placeholder.
package reply

import (
	"errors"
	"fmt"
	"sync"
	"time"

	channels "gopkg.in/eapache/channels.v1"

	"github.com/charmbracelet/log"

	"github.com/nymtech/nym-sub008/fragment"
	"github.com/nymtech/nym-sub008/preparer"
)

// RecipientTag identifies, without revealing an address, who a reply is
// destined for — the analogue of the original's AnonymousSenderTag.
type RecipientTag [32]byte

// ErrNotEnoughSurbs is returned when a replenishment request cannot even
// be sent because the inventory holds zero SURBs to carry the request
// itself.
var ErrNotEnoughSurbs = errors.New("reply: not enough surbs to send a replenishment request")

// MessageHandler is the capability set Controller depends on to actually
// move bytes: splitting a reply payload into fragments, sending reply
// chunks using consumed SURBs, and requesting more SURBs from a peer.
// Each Try* method returns any SURBs that must be returned to the
// inventory on failure, mirroring the Rust handler's
// "err.into_inner()" returned-surbs convention.
type MessageHandler interface {
	SplitReplyMessage(data []byte) []fragment.Fragment
	TrySendReplyChunks(target RecipientTag, fragments []fragment.Fragment, surbs []preparer.ReplySurb) (returnedSurbs []preparer.ReplySurb, err error)
	TryRequestAdditionalReplySurbs(target RecipientTag, surb preparer.ReplySurb, amount uint32) (returnedSurbs []preparer.ReplySurb, err error)
	TrySendAdditionalReplySurbs(target RecipientTag, amount uint32) error
}

// surbInventory is an ordered set of unused SURBs for one recipient, per
// spec.md §3. requestingMore is set at most once per round trip
// (invariant in §4.C).
type surbInventory struct {
	available      []preparer.ReplySurb
	lastReceivedAt time.Time
	requestingMore bool
}

// pendingReply is a FIFO of undelivered fragments plus the "extra SURBs
// to request on top of queue size" counter (spec.md §3). Per invariant,
// an empty queue is removed, never retained — Controller enforces this
// by setting the recipient's pending pointer to nil whenever data
// becomes empty (see pruneIfEmpty).
type pendingReply struct {
	data                     []fragment.Fragment
	nextSurbRequestIncrement uint32
}

type recipientState struct {
	inventory surbInventory
	pending   *pendingReply // nil when there is nothing queued
}

// Config bundles the tunables the Rust source hardcodes
// (min_surb_request_size = 10, max_surb_request_size = 250) as explicit
// fields instead, per this module's "no hidden defaults" ambient
// convention.
type Config struct {
	MinSurbRequestSize uint32
	MaxSurbRequestSize uint32
	MinSurbThreshold   int
	StaleAfter         time.Duration // spec.md §5: 10 seconds
	SweepInterval      time.Duration // spec.md §5: every 5 seconds
}

// DefaultConfig mirrors the Rust source's hardcoded constants and
// spec.md §5's stale-SURB sweep cadence.
func DefaultConfig() Config {
	return Config{
		MinSurbRequestSize: 10,
		MaxSurbRequestSize: 250,
		MinSurbThreshold:   1,
		StaleAfter:         10 * time.Second,
		SweepInterval:      5 * time.Second,
	}
}

type event interface{}

type sendReplyEvent struct {
	recipient RecipientTag
	message   []byte
}

type surbsReceivedEvent struct {
	recipient       RecipientTag
	surbs           []preparer.ReplySurb
	fromSurbRequest bool
}

type surbsRequestEvent struct {
	recipient RecipientTag
	amount    uint32
}

// Controller implements spec.md §4.C's state machine. Its public methods
// (SendReply, SurbsReceived, SurbsRequest) enqueue onto an unbounded
// control channel; Run drains that channel on a single cooperative
// goroutine, exactly as the Rust ToBeNamedPendingReplyController does
// over its mpsc channel — eapache's InfiniteChannel is this module's
// stand-in for futures::channel::mpsc::unbounded, as used for the
// teacher-adjacent gateway queue in mixmasala-server/provider.go.
type Controller struct {
	cfg     Config
	handler MessageHandler
	log     *log.Logger

	mu    sync.Mutex
	state map[RecipientTag]*recipientState

	inbox  *channels.InfiniteChannel
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Controller. Call Run in its own goroutine to begin
// processing events.
func New(cfg Config, handler MessageHandler, mylog *log.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		handler: handler,
		log:     mylog.WithPrefix("reply-controller"),
		state:   make(map[RecipientTag]*recipientState),
		inbox:   channels.NewInfiniteChannel(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SendReply enqueues a request to reply to recipient with message.
func (c *Controller) SendReply(recipient RecipientTag, message []byte) {
	c.inbox.In() <- sendReplyEvent{recipient: recipient, message: message}
}

// SurbsReceived enqueues a batch of freshly received SURBs for recipient.
// fromRequest must be true iff this batch arrived in answer to a
// replenishment request this controller issued.
func (c *Controller) SurbsReceived(recipient RecipientTag, surbs []preparer.ReplySurb, fromRequest bool) {
	c.inbox.In() <- surbsReceivedEvent{recipient: recipient, surbs: surbs, fromSurbRequest: fromRequest}
}

// SurbsRequest enqueues a peer's request for amount fresh SURBs.
func (c *Controller) SurbsRequest(fromPeer RecipientTag, amount uint32) {
	c.inbox.In() <- surbsRequestEvent{recipient: fromPeer, amount: amount}
}

// Run drains the control channel and the stale-entry sweep ticker until
// Stop is called.
func (c *Controller) Run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case raw, ok := <-c.inbox.Out():
			if !ok {
				return
			}
			c.handle(raw.(event))
		case <-ticker.C:
			c.sweepStale()
		}
	}
}

// Stop halts a running Controller and waits for Run to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.inbox.Close()
	<-c.doneCh
}

func (c *Controller) handle(e event) {
	switch ev := e.(type) {
	case sendReplyEvent:
		c.handleSendReply(ev.recipient, ev.message)
	case surbsReceivedEvent:
		c.handleSurbsReceived(ev.recipient, ev.surbs, ev.fromSurbRequest)
	case surbsRequestEvent:
		c.handleSurbsRequest(ev.recipient, ev.amount)
	default:
		panic(fmt.Sprintf("reply: unknown event type %T", e))
	}
}

func (c *Controller) stateFor(recipient RecipientTag) *recipientState {
	s, ok := c.state[recipient]
	if !ok {
		s = &recipientState{}
		c.state[recipient] = s
	}
	return s
}

// pruneIfEmpty drops recipient's pending queue (sets it to nil) once it
// is empty, matching spec.md §4.C's invariant "an empty queue is
// removed, never retained." The recipient's map entry and SURB
// inventory are kept.
func (c *Controller) pruneIfEmpty(recipient RecipientTag, s *recipientState) {
	if s.pending != nil && len(s.pending.data) == 0 {
		s.pending = nil
	}
}

// handleSendReply implements the table in spec.md §4.C for `SendReply`:
// split the message, and either send immediately (inventory ≥ required),
// enqueue-and-request (inventory < required, not already requesting), or
// enqueue only (already requesting).
func (c *Controller) handleSendReply(recipient RecipientTag, message []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fragments := c.handler.SplitReplyMessage(message)
	required := uint32(len(fragments))

	s := c.stateFor(recipient)

	if uint32(len(s.inventory.available)) >= required {
		surbs := s.inventory.available[:required]
		s.inventory.available = s.inventory.available[required:]
		returned, err := c.handler.TrySendReplyChunks(recipient, fragments, surbs)
		if err != nil {
			c.log.Warnf("failed to send reply to %x: %v", recipient, err)
			// returned SURBs go back to the head of the inventory
			s.inventory.available = append(append([]preparer.ReplySurb{}, returned...), s.inventory.available...)
		}
		c.pruneIfEmpty(recipient, s)
		return
	}

	c.enqueuePending(s, fragments)

	if s.inventory.requestingMore {
		c.log.Warnf("already requesting surbs for %x, enqueuing only", recipient)
		return
	}

	s.inventory.requestingMore = true
	ideal := required
	amount := clampRequestSize(ideal, c.cfg.MinSurbRequestSize, c.cfg.MaxSurbRequestSize)
	if err := c.requestAdditionalSurbs(recipient, s, amount); err != nil {
		c.log.Errorf("could not request additional surbs for %x: %v", recipient, err)
		s.pending.nextSurbRequestIncrement = boundedIncrement(s.pending.nextSurbRequestIncrement, required, c.cfg.MaxSurbRequestSize, uint32(len(s.pending.data)))
	}
}

func (c *Controller) enqueuePending(s *recipientState, fragments []fragment.Fragment) {
	if s.pending == nil {
		s.pending = &pendingReply{}
	}
	s.pending.data = append(s.pending.data, fragments...)
}

// requestAdditionalSurbs implements request_additional_reply_surbs: pull
// one SURB ignoring the min-threshold gate (it is spent carrying the
// request itself), fold in the not-yet-sent counter (single-flight
// accumulation), and ask the peer.
func (c *Controller) requestAdditionalSurbs(recipient RecipientTag, s *recipientState, amount uint32) error {
	if len(s.inventory.available) == 0 {
		return ErrNotEnoughSurbs
	}
	carrier := s.inventory.available[0]
	s.inventory.available = s.inventory.available[1:]

	counter := uint32(0)
	if s.pending != nil {
		counter = s.pending.nextSurbRequestIncrement
	}
	amount += counter

	returned, err := c.handler.TryRequestAdditionalReplySurbs(recipient, carrier, amount)
	if err != nil {
		c.log.Warnf("failed to request additional surbs from %x: %v", recipient, err)
		s.inventory.available = append(append([]preparer.ReplySurb{}, returned...), s.inventory.available...)
		return err
	}
	if s.pending != nil {
		s.pending.nextSurbRequestIncrement = 0
	}
	return nil
}

// handleSurbsReceived implements spec.md §4.C's `SurbsReceived`: clear
// requesting_more if this batch answers our request, top up the
// inventory to the configured threshold, drain the pending queue
// against what remains, then buffer any leftover SURBs.
func (c *Controller) handleSurbsReceived(recipient RecipientTag, surbs []preparer.ReplySurb, fromRequest bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stateFor(recipient)
	s.inventory.lastReceivedAt = time.Now()

	if fromRequest {
		if !s.inventory.requestingMore {
			c.log.Errorf("received more surbs for %x without asking for them", recipient)
		}
		s.inventory.requestingMore = false
	}

	if len(s.inventory.available) < c.cfg.MinSurbThreshold {
		need := c.cfg.MinSurbThreshold - len(s.inventory.available)
		if need > len(surbs) {
			need = len(surbs)
		}
		s.inventory.available = append(s.inventory.available, surbs[:need]...)
		surbs = surbs[need:]
	}

	c.tryClearPendingQueue(recipient, s, &surbs)

	if len(surbs) > 0 {
		s.inventory.available = append(s.inventory.available, surbs...)
	}
	c.pruneIfEmpty(recipient, s)
}

// tryClearPendingQueue implements spec.md §4.C's drain protocol: let
// k = min(inventory_available, queue_length); take exactly k fragments
// off the head of the queue, consume k SURBs, hand off to the sender.
// On send error, returned SURBs go back to the head of availableSurbs;
// returned fragments are not retried (they are lost, per spec.md §7).
func (c *Controller) tryClearPendingQueue(recipient RecipientTag, s *recipientState, availableSurbs *[]preparer.ReplySurb) {
	if len(*availableSurbs) == 0 {
		return
	}
	if s.pending == nil || len(s.pending.data) == 0 {
		return
	}

	k := len(*availableSurbs)
	if len(s.pending.data) < k {
		k = len(s.pending.data)
	}
	if k == 0 {
		// programmer-error guard: this branch is reachable only if the
		// invariant "queue non-empty iff entry exists" was violated
		// upstream.
		panic("reply: try_clear_pending_queue computed k=0 against a non-empty queue")
	}

	toSend := append([]fragment.Fragment{}, s.pending.data[:k]...)
	s.pending.data = s.pending.data[k:]

	surbsForReply := (*availableSurbs)[:k]
	*availableSurbs = (*availableSurbs)[k:]

	returned, err := c.handler.TrySendReplyChunks(recipient, toSend, surbsForReply)
	if err != nil {
		c.log.Warnf("failed to clear pending queue for %x: %v", recipient, err)
		if len(returned) > 0 {
			*availableSurbs = append(append([]preparer.ReplySurb{}, returned...), *availableSurbs...)
		}
	}
}

// handleSurbsRequest implements spec.md §4.C's `SurbsRequest`: in
// batches of at most 100 (the Rust source's hardcoded chunk size),
// construct and send fresh SURBs to the requester.
func (c *Controller) handleSurbsRequest(fromPeer RecipientTag, amount uint32) {
	if amount == 0 {
		return // spec.md §8 boundary: amount zero is a no-op, no traffic
	}
	const batchSize = 100
	remaining := amount
	for remaining > 0 {
		toSend := remaining
		if toSend > batchSize {
			toSend = batchSize
		}
		if err := c.handler.TrySendAdditionalReplySurbs(fromPeer, toSend); err != nil {
			c.log.Warnf("failed to send additional surbs to %x: %v", fromPeer, err)
		}
		remaining -= toSend
	}
}

// sweepStale implements inspect_stale_entries: every SweepInterval,
// recipients whose last SURB arrival predates StaleAfter get a fresh
// replenishment request sized to their current queue plus their pending
// increment.
func (c *Controller) sweepStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for recipient, s := range c.state {
		if s.pending == nil || len(s.pending.data) == 0 {
			continue
		}
		if now.Sub(s.inventory.lastReceivedAt) <= c.cfg.StaleAfter {
			continue
		}
		c.log.Warnf("no surbs received for %x in over %v, requesting more", recipient, c.cfg.StaleAfter)
		queueSize := uint32(len(s.pending.data))
		amount := clampRequestSize(queueSize+s.pending.nextSurbRequestIncrement, 0, c.cfg.MaxSurbRequestSize)
		if s.inventory.requestingMore {
			continue
		}
		s.inventory.requestingMore = true
		if err := c.requestAdditionalSurbs(recipient, s, amount); err != nil {
			c.log.Errorf("stale sweep: could not request additional surbs for %x: %v", recipient, err)
		}
	}
}

// clampRequestSize bounds a requested batch size to [min, max].
func clampRequestSize(want, min, max uint32) uint32 {
	if want < min {
		return min
	}
	if want > max {
		return max
	}
	return want
}

// boundedIncrement folds a failed request's size into the pending
// counter, resolving spec.md §9's Open Question on
// next_surb_request_increment's accumulation policy: the counter is
// monotonically bounded to [0, max_req - queue_size], so a string of
// failures can never inflate a future request past max_req regardless of
// how many increments accumulate.
func boundedIncrement(current, delta, maxReq, queueSize uint32) uint32 {
	next := current + delta
	var ceiling uint32
	if maxReq > queueSize {
		ceiling = maxReq - queueSize
	}
	if next > ceiling {
		return ceiling
	}
	return next
}

// AvailableSurbs reports the current inventory size for recipient, for
// tests and diagnostics.
func (c *Controller) AvailableSurbs(recipient RecipientTag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[recipient]
	if !ok {
		return 0
	}
	return len(s.inventory.available)
}

// PendingQueueLen reports the current pending-reply queue length for
// recipient, for tests and diagnostics.
func (c *Controller) PendingQueueLen(recipient RecipientTag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[recipient]
	if !ok || s.pending == nil {
		return 0
	}
	return len(s.pending.data)
}

// IsRequestingMore reports whether a replenishment request is currently
// in flight for recipient.
func (c *Controller) IsRequestingMore(recipient RecipientTag) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[recipient]
	if !ok {
		return false
	}
	return s.inventory.requestingMore
}
