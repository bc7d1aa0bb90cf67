// reply_test.go - Tests for the SURB reply controller.
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

package reply

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/nymtech/nym-sub008/fragment"
	"github.com/nymtech/nym-sub008/preparer"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "reply-test"})
}

func testRecipient(b byte) RecipientTag {
	var r RecipientTag
	r[0] = b
	return r
}

func makeSurbs(n int) []preparer.ReplySurb {
	out := make([]preparer.ReplySurb, n)
	for i := range out {
		out[i] = preparer.ReplySurb{Destination: []byte("dest")}
	}
	return out
}

type mockHandler struct {
	mu sync.Mutex

	sentChunks        [][]fragment.Fragment
	sentSurbCounts    []int
	requestedAmounts  []uint32
	additionalSurbsTo []uint32
	failSend          bool
}

func (m *mockHandler) SplitReplyMessage(data []byte) []fragment.Fragment {
	n := len(data)
	if n == 0 {
		n = 1
	}
	out := make([]fragment.Fragment, n)
	for i := range out {
		out[i] = fragment.Fragment{Header: fragment.Header{SetID: 1, Index: uint8(i), TotalInSet: uint8(n)}, Bytes: []byte{byte(i)}}
	}
	return out
}

func (m *mockHandler) TrySendReplyChunks(target RecipientTag, fragments []fragment.Fragment, surbs []preparer.ReplySurb) ([]preparer.ReplySurb, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return surbs, errors.New("mock send failure")
	}
	m.sentChunks = append(m.sentChunks, fragments)
	m.sentSurbCounts = append(m.sentSurbCounts, len(surbs))
	return nil, nil
}

func (m *mockHandler) TryRequestAdditionalReplySurbs(target RecipientTag, surb preparer.ReplySurb, amount uint32) ([]preparer.ReplySurb, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestedAmounts = append(m.requestedAmounts, amount)
	return nil, nil
}

func (m *mockHandler) TrySendAdditionalReplySurbs(target RecipientTag, amount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.additionalSurbsTo = append(m.additionalSurbsTo, amount)
	return nil
}

func TestSendReplyWithSufficientInventorySendsImmediately(t *testing.T) {
	h := &mockHandler{}
	c := New(DefaultConfig(), h, testLogger())
	recipient := testRecipient(1)

	s := c.stateFor(recipient)
	s.inventory.available = makeSurbs(5)

	c.handleSendReply(recipient, []byte("hi"))

	require.Len(t, h.sentChunks, 1)
	require.Equal(t, 2, h.sentSurbCounts[0])
	require.Equal(t, 3, c.AvailableSurbs(recipient))
	require.Equal(t, 0, c.PendingQueueLen(recipient))
}

func TestSendReplyUnderStarvationEnqueuesAndRequests(t *testing.T) {
	h := &mockHandler{}
	cfg := DefaultConfig()
	c := New(cfg, h, testLogger())
	recipient := testRecipient(2)

	s := c.stateFor(recipient)
	s.inventory.available = makeSurbs(1) // enough to carry a request, not enough to reply

	c.handleSendReply(recipient, []byte("hello"))

	require.Equal(t, 5, c.PendingQueueLen(recipient))
	require.True(t, c.IsRequestingMore(recipient))
	require.Len(t, h.requestedAmounts, 1)
	require.Equal(t, cfg.MinSurbRequestSize, h.requestedAmounts[0]) // clamp(5, 10, 250) = 10
}

func TestSurbsReceivedClearsFlagAndDrainsQueue(t *testing.T) {
	h := &mockHandler{}
	c := New(DefaultConfig(), h, testLogger())
	recipient := testRecipient(3)

	s := c.stateFor(recipient)
	s.inventory.available = makeSurbs(1)
	c.handleSendReply(recipient, []byte("hello")) // 5 fragments enqueued, 1 surb spent requesting
	require.Equal(t, 5, c.PendingQueueLen(recipient))
	require.True(t, c.IsRequestingMore(recipient))

	c.handleSurbsReceived(recipient, makeSurbs(7), true)

	require.False(t, c.IsRequestingMore(recipient))
	require.Equal(t, 0, c.PendingQueueLen(recipient))
	require.Equal(t, 2, c.AvailableSurbs(recipient)) // 7 - 5 drained = 2 left
	require.Len(t, h.sentChunks, 1)
	require.Len(t, h.sentChunks[0], 5)
}

func TestSurbsRequestZeroIsNoop(t *testing.T) {
	h := &mockHandler{}
	c := New(DefaultConfig(), h, testLogger())
	c.handleSurbsRequest(testRecipient(4), 0)
	require.Empty(t, h.additionalSurbsTo)
}

func TestSurbsRequestBatchesAtMostHundred(t *testing.T) {
	h := &mockHandler{}
	c := New(DefaultConfig(), h, testLogger())
	c.handleSurbsRequest(testRecipient(5), 250)
	require.Equal(t, []uint32{100, 100, 50}, h.additionalSurbsTo)
}

func TestFailedSendReturnsSurbsToInventoryHead(t *testing.T) {
	h := &mockHandler{failSend: true}
	c := New(DefaultConfig(), h, testLogger())
	recipient := testRecipient(6)

	s := c.stateFor(recipient)
	s.inventory.available = makeSurbs(5)

	c.handleSendReply(recipient, []byte("hi"))

	require.Equal(t, 5, c.AvailableSurbs(recipient))
	require.Equal(t, 0, c.PendingQueueLen(recipient))
}

func TestSweepStaleRequestsReplenishmentForOldPending(t *testing.T) {
	h := &mockHandler{}
	cfg := DefaultConfig()
	cfg.StaleAfter = time.Millisecond
	c := New(cfg, h, testLogger())
	recipient := testRecipient(7)

	s := c.stateFor(recipient)
	s.inventory.available = makeSurbs(1)
	s.pending = &pendingReply{data: []fragment.Fragment{{Header: fragment.Header{TotalInSet: 1}}}}
	s.inventory.lastReceivedAt = time.Now().Add(-time.Hour)

	c.sweepStale()

	require.Len(t, h.requestedAmounts, 1)
	require.True(t, c.IsRequestingMore(recipient))
}

func TestBoundedIncrementResolvesOpenQuestion(t *testing.T) {
	require.Equal(t, uint32(5), boundedIncrement(0, 5, 250, 0))
	require.Equal(t, uint32(240), boundedIncrement(0, 300, 250, 10)) // ceiling = 240
	require.Equal(t, uint32(240), boundedIncrement(235, 10, 250, 10))
}

func TestRunProcessesEnqueuedSendReply(t *testing.T) {
	h := &mockHandler{}
	c := New(DefaultConfig(), h, testLogger())
	recipient := testRecipient(8)

	c.mu.Lock()
	s := c.stateFor(recipient)
	s.inventory.available = makeSurbs(5)
	c.mu.Unlock()

	go c.Run()
	c.SendReply(recipient, []byte("hi"))

	require.Eventually(t, func() bool {
		return c.AvailableSurbs(recipient) == 3
	}, time.Second, time.Millisecond)

	c.Stop()
}
