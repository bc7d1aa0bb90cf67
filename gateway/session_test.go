// session_test.go - Tests for the gateway session state machine.
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

package gateway

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nymtech/nym-sub008/bloomfilter"
	"github.com/nymtech/nym-sub008/ecash"
	"github.com/nymtech/nym-sub008/ledger"
	"github.com/nymtech/nym-sub008/ticketstore"
)

type fakeForwarder struct {
	mu       sync.Mutex
	forwarded [][]byte
}

func (f *fakeForwarder) Forward(mixPacket []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, append([]byte{}, mixPacket...))
	return nil
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwarded)
}

type fakeWriter struct {
	mu       sync.Mutex
	binary   [][]byte
	controls []ControlMessage
	failNext bool
}

func (w *fakeWriter) WriteBinary(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext {
		w.failNext = false
		return os.ErrClosed
	}
	w.binary = append(w.binary, append([]byte{}, payload...))
	return nil
}

func (w *fakeWriter) WriteControl(msg ControlMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.controls = append(w.controls, msg)
	return nil
}

func (w *fakeWriter) lastControl() ControlMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.controls) == 0 {
		return nil
	}
	return w.controls[len(w.controls)-1]
}

type fakeVerifier struct{ accept bool }

func (f fakeVerifier) VerifySpend(coinIndex int, serialNumber [32]byte) (ecash.VerifiedTicket, error) {
	if !f.accept {
		return ecash.VerifiedTicket{}, ecash.ErrCryptoInvalid
	}
	return ecash.VerifiedTicket{CoinIndex: coinIndex, SerialNumber: serialNumber}, nil
}

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Prefix: "gateway-test"})
}

func testPipeline(t *testing.T, today time.Time, accept bool) *ledger.Pipeline {
	t.Helper()
	store, err := ticketstore.Open(filepath.Join(t.TempDir(), "tickets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	filters := bloomfilter.NewRegistry(bloomfilter.DefaultParams(1, 2, 3, 4, 4096, 3))
	metrics := ledger.NewMetrics(prometheus.NewRegistry())
	return ledger.NewPipeline(filters, store, fakeVerifier{accept: accept}, metrics, testLogger(), func() time.Time { return today })
}

func testCrypto(t *testing.T) *SessionCrypto {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewSessionCrypto(key)
	require.NoError(t, err)
	return c
}

func newTestSession(t *testing.T, pipeline *ledger.Pipeline) (*Session, *fakeForwarder, *fakeWriter, *Registry) {
	t.Helper()
	forwarder := &fakeForwarder{}
	writer := &fakeWriter{}
	registry := NewRegistry()
	crypto := testCrypto(t)

	s := New("client-1", DefaultConfig(), crypto, forwarder, writer, pipeline, registry, testLogger())
	return s, forwarder, writer, registry
}

func runSession(s *Session) func() {
	go s.Run()
	return func() {
		s.Close()
		<-s.Done()
	}
}

func sealControl(t *testing.T, crypto *SessionCrypto, msg ControlMessage) (ciphertext, iv []byte) {
	t.Helper()
	plaintext, err := EncodeControlMessage(msg)
	require.NoError(t, err)
	ciphertext, iv, err = crypto.Seal(plaintext)
	require.NoError(t, err)
	return ciphertext, iv
}

func rawControl(t *testing.T, msg ControlMessage) []byte {
	t.Helper()
	b, err := EncodeControlMessage(msg)
	require.NoError(t, err)
	return b
}

func TestSessionStartsFreshAndAuthenticates(t *testing.T) {
	s, _, _, registry := newTestSession(t, testPipeline(t, time.Now(), true))
	stop := runSession(s)
	defer stop()

	require.Equal(t, 0, registry.Len())

	s.SocketIn() <- InboundFrame{Kind: FrameControl, Raw: rawControl(t, Authenticate{ClientAddress: "client-1"})}
	require.Eventually(t, func() bool { return s.State() == StateAuthenticated }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, time.Millisecond)
}

func TestFreshSessionRejectsBinaryFrame(t *testing.T) {
	s, _, _, _ := newTestSession(t, testPipeline(t, time.Now(), true))
	stop := runSession(s)
	defer stop()

	s.SocketIn() <- InboundFrame{Kind: FrameBinary, Ciphertext: []byte("garbage"), Iv: make([]byte, chacha20poly1305.NonceSize)}
	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, time.Millisecond)
}

func authenticate(t *testing.T, s *Session) {
	t.Helper()
	s.SocketIn() <- InboundFrame{Kind: FrameControl, Raw: rawControl(t, Authenticate{ClientAddress: s.address})}
	require.Eventually(t, func() bool { return s.State() == StateAuthenticated }, time.Second, time.Millisecond)
}

func TestForwardSphinxDebitsAndForwards(t *testing.T) {
	s, forwarder, writer, _ := newTestSession(t, testPipeline(t, time.Now(), true))
	stop := runSession(s)
	defer stop()
	authenticate(t, s)

	s.Balance().Credit(1000)

	crypto := testCrypto(t)
	ciphertext, iv := sealControl(t, crypto, ForwardSphinx{MixPacket: []byte("hello-mixnet")})
	s.SocketIn() <- InboundFrame{Kind: FrameBinary, Ciphertext: ciphertext, Iv: iv}

	require.Eventually(t, func() bool { return forwarder.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		send, ok := writer.lastControl().(Send)
		return ok && send.RemainingBandwidth == 1000-int64(len("hello-mixnet"))
	}, time.Second, time.Millisecond)
}

func TestForwardSphinxOutOfBandwidth(t *testing.T) {
	s, forwarder, writer, _ := newTestSession(t, testPipeline(t, time.Now(), true))
	stop := runSession(s)
	defer stop()
	authenticate(t, s)
	// balance starts at zero; any nonempty packet must be rejected.

	crypto := testCrypto(t)
	ciphertext, iv := sealControl(t, crypto, ForwardSphinx{MixPacket: []byte("too-big")})
	s.SocketIn() <- InboundFrame{Kind: FrameBinary, Ciphertext: ciphertext, Iv: iv}

	require.Eventually(t, func() bool {
		typed, ok := writer.lastControl().(TypedError)
		return ok && typed.Kind == "out_of_bandwidth"
	}, time.Second, time.Millisecond)
	require.Equal(t, 0, forwarder.count())
	require.Equal(t, StateAuthenticated, s.State(), "rejecting for insufficient bandwidth must not close the session")
}

func TestForwardSphinxRejectsUnauthenticatedCiphertext(t *testing.T) {
	s, forwarder, _, _ := newTestSession(t, testPipeline(t, time.Now(), true))
	stop := runSession(s)
	defer stop()
	authenticate(t, s)

	badIv := make([]byte, chacha20poly1305.NonceSize)
	s.SocketIn() <- InboundFrame{Kind: FrameBinary, Ciphertext: []byte("not-really-sealed"), Iv: badIv}

	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, time.Millisecond)
	require.Equal(t, 0, forwarder.count())
}

func TestEcashCredentialCreditsBandwidth(t *testing.T) {
	today := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	s, _, writer, _ := newTestSession(t, testPipeline(t, today, true))
	stop := runSession(s)
	defer stop()
	authenticate(t, s)

	crypto := testCrypto(t)
	var serial [32]byte
	serial[0] = 42
	ticketBytes, err := EncodeCredentialSpendingData(ledger.CredentialSpendingData{
		SerialNumber: serial,
		SpendingDate: "2026-07-30",
		CoinIndex:    0,
		Value:        2048,
	})
	require.NoError(t, err)
	ciphertext, iv, err := crypto.Seal(ticketBytes)
	require.NoError(t, err)

	s.SocketIn() <- InboundFrame{Kind: FrameControl, Raw: rawControl(t, EcashCredential{EncCredential: ciphertext, Iv: iv})}

	require.Eventually(t, func() bool {
		bw, ok := writer.lastControl().(Bandwidth)
		return ok && bw.AvailableTotal == 2048
	}, time.Second, time.Millisecond)
	require.EqualValues(t, 2048, s.Balance().Available())
}

func TestEcashCredentialDoubleSpendDoesNotCloseSession(t *testing.T) {
	today := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	s, _, writer, _ := newTestSession(t, testPipeline(t, today, true))
	stop := runSession(s)
	defer stop()
	authenticate(t, s)

	crypto := testCrypto(t)
	var serial [32]byte
	serial[0] = 9
	ticketBytes, err := EncodeCredentialSpendingData(ledger.CredentialSpendingData{
		SerialNumber: serial,
		SpendingDate: "2026-07-30",
		Value:        512,
	})
	require.NoError(t, err)

	send := func() {
		ciphertext, iv, err := crypto.Seal(ticketBytes)
		require.NoError(t, err)
		s.SocketIn() <- InboundFrame{Kind: FrameControl, Raw: rawControl(t, EcashCredential{EncCredential: ciphertext, Iv: iv})}
	}

	send()
	require.Eventually(t, func() bool {
		_, ok := writer.lastControl().(Bandwidth)
		return ok
	}, time.Second, time.Millisecond)

	send()
	require.Eventually(t, func() bool {
		typed, ok := writer.lastControl().(TypedError)
		return ok && typed.Kind == "double_spent"
	}, time.Second, time.Millisecond)
	require.Equal(t, StateAuthenticated, s.State())
	require.EqualValues(t, 512, s.Balance().Available(), "the rejected second spend must not credit again")
}

func TestClaimFreeTestnetBandwidthGrantsConfiguredAmount(t *testing.T) {
	forwarder := &fakeForwarder{}
	writer := &fakeWriter{}
	registry := NewRegistry()
	crypto := testCrypto(t)
	cfg := DefaultConfig()
	cfg.TestnetBandwidthGrant = 5000

	s := New("client-2", cfg, crypto, forwarder, writer, testPipeline(t, time.Now(), true), registry, testLogger())
	stop := runSession(s)
	defer stop()
	authenticate(t, s)

	s.SocketIn() <- InboundFrame{Kind: FrameControl, Raw: rawControl(t, ClaimFreeTestnetBandwidth{})}

	require.Eventually(t, func() bool {
		bw, ok := writer.lastControl().(Bandwidth)
		return ok && bw.AvailableTotal == 5000
	}, time.Second, time.Millisecond)
}

func TestMixArrivalIsSealedAndPushed(t *testing.T) {
	s, _, writer, _ := newTestSession(t, testPipeline(t, time.Now(), true))
	stop := runSession(s)
	defer stop()
	authenticate(t, s)

	s.MixIn() <- []byte("payload-for-client")

	require.Eventually(t, func() bool {
		writer.mu.Lock()
		defer writer.mu.Unlock()
		return len(writer.binary) == 1
	}, time.Second, time.Millisecond)
}

func TestIsActiveProbeTimesOutWithoutPong(t *testing.T) {
	s, _, _, _ := newTestSession(t, testPipeline(t, time.Now(), true))
	stop := runSession(s)
	defer stop()
	authenticate(t, s)

	reply := make(chan string, 1)
	s.RequestIsActive(IsActiveRequest{Reply: reply})

	select {
	case result := <-reply:
		require.Equal(t, "not_active", result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for is-active reply")
	}
}

func TestIsActiveProbeReportsBusyWhileOneInFlight(t *testing.T) {
	s, _, _, _ := newTestSession(t, testPipeline(t, time.Now(), true))
	stop := runSession(s)
	defer stop()
	authenticate(t, s)

	first := make(chan string, 1)
	s.RequestIsActive(IsActiveRequest{Reply: first})

	// Give the session loop a moment to mark the first probe in flight
	// before firing the second, since both requests race to be observed
	// by the single-threaded loop otherwise.
	time.Sleep(20 * time.Millisecond)

	second := make(chan string, 1)
	s.RequestIsActive(IsActiveRequest{Reply: second})

	select {
	case result := <-second:
		require.Equal(t, "busy", result)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for busy reply")
	}

	<-first // drain the eventual not_active timeout so the test can exit cleanly
}

func TestRegistryDisplacesPriorSessionOnReauthentication(t *testing.T) {
	pipeline := testPipeline(t, time.Now(), true)
	registry := NewRegistry()

	first := New("shared-addr", DefaultConfig(), testCrypto(t), &fakeForwarder{}, &fakeWriter{}, pipeline, registry, testLogger())
	stopFirst := runSession(first)
	defer stopFirst()
	authenticate(t, first)

	require.Equal(t, 1, registry.Len())

	second := New("shared-addr", DefaultConfig(), testCrypto(t), &fakeForwarder{}, &fakeWriter{}, pipeline, registry, testLogger())
	go second.Run()
	defer func() {
		second.Close()
		<-second.Done()
	}()
	authenticate(t, second)

	require.Eventually(t, func() bool { return first.State() == StateClosed }, time.Second, time.Millisecond)
	require.Equal(t, 1, registry.Len())
	current, ok := registry.Lookup("shared-addr")
	require.True(t, ok)
	require.Equal(t, second, current)
}
