// session.go - Per-client gateway session state machine.
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
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/nymtech/nym-sub008/ledger"
)

// State is one of the three positions in spec.md §4.D's session state
// machine.
type State int

const (
	StateFresh State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrProtocolViolation marks a frame that is invalid for the session's
// current state (e.g. a binary frame while still Fresh); per spec.md
// §7, protocol violations close the session with no partial effect.
var ErrProtocolViolation = errors.New("gateway: protocol violation")

// MixForwarder enqueues a decrypted Sphinx packet toward the mixnet.
type MixForwarder interface {
	Forward(mixPacket []byte) error
}

// SocketWriter is the session's write side: push bytes to the client
// socket. A send failure closes the session, per spec.md §4.D ("the
// client is presumed dead").
type SocketWriter interface {
	WriteBinary(payload []byte) error
	WriteControl(msg ControlMessage) error
}

// FrameKind distinguishes the three shapes a socket reader delivers
// into a session's inbox.
type FrameKind int

const (
	FrameBinary FrameKind = iota
	FrameControl
	FramePong
)

// InboundFrame is one unit handed from the socket-reading goroutine
// into a Session's cooperative loop.
type InboundFrame struct {
	Kind       FrameKind
	Ciphertext []byte  // FrameBinary
	Iv         []byte  // FrameBinary
	Raw        []byte  // FrameControl: cbor-encoded ControlMessage
	PongTag    uint64 // FramePong
}

// IsActiveRequest probes session liveness; Reply receives exactly one
// of "active", "not_active", or "busy".
type IsActiveRequest struct {
	Reply chan<- string
}

// Config bundles session tunables spec.md §5 leaves as "configurable"
// or fixes as constants.
type Config struct {
	PingTimeout            time.Duration // spec.md §5: 1 second
	TestnetBandwidthGrant  int64
}

// DefaultConfig matches spec.md §5's fixed liveness-ping timeout.
func DefaultConfig() Config {
	return Config{
		PingTimeout:           1 * time.Second,
		TestnetBandwidthGrant: 0,
	}
}

// Session is one client's gateway connection: the Fresh/Authenticated/
// Closed state machine from spec.md §4.D, running as a single
// cooperative goroutine per spec.md §5's scheduling model. Grounded on
// reply.Controller's event-loop shape (itself grounded on
// client2/connection.go's cooperative select loop), generalized here
// to the four suspension points spec.md §4.D names explicitly: socket
// read, mix-inbound read, is-active-request read, and the
// ping-timeout timer.
type Session struct {
	address  string
	cfg      Config
	crypto   *SessionCrypto
	forward  MixForwarder
	writer   SocketWriter
	pipeline *ledger.Pipeline
	balance  *ledger.ClientBandwidth
	registry *Registry
	log      *log.Logger
	rng      io.Reader

	state State

	socketIn   chan InboundFrame
	mixIn      chan []byte
	isActiveCh chan IsActiveRequest
	stopCh     chan struct{}
	doneCh     chan struct{}

	pingInFlight bool
	pingTag      uint64
	pingTimer    *time.Timer
	pendingProbe chan<- string
}

// New constructs a Session for address. Call Run in its own goroutine
// to begin processing; feed it frames via SocketIn, mix arrivals via
// MixIn, and liveness probes via IsActiveCh.
func New(address string, cfg Config, crypto *SessionCrypto, forward MixForwarder, writer SocketWriter, pipeline *ledger.Pipeline, registry *Registry, mylog *log.Logger) *Session {
	s := &Session{
		address:    address,
		cfg:        cfg,
		crypto:     crypto,
		forward:    forward,
		writer:     writer,
		pipeline:   pipeline,
		balance:    ledger.NewClientBandwidth(),
		registry:   registry,
		log:        mylog.WithPrefix(fmt.Sprintf("gateway-session[%s]", address)),
		rng:        rand.Reader,
		state:      StateFresh,
		socketIn:   make(chan InboundFrame, 64),
		mixIn:      make(chan []byte, 64),
		isActiveCh: make(chan IsActiveRequest, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	s.pingTimer = time.NewTimer(time.Hour)
	s.pingTimer.Stop()
	return s
}

// State reports the session's current state. Safe to call only after
// Run has exited, or for diagnostics where a stale read is acceptable
// (the owning goroutine is the sole mutator, per spec.md §5).
func (s *Session) State() State { return s.state }

// Balance exposes the session's bandwidth ledger for diagnostics and
// tests.
func (s *Session) Balance() *ledger.ClientBandwidth { return s.balance }

// SocketIn is the channel a socket-reading goroutine pushes InboundFrames
// into.
func (s *Session) SocketIn() chan<- InboundFrame { return s.socketIn }

// MixIn is the channel the gateway's mix-inbound dispatcher pushes
// client-destined packets into.
func (s *Session) MixIn() chan<- []byte { return s.mixIn }

// RequestIsActive enqueues a liveness probe; it is safe to call from
// any goroutine.
func (s *Session) RequestIsActive(req IsActiveRequest) {
	select {
	case s.isActiveCh <- req:
	default:
		req.Reply <- "busy"
	}
}

// Close requests the session shut down. Safe to call more than once.
func (s *Session) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Run drains the session's four suspension points until Close is
// called or an error path forces closure, then deregisters from
// registry.
func (s *Session) Run() {
	defer close(s.doneCh)
	defer s.deregister()

	for s.state != StateClosed {
		select {
		case <-s.stopCh:
			s.state = StateClosed
			return

		case frame := <-s.socketIn:
			if err := s.handleFrame(frame); err != nil {
				s.log.Warnf("closing session after frame error: %v", err)
				s.state = StateClosed
				return
			}

		case payload := <-s.mixIn:
			if err := s.handleMixArrival(payload); err != nil {
				s.log.Warnf("closing session after mix-arrival send failure: %v", err)
				s.state = StateClosed
				return
			}

		case req := <-s.isActiveCh:
			s.handleIsActiveRequest(req)

		case <-s.pingTimer.C:
			s.handlePingTimeout()
		}
	}
}

// Done reports when Run has exited.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) deregister() {
	s.registry.Remove(s.address, s)
}

func (s *Session) handleFrame(frame InboundFrame) error {
	switch frame.Kind {
	case FrameBinary:
		return s.handleBinaryFrame(frame)
	case FrameControl:
		return s.handleControlFrame(frame)
	case FramePong:
		s.handlePong(frame.PongTag)
		return nil
	default:
		return fmt.Errorf("%w: unknown frame kind %d", ErrProtocolViolation, frame.Kind)
	}
}

// handleBinaryFrame implements spec.md §4.D's binary-frame contract:
// MAC-verify and decrypt, parse as ForwardSphinx, debit bandwidth, and
// either forward and ack with the remaining balance, or reply with a
// typed OutOfBandwidth error without forwarding.
func (s *Session) handleBinaryFrame(frame InboundFrame) error {
	if s.state != StateAuthenticated {
		return fmt.Errorf("%w: binary frame while %s", ErrProtocolViolation, s.state)
	}

	plaintext, err := s.crypto.Open(frame.Ciphertext, frame.Iv)
	if err != nil {
		return err
	}

	msg, err := DecodeControlMessage(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	fwd, ok := msg.(*ForwardSphinx)
	if !ok {
		return fmt.Errorf("%w: binary frame did not decode to ForwardSphinx", ErrProtocolViolation)
	}

	remaining, err := s.balance.TryDebit(int64(len(fwd.MixPacket)))
	if err != nil {
		var oob *ledger.OutOfBandwidthError
		if errors.As(err, &oob) {
			return s.writer.WriteControl(TypedError{
				Kind:    "out_of_bandwidth",
				Payload: encodeOutOfBandwidthPayload(oob),
			})
		}
		return err
	}

	if err := s.forward.Forward(fwd.MixPacket); err != nil {
		return fmt.Errorf("gateway: forwarding mix packet: %w", err)
	}

	return s.writer.WriteControl(Send{RemainingBandwidth: remaining})
}

func encodeOutOfBandwidthPayload(oob *ledger.OutOfBandwidthError) []byte {
	payload := OutOfBandwidthPayload{Required: oob.Required, Available: oob.Available}
	b, err := cbor.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

// handleControlFrame dispatches a decoded text control message against
// the session's current state.
func (s *Session) handleControlFrame(frame InboundFrame) error {
	msg, err := DecodeControlMessage(frame.Raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	switch m := msg.(type) {
	case *Authenticate:
		return s.handleAuthenticate(m)
	case *EcashCredential:
		return s.handleEcashCredential(m)
	case *ClaimFreeTestnetBandwidth:
		return s.handleClaimTestnet()
	default:
		return fmt.Errorf("%w: unexpected control message %T", ErrProtocolViolation, msg)
	}
}

func (s *Session) handleAuthenticate(msg *Authenticate) error {
	if s.state != StateFresh {
		return fmt.Errorf("%w: re-authentication while %s", ErrProtocolViolation, s.state)
	}
	s.state = StateAuthenticated
	s.registry.Insert(s.address, s)
	return nil
}

// handleEcashCredential implements spec.md §4.D's ecash-credential
// contract: decrypt under the shared key, hand off to the ticket
// verifier, and on success reply with the new total available
// bandwidth. A rejected ticket (double-spend, crypto-invalid, outside
// validity window) is logged and answered with a typed error; per
// spec.md §7 it never terminates the session.
func (s *Session) handleEcashCredential(msg *EcashCredential) error {
	if s.state != StateAuthenticated {
		return fmt.Errorf("%w: ecash credential while %s", ErrProtocolViolation, s.state)
	}

	plaintext, err := s.crypto.Open(msg.EncCredential, msg.Iv)
	if err != nil {
		return err
	}

	ticket, err := DecodeCredentialSpendingData(plaintext)
	if err != nil {
		s.log.Warnf("rejected malformed ticket: %v", err)
		return s.writer.WriteControl(TypedError{Kind: "malformed_ticket"})
	}

	newAvailable, err := s.pipeline.VerifyAndCredit(ticket, s.balance)
	if err != nil {
		s.log.Warnf("ticket rejected: %v", err)
		return s.writer.WriteControl(TypedError{Kind: rejectKind(err)})
	}

	return s.writer.WriteControl(Bandwidth{AvailableTotal: newAvailable})
}

func rejectKind(err error) string {
	switch {
	case errors.Is(err, ledger.ErrDoubleSpent):
		return "double_spent"
	case errors.Is(err, ledger.ErrCryptoInvalid):
		return "crypto_invalid"
	case errors.Is(err, ledger.ErrOutsideValidity):
		return "outside_validity"
	default:
		return "malformed_ticket"
	}
}

func (s *Session) handleClaimTestnet() error {
	if s.state != StateAuthenticated {
		return fmt.Errorf("%w: testnet claim while %s", ErrProtocolViolation, s.state)
	}
	newAvailable := s.balance.Credit(s.cfg.TestnetBandwidthGrant)
	return s.writer.WriteControl(Bandwidth{AvailableTotal: newAvailable})
}

// handleMixArrival implements spec.md §4.D's mix-to-client contract:
// re-encrypt under the session key and push over the socket. If the
// socket write fails the caller closes the session, per spec.md §4.D
// ("the client is presumed dead").
func (s *Session) handleMixArrival(payload []byte) error {
	ciphertext, iv, err := s.crypto.Seal(payload)
	if err != nil {
		return err
	}
	return s.writer.WriteBinary(append(append([]byte{}, iv...), ciphertext...))
}

// handlePong resolves an in-flight liveness probe.
func (s *Session) handlePong(tag uint64) {
	if !s.pingInFlight {
		return
	}
	if tag != s.pingTag {
		s.log.Warnf("pong carried unexpected tag, still waiting")
		return
	}
	s.pingInFlight = false
	s.pingTimer.Stop()
	if s.pendingProbe != nil {
		s.pendingProbe <- "active"
		s.pendingProbe = nil
	}
}

func (s *Session) handlePingTimeout() {
	if !s.pingInFlight {
		return
	}
	s.pingInFlight = false
	if s.pendingProbe != nil {
		s.pendingProbe <- "not_active"
		s.pendingProbe = nil
	}
}

// handleIsActiveRequest implements spec.md §4.D's liveness-probe
// contract: send a ping with a random tag, arm the timeout, and park
// the reply channel until a matching pong or the timer fires. If a
// probe is already in flight, answer "busy" immediately.
func (s *Session) handleIsActiveRequest(req IsActiveRequest) {
	if s.pingInFlight {
		req.Reply <- "busy"
		return
	}

	var tagBytes [8]byte
	if _, err := io.ReadFull(s.rng, tagBytes[:]); err != nil {
		req.Reply <- "not_active"
		return
	}
	tag := binary.BigEndian.Uint64(tagBytes[:])
	s.pingTag = tag
	s.pingInFlight = true
	s.pendingProbe = req.Reply

	if err := s.writer.WriteControl(pingFrame(tag)); err != nil {
		s.pingInFlight = false
		s.pendingProbe = nil
		req.Reply <- "not_active"
		return
	}

	s.pingTimer.Reset(s.cfg.PingTimeout)
}

// pingTagBytes returns tag as the 8-byte big-endian wire form spec.md
// §6 names for ping/pong frames.
func pingTagBytes(tag uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, tag)
	return b
}

// pingFrame wraps a ping tag as a TypedError carrying the raw tag
// bytes, reusing the control-message envelope rather than inventing a
// fifth wire shape for a frame that is otherwise an 8-byte payload.
func pingFrame(tag uint64) ControlMessage {
	return TypedError{Kind: "ping", Payload: pingTagBytes(tag)}
}
