// preparer.go - Sphinx packet preparation for outgoing fragments.
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

// Package preparer turns an outbound message into a stream of fully
// built Sphinx packets ready to hand to a gateway transceiver, per
// spec.md §4.B. It owns padding/splitting, SURB-ACK construction, route
// selection, and per-hop Poisson delay scheduling; it never peels or
// builds a Sphinx layer itself — that stays behind the sphinxwire.Codec
// boundary.
package preparer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/crypto/curve25519"

	"github.com/nymtech/nym-sub008/fragment"
	"github.com/nymtech/nym-sub008/sphinxwire"
	"github.com/nymtech/nym-sub008/topology"
)

// PacketKind distinguishes the payload a MixPacket carries, travelling
// opaquely alongside key_rotation_id per spec.md §3/§6.
type PacketKind uint8

const (
	PacketKindRegular PacketKind = iota
	PacketKindReply
	PacketKindAck
)

// MixPacket is a fully built Sphinx packet ready for the outbound sender;
// ownership transfers to whoever receives it (spec.md §3).
type MixPacket struct {
	FirstHopAddress []byte
	SphinxBytes     sphinxwire.Packet
	PacketKind      PacketKind
	KeyRotationID   uint64
}

// PreparedFragment bundles a built MixPacket with the information the
// retransmission timer needs (spec.md §3).
type PreparedFragment struct {
	MixPacket              MixPacket
	ExpectedRoundTripDelay sphinxwire.Delay
	FragmentIdentifier     fragment.FragmentIdentifier
}

// RouteMode selects how prepare_chunk picks a forward route, spec.md
// §4.B step 4.
type RouteMode int

const (
	// RouteModeMixHopsDisabled uses topology.EmptyRouteToEgress: a
	// two-hop (entry_gateway, exit_gateway) route with no mixnode.
	RouteModeMixHopsDisabled RouteMode = iota
	// RouteModeDeterministic seeds a math/rand generator (not a
	// cryptographically secure one) from a SHA-256 digest of
	// fragment_header.seed and session_nonce (see deterministicSeed) and
	// draws the route from it, so retransmissions
	// of the same fragment can replay the same route while an observer
	// colluding with one hop cannot correlate across fragments (the seed
	// is never transmitted).
	RouteModeDeterministic
	// RouteModePseudorandom draws from the preparer's own RNG.
	RouteModePseudorandom
)

// TopologyErr wraps a failure to obtain a route, surfaced unchanged per
// spec.md §4.B "Failure semantics".
type TopologyErr struct {
	Err error
}

func (e *TopologyErr) Error() string { return fmt.Sprintf("preparer: topology error: %v", e.Err) }
func (e *TopologyErr) Unwrap() error { return e.Err }

// PayloadBuilderErr is a distinct error class for sphinxwire.Build
// failures, kept separate from TopologyErr per spec.md §4.B.
type PayloadBuilderErr struct {
	Err error
}

func (e *PayloadBuilderErr) Error() string {
	return fmt.Sprintf("preparer: payload builder error: %v", e.Err)
}
func (e *PayloadBuilderErr) Unwrap() error { return e.Err }

// PoissonDelay describes the per-hop delay distribution: an exponential
// with the configured mean, matching a Poisson-process mix node's
// dwell-time model (spec.md §4.B step 5, GLOSSARY "Mix hop").
type PoissonDelay struct {
	MeanNanos float64
}

// Sample draws one delay from the distribution using rng.
func (p PoissonDelay) Sample(rng *rand.Rand) sphinxwire.Delay {
	if p.MeanNanos <= 0 {
		return 0
	}
	// Inverse-CDF sampling of an exponential distribution.
	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}
	return sphinxwire.Delay(-p.MeanNanos * math.Log(u))
}

// AckOverhead is the fixed SURB-ACK envelope length, L_ack in spec.md §6.
const AckOverhead = fragment.AckOverhead

// Config bundles the parameters a PacketPreparer needs beyond its
// per-call arguments.
type Config struct {
	RouteMode    RouteMode
	HopDelay     PoissonDelay
	SessionNonce []byte // mixed into the deterministic route seed
}

// PacketPreparer implements spec.md §4.B's pad_and_split/prepare_chunk/
// prepare_reply_chunk operations.
type PacketPreparer struct {
	cfg   Config
	codec sphinxwire.Codec
	rng   *rand.Rand
}

// New constructs a PacketPreparer. rng drives pseudorandom route
// selection and Poisson sampling; callers wanting spec.md §8's
// deterministic end-to-end scenarios pass a seeded *rand.Rand.
func New(cfg Config, codec sphinxwire.Codec, rng *rand.Rand) *PacketPreparer {
	return &PacketPreparer{cfg: cfg, codec: codec, rng: rng}
}

// PadAndSplit pads message to a multiple of the packet's available
// plaintext budget then splits it into Fragments (spec.md §4.B
// pad_and_split).
func (p *PacketPreparer) PadAndSplit(message []byte, packetSize fragment.PacketSize) []fragment.Fragment {
	budget := packetSize.AvailablePlaintext()
	if budget <= 0 {
		panic("preparer: packet size leaves no room for fragment payload")
	}
	padded := fragment.NymMessage{Bytes: message}.PadToMultiple(budget)
	return fragment.SplitIntoFragments(p.rng, padded, budget)
}

// PrepareChunk implements spec.md §4.B's prepare_chunk: build a SURB-ACK,
// choose a route, sample delays, and build the forward Sphinx packet.
func (p *PacketPreparer) PrepareChunk(
	f fragment.Fragment,
	topo topology.Provider,
	ackKey []byte,
	sender, recipient []byte,
	kind PacketKind,
) (PreparedFragment, error) {
	encoded, err := f.Encode()
	if err != nil {
		return PreparedFragment{}, &PayloadBuilderErr{Err: err}
	}

	ackPacket, ackDelay, err := p.buildSurbAck(topo, ackKey, sender, f.FragmentIdentifier())
	if err != nil {
		return PreparedFragment{}, err
	}

	ephPriv, ephPub, err := p.ephemeralKeypair()
	if err != nil {
		return PreparedFragment{}, &PayloadBuilderErr{Err: err}
	}
	_ = ephPriv // kept only for parity with a real Sphinx builder's key schedule

	inner := make([]byte, 0, len(ackPacket)+len(ephPub)+len(encoded))
	inner = append(inner, ackPacket...)
	inner = append(inner, ephPub...)
	inner = append(inner, encoded...)

	route, destination, err := p.chooseRoute(topo, f.Header.RouteSeed)
	if err != nil {
		return PreparedFragment{}, err
	}

	delays := p.sampleHopDelays(len(route))
	packet, err := p.codec.Build(false, len(inner), inner, route, destination, delays)
	if err != nil {
		return PreparedFragment{}, &PayloadBuilderErr{Err: err}
	}

	// The last hop is the egress gateway, which does not delay (spec
	// §4.B step 5); buildSurbAck already excludes it on the ack route,
	// so the forward sum must match.
	total := ackDelay
	for i := 0; i < len(delays)-1; i++ {
		total += delays[i]
	}

	return PreparedFragment{
		MixPacket: MixPacket{
			FirstHopAddress: route[0].Address,
			SphinxBytes:     packet,
			PacketKind:      kind,
			KeyRotationID:   topo.CurrentKeyRotation(),
		},
		ExpectedRoundTripDelay: total,
		FragmentIdentifier:     f.FragmentIdentifier(),
	}, nil
}

// ReplySurb is the minimal view PrepareReplyChunk needs of a SURB: its
// prebuilt reverse route and its destination, and a digest of the reply
// encryption key carried in place of an ephemeral public key (spec.md
// §4.B "Reply variant").
type ReplySurb struct {
	Route       []sphinxwire.Hop
	Destination []byte
	KeyDigest   [32]byte
}

// PrepareReplyChunk implements spec.md §4.B's prepare_reply_chunk: same
// as PrepareChunk except the reverse route comes from the SURB and the
// forward delay is estimated as 3 × avg_hop_delay rather than summed
// from freshly sampled per-hop delays.
func (p *PacketPreparer) PrepareReplyChunk(
	f fragment.Fragment,
	topo topology.Provider,
	ackKey []byte,
	surb ReplySurb,
	sender []byte,
	kind PacketKind,
) (PreparedFragment, error) {
	encoded, err := f.Encode()
	if err != nil {
		return PreparedFragment{}, &PayloadBuilderErr{Err: err}
	}

	ackPacket, ackDelay, err := p.buildSurbAck(topo, ackKey, sender, f.FragmentIdentifier())
	if err != nil {
		return PreparedFragment{}, err
	}

	inner := make([]byte, 0, len(ackPacket)+len(surb.KeyDigest)+len(encoded))
	inner = append(inner, ackPacket...)
	inner = append(inner, surb.KeyDigest[:]...)
	inner = append(inner, encoded...)

	if len(surb.Route) == 0 {
		return PreparedFragment{}, &TopologyErr{Err: errors.New("empty surb route")}
	}
	packet, err := p.codec.Build(false, len(inner), inner, surb.Route, surb.Destination, p.sampleHopDelays(len(surb.Route)))
	if err != nil {
		return PreparedFragment{}, &PayloadBuilderErr{Err: err}
	}

	estimated := sphinxwire.Delay(3 * float64(p.cfg.HopDelay.MeanNanos))
	total := ackDelay + estimated

	return PreparedFragment{
		MixPacket: MixPacket{
			FirstHopAddress: surb.Route[0].Address,
			SphinxBytes:     packet,
			PacketKind:      kind,
			KeyRotationID:   topo.CurrentKeyRotation(),
		},
		ExpectedRoundTripDelay: total,
		FragmentIdentifier:     f.FragmentIdentifier(),
	}, nil
}

// buildSurbAck constructs the SURB-ACK packet addressed to sender whose
// payload is the fragment identifier, on a freshly chosen route with its
// own Poisson delays (spec.md §4.B step 2). It returns the built packet
// bytes and the total delay the ack is expected to incur.
func (p *PacketPreparer) buildSurbAck(
	topo topology.Provider,
	ackKey []byte,
	sender []byte,
	id fragment.FragmentIdentifier,
) (sphinxwire.Packet, sphinxwire.Delay, error) {
	route, _, err := topo.RandomRouteToEgress(func(n int) int { return p.rng.Intn(n) })
	if err != nil {
		return nil, 0, &TopologyErr{Err: err}
	}
	delays := p.sampleHopDelays(len(route))
	idBytes := id.ToBytes()
	packet, err := p.codec.Build(false, len(idBytes), idBytes[:], route, sender, delays)
	if err != nil {
		return nil, 0, &PayloadBuilderErr{Err: err}
	}
	var total sphinxwire.Delay
	// The final hop (the gateway handing the ack to the sender) does not
	// delay; spec.md §4.B step 5.
	for i := 0; i < len(delays)-1; i++ {
		total += delays[i]
	}
	_ = ackKey // reserved for a real Sphinx builder's ack-key derivation
	return packet, total, nil
}

func (p *PacketPreparer) chooseRoute(topo topology.Provider, routeSeed uint64) ([]sphinxwire.Hop, []byte, error) {
	switch p.cfg.RouteMode {
	case RouteModeMixHopsDisabled:
		route, dest, err := topo.EmptyRouteToEgress()
		if err != nil {
			return nil, nil, &TopologyErr{Err: err}
		}
		return route, dest, nil
	case RouteModeDeterministic:
		seed := deterministicSeed(routeSeed, p.cfg.SessionNonce)
		det := rand.New(rand.NewSource(seed))
		route, dest, err := topo.RandomRouteToEgress(func(n int) int { return det.Intn(n) })
		if err != nil {
			return nil, nil, &TopologyErr{Err: err}
		}
		return route, dest, nil
	default: // RouteModePseudorandom
		route, dest, err := topo.RandomRouteToEgress(func(n int) int { return p.rng.Intn(n) })
		if err != nil {
			return nil, nil, &TopologyErr{Err: err}
		}
		return route, dest, nil
	}
}

// deterministicSeed hashes the fragment's route seed (8 bytes,
// little-endian) followed by the session nonce with SHA-256 and returns
// the first 8 digest bytes as a non-negative int64, used to seed the
// math/rand generator of RouteModeDeterministic. The two inputs are
// concatenated, not XORed.
func deterministicSeed(routeSeed uint64, sessionNonce []byte) int64 {
	var seedBytes [8]byte
	for i := 0; i < 8; i++ {
		seedBytes[i] = byte(routeSeed >> (8 * i))
	}
	h := sha256.New()
	h.Write(seedBytes[:])
	h.Write(sessionNonce)
	sum := h.Sum(nil)
	var out int64
	for i := 0; i < 8; i++ {
		out |= int64(sum[i]) << (8 * i)
	}
	if out < 0 {
		out = -out
	}
	return out
}

func (p *PacketPreparer) sampleHopDelays(hops int) []sphinxwire.Delay {
	delays := make([]sphinxwire.Delay, hops)
	for i := range delays {
		delays[i] = p.cfg.HopDelay.Sample(p.rng)
	}
	return delays
}

// ephemeralKeypair generates the X25519 keypair whose public half is
// carried inside the inner payload (spec.md §4.B step 3's
// "ephemeral_public"). PrepareChunk does not use the private half: the
// encoded fragment follows the public key unencrypted inside the inner
// payload, protected only by sphinxwire's onion layers, whose ephemeral
// keys are independent of this one.
func (p *PacketPreparer) ephemeralKeypair() ([]byte, []byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := p.rng.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}
