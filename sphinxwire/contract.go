// contract.go - Sphinx packet codec contract.
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

// Package sphinxwire defines the opaque boundary between this module and
// the Sphinx packet format. The rest of the module never peels a header
// or derives a routing key itself; it only calls Build and the result of
// Process, exactly as spec.md §6 describes:
//
//	build(use_legacy_format, payload_size, payload_bytes, route, destination, delays) -> packet
//	process(packet, private_key) -> ForwardHop | FinalHop
//
// A production embedder supplies a Builder/Processor backed by the real
// onion-routing primitive. ReferenceCodec below is a minimal, self
// contained stand-in so the rest of this module (preparer, reply,
// gateway) can be exercised end to end without one.
package sphinxwire

import (
	"errors"
	"time"
)

// Hop is one node along a route: an address plus the per-hop key used to
// peel (Process) or encrypt (Build) the layer destined for it.
type Hop struct {
	Address []byte
	Key     []byte
}

// Delay is the Poisson-sampled dwell time a mix node applies before
// forwarding a packet onward.
type Delay = time.Duration

// ForwardHop is returned by Process when the packet has at least one more
// hop to traverse.
type ForwardHop struct {
	NextHopAddress []byte
	Delay          Delay
}

// FinalHop is returned by Process when this node is the packet's
// destination: the payload has been fully unwrapped.
type FinalHop struct {
	Destination []byte
	Payload     []byte
}

// ProcessResult is exactly one of ForwardHop or FinalHop, never both.
type ProcessResult struct {
	Forward *ForwardHop
	Final   *FinalHop
}

// Errors returned by Process, matching spec.md §4.A's contract.
var (
	ErrMalformed      = errors.New("sphinxwire: malformed packet")
	ErrMACMismatch    = errors.New("sphinxwire: mac mismatch")
	ErrReplayedHeader = errors.New("sphinxwire: replayed header")
)

// Packet is an opaque, already-built Sphinx packet. Only its length and
// byte identity matter to callers outside this package.
type Packet []byte

// Builder constructs Sphinx packets. UseLegacyFormat selects between the
// legacy explicit-per-hop-key format and the newer seed-based format; the
// core only ever threads this flag through, per spec.md §6.
type Builder interface {
	Build(useLegacyFormat bool, payloadSize int, payload []byte, route []Hop, destination []byte, delays []Delay) (Packet, error)
}

// Processor peels one layer off a Sphinx packet using a node's private key.
type Processor interface {
	Process(packet Packet, privateKey []byte) (ProcessResult, error)
}

// Codec bundles Builder and Processor, the full surface the rest of this
// module depends on.
type Codec interface {
	Builder
	Processor
}
