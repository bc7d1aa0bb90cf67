// message.go - Wire framing for fragmented messages.
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

package fragment

import (
	"math/rand"
)

// PacketSize enumerates the permitted Sphinx payload sizes a produced
// packet's plaintext must fit exactly, per spec.md §3 (NymMessage
// invariant). Sizes are expressed as usable plaintext bytes; the actual
// on-wire packet size is the concern of sphinxwire.Builder.
type PacketSize int

// Overhead budget every fragment-carrying packet pays beyond the raw
// fragment bytes: the SURB-ACK envelope plus either an ephemeral public
// key (regular chunk) or a key digest (reply chunk). Both are 32 bytes
// for the X25519/SHA-256 primitives this module standardizes on.
const (
	AckOverhead        = 32 // L_ack, see sphinxwire and spec.md §6
	EphemeralKeyBytes  = 32
	ReplyKeyDigestSize = 32
)

// AvailablePlaintext returns how many fragment-payload bytes fit in one
// packet of size s once the SURB-ACK and key material overhead (for a
// regular, non-reply chunk) are subtracted.
func (s PacketSize) AvailablePlaintext() int {
	budget := int(s) - AckOverhead - EphemeralKeyBytes
	if budget < 0 {
		return 0
	}
	return budget
}

// NymMessage is an ordered byte payload to be padded and split into
// Fragments of one set.
type NymMessage struct {
	Bytes []byte
}

// PadToMultiple pads the message with zero bytes (a length-prefixed
// padding discipline: the first 4 bytes of the unpadded message record
// its true length, so the receiver can trim the padding after
// reassembly) up to the next multiple of plaintextPerPacket.
func (m NymMessage) PadToMultiple(plaintextPerPacket int) []byte {
	if plaintextPerPacket <= 0 {
		panic("fragment: plaintextPerPacket must be positive")
	}
	lengthPrefixed := make([]byte, 4+len(m.Bytes))
	lengthPrefixed[0] = byte(len(m.Bytes) >> 24)
	lengthPrefixed[1] = byte(len(m.Bytes) >> 16)
	lengthPrefixed[2] = byte(len(m.Bytes) >> 8)
	lengthPrefixed[3] = byte(len(m.Bytes))
	copy(lengthPrefixed[4:], m.Bytes)

	remainder := len(lengthPrefixed) % plaintextPerPacket
	if remainder == 0 {
		return lengthPrefixed
	}
	padding := plaintextPerPacket - remainder
	return append(lengthPrefixed, make([]byte, padding)...)
}

// UnpadMessage strips the padding applied by PadToMultiple, given the
// full reassembled byte stream.
func UnpadMessage(padded []byte) []byte {
	if len(padded) < 4 {
		return nil
	}
	n := int(padded[0])<<24 | int(padded[1])<<16 | int(padded[2])<<8 | int(padded[3])
	if n < 0 || 4+n > len(padded) {
		return nil
	}
	return padded[4 : 4+n]
}

// SplitIntoFragments divides a padded byte stream into Fragments of
// plaintextPerPacket bytes each, assigning a shared random SetID and a
// per-fragment deterministic-route seed (spec.md §3: "seed_for_deterministic_route").
//
// Invariant maintained: for every produced fragment, Index < TotalInSet,
// and reassemble(split(pad(M, s))) = M (spec.md §8).
func SplitIntoFragments(rng *rand.Rand, padded []byte, plaintextPerPacket int) []Fragment {
	if plaintextPerPacket <= 0 {
		panic("fragment: plaintextPerPacket must be positive")
	}
	if len(padded)%plaintextPerPacket != 0 {
		panic("fragment: padded message is not a multiple of plaintextPerPacket")
	}
	total := len(padded) / plaintextPerPacket
	if total == 0 || total > 255 {
		panic("fragment: message splits into an invalid number of fragments")
	}
	setID := rng.Uint32()

	fragments := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * plaintextPerPacket
		end := start + plaintextPerPacket
		fragments = append(fragments, Fragment{
			Header: Header{
				SetID:      setID,
				Index:      uint8(i),
				TotalInSet: uint8(total),
				RouteSeed:  rng.Uint64(),
			},
			Bytes: append([]byte(nil), padded[start:end]...),
		})
	}
	return fragments
}

// Reassemble reconstitutes the original message from a complete,
// correctly ordered set of fragments sharing one SetID. The caller is
// responsible for having collected exactly TotalInSet fragments for that
// set; Reassemble panics otherwise, since an incomplete set is a caller
// bug (the reply/session layer never hands over a partial set).
func Reassemble(fragments []Fragment) []byte {
	if len(fragments) == 0 {
		panic("fragment: cannot reassemble an empty fragment set")
	}
	total := int(fragments[0].Header.TotalInSet)
	ordered := make([][]byte, total)
	seen := 0
	for _, f := range fragments {
		if int(f.Header.TotalInSet) != total || f.Header.SetID != fragments[0].Header.SetID {
			panic("fragment: reassemble called with fragments from more than one set")
		}
		if ordered[f.Header.Index] == nil {
			seen++
		}
		ordered[f.Header.Index] = f.Bytes
	}
	if seen != total {
		panic("fragment: reassemble called with an incomplete fragment set")
	}
	var out []byte
	for _, b := range ordered {
		out = append(out, b...)
	}
	return UnpadMessage(out)
}
