// fragment.go - Message fragmentation and reassembly.
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

// Package fragment implements message chunking: splitting an application
// payload into fixed-size Fragments that reassemble losslessly, and the
// padding discipline (NymMessage) that keeps every produced Sphinx
// payload at one of the permitted sizes. Grounded on the chunking shape
// described by spec.md §3/§8 and the original Rust
// nymsphinx::chunking::fragment module referenced from
// common/nymsphinx/src/preparer/mod.rs.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// IdentifierLength is the fixed size of a FragmentIdentifier, chosen to
// fit comfortably inside a Sphinx payload's overhead budget.
const IdentifierLength = 5

// FragmentIdentifier uniquely identifies a fragment within the sending
// client: SetID ties fragments of one message together, Index gives
// its place in the set.
type FragmentIdentifier struct {
	SetID uint32
	Index uint8
}

// ToBytes renders the identifier in the fixed-length wire form used as
// the SURB-ACK payload (spec.md §4.B step 2).
func (f FragmentIdentifier) ToBytes() [IdentifierLength]byte {
	var out [IdentifierLength]byte
	binary.BigEndian.PutUint32(out[:4], f.SetID)
	out[4] = f.Index
	return out
}

// FragmentIdentifierFromBytes parses the wire form back into an identifier.
func FragmentIdentifierFromBytes(b [IdentifierLength]byte) FragmentIdentifier {
	return FragmentIdentifier{
		SetID: binary.BigEndian.Uint32(b[:4]),
		Index: b[4],
	}
}

// Header carries the metadata spec.md §3 requires alongside each
// fragment's bytes: which set it belongs to, its position in that set,
// and the seed used for deterministic route selection (spec.md §4.B
// step 4).
type Header struct {
	SetID      uint32
	Index      uint8
	TotalInSet uint8
	RouteSeed  uint64
}

// Fragment is an opaque payload atom. Invariant: Index < TotalInSet.
type Fragment struct {
	Header Header
	Bytes  []byte
}

// FragmentIdentifier returns the identifier used to address this
// fragment's SURB-ACK and to track retransmission.
func (f Fragment) FragmentIdentifier() FragmentIdentifier {
	return FragmentIdentifier{SetID: f.Header.SetID, Index: f.Header.Index}
}

// wireFragment is the cbor-serializable shape of Fragment, kept distinct
// from Fragment itself so validation always runs on decode (spec.md §8:
// decode(b).encode() = b must also reject malformed input before it ever
// becomes a Fragment).
type wireFragment struct {
	SetID      uint32
	Index      uint8
	TotalInSet uint8
	RouteSeed  uint64
	Bytes      []byte
}

// SerializedSize returns the number of bytes this fragment occupies once
// encoded, used by the preparer to size the inner Sphinx payload.
func (f Fragment) SerializedSize() int {
	b, err := f.Encode()
	if err != nil {
		// Encode only fails on programmer error (e.g. a TotalInSet of 0
		// with a non-zero index); the chunker never produces such a
		// fragment, so this is unreachable in practice.
		panic(fmt.Sprintf("fragment: failed to size a well-formed fragment: %v", err))
	}
	return len(b)
}

// Encode renders the fragment as stable, round-trippable bytes (spec.md
// §8: decode(b).encode() = b).
func (f Fragment) Encode() ([]byte, error) {
	if f.Header.Index >= f.Header.TotalInSet {
		return nil, errors.New("fragment: index must be less than total_in_set")
	}
	return cbor.Marshal(wireFragment{
		SetID:      f.Header.SetID,
		Index:      f.Header.Index,
		TotalInSet: f.Header.TotalInSet,
		RouteSeed:  f.Header.RouteSeed,
		Bytes:      f.Bytes,
	})
}

// Decode parses bytes produced by Encode, rejecting malformed input.
func Decode(b []byte) (Fragment, error) {
	var w wireFragment
	if err := cbor.Unmarshal(b, &w); err != nil {
		return Fragment{}, fmt.Errorf("fragment: decode: %w", err)
	}
	if w.Index >= w.TotalInSet {
		return Fragment{}, errors.New("fragment: decoded index >= total_in_set")
	}
	return Fragment{
		Header: Header{
			SetID:      w.SetID,
			Index:      w.Index,
			TotalInSet: w.TotalInSet,
			RouteSeed:  w.RouteSeed,
		},
		Bytes: w.Bytes,
	}, nil
}
