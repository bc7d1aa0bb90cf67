// reference.go - Reference Sphinx packet codec.
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

package sphinxwire

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ReferenceCodec is a minimal, layered-AEAD stand-in for the real Sphinx
// primitive. It exists only to let preparer/reply/gateway be exercised
// end to end in this module's tests; it is not a security-reviewed onion
// routing construction. Each hop's Key is the X25519 public key of that
// node, mirroring the teacher's curve25519.ScalarMult-based key agreement
// (root ratchet.go, adapted: no ratcheting, a single ephemeral per packet).
type ReferenceCodec struct {
	rand io.Reader
}

// NewReferenceCodec returns a Codec suitable for tests and for embedders
// that have not yet wired a production Sphinx implementation.
func NewReferenceCodec() *ReferenceCodec {
	return &ReferenceCodec{rand: rand.Reader}
}

// onion layout (innermost built first): for each hop, reversed:
//
//	ephemeral_pub(32) || nonce(12) || seal(layerHeader || inner)
//
// layerHeader is length-prefixed: 1 byte isFinal, 8 bytes delay
// nanoseconds, 2 bytes nextHop length, nextHop bytes.
func (c *ReferenceCodec) Build(useLegacyFormat bool, payloadSize int, payload []byte, route []Hop, destination []byte, delays []Delay) (Packet, error) {
	_ = useLegacyFormat // both formats share this reference construction
	if len(route) == 0 {
		return nil, errors.New("sphinxwire: empty route")
	}
	if len(delays) != len(route) {
		return nil, errors.New("sphinxwire: delay count must match route length")
	}
	if payloadSize > 0 && len(payload) > payloadSize {
		return nil, errors.New("sphinxwire: payload exceeds payload size")
	}
	padded := make([]byte, max(payloadSize, len(payload)))
	copy(padded, payload)

	inner := padded
	for i := len(route) - 1; i >= 0; i-- {
		isFinal := i == len(route)-1
		next := destination
		if !isFinal {
			next = route[i+1].Address
		}
		hdr := encodeLayerHeader(isFinal, delays[i], next)
		plaintext := append(hdr, inner...)

		ephPriv := make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(c.rand, ephPriv); err != nil {
			return nil, err
		}
		ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		shared, err := curve25519.X25519(ephPriv, route[i].Key)
		if err != nil {
			return nil, err
		}
		key, err := deriveAEADKey(shared)
		if err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := io.ReadFull(c.rand, nonce); err != nil {
			return nil, err
		}
		sealed := aead.Seal(nil, nonce, plaintext, nil)

		layer := make([]byte, 0, len(ephPub)+len(nonce)+len(sealed))
		layer = append(layer, ephPub...)
		layer = append(layer, nonce...)
		layer = append(layer, sealed...)
		inner = layer
	}
	return Packet(inner), nil
}

func (c *ReferenceCodec) Process(packet Packet, privateKey []byte) (ProcessResult, error) {
	if len(packet) < curve25519.ScalarSize+chacha20poly1305.NonceSize {
		return ProcessResult{}, ErrMalformed
	}
	ephPub := packet[:curve25519.ScalarSize]
	nonce := packet[curve25519.ScalarSize : curve25519.ScalarSize+chacha20poly1305.NonceSize]
	sealed := packet[curve25519.ScalarSize+chacha20poly1305.NonceSize:]

	shared, err := curve25519.X25519(privateKey, ephPub)
	if err != nil {
		return ProcessResult{}, ErrMalformed
	}
	key, err := deriveAEADKey(shared)
	if err != nil {
		return ProcessResult{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return ProcessResult{}, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ProcessResult{}, ErrMACMismatch
	}

	isFinal, delay, next, rest, err := decodeLayerHeader(plaintext)
	if err != nil {
		return ProcessResult{}, err
	}
	if isFinal {
		return ProcessResult{Final: &FinalHop{Destination: next, Payload: rest}}, nil
	}
	return ProcessResult{Forward: &ForwardHop{NextHopAddress: next, Delay: delay}}, nil
}

func deriveAEADKey(shared []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, shared, nil, []byte("sphinxwire-reference-layer"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

func encodeLayerHeader(isFinal bool, delay Delay, next []byte) []byte {
	buf := make([]byte, 1+8+2+len(next))
	if isFinal {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], uint64(delay))
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(next)))
	copy(buf[11:], next)
	return buf
}

func decodeLayerHeader(b []byte) (isFinal bool, delay Delay, next []byte, rest []byte, err error) {
	if len(b) < 11 {
		return false, 0, nil, nil, ErrMalformed
	}
	isFinal = b[0] == 1
	delay = Delay(binary.BigEndian.Uint64(b[1:9]))
	n := int(binary.BigEndian.Uint16(b[9:11]))
	if len(b) < 11+n {
		return false, 0, nil, nil, ErrMalformed
	}
	next = b[11 : 11+n]
	rest = b[11+n:]
	return isFinal, delay, next, rest, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
