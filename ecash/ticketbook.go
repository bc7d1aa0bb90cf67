// ticketbook.go - Compact ecash ticketbook verification.
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

package ecash

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/ecc/bls12381"
)

// ErrCryptoInvalid is returned by Ticketbook.Verify whenever any
// pairing check fails, deliberately collapsing every possible cause
// into one opaque verdict: a verifier must never leak which specific
// signature was wrong, since that would help an attacker narrow down
// a forgery attempt.
var ErrCryptoInvalid = errors.New("ecash: ticketbook crypto verification failed")

// Ticketbook is a client's locally-held bundle of threshold-issued
// bandwidth ticket material: a per-day expiration signature and one
// blind signature share per coin index, both verifiable against the
// aggregated master verification key published for the epoch.
type Ticketbook struct {
	MasterVK       *bls12381.G2
	ExpirationSigs []*bls12381.G1
	CoinIndexSigs  []*bls12381.G1
}

// VerifiedTicket is the result of successfully spending one coin index
// from a Ticketbook: the index consumed and the caller-supplied serial
// number, ready for double-spend-guard bookkeeping.
type VerifiedTicket struct {
	CoinIndex    int
	SerialNumber [32]byte
}

// hashToG1Scalar deterministically maps an arbitrary message onto the
// G1 scalar field. This is a simplified stand-in for a true
// hash-to-curve map: it lets Ticketbook.Verify perform a real pairing
// equality check bound to message content without requiring a
// hash-to-curve implementation that circl's packaged API does not
// expose uniformly across curve choices.
func hashToG1Scalar(domain string, msg []byte) *bls12381.Scalar {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(msg)
	digest := h.Sum(nil)

	var s bls12381.Scalar
	s.SetBytes(digest)
	return &s
}

func g1Generator() *bls12381.G1 {
	g := new(bls12381.G1)
	g.SetGenerator()
	return g
}

func g2Generator() *bls12381.G2 {
	g := new(bls12381.G2)
	g.SetGenerator()
	return g
}

// hashToG1Point maps msg onto a G1 point by scalar-multiplying the G1
// generator by hashToG1Scalar(domain, msg). See hashToG1Scalar for why
// this is a simplified stand-in rather than a true hash-to-curve map.
func hashToG1Point(domain string, msg []byte) *bls12381.G1 {
	p := new(bls12381.G1)
	p.ScalarMult(hashToG1Scalar(domain, msg), g1Generator())
	return p
}

// verifyBLSSignature checks a BLS signature sig over msg under vk via
// the standard pairing equality e(sig, g2) == e(H(msg), vk).
func verifyBLSSignature(sig *bls12381.G1, msg []byte, domain string, vk *bls12381.G2) bool {
	h := hashToG1Point(domain, msg)
	lhs := bls12381.Pair(sig, g2Generator())
	rhs := bls12381.Pair(h, vk)
	return lhs.IsEqual(rhs)
}

// masterKeyGen produces a master signing key and its corresponding
// verification key, standing in for the result of aggregating a
// threshold of DKG-issued partial keys into the single master keypair
// a ticketbook is ultimately verified against.
func masterKeyGen(rng io.Reader) (*bls12381.Scalar, *bls12381.G2, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rng, seed); err != nil {
		return nil, nil, fmt.Errorf("ecash: reading master key randomness: %w", err)
	}
	var msk bls12381.Scalar
	msk.SetBytes(seed)

	mvk := new(bls12381.G2)
	mvk.ScalarMult(&msk, g2Generator())
	return &msk, mvk, nil
}

// signBLS signs msg under msk via sig = H(msg)^msk, verifiable by
// Ticketbook.Verify's pairing equality.
func signBLS(msk *bls12381.Scalar, msg []byte, domain string) *bls12381.G1 {
	sig := new(bls12381.G1)
	sig.ScalarMult(msk, hashToG1Point(domain, msg))
	return sig
}

// Verify checks every expiration-date signature and every coin-index
// signature in the ticketbook against masterVK. Per the kernel's
// constant-time contract, it performs every pairing check before
// returning rather than short-circuiting on the first failure, so the
// verifier's running time does not depend on which signature (if any)
// is invalid.
func (tb Ticketbook) Verify() error {
	allValid := true

	for i, sig := range tb.ExpirationSigs {
		msg := []byte(fmt.Sprintf("expiration-date:%d", i))
		ok := verifyBLSSignature(sig, msg, "nym-ticketbook-expiration", tb.MasterVK)
		allValid = allValid && ok
	}

	for i, sig := range tb.CoinIndexSigs {
		msg := []byte(fmt.Sprintf("coin-index:%d", i))
		ok := verifyBLSSignature(sig, msg, "nym-ticketbook-coin-index", tb.MasterVK)
		allValid = allValid && ok
	}

	if !allValid {
		return ErrCryptoInvalid
	}
	return nil
}

// VerifySpend checks the signature for a single coin index against the
// ticketbook's master verification key, returning the VerifiedTicket a
// double-spend guard can then check against its ledger of previously
// seen serial numbers. No spending proof is checked, and serialNumber
// is not bound to any signature: it is copied into the result as given.
func (tb Ticketbook) VerifySpend(coinIndex int, serialNumber [32]byte) (VerifiedTicket, error) {
	if coinIndex < 0 || coinIndex >= len(tb.CoinIndexSigs) {
		return VerifiedTicket{}, fmt.Errorf("ecash: coin index %d out of range", coinIndex)
	}

	msg := []byte(fmt.Sprintf("coin-index:%d", coinIndex))
	if !verifyBLSSignature(tb.CoinIndexSigs[coinIndex], msg, "nym-ticketbook-coin-index", tb.MasterVK) {
		return VerifiedTicket{}, ErrCryptoInvalid
	}

	return VerifiedTicket{CoinIndex: coinIndex, SerialNumber: serialNumber}, nil
}
