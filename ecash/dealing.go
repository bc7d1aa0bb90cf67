// dealing.go - DKG dealing verification for the ticketbook authorities.
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

// Package ecash implements the non-Sphinx half of the cryptographic
// kernel: distributed key generation dealings over a discrete-log
// commitment scheme, and ticketbook verification over a bilinear
// pairing group. The two halves deliberately use different curve
// groups (edwards25519 for dealings, bls12381 for ticketbooks), mirroring
// the domain split in the original nym_dkg / nym_offline_compact_ecash
// crates even though this module folds both into one package.
package ecash

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"sort"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
)

// NodeIndex identifies a DKG participant; Threshold is the minimum
// number of shares required to reconstruct a secret.
type NodeIndex uint32

// Threshold is the minimum number of shares required to reconstruct a
// dealt secret.
type Threshold uint32

var (
	ErrInvalidThreshold             = errors.New("ecash: threshold is zero or exceeds participant count")
	ErrWrongCiphertextSize          = errors.New("ecash: ciphertext chunk count disagrees with receiver count")
	ErrWrongPublicCoefficientsSize  = errors.New("ecash: public coefficient count disagrees with threshold")
	ErrFailedCiphertextIntegrity    = errors.New("ecash: ciphertext failed integrity check")
	ErrInvalidProofOfChunking       = errors.New("ecash: proof of chunking does not verify")
	ErrInvalidProofOfSharing        = errors.New("ecash: proof of sharing does not verify")
	ErrInvalidResharing             = errors.New("ecash: resharing's dealt zeroth coefficient disagrees with prior epoch")
	ErrNoDealingsAvailable          = errors.New("ecash: no dealings available to recover verification keys from")
	ErrMismatchedDealings           = errors.New("ecash: dealings disagree on public coefficient count")
	ErrNotEnoughReceiversProvided   = errors.New("ecash: share count disagrees with receiver count")
	ErrMismatchedVerificationKey    = errors.New("ecash: recovered verification key share does not match")
	ErrInterpolationDuplicateSample = errors.New("ecash: interpolation samples contain a duplicate index")
	ErrInterpolationNoSamples       = errors.New("ecash: interpolation requires at least one sample")
)

// PublicKey is a receiver's DKG encryption key: a point on the same
// group used for the Feldman commitments below, so a dealer can both
// commit to polynomial coefficients and Diffie-Hellman encrypt shares
// to receivers with a single curve.
type PublicKey struct{ Point *edwards25519.Point }

// PrivateKey is the corresponding decryption key.
type PrivateKey struct{ Scalar *edwards25519.Scalar }

// GenerateKeypair produces a fresh DKG participant keypair.
func GenerateKeypair(rng io.Reader) (PrivateKey, PublicKey, error) {
	s, err := randomScalar(rng)
	if err != nil {
		return PrivateKey{}, PublicKey{}, err
	}
	pub := new(edwards25519.Point).ScalarBaseMult(s)
	return PrivateKey{Scalar: s}, PublicKey{Point: pub}, nil
}

func randomScalar(rng io.Reader) (*edwards25519.Scalar, error) {
	var wide [64]byte
	if _, err := io.ReadFull(rng, wide[:]); err != nil {
		return nil, fmt.Errorf("ecash: reading randomness: %w", err)
	}
	s, err := new(edwards25519.Scalar).SetUniformBytes(wide[:])
	if err != nil {
		return nil, fmt.Errorf("ecash: reducing random scalar: %w", err)
	}
	return s, nil
}

// scalarFromNodeIndex deterministically maps a participant index onto
// the scalar field, the same representative used on both the dealer
// and verifier side so interpolation samples agree on x-coordinates.
func scalarFromNodeIndex(idx NodeIndex) *edwards25519.Scalar {
	var wide [64]byte
	wide[0] = byte(idx >> 24)
	wide[1] = byte(idx >> 16)
	wide[2] = byte(idx >> 8)
	wide[3] = byte(idx)
	s, err := new(edwards25519.Scalar).SetUniformBytes(wide[:])
	if err != nil {
		// SetUniformBytes only fails when given the wrong length; 64
		// bytes is always correct, so this is a programmer error.
		panic(fmt.Sprintf("ecash: scalarFromNodeIndex: %v", err))
	}
	return s
}

func hashToScalar(parts ...[]byte) *edwards25519.Scalar {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	sum := h.Sum(nil)
	s, err := new(edwards25519.Scalar).SetUniformBytes(sum)
	if err != nil {
		panic(fmt.Sprintf("ecash: hashToScalar: %v", err))
	}
	return s
}

// Polynomial is a Shamir secret-sharing polynomial over the
// edwards25519 scalar field, coefficients in increasing degree order.
type Polynomial struct {
	coefficients []*edwards25519.Scalar
}

// NewRandomPolynomial draws a random polynomial of the given degree.
func NewRandomPolynomial(rng io.Reader, degree int) (*Polynomial, error) {
	coeffs := make([]*edwards25519.Scalar, degree+1)
	for i := range coeffs {
		s, err := randomScalar(rng)
		if err != nil {
			return nil, err
		}
		coeffs[i] = s
	}
	return &Polynomial{coefficients: coeffs}, nil
}

// SetConstantCoefficient overrides the zeroth coefficient, used when
// resharing a pre-existing secret instead of dealing a fresh one.
func (p *Polynomial) SetConstantCoefficient(s *edwards25519.Scalar) {
	p.coefficients[0] = s
}

// EvaluateAt evaluates the polynomial at x via Horner's method.
func (p *Polynomial) EvaluateAt(x *edwards25519.Scalar) *edwards25519.Scalar {
	acc := new(edwards25519.Scalar).Set(p.coefficients[len(p.coefficients)-1])
	for i := len(p.coefficients) - 2; i >= 0; i-- {
		acc = new(edwards25519.Scalar).Multiply(acc, x)
		acc = new(edwards25519.Scalar).Add(acc, p.coefficients[i])
	}
	return acc
}

// PublicCoefficients returns Feldman commitments g^{a_i} to each of
// the polynomial's coefficients, letting receivers verify shares
// without learning them.
func (p *Polynomial) PublicCoefficients() PublicCoefficients {
	out := make([]*edwards25519.Point, len(p.coefficients))
	for i, c := range p.coefficients {
		out[i] = new(edwards25519.Point).ScalarBaseMult(c)
	}
	return PublicCoefficients{Coefficients: out}
}

// PublicCoefficients is the Feldman commitment vector to a dealer's
// polynomial, published alongside the encrypted shares.
type PublicCoefficients struct {
	Coefficients []*edwards25519.Point
}

// Size returns the number of committed coefficients, i.e. the
// threshold the dealing claims.
func (pc PublicCoefficients) Size() int { return len(pc.Coefficients) }

// Nth returns the k'th committed coefficient.
func (pc PublicCoefficients) Nth(k int) *edwards25519.Point { return pc.Coefficients[k] }

// EvaluateAt homomorphically evaluates the committed polynomial at x,
// producing g^{P(x)} without ever exposing P(x) itself.
func (pc PublicCoefficients) EvaluateAt(x *edwards25519.Scalar) *edwards25519.Point {
	acc := new(edwards25519.Point).Set(pc.Coefficients[len(pc.Coefficients)-1])
	for i := len(pc.Coefficients) - 2; i >= 0; i-- {
		acc = new(edwards25519.Point).ScalarMult(x, acc)
		acc = new(edwards25519.Point).Add(acc, pc.Coefficients[i])
	}
	return acc
}

// Share is a single Shamir share of a dealt secret.
type Share struct {
	Index NodeIndex
	Value *edwards25519.Scalar
}

// Ciphertext is one receiver's encrypted share: an ephemeral
// Diffie-Hellman public key, a nonce, and an AEAD-sealed share value.
type Ciphertext struct {
	EphemeralPublic []byte
	Nonce           []byte
	Box             []byte
}

// Ciphertexts bundles one Ciphertext per receiver, ordered to match
// the sorted receiver index list used throughout a dealing.
type Ciphertexts struct {
	Chunks []Ciphertext
	// combinedEphemeral is the dealer's single ephemeral secret shared
	// across every receiver's Diffie-Hellman exchange; retained only by
	// the dealer to build proof_of_chunking and proof_of_sharing, never
	// serialized.
	combinedEphemeral *edwards25519.Scalar
}

// VerifyIntegrity performs the structural checks a receiver (or a
// verifier with no decryption key) can perform on a ciphertext vector
// without decrypting it: every chunk must carry a well-formed
// ephemeral public key, nonce, and non-empty sealed box.
func (c Ciphertexts) VerifyIntegrity() bool {
	for _, chunk := range c.Chunks {
		if len(chunk.EphemeralPublic) != 32 || len(chunk.Nonce) != chacha20poly1305.NonceSize {
			return false
		}
		if len(chunk.Box) <= chacha20poly1305.Overhead {
			return false
		}
		if _, err := new(edwards25519.Point).SetBytes(chunk.EphemeralPublic); err != nil {
			return false
		}
	}
	return true
}

// combinedPublic returns the shared ephemeral public key common to
// every chunk, used as the public statement for proof_of_chunking.
func (c Ciphertexts) combinedPublic() *edwards25519.Point {
	if len(c.Chunks) == 0 {
		return new(edwards25519.Point).ScalarBaseMult(new(edwards25519.Scalar))
	}
	p, err := new(edwards25519.Point).SetBytes(c.Chunks[0].EphemeralPublic)
	if err != nil {
		panic(fmt.Sprintf("ecash: combinedPublic: malformed ephemeral key: %v", err))
	}
	return p
}

// transcriptBytes binds a Fiat-Shamir challenge to the receiver set
// and ciphertext vector, so a proof cannot be replayed against a
// different dealing.
func (c Ciphertexts) transcriptBytes(receivers []NodeIndex) []byte {
	var buf []byte
	for _, idx := range receivers {
		buf = append(buf, byte(idx>>24), byte(idx>>16), byte(idx>>8), byte(idx))
	}
	for _, chunk := range c.Chunks {
		buf = append(buf, chunk.EphemeralPublic...)
		buf = append(buf, chunk.Nonce...)
		buf = append(buf, chunk.Box...)
	}
	return buf
}

func shareNonce(receiverIndex int) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	nonce[0] = byte(receiverIndex)
	nonce[1] = byte(receiverIndex >> 8)
	return nonce
}

func deriveAEADKey(sharedPoint *edwards25519.Point) []byte {
	h := sha512.Sum512(append([]byte("ecash-dkg-share-key"), sharedPoint.Bytes()...))
	return h[:32]
}

// encryptShares Diffie-Hellman encrypts one share per receiver under
// a single ephemeral keypair shared across the whole dealing, mirroring
// the "one ephemeral scalar r, many chunked ciphertexts" shape of the
// original BTE scheme without its chunked-ElGamal plaintext encoding.
func encryptShares(rng io.Reader, shares []Share, receivers []PublicKey) (Ciphertexts, error) {
	if len(shares) != len(receivers) {
		panic("ecash: encryptShares: share count and receiver count disagree")
	}
	ephemeralSecret, err := randomScalar(rng)
	if err != nil {
		return Ciphertexts{}, err
	}
	ephemeralPublic := new(edwards25519.Point).ScalarBaseMult(ephemeralSecret)
	ephemeralPublicBytes := ephemeralPublic.Bytes()

	chunks := make([]Ciphertext, len(shares))
	for i, share := range shares {
		shared := new(edwards25519.Point).ScalarMult(ephemeralSecret, receivers[i].Point)
		aead, err := chacha20poly1305.New(deriveAEADKey(shared))
		if err != nil {
			return Ciphertexts{}, fmt.Errorf("ecash: constructing AEAD: %w", err)
		}
		nonce := shareNonce(i)
		box := aead.Seal(nil, nonce, share.Value.Bytes(), ephemeralPublicBytes)
		chunks[i] = Ciphertext{EphemeralPublic: append([]byte(nil), ephemeralPublicBytes...), Nonce: nonce, Box: box}
	}
	return Ciphertexts{Chunks: chunks, combinedEphemeral: ephemeralSecret}, nil
}

// DecryptShare recovers the receiverIndex'th share using priv. The
// receiverIndex is the chunk's position in the sorted receiver list
// used at dealing time, not the receiver's NodeIndex.
func DecryptShare(priv PrivateKey, ciphertexts Ciphertexts, receiverIndex int) (*edwards25519.Scalar, error) {
	if receiverIndex < 0 || receiverIndex >= len(ciphertexts.Chunks) {
		return nil, fmt.Errorf("ecash: receiver index %d out of range", receiverIndex)
	}
	chunk := ciphertexts.Chunks[receiverIndex]
	ephemeralPublic, err := new(edwards25519.Point).SetBytes(chunk.EphemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("ecash: decoding ephemeral public key: %w", err)
	}
	shared := new(edwards25519.Point).ScalarMult(priv.Scalar, ephemeralPublic)
	aead, err := chacha20poly1305.New(deriveAEADKey(shared))
	if err != nil {
		return nil, fmt.Errorf("ecash: constructing AEAD: %w", err)
	}
	plain, err := aead.Open(nil, chunk.Nonce, chunk.Box, chunk.EphemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("ecash: opening share ciphertext: %w", err)
	}
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(plain)
	if err != nil {
		return nil, fmt.Errorf("ecash: decoding decrypted share: %w", err)
	}
	return s, nil
}

// Proof is a Schnorr proof of knowledge of the discrete log of a
// public point with respect to the edwards25519 base point, bound to
// a caller-supplied transcript via Fiat-Shamir. Both proof_of_chunking
// and proof_of_sharing are instances of this same primitive, applied
// to different public statements and transcripts.
type Proof struct {
	Commitment *edwards25519.Point
	Response   *edwards25519.Scalar
}

func constructProof(rng io.Reader, secret *edwards25519.Scalar, transcript []byte) (Proof, error) {
	k, err := randomScalar(rng)
	if err != nil {
		return Proof{}, err
	}
	commitment := new(edwards25519.Point).ScalarBaseMult(k)
	challenge := hashToScalar(transcript, commitment.Bytes())
	response := new(edwards25519.Scalar).Add(k, new(edwards25519.Scalar).Multiply(challenge, secret))
	return Proof{Commitment: commitment, Response: response}, nil
}

func (p Proof) verify(public *edwards25519.Point, transcript []byte) bool {
	challenge := hashToScalar(transcript, p.Commitment.Bytes())
	lhs := new(edwards25519.Point).ScalarBaseMult(p.Response)
	rhs := new(edwards25519.Point).Add(p.Commitment, new(edwards25519.Point).ScalarMult(challenge, public))
	return lhs.Equal(rhs) == 1
}

// ProofOfChunking attests the dealer knows the ephemeral secret shared
// by every ciphertext chunk in a dealing.
type ProofOfChunking struct{ Proof Proof }

// ProofOfSharing attests the dealer knows the randomizer binding the
// published ciphertexts to the published public coefficients.
type ProofOfSharing struct{ Proof Proof }

// Dealing is one DKG participant's contribution: committed polynomial
// coefficients, encrypted shares for every receiver, and proofs tying
// the two together.
type Dealing struct {
	PublicCoefficients PublicCoefficients
	Ciphertexts        Ciphertexts
	ProofOfChunking    ProofOfChunking
	ProofOfSharing     ProofOfSharing
}

// sortedIndices returns receivers' NodeIndex keys in ascending order,
// matching the Rust BTreeMap's natural iteration order.
func sortedIndices(receivers map[NodeIndex]PublicKey) []NodeIndex {
	out := make([]NodeIndex, 0, len(receivers))
	for idx := range receivers {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CreateDealing constructs a fresh dealing for threshold-of-receivers
// secret sharing. It panics if threshold is zero: the contract treats
// that as a programmer error, never a runtime-recoverable condition,
// mirroring the Rust `assert!(threshold > 0)`.
//
// When dealerIndex is among receivers, the dealer's own share is
// returned alongside the dealing so it can skip the decrypt-my-own-
// ciphertext round trip; otherwise the returned share is nil.
func CreateDealing(rng io.Reader, dealerIndex NodeIndex, threshold Threshold, receivers map[NodeIndex]PublicKey, priorResharingSecret *edwards25519.Scalar) (Dealing, *Share, error) {
	if threshold == 0 {
		panic("ecash: CreateDealing: threshold must be greater than zero")
	}

	polynomial, err := NewRandomPolynomial(rng, int(threshold)-1)
	if err != nil {
		return Dealing{}, nil, err
	}
	if priorResharingSecret != nil {
		polynomial.SetConstantCoefficient(priorResharingSecret)
	}

	indices := sortedIndices(receivers)
	shares := make([]Share, len(indices))
	orderedPublicKeys := make([]PublicKey, len(indices))
	for i, idx := range indices {
		shares[i] = Share{Index: idx, Value: polynomial.EvaluateAt(scalarFromNodeIndex(idx))}
		orderedPublicKeys[i] = receivers[idx]
	}

	ciphertexts, err := encryptShares(rng, shares, orderedPublicKeys)
	if err != nil {
		return Dealing{}, nil, err
	}

	chunkingTranscript := ciphertexts.transcriptBytes(indices)
	chunkingProof, err := constructProof(rng, ciphertexts.combinedEphemeral, chunkingTranscript)
	if err != nil {
		return Dealing{}, nil, err
	}

	publicCoefficients := polynomial.PublicCoefficients()
	sharingTranscript := sharingTranscriptBytes(indices, publicCoefficients)
	sharingProof, err := constructProof(rng, ciphertexts.combinedEphemeral, sharingTranscript)
	if err != nil {
		return Dealing{}, nil, err
	}

	dealing := Dealing{
		PublicCoefficients: publicCoefficients,
		Ciphertexts:        ciphertexts,
		ProofOfChunking:    ProofOfChunking{Proof: chunkingProof},
		ProofOfSharing:     ProofOfSharing{Proof: sharingProof},
	}

	for i, idx := range indices {
		if idx == dealerIndex {
			return dealing, &shares[i], nil
		}
	}
	return dealing, nil, nil
}

func sharingTranscriptBytes(indices []NodeIndex, pc PublicCoefficients) []byte {
	var buf []byte
	for _, idx := range indices {
		buf = append(buf, byte(idx>>24), byte(idx>>16), byte(idx>>8), byte(idx))
	}
	for _, c := range pc.Coefficients {
		buf = append(buf, c.Bytes()...)
	}
	return buf
}

// Verify checks a dealing against the receiver set, threshold, and
// (for a resharing epoch) the prior epoch's dealt public value.
func (d Dealing) Verify(threshold Threshold, receivers map[NodeIndex]PublicKey, priorResharingPublic *edwards25519.Point) error {
	if threshold == 0 || int(threshold) > len(receivers) {
		return ErrInvalidThreshold
	}
	if len(d.Ciphertexts.Chunks) != len(receivers) {
		return ErrWrongCiphertextSize
	}
	if d.PublicCoefficients.Size() != int(threshold) {
		return ErrWrongPublicCoefficientsSize
	}
	if !d.Ciphertexts.VerifyIntegrity() {
		return ErrFailedCiphertextIntegrity
	}

	indices := sortedIndices(receivers)

	if !d.ProofOfChunking.Proof.verify(d.Ciphertexts.combinedPublic(), d.Ciphertexts.transcriptBytes(indices)) {
		return ErrInvalidProofOfChunking
	}

	// The sharing proof's public statement is the combined ephemeral
	// public key too: in this simplified scheme the same randomizer
	// binds both the ciphertext vector and the coefficient commitments,
	// so both proofs share a public point but are bound to distinct
	// transcripts.
	if !d.ProofOfSharing.Proof.verify(d.Ciphertexts.combinedPublic(), sharingTranscriptBytes(indices, d.PublicCoefficients)) {
		return ErrInvalidProofOfSharing
	}

	if priorResharingPublic != nil {
		dealtPublic := d.PublicCoefficients.Nth(0)
		if dealtPublic.Equal(priorResharingPublic) != 1 {
			return ErrInvalidResharing
		}
	}

	return nil
}

// CombineShares reconstructs a dealt secret from threshold-many shares
// of one dealing, held by distinct receivers and paired with those
// receivers' indices, via Lagrange interpolation at the origin.
func CombineShares(shares []*edwards25519.Scalar, indices []NodeIndex) (*edwards25519.Scalar, error) {
	if len(shares) != len(indices) {
		return nil, fmt.Errorf("ecash: CombineShares: %d shares for %d indices", len(shares), len(indices))
	}
	samples := make([]ScalarSample, len(shares))
	for i := range shares {
		samples[i] = ScalarSample{X: indices[i], Y: shares[i]}
	}
	return LagrangeInterpolateScalarAtOrigin(samples)
}
