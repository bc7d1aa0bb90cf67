// recover.go - Threshold signature recovery for ticketbooks.
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

import "filippo.io/edwards25519"

// RecoveredVerificationKeys is the result of combining every
// participant's dealing into a single master verification key and one
// partial verification key per receiver.
type RecoveredVerificationKeys struct {
	RecoveredMaster   *edwards25519.Point
	RecoveredPartials []*edwards25519.Point
}

// RecoverVerificationKeys interpolates the master and partial
// verification keys from a batch of already-verified dealings, one
// per dealer index in receivers.
//
// This assumes every dealing in dealings has already passed Verify.
func RecoverVerificationKeys(dealings []Dealing, threshold Threshold, receivers map[NodeIndex]PublicKey) (RecoveredVerificationKeys, error) {
	if len(dealings) == 0 {
		return RecoveredVerificationKeys{}, ErrNoDealingsAvailable
	}

	thresholdSize := int(threshold)
	for _, d := range dealings {
		if d.PublicCoefficients.Size() != thresholdSize {
			return RecoveredVerificationKeys{}, ErrMismatchedDealings
		}
	}

	indices := sortedIndices(receivers)
	if len(dealings) != len(indices) {
		return RecoveredVerificationKeys{}, ErrNotEnoughReceiversProvided
	}

	interpolatedCoefficients := make([]*edwards25519.Point, thresholdSize)
	for k := 0; k < thresholdSize; k++ {
		samples := make([]PointSample, len(indices))
		for j, dealing := range dealings {
			samples[j] = PointSample{X: indices[j], Y: dealing.PublicCoefficients.Nth(k)}
		}
		interpolated, err := LagrangeInterpolatePointAtOrigin(samples)
		if err != nil {
			return RecoveredVerificationKeys{}, err
		}
		interpolatedCoefficients[k] = interpolated
	}

	masterVerificationKey := interpolatedCoefficients[0]
	interpolated := PublicCoefficients{Coefficients: interpolatedCoefficients}

	verificationKeyShares := make([]*edwards25519.Point, len(indices))
	for i, idx := range indices {
		verificationKeyShares[i] = interpolated.EvaluateAt(scalarFromNodeIndex(idx))
	}

	return RecoveredVerificationKeys{
		RecoveredMaster:   masterVerificationKey,
		RecoveredPartials: verificationKeyShares,
	}, nil
}

// VerifyVerificationKeys checks that each partial verification key is
// consistent with the master key under threshold-of-receivers
// interpolation, by treating the master key itself as the sample at
// x=0 and interpolating each partial's x-coordinate from the first
// threshold samples.
func VerifyVerificationKeys(masterKey *edwards25519.Point, shares []*edwards25519.Point, receivers map[NodeIndex]PublicKey, threshold Threshold) error {
	if len(shares) != len(receivers) {
		return ErrNotEnoughReceiversProvided
	}
	if int(threshold) > len(receivers) {
		return ErrInvalidThreshold
	}

	indices := sortedIndices(receivers)

	allXs := make([]NodeIndex, 0, len(indices)+1)
	allXs = append(allXs, 0)
	allXs = append(allXs, indices...)

	allShares := make([]*edwards25519.Point, 0, len(shares)+1)
	allShares = append(allShares, masterKey)
	allShares = append(allShares, shares...)

	for i := range shares {
		n := int(threshold)
		samples := make([]PointSample, n)
		for k := 0; k < n; k++ {
			samples[k] = PointSample{X: allXs[k], Y: allShares[k]}
		}
		interpolated, err := LagrangeInterpolatePointAtX(scalarFromNodeIndex(indices[i]), samples)
		if err != nil {
			return err
		}
		if interpolated.Equal(shares[i]) != 1 {
			return ErrMismatchedVerificationKey
		}
	}

	return nil
}
