// interpolation.go - Lagrange interpolation over threshold shares.
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

// ScalarSample is one (x, P(x)) observation used to interpolate a
// secret-sharing polynomial.
type ScalarSample struct {
	X NodeIndex
	Y *edwards25519.Scalar
}

// PointSample is the Feldman-commitment analogue of ScalarSample, used
// to interpolate verification keys without ever reconstructing the
// underlying secret.
type PointSample struct {
	X NodeIndex
	Y *edwards25519.Point
}

func checkDistinctScalarXs(samples []ScalarSample) error {
	if len(samples) == 0 {
		return ErrInterpolationNoSamples
	}
	seen := make(map[NodeIndex]struct{}, len(samples))
	for _, s := range samples {
		if _, ok := seen[s.X]; ok {
			return ErrInterpolationDuplicateSample
		}
		seen[s.X] = struct{}{}
	}
	return nil
}

func checkDistinctPointXs(samples []PointSample) error {
	if len(samples) == 0 {
		return ErrInterpolationNoSamples
	}
	seen := make(map[NodeIndex]struct{}, len(samples))
	for _, s := range samples {
		if _, ok := seen[s.X]; ok {
			return ErrInterpolationDuplicateSample
		}
		seen[s.X] = struct{}{}
	}
	return nil
}

// lagrangeCoefficientAt computes the Lagrange basis coefficient for
// sample i's x-coordinate, evaluated at target, given the full set of
// x-coordinates xs.
func lagrangeCoefficientAt(target *edwards25519.Scalar, xs []*edwards25519.Scalar, i int) *edwards25519.Scalar {
	one := scalarOne()
	num := new(edwards25519.Scalar).Set(one)
	den := new(edwards25519.Scalar).Set(one)

	for j, xj := range xs {
		if j == i {
			continue
		}
		diffNum := new(edwards25519.Scalar).Subtract(target, xj)
		num = new(edwards25519.Scalar).Multiply(num, diffNum)

		diffDen := new(edwards25519.Scalar).Subtract(xs[i], xj)
		den = new(edwards25519.Scalar).Multiply(den, diffDen)
	}

	denInv := new(edwards25519.Scalar).Invert(den)
	return new(edwards25519.Scalar).Multiply(num, denInv)
}

func scalarOne() *edwards25519.Scalar {
	var wide [64]byte
	wide[0] = 1
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		panic(err)
	}
	// SetUniformBytes reduces mod L; for a single low byte this is
	// already canonical, but route through the same helper as every
	// other scalar construction for consistency.
	return s
}

func scalarZero() *edwards25519.Scalar {
	return edwards25519.NewScalar()
}

// LagrangeInterpolateScalarAtOrigin recovers P(0) from threshold-many
// (x, P(x)) samples.
func LagrangeInterpolateScalarAtOrigin(samples []ScalarSample) (*edwards25519.Scalar, error) {
	return LagrangeInterpolateScalarAtX(scalarZero(), samples)
}

// LagrangeInterpolateScalarAtX recovers P(target) from threshold-many
// (x, P(x)) samples.
func LagrangeInterpolateScalarAtX(target *edwards25519.Scalar, samples []ScalarSample) (*edwards25519.Scalar, error) {
	if err := checkDistinctScalarXs(samples); err != nil {
		return nil, err
	}
	xs := make([]*edwards25519.Scalar, len(samples))
	for i, s := range samples {
		xs[i] = scalarFromNodeIndex(s.X)
	}

	result := scalarZero()
	for i, s := range samples {
		coeff := lagrangeCoefficientAt(target, xs, i)
		term := new(edwards25519.Scalar).Multiply(coeff, s.Y)
		result = new(edwards25519.Scalar).Add(result, term)
	}
	return result, nil
}

// LagrangeInterpolatePointAtOrigin is the Feldman-commitment analogue
// of LagrangeInterpolateScalarAtOrigin: it recovers g^{P(0)} from
// threshold-many (x, g^{P(x)}) samples without ever exposing P(0).
func LagrangeInterpolatePointAtOrigin(samples []PointSample) (*edwards25519.Point, error) {
	return LagrangeInterpolatePointAtX(scalarZero(), samples)
}

// LagrangeInterpolatePointAtX recovers g^{P(target)} from
// threshold-many (x, g^{P(x)}) samples.
func LagrangeInterpolatePointAtX(target *edwards25519.Scalar, samples []PointSample) (*edwards25519.Point, error) {
	if err := checkDistinctPointXs(samples); err != nil {
		return nil, err
	}
	xs := make([]*edwards25519.Scalar, len(samples))
	for i, s := range samples {
		xs[i] = scalarFromNodeIndex(s.X)
	}

	result := new(edwards25519.Point).ScalarBaseMult(scalarZero()) // identity
	for i, s := range samples {
		coeff := lagrangeCoefficientAt(target, xs, i)
		term := new(edwards25519.Point).ScalarMult(coeff, s.Y)
		result = new(edwards25519.Point).Add(result, term)
	}
	return result, nil
}
