// preparer_test.go - Tests for Sphinx packet preparation.
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

package preparer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nymtech/nym-sub008/fragment"
	"github.com/nymtech/nym-sub008/sphinxwire"
	"github.com/nymtech/nym-sub008/topology"
)

func seededRand() *rand.Rand {
	var seed int64
	for i := 0; i < 8; i++ {
		seed |= int64(0x2A) << (8 * i)
	}
	return rand.New(rand.NewSource(seed))
}

func testHop(addr string) sphinxwire.Hop {
	pub := make([]byte, 32)
	copy(pub, []byte(addr+"-key-0123456789012345678901234"))
	return sphinxwire.Hop{Address: []byte(addr), Key: pub}
}

func testTopology(t *testing.T) topology.Provider {
	t.Helper()
	return topology.NewStaticTopology(topology.Snapshot{
		KeyRotationID: 7,
		Mixnodes: []sphinxwire.Hop{
			testHop("mix-1"), testHop("mix-2"), testHop("mix-3"),
		},
		Gateways: []sphinxwire.Hop{
			testHop("gw-1"), testHop("gw-2"), testHop("gw-3"),
		},
	})
}

func TestPadAndSplitRoundTrip(t *testing.T) {
	rng := seededRand()
	codec := sphinxwire.NewReferenceCodec()
	p := New(Config{RouteMode: RouteModePseudorandom, HopDelay: PoissonDelay{MeanNanos: 1000}}, codec, rng)

	message := make([]byte, 30000)
	for i := range message {
		message[i] = byte(i)
	}
	packetSize := fragment.PacketSize(2048)
	budget := packetSize.AvailablePlaintext()

	frags := p.PadAndSplit(message, packetSize)

	require.NotEmpty(t, frags)
	for i, f := range frags {
		require.Equal(t, uint8(i), f.Header.Index)
		require.Equal(t, uint8(len(frags)), f.Header.TotalInSet)
		require.Len(t, f.Bytes, budget)
	}

	reassembled := fragment.Reassemble(frags)
	require.Equal(t, message, reassembled)
}

func TestPrepareChunkProducesForwardPacket(t *testing.T) {
	rng := seededRand()
	codec := sphinxwire.NewReferenceCodec()
	p := New(Config{RouteMode: RouteModePseudorandom, HopDelay: PoissonDelay{MeanNanos: 1000}}, codec, rng)
	topo := testTopology(t)

	frags := p.PadAndSplit([]byte("hello world"), fragment.PacketSize(2048))
	require.Len(t, frags, 1)

	prepared, err := p.PrepareChunk(frags[0], topo, nil, []byte("sender"), []byte("recipient"), PacketKindRegular)
	require.NoError(t, err)
	require.NotEmpty(t, prepared.MixPacket.FirstHopAddress)
	require.NotEmpty(t, prepared.MixPacket.SphinxBytes)
	require.Equal(t, uint64(7), prepared.MixPacket.KeyRotationID)
	require.Equal(t, frags[0].FragmentIdentifier(), prepared.FragmentIdentifier)
	require.GreaterOrEqual(t, prepared.ExpectedRoundTripDelay, sphinxZeroDelay())
}

func sphinxZeroDelay() sphinxwire.Delay { return 0 }

func TestDeterministicRouteIsReplayable(t *testing.T) {
	codec := sphinxwire.NewReferenceCodec()
	topo := testTopology(t)
	nonce := []byte("session-nonce")

	rng1 := seededRand()
	p1 := New(Config{RouteMode: RouteModeDeterministic, HopDelay: PoissonDelay{MeanNanos: 500}, SessionNonce: nonce}, codec, rng1)
	rng2 := seededRand()
	p2 := New(Config{RouteMode: RouteModeDeterministic, HopDelay: PoissonDelay{MeanNanos: 500}, SessionNonce: nonce}, codec, rng2)

	f := fragment.Fragment{Header: fragment.Header{SetID: 1, Index: 0, TotalInSet: 1, RouteSeed: 99}, Bytes: []byte("x")}

	r1, d1, err := p1.chooseRoute(topo, f.Header.RouteSeed)
	require.NoError(t, err)
	r2, d2, err := p2.chooseRoute(topo, f.Header.RouteSeed)
	require.NoError(t, err)

	require.Equal(t, r1, r2)
	require.Equal(t, d1, d2)
}

func TestMixHopsDisabledRouteIsTwoHops(t *testing.T) {
	codec := sphinxwire.NewReferenceCodec()
	rng := seededRand()
	p := New(Config{RouteMode: RouteModeMixHopsDisabled, HopDelay: PoissonDelay{MeanNanos: 100}}, codec, rng)
	topo := testTopology(t)

	route, _, err := p.chooseRoute(topo, 0)
	require.NoError(t, err)
	require.Len(t, route, 2)
}

func TestPoissonDelayNonNegative(t *testing.T) {
	rng := seededRand()
	d := PoissonDelay{MeanNanos: 2000}
	for i := 0; i < 100; i++ {
		require.GreaterOrEqual(t, d.Sample(rng), sphinxwire.Delay(0))
	}
}

func TestPoissonDelayZeroMeanIsZero(t *testing.T) {
	rng := seededRand()
	d := PoissonDelay{MeanNanos: 0}
	require.Equal(t, sphinxwire.Delay(0), d.Sample(rng))
}
