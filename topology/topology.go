// topology.go - Mix network topology provider.
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

// Package topology models the read-mostly view of the mix network that
// the packet preparer needs: the current key-rotation id and routes to
// pick for outbound packets. Consumers only ever see the capability set
// described by spec.md §9's "Dynamic dispatch" note
// ({current_key_rotation, random_route_to_egress, empty_route_to_egress});
// how a real embedder refreshes the underlying snapshot is out of scope.
package topology

import (
	"errors"
	"sync/atomic"

	"github.com/nymtech/nym-sub008/sphinxwire"
)

// ErrNoRoute is returned when a topology snapshot cannot produce a route
// of the requested shape (too few gateways or mixnodes).
var ErrNoRoute = errors.New("topology: no route available")

// Provider is the capability set the packet preparer depends on. A real
// embedder refreshes its snapshot in the background; readers here always
// observe a complete, consistent snapshot, never a torn mix (spec.md §5).
type Provider interface {
	CurrentKeyRotation() uint64
	RandomRouteToEgress(rng RandFunc) ([]sphinxwire.Hop, []byte, error)
	EmptyRouteToEgress() ([]sphinxwire.Hop, []byte, error)
}

// RandFunc draws a uniform integer in [0, n) from the caller's RNG,
// letting the preparer control determinism without topology importing
// math/rand directly.
type RandFunc func(n int) int

// Snapshot is one consistent view of the network: a key rotation id, a
// set of mixnodes to route through, and the egress (gateway) set a route
// terminates at.
type Snapshot struct {
	KeyRotationID uint64
	Mixnodes      []sphinxwire.Hop
	Gateways      []sphinxwire.Hop
}

// StaticTopology holds a Snapshot behind an atomic pointer so updates
// (Swap) never race with readers and readers never see a half-updated
// snapshot, mirroring the teacher's atomic PKI-document swap in
// client2/connection.go.
type StaticTopology struct {
	snap atomic.Pointer[Snapshot]
}

// NewStaticTopology constructs a provider seeded with an initial snapshot.
func NewStaticTopology(initial Snapshot) *StaticTopology {
	t := &StaticTopology{}
	t.snap.Store(&initial)
	return t
}

// Swap installs a new snapshot atomically; in-flight readers of the prior
// snapshot are unaffected.
func (t *StaticTopology) Swap(next Snapshot) {
	t.snap.Store(&next)
}

func (t *StaticTopology) CurrentKeyRotation() uint64 {
	return t.snap.Load().KeyRotationID
}

// RandomRouteToEgress picks one mixnode hop via rng (mix-hop count of
// exactly one mixnode then an egress gateway) plus the chosen gateway's
// address as destination. Real topologies pick a path of configurable
// length; this module fixes the shape at "one mixnode hop, one gateway"
// since spec.md's scenarios only ever exercise small, fixed topologies
// (e.g. "3 gateways and 9 mixnodes").
func (t *StaticTopology) RandomRouteToEgress(rng RandFunc) ([]sphinxwire.Hop, []byte, error) {
	s := t.snap.Load()
	if len(s.Mixnodes) == 0 || len(s.Gateways) == 0 {
		return nil, nil, ErrNoRoute
	}
	mix := s.Mixnodes[rng(len(s.Mixnodes))]
	gw := s.Gateways[rng(len(s.Gateways))]
	return []sphinxwire.Hop{mix, gw}, gw.Address, nil
}

// EmptyRouteToEgress returns the mix-hops-disabled route: a two-hop route
// of (entry_gateway, exit_gateway) with no intermediate mixnode, per
// spec.md §4.B "Mix-hops-disabled". When only one gateway is known, it is
// used as both entry and exit.
func (t *StaticTopology) EmptyRouteToEgress() ([]sphinxwire.Hop, []byte, error) {
	s := t.snap.Load()
	if len(s.Gateways) == 0 {
		return nil, nil, ErrNoRoute
	}
	entry := s.Gateways[0]
	exit := s.Gateways[len(s.Gateways)-1]
	return []sphinxwire.Hop{entry, exit}, exit.Address, nil
}
