// registry.go - Active-client session registry.
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

package gateway

import "sync"

// Handle is the subset of a Session's surface the active-clients
// registry needs in order to displace a stale connection.
type Handle interface {
	// Close requests the session shut down; it must be safe to call
	// more than once and from a goroutine other than the session's own.
	Close()
}

// Registry maps client address to the single live session handle for
// that address, per spec.md §4.D: "The registry guarantees at most one
// session per client address; a new connection from the same address
// displaces the old one."
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Handle
}

// NewRegistry constructs an empty active-clients registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Handle)}
}

// Insert registers handle as the live session for address, closing and
// replacing whatever session (if any) was previously registered there.
func (r *Registry) Insert(address string, handle Handle) {
	r.mu.Lock()
	old, existed := r.sessions[address]
	r.sessions[address] = handle
	r.mu.Unlock()

	if existed {
		old.Close()
	}
}

// Remove deregisters address, but only if handle is still the
// currently registered session — this guards against a just-displaced
// session's own deferred cleanup removing its successor's entry.
func (r *Registry) Remove(address string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[address]; ok && current == handle {
		delete(r.sessions, address)
	}
}

// Lookup returns the currently registered session for address, if any.
func (r *Registry) Lookup(address string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[address]
	return h, ok
}

// Len reports the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
