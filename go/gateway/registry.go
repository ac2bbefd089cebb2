// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrDuplicateSession indicates a tenant already has an active TCP
	// client. One TCP session per tenant keeps the relay protocol trivially
	// ordered; the second client is rejected, never queued.
	ErrDuplicateSession = errors.New("tenant already has an active session")

	// ErrNoSession indicates no counterpart connection is registered for
	// the tenant.
	ErrNoSession = errors.New("no active session for tenant")
)

// session holds at most one connection per side for a tenant. Either side
// may appear first: a browser can register its socket before any client
// dials in, and a client can be mid-auth before the browser side exists.
type session struct {
	tcp io.Closer
	ws  io.Closer
}

// Registry pairs the two legs of a tenant session. All methods are safe for
// concurrent use; no lock is held while closing connections.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// RegisterTCP records the tenant's TCP client leg. Returns
// ErrDuplicateSession if one is already registered.
func (r *Registry) RegisterTCP(tenantID string, conn io.Closer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[tenantID]
	if s == nil {
		s = &session{}
		r.sessions[tenantID] = s
	}
	if s.tcp != nil {
		return ErrDuplicateSession
	}
	s.tcp = conn
	return nil
}

// RegisterWS records the tenant's socket leg (the browser-resident
// database). Returns ErrDuplicateSession if one is already registered.
func (r *Registry) RegisterWS(tenantID string, conn io.Closer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[tenantID]
	if s == nil {
		s = &session{}
		r.sessions[tenantID] = s
	}
	if s.ws != nil {
		return ErrDuplicateSession
	}
	s.ws = conn
	return nil
}

// LookupWS returns the tenant's registered socket leg.
func (r *Registry) LookupWS(tenantID string) (io.Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[tenantID]
	if s == nil || s.ws == nil {
		return nil, ErrNoSession
	}
	return s.ws, nil
}

// UnregisterTCP removes the tenant's TCP leg if it is conn, and closes the
// paired socket leg so the counterpart never lingers half-attached. Stale
// unregisters (conn already replaced or gone) are no-ops.
func (r *Registry) UnregisterTCP(tenantID string, conn io.Closer) {
	r.mu.Lock()
	s := r.sessions[tenantID]
	if s == nil || s.tcp != conn {
		r.mu.Unlock()
		return
	}
	s.tcp = nil
	paired := s.ws
	if s.ws == nil {
		delete(r.sessions, tenantID)
	}
	r.mu.Unlock()

	if paired != nil {
		_ = paired.Close()
	}
}

// UnregisterWS removes the tenant's socket leg if it is conn, and closes any
// paired TCP client since its backend just went away.
func (r *Registry) UnregisterWS(tenantID string, conn io.Closer) {
	r.mu.Lock()
	s := r.sessions[tenantID]
	if s == nil || s.ws != conn {
		r.mu.Unlock()
		return
	}
	s.ws = nil
	paired := s.tcp
	if s.tcp == nil {
		delete(r.sessions, tenantID)
	}
	r.mu.Unlock()

	if paired != nil {
		_ = paired.Close()
	}
}

// ActiveTCP reports whether the tenant currently has a TCP client leg.
func (r *Registry) ActiveTCP(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[tenantID]
	return s != nil && s.tcp != nil
}
