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

// Package metadata accesses the external tenant metadata store. The gateway
// only ever needs two operations against it: read a tenant's auth record at
// authentication time, and store a record when a tenant is provisioned.
// Tenant ownership and persistence live entirely outside this subsystem.
package metadata

import (
	"context"
	"errors"
	"fmt"
)

// ErrTenantNotFound indicates no auth record exists for the tenant.
var ErrTenantNotFound = errors.New("tenant not found")

// AuthMethod identifies how a tenant's clients authenticate.
type AuthMethod string

const (
	// AuthMethodMD5 is the salted MD5 challenge/response. AuthData holds
	// the "md5"-prefixed stored hash.
	AuthMethodMD5 AuthMethod = "md5Password"

	// AuthMethodSCRAM is SCRAM-SHA-256. AuthData holds the verifier string.
	AuthMethodSCRAM AuthMethod = "scram-sha-256"
)

// Valid reports whether m is a method the gateway knows how to perform.
func (m AuthMethod) Valid() bool {
	return m == AuthMethodMD5 || m == AuthMethodSCRAM
}

// AuthRecord is a tenant's stored credential material, read-only at
// authentication time.
type AuthRecord struct {
	Method AuthMethod
	Data   string
}

// Validate checks structural integrity of a record before it is stored or
// used for verification.
func (r *AuthRecord) Validate() error {
	if !r.Method.Valid() {
		return fmt.Errorf("unknown auth method %q", r.Method)
	}
	if r.Data == "" {
		return fmt.Errorf("empty auth data")
	}
	return nil
}

// Store is the metadata store surface this subsystem depends on: one read
// and one write, both single round trips.
type Store interface {
	// GetAuthRecord fetches the auth record for a tenant. Returns
	// ErrTenantNotFound (possibly wrapped) if the tenant does not exist.
	GetAuthRecord(ctx context.Context, tenantID string) (*AuthRecord, error)

	// PutAuthRecord stores a tenant's auth record, replacing any existing one.
	PutAuthRecord(ctx context.Context, tenantID string, record *AuthRecord) error
}
