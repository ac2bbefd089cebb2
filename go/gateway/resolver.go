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
	"fmt"
	"strings"
)

// ErrInvalidServerName indicates the SNI value does not name a tenant under
// the configured wildcard domain.
var ErrInvalidServerName = errors.New("invalid server name")

// Resolver derives tenant ids from TLS SNI values. A tenant's host name is
// exactly one DNS label under the wildcard domain:
// "<tenant>.<wildcard-domain>".
type Resolver struct {
	wildcardDomain string
}

// NewResolver creates a resolver for the given wildcard domain, e.g.
// "db.example.com".
func NewResolver(wildcardDomain string) (*Resolver, error) {
	domain := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(wildcardDomain)), ".")
	if domain == "" {
		return nil, fmt.Errorf("wildcard domain is required")
	}
	return &Resolver{wildcardDomain: domain}, nil
}

// Resolve validates serverName against the wildcard domain and returns the
// left-most label as the tenant id. It runs during the TLS handshake
// callback, before any application data, because both routing and
// certificate selection depend on it.
func (r *Resolver) Resolve(serverName string) (string, error) {
	host := strings.TrimSuffix(strings.ToLower(serverName), ".")
	if host == "" {
		return "", fmt.Errorf("%w: no server name provided", ErrInvalidServerName)
	}

	suffix := "." + r.wildcardDomain
	if !strings.HasSuffix(host, suffix) {
		return "", fmt.Errorf("%w: %q is not a subdomain of %q", ErrInvalidServerName, serverName, r.wildcardDomain)
	}

	tenantID := strings.TrimSuffix(host, suffix)
	if tenantID == "" || strings.Contains(tenantID, ".") {
		return "", fmt.Errorf("%w: %q must be exactly one label under %q", ErrInvalidServerName, serverName, r.wildcardDomain)
	}
	return tenantID, nil
}

// WildcardDomain returns the configured domain.
func (r *Resolver) WildcardDomain() string {
	return r.wildcardDomain
}
