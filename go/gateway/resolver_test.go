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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	resolver, err := NewResolver("db.example.com")
	require.NoError(t, err)

	tests := []struct {
		name       string
		serverName string
		tenantID   string
		wantErr    bool
	}{
		{"tenant subdomain", "abc123.db.example.com", "abc123", false},
		{"case folded", "ABC123.DB.Example.Com", "abc123", false},
		{"trailing dot", "abc123.db.example.com.", "abc123", false},
		{"wrong domain", "abc123.other.com", "", true},
		{"bare wildcard domain", "db.example.com", "", true},
		{"extra label", "a.b.db.example.com", "", true},
		{"empty label", ".db.example.com", "", true},
		{"no server name", "", "", true},
		{"suffix without separator", "abcdb.example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenantID, err := resolver.Resolve(tt.serverName)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidServerName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.tenantID, tenantID)
		})
	}
}

func TestNewResolver(t *testing.T) {
	_, err := NewResolver("")
	require.Error(t, err)

	r, err := NewResolver(" DB.Example.Com. ")
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", r.WildcardDomain())
}
