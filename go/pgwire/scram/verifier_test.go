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

package scram

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndParseVerifier(t *testing.T) {
	s, err := BuildVerifier("swordfish")
	require.NoError(t, err)
	assert.True(t, IsVerifier(s))

	v, err := ParseVerifier(s)
	require.NoError(t, err)
	assert.Equal(t, DefaultIterations, v.Iterations)
	assert.Len(t, v.StoredKey, sha256Size)
	assert.Len(t, v.ServerKey, sha256Size)

	// Re-encoding must be lossless.
	assert.Equal(t, s, v.String())
}

func TestParseVerifierRejects(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))
	key := base64.StdEncoding.EncodeToString(make([]byte, sha256Size))

	tests := []struct {
		name     string
		verifier string
	}{
		{"empty", ""},
		{"md5 hash", "md54a0a68b43b6cd5cf266fa02f196e2371"},
		{"missing keys", fmt.Sprintf("SCRAM-SHA-256$4096:%s", salt)},
		{"iterations below minimum", fmt.Sprintf("SCRAM-SHA-256$1024:%s$%s:%s", salt, key, key)},
		{"non-numeric iterations", fmt.Sprintf("SCRAM-SHA-256$many:%s$%s:%s", salt, key, key)},
		{"salt too short", fmt.Sprintf("SCRAM-SHA-256$4096:%s$%s:%s", base64.StdEncoding.EncodeToString([]byte("abc")), key, key)},
		{"salt not base64", fmt.Sprintf("SCRAM-SHA-256$4096:!!!$%s:%s", key, key)},
		{"stored key not base64", fmt.Sprintf("SCRAM-SHA-256$4096:%s$!!!:%s", salt, key)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVerifier(tt.verifier)
			require.Error(t, err)
		})
	}
}
