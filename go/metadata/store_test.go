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

package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMethodValid(t *testing.T) {
	assert.True(t, AuthMethodMD5.Valid())
	assert.True(t, AuthMethodSCRAM.Valid())
	assert.False(t, AuthMethod("trust").Valid())
	assert.False(t, AuthMethod("").Valid())
}

func TestAuthRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		record  AuthRecord
		wantErr bool
	}{
		{"md5 record", AuthRecord{Method: AuthMethodMD5, Data: "md5abc"}, false},
		{"scram record", AuthRecord{Method: AuthMethodSCRAM, Data: "SCRAM-SHA-256$4096:..."}, false},
		{"unknown method", AuthRecord{Method: "trust", Data: "x"}, true},
		{"empty data", AuthRecord{Method: AuthMethodMD5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
