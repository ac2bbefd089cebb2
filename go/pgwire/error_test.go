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

package pgwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticEncodeParse(t *testing.T) {
	diag := FatalError(CodeInvalidPassword, `password authentication failed for user "alice"`)
	diag.Hint = "check the password"

	encoded := diag.Encode()
	require.Equal(t, byte(MsgErrorResponse), encoded[0])

	parsed, err := ParseDiagnostic(encoded[5:])
	require.NoError(t, err)
	assert.Equal(t, "FATAL", parsed.Severity)
	assert.Equal(t, CodeInvalidPassword, parsed.Code)
	assert.Equal(t, diag.Message, parsed.Message)
	assert.Equal(t, diag.Hint, parsed.Hint)
}

func TestParseDiagnosticTruncated(t *testing.T) {
	// Missing the terminating zero byte.
	_, err := ParseDiagnostic([]byte{FieldSeverity, 'F', 'A', 'T', 'A', 'L', 0})
	require.Error(t, err)
}
