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

func TestEncodeMD5Password(t *testing.T) {
	// Known vector: "md5" + hex(md5("secret" + "alice")).
	assert.Equal(t, "md54a0a68b43b6cd5cf266fa02f196e2371", EncodeMD5Password("alice", "secret"))
}

func TestVerifyMD5Response(t *testing.T) {
	stored := EncodeMD5Password("alice", "secret")
	salt := [4]byte{0x01, 0x02, 0x03, 0x04}

	t.Run("correct response", func(t *testing.T) {
		response, err := ExpectedMD5Response(stored, salt)
		require.NoError(t, err)

		ok, err := VerifyMD5Response(stored, salt, response)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong password", func(t *testing.T) {
		wrong := EncodeMD5Password("alice", "hunter2")
		response, err := ExpectedMD5Response(wrong, salt)
		require.NoError(t, err)

		ok, err := VerifyMD5Response(stored, salt, response)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong salt", func(t *testing.T) {
		response, err := ExpectedMD5Response(stored, [4]byte{0xFF, 0xFF, 0xFF, 0xFF})
		require.NoError(t, err)

		ok, err := VerifyMD5Response(stored, salt, response)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stored hash not md5", func(t *testing.T) {
		_, err := VerifyMD5Response("SCRAM-SHA-256$4096:...", salt, "md5abc")
		require.Error(t, err)
	})
}
