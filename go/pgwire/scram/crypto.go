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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// sha256Size is the output size of SHA-256 in bytes.
	sha256Size = 32

	clientKeyLiteral = "Client Key"
	serverKeyLiteral = "Server Key"
)

// ComputeSaltedPassword computes SaltedPassword = Hi(password, salt, i) where
// Hi is PBKDF2 with HMAC-SHA-256.
//
// No SASLprep normalization is applied; PostgreSQL does not enforce it either.
func ComputeSaltedPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, sha256Size, sha256.New)
}

// ComputeClientKey computes ClientKey = HMAC(SaltedPassword, "Client Key").
func ComputeClientKey(saltedPassword []byte) []byte {
	return hmacSHA256(saltedPassword, []byte(clientKeyLiteral))
}

// ComputeStoredKey computes StoredKey = H(ClientKey).
func ComputeStoredKey(clientKey []byte) []byte {
	h := sha256.Sum256(clientKey)
	return h[:]
}

// ComputeServerKey computes ServerKey = HMAC(SaltedPassword, "Server Key").
func ComputeServerKey(saltedPassword []byte) []byte {
	return hmacSHA256(saltedPassword, []byte(serverKeyLiteral))
}

// ComputeClientSignature computes ClientSignature = HMAC(StoredKey, AuthMessage).
func ComputeClientSignature(storedKey []byte, authMessage string) []byte {
	return hmacSHA256(storedKey, []byte(authMessage))
}

// ComputeServerSignature computes ServerSignature = HMAC(ServerKey, AuthMessage).
func ComputeServerSignature(serverKey []byte, authMessage string) []byte {
	return hmacSHA256(serverKey, []byte(authMessage))
}

// VerifyClientProof verifies the client's proof against the stored key:
//  1. ClientSignature = HMAC(StoredKey, AuthMessage)
//  2. ClientKey = ClientProof XOR ClientSignature
//  3. H(ClientKey) must equal StoredKey
//
// Returns ErrAuthenticationFailed for a wrong password; the comparison is
// constant-time.
func VerifyClientProof(storedKey []byte, authMessage string, clientProof []byte) error {
	if len(clientProof) != sha256Size {
		return fmt.Errorf("invalid proof length: expected %d, got %d", sha256Size, len(clientProof))
	}

	clientSignature := ComputeClientSignature(storedKey, authMessage)

	recoveredClientKey, err := xorBytes(clientProof, clientSignature)
	if err != nil {
		return fmt.Errorf("failed to recover client key: %w", err)
	}

	recoveredStoredKey := ComputeStoredKey(recoveredClientKey)

	if subtle.ConstantTimeCompare(storedKey, recoveredStoredKey) != 1 {
		return ErrAuthenticationFailed
	}
	return nil
}

// buildAuthMessage constructs the AuthMessage:
// client-first-message-bare "," server-first-message "," client-final-message-without-proof.
func buildAuthMessage(clientFirstMessageBare, serverFirstMessage, clientFinalMessageWithoutProof string) string {
	return clientFirstMessageBare + "," + serverFirstMessage + "," + clientFinalMessageWithoutProof
}

func hmacSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("xorBytes: length mismatch (a=%d, b=%d)", len(a), len(b))
	}
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result, nil
}
