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
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const (
	// SHA256Prefix is the prefix of SCRAM-SHA-256 verifiers in PostgreSQL.
	SHA256Prefix = "SCRAM-SHA-256"

	// MinIterationCount is the minimum PBKDF2 iteration count accepted.
	// RFC 5802 recommends at least 4096.
	MinIterationCount = 4096

	// MinSaltLength is the minimum salt length in bytes accepted.
	MinSaltLength = 8

	// DefaultIterations is the iteration count used when building new
	// verifiers, matching PostgreSQL's default.
	DefaultIterations = 4096

	// defaultSaltLength is the salt length used for new verifiers.
	defaultSaltLength = 16
)

// Verifier holds the parsed components of a PostgreSQL SCRAM-SHA-256
// verifier: SCRAM-SHA-256$<iterations>:<salt>$<StoredKey>:<ServerKey>,
// with salt and keys base64-encoded.
type Verifier struct {
	// Iterations is the PBKDF2 iteration count.
	Iterations int

	// Salt is the random salt used in key derivation.
	Salt []byte

	// StoredKey is H(ClientKey), used to verify the client's proof.
	StoredKey []byte

	// ServerKey is HMAC(SaltedPassword, "Server Key"), used for the server
	// signature in mutual authentication.
	ServerKey []byte
}

// ParseVerifier parses a PostgreSQL SCRAM-SHA-256 verifier string.
//
// Example: SCRAM-SHA-256$4096:W22ZaJ0SNY7soEsUEjb6gQ==$WG5d8oPm...=:HKZfku...=
func ParseVerifier(verifier string) (*Verifier, error) {
	if verifier == "" {
		return nil, fmt.Errorf("empty verifier string")
	}

	if !strings.HasPrefix(verifier, SHA256Prefix+"$") {
		return nil, fmt.Errorf("invalid SCRAM-SHA-256 verifier: expected %q prefix", SHA256Prefix)
	}
	remainder := strings.TrimPrefix(verifier, SHA256Prefix+"$")

	parts := strings.Split(remainder, "$")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid SCRAM-SHA-256 verifier: expected 2 parts separated by '$', got %d", len(parts))
	}

	iterSaltParts := strings.SplitN(parts[0], ":", 2)
	if len(iterSaltParts) != 2 {
		return nil, fmt.Errorf("invalid SCRAM-SHA-256 verifier: expected iterations:salt")
	}

	iterations, err := strconv.Atoi(iterSaltParts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid iterations value: %w", err)
	}
	if iterations < MinIterationCount {
		return nil, fmt.Errorf("iteration count %d below minimum %d", iterations, MinIterationCount)
	}

	salt, err := base64.StdEncoding.DecodeString(iterSaltParts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid salt (base64 decode failed): %w", err)
	}
	if len(salt) < MinSaltLength {
		return nil, fmt.Errorf("salt length %d below minimum %d bytes", len(salt), MinSaltLength)
	}

	keyParts := strings.SplitN(parts[1], ":", 2)
	if len(keyParts) != 2 {
		return nil, fmt.Errorf("invalid SCRAM-SHA-256 verifier: expected StoredKey:ServerKey")
	}

	storedKey, err := base64.StdEncoding.DecodeString(keyParts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid StoredKey (base64 decode failed): %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(keyParts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid ServerKey (base64 decode failed): %w", err)
	}

	return &Verifier{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}, nil
}

// IsVerifier reports whether the string looks like a SCRAM-SHA-256 verifier.
// This is a prefix check only.
func IsVerifier(s string) bool {
	return strings.HasPrefix(s, SHA256Prefix)
}

// BuildVerifier derives a verifier string from a plaintext password with a
// fresh random salt. Used on the tenant-provisioning write path; the
// plaintext is never stored.
func BuildVerifier(password string) (string, error) {
	salt := make([]byte, defaultSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	saltedPassword := ComputeSaltedPassword(password, salt, DefaultIterations)
	clientKey := ComputeClientKey(saltedPassword)
	storedKey := ComputeStoredKey(clientKey)
	serverKey := ComputeServerKey(saltedPassword)

	return fmt.Sprintf("%s$%d:%s$%s:%s",
		SHA256Prefix,
		DefaultIterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(storedKey),
		base64.StdEncoding.EncodeToString(serverKey),
	), nil
}

// String re-encodes the verifier in PostgreSQL's storage format.
func (v *Verifier) String() string {
	return fmt.Sprintf("%s$%d:%s$%s:%s",
		SHA256Prefix,
		v.Iterations,
		base64.StdEncoding.EncodeToString(v.Salt),
		base64.StdEncoding.EncodeToString(v.StoredKey),
		base64.StdEncoding.EncodeToString(v.ServerKey),
	)
}
