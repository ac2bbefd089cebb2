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
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// md5Prefix marks an MD5-hashed password, as stored in pg_authid.
const md5Prefix = "md5"

// MD5Salt generates the 4 random bytes sent in AuthenticationMD5Password.
func MD5Salt() ([4]byte, error) {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("generating md5 salt: %w", err)
	}
	return salt, nil
}

// EncodeMD5Password computes the stored form of an MD5 password:
// "md5" + hex(md5(password + username)). This is what the metadata store
// holds for tenants using md5 auth.
func EncodeMD5Password(username, password string) string {
	sum := md5.Sum([]byte(password + username))
	return md5Prefix + hex.EncodeToString(sum[:])
}

// ExpectedMD5Response computes the response a client must send for the given
// stored hash and challenge salt: "md5" + hex(md5(hex-digest + salt)).
// storedHash is the "md5"-prefixed value from the metadata store.
func ExpectedMD5Response(storedHash string, salt [4]byte) (string, error) {
	if len(storedHash) != len(md5Prefix)+32 || storedHash[:len(md5Prefix)] != md5Prefix {
		return "", fmt.Errorf("stored password is not an md5 hash")
	}
	h := md5.New()
	h.Write([]byte(storedHash[len(md5Prefix):]))
	h.Write(salt[:])
	return md5Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyMD5Response checks a client's password message against the stored
// hash and the salt issued in the challenge. The comparison is constant-time.
func VerifyMD5Response(storedHash string, salt [4]byte, response string) (bool, error) {
	expected, err := ExpectedMD5Response(storedHash, salt)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1, nil
}
