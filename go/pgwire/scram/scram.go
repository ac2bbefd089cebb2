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

// Package scram implements the server side of SCRAM-SHA-256 (RFC 5802) as
// PostgreSQL speaks it. The gateway verifies clients against stored verifier
// data only; no plaintext password is ever transmitted or stored.
package scram

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// SHA256Mechanism is the SASL mechanism name for SCRAM-SHA-256.
	SHA256Mechanism = "SCRAM-SHA-256"

	// serverNonceLength is the number of random bytes appended to the
	// client nonce.
	serverNonceLength = 18
)

// clientFirstMessage is a parsed SCRAM client-first-message:
// gs2-header "," username "," nonce.
type clientFirstMessage struct {
	gs2CbindFlag string
	username     string
	clientNonce  string

	// gs2Header is the raw GS2 header including its trailing comma, e.g.
	// "n,,". The client-final-message must echo it base64-encoded in c=.
	gs2Header string

	// clientFirstMessageBare is the message without the GS2 header, needed
	// for AuthMessage computation.
	clientFirstMessageBare string
}

// clientFinalMessage is a parsed SCRAM client-final-message:
// channel-binding "," nonce "," proof.
type clientFinalMessage struct {
	channelBinding string
	nonce          string
	proof          []byte

	clientFinalMessageWithoutProof string
}

// parseClientFirstMessage parses e.g. "n,,n=user,r=fyko+d2lbbFgONRv9qkxdawL".
func parseClientFirstMessage(msg string) (*clientFirstMessage, error) {
	if msg == "" {
		return nil, errors.New("empty client-first-message")
	}

	parts := strings.SplitN(msg, ",", 3)
	if len(parts) < 3 {
		return nil, errors.New("invalid client-first-message: expected at least 3 comma-separated parts")
	}

	gs2CbindFlag := parts[0]
	switch {
	case gs2CbindFlag == "n":
		// Client doesn't support channel binding.
	case gs2CbindFlag == "y":
		// Client supports channel binding but thinks we don't.
	case strings.HasPrefix(gs2CbindFlag, "p="):
		return nil, fmt.Errorf("channel binding not supported (client requested %q)", gs2CbindFlag)
	default:
		return nil, fmt.Errorf("invalid GS2 channel binding flag: %q", gs2CbindFlag)
	}

	if authzid := parts[1]; authzid != "" && !strings.HasPrefix(authzid, "a=") {
		return nil, fmt.Errorf("invalid authzid part: %q", authzid)
	}

	clientFirstMessageBare := parts[2]

	var username, clientNonce string
	for attr := range strings.SplitSeq(clientFirstMessageBare, ",") {
		if strings.HasPrefix(attr, "n=") {
			username = decodeSaslName(attr[2:])
		} else if strings.HasPrefix(attr, "r=") {
			clientNonce = attr[2:]
		}
		// Other attributes are extensions and ignored.
	}

	if clientNonce == "" {
		return nil, errors.New("missing nonce in client-first-message")
	}

	return &clientFirstMessage{
		gs2CbindFlag:           gs2CbindFlag,
		username:               username,
		clientNonce:            clientNonce,
		gs2Header:              gs2CbindFlag + "," + parts[1] + ",",
		clientFirstMessageBare: clientFirstMessageBare,
	}, nil
}

// parseClientFinalMessage parses e.g. "c=biws,r=...,p=...".
func parseClientFinalMessage(msg string) (*clientFinalMessage, error) {
	if msg == "" {
		return nil, errors.New("empty client-final-message")
	}

	var channelBinding, nonce, proofB64 string
	for attr := range strings.SplitSeq(msg, ",") {
		switch {
		case strings.HasPrefix(attr, "c="):
			channelBinding = attr[2:]
		case strings.HasPrefix(attr, "r="):
			nonce = attr[2:]
		case strings.HasPrefix(attr, "p="):
			proofB64 = attr[2:]
		}
	}

	if channelBinding == "" {
		return nil, errors.New("missing channel binding in client-final-message")
	}
	if nonce == "" {
		return nil, errors.New("missing nonce in client-final-message")
	}
	if proofB64 == "" {
		return nil, errors.New("missing proof in client-final-message")
	}

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, fmt.Errorf("invalid proof (base64 decode failed): %w", err)
	}

	proofIdx := strings.LastIndex(msg, ",p=")
	if proofIdx == -1 {
		return nil, errors.New("malformed client-final-message: cannot find proof separator")
	}

	return &clientFinalMessage{
		channelBinding:                 channelBinding,
		nonce:                          nonce,
		proof:                          proof,
		clientFinalMessageWithoutProof: msg[:proofIdx],
	}, nil
}

// generateServerFirstMessage builds "r=<nonce>,s=<salt>,i=<iterations>" and
// returns it together with the combined nonce.
func generateServerFirstMessage(clientNonce string, salt []byte, iterations int) (string, string, error) {
	if clientNonce == "" {
		return "", "", errors.New("client nonce cannot be empty")
	}
	if len(salt) == 0 {
		return "", "", errors.New("salt cannot be empty")
	}
	if iterations <= 0 {
		return "", "", errors.New("iterations must be positive")
	}

	serverNonceBytes := make([]byte, serverNonceLength)
	if _, err := rand.Read(serverNonceBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate server nonce: %w", err)
	}

	combinedNonce := clientNonce + base64.StdEncoding.EncodeToString(serverNonceBytes)
	saltB64 := base64.StdEncoding.EncodeToString(salt)
	msg := fmt.Sprintf("r=%s,s=%s,i=%d", combinedNonce, saltB64, iterations)

	return msg, combinedNonce, nil
}

// generateServerFinalMessage builds "v=" base64(server-signature).
func generateServerFinalMessage(serverSignature []byte) string {
	return "v=" + base64.StdEncoding.EncodeToString(serverSignature)
}

// decodeSaslName decodes a SASL-encoded username ('=' as '=3D', ',' as '=2C').
func decodeSaslName(s string) string {
	s = strings.ReplaceAll(s, "=2C", ",")
	s = strings.ReplaceAll(s, "=3D", "=")
	return s
}
