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
	"errors"
	"fmt"
	"strings"
)

// ErrAuthenticationFailed indicates the password proof was invalid.
var ErrAuthenticationFailed = errors.New("authentication failed")

// authenticatorState tracks the current phase of the SCRAM handshake.
type authenticatorState int

const (
	stateStarted authenticatorState = iota
	stateClientFirstReceived
	stateAuthenticated
	stateFailed
)

// Authenticator runs the server side of one SCRAM-SHA-256 exchange against a
// verifier fetched before the handshake starts.
//
// Usage:
//  1. Send AuthenticationSASL advertising Mechanisms().
//  2. Feed the SASLInitialResponse body to HandleClientFirst and send the
//     result in AuthenticationSASLContinue.
//  3. Feed the final SASLResponse body to HandleClientFinal and send the
//     result in AuthenticationSASLFinal.
//
// Authenticator is not safe for concurrent use; each connection owns its own
// instance, and an instance is good for a single attempt.
type Authenticator struct {
	verifier *Verifier

	state authenticatorState

	// Nonces for replay protection.
	clientNonce   string
	combinedNonce string

	// Messages retained for AuthMessage computation.
	clientFirstMessageBare string
	serverFirstMessage     string

	// expectedChannelBinding is the base64 of the client-first GS2 header;
	// the client-final c= attribute must match it exactly.
	expectedChannelBinding string

	// username as presented in the client-first-message. PostgreSQL clients
	// typically send an empty SCRAM username and rely on the startup packet,
	// but it is retained for diagnostics.
	username string
}

// NewAuthenticator creates an authenticator for one exchange against the
// given verifier.
//
// Panics if verifier is nil: the auth gate must fetch and method-check the
// tenant's record before starting the handshake.
func NewAuthenticator(verifier *Verifier) *Authenticator {
	if verifier == nil {
		panic("scram: verifier cannot be nil")
	}
	return &Authenticator{
		verifier: verifier,
		state:    stateStarted,
	}
}

// Mechanisms returns the SASL mechanisms to advertise.
func (a *Authenticator) Mechanisms() []string {
	return []string{SHA256Mechanism}
}

// HandleClientFirst processes the client-first-message and returns the
// server-first-message (combined nonce, salt, iteration count).
func (a *Authenticator) HandleClientFirst(clientFirstMessage string) (string, error) {
	if a.state != stateStarted {
		return "", fmt.Errorf("scram: invalid state for HandleClientFirst (%d)", a.state)
	}

	parsed, err := parseClientFirstMessage(clientFirstMessage)
	if err != nil {
		a.state = stateFailed
		return "", fmt.Errorf("scram: invalid client-first-message: %w", err)
	}

	a.username = parsed.username
	a.clientNonce = parsed.clientNonce
	a.clientFirstMessageBare = parsed.clientFirstMessageBare
	a.expectedChannelBinding = base64.StdEncoding.EncodeToString([]byte(parsed.gs2Header))

	serverFirstMessage, combinedNonce, err := generateServerFirstMessage(
		a.clientNonce,
		a.verifier.Salt,
		a.verifier.Iterations,
	)
	if err != nil {
		a.state = stateFailed
		return "", fmt.Errorf("scram: failed to generate server-first-message: %w", err)
	}

	a.serverFirstMessage = serverFirstMessage
	a.combinedNonce = combinedNonce
	a.state = stateClientFirstReceived

	return serverFirstMessage, nil
}

// HandleClientFinal processes the client-final-message, verifies the proof,
// and returns the server-final-message (server signature) on success.
//
// Returns ErrAuthenticationFailed when the proof does not match the verifier.
func (a *Authenticator) HandleClientFinal(clientFinalMessage string) (string, error) {
	if a.state != stateClientFirstReceived {
		return "", fmt.Errorf("scram: invalid state for HandleClientFinal (%d)", a.state)
	}

	parsed, err := parseClientFinalMessage(clientFinalMessage)
	if err != nil {
		a.state = stateFailed
		return "", fmt.Errorf("scram: invalid client-final-message: %w", err)
	}

	if parsed.channelBinding != a.expectedChannelBinding {
		a.state = stateFailed
		return "", fmt.Errorf("scram: channel binding %q does not match the client-first GS2 header", parsed.channelBinding)
	}
	if parsed.nonce != a.combinedNonce {
		a.state = stateFailed
		return "", fmt.Errorf("scram: nonce mismatch")
	}
	if !strings.HasPrefix(parsed.nonce, a.clientNonce) {
		a.state = stateFailed
		return "", fmt.Errorf("scram: combined nonce does not start with client nonce")
	}

	authMessage := buildAuthMessage(
		a.clientFirstMessageBare,
		a.serverFirstMessage,
		parsed.clientFinalMessageWithoutProof,
	)

	if err := VerifyClientProof(a.verifier.StoredKey, authMessage, parsed.proof); err != nil {
		a.state = stateFailed
		return "", err
	}

	serverSignature := ComputeServerSignature(a.verifier.ServerKey, authMessage)
	a.state = stateAuthenticated
	return generateServerFinalMessage(serverSignature), nil
}

// IsAuthenticated reports whether the exchange completed successfully.
func (a *Authenticator) IsAuthenticated() bool {
	return a.state == stateAuthenticated
}
