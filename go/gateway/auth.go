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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/supabase/pggate/go/metadata"
	"github.com/supabase/pggate/go/pgwire"
	"github.com/supabase/pggate/go/pgwire/scram"
)

// AuthGate authenticates clients against per-tenant credentials before any
// backend is touched. The gateway negotiates exactly one method, fixed by
// configuration; a tenant whose stored record uses a different method is
// rejected without attempting verification.
type AuthGate struct {
	store  metadata.Store
	method metadata.AuthMethod
	logger *slog.Logger
}

// NewAuthGate creates an AuthGate negotiating the given method.
func NewAuthGate(store metadata.Store, method metadata.AuthMethod, logger *slog.Logger) (*AuthGate, error) {
	if store == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if !method.Valid() {
		return nil, fmt.Errorf("unsupported auth method %q", method)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthGate{store: store, method: method, logger: logger}, nil
}

// Authenticate runs the configured authentication exchange on c. On any
// failure the client has already received a FATAL ErrorResponse and the
// connection is closed; the returned error is for logging only.
func (g *AuthGate) Authenticate(ctx context.Context, c *ClientConn) error {
	record, err := g.store.GetAuthRecord(ctx, c.tenantID)
	if errors.Is(err, metadata.ErrTenantNotFound) {
		return c.Fail(pgwire.FatalError(pgwire.CodeConnectionException,
			fmt.Sprintf("database %q does not exist", c.tenantID)))
	}
	if err != nil {
		g.logger.Error("metadata lookup failed", "tenant_id", c.tenantID, "error", err)
		return c.Fail(pgwire.FatalError(pgwire.CodeInternalError, "internal error"))
	}

	if record.Method != g.method {
		c.logger.Warn("auth method mismatch", "stored", record.Method, "negotiated", g.method)
		return c.Fail(pgwire.FatalError(pgwire.CodeInvalidAuthorization,
			fmt.Sprintf("unsupported authentication method for database %q", c.tenantID)))
	}

	switch g.method {
	case metadata.AuthMethodMD5:
		return g.authenticateMD5(c, record)
	case metadata.AuthMethodSCRAM:
		return g.authenticateSCRAM(c, record)
	default:
		return c.Fail(pgwire.FatalError(pgwire.CodeInternalError, "internal error"))
	}
}

// authenticateMD5 runs the salted md5 challenge/response exchange.
func (g *AuthGate) authenticateMD5(c *ClientConn, record *metadata.AuthRecord) error {
	salt, err := pgwire.MD5Salt()
	if err != nil {
		return c.Fail(pgwire.FatalError(pgwire.CodeInternalError, "internal error"))
	}

	w := pgwire.NewMessageWriter()
	w.WriteInt32(pgwire.AuthMD5Password)
	w.WriteBytes(salt[:])
	if err := c.WriteMessage(pgwire.MsgAuthenticationRequest, w.Bytes()); err != nil {
		return fmt.Errorf("sending md5 challenge: %w", err)
	}

	body, err := g.readPasswordMessage(c)
	if err != nil {
		return err
	}
	response, err := pgwire.NewMessageReader(body).ReadString()
	if err != nil {
		return c.Fail(pgwire.FatalError(pgwire.CodeProtocolViolation, "malformed password message"))
	}

	ok, err := pgwire.VerifyMD5Response(record.Data, salt, response)
	if err != nil {
		g.logger.Error("stored md5 credential is unusable", "tenant_id", c.tenantID, "error", err)
		return c.Fail(pgwire.FatalError(pgwire.CodeInternalError, "internal error"))
	}
	if !ok {
		return c.Fail(authFailed(c))
	}
	return nil
}

// authenticateSCRAM runs the SCRAM-SHA-256 SASL exchange.
func (g *AuthGate) authenticateSCRAM(c *ClientConn, record *metadata.AuthRecord) error {
	verifier, err := scram.ParseVerifier(record.Data)
	if err != nil {
		g.logger.Error("stored scram verifier is unusable", "tenant_id", c.tenantID, "error", err)
		return c.Fail(pgwire.FatalError(pgwire.CodeInternalError, "internal error"))
	}
	auth := scram.NewAuthenticator(verifier)

	w := pgwire.NewMessageWriter()
	w.WriteInt32(pgwire.AuthSASL)
	for _, mechanism := range auth.Mechanisms() {
		w.WriteString(mechanism)
	}
	w.WriteByte(0) // Mechanism list terminator.
	if err := c.WriteMessage(pgwire.MsgAuthenticationRequest, w.Bytes()); err != nil {
		return fmt.Errorf("sending sasl mechanisms: %w", err)
	}

	body, err := g.readPasswordMessage(c)
	if err != nil {
		return err
	}
	r := pgwire.NewMessageReader(body)
	mechanism, err := r.ReadString()
	if err != nil {
		return c.Fail(pgwire.FatalError(pgwire.CodeProtocolViolation, "malformed SASLInitialResponse"))
	}
	if mechanism != scram.SHA256Mechanism {
		return c.Fail(pgwire.FatalError(pgwire.CodeInvalidAuthorization,
			fmt.Sprintf("unsupported SASL mechanism %q", mechanism)))
	}
	responseLen, err := r.ReadInt32()
	if err != nil || responseLen < 0 {
		return c.Fail(pgwire.FatalError(pgwire.CodeProtocolViolation, "malformed SASLInitialResponse"))
	}
	initial, err := r.ReadBytes(int(responseLen))
	if err != nil {
		return c.Fail(pgwire.FatalError(pgwire.CodeProtocolViolation, "malformed SASLInitialResponse"))
	}

	serverFirst, err := auth.HandleClientFirst(string(initial))
	if err != nil {
		return c.Fail(pgwire.FatalError(pgwire.CodeProtocolViolation, "malformed SCRAM client-first-message"))
	}
	w = pgwire.NewMessageWriter()
	w.WriteInt32(pgwire.AuthSASLContinue)
	w.WriteBytes([]byte(serverFirst))
	if err := c.WriteMessage(pgwire.MsgAuthenticationRequest, w.Bytes()); err != nil {
		return fmt.Errorf("sending sasl continue: %w", err)
	}

	body, err = g.readPasswordMessage(c)
	if err != nil {
		return err
	}
	serverFinal, err := auth.HandleClientFinal(string(body))
	if errors.Is(err, scram.ErrAuthenticationFailed) {
		return c.Fail(authFailed(c))
	}
	if err != nil {
		return c.Fail(pgwire.FatalError(pgwire.CodeProtocolViolation, "malformed SCRAM client-final-message"))
	}

	w = pgwire.NewMessageWriter()
	w.WriteInt32(pgwire.AuthSASLFinal)
	w.WriteBytes([]byte(serverFinal))
	if err := c.WriteMessage(pgwire.MsgAuthenticationRequest, w.Bytes()); err != nil {
		return fmt.Errorf("sending sasl final: %w", err)
	}
	return nil
}

// readPasswordMessage reads the next client message and requires it to be a
// password ('p') message. Clients that give up send Terminate instead; that
// is a clean abort, not a protocol violation.
func (g *AuthGate) readPasswordMessage(c *ClientConn) ([]byte, error) {
	msgType, body, err := c.ReadMessage()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("reading password message: %w", err)
	}
	switch msgType {
	case pgwire.MsgPasswordMsg:
		return body, nil
	case pgwire.MsgTerminate:
		_ = c.Close()
		return nil, fmt.Errorf("client terminated during authentication")
	default:
		return nil, c.Fail(pgwire.FatalError(pgwire.CodeProtocolViolation,
			fmt.Sprintf("expected password message, got %q", msgType)))
	}
}

// authFailed builds the credential-mismatch diagnostic. The message matches
// the backend's wording and deliberately does not say which part of the
// credential was wrong.
func authFailed(c *ClientConn) *pgwire.Diagnostic {
	user := ""
	if c.startup != nil {
		user = c.startup.User()
	}
	return pgwire.FatalError(pgwire.CodeInvalidPassword,
		fmt.Sprintf("password authentication failed for user %q", user))
}
