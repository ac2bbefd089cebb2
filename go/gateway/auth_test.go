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
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supabase/pggate/go/metadata"
	"github.com/supabase/pggate/go/pgwire"
	"github.com/supabase/pggate/go/pgwire/scram"
)

// fakeStore serves auth records from a map.
type fakeStore struct {
	records map[string]*metadata.AuthRecord
}

func (f *fakeStore) GetAuthRecord(ctx context.Context, tenantID string) (*metadata.AuthRecord, error) {
	record, ok := f.records[tenantID]
	if !ok {
		return nil, metadata.ErrTenantNotFound
	}
	return record, nil
}

func (f *fakeStore) PutAuthRecord(ctx context.Context, tenantID string, record *metadata.AuthRecord) error {
	f.records[tenantID] = record
	return nil
}

// startAuth runs Authenticate against one end of a pipe and returns the
// other end for the scripted client, plus the result channel.
func startAuth(t *testing.T, gate *AuthGate, tenantID string) (net.Conn, chan error) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() {
		_ = clientEnd.Close()
		_ = serverEnd.Close()
	})

	cc := newClientConn(serverEnd, tenantID, discardLogger())
	cc.startup = &pgwire.StartupMessage{
		ProtocolVersion: pgwire.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "alice", "database": tenantID},
	}

	result := make(chan error, 1)
	go func() {
		result <- gate.Authenticate(context.Background(), cc)
	}()
	return clientEnd, result
}

// expectAuthRequest reads an 'R' message and returns its code and remaining
// payload.
func expectAuthRequest(t *testing.T, conn net.Conn) (int32, *pgwire.MessageReader) {
	t.Helper()
	msgType, body, err := pgwire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, byte(pgwire.MsgAuthenticationRequest), msgType)
	r := pgwire.NewMessageReader(body)
	code, err := r.ReadInt32()
	require.NoError(t, err)
	return code, r
}

// expectFatal reads an 'E' message and asserts its SQLSTATE code.
func expectFatal(t *testing.T, conn net.Conn, code string) {
	t.Helper()
	msgType, body, err := pgwire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, byte(pgwire.MsgErrorResponse), msgType)
	diag, err := pgwire.ParseDiagnostic(body)
	require.NoError(t, err)
	assert.Equal(t, "FATAL", diag.Severity)
	assert.Equal(t, code, diag.Code)
}

func newGate(t *testing.T, store metadata.Store, method metadata.AuthMethod) *AuthGate {
	t.Helper()
	gate, err := NewAuthGate(store, method, discardLogger())
	require.NoError(t, err)
	return gate
}

func TestAuthenticateMD5(t *testing.T) {
	stored := pgwire.EncodeMD5Password("alice", "secret")
	store := &fakeStore{records: map[string]*metadata.AuthRecord{
		"tenant1": {Method: metadata.AuthMethodMD5, Data: stored},
	}}
	gate := newGate(t, store, metadata.AuthMethodMD5)

	t.Run("correct password", func(t *testing.T) {
		client, result := startAuth(t, gate, "tenant1")

		code, r := expectAuthRequest(t, client)
		require.Equal(t, int32(pgwire.AuthMD5Password), code)
		saltBytes, err := r.ReadBytes(4)
		require.NoError(t, err)
		var salt [4]byte
		copy(salt[:], saltBytes)

		response, err := pgwire.ExpectedMD5Response(stored, salt)
		require.NoError(t, err)
		w := pgwire.NewMessageWriter()
		w.WriteString(response)
		require.NoError(t, pgwire.WriteMessage(client, pgwire.MsgPasswordMsg, w.Bytes()))

		require.NoError(t, <-result)
	})

	t.Run("wrong password", func(t *testing.T) {
		client, result := startAuth(t, gate, "tenant1")

		code, r := expectAuthRequest(t, client)
		require.Equal(t, int32(pgwire.AuthMD5Password), code)
		saltBytes, err := r.ReadBytes(4)
		require.NoError(t, err)
		var salt [4]byte
		copy(salt[:], saltBytes)

		wrongStored := pgwire.EncodeMD5Password("alice", "hunter2")
		response, err := pgwire.ExpectedMD5Response(wrongStored, salt)
		require.NoError(t, err)
		w := pgwire.NewMessageWriter()
		w.WriteString(response)
		require.NoError(t, pgwire.WriteMessage(client, pgwire.MsgPasswordMsg, w.Bytes()))

		expectFatal(t, client, pgwire.CodeInvalidPassword)
		require.Error(t, <-result)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		client, result := startAuth(t, gate, "missing")
		expectFatal(t, client, pgwire.CodeConnectionException)
		require.Error(t, <-result)
	})
}

func TestAuthenticateMethodMismatch(t *testing.T) {
	// Stored record is md5 but the gateway negotiates SCRAM: the session
	// must fail before any challenge is issued.
	store := &fakeStore{records: map[string]*metadata.AuthRecord{
		"tenant1": {Method: metadata.AuthMethodMD5, Data: pgwire.EncodeMD5Password("alice", "secret")},
	}}
	gate := newGate(t, store, metadata.AuthMethodSCRAM)

	client, result := startAuth(t, gate, "tenant1")
	expectFatal(t, client, pgwire.CodeInvalidAuthorization)
	require.Error(t, <-result)
}

// scramClientFinal computes the client-final-message for a server-first
// challenge.
func scramClientFinal(t *testing.T, password, clientFirstBare, serverFirst string) string {
	t.Helper()

	var combinedNonce string
	var salt []byte
	var iterations int
	for _, attr := range strings.Split(serverFirst, ",") {
		switch {
		case strings.HasPrefix(attr, "r="):
			combinedNonce = attr[2:]
		case strings.HasPrefix(attr, "s="):
			var err error
			salt, err = base64.StdEncoding.DecodeString(attr[2:])
			require.NoError(t, err)
		case strings.HasPrefix(attr, "i="):
			var err error
			iterations, err = strconv.Atoi(attr[2:])
			require.NoError(t, err)
		}
	}

	withoutProof := "c=biws,r=" + combinedNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + withoutProof

	saltedPassword := scram.ComputeSaltedPassword(password, salt, iterations)
	clientKey := scram.ComputeClientKey(saltedPassword)
	signature := scram.ComputeClientSignature(scram.ComputeStoredKey(clientKey), authMessage)

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}
	return withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
}

func runScramExchange(t *testing.T, gate *AuthGate, password string) (chan error, net.Conn) {
	t.Helper()
	client, result := startAuth(t, gate, "tenant1")

	code, r := expectAuthRequest(t, client)
	require.Equal(t, int32(pgwire.AuthSASL), code)
	mechanism, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, scram.SHA256Mechanism, mechanism)

	clientFirstBare := "n=,r=clientnonceclientnonce"
	clientFirst := "n,," + clientFirstBare
	w := pgwire.NewMessageWriter()
	w.WriteString(scram.SHA256Mechanism)
	w.WriteInt32(int32(len(clientFirst)))
	w.WriteBytes([]byte(clientFirst))
	require.NoError(t, pgwire.WriteMessage(client, pgwire.MsgPasswordMsg, w.Bytes()))

	code, r = expectAuthRequest(t, client)
	require.Equal(t, int32(pgwire.AuthSASLContinue), code)
	serverFirst := string(r.Rest())

	final := scramClientFinal(t, password, clientFirstBare, serverFirst)
	w = pgwire.NewMessageWriter()
	w.WriteBytes([]byte(final))
	require.NoError(t, pgwire.WriteMessage(client, pgwire.MsgPasswordMsg, w.Bytes()))

	return result, client
}

func TestAuthenticateSCRAM(t *testing.T) {
	verifier, err := scram.BuildVerifier("swordfish")
	require.NoError(t, err)
	store := &fakeStore{records: map[string]*metadata.AuthRecord{
		"tenant1": {Method: metadata.AuthMethodSCRAM, Data: verifier},
	}}
	gate := newGate(t, store, metadata.AuthMethodSCRAM)

	t.Run("correct password", func(t *testing.T) {
		result, client := runScramExchange(t, gate, "swordfish")

		code, _ := expectAuthRequest(t, client)
		require.Equal(t, int32(pgwire.AuthSASLFinal), code)
		require.NoError(t, <-result)
	})

	t.Run("wrong password", func(t *testing.T) {
		result, client := runScramExchange(t, gate, "not swordfish")
		expectFatal(t, client, pgwire.CodeInvalidPassword)
		require.Error(t, <-result)
	})

	t.Run("unsupported mechanism", func(t *testing.T) {
		client, result := startAuth(t, gate, "tenant1")

		code, _ := expectAuthRequest(t, client)
		require.Equal(t, int32(pgwire.AuthSASL), code)

		w := pgwire.NewMessageWriter()
		w.WriteString("SCRAM-SHA-256-PLUS")
		w.WriteInt32(0)
		require.NoError(t, pgwire.WriteMessage(client, pgwire.MsgPasswordMsg, w.Bytes()))

		expectFatal(t, client, pgwire.CodeInvalidAuthorization)
		require.Error(t, <-result)
	})

	t.Run("corrupt stored verifier", func(t *testing.T) {
		badStore := &fakeStore{records: map[string]*metadata.AuthRecord{
			"tenant1": {Method: metadata.AuthMethodSCRAM, Data: "not a verifier"},
		}}
		badGate := newGate(t, badStore, metadata.AuthMethodSCRAM)

		client, result := startAuth(t, badGate, "tenant1")
		expectFatal(t, client, pgwire.CodeInternalError)
		require.Error(t, <-result)
	})
}

func TestNewAuthGate(t *testing.T) {
	store := &fakeStore{}
	_, err := NewAuthGate(nil, metadata.AuthMethodSCRAM, discardLogger())
	require.Error(t, err)

	_, err = NewAuthGate(store, metadata.AuthMethod("trust"), discardLogger())
	require.Error(t, err)
	assert.Contains(t, fmt.Sprint(err), "trust")
}
