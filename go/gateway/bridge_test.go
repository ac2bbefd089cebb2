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
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supabase/pggate/go/pgwire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelayTCP(t *testing.T) {
	clientApp, gatewayClient := net.Pipe()
	gatewayBackend, backend := net.Pipe()

	cc := newClientConn(gatewayClient, "tenant1", discardLogger())

	relayDone := make(chan struct{})
	go func() {
		RelayTCP(cc, gatewayBackend, discardLogger())
		close(relayDone)
	}()

	// Client to backend.
	query := pgwire.EncodeMessage(pgwire.MsgQuery, append([]byte("SELECT 1"), 0))
	go func() { _, _ = clientApp.Write(query) }()
	got := make([]byte, len(query))
	_, err := io.ReadFull(backend, got)
	require.NoError(t, err)
	assert.Equal(t, query, got)

	// Backend to client.
	ready := pgwire.EncodeMessage(pgwire.MsgReadyForQuery, []byte{pgwire.TxnStatusIdle})
	go func() { _, _ = backend.Write(ready) }()
	got = make([]byte, len(ready))
	_, err = io.ReadFull(clientApp, got)
	require.NoError(t, err)
	assert.Equal(t, ready, got)

	// Closing the client ends the relay and tears down the backend side.
	_ = clientApp.Close()
	select {
	case <-relayDone:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish after client close")
	}
	_, err = backend.Read(make([]byte, 1))
	require.Error(t, err)
}

// wsEcho upgrades connections, records each binary frame it receives, and
// echoes it back.
type wsEcho struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames [][]byte
}

func (e *wsEcho) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		e.mu.Lock()
		e.frames = append(e.frames, data)
		e.mu.Unlock()
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}

func TestRelayWebSocket(t *testing.T) {
	echo := &wsEcho{}
	server := httptest.NewServer(echo)
	defer server.Close()

	wsConn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	ws := NewWSSession(wsConn)

	clientApp, gatewayClient := net.Pipe()
	cc := newClientConn(gatewayClient, "tenant1", discardLogger())

	relayDone := make(chan struct{})
	go func() {
		RelayWebSocket(cc, ws, discardLogger())
		close(relayDone)
	}()

	// Deliver one protocol message split across two writes; the socket side
	// must still see exactly one complete frame.
	query := pgwire.EncodeMessage(pgwire.MsgQuery, append([]byte("SELECT 1"), 0))
	go func() {
		_, _ = clientApp.Write(query[:3])
		_, _ = clientApp.Write(query[3:])
	}()

	// The echo sends the frame back; the client must receive the same bytes.
	got := make([]byte, len(query))
	_, err = io.ReadFull(clientApp, got)
	require.NoError(t, err)
	assert.Equal(t, query, got)

	echo.mu.Lock()
	require.Len(t, echo.frames, 1, "partial writes must be reassembled into one frame")
	assert.Equal(t, query, echo.frames[0])
	echo.mu.Unlock()

	// Client close tears down the socket session too.
	_ = clientApp.Close()
	select {
	case <-relayDone:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish after client close")
	}
	select {
	case <-ws.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("socket session not closed after relay teardown")
	}
}
