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
	"bufio"
	"log/slog"
	"net"

	"github.com/supabase/pggate/go/pgwire"
)

// ClientConn is one accepted client connection after TLS establishment. It
// owns the buffered reader, so all reads after the handshake must go through
// it: bytes already buffered would otherwise be lost to the relay.
type ClientConn struct {
	conn     net.Conn
	reader   *bufio.Reader
	logger   *slog.Logger
	tenantID string
	startup  *pgwire.StartupMessage
}

func newClientConn(conn net.Conn, tenantID string, logger *slog.Logger) *ClientConn {
	return &ClientConn{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		logger:   logger.With("tenant_id", tenantID, "remote_addr", conn.RemoteAddr().String()),
		tenantID: tenantID,
	}
}

// TenantID returns the tenant this connection was routed to.
func (c *ClientConn) TenantID() string {
	return c.tenantID
}

// Startup returns the parsed startup message, nil before startup completes.
func (c *ClientConn) Startup() *pgwire.StartupMessage {
	return c.startup
}

// ReadMessage reads one framed protocol message from the client.
func (c *ClientConn) ReadMessage() (byte, []byte, error) {
	return pgwire.ReadMessage(c.reader)
}

// WriteMessage frames and writes one protocol message to the client.
func (c *ClientConn) WriteMessage(msgType byte, body []byte) error {
	return pgwire.WriteMessage(c.conn, msgType, body)
}

// Fail sends the diagnostic to the client, closes the connection, and returns
// the diagnostic as the session error. Every auth or routing failure goes
// through here so the client always learns why before the socket drops.
func (c *ClientConn) Fail(diag *pgwire.Diagnostic) error {
	if err := diag.WriteTo(c.conn); err != nil {
		c.logger.Debug("failed to deliver error response", "error", err)
	}
	_ = c.conn.Close()
	return diag
}

// Close closes the underlying connection.
func (c *ClientConn) Close() error {
	return c.conn.Close()
}
