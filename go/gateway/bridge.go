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
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/supabase/pggate/go/pgwire"
)

// halfCloser is satisfied by *net.TCPConn and *tls.Conn. Shutting down only
// the write side lets in-flight responses drain before the socket dies.
type halfCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// RelayTCP copies bytes between the authenticated client and a TCP backend
// until both directions finish. Neither direction is parsed: after startup
// the gateway is a byte pipe. Half-closes propagate so a backend that sends
// a final ErrorResponse after the client disconnects still gets it through.
func RelayTCP(client *ClientConn, backend net.Conn, logger *slog.Logger) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		// Reads go through the client's buffered reader: startup parsing may
		// have buffered bytes past the last consumed message.
		_, err := io.Copy(backend, client.reader)
		if err != nil && !isClosedConn(err) {
			logger.Debug("client to backend copy ended", "error", err)
		}
		closeWrite(backend)
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		_, err := io.Copy(client.conn, backend)
		if err != nil && !isClosedConn(err) {
			logger.Debug("backend to client copy ended", "error", err)
		}
		closeWrite(client.conn)
	}()

	<-done
	<-done
	_ = backend.Close()
	_ = client.Close()
}

// RelayWebSocket bridges the authenticated client and the tenant's socket
// session. The socket side is message-oriented, so client bytes are
// reassembled into complete protocol messages before forwarding; bytes
// coming back are written to the client as-is.
func RelayWebSocket(client *ClientConn, ws *WSSession, logger *slog.Logger) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		framer := pgwire.NewFramer()
		buf := make([]byte, 32*1024)
		for {
			n, err := client.reader.Read(buf)
			if n > 0 {
				feedErr := framer.Feed(buf[:n], func(msg []byte) error {
					return ws.WriteBinary(msg)
				})
				if feedErr != nil {
					logger.Debug("client to socket relay ended", "error", feedErr)
					return
				}
			}
			if err != nil {
				if err != io.EOF && !isClosedConn(err) {
					logger.Debug("client read ended", "error", err)
				}
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			data, err := ws.ReadBinary()
			if err != nil {
				return
			}
			if _, err := client.conn.Write(data); err != nil {
				return
			}
		}
	}()

	<-done
	// Either side ending tears down both: a half-open socket bridge has no
	// way to resynchronize message boundaries.
	_ = client.Close()
	_ = ws.Close()
	<-done
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
