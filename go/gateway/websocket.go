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
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/supabase/pggate/go/metadata"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSSession wraps one upgraded socket connection holding a tenant's
// browser-resident database. Writes are serialized; reads belong to a single
// relay goroutine at a time.
type WSSession struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSSession wraps an upgraded connection.
func NewWSSession(conn *websocket.Conn) *WSSession {
	return &WSSession{conn: conn, done: make(chan struct{})}
}

// WriteBinary sends one complete protocol message as a binary frame.
func (s *WSSession) WriteBinary(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// ReadBinary returns the payload of the next binary frame, skipping any
// text frames.
func (s *WSSession) ReadBinary() ([]byte, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.markDone()
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Ping sends a control ping; an error means the peer is gone.
func (s *WSSession) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// Close tears down the connection. Safe to call from any goroutine and more
// than once.
func (s *WSSession) Close() error {
	err := s.conn.Close()
	s.markDone()
	return err
}

// Done is closed when the session has ended.
func (s *WSSession) Done() <-chan struct{} {
	return s.done
}

func (s *WSSession) markDone() {
	s.closeOnce.Do(func() { close(s.done) })
}

// WSHandlerConfig configures the socket registration endpoint.
type WSHandlerConfig struct {
	Registry *Registry
	Store    metadata.Store
	Logger   *slog.Logger

	// CheckOrigin overrides the upgrader's origin policy. Nil keeps the
	// default same-origin check.
	CheckOrigin func(r *http.Request) bool
}

// WSHandler accepts socket registrations from browser-resident databases.
// The browser connects with its tenant id; from then on the gateway forwards
// protocol messages for that tenant over this connection.
type WSHandler struct {
	registry *Registry
	store    metadata.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates the registration endpoint handler.
func NewWSHandler(config WSHandlerConfig) (*WSHandler, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		registry: config.Registry,
		store:    config.Store,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     config.CheckOrigin,
		},
	}, nil
}

// ServeHTTP upgrades the request and holds the session open until either
// side ends it. The tenant id comes from the "database" query parameter and
// must exist in the metadata store.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("database")
	if tenantID == "" {
		http.Error(w, "missing database parameter", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetAuthRecord(r.Context(), tenantID); err != nil {
		if errors.Is(err, metadata.ErrTenantNotFound) {
			http.Error(w, "database not found", http.StatusNotFound)
			return
		}
		h.logger.Error("metadata lookup failed", "tenant_id", tenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("socket upgrade failed", "tenant_id", tenantID, "error", err)
		return
	}

	session := NewWSSession(conn)
	if err := h.registry.RegisterWS(tenantID, session); err != nil {
		h.logger.Warn("rejecting duplicate socket registration", "tenant_id", tenantID)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "database already connected"),
			time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
		return
	}
	defer h.registry.UnregisterWS(tenantID, session)

	h.logger.Info("socket session registered", "tenant_id", tenantID, "remote_addr", r.RemoteAddr)
	h.keepAlive(r.Context(), session)
	h.logger.Info("socket session ended", "tenant_id", tenantID)
}

// keepAlive pings the session until it ends. No goroutine reads the
// connection while no client is attached, so pings are the only liveness
// signal for an idle browser.
func (h *WSHandler) keepAlive(ctx context.Context, session *WSSession) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = session.Close()
			return
		case <-session.Done():
			return
		case <-ticker.C:
			if err := session.Ping(); err != nil {
				_ = session.Close()
				return
			}
		}
	}
}
