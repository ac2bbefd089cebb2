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

// Package worker implements the agent running inside each fleet instance.
// It accepts the gateway's handed-off connections, materializes the tenant's
// data directory from the snapshot cache, points the engine at it, and then
// relays bytes. Authentication already happened at the gateway; the agent
// port is only reachable on the private network.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/supabase/pggate/go/pgwire"
	"github.com/supabase/pggate/go/snapcache"
)

// startupReadTimeout bounds how long the agent waits for the gateway's
// startup hand-off on a fresh connection.
const startupReadTimeout = 10 * time.Second

// Config configures the agent server.
type Config struct {
	// ListenAddr is the TCP address the gateway dials, e.g. ":5432".
	ListenAddr string

	Cache  *snapcache.Cache
	Engine *Engine
	Logger *slog.Logger
}

// Server is the instance agent.
type Server struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer validates the configuration and creates a Server.
func NewServer(config Config) (*Server, error) {
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if config.Cache == nil {
		return nil, fmt.Errorf("snapshot cache is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("engine supervisor is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{config: config, logger: logger}, nil
}

// Serve listens and accepts until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("agent listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic handling connection", "remote_addr", conn.RemoteAddr().String(), "panic", r)
					_ = conn.Close()
				}
			}()
			s.handleConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	s.config.Engine.Stop()
	s.logger.Info("agent stopped")
	return nil
}

// Addr returns the bound listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn consumes the gateway's startup hand-off to learn the tenant,
// prepares data directory and engine, and relays the rest of the stream.
// The engine speaks the post-startup protocol, so the startup packet stops
// here.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(startupReadTimeout))

	body, err := pgwire.ReadStartupPacket(conn)
	if err != nil {
		s.logger.Debug("failed to read startup hand-off", "remote_addr", conn.RemoteAddr().String(), "error", err)
		return
	}
	startup, err := pgwire.ParseStartupMessage(body)
	if err != nil {
		s.fail(conn, pgwire.FatalError(pgwire.CodeProtocolViolation, err.Error()))
		return
	}
	tenantID := startup.Database()
	logger := s.logger.With("tenant_id", tenantID, "remote_addr", conn.RemoteAddr().String())

	if !validTenantID(tenantID) {
		s.fail(conn, pgwire.FatalError(pgwire.CodeConnectionException,
			fmt.Sprintf("invalid database name %q", tenantID)))
		return
	}

	dataDir, err := s.config.Cache.Materialize(ctx, tenantID)
	if errors.Is(err, snapcache.ErrSnapshotNotFound) {
		s.fail(conn, pgwire.FatalError(pgwire.CodeConnectionException,
			fmt.Sprintf("database %q does not exist", tenantID)))
		return
	}
	if err != nil {
		logger.Error("failed to materialize database", "error", err)
		s.fail(conn, pgwire.FatalError(pgwire.CodeInternalError, "failed to prepare database"))
		return
	}

	socketPath, err := s.config.Engine.Ensure(ctx, tenantID, dataDir)
	if err != nil {
		logger.Error("engine unavailable", "error", err)
		s.fail(conn, pgwire.FatalError(pgwire.CodeConnectionFailure, "database engine is not available"))
		return
	}

	engineConn, err := net.Dial("unix", socketPath)
	if err != nil {
		logger.Error("failed to dial engine", "error", err)
		s.fail(conn, pgwire.FatalError(pgwire.CodeConnectionFailure, "database engine is not available"))
		return
	}

	_ = conn.SetDeadline(time.Time{})
	logger.Info("session attached")
	pipe(conn, engineConn, logger)
	logger.Info("session detached")
}

func (s *Server) fail(conn net.Conn, diag *pgwire.Diagnostic) {
	_ = diag.WriteTo(conn)
}

// pipe copies bytes both ways until both directions finish, propagating
// half-closes where the transport supports them.
func pipe(a, b net.Conn, logger *slog.Logger) {
	done := make(chan struct{}, 2)
	copyHalf := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		if _, err := io.Copy(dst, src); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug("relay copy ended", "error", err)
		}
		type halfCloser interface{ CloseWrite() error }
		if hc, ok := dst.(halfCloser); ok {
			_ = hc.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}
	go copyHalf(b, a)
	go copyHalf(a, b)
	<-done
	<-done
	_ = a.Close()
	_ = b.Close()
}

// validTenantID keeps tenant-derived filesystem paths sane: lowercase
// alphanumerics and hyphens only, the same alphabet as the DNS label the
// gateway resolved it from.
func validTenantID(id string) bool {
	if id == "" || len(id) > 63 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return !strings.HasPrefix(id, "-") && !strings.HasSuffix(id, "-")
}
