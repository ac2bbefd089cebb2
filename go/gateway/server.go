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

// Package gateway implements the client-facing side of the service: a TLS
// listener speaking the PostgreSQL startup and authentication protocol,
// tenant routing from SNI, and the relay that pairs each authenticated
// client with its backend (a browser-held socket session or a fleet
// instance).
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/supabase/pggate/go/fleet"
	"github.com/supabase/pggate/go/pgwire"
	"github.com/supabase/pggate/go/pool"
)

// Mode selects the backend a session is bridged to.
type Mode string

const (
	// ModeWebSocket pairs clients with browser-registered socket sessions.
	ModeWebSocket Mode = "websocket"

	// ModeMachine pairs clients with instances from the fleet pool.
	ModeMachine Mode = "machine"
)

const (
	// startupTimeout bounds the unauthenticated phase of a connection:
	// SSL negotiation, startup packet, and the whole auth exchange.
	startupTimeout = 30 * time.Second

	// acquirePollInterval is the pause between pool acquisition attempts
	// when no instance is free.
	acquirePollInterval = 250 * time.Millisecond

	// defaultAcquireTimeout bounds how long a session waits for a free
	// instance before being turned away.
	defaultAcquireTimeout = 15 * time.Second
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// ListenAddr is the TCP address clients connect to, e.g. ":5432".
	ListenAddr string

	Mode     Mode
	Resolver *Resolver
	AuthGate *AuthGate
	Registry *Registry

	// TLSConfig must carry the wildcard certificate. NewTLSConfig builds a
	// suitable one.
	TLSConfig *tls.Config

	// Pool and InstancePort are required in ModeMachine.
	Pool         *pool.Pool
	InstancePort int

	// AcquireTimeout bounds the wait for a free instance. Defaults to 15s.
	AcquireTimeout time.Duration

	Logger *slog.Logger
}

// Server accepts client connections and shepherds each one through SSL
// negotiation, startup, authentication, and into a relay.
type Server struct {
	config ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer validates the configuration and creates a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if config.Resolver == nil || config.AuthGate == nil || config.Registry == nil {
		return nil, fmt.Errorf("resolver, auth gate, and registry are required")
	}
	if config.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config is required")
	}
	switch config.Mode {
	case ModeWebSocket:
	case ModeMachine:
		if config.Pool == nil {
			return nil, fmt.Errorf("pool is required in machine mode")
		}
		if config.InstancePort == 0 {
			return nil, fmt.Errorf("instance port is required in machine mode")
		}
	default:
		return nil, fmt.Errorf("unsupported mode %q", config.Mode)
	}
	if config.AcquireTimeout == 0 {
		config.AcquireTimeout = defaultAcquireTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{config: config, logger: logger}, nil
}

// NewTLSConfig builds the listener TLS configuration: the wildcard
// certificate plus an SNI gate that rejects handshakes whose server name
// does not resolve to a tenant, before any application data flows.
func NewTLSConfig(certFile, keyFile string, resolver *Resolver) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			if _, err := resolver.Resolve(hello.ServerName); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}, nil
}

// Serve listens and accepts until ctx is cancelled, then closes the listener
// and waits for in-flight sessions to finish.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("gateway listening", "addr", listener.Addr().String(), "mode", s.config.Mode)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
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
	s.logger.Info("gateway stopped")
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

// handleConn drives one client connection from accept to relay teardown.
func (s *Server) handleConn(ctx context.Context, rawConn net.Conn) {
	_ = rawConn.SetDeadline(time.Now().Add(startupTimeout))

	client, err := s.negotiate(rawConn)
	if err != nil {
		if err != errSessionHandled {
			s.logger.Debug("startup negotiation failed", "remote_addr", rawConn.RemoteAddr().String(), "error", err)
		}
		return
	}
	logger := client.logger

	if err := s.config.AuthGate.Authenticate(ctx, client); err != nil {
		logger.Info("authentication failed", "error", err)
		return
	}

	if err := s.config.Registry.RegisterTCP(client.tenantID, client); err != nil {
		logger.Warn("rejecting duplicate session")
		_ = client.Fail(pgwire.FatalError(pgwire.CodeConnectionException,
			fmt.Sprintf("database %q already has an active connection", client.tenantID)))
		return
	}
	defer s.config.Registry.UnregisterTCP(client.tenantID, client)

	if err := s.completeStartup(client); err != nil {
		logger.Debug("failed to complete startup", "error", err)
		_ = client.Close()
		return
	}

	// Auth is done; the session now lives as long as the relay does.
	_ = client.conn.SetDeadline(time.Time{})

	logger.Info("session established")
	switch s.config.Mode {
	case ModeWebSocket:
		s.bridgeWebSocket(client)
	case ModeMachine:
		s.bridgeMachine(ctx, client)
	}
	logger.Info("session ended")
}

// errSessionHandled signals that negotiate already resolved the connection
// (cancel request, client error response sent) and nothing is left to do.
var errSessionHandled = errors.New("session handled")

// negotiate performs SSL negotiation and startup parsing and returns the
// authenticated-pending client. Connections that never reach TLS carry no
// SNI and cannot be routed, so plaintext startup is rejected outright.
func (s *Server) negotiate(rawConn net.Conn) (*ClientConn, error) {
	gssencDenied := false
	for {
		body, err := pgwire.ReadStartupPacket(rawConn)
		if err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("reading first packet: %w", err)
		}
		if len(body) < 4 {
			diag := pgwire.FatalError(pgwire.CodeProtocolViolation, "malformed startup packet")
			_ = diag.WriteTo(rawConn)
			_ = rawConn.Close()
			return nil, errSessionHandled
		}
		code := binary.BigEndian.Uint32(body)

		if code == pgwire.GSSENCRequestCode {
			// One denial per connection; the client must move on to an
			// SSLRequest.
			if gssencDenied {
				diag := pgwire.FatalError(pgwire.CodeProtocolViolation, "duplicate GSSAPI encryption request")
				_ = diag.WriteTo(rawConn)
				_ = rawConn.Close()
				return nil, errSessionHandled
			}
			gssencDenied = true
			if _, err := rawConn.Write([]byte{'N'}); err != nil {
				_ = rawConn.Close()
				return nil, err
			}
			continue
		}

		switch code {
		case pgwire.CancelRequestCode:
			// Query cancellation is keyed by backend pid/secret the gateway
			// handed out; with no tracked backends it is a no-op.
			_ = rawConn.Close()
			return nil, errSessionHandled
		case pgwire.SSLRequestCode:
		default:
			diag := pgwire.FatalError(pgwire.CodeConnectionException, "TLS is required")
			_ = diag.WriteTo(rawConn)
			_ = rawConn.Close()
			return nil, errSessionHandled
		}
		break
	}

	if _, err := rawConn.Write([]byte{'S'}); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("accepting SSL request: %w", err)
	}

	tlsConn := tls.Server(rawConn, s.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}

	serverName := tlsConn.ConnectionState().ServerName
	tenantID, err := s.config.Resolver.Resolve(serverName)
	if err != nil {
		// The handshake gate already vets SNI; this only fires for clients
		// resuming sessions or racing a config change.
		diag := pgwire.FatalError(pgwire.CodeConnectionException,
			fmt.Sprintf("server name %q does not identify a database", serverName))
		_ = diag.WriteTo(tlsConn)
		_ = tlsConn.Close()
		return nil, errSessionHandled
	}

	client := newClientConn(tlsConn, tenantID, s.logger)

	startupBody, err := pgwire.ReadStartupPacket(client.reader)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("reading startup packet: %w", err)
	}
	startup, err := pgwire.ParseStartupMessage(startupBody)
	if err != nil {
		return nil, client.Fail(pgwire.FatalError(pgwire.CodeProtocolViolation, err.Error()))
	}
	client.startup = startup
	return client, nil
}

// completeStartup sends the post-auth preamble: AuthenticationOk, the
// parameter statuses clients expect, cancellation key data, and
// ReadyForQuery.
func (s *Server) completeStartup(c *ClientConn) error {
	w := pgwire.NewMessageWriter()
	w.WriteInt32(pgwire.AuthOk)
	if err := c.WriteMessage(pgwire.MsgAuthenticationRequest, w.Bytes()); err != nil {
		return err
	}

	for _, kv := range [][2]string{
		{"client_encoding", "UTF8"},
		{"server_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
		{"integer_datetimes", "on"},
	} {
		w = pgwire.NewMessageWriter()
		w.WriteString(kv[0])
		w.WriteString(kv[1])
		if err := c.WriteMessage(pgwire.MsgParameterStatus, w.Bytes()); err != nil {
			return err
		}
	}

	var keyData [8]byte
	if _, err := rand.Read(keyData[:]); err != nil {
		return fmt.Errorf("generating cancellation key: %w", err)
	}
	w = pgwire.NewMessageWriter()
	w.WriteBytes(keyData[:])
	if err := c.WriteMessage(pgwire.MsgBackendKeyData, w.Bytes()); err != nil {
		return err
	}

	w = pgwire.NewMessageWriter()
	w.WriteByte(pgwire.TxnStatusIdle)
	return c.WriteMessage(pgwire.MsgReadyForQuery, w.Bytes())
}

// bridgeWebSocket pairs the client with the tenant's registered socket
// session. The browser must already be connected; clients are not queued
// waiting for one.
func (s *Server) bridgeWebSocket(client *ClientConn) {
	wsConn, err := s.config.Registry.LookupWS(client.tenantID)
	if err != nil {
		_ = client.Fail(pgwire.FatalError(pgwire.CodeConnectionException,
			fmt.Sprintf("database %q is not connected", client.tenantID)))
		return
	}
	ws, ok := wsConn.(*WSSession)
	if !ok {
		_ = client.Fail(pgwire.FatalError(pgwire.CodeInternalError, "internal error"))
		return
	}
	RelayWebSocket(client, ws, client.logger)
}

// bridgeMachine acquires, wakes, and connects to a fleet instance, replays
// the startup message so the instance agent learns the tenant, then relays.
func (s *Server) bridgeMachine(ctx context.Context, client *ClientConn) {
	instance, err := s.acquireInstance(ctx)
	if err != nil {
		client.logger.Warn("no instance available", "error", err)
		_ = client.Fail(pgwire.FatalError(pgwire.CodeTooManyConnections,
			"no database instances available, try again shortly"))
		return
	}
	logger := client.logger.With("instance_id", instance.ID)

	if err := s.config.Pool.Start(ctx, instance); err != nil {
		logger.Error("instance failed to start", "error", err)
		_ = client.Fail(pgwire.FatalError(pgwire.CodeConnectionFailure, "database instance failed to start"))
		return
	}

	addr := net.JoinHostPort(instance.PrivateAddr, fmt.Sprintf("%d", s.config.InstancePort))
	backend, err := s.config.Pool.ConnectWithRetry(ctx, addr, pool.DefaultConnectPolicy)
	if err != nil {
		logger.Error("instance never became reachable", "error", err)
		_ = client.Fail(pgwire.FatalError(pgwire.CodeConnectionFailure, "database instance is not reachable"))
		return
	}

	// The agent on the instance learns the tenant from the startup packet's
	// database parameter; the SNI-derived tenant is authoritative, whatever
	// the client put there.
	startup := *client.startup
	startup.Parameters = make(map[string]string, len(client.startup.Parameters))
	for k, v := range client.startup.Parameters {
		startup.Parameters[k] = v
	}
	startup.Parameters["database"] = client.tenantID
	if _, err := backend.Write(startup.Encode()); err != nil {
		logger.Error("failed to hand off startup", "error", err)
		_ = backend.Close()
		_ = client.Fail(pgwire.FatalError(pgwire.CodeConnectionFailure, "database instance is not reachable"))
		return
	}

	RelayTCP(client, backend, logger)
}

// acquireInstance polls the pool until an instance is free or the timeout
// elapses. Acquire itself never blocks; the waiting happens here where the
// session, not the pool, owns the policy.
func (s *Server) acquireInstance(ctx context.Context) (fleet.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.AcquireTimeout)
	defer cancel()

	var instance fleet.Instance
	poll := backoff.WithContext(backoff.NewConstantBackOff(acquirePollInterval), ctx)
	err := backoff.Retry(func() error {
		var err error
		instance, err = s.config.Pool.Acquire()
		return err
	}, poll)
	if err != nil {
		return fleet.Instance{}, err
	}
	return instance, nil
}
