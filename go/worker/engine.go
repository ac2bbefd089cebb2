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

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// engineDialInterval is the pause between attempts to reach a freshly
	// started engine's socket.
	engineDialInterval = 50 * time.Millisecond

	// engineStartTimeout bounds how long a spawned engine gets to open its
	// socket.
	engineStartTimeout = 15 * time.Second
)

// EngineConfig describes how to run the database engine. The engine is an
// opaque process: it takes a data directory and a unix socket path, and
// speaks the post-startup wire protocol on that socket.
type EngineConfig struct {
	// Command is the engine binary.
	Command string

	// Args precede the generated --data-dir and --socket flags.
	Args []string

	// SocketDir is where engine sockets are created. Defaults to the
	// system temp directory.
	SocketDir string

	Logger *slog.Logger
}

// Engine supervises at most one running engine process. An instance serves
// one tenant at a time; switching tenants stops the old process before
// starting the new one.
type Engine struct {
	config EngineConfig
	logger *slog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	tenantID   string
	socketPath string
}

// NewEngine creates an engine supervisor.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("engine command is required")
	}
	if config.SocketDir == "" {
		config.SocketDir = os.TempDir()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{config: config, logger: logger}, nil
}

// Ensure makes sure an engine process is serving the given tenant's data
// directory and returns its socket path. Idempotent for the same tenant; a
// different tenant replaces the running process.
func (e *Engine) Ensure(ctx context.Context, tenantID, dataDir string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd != nil && e.tenantID == tenantID && e.alive() {
		return e.socketPath, nil
	}
	e.stopLocked()

	socketPath := filepath.Join(e.config.SocketDir, fmt.Sprintf("engine-%s.sock", tenantID))
	_ = os.Remove(socketPath)

	args := append(append([]string{}, e.config.Args...),
		"--data-dir", dataDir,
		"--socket", socketPath,
	)
	cmd := exec.Command(e.config.Command, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting engine for %s: %w", tenantID, err)
	}
	e.logger.Info("engine started", "tenant_id", tenantID, "pid", cmd.Process.Pid, "data_dir", dataDir)

	if err := waitForSocket(ctx, socketPath); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return "", fmt.Errorf("engine for %s never opened its socket: %w", tenantID, err)
	}

	e.cmd = cmd
	e.tenantID = tenantID
	e.socketPath = socketPath
	return socketPath, nil
}

// Stop terminates the running engine, if any.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.cmd == nil {
		return
	}
	e.logger.Info("stopping engine", "tenant_id", e.tenantID, "pid", e.cmd.Process.Pid)
	_ = e.cmd.Process.Kill()
	_ = e.cmd.Wait()
	_ = os.Remove(e.socketPath)
	e.cmd = nil
	e.tenantID = ""
	e.socketPath = ""
}

// alive reports whether the supervised process is still running.
func (e *Engine) alive() bool {
	return e.cmd != nil && e.cmd.ProcessState == nil && e.cmd.Process.Signal(nil) == nil
}

// waitForSocket dials the unix socket until it accepts or the timeout
// elapses.
func waitForSocket(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, engineStartTimeout)
	defer cancel()

	poll := backoff.WithContext(backoff.NewConstantBackOff(engineDialInterval), ctx)
	return backoff.Retry(func() error {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return err
		}
		return conn.Close()
	}, poll)
}
