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
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidTenantID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"abc123", true},
		{"a", true},
		{"tenant-with-hyphens", true},
		{strings.Repeat("a", 63), true},
		{"", false},
		{strings.Repeat("a", 64), false},
		{"-leading", false},
		{"trailing-", false},
		{"UpperCase", false},
		{"under_score", false},
		{"dot.dot", false},
		{"../escape", false},
		{"tenant/../../etc", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.valid, validTenantID(tt.id))
		})
	}
}

func TestPipe(t *testing.T) {
	clientSide, agentClient := net.Pipe()
	agentEngine, engineSide := net.Pipe()

	pipeDone := make(chan struct{})
	go func() {
		pipe(agentClient, agentEngine, discardLogger())
		close(pipeDone)
	}()

	// Client to engine.
	go func() { _, _ = clientSide.Write([]byte("hello")) }()
	buf := make([]byte, 5)
	_, err := io.ReadFull(engineSide, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	// Engine to client.
	go func() { _, _ = engineSide.Write([]byte("world")) }()
	_, err = io.ReadFull(clientSide, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	// Either side closing tears the pipe down.
	_ = clientSide.Close()
	select {
	case <-pipeDone:
	case <-time.After(5 * time.Second):
		t.Fatal("pipe did not finish after client close")
	}
	_, err = engineSide.Read(buf)
	require.Error(t, err)
}

func TestNewServer(t *testing.T) {
	engine, err := NewEngine(EngineConfig{Command: "/bin/false"})
	require.NoError(t, err)

	_, err = NewServer(Config{})
	require.Error(t, err)

	_, err = NewServer(Config{ListenAddr: ":0", Engine: engine})
	require.Error(t, err)
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	require.Error(t, err)

	engine, err := NewEngine(EngineConfig{Command: "/bin/false"})
	require.NoError(t, err)
	assert.Equal(t, os.TempDir(), engine.config.SocketDir)

	// Nothing running yet; Stop must be a no-op.
	engine.Stop()
}
