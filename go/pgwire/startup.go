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

package pgwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// StartupMessage is the parsed form of the client's startup packet.
type StartupMessage struct {
	ProtocolVersion uint32
	Parameters      map[string]string
}

// User returns the "user" startup parameter.
func (m *StartupMessage) User() string {
	return m.Parameters["user"]
}

// Database returns the "database" startup parameter, defaulting to the user
// as the backend does.
func (m *StartupMessage) Database() string {
	if db := m.Parameters["database"]; db != "" {
		return db
	}
	return m.Parameters["user"]
}

// ReadStartupPacket reads one startup-phase packet from r. Startup packets
// carry no type byte: just a 4-byte length (counting itself) and the body.
// The body is returned with the protocol code still at the front.
func ReadStartupPacket(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 {
		return nil, fmt.Errorf("invalid startup packet length: %d", length)
	}
	if length-4 > MaxStartupPacketLength {
		return nil, fmt.Errorf("startup packet too large: %d bytes", length-4)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ParseStartupMessage parses a startup packet body that begins with
// ProtocolVersionNumber into its key/value parameters.
func ParseStartupMessage(body []byte) (*StartupMessage, error) {
	r := NewMessageReader(body)
	version, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading protocol version: %w", err)
	}
	if version != ProtocolVersionNumber {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	msg := &StartupMessage{
		ProtocolVersion: version,
		Parameters:      make(map[string]string),
	}
	for r.Remaining() > 0 {
		key, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("reading parameter key: %w", err)
		}
		if key == "" {
			// Terminator.
			break
		}
		value, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("reading parameter value for %q: %w", key, err)
		}
		msg.Parameters[key] = value
	}
	return msg, nil
}

// Encode serializes the startup message back into a full packet (length
// prefix included), suitable for replaying to a backend. Parameters are
// written in sorted order so the encoding is deterministic.
func (m *StartupMessage) Encode() []byte {
	w := NewMessageWriter()
	w.WriteUint32(m.ProtocolVersion)

	keys := make([]string, 0, len(m.Parameters))
	for k := range m.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.WriteString(k)
		w.WriteString(m.Parameters[k])
	}
	w.WriteByte(0) // Parameter list terminator.

	body := w.Bytes()
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(4+len(body)))
	return append(out, body...)
}
