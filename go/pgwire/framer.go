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
)

// messageHeaderSize is the 1-byte type tag plus the 4-byte length field.
const messageHeaderSize = 5

// Framer reassembles a byte stream into complete protocol messages. Input
// arrives in arbitrary-sized chunks (TCP segments, WebSocket frames); the
// framer buffers partial messages and dispatches each complete message
// exactly once, preserving boundaries. One chunk may complete several
// messages, and one message may span several chunks.
//
// Framer is not safe for concurrent use; each connection owns its own.
type Framer struct {
	buf []byte

	// maxMessageLength bounds the total on-wire size of a single message.
	// A length field implying more is a protocol violation.
	maxMessageLength int
}

// NewFramer creates a framer with the default message size bound.
func NewFramer() *Framer {
	return &Framer{maxMessageLength: MaxMessageLength + messageHeaderSize}
}

// NewFramerWithLimit creates a framer with an explicit bound on the total
// size of a single message (header included).
func NewFramerWithLimit(limit int) *Framer {
	return &Framer{maxMessageLength: limit}
}

// Feed appends a chunk to the reassembly buffer and dispatches every complete
// message it now holds, in order, to emit. Each dispatched slice is the full
// message (type byte, length field, body) and is only valid for the duration
// of the call.
//
// Returns an error if a length field is malformed or exceeds the configured
// bound, or if emit fails. After an error the framer must be discarded and
// the connection closed.
func (f *Framer) Feed(chunk []byte, emit func(msg []byte) error) error {
	f.buf = append(f.buf, chunk...)

	for {
		if len(f.buf) < messageHeaderSize {
			// Not enough for a header yet.
			return nil
		}

		// The length field counts itself and the body but not the type tag.
		length := binary.BigEndian.Uint32(f.buf[1:messageHeaderSize])
		if length < 4 {
			return fmt.Errorf("malformed message length %d for type %q", length, f.buf[0])
		}

		total := int(length) + 1
		if total > f.maxMessageLength {
			return fmt.Errorf("message of %d bytes for type %q exceeds limit %d", total, f.buf[0], f.maxMessageLength)
		}

		if len(f.buf) < total {
			// Message spans a future chunk.
			return nil
		}

		if err := emit(f.buf[:total]); err != nil {
			return err
		}
		f.buf = f.buf[total:]
	}
}

// Buffered returns the number of bytes held for a partial message.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
