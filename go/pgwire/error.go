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
	"fmt"
	"io"
)

// Diagnostic is a PostgreSQL error or notice as sent on the wire. ErrorResponse
// ('E') and NoticeResponse ('N') share the same field layout.
type Diagnostic struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
}

// Error implements the error interface in PostgreSQL's native format.
func (d *Diagnostic) Error() string {
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", d.Severity, d.Message, d.Code)
}

// FatalError builds a session-terminating diagnostic.
func FatalError(code, message string) *Diagnostic {
	return &Diagnostic{Severity: "FATAL", Code: code, Message: message}
}

// Encode serializes the diagnostic as a complete ErrorResponse message.
func (d *Diagnostic) Encode() []byte {
	w := NewMessageWriter()
	w.WriteByte(FieldSeverity)
	w.WriteString(d.Severity)
	w.WriteByte(FieldSeverityNon)
	w.WriteString(d.Severity)
	w.WriteByte(FieldCode)
	w.WriteString(d.Code)
	w.WriteByte(FieldMessage)
	w.WriteString(d.Message)
	if d.Detail != "" {
		w.WriteByte(FieldDetail)
		w.WriteString(d.Detail)
	}
	if d.Hint != "" {
		w.WriteByte(FieldHint)
		w.WriteString(d.Hint)
	}
	w.WriteByte(0) // Field list terminator.
	return EncodeMessage(MsgErrorResponse, w.Bytes())
}

// WriteTo writes the encoded ErrorResponse to w.
func (d *Diagnostic) WriteTo(w io.Writer) error {
	_, err := w.Write(d.Encode())
	return err
}

// ParseDiagnostic decodes the body of an ErrorResponse or NoticeResponse.
func ParseDiagnostic(body []byte) (*Diagnostic, error) {
	d := &Diagnostic{}
	r := NewMessageReader(body)
	for {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated diagnostic: %w", err)
		}
		if tag == 0 {
			return d, nil
		}
		value, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("truncated diagnostic field %q: %w", tag, err)
		}
		switch tag {
		case FieldSeverity:
			d.Severity = value
		case FieldCode:
			d.Code = value
		case FieldMessage:
			d.Message = value
		case FieldDetail:
			d.Detail = value
		case FieldHint:
			d.Hint = value
		}
	}
}
