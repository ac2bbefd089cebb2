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

// Package pgwire implements the subset of the PostgreSQL frontend/backend
// wire protocol the gateway needs: message framing, startup negotiation,
// authentication exchanges, and error responses. The gateway never interprets
// query-level messages; once a session is established it relays bytes.
package pgwire

// Frontend message types (client to server).
const (
	MsgQuery       = 'Q' // Query (simple query)
	MsgTerminate   = 'X' // Terminate
	MsgPasswordMsg = 'p' // Password message (also used for SASL responses)
)

// Backend message types (server to client).
const (
	MsgAuthenticationRequest = 'R' // Authentication request
	MsgBackendKeyData        = 'K' // Backend key data
	MsgErrorResponse         = 'E' // Error response
	MsgNoticeResponse        = 'N' // Notice response
	MsgParameterStatus       = 'S' // Parameter status
	MsgReadyForQuery         = 'Z' // Ready for query
)

// Authentication request codes carried in an 'R' message.
const (
	AuthOk                = 0  // Authentication successful
	AuthCleartextPassword = 3  // Cleartext password
	AuthMD5Password       = 5  // MD5 password
	AuthSASL              = 10 // SASL authentication
	AuthSASLContinue      = 11 // SASL continue
	AuthSASLFinal         = 12 // SASL final
)

// Special startup-packet codes. These occupy the protocol version slot of the
// startup packet and are distinguished by their reserved major version 1234.
const (
	ProtocolVersionNumber = (3 << 16) | 0         // Protocol version 3.0
	CancelRequestCode     = (1234 << 16) | 5678   // Cancel request
	SSLRequestCode        = (1234 << 16) | 5679   // SSL negotiation request
	GSSENCRequestCode     = (1234 << 16) | 5680   // GSSAPI encryption request
)

// Transaction status indicators for ReadyForQuery.
const (
	TxnStatusIdle = 'I'
)

// ErrorResponse/NoticeResponse field tags.
const (
	FieldSeverity    = 'S' // Severity (always present)
	FieldSeverityNon = 'V' // Severity, non-localized
	FieldCode        = 'C' // SQLSTATE code (always present)
	FieldMessage     = 'M' // Primary message (always present)
	FieldDetail      = 'D' // Detail
	FieldHint        = 'H' // Hint
)

// SQLSTATE codes the gateway emits.
const (
	// CodeConnectionException covers routing-level rejections: bad or missing
	// SNI, unknown tenant, duplicate session (class 08, connection exception).
	CodeConnectionException = "08004"

	// CodeConnectionFailure is used when a backend never becomes reachable.
	CodeConnectionFailure = "08006"

	// CodeProtocolViolation covers malformed wire traffic.
	CodeProtocolViolation = "08P01"

	// CodeInvalidPassword is the credential-mismatch failure. The message
	// accompanying it must not reveal which part of the credential was wrong.
	CodeInvalidPassword = "28P01"

	// CodeInvalidAuthorization covers auth-method mismatches.
	CodeInvalidAuthorization = "28000"

	// CodeTooManyConnections is used when the pool has no free instance.
	CodeTooManyConnections = "53300"

	// CodeInternalError is the catch-all for unexpected failures.
	CodeInternalError = "XX000"
)

const (
	// MaxStartupPacketLength bounds the startup packet, matching the
	// backend's own 10k limit.
	MaxStartupPacketLength = 10000

	// MaxMessageLength bounds any single protocol message accepted by the
	// framer. A length field implying more than this is treated as a
	// protocol violation and the connection is closed, rather than letting
	// a corrupt or hostile length grow the reassembly buffer without bound.
	MaxMessageLength = 64 * 1024 * 1024
)
