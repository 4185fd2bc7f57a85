/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package wire

import "encoding/binary"

// protocolVersion3 is the only startup protocol version this client speaks.
const protocolVersion3 = 0x00030000

// sslRequestCode is the magic startup code that requests a TLS upgrade
// before the real StartupMessage is sent.
const sslRequestCode = 80877103

// cancelRequestCode is the magic startup code for a CancelRequest.
const cancelRequestCode = 80877102

// builder accumulates a frame's payload and finishes it with a length
// prefix and, unless untagged, a leading tag byte. Single buffer, written
// once, as spec.md requires.
type builder struct {
	tag     byte
	tagged  bool
	payload []byte // header placeholder (tag, length), then the payload
}

func newBuilder(tag byte) *builder {
	return &builder{tag: tag, tagged: true, payload: []byte{tag, 0, 0, 0, 0}}
}

func newUntaggedBuilder() *builder {
	return &builder{tagged: false, payload: []byte{0, 0, 0, 0}}
}

func (b *builder) i32(v int32) *builder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	b.payload = append(b.payload, buf[:]...)
	return b
}

func (b *builder) cstr(s string) *builder {
	b.payload = append(b.payload, s...)
	b.payload = append(b.payload, 0)
	return b
}

func (b *builder) raw(p []byte) *builder {
	b.payload = append(b.payload, p...)
	return b
}

func (b *builder) bytes() []byte {
	off := 0
	if b.tagged {
		off = 1
	}
	binary.BigEndian.PutUint32(b.payload[off:off+4], uint32(len(b.payload)-off))
	return b.payload
}

// StartupMessage requests a session for user/database with any extra
// runtime parameters. It carries no tag byte.
type StartupMessage struct {
	User     string
	Database string
	Params   map[string]string
}

func (m StartupMessage) encode() []byte {
	b := newUntaggedBuilder()
	b.i32(protocolVersion3)
	b.cstr("user").cstr(m.User)
	if m.Database != "" {
		b.cstr("database").cstr(m.Database)
	}
	for k, v := range m.Params {
		b.cstr(k).cstr(v)
	}
	b.payload = append(b.payload, 0)
	return b.bytes()
}

// SSLRequest asks the backend whether it will upgrade this connection to
// TLS. It carries no tag byte; the backend replies with a single
// untagged 'S' or 'N' byte.
type SSLRequest struct{}

func (SSLRequest) encode() []byte {
	b := newUntaggedBuilder()
	b.i32(sslRequestCode)
	return b.bytes()
}

// PasswordMessage responds to an AuthCleartextPassword (or, raw, any
// password-shaped) challenge.
type PasswordMessage struct {
	Password string
}

func (m PasswordMessage) encode() []byte {
	return newBuilder('p').cstr(m.Password).bytes()
}

// SASLInitialResponse begins a SASL exchange (only SCRAM-SHA-256 is driven
// by this client).
type SASLInitialResponse struct {
	Mechanism string
	Data      []byte
}

func (m SASLInitialResponse) encode() []byte {
	b := newBuilder('p')
	b.cstr(m.Mechanism)
	b.i32(int32(len(m.Data)))
	b.raw(m.Data)
	return b.bytes()
}

// SASLResponse continues a SASL exchange with the client-final message.
type SASLResponse struct {
	Data []byte
}

func (m SASLResponse) encode() []byte {
	return newBuilder('p').raw(m.Data).bytes()
}

// Query issues a simple-query-protocol statement.
type Query struct {
	SQL string
}

func (m Query) encode() []byte {
	return newBuilder('Q').cstr(m.SQL).bytes()
}

// Terminate politely closes the session.
type Terminate struct{}

func (Terminate) encode() []byte {
	return newBuilder('X').bytes()
}

// CancelRequest is sent on a fresh connection to interrupt a running query
// on the connection identified by PID/SecretKey. It carries no tag byte.
type CancelRequest struct {
	PID       int32
	SecretKey int32
}

func (m CancelRequest) encode() []byte {
	b := newUntaggedBuilder()
	b.i32(cancelRequestCode)
	b.i32(m.PID)
	b.i32(m.SecretKey)
	return b.bytes()
}

// Encode serializes any FrontendMessage to wire bytes ready to write.
func Encode(m FrontendMessage) []byte {
	return m.encode()
}
