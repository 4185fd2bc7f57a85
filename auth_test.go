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

package fraiseql

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"

	"github.com/fraiseql/fraiseql-sub014/wire"
)

func rawBackendFrame(tag byte, payload []byte) []byte {
	out := make([]byte, 1+4+len(payload))
	out[0] = tag
	binary.BigEndian.PutUint32(out[1:5], uint32(4+len(payload)))
	copy(out[5:], payload)
	return out
}

func i32Bytes(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

func cstrBytes(s string) []byte {
	return append([]byte(s), 0)
}

func authOKFrame() []byte {
	return rawBackendFrame(wire.TagAuthentication, i32Bytes(wire.AuthOK))
}

func authCleartextFrame() []byte {
	return rawBackendFrame(wire.TagAuthentication, i32Bytes(wire.AuthCleartextPassword))
}

func authSASLFrame() []byte {
	var p bytes.Buffer
	p.Write(i32Bytes(wire.AuthSASL))
	p.Write(cstrBytes("SCRAM-SHA-256"))
	p.WriteByte(0)
	return rawBackendFrame(wire.TagAuthentication, p.Bytes())
}

func authSASLContinueFrame(data string) []byte {
	var p bytes.Buffer
	p.Write(i32Bytes(wire.AuthSASLContinue))
	p.WriteString(data)
	return rawBackendFrame(wire.TagAuthentication, p.Bytes())
}

func authSASLFinalFrame(data string) []byte {
	var p bytes.Buffer
	p.Write(i32Bytes(wire.AuthSASLFinal))
	p.WriteString(data)
	return rawBackendFrame(wire.TagAuthentication, p.Bytes())
}

func parameterStatusFrame(name, value string) []byte {
	var p bytes.Buffer
	p.Write(cstrBytes(name))
	p.Write(cstrBytes(value))
	return rawBackendFrame(wire.TagParameterStatus, p.Bytes())
}

func backendKeyDataFrame(pid, secret int32) []byte {
	var p bytes.Buffer
	p.Write(i32Bytes(pid))
	p.Write(i32Bytes(secret))
	return rawBackendFrame(wire.TagBackendKeyData, p.Bytes())
}

func readyForQueryFrame(txStatus byte) []byte {
	return rawBackendFrame(wire.TagReadyForQuery, []byte{txStatus})
}

func errorResponseFrame(severity, code, message string) []byte {
	var p bytes.Buffer
	p.WriteByte('S')
	p.Write(cstrBytes(severity))
	p.WriteByte('C')
	p.Write(cstrBytes(code))
	p.WriteByte('M')
	p.Write(cstrBytes(message))
	p.WriteByte(0)
	return rawBackendFrame(wire.TagErrorResponse, p.Bytes())
}

func readCString(b []byte) (string, []byte) {
	i := bytes.IndexByte(b, 0)
	return string(b[:i]), b[i+1:]
}

func newPipeTransport() (*transport, net.Conn) {
	client, server := net.Pipe()
	return &transport{conn: client, reader: wire.NewReader(client, 0)}, server
}

func TestRunHandshakeCleartextSuccess(t *testing.T) {
	tr, server := newPipeTransport()
	defer server.Close()

	go func() {
		r := wire.NewReader(server, 0)
		r.ReadUntaggedFrame() // startup message
		server.Write(authCleartextFrame())
		r.ReadFrame() // PasswordMessage
		server.Write(authOKFrame())
		server.Write(parameterStatusFrame("server_version", "16.0"))
		server.Write(backendKeyDataFrame(111, 222))
		server.Write(readyForQueryFrame('I'))
	}()

	hs, err := runHandshake(tr, ConnConfig{User: "alice", Password: "hunter2", Database: "db"})
	require.NoError(t, err)
	require.Equal(t, int32(111), hs.backendPID)
	require.Equal(t, int32(222), hs.backendKey)
	require.Equal(t, "16.0", hs.params["server_version"])
}

func scramCredLookup(user, password, salt string, iters int) func(string) (scram.StoredCredentials, error) {
	return func(u string) (scram.StoredCredentials, error) {
		client, err := scram.SHA256.NewClient(user, password, "")
		if err != nil {
			return scram.StoredCredentials{}, err
		}
		return client.GetStoredCredentials(scram.KeyFactors{Salt: salt, Iters: iters}), nil
	}
}

func TestRunHandshakeSCRAMSuccess(t *testing.T) {
	tr, server := newPipeTransport()
	defer server.Close()

	go func() {
		r := wire.NewReader(server, 0)
		r.ReadUntaggedFrame()
		server.Write(authSASLFrame())

		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		_, rest := readCString(f.Payload) // mechanism name
		length := int32(binary.BigEndian.Uint32(rest[:4]))
		clientFirst := string(rest[4 : 4+length])

		srv, err := scram.SHA256.NewServer(scramCredLookup("alice", "s3cret", "testsalt", 4096))
		if err != nil {
			return
		}
		conv := srv.NewConversation()
		serverFirst, err := conv.Step(clientFirst)
		if err != nil {
			return
		}
		server.Write(authSASLContinueFrame(serverFirst))

		f2, err := r.ReadFrame()
		if err != nil {
			return
		}
		serverFinal, err := conv.Step(string(f2.Payload))
		if err != nil {
			return
		}
		server.Write(authSASLFinalFrame(serverFinal))
		server.Write(authOKFrame())
		server.Write(parameterStatusFrame("server_version", "16.0"))
		server.Write(backendKeyDataFrame(333, 444))
		server.Write(readyForQueryFrame('I'))
	}()

	hs, err := runHandshake(tr, ConnConfig{User: "alice", Password: "s3cret", Database: "db"})
	require.NoError(t, err)
	require.Equal(t, int32(333), hs.backendPID)
}

func TestRunHandshakeSCRAMWrongPassword(t *testing.T) {
	tr, server := newPipeTransport()
	defer server.Close()

	go func() {
		r := wire.NewReader(server, 0)
		r.ReadUntaggedFrame()
		server.Write(authSASLFrame())

		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		_, rest := readCString(f.Payload)
		length := int32(binary.BigEndian.Uint32(rest[:4]))
		clientFirst := string(rest[4 : 4+length])

		// server's stored credentials are for "correct-password", but the
		// client below authenticates with "wrong-password": the computed
		// client proof will not match what the server expects.
		srv, err := scram.SHA256.NewServer(scramCredLookup("alice", "correct-password", "testsalt", 4096))
		if err != nil {
			return
		}
		conv := srv.NewConversation()
		serverFirst, err := conv.Step(clientFirst)
		if err != nil {
			return
		}
		server.Write(authSASLContinueFrame(serverFirst))

		f2, err := r.ReadFrame()
		if err != nil {
			return
		}
		if _, err := conv.Step(string(f2.Payload)); err != nil {
			server.Write(errorResponseFrame("FATAL", "28P01", "password authentication failed"))
			return
		}
	}()

	_, err := runHandshake(tr, ConnConfig{User: "alice", Password: "wrong-password", Database: "db"})
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, CategoryAuthentication, fe.Category)
}

func TestRunHandshakeServerErrorDuringStartup(t *testing.T) {
	tr, server := newPipeTransport()
	defer server.Close()

	go func() {
		r := wire.NewReader(server, 0)
		r.ReadUntaggedFrame()
		server.Write(errorResponseFrame("FATAL", "3D000", `database "nope" does not exist`))
	}()

	_, err := runHandshake(tr, ConnConfig{User: "alice", Database: "nope"})
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, CategoryConnection, fe.Category)
}

func TestRunHandshakeTimesOutOnSilentServer(t *testing.T) {
	tr, server := newPipeTransport()
	defer server.Close()
	tr.conn.SetDeadline(time.Now().Add(50 * time.Millisecond))

	_, err := runHandshake(tr, ConnConfig{User: "alice", Database: "db"})
	require.Error(t, err)
}
