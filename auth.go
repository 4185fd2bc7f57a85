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
	"time"

	"github.com/xdg-go/scram"

	"github.com/fraiseql/fraiseql-sub014/wire"
)

// handshakeResult carries what the streaming engine needs once the
// connection reaches Idle: negotiated parameters and the cancellation key.
type handshakeResult struct {
	params    map[string]string
	backendPID int32
	backendKey int32
}

// runHandshake drives Init -> AwaitAuth -> AwaitReady -> Idle over t,
// exactly as spec'd: StartupMessage, then cleartext or SCRAM-SHA-256,
// accumulating ParameterStatus/BackendKeyData until ReadyForQuery.
func runHandshake(t *transport, cfg ConnConfig) (*handshakeResult, error) {
	start := time.Now()
	mechanism := "none"

	if err := t.write(wire.Encode(wire.StartupMessage{
		User:     cfg.User,
		Database: cfg.Database,
	})); err != nil {
		return nil, err
	}

	res := &handshakeResult{params: make(map[string]string)}
	var scramConv *scram.ClientConversation

authLoop:
	for {
		frame, err := t.reader.ReadFrame()
		if err != nil {
			return nil, wrapError(CategoryConnection, err, "read during handshake")
		}
		msg, err := wire.ParseBackend(frame.Tag, frame.Payload)
		if err != nil {
			return nil, asProtocolError(err)
		}

		switch msg.Tag {
		case wire.TagErrorResponse:
			return nil, classifyHandshakeError(msg.ErrorFields)
		case wire.TagNoticeResponse:
			// observed and ignored; a real client would log this.
			continue
		case wire.TagAuthentication:
			switch msg.Auth.Kind {
			case wire.AuthOK:
				DefaultMetrics.AuthenticationsTotal.WithLabelValues(mechanism).Inc()
				DefaultMetrics.AuthenticationsSuccessfulTotal.WithLabelValues(mechanism).Inc()
				DefaultMetrics.AuthDurationMS.WithLabelValues(mechanism).Observe(msSince(start))
				break authLoop
			case wire.AuthCleartextPassword:
				mechanism = "cleartext"
				if err := t.write(wire.Encode(wire.PasswordMessage{Password: cfg.Password})); err != nil {
					return nil, err
				}
			case wire.AuthSASL:
				mechanism = "scram"
				if !containsString(msg.Auth.Mechanisms, "SCRAM-SHA-256") {
					DefaultMetrics.AuthenticationsFailedTotal.WithLabelValues(mechanism, "unsupported_mechanism").Inc()
					return nil, newError(CategoryAuthentication, "server does not offer SCRAM-SHA-256")
				}
				client, err := scram.SHA256.NewClient(cfg.User, cfg.Password, "")
				if err != nil {
					return nil, wrapError(CategoryAuthentication, err, "construct SCRAM client")
				}
				scramConv = client.NewConversation()
				first, err := scramConv.Step("")
				if err != nil {
					return nil, wrapError(CategoryAuthentication, err, "build SCRAM client-first message")
				}
				if err := t.write(wire.Encode(wire.SASLInitialResponse{
					Mechanism: "SCRAM-SHA-256",
					Data:      []byte(first),
				})); err != nil {
					return nil, err
				}
			case wire.AuthSASLContinue:
				if scramConv == nil {
					return nil, newError(CategoryProtocol, "SASLContinue without a prior SASL challenge")
				}
				next, err := scramConv.Step(string(msg.Auth.Data))
				if err != nil {
					DefaultMetrics.AuthenticationsFailedTotal.WithLabelValues(mechanism, "scram_step").Inc()
					return nil, wrapError(CategoryAuthentication, err, "SCRAM server-first step")
				}
				if err := t.write(wire.Encode(wire.SASLResponse{Data: []byte(next)})); err != nil {
					return nil, err
				}
			case wire.AuthSASLFinal:
				if scramConv == nil {
					return nil, newError(CategoryProtocol, "SASLFinal without a prior SASL exchange")
				}
				if _, err := scramConv.Step(string(msg.Auth.Data)); err != nil {
					DefaultMetrics.AuthenticationsFailedTotal.WithLabelValues(mechanism, "server_signature").Inc()
					return nil, wrapError(CategoryAuthentication, err, "verify SCRAM server signature")
				}
				if !scramConv.Valid() {
					DefaultMetrics.AuthenticationsFailedTotal.WithLabelValues(mechanism, "server_signature").Inc()
					return nil, newError(CategoryAuthentication, "SCRAM server signature mismatch")
				}
			case wire.AuthMD5Password:
				DefaultMetrics.AuthenticationsFailedTotal.WithLabelValues("md5", "unsupported_mechanism").Inc()
				return nil, newError(CategoryAuthentication, "MD5 password authentication is not supported")
			default:
				return nil, newError(CategoryAuthentication, "unsupported authentication kind %d", msg.Auth.Kind)
			}
		default:
			return nil, newError(CategoryProtocol, "unexpected message %q before authentication completed", rune(msg.Tag))
		}
	}

	// AwaitReady: accumulate ParameterStatus/BackendKeyData until ReadyForQuery.
	for {
		frame, err := t.reader.ReadFrame()
		if err != nil {
			return nil, wrapError(CategoryConnection, err, "read during handshake")
		}
		msg, err := wire.ParseBackend(frame.Tag, frame.Payload)
		if err != nil {
			return nil, asProtocolError(err)
		}
		switch msg.Tag {
		case wire.TagParameterStatus:
			res.params[msg.ParameterName] = msg.ParameterValue
		case wire.TagBackendKeyData:
			res.backendPID = msg.BackendPID
			res.backendKey = msg.BackendSecretKey
		case wire.TagErrorResponse:
			return nil, classifyHandshakeError(msg.ErrorFields)
		case wire.TagNoticeResponse:
			continue
		case wire.TagReadyForQuery:
			return res, nil
		default:
			return nil, newError(CategoryProtocol, "unexpected message %q while awaiting ready", rune(msg.Tag))
		}
	}
}

func classifyHandshakeError(fields map[byte]string) *Error {
	code := fields[wire.ErrorFieldCode]
	msg := fields[wire.ErrorFieldMessage]
	if len(code) >= 2 && code[:2] == "28" { // SQLSTATE class 28 = invalid_authorization_specification
		DefaultMetrics.AuthenticationsFailedTotal.WithLabelValues("unknown", "server_rejected").Inc()
		return newError(CategoryAuthentication, "%s", msg)
	}
	return newError(CategoryConnection, "%s", msg)
}

func asProtocolError(err error) error {
	DefaultMetrics.ProtocolErrorsTotal.Inc()
	return wrapError(CategoryProtocol, err, "malformed message during handshake")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
