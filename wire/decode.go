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

import (
	"encoding/binary"
	"fmt"
)

// cursor is a small bytes-consuming reader used while decoding one frame's
// payload. It returns sub-slices of the original payload rather than
// copies; only cstr allocates, for the string it returns.
type cursor struct {
	b []byte
}

func (c *cursor) remaining() int { return len(c.b) }

func (c *cursor) cstr() (string, error) {
	for i, b := range c.b {
		if b == 0 {
			s := string(c.b[:i])
			c.b = c.b[i+1:]
			return s, nil
		}
	}
	return "", fmt.Errorf("wire: no null terminator")
}

func (c *cursor) i32() (int32, error) {
	if len(c.b) < 4 {
		return 0, fmt.Errorf("wire: not enough bytes for int32")
	}
	v := int32(binary.BigEndian.Uint32(c.b[:4]))
	c.b = c.b[4:]
	return v, nil
}

func (c *cursor) i16() (int16, error) {
	if len(c.b) < 2 {
		return 0, fmt.Errorf("wire: not enough bytes for int16")
	}
	v := int16(binary.BigEndian.Uint16(c.b[:2]))
	c.b = c.b[2:]
	return v, nil
}

func (c *cursor) byte() (byte, error) {
	if len(c.b) < 1 {
		return 0, fmt.Errorf("wire: not enough bytes for byte")
	}
	b := c.b[0]
	c.b = c.b[1:]
	return b, nil
}

func (c *cursor) take(n int) ([]byte, error) {
	if len(c.b) < n {
		return nil, fmt.Errorf("wire: not enough bytes: want %d have %d", n, len(c.b))
	}
	out := c.b[:n]
	c.b = c.b[n:]
	return out, nil
}

// ParseBackend dispatches on tag and parses payload into a BackendMessage.
// Unknown tags return an *UnknownTagError.
func ParseBackend(tag byte, payload []byte) (BackendMessage, error) {
	msg := BackendMessage{Tag: tag}
	c := &cursor{b: payload}
	var err error

	switch tag {
	case TagAuthentication:
		msg.Auth, err = parseAuth(c)
	case TagParameterStatus:
		msg.ParameterName, err = c.cstr()
		if err == nil {
			msg.ParameterValue, err = c.cstr()
		}
	case TagBackendKeyData:
		msg.BackendPID, err = c.i32()
		if err == nil {
			msg.BackendSecretKey, err = c.i32()
		}
	case TagReadyForQuery:
		msg.TxStatus, err = c.byte()
	case TagRowDescription:
		msg.Fields, err = parseRowDescription(c)
	case TagDataRow:
		msg.Columns, err = parseDataRow(c)
	case TagCommandComplete:
		msg.CommandTag, err = c.cstr()
	case TagErrorResponse, TagNoticeResponse:
		msg.ErrorFields, err = parseFieldMap(c)
	case TagEmptyQueryResp, TagParseComplete, TagBindComplete, TagCloseComplete,
		TagPortalSuspended, TagNoData:
		// no payload to parse
	default:
		return BackendMessage{}, &UnknownTagError{Tag: tag}
	}
	if err != nil {
		return BackendMessage{}, &ProtocolError{Reason: fmt.Sprintf("malformed %q message: %v", rune(tag), err)}
	}
	return msg, nil
}

func parseAuth(c *cursor) (AuthMessage, error) {
	kind, err := c.i32()
	if err != nil {
		return AuthMessage{}, err
	}
	am := AuthMessage{Kind: kind}
	switch kind {
	case AuthOK, AuthCleartextPassword, AuthMD5Password:
		// AuthMD5Password additionally carries a 4-byte salt; callers that
		// don't support MD5 never need it, but consume it for framing
		// correctness if present.
		if kind == AuthMD5Password && c.remaining() >= 4 {
			if _, err := c.take(4); err != nil {
				return AuthMessage{}, err
			}
		}
	case AuthSASL:
		for c.remaining() > 1 {
			name, err := c.cstr()
			if err != nil {
				return AuthMessage{}, err
			}
			if name == "" {
				break
			}
			am.Mechanisms = append(am.Mechanisms, name)
		}
	case AuthSASLContinue, AuthSASLFinal:
		am.Data = append([]byte(nil), c.b...)
		c.b = nil
	default:
		// forward-compatible: leave Data as the raw remainder for kinds
		// this client doesn't special-case (e.g. GSS, SSPI).
		am.Data = append([]byte(nil), c.b...)
		c.b = nil
	}
	return am, nil
}

func parseRowDescription(c *cursor) ([]FieldDescription, error) {
	n, err := c.i16()
	if err != nil {
		return nil, err
	}
	fields := make([]FieldDescription, 0, n)
	for i := int16(0); i < n; i++ {
		var f FieldDescription
		if f.Name, err = c.cstr(); err != nil {
			return nil, err
		}
		if f.TableOID, err = c.i32(); err != nil {
			return nil, err
		}
		if f.ColumnAttr, err = c.i16(); err != nil {
			return nil, err
		}
		if f.TypeOID, err = c.i32(); err != nil {
			return nil, err
		}
		if f.TypeSize, err = c.i16(); err != nil {
			return nil, err
		}
		if f.TypeModifier, err = c.i32(); err != nil {
			return nil, err
		}
		if f.FormatCode, err = c.i16(); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func parseDataRow(c *cursor) ([][]byte, error) {
	n, err := c.i16()
	if err != nil {
		return nil, err
	}
	cols := make([][]byte, n)
	for i := int16(0); i < n; i++ {
		length, err := c.i32()
		if err != nil {
			return nil, err
		}
		if length < 0 {
			cols[i] = nil // SQL NULL
			continue
		}
		buf, err := c.take(int(length))
		if err != nil {
			return nil, err
		}
		cols[i] = append([]byte(nil), buf...)
	}
	return cols, nil
}

func parseFieldMap(c *cursor) (map[byte]string, error) {
	fields := make(map[byte]string)
	for c.remaining() > 0 {
		code, err := c.byte()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			break
		}
		val, err := c.cstr()
		if err != nil {
			return nil, err
		}
		fields[code] = val
	}
	return fields, nil
}

// ErrorFieldSeverity is the conventional field code for severity in an
// ErrorResponse/NoticeResponse field map.
const ErrorFieldSeverity = 'S'

// ErrorFieldCode is the conventional field code for the SQLSTATE code.
const ErrorFieldCode = 'C'

// ErrorFieldMessage is the conventional field code for the primary message.
const ErrorFieldMessage = 'M'

// IsFatal reports whether an ErrorResponse field map indicates the
// connection is unusable going forward.
func IsFatal(fields map[byte]string) bool {
	sev := fields[ErrorFieldSeverity]
	return sev == "FATAL" || sev == "PANIC"
}
