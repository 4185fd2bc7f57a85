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

// Backend message tags (see ParseBackend).
const (
	TagAuthentication    byte = 'R'
	TagParameterStatus   byte = 'S'
	TagBackendKeyData    byte = 'K'
	TagReadyForQuery     byte = 'Z'
	TagRowDescription    byte = 'T'
	TagDataRow           byte = 'D'
	TagCommandComplete   byte = 'C'
	TagErrorResponse     byte = 'E'
	TagNoticeResponse    byte = 'N'
	TagEmptyQueryResp    byte = 'I'
	TagParseComplete     byte = '1'
	TagBindComplete      byte = '2'
	TagCloseComplete     byte = '3'
	TagPortalSuspended   byte = 's'
	TagParameterDescribe byte = 't'
	TagNoData            byte = 'n'
)

// Authentication sub-kinds carried by TagAuthentication's first int32.
const (
	AuthOK                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
	AuthSASL              = 10
	AuthSASLContinue      = 11
	AuthSASLFinal         = 12
)

// JSON-family type OIDs. The validator (component D) only ever needs to
// recognize these two.
const (
	JSONOID  = 114
	JSONBOID = 3802
)

// IsJSONOID reports whether oid names the json or jsonb type.
func IsJSONOID(oid int32) bool {
	return oid == JSONOID || oid == JSONBOID
}

// FieldDescription describes one column of a RowDescription.
type FieldDescription struct {
	Name         string
	TableOID     int32
	ColumnAttr   int16
	TypeOID      int32
	TypeSize     int16
	TypeModifier int32
	FormatCode   int16 // 0 = text, 1 = binary
}

// AuthMessage is the parsed payload of a TagAuthentication frame.
type AuthMessage struct {
	Kind       int32
	Mechanisms []string // AuthSASL only
	Data       []byte   // AuthSASLContinue / AuthSASLFinal: raw server message
}

// BackendMessage is the result of parsing one backend frame. Exactly one of
// its typed fields is meaningful, selected by Tag.
type BackendMessage struct {
	Tag byte

	Auth             AuthMessage
	ParameterName    string
	ParameterValue   string
	BackendPID       int32
	BackendSecretKey int32
	TxStatus         byte
	Fields           []FieldDescription
	Columns          [][]byte // nil element == SQL NULL
	CommandTag       string
	ErrorFields      map[byte]string
}

// FrontendMessage is anything this client can serialize and send.
type FrontendMessage interface {
	encode() []byte
}
