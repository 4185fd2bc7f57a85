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

import "github.com/fraiseql/fraiseql-sub014/wire"

// dataColumnName is the single column name every queryable entity's view
// must expose.
const dataColumnName = "data"

// validateRowDescription enforces the single-JSON-column contract: exactly
// one field, named "data", of json or jsonb type. It returns the format
// code (0=text, 1=binary) of that field on success.
func validateRowDescription(fields []wire.FieldDescription) (formatCode int16, err error) {
	if len(fields) != 1 {
		return 0, newError(CategoryInvalidSchema,
			"expected one column named data of JSON/JSONB type, got %d columns", len(fields))
	}
	f := fields[0]
	if f.Name != dataColumnName {
		return 0, newError(CategoryInvalidSchema,
			"expected one column named data of JSON/JSONB type, got column named %q", f.Name)
	}
	if !wire.IsJSONOID(f.TypeOID) {
		return 0, newError(CategoryInvalidSchema,
			"expected one column named data of JSON/JSONB type, got type OID %d", f.TypeOID)
	}
	return f.FormatCode, nil
}

// jsonbBinaryVersion is the only binary JSONB wire-format version this
// client understands. Binary JSONB values are a one-byte version prefix
// followed by the text representation.
const jsonbBinaryVersion = 1

// stripJSONBVersionPrefix removes the binary JSONB version prefix byte,
// failing if the version is one this client doesn't understand.
func stripJSONBVersionPrefix(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, newError(CategoryProtocol, "binary jsonb value too short for version prefix")
	}
	if b[0] != jsonbBinaryVersion {
		return nil, newError(CategoryProtocol, "unsupported binary jsonb version %d", b[0])
	}
	return b[1:], nil
}
