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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraiseql/fraiseql-sub014/wire"
)

func TestValidateRowDescriptionAcceptsJSONB(t *testing.T) {
	fc, err := validateRowDescription([]wire.FieldDescription{
		{Name: "data", TypeOID: wire.JSONBOID},
	})
	require.NoError(t, err)
	require.Equal(t, int16(0), fc)
}

func TestValidateRowDescriptionAcceptsJSON(t *testing.T) {
	_, err := validateRowDescription([]wire.FieldDescription{
		{Name: "data", TypeOID: wire.JSONOID},
	})
	require.NoError(t, err)
}

func TestValidateRowDescriptionRejectsWrongName(t *testing.T) {
	_, err := validateRowDescription([]wire.FieldDescription{
		{Name: "payload", TypeOID: wire.JSONBOID},
	})
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, CategoryInvalidSchema, fe.Category)
	require.Contains(t, err.Error(), "data")
}

func TestValidateRowDescriptionRejectsWrongType(t *testing.T) {
	_, err := validateRowDescription([]wire.FieldDescription{
		{Name: "data", TypeOID: 25}, // text
	})
	require.Error(t, err)
}

func TestValidateRowDescriptionRejectsMultipleColumns(t *testing.T) {
	_, err := validateRowDescription([]wire.FieldDescription{
		{Name: "data", TypeOID: wire.JSONBOID},
		{Name: "extra", TypeOID: 25},
	})
	require.Error(t, err)
}

func TestStripJSONBVersionPrefix(t *testing.T) {
	out, err := stripJSONBVersionPrefix([]byte{1, '{', '}'})
	require.NoError(t, err)
	require.Equal(t, []byte("{}"), out)
}

func TestStripJSONBVersionPrefixRejectsUnsupportedVersion(t *testing.T) {
	_, err := stripJSONBVersionPrefix([]byte{9, '{', '}'})
	require.Error(t, err)
}
