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

package fraiseql_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraiseql/fraiseql-sub014"
)

func TestRetriableCategories(t *testing.T) {
	require.True(t, fraiseql.CategoryIO.Retriable())
	require.True(t, fraiseql.CategoryTimeout.Retriable())
	require.False(t, fraiseql.CategoryAuthentication.Retriable())
	require.False(t, fraiseql.CategoryProtocol.Retriable())
}

func TestErrorUnwrapsCause(t *testing.T) {
	_, err := fraiseql.ParseConnString("not-a-url-at-all-%%%")
	require.Error(t, err)
	var fe *fraiseql.Error
	require.True(t, errors.As(err, &fe))
	require.Equal(t, fraiseql.CategoryConfig, fe.Category)
	require.NotNil(t, errors.Unwrap(err))
}
