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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuoteEntitySingleSegment(t *testing.T) {
	q, err := quoteEntity("v_project")
	require.NoError(t, err)
	require.Equal(t, `"v_project"`, q)
}

func TestQuoteEntityDotSeparated(t *testing.T) {
	q, err := quoteEntity("public.v_project")
	require.NoError(t, err)
	require.Equal(t, `"public"."v_project"`, q)
}

func TestQuoteEntityEscapesEmbeddedQuotes(t *testing.T) {
	q, err := quoteEntity(`we"ird`)
	require.NoError(t, err)
	require.Equal(t, `"we""ird"`, q)
}

func TestQuoteEntityRejectsEmpty(t *testing.T) {
	_, err := quoteEntity("")
	require.Error(t, err)
}

func TestValidateTrustedFragmentRejectsNUL(t *testing.T) {
	require.Error(t, validateTrustedFragment("a = '\x00'"))
}

func TestValidateTrustedFragmentRejectsUnbalancedQuotes(t *testing.T) {
	require.Error(t, validateTrustedFragment("name = 'unterminated"))
}

func TestValidateTrustedFragmentAcceptsBalanced(t *testing.T) {
	require.NoError(t, validateTrustedFragment("name = 'ok'"))
}

func TestComposeBuildsANDJoinedPredicates(t *testing.T) {
	c := &Client{ready: true}
	b := c.Query("public.v_project").
		WhereSQL("status = 'active'").
		WhereSQL("deleted_at IS NULL").
		OrderBy(`data->>'name' ASC`)

	plan, err := b.compose()
	require.NoError(t, err)
	require.Equal(t,
		`SELECT data FROM "public"."v_project" WHERE status = 'active' AND deleted_at IS NULL ORDER BY data->>'name' ASC`,
		plan.sql)
	require.Equal(t, 1, strings.Count(plan.sql, "ORDER BY"))
	require.Equal(t, 1, strings.Count(plan.sql, " AND "))
}

func TestComposeDefaultChunkSize(t *testing.T) {
	c := &Client{ready: true}
	plan, err := c.Query("t").compose()
	require.NoError(t, err)
	require.Equal(t, defaultChunkSize, plan.chunkSize)
}

func TestComposeRejectsZeroChunkSize(t *testing.T) {
	c := &Client{ready: true}
	_, err := c.Query("t").ChunkSize(0).compose()
	require.Error(t, err)
}

func TestComposeFingerprintsSQL(t *testing.T) {
	c := &Client{ready: true}
	p1, err := c.Query("t").compose()
	require.NoError(t, err)
	p2, err := c.Query("t").WhereSQL("1=1").compose()
	require.NoError(t, err)
	require.NotEqual(t, p1.sqlHash, p2.sqlHash)
}
