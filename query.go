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
	"encoding/json"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// defaultChunkSize is used when the builder doesn't set one explicitly.
const defaultChunkSize = 256

// RustPredicate is a client-side row filter. It receives the row's raw JSON
// bytes and runs before the row is decoded into T; it is not given a
// decoded value.
type RustPredicate func(raw json.RawMessage) bool

// QueryBuilder composes a query plan against one entity. Obtain one via
// Client.Query; every setter returns the builder for chaining.
type QueryBuilder struct {
	client          *Client
	entity          string
	whereSQL        []string
	whereRust       []RustPredicate
	orderBy         string
	chunkSize       int
	timeout         time.Duration
	typeName        string
	memoryEstimator MemoryEstimator
}

// Query begins building a query against entity. entity may be a
// dot-separated dialect identifier (e.g. "public.v_project").
func (c *Client) Query(entity string) *QueryBuilder {
	return &QueryBuilder{
		client:          c,
		entity:          entity,
		chunkSize:       defaultChunkSize,
		typeName:        "json.RawMessage",
		memoryEstimator: ConservativeEstimator{},
	}
}

// WhereSQL appends a trusted SQL predicate fragment, AND-joined with any
// others. Repeatable.
func (b *QueryBuilder) WhereSQL(fragment string) *QueryBuilder {
	b.whereSQL = append(b.whereSQL, fragment)
	return b
}

// WhereRust appends a client-side predicate, evaluated on the raw JSON
// bytes before the typed decode. All predicates must return true for a row
// to be yielded. Repeatable.
func (b *QueryBuilder) WhereRust(pred RustPredicate) *QueryBuilder {
	b.whereRust = append(b.whereRust, pred)
	return b
}

// OrderBy sets a trusted ORDER BY fragment (no leading "ORDER BY").
func (b *QueryBuilder) OrderBy(fragment string) *QueryBuilder {
	b.orderBy = fragment
	return b
}

// ChunkSize sets the row channel capacity and diagnostic chunking unit.
func (b *QueryBuilder) ChunkSize(n int) *QueryBuilder {
	b.chunkSize = n
	return b
}

// Timeout sets a per-query deadline; expiration converts to cancellation.
func (b *QueryBuilder) Timeout(d time.Duration) *QueryBuilder {
	b.timeout = d
	return b
}

// MemoryEstimator overrides the default conservative 2 KiB/item estimator.
func (b *QueryBuilder) MemoryEstimator(e MemoryEstimator) *QueryBuilder {
	b.memoryEstimator = e
	return b
}

// AsType records a human-readable type name for metrics/error labeling.
// The actual decode target is chosen by the generic caller of Execute.
func (b *QueryBuilder) AsType(name string) *QueryBuilder {
	b.typeName = name
	return b
}

// queryPlan is the immutable, validated result of composing a QueryBuilder.
type queryPlan struct {
	entity          string
	sql             string
	sqlHash         uint64
	whereRust       []RustPredicate
	chunkSize       int
	timeout         time.Duration
	typeName        string
	memoryEstimator MemoryEstimator
}

// compose validates and builds the SQL to execute. It never accepts
// pre-interpolated raw identifiers: entity is quoted here.
func (b *QueryBuilder) compose() (*queryPlan, error) {
	if b.chunkSize <= 0 {
		return nil, newError(CategoryConfig, "chunk_size must be > 0, got %d", b.chunkSize)
	}
	for _, frag := range b.whereSQL {
		if err := validateTrustedFragment(frag); err != nil {
			return nil, err
		}
	}
	if b.orderBy != "" {
		if err := validateTrustedFragment(b.orderBy); err != nil {
			return nil, err
		}
	}

	quoted, err := quoteEntity(b.entity)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT data FROM ")
	sb.WriteString(quoted)
	if len(b.whereSQL) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.whereSQL, " AND "))
	}
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	sql := sb.String()

	return &queryPlan{
		entity:          b.entity,
		sql:             sql,
		sqlHash:         xxhash.Sum64String(sql),
		whereRust:       b.whereRust,
		chunkSize:       b.chunkSize,
		timeout:         b.timeout,
		typeName:        b.typeName,
		memoryEstimator: b.memoryEstimator,
	}, nil
}

// validateTrustedFragment refuses fragments containing NUL bytes or
// unbalanced single quotes. It performs no SQL parsing beyond that: the
// caller (the layer above this client) is the trusted producer.
func validateTrustedFragment(frag string) error {
	if strings.ContainsRune(frag, 0) {
		return newError(CategoryConfig, "SQL fragment contains a NUL byte")
	}
	if strings.Count(frag, "'")%2 != 0 {
		return newError(CategoryConfig, "SQL fragment has unbalanced quotes")
	}
	return nil
}

// quoteEntity double-quotes each dot-separated segment of entity,
// escaping embedded double quotes per dialect convention.
func quoteEntity(entity string) (string, error) {
	if entity == "" {
		return "", newError(CategoryConfig, "entity identifier must not be empty")
	}
	if strings.ContainsRune(entity, 0) {
		return "", newError(CategoryConfig, "entity identifier contains a NUL byte")
	}
	segments := strings.Split(entity, ".")
	quoted := make([]string, len(segments))
	for i, seg := range segments {
		if seg == "" {
			return "", newError(CategoryConfig, "entity identifier has an empty segment")
		}
		quoted[i] = `"` + strings.ReplaceAll(seg, `"`, `""`) + `"`
	}
	return strings.Join(quoted, "."), nil
}
