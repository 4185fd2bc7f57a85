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

import "fmt"

// Category classifies an Error for metrics and caller-side retry decisions.
type Category string

const (
	CategoryConnection     Category = "connection"
	CategoryAuthentication Category = "authentication"
	CategoryProtocol       Category = "protocol"
	CategoryInvalidSchema  Category = "invalid_schema"
	CategorySQL            Category = "sql"
	CategoryJSONDecode     Category = "json_decode"
	CategoryIO             Category = "io"
	CategoryConfig         Category = "config"
	CategoryCancelled      Category = "cancelled"
	CategoryTimeout        Category = "timeout"
)

// Retriable reports whether the whole operation (connect, or query) may be
// retried after an error of this category.
func (c Category) Retriable() bool {
	switch c {
	case CategoryIO, CategoryTimeout:
		return true
	default:
		return false
	}
}

// Error is the single opaque error type this package returns. It always
// carries a Category and may wrap an underlying cause.
type Error struct {
	Category Category
	Message  string
	Cause    error
}

func newError(cat Category, format string, args ...any) *Error {
	DefaultMetrics.ErrorsTotal.WithLabelValues(string(cat)).Inc()
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

func wrapError(cat Category, cause error, format string, args ...any) *Error {
	DefaultMetrics.ErrorsTotal.WithLabelValues(string(cat)).Inc()
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fraiseql: %s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("fraiseql: %s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the error's category permits retrying the
// whole operation that produced it.
func (e *Error) Retriable() bool { return e.Category.Retriable() }
