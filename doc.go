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

// Package fraiseql implements a from-scratch streaming wire client for
// PostgreSQL-shaped backends whose result sets carry a single JSON or JSONB
// column named data. It speaks the frontend/backend protocol directly (see
// the [fraiseql/wire] subpackage for framing), authenticates with cleartext
// or SCRAM-SHA-256, and exposes query results as a lazy, memory-bounded,
// cancellable [JsonStream] rather than materializing them in memory.
//
// A typical caller:
//
//	client, err := fraiseql.Connect(connString)
//	b := client.Query("project").WhereSQL("data->>'status' = 'active'")
//	stream, err := fraiseql.Execute[MyRow](b)
//	for {
//		item, ok := stream.Next(ctx)
//		if !ok { break }
//		if item.Err != nil { /* handle */ }
//	}
//
// See cmd/fraiseql-stream for a complete caller that exercises connect,
// query, closing a stream early and the metrics surface end to end; it does
// not use pause/resume or Cancel.
package fraiseql
