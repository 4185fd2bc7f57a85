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

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a set of fraiseql_* counters and histograms registered
// against one prometheus.Registry (see NewMetrics). Every Client, stream
// and handshake in this package records into DefaultMetrics.
type Metrics struct {
	Registry *prometheus.Registry

	QueriesTotal       *prometheus.CounterVec
	QuerySuccessTotal  *prometheus.CounterVec
	QueryErrorTotal    *prometheus.CounterVec
	QueryCancelledTotal *prometheus.CounterVec
	RowsProcessedTotal *prometheus.CounterVec
	RowsFilteredTotal  prometheus.Counter
	RowsDeserializedTotal      prometheus.Counter
	RowsDeserializationFailedTotal *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	ProtocolErrorsTotal prometheus.Counter
	JSONParseErrorsTotal *prometheus.CounterVec
	ConnectionsCreatedTotal *prometheus.CounterVec
	ConnectionsFailedTotal  *prometheus.CounterVec
	AuthenticationsTotal           *prometheus.CounterVec
	AuthenticationsSuccessfulTotal *prometheus.CounterVec
	AuthenticationsFailedTotal     *prometheus.CounterVec

	QueryStartupDurationMS    *prometheus.HistogramVec
	QueryTotalDurationMS      *prometheus.HistogramVec
	QueryRowsProcessed        *prometheus.HistogramVec
	QueryBytesReceived        *prometheus.HistogramVec
	ChunkProcessingDurationMS prometheus.Histogram
	ChunkSizeRows             prometheus.Histogram
	JSONParseDurationMS       prometheus.Histogram
	FilterDurationMS          prometheus.Histogram
	DeserializationDurationMS prometheus.Histogram
	ChannelSendLatencyMS      prometheus.Histogram
	AuthDurationMS            *prometheus.HistogramVec
}

// NewMetrics builds and registers every fraiseql_* counter/histogram
// against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{Registry: reg}

	m.QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_queries_total",
		Help: "Queries submitted, labeled by shape.",
	}, []string{"entity", "has_where_sql", "has_where_rust", "has_order_by"})
	m.QuerySuccessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_query_success_total", Help: "Queries that completed successfully.",
	}, []string{"entity"})
	m.QueryErrorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_query_error_total", Help: "Queries that terminated with an error.",
	}, []string{"entity", "error_category"})
	m.QueryCancelledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_query_cancelled_total", Help: "Queries cancelled by the caller.",
	}, []string{"entity"})
	m.RowsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_rows_processed_total", Help: "Rows observed off the wire, by outcome.",
	}, []string{"entity", "status"})
	m.RowsFilteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fraiseql_rows_filtered_total", Help: "Rows dropped by a client-side predicate.",
	})
	m.RowsDeserializedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fraiseql_rows_deserialized_total", Help: "Rows successfully decoded into T.",
	})
	m.RowsDeserializationFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_rows_deserialization_failed_total", Help: "Rows that failed to decode into T.",
	}, []string{"type_name", "reason"})
	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_errors_total", Help: "All errors, by category.",
	}, []string{"error_category"})
	m.ProtocolErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fraiseql_protocol_errors_total", Help: "Wire protocol violations.",
	})
	m.JSONParseErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_json_parse_errors_total", Help: "Per-row JSON parse failures.",
	}, []string{"reason"})
	m.ConnectionsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_connections_created_total", Help: "Transports successfully established.",
	}, []string{"transport"})
	m.ConnectionsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_connections_failed_total", Help: "Transport establishment failures.",
	}, []string{"phase", "error_category"})
	m.AuthenticationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_authentications_total", Help: "Authentication attempts.",
	}, []string{"mechanism"})
	m.AuthenticationsSuccessfulTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_authentications_successful_total", Help: "Authentications that succeeded.",
	}, []string{"mechanism"})
	m.AuthenticationsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraiseql_authentications_failed_total", Help: "Authentications that failed.",
	}, []string{"mechanism", "reason"})

	m.QueryStartupDurationMS = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "fraiseql_query_startup_duration_ms", Help: "Time from execute() to first RowDescription.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"entity"})
	m.QueryTotalDurationMS = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "fraiseql_query_total_duration_ms", Help: "Time from execute() to terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	}, []string{"entity", "status"})
	m.QueryRowsProcessed = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "fraiseql_query_rows_processed", Help: "Rows processed per completed query.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"entity"})
	m.QueryBytesReceived = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "fraiseql_query_bytes_received", Help: "Bytes received per completed query.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 14),
	}, []string{"entity"})
	m.ChunkProcessingDurationMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fraiseql_chunk_processing_duration_ms", Help: "Time to flush one chunk into the row channel.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.ChunkSizeRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fraiseql_chunk_size_rows", Help: "Rows per flushed chunk.",
		Buckets: prometheus.LinearBuckets(0, 32, 10),
	})
	m.JSONParseDurationMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fraiseql_json_parse_duration_ms", Help: "Per-row JSON decode duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	m.FilterDurationMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fraiseql_filter_duration_ms", Help: "Sampled client-side predicate evaluation duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	m.DeserializationDurationMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fraiseql_deserialization_duration_ms", Help: "Per-row typed decode duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	m.ChannelSendLatencyMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fraiseql_channel_send_latency_ms", Help: "Time blocked sending a row into the bounded channel.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	m.AuthDurationMS = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "fraiseql_auth_duration_ms", Help: "Time spent in the auth handshake.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"mechanism"})

	reg.MustRegister(
		m.QueriesTotal, m.QuerySuccessTotal, m.QueryErrorTotal, m.QueryCancelledTotal,
		m.RowsProcessedTotal, m.RowsFilteredTotal, m.RowsDeserializedTotal,
		m.RowsDeserializationFailedTotal, m.ErrorsTotal, m.ProtocolErrorsTotal,
		m.JSONParseErrorsTotal, m.ConnectionsCreatedTotal, m.ConnectionsFailedTotal,
		m.AuthenticationsTotal, m.AuthenticationsSuccessfulTotal, m.AuthenticationsFailedTotal,
		m.QueryStartupDurationMS, m.QueryTotalDurationMS, m.QueryRowsProcessed,
		m.QueryBytesReceived, m.ChunkProcessingDurationMS, m.ChunkSizeRows,
		m.JSONParseDurationMS, m.FilterDurationMS, m.DeserializationDurationMS,
		m.ChannelSendLatencyMS, m.AuthDurationMS,
	)
	return m
}

// DefaultMetrics is a process-wide recorder registered against its own
// private prometheus.Registry, set up once at package init so that a
// caller which never touches metrics still gets a working, cost-free
// recorder. Expose DefaultMetrics.Registry over HTTP to scrape it; a
// Metrics built separately with NewMetrics receives no observations from
// this package.
var DefaultMetrics = NewMetrics(prometheus.NewRegistry())
