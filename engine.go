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
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fraiseql/fraiseql-sub014/wire"
)

// StreamState names a point in the per-stream state machine: Starting ->
// Running -> (Paused <-> Running)* -> (Draining|Cancelling) -> Terminal.
type StreamState int32

const (
	StateStarting StreamState = iota
	StateRunning
	StatePaused
	StateDraining
	StateCancelling
	StateTerminal
)

func (s StreamState) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateDraining:
		return "Draining"
	case StateCancelling:
		return "Cancelling"
	case StateTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// rowMsg is one slot on the engine's output channel: either a successfully
// read row's raw data column bytes, or a terminal error. A terminal error
// is always the last value sent before the channel is closed.
type rowMsg struct {
	data []byte
	err  error
}

// pauseSignal implements the pause/resume notifier: reads are suspended
// between Pause() and Resume(), both of which are idempotent no-ops when
// already in that state.
type pauseSignal struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newPauseSignal() *pauseSignal {
	return &pauseSignal{resume: make(chan struct{})}
}

func (p *pauseSignal) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resume = make(chan struct{})
	}
}

func (p *pauseSignal) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.resume)
	}
}

// wait blocks while paused, until Resume or cancel fires. It is checked
// before every frame read.
func (p *pauseSignal) wait(cancel <-chan struct{}) {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	ch := p.resume
	p.mu.Unlock()
	select {
	case <-ch:
	case <-cancel:
	}
}

// engine is the background reader for one active query: it owns the
// client's transport read half for the lifetime of the query, and is the
// sole producer onto out.
type engine struct {
	client *Client
	plan   *queryPlan

	out    chan rowMsg
	pause  *pauseSignal
	cancel chan struct{}
	once   sync.Once

	state int32 // StreamState, accessed atomically
}

func newEngine(c *Client, plan *queryPlan) *engine {
	return &engine{
		client: c,
		plan:   plan,
		out:    make(chan rowMsg, plan.chunkSize),
		pause:  newPauseSignal(),
		cancel: make(chan struct{}),
		state:  int32(StateStarting),
	}
}

func (e *engine) State() StreamState {
	return StreamState(atomic.LoadInt32(&e.state))
}

func (e *engine) setState(s StreamState) {
	atomic.StoreInt32(&e.state, int32(s))
}

// requestLocalCancel stops the reader at its next suspension point. It
// never sends a CancelRequest itself; the caller decides (see
// JsonStream.Cancel vs JsonStream.Close).
func (e *engine) requestLocalCancel() {
	e.once.Do(func() { close(e.cancel) })
}

func (e *engine) emit(m rowMsg) {
	select {
	case e.out <- m:
		return
	case <-e.cancel:
	}
	// Cancelled: the consumer may have stopped reading, so make room by
	// discarding buffered rows until the terminal error fits.
	for {
		select {
		case e.out <- m:
			return
		case <-e.out:
		}
	}
}

// run drives the per-row pipeline described by spec.md-equivalent §4.F
// over the client's transport: compose already happened, so this just
// issues the simple Query and processes the response stream until
// ReadyForQuery, honoring pause/cancel at each frame boundary.
func (e *engine) run() {
	defer close(e.out)
	entity := e.plan.entity
	t := e.client.t
	start := time.Now()

	var timeoutTimer *time.Timer
	if e.plan.timeout > 0 {
		timeoutTimer = time.AfterFunc(e.plan.timeout, e.requestLocalCancel)
		defer timeoutTimer.Stop()
	}

	unusable := false
	defer func() { e.client.releaseQuerySlot(unusable) }()

	if err := t.write(wire.Encode(wire.Query{SQL: e.plan.sql})); err != nil {
		unusable = true
		e.emit(rowMsg{err: wrapError(CategoryIO, err, "send query")})
		return
	}

	var validated bool
	var formatCode int16
	accumulator := make([][]byte, 0, e.plan.chunkSize)
	chunkStart := time.Now()

	flush := func() bool {
		if len(accumulator) == 0 {
			return true
		}
		for _, row := range accumulator {
			sendStart := time.Now()
			select {
			case e.out <- rowMsg{data: row}:
				DefaultMetrics.ChannelSendLatencyMS.Observe(msSince(sendStart))
			case <-e.cancel:
				return false
			}
		}
		DefaultMetrics.ChunkSizeRows.Observe(float64(len(accumulator)))
		DefaultMetrics.ChunkProcessingDurationMS.Observe(msSince(chunkStart))
		accumulator = accumulator[:0]
		chunkStart = time.Now()
		return true
	}

	var queryErr *Error
	var fatalErr error
	cancelled := false
	var rowCount int64
	var bytesReceived int64

loop:
	for {
		select {
		case <-e.cancel:
			cancelled = true
			break loop
		default:
		}
		e.pause.wait(e.cancel)
		select {
		case <-e.cancel:
			cancelled = true
			break loop
		default:
		}

		frame, err := t.reader.ReadFrame()
		if err != nil {
			fatalErr = wrapError(CategoryIO, err, "read frame mid-stream")
			break loop
		}
		msg, err := wire.ParseBackend(frame.Tag, frame.Payload)
		if err != nil {
			DefaultMetrics.ProtocolErrorsTotal.Inc()
			fatalErr = wrapError(CategoryProtocol, err, "malformed message mid-stream")
			break loop
		}

		switch msg.Tag {
		case wire.TagRowDescription:
			if validated {
				fatalErr = newError(CategoryProtocol, "unexpected RowDescription mid-query")
				break
			}
			fc, verr := validateRowDescription(msg.Fields)
			if verr != nil {
				queryErr = verr.(*Error)
				break
			}
			formatCode = fc
			validated = true
			e.setState(StateRunning)
			DefaultMetrics.QueryStartupDurationMS.WithLabelValues(entity).Observe(msSince(start))
		case wire.TagDataRow:
			if !validated {
				fatalErr = newError(CategoryProtocol, "DataRow before RowDescription")
				break
			}
			col := msg.Columns[0]
			if col == nil {
				DefaultMetrics.JSONParseErrorsTotal.WithLabelValues("null").Inc()
				break
			}
			parseStart := time.Now()
			if formatCode == 1 {
				stripped, serr := stripJSONBVersionPrefix(col)
				if serr != nil {
					fatalErr = serr
					break
				}
				col = stripped
			}
			DefaultMetrics.JSONParseDurationMS.Observe(msSince(parseStart))
			bytesReceived += int64(len(col))
			accumulator = append(accumulator, col)
			if len(accumulator) >= e.plan.chunkSize {
				if !flush() {
					cancelled = true
					break loop
				}
			}
		case wire.TagCommandComplete:
			rowCount = parseCommandTagRowCount(msg.CommandTag)
			e.setState(StateDraining)
			if !flush() {
				cancelled = true
				break loop
			}
		case wire.TagEmptyQueryResp:
			// zero rows; proceed to ReadyForQuery.
		case wire.TagErrorResponse:
			queryErr = classifyQueryError(msg.ErrorFields)
		case wire.TagNoticeResponse:
			continue
		case wire.TagReadyForQuery:
			break loop
		default:
			fatalErr = newError(CategoryProtocol, "unexpected message %q mid-query", rune(msg.Tag))
		}

		if fatalErr != nil {
			break loop
		}
		if queryErr != nil {
			e.setState(StateDraining)
			_ = e.drainToReady(t)
			break loop
		}
	}

	switch {
	case cancelled:
		e.setState(StateCancelling)
		if !e.drainWithDeadline(t, 2*time.Second) {
			unusable = true
		}
		DefaultMetrics.QueryCancelledTotal.WithLabelValues(entity).Inc()
		e.emit(rowMsg{err: newError(CategoryCancelled, "stream cancelled")})
	case fatalErr != nil:
		unusable = true
		DefaultMetrics.QueryErrorTotal.WithLabelValues(entity, string(categoryOf(fatalErr))).Inc()
		e.emit(rowMsg{err: fatalErr})
	case queryErr != nil:
		DefaultMetrics.QueryErrorTotal.WithLabelValues(entity, string(queryErr.Category)).Inc()
		e.emit(rowMsg{err: queryErr})
	default:
		DefaultMetrics.QuerySuccessTotal.WithLabelValues(entity).Inc()
	}
	e.setState(StateTerminal)
	DefaultMetrics.QueryTotalDurationMS.WithLabelValues(entity, terminalStatus(cancelled, fatalErr, queryErr)).
		Observe(msSince(start))
	DefaultMetrics.QueryRowsProcessed.WithLabelValues(entity).Observe(float64(rowCount))
	DefaultMetrics.QueryBytesReceived.WithLabelValues(entity).Observe(float64(bytesReceived))
}

// parseCommandTagRowCount extracts the row count from a CommandComplete tag
// such as "SELECT 42"; tags with no trailing count (e.g. "BEGIN") or that
// fail to parse yield 0.
func parseCommandTagRowCount(tag string) int64 {
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func terminalStatus(cancelled bool, fatalErr error, queryErr *Error) string {
	switch {
	case cancelled:
		return "cancelled"
	case fatalErr != nil:
		return "error"
	case queryErr != nil:
		return "error"
	default:
		return "ok"
	}
}

// drainToReady reads and discards frames until ReadyForQuery, so the
// connection can be reused after a query-level error or cancellation.
func (e *engine) drainToReady(t *transport) error {
	for {
		frame, err := t.reader.ReadFrame()
		if err != nil {
			return err
		}
		msg, err := wire.ParseBackend(frame.Tag, frame.Payload)
		if err != nil {
			return err
		}
		if msg.Tag == wire.TagReadyForQuery {
			return nil
		}
	}
}

// drainWithDeadline bounds drainToReady by a real read deadline on the
// transport; exceeding it means the connection is no longer reusable.
func (e *engine) drainWithDeadline(t *transport, d time.Duration) bool {
	t.conn.SetReadDeadline(time.Now().Add(d))
	defer t.conn.SetReadDeadline(time.Time{})
	return e.drainToReady(t) == nil
}

// classifyQueryError maps a backend ErrorResponse's SQLSTATE into the sql
// category; authentication-class codes don't occur mid-query so everything
// here is "sql".
func classifyQueryError(fields map[byte]string) *Error {
	return newError(CategorySQL, "%s", fields[wire.ErrorFieldMessage])
}

func categoryOf(err error) Category {
	if fe, ok := err.(*Error); ok {
		return fe.Category
	}
	return CategoryIO
}
