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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fraiseql/fraiseql-sub014"
	"nhooyr.io/websocket"
)

// rowBridge relays decoded rows from a fraiseql.JsonStream to an HTTP
// client (websocket or SSE) through a small bounded backlog, adapted from
// rapidrows' notifWriter: a pump goroutine pulls rows off the stream and
// calls accept, which must not block; the HTTP handler goroutine owns the
// actual wire write loop. A client too slow to keep up gets its queue
// closed instead of stalling the stream's internal reader.
type rowBridge struct {
	q       chan []byte
	qClosed bool
	qMtx    sync.Mutex
}

// rowBridgeBacklog caps how many decoded rows may be queued for a single
// slow client before its connection is aborted.
const rowBridgeBacklog = 64

func newRowBridge() *rowBridge {
	return &rowBridge{q: make(chan []byte, rowBridgeBacklog)}
}

// accept must not block; it is called from the pump goroutine.
func (b *rowBridge) accept(payload []byte) {
	b.qMtx.Lock()
	if b.qClosed {
		b.qMtx.Unlock()
		return
	}
	select {
	case b.q <- payload:
		b.qMtx.Unlock()
	default:
		// queue full: client too slow, abort it
		close(b.q)
		b.qClosed = true
		b.qMtx.Unlock()
	}
}

func (b *rowBridge) closeQ() {
	b.qMtx.Lock()
	if !b.qClosed {
		close(b.q)
		b.qClosed = true
	}
	b.qMtx.Unlock()
}

// pump drains stream into the bridge until the stream ends or ctx is done.
func (b *rowBridge) pump(ctx context.Context, stream *rowStream) {
	defer b.closeQ()
	for {
		item, ok := stream.next(ctx)
		if !ok {
			return
		}
		if item.err != nil {
			continue // terminal errors end the stream on the next Next() call
		}
		b.accept(item.value)
	}
}

var (
	rowWriteTimeout = 10 * time.Second
	errTooSlow      = errors.New("aborting connection because it is too slow")
)

// loopWS upgrades the connection to a websocket and writes each queued row
// as a text message. Blocks until the client disconnects, the context is
// cancelled, or the bridge's queue is closed due to a slow reader.
func (b *rowBridge) loopWS(ctx context.Context, resp http.ResponseWriter, req *http.Request) error {
	qclosed := false
	defer func() {
		if !qclosed {
			b.closeQ()
		}
	}()

	ws, err := websocket.Accept(resp, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		return err
	}
	defer ws.Close(websocket.StatusInternalError, "")

	ctx = ws.CloseRead(ctx)

	for {
		select {
		case payload, ok := <-b.q:
			if !ok {
				ws.Close(websocket.StatusPolicyViolation, "connection too slow")
				qclosed = true
				return errTooSlow
			}
			ctx2, cancel := context.WithTimeout(ctx, rowWriteTimeout)
			err := ws.Write(ctx2, websocket.MessageText, payload)
			cancel()
			if err != nil {
				if cs := websocket.CloseStatus(err); cs == websocket.StatusNormalClosure || cs == websocket.StatusGoingAway {
					err = nil
				}
				return err
			}
		case <-ctx.Done():
			ws.Close(websocket.StatusGoingAway, "server shutdown")
			return ctx.Err()
		}
	}
}

var (
	sseKeepAliveInterval = time.Minute
	sseKeepAliveComment  = []byte{':', '\n', '\n'}
)

// loopSSE is like loopWS, but writes server-sent events instead.
func (b *rowBridge) loopSSE(ctx context.Context, resp http.ResponseWriter, req *http.Request) error {
	flusher, ok := resp.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support flushing")
	}
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAliveInterval)
	qclosed := false
	defer func() {
		if !qclosed {
			b.closeQ()
		}
		ticker.Stop()
	}()

	for {
		select {
		case payload, ok := <-b.q:
			if !ok {
				qclosed = true
				return errTooSlow
			}
			if _, err := resp.Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := resp.Write(payload); err != nil {
				return err
			}
			if _, err := resp.Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := resp.Write(sseKeepAliveComment); err != nil {
				return err
			}
			flusher.Flush()
		case <-ctx.Done():
			return ctx.Err()
		case <-req.Context().Done():
			return req.Context().Err()
		}
	}
}

// rowStream is the minimal surface bridge needs from a
// fraiseql.JsonStream[json.RawMessage], kept narrow so tests can fake it.
type rowStream struct {
	nextFn func(ctx context.Context) (rowItem, bool)
}

type rowItem struct {
	value []byte
	err   error
}

func (s *rowStream) next(ctx context.Context) (rowItem, bool) {
	return s.nextFn(ctx)
}

// newRowStream adapts a *fraiseql.JsonStream[json.RawMessage] to the
// narrow rowStream interface the bridge pumps from.
func newRowStream(s *fraiseql.JsonStream[json.RawMessage]) *rowStream {
	return &rowStream{
		nextFn: func(ctx context.Context) (rowItem, bool) {
			item, ok := s.Next(ctx)
			if !ok {
				return rowItem{}, false
			}
			return rowItem{value: []byte(item.Value), err: item.Err}, true
		},
	}
}
