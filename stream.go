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
	"context"
	"encoding/json"
	"sync/atomic"
	"time"
)

// StreamItem is one value produced by a JsonStream: either a decoded T, or
// an error. A non-nil Err does not necessarily end the stream — per-row
// json_decode errors are followed by more items, and so is the timeout
// error Next returns when its ctx is done (the query keeps running); every
// other category is followed by end-of-stream on the next Next() call.
type StreamItem[T any] struct {
	Value T
	Err   error
}

// JsonStream is the public streaming handle returned by Execute. It is not
// restartable: once Next reports end-of-stream, the background reader has
// exited and the Client is free for another query.
type JsonStream[T any] struct {
	client    *Client
	entity    string
	typeName  string
	whereRust []RustPredicate
	estimator MemoryEstimator

	eng *engine
	out chan rowMsg

	evalCount uint64
}

// Execute composes b's plan and launches the background reader, returning
// a typed stream. Only one query may be in flight per Client at a time.
func Execute[T any](b *QueryBuilder) (*JsonStream[T], error) {
	plan, err := b.compose()
	if err != nil {
		return nil, err
	}
	c := b.client
	if err := c.acquireQuerySlot(); err != nil {
		return nil, err
	}

	DefaultMetrics.QueriesTotal.WithLabelValues(
		plan.entity,
		boolLabel(len(b.whereSQL) > 0),
		boolLabel(len(b.whereRust) > 0),
		boolLabel(b.orderBy != ""),
	).Inc()

	eng := newEngine(c, plan)
	s := &JsonStream[T]{
		client:    c,
		entity:    plan.entity,
		typeName:  plan.typeName,
		whereRust: plan.whereRust,
		estimator: plan.memoryEstimator,
		eng:       eng,
		out:       eng.out,
	}
	go eng.run()
	return s, nil
}

// Next blocks until a row is available, the stream ends, or ctx is done.
// The returned bool is false only at true end-of-stream: once false is
// returned, every subsequent call also returns false.
func (s *JsonStream[T]) Next(ctx context.Context) (StreamItem[T], bool) {
outer:
	for {
		select {
		case <-ctx.Done():
			return StreamItem[T]{Err: wrapError(CategoryTimeout, ctx.Err(), "context done waiting for next row")}, true
		case env, open := <-s.out:
			if !open {
				return StreamItem[T]{}, false
			}
			if env.err != nil {
				return StreamItem[T]{Err: env.err}, true
			}
			DefaultMetrics.RowsProcessedTotal.WithLabelValues(s.entity, "ok").Inc()

			for _, pred := range s.whereRust {
				n := atomic.AddUint64(&s.evalCount, 1)
				sample := n%1000 == 0
				var predStart time.Time
				if sample {
					predStart = time.Now()
				}
				keep := pred(json.RawMessage(env.data))
				if sample {
					DefaultMetrics.FilterDurationMS.Observe(msSince(predStart))
				}
				if !keep {
					DefaultMetrics.RowsFilteredTotal.Inc()
					DefaultMetrics.RowsProcessedTotal.WithLabelValues(s.entity, "filtered").Inc()
					continue outer
				}
			}

			decodeStart := time.Now()
			var v T
			if uerr := json.Unmarshal(env.data, &v); uerr != nil {
				DefaultMetrics.RowsDeserializationFailedTotal.WithLabelValues(s.typeName, "unmarshal").Inc()
				DefaultMetrics.RowsProcessedTotal.WithLabelValues(s.entity, "decode_failed").Inc()
				return StreamItem[T]{Err: wrapError(CategoryJSONDecode, uerr, "decode row into %s", s.typeName)}, true
			}
			DefaultMetrics.DeserializationDurationMS.Observe(msSince(decodeStart))
			DefaultMetrics.RowsDeserializedTotal.Inc()
			return StreamItem[T]{Value: v}, true
		}
	}
}

// Pause suspends the background reader before its next frame read. A
// no-op on an already-paused or completed stream.
func (s *JsonStream[T]) Pause() {
	s.eng.pause.Pause()
	atomic.CompareAndSwapInt32(&s.eng.state, int32(StateRunning), int32(StatePaused))
}

// Resume wakes a paused reader. A no-op on a non-paused or completed
// stream.
func (s *JsonStream[T]) Resume() {
	s.eng.pause.Resume()
	atomic.CompareAndSwapInt32(&s.eng.state, int32(StatePaused), int32(StateRunning))
}

// Close stops the background reader at its next suspension point without
// sending a CancelRequest to the server — the reader attempts to drain to
// ReadyForQuery on its own so the Client stays reusable. Use Cancel
// instead to interrupt a long-running query on the server itself.
func (s *JsonStream[T]) Close() {
	s.eng.requestLocalCancel()
}

// Cancel stops the background reader and sends a CancelRequest to the
// server over a fresh connection, using the captured backend key.
func (s *JsonStream[T]) Cancel() {
	s.eng.requestLocalCancel()
	_ = s.client.sendCancelRequest()
}

// State reports the stream's current position in the Starting -> Running
// -> (Paused <-> Running)* -> (Draining|Cancelling) -> Terminal machine.
func (s *JsonStream[T]) State() StreamState { return s.eng.State() }

// MemoryEstimate returns the configured estimator's diagnostic byte
// estimate for itemsBuffered currently resident rows.
func (s *JsonStream[T]) MemoryEstimate(itemsBuffered int) int {
	return s.estimator.EstimateBytes(itemsBuffered)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
