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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRowBridgeAcceptDeliversPayload(t *testing.T) {
	b := newRowBridge()
	b.accept([]byte(`{"a":1}`))
	select {
	case payload := <-b.q:
		require.Equal(t, `{"a":1}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("payload never delivered")
	}
}

func TestRowBridgeAcceptClosesOnFullBacklog(t *testing.T) {
	b := newRowBridge()
	for i := 0; i < rowBridgeBacklog; i++ {
		b.accept([]byte("x"))
	}
	b.accept([]byte("overflow")) // queue full: should close, not block or panic

	_, ok := <-b.q
	require.True(t, ok) // one of the backlog entries is still readable

	b.qMtx.Lock()
	closed := b.qClosed
	b.qMtx.Unlock()
	require.True(t, closed)
}

func TestRowBridgeCloseQIdempotent(t *testing.T) {
	b := newRowBridge()
	b.closeQ()
	require.NotPanics(t, func() { b.closeQ() })
	require.NotPanics(t, func() { b.accept([]byte("after close")) })
}

func TestRowBridgePumpDrainsUntilStreamEnds(t *testing.T) {
	items := []rowItem{{value: []byte("1")}, {value: []byte("2")}, {value: []byte("3")}}
	idx := 0
	stream := &rowStream{nextFn: func(ctx context.Context) (rowItem, bool) {
		if idx >= len(items) {
			return rowItem{}, false
		}
		it := items[idx]
		idx++
		return it, true
	}}

	b := newRowBridge()
	done := make(chan struct{})
	go func() {
		b.pump(context.Background(), stream)
		close(done)
	}()

	var got []string
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case payload, ok := <-b.q:
			if !ok {
				break drain
			}
			got = append(got, string(payload))
		case <-timeout:
			t.Fatal("pump never finished")
		}
	}
	<-done
	require.Equal(t, []string{"1", "2", "3"}, got)
}

func TestRowBridgePumpSkipsRowErrorsWithoutAborting(t *testing.T) {
	items := []rowItem{
		{err: errors.New("decode failed")},
		{value: []byte("ok")},
	}
	idx := 0
	stream := &rowStream{nextFn: func(ctx context.Context) (rowItem, bool) {
		if idx >= len(items) {
			return rowItem{}, false
		}
		it := items[idx]
		idx++
		return it, true
	}}

	b := newRowBridge()
	go b.pump(context.Background(), stream)

	select {
	case payload := <-b.q:
		require.Equal(t, "ok", string(payload))
	case <-time.After(time.Second):
		t.Fatal("never received the row after the error")
	}
}
