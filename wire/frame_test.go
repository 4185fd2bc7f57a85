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

package wire_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraiseql/fraiseql-sub014/wire"
)

func TestReadFrameRoundTrip(t *testing.T) {
	msg := wire.Query{SQL: "SELECT data FROM t"}
	raw := wire.Encode(msg)

	r := wire.NewReader(bytes.NewReader(raw), 0)
	f, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, byte('Q'), f.Tag)

	parsed, err := wire.ParseBackend(f.Tag, f.Payload)
	// Query is a frontend-only tag; ParseBackend doesn't know it. Assert it
	// is rejected as unknown rather than silently misparsed.
	require.Error(t, err)
	_ = parsed
}

func TestReadFrameShortReadIsIOError(t *testing.T) {
	r := wire.NewReader(bytes.NewReader([]byte{'Z', 0, 0}), 0)
	_, err := r.ReadFrame()
	require.Error(t, err)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	hdr := []byte{'Z', 0x7f, 0xff, 0xff, 0xff} // huge declared length
	r := wire.NewReader(bytes.NewReader(hdr), 1024)
	_, err := r.ReadFrame()
	require.Error(t, err)
	var perr *wire.ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestReadFrameRejectsLengthBelowFour(t *testing.T) {
	hdr := []byte{'Z', 0, 0, 0, 2}
	r := wire.NewReader(bytes.NewReader(hdr), 0)
	_, err := r.ReadFrame()
	require.Error(t, err)
}

func TestUnknownTagIsDistinctError(t *testing.T) {
	_, err := wire.ParseBackend('?', nil)
	require.Error(t, err)
	var uerr *wire.UnknownTagError
	require.ErrorAs(t, err, &uerr)
	require.Contains(t, err.Error(), "?")
}
