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

// Package wire implements the frontend/backend wire framing for a single
// JSON-column relational protocol dialect: one-byte tag, four-byte
// big-endian length (inclusive of the length field), then length-4 bytes of
// payload. The startup and cancel frames are the sole exception: they carry
// no leading tag byte.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLength is the default sanity cap on a single frame's declared
// length. Frames larger than this are rejected as a Protocol error rather
// than causing an oversized allocation.
const MaxFrameLength = 1 << 30 // 1 GiB

// Frame is a single decoded backend frame: its tag byte and payload, with
// the length prefix already consumed.
type Frame struct {
	Tag     byte
	Payload []byte
}

// Reader reads tagged, length-prefixed frames off a byte stream.
type Reader struct {
	r         io.Reader
	maxLength int
}

// NewReader wraps r. maxLength <= 0 selects MaxFrameLength.
func NewReader(r io.Reader, maxLength int) *Reader {
	if maxLength <= 0 {
		maxLength = MaxFrameLength
	}
	return &Reader{r: r, maxLength: maxLength}
}

// ReadFrame reads one tagged frame: tag byte, then 4-byte big-endian
// length (inclusive of itself), then length-4 payload bytes.
func (fr *Reader) ReadFrame() (Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame header: %w", err)
	}
	tag := hdr[0]
	length := int32(binary.BigEndian.Uint32(hdr[1:5]))
	payload, err := fr.readPayload(length)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

// ReadUntaggedFrame reads a frame with no leading tag byte: just the 4-byte
// big-endian length (inclusive of itself) followed by length-4 payload
// bytes. The client side never calls it (untagged frames are a
// frontend-only concept on the startup path, and the one-byte TLS reply is
// read with ReadByte); kept for symmetry with ReadFrame and used by tests
// that play the backend and read the client's startup frame.
func (fr *Reader) ReadUntaggedFrame() (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read untagged frame header: %w", err)
	}
	length := int32(binary.BigEndian.Uint32(hdr[:]))
	payload, err := fr.readPayload(length)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Payload: payload}, nil
}

func (fr *Reader) readPayload(length int32) ([]byte, error) {
	if length < 4 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid frame length %d", length)}
	}
	if int(length) > fr.maxLength {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame length %d exceeds sanity cap %d", length, fr.maxLength)}
	}
	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}
	return payload, nil
}

// ReadByte reads a single raw byte from the stream, used for the one-byte
// S/N TLS negotiation response which carries neither tag nor length.
func (fr *Reader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(fr.r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: read byte: %w", err)
	}
	return b[0], nil
}
