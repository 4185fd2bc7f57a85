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

package wire

import "fmt"

// ProtocolError reports a malformed or unexpected wire-level condition: an
// unknown message tag, a length that fails the sanity check, or a message
// that doesn't match the shape callers asked to parse.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: protocol error: %s", e.Reason)
}

// UnknownTagError reports a backend message tag this codec does not
// recognize.
type UnknownTagError struct {
	Tag byte
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("wire: unknown backend message tag %q (0x%02x)", rune(e.Tag), e.Tag)
}

func (e *UnknownTagError) Unwrap() error {
	return &ProtocolError{Reason: e.Error()}
}
