// Copyright 2016 Ross Light
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kp2

import "fmt"

// FormatErrorKind classifies a FormatError.
type FormatErrorKind int

// Format error kinds.
const (
	PrematureEnd FormatErrorKind = 1 + iota
	CorruptedHeader
	HeaderHashMismatch
	BlockHashMismatch
	BlockHMACMismatch
	CorruptedInnerHeader
	ParsingError
	AttachmentError
	CompressionError
)

// A FormatError describes malformed KDBX content.
type FormatError struct {
	Kind FormatErrorKind

	// Detail names the item that failed, such as a header field or a
	// block index.
	Detail string

	Err error
}

func (e *FormatError) Error() string {
	var msg string
	switch e.Kind {
	case PrematureEnd:
		msg = "unexpected end of file"
	case CorruptedHeader:
		msg = "corrupted header"
	case HeaderHashMismatch:
		msg = "header hash mismatch"
	case BlockHashMismatch:
		msg = "block hash mismatch"
	case BlockHMACMismatch:
		msg = "block HMAC mismatch"
	case CorruptedInnerHeader:
		msg = "corrupted inner header"
	case ParsingError:
		msg = "cannot parse XML content"
	case AttachmentError:
		msg = "bad attachment reference"
	case CompressionError:
		msg = "cannot decompress content"
	default:
		msg = "malformed database"
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

var errPrematureEnd = &FormatError{Kind: PrematureEnd}
