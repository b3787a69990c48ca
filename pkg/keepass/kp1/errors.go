// Copyright 2016 The Sandpass Authors
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

package kp1

import "fmt"

// FormatErrorKind classifies a FormatError.
type FormatErrorKind int

// Format error kinds.
const (
	PrematureEnd FormatErrorKind = 1 + iota
	CorruptedField
	OrphanedEntry
	InconsistentGroups
)

// A FormatError describes malformed KDB content.
type FormatError struct {
	Kind FormatErrorKind

	// Field names the field that failed to parse, if known.
	Field string
}

func (e *FormatError) Error() string {
	switch e.Kind {
	case PrematureEnd:
		return "unexpected end of file"
	case CorruptedField:
		if e.Field != "" {
			return fmt.Sprintf("error parsing field %s", e.Field)
		}
		return "database file is corrupted"
	case OrphanedEntry:
		return "found an entry outside any group"
	case InconsistentGroups:
		return "inconsistent group tree"
	default:
		return "malformed database"
	}
}

var errPrematureEnd = &FormatError{Kind: PrematureEnd}
