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

package keepass

import (
	"errors"
	"fmt"
	"strings"

	"zombiezen.com/go/keepdb/pkg/progress"
)

// ErrorKind classifies a DatabaseError.
type ErrorKind int

// Error kinds.
const (
	LoadError ErrorKind = 1 + iota
	InvalidKey
	SaveError
)

func (k ErrorKind) String() string {
	switch k {
	case LoadError:
		return "load error"
	case InvalidKey:
		return "invalid key"
	case SaveError:
		return "save error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// A DatabaseError is the only kind of error returned by the codecs'
// Load and Save functions, apart from *progress.Interruption.
type DatabaseError struct {
	Kind ErrorKind

	// Detail is a human-readable explanation.  It is empty for
	// InvalidKey.
	Detail string

	Err error
}

// NewLoadError returns a LoadError with the given reason.
func NewLoadError(reason string, err error) *DatabaseError {
	return &DatabaseError{Kind: LoadError, Detail: reason, Err: err}
}

// NewSaveError returns a SaveError with the given reason.
func NewSaveError(reason string, err error) *DatabaseError {
	return &DatabaseError{Kind: SaveError, Detail: reason, Err: err}
}

// NewInvalidKeyError returns an InvalidKey error.
func NewInvalidKeyError(err error) *DatabaseError {
	return &DatabaseError{Kind: InvalidKey, Err: err}
}

// Message returns a short description suitable for an error dialog.
func (e *DatabaseError) Message() string {
	switch e.Kind {
	case LoadError:
		return "Cannot open database"
	case InvalidKey:
		return "Invalid password or key file"
	case SaveError:
		return "Cannot save database"
	default:
		return "Database error"
	}
}

// Reason returns the longer explanation, if any.
func (e *DatabaseError) Reason() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil && e.Kind != InvalidKey {
		return e.Err.Error()
	}
	return ""
}

func (e *DatabaseError) Error() string {
	var sb strings.Builder
	sb.WriteString("keepass: ")
	sb.WriteString(strings.ToLower(e.Message()))
	if r := e.Reason(); r != "" {
		sb.WriteString(": ")
		sb.WriteString(r)
	}
	if e.Detail != "" && e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// IsInvalidKey reports whether err is an InvalidKey DatabaseError.
func IsInvalidKey(err error) bool {
	var e *DatabaseError
	return errors.As(err, &e) && e.Kind == InvalidKey
}

// Boundary converts err into the error returned from a codec: nil and
// interruptions pass through, DatabaseErrors are returned as-is, and
// anything else becomes a DatabaseError of the given kind.
func Boundary(kind ErrorKind, err error) error {
	if err == nil || progress.IsInterruption(err) {
		return err
	}
	var dberr *DatabaseError
	if errors.As(err, &dberr) {
		return dberr
	}
	return &DatabaseError{Kind: kind, Err: err}
}

// Recover converts a panic into a DatabaseError of the given kind stored
// in *errp.  Use it as:
//
//	defer keepass.Recover(keepass.LoadError, &err)
func Recover(kind ErrorKind, errp *error) {
	if v := recover(); v != nil {
		*errp = &DatabaseError{Kind: kind, Detail: fmt.Sprintf("internal error: %v", v)}
	}
}

// Warnings are non-fatal issues found while loading a database.
type Warnings struct {
	// Generator is the name of the application that last wrote the file,
	// if recorded.
	Generator string

	Issues []string
}

// Add records an issue.
func (w *Warnings) Add(format string, args ...interface{}) {
	w.Issues = append(w.Issues, fmt.Sprintf(format, args...))
}

// Empty reports whether there are no issues.
func (w *Warnings) Empty() bool {
	return w == nil || len(w.Issues) == 0
}
