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

package main

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/keepdb/pkg/engine"
	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/keys"
	"zombiezen.com/go/keepdb/pkg/progress"
)

// Exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitInvalidKey = 3
	exitCancelled  = 130
)

func isUserError(e error) bool {
	return userErrorMessage(e) != ""
}

// userErrorMessage returns the message to show for e, or the empty string
// if e carries none.
func userErrorMessage(e error) string {
	var ue interface {
		UserError() string
	}
	if errors.As(e, &ue) {
		return ue.UserError()
	}
	var dberr *keepass.DatabaseError
	if errors.As(e, &dberr) {
		if r := dberr.Reason(); r != "" {
			return dberr.Message() + ": " + r
		}
		return dberr.Message()
	}
	switch {
	case progress.IsInterruption(e), errors.Is(e, context.Canceled):
		return "Cancelled"
	case errors.Is(e, keys.ErrEmpty):
		return "A password or a key file is required"
	case errors.Is(e, engine.ErrDatabaseOpen):
		return "Another database is already open"
	}
	return ""
}

func errorExitCode(e error) int {
	if e == nil {
		return exitOK
	}
	var ec interface {
		ExitCode() int
	}
	if errors.As(e, &ec) {
		return ec.ExitCode()
	}
	switch {
	case keepass.IsInvalidKey(e):
		return exitInvalidKey
	case progress.IsInterruption(e), errors.Is(e, context.Canceled):
		return exitCancelled
	}
	return exitFailure
}

type userError struct {
	msg string
	err error
}

func (ue userError) Error() string {
	return ue.err.Error()
}

func (ue userError) UserError() string {
	return ue.msg
}

func (ue userError) Unwrap() error {
	return ue.err
}

type usageError struct {
	msg string
}

func (e usageError) Error() string {
	return "usage: " + e.msg
}

func (e usageError) UserError() string {
	return e.msg
}

func (usageError) ExitCode() int {
	return exitUsage
}

// notFoundError is returned when a path does not name a group or entry.
type notFoundError struct {
	kind string
	path string
}

func (e notFoundError) Error() string {
	return e.kind + " not found: " + e.path
}

func (e notFoundError) UserError() string {
	return "No " + e.kind + " named " + quote(e.path)
}

type ambiguousError struct {
	kind string
	path string
	n    int
}

func (e ambiguousError) Error() string {
	return "ambiguous " + e.kind + " " + e.path
}

func (e ambiguousError) UserError() string {
	return fmt.Sprintf("%q matches %d %ss; use the UUID instead", e.path, e.n, e.kind)
}

func quote(s string) string {
	return "\"" + s + "\""
}
