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

package progress

import (
	"context"
	"errors"
)

// An Interruption is returned when an operation stops early because its
// context was cancelled or timed out.  It is not a failure: callers
// should report it as a cancelled operation.
type Interruption struct {
	Err error
}

func (e *Interruption) Error() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return "operation timed out"
	}
	return "operation cancelled"
}

func (e *Interruption) Unwrap() error {
	return e.Err
}

// Check returns an *Interruption if ctx is done.
func Check(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &Interruption{Err: err}
	}
	return nil
}

// IsInterruption reports whether err is or wraps an *Interruption.
func IsInterruption(err error) bool {
	var i *Interruption
	return errors.As(err, &i)
}
