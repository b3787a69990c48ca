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

package engine

import (
	"context"
	"sync"

	"zombiezen.com/go/keepdb/pkg/keys"
	"zombiezen.com/go/keepdb/pkg/secure"
)

// A Container holds the bytes of a database or key file.  The engine
// never decides where containers live.
type Container interface {
	// Ref returns a stable reference used to remember keys and to
	// label log lines.
	Ref() string

	ReadAll(ctx context.Context) ([]byte, error)
	WriteAll(ctx context.Context, data []byte) error
}

// Memory is an in-memory Container.
type Memory struct {
	name string

	mu   sync.Mutex
	data []byte
}

// NewMemory returns a container named ref holding a copy of data.
func NewMemory(ref string, data []byte) *Memory {
	return &Memory{name: ref, data: append([]byte(nil), data...)}
}

// Ref returns the container's name.
func (m *Memory) Ref() string {
	return m.name
}

// ReadAll returns a copy of the container's bytes.
func (m *Memory) ReadAll(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), nil
}

// WriteAll replaces the container's bytes.
func (m *Memory) WriteAll(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append(m.data[:0:0], data...)
	return nil
}

// Bytes returns a copy of the container's bytes.
func (m *Memory) Bytes() []byte {
	b, _ := m.ReadAll(context.Background())
	return b
}

// Credentials are the user-supplied parts of a composite key.
type Credentials struct {
	Password string

	// KeyFile is read during the key stage, if not nil.
	KeyFile Container
}

// IsEmpty reports whether neither a password nor a key file is given.
func (cred Credentials) IsEmpty() bool {
	return cred.Password == "" && cred.KeyFile == nil
}

func (cred Credentials) compositeKey(ctx context.Context, h keys.Helper) (*secure.Bytes, error) {
	var kf []byte
	if cred.KeyFile != nil {
		var err error
		kf, err = cred.KeyFile.ReadAll(ctx)
		if err != nil {
			return nil, &keyFileError{ref: cred.KeyFile.Ref(), err: err}
		}
		defer secure.Wipe(kf)
	}
	return h.CompositeKey(cred.Password, kf)
}

type keyFileError struct {
	ref string
	err error
}

func (e *keyFileError) Error() string {
	return "read key file " + e.ref + ": " + e.err.Error()
}

func (e *keyFileError) Unwrap() error {
	return e.err
}
