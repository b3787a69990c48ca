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

package engine

import (
	"sync"
	"time"

	"zombiezen.com/go/keepdb/pkg/secure"
)

// A KeyStore remembers composite keys by container reference so the
// user does not have to enter them again.  Failures are logged by the
// engine and never stop an operation.
type KeyStore interface {
	// Get returns a copy of the key stored for ref, or nil if there is
	// none.
	Get(ref string) (*secure.Bytes, error)

	// Put stores a copy of key for ref.
	Put(ref string, key *secure.Bytes) error

	// Delete forgets the key for ref, if any.
	Delete(ref string) error
}

// DefaultKeyTTL is the length of time a MemoryKeyStore keeps a key.
const DefaultKeyTTL = 15 * time.Minute

// MemoryKeyStore is a KeyStore that keeps keys in memory until they
// expire.  The zero value keeps keys for DefaultKeyTTL.
type MemoryKeyStore struct {
	// TTL is the length of time a key is valid after Put.
	TTL time.Duration

	// Now returns the current time.  Defaults to time.Now.
	Now func() time.Time

	mu   sync.Mutex
	keys map[string]*storedKey
}

type storedKey struct {
	key     *secure.Bytes
	expires time.Time
}

func (ks *MemoryKeyStore) now() time.Time {
	if ks.Now == nil {
		return time.Now()
	}
	return ks.Now()
}

func (ks *MemoryKeyStore) ttl() time.Duration {
	if ks.TTL <= 0 {
		return DefaultKeyTTL
	}
	return ks.TTL
}

// Get returns a copy of the unexpired key for ref or nil.
func (ks *MemoryKeyStore) Get(ref string) (*secure.Bytes, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	sk := ks.keys[ref]
	if sk == nil {
		return nil, nil
	}
	if !ks.now().Before(sk.expires) {
		sk.key.Erase()
		delete(ks.keys, ref)
		return nil, nil
	}
	return sk.key.Clone(), nil
}

// Put stores a copy of key for ref, replacing any earlier key.
func (ks *MemoryKeyStore) Put(ref string, key *secure.Bytes) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.keys == nil {
		ks.keys = make(map[string]*storedKey)
	}
	if old := ks.keys[ref]; old != nil {
		old.key.Erase()
	}
	ks.keys[ref] = &storedKey{
		key:     key.Clone(),
		expires: ks.now().Add(ks.ttl()),
	}
	return nil
}

// Delete erases the key for ref.
func (ks *MemoryKeyStore) Delete(ref string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if sk := ks.keys[ref]; sk != nil {
		sk.key.Erase()
		delete(ks.keys, ref)
	}
	return nil
}

// ClearExpired erases expired keys and returns how many were removed.
func (ks *MemoryKeyStore) ClearExpired() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	now := ks.now()
	n := 0
	for ref, sk := range ks.keys {
		if !now.Before(sk.expires) {
			sk.key.Erase()
			delete(ks.keys, ref)
			n++
		}
	}
	return n
}

// Clear erases every key.
func (ks *MemoryKeyStore) Clear() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, sk := range ks.keys {
		sk.key.Erase()
	}
	ks.keys = nil
}
