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

// Package secure provides byte buffers for key material that can be
// explicitly wiped from memory.
package secure // import "zombiezen.com/go/keepdb/pkg/secure"

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Bytes holds sensitive data.  The zero value and nil are empty buffers.
// Once Erase is called, the buffer is empty and its previous contents
// have been overwritten.
type Bytes struct {
	b []byte
}

// New returns a buffer that takes ownership of b.  The caller must not
// use b afterward.
func New(b []byte) *Bytes {
	return &Bytes{b: b}
}

// Copy returns a buffer holding a copy of b.
func Copy(b []byte) *Bytes {
	c := make([]byte, len(b))
	copy(c, b)
	return &Bytes{b: c}
}

// Len returns the number of bytes in the buffer.
func (sb *Bytes) Len() int {
	if sb == nil {
		return 0
	}
	return len(sb.b)
}

// IsEmpty reports whether the buffer has no bytes.
func (sb *Bytes) IsEmpty() bool {
	return sb.Len() == 0
}

// Bytes returns the underlying slice.  It is only valid until the next
// call to Erase.
func (sb *Bytes) Bytes() []byte {
	if sb == nil {
		return nil
	}
	return sb.b
}

// Clone returns an independent copy of the buffer.
func (sb *Bytes) Clone() *Bytes {
	return Copy(sb.Bytes())
}

// Equal reports whether the two buffers hold the same bytes.
// The comparison takes time independent of the contents.
func (sb *Bytes) Equal(other *Bytes) bool {
	return subtle.ConstantTimeCompare(sb.Bytes(), other.Bytes()) == 1 && sb.Len() == other.Len()
}

// SHA256 returns the SHA-256 digest of the buffer as a new buffer.
func (sb *Bytes) SHA256() *Bytes {
	sum := sha256.Sum256(sb.Bytes())
	out := Copy(sum[:])
	Wipe(sum[:])
	return out
}

// SHA512 returns the SHA-512 digest of the buffer as a new buffer.
func (sb *Bytes) SHA512() *Bytes {
	sum := sha512.Sum512(sb.Bytes())
	out := Copy(sum[:])
	Wipe(sum[:])
	return out
}

// Concat returns a new buffer with the contents of each part in order.
func Concat(parts ...[]byte) *Bytes {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for _, p := range parts {
		b = append(b, p...)
	}
	return &Bytes{b: b}
}

// Erase overwrites the buffer's contents and empties it.  It is safe to
// call Erase more than once or on a nil buffer.
func (sb *Bytes) Erase() {
	if sb == nil {
		return
	}
	Wipe(sb.b)
	sb.b = nil
}

// Wipe overwrites b in place.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	memguard.WipeBytes(b)
}
