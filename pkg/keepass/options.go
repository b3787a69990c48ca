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

package keepass

import (
	"crypto/rand"
	"io"
	"time"

	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/kdf"
	"zombiezen.com/go/keepdb/pkg/uuids"
	"zombiezen.com/go/keepdb/pkg/vardict"
)

// Options is the set of parameters for creating or loading a database.
// Nil is treated the same as the zero value.
type Options struct {
	// Random number source, used for seeds, IVs, and UUIDs.
	// Defaults to crypto/rand.Reader.
	Rand io.Reader

	// Now returns the current time.  Defaults to time.Now.
	Now func() time.Time

	// Cipher is the data cipher UUID for new databases.  Defaults to
	// AES-256.  KeePass 1 databases only support AES and Twofish.
	Cipher uuids.UUID

	// KDF holds key derivation parameters for new KeePass 2 databases.
	// If nil, AES-KDF is used for KDBX 3.1 and Argon2d for KDBX 4.
	KDF *vardict.Dict

	// Rounds is the number of AES-KDF rounds for new KeePass 1 databases.
	// If zero, a reasonable default is used.
	Rounds uint32
}

// DefaultKDB1Rounds is the default AES-KDF round count for KeePass 1.
const DefaultKDB1Rounds = 50000

func (opts *Options) getRand() io.Reader {
	if opts == nil || opts.Rand == nil {
		return rand.Reader
	}
	return opts.Rand
}

func (opts *Options) getNow() func() time.Time {
	if opts == nil || opts.Now == nil {
		return time.Now
	}
	return opts.Now
}

func (opts *Options) getCipher() uuids.UUID {
	if opts == nil || opts.Cipher.IsZero() {
		return kdbcrypt.AES
	}
	return opts.Cipher
}

func (opts *Options) getRounds() uint32 {
	if opts == nil || opts.Rounds == 0 {
		return DefaultKDB1Rounds
	}
	return opts.Rounds
}

func (opts *Options) getKDF(f Format) *vardict.Dict {
	if opts != nil && opts.KDF != nil {
		return opts.KDF.Clone()
	}
	if f == FormatKDBX4 {
		return kdf.Argon2d.DefaultParams()
	}
	return kdf.AES3.DefaultParams()
}
