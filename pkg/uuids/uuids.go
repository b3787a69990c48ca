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

// Package uuids handles the 16-byte identifiers that KeePass databases
// use for groups, entries, ciphers and key derivation functions.
package uuids // import "zombiezen.com/go/keepdb/pkg/uuids"

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strconv"

	"github.com/google/uuid"
)

// A UUID is a 128-bit identifier.  KeePass does not require the RFC 4122
// layout, so any 16 bytes are accepted.
type UUID [16]byte

// Parse parses a hex-encoded UUID that may contain dashes.
func Parse(s string) (UUID, error) {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			b = append(b, s[i])
		}
	}
	var u UUID
	if len(b) != hex.EncodedLen(len(u)) {
		return UUID{}, parseError{s, errSize}
	}
	if _, err := hex.Decode(u[:], b); err != nil {
		return UUID{}, parseError{s, err}
	}
	return u, nil
}

// MustParse is like Parse but panics on error.  It is intended for
// package-level constants.
func MustParse(s string) UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseBase64 decodes the base64 form that KeePass 2 XML uses.
// An empty string decodes to the zero UUID.
func ParseBase64(s string) (UUID, error) {
	if s == "" {
		return UUID{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return UUID{}, parseError{s, err}
	}
	return FromBytes(b)
}

// FromBytes converts a 16-byte slice into a UUID.
func FromBytes(b []byte) (UUID, error) {
	var u UUID
	if len(b) != len(u) {
		return UUID{}, errSize
	}
	copy(u[:], b)
	return u, nil
}

var errSize = errors.New("uuid: wrong size")

type parseError struct {
	s   string
	err error
}

func (e parseError) Error() string {
	return "uuid: failed to parse " + strconv.Quote(e.s) + ": " + e.err.Error()
}

func (e parseError) Unwrap() error {
	return e.err
}

// New generates a random (version 4) UUID from r.  If r is nil,
// crypto/rand.Reader is used.
func New(r io.Reader) (UUID, error) {
	if r == nil {
		r = rand.Reader
	}
	u, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return UUID{}, err
	}
	return UUID(u), nil
}

// IsZero reports whether this is the zero UUID.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

// Base64 returns the standard base64 encoding of the UUID's bytes.
func (u UUID) Base64() string {
	return base64.StdEncoding.EncodeToString(u[:])
}

// AppendHex appends the dash-separated hex form of u to b.
func (u UUID) AppendHex(b []byte) []byte {
	var buf [36]byte
	hex.Encode(buf[0:8], u[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], u[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], u[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], u[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], u[10:])
	return append(b, buf[:]...)
}

// String returns the dash-separated hex form of u.
func (u UUID) String() string {
	return string(u.AppendHex(make([]byte, 0, 36)))
}
