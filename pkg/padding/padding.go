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

// Package padding pads and unpads plaintext for the block ciphers used
// by KeePass databases.
package padding // import "zombiezen.com/go/keepdb/pkg/padding"

import (
	"crypto/subtle"
	"errors"
)

// Padding is a padding algorithm.
type Padding interface {
	// Pad appends padding to b so its length is a multiple of blockSize.
	Pad(b []byte, blockSize int) []byte

	// Strip returns b without its padding.  The result is always a
	// subslice of b.
	Strip(b []byte, blockSize int) ([]byte, error)
}

// Errors
var (
	ErrInvalidPadding = errors.New("padding: invalid padding")
	ErrBlockSize      = errors.New("padding: block size out of range")
	ErrUnaligned      = errors.New("padding: data is not a multiple of the block size")
)

// PKCS7 is the padding of RFC 5652 section 6.3: n bytes of value n, with
// a full block added when the data is already aligned.  Block sizes must
// be in the range [2, 255].
var PKCS7 Padding = pkcs7{}

type pkcs7 struct{}

func (pkcs7) String() string   { return "PKCS7" }
func (pkcs7) GoString() string { return "padding.PKCS7" }

func validBlockSize(n int) bool {
	return n > 1 && n < 256
}

func (pkcs7) Pad(b []byte, blockSize int) []byte {
	if !validBlockSize(blockSize) {
		panic(ErrBlockSize)
	}
	n := blockSize - len(b)%blockSize
	for i := 0; i < n; i++ {
		b = append(b, byte(n))
	}
	return b
}

// Strip checks every byte of the final block so that the running time
// does not depend on where the padding goes wrong.
func (pkcs7) Strip(b []byte, blockSize int) ([]byte, error) {
	if !validBlockSize(blockSize) {
		return b, ErrBlockSize
	}
	if len(b) == 0 || len(b)%blockSize != 0 {
		return b, ErrUnaligned
	}
	last := b[len(b)-blockSize:]
	n := int(last[blockSize-1])
	good := subtle.ConstantTimeLessOrEq(1, n) & subtle.ConstantTimeLessOrEq(n, blockSize)
	for i := 0; i < blockSize; i++ {
		inPad := subtle.ConstantTimeLessOrEq(blockSize-n, i)
		match := subtle.ConstantTimeByteEq(last[i], byte(n))
		good &= subtle.ConstantTimeSelect(inPad, match, 1)
	}
	if good != 1 {
		return b, ErrInvalidPadding
	}
	return b[:len(b)-n], nil
}
