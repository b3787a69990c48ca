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

// Package streamcipher implements the keystream ciphers that KeePass 2
// uses to protect field values inside the XML payload, and that KDBX 4
// can use to encrypt the payload itself.
package streamcipher // import "zombiezen.com/go/keepdb/pkg/streamcipher"

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/salsa20/salsa"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
)

// BlockSize is the size of one keystream block in bytes.
const BlockSize = 64

// ID identifies an inner random stream in a KeePass 2 header.
type ID uint32

// Inner stream IDs.
const (
	NullID     ID = 0
	ArcFourID  ID = 1 // not supported
	Salsa20ID  ID = 2
	ChaCha20ID ID = 3
)

func (id ID) String() string {
	switch id {
	case NullID:
		return "none"
	case ArcFourID:
		return "ArcFour"
	case Salsa20ID:
		return "Salsa20"
	case ChaCha20ID:
		return "ChaCha20"
	default:
		return fmt.Sprintf("ID(%d)", uint32(id))
	}
}

// ErrUnknownStream is returned by New for unsupported stream IDs.
var ErrUnknownStream = errors.New("streamcipher: unknown inner stream cipher")

// A Cipher XORs a keystream into data.  Encryption and decryption are
// the same operation.  A Cipher keeps its position between calls, so
// values must be processed in the order they appear in the document.
type Cipher interface {
	// XOR applies the next len(b) bytes of keystream to b in place.
	// If p is not nil, its total is set to the number of keystream blocks
	// needed and it advances every 1024 blocks, when ctx is also checked.
	// On cancellation the contents of b are unspecified.
	XOR(ctx context.Context, b []byte, p *progress.Progress) error

	// Erase wipes the key material.  The cipher must not be used again.
	Erase()
}

// salsaIV is the fixed nonce KeePass uses for the Salsa20 inner stream.
var salsaIV = []byte{0xe8, 0x30, 0x09, 0x4b, 0x97, 0x20, 0x5d, 0x2a}

// New returns the inner stream cipher for id, deriving the cipher key and
// nonce from the protected stream key stored in the database.
func New(id ID, key []byte) (Cipher, error) {
	switch id {
	case NullID:
		return Null{}, nil
	case Salsa20ID:
		k := sha256.Sum256(key)
		defer secure.Wipe(k[:])
		return NewSalsa20(k[:], salsaIV)
	case ChaCha20ID:
		h := sha512.Sum512(key)
		defer secure.Wipe(h[:])
		return NewChaCha20(h[:32], h[32:32+chacha20.NonceSize])
	default:
		return nil, fmt.Errorf("%w (%v)", ErrUnknownStream, id)
	}
}

// Null leaves data unchanged.
type Null struct{}

// XOR does nothing.
func (Null) XOR(ctx context.Context, b []byte, p *progress.Progress) error {
	p.Finish()
	return progress.Check(ctx)
}

// Erase does nothing.
func (Null) Erase() {}

// keystream buffers one block of keystream so that calls of any length
// continue exactly where the previous call stopped.
type keystream struct {
	block [BlockSize]byte
	pos   int // bytes of block already used
	next  func(*[BlockSize]byte)
}

func (ks *keystream) xor(ctx context.Context, b []byte, p *progress.Progress) error {
	avail := BlockSize - ks.pos
	need := 0
	if len(b) > avail {
		need = (len(b) - avail + BlockSize - 1) / BlockSize
	}
	p.SetTotal(int64(need))
	m := progress.NewMeter(ctx, p, progress.DefaultBatch)
	for i := range b {
		if ks.pos == BlockSize {
			ks.next(&ks.block)
			ks.pos = 0
			if err := m.Step(1); err != nil {
				return err
			}
		}
		b[i] ^= ks.block[ks.pos]
		ks.pos++
	}
	m.Flush()
	return nil
}

func (ks *keystream) erase() {
	secure.Wipe(ks.block[:])
	ks.pos = BlockSize
}

// Salsa20 is the Salsa20/20 stream cipher with a 64-bit nonce.
type Salsa20 struct {
	key     [32]byte
	counter [16]byte // nonce, then little-endian block counter
	ks      keystream
}

// NewSalsa20 returns a Salsa20 cipher for a 32-byte key and 8-byte nonce.
func NewSalsa20(key, nonce []byte) (*Salsa20, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("streamcipher: Salsa20 key is %d bytes; want 32", len(key))
	}
	if len(nonce) != 8 {
		return nil, fmt.Errorf("streamcipher: Salsa20 nonce is %d bytes; want 8", len(nonce))
	}
	c := new(Salsa20)
	copy(c.key[:], key)
	copy(c.counter[:8], nonce)
	c.ks.pos = BlockSize
	c.ks.next = c.nextBlock
	return c, nil
}

func (c *Salsa20) nextBlock(dst *[BlockSize]byte) {
	var zero [BlockSize]byte
	salsa.XORKeyStream(dst[:], zero[:], &c.counter, &c.key)
	n := binary.LittleEndian.Uint64(c.counter[8:])
	binary.LittleEndian.PutUint64(c.counter[8:], n+1)
}

// XOR applies the keystream to b.
func (c *Salsa20) XOR(ctx context.Context, b []byte, p *progress.Progress) error {
	return c.ks.xor(ctx, b, p)
}

// Erase wipes the key, nonce and buffered keystream.
func (c *Salsa20) Erase() {
	secure.Wipe(c.key[:])
	secure.Wipe(c.counter[:])
	c.ks.erase()
}

// ChaCha20 is the IETF ChaCha20 stream cipher with a 96-bit nonce.
type ChaCha20 struct {
	c  *chacha20.Cipher
	ks keystream
}

// NewChaCha20 returns a ChaCha20 cipher for a 32-byte key and 12-byte nonce.
// The key and nonce are not retained.
func NewChaCha20(key, nonce []byte) (*ChaCha20, error) {
	if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("streamcipher: ChaCha20 key is %d bytes; want %d", len(key), chacha20.KeySize)
	}
	if len(nonce) != chacha20.NonceSize {
		return nil, fmt.Errorf("streamcipher: ChaCha20 nonce is %d bytes; want %d", len(nonce), chacha20.NonceSize)
	}
	cc, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	c := &ChaCha20{c: cc}
	c.ks.pos = BlockSize
	c.ks.next = c.nextBlock
	return c, nil
}

func (c *ChaCha20) nextBlock(dst *[BlockSize]byte) {
	var zero [BlockSize]byte
	c.c.XORKeyStream(dst[:], zero[:])
}

// XOR applies the keystream to b.
func (c *ChaCha20) XOR(ctx context.Context, b []byte, p *progress.Progress) error {
	if c.c == nil {
		return errors.New("streamcipher: use of erased cipher")
	}
	return c.ks.xor(ctx, b, p)
}

// Erase wipes the key schedule and the buffered keystream.
func (c *ChaCha20) Erase() {
	c.ks.erase()
	if c.c != nil {
		*c.c = chacha20.Cipher{}
		c.c = nil
	}
}
