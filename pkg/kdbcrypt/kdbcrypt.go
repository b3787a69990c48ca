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

// Package kdbcrypt encrypts and decrypts KeePass database payloads with
// the ciphers that the file formats can name.
package kdbcrypt // import "zombiezen.com/go/keepdb/pkg/kdbcrypt"

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/twofish"
	"zombiezen.com/go/keepdb/pkg/cipherio"
	"zombiezen.com/go/keepdb/pkg/padding"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/streamcipher"
	"zombiezen.com/go/keepdb/pkg/uuids"
)

// KeySize is the key size in bytes of every data cipher.
const KeySize = 32

// Cipher UUIDs as stored in KeePass 2 headers.
var (
	AES      = uuids.MustParse("31c1f2e6-bf71-4350-be58-05216afc5aff")
	Twofish  = uuids.MustParse("ad68f29f-576f-4bb9-a36a-d47af965346c")
	ChaCha20 = uuids.MustParse("d6038a2b-8b6f-4cb5-a524-339a31dbb59a")
)

// ErrUnknownCipher is returned by Lookup for UUIDs not in the registry.
var ErrUnknownCipher = errors.New("kdbcrypt: unknown cipher")

// A DataCipher encrypts a whole database payload.
type DataCipher interface {
	UUID() uuids.UUID
	Name() string

	// IVSize is the length of the initialization vector in bytes.
	IVSize() int

	// Encrypt returns the ciphertext of plain.  If p is not nil, its
	// total is set from the input size and it advances as blocks are
	// processed.  ctx is checked every 1024 blocks.
	Encrypt(ctx context.Context, p *progress.Progress, plain, key, iv []byte) ([]byte, error)

	// Decrypt is the inverse of Encrypt.
	Decrypt(ctx context.Context, p *progress.Progress, ciphertext, key, iv []byte) ([]byte, error)
}

var registry = []DataCipher{
	blockCipher{id: AES, name: "AES-256", newBlock: aes.NewCipher},
	blockCipher{id: Twofish, name: "Twofish", newBlock: newTwofish},
	chachaCipher{},
}

// Lookup returns the cipher registered for id.
func Lookup(id uuids.UUID) (DataCipher, error) {
	for _, c := range registry {
		if c.UUID() == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w %v", ErrUnknownCipher, id)
}

func newTwofish(key []byte) (cipher.Block, error) {
	return twofish.NewCipher(key)
}

// blockCipher is a 16-byte block cipher in CBC mode with PKCS #7 padding.
type blockCipher struct {
	id       uuids.UUID
	name     string
	newBlock func(key []byte) (cipher.Block, error)
}

func (c blockCipher) UUID() uuids.UUID { return c.id }
func (c blockCipher) Name() string     { return c.name }
func (c blockCipher) IVSize() int      { return 16 }

func (c blockCipher) init(op string, key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, &CryptoError{Op: op, Code: CodeInvalidKeySize, Err: fmt.Errorf("key is %d bytes", len(key))}
	}
	b, err := c.newBlock(key)
	if err != nil {
		return nil, &CryptoError{Op: op, Code: CodeInit, Err: err}
	}
	if len(iv) != b.BlockSize() {
		return nil, &CryptoError{Op: op, Code: CodeInvalidIV, Err: fmt.Errorf("IV is %d bytes", len(iv))}
	}
	return b, nil
}

func (c blockCipher) Encrypt(ctx context.Context, p *progress.Progress, plain, key, iv []byte) ([]byte, error) {
	const op = "encrypt"
	b, err := c.init(op, key, iv)
	if err != nil {
		return nil, err
	}
	p.SetTotal(int64(len(plain)/b.BlockSize() + 1))
	m := progress.NewMeter(ctx, p, progress.DefaultBatch)
	out := bytes.NewBuffer(make([]byte, 0, len(plain)+b.BlockSize()))
	w := cipherio.NewWriter(out, cipher.NewCBCEncrypter(b, iv), padding.PKCS7, m)
	if _, err := w.Write(plain); err != nil {
		return nil, wrapStreamError(op, err)
	}
	if err := w.Close(); err != nil {
		return nil, wrapStreamError(op, err)
	}
	p.Finish()
	return out.Bytes(), nil
}

func (c blockCipher) Decrypt(ctx context.Context, p *progress.Progress, ciphertext, key, iv []byte) ([]byte, error) {
	const op = "decrypt"
	b, err := c.init(op, key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%b.BlockSize() != 0 {
		return nil, &CryptoError{Op: op, Code: CodeDataSize, Err: fmt.Errorf("ciphertext is %d bytes", len(ciphertext))}
	}
	p.SetTotal(int64(len(ciphertext) / b.BlockSize()))
	m := progress.NewMeter(ctx, p, progress.DefaultBatch)
	r := cipherio.NewReader(bytes.NewReader(ciphertext), cipher.NewCBCDecrypter(b, iv), padding.PKCS7, m)
	plain, err := decryptInto(make([]byte, 0, len(ciphertext)), r)
	if err != nil {
		return nil, wrapStreamError(op, err)
	}
	p.Finish()
	return plain, nil
}

// decryptInto reads r into dst's spare capacity without reallocating.
// On failure, dst is wiped up to its capacity.
func decryptInto(dst []byte, r io.Reader) ([]byte, error) {
	buf := dst[:cap(dst)]
	n := 0
	for {
		if n == len(buf) {
			secure.Wipe(buf)
			return nil, io.ErrShortBuffer
		}
		m, err := r.Read(buf[n:])
		n += m
		if err == io.EOF {
			return buf[:n], nil
		}
		if err != nil {
			secure.Wipe(buf)
			return nil, err
		}
	}
}

func wrapStreamError(op string, err error) error {
	switch {
	case progress.IsInterruption(err):
		return err
	case errors.Is(err, padding.ErrInvalidPadding):
		return &CryptoError{Op: op, Code: CodePadding, Err: err}
	case errors.Is(err, padding.ErrUnaligned), errors.Is(err, io.ErrUnexpectedEOF):
		return &CryptoError{Op: op, Code: CodeDataSize, Err: err}
	default:
		return &CryptoError{Op: op, Code: CodeFailure, Err: err}
	}
}

// chachaCipher is the KDBX 4 ChaCha20 payload cipher: a 32-byte key, a
// 12-byte nonce and no padding.
type chachaCipher struct{}

func (chachaCipher) UUID() uuids.UUID { return ChaCha20 }
func (chachaCipher) Name() string     { return "ChaCha20" }
func (chachaCipher) IVSize() int      { return 12 }

func (c chachaCipher) Encrypt(ctx context.Context, p *progress.Progress, plain, key, iv []byte) ([]byte, error) {
	return c.xor(ctx, "encrypt", p, plain, key, iv)
}

func (c chachaCipher) Decrypt(ctx context.Context, p *progress.Progress, ciphertext, key, iv []byte) ([]byte, error) {
	return c.xor(ctx, "decrypt", p, ciphertext, key, iv)
}

func (chachaCipher) xor(ctx context.Context, op string, p *progress.Progress, in, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, &CryptoError{Op: op, Code: CodeInvalidKeySize, Err: fmt.Errorf("key is %d bytes", len(key))}
	}
	sc, err := streamcipher.NewChaCha20(key, iv)
	if err != nil {
		return nil, &CryptoError{Op: op, Code: CodeInvalidIV, Err: err}
	}
	defer sc.Erase()
	out := make([]byte, len(in))
	copy(out, in)
	if err := xorInto(ctx, sc, out, p); err != nil {
		return nil, err
	}
	p.Finish()
	return out, nil
}

// xorInto applies the keystream to buf in place, wiping buf on failure.
func xorInto(ctx context.Context, sc *streamcipher.ChaCha20, buf []byte, p *progress.Progress) error {
	if err := sc.XOR(ctx, buf, p); err != nil {
		secure.Wipe(buf)
		return err
	}
	return nil
}
