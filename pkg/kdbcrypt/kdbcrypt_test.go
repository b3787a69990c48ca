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

package kdbcrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"testing"

	"zombiezen.com/go/keepdb/pkg/cipherio"
	"zombiezen.com/go/keepdb/pkg/padding"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/streamcipher"
	"zombiezen.com/go/keepdb/pkg/uuids"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestAESKnownAnswer(t *testing.T) {
	// NIST SP 800-38A, F.2.5 CBC-AES256.Encrypt, first block.
	key := mustHex("603deb1015ca71be2b73aef0857d77811f352c073b6108d72d9810a30914dff4")
	iv := mustHex("000102030405060708090a0b0c0d0e0f")
	plain := mustHex("6bc1bee22e409f96e93d7e117393172a")
	want := mustHex("f58c4c04d6e5f1ba779eabfb5f7bfbd6")

	c, err := Lookup(AES)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Encrypt(context.Background(), nil, plain, key, iv)
	if err != nil {
		t.Fatal("Encrypt:", err)
	}
	if len(got) != 32 {
		t.Fatalf("len(Encrypt(16 bytes)) = %d; want 32 (one padding block)", len(got))
	}
	if !bytes.Equal(got[:16], want) {
		t.Errorf("first block = %x; want %x", got[:16], want)
	}
}

func TestRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	sizes := []int{0, 1, 15, 16, 17, 1000, 40000}
	for _, id := range []uuids.UUID{AES, Twofish, ChaCha20} {
		c, err := Lookup(id)
		if err != nil {
			t.Fatalf("Lookup(%v): %v", id, err)
		}
		iv := bytes.Repeat([]byte{0x24}, c.IVSize())
		for _, n := range sizes {
			plain := make([]byte, n)
			for i := range plain {
				plain[i] = byte(i)
			}
			p := progress.New(0)
			ct, err := c.Encrypt(context.Background(), p, plain, key, iv)
			if err != nil {
				t.Errorf("%s: Encrypt(%d bytes): %v", c.Name(), n, err)
				continue
			}
			if p.Fraction() != 1 {
				t.Errorf("%s: Encrypt progress = %v; want 1", c.Name(), p.Fraction())
			}
			pt, err := c.Decrypt(context.Background(), nil, ct, key, iv)
			if err != nil {
				t.Errorf("%s: Decrypt(%d bytes): %v", c.Name(), n, err)
				continue
			}
			if !bytes.Equal(pt, plain) {
				t.Errorf("%s: round trip of %d bytes mismatched", c.Name(), n)
			}
		}
	}
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	aesCipher, _ := Lookup(AES)
	key := make([]byte, KeySize)
	iv := make([]byte, 16)

	tests := []struct {
		name string
		run  func() error
		code Code
	}{
		{"short key", func() error { _, err := aesCipher.Encrypt(ctx, nil, []byte("x"), key[:16], iv); return err }, CodeInvalidKeySize},
		{"short IV", func() error { _, err := aesCipher.Encrypt(ctx, nil, []byte("x"), key, iv[:8]); return err }, CodeInvalidIV},
		{"unaligned", func() error { _, err := aesCipher.Decrypt(ctx, nil, make([]byte, 17), key, iv); return err }, CodeDataSize},
		{"empty", func() error { _, err := aesCipher.Decrypt(ctx, nil, nil, key, iv); return err }, CodeDataSize},
	}
	for _, test := range tests {
		err := test.run()
		var cerr *CryptoError
		if !errors.As(err, &cerr) {
			t.Errorf("%s: error = %v; want *CryptoError", test.name, err)
			continue
		}
		if cerr.Code != test.code {
			t.Errorf("%s: code = %v; want %v", test.name, cerr.Code, test.code)
		}
	}

	if _, err := Lookup(uuids.UUID{1}); !errors.Is(err, ErrUnknownCipher) {
		t.Errorf("Lookup(unknown) error = %v; want ErrUnknownCipher", err)
	}
}

func TestCancelledDecrypt(t *testing.T) {
	c, _ := Lookup(AES)
	key := make([]byte, KeySize)
	iv := make([]byte, 16)
	ct, err := c.Encrypt(context.Background(), nil, make([]byte, 16*5000), key, iv)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Decrypt(ctx, nil, ct, key, iv); !progress.IsInterruption(err) {
		t.Errorf("Decrypt with cancelled context = %v; want interruption", err)
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func TestFailedDecryptWipesPlaintext(t *testing.T) {
	key := make([]byte, KeySize)
	iv := make([]byte, aes.BlockSize)
	b, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	// Four blocks of 0xaa carry no valid PKCS #7 padding, so the first
	// three blocks are decrypted before the final block is rejected.
	ct := bytes.Repeat([]byte{0xaa}, 4*aes.BlockSize)
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(ct, ct)

	dst := make([]byte, 0, len(ct))
	r := cipherio.NewReader(bytes.NewReader(ct), cipher.NewCBCDecrypter(b, iv), padding.PKCS7, nil)
	plain, err := decryptInto(dst, r)
	if !errors.Is(err, padding.ErrInvalidPadding) {
		t.Fatalf("decryptInto error = %v; want %v", err, padding.ErrInvalidPadding)
	}
	if plain != nil {
		t.Errorf("decryptInto returned %d bytes; want nil", len(plain))
	}
	if !isZero(dst[:cap(dst)]) {
		t.Errorf("buffer after failed decrypt = %x; want zeroed", dst[:cap(dst)])
	}

	c, _ := Lookup(AES)
	_, err = c.Decrypt(context.Background(), nil, ct, key, iv)
	var cerr *CryptoError
	if !errors.As(err, &cerr) || cerr.Code != CodePadding {
		t.Errorf("Decrypt error = %v; want padding CryptoError", err)
	}
}

func TestFailedXORWipesBuffer(t *testing.T) {
	sc, err := streamcipher.NewChaCha20(make([]byte, KeySize), make([]byte, 12))
	if err != nil {
		t.Fatal(err)
	}
	sc.Erase()
	buf := bytes.Repeat([]byte{0x5c}, 100)
	if err := xorInto(context.Background(), sc, buf, nil); err == nil {
		t.Fatal("xorInto with erased cipher succeeded")
	}
	if !isZero(buf) {
		t.Errorf("buffer after failed XOR = %x; want zeroed", buf)
	}
}
