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

package kdf

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/keepdb/pkg/fakerand"
	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/vardict"
)

func compositeKey(s string) *secure.Bytes {
	sum := sha256.Sum256([]byte(s))
	return secure.Copy(sum[:])
}

func TestAESMatchesReference(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	key := compositeKey("hunter2")

	// Serial reference computation.
	c, err := aes.NewCipher(seed)
	require.NoError(t, err)
	want := append([]byte(nil), key.Bytes()...)
	for i := 0; i < 500; i++ {
		c.Encrypt(want[:16], want[:16])
		c.Encrypt(want[16:], want[16:])
	}
	wantSum := sha256.Sum256(want)

	params := AES3.DefaultParams()
	params.SetUInt64(RoundsParam, 500)
	params.SetBytes(SeedParam, seed)
	p := progress.New(0)
	got, err := AES3.Transform(context.Background(), p, key, params)
	require.NoError(t, err)
	assert.Equal(t, wantSum[:], got.Bytes())
	assert.Equal(t, 1.0, p.Fraction())
}

func TestAESCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	params := AES4.DefaultParams()
	params.SetUInt64(RoundsParam, 1<<30)
	params.SetBytes(SeedParam, make([]byte, 32))
	_, err := AES4.Transform(ctx, nil, compositeKey("x"), params)
	require.Error(t, err)
	assert.True(t, progress.IsInterruption(err), "err = %v", err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAESProgressTotal(t *testing.T) {
	tests := []struct {
		rounds uint64
		want   int64
	}{
		{0, 0},
		{6000, 12000},
		{math.MaxInt64 / 2, math.MaxInt64 - 1},
		{math.MaxInt64/2 + 1, math.MaxInt64},
		{math.MaxUint64, math.MaxInt64},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, aesProgressTotal(test.rounds), "rounds = %d", test.rounds)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := progress.New(0)
	_, err := TransformAES(ctx, p, compositeKey("x"), make([]byte, 32), math.MaxUint64)
	require.Error(t, err)
	assert.True(t, progress.IsInterruption(err), "err = %v", err)
	assert.Equal(t, int64(math.MaxInt64), p.Total())
	f := p.Fraction()
	assert.True(t, f >= 0 && f < 1, "fraction = %v", f)
}

func smallArgon2(t *testing.T) *vardict.Dict {
	params := Argon2d.DefaultParams()
	params.SetUInt64(MemoryParam, 64<<10)
	params.SetUInt64(IterationsParam, 1)
	require.NoError(t, Argon2d.Randomize(params, fakerand.New()))
	return params
}

func TestArgon2Deterministic(t *testing.T) {
	params := smallArgon2(t)
	a, err := Argon2d.Transform(context.Background(), nil, compositeKey("pw"), params)
	require.NoError(t, err)
	b, err := Argon2d.Transform(context.Background(), nil, compositeKey("pw"), params)
	require.NoError(t, err)
	assert.Equal(t, 32, a.Len())
	assert.True(t, a.Equal(b), "same inputs gave different keys")

	c, err := Argon2d.Transform(context.Background(), nil, compositeKey("pw2"), params)
	require.NoError(t, err)
	assert.False(t, a.Equal(c), "different passwords gave the same key")

	params.SetUInt64(IterationsParam, 2)
	d, err := Argon2d.Transform(context.Background(), nil, compositeKey("pw"), params)
	require.NoError(t, err)
	assert.False(t, a.Equal(d), "different iteration counts gave the same key")
}

func TestArgon2BadParams(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*vardict.Dict)
	}{
		{"short salt", func(d *vardict.Dict) { d.SetBytes(SaltParam, []byte{1, 2}) }},
		{"no memory", func(d *vardict.Dict) { d.Delete(MemoryParam) }},
		{"tiny memory", func(d *vardict.Dict) { d.SetUInt64(MemoryParam, 1024) }},
		{"zero iterations", func(d *vardict.Dict) { d.SetUInt64(IterationsParam, 0) }},
		{"zero lanes", func(d *vardict.Dict) { d.SetUInt32(ParallelismParam, 0) }},
		{"wrong type", func(d *vardict.Dict) { d.SetUInt32(MemoryParam, 1<<20) }},
		{"bad version", func(d *vardict.Dict) { d.SetUInt32(VersionParam, 0x20) }},
	}
	for _, test := range tests {
		params := smallArgon2(t)
		test.modify(params)
		_, err := Argon2d.Transform(context.Background(), nil, compositeKey("pw"), params)
		var cerr *kdbcrypt.CryptoError
		if !errors.As(err, &cerr) || cerr.Code != kdbcrypt.CodeKDFParams {
			t.Errorf("%s: Transform error = %v; want CodeKDFParams", test.name, err)
		}
	}
}

func TestArgon2OldVersionUnsupported(t *testing.T) {
	params := smallArgon2(t)
	params.SetUInt32(VersionParam, 0x10)
	_, err := Argon2d.Transform(context.Background(), nil, compositeKey("pw"), params)
	var cerr *kdbcrypt.CryptoError
	require.True(t, errors.As(err, &cerr), "err = %v", err)
	assert.Equal(t, kdbcrypt.CodeUnsupported, cerr.Code)
}

func TestLookup(t *testing.T) {
	for _, k := range []KDF{AES3, AES4, Argon2d} {
		got, err := Lookup(k.DefaultParams())
		if err != nil {
			t.Errorf("Lookup(%s defaults): %v", k.Name(), err)
			continue
		}
		if got.UUID() != k.UUID() {
			t.Errorf("Lookup(%s defaults).UUID() = %v; want %v", k.Name(), got.UUID(), k.UUID())
		}
	}
	d := vardict.New()
	d.SetBytes(UUIDParam, make([]byte, 16))
	if _, err := Lookup(d); !errors.Is(err, ErrUnknownKDF) {
		t.Errorf("Lookup(zero UUID) = %v; want ErrUnknownKDF", err)
	}
	if _, err := Lookup(vardict.New()); err == nil {
		t.Error("Lookup(empty) succeeded")
	}
}
