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
	"context"
	"fmt"
	"io"
	"math"

	"github.com/aead/argon2"
	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/uuids"
	"zombiezen.com/go/keepdb/pkg/vardict"
)

// Argon2 parameter names.
const (
	SaltParam        = "S" // bytes
	ParallelismParam = "P" // uint32
	MemoryParam      = "M" // uint64, in bytes
	IterationsParam  = "I" // uint64
	VersionParam     = "V" // uint32
	SecretKeyParam   = "K" // bytes, ignored
	AssocDataParam   = "A" // bytes, ignored
)

// Argon2 defaults used by DefaultParams.
const (
	DefaultArgon2Iterations  = 2
	DefaultArgon2Memory      = 64 << 20
	DefaultArgon2Parallelism = 2
	argon2Version            = 0x13
)

const (
	minArgon2Salt        = 8
	minArgon2Memory      = 8 << 10
	maxArgon2Parallelism = 255
)

type argon2dKDF struct{}

func (argon2dKDF) UUID() uuids.UUID { return Argon2dUUID }
func (argon2dKDF) Name() string     { return "Argon2d" }

func (argon2dKDF) DefaultParams() *vardict.Dict {
	d := vardict.New()
	d.SetBytes(UUIDParam, Argon2dUUID[:])
	d.SetUInt32(VersionParam, argon2Version)
	d.SetUInt64(IterationsParam, DefaultArgon2Iterations)
	d.SetUInt64(MemoryParam, DefaultArgon2Memory)
	d.SetUInt32(ParallelismParam, DefaultArgon2Parallelism)
	return d
}

func (argon2dKDF) Randomize(params *vardict.Dict, rand io.Reader) error {
	return randomSalt(params, SaltParam, 32, rand)
}

// Transform runs Argon2d.  The underlying implementation has no
// per-pass hook, so p jumps to complete when hashing ends; cancellation
// abandons the computation and returns immediately.
func (k argon2dKDF) Transform(ctx context.Context, p *progress.Progress, key *secure.Bytes, params *vardict.Dict) (*secure.Bytes, error) {
	salt, ok := params.Bytes(SaltParam)
	if !ok || len(salt) < minArgon2Salt {
		return nil, paramError(k.Name(), SaltParam)
	}
	par, ok := params.UInt32(ParallelismParam)
	if !ok || par < 1 || par > maxArgon2Parallelism {
		return nil, paramError(k.Name(), ParallelismParam)
	}
	mem, ok := params.UInt64(MemoryParam)
	if !ok || mem < minArgon2Memory || mem/1024 > math.MaxUint32 {
		return nil, paramError(k.Name(), MemoryParam)
	}
	iter, ok := params.UInt64(IterationsParam)
	if !ok || iter < 1 || iter > math.MaxUint32 {
		return nil, paramError(k.Name(), IterationsParam)
	}
	ver, ok := params.UInt32(VersionParam)
	if !ok || ver < 0x10 || ver > argon2Version {
		return nil, paramError(k.Name(), VersionParam)
	}
	if ver != argon2Version {
		return nil, &kdbcrypt.CryptoError{
			Op:   k.Name(),
			Code: kdbcrypt.CodeUnsupported,
			Err:  fmt.Errorf("version %#x", ver),
		}
	}
	if err := progress.Check(ctx); err != nil {
		return nil, err
	}
	p.SetTotal(int64(iter))

	pw := key.Clone()
	saltCopy := append([]byte(nil), salt...)
	done := make(chan []byte, 1)
	go func() {
		defer pw.Erase()
		done <- argon2.Key2d(pw.Bytes(), saltCopy, uint32(iter), uint32(mem/1024), uint8(par), 32)
	}()
	select {
	case out := <-done:
		p.Finish()
		return secure.New(out), nil
	case <-ctx.Done():
		go func() {
			secure.Wipe(<-done)
		}()
		return nil, progress.Check(ctx)
	}
}
