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
	"crypto/aes"
	"io"
	"math"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/uuids"
	"zombiezen.com/go/keepdb/pkg/vardict"
)

// AES-KDF parameter names.
const (
	RoundsParam = "R" // uint64
	SeedParam   = "S" // 32 bytes
)

// DefaultAESRounds is the number of rounds in DefaultParams.
const DefaultAESRounds = 6000

type aesKDF struct {
	id uuids.UUID
}

func (k aesKDF) UUID() uuids.UUID { return k.id }
func (aesKDF) Name() string       { return "AES-KDF" }

func (k aesKDF) DefaultParams() *vardict.Dict {
	d := vardict.New()
	d.SetBytes(UUIDParam, k.id[:])
	d.SetUInt64(RoundsParam, DefaultAESRounds)
	return d
}

func (aesKDF) Randomize(params *vardict.Dict, rand io.Reader) error {
	return randomSalt(params, SeedParam, 32, rand)
}

// Transform encrypts each half of key with AES-256 keyed by the seed for
// the given number of rounds, then returns the SHA-256 of the result.
func (k aesKDF) Transform(ctx context.Context, p *progress.Progress, key *secure.Bytes, params *vardict.Dict) (*secure.Bytes, error) {
	rounds, ok := params.UInt64(RoundsParam)
	if !ok {
		return nil, paramError(k.Name(), RoundsParam)
	}
	seed, ok := params.Bytes(SeedParam)
	if !ok || len(seed) != 32 {
		return nil, paramError(k.Name(), SeedParam)
	}
	return TransformAES(ctx, p, key, seed, rounds)
}

// TransformAES runs AES-KDF directly.  KeePass 1 files store the seed and
// round count in the header rather than in a parameter dictionary.
func TransformAES(ctx context.Context, p *progress.Progress, key *secure.Bytes, seed []byte, rounds uint64) (*secure.Bytes, error) {
	if key.Len() != 32 {
		return nil, &kdbcrypt.CryptoError{Op: "AES-KDF", Code: kdbcrypt.CodeInvalidKeySize}
	}
	p.SetTotal(aesProgressTotal(rounds))
	tk := make([]byte, 32)
	copy(tk, key.Bytes())
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return transformKeyBlock(grpCtx, p, tk[:aes.BlockSize], seed, rounds)
	})
	grp.Go(func() error {
		return transformKeyBlock(grpCtx, p, tk[aes.BlockSize:], seed, rounds)
	})
	if err := grp.Wait(); err != nil {
		secure.Wipe(tk)
		return nil, err
	}
	out := secure.New(tk)
	defer out.Erase()
	sum := out.SHA256()
	p.Finish()
	return sum, nil
}

// aesProgressTotal returns the progress units for AES-KDF.  Each half
// reports its own rounds.  Totals that do not fit in an int64 saturate.
func aesProgressTotal(rounds uint64) int64 {
	if rounds > math.MaxInt64/2 {
		return math.MaxInt64
	}
	return int64(rounds) * 2
}

// transformKeyBlock applies rounds of AES encryption using key seed to
// block in place.
func transformKeyBlock(ctx context.Context, p *progress.Progress, block, seed []byte, rounds uint64) error {
	c, err := aes.NewCipher(seed)
	if err != nil {
		return &kdbcrypt.CryptoError{Op: "AES-KDF", Code: kdbcrypt.CodeInit, Err: err}
	}
	m := progress.NewMeter(ctx, p, progress.DefaultBatch)
	for i := uint64(0); i < rounds; i++ {
		c.Encrypt(block, block)
		if err := m.Step(1); err != nil {
			return err
		}
	}
	m.Flush()
	return progress.Check(ctx)
}
