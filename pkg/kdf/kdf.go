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

// Package kdf provides the key derivation functions that stretch a
// composite key into a master key: AES-KDF and Argon2d.
package kdf // import "zombiezen.com/go/keepdb/pkg/kdf"

import (
	"context"
	"errors"
	"fmt"
	"io"

	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/uuids"
	"zombiezen.com/go/keepdb/pkg/vardict"
)

// Parameter names shared by all KDFs.
const UUIDParam = "$UUID"

// KDF UUIDs.  KeePass writes the KDBX 3.1 AES UUID in both format
// versions; the KDBX 4 variant is accepted on read.
var (
	AES3UUID    = uuids.MustParse("c9d9f39a-628a-4460-bf74-0d08c18a4fea")
	AES4UUID    = uuids.MustParse("7c02bb82-79a7-4ac0-927d-114a00648238")
	Argon2dUUID = uuids.MustParse("ef636ddf-8c29-444b-91f7-a9a403e30a0c")
)

// ErrUnknownKDF is returned for parameters naming an unrecognized KDF.
var ErrUnknownKDF = errors.New("kdf: unknown key derivation function")

// A KDF transforms a composite key into a master key.
type KDF interface {
	UUID() uuids.UUID
	Name() string

	// DefaultParams returns a new parameter dictionary with this KDF's
	// UUID and default work factors.  The salt is not set.
	DefaultParams() *vardict.Dict

	// Randomize replaces the salt in params with fresh bytes from rand.
	Randomize(params *vardict.Dict, rand io.Reader) error

	// Transform derives a 32-byte key.  p advances in proportion to the
	// work done and ctx is checked between batches.
	Transform(ctx context.Context, p *progress.Progress, key *secure.Bytes, params *vardict.Dict) (*secure.Bytes, error)
}

// AES3 and AES4 are AES-KDF under its two UUIDs.
var (
	AES3    KDF = aesKDF{id: AES3UUID}
	AES4    KDF = aesKDF{id: AES4UUID}
	Argon2d KDF = argon2dKDF{}
)

// ByUUID returns the KDF with the given UUID.
func ByUUID(id uuids.UUID) (KDF, error) {
	switch id {
	case AES3UUID:
		return AES3, nil
	case AES4UUID:
		return AES4, nil
	case Argon2dUUID:
		return Argon2d, nil
	default:
		return nil, fmt.Errorf("%w %v", ErrUnknownKDF, id)
	}
}

// Lookup returns the KDF named by the $UUID entry of params.
func Lookup(params *vardict.Dict) (KDF, error) {
	b, ok := params.Bytes(UUIDParam)
	if !ok {
		return nil, paramError("", UUIDParam)
	}
	id, err := uuids.FromBytes(b)
	if err != nil {
		return nil, paramError("", UUIDParam)
	}
	return ByUUID(id)
}

func paramError(kdf, name string) error {
	op := "kdf params"
	if kdf != "" {
		op = kdf + " params"
	}
	return &kdbcrypt.CryptoError{
		Op:   op,
		Code: kdbcrypt.CodeKDFParams,
		Err:  fmt.Errorf("bad or missing %q", name),
	}
}

func randomSalt(params *vardict.Dict, name string, n int, rand io.Reader) error {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand, salt); err != nil {
		return &kdbcrypt.CryptoError{Op: "randomize salt", Code: kdbcrypt.CodeRandom, Err: err}
	}
	params.SetBytes(name, salt)
	return nil
}
