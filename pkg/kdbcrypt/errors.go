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

import "fmt"

// Code classifies a CryptoError.  The numeric values are stable so they
// can be shown in diagnostics.
type Code int

// Error codes.
const (
	CodeFailure        Code = -1
	CodeInvalidKeySize Code = -4301
	CodeInvalidIV      Code = -4302
	CodeDataSize       Code = -4303
	CodePadding        Code = -4304
	CodeInit           Code = -4305
	CodeUnsupported    Code = -4306
	CodeRandom         Code = -4307
	CodeKDFParams      Code = -4308
)

func (c Code) String() string {
	switch c {
	case CodeInvalidKeySize:
		return "invalid key size"
	case CodeInvalidIV:
		return "invalid IV"
	case CodeDataSize:
		return "invalid data size"
	case CodePadding:
		return "invalid padding"
	case CodeInit:
		return "cipher initialization failed"
	case CodeUnsupported:
		return "unsupported parameters"
	case CodeRandom:
		return "random generator failed"
	case CodeKDFParams:
		return "invalid KDF parameters"
	default:
		return "crypto failure"
	}
}

// A CryptoError reports a failure inside a cryptographic primitive.
type CryptoError struct {
	Op   string
	Code Code
	Err  error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("kdbcrypt: %s: %v (code %d)", e.Op, e.Code, int(e.Code))
	}
	return fmt.Sprintf("kdbcrypt: %s: %v (code %d): %v", e.Op, e.Code, int(e.Code), e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}
