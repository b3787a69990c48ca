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

// Package keys combines a password and key file into the composite key
// that is fed to a key derivation function.
package keys // import "zombiezen.com/go/keepdb/pkg/keys"

import (
	"encoding/hex"
	"errors"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"zombiezen.com/go/keepdb/pkg/secure"
)

// KeySize is the size of a processed key file.
const KeySize = 32

// ErrEmpty is returned when neither a password nor a key file is given.
var ErrEmpty = errors.New("password and key file are both empty")

// A Helper builds composite keys for one database format generation.
type Helper int

// Helpers for KeePass 1 and KeePass 2 databases.
const (
	V1 Helper = 1
	V2 Helper = 2
)

func (h Helper) String() string {
	switch h {
	case V1:
		return "KeePass 1"
	case V2:
		return "KeePass 2"
	default:
		return "unknown"
	}
}

// PasswordData encodes a password.  KeePass 1 uses Latin-1, replacing
// characters outside it; KeePass 2 uses UTF-8.
func (h Helper) PasswordData(password string) *secure.Bytes {
	if h != V1 {
		return secure.Copy([]byte(password))
	}
	enc := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder())
	b, err := enc.Bytes([]byte(password))
	if err != nil {
		// ReplaceUnsupported only fails on invalid UTF-8 input; fall back
		// to a byte-for-byte copy.
		return secure.Copy([]byte(password))
	}
	return secure.New(b)
}

// ProcessKeyFile turns the contents of a key file into a 32-byte key.
// The formats are tried in order: raw 32 bytes, 64 hex digits, an XML
// key file (KeePass 2 only), and finally the SHA-256 of the contents.
func (h Helper) ProcessKeyFile(data []byte) *secure.Bytes {
	switch len(data) {
	case KeySize:
		return secure.Copy(data)
	case 2 * KeySize:
		k := make([]byte, KeySize)
		if _, err := hex.Decode(k, data); err == nil {
			return secure.New(k)
		}
		secure.Wipe(k)
	}
	if h == V2 {
		if k, err := parseXMLKeyFile(data); err == nil {
			return k
		}
	}
	return secure.Copy(data).SHA256()
}

// CompositeKey combines the password and key file contents.  Either may
// be empty, but not both.
func (h Helper) CompositeKey(password string, keyFile []byte) (*secure.Bytes, error) {
	pw := h.PasswordData(password)
	defer pw.Erase()
	return h.compose(pw, keyFile)
}

func (h Helper) compose(pw *secure.Bytes, keyFile []byte) (*secure.Bytes, error) {
	var pre *secure.Bytes
	switch {
	case !pw.IsEmpty() && len(keyFile) > 0:
		pwHash := pw.SHA256()
		defer pwHash.Erase()
		kf := h.ProcessKeyFile(keyFile)
		defer kf.Erase()
		both := secure.Concat(pwHash.Bytes(), kf.Bytes())
		defer both.Erase()
		// Both versions hash the two component keys together exactly once.
		return both.SHA256(), nil
	case !pw.IsEmpty():
		pre = pw.SHA256()
	case len(keyFile) > 0:
		pre = h.ProcessKeyFile(keyFile)
	default:
		return nil, ErrEmpty
	}
	if h == V1 {
		return pre, nil
	}
	// KeePass 2 hashes a single component key once more.
	defer pre.Erase()
	return pre.SHA256(), nil
}
