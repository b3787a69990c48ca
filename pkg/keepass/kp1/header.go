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

package kp1

import (
	"bytes"
	"encoding/binary"
	"io"

	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/uuids"
)

// Encryption flags
const (
	sha2Flag     uint32 = 1
	rijndaelFlag uint32 = 2
	arcFourFlag  uint32 = 4
	twofishFlag  uint32 = 8
)

// File version
const (
	fileVersion             = 0x00030002
	fileVersionCriticalMask = 0xffffff00
)

// HeaderSize is the number of bytes that the file header occupies.
const HeaderSize = 124

// header stores the non-magic values of a file header.
type header struct {
	flags           uint32
	masterSeed      [16]byte
	iv              [16]byte
	numGroups       uint32
	numEntries      uint32
	contentHash     [32]byte
	transformSeed   [32]byte
	transformRounds uint32
}

func (h *header) cipher() (uuids.UUID, error) {
	switch {
	case h.flags&rijndaelFlag != 0:
		return kdbcrypt.AES, nil
	case h.flags&twofishFlag != 0:
		return kdbcrypt.Twofish, nil
	case h.flags&arcFourFlag != 0:
		return uuids.UUID{}, keepass.NewLoadError("ARC4 encryption is not supported", nil)
	default:
		return uuids.UUID{}, keepass.NewLoadError("unknown encryption algorithm", nil)
	}
}

func cipherFlag(id uuids.UUID) (uint32, bool) {
	switch id {
	case kdbcrypt.AES:
		return rijndaelFlag, true
	case kdbcrypt.Twofish:
		return twofishFlag, true
	default:
		return 0, false
	}
}

func (h *header) read(data []byte) error {
	if len(data) < HeaderSize {
		return errPrematureEnd
	}
	r := bytes.NewReader(data[:HeaderSize])
	var raw struct {
		Signature1      uint32
		Signature2      uint32
		Flags           uint32
		Version         uint32
		MasterSeed      [16]byte
		IV              [16]byte
		NumGroups       uint32
		NumEntries      uint32
		ContentHash     [32]byte
		TransformSeed   [32]byte
		TransformRounds uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return errPrematureEnd
	}
	if raw.Signature1 != keepass.Signature1 || raw.Signature2 != keepass.SignatureKDB {
		return keepass.NewLoadError("unrecognized file format", nil)
	}
	if raw.Version&fileVersionCriticalMask != fileVersion&fileVersionCriticalMask {
		return keepass.NewLoadError("unsupported file version", nil)
	}
	*h = header{
		flags:           raw.Flags,
		masterSeed:      raw.MasterSeed,
		iv:              raw.IV,
		numGroups:       raw.NumGroups,
		numEntries:      raw.NumEntries,
		contentHash:     raw.ContentHash,
		transformSeed:   raw.TransformSeed,
		transformRounds: raw.TransformRounds,
	}
	return nil
}

func (h *header) write(w io.Writer) error {
	ww := writer{buf: new(bytes.Buffer)}
	ww.uint32(keepass.Signature1)
	ww.uint32(keepass.SignatureKDB)
	ww.uint32(h.flags)
	ww.uint32(fileVersion)
	ww.buf.Write(h.masterSeed[:])
	ww.buf.Write(h.iv[:])
	ww.uint32(h.numGroups)
	ww.uint32(h.numEntries)
	ww.buf.Write(h.contentHash[:])
	ww.buf.Write(h.transformSeed[:])
	ww.uint32(h.transformRounds)
	_, err := w.Write(ww.buf.Bytes())
	return err
}

// randomize replaces the seeds and the IV.
func (h *header) randomize(rand io.Reader) error {
	if _, err := io.ReadFull(rand, h.masterSeed[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(rand, h.iv[:]); err != nil {
		return err
	}
	_, err := io.ReadFull(rand, h.transformSeed[:])
	return err
}
