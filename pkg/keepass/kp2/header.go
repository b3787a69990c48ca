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

package kp2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/kdf"
	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/streamcipher"
	"zombiezen.com/go/keepdb/pkg/uuids"
	"zombiezen.com/go/keepdb/pkg/vardict"
)

// File versions written by Save.
const (
	version3  uint32 = 0x00030001
	version4  uint32 = 0x00040000
	version41 uint32 = 0x00040001
)

// Outer header field IDs.
const (
	fieldEnd                 byte = 0
	fieldComment             byte = 1
	fieldCipherID            byte = 2
	fieldCompression         byte = 3
	fieldMasterSeed          byte = 4
	fieldTransformSeed       byte = 5 // KDBX 3.1
	fieldTransformRounds     byte = 6 // KDBX 3.1
	fieldEncryptionIV        byte = 7
	fieldProtectedStreamKey  byte = 8  // KDBX 3.1
	fieldStreamStartBytes    byte = 9  // KDBX 3.1
	fieldInnerRandomStreamID byte = 10 // KDBX 3.1
	fieldKDFParameters       byte = 11 // KDBX 4
	fieldPublicCustomData    byte = 12 // KDBX 4
)

// Compression algorithms.
const (
	compressionNone uint32 = 0
	compressionGzip uint32 = 1
)

const (
	masterSeedSize       = 32
	streamStartBytesSize = 32
	headerEndMarker      = "\r\n\r\n"
)

// header is the plaintext header that precedes the encrypted payload.
type header struct {
	version    uint32
	cipher     uuids.UUID
	compressed bool
	masterSeed []byte
	iv         []byte

	// kdf holds the KDF parameters.  For KDBX 3.1 it is synthesized from
	// the transform seed and rounds fields.
	kdf *vardict.Dict

	// KDBX 3.1 only.  KDBX 4 keeps these in the inner header.
	streamKey        []byte
	streamStartBytes []byte
	streamID         streamcipher.ID

	publicCustomData *vardict.Dict
	comment          []byte

	// raw is the header exactly as read or written, signatures included.
	raw []byte
}

func (h *header) major() uint16 {
	return uint16(h.version >> 16)
}

func (h *header) format() keepass.Format {
	if h.major() == 4 {
		return keepass.FormatKDBX4
	}
	return keepass.FormatKDBX3
}

func corruptHeader(detail string, err error) *FormatError {
	return &FormatError{Kind: CorruptedHeader, Detail: detail, Err: err}
}

// read parses the header at the start of data and returns its length.
func (h *header) read(data []byte) (int, error) {
	if len(data) < 12 {
		return 0, errPrematureEnd
	}
	if binary.LittleEndian.Uint32(data[0:4]) != keepass.Signature1 ||
		binary.LittleEndian.Uint32(data[4:8]) != keepass.SignatureKDBX {
		return 0, keepass.NewLoadError("unrecognized file format", nil)
	}
	*h = header{version: binary.LittleEndian.Uint32(data[8:12])}
	if m := h.major(); m != 3 && m != 4 {
		return 0, keepass.NewLoadError("unsupported file version", nil)
	}
	sizeLen := 2
	if h.major() == 4 {
		sizeLen = 4
	}

	var transformSeed []byte
	var transformRounds uint64
	var haveRounds bool
	pos := 12
	for {
		if len(data)-pos < 1+sizeLen {
			return 0, errPrematureEnd
		}
		id := data[pos]
		var n int
		if sizeLen == 2 {
			n = int(binary.LittleEndian.Uint16(data[pos+1:]))
		} else {
			n32 := binary.LittleEndian.Uint32(data[pos+1:])
			if n32 > uint32(len(data)) {
				return 0, errPrematureEnd
			}
			n = int(n32)
		}
		pos += 1 + sizeLen
		if len(data)-pos < n {
			return 0, errPrematureEnd
		}
		val := data[pos : pos+n]
		pos += n

		var err error
		switch id {
		case fieldEnd:
			h.raw = data[:pos]
			return pos, h.finish(transformSeed, transformRounds, haveRounds)
		case fieldComment:
			h.comment = append([]byte(nil), val...)
		case fieldCipherID:
			h.cipher, err = uuids.FromBytes(val)
			if err != nil {
				return 0, corruptHeader("cipher ID", err)
			}
		case fieldCompression:
			if len(val) != 4 {
				return 0, corruptHeader("compression flags", nil)
			}
			switch binary.LittleEndian.Uint32(val) {
			case compressionNone:
				h.compressed = false
			case compressionGzip:
				h.compressed = true
			default:
				return 0, keepass.NewLoadError("unknown compression algorithm", nil)
			}
		case fieldMasterSeed:
			if len(val) != masterSeedSize {
				return 0, corruptHeader("master seed", nil)
			}
			h.masterSeed = append([]byte(nil), val...)
		case fieldEncryptionIV:
			h.iv = append([]byte(nil), val...)
		case fieldTransformSeed:
			transformSeed = append([]byte(nil), val...)
		case fieldTransformRounds:
			if len(val) != 8 {
				return 0, corruptHeader("transform rounds", nil)
			}
			transformRounds = binary.LittleEndian.Uint64(val)
			haveRounds = true
		case fieldProtectedStreamKey:
			h.streamKey = append([]byte(nil), val...)
		case fieldStreamStartBytes:
			h.streamStartBytes = append([]byte(nil), val...)
		case fieldInnerRandomStreamID:
			if len(val) != 4 {
				return 0, corruptHeader("inner random stream ID", nil)
			}
			h.streamID = streamcipher.ID(binary.LittleEndian.Uint32(val))
		case fieldKDFParameters:
			h.kdf, err = vardict.Parse(val)
			if err != nil {
				return 0, corruptHeader("KDF parameters", err)
			}
		case fieldPublicCustomData:
			h.publicCustomData, err = vardict.Parse(val)
			if err != nil {
				return 0, corruptHeader("public custom data", err)
			}
		default:
			// Unknown fields are skipped, as KeePass does.
		}
	}
}

// finish checks that the required fields are present.
func (h *header) finish(transformSeed []byte, transformRounds uint64, haveRounds bool) error {
	if h.cipher.IsZero() {
		return corruptHeader("missing cipher ID", nil)
	}
	if h.masterSeed == nil {
		return corruptHeader("missing master seed", nil)
	}
	if h.iv == nil {
		return corruptHeader("missing encryption IV", nil)
	}
	if h.major() == 4 {
		if h.kdf == nil {
			return corruptHeader("missing KDF parameters", nil)
		}
		return nil
	}
	if transformSeed == nil || !haveRounds {
		return corruptHeader("missing transform seed", nil)
	}
	if len(h.streamStartBytes) != streamStartBytesSize {
		return corruptHeader("stream start bytes", nil)
	}
	if h.streamKey == nil {
		return corruptHeader("missing protected stream key", nil)
	}
	h.kdf = kdf.AES3.DefaultParams()
	h.kdf.SetBytes(kdf.SeedParam, transformSeed)
	h.kdf.SetUInt64(kdf.RoundsParam, transformRounds)
	return nil
}

// headerWriter appends type-length-value fields.
type headerWriter struct {
	buf     bytes.Buffer
	sizeLen int
}

func (w *headerWriter) field(id byte, val []byte) {
	w.buf.WriteByte(id)
	if w.sizeLen == 2 {
		binary.Write(&w.buf, binary.LittleEndian, uint16(len(val)))
	} else {
		binary.Write(&w.buf, binary.LittleEndian, uint32(len(val)))
	}
	w.buf.Write(val)
}

func (w *headerWriter) uint32Field(id byte, x uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	w.field(id, b[:])
}

func (w *headerWriter) uint64Field(id byte, x uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	w.field(id, b[:])
}

// write serializes the header and stores the result in h.raw.
func (h *header) write() ([]byte, error) {
	w := &headerWriter{sizeLen: 2}
	if h.major() == 4 {
		w.sizeLen = 4
	}
	binary.Write(&w.buf, binary.LittleEndian, keepass.Signature1)
	binary.Write(&w.buf, binary.LittleEndian, keepass.SignatureKDBX)
	binary.Write(&w.buf, binary.LittleEndian, h.version)

	if len(h.comment) > 0 {
		w.field(fieldComment, h.comment)
	}
	w.field(fieldCipherID, h.cipher[:])
	compression := compressionNone
	if h.compressed {
		compression = compressionGzip
	}
	w.uint32Field(fieldCompression, compression)
	w.field(fieldMasterSeed, h.masterSeed)
	if h.major() == 4 {
		w.field(fieldEncryptionIV, h.iv)
		params, err := h.kdf.MarshalBinary()
		if err != nil {
			return nil, err
		}
		w.field(fieldKDFParameters, params)
		if h.publicCustomData != nil && h.publicCustomData.Len() > 0 {
			pcd, err := h.publicCustomData.MarshalBinary()
			if err != nil {
				return nil, err
			}
			w.field(fieldPublicCustomData, pcd)
		}
	} else {
		seed, rounds, err := aesParams(h.kdf)
		if err != nil {
			return nil, err
		}
		w.field(fieldTransformSeed, seed)
		w.uint64Field(fieldTransformRounds, rounds)
		w.field(fieldEncryptionIV, h.iv)
		w.field(fieldProtectedStreamKey, h.streamKey)
		w.field(fieldStreamStartBytes, h.streamStartBytes)
		w.uint32Field(fieldInnerRandomStreamID, uint32(h.streamID))
	}
	w.field(fieldEnd, []byte(headerEndMarker))
	h.raw = w.buf.Bytes()
	return h.raw, nil
}

// aesParams extracts the AES-KDF seed and rounds that KDBX 3.1 stores
// as separate header fields.
func aesParams(params *vardict.Dict) (seed []byte, rounds uint64, err error) {
	k, err := kdf.Lookup(params)
	if err != nil {
		return nil, 0, err
	}
	if k.UUID() != kdf.AES3UUID && k.UUID() != kdf.AES4UUID {
		return nil, 0, keepass.NewSaveError(fmt.Sprintf("%s is not supported by KDBX 3.1", k.Name()), nil)
	}
	seed, ok := params.Bytes(kdf.SeedParam)
	if !ok || len(seed) != 32 {
		return nil, 0, &kdbcrypt.CryptoError{Op: "write header", Code: kdbcrypt.CodeKDFParams}
	}
	rounds, ok = params.UInt64(kdf.RoundsParam)
	if !ok {
		return nil, 0, &kdbcrypt.CryptoError{Op: "write header", Code: kdbcrypt.CodeKDFParams}
	}
	return seed, rounds, nil
}

// randomize fills the header with fresh seeds, IV and inner stream key.
func (h *header) randomize(rand io.Reader, dc kdbcrypt.DataCipher, k kdf.KDF) error {
	h.masterSeed = make([]byte, masterSeedSize)
	if _, err := io.ReadFull(rand, h.masterSeed); err != nil {
		return err
	}
	h.iv = make([]byte, dc.IVSize())
	if _, err := io.ReadFull(rand, h.iv); err != nil {
		return err
	}
	if err := k.Randomize(h.kdf, rand); err != nil {
		return err
	}
	if h.major() == 4 {
		h.streamID = streamcipher.ChaCha20ID
		h.streamKey = make([]byte, 64)
	} else {
		h.streamID = streamcipher.Salsa20ID
		h.streamKey = make([]byte, 32)
		h.streamStartBytes = make([]byte, streamStartBytesSize)
		if _, err := io.ReadFull(rand, h.streamStartBytes); err != nil {
			return err
		}
	}
	_, err := io.ReadFull(rand, h.streamKey)
	return err
}
