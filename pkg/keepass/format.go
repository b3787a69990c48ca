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

package keepass

import "encoding/binary"

// Format identifies a database file format.
type Format int

// Supported formats.
const (
	FormatKDB   Format = 1 // KeePass 1.x
	FormatKDBX3 Format = 3 // KeePass 2.x, KDBX 3.1
	FormatKDBX4 Format = 4 // KeePass 2.x, KDBX 4
)

func (f Format) String() string {
	switch f {
	case FormatKDB:
		return "KDB"
	case FormatKDBX3:
		return "KDBX 3.1"
	case FormatKDBX4:
		return "KDBX 4"
	default:
		return "unknown format"
	}
}

// Generation returns 1 for KeePass 1 formats and 2 for KeePass 2 formats.
func (f Format) Generation() int {
	if f == FormatKDB {
		return 1
	}
	return 2
}

// File signatures.  Both generations share the first word.
const (
	Signature1    uint32 = 0x9aa2d903
	SignatureKDB  uint32 = 0xb54bfb65
	SignatureKDBX uint32 = 0xb54bfb67
)

// DetectFormat inspects the first bytes of a database file.  The error
// is a *DatabaseError of kind LoadError.
func DetectFormat(data []byte) (Format, error) {
	if len(data) < 8 {
		return 0, NewLoadError("unrecognized file format", nil)
	}
	sig1 := binary.LittleEndian.Uint32(data[0:4])
	sig2 := binary.LittleEndian.Uint32(data[4:8])
	if sig1 != Signature1 {
		return 0, NewLoadError("unrecognized file format", nil)
	}
	switch sig2 {
	case SignatureKDB:
		return FormatKDB, nil
	case SignatureKDBX:
		if len(data) < 12 {
			return 0, NewLoadError("unexpected end of file", nil)
		}
		switch major := binary.LittleEndian.Uint16(data[10:12]); major {
		case 3:
			return FormatKDBX3, nil
		case 4:
			return FormatKDBX4, nil
		default:
			return 0, NewLoadError("unsupported file version", nil)
		}
	default:
		return 0, NewLoadError("unrecognized file format", nil)
	}
}
