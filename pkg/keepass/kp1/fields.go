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

package kp1

import (
	"bytes"
	"encoding/binary"
	"time"
)

// fieldReader splits the plaintext into record fields.
type fieldReader struct {
	data []byte
	pos  int
}

// next returns the next field.  val aliases the input.
func (fr *fieldReader) next() (key uint16, val []byte, err error) {
	if len(fr.data)-fr.pos < 6 {
		return 0, nil, errPrematureEnd
	}
	key = binary.LittleEndian.Uint16(fr.data[fr.pos:])
	sz := binary.LittleEndian.Uint32(fr.data[fr.pos+2:])
	fr.pos += 6
	if int64(sz) > int64(len(fr.data)-fr.pos) {
		return 0, nil, errPrematureEnd
	}
	val = fr.data[fr.pos : fr.pos+int(sz)]
	fr.pos += int(sz)
	return key, val, nil
}

// remaining returns the number of unread bytes.
func (fr *fieldReader) remaining() int {
	return len(fr.data) - fr.pos
}

func stripNull(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == 0 {
		return b[:n-1]
	}
	return b
}

// dateSize is the size of a packed date field.
const dateSize = 5

// neverYear and friends are the packed "never expires" sentinel.
const (
	neverYear   = 2999
	neverMonth  = time.December
	neverDay    = 28
	neverHour   = 23
	neverMinute = 59
	neverSecond = 59
)

// readDate decodes a packed date.  The "never" sentinel decodes to the
// zero time.
func readDate(name string, b []byte) (time.Time, error) {
	if err := verifyFieldSize(name, b, dateSize); err != nil {
		return time.Time{}, err
	}

	// 0        1        2        3        4
	// YYYYYYYY YYYYYYMM MMDDDDDH HHHHmmmm mmssssss
	year := int(b[0])<<6 | int(b[1]>>2)
	month := time.Month(b[1]&0x03<<2 | b[2]>>6)
	day := int(b[2] >> 1 & 0x1f)
	hour := int(b[2]&0x01<<4 | b[3]>>4)
	minute := int(b[3]&0x0f<<2 | b[4]>>6)
	second := int(b[4] & 0x3f)

	if year == neverYear && month == neverMonth && day == neverDay && hour == neverHour && minute == neverMinute && second == neverSecond {
		return time.Time{}, nil
	}
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC), nil
}

func packDate(t time.Time) [dateSize]byte {
	var year, day, hour, minute, second int
	var month time.Month
	if t.IsZero() {
		year, month, day = neverYear, neverMonth, neverDay
		hour, minute, second = neverHour, neverMinute, neverSecond
	} else {
		t = t.UTC()
		year, month, day = t.Date()
		hour, minute, second = t.Clock()
	}
	var b [dateSize]byte
	b[0] = byte(year >> 6)
	b[1] = byte(year&0x3f)<<2 | byte(month)>>2
	b[2] = byte(month&0x03)<<6 | byte(day<<1) | byte(hour>>4)
	b[3] = byte(hour&0x0f<<4) | byte(minute>>2)
	b[4] = byte(minute&0x03<<6) | byte(second)
	return b
}

// writer is a little-endian field writer over a bytes.Buffer.
type writer struct {
	buf *bytes.Buffer
}

func (w writer) uint16(i uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], i)
	w.buf.Write(b[:])
}

func (w writer) uint32(i uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], i)
	w.buf.Write(b[:])
}

func (w writer) field(key uint16, val []byte) {
	w.uint16(key)
	w.uint32(uint32(len(val)))
	w.buf.Write(val)
}

func (w writer) uint16Field(key uint16, val uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], val)
	w.field(key, b[:])
}

func (w writer) uint32Field(key uint16, val uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	w.field(key, b[:])
}

// stringField writes s with a trailing NUL.
func (w writer) stringField(key uint16, s string) {
	w.uint16(key)
	w.uint32(uint32(len(s) + 1))
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

func (w writer) dateField(key uint16, t time.Time) {
	b := packDate(t)
	w.field(key, b[:])
}

func (w writer) end() {
	w.field(fieldTerminator, nil)
}

func verifyFieldSize(name string, val []byte, want int) error {
	if len(val) != want {
		return &FormatError{Kind: CorruptedField, Field: name}
	}
	return nil
}
