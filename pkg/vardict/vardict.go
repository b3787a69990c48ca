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

// Package vardict implements the KeePass variant dictionary, a typed
// key-value map used for KDF parameters and public custom data.
package vardict // import "zombiezen.com/go/keepdb/pkg/vardict"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Version is the dictionary format version written by Write.
const Version uint16 = 0x0100

const versionMask uint16 = 0xff00

// Type identifies the type of a value.
type Type uint8

// Value types.
const (
	End    Type = 0x00
	UInt32 Type = 0x04
	UInt64 Type = 0x05
	Bool   Type = 0x08
	Int32  Type = 0x0c
	Int64  Type = 0x0d
	String Type = 0x18
	Bytes  Type = 0x42
)

func (t Type) String() string {
	switch t {
	case End:
		return "end"
	case UInt32:
		return "uint32"
	case UInt64:
		return "uint64"
	case Bool:
		return "bool"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	default:
		return fmt.Sprintf("Type(%#02x)", uint8(t))
	}
}

// size returns the fixed value size for t or -1 if t is variable-length.
func (t Type) size() int {
	switch t {
	case Bool:
		return 1
	case UInt32, Int32:
		return 4
	case UInt64, Int64:
		return 8
	case String, Bytes:
		return -1
	default:
		return 0
	}
}

// Errors returned by Read.
var (
	ErrVersion   = errors.New("vardict: incompatible version")
	ErrTruncated = errors.New("vardict: unexpected end of data")
)

// A Value is a single typed value.  Data holds the little-endian
// encoding of the value.
type Value struct {
	Type Type
	Data []byte
}

// A Dict is an ordered dictionary.  Keys are serialized in the order
// they were first set.  The zero value is an empty dictionary.
type Dict struct {
	keys []string
	m    map[string]Value
}

// New returns an empty dictionary.
func New() *Dict {
	return new(Dict)
}

// Len returns the number of keys.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns the keys in serialization order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

// Get returns the value for key.
func (d *Dict) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	v, ok := d.m[key]
	return v, ok
}

// Set stores a value, replacing any previous value but keeping the
// key's position.
func (d *Dict) Set(key string, v Value) {
	if d.m == nil {
		d.m = make(map[string]Value)
	}
	if _, exists := d.m[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.m[key] = v
}

// Delete removes key from the dictionary.
func (d *Dict) Delete(key string) {
	if _, ok := d.m[key]; !ok {
		return
	}
	delete(d.m, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a deep copy of d.
func (d *Dict) Clone() *Dict {
	c := New()
	if d == nil {
		return c
	}
	for _, k := range d.keys {
		v := d.m[k]
		c.Set(k, Value{Type: v.Type, Data: append([]byte(nil), v.Data...)})
	}
	return c
}

// SetUInt32 stores a uint32 value.
func (d *Dict) SetUInt32(key string, x uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, x)
	d.Set(key, Value{UInt32, b})
}

// SetUInt64 stores a uint64 value.
func (d *Dict) SetUInt64(key string, x uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, x)
	d.Set(key, Value{UInt64, b})
}

// SetInt32 stores an int32 value.
func (d *Dict) SetInt32(key string, x int32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(x))
	d.Set(key, Value{Int32, b})
}

// SetInt64 stores an int64 value.
func (d *Dict) SetInt64(key string, x int64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(x))
	d.Set(key, Value{Int64, b})
}

// SetBool stores a boolean value.
func (d *Dict) SetBool(key string, x bool) {
	b := []byte{0}
	if x {
		b[0] = 1
	}
	d.Set(key, Value{Bool, b})
}

// SetString stores a UTF-8 string value.
func (d *Dict) SetString(key string, s string) {
	d.Set(key, Value{String, []byte(s)})
}

// SetBytes stores a copy of b.
func (d *Dict) SetBytes(key string, b []byte) {
	d.Set(key, Value{Bytes, append([]byte{}, b...)})
}

// UInt32 returns the value for key if it is a uint32.
func (d *Dict) UInt32(key string) (uint32, bool) {
	v, ok := d.Get(key)
	if !ok || v.Type != UInt32 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v.Data), true
}

// UInt64 returns the value for key if it is a uint64.
func (d *Dict) UInt64(key string) (uint64, bool) {
	v, ok := d.Get(key)
	if !ok || v.Type != UInt64 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(v.Data), true
}

// Int32 returns the value for key if it is an int32.
func (d *Dict) Int32(key string) (int32, bool) {
	v, ok := d.Get(key)
	if !ok || v.Type != Int32 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(v.Data)), true
}

// Int64 returns the value for key if it is an int64.
func (d *Dict) Int64(key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok || v.Type != Int64 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(v.Data)), true
}

// Bool returns the value for key if it is a bool.
func (d *Dict) Bool(key string) (bool, bool) {
	v, ok := d.Get(key)
	if !ok || v.Type != Bool {
		return false, false
	}
	return v.Data[0] != 0, true
}

// String returns the value for key if it is a string.
func (d *Dict) String(key string) (string, bool) {
	v, ok := d.Get(key)
	if !ok || v.Type != String {
		return "", false
	}
	return string(v.Data), true
}

// Bytes returns the value for key if it is a byte array.  The returned
// slice aliases the dictionary's storage.
func (d *Dict) Bytes(key string) ([]byte, bool) {
	v, ok := d.Get(key)
	if !ok || v.Type != Bytes {
		return nil, false
	}
	return v.Data, true
}

// Erase overwrites every value and empties the dictionary.
func (d *Dict) Erase() {
	if d == nil {
		return
	}
	for _, v := range d.m {
		for i := range v.Data {
			v.Data[i] = 0
		}
	}
	d.keys = nil
	d.m = nil
}

// Parse decodes a dictionary from b.
func Parse(b []byte) (*Dict, error) {
	return Read(bytes.NewReader(b))
}

// Read decodes a dictionary from r, stopping after the end marker.
func Read(r io.Reader) (*Dict, error) {
	var ver uint16
	if err := binary.Read(r, binary.LittleEndian, &ver); err != nil {
		return nil, truncated(err)
	}
	if ver&versionMask != Version&versionMask {
		return nil, fmt.Errorf("%w %#04x", ErrVersion, ver)
	}
	d := New()
	for {
		var t [1]byte
		if _, err := io.ReadFull(r, t[:]); err != nil {
			return nil, truncated(err)
		}
		typ := Type(t[0])
		if typ == End {
			return d, nil
		}
		if typ.size() == 0 {
			return nil, fmt.Errorf("vardict: unknown value type %v", typ)
		}
		name, err := readChunk(r)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(name) {
			return nil, errors.New("vardict: key is not valid UTF-8")
		}
		data, err := readChunk(r)
		if err != nil {
			return nil, err
		}
		if sz := typ.size(); sz > 0 && len(data) != sz {
			return nil, fmt.Errorf("vardict: %s value for %q has %d bytes", typ, name, len(data))
		}
		d.Set(string(name), Value{Type: typ, Data: data})
	}
}

func readChunk(r io.Reader) ([]byte, error) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, truncated(err)
	}
	if n < 0 {
		return nil, fmt.Errorf("vardict: negative length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, truncated(err)
	}
	return buf, nil
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}

// MarshalBinary encodes the dictionary.
func (d *Dict) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write encodes the dictionary to w.
func (d *Dict) Write(w io.Writer) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, Version)
	for _, k := range d.Keys() {
		v := d.m[k]
		buf.WriteByte(byte(v.Type))
		binary.Write(&buf, binary.LittleEndian, int32(len(k)))
		buf.WriteString(k)
		binary.Write(&buf, binary.LittleEndian, int32(len(v.Data)))
		buf.Write(v.Data)
	}
	buf.WriteByte(byte(End))
	_, err := w.Write(buf.Bytes())
	return err
}
