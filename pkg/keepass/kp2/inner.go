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
	"crypto/sha256"
	"encoding/binary"

	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/streamcipher"
)

// Inner header field IDs (KDBX 4).
const (
	innerEnd       byte = 0
	innerStreamID  byte = 1
	innerStreamKey byte = 2
	innerBinary    byte = 3
)

// binaryProtected is the inner header binary flag for stream protection.
const binaryProtected byte = 1

// innerHeader precedes the XML document in a decrypted KDBX 4 payload.
type innerHeader struct {
	streamID  streamcipher.ID
	streamKey []byte
	binaries  []poolItem
}

// readInnerHeader parses the inner header at the start of data and
// returns its length.
func readInnerHeader(data []byte) (*innerHeader, int, error) {
	ih := new(innerHeader)
	pos := 0
	haveID := false
	for {
		if len(data)-pos < 5 {
			return nil, 0, errPrematureEnd
		}
		id := data[pos]
		n := int32(binary.LittleEndian.Uint32(data[pos+1:]))
		pos += 5
		if n < 0 || int64(len(data)-pos) < int64(n) {
			return nil, 0, errPrematureEnd
		}
		val := data[pos : pos+int(n)]
		pos += int(n)
		switch id {
		case innerEnd:
			if !haveID || ih.streamKey == nil {
				return nil, 0, &FormatError{Kind: CorruptedInnerHeader, Detail: "missing inner stream"}
			}
			return ih, pos, nil
		case innerStreamID:
			if len(val) != 4 {
				return nil, 0, &FormatError{Kind: CorruptedInnerHeader, Detail: "inner stream ID"}
			}
			ih.streamID = streamcipher.ID(binary.LittleEndian.Uint32(val))
			haveID = true
		case innerStreamKey:
			ih.streamKey = append([]byte(nil), val...)
		case innerBinary:
			if len(val) < 1 {
				return nil, 0, &FormatError{Kind: CorruptedInnerHeader, Detail: "binary"}
			}
			ih.binaries = append(ih.binaries, poolItem{
				data:      append([]byte(nil), val[1:]...),
				protected: val[0]&binaryProtected != 0,
			})
		default:
			return nil, 0, &FormatError{Kind: CorruptedInnerHeader, Detail: "unknown field"}
		}
	}
}

func (ih *innerHeader) write(buf *bytes.Buffer) {
	field := func(id byte, parts ...[]byte) {
		n := 0
		for _, p := range parts {
			n += len(p)
		}
		buf.WriteByte(id)
		binary.Write(buf, binary.LittleEndian, uint32(n))
		for _, p := range parts {
			buf.Write(p)
		}
	}
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], uint32(ih.streamID))
	field(innerStreamID, idBuf[:])
	field(innerStreamKey, ih.streamKey)
	for _, item := range ih.binaries {
		var flags byte
		if item.protected {
			flags |= binaryProtected
		}
		field(innerBinary, []byte{flags}, item.data)
	}
	field(innerEnd)
}

// A poolItem is one binary in the attachment pool.  In KDBX 3.1 the
// pool is Meta/Binaries, in KDBX 4 it is the inner header.
type poolItem struct {
	data       []byte
	protected  bool
	compressed bool
}

func (item poolItem) attachment(name string) *keepass.Attachment {
	data := append([]byte(nil), item.data...)
	var a *keepass.Attachment
	if item.compressed {
		a = keepass.NewCompressedAttachment(name, data)
	} else {
		a = keepass.NewAttachment(name, data)
	}
	a.Protected = item.protected
	return a
}

func (item poolItem) erase() {
	secure.Wipe(item.data)
}

// poolBuilder collects the distinct attachment payloads of a database.
type poolBuilder struct {
	compress bool
	items    []poolItem
	index    map[poolKey]int
}

type poolKey struct {
	sum       [32]byte
	protected bool
}

func newPoolBuilder(compress bool) *poolBuilder {
	return &poolBuilder{compress: compress, index: make(map[poolKey]int)}
}

// add returns the pool index for a's payload, adding it if needed.
func (pb *poolBuilder) add(a *keepass.Attachment) (int, error) {
	data, err := a.Data()
	if err != nil {
		return 0, keepass.NewSaveError("cannot read attachment "+a.Name, err)
	}
	if a.Compressed() {
		defer secure.Wipe(data)
	}
	k := poolKey{sum: sha256.Sum256(data), protected: a.Protected}
	if i, ok := pb.index[k]; ok {
		return i, nil
	}
	item := poolItem{protected: a.Protected}
	switch {
	case !pb.compress:
		item.data = append([]byte(nil), data...)
	case a.Compressed():
		item.data = append([]byte(nil), a.RawData()...)
		item.compressed = true
	default:
		item.data = keepass.Gzip(data)
		item.compressed = true
	}
	pb.items = append(pb.items, item)
	pb.index[k] = len(pb.items) - 1
	return len(pb.items) - 1, nil
}

func (pb *poolBuilder) erase() {
	for _, item := range pb.items {
		item.erase()
	}
	pb.items = nil
}
