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

package keepass

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"zombiezen.com/go/keepdb/pkg/secure"
)

// An Attachment is a named binary blob owned by one entry.  Its payload
// may be stored gzip-compressed, as KeePass 2 binary pools allow.
type Attachment struct {
	Name string

	// Protected marks the payload for inner-stream protection in
	// KeePass 2 files.
	Protected bool

	data       []byte
	compressed bool
	size       int // uncompressed size, or -1 if not yet known
}

// NewAttachment returns an uncompressed attachment.  It takes ownership
// of data.
func NewAttachment(name string, data []byte) *Attachment {
	return &Attachment{Name: name, data: data, size: len(data)}
}

// NewCompressedAttachment returns an attachment whose payload is the
// gzip stream gz.
func NewCompressedAttachment(name string, gz []byte) *Attachment {
	return &Attachment{Name: name, data: gz, compressed: true, size: -1}
}

// Compressed reports whether the stored payload is gzip-compressed.
func (a *Attachment) Compressed() bool {
	return a.compressed
}

// RawData returns the payload as stored, possibly compressed.
func (a *Attachment) RawData() []byte {
	return a.data
}

// Data returns the uncompressed payload.
func (a *Attachment) Data() ([]byte, error) {
	if !a.compressed {
		return a.data, nil
	}
	return Gunzip(a.data)
}

// SetData replaces the payload with uncompressed data.
func (a *Attachment) SetData(data []byte) {
	secure.Wipe(a.data)
	a.data = data
	a.compressed = false
	a.size = -1
}

// Size returns the uncompressed size in bytes.  A compressed payload
// that cannot be decompressed has size zero.
func (a *Attachment) Size() int {
	if a.size < 0 {
		if !a.compressed {
			a.size = len(a.data)
		} else if n, err := io.Copy(io.Discard, gzipReader(a.data)); err == nil {
			a.size = int(n)
		} else {
			a.size = 0
		}
	}
	return a.size
}

// Clone returns a deep copy.
func (a *Attachment) Clone() *Attachment {
	c := *a
	c.data = append([]byte(nil), a.data...)
	return &c
}

// Erase overwrites the payload.
func (a *Attachment) Erase() {
	secure.Wipe(a.data)
	a.data = nil
	a.Name = ""
	a.compressed = false
	a.size = -1
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func gzipReader(b []byte) io.Reader {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return errReader{err}
	}
	// Some writers pad the payload after the gzip member; only the
	// first member counts.
	zr.Multistream(false)
	return zr
}

// Gzip compresses b.
func Gzip(b []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(b)
	zw.Close()
	return buf.Bytes()
}

// Gunzip decompresses the first member of a gzip stream.  Bytes after
// it are ignored.
func Gunzip(b []byte) ([]byte, error) {
	return io.ReadAll(gzipReader(b))
}
