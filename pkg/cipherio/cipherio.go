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

// Package cipherio provides I/O interfaces for block cipher streams.
package cipherio // import "zombiezen.com/go/keepdb/pkg/cipherio"

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"io"

	"zombiezen.com/go/keepdb/pkg/padding"
	"zombiezen.com/go/keepdb/pkg/secure"
)

// A Tracker observes a stream as it is processed.
type Tracker interface {
	// Step is called after blocks more blocks have been processed.
	// A non-nil error stops the stream and is returned from every
	// subsequent Read, Write or Close.
	Step(blocks int64) error
}

// chunkSize is the number of bytes read from the underlying stream at once.
const chunkSize = 16 * 1024

type reader struct {
	r    io.Reader
	mode cipher.BlockMode
	pad  padding.Padding
	t    Tracker

	started bool
	buf     bytes.Buffer
	chunk   []byte
	nplain  int // leading bytes of buf that are decrypted
	err     error
}

// NewReader returns a reader that decrypts r and strips the padding from
// the final block.  t may be nil.
func NewReader(r io.Reader, mode cipher.BlockMode, pad padding.Padding, t Tracker) io.Reader {
	return &reader{
		r:     r,
		mode:  mode,
		pad:   pad,
		t:     t,
		chunk: make([]byte, chunkSize),
	}
}

func (r *reader) Read(p []byte) (int, error) {
	if r.nplain == 0 {
		r.fill()
	}
	if r.nplain == 0 {
		return 0, r.err
	}
	n := r.nplain
	if n > len(p) {
		n = len(p)
	}
	r.buf.Read(p[:n])
	r.nplain -= n
	return n, nil
}

// fill reads more ciphertext and decrypts every block that is known not
// to be the last one.  The last block is only decrypted at EOF, when its
// padding can be stripped.
func (r *reader) fill() {
	if r.err != nil {
		return
	}
	bs := r.mode.BlockSize()
	nn, err := io.ReadAtLeast(r.r, r.chunk, bs+1-r.buf.Len())
	r.buf.Write(r.chunk[:nn])
	size := r.buf.Len()
	extra := size % bs
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		if extra != 0 || !r.started && size < bs {
			r.err = io.ErrUnexpectedEOF
		} else {
			r.err = io.EOF
		}
	case err != nil:
		r.err = err
	}
	if size < bs {
		return
	}
	r.started = true
	r.nplain = size - extra
	if extra == 0 && r.err == nil {
		r.nplain -= bs
	}
	b := r.buf.Bytes()[:r.nplain]
	r.mode.CryptBlocks(b, b)
	if r.t != nil {
		if terr := r.t.Step(int64(len(b) / bs)); terr != nil {
			r.err = terr
			r.nplain = 0
			secure.Wipe(b)
			return
		}
	}
	if r.err == io.EOF {
		plain, perr := r.pad.Strip(b, bs)
		if perr != nil {
			r.err = perr
			r.nplain = 0
			secure.Wipe(b)
			return
		}
		r.nplain = len(plain)
		r.buf.Truncate(r.nplain)
	}
}

type writer struct {
	w    io.Writer
	mode cipher.BlockMode
	pad  padding.Padding
	t    Tracker

	partial []byte // plaintext not yet forming a full block
	buf     []byte
	err     error
}

// NewWriter returns a writer that encrypts its input to w.  Close pads
// and writes the final block, but does not close w.  t may be nil.
func NewWriter(w io.Writer, mode cipher.BlockMode, pad padding.Padding, t Tracker) io.WriteCloser {
	size := chunkSize
	if bs := mode.BlockSize(); bs > size {
		size = bs
	}
	return newWriter(w, mode, pad, t, size)
}

func newWriter(w io.Writer, mode cipher.BlockMode, pad padding.Padding, t Tracker, bufSize int) *writer {
	bs := mode.BlockSize()
	if bs > bufSize {
		panic("cipherio: buffer smaller than block size")
	}
	bufSize -= bufSize % bs
	return &writer{
		w:       w,
		mode:    mode,
		pad:     pad,
		t:       t,
		buf:     make([]byte, bufSize),
		partial: make([]byte, 0, bs),
	}
}

func (w *writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	bs := w.mode.BlockSize()
	total := len(p)
	// Top up the partial block first.
	if len(w.partial) > 0 {
		n := copy(w.partial[len(w.partial):bs], p)
		w.partial = w.partial[:len(w.partial)+n]
		p = p[n:]
		if len(w.partial) < bs {
			return total, nil
		}
		if err := w.flush(w.partial); err != nil {
			return 0, err
		}
		w.partial = w.partial[:0]
	}
	for len(p) >= bs {
		n := len(p) - len(p)%bs
		if n > len(w.buf) {
			n = len(w.buf)
		}
		if err := w.flush(p[:n]); err != nil {
			return total - len(p), err
		}
		p = p[n:]
	}
	w.partial = append(w.partial, p...)
	return total, nil
}

// flush encrypts whole blocks of plain into the write buffer and writes them.
func (w *writer) flush(plain []byte) error {
	out := w.buf[:len(plain)]
	w.mode.CryptBlocks(out, plain)
	if _, err := w.w.Write(out); err != nil {
		w.err = err
		return err
	}
	if w.t != nil {
		if err := w.t.Step(int64(len(plain) / w.mode.BlockSize())); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}

func (w *writer) Close() error {
	if w.err == errClosed {
		return nil
	} else if w.err != nil {
		return w.err
	}
	last := w.pad.Pad(w.partial, w.mode.BlockSize())
	w.mode.CryptBlocks(last, last)
	_, err := w.w.Write(last)
	w.err = errClosed
	return err
}

var errClosed = errors.New("cipherio: write on closed writer")
