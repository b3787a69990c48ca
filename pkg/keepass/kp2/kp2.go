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

// Package kp2 reads and writes the KeePass 2 database formats, KDBX 3.1
// and KDBX 4.
//
// A KDBX 3.1 file is a plaintext header followed by the encrypted
// payload: the stream start bytes and a sequence of SHA-256 hashed
// blocks holding the (optionally gzipped) XML document.
//
// A KDBX 4 file is a plaintext header, its SHA-256 hash and HMAC, and a
// sequence of HMAC-authenticated blocks holding the encrypted payload.
// The decrypted payload is an inner header with the attachment pool,
// followed by the XML document.
package kp2 // import "zombiezen.com/go/keepdb/pkg/keepass/kp2"

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/kdf"
	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/streamcipher"
)

// Load progress weights out of 100.
const (
	loadKDFUnits     = 60
	loadCipherUnits  = 20
	loadBlockUnits   = 5
	loadGunzipUnits  = 5
	loadContentUnits = 10
)

// Save progress weights out of 100.
const (
	saveKDFUnits     = 60
	saveContentUnits = 10
	saveCipherUnits  = 20
	saveBlockUnits   = 10
)

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Load decrypts and parses a KDBX 3.1 or KDBX 4 file.  compositeKey is
// not retained; the database keeps its own copy for saving.
//
// Errors are *keepass.DatabaseError or *progress.Interruption.
func Load(ctx context.Context, p *progress.Progress, data []byte, compositeKey *secure.Bytes, opts *keepass.Options) (db *keepass.Database, w *keepass.Warnings, err error) {
	defer keepass.Recover(keepass.LoadError, &err)
	p.SetTotal(loadKDFUnits + loadCipherUnits + loadBlockUnits + loadGunzipUnits + loadContentUnits)
	w = new(keepass.Warnings)
	db, err = load(ctx, p, data, compositeKey, opts, w)
	if err != nil {
		return nil, nil, loadBoundary(err)
	}
	p.Finish()
	return db, w, nil
}

func loadBoundary(err error) error {
	if progress.IsInterruption(err) {
		return err
	}
	var dberr *keepass.DatabaseError
	var fe *FormatError
	var ce *kdbcrypt.CryptoError
	switch {
	case errors.As(err, &dberr):
		return dberr
	case errors.As(err, &fe):
		return keepass.NewLoadError(fe.Error(), fe)
	case errors.As(err, &ce) && ce.Code == kdbcrypt.CodePadding:
		return keepass.NewInvalidKeyError(ce)
	case errors.As(err, &ce):
		return keepass.NewLoadError(ce.Error(), ce)
	}
	return keepass.Boundary(keepass.LoadError, err)
}

func load(ctx context.Context, p *progress.Progress, data []byte, compositeKey *secure.Bytes, opts *keepass.Options, w *keepass.Warnings) (*keepass.Database, error) {
	var h header
	n, err := h.read(data)
	if err != nil {
		return nil, err
	}
	body := data[n:]
	dc, err := kdbcrypt.Lookup(h.cipher)
	if err != nil {
		return nil, keepass.NewLoadError(fmt.Sprintf("unsupported cipher %v", h.cipher), err)
	}
	k, err := kdf.Lookup(h.kdf)
	if err != nil {
		return nil, err
	}
	tk, err := k.Transform(ctx, p.Child(1, loadKDFUnits), compositeKey, h.kdf)
	if err != nil {
		return nil, err
	}
	defer tk.Erase()
	mk := masterKey(h.masterSeed, tk)
	defer mk.Erase()

	var payload []byte
	if h.major() == 4 {
		payload, err = decryptV4(ctx, p, &h, dc, body, tk, mk)
	} else {
		payload, err = decryptV3(ctx, p, &h, dc, body, mk)
	}
	if err != nil {
		return nil, err
	}
	defer secure.Wipe(payload)
	if h.compressed {
		z, err := keepass.Gunzip(payload)
		if err != nil {
			return nil, &FormatError{Kind: CompressionError, Err: err}
		}
		defer secure.Wipe(z)
		payload = z
	}
	p.Child(1, loadGunzipUnits).Finish()

	streamID, streamKey := h.streamID, h.streamKey
	var pool []poolItem
	doc := payload
	if h.major() == 4 {
		ih, n, err := readInnerHeader(payload)
		if err != nil {
			return nil, err
		}
		streamID, streamKey, pool = ih.streamID, ih.streamKey, ih.binaries
		defer secure.Wipe(ih.streamKey)
		doc = payload[n:]
	}
	doc = bytes.TrimPrefix(doc, utf8BOM)

	sc, err := streamcipher.New(streamID, streamKey)
	if err != nil {
		return nil, &FormatError{Kind: CorruptedHeader, Detail: "inner stream", Err: err}
	}
	defer sc.Erase()
	revealed, err := xorProtected(ctx, doc, sc)
	if err != nil {
		return nil, err
	}
	defer secure.Wipe(revealed)

	db := keepass.NewEmpty(h.format(), opts)
	db.KP2.Cipher = h.cipher
	db.KP2.KDF = h.kdf
	db.KP2.Compressed = h.compressed
	db.KP2.PublicCustomData = h.publicCustomData
	if err := parseDocument(ctx, p.Child(1, loadContentUnits), db, revealed, pool, w); err != nil {
		db.Erase()
		return nil, err
	}
	if h.major() == 3 && len(db.KP2.Meta.HeaderHash) > 0 {
		if sum := sha256.Sum256(h.raw); !bytes.Equal(sum[:], db.KP2.Meta.HeaderHash) {
			db.Erase()
			return nil, &FormatError{Kind: HeaderHashMismatch}
		}
	}
	db.SetCompositeKey(compositeKey.Clone())
	return db, nil
}

func decryptV3(ctx context.Context, p *progress.Progress, h *header, dc kdbcrypt.DataCipher, body []byte, mk *secure.Bytes) ([]byte, error) {
	plain, err := dc.Decrypt(ctx, p.Child(1, loadCipherUnits), body, mk.Bytes(), h.iv)
	if err != nil {
		return nil, err
	}
	defer secure.Wipe(plain)
	if len(plain) < streamStartBytesSize || !bytes.Equal(plain[:streamStartBytesSize], h.streamStartBytes) {
		return nil, keepass.NewInvalidKeyError(nil)
	}
	payload, err := readHashedBlocks(plain[streamStartBytesSize:])
	if err != nil {
		return nil, err
	}
	p.Child(1, loadBlockUnits).Finish()
	return payload, nil
}

func decryptV4(ctx context.Context, p *progress.Progress, h *header, dc kdbcrypt.DataCipher, body []byte, tk, mk *secure.Bytes) ([]byte, error) {
	if len(body) < 64 {
		return nil, errPrematureEnd
	}
	if sum := sha256.Sum256(h.raw); !bytes.Equal(sum[:], body[:32]) {
		return nil, &FormatError{Kind: HeaderHashMismatch}
	}
	base := hmacKey(h.masterSeed, tk)
	defer base.Erase()
	if !hmac.Equal(body[32:64], headerHMAC(base, h.raw)) {
		return nil, keepass.NewInvalidKeyError(nil)
	}
	ciphertext, err := readHMACBlocks(body[64:], base)
	if err != nil {
		return nil, err
	}
	p.Child(1, loadBlockUnits).Finish()
	plain, err := dc.Decrypt(ctx, p.Child(1, loadCipherUnits), ciphertext, mk.Bytes(), h.iv)
	if err != nil {
		var ce *kdbcrypt.CryptoError
		if errors.As(err, &ce) && ce.Code == kdbcrypt.CodePadding {
			// The key has already been authenticated.
			return nil, keepass.NewLoadError("corrupted content", err)
		}
		return nil, err
	}
	return plain, nil
}

// masterKey combines the master seed with the transformed key.
func masterKey(masterSeed []byte, transformedKey *secure.Bytes) *secure.Bytes {
	seeded := secure.Concat(masterSeed, transformedKey.Bytes())
	defer seeded.Erase()
	return seeded.SHA256()
}

// Save encrypts db as a KDBX file of db's format with fresh seeds, IV
// and inner stream key.  Databases that use KDBX 4.1 features are
// written as version 4.1.
//
// Errors are *keepass.DatabaseError or *progress.Interruption.
func Save(ctx context.Context, p *progress.Progress, db *keepass.Database) (out []byte, err error) {
	defer keepass.Recover(keepass.SaveError, &err)
	p.SetTotal(saveKDFUnits + saveContentUnits + saveCipherUnits + saveBlockUnits)
	out, err = save(ctx, p, db)
	if err != nil {
		var ce *kdbcrypt.CryptoError
		var fe *FormatError
		switch {
		case progress.IsInterruption(err):
			return nil, err
		case errors.As(err, &ce):
			return nil, keepass.NewSaveError(ce.Error(), ce)
		case errors.As(err, &fe):
			return nil, keepass.NewSaveError(fe.Error(), fe)
		}
		return nil, keepass.Boundary(keepass.SaveError, err)
	}
	p.Finish()
	return out, nil
}

func save(ctx context.Context, p *progress.Progress, db *keepass.Database) ([]byte, error) {
	f := db.Format()
	if f.Generation() != 2 || db.KP2 == nil {
		return nil, keepass.NewSaveError(fmt.Sprintf("cannot write %v database as KDBX", f), nil)
	}
	if db.CompositeKey().IsEmpty() {
		return nil, keepass.NewSaveError("no composite key set", nil)
	}
	dc, err := kdbcrypt.Lookup(db.KP2.Cipher)
	if err != nil {
		return nil, keepass.NewSaveError(fmt.Sprintf("unsupported cipher %v", db.KP2.Cipher), err)
	}
	h := header{
		version:          version3,
		cipher:           db.KP2.Cipher,
		compressed:       db.KP2.Compressed,
		publicCustomData: db.KP2.PublicCustomData,
	}
	if f == keepass.FormatKDBX4 {
		h.version = version4
	}
	if db.KP2.KDF == nil {
		return nil, &kdbcrypt.CryptoError{Op: "save", Code: kdbcrypt.CodeKDFParams}
	}
	h.kdf = db.KP2.KDF.Clone()
	k, err := kdf.Lookup(h.kdf)
	if err != nil {
		return nil, err
	}
	if err := h.randomize(db.Rand(), dc, k); err != nil {
		return nil, &kdbcrypt.CryptoError{Op: "randomize seeds", Code: kdbcrypt.CodeRandom, Err: err}
	}
	defer secure.Wipe(h.streamKey)
	tk, err := k.Transform(ctx, p.Child(1, saveKDFUnits), db.CompositeKey(), h.kdf)
	if err != nil {
		return nil, err
	}
	defer tk.Erase()
	mk := masterKey(h.masterSeed, tk)
	defer mk.Erase()

	// Build the XML document.
	pool := newPoolBuilder(f == keepass.FormatKDBX3 && h.compressed)
	defer pool.erase()
	doc, needs41, err := buildDocument(ctx, p.Child(1, saveContentUnits), db, pool)
	if err != nil {
		return nil, err
	}
	if needs41 {
		h.version = version41
	}
	raw, err := h.write()
	if err != nil {
		return nil, err
	}
	var headerHash []byte
	if f == keepass.FormatKDBX3 {
		sum := sha256.Sum256(raw)
		headerHash = sum[:]
		doc.Meta.HeaderHash = base64.StdEncoding.EncodeToString(headerHash)
	}
	xmlData, err := marshalDocument(doc)
	if err != nil {
		return nil, &FormatError{Kind: ParsingError, Err: err}
	}
	defer secure.Wipe(xmlData)
	sc, err := streamcipher.New(h.streamID, h.streamKey)
	if err != nil {
		return nil, err
	}
	defer sc.Erase()
	hidden, err := xorProtected(ctx, xmlData, sc)
	if err != nil {
		return nil, err
	}

	// Assemble the payload.
	payload := new(bytes.Buffer)
	if f == keepass.FormatKDBX4 {
		ih := &innerHeader{streamID: h.streamID, streamKey: h.streamKey, binaries: pool.items}
		ih.write(payload)
	}
	payload.Write(hidden)
	plain := payload.Bytes()
	defer secure.Wipe(plain)
	if h.compressed {
		plain = keepass.Gzip(plain)
		defer secure.Wipe(plain)
	}

	out := bytes.NewBuffer(make([]byte, 0, len(raw)+len(plain)+1024))
	out.Write(raw)
	if f == keepass.FormatKDBX4 {
		ciphertext, err := dc.Encrypt(ctx, p.Child(1, saveCipherUnits), plain, mk.Bytes(), h.iv)
		if err != nil {
			return nil, err
		}
		base := hmacKey(h.masterSeed, tk)
		defer base.Erase()
		sum := sha256.Sum256(raw)
		out.Write(sum[:])
		out.Write(headerHMAC(base, raw))
		writeHMACBlocks(out, ciphertext, base)
	} else {
		blocks := new(bytes.Buffer)
		blocks.Write(h.streamStartBytes)
		writeHashedBlocks(blocks, plain)
		defer secure.Wipe(blocks.Bytes())
		ciphertext, err := dc.Encrypt(ctx, p.Child(1, saveCipherUnits), blocks.Bytes(), mk.Bytes(), h.iv)
		if err != nil {
			return nil, err
		}
		out.Write(ciphertext)
	}
	p.Child(1, saveBlockUnits).Finish()

	db.KP2.KDF = h.kdf
	db.KP2.Meta.HeaderHash = headerHash
	return out.Bytes(), nil
}
