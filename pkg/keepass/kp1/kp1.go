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

// Package kp1 reads and writes the KeePass 1 database format (KDB).
package kp1 // import "zombiezen.com/go/keepdb/pkg/keepass/kp1"

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/kdf"
	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
)

// Progress weights out of 100.
const (
	keyDerivationUnits = 60
	cipherUnits        = 30
	contentUnits       = 10
)

// Load decrypts and parses a KDB file.  compositeKey is not retained;
// the database keeps its own copy for saving.
//
// Errors are *keepass.DatabaseError or *progress.Interruption.
func Load(ctx context.Context, p *progress.Progress, data []byte, compositeKey *secure.Bytes, opts *keepass.Options) (db *keepass.Database, w *keepass.Warnings, err error) {
	defer keepass.Recover(keepass.LoadError, &err)
	p.SetTotal(keyDerivationUnits + cipherUnits + contentUnits)
	w = new(keepass.Warnings)
	db, err = load(ctx, p, data, compositeKey, opts, w)
	if err != nil {
		return nil, nil, loadBoundary(err)
	}
	p.Finish()
	return db, w, nil
}

func loadBoundary(err error) error {
	var fe *FormatError
	var ce *kdbcrypt.CryptoError
	switch {
	case errors.As(err, &fe):
		return keepass.NewLoadError(fe.Error(), fe)
	case errors.As(err, &ce) && ce.Code == kdbcrypt.CodePadding:
		// A wrong key almost never produces valid padding.
		return keepass.NewInvalidKeyError(ce)
	case errors.As(err, &ce):
		return keepass.NewLoadError(ce.Error(), ce)
	}
	return keepass.Boundary(keepass.LoadError, err)
}

func load(ctx context.Context, p *progress.Progress, data []byte, compositeKey *secure.Bytes, opts *keepass.Options, w *keepass.Warnings) (*keepass.Database, error) {
	var h header
	if err := h.read(data); err != nil {
		return nil, err
	}
	cipherID, err := h.cipher()
	if err != nil {
		return nil, err
	}
	dc, err := kdbcrypt.Lookup(cipherID)
	if err != nil {
		return nil, err
	}
	mk, err := masterKey(ctx, p.Child(1, keyDerivationUnits), &h, compositeKey)
	if err != nil {
		return nil, err
	}
	defer mk.Erase()

	plain, err := dc.Decrypt(ctx, p.Child(1, cipherUnits), data[HeaderSize:], mk.Bytes(), h.iv[:])
	if err != nil {
		return nil, err
	}
	defer secure.Wipe(plain)
	if sum := sha256.Sum256(plain); sum != h.contentHash {
		return nil, keepass.NewInvalidKeyError(nil)
	}

	db := keepass.NewEmpty(keepass.FormatKDB, opts)
	db.KP1.Cipher = cipherID
	db.KP1.Rounds = h.transformRounds
	if err := parse(ctx, p.Child(int64(h.numGroups)+int64(h.numEntries), contentUnits), db, &h, plain, w); err != nil {
		db.Erase()
		return nil, err
	}
	db.SetCompositeKey(compositeKey.Clone())
	return db, nil
}

// masterKey derives the cipher key from the composite key and the
// header's seeds.
func masterKey(ctx context.Context, p *progress.Progress, h *header, compositeKey *secure.Bytes) (*secure.Bytes, error) {
	tk, err := kdf.TransformAES(ctx, p, compositeKey, h.transformSeed[:], uint64(h.transformRounds))
	if err != nil {
		return nil, err
	}
	defer tk.Erase()
	seeded := secure.Concat(h.masterSeed[:], tk.Bytes())
	defer seeded.Erase()
	return seeded.SHA256(), nil
}

// recordBatch is the number of records parsed between cancellation checks.
const recordBatch = 64

func parse(ctx context.Context, p *progress.Progress, db *keepass.Database, h *header, plain []byte, w *keepass.Warnings) error {
	m := progress.NewMeter(ctx, p, recordBatch)
	fr := &fieldReader{data: plain}

	var groups []*keepass.Group
	var levels []uint16
	byID := make(map[uint32]*keepass.Group)
	for i := uint32(0); i < h.numGroups; i++ {
		g, level, err := readGroup(fr)
		if err != nil {
			return err
		}
		groups = append(groups, g)
		levels = append(levels, level)
		byID[g.KP1.ID] = g
		if err := m.Step(1); err != nil {
			return err
		}
	}
	type groupedEntry struct {
		e   *keepass.Entry
		gid uint32
	}
	var entries []groupedEntry
	for i := uint32(0); i < h.numEntries; i++ {
		e, gid, err := readEntry(fr)
		if err != nil {
			return err
		}
		entries = append(entries, groupedEntry{e, gid})
		if err := m.Step(1); err != nil {
			return err
		}
	}
	m.Flush()
	if n := fr.remaining(); n > 0 {
		w.Add("%d bytes of unknown data after the last entry", n)
	}

	root := &keepass.Group{Name: keepass.DefaultRootName, Icon: keepass.IconFolder}
	if err := db.SetRoot(root); err != nil {
		return err
	}
	for i, g := range groups {
		parent := findGroupParent(root, groups, levels, i)
		if parent == nil {
			return &FormatError{Kind: InconsistentGroups}
		}
		if err := db.AddGroup(parent, g); err != nil {
			return err
		}
		if parent.Deleted || (parent == root && g.Name == keepass.BackupGroupName) {
			g.Deleted = true
		}
	}
	for _, ge := range entries {
		if isMetaStream(ge.e) {
			db.KP1.MetaStreams = append(db.KP1.MetaStreams, ge.e)
			continue
		}
		g := byID[ge.gid]
		if g == nil {
			return &FormatError{Kind: OrphanedEntry}
		}
		if err := db.AddEntry(g, ge.e); err != nil {
			return err
		}
		ge.e.Deleted = g.Deleted
	}
	return nil
}

// findGroupParent returns the parent of groups[i] from the preceding
// groups' levels.
func findGroupParent(root *keepass.Group, groups []*keepass.Group, levels []uint16, i int) *keepass.Group {
	level := levels[i]
	if level == 0 {
		return root
	}
	for j := i - 1; j >= 0; j-- {
		if delta := int(levels[j]) - int(level); delta == -1 {
			return groups[j]
		} else if delta < -1 {
			return nil
		}
	}
	return nil
}

// Meta-stream markers.
const (
	metaStreamTitle      = "Meta-Info"
	metaStreamUserName   = "SYSTEM"
	metaStreamURL        = "$"
	metaStreamAttachment = "bin-stream"
)

func isMetaStream(e *keepass.Entry) bool {
	if len(e.Attachments) != 1 || e.Notes() == "" {
		return false
	}
	return e.Icon == keepass.IconKey &&
		e.Attachments[0].Name == metaStreamAttachment &&
		e.UserName() == metaStreamUserName &&
		e.URL() == metaStreamURL &&
		e.Title() == metaStreamTitle
}

// Save encrypts db as a KDB file with fresh seeds and IV.
//
// Errors are *keepass.DatabaseError or *progress.Interruption.
func Save(ctx context.Context, p *progress.Progress, db *keepass.Database) (out []byte, err error) {
	defer keepass.Recover(keepass.SaveError, &err)
	p.SetTotal(keyDerivationUnits + cipherUnits + contentUnits)
	out, err = save(ctx, p, db)
	if err != nil {
		var ce *kdbcrypt.CryptoError
		if errors.As(err, &ce) {
			return nil, keepass.NewSaveError(ce.Error(), ce)
		}
		return nil, keepass.Boundary(keepass.SaveError, err)
	}
	p.Finish()
	return out, nil
}

func save(ctx context.Context, p *progress.Progress, db *keepass.Database) ([]byte, error) {
	if db.Format() != keepass.FormatKDB || db.KP1 == nil {
		return nil, keepass.NewSaveError(fmt.Sprintf("cannot write %v database as KDB", db.Format()), nil)
	}
	if db.CompositeKey().IsEmpty() {
		return nil, keepass.NewSaveError("no composite key set", nil)
	}
	flag, ok := cipherFlag(db.KP1.Cipher)
	if !ok {
		return nil, keepass.NewSaveError(fmt.Sprintf("cipher %v not supported by KDB", db.KP1.Cipher), nil)
	}
	dc, err := kdbcrypt.Lookup(db.KP1.Cipher)
	if err != nil {
		return nil, err
	}

	plain, ngroups, nentries, err := writePlaintext(ctx, p.Child(int64(db.Count(true, true)+len(db.KP1.MetaStreams)), contentUnits), db)
	if err != nil {
		return nil, err
	}
	defer secure.Wipe(plain)

	h := header{
		flags:           sha2Flag | flag,
		numGroups:       uint32(ngroups),
		numEntries:      uint32(nentries),
		contentHash:     sha256.Sum256(plain),
		transformRounds: db.KP1.Rounds,
	}
	if err := h.randomize(db.Rand()); err != nil {
		return nil, &kdbcrypt.CryptoError{Op: "randomize seeds", Code: kdbcrypt.CodeRandom, Err: err}
	}
	mk, err := masterKey(ctx, p.Child(1, keyDerivationUnits), &h, db.CompositeKey())
	if err != nil {
		return nil, err
	}
	defer mk.Erase()
	crypt, err := dc.Encrypt(ctx, p.Child(1, cipherUnits), plain, mk.Bytes(), h.iv[:])
	if err != nil {
		return nil, err
	}

	out := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(crypt)))
	if err := h.write(out); err != nil {
		return nil, err
	}
	out.Write(crypt)
	return out.Bytes(), nil
}

// writePlaintext serializes the groups in depth-first order followed by
// the entries and the meta-streams.
func writePlaintext(ctx context.Context, p *progress.Progress, db *keepass.Database) (plain []byte, ngroups, nentries int, err error) {
	type frame struct {
		group *keepass.Group
		level int
	}
	type groupedEntry struct {
		e   *keepass.Entry
		gid uint32
	}

	root := db.Root()
	if root.NEntries() > 0 {
		return nil, 0, 0, keepass.NewSaveError("KDB entries must be inside a group", nil)
	}
	m := progress.NewMeter(ctx, p, recordBatch)
	w := writer{buf: new(bytes.Buffer)}
	top := root.Groups()
	stk := make([]frame, 0, 128)
	for i := len(top) - 1; i >= 0; i-- {
		stk = append(stk, frame{group: top[i], level: 0})
	}
	var entries []groupedEntry
	for len(stk) > 0 {
		f := stk[len(stk)-1]
		stk = stk[:len(stk)-1]
		if f.group.KP1 == nil {
			return nil, 0, 0, keepass.NewSaveError(fmt.Sprintf("group %q has no KDB group ID", f.group.Name), nil)
		}
		writeGroup(w, f.group, f.level)
		ngroups++
		for _, e := range f.group.Entries() {
			entries = append(entries, groupedEntry{e, f.group.KP1.ID})
		}
		sub := f.group.Groups()
		for i := len(sub) - 1; i >= 0; i-- {
			stk = append(stk, frame{group: sub[i], level: f.level + 1})
		}
		if err := m.Step(1); err != nil {
			return nil, 0, 0, err
		}
	}
	for _, ge := range entries {
		if err := writeEntry(w, ge.e, ge.gid); err != nil {
			return nil, 0, 0, err
		}
		if err := m.Step(1); err != nil {
			return nil, 0, 0, err
		}
	}
	var metaID uint32
	if len(top) > 0 && top[0].KP1 != nil {
		metaID = top[0].KP1.ID
	}
	for _, ms := range db.KP1.MetaStreams {
		if err := writeEntry(w, ms, metaID); err != nil {
			return nil, 0, 0, err
		}
	}
	m.Flush()
	return w.buf.Bytes(), ngroups, len(entries) + len(db.KP1.MetaStreams), nil
}
