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
	"testing"
	"time"

	"zombiezen.com/go/keepdb/pkg/fakerand"
	"zombiezen.com/go/keepdb/pkg/kdf"
)

var testNow = time.Date(2016, time.March, 4, 5, 6, 7, 0, time.UTC)

// sanitizeOptions returns options with defaults suitable for testing.
func sanitizeOptions() *Options {
	return &Options{
		Rand: fakerand.New(),
		Now:  func() time.Time { return testNow },
	}
}

func newTestDatabase(t *testing.T, f Format) *Database {
	t.Helper()
	db, err := New(f, sanitizeOptions())
	if err != nil {
		t.Fatal("New:", err)
	}
	return db
}

func addGroup(t *testing.T, db *Database, parent *Group, name string) *Group {
	t.Helper()
	g, err := db.NewGroup()
	if err != nil {
		t.Fatal("NewGroup:", err)
	}
	g.Name = name
	if err := db.AddGroup(parent, g); err != nil {
		t.Fatalf("AddGroup(%q): %v", name, err)
	}
	return g
}

func addEntry(t *testing.T, db *Database, parent *Group, title string) *Entry {
	t.Helper()
	e, err := db.NewEntry()
	if err != nil {
		t.Fatal("NewEntry:", err)
	}
	e.SetTitle(title)
	if err := db.AddEntry(parent, e); err != nil {
		t.Fatalf("AddEntry(%q): %v", title, err)
	}
	return e
}

func TestNew(t *testing.T) {
	for _, f := range []Format{FormatKDB, FormatKDBX3, FormatKDBX4} {
		db := newTestDatabase(t, f)
		if n := db.Root().NGroups(); n > 0 {
			t.Errorf("%v: db.Root().NGroups() = %d; want 0", f, n)
		}
		if n := db.Root().NEntries(); n > 0 {
			t.Errorf("%v: db.Root().NEntries() = %d; want 0", f, n)
		}
		if !db.Root().IsRoot() {
			t.Errorf("%v: db.Root().IsRoot() = false", f)
		}
		if (db.KP1 != nil) != (f == FormatKDB) || (db.KP2 != nil) != (f != FormatKDB) {
			t.Errorf("%v: KP1 = %v, KP2 = %v", f, db.KP1, db.KP2)
		}
	}

	db3 := newTestDatabase(t, FormatKDBX3)
	if k, err := kdf.Lookup(db3.KP2.KDF); err != nil || k != kdf.AES3 {
		t.Errorf("KDBX 3.1 default KDF = %v, %v; want AES-KDF", k, err)
	}
	db4 := newTestDatabase(t, FormatKDBX4)
	if k, err := kdf.Lookup(db4.KP2.KDF); err != nil || k != kdf.Argon2d {
		t.Errorf("KDBX 4 default KDF = %v, %v; want Argon2d", k, err)
	}
	m := db4.KP2.Meta
	if m.HistoryMaxItems != 10 || m.HistoryMaxSize != 6*1024*1024 || !m.RecycleBinEnabled || !m.MemoryProtection.Password {
		t.Errorf("Meta defaults = %+v", m)
	}
}

func TestNewEntry_DifferentIDs(t *testing.T) {
	db := newTestDatabase(t, FormatKDBX4)
	e1 := addEntry(t, db, db.Root(), "one")
	e2 := addEntry(t, db, db.Root(), "two")
	if e1.UUID == e2.UUID {
		t.Errorf("NewEntry().UUID == NewEntry().UUID (%v); want different", e1.UUID)
	}
	if e1.ID() == e2.ID() {
		t.Errorf("NewEntry().ID() == NewEntry().ID() (%d); want different", e1.ID())
	}
	if !e1.Field(PasswordField).Protected {
		t.Error("new entry password is not protected")
	}
}

func TestNewGroup_KDBIDs(t *testing.T) {
	db := newTestDatabase(t, FormatKDB)
	g1 := addGroup(t, db, db.Root(), "one")
	g2 := addGroup(t, db, db.Root(), "two")
	if g1.KP1.ID == g2.KP1.ID {
		t.Errorf("KDB group IDs both %d; want different", g1.KP1.ID)
	}
	g1.KP1.ID = 0xffffffff
	g3 := addGroup(t, db, db.Root(), "three")
	if g3.KP1.ID == 0 || g3.KP1.ID == g2.KP1.ID || g3.KP1.ID == g1.KP1.ID {
		t.Errorf("after wraparound, new ID = %d; taken IDs are %d and %d", g3.KP1.ID, g1.KP1.ID, g2.KP1.ID)
	}
}

func TestMoveEntry(t *testing.T) {
	const (
		rootGroup = iota + 1
		groupA
		groupB
	)
	tests := []struct {
		name string
		src  int
		dst  int
	}{
		{name: "move A to B", src: groupA, dst: groupB},
		{name: "move B to A", src: groupB, dst: groupA},
		{name: "move A to root", src: groupA, dst: rootGroup},
		{name: "move A to A", src: groupA, dst: groupA},
	}
	for _, test := range tests {
		db := newTestDatabase(t, FormatKDBX4)
		groups := [...]*Group{
			rootGroup: db.Root(),
			groupA:    addGroup(t, db, db.Root(), "Group A"),
			groupB:    addGroup(t, db, db.Root(), "Group B"),
		}
		ent := addEntry(t, db, groups[test.src], "entry")
		if err := db.MoveEntry(ent, groups[test.dst]); err != nil {
			t.Errorf("%s: MoveEntry returned error: %v", test.name, err)
			continue
		}
		if test.src != test.dst && hasEntry(groups[test.src], ent) {
			t.Errorf("%s: entry is present in original parent", test.name)
		}
		if !hasEntry(groups[test.dst], ent) {
			t.Errorf("%s: entry is missing from new parent", test.name)
		}
		if n := groups[test.dst].NEntries(); n != 1 {
			t.Errorf("%s: new parent has %d entries; want 1", test.name, n)
		}
		if p := ent.Parent(); p != groups[test.dst] {
			t.Errorf("%s: entry parent = %q; want %q", test.name, p.Name, groups[test.dst].Name)
		}
	}
}

func hasEntry(g *Group, e *Entry) bool {
	for _, ee := range g.Entries() {
		if ee == e {
			return true
		}
	}
	return false
}

func TestMoveGroup(t *testing.T) {
	const (
		rootGroup = iota + 1
		groupA
		groupAA
		groupAAA
		groupB
	)
	srcs := [...]int{
		groupA:   rootGroup,
		groupAA:  groupA,
		groupAAA: groupAA,
		groupB:   rootGroup,
	}

	tests := []struct {
		name string
		grp  int
		dst  int
		err  error
	}{
		{name: "move A under B", grp: groupA, dst: groupB},
		{name: "move root under root", grp: rootGroup, dst: rootGroup, err: ErrRoot},
		{name: "move root under A", grp: rootGroup, dst: groupA, err: ErrRoot},
		{name: "move A under root", grp: groupA, dst: rootGroup},
		{name: "move A under A", grp: groupA, dst: groupA, err: ErrCycle},
		{name: "move A under AA", grp: groupA, dst: groupAA, err: ErrCycle},
		{name: "move A under AAA", grp: groupA, dst: groupAAA, err: ErrCycle},
		{name: "move AA under root", grp: groupAA, dst: rootGroup},
	}
	for _, test := range tests {
		db := newTestDatabase(t, FormatKDBX4)
		a := addGroup(t, db, db.Root(), "Group A")
		aa := addGroup(t, db, a, "Group AA")
		aaa := addGroup(t, db, aa, "Group AAA")
		b := addGroup(t, db, db.Root(), "Group B")
		groups := [...]*Group{
			rootGroup: db.Root(),
			groupA:    a,
			groupAA:   aa,
			groupAAA:  aaa,
			groupB:    b,
		}

		g, src := groups[test.grp], srcs[test.grp]
		err := db.MoveGroup(g, groups[test.dst])
		if err != test.err {
			t.Errorf("%s: MoveGroup = %v; want %v", test.name, err, test.err)
		}
		want := groups[test.dst]
		if err != nil {
			if src == 0 {
				if p := g.Parent(); p != nil {
					t.Errorf("%s: root has parent %q", test.name, p.Name)
				}
				continue
			}
			want = groups[src]
		}
		if p := g.Parent(); p != want {
			t.Errorf("%s: group parent = %v; want %q", test.name, p, want.Name)
		}
		if !hasSubgroup(want, g) {
			t.Errorf("%s: group is missing from parent %q", test.name, want.Name)
		}
		if err == nil && src != test.dst && hasSubgroup(groups[src], g) {
			t.Errorf("%s: group is still present in original parent", test.name)
		}
	}
}

func hasSubgroup(g, sub *Group) bool {
	for _, gg := range g.Groups() {
		if gg == sub {
			return true
		}
	}
	return false
}

func TestAddErrors(t *testing.T) {
	db := newTestDatabase(t, FormatKDBX4)
	other := newTestDatabase(t, FormatKDBX4)
	a := addGroup(t, db, db.Root(), "A")
	if err := db.AddGroup(db.Root(), a); err != ErrHasParent {
		t.Errorf("AddGroup of attached group = %v; want ErrHasParent", err)
	}
	if err := db.AddGroup(other.Root(), a); err != ErrNotInDatabase {
		t.Errorf("AddGroup to foreign parent = %v; want ErrNotInDatabase", err)
	}
	e := addEntry(t, db, a, "e")
	if err := other.AddEntry(other.Root(), e); err != ErrNotInDatabase {
		t.Errorf("AddEntry of foreign entry = %v; want ErrNotInDatabase", err)
	}
	if err := db.RemoveGroup(db.Root()); err != ErrRoot {
		t.Errorf("RemoveGroup(root) = %v; want ErrRoot", err)
	}
}

func TestDeleteEntry(t *testing.T) {
	for _, f := range []Format{FormatKDB, FormatKDBX4} {
		db := newTestDatabase(t, f)
		g := addGroup(t, db, db.Root(), "General")
		e := addEntry(t, db, g, "doomed")
		id := e.UUID

		if err := db.DeleteEntry(e); err != nil {
			t.Fatalf("%v: DeleteEntry #1: %v", f, err)
		}
		bg, err := db.BackupGroup(false)
		if err != nil || bg == nil {
			t.Fatalf("%v: BackupGroup(false) = %v, %v", f, bg, err)
		}
		if e.Parent() != bg || !e.Deleted || e.UUID != id {
			t.Errorf("%v: after first delete, parent = %v, deleted = %t, UUID = %v", f, e.Parent(), e.Deleted, e.UUID)
		}
		wantIcon, wantName := IconBackup, BackupGroupName
		if f != FormatKDB {
			wantIcon, wantName = IconRecycleBin, RecycleBinName
			if db.KP2.Meta.RecycleBinUUID != bg.UUID {
				t.Errorf("%v: RecycleBinUUID = %v; want %v", f, db.KP2.Meta.RecycleBinUUID, bg.UUID)
			}
		}
		if bg.Icon != wantIcon || bg.Name != wantName || !bg.Deleted {
			t.Errorf("%v: backup group = {%q, icon %d, deleted %t}", f, bg.Name, bg.Icon, bg.Deleted)
		}

		if err := db.DeleteEntry(e); err != nil {
			t.Fatalf("%v: DeleteEntry #2: %v", f, err)
		}
		if db.FindEntry(id) != nil {
			t.Errorf("%v: entry still in tree after second delete", f)
		}
		if db.Entry(e.ID()) != nil {
			t.Errorf("%v: entry still in arena after second delete", f)
		}
		if f != FormatKDB {
			objs := db.KP2.DeletedObjects
			if len(objs) != 1 || objs[0].UUID != id || !objs[0].DeletionTime.Equal(testNow) {
				t.Errorf("%v: DeletedObjects = %+v; want one for %v", f, objs, id)
			}
		}
	}
}

func TestDeleteGroupKDB(t *testing.T) {
	db := newTestDatabase(t, FormatKDB)
	a := addGroup(t, db, db.Root(), "A")
	aa := addGroup(t, db, a, "AA")
	e1 := addEntry(t, db, a, "one")
	e2 := addEntry(t, db, aa, "two")
	if err := db.DeleteGroup(a); err != nil {
		t.Fatal("DeleteGroup:", err)
	}
	bg, _ := db.BackupGroup(false)
	if bg == nil {
		t.Fatal("no backup group after DeleteGroup")
	}
	if n := bg.NGroups(); n != 0 {
		t.Errorf("backup group has %d subgroups; want 0", n)
	}
	for _, e := range []*Entry{e1, e2} {
		if e.Parent() != bg || !e.Deleted {
			t.Errorf("entry %q: parent = %v, deleted = %t; want in backup", e.Title(), e.Parent(), e.Deleted)
		}
	}
	if db.Group(a.ID()) != nil || db.Group(aa.ID()) != nil {
		t.Error("deleted groups are still in the arena")
	}
	if got := db.Root().Groups(); len(got) != 1 || got[0] != bg {
		t.Errorf("root groups = %v; want only the backup group", got)
	}
}

func TestDeleteGroupKDBX(t *testing.T) {
	db := newTestDatabase(t, FormatKDBX4)
	a := addGroup(t, db, db.Root(), "A")
	aa := addGroup(t, db, a, "AA")
	e := addEntry(t, db, aa, "two")
	if err := db.DeleteGroup(a); err != nil {
		t.Fatal("DeleteGroup:", err)
	}
	bg, _ := db.BackupGroup(false)
	if bg == nil || a.Parent() != bg {
		t.Fatalf("deleted group parent = %v; want recycle bin %v", a.Parent(), bg)
	}
	if !a.Deleted || !aa.Deleted || !e.Deleted {
		t.Errorf("deleted flags = %t, %t, %t; want all true", a.Deleted, aa.Deleted, e.Deleted)
	}
	if aa.Parent() != a || e.Parent() != aa {
		t.Error("subtree structure changed when moved to the recycle bin")
	}

	if err := db.DeleteGroup(a); err != nil {
		t.Fatal("DeleteGroup from recycle bin:", err)
	}
	if n := len(db.KP2.DeletedObjects); n != 3 {
		t.Errorf("len(DeletedObjects) = %d; want 3", n)
	}
	if db.FindEntry(e.UUID) != nil {
		t.Error("entry still present after permanent delete")
	}
}

func TestDeleteGroupHoldingRecycleBin(t *testing.T) {
	db := newTestDatabase(t, FormatKDBX4)
	a := addGroup(t, db, db.Root(), "A")
	e := addEntry(t, db, a, "one")
	bin, err := db.BackupGroup(true)
	if err != nil {
		t.Fatal("BackupGroup:", err)
	}
	if err := db.MoveGroup(bin, a); err != nil {
		t.Fatal("MoveGroup(bin, A):", err)
	}
	if err := db.DeleteGroup(a); err != nil {
		t.Fatal("DeleteGroup:", err)
	}
	if db.FindGroup(a.UUID) != nil || db.FindGroup(bin.UUID) != nil || db.FindEntry(e.UUID) != nil {
		t.Error("group holding the recycle bin was not removed permanently")
	}
	if n := len(db.KP2.DeletedObjects); n != 3 {
		t.Errorf("len(DeletedObjects) = %d; want 3", n)
	}

	// A fresh recycle bin is made for the next deletion.
	b := addGroup(t, db, db.Root(), "B")
	if err := db.DeleteGroup(b); err != nil {
		t.Fatal("DeleteGroup(B):", err)
	}
	newBin, _ := db.BackupGroup(false)
	if newBin == nil || newBin == bin || b.Parent() != newBin {
		t.Errorf("B parent = %v; want a new recycle bin", b.Parent())
	}
}

func TestDeleteRecycleBinDisabled(t *testing.T) {
	db := newTestDatabase(t, FormatKDBX3)
	db.KP2.Meta.RecycleBinEnabled = false
	g := addGroup(t, db, db.Root(), "A")
	e := addEntry(t, db, g, "gone")
	if err := db.DeleteEntry(e); err != nil {
		t.Fatal("DeleteEntry:", err)
	}
	if bg, _ := db.BackupGroup(false); bg != nil {
		t.Errorf("BackupGroup = %q; want none", bg.Name)
	}
	if db.FindEntry(e.UUID) != nil {
		t.Error("entry still present")
	}
	if n := len(db.KP2.DeletedObjects); n != 1 {
		t.Errorf("len(DeletedObjects) = %d; want 1", n)
	}
}

func TestBackupEntryKDB(t *testing.T) {
	db := newTestDatabase(t, FormatKDB)
	g := addGroup(t, db, db.Root(), "A")
	e := addEntry(t, db, g, "original")
	for i := 0; i < 2; i++ {
		if err := db.BackupEntry(e); err != nil {
			t.Fatalf("BackupEntry #%d: %v", i+1, err)
		}
	}
	bg, _ := db.BackupGroup(false)
	if bg == nil {
		t.Fatal("no backup group")
	}
	backups := bg.Entries()
	if len(backups) != 2 {
		t.Fatalf("len(backups) = %d; want 2", len(backups))
	}
	if backups[0].UUID == e.UUID || backups[1].UUID == e.UUID || backups[0].UUID == backups[1].UUID {
		t.Error("backups share UUIDs with each other or the original")
	}
	if !backups[0].Deleted || backups[0].Title() != "original" {
		t.Errorf("backup = {%q, deleted %t}", backups[0].Title(), backups[0].Deleted)
	}
	if e.Parent() != g || e.Deleted {
		t.Error("original entry moved or flagged")
	}
}

func TestBackupEntryHistory(t *testing.T) {
	db := newTestDatabase(t, FormatKDBX4)
	db.KP2.Meta.HistoryMaxItems = 2
	e := addEntry(t, db, db.Root(), "v0")
	for i := 1; i <= 3; i++ {
		e.Times.LastModification = testNow.Add(time.Duration(i) * time.Hour)
		if err := db.BackupEntry(e); err != nil {
			t.Fatal("BackupEntry:", err)
		}
		e.SetTitle("v" + string(rune('0'+i)))
	}
	hist := e.KP2.History
	if len(hist) != 2 {
		t.Fatalf("len(History) = %d; want 2", len(hist))
	}
	if hist[0].Title() != "v1" || hist[1].Title() != "v2" {
		t.Errorf("History titles = %q, %q; want v1, v2", hist[0].Title(), hist[1].Title())
	}
	for _, h := range hist {
		if len(h.KP2.History) != 0 {
			t.Error("history item has its own history")
		}
		if h.UUID != e.UUID {
			t.Errorf("history UUID = %v; want %v", h.UUID, e.UUID)
		}
	}
}

func TestKDBEntryLimits(t *testing.T) {
	db := newTestDatabase(t, FormatKDB)
	e := addEntry(t, db, addGroup(t, db, db.Root(), "A"), "e")
	if err := e.SetField("Custom", "x"); err != ErrCustomFields {
		t.Errorf("SetField(custom) = %v; want ErrCustomFields", err)
	}
	if err := e.AddAttachment(NewAttachment("a", []byte("1"))); err != nil {
		t.Errorf("first AddAttachment: %v", err)
	}
	if err := e.AddAttachment(NewAttachment("b", []byte("2"))); err != ErrSingleAttachment {
		t.Errorf("second AddAttachment = %v; want ErrSingleAttachment", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	db := newTestDatabase(t, FormatKDBX4)
	g := addGroup(t, db, db.Root(), "A")
	e := addEntry(t, db, g, "before")
	e.SetPassword("secret")

	es := SnapshotEntry(e)
	gs := SnapshotGroup(g)
	e.SetTitle("after")
	e.SetField("Extra", "x")
	g.Name = "renamed"
	es.Restore(e)
	gs.Restore(g)

	if e.Title() != "before" || e.Password() != "secret" || e.Field("Extra") != nil {
		t.Errorf("restored entry = {%q, %q, extra %v}", e.Title(), e.Password(), e.Field("Extra"))
	}
	if e.Parent() != g || db.Entry(e.ID()) != e {
		t.Error("restore changed tree position")
	}
	if g.Name != "A" || g.NEntries() != 1 {
		t.Errorf("restored group = {%q, %d entries}", g.Name, g.NEntries())
	}
}
