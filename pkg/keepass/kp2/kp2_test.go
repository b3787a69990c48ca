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
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/keepdb/pkg/fakerand"
	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/kdf"
	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/keys"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/uuids"
	"zombiezen.com/go/keepdb/pkg/vardict"
)

var testNow = time.Date(2016, time.March, 4, 5, 6, 7, 0, time.UTC)

// fastKDF returns KDF parameters that take almost no time to compute.
func fastKDF(f keepass.Format) *vardict.Dict {
	if f == keepass.FormatKDBX4 {
		d := kdf.Argon2d.DefaultParams()
		d.SetUInt64(kdf.MemoryParam, 64<<10)
		d.SetUInt64(kdf.IterationsParam, 1)
		d.SetUInt32(kdf.ParallelismParam, 1)
		return d
	}
	d := kdf.AES3.DefaultParams()
	d.SetUInt64(kdf.RoundsParam, 100)
	return d
}

func testOptions(f keepass.Format) *keepass.Options {
	return &keepass.Options{
		Rand: fakerand.New(),
		Now:  func() time.Time { return testNow },
		KDF:  fastKDF(f),
	}
}

func mustKey(t *testing.T, password string) *secure.Bytes {
	t.Helper()
	k, err := keys.V2.CompositeKey(password, nil)
	if err != nil {
		t.Fatal("CompositeKey:", err)
	}
	return k
}

// newTestDB builds:
//
//	Internet
//	  Email
//	    "Mail" entry (protected custom field, one history item)
//	  "Forum" entry (attachment, tags, auto-type)
//	Banking
//	  "Bank" entry (same attachment as Forum)
func newTestDB(t *testing.T, f keepass.Format, opts *keepass.Options) *keepass.Database {
	t.Helper()
	db, err := keepass.New(f, opts)
	if err != nil {
		t.Fatal("keepass.New:", err)
	}
	db.SetCompositeKey(mustKey(t, "swordfish"))
	db.KP2.Meta.DatabaseName = "Test Database"
	db.KP2.Meta.DefaultUserName = "alice"
	internet := mustGroup(t, db, db.Root(), "Internet")
	email := mustGroup(t, db, internet, "Email")
	banking := mustGroup(t, db, db.Root(), "Banking")
	internet.KP2.IsExpanded = true
	no := false
	banking.KP2.EnableSearching = &no

	mail := mustEntry(t, db, email, "Mail")
	mail.SetUserName("alice")
	mail.SetPassword("hunter2")
	if err := db.BackupEntry(mail); err != nil {
		t.Fatal("BackupEntry:", err)
	}
	mail.SetPassword("correct horse battery staple")
	mail.SetURL("https://mail.example.com")
	if err := mail.SetProtectedField("PIN", "1234", true); err != nil {
		t.Fatal("SetProtectedField:", err)
	}

	forum := mustEntry(t, db, internet, "Forum")
	forum.SetNotes("line one\nline two\n\tindented & <escaped>")
	forum.Times.Expires = true
	forum.Times.Expiry = time.Date(2030, time.January, 2, 3, 4, 5, 0, time.UTC)
	forum.KP2.Tags = "social;web"
	forum.KP2.AutoType.Associations = []keepass.AutoTypeAssociation{
		{Window: "Forum - *", Sequence: "{USERNAME}{TAB}{PASSWORD}{ENTER}"},
	}
	if err := forum.AddAttachment(keepass.NewAttachment("hello.txt", []byte("Hello, World!\n"))); err != nil {
		t.Fatal("AddAttachment:", err)
	}

	bank := mustEntry(t, db, banking, "Bank")
	bank.SetPassword("s3cr3t")
	if err := bank.AddAttachment(keepass.NewAttachment("copy.txt", []byte("Hello, World!\n"))); err != nil {
		t.Fatal("AddAttachment:", err)
	}
	return db
}

func mustGroup(t *testing.T, db *keepass.Database, parent *keepass.Group, name string) *keepass.Group {
	t.Helper()
	g, err := db.NewGroup()
	if err != nil {
		t.Fatal("NewGroup:", err)
	}
	g.Name = name
	if err := db.AddGroup(parent, g); err != nil {
		t.Fatal("AddGroup:", err)
	}
	return g
}

func mustEntry(t *testing.T, db *keepass.Database, parent *keepass.Group, title string) *keepass.Entry {
	t.Helper()
	e, err := db.NewEntry()
	if err != nil {
		t.Fatal("NewEntry:", err)
	}
	e.SetTitle(title)
	if err := db.AddEntry(parent, e); err != nil {
		t.Fatal("AddEntry:", err)
	}
	return e
}

type entrySummary struct {
	UUID        uuids.UUID
	Icon        keepass.Icon
	Fields      map[string]string
	Protected   []string
	Attachments map[string]string
	Times       keepass.Times
	Deleted     bool
	Tags        string
	AutoType    keepass.AutoType
	History     []entrySummary
}

type groupSummary struct {
	UUID            uuids.UUID
	Name            string
	Icon            keepass.Icon
	Times           keepass.Times
	Deleted         bool
	IsExpanded      bool
	EnableSearching *bool
	Groups          []groupSummary
	Entries         []entrySummary
}

func summarizeEntry(t *testing.T, e *keepass.Entry) entrySummary {
	s := entrySummary{
		UUID:    e.UUID,
		Icon:    e.Icon,
		Fields:  make(map[string]string),
		Times:   e.Times,
		Deleted: e.Deleted,
	}
	for _, f := range e.Fields {
		s.Fields[f.Name] = f.Value
		if f.Protected {
			s.Protected = append(s.Protected, f.Name)
		}
	}
	sort.Strings(s.Protected)
	for _, a := range e.Attachments {
		data, err := a.Data()
		if err != nil {
			t.Errorf("attachment %q: %v", a.Name, err)
		}
		if s.Attachments == nil {
			s.Attachments = make(map[string]string)
		}
		s.Attachments[a.Name] = string(data)
	}
	if e.KP2 != nil {
		s.Tags = e.KP2.Tags
		s.AutoType = e.KP2.AutoType
		for _, h := range e.KP2.History {
			s.History = append(s.History, summarizeEntry(t, h))
		}
	}
	return s
}

func summarizeGroup(t *testing.T, g *keepass.Group) groupSummary {
	s := groupSummary{
		UUID:    g.UUID,
		Name:    g.Name,
		Icon:    g.Icon,
		Times:   g.Times,
		Deleted: g.Deleted,
	}
	if g.KP2 != nil {
		s.IsExpanded = g.KP2.IsExpanded
		s.EnableSearching = g.KP2.EnableSearching
	}
	for _, sub := range g.Groups() {
		s.Groups = append(s.Groups, summarizeGroup(t, sub))
	}
	for _, e := range g.Entries() {
		s.Entries = append(s.Entries, summarizeEntry(t, e))
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		format     keepass.Format
		cipher     uuids.UUID
		compressed bool
	}{
		{"KDBX3 AES", keepass.FormatKDBX3, kdbcrypt.AES, true},
		{"KDBX3 Twofish uncompressed", keepass.FormatKDBX3, kdbcrypt.Twofish, false},
		{"KDBX4 ChaCha20", keepass.FormatKDBX4, kdbcrypt.ChaCha20, true},
		{"KDBX4 AES uncompressed", keepass.FormatKDBX4, kdbcrypt.AES, false},
	}
	for _, test := range tests {
		opts := testOptions(test.format)
		opts.Cipher = test.cipher
		db := newTestDB(t, test.format, opts)
		db.KP2.Compressed = test.compressed
		want := summarizeGroup(t, db.Root())

		data, err := Save(context.Background(), nil, db)
		if err != nil {
			t.Errorf("%s: Save: %v", test.name, err)
			continue
		}
		got, warnings, err := Load(context.Background(), nil, data, mustKey(t, "swordfish"), testOptions(test.format))
		if err != nil {
			t.Errorf("%s: Load: %v", test.name, err)
			continue
		}
		if !warnings.Empty() {
			t.Errorf("%s: warnings = %v; want none", test.name, warnings.Issues)
		}
		if warnings.Generator != keepass.DefaultGenerator {
			t.Errorf("%s: generator = %q; want %q", test.name, warnings.Generator, keepass.DefaultGenerator)
		}
		if got.Format() != test.format {
			t.Errorf("%s: format = %v; want %v", test.name, got.Format(), test.format)
		}
		if got.KP2.Cipher != test.cipher {
			t.Errorf("%s: cipher = %v; want %v", test.name, got.KP2.Cipher, test.cipher)
		}
		if got.KP2.Compressed != test.compressed {
			t.Errorf("%s: compressed = %t; want %t", test.name, got.KP2.Compressed, test.compressed)
		}
		if name := got.KP2.Meta.DatabaseName; name != "Test Database" {
			t.Errorf("%s: database name = %q; want \"Test Database\"", test.name, name)
		}
		if diff := cmp.Diff(want, summarizeGroup(t, got.Root())); diff != "" {
			t.Errorf("%s: tree (-want +got):\n%s", test.name, diff)
		}
	}
}

func TestSaveRandomizes(t *testing.T) {
	for _, f := range []keepass.Format{keepass.FormatKDBX3, keepass.FormatKDBX4} {
		db := newTestDB(t, f, testOptions(f))
		first, err := Save(context.Background(), nil, db)
		if err != nil {
			t.Fatalf("%v: Save #1: %v", f, err)
		}
		second, err := Save(context.Background(), nil, db)
		if err != nil {
			t.Fatalf("%v: Save #2: %v", f, err)
		}
		var h1, h2 header
		if _, err := h1.read(first); err != nil {
			t.Fatal(err)
		}
		if _, err := h2.read(second); err != nil {
			t.Fatal(err)
		}
		if bytes.Equal(h1.masterSeed, h2.masterSeed) || bytes.Equal(h1.iv, h2.iv) {
			t.Errorf("%v: second save reused the master seed or IV", f)
		}
		saltParam := kdf.SeedParam
		if f == keepass.FormatKDBX4 {
			saltParam = kdf.SaltParam
		}
		s1, _ := h1.kdf.Bytes(saltParam)
		s2, _ := h2.kdf.Bytes(saltParam)
		if bytes.Equal(s1, s2) {
			t.Errorf("%v: second save reused the KDF salt", f)
		}
		if _, _, err := Load(context.Background(), nil, second, mustKey(t, "swordfish"), testOptions(f)); err != nil {
			t.Errorf("%v: Load after second save: %v", f, err)
		}
	}
}

func TestSaveVersion(t *testing.T) {
	tests := []struct {
		name    string
		format  keepass.Format
		modify  func(db *keepass.Database)
		version uint32
	}{
		{
			name:    "KDBX3",
			format:  keepass.FormatKDBX3,
			version: version3,
		},
		{
			name:    "KDBX4",
			format:  keepass.FormatKDBX4,
			version: version4,
		},
		{
			name:   "KDBX4 with custom data timestamps",
			format: keepass.FormatKDBX4,
			modify: func(db *keepass.Database) {
				db.KP2.Meta.CustomData = append(db.KP2.Meta.CustomData, keepass.CustomItem{
					Key:          "plugin",
					Value:        "on",
					LastModified: testNow,
				})
			},
			version: version41,
		},
		{
			name:   "KDBX3 drops 4.1 fields",
			format: keepass.FormatKDBX3,
			modify: func(db *keepass.Database) {
				db.KP2.Meta.CustomIcons = append(db.KP2.Meta.CustomIcons, keepass.CustomIcon{
					UUID: uuids.MustParse("01234567-89ab-cdef-0123-456789abcdef"),
					Data: []byte{0x89, 'P', 'N', 'G'},
					Name: "logo",
				})
			},
			version: version3,
		},
	}
	for _, test := range tests {
		db := newTestDB(t, test.format, testOptions(test.format))
		if test.modify != nil {
			test.modify(db)
		}
		data, err := Save(context.Background(), nil, db)
		if err != nil {
			t.Errorf("%s: Save: %v", test.name, err)
			continue
		}
		var h header
		if _, err := h.read(data); err != nil {
			t.Errorf("%s: read header: %v", test.name, err)
			continue
		}
		if h.version != test.version {
			t.Errorf("%s: version = %#08x; want %#08x", test.name, h.version, test.version)
		}
		if _, _, err := Load(context.Background(), nil, data, mustKey(t, "swordfish"), testOptions(test.format)); err != nil {
			t.Errorf("%s: Load: %v", test.name, err)
		}
	}
}

func TestHeaderHash(t *testing.T) {
	db := newTestDB(t, keepass.FormatKDBX3, testOptions(keepass.FormatKDBX3))
	data, err := Save(context.Background(), nil, db)
	if err != nil {
		t.Fatal("Save:", err)
	}
	if len(db.KP2.Meta.HeaderHash) != 32 {
		t.Errorf("after Save, HeaderHash = %x; want a SHA-256 hash", db.KP2.Meta.HeaderHash)
	}
	got, _, err := Load(context.Background(), nil, data, mustKey(t, "swordfish"), testOptions(keepass.FormatKDBX3))
	if err != nil {
		t.Fatal("Load:", err)
	}
	if !bytes.Equal(got.KP2.Meta.HeaderHash, db.KP2.Meta.HeaderHash) {
		t.Errorf("loaded HeaderHash = %x; want %x", got.KP2.Meta.HeaderHash, db.KP2.Meta.HeaderHash)
	}
}

func TestRecycleBin(t *testing.T) {
	for _, f := range []keepass.Format{keepass.FormatKDBX3, keepass.FormatKDBX4} {
		db := newTestDB(t, f, testOptions(f))
		forum := db.Root().Groups()[0].Entries()[0]
		if err := db.DeleteEntry(forum); err != nil {
			t.Fatalf("%v: DeleteEntry: %v", f, err)
		}
		banking := db.Root().Groups()[1]
		bank := banking.Entries()[0]
		if err := db.DeleteGroup(banking); err != nil {
			t.Fatalf("%v: DeleteGroup: %v", f, err)
		}
		// Deleting again from the recycle bin removes it permanently.
		if err := db.DeleteGroup(banking); err != nil {
			t.Fatalf("%v: DeleteGroup again: %v", f, err)
		}

		data, err := Save(context.Background(), nil, db)
		if err != nil {
			t.Fatalf("%v: Save: %v", f, err)
		}
		got, _, err := Load(context.Background(), nil, data, mustKey(t, "swordfish"), testOptions(f))
		if err != nil {
			t.Fatalf("%v: Load: %v", f, err)
		}
		bin, err := got.BackupGroup(false)
		if err != nil || bin == nil {
			t.Fatalf("%v: BackupGroup(false) = %v, %v; want the recycle bin", f, bin, err)
		}
		if !bin.Deleted {
			t.Errorf("%v: recycle bin not flagged deleted", f)
		}
		e := got.FindEntry(forum.UUID)
		if e == nil || e.Parent() != bin || !e.Deleted {
			t.Errorf("%v: deleted entry = %v; want flagged deleted in the recycle bin", f, e)
		}
		if got.FindEntry(bank.UUID) != nil {
			t.Errorf("%v: permanently deleted entry still present", f)
		}
		deleted := make(map[uuids.UUID]bool)
		for _, obj := range got.KP2.DeletedObjects {
			deleted[obj.UUID] = true
			if !obj.DeletionTime.Equal(testNow) {
				t.Errorf("%v: deletion time of %v = %v; want %v", f, obj.UUID, obj.DeletionTime, testNow)
			}
		}
		if !deleted[banking.UUID] || !deleted[bank.UUID] {
			t.Errorf("%v: DeletedObjects = %v; want %v and %v", f, got.KP2.DeletedObjects, banking.UUID, bank.UUID)
		}
		results := got.Search(&keepass.SearchQuery{Text: "Forum", IncludeSubgroups: true})
		if n := keepass.CountEntries(results); n != 0 {
			t.Errorf("%v: search without deleted found %d entries; want 0", f, n)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	data3, err := Save(context.Background(), nil, newTestDB(t, keepass.FormatKDBX3, testOptions(keepass.FormatKDBX3)))
	if err != nil {
		t.Fatal("Save KDBX3:", err)
	}
	data4, err := Save(context.Background(), nil, newTestDB(t, keepass.FormatKDBX4, testOptions(keepass.FormatKDBX4)))
	if err != nil {
		t.Fatal("Save KDBX4:", err)
	}
	var h4 header
	n4, err := h4.read(data4)
	if err != nil {
		t.Fatal(err)
	}
	flippedBlock := append([]byte(nil), data4...)
	flippedBlock[n4+64+36+5] ^= 0x40
	flippedHeader := append([]byte(nil), data4...)
	flippedHeader[n4-1] ^= 0x01
	badVersion := append([]byte(nil), data4...)
	badVersion[10] = 9

	tests := []struct {
		name     string
		data     []byte
		password string
		kind     keepass.ErrorKind
		reason   string
	}{
		{name: "KDBX3 wrong password", data: data3, password: "swordfish2", kind: keepass.InvalidKey},
		{name: "KDBX4 wrong password", data: data4, password: "swordfish2", kind: keepass.InvalidKey},
		{name: "KDBX4 flipped block byte", data: flippedBlock, password: "swordfish", kind: keepass.LoadError, reason: "block HMAC mismatch (block 0)"},
		{name: "KDBX4 flipped header byte", data: flippedHeader, password: "swordfish", kind: keepass.LoadError, reason: "header hash mismatch"},
		{name: "KDBX4 missing blocks", data: data4[:n4+64], password: "swordfish", kind: keepass.LoadError, reason: "unexpected end of file"},
		{name: "truncated header", data: data4[:n4-6], password: "swordfish", kind: keepass.LoadError, reason: "unexpected end of file"},
		{name: "unsupported version", data: badVersion, password: "swordfish", kind: keepass.LoadError, reason: "unsupported file version"},
	}
	for _, test := range tests {
		_, _, err := Load(context.Background(), nil, test.data, mustKey(t, test.password), testOptions(keepass.FormatKDBX4))
		var dberr *keepass.DatabaseError
		if !errors.As(err, &dberr) {
			t.Errorf("%s: Load error = %v; want *keepass.DatabaseError", test.name, err)
			continue
		}
		if dberr.Kind != test.kind {
			t.Errorf("%s: Load error kind = %v; want %v (%v)", test.name, dberr.Kind, test.kind, err)
		}
		if test.reason != "" && dberr.Reason() != test.reason {
			t.Errorf("%s: Load error reason = %q; want %q", test.name, dberr.Reason(), test.reason)
		}
	}
}

func TestSaveErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(db *keepass.Database)
	}{
		{"no key", func(db *keepass.Database) { db.SetCompositeKey(nil) }},
		{"unknown cipher", func(db *keepass.Database) { db.KP2.Cipher = uuids.MustParse("00000000-0000-0000-0000-000000000001") }},
		{"Argon2 in KDBX3", func(db *keepass.Database) { db.KP2.KDF = fastKDF(keepass.FormatKDBX4) }},
	}
	for _, test := range tests {
		db := newTestDB(t, keepass.FormatKDBX3, testOptions(keepass.FormatKDBX3))
		test.modify(db)
		_, err := Save(context.Background(), nil, db)
		var dberr *keepass.DatabaseError
		if !errors.As(err, &dberr) || dberr.Kind != keepass.SaveError {
			t.Errorf("%s: Save error = %v; want SaveError", test.name, err)
		}
	}
}

func TestLoadCancelled(t *testing.T) {
	for _, f := range []keepass.Format{keepass.FormatKDBX3, keepass.FormatKDBX4} {
		db := newTestDB(t, f, testOptions(f))
		data, err := Save(context.Background(), nil, db)
		if err != nil {
			t.Fatalf("%v: Save: %v", f, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		got, _, err := Load(ctx, nil, data, mustKey(t, "swordfish"), testOptions(f))
		if !progress.IsInterruption(err) {
			t.Errorf("%v: Load with cancelled context error = %v; want interruption", f, err)
		}
		if got != nil {
			t.Errorf("%v: Load with cancelled context returned a database", f)
		}
		if _, err := Save(ctx, nil, db); !progress.IsInterruption(err) {
			t.Errorf("%v: Save with cancelled context error = %v; want interruption", f, err)
		}
	}
}

func TestLoadProgress(t *testing.T) {
	db := newTestDB(t, keepass.FormatKDBX4, testOptions(keepass.FormatKDBX4))
	data, err := Save(context.Background(), nil, db)
	if err != nil {
		t.Fatal("Save:", err)
	}
	p := progress.New(1)
	var seen []float64
	p.OnChange(func(f float64) { seen = append(seen, f) })
	if _, _, err := Load(context.Background(), p, data, mustKey(t, "swordfish"), testOptions(keepass.FormatKDBX4)); err != nil {
		t.Fatal("Load:", err)
	}
	if len(seen) == 0 || seen[len(seen)-1] != 1 {
		t.Errorf("progress = %v; want to end at 1", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress decreased: %v", seen)
		}
	}
}

func TestPoolBuilder(t *testing.T) {
	pb := newPoolBuilder(false)
	add := func(a *keepass.Attachment) int {
		t.Helper()
		i, err := pb.add(a)
		if err != nil {
			t.Fatalf("add(%q): %v", a.Name, err)
		}
		return i
	}
	a := add(keepass.NewAttachment("a.txt", []byte("same")))
	b := add(keepass.NewCompressedAttachment("b.txt", keepass.Gzip([]byte("same"))))
	c := add(keepass.NewAttachment("c.txt", []byte("different")))
	p := keepass.NewAttachment("p.txt", []byte("same"))
	p.Protected = true
	d := add(p)
	if a != b {
		t.Errorf("identical payloads got indices %d and %d", a, b)
	}
	if c == a {
		t.Error("different payloads share an index")
	}
	if d == a {
		t.Error("protected and unprotected payloads share an index")
	}
	if len(pb.items) != 3 {
		t.Errorf("pool has %d items; want 3", len(pb.items))
	}
	if got := string(pb.items[a].data); got != "same" {
		t.Errorf("uncompressed pool item = %q; want \"same\"", got)
	}

	zpb := newPoolBuilder(true)
	i, err := zpb.add(keepass.NewAttachment("a.txt", []byte("same")))
	if err != nil {
		t.Fatal(err)
	}
	item := zpb.items[i]
	if !item.compressed {
		t.Error("compressed pool stored an uncompressed item")
	}
	if data, err := keepass.Gunzip(item.data); err != nil || string(data) != "same" {
		t.Errorf("Gunzip(item) = %q, %v; want \"same\"", data, err)
	}
}
