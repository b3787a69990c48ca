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

// Package keepass provides the in-memory model shared by the KeePass 1
// and KeePass 2 codecs: a tree of groups and entries owned by a Database.
//
// Groups and entries are stored in the database's arena and refer to
// their parents and children by ID.  Tree mutations go through Database
// methods, which keep each item in at most one parent.
package keepass // import "zombiezen.com/go/keepdb/pkg/keepass"

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/secure"
	"zombiezen.com/go/keepdb/pkg/uuids"
	"zombiezen.com/go/keepdb/pkg/vardict"
)

// Tree mutation errors.
var (
	ErrNotInDatabase = errors.New("keepass: item does not belong to this database")
	ErrHasParent     = errors.New("keepass: item already has a parent")
	ErrCycle         = errors.New("keepass: cannot move a group into its own subtree")
	ErrRoot          = errors.New("keepass: operation not allowed on the root group")
)

// Names of the groups that receive deleted items.
const (
	BackupGroupName    = "Backup"
	RecycleBinName     = "Recycle Bin"
	DefaultRootName    = "Root"
	DefaultGenerator   = "keepdb"
	DefaultHistoryMax  = 10
	DefaultHistorySize = 6 * 1024 * 1024
)

// Database1 holds the KeePass 1 parts of a database.
type Database1 struct {
	// Cipher is kdbcrypt.AES or kdbcrypt.Twofish.
	Cipher uuids.UUID
	Rounds uint32

	// MetaStreams are the special entries that KeePass 1 uses to store
	// application data.  They are not part of the tree and are written
	// back unchanged.
	MetaStreams []*Entry
}

// MemoryProtection lists the standard fields that are protected by
// default.
type MemoryProtection struct {
	Title    bool
	UserName bool
	Password bool
	URL      bool
	Notes    bool
}

// Protects reports whether the standard field name is protected.
func (mp MemoryProtection) Protects(name string) bool {
	switch name {
	case TitleField:
		return mp.Title
	case UserNameField:
		return mp.UserName
	case PasswordField:
		return mp.Password
	case URLField:
		return mp.URL
	case NotesField:
		return mp.Notes
	default:
		return false
	}
}

// CustomIcon is an icon image stored in a KeePass 2 file.
type CustomIcon struct {
	UUID         uuids.UUID
	Data         []byte
	Name         string
	LastModified time.Time
}

// DeletedObject records the permanent deletion of a group or entry so
// that synchronization can propagate it.
type DeletedObject struct {
	UUID         uuids.UUID
	DeletionTime time.Time
}

// Meta is the metadata block of a KeePass 2 database.
type Meta struct {
	Generator       string
	HeaderHash      []byte
	SettingsChanged time.Time

	DatabaseName               string
	DatabaseNameChanged        time.Time
	DatabaseDescription        string
	DatabaseDescriptionChanged time.Time
	DefaultUserName            string
	DefaultUserNameChanged     time.Time
	MaintenanceHistoryDays     uint32
	Color                      string

	MasterKeyChanged     time.Time
	MasterKeyChangeRec   int64
	MasterKeyChangeForce int64

	MemoryProtection MemoryProtection
	CustomIcons      []CustomIcon

	RecycleBinEnabled bool
	RecycleBinUUID    uuids.UUID
	RecycleBinChanged time.Time

	EntryTemplatesGroup        uuids.UUID
	EntryTemplatesGroupChanged time.Time

	// HistoryMaxItems is the number of history items kept per entry.
	// A negative value means no limit.
	HistoryMaxItems int32
	HistoryMaxSize  int64

	LastSelectedGroup   uuids.UUID
	LastTopVisibleGroup uuids.UUID

	CustomData []CustomItem
}

// Database2 holds the KeePass 2 parts of a database.
type Database2 struct {
	Meta Meta

	// Cipher is the data cipher UUID.
	Cipher uuids.UUID

	// KDF holds the key derivation parameters, including the KDF UUID.
	KDF *vardict.Dict

	// Compressed selects gzip compression of the XML payload.
	Compressed bool

	DeletedObjects   []DeletedObject
	PublicCustomData *vardict.Dict
}

// A Database is a decrypted KeePass database.
type Database struct {
	format Format

	// KP1 is non-nil for KeePass 1 databases and KP2 for KeePass 2.
	KP1 *Database1
	KP2 *Database2

	root    GroupID
	groups  map[GroupID]*Group
	entries map[EntryID]*Entry
	lastID  uint64
	key     *secure.Bytes

	rand io.Reader
	now  func() time.Time
}

// NewEmpty returns a database with no groups, not even a root.  The
// codecs use it to build a loaded tree; SetRoot must be called before
// the database is used.
func NewEmpty(format Format, opts *Options) *Database {
	db := &Database{
		format:  format,
		groups:  make(map[GroupID]*Group),
		entries: make(map[EntryID]*Entry),
		rand:    opts.getRand(),
		now:     opts.getNow(),
	}
	switch format.Generation() {
	case 1:
		db.KP1 = &Database1{Cipher: opts.getCipher(), Rounds: opts.getRounds()}
	case 2:
		db.KP2 = &Database2{
			Cipher:     opts.getCipher(),
			KDF:        opts.getKDF(format),
			Compressed: true,
			Meta:       defaultMeta(),
		}
	}
	return db
}

func defaultMeta() Meta {
	return Meta{
		Generator:              DefaultGenerator,
		MaintenanceHistoryDays: 365,
		MasterKeyChangeRec:     -1,
		MasterKeyChangeForce:   -1,
		MemoryProtection:       MemoryProtection{Password: true},
		RecycleBinEnabled:      true,
		HistoryMaxItems:        DefaultHistoryMax,
		HistoryMaxSize:         DefaultHistorySize,
	}
}

// New creates an empty database with a root group.
func New(format Format, opts *Options) (*Database, error) {
	switch format {
	case FormatKDB:
		if c := opts.getCipher(); c != kdbcrypt.AES && c != kdbcrypt.Twofish {
			return nil, fmt.Errorf("keepass: cipher %v not supported by %v", c, format)
		}
	case FormatKDBX3, FormatKDBX4:
	default:
		return nil, fmt.Errorf("keepass: unknown format %d", int(format))
	}
	db := NewEmpty(format, opts)
	root, err := db.NewGroup()
	if err != nil {
		return nil, err
	}
	root.Name = DefaultRootName
	if format == FormatKDB {
		// The KeePass 1 root is virtual and never written.
		root.KP1 = nil
		root.UUID = uuids.UUID{}
	}
	if err := db.SetRoot(root); err != nil {
		return nil, err
	}
	if db.KP2 != nil {
		now := db.Now()
		m := &db.KP2.Meta
		m.SettingsChanged = now
		m.DatabaseNameChanged = now
		m.DatabaseDescriptionChanged = now
		m.DefaultUserNameChanged = now
		m.MasterKeyChanged = now
		m.RecycleBinChanged = now
		m.EntryTemplatesGroupChanged = now
	}
	return db, nil
}

// Format returns the file format of the database.
func (db *Database) Format() Format {
	return db.format
}

// SetFormat changes the format written by Save.  Only conversions
// between KeePass 2 formats are allowed.
func (db *Database) SetFormat(f Format) error {
	if f.Generation() != 2 || db.format.Generation() != 2 {
		return fmt.Errorf("keepass: cannot convert %v to %v", db.format, f)
	}
	db.format = f
	for _, e := range db.entries {
		e.format = f
	}
	return nil
}

// Rand returns the database's random source.
func (db *Database) Rand() io.Reader {
	return db.rand
}

// Now returns the current time in UTC, truncated to whole seconds as
// stored in files.
func (db *Database) Now() time.Time {
	return db.now().UTC().Truncate(time.Second)
}

// CompositeKey returns the key material used to save the database.
func (db *Database) CompositeKey() *secure.Bytes {
	return db.key
}

// SetCompositeKey replaces the composite key, erasing the old one.
// The database takes ownership of key.
func (db *Database) SetCompositeKey(key *secure.Bytes) {
	if db.key != key {
		db.key.Erase()
	}
	db.key = key
	if db.KP2 != nil && db.root != 0 {
		db.KP2.Meta.MasterKeyChanged = db.Now()
	}
}

// Root returns the root group.
func (db *Database) Root() *Group {
	return db.groups[db.root]
}

// SetRoot makes g the root group.  g must be a detached group of db or
// a group that does not belong to any database yet.
func (db *Database) SetRoot(g *Group) error {
	if g.db == nil {
		db.adopt(g)
	}
	if !db.owns(g) {
		return ErrNotInDatabase
	}
	if g.parent != 0 {
		return ErrHasParent
	}
	db.root = g.id
	return nil
}

// Group returns the group with the given handle or nil.
func (db *Database) Group(id GroupID) *Group {
	return db.groups[id]
}

// Entry returns the entry with the given handle or nil.
func (db *Database) Entry(id EntryID) *Entry {
	return db.entries[id]
}

func (db *Database) nextID() uint64 {
	db.lastID++
	return db.lastID
}

func (db *Database) newUUID() (uuids.UUID, error) {
	return uuids.New(db.rand)
}

// NewGroup creates a detached group with a fresh UUID.  Add it to the
// tree with AddGroup.
func (db *Database) NewGroup() (*Group, error) {
	id, err := db.newUUID()
	if err != nil {
		return nil, err
	}
	g := &Group{
		UUID:  id,
		Icon:  IconFolder,
		Times: newTimes(db.Now()),
	}
	switch db.format.Generation() {
	case 1:
		g.KP1 = &Group1{ID: db.newGroup1ID()}
	case 2:
		g.KP2 = &Group2{}
	}
	db.adopt(g)
	return g, nil
}

// newGroup1ID returns one more than the largest KeePass 1 group ID in
// use, skipping IDs that are taken after wraparound.
func (db *Database) newGroup1ID() uint32 {
	taken := make(map[uint32]bool, len(db.groups))
	var max uint32
	for _, g := range db.groups {
		if g.KP1 == nil {
			continue
		}
		taken[g.KP1.ID] = true
		if g.KP1.ID > max {
			max = g.KP1.ID
		}
	}
	id := max + 1
	for taken[id] || id == 0 {
		id++
	}
	return id
}

// NewEntry creates a detached entry with a fresh UUID and empty
// standard fields.  Add it to the tree with AddEntry.
func (db *Database) NewEntry() (*Entry, error) {
	id, err := db.newUUID()
	if err != nil {
		return nil, err
	}
	e := newEntry(db.format, db.Now())
	e.UUID = id
	db.register(e)
	if db.KP2 != nil {
		for _, f := range e.Fields {
			f.Protected = db.KP2.Meta.MemoryProtection.Protects(f.Name)
		}
	}
	return e, nil
}

func (db *Database) adopt(g *Group) {
	g.db = db
	g.id = GroupID(db.nextID())
	g.parent = 0
	db.groups[g.id] = g
}

func (db *Database) register(e *Entry) {
	e.db = db
	e.id = EntryID(db.nextID())
	e.parent = 0
	e.format = db.format
	db.entries[e.id] = e
}

func (db *Database) owns(g *Group) bool {
	return g != nil && g.db == db && db.groups[g.id] == g
}

func (db *Database) ownsEntry(e *Entry) bool {
	return e != nil && e.db == db && db.entries[e.id] == e
}

// AddGroup appends the detached group g to parent's subgroups.  A group
// that does not belong to any database yet, such as one built by a file
// decoder, is adopted by db.
func (db *Database) AddGroup(parent, g *Group) error {
	if !db.owns(parent) {
		return ErrNotInDatabase
	}
	if g.db == nil {
		db.adopt(g)
	}
	if !db.owns(g) {
		return ErrNotInDatabase
	}
	if g.id == db.root {
		return ErrRoot
	}
	if g.parent != 0 {
		return ErrHasParent
	}
	if g.IsAncestorOf(parent) {
		return ErrCycle
	}
	g.parent = parent.id
	parent.groups = append(parent.groups, g.id)
	return nil
}

// AddEntry appends e to parent's entries.  e must be detached.  An entry
// that does not yet belong to any database, such as a clone, is
// adopted by db.
func (db *Database) AddEntry(parent *Group, e *Entry) error {
	if !db.owns(parent) {
		return ErrNotInDatabase
	}
	switch {
	case e.db == nil:
		db.register(e)
	case !db.ownsEntry(e):
		return ErrNotInDatabase
	case e.parent != 0:
		return ErrHasParent
	}
	e.parent = parent.id
	parent.entries = append(parent.entries, e.id)
	return nil
}

func (db *Database) detachGroup(g *Group) {
	if p := db.groups[g.parent]; p != nil {
		p.groups = removeID(p.groups, g.id)
	}
	g.parent = 0
}

func (db *Database) detachEntry(e *Entry) {
	if p := db.groups[e.parent]; p != nil {
		p.entries = removeID(p.entries, e.id)
	}
	e.parent = 0
}

func removeID[T comparable](ids []T, id T) []T {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// MoveGroup moves g to the end of newParent's subgroups.
func (db *Database) MoveGroup(g, newParent *Group) error {
	if !db.owns(g) || !db.owns(newParent) {
		return ErrNotInDatabase
	}
	if g.id == db.root {
		return ErrRoot
	}
	if g.IsAncestorOf(newParent) {
		return ErrCycle
	}
	db.detachGroup(g)
	g.parent = newParent.id
	newParent.groups = append(newParent.groups, g.id)
	g.Times.LocationChanged = db.Now()
	return nil
}

// MoveEntry moves e to the end of newParent's entries.
func (db *Database) MoveEntry(e *Entry, newParent *Group) error {
	if !db.ownsEntry(e) || !db.owns(newParent) {
		return ErrNotInDatabase
	}
	db.detachEntry(e)
	e.parent = newParent.id
	newParent.entries = append(newParent.entries, e.id)
	e.Times.LocationChanged = db.Now()
	return nil
}

// RemoveGroup permanently removes g and its subtree without backing
// anything up.  It is meant for discarding items that were never saved.
func (db *Database) RemoveGroup(g *Group) error {
	if !db.owns(g) {
		return ErrNotInDatabase
	}
	if g.id == db.root {
		return ErrRoot
	}
	db.detachGroup(g)
	db.forget(g)
	return nil
}

func (db *Database) forget(g *Group) {
	for _, sub := range g.Groups() {
		db.forget(sub)
	}
	for _, e := range g.Entries() {
		delete(db.entries, e.id)
		e.db, e.parent = nil, 0
	}
	delete(db.groups, g.id)
	g.db, g.parent, g.groups, g.entries = nil, 0, nil, nil
}

// RemoveEntry permanently removes e without backing it up.
func (db *Database) RemoveEntry(e *Entry) error {
	if !db.ownsEntry(e) {
		return ErrNotInDatabase
	}
	db.detachEntry(e)
	delete(db.entries, e.id)
	e.db = nil
	return nil
}

// FindGroup returns the group in the tree with the given UUID.
func (db *Database) FindGroup(id uuids.UUID) *Group {
	if root := db.Root(); root != nil {
		return root.FindGroup(id)
	}
	return nil
}

// FindEntry returns the entry in the tree with the given UUID.
func (db *Database) FindEntry(id uuids.UUID) *Entry {
	if root := db.Root(); root != nil {
		return root.FindEntry(id)
	}
	return nil
}

// Count returns the number of groups and/or entries below the root.
func (db *Database) Count(groups, entries bool) int {
	root := db.Root()
	if root == nil {
		return 0
	}
	gg, ee := root.CollectAllChildren()
	n := 0
	if groups {
		n += len(gg)
	}
	if entries {
		n += len(ee)
	}
	return n
}

// BackupGroup returns the group that receives deleted items: the
// top-level "Backup" group in KeePass 1 or the recycle bin in KeePass 2.
// If the group does not exist and create is true, it is created.
// KeePass 2 databases with the recycle bin disabled return nil.
func (db *Database) BackupGroup(create bool) (*Group, error) {
	root := db.Root()
	if root == nil {
		return nil, ErrNotInDatabase
	}
	if db.KP2 != nil {
		return db.recycleBin(root, create)
	}
	for _, g := range root.Groups() {
		if g.Deleted || g.Name == BackupGroupName {
			return g, nil
		}
	}
	if !create {
		return nil, nil
	}
	g, err := db.NewGroup()
	if err != nil {
		return nil, err
	}
	g.Name = BackupGroupName
	g.Icon = IconBackup
	g.Deleted = true
	if err := db.AddGroup(root, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (db *Database) recycleBin(root *Group, create bool) (*Group, error) {
	m := &db.KP2.Meta
	if !m.RecycleBinEnabled {
		return nil, nil
	}
	if !m.RecycleBinUUID.IsZero() {
		if g := root.FindGroup(m.RecycleBinUUID); g != nil {
			return g, nil
		}
	}
	if !create {
		return nil, nil
	}
	g, err := db.NewGroup()
	if err != nil {
		return nil, err
	}
	g.Name = RecycleBinName
	g.Icon = IconRecycleBin
	g.Deleted = true
	no := false
	g.KP2.EnableAutoType = &no
	no2 := false
	g.KP2.EnableSearching = &no2
	if err := db.AddGroup(root, g); err != nil {
		return nil, err
	}
	m.RecycleBinUUID = g.UUID
	m.RecycleBinChanged = db.Now()
	return g, nil
}

// inBackup reports whether g is the backup group or inside it.
func (db *Database) inBackup(g *Group) bool {
	bg, _ := db.BackupGroup(false)
	return bg != nil && g != nil && bg.IsAncestorOf(g)
}

// DeleteEntry deletes e.  An entry outside the backup group is moved
// into it and flagged deleted; an entry already in the backup group, or
// any entry when the KeePass 2 recycle bin is disabled, is removed
// permanently.
func (db *Database) DeleteEntry(e *Entry) error {
	if !db.ownsEntry(e) {
		return ErrNotInDatabase
	}
	if !db.inBackup(e.Parent()) {
		bg, err := db.BackupGroup(true)
		if err != nil {
			return err
		}
		if bg != nil {
			if err := db.MoveEntry(e, bg); err != nil {
				return err
			}
			e.Accessed()
			e.Deleted = true
			return nil
		}
	}
	db.addDeletedObject(e.UUID)
	return db.RemoveEntry(e)
}

// DeleteGroup deletes g.  In KeePass 1, the entries of g's subtree are
// moved into the backup group and the subgroups are discarded.  In
// KeePass 2, the whole subtree is moved into the recycle bin and flagged
// deleted.  Groups already in the backup group (or any group when the
// recycle bin is disabled) and groups that contain the backup group
// are removed permanently.
func (db *Database) DeleteGroup(g *Group) error {
	if !db.owns(g) {
		return ErrNotInDatabase
	}
	if g.id == db.root {
		return ErrRoot
	}
	bg, err := db.BackupGroup(false)
	if err != nil {
		return err
	}
	switch {
	case bg != nil && (bg.IsAncestorOf(g) || g.IsAncestorOf(bg)):
		// Already deleted, or holding the backup group itself:
		// there is nowhere to move it, so it goes for good.
		bg = nil
	default:
		bg, err = db.BackupGroup(true)
		if err != nil {
			return err
		}
	}
	groups, entries := g.CollectAllChildren()
	if bg == nil {
		db.addDeletedObject(g.UUID)
		for _, sub := range groups {
			db.addDeletedObject(sub.UUID)
		}
		for _, e := range entries {
			db.addDeletedObject(e.UUID)
		}
		return db.RemoveGroup(g)
	}
	if db.KP2 == nil {
		for _, e := range entries {
			if err := db.MoveEntry(e, bg); err != nil {
				return err
			}
			e.Accessed()
			e.Deleted = true
		}
		return db.RemoveGroup(g)
	}
	if err := db.MoveGroup(g, bg); err != nil {
		return err
	}
	g.Accessed()
	g.Deleted = true
	for _, sub := range groups {
		sub.Deleted = true
	}
	for _, e := range entries {
		e.Deleted = true
	}
	return nil
}

func (db *Database) addDeletedObject(id uuids.UUID) {
	if db.KP2 == nil {
		return
	}
	db.KP2.DeletedObjects = append(db.KP2.DeletedObjects, DeletedObject{UUID: id, DeletionTime: db.Now()})
}

// BackupEntry records e's current state before an edit.  KeePass 1
// stores a copy with a new UUID in the backup group.  KeePass 2 appends
// a copy to the entry's history and drops the oldest items beyond
// Meta.HistoryMaxItems.
func (db *Database) BackupEntry(e *Entry) error {
	if !db.ownsEntry(e) {
		return ErrNotInDatabase
	}
	if db.KP2 == nil {
		c := e.Clone()
		id, err := db.newUUID()
		if err != nil {
			return err
		}
		c.UUID = id
		bg, err := db.BackupGroup(true)
		if err != nil {
			return err
		}
		if err := db.AddEntry(bg, c); err != nil {
			return err
		}
		c.Accessed()
		c.Deleted = true
		return nil
	}
	h := e.Clone()
	h.KP2.History = nil
	e.KP2.History = append(e.KP2.History, h)
	db.MaintainHistory(e)
	return nil
}

// MaintainHistory drops the oldest history items of e beyond the
// database's limit.
func (db *Database) MaintainHistory(e *Entry) {
	if db.KP2 == nil || e.KP2 == nil {
		return
	}
	max := db.KP2.Meta.HistoryMaxItems
	if max < 0 {
		return
	}
	hist := e.KP2.History
	sort.SliceStable(hist, func(i, j int) bool {
		return hist[i].Times.LastModification.Before(hist[j].Times.LastModification)
	})
	if extra := len(hist) - int(max); extra > 0 {
		for _, old := range hist[:extra] {
			old.Erase()
		}
		e.KP2.History = append([]*Entry(nil), hist[extra:]...)
	}
}

// Erase wipes the key and attachment payloads and empties the tree.
// The database must not be used afterward.
func (db *Database) Erase() {
	db.key.Erase()
	db.key = nil
	for _, e := range db.entries {
		e.Erase()
		e.db = nil
	}
	for _, g := range db.groups {
		g.Name, g.Notes = "", ""
		g.db, g.groups, g.entries = nil, nil, nil
	}
	if db.KP1 != nil {
		for _, e := range db.KP1.MetaStreams {
			e.Erase()
		}
		db.KP1.MetaStreams = nil
	}
	if db.KP2 != nil {
		db.KP2.KDF.Erase()
		db.KP2.Meta.CustomIcons = nil
	}
	db.groups = make(map[GroupID]*Group)
	db.entries = make(map[EntryID]*Entry)
	db.root = 0
}
