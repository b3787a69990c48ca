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

package keepass

import (
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"
	"zombiezen.com/go/keepdb/pkg/uuids"
)

// Standard field names.  Every entry has exactly one field with each.
const (
	TitleField    = "Title"
	UserNameField = "UserName"
	PasswordField = "Password"
	URLField      = "URL"
	NotesField    = "Notes"
)

var standardFields = []string{TitleField, UserNameField, PasswordField, URLField, NotesField}

// IsStandardField reports whether name is one of the standard fields.
func IsStandardField(name string) bool {
	return lo.Contains(standardFields, name)
}

// Errors returned by entry mutations.
var (
	ErrCustomFields     = errors.New("keepass: KeePass 1 entries only have standard fields")
	ErrSingleAttachment = errors.New("keepass: KeePass 1 entries have at most one attachment")
)

// A Field is a named string value of an entry.
type Field struct {
	Name  string
	Value string

	// Protected hides the value in user interfaces and, in KeePass 2
	// files, encrypts it with the inner stream cipher.
	Protected bool
}

// Clone returns a copy of f.
func (f *Field) Clone() *Field {
	c := *f
	return &c
}

// Icon is a standard icon number.
type Icon uint32

// Well-known icons.
const (
	IconKey        Icon = 0
	IconBackup     Icon = 4
	IconRecycleBin Icon = 43
	IconFolder     Icon = 48
)

// Times holds the timestamps of a group or entry.
type Times struct {
	Creation         time.Time
	LastModification time.Time
	LastAccess       time.Time
	Expiry           time.Time
	Expires          bool

	// KeePass 2 only.
	UsageCount      uint32
	LocationChanged time.Time
}

func newTimes(now time.Time) Times {
	return Times{
		Creation:         now,
		LastModification: now,
		LastAccess:       now,
		LocationChanged:  now,
	}
}

// Expired reports whether the item has expired at time now.
func (t *Times) Expired(now time.Time) bool {
	return t.Expires && now.After(t.Expiry)
}

// CustomItem is a key-value pair of plugin data in a KeePass 2 file.
type CustomItem struct {
	Key          string
	Value        string
	LastModified time.Time
}

// AutoType holds an entry's KeePass 2 auto-type settings.
type AutoType struct {
	Enabled         bool
	Obfuscation     int
	DefaultSequence string
	Associations    []AutoTypeAssociation
}

// AutoTypeAssociation maps a window title pattern to a key sequence.
type AutoTypeAssociation struct {
	Window   string
	Sequence string
}

// Entry2 holds the KeePass 2 parts of an entry.
type Entry2 struct {
	CustomIcon      uuids.UUID
	ForegroundColor string
	BackgroundColor string
	OverrideURL     string
	Tags            string
	AutoType        AutoType

	// History is ordered from oldest to newest.  History entries are
	// not part of the tree.
	History    []*Entry
	CustomData []CustomItem
}

func (e2 *Entry2) clone(withHistory bool) *Entry2 {
	if e2 == nil {
		return nil
	}
	c := *e2
	c.AutoType.Associations = append([]AutoTypeAssociation(nil), e2.AutoType.Associations...)
	c.CustomData = append([]CustomItem(nil), e2.CustomData...)
	c.History = nil
	if withHistory {
		for _, h := range e2.History {
			c.History = append(c.History, h.Clone())
		}
	}
	return &c
}

// An Entry stores a set of credentials.
type Entry struct {
	UUID        uuids.UUID
	Icon        Icon
	Fields      []*Field
	Attachments []*Attachment
	Times       Times
	Deleted     bool

	// KP2 is non-nil for entries in KeePass 2 databases.
	KP2 *Entry2

	db     *Database
	format Format
	id     EntryID
	parent GroupID
}

func newEntry(format Format, now time.Time) *Entry {
	e := &Entry{
		Icon:   IconKey,
		Times:  newTimes(now),
		format: format,
	}
	if format.Generation() == 2 {
		e.KP2 = &Entry2{AutoType: AutoType{Enabled: true}}
	}
	e.populateStandardFields()
	return e
}

// NewDetachedEntry returns an entry with empty standard fields that does
// not belong to any database.  Decoders use it for entries read from a
// file; AddEntry adopts it into a tree.
func NewDetachedEntry(format Format) *Entry {
	return newEntry(format, time.Time{})
}

func (e *Entry) populateStandardFields() {
	for _, name := range standardFields {
		if e.Field(name) == nil {
			e.Fields = append(e.Fields, &Field{Name: name, Protected: name == PasswordField})
		}
	}
}

// ID returns the entry's handle within its database, or zero for an
// entry that is not part of a database (such as a history item).
func (e *Entry) ID() EntryID {
	return e.id
}

// Format returns the format of the database the entry was created for.
func (e *Entry) Format() Format {
	return e.format
}

// Parent returns the entry's group or nil if it is detached.
func (e *Entry) Parent() *Group {
	if e.db == nil || e.parent == 0 {
		return nil
	}
	return e.db.groups[e.parent]
}

// Path returns the names of the groups containing the entry, separated
// by slashes and starting below the root.
func (e *Entry) Path() string {
	var names []string
	for g := e.Parent(); g != nil && !g.IsRoot(); g = g.Parent() {
		names = append(names, g.Name)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, "/")
}

// Field returns the field with the given name or nil.
func (e *Entry) Field(name string) *Field {
	f, _ := lo.Find(e.Fields, func(f *Field) bool { return f.Name == name })
	return f
}

// Get returns the value of the named field or the empty string.
func (e *Entry) Get(name string) string {
	if f := e.Field(name); f != nil {
		return f.Value
	}
	return ""
}

// SetField sets the value of the named field, creating it if needed.
// An existing field keeps its protection flag.
func (e *Entry) SetField(name, value string) error {
	if f := e.Field(name); f != nil {
		f.Value = value
		return nil
	}
	if name == "" {
		return errors.New("keepass: empty field name")
	}
	if e.format == FormatKDB && !IsStandardField(name) {
		return ErrCustomFields
	}
	e.Fields = append(e.Fields, &Field{Name: name, Value: value})
	return nil
}

// SetProtectedField sets a field's value and protection flag.
func (e *Entry) SetProtectedField(name, value string, protected bool) error {
	if err := e.SetField(name, value); err != nil {
		return err
	}
	e.Field(name).Protected = protected
	return nil
}

// RemoveField removes f, matching by identity.  Standard fields cannot be
// removed.
func (e *Entry) RemoveField(f *Field) {
	if IsStandardField(f.Name) {
		return
	}
	if i := lo.IndexOf(e.Fields, f); i >= 0 {
		e.Fields = append(e.Fields[:i], e.Fields[i+1:]...)
	}
}

// CustomFields returns the fields that are not standard.
func (e *Entry) CustomFields() []*Field {
	return lo.Filter(e.Fields, func(f *Field, _ int) bool { return !IsStandardField(f.Name) })
}

func (e *Entry) Title() string    { return e.Get(TitleField) }
func (e *Entry) UserName() string { return e.Get(UserNameField) }
func (e *Entry) Password() string { return e.Get(PasswordField) }
func (e *Entry) URL() string      { return e.Get(URLField) }
func (e *Entry) Notes() string    { return e.Get(NotesField) }

func (e *Entry) SetTitle(s string)    { e.SetField(TitleField, s) }
func (e *Entry) SetUserName(s string) { e.SetField(UserNameField, s) }
func (e *Entry) SetPassword(s string) { e.SetField(PasswordField, s) }
func (e *Entry) SetURL(s string)      { e.SetField(URLField, s) }
func (e *Entry) SetNotes(s string)    { e.SetField(NotesField, s) }

// Attachment returns the first attachment with the given name or nil.
func (e *Entry) Attachment(name string) *Attachment {
	a, _ := lo.Find(e.Attachments, func(a *Attachment) bool { return a.Name == name })
	return a
}

// AddAttachment appends a to the entry.
func (e *Entry) AddAttachment(a *Attachment) error {
	if e.format == FormatKDB && len(e.Attachments) > 0 {
		return ErrSingleAttachment
	}
	e.Attachments = append(e.Attachments, a)
	return nil
}

// RemoveAttachment removes a, matching by identity.
func (e *Entry) RemoveAttachment(a *Attachment) {
	if i := lo.IndexOf(e.Attachments, a); i >= 0 {
		e.Attachments = append(e.Attachments[:i], e.Attachments[i+1:]...)
	}
}

func (e *Entry) now() time.Time {
	if e.db != nil {
		return e.db.Now()
	}
	return time.Now().UTC().Truncate(time.Second)
}

// Accessed updates the access time.  KeePass 2 entries also count the use.
func (e *Entry) Accessed() {
	e.Times.LastAccess = e.now()
	if e.KP2 != nil {
		e.Times.UsageCount++
	}
}

// Modified updates the modification and access times.
func (e *Entry) Modified() {
	e.Accessed()
	e.Times.LastModification = e.Times.LastAccess
}

// Matches reports whether every word of q appears in one of the entry's
// searchable texts: the standard fields, attachment names and, in
// KeePass 2, custom field values.
func (e *Entry) Matches(q *SearchQuery) bool {
	m := q.matcher()
	for _, word := range q.Words() {
		if !e.matchesWord(m, word) {
			return false
		}
	}
	return true
}

func (e *Entry) matchesWord(m containsFunc, word string) bool {
	for _, name := range []string{TitleField, UserNameField, URLField, NotesField} {
		if m(e.Get(name), word) {
			return true
		}
	}
	for _, a := range e.Attachments {
		if m(a.Name, word) {
			return true
		}
	}
	if e.format.Generation() == 2 {
		for _, f := range e.CustomFields() {
			if m(f.Value, word) {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of e that is not part of any database.
// It keeps the same UUID.
func (e *Entry) Clone() *Entry {
	c := &Entry{format: e.format}
	e.ApplyTo(c)
	return c
}

// ApplyTo copies e's contents onto target without changing target's
// position in a tree.
func (e *Entry) ApplyTo(target *Entry) {
	target.UUID = e.UUID
	target.Icon = e.Icon
	target.Times = e.Times
	target.Deleted = e.Deleted
	target.Fields = lo.Map(e.Fields, func(f *Field, _ int) *Field { return f.Clone() })
	target.Attachments = lo.Map(e.Attachments, func(a *Attachment, _ int) *Attachment { return a.Clone() })
	target.KP2 = e.KP2.clone(true)
}

// Erase clears the entry's contents, overwriting attachment payloads.
func (e *Entry) Erase() {
	for _, a := range e.Attachments {
		a.Erase()
	}
	for _, f := range e.Fields {
		f.Value = ""
	}
	if e.KP2 != nil {
		for _, h := range e.KP2.History {
			h.Erase()
		}
		e.KP2.History = nil
	}
	e.Attachments = nil
	e.Fields = nil
	e.populateStandardFields()
}
