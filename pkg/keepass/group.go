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
	"time"

	"zombiezen.com/go/keepdb/pkg/uuids"
)

// GroupID is a group's handle within one open database.  It is not
// stored in files.
type GroupID uint64

// EntryID is an entry's handle within one open database.  It is not
// stored in files.
type EntryID uint64

// Group1 holds the KeePass 1 parts of a group.
type Group1 struct {
	ID    uint32
	Flags uint32
}

// Group2 holds the KeePass 2 parts of a group.
type Group2 struct {
	IsExpanded              bool
	CustomIcon              uuids.UUID
	DefaultAutoTypeSequence string

	// EnableAutoType and EnableSearching inherit from the parent when nil.
	EnableAutoType  *bool
	EnableSearching *bool

	LastTopVisibleEntry uuids.UUID
	CustomData          []CustomItem
}

func (g2 *Group2) clone() *Group2 {
	if g2 == nil {
		return nil
	}
	c := *g2
	c.EnableAutoType = cloneBool(g2.EnableAutoType)
	c.EnableSearching = cloneBool(g2.EnableSearching)
	c.CustomData = append([]CustomItem(nil), g2.CustomData...)
	return &c
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// A Group is a hierarchical collection of entries.
type Group struct {
	UUID    uuids.UUID
	Icon    Icon
	Name    string
	Notes   string
	Times   Times
	Deleted bool

	// Exactly one of KP1 and KP2 is non-nil, except for the virtual
	// root of a KeePass 1 database, which has neither.
	KP1 *Group1
	KP2 *Group2

	db      *Database
	id      GroupID
	parent  GroupID
	groups  []GroupID
	entries []EntryID
}

// ID returns the group's handle within its database.
func (g *Group) ID() GroupID {
	return g.id
}

// IsRoot reports whether g is its database's root group.
func (g *Group) IsRoot() bool {
	return g.db != nil && g.db.root == g.id
}

// Parent returns the group's parent or nil for the root and for
// detached groups.
func (g *Group) Parent() *Group {
	if g.db == nil || g.parent == 0 {
		return nil
	}
	return g.db.groups[g.parent]
}

// Groups returns the subgroups in order.
func (g *Group) Groups() []*Group {
	gg := make([]*Group, 0, len(g.groups))
	for _, id := range g.groups {
		gg = append(gg, g.db.groups[id])
	}
	return gg
}

// Entries returns the group's entries in order.
func (g *Group) Entries() []*Entry {
	ee := make([]*Entry, 0, len(g.entries))
	for _, id := range g.entries {
		ee = append(ee, g.db.entries[id])
	}
	return ee
}

// NGroups returns the number of subgroups this group has.
func (g *Group) NGroups() int {
	return len(g.groups)
}

// NEntries returns the number of entries this group has.
func (g *Group) NEntries() int {
	return len(g.entries)
}

// Count returns the number of direct children.
func (g *Group) Count(groups, entries bool) int {
	n := 0
	if groups {
		n += len(g.groups)
	}
	if entries {
		n += len(g.entries)
	}
	return n
}

// IsAncestorOf reports whether other is g or is contained in g's subtree.
func (g *Group) IsAncestorOf(other *Group) bool {
	for p := other; p != nil; p = p.Parent() {
		if p == g {
			return true
		}
	}
	return false
}

// CollectAllChildren returns every group and entry below g, depth first.
func (g *Group) CollectAllChildren() ([]*Group, []*Entry) {
	var groups []*Group
	var entries []*Entry
	g.collect(&groups, &entries)
	return groups, entries
}

func (g *Group) collect(groups *[]*Group, entries *[]*Entry) {
	for _, sub := range g.Groups() {
		*groups = append(*groups, sub)
		sub.collect(groups, entries)
	}
	*entries = append(*entries, g.Entries()...)
}

// FindGroup returns g or the group in its subtree with the given UUID.
func (g *Group) FindGroup(id uuids.UUID) *Group {
	if g.UUID == id {
		return g
	}
	for _, sub := range g.Groups() {
		if found := sub.FindGroup(id); found != nil {
			return found
		}
	}
	return nil
}

// FindEntry returns the entry in g's subtree with the given UUID.
func (g *Group) FindEntry(id uuids.UUID) *Entry {
	for _, e := range g.Entries() {
		if e.UUID == id {
			return e
		}
	}
	for _, sub := range g.Groups() {
		if found := sub.FindEntry(id); found != nil {
			return found
		}
	}
	return nil
}

// Accessed updates the access time.
func (g *Group) Accessed() {
	g.Times.LastAccess = g.now()
}

// Modified updates the modification and access times.
func (g *Group) Modified() {
	g.Accessed()
	g.Times.LastModification = g.Times.LastAccess
}

func (g *Group) now() time.Time {
	if g.db != nil {
		return g.db.Now()
	}
	return time.Now().UTC().Truncate(time.Second)
}

// ApplyTo copies g's own properties onto target.  Children and tree
// position are not copied.
func (g *Group) ApplyTo(target *Group) {
	target.UUID = g.UUID
	target.Icon = g.Icon
	target.Name = g.Name
	target.Notes = g.Notes
	target.Times = g.Times
	target.Deleted = g.Deleted
	if g.KP1 != nil {
		kp1 := *g.KP1
		target.KP1 = &kp1
	} else {
		target.KP1 = nil
	}
	target.KP2 = g.KP2.clone()
}

// Clone returns a copy of g's own properties that is not part of any
// database and has no children.
func (g *Group) Clone() *Group {
	c := new(Group)
	g.ApplyTo(c)
	return c
}
