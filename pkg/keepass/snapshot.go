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

// An EntrySnapshot is a copy of an entry's contents taken before an
// edit, so the edit can be undone.
type EntrySnapshot struct {
	saved *Entry
}

// SnapshotEntry records e's current contents.
func SnapshotEntry(e *Entry) EntrySnapshot {
	return EntrySnapshot{saved: e.Clone()}
}

// Restore puts the recorded contents back onto e.  e keeps its place
// in the tree.
func (s EntrySnapshot) Restore(e *Entry) {
	if s.saved == nil {
		return
	}
	s.saved.ApplyTo(e)
}

// Entry returns a detached copy of the recorded entry.
func (s EntrySnapshot) Entry() *Entry {
	if s.saved == nil {
		return nil
	}
	return s.saved.Clone()
}

// A GroupSnapshot is a copy of a group's own properties.
type GroupSnapshot struct {
	saved *Group
}

// SnapshotGroup records g's current properties.
func SnapshotGroup(g *Group) GroupSnapshot {
	return GroupSnapshot{saved: g.Clone()}
}

// Restore puts the recorded properties back onto g.  Children are not
// affected.
func (s GroupSnapshot) Restore(g *Group) {
	if s.saved == nil {
		return
	}
	s.saved.ApplyTo(g)
}
