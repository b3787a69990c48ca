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
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/search"
)

// SearchQuery selects entries whose texts contain every word of Text.
type SearchQuery struct {
	Text             string
	IncludeSubgroups bool
	IncludeDeleted   bool

	// Loose ignores case and diacritics.  The default is exact substring
	// matching.
	Loose bool
}

// Words returns the whitespace-separated words of the query.
func (q *SearchQuery) Words() []string {
	return strings.Fields(q.Text)
}

type containsFunc func(s, substr string) bool

func (q *SearchQuery) matcher() containsFunc {
	if !q.Loose {
		return strings.Contains
	}
	m := search.New(language.Und, search.Loose)
	return func(s, substr string) bool {
		start, _ := m.IndexString(s, substr)
		return start >= 0
	}
}

// A SearchResult is the set of matching entries in one group.
type SearchResult struct {
	Group   *Group
	Entries []*Entry
}

// FilterEntries appends the entries of g (and of its subgroups, if the
// query asks for them) that match q.  Results are grouped by parent.
func (g *Group) FilterEntries(q *SearchQuery, results []SearchResult) []SearchResult {
	if g.Deleted && !q.IncludeDeleted {
		return results
	}
	if q.IncludeSubgroups {
		for _, sub := range g.Groups() {
			results = sub.FilterEntries(q, results)
		}
	}
	var found []*Entry
	for _, e := range g.Entries() {
		if e.Deleted && !q.IncludeDeleted {
			continue
		}
		if e.Matches(q) {
			found = append(found, e)
		}
	}
	if len(found) > 0 {
		results = append(results, SearchResult{Group: g, Entries: found})
	}
	return results
}

// Search returns the entries of the whole tree that match q.  An empty
// query returns nothing.
func (db *Database) Search(q *SearchQuery) []SearchResult {
	root := db.Root()
	if root == nil || len(q.Words()) == 0 {
		return nil
	}
	return root.FilterEntries(q, nil)
}

// CountEntries returns the number of entries in results.
func CountEntries(results []SearchResult) int {
	n := 0
	for _, r := range results {
		n += len(r.Entries)
	}
	return n
}
