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
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func searchTitles(db *Database, q *SearchQuery) []string {
	var titles []string
	for _, r := range db.Search(q) {
		for _, e := range r.Entries {
			titles = append(titles, e.Title())
		}
	}
	sort.Strings(titles)
	return titles
}

func TestSearch(t *testing.T) {
	db := newTestDatabase(t, FormatKDBX4)
	web := addGroup(t, db, db.Root(), "Web")
	nested := addGroup(t, db, web, "Nested")

	both := addEntry(t, db, web, "alice")
	both.SetURL("https://example.com")
	onlyName := addEntry(t, db, web, "alice at home")
	onlyName.SetURL("https://home.test")
	onlyURL := addEntry(t, db, nested, "bob")
	onlyURL.SetURL("https://example.com")
	custom := addEntry(t, db, nested, "carol")
	custom.SetField("Recovery", "alice example")
	attached := addEntry(t, db, nested, "dave")
	attached.AddAttachment(NewAttachment("alice-example.pem", nil))
	addEntry(t, db, web, "Café Crème")
	doomed := addEntry(t, db, web, "alice example deleted")
	if err := db.DeleteEntry(doomed); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		query SearchQuery
		want  []string
	}{
		{
			name:  "both words anywhere",
			query: SearchQuery{Text: "alice example", IncludeSubgroups: true},
			want:  []string{"alice", "carol", "dave"},
		},
		{
			name:  "word order irrelevant",
			query: SearchQuery{Text: "  example\talice ", IncludeSubgroups: true},
			want:  []string{"alice", "carol", "dave"},
		},
		{
			name:  "case sensitive",
			query: SearchQuery{Text: "ALICE", IncludeSubgroups: true},
			want:  nil,
		},
		{
			name:  "include deleted",
			query: SearchQuery{Text: "alice example", IncludeSubgroups: true, IncludeDeleted: true},
			want:  []string{"alice", "alice example deleted", "carol", "dave"},
		},
		{
			name:  "loose ignores case and accents",
			query: SearchQuery{Text: "cafe CREME", IncludeSubgroups: true, Loose: true},
			want:  []string{"Café Crème"},
		},
		{
			name:  "empty query",
			query: SearchQuery{Text: "   ", IncludeSubgroups: true},
			want:  nil,
		},
	}
	for _, test := range tests {
		if diff := cmp.Diff(test.want, searchTitles(db, &test.query)); diff != "" {
			t.Errorf("%s: titles (-want +got):\n%s", test.name, diff)
		}
	}
}

func TestSearchSubgroups(t *testing.T) {
	db := newTestDatabase(t, FormatKDBX4)
	g := addGroup(t, db, db.Root(), "Web")
	addEntry(t, db, g, "needle")
	q := &SearchQuery{Text: "needle"}
	if n := CountEntries(db.Search(q)); n != 0 {
		t.Errorf("search without subgroups found %d; want 0", n)
	}
	q.IncludeSubgroups = true
	results := db.Search(q)
	if len(results) != 1 || results[0].Group != g {
		t.Errorf("results = %+v; want one result in %q", results, g.Name)
	}
}

func TestSearchKDBIgnoresCustomFields(t *testing.T) {
	e := NewDetachedEntry(FormatKDB)
	e.Fields = append(e.Fields, &Field{Name: "Extra", Value: "needle"})
	if e.Matches(&SearchQuery{Text: "needle"}) {
		t.Error("KDB entry matched on a custom field")
	}
	e.SetNotes("a needle here")
	if !e.Matches(&SearchQuery{Text: "needle"}) {
		t.Error("KDB entry did not match on notes")
	}
}
