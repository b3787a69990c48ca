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

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zombiezen.com/go/keepdb/pkg/keepass"
)

func TestSplitParent(t *testing.T) {
	tests := []struct {
		path string
		dir  string
		name string
	}{
		{"", "", ""},
		{"Mail", "", "Mail"},
		{"Internet/Mail", "Internet", "Mail"},
		{"/Internet//Mail/", "Internet", "Mail"},
		{"a/b/c", "a/b", "c"},
	}
	for _, test := range tests {
		dir, name := splitParent(test.path)
		if dir != test.dir || name != test.name {
			t.Errorf("splitParent(%q) = %q, %q; want %q, %q", test.path, dir, name, test.dir, test.name)
		}
	}
}

// pathTree builds:
//
//	Internet/
//	  Mail
//	  Mail
//	  Web
//	Work/
//	Work/
func pathTree(t *testing.T) (db *keepass.Database, internet *keepass.Group, web *keepass.Entry) {
	t.Helper()
	db, err := keepass.New(keepass.FormatKDBX4, &keepass.Options{})
	require.NoError(t, err)
	group := func(parent *keepass.Group, name string) *keepass.Group {
		g, err := db.NewGroup()
		require.NoError(t, err)
		g.Name = name
		require.NoError(t, db.AddGroup(parent, g))
		return g
	}
	entry := func(parent *keepass.Group, title string) *keepass.Entry {
		e, err := db.NewEntry()
		require.NoError(t, err)
		e.SetTitle(title)
		require.NoError(t, db.AddEntry(parent, e))
		return e
	}
	internet = group(db.Root(), "Internet")
	group(db.Root(), "Work")
	group(db.Root(), "Work")
	entry(internet, "Mail")
	entry(internet, "Mail")
	web = entry(internet, "Web")
	return db, internet, web
}

func TestFindGroup(t *testing.T) {
	db, internet, _ := pathTree(t)

	g, err := findGroup(db, "")
	require.NoError(t, err)
	assert.Same(t, db.Root(), g)

	g, err = findGroup(db, "Internet/")
	require.NoError(t, err)
	assert.Same(t, internet, g)
	assert.Equal(t, "Internet", groupPath(g))

	g, err = findGroup(db, internet.UUID.String())
	require.NoError(t, err)
	assert.Same(t, internet, g)

	_, err = findGroup(db, "Work")
	assert.IsType(t, ambiguousError{}, err)
	assert.Contains(t, userErrorMessage(err), "matches 2 groups")

	_, err = findGroup(db, "Internet/Nope")
	assert.Equal(t, notFoundError{kind: "group", path: "Internet/Nope"}, err)
}

func TestFindEntry(t *testing.T) {
	db, _, web := pathTree(t)

	e, err := findEntry(db, "Internet/Web")
	require.NoError(t, err)
	assert.Same(t, web, e)
	assert.Equal(t, "Internet/Web", entryPath(e))

	e, err = findEntry(db, web.UUID.String())
	require.NoError(t, err)
	assert.Same(t, web, e)

	_, err = findEntry(db, "Internet/Mail")
	assert.IsType(t, ambiguousError{}, err)

	_, err = findEntry(db, "Internet/Nope")
	assert.Equal(t, notFoundError{kind: "entry", path: "Internet/Nope"}, err)

	_, err = findEntry(db, "Nope/Web")
	assert.Equal(t, notFoundError{kind: "group", path: "Nope"}, err)

	_, err = findEntry(db, "")
	assert.Error(t, err)
}
