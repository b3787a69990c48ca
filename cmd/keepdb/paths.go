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
	"strings"

	"github.com/samber/lo"

	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/uuids"
)

// Items are named by slash-separated paths starting below the root
// group, like "Internet/Mail".  A UUID may be used instead of a path.

func splitPath(path string) []string {
	return lo.Filter(strings.Split(path, "/"), func(s string, _ int) bool {
		return s != ""
	})
}

// splitParent splits path into the parent group's path and the last
// element.
func splitParent(path string) (dir, name string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "", ""
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1]
}

func findGroup(db *keepass.Database, path string) (*keepass.Group, error) {
	if id, err := uuids.Parse(path); err == nil {
		if g := db.FindGroup(id); g != nil {
			return g, nil
		}
	}
	g := db.Root()
	for _, name := range splitPath(path) {
		matches := lo.Filter(g.Groups(), func(sub *keepass.Group, _ int) bool {
			return sub.Name == name
		})
		switch len(matches) {
		case 0:
			return nil, notFoundError{kind: "group", path: path}
		case 1:
			g = matches[0]
		default:
			return nil, ambiguousError{kind: "group", path: path, n: len(matches)}
		}
	}
	return g, nil
}

func findEntry(db *keepass.Database, path string) (*keepass.Entry, error) {
	if id, err := uuids.Parse(path); err == nil {
		if e := db.FindEntry(id); e != nil {
			return e, nil
		}
	}
	dir, title := splitParent(path)
	if title == "" {
		return nil, notFoundError{kind: "entry", path: path}
	}
	g, err := findGroup(db, dir)
	if err != nil {
		return nil, err
	}
	matches := lo.Filter(g.Entries(), func(e *keepass.Entry, _ int) bool {
		return e.Title() == title
	})
	switch len(matches) {
	case 0:
		return nil, notFoundError{kind: "entry", path: path}
	case 1:
		return matches[0], nil
	default:
		return nil, ambiguousError{kind: "entry", path: path, n: len(matches)}
	}
}

// groupPath returns the path of g, or the empty string for the root.
func groupPath(g *keepass.Group) string {
	var names []string
	for ; g != nil && !g.IsRoot(); g = g.Parent() {
		names = append(names, g.Name)
	}
	return strings.Join(lo.Reverse(names), "/")
}

func entryPath(e *keepass.Entry) string {
	if p := e.Path(); p != "" {
		return p + "/" + e.Title()
	}
	return e.Title()
}
