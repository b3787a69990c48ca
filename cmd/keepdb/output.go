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
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"zombiezen.com/go/keepdb/pkg/keepass"
)

var (
	groupColor   = color.New(color.FgBlue, color.Bold)
	labelColor   = color.New(color.FgCyan)
	deletedColor = color.New(color.FgHiBlack)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

const mask = "********"

func printGroup(w io.Writer, g *keepass.Group, recursive bool, indent string) {
	subs := g.Groups()
	sort.SliceStable(subs, func(i, j int) bool {
		return strings.ToLower(subs[i].Name) < strings.ToLower(subs[j].Name)
	})
	for _, sub := range subs {
		c := groupColor
		if sub.Deleted {
			c = deletedColor
		}
		c.Fprintf(w, "%s%s/\n", indent, sub.Name)
		if recursive {
			printGroup(w, sub, true, indent+"  ")
		}
	}
	for _, e := range sortEntries(g.Entries()) {
		if e.Deleted {
			deletedColor.Fprintf(w, "%s%s\n", indent, e.Title())
			continue
		}
		fmt.Fprintf(w, "%s%s\n", indent, e.Title())
	}
}

func sortEntries(list []*keepass.Entry) []*keepass.Entry {
	sorted := append([]*keepass.Entry(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Title()) < strings.ToLower(sorted[j].Title())
	})
	return sorted
}

func printEntry(w io.Writer, e *keepass.Entry, reveal bool, now time.Time) {
	field := func(label, value string) {
		labelColor.Fprintf(w, "%-10s ", label+":")
		fmt.Fprintln(w, value)
	}
	field("Path", entryPath(e))
	field("UUID", e.UUID.String())
	for _, f := range e.Fields {
		if f.Name == keepass.TitleField {
			continue
		}
		v := f.Value
		if f.Protected && !reveal && v != "" {
			v = mask
		}
		if strings.Contains(v, "\n") {
			v = "\n  " + strings.ReplaceAll(v, "\n", "\n  ")
		}
		field(f.Name, v)
	}
	if e.KP2 != nil && e.KP2.Tags != "" {
		field("Tags", e.KP2.Tags)
	}
	for _, a := range e.Attachments {
		field("Attachment", fmt.Sprintf("%s (%s)", a.Name, humanize.Bytes(uint64(a.Size()))))
	}
	field("Created", formatTime(e.Times.Creation, now))
	field("Modified", formatTime(e.Times.LastModification, now))
	if e.Times.Expires {
		exp := formatTime(e.Times.Expiry, now)
		if e.Times.Expired(now) {
			exp = warnColor.Sprint("expired ") + exp
		}
		field("Expires", exp)
	}
	if e.Deleted {
		field("Deleted", "yes")
	}
}

func formatTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05"), humanize.RelTime(t, now, "ago", "from now"))
}

func printWarnings(w io.Writer, warnings *keepass.Warnings) {
	if warnings.Empty() {
		return
	}
	for _, issue := range warnings.Issues {
		warnColor.Fprintf(w, "warning: %s\n", issue)
	}
}
