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
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"zombiezen.com/go/keepdb/pkg/engine"
	"zombiezen.com/go/keepdb/pkg/kdbcrypt"
	"zombiezen.com/go/keepdb/pkg/kdf"
	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/keys"
	"zombiezen.com/go/keepdb/pkg/pwgen"
	"zombiezen.com/go/keepdb/pkg/totp"
	"zombiezen.com/go/keepdb/pkg/uuids"
	"zombiezen.com/go/keepdb/pkg/vardict"
)

func parseFormat(s string) (keepass.Format, error) {
	switch strings.ToLower(s) {
	case "kdb", "1":
		return keepass.FormatKDB, nil
	case "kdbx3", "3":
		return keepass.FormatKDBX3, nil
	case "", "kdbx4", "kdbx", "4":
		return keepass.FormatKDBX4, nil
	default:
		return 0, usageError{msg: fmt.Sprintf("Unknown format %q; want kdb, kdbx3 or kdbx4", s)}
	}
}

// modelError gives the tree errors a user message.
func modelError(err error) error {
	var msg string
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keepass.ErrCycle):
		msg = "Cannot move a group into itself"
	case errors.Is(err, keepass.ErrRoot):
		msg = "Cannot change the root group"
	case errors.Is(err, keepass.ErrCustomFields):
		msg = "KeePass 1 entries only have the standard fields"
	case errors.Is(err, keepass.ErrSingleAttachment):
		msg = "KeePass 1 entries can have only one attachment"
	default:
		return err
	}
	return userError{msg: msg, err: err}
}

func (a *app) randReader() io.Reader {
	if a.rand == nil {
		return rand.Reader
	}
	return a.rand
}

func (a *app) info(ctx context.Context) error {
	return a.view(ctx, func(db *keepass.Database) error {
		row := func(label string, value interface{}) {
			labelColor.Fprintf(a.out, "%-16s ", label+":")
			fmt.Fprintln(a.out, value)
		}
		ref := a.eng.Ref()
		row("Database", ref)
		row("Format", db.Format())
		if fi, err := os.Stat(ref); err == nil {
			row("Size", humanize.Bytes(uint64(fi.Size())))
			row("File modified", formatTime(fi.ModTime(), a.now()))
		}
		if db.KP1 != nil {
			row("Cipher", cipherName(db.KP1.Cipher))
			row("Key derivation", fmt.Sprintf("AES-KDF, %s rounds", humanize.Comma(int64(db.KP1.Rounds))))
		} else {
			row("Cipher", cipherName(db.KP2.Cipher))
			row("Key derivation", describeKDF(db.KP2.KDF))
			row("Compressed", db.KP2.Compressed)
		}
		row("Groups", db.Count(true, false))
		row("Entries", db.Count(false, true))
		if db.KP2 == nil {
			return nil
		}
		m := &db.KP2.Meta
		if m.DatabaseName != "" {
			row("Name", m.DatabaseName)
		}
		if m.DatabaseDescription != "" {
			row("Description", m.DatabaseDescription)
		}
		if m.Generator != "" {
			row("Generator", m.Generator)
		}
		row("Recycle bin", m.RecycleBinEnabled)
		if m.HistoryMaxItems < 0 {
			row("History", "unlimited")
		} else {
			row("History", fmt.Sprintf("%d items, %s", m.HistoryMaxItems, humanize.IBytes(uint64(m.HistoryMaxSize))))
		}
		row("Key changed", formatTime(m.MasterKeyChanged, a.now()))
		return nil
	})
}

func cipherName(id uuids.UUID) string {
	c, err := kdbcrypt.Lookup(id)
	if err != nil {
		return id.String()
	}
	return c.Name()
}

func describeKDF(params *vardict.Dict) string {
	k, err := kdf.Lookup(params)
	if err != nil {
		return "unknown"
	}
	if r, ok := params.UInt64(kdf.RoundsParam); ok {
		return fmt.Sprintf("%s, %s rounds", k.Name(), humanize.Comma(int64(r)))
	}
	var parts []string
	if m, ok := params.UInt64(kdf.MemoryParam); ok {
		parts = append(parts, humanize.IBytes(m))
	}
	if it, ok := params.UInt64(kdf.IterationsParam); ok {
		parts = append(parts, fmt.Sprintf("%d iterations", it))
	}
	if p, ok := params.UInt32(kdf.ParallelismParam); ok {
		parts = append(parts, fmt.Sprintf("%d lanes", p))
	}
	if len(parts) == 0 {
		return k.Name()
	}
	return k.Name() + ", " + strings.Join(parts, ", ")
}

func (a *app) ls(ctx context.Context, path string, recursive bool) error {
	return a.view(ctx, func(db *keepass.Database) error {
		g, err := findGroup(db, path)
		if err != nil {
			return err
		}
		printGroup(a.out, g, recursive, "")
		return nil
	})
}

func (a *app) show(ctx context.Context, path string, reveal bool) error {
	return a.view(ctx, func(db *keepass.Database) error {
		e, err := findEntry(db, path)
		if err != nil {
			return err
		}
		printEntry(a.out, e, reveal, a.now())
		return nil
	})
}

func (a *app) search(ctx context.Context, words []string, loose, deleted bool) error {
	return a.view(ctx, func(db *keepass.Database) error {
		results := a.eng.Search(&keepass.SearchQuery{
			Text:             strings.Join(words, " "),
			IncludeSubgroups: true,
			IncludeDeleted:   deleted,
			Loose:            loose,
		})
		if keepass.CountEntries(results) == 0 {
			fmt.Fprintln(a.errOut, "No matches.")
			return nil
		}
		for _, r := range results {
			for _, e := range sortEntries(r.Entries) {
				fmt.Fprintln(a.out, entryPath(e))
			}
		}
		return nil
	})
}

type assignment struct {
	name, value string
}

// parseAssignments parses "Name=value" arguments.
func parseAssignments(args []string) ([]assignment, error) {
	list := make([]assignment, 0, len(args))
	for _, arg := range args {
		i := strings.IndexByte(arg, '=')
		if i <= 0 {
			return nil, usageError{msg: fmt.Sprintf("Field %q is not of the form Name=value", arg)}
		}
		list = append(list, assignment{name: arg[:i], value: arg[i+1:]})
	}
	return list, nil
}

type entryOptions struct {
	Fields      []string
	AskPassword bool
	Generate    bool
}

// entryPassword returns the new password for an entry, if one was asked
// for.
func (a *app) entryPassword(opts entryOptions) (string, bool, error) {
	switch {
	case opts.Generate:
		pw, err := a.generatePassword()
		return pw, err == nil, err
	case opts.AskPassword:
		pw, err := a.prompt.newPassword("Entry password")
		return pw, err == nil, err
	default:
		return "", false, nil
	}
}

func (a *app) generatePassword() (string, error) {
	set := pwgen.DefaultSet
	if a.cfg.Pwgen.Symbols {
		set |= pwgen.Symbols
	}
	return pwgen.Password(a.randReader(), a.cfg.Pwgen.Length, pwgen.Charset(set, true))
}

func (a *app) add(ctx context.Context, path string, opts entryOptions) error {
	dir, title := splitParent(path)
	if title == "" {
		return usageError{msg: "Entry title must not be empty"}
	}
	fields, err := parseAssignments(opts.Fields)
	if err != nil {
		return err
	}
	return a.update(ctx, func(db *keepass.Database) error {
		parent, err := findGroup(db, dir)
		if err != nil {
			return err
		}
		if db.Format() == keepass.FormatKDB && parent.IsRoot() {
			return usageError{msg: "KeePass 1 entries must be inside a group"}
		}
		if _, dup := lo.Find(parent.Entries(), func(e *keepass.Entry) bool { return e.Title() == title }); dup {
			return userError{msg: fmt.Sprintf("An entry named %q already exists", path), err: errors.New("duplicate entry")}
		}
		e, err := db.NewEntry()
		if err != nil {
			return err
		}
		e.SetTitle(title)
		for _, f := range fields {
			if err := e.SetField(f.name, f.value); err != nil {
				return modelError(err)
			}
		}
		pw, ok, err := a.entryPassword(opts)
		if err != nil {
			return err
		}
		if ok {
			e.SetPassword(pw)
		}
		if err := db.AddEntry(parent, e); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Added %s\n", entryPath(e))
		return nil
	})
}

type editOptions struct {
	entryOptions
	Title  string
	Remove []string
}

func (a *app) edit(ctx context.Context, path string, opts editOptions) error {
	fields, err := parseAssignments(opts.Fields)
	if err != nil {
		return err
	}
	if len(fields) == 0 && len(opts.Remove) == 0 && opts.Title == "" && !opts.AskPassword && !opts.Generate {
		return usageError{msg: "Nothing to change"}
	}
	return a.update(ctx, func(db *keepass.Database) error {
		e, err := findEntry(db, path)
		if err != nil {
			return err
		}
		if err := db.BackupEntry(e); err != nil {
			return err
		}
		if opts.Title != "" {
			e.SetTitle(opts.Title)
		}
		for _, f := range fields {
			if err := e.SetField(f.name, f.value); err != nil {
				return modelError(err)
			}
		}
		for _, name := range opts.Remove {
			f := e.Field(name)
			switch {
			case f == nil:
				return notFoundError{kind: "field", path: name}
			case keepass.IsStandardField(name):
				f.Value = ""
			default:
				e.RemoveField(f)
			}
		}
		pw, ok, err := a.entryPassword(opts.entryOptions)
		if err != nil {
			return err
		}
		if ok {
			e.SetPassword(pw)
		}
		e.Modified()
		fmt.Fprintf(a.out, "Updated %s\n", entryPath(e))
		return nil
	})
}

func (a *app) rm(ctx context.Context, path string) error {
	return a.update(ctx, func(db *keepass.Database) error {
		e, err := findEntry(db, path)
		if err != nil {
			return err
		}
		name := entryPath(e)
		if err := db.DeleteEntry(e); err != nil {
			return err
		}
		if p := e.Parent(); p != nil {
			fmt.Fprintf(a.out, "Moved %s to %s\n", name, p.Name)
		} else {
			fmt.Fprintf(a.out, "Deleted %s\n", name)
		}
		return nil
	})
}

func (a *app) mkgroup(ctx context.Context, path string) error {
	dir, name := splitParent(path)
	if name == "" {
		return usageError{msg: "Group name must not be empty"}
	}
	return a.update(ctx, func(db *keepass.Database) error {
		parent, err := findGroup(db, dir)
		if err != nil {
			return err
		}
		if _, dup := lo.Find(parent.Groups(), func(g *keepass.Group) bool { return g.Name == name }); dup {
			return userError{msg: fmt.Sprintf("A group named %q already exists", path), err: errors.New("duplicate group")}
		}
		g, err := db.NewGroup()
		if err != nil {
			return err
		}
		g.Name = name
		if err := db.AddGroup(parent, g); err != nil {
			return modelError(err)
		}
		fmt.Fprintf(a.out, "Created group %s\n", groupPath(g))
		return nil
	})
}

func (a *app) rmgroup(ctx context.Context, path string) error {
	return a.update(ctx, func(db *keepass.Database) error {
		g, err := findGroup(db, path)
		if err != nil {
			return err
		}
		if g.IsRoot() {
			return modelError(keepass.ErrRoot)
		}
		name := groupPath(g)
		if err := db.DeleteGroup(g); err != nil {
			return modelError(err)
		}
		if p := g.Parent(); p != nil {
			fmt.Fprintf(a.out, "Moved group %s to %s\n", name, p.Name)
		} else {
			fmt.Fprintf(a.out, "Deleted group %s\n", name)
		}
		return nil
	})
}

// mv moves an entry or a group into another group.
func (a *app) mv(ctx context.Context, src, dst string) error {
	return a.update(ctx, func(db *keepass.Database) error {
		target, err := findGroup(db, dst)
		if err != nil {
			return err
		}
		e, entryErr := findEntry(db, src)
		if entryErr == nil {
			if db.Format() == keepass.FormatKDB && target.IsRoot() {
				return usageError{msg: "KeePass 1 entries must be inside a group"}
			}
			if err := db.MoveEntry(e, target); err != nil {
				return modelError(err)
			}
			fmt.Fprintf(a.out, "Moved %s\n", entryPath(e))
			return nil
		}
		g, err := findGroup(db, src)
		if err != nil {
			if errors.As(entryErr, new(ambiguousError)) {
				return entryErr
			}
			return notFoundError{kind: "entry or group", path: src}
		}
		if err := db.MoveGroup(g, target); err != nil {
			return modelError(err)
		}
		fmt.Fprintf(a.out, "Moved group %s\n", groupPath(g))
		return nil
	})
}

// history lists an entry's previous versions, or shows one of them if
// n is positive.
func (a *app) history(ctx context.Context, path string, n int, reveal bool) error {
	return a.view(ctx, func(db *keepass.Database) error {
		e, err := findEntry(db, path)
		if err != nil {
			return err
		}
		if e.KP2 == nil {
			return userError{msg: "KeePass 1 databases do not keep entry history", err: errors.New("no history in KDB")}
		}
		hist := e.KP2.History
		if n > 0 {
			if n > len(hist) {
				return notFoundError{kind: "history item", path: fmt.Sprintf("%s@%d", path, n)}
			}
			printEntry(a.out, hist[n-1], reveal, a.now())
			return nil
		}
		if len(hist) == 0 {
			fmt.Fprintln(a.errOut, "No history.")
			return nil
		}
		for i, h := range hist {
			fmt.Fprintf(a.out, "%3d  %s  %s\n", i+1, formatTime(h.Times.LastModification, a.now()), h.Title())
		}
		return nil
	})
}

func (a *app) totp(ctx context.Context, path string) error {
	return a.view(ctx, func(db *keepass.Database) error {
		e, err := findEntry(db, path)
		if err != nil {
			return err
		}
		g, err := totp.ForEntry(e)
		if errors.Is(err, totp.ErrNotConfigured) {
			return userError{msg: fmt.Sprintf("%s has no one-time password settings", entryPath(e)), err: err}
		}
		if err != nil {
			return userError{msg: "Invalid one-time password settings: " + err.Error(), err: err}
		}
		now := a.now()
		left := g.Period() - time.Duration(g.ElapsedFraction(now)*float64(g.Period()))
		fmt.Fprintln(a.out, g.Generate(now))
		fmt.Fprintf(a.errOut, "Valid for %v.\n", left.Round(time.Second))
		return nil
	})
}

func (a *app) attach(ctx context.Context, path, file, name string) error {
	if name == "" {
		name = filepath.Base(file)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return userError{msg: "Cannot read attachment: " + err.Error(), err: err}
	}
	return a.update(ctx, func(db *keepass.Database) error {
		e, err := findEntry(db, path)
		if err != nil {
			return err
		}
		existing := e.Attachment(name)
		if existing == nil && db.Format() == keepass.FormatKDB && len(e.Attachments) > 0 {
			return modelError(keepass.ErrSingleAttachment)
		}
		if err := db.BackupEntry(e); err != nil {
			return err
		}
		if existing != nil {
			existing.SetData(data)
		} else if err := e.AddAttachment(keepass.NewAttachment(name, data)); err != nil {
			return modelError(err)
		}
		e.Modified()
		fmt.Fprintf(a.out, "Attached %s (%s) to %s\n", name, humanize.Bytes(uint64(len(data))), entryPath(e))
		return nil
	})
}

func (a *app) exportAttachment(ctx context.Context, path, name, out string) error {
	return a.view(ctx, func(db *keepass.Database) error {
		e, err := findEntry(db, path)
		if err != nil {
			return err
		}
		att := e.Attachment(name)
		if att == nil {
			return notFoundError{kind: "attachment", path: name}
		}
		data, err := att.Data()
		if err != nil {
			return userError{msg: "Attachment is corrupted", err: err}
		}
		if out == "" || out == "-" {
			_, err := a.out.Write(data)
			return err
		}
		if err := os.WriteFile(out, data, 0600); err != nil {
			return err
		}
		fmt.Fprintf(a.errOut, "Wrote %s (%s).\n", out, humanize.Bytes(uint64(len(data))))
		return nil
	})
}

// newCredentials asks for the key of a new or re-keyed database.  If
// generate is true, a new key file is written first.
func (a *app) newCredentials(keyFilePath string, generate, noPassword bool) (engine.Credentials, error) {
	var cred engine.Credentials
	if keyFilePath != "" {
		if generate {
			if err := a.generateKeyFile(keyFilePath); err != nil {
				return engine.Credentials{}, err
			}
		}
		cred.KeyFile = keyFile(keyFilePath)
	} else if generate {
		return engine.Credentials{}, usageError{msg: "No key file path given"}
	}
	if !noPassword {
		pw, err := a.prompt.newPassword("New password")
		if err != nil {
			return engine.Credentials{}, err
		}
		cred.Password = pw
	}
	if cred.IsEmpty() {
		return engine.Credentials{}, keys.ErrEmpty
	}
	return cred, nil
}

func (a *app) generateKeyFile(path string) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return userError{msg: "Cannot create key file: " + err.Error(), err: err}
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := keys.GenerateKeyFile(f, a.randReader()); err != nil {
		return err
	}
	fmt.Fprintf(a.errOut, "Wrote key file %s.\n", path)
	return nil
}

func (a *app) create(ctx context.Context, format keepass.Format, generateKeyFile bool) error {
	st, err := a.storage(ctx)
	if err != nil {
		return err
	}
	if st.exists() {
		st.Close()
		return userError{msg: st.Ref() + " already exists", err: os.ErrExist}
	}
	cred, err := a.newCredentials(a.keyFile, generateKeyFile, a.noPassword)
	if err != nil {
		st.Close()
		return err
	}
	if _, err := a.eng.Create(ctx, st, format, cred, a.newDBOptions(format)); err != nil {
		st.Close()
		return err
	}
	fmt.Fprintf(a.out, "Created %s (%v)\n", st.Ref(), format)
	return a.close(ctx)
}

func (a *app) passwd(ctx context.Context, newKeyFile string, generate, noPassword bool) error {
	return a.update(ctx, func(db *keepass.Database) error {
		cred, err := a.newCredentials(newKeyFile, generate, noPassword)
		if err != nil {
			return err
		}
		if err := a.eng.ChangeCompositeKey(ctx, cred); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Changed the database key.")
		return nil
	})
}

type pwgenOptions struct {
	Length     int
	Words      int
	Passphrase bool
	Symbols    bool
	Count      int
}

func (a *app) pwgen(opts pwgenOptions) error {
	if opts.Count < 1 {
		opts.Count = 1
	}
	var gen func() (string, error)
	if opts.Passphrase {
		words := opts.Words
		if words <= 0 {
			words = a.cfg.Pwgen.Words
		}
		wl, err := pwgen.LoadWordList(a.cfg.Pwgen.WordList)
		if err != nil {
			return userError{msg: "Cannot load word list: " + err.Error(), err: err}
		}
		gen = func() (string, error) {
			return pwgen.Passphrase(a.randReader(), wl, words, false)
		}
	} else {
		length := opts.Length
		if length <= 0 {
			length = a.cfg.Pwgen.Length
		}
		set := pwgen.DefaultSet
		if opts.Symbols || a.cfg.Pwgen.Symbols {
			set |= pwgen.Symbols
		}
		cs := pwgen.Charset(set, true)
		gen = func() (string, error) {
			return pwgen.Password(a.randReader(), length, cs)
		}
	}
	for i := 0; i < opts.Count; i++ {
		pw, err := gen()
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, pw)
	}
	return nil
}
