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

// keepdb reads and edits KeePass 1 and KeePass 2 password databases.
package main // import "zombiezen.com/go/keepdb/cmd/keepdb"

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/alecthomas/kong"

	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/logging"
)

type cli struct {
	Config     string `short:"c" help:"Path to the configuration file."`
	Database   string `short:"d" help:"Path to the database."`
	KeyFile    string `short:"k" name:"key-file" help:"Path to the key file."`
	NoPassword bool   `name:"no-password" help:"Do not ask for a password; use only the key file."`
	LogLevel   string `name:"log-level" help:"Minimum level of log messages (trace, debug, info, warn, error, none)."`
	LogFormat  string `name:"log-format" help:"Log format (text or json)."`

	Info struct {
	} `cmd help:"Show information about the database"`

	Ls struct {
		Group     string `arg optional name:"group" help:"Group to list, default: the root group"`
		Recursive bool   `short:"r" help:"List subgroups too"`
	} `cmd help:"List the groups and entries in a group"`

	Show struct {
		Entry  string `arg name:"entry" help:"Entry path or UUID"`
		Reveal bool   `short:"r" help:"Show protected fields"`
	} `cmd help:"Show an entry"`

	Search struct {
		Words   []string `arg name:"words" help:"Words that must all appear in an entry"`
		Loose   bool     `short:"l" help:"Ignore case and diacritics"`
		Deleted bool     `help:"Include deleted entries"`
	} `cmd help:"Search for entries"`

	Add struct {
		Entry    string   `arg name:"entry" help:"Path of the new entry, ending in its title"`
		Fields   []string `arg optional name:"fields" help:"Fields to set, as Name=value"`
		Password bool     `short:"p" help:"Ask for the entry's password"`
		Generate bool     `short:"g" help:"Generate a password for the entry"`
	} `cmd help:"Add an entry"`

	Edit struct {
		Entry    string   `arg name:"entry" help:"Entry path or UUID"`
		Fields   []string `arg optional name:"fields" help:"Fields to set, as Name=value"`
		Title    string   `short:"t" help:"New title"`
		Remove   []string `help:"Fields to remove"`
		Password bool     `short:"p" help:"Ask for a new password"`
		Generate bool     `short:"g" help:"Generate a new password"`
	} `cmd help:"Change an entry, keeping the old version in its history"`

	Rm struct {
		Entry string `arg name:"entry" help:"Entry path or UUID"`
	} `cmd help:"Delete an entry"`

	Mkgroup struct {
		Group string `arg name:"group" help:"Path of the new group"`
	} `cmd help:"Create a group"`

	Rmgroup struct {
		Group string `arg name:"group" help:"Group path or UUID"`
	} `cmd help:"Delete a group and everything in it"`

	Mv struct {
		Source string `arg name:"source" help:"Entry or group to move"`
		Target string `arg name:"target" help:"Destination group"`
	} `cmd help:"Move an entry or group into another group"`

	History struct {
		Entry  string `arg name:"entry" help:"Entry path or UUID"`
		N      int    `arg optional name:"n" help:"Show the nth previous version"`
		Reveal bool   `short:"r" help:"Show protected fields"`
	} `cmd help:"List the previous versions of an entry"`

	Totp struct {
		Entry string `arg name:"entry" help:"Entry path or UUID"`
	} `cmd help:"Print an entry's current one-time password"`

	Attach struct {
		Entry string `arg name:"entry" help:"Entry path or UUID"`
		File  string `arg name:"file" help:"File to attach"`
		Name  string `short:"n" help:"Attachment name, default: the file's name"`
	} `cmd help:"Attach a file to an entry"`

	ExportAttachment struct {
		Entry string `arg name:"entry" help:"Entry path or UUID"`
		Name  string `arg name:"name" help:"Attachment name"`
		Out   string `short:"o" help:"Output file, default: standard output"`
	} `cmd help:"Write an attachment to a file"`

	Passwd struct {
		NewKeyFile      string `name:"new-key-file" help:"Key file for the new key"`
		GenerateKeyFile bool   `name:"generate-key-file" help:"Create the new key file"`
		NoPassword      bool   `name:"no-new-password" help:"Use only the new key file"`
	} `cmd help:"Change the database's password or key file"`

	Create struct {
		Format          string `short:"f" default:"kdbx4" help:"File format: kdb, kdbx3 or kdbx4"`
		GenerateKeyFile bool   `name:"generate-key-file" help:"Create the key file given by --key-file"`
	} `cmd help:"Create a new database"`

	Pwgen struct {
		Length     int  `short:"n" help:"Number of characters"`
		Passphrase bool `short:"w" help:"Generate words instead of characters"`
		Words      int  `help:"Number of words"`
		Symbols    bool `short:"s" help:"Include symbols"`
		Count      int  `default:"1" help:"Number of passwords to generate"`
	} `cmd help:"Generate random passwords"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], env{in: os.Stdin, out: os.Stdout, errOut: os.Stderr})
	stop()
	os.Exit(code)
}

// env is the outside world a run of the program sees.
type env struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// configure, if set, is called on the app before the command runs.
	configure func(*app)
}

func run(ctx context.Context, args []string, e env) int {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("keepdb"),
		kong.Description("Read and edit KeePass password databases."),
		kong.Writers(e.out, e.errOut),
	)
	if err != nil {
		fmt.Fprintln(e.errOut, "keepdb:", err)
		return exitFailure
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(e.errOut, "keepdb:", err)
		return exitUsage
	}
	command := strings.Fields(kctx.Command())[0]

	configPath := c.Config
	if configPath == "" {
		configPath = defaultConfigPath()
	}
	cfg, err := loadConfig(configPath, c.Config != "")
	if err != nil {
		return report(e.errOut, nil, command, err)
	}
	if c.Database != "" {
		cfg.Database = c.Database
	}
	if c.KeyFile != "" {
		cfg.KeyFile = c.KeyFile
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.LogFormat = c.LogFormat
	}
	log := logging.New()
	log.SetOutput(e.errOut)
	if err := log.SetOutputFormat(cfg.LogFormat); err != nil {
		return report(e.errOut, nil, command, usageError{msg: err.Error()})
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return report(e.errOut, nil, command, usageError{msg: err.Error()})
	}

	a := newApp(cfg, log, e.in, e.out, e.errOut)
	a.noPassword = c.NoPassword
	if e.configure != nil {
		e.configure(a)
	}
	switch command {
	case "info":
		err = a.info(ctx)
	case "ls":
		err = a.ls(ctx, c.Ls.Group, c.Ls.Recursive)
	case "show":
		err = a.show(ctx, c.Show.Entry, c.Show.Reveal)
	case "search":
		err = a.search(ctx, c.Search.Words, c.Search.Loose, c.Search.Deleted)
	case "add":
		err = a.add(ctx, c.Add.Entry, entryOptions{
			Fields:      c.Add.Fields,
			AskPassword: c.Add.Password,
			Generate:    c.Add.Generate,
		})
	case "edit":
		err = a.edit(ctx, c.Edit.Entry, editOptions{
			entryOptions: entryOptions{
				Fields:      c.Edit.Fields,
				AskPassword: c.Edit.Password,
				Generate:    c.Edit.Generate,
			},
			Title:  c.Edit.Title,
			Remove: c.Edit.Remove,
		})
	case "rm":
		err = a.rm(ctx, c.Rm.Entry)
	case "mkgroup":
		err = a.mkgroup(ctx, c.Mkgroup.Group)
	case "rmgroup":
		err = a.rmgroup(ctx, c.Rmgroup.Group)
	case "mv":
		err = a.mv(ctx, c.Mv.Source, c.Mv.Target)
	case "history":
		err = a.history(ctx, c.History.Entry, c.History.N, c.History.Reveal)
	case "totp":
		err = a.totp(ctx, c.Totp.Entry)
	case "attach":
		err = a.attach(ctx, c.Attach.Entry, c.Attach.File, c.Attach.Name)
	case "export-attachment":
		err = a.exportAttachment(ctx, c.ExportAttachment.Entry, c.ExportAttachment.Name, c.ExportAttachment.Out)
	case "passwd":
		err = a.passwd(ctx, c.Passwd.NewKeyFile, c.Passwd.GenerateKeyFile, c.Passwd.NoPassword)
	case "create":
		var f keepass.Format
		f, err = parseFormat(c.Create.Format)
		if err == nil {
			err = a.create(ctx, f, c.Create.GenerateKeyFile)
		}
	case "pwgen":
		err = a.pwgen(pwgenOptions{
			Length:     c.Pwgen.Length,
			Words:      c.Pwgen.Words,
			Passphrase: c.Pwgen.Passphrase,
			Symbols:    c.Pwgen.Symbols,
			Count:      c.Pwgen.Count,
		})
	default:
		err = usageError{msg: "unknown command " + command}
	}
	return report(e.errOut, log, command, err)
}

// report prints err, if any, and returns the exit code.
func report(w io.Writer, log logging.Logger, command string, err error) int {
	if err == nil {
		return exitOK
	}
	msg := err.Error()
	if isUserError(err) {
		msg = userErrorMessage(err)
		if log != nil {
			log.WithError(err).Debug("%s failed", command)
		}
	} else if log != nil {
		log.WithError(err).Error("%s failed", command)
	}
	errorColor.Fprint(w, "keepdb: ")
	fmt.Fprintln(w, msg)
	return errorExitCode(err)
}
