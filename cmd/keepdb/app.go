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

package main

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"zombiezen.com/go/keepdb/pkg/engine"
	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/logging"
)

// app holds the state shared by all commands.
type app struct {
	cfg    *config
	log    logging.Logger
	eng    *engine.Engine
	keys   *engine.MemoryKeyStore // nil unless keys are remembered
	prompt *prompter
	out    io.Writer
	errOut io.Writer

	dbPath     string
	keyFile    string
	noPassword bool

	// rand and now default to the system sources.
	rand io.Reader
	now  func() time.Time

	// dbOptions returns the options for new databases.  Tests lower
	// the key derivation work factors.
	dbOptions func(keepass.Format) *keepass.Options
}

func newApp(cfg *config, log logging.Logger, in io.Reader, out, errOut io.Writer) *app {
	a := &app{
		cfg:     cfg,
		log:     log,
		prompt:  newPrompter(in, errOut),
		out:     out,
		errOut:  errOut,
		dbPath:  cfg.Database,
		keyFile: cfg.KeyFile,
		now:     time.Now,
	}
	opts := &engine.Options{Logger: log, Observer: a}
	if cfg.RememberKeys {
		a.keys = &engine.MemoryKeyStore{TTL: cfg.RememberTTL}
		opts.KeyStore = a.keys
	}
	a.eng = engine.New(opts)
	return a
}

// Notify implements engine.Observer.
func (a *app) Notify(ev engine.Event) {
	log := a.log.WithField("ref", ev.Ref)
	switch ev.Kind {
	case engine.ProgressChanged:
		log.Trace("progress %.0f%%", ev.Fraction*100)
	case engine.DidLoad:
		printWarnings(a.errOut, ev.Warnings)
		log.Debug("%v", ev.Kind)
	case engine.LoadFailed, engine.SaveFailed, engine.InvalidKey, engine.Cancelled:
		log.WithError(ev.Err).Debug("%v", ev.Kind)
	default:
		log.Debug("%v", ev.Kind)
	}
}

func (a *app) newDBOptions(f keepass.Format) *keepass.Options {
	if a.dbOptions != nil {
		return a.dbOptions(f)
	}
	return &keepass.Options{Rand: a.rand, Now: a.now}
}

// credentials asks for the key of the database at ref.  If a key is
// remembered for ref, no questions are asked and the engine uses it.
func (a *app) credentials(ref string) (engine.Credentials, error) {
	if a.keys != nil {
		if k, _ := a.keys.Get(ref); k != nil {
			k.Erase()
			return engine.Credentials{}, nil
		}
	}
	var cred engine.Credentials
	if a.keyFile != "" {
		cred.KeyFile = keyFile(a.keyFile)
	}
	if !a.noPassword {
		pw, err := a.prompt.password("Password for " + filepath.Base(ref))
		if err != nil {
			return engine.Credentials{}, err
		}
		cred.Password = pw
	}
	return cred, nil
}

func (a *app) storage(ctx context.Context) (*storage, error) {
	if a.dbPath == "" {
		return nil, usageError{msg: "No database given; use --database or set database in " + defaultConfigPath()}
	}
	return openStorage(ctx, a.dbPath)
}

// open loads the database.  The caller must call close.
func (a *app) open(ctx context.Context) (*keepass.Database, error) {
	st, err := a.storage(ctx)
	if err != nil {
		return nil, err
	}
	if !st.exists() {
		st.Close()
		return nil, notFoundError{kind: "database", path: st.Ref()}
	}
	cred, err := a.credentials(st.Ref())
	if err != nil {
		st.Close()
		return nil, err
	}
	db, _, err := a.eng.Load(ctx, st, cred)
	if err != nil {
		st.Close()
		return nil, err
	}
	return db, nil
}

// close closes the open database even if ctx is done, so that the
// storage lock is always released.
func (a *app) close(ctx context.Context) error {
	return a.eng.Close(context.WithoutCancel(ctx), false)
}

// view runs f on the loaded database.
func (a *app) view(ctx context.Context, f func(db *keepass.Database) error) error {
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	var result *multierror.Error
	if err := f(db); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return unwrapSingle(result)
}

// update runs f on the loaded database and saves it if f succeeds.
func (a *app) update(ctx context.Context, f func(db *keepass.Database) error) error {
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	var result *multierror.Error
	if err := f(db); err != nil {
		result = multierror.Append(result, err)
	} else if err := a.eng.Save(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return unwrapSingle(result)
}

// unwrapSingle returns the only error in result as-is, so that its
// user message and exit code survive.
func unwrapSingle(result *multierror.Error) error {
	if result != nil && len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result.ErrorOrNil()
}
