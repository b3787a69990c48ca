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

// Package engine loads, saves and closes KeePass databases one at a
// time.  Operations on an Engine are serialized; tree edits between a
// load and a save happen directly on the returned *keepass.Database.
package engine // import "zombiezen.com/go/keepdb/pkg/engine"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"

	"zombiezen.com/go/keepdb/pkg/keepass"
	"zombiezen.com/go/keepdb/pkg/keepass/kp1"
	"zombiezen.com/go/keepdb/pkg/keepass/kp2"
	"zombiezen.com/go/keepdb/pkg/keys"
	"zombiezen.com/go/keepdb/pkg/logging"
	"zombiezen.com/go/keepdb/pkg/progress"
	"zombiezen.com/go/keepdb/pkg/secure"
)

// Errors returned when an operation does not fit the engine's state.
var (
	ErrDatabaseOpen = errors.New("engine: a database is already open")
	ErrNoDatabase   = errors.New("engine: no database is open")
)

// Stage weights out of 100.
const (
	loadReadUnits   = 5
	loadKeyUnits    = 5
	loadDecodeUnits = 90

	saveEncodeUnits = 90
	saveWriteUnits  = 10
)

// Options is the set of parameters for an Engine.  Nil is treated the
// same as the zero value.
type Options struct {
	// Logger defaults to a logger that discards everything.
	Logger logging.Logger

	// KeyStore remembers composite keys after a successful load.  If
	// nil, keys are not remembered.
	KeyStore KeyStore

	// Observer receives events.  May be nil.
	Observer Observer

	// Rand is the random source passed to the codecs.  Defaults to
	// crypto/rand.Reader.
	Rand io.Reader
}

func (opts *Options) getLogger() logging.Logger {
	if opts == nil || opts.Logger == nil {
		return logging.Discard()
	}
	return opts.Logger
}

// An Engine holds at most one open database.
type Engine struct {
	log   logging.Logger
	keys  KeyStore
	obs   Observer
	dbOpt keepass.Options

	// queue holds a token while an operation runs.
	queue chan struct{}

	mu sync.Mutex
	db *keepass.Database
	c  Container
}

// New returns an engine with no open database.
func New(opts *Options) *Engine {
	e := &Engine{
		log:   opts.getLogger(),
		queue: make(chan struct{}, 1),
	}
	if opts != nil {
		e.keys = opts.KeyStore
		e.obs = opts.Observer
		e.dbOpt.Rand = opts.Rand
	}
	return e
}

// enqueue waits for the running operation, if any, to finish.
func (e *Engine) enqueue(ctx context.Context) error {
	if err := progress.Check(ctx); err != nil {
		return err
	}
	select {
	case e.queue <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &progress.Interruption{Err: ctx.Err()}
	}
}

func (e *Engine) dequeue() {
	<-e.queue
}

func (e *Engine) notify(ev Event) {
	if e.obs != nil {
		e.obs.Notify(ev)
	}
}

// Database returns the open database or nil.
func (e *Engine) Database() *keepass.Database {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db
}

// Ref returns the reference of the open database's container or "".
func (e *Engine) Ref() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return ""
	}
	return e.c.Ref()
}

func (e *Engine) current() (*keepass.Database, Container) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db, e.c
}

func (e *Engine) setCurrent(db *keepass.Database, c Container) {
	e.mu.Lock()
	e.db, e.c = db, c
	e.mu.Unlock()
}

// Search finds entries in the open database.  It returns nil if no
// database is open.
func (e *Engine) Search(q *keepass.SearchQuery) []keepass.SearchResult {
	db := e.Database()
	if db == nil {
		return nil
	}
	return db.Search(q)
}

func helperFor(f keepass.Format) keys.Helper {
	if f.Generation() == 1 {
		return keys.V1
	}
	return keys.V2
}

// Load reads, decrypts and opens the database in c.  If cred is empty,
// the key remembered for c is used.  Load returns ErrDatabaseOpen if a
// database is already open.
//
// Other errors are *keepass.DatabaseError or *progress.Interruption.
// On any error, no database is open afterward.
func (e *Engine) Load(ctx context.Context, c Container, cred Credentials) (*keepass.Database, *keepass.Warnings, error) {
	if err := e.enqueue(ctx); err != nil {
		return nil, nil, err
	}
	defer e.dequeue()
	if db, _ := e.current(); db != nil {
		return nil, nil, ErrDatabaseOpen
	}

	ref := c.Ref()
	log := e.log.WithField("ref", ref)
	e.notify(Event{Kind: WillLoad, Ref: ref})
	db, w, stored, err := e.load(ctx, log, c, cred)
	if err != nil {
		switch {
		case progress.IsInterruption(err):
			log.Info("load cancelled")
			e.notify(Event{Kind: Cancelled, Ref: ref, Err: err})
		case keepass.IsInvalidKey(err):
			log.Warn("invalid key")
			if stored {
				e.forget(log, ref)
			}
			e.notify(Event{Kind: InvalidKey, Ref: ref, Err: err})
		default:
			log.WithError(err).Error("load failed")
			e.notify(Event{Kind: LoadFailed, Ref: ref, Err: err})
		}
		return nil, nil, err
	}
	e.setCurrent(db, c)
	if !stored {
		e.remember(log, ref, db.CompositeKey())
	}
	if w.Generator != "" {
		log.Debug("written by %s", w.Generator)
	}
	for _, issue := range w.Issues {
		log.Warn("%s", issue)
	}
	log.Info("opened %v database", db.Format())
	e.notify(Event{Kind: DidLoad, Ref: ref, Warnings: w})
	return db, w, nil
}

func (e *Engine) load(ctx context.Context, log logging.Logger, c Container, cred Credentials) (db *keepass.Database, w *keepass.Warnings, stored bool, err error) {
	defer keepass.Recover(keepass.LoadError, &err)
	p := progress.New(loadReadUnits + loadKeyUnits + loadDecodeUnits)
	relay := &progressRelay{ref: c.Ref(), notify: e.notify}
	p.OnChange(relay.report)

	log.Debug("reading database")
	data, err := c.ReadAll(ctx)
	if err != nil {
		if ierr := progress.Check(ctx); ierr != nil {
			return nil, nil, false, ierr
		}
		return nil, nil, false, keepass.NewLoadError("cannot read database", err)
	}
	p.Add(loadReadUnits)
	if err := progress.Check(ctx); err != nil {
		return nil, nil, false, err
	}

	format, err := keepass.DetectFormat(data)
	if err != nil {
		return nil, nil, false, err
	}
	log.Debug("deriving composite key for %v", format)
	key, stored, err := e.compositeKey(ctx, log, c.Ref(), format, cred)
	if err != nil {
		return nil, nil, false, err
	}
	defer key.Erase()
	p.Add(loadKeyUnits)

	log.Debug("decoding %v", format)
	decode := progress.New(0)
	p.AddChild(decode, loadDecodeUnits)
	opts := e.dbOpt
	if format.Generation() == 1 {
		db, w, err = kp1.Load(ctx, decode, data, key, &opts)
	} else {
		db, w, err = kp2.Load(ctx, decode, data, key, &opts)
	}
	if err != nil {
		return nil, nil, stored, keepass.Boundary(keepass.LoadError, err)
	}
	p.Finish()
	return db, w, stored, nil
}

// compositeKey builds the key from cred, or retrieves the remembered key
// when cred is empty.  stored reports whether the key was remembered.
func (e *Engine) compositeKey(ctx context.Context, log logging.Logger, ref string, f keepass.Format, cred Credentials) (key *secure.Bytes, stored bool, err error) {
	if cred.IsEmpty() && e.keys != nil {
		key, err := e.keys.Get(ref)
		if err != nil {
			log.WithError(err).Warn("cannot retrieve remembered key")
		} else if !key.IsEmpty() {
			log.Debug("using remembered key")
			return key, true, nil
		}
	}
	key, err = cred.compositeKey(ctx, helperFor(f))
	if err != nil {
		if ierr := progress.Check(ctx); ierr != nil {
			return nil, false, ierr
		}
		return nil, false, keepass.NewLoadError(err.Error(), err)
	}
	return key, false, nil
}

func (e *Engine) remember(log logging.Logger, ref string, key *secure.Bytes) {
	if e.keys == nil || key.IsEmpty() {
		return
	}
	if err := e.keys.Put(ref, key); err != nil {
		log.WithError(err).Warn("cannot remember key")
	}
}

func (e *Engine) forget(log logging.Logger, ref string) {
	if e.keys == nil {
		return
	}
	if err := e.keys.Delete(ref); err != nil {
		log.WithError(err).Warn("cannot forget key")
	}
}

// Save encrypts the open database and writes it to its container.  The
// database stays open whatever the outcome.
//
// Errors are ErrNoDatabase, *keepass.DatabaseError or
// *progress.Interruption.  A cancelled save never writes to the
// container.
func (e *Engine) Save(ctx context.Context) error {
	if err := e.enqueue(ctx); err != nil {
		return err
	}
	defer e.dequeue()
	db, c := e.current()
	if db == nil {
		return ErrNoDatabase
	}
	return e.save(ctx, db, c)
}

func (e *Engine) save(ctx context.Context, db *keepass.Database, c Container) error {
	ref := c.Ref()
	log := e.log.WithField("ref", ref)
	e.notify(Event{Kind: WillSave, Ref: ref})
	if err := e.write(ctx, log, db, c); err != nil {
		if progress.IsInterruption(err) {
			log.Info("save cancelled")
			e.notify(Event{Kind: Cancelled, Ref: ref, Err: err})
		} else {
			log.WithError(err).Error("save failed")
			e.notify(Event{Kind: SaveFailed, Ref: ref, Err: err})
		}
		return err
	}
	log.Info("saved %v database", db.Format())
	e.notify(Event{Kind: DidSave, Ref: ref})
	return nil
}

func (e *Engine) write(ctx context.Context, log logging.Logger, db *keepass.Database, c Container) (err error) {
	defer keepass.Recover(keepass.SaveError, &err)
	p := progress.New(saveEncodeUnits + saveWriteUnits)
	relay := &progressRelay{ref: c.Ref(), notify: e.notify}
	p.OnChange(relay.report)

	log.Debug("encoding %v", db.Format())
	encode := progress.New(0)
	p.AddChild(encode, saveEncodeUnits)
	var data []byte
	if db.Format().Generation() == 1 {
		data, err = kp1.Save(ctx, encode, db)
	} else {
		data, err = kp2.Save(ctx, encode, db)
	}
	if err != nil {
		return keepass.Boundary(keepass.SaveError, err)
	}
	if err := progress.Check(ctx); err != nil {
		return err
	}

	log.Debug("writing %d bytes", len(data))
	if err := c.WriteAll(ctx, data); err != nil {
		if ierr := progress.Check(ctx); ierr != nil {
			return ierr
		}
		return keepass.NewSaveError("cannot write database", err)
	}
	p.Finish()
	return nil
}

// Create makes a new database, writes it to c and opens it.  opts are
// passed to keepass.New; the engine's random source is used if opts
// does not name one.
func (e *Engine) Create(ctx context.Context, c Container, format keepass.Format, cred Credentials, opts *keepass.Options) (*keepass.Database, error) {
	if err := e.enqueue(ctx); err != nil {
		return nil, err
	}
	defer e.dequeue()
	if db, _ := e.current(); db != nil {
		return nil, ErrDatabaseOpen
	}
	if cred.IsEmpty() {
		return nil, keys.ErrEmpty
	}
	var o keepass.Options
	if opts != nil {
		o = *opts
	}
	if o.Rand == nil {
		o.Rand = e.dbOpt.Rand
	}
	db, err := keepass.New(format, &o)
	if err != nil {
		return nil, err
	}
	key, err := cred.compositeKey(ctx, helperFor(format))
	if err != nil {
		return nil, err
	}
	db.SetCompositeKey(key)
	if err := e.save(ctx, db, c); err != nil {
		db.Erase()
		return nil, err
	}
	e.setCurrent(db, c)
	e.remember(e.log.WithField("ref", c.Ref()), c.Ref(), key)
	return db, nil
}

// ChangeCompositeKey replaces the open database's key.  The change is
// written by the next Save.
func (e *Engine) ChangeCompositeKey(ctx context.Context, cred Credentials) error {
	if err := e.enqueue(ctx); err != nil {
		return err
	}
	defer e.dequeue()
	db, c := e.current()
	if db == nil {
		return ErrNoDatabase
	}
	if cred.IsEmpty() {
		return keys.ErrEmpty
	}
	key, err := cred.compositeKey(ctx, helperFor(db.Format()))
	if err != nil {
		return err
	}
	db.SetCompositeKey(key)
	log := e.log.WithField("ref", c.Ref())
	log.Info("composite key changed")
	e.remember(log, c.Ref(), key)
	return nil
}

// Close erases the open database.  If forgetKey is true, the key
// remembered for it is erased as well.  Containers that implement
// io.Closer are closed.
func (e *Engine) Close(ctx context.Context, forgetKey bool) error {
	if err := e.enqueue(ctx); err != nil {
		return err
	}
	defer e.dequeue()
	db, c := e.current()
	if db == nil {
		return ErrNoDatabase
	}
	ref := c.Ref()
	log := e.log.WithField("ref", ref)
	e.notify(Event{Kind: WillClose, Ref: ref})

	db.Erase()
	e.setCurrent(nil, nil)
	if forgetKey {
		e.forget(log, ref)
	}
	var result *multierror.Error
	if closer, ok := c.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", ref, err))
		}
	}
	log.Info("closed")
	e.notify(Event{Kind: DidClose, Ref: ref})
	return result.ErrorOrNil()
}
