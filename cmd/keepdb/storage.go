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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
)

const lockRetryDelay = 50 * time.Millisecond

// storage manages I/O to a single database file.  It holds an advisory
// lock on a sibling ".lock" file from open until Close, so that two
// processes do not interleave read-modify-write cycles.
type storage struct {
	path string
	lock *flock.Flock
}

// openStorage locks path.  The database file need not exist yet; it
// will be created on the first write.
func openStorage(ctx context.Context, path string) (*storage, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", path, errLocked)
	}
	return &storage{path: path, lock: lock}, nil
}

var errLocked = errors.New("database is in use")

// exists reports whether the file exists yet.
func (st *storage) exists() bool {
	_, err := os.Stat(st.path)
	return err == nil
}

func (st *storage) Ref() string {
	return st.path
}

func (st *storage) ReadAll(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(st.path)
}

// WriteAll replaces the file's contents.  The data is written to a
// temporary file in the same directory and synced before being renamed
// over the original, so a failed write leaves the old file intact.
func (st *storage) WriteAll(ctx context.Context, data []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	mode := os.FileMode(0600)
	if info, err := os.Stat(st.path); err == nil {
		mode = info.Mode().Perm()
	}
	f, err := os.CreateTemp(filepath.Dir(st.path), "."+filepath.Base(st.path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
				err = multierror.Append(err, rmErr)
			}
		}
	}()
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		return err
	}
	return os.Rename(tmp, st.path)
}

// Close releases the lock.
func (st *storage) Close() error {
	if st.lock == nil {
		return nil
	}
	err := st.lock.Unlock()
	st.lock = nil
	return err
}

// keyFile is a read-only container for a key file.
type keyFile string

func (kf keyFile) Ref() string {
	return string(kf)
}

func (kf keyFile) ReadAll(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(string(kf))
}

func (kf keyFile) WriteAll(ctx context.Context, data []byte) error {
	return fmt.Errorf("%s: key files are read-only", string(kf))
}
