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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageLock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.kdbx")
	st, err := openStorage(ctx, path)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if st2, err := openStorage(shortCtx, path); err == nil {
		st2.Close()
		t.Fatal("second openStorage succeeded while the first held the lock")
	} else {
		assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errLocked), "err = %v", err)
	}

	require.NoError(t, st.Close())
	st2, err := openStorage(ctx, path)
	require.NoError(t, err)
	assert.NoError(t, st2.Close())
}

func TestStorageWriteAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "db.kdbx")
	st, err := openStorage(ctx, path)
	require.NoError(t, err)
	defer st.Close()

	assert.False(t, st.exists())
	assert.Equal(t, path, st.Ref())
	require.NoError(t, st.WriteAll(ctx, []byte("first")))
	assert.True(t, st.exists())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.Chmod(path, 0640))
	require.NoError(t, st.WriteAll(ctx, []byte("second")))
	got, err := st.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	names, err := filepath.Glob(filepath.Join(dir, ".db.kdbx.*"))
	require.NoError(t, err)
	assert.Empty(t, names, "temporary files left behind")
}

func TestStorageCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.kdbx")
	st, err := openStorage(context.Background(), path)
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, st.WriteAll(ctx, []byte("data")), context.Canceled)
	assert.False(t, st.exists())
	_, err = st.ReadAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyFileContainer(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.key")
	require.NoError(t, os.WriteFile(path, []byte("key data"), 0600))

	kf := keyFile(path)
	assert.Equal(t, path, kf.Ref())
	got, err := kf.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key data", string(got))

	assert.Error(t, kf.WriteAll(ctx, []byte("other")))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "key data", string(got))
}
