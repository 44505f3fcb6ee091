// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stdstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/edgelesssys/devicelock/controller/store"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStdStore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	str := New(afero.NewMemMapFs(), "data", zaptest.NewLogger(t))
	require.NoError(str.LoadState())

	testData1 := []byte("test data")
	testData2 := []byte("more test data")

	// request unset value
	_, err := str.Get("test:input")
	assert.ErrorIs(err, store.ErrValueUnset)

	// test Put method
	tx, err := str.BeginTransaction(context.Background())
	require.NoError(err)
	assert.NoError(tx.Put("test:input", testData1))
	assert.NoError(tx.Put("another:input", testData2))
	assert.NoError(tx.Commit(context.Background()))

	// make sure values have been set
	val, err := str.Get("test:input")
	assert.NoError(err)
	assert.Equal(testData1, val)
	val, err = str.Get("another:input")
	assert.NoError(err)
	assert.Equal(testData2, val)

	iter, err := str.Iterator("test")
	require.NoError(err)
	require.True(iter.HasNext())
	key, err := iter.GetNext()
	assert.NoError(err)
	assert.Equal("test:input", key)
	assert.False(iter.HasNext())
	_, err = iter.GetNext()
	assert.Error(err)

	assert.NoError(str.Delete("test:input"))
	_, err = str.Get("test:input")
	assert.ErrorIs(err, store.ErrValueUnset)
}

func TestStdStorePersistence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	fs := afero.NewMemMapFs()
	str := New(fs, "data", zaptest.NewLogger(t))
	require.NoError(str.LoadState())

	testData := []byte("test data")
	require.NoError(str.Put("test:input", testData))

	exists, err := afero.Exists(fs, filepath.Join("data", DataFname))
	require.NoError(err)
	assert.True(exists)

	// a new store on the same file system sees the committed data
	str2 := New(fs, "data", zaptest.NewLogger(t))
	require.NoError(str2.LoadState())
	val, err := str2.Get("test:input")
	assert.NoError(err)
	assert.Equal(testData, val)
}

func TestStdStoreRollback(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	str := New(afero.NewMemMapFs(), "data", zaptest.NewLogger(t))
	require.NoError(str.Put("key", []byte("old")))

	tx, err := str.BeginTransaction(ctx)
	require.NoError(err)
	require.NoError(tx.Put("key", []byte("new")))
	val, err := tx.Get("key")
	require.NoError(err)
	assert.Equal([]byte("new"), val)
	tx.Rollback()
	tx.Rollback()

	val, err = str.Get("key")
	require.NoError(err)
	assert.Equal([]byte("old"), val)

	// the transaction lock must have been released
	require.NoError(str.Put("key", []byte("newer")))
}

func TestStdStoreCorruptState(t *testing.T) {
	require := require.New(t)

	fs := afero.NewMemMapFs()
	require.NoError(afero.WriteFile(fs, filepath.Join("data", DataFname), []byte("{not json"), 0o600))

	str := New(fs, "data", zaptest.NewLogger(t))
	require.Error(str.LoadState())
}

func TestStdStoreFileLock(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	lockPath := filepath.Join(t.TempDir(), "state.lock")
	fs := afero.NewMemMapFs()
	str := New(fs, "data", zaptest.NewLogger(t), WithFileLock(lockPath))
	require.NoError(str.LoadState())
	require.NoError(str.Put("key", []byte("value")))

	str2 := New(fs, "data", zaptest.NewLogger(t), WithFileLock(lockPath))
	require.NoError(str2.LoadState())
	val, err := str2.Get("key")
	require.NoError(err)
	assert.Equal([]byte("value"), val)
}
