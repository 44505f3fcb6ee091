// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stdstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/edgelesssys/devicelock/controller/store"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DataFname is the file name in which the state is persisted in the data directory.
const DataFname string = "state.json"

// StdStore is the standard implementation of the Store interface.
// Its data is kept in memory and written as JSON to a file on every commit.
type StdStore struct {
	data       map[string][]byte
	mux, txmux sync.Mutex

	fs      afero.Afero
	dataDir string
	lock    *flock.Flock
	log     *zap.Logger
}

// Option configures a StdStore.
type Option func(*StdStore)

// WithFileLock serializes commits across processes sharing the data directory
// using an advisory lock on the given path of the host file system.
func WithFileLock(path string) Option {
	return func(s *StdStore) {
		s.lock = flock.New(path)
	}
}

// New creates and initializes a new StdStore object.
func New(fs afero.Fs, dataDir string, log *zap.Logger, opts ...Option) *StdStore {
	s := &StdStore{
		data:    make(map[string][]byte),
		fs:      afero.Afero{Fs: fs},
		dataDir: dataDir,
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves a value from StdStore by Type and Name.
func (s *StdStore) Get(request string) ([]byte, error) {
	s.mux.Lock()
	value, ok := s.data[request]
	s.mux.Unlock()

	if ok {
		return value, nil
	}
	return nil, store.ErrValueUnset
}

// Put saves a value in StdStore by Type and Name.
func (s *StdStore) Put(request string, requestData []byte) error {
	tx := s.beginTransaction()
	defer tx.Rollback()
	if err := tx.Put(request, requestData); err != nil {
		return err
	}
	return tx.Commit(context.Background())
}

// Delete removes a value from StdStore.
func (s *StdStore) Delete(request string) error {
	tx := s.beginTransaction()
	defer tx.Rollback()
	if err := tx.Delete(request); err != nil {
		return err
	}
	return tx.Commit(context.Background())
}

// Iterator returns an iterator for keys saved in StdStore with a given prefix.
// For an empty prefix this is an iterator for all keys in StdStore.
func (s *StdStore) Iterator(prefix string) (store.Iterator, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return newIterator(s.data, prefix), nil
}

// BeginTransaction starts a new transaction.
func (s *StdStore) BeginTransaction(_ context.Context) (store.Transaction, error) {
	return s.beginTransaction(), nil
}

// LoadState loads the persisted data into StdStore's data.
// A missing data file is not an error: the store starts empty.
func (s *StdStore) LoadState() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.lockFile(); err != nil {
		return err
	}
	defer s.unlockFile()

	stateRaw, err := s.fs.ReadFile(filepath.Join(s.dataDir, DataFname))
	if errors.Is(err, os.ErrNotExist) {
		s.log.Debug("No persisted state found, starting with an empty store", zap.String("dir", s.dataDir))
		return nil
	} else if err != nil {
		return fmt.Errorf("reading persisted state: %w", err)
	}
	if len(stateRaw) == 0 {
		return nil
	}

	var loadedData map[string][]byte
	if err := json.Unmarshal(stateRaw, &loadedData); err != nil {
		return fmt.Errorf("decoding persisted state: %w", err)
	}

	s.data = loadedData
	return nil
}

func (s *StdStore) beginTransaction() *StdTransaction {
	tx := StdTransaction{store: s, data: map[string][]byte{}}
	s.txmux.Lock()

	s.mux.Lock()
	for k, v := range s.data {
		tx.data[k] = v
	}
	s.mux.Unlock()

	return &tx
}

// commit saves the store's data to disk.
func (s *StdStore) commit(data map[string][]byte) error {
	dataRaw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.lockFile(); err != nil {
		return err
	}
	defer s.unlockFile()

	if err := s.fs.MkdirAll(s.dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	// write to a temporary file first so a crash never leaves a truncated state file behind
	fname := filepath.Join(s.dataDir, DataFname)
	if err := s.fs.WriteFile(fname+".tmp", dataRaw, 0o600); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := s.fs.Rename(fname+".tmp", fname); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}

	s.data = data
	s.txmux.Unlock()

	return nil
}

func (s *StdStore) lockFile() error {
	if s.lock == nil {
		return nil
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquiring lock %s: %w", s.lock.Path(), err)
	}
	return nil
}

func (s *StdStore) unlockFile() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		s.log.Warn("Releasing state file lock failed", zap.Error(err))
	}
}

// StdTransaction is a transaction for StdStore.
type StdTransaction struct {
	store *StdStore
	data  map[string][]byte
}

// Get retrieves a value.
func (t *StdTransaction) Get(request string) ([]byte, error) {
	if value, ok := t.data[request]; ok {
		return value, nil
	}
	return nil, store.ErrValueUnset
}

// Put saves a value.
func (t *StdTransaction) Put(request string, requestData []byte) error {
	t.data[request] = requestData
	return nil
}

// Delete removes a value.
func (t *StdTransaction) Delete(request string) error {
	delete(t.data, request)
	return nil
}

// Iterator returns an iterator for all keys in the transaction with a given prefix.
func (t *StdTransaction) Iterator(prefix string) (store.Iterator, error) {
	return newIterator(t.data, prefix), nil
}

// Commit ends a transaction and persists the changes.
func (t *StdTransaction) Commit(_ context.Context) error {
	if err := t.store.commit(t.data); err != nil {
		return err
	}
	t.store = nil
	return nil
}

// Rollback aborts a transaction.
func (t *StdTransaction) Rollback() {
	if t.store != nil {
		t.store.txmux.Unlock()
		t.store = nil
	}
}

// StdIterator is the standard Iterator implementation.
type StdIterator struct {
	idx  int
	keys []string
}

func newIterator(data map[string][]byte, prefix string) *StdIterator {
	keys := make([]string, 0)
	for k := range data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return &StdIterator{0, keys}
}

// GetNext implements the Iterator interface.
func (i *StdIterator) GetNext() (string, error) {
	if i.idx >= len(i.keys) {
		return "", fmt.Errorf("index out of range [%d] with length %d", i.idx, len(i.keys))
	}
	val := i.keys[i.idx]
	i.idx++
	return val, nil
}

// HasNext implements the Iterator interface.
func (i *StdIterator) HasNext() bool {
	return i.idx < len(i.keys)
}
