// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package wrapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/edgelesssys/devicelock/controller/store"
	"github.com/edgelesssys/devicelock/controller/store/request"
)

// Wrapper wraps store functions to provide a more convenient interface,
// and provides a type-safe way to access the store.
type Wrapper struct {
	store dataStore
}

// New creates a new wrapper for a store or transaction.
func New(store dataStore) Wrapper {
	return Wrapper{store}
}

type transactionHandle interface {
	BeginTransaction(context.Context) (store.Transaction, error)
}

// WrapTransaction initializes a transaction using the given handle,
// and returns a wrapper for the transaction, as well as rollback and commit functions.
func WrapTransaction(ctx context.Context, txHandle transactionHandle,
) (wrapper Wrapper, rollback func(), commit func(context.Context) error, err error) {
	tx, err := txHandle.BeginTransaction(ctx)
	if err != nil {
		return Wrapper{}, nil, nil, err
	}
	return New(tx), tx.Rollback, tx.Commit, nil
}

// GetDeviceState returns the device state from store.
// An unset value is reported as state.Unprovisioned, the state of a fresh device.
func (s Wrapper) GetDeviceState() (state.DeviceState, error) {
	v, err := s.getInt(request.DeviceState)
	if err != nil {
		return state.Unprovisioned, err
	}
	st := state.DeviceState(v)
	if !st.Valid() {
		return state.Unprovisioned, fmt.Errorf("persisted device state %d is invalid", v)
	}
	return st, nil
}

// PutDeviceState saves the device state to store.
func (s Wrapper) PutDeviceState(st state.DeviceState) error {
	return s.putInt(request.DeviceState, int(st))
}

// GetProvisionState returns the provision state from store.
// An unset value is reported as state.ProvisionStateUnprovisioned.
func (s Wrapper) GetProvisionState() (state.ProvisionState, error) {
	v, err := s.getInt(request.ProvisionState)
	if err != nil {
		return state.ProvisionStateUnprovisioned, err
	}
	st := state.ProvisionState(v)
	if !st.Valid() {
		return state.ProvisionStateUnprovisioned, fmt.Errorf("persisted provision state %d is invalid", v)
	}
	return st, nil
}

// PutProvisionState saves the provision state to store.
func (s Wrapper) PutProvisionState(st state.ProvisionState) error {
	return s.putInt(request.ProvisionState, int(st))
}

// GetFinalizationState returns the finalization state from store.
// An unset value is reported as state.FinalizationUninitialized.
func (s Wrapper) GetFinalizationState() (state.FinalizationState, error) {
	v, err := s.getInt(request.FinalizationState)
	if err != nil {
		return state.FinalizationUninitialized, err
	}
	st := state.FinalizationState(v)
	if !st.Valid() {
		return state.FinalizationUninitialized, fmt.Errorf("persisted finalization state %d is invalid", v)
	}
	return st, nil
}

// PutFinalizationState saves the finalization state to store.
func (s Wrapper) PutFinalizationState(st state.FinalizationState) error {
	return s.putInt(request.FinalizationState, int(st))
}

// GetFlag returns a boolean flag from store. Unset flags are false.
func (s Wrapper) GetFlag(name string) (bool, error) {
	raw, err := s.store.Get(strings.Join([]string{request.Flag, name}, ":"))
	if errors.Is(err, store.ErrValueUnset) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return strconv.ParseBool(string(raw))
}

// PutFlag saves a boolean flag to store.
func (s Wrapper) PutFlag(name string, value bool) error {
	return s.store.Put(strings.Join([]string{request.Flag, name}, ":"), []byte(strconv.FormatBool(value)))
}

// GetFlags returns all flags set in store.
func (s Wrapper) GetFlags() (map[string]bool, error) {
	iter, err := s.GetIterator(request.Flag)
	if err != nil {
		return nil, err
	}

	flags := map[string]bool{}
	for iter.HasNext() {
		name, err := iter.GetNext()
		if err != nil {
			return nil, err
		}
		flags[name], err = s.GetFlag(name)
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// GetRegisteredDeviceID returns the ID the device was registered with, or an empty string.
func (s Wrapper) GetRegisteredDeviceID() (string, error) {
	raw, err := s.store.Get(request.RegisteredDeviceID)
	if errors.Is(err, store.ErrValueUnset) {
		return "", nil
	}
	return string(raw), err
}

// PutRegisteredDeviceID saves the ID the device was registered with.
func (s Wrapper) PutRegisteredDeviceID(id string) error {
	return s.store.Put(request.RegisteredDeviceID, []byte(id))
}

// GetKioskSignature returns the accepted signing identity of a kiosk package.
func (s Wrapper) GetKioskSignature(pkg string) (state.KioskSignature, error) {
	var sig state.KioskSignature
	err := s.get(request.KioskSignature, pkg, &sig)
	return sig, err
}

// PutKioskSignature saves the accepted signing identity of a kiosk package.
func (s Wrapper) PutKioskSignature(sig state.KioskSignature) error {
	return s.put(request.KioskSignature, sig.Package, sig)
}

// GetProvisionFailure returns the last provisioning failure.
func (s Wrapper) GetProvisionFailure() (state.ProvisionFailure, error) {
	var failure state.ProvisionFailure
	raw, err := s.store.Get(request.ProvisionFailure)
	if err != nil {
		return failure, err
	}
	err = json.Unmarshal(raw, &failure)
	return failure, err
}

// PutProvisionFailure saves the last provisioning failure.
func (s Wrapper) PutProvisionFailure(failure state.ProvisionFailure) error {
	raw, err := json.Marshal(failure)
	if err != nil {
		return err
	}
	return s.store.Put(request.ProvisionFailure, raw)
}

// GetIterator returns a wrapped iterator from store.
func (s Wrapper) GetIterator(prefix string) (Iterator, error) {
	iter, err := s.store.Iterator(prefix)
	return Iterator{iter, prefix}, err
}

// getInt loads an integer value. Unset values are returned as 0 without an error.
func (s Wrapper) getInt(key string) (int, error) {
	raw, err := s.store.Get(key)
	if errors.Is(err, store.ErrValueUnset) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}

func (s Wrapper) putInt(key string, v int) error {
	return s.store.Put(key, []byte(strconv.Itoa(v)))
}

// put is the default method for marshaling and saving data to store.
func (s Wrapper) put(requestType, requestResource string, target interface{}) error {
	request := strings.Join([]string{requestType, requestResource}, ":")
	rawData, err := json.Marshal(target)
	if err != nil {
		return err
	}
	return s.store.Put(request, rawData)
}

// get is the default method for loading and unmarshaling data from store.
func (s Wrapper) get(requestType, requestResource string, target interface{}) error {
	request := strings.Join([]string{requestType, requestResource}, ":")
	rawData, err := s.store.Get(request)
	if err != nil {
		return err
	}
	return json.Unmarshal(rawData, target)
}

// Iterator is a wrapper for the Iterator interface.
type Iterator struct {
	iterator store.Iterator
	prefix   string
}

// GetNext returns the next key in the iterator.
func (i Iterator) GetNext() (string, error) {
	key, err := i.iterator.GetNext()
	return strings.TrimPrefix(key, i.prefix+":"), err
}

// HasNext returns true if there are more keys in the iterator.
func (i Iterator) HasNext() bool {
	return i.iterator.HasNext()
}

type dataStore interface {
	// Get returns a value from store by key
	Get(string) ([]byte, error)
	// Put saves a value to store by key
	Put(string, []byte) error
	// Iterator returns an Iterator for a given prefix
	Iterator(string) (store.Iterator, error)
}
