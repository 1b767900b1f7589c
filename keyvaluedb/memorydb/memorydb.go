package memorydb

import (
	"fmt"
	"sync"

	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/keyvaluedb"
)

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	MemoryDB struct {
		db       map[string][]byte
		encoder  EncodeFn
		decoder  DecodeFn
		writeErr error
		lock     sync.RWMutex
	}
)

// New creates key value db that keeps the (CBOR encoded) values in a map.
func New() *MemoryDB {
	return &MemoryDB{
		db:      make(map[string][]byte),
		encoder: types.Encode,
		decoder: types.Decode,
	}
}

func (db *MemoryDB) Empty() (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return len(db.db) == 0, nil
}

// Read retrieves the given key if it's present in the key-value store.
func (db *MemoryDB) Read(key []byte, value any) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return false, err
	}
	if data, ok := db.db[string(key)]; ok {
		return true, db.decoder(data, value)
	}
	return false, nil
}

// Write inserts the given value into the key-value store.
func (db *MemoryDB) Write(key []byte, value any) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return err
	}
	b, err := db.encoder(value)
	if err != nil {
		return err
	}
	if db.writeErr != nil {
		return db.writeErr
	}
	db.db[string(key)] = b
	return nil
}

// Delete removes the key from the key-value store.
func (db *MemoryDB) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	delete(db.db, string(key))
	return nil
}

func (db *MemoryDB) StartTx() (keyvaluedb.DBTransaction, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	tx, err := NewMapTx(db)
	if err != nil {
		return nil, fmt.Errorf("failed to start memdb tx, %w", err)
	}
	return tx, nil
}

// MockWriteError makes all the following writes fail with "err", use nil to reset.
func (db *MemoryDB) MockWriteError(err error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.writeErr = err
}
