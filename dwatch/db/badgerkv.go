package db

import (
	"errors"
	"fmt"
	"os"

	"github.com/fleetops/driftwatch/dwatch/snapshot"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerKV is the alternative cursor store for deployments that keep the
// transfer cursor out of the snapshot database. Synchronous writes are on:
// the applier depends on the cursor hitting disk before control is yielded.
type BadgerKV struct {
	db *badger.DB
}

// OpenBadgerKV opens or creates the store at dir.
func OpenBadgerKV(dir string, log zerolog.Logger) (*BadgerKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create cursor store directory: %w", err)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store at %s: %w", dir, err)
	}
	log.Debug().Str("dir", dir).Msg("badger cursor store opened")
	return &BadgerKV{db: bdb}, nil
}

var _ snapshot.KVStore = (*BadgerKV)(nil)

func (kv *BadgerKV) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cursor key %s: %w", key, err)
	}
	return value, true, nil
}

func (kv *BadgerKV) Put(key string, value []byte) error {
	err := kv.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write cursor key %s: %w", key, err)
	}
	return nil
}

func (kv *BadgerKV) Delete(key string) error {
	err := kv.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete cursor key %s: %w", key, err)
	}
	return nil
}

func (kv *BadgerKV) Close() error { return kv.db.Close() }
