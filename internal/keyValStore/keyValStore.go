package keyValStore

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// ErrKeyNotFound is returned when a key has no entry in the store.
var ErrKeyNotFound = badger.ErrKeyNotFound

type StoreConfig struct {
	Paths            []string // absolute paths; only the first path is used
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
}

// KeyValStore is the embedded store backing every stagehand collection:
// base-store revisions, overlay entries, workspace records, publish records
// and the squash queue. Callers build their own namespaced keys.
type KeyValStore struct {
	config       StoreConfig
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	log = config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Paths[0], err)
	}

	if err := displayDiskUsage(config.Paths); err != nil {
		log.Warnf("could not display disk usage: %v", err)
	}

	return &KeyValStore{
		config:   config,
		badgerDB: db,
	}, nil
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
}

func (k *KeyValStore) Delete(key []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (k *KeyValStore) Has(key []byte) (bool, error) {
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// View runs fn inside a read-only transaction.
func (k *KeyValStore) View(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.readCounter, 1)
	return k.badgerDB.View(fn)
}

// Update runs fn inside a single read-write transaction. This is the
// transaction boundary used by publish, revert and import: either every
// write in fn commits, or none do.
func (k *KeyValStore) Update(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(fn)
}

// GetItemsWithPrefix returns all key/value pairs with the given prefix.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][2][]byte, error) {
	var keysAndValues [][2][]byte
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [2][]byte{key, value})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keysAndValues, nil
}

// KeysWithPrefix returns all keys with the given prefix, without values.
func (k *KeyValStore) KeysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeletePrefix removes every key with the given prefix in one transaction.
func (k *KeyValStore) DeletePrefix(prefix []byte) error {
	keys, err := k.KeysWithPrefix(prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return k.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			atomic.AddUint64(&k.writeCounter, 1)
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (k *KeyValStore) Close() {
	if err := k.Clean(); err != nil {
		log.Warnf("error cleaning db on close: %v", err)
	}
	if err := k.badgerDB.Close(); err != nil {
		log.Warnf("error closing db: %v", err)
	}
}

func (k *KeyValStore) Clean() error {
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = k.badgerDB.Flatten(runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
