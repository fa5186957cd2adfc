package sdk

import (
	"errors"
	"fmt"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/ztrue/tracerr"
	"strings"
	"sync"
)

// BadgerStorage is an implementation of Database backed by a badger key/value store.
// Each table is one encrypted value. Leave DatabaseDir empty to keep the store in memory.
// This instance should then directly be passed to InitializeOptions.
type BadgerStorage struct {
	EncryptionKey symmetric_key.SymKey
	DatabaseDir   string
	// Logger receives the logs of badger itself. Defaults to a disabled logger.
	Logger *zerolog.Logger
	lock   sync.RWMutex
	db     *badger.DB
}

// badgerLogger adapts a zerolog.Logger to badger.Logger.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}

func (b *BadgerStorage) initialize() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.db != nil {
		return tracerr.Wrap(ErrorDatabaseAlreadyInitialized)
	}
	logger := zerolog.Nop()
	if b.Logger != nil {
		logger = b.Logger.With().Str("component", "badger").Logger()
	}
	options := badger.DefaultOptions(b.DatabaseDir).WithLogger(badgerLogger{logger: logger})
	if b.DatabaseDir == "" {
		options = options.WithInMemory(true)
	}
	db, err := badger.Open(options)
	if err != nil {
		// badger holds a directory lock, which fails when another instance has the store open
		if strings.Contains(err.Error(), "Cannot acquire directory lock") {
			return tracerr.Wrap(ErrorDatabaseLocked.Wrap(err))
		}
		return tracerr.Wrap(err)
	}
	b.db = db
	return nil
}

func (b *BadgerStorage) close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return tracerr.Wrap(err)
}

func (b *BadgerStorage) nuke() error {
	b.lock.RLock()
	db := b.db
	b.lock.RUnlock()
	if db == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	err := db.DropAll()
	if err != nil {
		return tracerr.Wrap(err)
	}
	return b.close()
}

func readBadgerTable[T any](b *BadgerStorage, table string, data *T) error {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.db == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(table))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return tracerr.Wrap(err)
	}
	return decodeTable(b.EncryptionKey, raw, data)
}

func writeBadgerTable[T any](b *BadgerStorage, table string, data *T) error {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.db == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	encrypted, err := encodeTable(b.EncryptionKey, data)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(table), encrypted)
	})
	return tracerr.Wrap(err)
}

func (b *BadgerStorage) readKeyStore(storage *keyStore) error {
	var data keyStoreData
	err := readBadgerTable(b, keyStoreTable, &data)
	if err != nil {
		return err
	}
	storage.update(func(current *keyStoreData) { *current = data })
	return nil
}

func (b *BadgerStorage) writeKeyStore(storage *keyStore) error {
	data := storage.get()
	return writeBadgerTable(b, keyStoreTable, &data)
}

func (b *BadgerStorage) readResourceKeys(storage *resourceKeysStorage) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.keys = make(map[string]symmetric_key.SymKey)
	return readBadgerTable(b, resourceKeysTable, &storage.keys)
}

func (b *BadgerStorage) writeResourceKeys(storage *resourceKeysStorage) error {
	storage.lock.RLock()
	defer storage.lock.RUnlock()
	return writeBadgerTable(b, resourceKeysTable, &storage.keys)
}

func (b *BadgerStorage) readGroupKeys(storage *groupKeysStorage) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.keys = make(map[string]*asymkey.EncryptionKeyPair)
	return readBadgerTable(b, groupKeysTable, &storage.keys)
}

func (b *BadgerStorage) writeGroupKeys(storage *groupKeysStorage) error {
	storage.lock.RLock()
	defer storage.lock.RUnlock()
	return writeBadgerTable(b, groupKeysTable, &storage.keys)
}

func (b *BadgerStorage) readProvisionalKeys(storage *provisionalKeysStorage) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.keys = make(map[string]provisionalKeys)
	return readBadgerTable(b, provisionalKeysTable, &storage.keys)
}

func (b *BadgerStorage) writeProvisionalKeys(storage *provisionalKeysStorage) error {
	storage.lock.RLock()
	defer storage.lock.RUnlock()
	return writeBadgerTable(b, provisionalKeysTable, &storage.keys)
}
