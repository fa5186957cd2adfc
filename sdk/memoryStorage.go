package sdk

import (
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/ztrue/tracerr"
	"sync"
)

// MemoryStorage is an implementation of Database, which stores the data in memory only.
// This instance should then directly be passed to InitializeOptions.
type MemoryStorage struct {
	lock        sync.Mutex
	initialized bool
	closed      bool
}

func (f *MemoryStorage) initialize() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.initialized {
		return tracerr.Wrap(ErrorDatabaseAlreadyInitialized)
	}
	f.initialized = true
	return nil
}

func (f *MemoryStorage) close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	return nil
}

func (f *MemoryStorage) nuke() error {
	return f.close()
}

func (f *MemoryStorage) checkOpen() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed || !f.initialized {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	return nil
}

func (f *MemoryStorage) readKeyStore(storage *keyStore) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	storage.update(func(data *keyStoreData) { *data = keyStoreData{} })
	return nil
}

func (f *MemoryStorage) writeKeyStore(_ *keyStore) error {
	return f.checkOpen()
}

func (f *MemoryStorage) readResourceKeys(storage *resourceKeysStorage) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.keys = make(map[string]symmetric_key.SymKey)
	return nil
}

func (f *MemoryStorage) writeResourceKeys(_ *resourceKeysStorage) error {
	return f.checkOpen()
}

func (f *MemoryStorage) readGroupKeys(storage *groupKeysStorage) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.keys = make(map[string]*asymkey.EncryptionKeyPair)
	return nil
}

func (f *MemoryStorage) writeGroupKeys(_ *groupKeysStorage) error {
	return f.checkOpen()
}

func (f *MemoryStorage) readProvisionalKeys(storage *provisionalKeysStorage) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.keys = make(map[string]provisionalKeys)
	return nil
}

func (f *MemoryStorage) writeProvisionalKeys(_ *provisionalKeysStorage) error {
	return f.checkOpen()
}
