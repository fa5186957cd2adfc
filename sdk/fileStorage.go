package sdk

import (
	"errors"
	"github.com/allan-simon/go-singleinstance"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

/*
A Database stores:
- the key store: device keys, user keys, trustchain public key
- the resource keys cache
- group keys and provisional identity keys
Each table is encoded as BSON, then encrypted with the database key.
*/

func decodeTable[T any](key symmetric_key.SymKey, raw []byte, data *T) error {
	if len(raw) == 0 {
		return nil
	}
	decryptedData, err := key.Decrypt(raw)
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = bson.Unmarshal(decryptedData, data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func encodeTable[T any](key symmetric_key.SymKey, data *T) ([]byte, error) {
	marshalledData, err := bson.Marshal(data)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	encryptedData, err := key.Encrypt(marshalledData)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return encryptedData, nil
}

func readStorage[T any](fileName string, key symmetric_key.SymKey, data *T) error {
	read, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return tracerr.Wrap(err)
	}
	return decodeTable(key, read, data)
}

func writeStorage[T any](fileName string, key symmetric_key.SymKey, data *T) error {
	encryptedData, err := encodeTable(key, data)
	if err != nil {
		return err
	}

	t := time.Now()
	// time formats are a bit esoteric ... basically, you have to write the date-time "Mon. Jan 2nd 2006 03:04:05 PM" with the format you want. And the Replace because I don't want the '.', which Format requires for milliseconds, somehow...
	now := strings.Replace(t.Format("20060102150405.000"), ".", "", 1)
	tempFileName := fileName + "_temp_" + now

	// write in 2 steps for atomic write
	err = os.WriteFile(tempFileName, encryptedData, 0600)
	if err != nil {
		return tracerr.Wrap(err)
	}

	err = os.Rename(tempFileName, fileName)
	if err != nil {
		return tracerr.Wrap(err)
	}

	return nil
}

// FileStorage is an implementation of Database, which stores the data on the File System.
// To create it, you must instantiate a FileStorage object with an EncryptionKey and DatabaseDir.
// This instance should then directly be passed to InitializeOptions.
type FileStorage struct {
	EncryptionKey symmetric_key.SymKey
	DatabaseDir   string
	databaseLock  *os.File
	// these locks are for locking the files on FS, whereas the locks in each storage type are for the data in memory
	fileLocks map[string]*sync.Mutex
	stateLock sync.Mutex
}

func (f *FileStorage) fileLock(table string) *sync.Mutex {
	f.stateLock.Lock()
	defer f.stateLock.Unlock()
	if f.fileLocks == nil {
		f.fileLocks = make(map[string]*sync.Mutex)
	}
	if f.fileLocks[table] == nil {
		f.fileLocks[table] = &sync.Mutex{}
	}
	return f.fileLocks[table]
}

func (f *FileStorage) isOpen() bool {
	f.stateLock.Lock()
	defer f.stateLock.Unlock()
	return f.databaseLock != nil
}

func (f *FileStorage) initialize() error {
	if f.isOpen() {
		return tracerr.Wrap(ErrorDatabaseAlreadyInitialized)
	}

	err := os.MkdirAll(f.DatabaseDir, 0700)
	if err != nil {
		return tracerr.Wrap(err)
	}
	lockPath := filepath.Join(f.DatabaseDir, "lock")
	databaseLock, err := singleinstance.CreateLockFile(lockPath)
	if err != nil {
		if (runtime.GOOS == "windows" && err.Error() == "remove "+lockPath+": The process cannot access the file because it is being used by another process.") ||
			err.Error() == "resource temporarily unavailable" {
			return tracerr.Wrap(ErrorDatabaseLocked)
		}
		return tracerr.Wrap(err)
	}
	f.stateLock.Lock()
	f.databaseLock = databaseLock
	f.stateLock.Unlock()
	return nil
}

func (f *FileStorage) close() error {
	if !f.isOpen() {
		return nil
	}
	// ensure any writes which are already in flight finish before closing the DB
	for _, table := range allTables {
		lock := f.fileLock(table)
		lock.Lock()
		defer lock.Unlock()
	}

	f.stateLock.Lock()
	defer f.stateLock.Unlock()
	// release the DB lock
	err := f.databaseLock.Close()
	if err != nil {
		return tracerr.Wrap(err)
	}
	f.databaseLock = nil
	return nil
}

func (f *FileStorage) nuke() error {
	if !f.isOpen() {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	var errs []error
	for _, table := range allTables {
		lock := f.fileLock(table)
		lock.Lock()
		err := os.Remove(f.path(table))
		lock.Unlock()
		if err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	err := f.close()
	if err != nil {
		errs = append(errs, err)
	}
	return tracerr.Wrap(errors.Join(errs...))
}

func (f *FileStorage) path(table string) string {
	return filepath.Join(f.DatabaseDir, table)
}

func readFileTable[T any](f *FileStorage, table string, data *T) error {
	if !f.isOpen() {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	lock := f.fileLock(table)
	lock.Lock()
	defer lock.Unlock()
	return readStorage(f.path(table), f.EncryptionKey, data)
}

func writeFileTable[T any](f *FileStorage, table string, data *T) error {
	if !f.isOpen() {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	lock := f.fileLock(table)
	lock.Lock()
	defer lock.Unlock()
	return writeStorage(f.path(table), f.EncryptionKey, data)
}

func (f *FileStorage) readKeyStore(storage *keyStore) error {
	var data keyStoreData
	err := readFileTable(f, keyStoreTable, &data)
	if err != nil {
		return err
	}
	storage.update(func(current *keyStoreData) { *current = data })
	return nil
}

func (f *FileStorage) writeKeyStore(storage *keyStore) error {
	data := storage.get()
	return writeFileTable(f, keyStoreTable, &data)
}

func (f *FileStorage) readResourceKeys(storage *resourceKeysStorage) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.keys = make(map[string]symmetric_key.SymKey)
	return readFileTable(f, resourceKeysTable, &storage.keys)
}

func (f *FileStorage) writeResourceKeys(storage *resourceKeysStorage) error {
	storage.lock.RLock()
	defer storage.lock.RUnlock()
	return writeFileTable(f, resourceKeysTable, &storage.keys)
}

func (f *FileStorage) readGroupKeys(storage *groupKeysStorage) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.keys = make(map[string]*asymkey.EncryptionKeyPair)
	return readFileTable(f, groupKeysTable, &storage.keys)
}

func (f *FileStorage) writeGroupKeys(storage *groupKeysStorage) error {
	storage.lock.RLock()
	defer storage.lock.RUnlock()
	return writeFileTable(f, groupKeysTable, &storage.keys)
}

func (f *FileStorage) readProvisionalKeys(storage *provisionalKeysStorage) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.keys = make(map[string]provisionalKeys)
	return readFileTable(f, provisionalKeysTable, &storage.keys)
}

func (f *FileStorage) writeProvisionalKeys(storage *provisionalKeysStorage) error {
	storage.lock.RLock()
	defer storage.lock.RUnlock()
	return writeFileTable(f, provisionalKeysTable, &storage.keys)
}
