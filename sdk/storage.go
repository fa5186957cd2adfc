package sdk

import (
	"bytes"
	"encoding/base64"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"sync"
)

var (
	// ErrorDatabaseLocked is returned when another instance is already using this database
	ErrorDatabaseLocked = utils.NewSealdError(utils.KindPreconditionFailed, "DATABASE_LOCKED", "another instance is already using this database")
	// ErrorDatabaseClosed is returned when trying to use a database which is not open
	ErrorDatabaseClosed = utils.NewSealdError(utils.KindPreconditionFailed, "DATABASE_CLOSED", "database closed")
	// ErrorDatabaseAlreadyInitialized is returned when trying to initialize a database which has already been initialized
	ErrorDatabaseAlreadyInitialized = utils.NewSealdError(utils.KindPreconditionFailed, "DATABASE_ALREADY_INITIALIZED", "database already initialized")
)

// Database is the interface that must be implemented by the storage backends.
// You should not have to use this directly.
type Database interface { // Must be exported because it is an input type in InitializeOptions
	initialize() error
	close() error
	// nuke wipes every stored table, then closes the database.
	nuke() error
	readKeyStore(storage *keyStore) error
	writeKeyStore(storage *keyStore) error
	readResourceKeys(storage *resourceKeysStorage) error
	writeResourceKeys(storage *resourceKeysStorage) error
	readGroupKeys(storage *groupKeysStorage) error
	writeGroupKeys(storage *groupKeysStorage) error
	readProvisionalKeys(storage *provisionalKeysStorage) error
	writeProvisionalKeys(storage *provisionalKeysStorage) error
}

// Table names, used as file names by FileStorage and as keys by BadgerStorage.
const (
	keyStoreTable        = "key_store"
	resourceKeysTable    = "resource_keys"
	groupKeysTable       = "group_keys"
	provisionalKeysTable = "provisional_keys"
)

var allTables = []string{keyStoreTable, resourceKeysTable, groupKeysTable, provisionalKeysTable}

type keyStoreData struct {
	DeviceId            []byte                     `bson:"device_id"`
	SignKeyPair         *asymkey.SignKeyPair       `bson:"sign_key_pair"`
	EncryptionKeyPair   *asymkey.EncryptionKeyPair `bson:"encryption_key_pair"`
	TrustchainPublicKey []byte                     `bson:"trustchain_public_key"`
	// UserKeys is ordered from the oldest to the current one.
	UserKeys  []*asymkey.EncryptionKeyPair `bson:"user_keys"`
	LastIndex uint64                       `bson:"last_index"`
}

// keyStore holds the device keys and the user keys known to this device.
type keyStore struct {
	lock sync.RWMutex
	data keyStoreData
}

func (s *keyStore) get() keyStoreData {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.data
}

func (s *keyStore) update(f func(data *keyStoreData)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	f(&s.data)
}

// findUserKey returns the user key pair with this public key, current or historical.
func (s *keyStore) findUserKey(publicKey []byte) *asymkey.EncryptionKeyPair {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, userKey := range s.data.UserKeys {
		if bytes.Equal(userKey.PublicKey, publicKey) {
			return userKey
		}
	}
	return nil
}

func (s *keyStore) currentUserKey() *asymkey.EncryptionKeyPair {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if len(s.data.UserKeys) == 0 {
		return nil
	}
	return s.data.UserKeys[len(s.data.UserKeys)-1]
}

// addUserKey appends userKey if it is not known yet, and reports whether it did.
func (s *keyStore) addUserKey(userKey *asymkey.EncryptionKeyPair) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, known := range s.data.UserKeys {
		if bytes.Equal(known.PublicKey, userKey.PublicKey) {
			return false
		}
	}
	s.data.UserKeys = append(s.data.UserKeys, userKey)
	return true
}

type resourceKeysStorage struct {
	lock sync.RWMutex
	keys map[string]symmetric_key.SymKey
}

func (s *resourceKeysStorage) get(resourceId []byte) (symmetric_key.SymKey, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	key, ok := s.keys[base64.StdEncoding.EncodeToString(resourceId)]
	return key, ok
}

func (s *resourceKeysStorage) set(resourceId []byte, key symmetric_key.SymKey) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.keys[base64.StdEncoding.EncodeToString(resourceId)] = key
}

// groupKeysStorage maps the b64 public encryption key of a group to its key pair.
type groupKeysStorage struct {
	lock sync.RWMutex
	keys map[string]*asymkey.EncryptionKeyPair
}

func (s *groupKeysStorage) get(publicKey []byte) *asymkey.EncryptionKeyPair {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.keys[base64.StdEncoding.EncodeToString(publicKey)]
}

func (s *groupKeysStorage) set(keyPair *asymkey.EncryptionKeyPair) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.keys[base64.StdEncoding.EncodeToString(keyPair.PublicKey)] = keyPair
}

// provisionalKeys are the two encryption key pairs of a claimed provisional identity.
type provisionalKeys struct {
	AppEncryptionKeyPair    *asymkey.EncryptionKeyPair `bson:"app_encryption_key_pair"`
	TankerEncryptionKeyPair *asymkey.EncryptionKeyPair `bson:"tanker_encryption_key_pair"`
}

// provisionalKeysStorage maps b64(appPublicSignatureKey ‖ tankerPublicSignatureKey) to provisionalKeys.
type provisionalKeysStorage struct {
	lock sync.RWMutex
	keys map[string]provisionalKeys
}

func provisionalKeysId(appPublicSignatureKey []byte, tankerPublicSignatureKey []byte) string {
	return base64.StdEncoding.EncodeToString(append(bytes.Clone(appPublicSignatureKey), tankerPublicSignatureKey...))
}

func (s *provisionalKeysStorage) get(appPublicSignatureKey []byte, tankerPublicSignatureKey []byte) (provisionalKeys, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys, ok := s.keys[provisionalKeysId(appPublicSignatureKey, tankerPublicSignatureKey)]
	return keys, ok
}

func (s *provisionalKeysStorage) set(appPublicSignatureKey []byte, tankerPublicSignatureKey []byte, keys provisionalKeys) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.keys[provisionalKeysId(appPublicSignatureKey, tankerPublicSignatureKey)] = keys
}

// storage groups the in-memory tables with the Database persisting them.
type storage struct {
	db              Database
	keyStore        keyStore
	resourceKeys    resourceKeysStorage
	groupKeys       groupKeysStorage
	provisionalKeys provisionalKeysStorage
}

func openStorage(db Database) (*storage, error) {
	err := db.initialize()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	s := &storage{db: db}
	err = db.readKeyStore(&s.keyStore)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = db.readResourceKeys(&s.resourceKeys)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = db.readGroupKeys(&s.groupKeys)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = db.readProvisionalKeys(&s.provisionalKeys)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return s, nil
}

func (s *storage) hasLocalDevice() bool {
	return len(s.keyStore.get().DeviceId) != 0
}

func (s *storage) updateKeyStore(f func(data *keyStoreData)) error {
	s.keyStore.update(f)
	return tracerr.Wrap(s.db.writeKeyStore(&s.keyStore))
}

func (s *storage) addUserKey(userKey *asymkey.EncryptionKeyPair) error {
	if !s.keyStore.addUserKey(userKey) {
		return nil
	}
	return tracerr.Wrap(s.db.writeKeyStore(&s.keyStore))
}

func (s *storage) getResourceKey(resourceId []byte) (symmetric_key.SymKey, bool) {
	return s.resourceKeys.get(resourceId)
}

func (s *storage) setResourceKey(resourceId []byte, key symmetric_key.SymKey) error {
	s.resourceKeys.set(resourceId, key)
	return tracerr.Wrap(s.db.writeResourceKeys(&s.resourceKeys))
}

func (s *storage) setGroupKey(keyPair *asymkey.EncryptionKeyPair) error {
	s.groupKeys.set(keyPair)
	return tracerr.Wrap(s.db.writeGroupKeys(&s.groupKeys))
}

func (s *storage) setProvisionalKeys(appPublicSignatureKey []byte, tankerPublicSignatureKey []byte, keys provisionalKeys) error {
	s.provisionalKeys.set(appPublicSignatureKey, tankerPublicSignatureKey, keys)
	return tracerr.Wrap(s.db.writeProvisionalKeys(&s.provisionalKeys))
}

func (s *storage) close() error {
	return tracerr.Wrap(s.db.close())
}

func (s *storage) nuke() error {
	return tracerr.Wrap(s.db.nuke())
}
