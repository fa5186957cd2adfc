package sdk

import (
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/seald/go-trustchain-sdk/test_utils"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
)

type testStorageData struct {
	deviceId      []byte
	signKey       *asymkey.SignKeyPair
	encryptionKey *asymkey.EncryptionKeyPair
	userKeys      []*asymkey.EncryptionKeyPair
	resourceId    []byte
	resourceKey   symmetric_key.SymKey
	groupKey      *asymkey.EncryptionKeyPair
	appSignKey    []byte
	tankerSignKey []byte
	provisional   provisionalKeys
}

func newTestStorageData(t *testing.T) *testStorageData {
	newEncryptionKey := func() *asymkey.EncryptionKeyPair {
		keyPair, err := asymkey.GenerateEncryptionKeyPair()
		require.NoError(t, err)
		return keyPair
	}
	randomBytes := func(size int) []byte {
		b, err := utils.GenerateRandomBytes(size)
		require.NoError(t, err)
		return b
	}
	signKey, err := asymkey.GenerateSignKeyPair()
	require.NoError(t, err)
	resourceKey, err := symmetric_key.Generate()
	require.NoError(t, err)
	return &testStorageData{
		deviceId:      randomBytes(asymkey.HashSize),
		signKey:       signKey,
		encryptionKey: newEncryptionKey(),
		userKeys:      []*asymkey.EncryptionKeyPair{newEncryptionKey(), newEncryptionKey()},
		resourceId:    randomBytes(32),
		resourceKey:   *resourceKey,
		groupKey:      newEncryptionKey(),
		appSignKey:    randomBytes(asymkey.SignaturePublicKeySize),
		tankerSignKey: randomBytes(asymkey.SignaturePublicKeySize),
		provisional:   provisionalKeys{AppEncryptionKeyPair: newEncryptionKey(), TankerEncryptionKeyPair: newEncryptionKey()},
	}
}

func (data *testStorageData) write(t *testing.T, s *storage) {
	require.NoError(t, s.updateKeyStore(func(keys *keyStoreData) {
		keys.DeviceId = data.deviceId
		keys.SignKeyPair = data.signKey
		keys.EncryptionKeyPair = data.encryptionKey
	}))
	for _, userKey := range data.userKeys {
		require.NoError(t, s.addUserKey(userKey))
	}
	// adding a known key is a no-op
	require.NoError(t, s.addUserKey(data.userKeys[0]))
	require.NoError(t, s.setResourceKey(data.resourceId, data.resourceKey))
	require.NoError(t, s.setGroupKey(data.groupKey))
	require.NoError(t, s.setProvisionalKeys(data.appSignKey, data.tankerSignKey, data.provisional))
}

func (data *testStorageData) check(t *testing.T, s *storage) {
	assert.True(t, s.hasLocalDevice())
	keys := s.keyStore.get()
	assert.Equal(t, data.deviceId, keys.DeviceId)
	assert.True(t, data.signKey.Equal(keys.SignKeyPair))
	assert.True(t, data.encryptionKey.Equal(keys.EncryptionKeyPair))
	require.Len(t, keys.UserKeys, 2)
	assert.True(t, data.userKeys[1].Equal(s.keyStore.currentUserKey()))
	assert.True(t, data.userKeys[0].Equal(s.keyStore.findUserKey(data.userKeys[0].PublicKey)))

	resourceKey, ok := s.getResourceKey(data.resourceId)
	require.True(t, ok)
	assert.True(t, data.resourceKey.Equal(resourceKey))
	assert.True(t, data.groupKey.Equal(s.groupKeys.get(data.groupKey.PublicKey)))
	provisional, ok := s.provisionalKeys.get(data.appSignKey, data.tankerSignKey)
	require.True(t, ok)
	assert.True(t, data.provisional.AppEncryptionKeyPair.Equal(provisional.AppEncryptionKeyPair))
	assert.True(t, data.provisional.TankerEncryptionKeyPair.Equal(provisional.TankerEncryptionKeyPair))
}

func checkEmpty(t *testing.T, s *storage) {
	assert.False(t, s.hasLocalDevice())
	assert.Nil(t, s.keyStore.currentUserKey())
	_, ok := s.provisionalKeys.get(make([]byte, 32), make([]byte, 32))
	assert.False(t, ok)
}

func TestStorage_Persistent(t *testing.T) {
	t.Parallel()
	encryptionKey, err := symmetric_key.Generate()
	require.NoError(t, err)

	backends := map[string]func(dir string) Database{
		"file": func(dir string) Database {
			return &FileStorage{EncryptionKey: *encryptionKey, DatabaseDir: dir}
		},
		"badger": func(dir string) Database {
			return &BadgerStorage{EncryptionKey: *encryptionKey, DatabaseDir: dir}
		},
	}
	for name, newDatabase := range backends {
		name := name
		newDatabase := newDatabase
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := filepath.Join(t.TempDir(), test_utils.GetTestName(t))
			data := newTestStorageData(t)

			s, err := openStorage(newDatabase(dir))
			require.NoError(t, err)
			checkEmpty(t, s)
			data.write(t, s)
			data.check(t, s)

			t.Run("locked", func(t *testing.T) {
				_, err := openStorage(newDatabase(dir))
				assert.ErrorIs(t, err, ErrorDatabaseLocked)
			})
			t.Run("already initialized", func(t *testing.T) {
				_, err := openStorage(s.db)
				assert.ErrorIs(t, err, ErrorDatabaseAlreadyInitialized)
			})

			require.NoError(t, s.close())
			assert.ErrorIs(t, s.setResourceKey(data.resourceId, data.resourceKey), ErrorDatabaseClosed)
			// closing twice is harmless
			require.NoError(t, s.close())

			reopened, err := openStorage(newDatabase(dir))
			require.NoError(t, err)
			data.check(t, reopened)

			t.Run("wrong encryption key", func(t *testing.T) {
				require.NoError(t, reopened.close())
				otherKey, err := symmetric_key.Generate()
				require.NoError(t, err)
				var other Database
				if name == "file" {
					other = &FileStorage{EncryptionKey: *otherKey, DatabaseDir: dir}
				} else {
					other = &BadgerStorage{EncryptionKey: *otherKey, DatabaseDir: dir}
				}
				_, err = openStorage(other)
				assert.ErrorIs(t, err, symmetric_key.ErrorDecryptMacMismatch)
				require.NoError(t, other.close())

				reopened, err = openStorage(newDatabase(dir))
				require.NoError(t, err)
			})

			require.NoError(t, reopened.nuke())
			assert.ErrorIs(t, reopened.nuke(), ErrorDatabaseClosed)
			nuked, err := openStorage(newDatabase(dir))
			require.NoError(t, err)
			checkEmpty(t, nuked)
			require.NoError(t, nuked.close())
		})
	}
}

func TestStorage_Memory(t *testing.T) {
	t.Parallel()
	encryptionKey, err := symmetric_key.Generate()
	require.NoError(t, err)

	backends := map[string]func() Database{
		"memory": func() Database { return &MemoryStorage{} },
		"badger in memory": func() Database {
			return &BadgerStorage{EncryptionKey: *encryptionKey}
		},
	}
	for name, newDatabase := range backends {
		newDatabase := newDatabase
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			data := newTestStorageData(t)
			s, err := openStorage(newDatabase())
			require.NoError(t, err)
			checkEmpty(t, s)
			data.write(t, s)
			data.check(t, s)
			require.NoError(t, s.nuke())
			assert.ErrorIs(t, s.addUserKey(data.groupKey), ErrorDatabaseClosed)
		})
	}
}

func TestStorage_WriteErrors(t *testing.T) {
	t.Parallel()
	canary := newCanaryFileStorage(&MemoryStorage{})
	s, err := openStorage(canary)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.close()) }()
	assert.Equal(t, 1, canary.Counter["Initialize"])
	assert.Equal(t, 1, canary.Counter["ReadKeyStore"])
	assert.Equal(t, 1, canary.Counter["ReadProvisionalKeys"])

	keyPair, err := asymkey.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	canary.ToExecute["WriteKeyStore"] = func() error { return test_utils.ErrorSyntheticTestError }
	err = s.addUserKey(keyPair)
	assert.ErrorIs(t, err, test_utils.ErrorSyntheticTestError)
	// the key is kept in memory, and is not written again
	assert.True(t, keyPair.Equal(s.keyStore.currentUserKey()))
	delete(canary.ToExecute, "WriteKeyStore")
	require.NoError(t, s.addUserKey(keyPair))
	assert.Equal(t, 1, canary.Counter["WriteKeyStore"])

	failing := newCanaryFileStorage(&MemoryStorage{})
	failing.ToExecute["ReadResourceKeys"] = func() error { return test_utils.ErrorSyntheticTestError }
	_, err = openStorage(failing)
	assert.ErrorIs(t, err, test_utils.ErrorSyntheticTestError)
}
