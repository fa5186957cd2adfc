package sdk

import (
	"bytes"
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/identity"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"sync"
)

var (
	// ErrorLocalUserTrustchainMismatch is returned when the root block does not match the stored trustchain public key
	ErrorLocalUserTrustchainMismatch = utils.NewSealdError(utils.KindInternal, "LOCAL_USER_TRUSTCHAIN_MISMATCH", "trustchain public key does not match the stored one")
	// ErrorLocalUserNoUserKey is returned when an operation needs the user key and none is known
	ErrorLocalUserNoUserKey = utils.NewSealdError(utils.KindPreconditionFailed, "LOCAL_USER_NO_USER_KEY", "no user key known")
	// ErrorLocalUserUnknownDevice is returned when trying to revoke a device that is not a device of the user
	ErrorLocalUserUnknownDevice = utils.NewSealdError(utils.KindInvalidArgument, "LOCAL_USER_UNKNOWN_DEVICE", "unknown device")
	// ErrorLocalUserDeviceAlreadyRevoked is returned when trying to revoke a device twice
	ErrorLocalUserDeviceAlreadyRevoked = utils.NewSealdError(utils.KindInvalidArgument, "LOCAL_USER_DEVICE_ALREADY_REVOKED", "device already revoked")
)

// localUser is the view of the current user built from its chain: its devices and its user keys.
type localUser struct {
	trustchainId []byte
	userId       []byte
	userSecret   []byte
	delegation   *sigchain.Delegation
	storage      *storage
	logger       zerolog.Logger

	lock          sync.RWMutex
	devices       []*sigchain.DeviceCreationEntry
	applied       utils.Set[string]
	userPublicKey []byte
	revoked       bool
}

func newLocalUser(secretIdentity *identity.SecretPermanentIdentity, storage *storage, logger zerolog.Logger) *localUser {
	return &localUser{
		trustchainId: secretIdentity.AppId,
		userId:       secretIdentity.UserId,
		userSecret:   secretIdentity.UserSecret,
		delegation:   secretIdentity.Delegation,
		storage:      storage,
		logger:       logger,
		applied:      utils.Set[string]{},
	}
}

// ensureDeviceKeys generates the keys of the local device the first time.
func (u *localUser) ensureDeviceKeys() error {
	if u.storage.keyStore.get().SignKeyPair != nil {
		return nil
	}
	signKeyPair, err := asymkey.GenerateSignKeyPair()
	if err != nil {
		return tracerr.Wrap(err)
	}
	encryptionKeyPair, err := asymkey.GenerateEncryptionKeyPair()
	if err != nil {
		return tracerr.Wrap(err)
	}
	u.logger.Debug().Msg("Generated local device keys")
	return u.storage.updateKeyStore(func(data *keyStoreData) {
		data.SignKeyPair = signKeyPair
		data.EncryptionKeyPair = encryptionKeyPair
	})
}

func (u *localUser) deviceId() []byte {
	return u.storage.keyStore.get().DeviceId
}

func (u *localUser) signKeyPair() *asymkey.SignKeyPair {
	return u.storage.keyStore.get().SignKeyPair
}

func (u *localUser) setDeviceId(deviceId []byte) error {
	return u.storage.updateKeyStore(func(data *keyStoreData) {
		data.DeviceId = deviceId
	})
}

// FindUserKeyPair returns the user key pair with this public key, current or previous, or nil.
func (u *localUser) FindUserKeyPair(publicKey []byte) *asymkey.EncryptionKeyPair {
	return u.storage.keyStore.findUserKey(publicKey)
}

func (u *localUser) currentUserKey() *asymkey.EncryptionKeyPair {
	return u.storage.keyStore.currentUserKey()
}

func (u *localUser) isRevoked() bool {
	u.lock.RLock()
	defer u.lock.RUnlock()
	return u.revoked
}

// userDevices returns the known devices of the user, in chain order.
func (u *localUser) userDevices() []*sigchain.DeviceCreationEntry {
	u.lock.RLock()
	defer u.lock.RUnlock()
	return append([]*sigchain.DeviceCreationEntry{}, u.devices...)
}

func (u *localUser) findDevice(deviceId []byte) *sigchain.DeviceCreationEntry {
	for _, device := range u.devices {
		if bytes.Equal(device.DeviceId(), deviceId) {
			return device
		}
	}
	return nil
}

// applyRoot checks the root block, and records the trustchain public key the first time.
func (u *localUser) applyRoot(root string) ([]byte, error) {
	rootBlock, err := sigchain.UnserializeBlockB64(root)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	record, err := sigchain.VerifyTrustchainCreation(rootBlock, u.trustchainId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	stored := u.storage.keyStore.get().TrustchainPublicKey
	if stored == nil {
		err = u.storage.updateKeyStore(func(data *keyStoreData) {
			data.TrustchainPublicKey = record.PublicSignatureKey
		})
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
	} else if !bytes.Equal(stored, record.PublicSignatureKey) {
		return nil, tracerr.Wrap(ErrorLocalUserTrustchainMismatch)
	}
	return record.PublicSignatureKey, nil
}

// applyUserHistories verifies and applies the chain of the user. Blocks already applied are skipped, so the whole chain
// can be pulled again.
func (u *localUser) applyUserHistories(histories *userHistoriesResponse) error {
	trustchainPublicKey, err := u.applyRoot(histories.Root)
	if err != nil {
		return err
	}
	u.lock.Lock()
	defer u.lock.Unlock()
	for _, b64Block := range histories.Histories {
		block, err := sigchain.UnserializeBlockB64(b64Block)
		if err != nil {
			return tracerr.Wrap(err)
		}
		hash := string(sigchain.HashBlock(block))
		if u.applied.Has(hash) {
			continue
		}
		entry, err := sigchain.UserEntryFromBlock(block, u.userId)
		if err != nil {
			return tracerr.Wrap(err)
		}
		switch typed := entry.(type) {
		case *sigchain.DeviceCreationEntry:
			if !bytes.Equal(typed.UserId, u.userId) {
				continue
			}
			err = u.applyDeviceCreation(typed, trustchainPublicKey)
		case *sigchain.DeviceRevocationEntry:
			err = u.applyDeviceRevocation(typed)
		}
		if err != nil {
			return err
		}
		u.applied.Add(hash)
	}
	return nil
}

func (u *localUser) applyDeviceCreation(entry *sigchain.DeviceCreationEntry, trustchainPublicKey []byte) error {
	authorDevice := u.findDevice(entry.Author)
	err := sigchain.VerifyDeviceCreation(entry, authorDevice, u.trustchainId, trustchainPublicKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	u.devices = append(u.devices, entry)
	if entry.UserKeyPair != nil {
		u.userPublicKey = entry.UserKeyPair.PublicEncryptionKey
	}

	keys := u.storage.keyStore.get()
	if keys.SignKeyPair == nil || !bytes.Equal(entry.PublicSignatureKey, keys.SignKeyPair.PublicKey) {
		return nil
	}
	u.logger.Debug().Str("deviceId", b64(entry.DeviceId())).Msg("Found local device in chain")
	if !bytes.Equal(keys.DeviceId, entry.DeviceId()) {
		err = u.setDeviceId(entry.DeviceId())
		if err != nil {
			return tracerr.Wrap(err)
		}
	}
	if entry.UserKeyPair == nil {
		return nil
	}
	userPrivateKey, err := keys.EncryptionKeyPair.SealDecrypt(entry.UserKeyPair.EncryptedPrivateEncryptionKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	userKeyPair, err := asymkey.EncryptionKeyPairFromPrivateKey(userPrivateKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return u.storage.addUserKey(userKeyPair)
}

func (u *localUser) applyDeviceRevocation(entry *sigchain.DeviceRevocationEntry) error {
	err := sigchain.VerifyDeviceRevocation(entry, u.devices, u.userPublicKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	target := u.findDevice(entry.DeviceId)
	target.Revoked = entry.Index
	if entry.UserKeys != nil {
		u.userPublicKey = entry.UserKeys.PublicEncryptionKey
	}

	keys := u.storage.keyStore.get()
	if bytes.Equal(entry.DeviceId, keys.DeviceId) {
		u.logger.Warn().Msg("Local device was revoked")
		u.revoked = true
		return nil
	}
	if entry.UserKeys == nil {
		return nil
	}
	for _, privateKey := range entry.UserKeys.PrivateKeys {
		if !bytes.Equal(privateKey.Recipient, keys.DeviceId) {
			continue
		}
		newPrivateKey, err := keys.EncryptionKeyPair.SealDecrypt(privateKey.Key)
		if err != nil {
			return tracerr.Wrap(err)
		}
		newUserKey, err := asymkey.EncryptionKeyPairFromPrivateKey(newPrivateKey)
		if err != nil {
			return tracerr.Wrap(err)
		}
		previousPrivateKey, err := newUserKey.SealDecrypt(entry.UserKeys.EncryptedPreviousEncryptionKey)
		if err != nil {
			return tracerr.Wrap(err)
		}
		previousUserKey, err := asymkey.EncryptionKeyPairFromPrivateKey(previousPrivateKey)
		if err != nil {
			return tracerr.Wrap(err)
		}
		err = u.storage.addUserKey(previousUserKey)
		if err != nil {
			return tracerr.Wrap(err)
		}
		return u.storage.addUserKey(newUserKey)
	}
	return nil
}

// findDeviceInHistories looks for a device of the user with the local public signature key, and returns its id.
func (u *localUser) findDeviceInHistories(histories *userHistoriesResponse) ([]byte, error) {
	signKeyPair := u.signKeyPair()
	for _, b64Block := range histories.Histories {
		block, err := sigchain.UnserializeBlockB64(b64Block)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if !block.Nature.IsDeviceCreation() {
			continue
		}
		entry, err := sigchain.DeviceCreationFromBlock(block)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if bytes.Equal(entry.UserId, u.userId) && bytes.Equal(entry.PublicSignatureKey, signKeyPair.PublicKey) {
			return entry.DeviceId(), nil
		}
	}
	return nil, nil
}

// userCreation holds the blocks creating a user with its ghost device and its first device.
type userCreation struct {
	userKeyPair         *asymkey.EncryptionKeyPair
	ghostDeviceCreation *sigchain.Block
	firstDeviceCreation *sigchain.Block
}

func (u *localUser) generateUserCreation(ghost *ghostDevice) (*userCreation, error) {
	userKeyPair, err := asymkey.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	ghostBlock, err := sigchain.NewDeviceCreationBlock(u.trustchainId, u.trustchainId, u.delegation, ghost.SignKeyPair.PublicKey, ghost.EncryptionKeyPair.PublicKey, userKeyPair, true)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	firstDevice, err := u.generateDeviceFromGhostDevice(ghost, sigchain.HashBlock(ghostBlock), userKeyPair)
	if err != nil {
		return nil, err
	}
	return &userCreation{userKeyPair: userKeyPair, ghostDeviceCreation: ghostBlock, firstDeviceCreation: firstDevice}, nil
}

// generateDeviceFromGhostDevice creates the local device, authored by the ghost device.
func (u *localUser) generateDeviceFromGhostDevice(ghost *ghostDevice, ghostDeviceId []byte, userKeyPair *asymkey.EncryptionKeyPair) (*sigchain.Block, error) {
	delegation, err := sigchain.NewDelegation(ghost.SignKeyPair, u.userId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	keys := u.storage.keyStore.get()
	block, err := sigchain.NewDeviceCreationBlock(u.trustchainId, ghostDeviceId, delegation, keys.SignKeyPair.PublicKey, keys.EncryptionKeyPair.PublicKey, userKeyPair, false)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return block, nil
}

// generateDeviceRevocation revokes deviceId, rotating the user key for every other device.
func (u *localUser) generateDeviceRevocation(deviceId []byte) (*sigchain.Block, error) {
	u.lock.RLock()
	defer u.lock.RUnlock()
	target := u.findDevice(deviceId)
	if target == nil {
		return nil, tracerr.Wrap(ErrorLocalUserUnknownDevice)
	}
	if target.Revoked != sigchain.NotRevoked {
		return nil, tracerr.Wrap(ErrorLocalUserDeviceAlreadyRevoked)
	}
	previousUserKey := u.currentUserKey()
	if previousUserKey == nil {
		return nil, tracerr.Wrap(ErrorLocalUserNoUserKey)
	}
	newUserKey, err := asymkey.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var remaining []sigchain.RemainingDevice
	for _, device := range u.devices {
		if device.Revoked == sigchain.NotRevoked && !bytes.Equal(device.DeviceId(), deviceId) {
			remaining = append(remaining, sigchain.RemainingDevice{DeviceId: device.DeviceId(), PublicEncryptionKey: device.PublicEncryptionKey})
		}
	}
	keys := u.storage.keyStore.get()
	block, err := sigchain.NewDeviceRevocationBlock(u.trustchainId, keys.DeviceId, keys.SignKeyPair, deviceId, previousUserKey, newUserKey, remaining)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return block, nil
}
