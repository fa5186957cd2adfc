package sigchain

import (
	"bytes"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	InvalidBlockNature               = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_NATURE", "unexpected block nature")
	InvalidBlockTrustchainHash       = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_TRUSTCHAIN_HASH", "root block hash does not match trustchain id")
	InvalidBlockRootAuthor           = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_ROOT_AUTHOR", "root block must not have an author")
	InvalidBlockAuthorUnknown        = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_AUTHOR_UNKNOWN", "author is not a known device")
	InvalidBlockAuthorRevoked        = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_AUTHOR_REVOKED", "author device is revoked")
	InvalidBlockUserMismatch         = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_USER_MISMATCH", "author and target do not belong to the same user")
	InvalidBlockDelegationSignature  = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_DELEGATION_SIGNATURE", "invalid delegation signature")
	InvalidBlockSignature            = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_SIGNATURE", "invalid block signature")
	InvalidBlockGhostAuthor          = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_GHOST_AUTHOR", "a ghost device must be created by the trustchain")
	InvalidBlockUserKeyMissing       = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_USER_KEY_MISSING", "user key pair expected")
	InvalidBlockUserKeyMismatch      = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_USER_KEY_MISMATCH", "user key does not match the current user key")
	InvalidBlockTargetUnknown        = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_TARGET_UNKNOWN", "revoked device is unknown")
	InvalidBlockTargetAlreadyRevoked = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_TARGET_ALREADY_REVOKED", "device is already revoked")
	InvalidBlockRevocationVersion    = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_REVOCATION_VERSION", "users with a user key must be revoked with a v2 revocation")
	InvalidBlockRevocationRecipients = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_REVOCATION_RECIPIENTS", "new user key is not sealed for exactly the remaining devices")
	InvalidBlockTrustchainPublicKey  = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_TRUSTCHAIN_PUBLIC_KEY", "invalid trustchain public signature key")
	InvalidBlockGroupSelfSignature   = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_GROUP_SELF_SIGNATURE", "invalid group self signature")
	InvalidBlockGroupUnknown         = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_GROUP_UNKNOWN", "block refers to an unknown group")
	InvalidBlockGroupPreviousBlock   = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_GROUP_PREVIOUS_BLOCK", "previous group block is not the last block of the group")
	InvalidBlockGroupAlreadyExists   = utils.NewSealdError(utils.KindInternal, "INVALID_BLOCK_GROUP_ALREADY_EXISTS", "group is created twice")
)

// DelegationMessage is the message signed by the author of a device creation.
func DelegationMessage(ephemeralPublicSignatureKey []byte, userId []byte) []byte {
	message := append([]byte{}, ephemeralPublicSignatureKey...)
	return append(message, userId...)
}

// VerifyTrustchainCreation checks the root block of trustchainId, and returns its public signature key.
func VerifyTrustchainCreation(block *Block, trustchainId []byte) (*TrustchainCreationRecord, error) {
	if block.Nature != NatureTrustchainCreation {
		return nil, tracerr.Wrap(InvalidBlockNature.AddDetails(block.Nature.String()))
	}
	if !isZeroHash(block.Author) || !bytes.Equal(block.Signature, make([]byte, asymkey.SignatureSize)) {
		return nil, tracerr.Wrap(InvalidBlockRootAuthor)
	}
	if !bytes.Equal(HashBlock(block), trustchainId) {
		return nil, tracerr.Wrap(InvalidBlockTrustchainHash)
	}
	record, err := DecodeTrustchainCreation(block.Payload)
	if err != nil {
		return nil, tracerr.Wrap(InvalidBlockTrustchainPublicKey.Wrap(err))
	}
	return record, nil
}

// VerifyDeviceCreation checks entry. authorDevice is the device that authored it, and must be nil when the author is the
// trustchain itself.
func VerifyDeviceCreation(entry *DeviceCreationEntry, authorDevice *DeviceCreationEntry, trustchainId []byte, trustchainPublicKey []byte) error {
	if !entry.Nature.IsDeviceCreation() {
		return tracerr.Wrap(InvalidBlockNature.AddDetails(entry.Nature.String()))
	}
	var delegationKey []byte
	if bytes.Equal(entry.Author, trustchainId) {
		if len(trustchainPublicKey) != asymkey.SignaturePublicKeySize {
			return tracerr.Wrap(InvalidBlockTrustchainPublicKey)
		}
		delegationKey = trustchainPublicKey
	} else {
		if authorDevice == nil || !bytes.Equal(authorDevice.DeviceId(), entry.Author) {
			return tracerr.Wrap(InvalidBlockAuthorUnknown)
		}
		if !bytes.Equal(authorDevice.UserId, entry.UserId) {
			return tracerr.Wrap(InvalidBlockUserMismatch)
		}
		if authorDevice.Revoked != NotRevoked {
			return tracerr.Wrap(InvalidBlockAuthorRevoked)
		}
		if entry.IsGhostDevice {
			return tracerr.Wrap(InvalidBlockGhostAuthor)
		}
		delegationKey = authorDevice.PublicSignatureKey
	}
	if entry.Nature == NatureDeviceCreationV3 && entry.UserKeyPair == nil {
		return tracerr.Wrap(InvalidBlockUserKeyMissing)
	}
	if err := asymkey.Verify(delegationKey, DelegationMessage(entry.EphemeralPublicSignatureKey, entry.UserId), entry.DelegationSignature); err != nil {
		return tracerr.Wrap(InvalidBlockDelegationSignature)
	}
	if err := asymkey.Verify(entry.EphemeralPublicSignatureKey, entry.Hash, entry.Signature); err != nil {
		return tracerr.Wrap(InvalidBlockSignature)
	}
	return nil
}

// VerifyDeviceRevocation checks entry against the current state of the user. userDevices are all the known devices
// of the user, currentUserPublicKey is nil for users without a user key.
func VerifyDeviceRevocation(entry *DeviceRevocationEntry, userDevices []*DeviceCreationEntry, currentUserPublicKey []byte) error {
	if !entry.Nature.IsDeviceRevocation() {
		return tracerr.Wrap(InvalidBlockNature.AddDetails(entry.Nature.String()))
	}
	var authorDevice, targetDevice *DeviceCreationEntry
	for _, device := range userDevices {
		if bytes.Equal(device.DeviceId(), entry.Author) {
			authorDevice = device
		}
		if bytes.Equal(device.DeviceId(), entry.DeviceId) {
			targetDevice = device
		}
	}
	if authorDevice == nil {
		return tracerr.Wrap(InvalidBlockAuthorUnknown)
	}
	if targetDevice == nil {
		return tracerr.Wrap(InvalidBlockTargetUnknown)
	}
	if !bytes.Equal(authorDevice.UserId, targetDevice.UserId) || (entry.UserId != nil && !bytes.Equal(entry.UserId, targetDevice.UserId)) {
		return tracerr.Wrap(InvalidBlockUserMismatch)
	}
	if authorDevice.Revoked != NotRevoked {
		return tracerr.Wrap(InvalidBlockAuthorRevoked)
	}
	if targetDevice.Revoked != NotRevoked {
		return tracerr.Wrap(InvalidBlockTargetAlreadyRevoked)
	}
	if err := asymkey.Verify(authorDevice.PublicSignatureKey, entry.Hash, entry.Signature); err != nil {
		return tracerr.Wrap(InvalidBlockSignature)
	}
	if entry.Nature == NatureDeviceRevocationV1 {
		if currentUserPublicKey != nil {
			return tracerr.Wrap(InvalidBlockRevocationVersion)
		}
		return nil
	}
	if entry.UserKeys == nil {
		return tracerr.Wrap(InvalidBlockUserKeyMissing)
	}
	if currentUserPublicKey != nil && !bytes.Equal(entry.UserKeys.PreviousPublicEncryptionKey, currentUserPublicKey) {
		return tracerr.Wrap(InvalidBlockUserKeyMismatch)
	}
	remaining := utils.Set[string]{}
	for _, device := range userDevices {
		if device.Revoked == NotRevoked && !bytes.Equal(device.DeviceId(), entry.DeviceId) {
			remaining.Add(string(device.DeviceId()))
		}
	}
	if len(entry.UserKeys.PrivateKeys) != len(remaining) {
		return tracerr.Wrap(InvalidBlockRevocationRecipients)
	}
	for _, privateKey := range entry.UserKeys.PrivateKeys {
		if !remaining.Has(string(privateKey.Recipient)) {
			return tracerr.Wrap(InvalidBlockRevocationRecipients)
		}
		remaining.Remove(string(privateKey.Recipient))
	}
	return nil
}
