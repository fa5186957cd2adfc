package sigchain

import (
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/ztrue/tracerr"
)

// Delegation allows the holder of EphemeralSignKeyPair to create one device for UserId.
// The identity of a user carries the delegation made by the trustchain.
type Delegation struct {
	EphemeralSignKeyPair *asymkey.SignKeyPair
	UserId               []byte
	Signature            []byte
}

// NewDelegation creates a delegation signed by authorSignKey.
func NewDelegation(authorSignKey *asymkey.SignKeyPair, userId []byte) (*Delegation, error) {
	ephemeral, err := asymkey.GenerateSignKeyPair()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &Delegation{
		EphemeralSignKeyPair: ephemeral,
		UserId:               userId,
		Signature:            authorSignKey.Sign(DelegationMessage(ephemeral.PublicKey, userId)),
	}, nil
}

// NewDeviceCreationBlock returns a signed device_creation_v3 block, with the private user key sealed for the new device.
func NewDeviceCreationBlock(trustchainId []byte, author []byte, delegation *Delegation, devicePublicSignatureKey []byte, devicePublicEncryptionKey []byte, userKeyPair *asymkey.EncryptionKeyPair, isGhostDevice bool) (*Block, error) {
	sealedUserKey, err := asymkey.SealEncrypt(userKeyPair.PrivateKey, devicePublicEncryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	record := &DeviceCreationRecord{
		EphemeralPublicSignatureKey: delegation.EphemeralSignKeyPair.PublicKey,
		UserId:                      delegation.UserId,
		DelegationSignature:         delegation.Signature,
		PublicSignatureKey:          devicePublicSignatureKey,
		PublicEncryptionKey:         devicePublicEncryptionKey,
		UserKeyPair: &UserKeyPair{
			PublicEncryptionKey:           userKeyPair.PublicKey,
			EncryptedPrivateEncryptionKey: sealedUserKey,
		},
		IsGhostDevice: isGhostDevice,
		Revoked:       NotRevoked,
	}
	payload, err := EncodeDeviceCreation(record, NatureDeviceCreationV3)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	block := NewBlock(trustchainId, NatureDeviceCreationV3, payload, author)
	block.Sign(delegation.EphemeralSignKeyPair)
	return block, nil
}

// RemainingDevice is a device that keeps access to the user key after a revocation.
type RemainingDevice struct {
	DeviceId            []byte
	PublicEncryptionKey []byte
}

// NewDeviceRevocationBlock returns a signed device_revocation_v2 block. The user key is rotated to newUserKeyPair, sealed
// for each remaining device, and the previous user key is sealed for the new one.
func NewDeviceRevocationBlock(trustchainId []byte, authorDeviceId []byte, authorSignKey *asymkey.SignKeyPair, revokedDeviceId []byte, previousUserKeyPair *asymkey.EncryptionKeyPair, newUserKeyPair *asymkey.EncryptionKeyPair, remainingDevices []RemainingDevice) (*Block, error) {
	encryptedPreviousKey, err := asymkey.SealEncrypt(previousUserKeyPair.PrivateKey, newUserKeyPair.PublicKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	userKeys := &UserKeys{
		PublicEncryptionKey:            newUserKeyPair.PublicKey,
		PreviousPublicEncryptionKey:    previousUserKeyPair.PublicKey,
		EncryptedPreviousEncryptionKey: encryptedPreviousKey,
		PrivateKeys:                    make([]UserPrivateKey, 0, len(remainingDevices)),
	}
	for _, device := range remainingDevices {
		sealed, err := asymkey.SealEncrypt(newUserKeyPair.PrivateKey, device.PublicEncryptionKey)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		userKeys.PrivateKeys = append(userKeys.PrivateKeys, UserPrivateKey{Recipient: device.DeviceId, Key: sealed})
	}
	payload, err := EncodeDeviceRevocation(&DeviceRevocationRecord{DeviceId: revokedDeviceId, UserKeys: userKeys}, NatureDeviceRevocationV2)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	block := NewBlock(trustchainId, NatureDeviceRevocationV2, payload, authorDeviceId)
	block.Sign(authorSignKey)
	return block, nil
}

// NewKeyPublishBlock returns a signed block publishing resourceKey for a user or group public encryption key.
func NewKeyPublishBlock(trustchainId []byte, authorDeviceId []byte, authorSignKey *asymkey.SignKeyPair, nature Nature, recipient []byte, resourceId []byte, resourceKey []byte) (*Block, error) {
	sealed, err := asymkey.SealEncrypt(resourceKey, recipient)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	payload, err := EncodeKeyPublish(&KeyPublishRecord{Recipient: recipient, ResourceId: resourceId, Key: sealed}, nature)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	block := NewBlock(trustchainId, nature, payload, authorDeviceId)
	block.Sign(authorSignKey)
	return block, nil
}

// NewProvisionalKeyPublishBlock seals resourceKey for the app key, then for the tanker key of a provisional identity.
func NewProvisionalKeyPublishBlock(trustchainId []byte, authorDeviceId []byte, authorSignKey *asymkey.SignKeyPair, appPublicSignatureKey []byte, appPublicEncryptionKey []byte, tankerPublicSignatureKey []byte, tankerPublicEncryptionKey []byte, resourceId []byte, resourceKey []byte) (*Block, error) {
	inner, err := asymkey.SealEncrypt(resourceKey, appPublicEncryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	outer, err := asymkey.SealEncrypt(inner, tankerPublicEncryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	payload, err := EncodeKeyPublish(&KeyPublishRecord{
		AppPublicSignatureKey:    appPublicSignatureKey,
		TankerPublicSignatureKey: tankerPublicSignatureKey,
		ResourceId:               resourceId,
		Key:                      outer,
	}, NatureKeyPublishToProvisionalUser)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	block := NewBlock(trustchainId, NatureKeyPublishToProvisionalUser, payload, authorDeviceId)
	block.Sign(authorSignKey)
	return block, nil
}
