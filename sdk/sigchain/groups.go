package sigchain

import (
	"bytes"
	"fmt"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/ztrue/tracerr"
	"google.golang.org/protobuf/encoding/protowire"
)

// EncryptedGroupSignatureKeySize is the size of the private signature key of a group, sealed for the group.
const EncryptedGroupSignatureKeySize = asymkey.SignaturePrivateKeySize + asymkey.SealOverhead

const groupEncryptedKeySize = asymkey.EncryptionPublicKeySize + SealedKeySize

// GroupEncryptedKey is the private encryption key of a group, sealed for the user key of one member.
type GroupEncryptedKey struct {
	PublicUserEncryptionKey            []byte `json:"public_user_encryption_key"`
	EncryptedGroupPrivateEncryptionKey []byte `json:"encrypted_group_private_encryption_key"`
}

// UserGroupCreationRecord creates a group. The group id is its public signature key.
type UserGroupCreationRecord struct {
	PublicSignatureKey           []byte              `json:"public_signature_key"`
	PublicEncryptionKey          []byte              `json:"public_encryption_key"`
	EncryptedPrivateSignatureKey []byte              `json:"encrypted_private_signature_key"`
	EncryptedKeysForUsers        []GroupEncryptedKey `json:"encrypted_group_private_encryption_keys_for_users"`
	// SelfSignature is made with the group signature key, over the rest of the payload.
	SelfSignature []byte `json:"self_signature"`
}

// UserGroupAdditionRecord adds members to a group. PreviousGroupBlock is the hash of the last block of the group.
type UserGroupAdditionRecord struct {
	GroupId               []byte              `json:"group_id"`
	PreviousGroupBlock    []byte              `json:"previous_group_block"`
	EncryptedKeysForUsers []GroupEncryptedKey `json:"encrypted_group_private_encryption_keys_for_users"`
	SelfSignature         []byte              `json:"self_signature_with_current_key"`
}

type UserGroupCreationEntry struct {
	UserGroupCreationRecord
	VerificationFields
}

func (entry *UserGroupCreationEntry) GroupId() []byte {
	return entry.PublicSignatureKey
}

type UserGroupAdditionEntry struct {
	UserGroupAdditionRecord
	VerificationFields
}

func appendGroupEncryptedKeys(out []byte, keys []GroupEncryptedKey) ([]byte, error) {
	out = protowire.AppendVarint(out, uint64(len(keys)))
	for _, key := range keys {
		if err := checkSize(key.PublicUserEncryptionKey, asymkey.EncryptionPublicKeySize, "public_user_encryption_key"); err != nil {
			return nil, err
		}
		if err := checkSize(key.EncryptedGroupPrivateEncryptionKey, SealedKeySize, "encrypted_group_private_encryption_key"); err != nil {
			return nil, err
		}
		out = append(out, key.PublicUserEncryptionKey...)
		out = append(out, key.EncryptedGroupPrivateEncryptionKey...)
	}
	return out, nil
}

func (r *reader) groupEncryptedKeys() ([]GroupEncryptedKey, error) {
	count, err := r.varint("encrypted_keys count")
	if err != nil {
		return nil, err
	}
	if count > uint64(len(r.data)-r.offset)/groupEncryptedKeySize {
		return nil, tracerr.Wrap(ErrorFormatTruncated.AddDetails(fmt.Sprintf("encrypted_keys: %d elements cannot fit", count)))
	}
	keys := make([]GroupEncryptedKey, 0, count)
	for i := uint64(0); i < count; i++ {
		var key GroupEncryptedKey
		if key.PublicUserEncryptionKey, err = r.static(asymkey.EncryptionPublicKeySize, "encrypted_keys.public_user_encryption_key"); err != nil {
			return nil, err
		}
		if key.EncryptedGroupPrivateEncryptionKey, err = r.static(SealedKeySize, "encrypted_keys.encrypted_group_private_encryption_key"); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// UserGroupCreationSignedData is the part of the payload covered by the self signature.
func UserGroupCreationSignedData(record *UserGroupCreationRecord) ([]byte, error) {
	if err := checkSize(record.PublicSignatureKey, asymkey.SignaturePublicKeySize, "public_signature_key"); err != nil {
		return nil, err
	}
	if err := checkSize(record.PublicEncryptionKey, asymkey.EncryptionPublicKeySize, "public_encryption_key"); err != nil {
		return nil, err
	}
	if err := checkSize(record.EncryptedPrivateSignatureKey, EncryptedGroupSignatureKeySize, "encrypted_private_signature_key"); err != nil {
		return nil, err
	}
	out := append([]byte{}, record.PublicSignatureKey...)
	out = append(out, record.PublicEncryptionKey...)
	out = append(out, record.EncryptedPrivateSignatureKey...)
	return appendGroupEncryptedKeys(out, record.EncryptedKeysForUsers)
}

func EncodeUserGroupCreation(record *UserGroupCreationRecord) ([]byte, error) {
	out, err := UserGroupCreationSignedData(record)
	if err != nil {
		return nil, err
	}
	if err = checkSize(record.SelfSignature, asymkey.SignatureSize, "self_signature"); err != nil {
		return nil, err
	}
	return append(out, record.SelfSignature...), nil
}

func DecodeUserGroupCreation(payload []byte) (*UserGroupCreationRecord, error) {
	r := newReader(payload)
	record := &UserGroupCreationRecord{}
	var err error
	if record.PublicSignatureKey, err = r.static(asymkey.SignaturePublicKeySize, "public_signature_key"); err != nil {
		return nil, err
	}
	if record.PublicEncryptionKey, err = r.static(asymkey.EncryptionPublicKeySize, "public_encryption_key"); err != nil {
		return nil, err
	}
	if record.EncryptedPrivateSignatureKey, err = r.static(EncryptedGroupSignatureKeySize, "encrypted_private_signature_key"); err != nil {
		return nil, err
	}
	if record.EncryptedKeysForUsers, err = r.groupEncryptedKeys(); err != nil {
		return nil, err
	}
	if record.SelfSignature, err = r.static(asymkey.SignatureSize, "self_signature"); err != nil {
		return nil, err
	}
	if err = r.end(); err != nil {
		return nil, err
	}
	return record, nil
}

// UserGroupAdditionSignedData is the part of the payload covered by the self signature.
func UserGroupAdditionSignedData(record *UserGroupAdditionRecord) ([]byte, error) {
	if err := checkSize(record.GroupId, asymkey.SignaturePublicKeySize, "group_id"); err != nil {
		return nil, err
	}
	if err := checkSize(record.PreviousGroupBlock, HashSize, "previous_group_block"); err != nil {
		return nil, err
	}
	out := append([]byte{}, record.GroupId...)
	out = append(out, record.PreviousGroupBlock...)
	return appendGroupEncryptedKeys(out, record.EncryptedKeysForUsers)
}

func EncodeUserGroupAddition(record *UserGroupAdditionRecord) ([]byte, error) {
	out, err := UserGroupAdditionSignedData(record)
	if err != nil {
		return nil, err
	}
	if err = checkSize(record.SelfSignature, asymkey.SignatureSize, "self_signature_with_current_key"); err != nil {
		return nil, err
	}
	return append(out, record.SelfSignature...), nil
}

func DecodeUserGroupAddition(payload []byte) (*UserGroupAdditionRecord, error) {
	r := newReader(payload)
	record := &UserGroupAdditionRecord{}
	var err error
	if record.GroupId, err = r.static(asymkey.SignaturePublicKeySize, "group_id"); err != nil {
		return nil, err
	}
	if record.PreviousGroupBlock, err = r.static(HashSize, "previous_group_block"); err != nil {
		return nil, err
	}
	if record.EncryptedKeysForUsers, err = r.groupEncryptedKeys(); err != nil {
		return nil, err
	}
	if record.SelfSignature, err = r.static(asymkey.SignatureSize, "self_signature_with_current_key"); err != nil {
		return nil, err
	}
	if err = r.end(); err != nil {
		return nil, err
	}
	return record, nil
}

func UserGroupCreationFromBlock(block *Block) (*UserGroupCreationEntry, error) {
	if block.Nature != NatureUserGroupCreationV1 {
		return nil, tracerr.Wrap(ErrorAssertionNature.AddDetails(fmt.Sprintf("%s is not a group creation", block.Nature)))
	}
	record, err := DecodeUserGroupCreation(block.Payload)
	if err != nil {
		return nil, err
	}
	return &UserGroupCreationEntry{UserGroupCreationRecord: *record, VerificationFields: verificationFieldsFromBlock(block)}, nil
}

func UserGroupAdditionFromBlock(block *Block) (*UserGroupAdditionEntry, error) {
	if block.Nature != NatureUserGroupAdditionV1 {
		return nil, tracerr.Wrap(ErrorAssertionNature.AddDetails(fmt.Sprintf("%s is not a group addition", block.Nature)))
	}
	record, err := DecodeUserGroupAddition(block.Payload)
	if err != nil {
		return nil, err
	}
	return &UserGroupAdditionEntry{UserGroupAdditionRecord: *record, VerificationFields: verificationFieldsFromBlock(block)}, nil
}

// sealGroupKeyForUsers seals the private encryption key of a group for each user public encryption key.
func sealGroupKeyForUsers(groupEncryptionKey *asymkey.EncryptionKeyPair, userPublicKeys [][]byte) ([]GroupEncryptedKey, error) {
	keys := make([]GroupEncryptedKey, 0, len(userPublicKeys))
	for _, userPublicKey := range userPublicKeys {
		sealed, err := asymkey.SealEncrypt(groupEncryptionKey.PrivateKey, userPublicKey)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		keys = append(keys, GroupEncryptedKey{PublicUserEncryptionKey: userPublicKey, EncryptedGroupPrivateEncryptionKey: sealed})
	}
	return keys, nil
}

// NewUserGroupCreationBlock returns a signed block creating the group of groupSignKey and groupEncryptionKey, with the
// users of userPublicKeys as members.
func NewUserGroupCreationBlock(trustchainId []byte, authorDeviceId []byte, authorSignKey *asymkey.SignKeyPair, groupSignKey *asymkey.SignKeyPair, groupEncryptionKey *asymkey.EncryptionKeyPair, userPublicKeys [][]byte) (*Block, error) {
	encryptedSignKey, err := asymkey.SealEncrypt(groupSignKey.PrivateKey, groupEncryptionKey.PublicKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	keys, err := sealGroupKeyForUsers(groupEncryptionKey, userPublicKeys)
	if err != nil {
		return nil, err
	}
	record := &UserGroupCreationRecord{
		PublicSignatureKey:           groupSignKey.PublicKey,
		PublicEncryptionKey:          groupEncryptionKey.PublicKey,
		EncryptedPrivateSignatureKey: encryptedSignKey,
		EncryptedKeysForUsers:        keys,
	}
	signed, err := UserGroupCreationSignedData(record)
	if err != nil {
		return nil, err
	}
	record.SelfSignature = groupSignKey.Sign(signed)
	payload, err := EncodeUserGroupCreation(record)
	if err != nil {
		return nil, err
	}
	block := NewBlock(trustchainId, NatureUserGroupCreationV1, payload, authorDeviceId)
	block.Sign(authorSignKey)
	return block, nil
}

// NewUserGroupAdditionBlock returns a signed block adding the users of userPublicKeys to a group. previousGroupBlock is
// the hash of the last block of the group.
func NewUserGroupAdditionBlock(trustchainId []byte, authorDeviceId []byte, authorSignKey *asymkey.SignKeyPair, groupSignKey *asymkey.SignKeyPair, groupEncryptionKey *asymkey.EncryptionKeyPair, previousGroupBlock []byte, userPublicKeys [][]byte) (*Block, error) {
	keys, err := sealGroupKeyForUsers(groupEncryptionKey, userPublicKeys)
	if err != nil {
		return nil, err
	}
	record := &UserGroupAdditionRecord{
		GroupId:               groupSignKey.PublicKey,
		PreviousGroupBlock:    previousGroupBlock,
		EncryptedKeysForUsers: keys,
	}
	signed, err := UserGroupAdditionSignedData(record)
	if err != nil {
		return nil, err
	}
	record.SelfSignature = groupSignKey.Sign(signed)
	payload, err := EncodeUserGroupAddition(record)
	if err != nil {
		return nil, err
	}
	block := NewBlock(trustchainId, NatureUserGroupAdditionV1, payload, authorDeviceId)
	block.Sign(authorSignKey)
	return block, nil
}

// verifyGroupAuthor checks that authorDevice signed the block. A device revoked after the block was appended remains a
// valid author.
func verifyGroupAuthor(fields *VerificationFields, authorDevice *DeviceCreationEntry) error {
	if authorDevice == nil || !bytes.Equal(authorDevice.DeviceId(), fields.Author) {
		return tracerr.Wrap(InvalidBlockAuthorUnknown)
	}
	if authorDevice.Revoked != NotRevoked && authorDevice.Revoked < fields.Index {
		return tracerr.Wrap(InvalidBlockAuthorRevoked)
	}
	if err := asymkey.Verify(authorDevice.PublicSignatureKey, fields.Hash, fields.Signature); err != nil {
		return tracerr.Wrap(InvalidBlockSignature)
	}
	return nil
}

// VerifyUserGroupCreation checks entry, authored by authorDevice.
func VerifyUserGroupCreation(entry *UserGroupCreationEntry, authorDevice *DeviceCreationEntry) error {
	if entry.Nature != NatureUserGroupCreationV1 {
		return tracerr.Wrap(InvalidBlockNature.AddDetails(entry.Nature.String()))
	}
	if err := verifyGroupAuthor(&entry.VerificationFields, authorDevice); err != nil {
		return err
	}
	signed, err := UserGroupCreationSignedData(&entry.UserGroupCreationRecord)
	if err != nil {
		return err
	}
	if err = asymkey.Verify(entry.PublicSignatureKey, signed, entry.SelfSignature); err != nil {
		return tracerr.Wrap(InvalidBlockGroupSelfSignature)
	}
	return nil
}

// VerifyUserGroupAddition checks entry against the current state of the group: its public signature key, which is
// also its id, and the hash of its last block.
func VerifyUserGroupAddition(entry *UserGroupAdditionEntry, authorDevice *DeviceCreationEntry, groupPublicSignatureKey []byte, lastGroupBlock []byte) error {
	if entry.Nature != NatureUserGroupAdditionV1 {
		return tracerr.Wrap(InvalidBlockNature.AddDetails(entry.Nature.String()))
	}
	if groupPublicSignatureKey == nil || !bytes.Equal(entry.GroupId, groupPublicSignatureKey) {
		return tracerr.Wrap(InvalidBlockGroupUnknown)
	}
	if !bytes.Equal(entry.PreviousGroupBlock, lastGroupBlock) {
		return tracerr.Wrap(InvalidBlockGroupPreviousBlock)
	}
	if err := verifyGroupAuthor(&entry.VerificationFields, authorDevice); err != nil {
		return err
	}
	signed, err := UserGroupAdditionSignedData(&entry.UserGroupAdditionRecord)
	if err != nil {
		return err
	}
	if err = asymkey.Verify(groupPublicSignatureKey, signed, entry.SelfSignature); err != nil {
		return tracerr.Wrap(InvalidBlockGroupSelfSignature)
	}
	return nil
}
