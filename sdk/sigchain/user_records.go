package sigchain

import (
	"bytes"
	"fmt"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/ztrue/tracerr"
	"google.golang.org/protobuf/encoding/protowire"
	"math"
)

// NotRevoked is the Revoked value of a device that was never revoked.
const NotRevoked = math.MaxUint64

const deviceFlagGhost = 0x01

type UserKeyPair struct {
	PublicEncryptionKey           []byte `json:"public_encryption_key"`
	EncryptedPrivateEncryptionKey []byte `json:"encrypted_private_encryption_key"`
}

// UserPrivateKey is the new user private key, sealed for the device Recipient.
type UserPrivateKey struct {
	Recipient []byte `json:"recipient"`
	Key       []byte `json:"key"`
}

type UserKeys struct {
	PublicEncryptionKey            []byte           `json:"public_encryption_key"`
	PreviousPublicEncryptionKey    []byte           `json:"previous_public_encryption_key"`
	EncryptedPreviousEncryptionKey []byte           `json:"encrypted_previous_encryption_key"`
	PrivateKeys                    []UserPrivateKey `json:"private_keys"`
}

type DeviceCreationRecord struct {
	LastReset                   []byte       `json:"last_reset"`
	EphemeralPublicSignatureKey []byte       `json:"ephemeral_public_signature_key"`
	UserId                      []byte       `json:"user_id"`
	DelegationSignature         []byte       `json:"delegation_signature"`
	PublicSignatureKey          []byte       `json:"public_signature_key"`
	PublicEncryptionKey         []byte       `json:"public_encryption_key"`
	UserKeyPair                 *UserKeyPair `json:"user_key_pair"`
	IsGhostDevice               bool         `json:"is_ghost_device"`
	// Revoked is the index of the revocation block, or NotRevoked. It is never encoded.
	Revoked uint64 `json:"revoked"`
}

type DeviceRevocationRecord struct {
	DeviceId []byte    `json:"device_id"`
	UserKeys *UserKeys `json:"user_keys,omitempty"`
}

// VerificationFields are the block fields needed to verify an entry.
type VerificationFields struct {
	Author    []byte `json:"author"`
	Signature []byte `json:"signature"`
	Nature    Nature `json:"nature"`
	Hash      []byte `json:"hash"`
	Index     uint64 `json:"index"`
}

func verificationFieldsFromBlock(block *Block) VerificationFields {
	return VerificationFields{
		Author:    block.Author,
		Signature: block.Signature,
		Nature:    block.Nature,
		Hash:      HashBlock(block),
		Index:     block.Index,
	}
}

// UserEntry is either a *DeviceCreationEntry or a *DeviceRevocationEntry.
type UserEntry interface {
	Verification() *VerificationFields
	isUserEntry()
}

type DeviceCreationEntry struct {
	DeviceCreationRecord
	VerificationFields
}

func (entry *DeviceCreationEntry) Verification() *VerificationFields {
	return &entry.VerificationFields
}

func (*DeviceCreationEntry) isUserEntry() {}

// DeviceId is the hash of the creation block.
func (entry *DeviceCreationEntry) DeviceId() []byte {
	return entry.Hash
}

type DeviceRevocationEntry struct {
	DeviceRevocationRecord
	VerificationFields
	UserId []byte `json:"user_id"`
}

func (entry *DeviceRevocationEntry) Verification() *VerificationFields {
	return &entry.VerificationFields
}

func (*DeviceRevocationEntry) isUserEntry() {}

var zeroHash = make([]byte, HashSize)

func checkDeviceCreationCommon(record *DeviceCreationRecord) error {
	if err := checkSize(record.EphemeralPublicSignatureKey, asymkey.SignaturePublicKeySize, "ephemeral_public_signature_key"); err != nil {
		return err
	}
	if err := checkSize(record.UserId, HashSize, "user_id"); err != nil {
		return err
	}
	if err := checkSize(record.DelegationSignature, asymkey.SignatureSize, "delegation_signature"); err != nil {
		return err
	}
	if err := checkSize(record.PublicSignatureKey, asymkey.SignaturePublicKeySize, "public_signature_key"); err != nil {
		return err
	}
	return checkSize(record.PublicEncryptionKey, asymkey.EncryptionPublicKeySize, "public_encryption_key")
}

// isZeroHash accepts nil as the zero hash.
func isZeroHash(hash []byte) bool {
	return len(hash) == 0 || bytes.Equal(hash, zeroHash)
}

func appendDeviceCreationCommon(out []byte, record *DeviceCreationRecord) []byte {
	out = append(out, record.EphemeralPublicSignatureKey...)
	out = append(out, record.UserId...)
	out = append(out, record.DelegationSignature...)
	out = append(out, record.PublicSignatureKey...)
	return append(out, record.PublicEncryptionKey...)
}

// EncodeDeviceCreation encodes record in the layout of the given device creation nature.
func EncodeDeviceCreation(record *DeviceCreationRecord, nature Nature) ([]byte, error) {
	if err := checkDeviceCreationCommon(record); err != nil {
		return nil, err
	}
	var out []byte
	switch nature {
	case NatureDeviceCreationV1:
		if !isZeroHash(record.LastReset) {
			return nil, tracerr.Wrap(ErrorAssertionLastReset)
		}
		return appendDeviceCreationCommon(out, record), nil
	case NatureDeviceCreationV2:
		lastReset := record.LastReset
		if len(lastReset) == 0 {
			lastReset = zeroHash
		}
		if err := checkSize(lastReset, HashSize, "last_reset"); err != nil {
			return nil, err
		}
		out = append(out, lastReset...)
		return appendDeviceCreationCommon(out, record), nil
	case NatureDeviceCreationV3:
		if !isZeroHash(record.LastReset) {
			return nil, tracerr.Wrap(ErrorAssertionLastReset)
		}
		if record.UserKeyPair == nil {
			return nil, tracerr.Wrap(ErrorAssertionUserKeyPair)
		}
		if err := checkSize(record.UserKeyPair.PublicEncryptionKey, asymkey.EncryptionPublicKeySize, "user_key_pair.public_encryption_key"); err != nil {
			return nil, err
		}
		if err := checkSize(record.UserKeyPair.EncryptedPrivateEncryptionKey, SealedKeySize, "user_key_pair.encrypted_private_encryption_key"); err != nil {
			return nil, err
		}
		out = appendDeviceCreationCommon(out, record)
		out = append(out, record.UserKeyPair.PublicEncryptionKey...)
		out = append(out, record.UserKeyPair.EncryptedPrivateEncryptionKey...)
		var flags byte
		if record.IsGhostDevice {
			flags |= deviceFlagGhost
		}
		return append(out, flags), nil
	default:
		return nil, tracerr.Wrap(ErrorAssertionNature.AddDetails(nature.String()))
	}
}

func readDeviceCreationCommon(r *reader, record *DeviceCreationRecord) error {
	var err error
	if record.EphemeralPublicSignatureKey, err = r.static(asymkey.SignaturePublicKeySize, "ephemeral_public_signature_key"); err != nil {
		return err
	}
	if record.UserId, err = r.static(HashSize, "user_id"); err != nil {
		return err
	}
	if record.DelegationSignature, err = r.static(asymkey.SignatureSize, "delegation_signature"); err != nil {
		return err
	}
	if record.PublicSignatureKey, err = r.static(asymkey.SignaturePublicKeySize, "public_signature_key"); err != nil {
		return err
	}
	record.PublicEncryptionKey, err = r.static(asymkey.EncryptionPublicKeySize, "public_encryption_key")
	return err
}

// DecodeDeviceCreation decodes payload with the layout of the given device creation nature.
// Fields absent from older layouts get their default values.
func DecodeDeviceCreation(payload []byte, nature Nature) (*DeviceCreationRecord, error) {
	r := newReader(payload)
	record := &DeviceCreationRecord{Revoked: NotRevoked}
	var err error
	switch nature {
	case NatureDeviceCreationV1:
		record.LastReset = make([]byte, HashSize)
		if err = readDeviceCreationCommon(r, record); err != nil {
			return nil, err
		}
	case NatureDeviceCreationV2:
		if record.LastReset, err = r.static(HashSize, "last_reset"); err != nil {
			return nil, err
		}
		if err = readDeviceCreationCommon(r, record); err != nil {
			return nil, err
		}
	case NatureDeviceCreationV3:
		record.LastReset = make([]byte, HashSize)
		if err = readDeviceCreationCommon(r, record); err != nil {
			return nil, err
		}
		userKeyPair := &UserKeyPair{}
		if userKeyPair.PublicEncryptionKey, err = r.static(asymkey.EncryptionPublicKeySize, "user_key_pair.public_encryption_key"); err != nil {
			return nil, err
		}
		if userKeyPair.EncryptedPrivateEncryptionKey, err = r.static(SealedKeySize, "user_key_pair.encrypted_private_encryption_key"); err != nil {
			return nil, err
		}
		record.UserKeyPair = userKeyPair
		flags, err := r.singleByte("flags")
		if err != nil {
			return nil, err
		}
		record.IsGhostDevice = flags&deviceFlagGhost != 0
	default:
		return nil, tracerr.Wrap(ErrorFormatUnknownNature.AddDetails(fmt.Sprintf("%s is not a device creation", nature)))
	}
	if err = r.end(); err != nil {
		return nil, err
	}
	return record, nil
}

func EncodeDeviceRevocation(record *DeviceRevocationRecord, nature Nature) ([]byte, error) {
	if err := checkSize(record.DeviceId, HashSize, "device_id"); err != nil {
		return nil, err
	}
	switch nature {
	case NatureDeviceRevocationV1:
		return bytes.Clone(record.DeviceId), nil
	case NatureDeviceRevocationV2:
		userKeys := record.UserKeys
		if userKeys == nil {
			return nil, tracerr.Wrap(ErrorAssertionUserKeys)
		}
		if err := checkSize(userKeys.PublicEncryptionKey, asymkey.EncryptionPublicKeySize, "user_keys.public_encryption_key"); err != nil {
			return nil, err
		}
		if err := checkSize(userKeys.PreviousPublicEncryptionKey, asymkey.EncryptionPublicKeySize, "user_keys.previous_public_encryption_key"); err != nil {
			return nil, err
		}
		if err := checkSize(userKeys.EncryptedPreviousEncryptionKey, SealedKeySize, "user_keys.encrypted_previous_encryption_key"); err != nil {
			return nil, err
		}
		out := bytes.Clone(record.DeviceId)
		out = append(out, userKeys.PublicEncryptionKey...)
		out = append(out, userKeys.PreviousPublicEncryptionKey...)
		out = append(out, userKeys.EncryptedPreviousEncryptionKey...)
		out = protowire.AppendVarint(out, uint64(len(userKeys.PrivateKeys)))
		for _, privateKey := range userKeys.PrivateKeys {
			if err := checkSize(privateKey.Recipient, HashSize, "user_keys.private_keys.recipient"); err != nil {
				return nil, err
			}
			if err := checkSize(privateKey.Key, SealedKeySize, "user_keys.private_keys.key"); err != nil {
				return nil, err
			}
			out = append(out, privateKey.Recipient...)
			out = append(out, privateKey.Key...)
		}
		return out, nil
	default:
		return nil, tracerr.Wrap(ErrorAssertionNature.AddDetails(nature.String()))
	}
}

func DecodeDeviceRevocation(payload []byte, nature Nature) (*DeviceRevocationRecord, error) {
	r := newReader(payload)
	record := &DeviceRevocationRecord{}
	var err error
	switch nature {
	case NatureDeviceRevocationV1:
		if record.DeviceId, err = r.static(HashSize, "device_id"); err != nil {
			return nil, err
		}
	case NatureDeviceRevocationV2:
		if record.DeviceId, err = r.static(HashSize, "device_id"); err != nil {
			return nil, err
		}
		userKeys := &UserKeys{}
		if userKeys.PublicEncryptionKey, err = r.static(asymkey.EncryptionPublicKeySize, "user_keys.public_encryption_key"); err != nil {
			return nil, err
		}
		if userKeys.PreviousPublicEncryptionKey, err = r.static(asymkey.EncryptionPublicKeySize, "user_keys.previous_public_encryption_key"); err != nil {
			return nil, err
		}
		if userKeys.EncryptedPreviousEncryptionKey, err = r.static(SealedKeySize, "user_keys.encrypted_previous_encryption_key"); err != nil {
			return nil, err
		}
		count, err := r.varint("user_keys.private_keys count")
		if err != nil {
			return nil, err
		}
		// each element takes HashSize+SealedKeySize bytes, which bounds count before allocating
		if count > uint64(len(payload))/(HashSize+SealedKeySize) {
			return nil, tracerr.Wrap(ErrorFormatTruncated.AddDetails(fmt.Sprintf("user_keys.private_keys: %d elements cannot fit", count)))
		}
		userKeys.PrivateKeys = make([]UserPrivateKey, 0, count)
		for i := uint64(0); i < count; i++ {
			var privateKey UserPrivateKey
			if privateKey.Recipient, err = r.static(HashSize, "user_keys.private_keys.recipient"); err != nil {
				return nil, err
			}
			if privateKey.Key, err = r.static(SealedKeySize, "user_keys.private_keys.key"); err != nil {
				return nil, err
			}
			userKeys.PrivateKeys = append(userKeys.PrivateKeys, privateKey)
		}
		record.UserKeys = userKeys
	default:
		return nil, tracerr.Wrap(ErrorFormatUnknownNature.AddDetails(fmt.Sprintf("%s is not a device revocation", nature)))
	}
	if err = r.end(); err != nil {
		return nil, err
	}
	return record, nil
}

func DeviceCreationFromBlock(block *Block) (*DeviceCreationEntry, error) {
	if !block.Nature.IsDeviceCreation() {
		return nil, tracerr.Wrap(ErrorAssertionNature.AddDetails(fmt.Sprintf("%s is not a device creation", block.Nature)))
	}
	record, err := DecodeDeviceCreation(block.Payload, block.Nature)
	if err != nil {
		return nil, err
	}
	return &DeviceCreationEntry{DeviceCreationRecord: *record, VerificationFields: verificationFieldsFromBlock(block)}, nil
}

// DeviceRevocationFromBlock decodes a revocation. The payload does not carry the user, so the caller provides it.
func DeviceRevocationFromBlock(block *Block, userId []byte) (*DeviceRevocationEntry, error) {
	if !block.Nature.IsDeviceRevocation() {
		return nil, tracerr.Wrap(ErrorAssertionNature.AddDetails(fmt.Sprintf("%s is not a device revocation", block.Nature)))
	}
	record, err := DecodeDeviceRevocation(block.Payload, block.Nature)
	if err != nil {
		return nil, err
	}
	return &DeviceRevocationEntry{DeviceRevocationRecord: *record, VerificationFields: verificationFieldsFromBlock(block), UserId: userId}, nil
}

// UserEntryFromBlock dispatches on the nature of block.
func UserEntryFromBlock(block *Block, userId []byte) (UserEntry, error) {
	switch {
	case block.Nature.IsDeviceCreation():
		entry, err := DeviceCreationFromBlock(block)
		if err != nil {
			return nil, err
		}
		return entry, nil
	case block.Nature.IsDeviceRevocation():
		entry, err := DeviceRevocationFromBlock(block, userId)
		if err != nil {
			return nil, err
		}
		return entry, nil
	default:
		return nil, tracerr.Wrap(ErrorFormatUnknownNature.AddDetails(fmt.Sprintf("%s is not a user entry", block.Nature)))
	}
}
