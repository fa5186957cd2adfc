package sigchain

import (
	"fmt"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/ztrue/tracerr"
)

// KeyPublishRecord publishes the key of a resource.
// For NatureKeyPublishToUser and NatureKeyPublishToUserGroup, Recipient is the public encryption key the key is sealed for.
// For NatureKeyPublishToProvisionalUser, the key is sealed for the app key, then for the tanker key, of a provisional identity.
type KeyPublishRecord struct {
	Recipient                []byte `json:"recipient,omitempty"`
	AppPublicSignatureKey    []byte `json:"app_public_signature_key,omitempty"`
	TankerPublicSignatureKey []byte `json:"tanker_public_signature_key,omitempty"`
	ResourceId               []byte `json:"resource_id"`
	Key                      []byte `json:"key"`
}

type KeyPublishEntry struct {
	KeyPublishRecord
	VerificationFields
}

func EncodeKeyPublish(record *KeyPublishRecord, nature Nature) ([]byte, error) {
	var out []byte
	switch nature {
	case NatureKeyPublishToUser, NatureKeyPublishToUserGroup:
		if err := checkSize(record.Recipient, asymkey.EncryptionPublicKeySize, "recipient"); err != nil {
			return nil, err
		}
		if err := checkSize(record.ResourceId, ResourceIdSize, "resource_id"); err != nil {
			return nil, err
		}
		if err := checkSize(record.Key, SealedKeySize, "key"); err != nil {
			return nil, err
		}
		out = append(out, record.Recipient...)
	case NatureKeyPublishToProvisionalUser:
		if err := checkSize(record.AppPublicSignatureKey, asymkey.SignaturePublicKeySize, "app_public_signature_key"); err != nil {
			return nil, err
		}
		if err := checkSize(record.TankerPublicSignatureKey, asymkey.SignaturePublicKeySize, "tanker_public_signature_key"); err != nil {
			return nil, err
		}
		if err := checkSize(record.ResourceId, ResourceIdSize, "resource_id"); err != nil {
			return nil, err
		}
		if err := checkSize(record.Key, TwoTimesSealedKeySize, "key"); err != nil {
			return nil, err
		}
		out = append(out, record.AppPublicSignatureKey...)
		out = append(out, record.TankerPublicSignatureKey...)
	default:
		return nil, tracerr.Wrap(ErrorAssertionNature.AddDetails(nature.String()))
	}
	out = append(out, record.ResourceId...)
	return append(out, record.Key...), nil
}

func DecodeKeyPublish(payload []byte, nature Nature) (*KeyPublishRecord, error) {
	r := newReader(payload)
	record := &KeyPublishRecord{}
	var err error
	keySize := SealedKeySize
	switch nature {
	case NatureKeyPublishToUser, NatureKeyPublishToUserGroup:
		if record.Recipient, err = r.static(asymkey.EncryptionPublicKeySize, "recipient"); err != nil {
			return nil, err
		}
	case NatureKeyPublishToProvisionalUser:
		if record.AppPublicSignatureKey, err = r.static(asymkey.SignaturePublicKeySize, "app_public_signature_key"); err != nil {
			return nil, err
		}
		if record.TankerPublicSignatureKey, err = r.static(asymkey.SignaturePublicKeySize, "tanker_public_signature_key"); err != nil {
			return nil, err
		}
		keySize = TwoTimesSealedKeySize
	default:
		return nil, tracerr.Wrap(ErrorFormatUnknownNature.AddDetails(fmt.Sprintf("%s is not a key publish", nature)))
	}
	if record.ResourceId, err = r.static(ResourceIdSize, "resource_id"); err != nil {
		return nil, err
	}
	if record.Key, err = r.static(keySize, "key"); err != nil {
		return nil, err
	}
	if err = r.end(); err != nil {
		return nil, err
	}
	return record, nil
}

func KeyPublishFromBlock(block *Block) (*KeyPublishEntry, error) {
	record, err := DecodeKeyPublish(block.Payload, block.Nature)
	if err != nil {
		return nil, err
	}
	return &KeyPublishEntry{KeyPublishRecord: *record, VerificationFields: verificationFieldsFromBlock(block)}, nil
}

// TrustchainCreationRecord is the payload of the root block: the public signature key of the app.
type TrustchainCreationRecord struct {
	PublicSignatureKey []byte `json:"public_signature_key"`
}

func EncodeTrustchainCreation(record *TrustchainCreationRecord) ([]byte, error) {
	if err := checkSize(record.PublicSignatureKey, asymkey.SignaturePublicKeySize, "public_signature_key"); err != nil {
		return nil, err
	}
	return append([]byte{}, record.PublicSignatureKey...), nil
}

func DecodeTrustchainCreation(payload []byte) (*TrustchainCreationRecord, error) {
	r := newReader(payload)
	publicSignatureKey, err := r.static(asymkey.SignaturePublicKeySize, "public_signature_key")
	if err != nil {
		return nil, err
	}
	if err = r.end(); err != nil {
		return nil, err
	}
	return &TrustchainCreationRecord{PublicSignatureKey: publicSignatureKey}, nil
}
