package sigchain

import (
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestKeyPublish(t *testing.T) {
	t.Parallel()

	for _, nature := range []Nature{NatureKeyPublishToUser, NatureKeyPublishToUserGroup} {
		nature := nature
		t.Run(nature.String(), func(t *testing.T) {
			t.Parallel()
			record := &KeyPublishRecord{
				Recipient:  randomBytes(t, asymkey.EncryptionPublicKeySize),
				ResourceId: randomBytes(t, ResourceIdSize),
				Key:        randomBytes(t, SealedKeySize),
			}
			payload, err := EncodeKeyPublish(record, nature)
			require.NoError(t, err)
			assert.Len(t, payload, 32+32+80)

			decoded, err := DecodeKeyPublish(payload, nature)
			require.NoError(t, err)
			assert.Equal(t, record, decoded)

			assertEveryPrefixFails(t, payload, func(b []byte) error {
				_, err := DecodeKeyPublish(b, nature)
				return err
			})

			record.Key = randomBytes(t, TwoTimesSealedKeySize)
			_, err = EncodeKeyPublish(record, nature)
			assert.ErrorIs(t, err, ErrorAssertionFieldSize)
		})
	}

	t.Run("to provisional user", func(t *testing.T) {
		t.Parallel()
		record := &KeyPublishRecord{
			AppPublicSignatureKey:    randomBytes(t, asymkey.SignaturePublicKeySize),
			TankerPublicSignatureKey: randomBytes(t, asymkey.SignaturePublicKeySize),
			ResourceId:               randomBytes(t, ResourceIdSize),
			Key:                      randomBytes(t, TwoTimesSealedKeySize),
		}
		payload, err := EncodeKeyPublish(record, NatureKeyPublishToProvisionalUser)
		require.NoError(t, err)
		assert.Len(t, payload, 32+32+32+128)

		decoded, err := DecodeKeyPublish(payload, NatureKeyPublishToProvisionalUser)
		require.NoError(t, err)
		assert.Equal(t, record, decoded)

		assertEveryPrefixFails(t, payload, func(b []byte) error {
			_, err := DecodeKeyPublish(b, NatureKeyPublishToProvisionalUser)
			return err
		})
	})

	t.Run("unsupported natures", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeKeyPublish(randomBytes(t, 144), NatureKeyPublishToDevice)
		assert.ErrorIs(t, err, ErrorFormatUnknownNature)
		_, err = EncodeKeyPublish(&KeyPublishRecord{}, NatureDeviceCreationV3)
		assert.ErrorIs(t, err, ErrorAssertionNature)
	})

	t.Run("from block", func(t *testing.T) {
		t.Parallel()
		sender, err := asymkey.GenerateSignKeyPair()
		require.NoError(t, err)
		recipient, err := asymkey.GenerateEncryptionKeyPair()
		require.NoError(t, err)
		resourceId := randomBytes(t, ResourceIdSize)
		resourceKey := randomBytes(t, 32)

		block, err := NewKeyPublishBlock(randomBytes(t, HashSize), randomBytes(t, HashSize), sender, NatureKeyPublishToUser, recipient.PublicKey, resourceId, resourceKey)
		require.NoError(t, err)
		serialized, err := SerializeBlock(block)
		require.NoError(t, err)
		decodedBlock, err := UnserializeBlock(serialized)
		require.NoError(t, err)

		entry, err := KeyPublishFromBlock(decodedBlock)
		require.NoError(t, err)
		assert.Equal(t, resourceId, entry.ResourceId)
		assert.Equal(t, recipient.PublicKey, entry.Recipient)
		assert.Equal(t, HashBlock(block), entry.Hash)
		assert.NoError(t, asymkey.Verify(sender.PublicKey, entry.Hash, entry.Signature))

		opened, err := recipient.SealDecrypt(entry.Key)
		require.NoError(t, err)
		assert.Equal(t, resourceKey, opened)
	})

	t.Run("provisional layers", func(t *testing.T) {
		t.Parallel()
		sender, err := asymkey.GenerateSignKeyPair()
		require.NoError(t, err)
		appEncryption, err := asymkey.GenerateEncryptionKeyPair()
		require.NoError(t, err)
		tankerEncryption, err := asymkey.GenerateEncryptionKeyPair()
		require.NoError(t, err)
		resourceKey := randomBytes(t, 32)

		block, err := NewProvisionalKeyPublishBlock(randomBytes(t, HashSize), randomBytes(t, HashSize), sender,
			randomBytes(t, 32), appEncryption.PublicKey, randomBytes(t, 32), tankerEncryption.PublicKey,
			randomBytes(t, ResourceIdSize), resourceKey)
		require.NoError(t, err)
		entry, err := KeyPublishFromBlock(block)
		require.NoError(t, err)

		_, err = appEncryption.SealDecrypt(entry.Key)
		assert.ErrorIs(t, err, utils.KindDecryptionFailed)
		inner, err := tankerEncryption.SealDecrypt(entry.Key)
		require.NoError(t, err)
		opened, err := appEncryption.SealDecrypt(inner)
		require.NoError(t, err)
		assert.Equal(t, resourceKey, opened)
	})

	t.Run("trustchain creation", func(t *testing.T) {
		t.Parallel()
		record := &TrustchainCreationRecord{PublicSignatureKey: randomBytes(t, 32)}
		payload, err := EncodeTrustchainCreation(record)
		require.NoError(t, err)
		decoded, err := DecodeTrustchainCreation(payload)
		require.NoError(t, err)
		assert.Equal(t, record, decoded)
		_, err = DecodeTrustchainCreation(append(payload, 1))
		assert.ErrorIs(t, err, ErrorFormatTrailingBytes)
	})
}
