package asymkey

import (
	"encoding/hex"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestAsymkey(t *testing.T) {
	t.Parallel()

	t.Run("GenericHash", func(t *testing.T) {
		t.Parallel()
		// blake2b-256 of the empty string
		assert.Equal(t, "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8", hex.EncodeToString(GenericHash()))
		assert.Len(t, GenericHash([]byte("a")), HashSize)
		assert.Equal(t, GenericHash([]byte("ab"), []byte("c")), GenericHash([]byte("a"), []byte("bc")))
		assert.NotEqual(t, GenericHash([]byte("abc")), GenericHash([]byte("abd")))
	})

	t.Run("SignKeyPair", func(t *testing.T) {
		t.Parallel()
		keyPair, err := GenerateSignKeyPair()
		require.NoError(t, err)
		assert.Len(t, keyPair.PublicKey, SignaturePublicKeySize)
		assert.Len(t, keyPair.PrivateKey, SignaturePrivateKeySize)

		message := []byte("message")
		signature := keyPair.Sign(message)
		assert.Len(t, signature, SignatureSize)
		assert.NoError(t, Verify(keyPair.PublicKey, message, signature))
		assert.ErrorIs(t, Verify(keyPair.PublicKey, []byte("other"), signature), ErrorInvalidSignature)
		assert.ErrorIs(t, Verify(keyPair.PublicKey[:10], message, signature), ErrorInvalidSignature)

		t.Run("from private key", func(t *testing.T) {
			restored, err := SignKeyPairFromPrivateKey(keyPair.PrivateKey)
			require.NoError(t, err)
			assert.Equal(t, keyPair.PublicKey, restored.PublicKey)
			assert.True(t, restored.Equal(keyPair))

			_, err = SignKeyPairFromPrivateKey(keyPair.PrivateKey[:32])
			assert.ErrorIs(t, err, ErrorInvalidPrivateSignatureKey)
			assert.ErrorIs(t, err, utils.KindInvalidArgument)
		})
		t.Run("Equal", func(t *testing.T) {
			other, err := GenerateSignKeyPair()
			require.NoError(t, err)
			assert.False(t, other.Equal(keyPair))
			var nilKeyPair *SignKeyPair
			assert.False(t, nilKeyPair.Equal(keyPair))
			assert.True(t, nilKeyPair.Equal(nil))
		})
	})

	t.Run("EncryptionKeyPair", func(t *testing.T) {
		t.Parallel()
		keyPair, err := GenerateEncryptionKeyPair()
		require.NoError(t, err)
		assert.Len(t, keyPair.PublicKey, EncryptionPublicKeySize)
		assert.Len(t, keyPair.PrivateKey, EncryptionPrivateKeySize)

		t.Run("from private key", func(t *testing.T) {
			restored, err := EncryptionKeyPairFromPrivateKey(keyPair.PrivateKey)
			require.NoError(t, err)
			assert.Equal(t, keyPair.PublicKey, restored.PublicKey)
			assert.True(t, restored.Equal(keyPair))

			_, err = EncryptionKeyPairFromPrivateKey([]byte{1, 2, 3})
			assert.ErrorIs(t, err, ErrorInvalidPrivateEncryptionKey)
		})

		t.Run("seal", func(t *testing.T) {
			message := []byte("a 32 bytes key, or anything else")
			sealed, err := SealEncrypt(message, keyPair.PublicKey)
			require.NoError(t, err)
			assert.Len(t, sealed, len(message)+SealOverhead)
			assert.Equal(t, 48, SealOverhead)

			opened, err := keyPair.SealDecrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, message, opened)

			other, err := GenerateEncryptionKeyPair()
			require.NoError(t, err)
			_, err = other.SealDecrypt(sealed)
			assert.ErrorIs(t, err, ErrorSealDecrypt)
			assert.ErrorIs(t, err, utils.KindDecryptionFailed)

			_, err = keyPair.SealDecrypt(sealed[:20])
			assert.ErrorIs(t, err, ErrorSealDecrypt)

			_, err = SealEncrypt(message, keyPair.PublicKey[:31])
			assert.ErrorIs(t, err, ErrorInvalidPublicEncryptionKey)
		})
	})
}
