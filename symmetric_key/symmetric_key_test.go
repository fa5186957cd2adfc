package symmetric_key

import (
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"testing"
)

func TestSymKey(t *testing.T) {
	t.Parallel()
	plainText := []byte("SecretString")

	testSymKey, err := Generate()
	require.NoError(t, err)
	encodedTestSymKey := testSymKey.Encode()
	encryptedText, err := testSymKey.Encrypt(plainText)
	require.NoError(t, err)

	t.Run("Decode", func(t *testing.T) {
		t.Parallel()
		t.Run("can decode", func(t *testing.T) {
			keyBuff := make([]byte, len(encodedTestSymKey))
			copy(keyBuff, encodedTestSymKey)

			decodedSymKey, err := Decode(keyBuff)
			require.NoError(t, err)

			clearText, err := decodedSymKey.Decrypt(encryptedText)
			require.NoError(t, err)
			assert.Equal(t, plainText, clearText)

			// Ensure that keyBuff is not used as reference
			copy(keyBuff, make([]byte, KeySize))
			clearText, err = decodedSymKey.Decrypt(encryptedText)
			require.NoError(t, err)
			assert.Equal(t, plainText, clearText)
			assert.True(t, decodedSymKey.Equal(*testSymKey))
		})
		t.Run("bad length", func(t *testing.T) {
			_, err := Decode([]byte{})
			assert.ErrorIs(t, err, ErrorDecodeInvalidLength)
			_, err = Decode(make([]byte, 64))
			assert.ErrorIs(t, err, ErrorDecodeInvalidLength)
			assert.ErrorIs(t, err, utils.KindInvalidArgument)
		})
	})

	t.Run("Encrypt/Decrypt", func(t *testing.T) {
		t.Parallel()
		t.Run("can encrypt and decrypt", func(t *testing.T) {
			cipherText, err := testSymKey.Encrypt(plainText)
			require.NoError(t, err)
			assert.Len(t, cipherText, len(plainText)+Overhead)
			decrypted, err := testSymKey.Decrypt(cipherText)
			require.NoError(t, err)
			assert.Equal(t, plainText, decrypted)
		})
		t.Run("nonces are random", func(t *testing.T) {
			c1, err := testSymKey.Encrypt(plainText)
			require.NoError(t, err)
			c2, err := testSymKey.Encrypt(plainText)
			require.NoError(t, err)
			assert.NotEqual(t, c1, c2)
		})
		t.Run("decrypt invalid buffer", func(t *testing.T) {
			_, err := testSymKey.Decrypt(make([]byte, 25))
			assert.ErrorIs(t, err, ErrorDecryptCipherTooShort)
			_, err = testSymKey.Decrypt(make([]byte, 425))
			assert.ErrorIs(t, err, ErrorDecryptMacMismatch)
			assert.ErrorIs(t, err, utils.KindDecryptionFailed)
		})
		t.Run("decrypt with another key", func(t *testing.T) {
			other, err := Generate()
			require.NoError(t, err)
			_, err = other.Decrypt(encryptedText)
			assert.ErrorIs(t, err, ErrorDecryptMacMismatch)
		})
		t.Run("cannot use invalid key", func(t *testing.T) {
			key := SymKey{}
			_, err := key.Encrypt(plainText)
			assert.ErrorIs(t, err, ErrorInvalidKeySize)
			_, err = key.Decrypt(encryptedText)
			assert.ErrorIs(t, err, ErrorInvalidKeySize)
		})
	})

	t.Run("BSON", func(t *testing.T) {
		t.Parallel()
		type record struct {
			Key SymKey `bson:"key"`
		}
		data, err := bson.Marshal(record{Key: *testSymKey})
		require.NoError(t, err)
		var decoded record
		require.NoError(t, bson.Unmarshal(data, &decoded))
		assert.True(t, decoded.Key.Equal(*testSymKey))

		wrongType, err := bson.Marshal(bson.M{"key": "not a key"})
		require.NoError(t, err)
		err = bson.Unmarshal(wrongType, &decoded)
		assert.ErrorIs(t, err, ErrorUnmarshalBSONValue)
	})
}
