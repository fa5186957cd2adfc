package sigchain

import (
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	b, err := utils.GenerateRandomBytes(n)
	require.NoError(t, err)
	return b
}

func randomBlock(t *testing.T, nature Nature, payloadSize int) *Block {
	return &Block{
		TrustchainId: randomBytes(t, HashSize),
		Index:        300, // encodes to a 2 bytes varint
		Nature:       nature,
		Payload:      randomBytes(t, payloadSize),
		Author:       randomBytes(t, HashSize),
		Signature:    randomBytes(t, asymkey.SignatureSize),
	}
}

func TestBlock(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		block := randomBlock(t, NatureKeyPublishToUser, 144)
		serialized, err := SerializeBlock(block)
		require.NoError(t, err)
		assert.Len(t, serialized, 1+2+32+1+2+144+32+64)

		decoded, err := UnserializeBlock(serialized)
		require.NoError(t, err)
		assert.Equal(t, block, decoded)
		assert.Equal(t, HashBlock(block), HashBlock(decoded))

		b64, err := SerializeBlockB64(block)
		require.NoError(t, err)
		fromB64, err := UnserializeBlockB64(b64)
		require.NoError(t, err)
		assert.Equal(t, block, fromB64)
	})

	t.Run("hash covers nature, index, author and payload", func(t *testing.T) {
		t.Parallel()
		block := randomBlock(t, NatureDeviceCreationV3, 10)
		hash := HashBlock(block)
		assert.Len(t, hash, HashSize)

		other := *block
		other.TrustchainId = randomBytes(t, HashSize)
		other.Signature = randomBytes(t, asymkey.SignatureSize)
		assert.Equal(t, hash, HashBlock(&other), "trustchain id and signature are not hashed")

		other = *block
		other.Index++
		assert.NotEqual(t, hash, HashBlock(&other))
		other = *block
		other.Nature = NatureDeviceCreationV1
		assert.NotEqual(t, hash, HashBlock(&other))
		other = *block
		other.Author = randomBytes(t, HashSize)
		assert.NotEqual(t, hash, HashBlock(&other))
		other = *block
		other.Payload = append([]byte{0}, block.Payload...)
		assert.NotEqual(t, hash, HashBlock(&other))
	})

	t.Run("sign", func(t *testing.T) {
		t.Parallel()
		key, err := asymkey.GenerateSignKeyPair()
		require.NoError(t, err)
		block := NewBlock(randomBytes(t, HashSize), NatureKeyPublishToUser, randomBytes(t, 20), randomBytes(t, HashSize))
		assert.Equal(t, uint64(0), block.Index)
		block.Sign(key)
		assert.NoError(t, asymkey.Verify(key.PublicKey, HashBlock(block), block.Signature))
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		serialized, err := SerializeBlock(randomBlock(t, NatureDeviceRevocationV1, 32))
		require.NoError(t, err)
		for i := 0; i < len(serialized); i++ {
			_, err := UnserializeBlock(serialized[:i])
			assert.ErrorIs(t, err, utils.KindFormat, "prefix of %d bytes", i)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		t.Parallel()
		serialized, err := SerializeBlock(randomBlock(t, NatureDeviceRevocationV1, 32))
		require.NoError(t, err)
		_, err = UnserializeBlock(append(serialized, 0))
		assert.ErrorIs(t, err, ErrorFormatTrailingBytes)
	})

	t.Run("bad version", func(t *testing.T) {
		t.Parallel()
		serialized, err := SerializeBlock(randomBlock(t, NatureDeviceRevocationV1, 32))
		require.NoError(t, err)
		serialized[0] = 2
		_, err = UnserializeBlock(serialized)
		assert.ErrorIs(t, err, ErrorFormatBlockVersion)
	})

	t.Run("malformed varint", func(t *testing.T) {
		t.Parallel()
		_, err := UnserializeBlock([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		assert.ErrorIs(t, err, ErrorFormatVarint)
	})

	t.Run("payload length too large", func(t *testing.T) {
		t.Parallel()
		block := randomBlock(t, NatureDeviceRevocationV1, 1)
		serialized, err := SerializeBlock(block)
		require.NoError(t, err)
		// version, 2 bytes index, trustchain id, nature, then the payload length
		serialized[1+2+32+1] = 0x7f
		_, err = UnserializeBlock(serialized)
		assert.ErrorIs(t, err, ErrorFormatTruncated)
	})

	t.Run("invalid b64", func(t *testing.T) {
		t.Parallel()
		_, err := UnserializeBlockB64("not base64!")
		assert.ErrorIs(t, err, ErrorFormatInvalidB64)
	})

	t.Run("serialize checks sizes", func(t *testing.T) {
		t.Parallel()
		block := randomBlock(t, NatureDeviceRevocationV1, 32)
		block.Author = block.Author[:31]
		_, err := SerializeBlock(block)
		assert.ErrorIs(t, err, ErrorAssertionFieldSize)
		assert.ErrorIs(t, err, utils.KindInternal)
	})

	t.Run("natures", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "device_creation_v3", NatureDeviceCreationV3.String())
		assert.Equal(t, "unknown_nature_42", Nature(42).String())
		assert.True(t, NatureDeviceCreationV2.IsDeviceCreation())
		assert.True(t, NatureDeviceRevocationV2.IsDeviceRevocation())
		assert.True(t, NatureKeyPublishToUserGroup.IsKeyPublish())
		assert.False(t, NatureKeyPublishToDevice.IsKeyPublish())
	})
}
