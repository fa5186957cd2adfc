package symmetric_key

import (
	"bytes"
	"fmt"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of a resource key or of a local storage key.
	KeySize = chacha20poly1305.KeySize
	// Overhead is the size added by Encrypt: a random nonce and a Poly1305 tag.
	Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var (
	// ErrorDecodeInvalidLength is returned when decoding a key of invalid length
	ErrorDecodeInvalidLength = utils.NewSealdError(utils.KindInvalidArgument, "SYMKEY_DECODE_INVALID_LENGTH", "can't decode SymKey, invalid length")
	// ErrorInvalidKeySize is returned when using a key that was not properly initialized
	ErrorInvalidKeySize = utils.NewSealdError(utils.KindInternal, "SYMKEY_INVALID_KEY_SIZE", "invalid key size")
	// ErrorDecryptCipherTooShort is returned when the ciphertext is shorter than a nonce and a tag
	ErrorDecryptCipherTooShort = utils.NewSealdError(utils.KindDecryptionFailed, "SYMKEY_DECRYPT_CIPHER_TOO_SHORT", "ciphertext is too short")
	// ErrorDecryptMacMismatch is returned when the authentication tag does not match
	ErrorDecryptMacMismatch = utils.NewSealdError(utils.KindDecryptionFailed, "SYMKEY_DECRYPT_MAC_MISMATCH", "macs do not match")
	// ErrorUnmarshalBSONValue is returned when a stored key is not a binary value
	ErrorUnmarshalBSONValue = utils.NewSealdError(utils.KindFormat, "SYMKEY_UNMARSHAL_BSON_VALUE", "cannot unmarshal SymKey from BSON")
)

// SymKey is a XChaCha20-Poly1305 key.
type SymKey struct {
	key []byte
}

func Generate() (*SymKey, error) {
	key, err := utils.GenerateRandomBytes(KeySize)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &SymKey{key: key}, nil
}

func (symKey *SymKey) Encode() []byte {
	return bytes.Clone(symKey.key)
}

func Decode(key []byte) (SymKey, error) {
	if len(key) != KeySize {
		return SymKey{}, tracerr.Wrap(ErrorDecodeInvalidLength.AddDetails(fmt.Sprintf("%d bytes", len(key))))
	}
	return SymKey{key: bytes.Clone(key)}, nil
}

func (symKey SymKey) Equal(other SymKey) bool {
	return bytes.Equal(symKey.key, other.key)
}

// Encrypt returns nonce ‖ ciphertext ‖ tag.
func (symKey *SymKey) Encrypt(plaintext []byte) ([]byte, error) {
	if len(symKey.key) != KeySize {
		return nil, tracerr.Wrap(ErrorInvalidKeySize)
	}
	aead, err := chacha20poly1305.NewX(symKey.key)
	if err != nil { // cannot happen with a valid key size
		return nil, tracerr.Wrap(err)
	}
	nonce, err := utils.GenerateRandomBytes(aead.NonceSize())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (symKey *SymKey) Decrypt(encryptedMessage []byte) ([]byte, error) {
	if len(symKey.key) != KeySize {
		return nil, tracerr.Wrap(ErrorInvalidKeySize)
	}
	if len(encryptedMessage) < Overhead {
		return nil, tracerr.Wrap(ErrorDecryptCipherTooShort)
	}
	aead, err := chacha20poly1305.NewX(symKey.key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	nonce, cipherText := encryptedMessage[:aead.NonceSize()], encryptedMessage[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, tracerr.Wrap(ErrorDecryptMacMismatch)
	}
	return plaintext, nil
}

// MarshalBSONValue stores the key as a generic binary value.
func (symKey SymKey) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.TypeBinary, bsoncore.AppendBinary(nil, bson.TypeBinaryGeneric, symKey.key), nil
}

func (symKey *SymKey) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t != bson.TypeBinary {
		return tracerr.Wrap(ErrorUnmarshalBSONValue.AddDetails(t.String()))
	}
	_, key, _, ok := bsoncore.ReadBinary(data)
	if !ok {
		return tracerr.Wrap(ErrorUnmarshalBSONValue.AddDetails("truncated binary"))
	}
	decoded, err := Decode(key)
	if err != nil {
		return tracerr.Wrap(err)
	}
	*symKey = decoded
	return nil
}
