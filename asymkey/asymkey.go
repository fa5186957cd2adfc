package asymkey

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	HashSize                 = 32
	SignaturePublicKeySize   = ed25519.PublicKeySize
	SignaturePrivateKeySize  = ed25519.PrivateKeySize
	SignatureSize            = ed25519.SignatureSize
	EncryptionPublicKeySize  = 32
	EncryptionPrivateKeySize = 32
	// SealOverhead is the size added by SealEncrypt: an ephemeral public key and a Poly1305 tag.
	SealOverhead = box.AnonymousOverhead
)

var (
	// ErrorInvalidPrivateSignatureKey is returned when a private signature key has an invalid size
	ErrorInvalidPrivateSignatureKey = utils.NewSealdError(utils.KindInvalidArgument, "ASYMKEY_INVALID_PRIVATE_SIGNATURE_KEY", "invalid private signature key")
	// ErrorInvalidPrivateEncryptionKey is returned when a private encryption key has an invalid size
	ErrorInvalidPrivateEncryptionKey = utils.NewSealdError(utils.KindInvalidArgument, "ASYMKEY_INVALID_PRIVATE_ENCRYPTION_KEY", "invalid private encryption key")
	// ErrorInvalidPublicEncryptionKey is returned when trying to seal for a public key of invalid size
	ErrorInvalidPublicEncryptionKey = utils.NewSealdError(utils.KindInternal, "ASYMKEY_INVALID_PUBLIC_ENCRYPTION_KEY", "invalid public encryption key")
	// ErrorSealDecrypt is returned when a sealed message cannot be opened with the given key pair
	ErrorSealDecrypt = utils.NewSealdError(utils.KindDecryptionFailed, "ASYMKEY_SEAL_DECRYPT", "cannot open sealed message")
	// ErrorInvalidSignature is returned when a signature does not verify
	ErrorInvalidSignature = utils.NewSealdError(utils.KindInternal, "ASYMKEY_INVALID_SIGNATURE", "invalid signature")
)

// GenericHash is a 32 bytes blake2b hash of the concatenation of parts.
func GenericHash(parts ...[]byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil { // cannot happen without a key
		panic(err)
	}
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}

// SignKeyPair is an ed25519 key pair. PrivateKey is the 64 bytes seed+public form.
type SignKeyPair struct {
	PublicKey  []byte `json:"publicKey" bson:"publicKey"`
	PrivateKey []byte `json:"privateKey" bson:"privateKey"`
}

func GenerateSignKeyPair() (*SignKeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil { // cannot cover
		return nil, tracerr.Wrap(err)
	}
	return &SignKeyPair{PublicKey: publicKey, PrivateKey: privateKey}, nil
}

func SignKeyPairFromPrivateKey(privateKey []byte) (*SignKeyPair, error) {
	if len(privateKey) != SignaturePrivateKeySize {
		return nil, tracerr.Wrap(ErrorInvalidPrivateSignatureKey.AddDetails(fmt.Sprintf("%d bytes", len(privateKey))))
	}
	key := ed25519.PrivateKey(bytes.Clone(privateKey))
	return &SignKeyPair{PublicKey: bytes.Clone(key.Public().(ed25519.PublicKey)), PrivateKey: key}, nil
}

func (k *SignKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.PrivateKey, message)
}

func (k *SignKeyPair) Equal(other *SignKeyPair) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.PrivateKey, other.PrivateKey) == 1
}

// Verify checks an ed25519 signature. Keys or signatures of the wrong size never verify.
func Verify(publicKey []byte, message []byte, signature []byte) error {
	if len(publicKey) != SignaturePublicKeySize || len(signature) != SignatureSize {
		return tracerr.Wrap(ErrorInvalidSignature.AddDetails("invalid size"))
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return tracerr.Wrap(ErrorInvalidSignature)
	}
	return nil
}

// EncryptionKeyPair is a curve25519 key pair, usable to open sealed boxes.
type EncryptionKeyPair struct {
	PublicKey  []byte `json:"publicKey" bson:"publicKey"`
	PrivateKey []byte `json:"privateKey" bson:"privateKey"`
}

func GenerateEncryptionKeyPair() (*EncryptionKeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil { // cannot cover
		return nil, tracerr.Wrap(err)
	}
	return &EncryptionKeyPair{PublicKey: publicKey[:], PrivateKey: privateKey[:]}, nil
}

func EncryptionKeyPairFromPrivateKey(privateKey []byte) (*EncryptionKeyPair, error) {
	if len(privateKey) != EncryptionPrivateKeySize {
		return nil, tracerr.Wrap(ErrorInvalidPrivateEncryptionKey.AddDetails(fmt.Sprintf("%d bytes", len(privateKey))))
	}
	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidPrivateEncryptionKey.Wrap(err))
	}
	return &EncryptionKeyPair{PublicKey: publicKey, PrivateKey: bytes.Clone(privateKey)}, nil
}

func (k *EncryptionKeyPair) Equal(other *EncryptionKeyPair) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.PrivateKey, other.PrivateKey) == 1
}

// SealEncrypt encrypts message so that only the owner of recipientPublicKey can open it.
// The result is len(message) + SealOverhead bytes long.
func SealEncrypt(message []byte, recipientPublicKey []byte) ([]byte, error) {
	if len(recipientPublicKey) != EncryptionPublicKeySize {
		return nil, tracerr.Wrap(ErrorInvalidPublicEncryptionKey.AddDetails(fmt.Sprintf("%d bytes", len(recipientPublicKey))))
	}
	var recipient [EncryptionPublicKeySize]byte
	copy(recipient[:], recipientPublicKey)
	sealed, err := box.SealAnonymous(nil, message, &recipient, rand.Reader)
	if err != nil { // cannot cover
		return nil, tracerr.Wrap(err)
	}
	return sealed, nil
}

func (k *EncryptionKeyPair) SealDecrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, tracerr.Wrap(ErrorSealDecrypt.AddDetails("sealed message too short"))
	}
	var publicKey, privateKey [EncryptionPublicKeySize]byte
	copy(publicKey[:], k.PublicKey)
	copy(privateKey[:], k.PrivateKey)
	message, ok := box.OpenAnonymous(nil, sealed, &publicKey, &privateKey)
	if !ok {
		return nil, tracerr.Wrap(ErrorSealDecrypt)
	}
	return message, nil
}
