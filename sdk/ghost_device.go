package sdk

import (
	"encoding/json"
	"github.com/gibson042/canonicaljson-go"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorInvalidVerificationKey is returned when a verification key cannot be decoded
	ErrorInvalidVerificationKey = utils.NewSealdError(utils.KindInvalidVerification, "INVALID_VERIFICATION_KEY", "invalid verification key")
)

// ghostDevice is the device whose private keys make the verification key of a user. Its only purpose is to let the
// user add new devices.
type ghostDevice struct {
	SignKeyPair       *asymkey.SignKeyPair
	EncryptionKeyPair *asymkey.EncryptionKeyPair
}

type verificationKeyEnvelope struct {
	PrivateSignatureKey  string `json:"privateSignatureKey"`
	PrivateEncryptionKey string `json:"privateEncryptionKey"`
}

func generateGhostDevice() (*ghostDevice, error) {
	signKeyPair, err := asymkey.GenerateSignKeyPair()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	encryptionKeyPair, err := asymkey.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &ghostDevice{SignKeyPair: signKeyPair, EncryptionKeyPair: encryptionKeyPair}, nil
}

// verificationKey exports the ghost device as base64 canonical JSON.
func (g *ghostDevice) verificationKey() (string, error) {
	serialized, err := canonicaljson.Marshal(verificationKeyEnvelope{
		PrivateSignatureKey:  b64(g.SignKeyPair.PrivateKey),
		PrivateEncryptionKey: b64(g.EncryptionKeyPair.PrivateKey),
	})
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return b64(serialized), nil
}

func ghostDeviceFromVerificationKey(verificationKey string) (*ghostDevice, error) {
	raw, err := utils.Base64DecodeString(verificationKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidVerificationKey.AddDetails("invalid base64"))
	}
	var envelope verificationKeyEnvelope
	err = json.Unmarshal(raw, &envelope)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidVerificationKey.Wrap(err))
	}
	privateSignatureKey, err := utils.Base64DecodeString(envelope.PrivateSignatureKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidVerificationKey.AddDetails("invalid privateSignatureKey"))
	}
	signKeyPair, err := asymkey.SignKeyPairFromPrivateKey(privateSignatureKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidVerificationKey.Wrap(err))
	}
	privateEncryptionKey, err := utils.Base64DecodeString(envelope.PrivateEncryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidVerificationKey.AddDetails("invalid privateEncryptionKey"))
	}
	encryptionKeyPair, err := asymkey.EncryptionKeyPairFromPrivateKey(privateEncryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidVerificationKey.Wrap(err))
	}
	return &ghostDevice{SignKeyPair: signKeyPair, EncryptionKeyPair: encryptionKeyPair}, nil
}

// GenerateVerificationKey returns a new verification key, to be passed to Session.CreateUser.
func GenerateVerificationKey() (string, error) {
	ghost, err := generateGhostDevice()
	if err != nil {
		return "", err
	}
	return ghost.verificationKey()
}

func encryptVerificationKey(verificationKey string, userSecret []byte) ([]byte, error) {
	secretKey, err := symmetric_key.Decode(userSecret)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	encrypted, err := secretKey.Encrypt([]byte(verificationKey))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return encrypted, nil
}

func decryptVerificationKey(encryptedVerificationKey []byte, userSecret []byte) (string, error) {
	secretKey, err := symmetric_key.Decode(userSecret)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	verificationKey, err := secretKey.Decrypt(encryptedVerificationKey)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return string(verificationKey), nil
}
