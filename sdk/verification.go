package sdk

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/scrypt"
	"strings"
)

var (
	// ErrorVerificationNoMethod is returned when a Verification sets no method
	ErrorVerificationNoMethod = utils.NewSealdError(utils.KindInvalidArgument, "VERIFICATION_NO_METHOD", "verification must set exactly one method")
	// ErrorVerificationMultipleMethods is returned when a Verification sets more than one method
	ErrorVerificationMultipleMethods = utils.NewSealdError(utils.KindInvalidArgument, "VERIFICATION_MULTIPLE_METHODS", "verification must set exactly one method")
	// ErrorVerificationMissingCode is returned when an email verification has no code
	ErrorVerificationMissingCode = utils.NewSealdError(utils.KindInvalidArgument, "VERIFICATION_MISSING_CODE", "email verification requires a verification code")
	// ErrorVerificationInvalidOIDCToken is returned when an OIDC id token is not a well formed JWT
	ErrorVerificationInvalidOIDCToken = utils.NewSealdError(utils.KindInvalidArgument, "VERIFICATION_INVALID_OIDC_TOKEN", "invalid OIDC id token")
	// ErrorVerificationKeyNotAllowed is returned when trying to register a verification key as a new method
	ErrorVerificationKeyNotAllowed = utils.NewSealdError(utils.KindInvalidArgument, "VERIFICATION_KEY_NOT_ALLOWED", "a verification key can only be set at user creation")
)

type VerificationMethodType string

const (
	VerificationMethodEmail           VerificationMethodType = "email"
	VerificationMethodPassphrase      VerificationMethodType = "passphrase"
	VerificationMethodVerificationKey VerificationMethodType = "verificationKey"
	VerificationMethodOIDCIdToken     VerificationMethodType = "oidcIdToken"
)

// Verification proves the identity of a user to the server. Exactly one method must be set:
// Email with VerificationCode, Passphrase, VerificationKey, or OIDCIdToken.
type Verification struct {
	Email            string
	VerificationCode string
	Passphrase       string
	VerificationKey  string
	OIDCIdToken      string
}

// VerificationMethod is a method registered for the user. Email is only set for the email method.
type VerificationMethod struct {
	Type  VerificationMethodType
	Email string
}

func (v *Verification) methodType() (VerificationMethodType, error) {
	var methods []VerificationMethodType
	if v.Email != "" {
		methods = append(methods, VerificationMethodEmail)
	}
	if v.Passphrase != "" {
		methods = append(methods, VerificationMethodPassphrase)
	}
	if v.VerificationKey != "" {
		methods = append(methods, VerificationMethodVerificationKey)
	}
	if v.OIDCIdToken != "" {
		methods = append(methods, VerificationMethodOIDCIdToken)
	}
	if len(methods) == 0 {
		return "", tracerr.Wrap(ErrorVerificationNoMethod)
	}
	if len(methods) > 1 {
		return "", tracerr.Wrap(ErrorVerificationMultipleMethods)
	}
	return methods[0], nil
}

// verificationRequest is the wire form of a Verification. Secrets never leave the device in clear: passphrases are
// hashed, and emails are hashed for lookup and encrypted with the user secret for display.
type verificationRequest struct {
	Type             VerificationMethodType `json:"type"`
	HashedEmail      string                 `json:"hashed_email,omitempty"`
	EncryptedEmail   string                 `json:"encrypted_email,omitempty"`
	VerificationCode string                 `json:"verification_code,omitempty"`
	HashedPassphrase string                 `json:"hashed_passphrase,omitempty"`
	OIDCIdToken      string                 `json:"oidc_id_token,omitempty"`
}

// scrypt parameters of the passphrase hash
const (
	passphraseScryptN      = 1 << 15
	passphraseScryptR      = 8
	passphraseScryptP      = 1
	passphraseScryptKeyLen = 32
)

func hashPassphrase(passphrase string, userId []byte) ([]byte, error) {
	hashed, err := scrypt.Key(utils.NormalizeString(passphrase), userId, passphraseScryptN, passphraseScryptR, passphraseScryptP, passphraseScryptKeyLen)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return hashed, nil
}

func hashEmail(email string) []byte {
	return asymkey.GenericHash(utils.NormalizeString(strings.ToLower(email)))
}

func checkOIDCIdToken(token string) error {
	_, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return tracerr.Wrap(ErrorVerificationInvalidOIDCToken.Wrap(err))
	}
	return nil
}

// toRequest validates the verification and builds its wire form for the user with userId and userSecret.
func (v *Verification) toRequest(userId []byte, userSecret []byte) (*verificationRequest, error) {
	methodType, err := v.methodType()
	if err != nil {
		return nil, err
	}
	request := &verificationRequest{Type: methodType}
	switch methodType {
	case VerificationMethodEmail:
		email := strings.ToLower(v.Email)
		err = utils.CheckEmail(email)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if v.VerificationCode == "" {
			return nil, tracerr.Wrap(ErrorVerificationMissingCode)
		}
		secretKey, err := symmetric_key.Decode(userSecret)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		encryptedEmail, err := secretKey.Encrypt([]byte(email))
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		request.HashedEmail = b64(hashEmail(email))
		request.EncryptedEmail = b64(encryptedEmail)
		request.VerificationCode = v.VerificationCode
	case VerificationMethodPassphrase:
		hashed, err := hashPassphrase(v.Passphrase, userId)
		if err != nil {
			return nil, err
		}
		request.HashedPassphrase = b64(hashed)
	case VerificationMethodOIDCIdToken:
		err = checkOIDCIdToken(v.OIDCIdToken)
		if err != nil {
			return nil, err
		}
		request.OIDCIdToken = v.OIDCIdToken
	}
	return request, nil
}

// decryptVerificationMethods turns the methods returned by the server into VerificationMethod, decrypting emails.
func decryptVerificationMethods(methods []verificationMethodResponse, userSecret []byte) ([]VerificationMethod, error) {
	secretKey, err := symmetric_key.Decode(userSecret)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	result := make([]VerificationMethod, 0, len(methods))
	for _, method := range methods {
		decrypted := VerificationMethod{Type: method.Type}
		if method.Type == VerificationMethodEmail && method.EncryptedEmail != "" {
			encryptedEmail, err := utils.Base64DecodeString(method.EncryptedEmail)
			if err != nil {
				return nil, tracerr.Wrap(ErrorApiInvalidResponse.Wrap(err))
			}
			email, err := secretKey.Decrypt(encryptedEmail)
			if err != nil {
				return nil, tracerr.Wrap(err)
			}
			decrypted.Email = string(email)
		}
		result = append(result, decrypted)
	}
	return result, nil
}
