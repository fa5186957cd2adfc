package identity

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"github.com/gibson042/canonicaljson-go"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"strings"
)

type Target string

const (
	TargetUser  Target = "user"
	TargetEmail Target = "email"
)

// UserSecretSize is the size of the secret used to encrypt the verification key of a user.
const UserSecretSize = 32

var (
	// ErrorInvalidIdentity is returned when an identity cannot be parsed
	ErrorInvalidIdentity = utils.NewSealdError(utils.KindInvalidArgument, "IDENTITY_INVALID", "invalid identity")
	// ErrorIdentityWrongTarget is returned when a permanent identity was expected and a provisional one was given, or the opposite
	ErrorIdentityWrongTarget = utils.NewSealdError(utils.KindInvalidArgument, "IDENTITY_WRONG_TARGET", "unexpected identity target")
	// ErrorIdentityNotSecret is returned when a secret identity is expected and a public one is given
	ErrorIdentityNotSecret = utils.NewSealdError(utils.KindInvalidArgument, "IDENTITY_NOT_SECRET", "expected a secret identity")
	// ErrorIdentityNotPublic is returned when a public identity is expected and a secret one is given
	ErrorIdentityNotPublic = utils.NewSealdError(utils.KindInvalidArgument, "IDENTITY_NOT_PUBLIC", "unexpected secret identity, only public identities are allowed")
	// ErrorInvalidAppSecret is returned when the app secret is not a private signature key
	ErrorInvalidAppSecret = utils.NewSealdError(utils.KindInvalidArgument, "IDENTITY_INVALID_APP_SECRET", "invalid app secret")
	// ErrorInvalidAppId is returned when the app id is not a base64 hash
	ErrorInvalidAppId = utils.NewSealdError(utils.KindInvalidArgument, "IDENTITY_INVALID_APP_ID", "invalid app id")
	// ErrorInvalidUserSecret is returned when the user secret does not belong to the user
	ErrorInvalidUserSecret = utils.NewSealdError(utils.KindInvalidArgument, "IDENTITY_INVALID_USER_SECRET", "invalid user secret")
	// ErrorInvalidUserId is returned when the user id is empty
	ErrorInvalidUserId = utils.NewSealdError(utils.KindInvalidArgument, "IDENTITY_INVALID_USER_ID", "user id must not be empty")
)

// Identity holds the fields of every kind of identity. Which ones are set depends on Target and on whether the
// identity is secret.
type Identity struct {
	TrustchainId string `json:"trustchain_id"`
	Target       Target `json:"target"`
	Value        string `json:"value"`

	// permanent secret
	DelegationSignature          string `json:"delegation_signature,omitempty"`
	EphemeralPublicSignatureKey  string `json:"ephemeral_public_signature_key,omitempty"`
	EphemeralPrivateSignatureKey string `json:"ephemeral_private_signature_key,omitempty"`
	UserSecret                   string `json:"user_secret,omitempty"`

	// provisional
	PublicSignatureKey   string `json:"public_signature_key,omitempty"`
	PublicEncryptionKey  string `json:"public_encryption_key,omitempty"`
	PrivateSignatureKey  string `json:"private_signature_key,omitempty"`
	PrivateEncryptionKey string `json:"private_encryption_key,omitempty"`
}

func (identity *Identity) IsSecret() bool {
	if identity.Target == TargetUser {
		return identity.UserSecret != ""
	}
	return identity.PrivateEncryptionKey != ""
}

func serialize(identity *Identity) (string, error) {
	serialized, err := canonicaljson.Marshal(identity)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(serialized), nil
}

// Parse decodes any identity, secret or public.
func Parse(identity string) (*Identity, error) {
	raw, err := utils.Base64DecodeString(identity)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.AddDetails("invalid base64"))
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var result Identity
	err = decoder.Decode(&result)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.Wrap(err))
	}
	if result.TrustchainId == "" || result.Value == "" {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.AddDetails("missing trustchain_id or value"))
	}
	if result.Target != TargetUser && result.Target != TargetEmail {
		return nil, tracerr.Wrap(ErrorIdentityWrongTarget.AddDetails(string(result.Target)))
	}
	return &result, nil
}

// ObfuscateUserId is the hash under which a user is known to the server.
func ObfuscateUserId(userId string, appId []byte) []byte {
	return asymkey.GenericHash([]byte(userId), appId)
}

// CreateUserSecret makes a random secret whose last byte ties it to the user.
func CreateUserSecret(appId []byte, userId string) ([]byte, error) {
	random, err := utils.GenerateRandomBytes(UserSecretSize - 1)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	check := asymkey.GenericHash(random, ObfuscateUserId(userId, appId))
	return append(random, check[0]), nil
}

// CheckUserSecret checks that secret was made by CreateUserSecret for the user with this obfuscated id.
func CheckUserSecret(secret []byte, obfuscatedUserId []byte) error {
	if len(secret) != UserSecretSize {
		return tracerr.Wrap(ErrorInvalidUserSecret.AddDetails(fmt.Sprintf("%d bytes", len(secret))))
	}
	check := asymkey.GenericHash(secret[:UserSecretSize-1], obfuscatedUserId)
	if check[0] != secret[UserSecretSize-1] {
		return tracerr.Wrap(ErrorInvalidUserSecret.AddDetails("user secret does not match user id"))
	}
	return nil
}

func decodeAppId(appId string) ([]byte, error) {
	appIdBytes, err := utils.Base64DecodeString(appId)
	if err != nil || len(appIdBytes) != asymkey.HashSize {
		return nil, tracerr.Wrap(ErrorInvalidAppId.AddDetails(appId))
	}
	return appIdBytes, nil
}

// CreateIdentity makes the secret permanent identity of userId. appSecret is the private signature key of the app,
// which signs the delegation allowing the user to create its first device.
func CreateIdentity(appId string, appSecret string, userId string) (string, error) {
	if userId == "" {
		return "", tracerr.Wrap(ErrorInvalidUserId)
	}
	appIdBytes, err := decodeAppId(appId)
	if err != nil {
		return "", err
	}
	appSecretBytes, err := utils.Base64DecodeString(appSecret)
	if err != nil {
		return "", tracerr.Wrap(ErrorInvalidAppSecret.AddDetails("invalid base64"))
	}
	appSignKey, err := asymkey.SignKeyPairFromPrivateKey(appSecretBytes)
	if err != nil {
		return "", tracerr.Wrap(ErrorInvalidAppSecret.Wrap(err))
	}
	obfuscatedUserId := ObfuscateUserId(userId, appIdBytes)
	delegation, err := sigchain.NewDelegation(appSignKey, obfuscatedUserId)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	userSecret, err := CreateUserSecret(appIdBytes, userId)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return serialize(&Identity{
		TrustchainId:                 base64.StdEncoding.EncodeToString(appIdBytes),
		Target:                       TargetUser,
		Value:                        base64.StdEncoding.EncodeToString(obfuscatedUserId),
		DelegationSignature:          base64.StdEncoding.EncodeToString(delegation.Signature),
		EphemeralPublicSignatureKey:  base64.StdEncoding.EncodeToString(delegation.EphemeralSignKeyPair.PublicKey),
		EphemeralPrivateSignatureKey: base64.StdEncoding.EncodeToString(delegation.EphemeralSignKeyPair.PrivateKey),
		UserSecret:                   base64.StdEncoding.EncodeToString(userSecret),
	})
}

// CreateProvisionalIdentity makes the secret provisional identity of an email address, to share with users who do not
// have an account yet.
func CreateProvisionalIdentity(appId string, email string) (string, error) {
	appIdBytes, err := decodeAppId(appId)
	if err != nil {
		return "", err
	}
	email = strings.ToLower(email)
	if err = utils.CheckEmail(email); err != nil {
		return "", tracerr.Wrap(err)
	}
	signKey, err := asymkey.GenerateSignKeyPair()
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	encryptionKey, err := asymkey.GenerateEncryptionKeyPair()
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return serialize(&Identity{
		TrustchainId:         base64.StdEncoding.EncodeToString(appIdBytes),
		Target:               TargetEmail,
		Value:                email,
		PublicSignatureKey:   base64.StdEncoding.EncodeToString(signKey.PublicKey),
		PrivateSignatureKey:  base64.StdEncoding.EncodeToString(signKey.PrivateKey),
		PublicEncryptionKey:  base64.StdEncoding.EncodeToString(encryptionKey.PublicKey),
		PrivateEncryptionKey: base64.StdEncoding.EncodeToString(encryptionKey.PrivateKey),
	})
}

// GetPublicIdentity strips the secret fields of a secret identity.
func GetPublicIdentity(secretIdentity string) (string, error) {
	identity, err := Parse(secretIdentity)
	if err != nil {
		return "", err
	}
	if !identity.IsSecret() {
		return "", tracerr.Wrap(ErrorIdentityNotSecret)
	}
	public := &Identity{TrustchainId: identity.TrustchainId, Target: identity.Target, Value: identity.Value}
	if identity.Target == TargetEmail {
		if identity.PublicSignatureKey == "" || identity.PublicEncryptionKey == "" {
			return "", tracerr.Wrap(ErrorInvalidIdentity.AddDetails("missing public keys"))
		}
		public.PublicSignatureKey = identity.PublicSignatureKey
		public.PublicEncryptionKey = identity.PublicEncryptionKey
	}
	return serialize(public)
}

// ParsePublicIdentities parses public identities, and splits them between permanent and provisional ones.
func ParsePublicIdentities(publicIdentities []string) (permanent []*Identity, provisional []*Identity, err error) {
	for _, publicIdentity := range publicIdentities {
		identity, err := Parse(publicIdentity)
		if err != nil {
			return nil, nil, err
		}
		if identity.IsSecret() {
			return nil, nil, tracerr.Wrap(ErrorIdentityNotPublic)
		}
		if identity.Target == TargetUser {
			permanent = append(permanent, identity)
		} else {
			provisional = append(provisional, identity)
		}
	}
	return permanent, provisional, nil
}

// SecretPermanentIdentity is a parsed secret permanent identity, with decoded binary fields.
type SecretPermanentIdentity struct {
	AppId      []byte
	UserId     []byte
	UserSecret []byte
	Delegation *sigchain.Delegation
}

func ParseSecretPermanentIdentity(secretIdentity string) (*SecretPermanentIdentity, error) {
	identity, err := Parse(secretIdentity)
	if err != nil {
		return nil, err
	}
	if identity.Target != TargetUser {
		return nil, tracerr.Wrap(ErrorIdentityWrongTarget.AddDetails(fmt.Sprintf("expected a permanent identity, got %s", identity.Target)))
	}
	if !identity.IsSecret() {
		return nil, tracerr.Wrap(ErrorIdentityNotSecret)
	}
	fields := map[string][]byte{}
	for name, value := range map[string]string{
		"trustchain_id":                   identity.TrustchainId,
		"value":                           identity.Value,
		"user_secret":                     identity.UserSecret,
		"delegation_signature":            identity.DelegationSignature,
		"ephemeral_private_signature_key": identity.EphemeralPrivateSignatureKey,
	} {
		decoded, err := utils.Base64DecodeString(value)
		if err != nil {
			return nil, tracerr.Wrap(ErrorInvalidIdentity.AddDetails("invalid " + name))
		}
		fields[name] = decoded
	}
	if len(fields["trustchain_id"]) != asymkey.HashSize || len(fields["value"]) != asymkey.HashSize {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.AddDetails("invalid trustchain_id or value size"))
	}
	if len(fields["delegation_signature"]) != asymkey.SignatureSize {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.AddDetails("invalid delegation_signature size"))
	}
	ephemeral, err := asymkey.SignKeyPairFromPrivateKey(fields["ephemeral_private_signature_key"])
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.Wrap(err))
	}
	if err = CheckUserSecret(fields["user_secret"], fields["value"]); err != nil {
		return nil, err
	}
	return &SecretPermanentIdentity{
		AppId:      fields["trustchain_id"],
		UserId:     fields["value"],
		UserSecret: fields["user_secret"],
		Delegation: &sigchain.Delegation{
			EphemeralSignKeyPair: ephemeral,
			UserId:               fields["value"],
			Signature:            fields["delegation_signature"],
		},
	}, nil
}

// SecretProvisionalIdentity is a parsed secret provisional identity: the app half of its keys.
type SecretProvisionalIdentity struct {
	AppId         []byte
	Email         string
	SignKey       *asymkey.SignKeyPair
	EncryptionKey *asymkey.EncryptionKeyPair
}

func ParseSecretProvisionalIdentity(secretIdentity string) (*SecretProvisionalIdentity, error) {
	identity, err := Parse(secretIdentity)
	if err != nil {
		return nil, err
	}
	if identity.Target != TargetEmail {
		return nil, tracerr.Wrap(ErrorIdentityWrongTarget.AddDetails(fmt.Sprintf("expected a provisional identity, got %s", identity.Target)))
	}
	if !identity.IsSecret() {
		return nil, tracerr.Wrap(ErrorIdentityNotSecret)
	}
	appId, err := decodeAppId(identity.TrustchainId)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.Wrap(err))
	}
	privateSignatureKey, err := utils.Base64DecodeString(identity.PrivateSignatureKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.AddDetails("invalid private_signature_key"))
	}
	signKey, err := asymkey.SignKeyPairFromPrivateKey(privateSignatureKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.Wrap(err))
	}
	privateEncryptionKey, err := utils.Base64DecodeString(identity.PrivateEncryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.AddDetails("invalid private_encryption_key"))
	}
	encryptionKey, err := asymkey.EncryptionKeyPairFromPrivateKey(privateEncryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidIdentity.Wrap(err))
	}
	return &SecretProvisionalIdentity{AppId: appId, Email: identity.Value, SignKey: signKey, EncryptionKey: encryptionKey}, nil
}

// HashProvisionalEmail is the hash under which the server indexes the provisional identity of an email.
func HashProvisionalEmail(email string) string {
	return base64.StdEncoding.EncodeToString(asymkey.GenericHash([]byte(strings.ToLower(email))))
}
