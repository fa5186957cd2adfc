package sdk

import (
	"bytes"
	"context"
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/identity"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorProvisionalIdentityNotFound is returned when the server knows no provisional identity for this email
	ErrorProvisionalIdentityNotFound = utils.NewSealdError(utils.KindPreconditionFailed, "PROVISIONAL_IDENTITY_NOT_FOUND", "no provisional identity for this email")
	// ErrorProvisionalIdentityWrongApp is returned when claiming a provisional identity of another app
	ErrorProvisionalIdentityWrongApp = utils.NewSealdError(utils.KindInvalidArgument, "PROVISIONAL_IDENTITY_WRONG_APP", "provisional identity belongs to another app")
	// ErrorProvisionalIdentityInvalidClaim is returned when a claim returned by the server cannot be opened
	ErrorProvisionalIdentityInvalidClaim = utils.NewSealdError(utils.KindInternal, "PROVISIONAL_IDENTITY_INVALID_CLAIM", "invalid provisional identity claim")
)

// provisionalIdentityManager holds the keys of the provisional identities claimed by the user.
type provisionalIdentityManager struct {
	apiClient trustchainApiClientInterface
	storage   *storage
	localUser *localUser
	logger    zerolog.Logger
}

func (m *provisionalIdentityManager) FindProvisionalKeys(appPublicSignatureKey []byte, tankerPublicSignatureKey []byte) *provisionalKeys {
	keys, ok := m.storage.provisionalKeys.get(appPublicSignatureKey, tankerPublicSignatureKey)
	if !ok {
		return nil
	}
	return &keys
}

func decodeTankerProvisionalIdentity(tanker *tankerProvisionalIdentity) (*asymkey.SignKeyPair, *asymkey.EncryptionKeyPair, error) {
	privateSignatureKey, err := utils.Base64DecodeString(tanker.PrivateSignatureKey)
	if err != nil {
		return nil, nil, tracerr.Wrap(ErrorApiInvalidResponse.Wrap(err))
	}
	signKeyPair, err := asymkey.SignKeyPairFromPrivateKey(privateSignatureKey)
	if err != nil {
		return nil, nil, tracerr.Wrap(ErrorApiInvalidResponse.Wrap(err))
	}
	privateEncryptionKey, err := utils.Base64DecodeString(tanker.PrivateEncryptionKey)
	if err != nil {
		return nil, nil, tracerr.Wrap(ErrorApiInvalidResponse.Wrap(err))
	}
	encryptionKeyPair, err := asymkey.EncryptionKeyPairFromPrivateKey(privateEncryptionKey)
	if err != nil {
		return nil, nil, tracerr.Wrap(ErrorApiInvalidResponse.Wrap(err))
	}
	return signKeyPair, encryptionKeyPair, nil
}

func provisionalClaimMessage(deviceId []byte, appPublicSignatureKey []byte, tankerPublicSignatureKey []byte) []byte {
	return bytes.Join([][]byte{deviceId, appPublicSignatureKey, tankerPublicSignatureKey}, nil)
}

// claim attaches a provisional identity to the user. The server releases its half of the keys after verification,
// then both halves are sealed for the current user key.
func (m *provisionalIdentityManager) claim(ctx context.Context, provisional *identity.SecretProvisionalIdentity, verification *Verification) error {
	if !bytes.Equal(provisional.AppId, m.localUser.trustchainId) {
		return tracerr.Wrap(ErrorProvisionalIdentityWrongApp)
	}
	verificationRequest, err := verification.toRequest(m.localUser.userId, m.localUser.userSecret)
	if err != nil {
		return err
	}
	tanker, err := m.apiClient.getProvisionalIdentity(ctx, &getProvisionalIdentityRequest{Email: provisional.Email, Verification: verificationRequest})
	if err != nil {
		return err
	}
	if tanker == nil {
		return tracerr.Wrap(ErrorProvisionalIdentityNotFound.AddDetails(provisional.Email))
	}
	tankerSignKeyPair, tankerEncryptionKeyPair, err := decodeTankerProvisionalIdentity(tanker)
	if err != nil {
		return err
	}
	userKey := m.localUser.currentUserKey()
	if userKey == nil {
		return tracerr.Wrap(ErrorLocalUserNoUserKey)
	}
	sealed, err := asymkey.SealEncrypt(append(bytes.Clone(provisional.EncryptionKey.PrivateKey), tankerEncryptionKeyPair.PrivateKey...), userKey.PublicKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	message := provisionalClaimMessage(m.localUser.deviceId(), provisional.SignKey.PublicKey, tankerSignKeyPair.PublicKey)
	err = m.apiClient.claimProvisionalIdentity(ctx, &claimProvisionalIdentityRequest{ProvisionalIdentityClaim: &provisionalIdentityClaimRequest{
		UserId:                     b64(m.localUser.userId),
		AppSignaturePublicKey:      b64(provisional.SignKey.PublicKey),
		TankerSignaturePublicKey:   b64(tankerSignKeyPair.PublicKey),
		AuthorSignatureByAppKey:    b64(provisional.SignKey.Sign(message)),
		AuthorSignatureByTankerKey: b64(tankerSignKeyPair.Sign(message)),
		RecipientUserPublicKey:     b64(userKey.PublicKey),
		EncryptedPrivateKeys:       b64(sealed),
	}})
	if err != nil {
		return err
	}
	m.logger.Debug().Str("email", provisional.Email).Msg("Claimed provisional identity")
	return m.storage.setProvisionalKeys(provisional.SignKey.PublicKey, tankerSignKeyPair.PublicKey, provisionalKeys{
		AppEncryptionKeyPair:    provisional.EncryptionKey,
		TankerEncryptionKeyPair: tankerEncryptionKeyPair,
	})
}

// refreshClaims loads the keys of every provisional identity claimed by the user, from any of its devices.
func (m *provisionalIdentityManager) refreshClaims(ctx context.Context) error {
	claims, err := m.apiClient.getProvisionalIdentityClaims(ctx)
	if err != nil {
		return err
	}
	for _, claim := range claims {
		fields := map[string][]byte{}
		for name, value := range map[string]string{
			"app_signature_public_key":    claim.AppSignaturePublicKey,
			"tanker_signature_public_key": claim.TankerSignaturePublicKey,
			"recipient_user_public_key":   claim.RecipientUserPublicKey,
			"encrypted_private_keys":      claim.EncryptedPrivateKeys,
		} {
			decoded, err := utils.Base64DecodeString(value)
			if err != nil {
				return tracerr.Wrap(ErrorProvisionalIdentityInvalidClaim.AddDetails("invalid " + name))
			}
			fields[name] = decoded
		}
		if m.FindProvisionalKeys(fields["app_signature_public_key"], fields["tanker_signature_public_key"]) != nil {
			continue
		}
		userKey := m.localUser.FindUserKeyPair(fields["recipient_user_public_key"])
		if userKey == nil {
			m.logger.Warn().Str("recipient", claim.RecipientUserPublicKey).Msg("Provisional identity claim sealed for an unknown user key")
			continue
		}
		privateKeys, err := userKey.SealDecrypt(fields["encrypted_private_keys"])
		if err != nil {
			return tracerr.Wrap(ErrorProvisionalIdentityInvalidClaim.Wrap(err))
		}
		if len(privateKeys) != 2*asymkey.EncryptionPrivateKeySize {
			return tracerr.Wrap(ErrorProvisionalIdentityInvalidClaim.AddDetails("invalid private keys size"))
		}
		appEncryptionKeyPair, err := asymkey.EncryptionKeyPairFromPrivateKey(privateKeys[:asymkey.EncryptionPrivateKeySize])
		if err != nil {
			return tracerr.Wrap(ErrorProvisionalIdentityInvalidClaim.Wrap(err))
		}
		tankerEncryptionKeyPair, err := asymkey.EncryptionKeyPairFromPrivateKey(privateKeys[asymkey.EncryptionPrivateKeySize:])
		if err != nil {
			return tracerr.Wrap(ErrorProvisionalIdentityInvalidClaim.Wrap(err))
		}
		err = m.storage.setProvisionalKeys(fields["app_signature_public_key"], fields["tanker_signature_public_key"], provisionalKeys{
			AppEncryptionKeyPair:    appEncryptionKeyPair,
			TankerEncryptionKeyPair: tankerEncryptionKeyPair,
		})
		if err != nil {
			return tracerr.Wrap(err)
		}
	}
	return nil
}
