package sdk

import (
	"context"
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorKeyDecryptorNoKey is returned when none of the known keys can open a key publish
	ErrorKeyDecryptorNoKey = utils.NewSealdError(utils.KindDecryptionFailed, "KEY_DECRYPTOR_NO_KEY", "no known key can decrypt this key publish")
)

type userKeyProvider interface {
	FindUserKeyPair(publicKey []byte) *asymkey.EncryptionKeyPair
}

// groupKeyProvider may look the group up on the server. A nil key pair means the user is not a member.
type groupKeyProvider interface {
	FindGroupKeyPair(ctx context.Context, publicKey []byte) (*asymkey.EncryptionKeyPair, error)
}

type provisionalKeyProvider interface {
	FindProvisionalKeys(appPublicSignatureKey []byte, tankerPublicSignatureKey []byte) *provisionalKeys
}

// keyDecryptor opens the resource key of a key publish with the keys of the current user.
type keyDecryptor struct {
	users       userKeyProvider
	groups      groupKeyProvider
	provisional provisionalKeyProvider
	logger      zerolog.Logger
}

func openResourceKey(keyPair *asymkey.EncryptionKeyPair, sealed []byte) (symmetric_key.SymKey, error) {
	opened, err := keyPair.SealDecrypt(sealed)
	if err != nil {
		return symmetric_key.SymKey{}, tracerr.Wrap(err)
	}
	return symmetric_key.Decode(opened)
}

// KeyFromKeyPublish tries the user keys, then the group keys, then the provisional identity keys. The first key
// that opens the payload wins. Only a failed group lookup stops the search.
func (d *keyDecryptor) KeyFromKeyPublish(ctx context.Context, keyPublish *sigchain.KeyPublishEntry) (symmetric_key.SymKey, error) {
	var errs []error
	if keyPublish.Recipient != nil {
		if userKey := d.users.FindUserKeyPair(keyPublish.Recipient); userKey != nil {
			key, err := openResourceKey(userKey, keyPublish.Key)
			if err == nil {
				return key, nil
			}
			d.logger.Debug().Err(err).Msg("User key cannot open key publish")
			errs = append(errs, err)
		}
		groupKey, err := d.groups.FindGroupKeyPair(ctx, keyPublish.Recipient)
		if err != nil {
			return symmetric_key.SymKey{}, tracerr.Wrap(err)
		}
		if groupKey != nil {
			key, err := openResourceKey(groupKey, keyPublish.Key)
			if err == nil {
				return key, nil
			}
			d.logger.Debug().Err(err).Msg("Group key cannot open key publish")
			errs = append(errs, err)
		}
	}
	if keyPublish.AppPublicSignatureKey != nil && keyPublish.TankerPublicSignatureKey != nil {
		if keys := d.provisional.FindProvisionalKeys(keyPublish.AppPublicSignatureKey, keyPublish.TankerPublicSignatureKey); keys != nil {
			// sealed for the app key first, then for the tanker key
			inner, err := keys.TankerEncryptionKeyPair.SealDecrypt(keyPublish.Key)
			if err == nil {
				var key symmetric_key.SymKey
				key, err = openResourceKey(keys.AppEncryptionKeyPair, inner)
				if err == nil {
					return key, nil
				}
			}
			d.logger.Debug().Err(err).Msg("Provisional keys cannot open key publish")
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		return symmetric_key.SymKey{}, tracerr.Wrap(ErrorKeyDecryptorNoKey.Wrap(errs[len(errs)-1]))
	}
	return symmetric_key.SymKey{}, tracerr.Wrap(ErrorKeyDecryptorNoKey)
}
