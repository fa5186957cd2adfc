package sdk

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/identity"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorResourceKeyNotFound is returned when the server has no key publish for a resource
	ErrorResourceKeyNotFound = utils.NewSealdError(utils.KindInvalidArgument, "RESOURCE_KEY_NOT_FOUND", "could not find key for resource")
	// ErrorResourceInvalidId is returned when a resource id does not have the right size
	ErrorResourceInvalidId = utils.NewSealdError(utils.KindInvalidArgument, "RESOURCE_INVALID_ID", "invalid resource id")
	// ErrorResourceRecipientNotFound is returned when sharing with a user who does not exist or has no user key
	ErrorResourceRecipientNotFound = utils.NewSealdError(utils.KindInvalidArgument, "RESOURCE_RECIPIENT_NOT_FOUND", "recipient not found")
	// ErrorResourceInvalidLength is returned when an upload length is negative
	ErrorResourceInvalidLength = utils.NewSealdError(utils.KindInvalidArgument, "RESOURCE_INVALID_LENGTH", "invalid upload content length")
	// ErrorResourceRecipientWrongApp is returned when sharing with an identity of another app
	ErrorResourceRecipientWrongApp = utils.NewSealdError(utils.KindInvalidArgument, "RESOURCE_RECIPIENT_WRONG_APP", "recipient belongs to another app")
)

// ResourceManager resolves the keys of resources: local cache first, then the key publishes of the server, opened with
// the keys of the user.
type ResourceManager struct {
	apiClient    trustchainApiClientInterface
	storage      *storage
	localUser    *localUser
	groupManager *groupManager
	keyDecryptor *keyDecryptor
	logger       zerolog.Logger
}

func checkResourceId(resourceId []byte) error {
	if len(resourceId) != sigchain.ResourceIdSize {
		return tracerr.Wrap(ErrorResourceInvalidId.AddDetails(fmt.Sprintf("%d bytes", len(resourceId))))
	}
	return nil
}

// FindKeyFromResourceId returns the key of a resource. Once resolved, a key is stored and never fetched again.
// If the server returns several key publishes for the resource, the first one is used.
func (m *ResourceManager) FindKeyFromResourceId(ctx context.Context, resourceId []byte) (symmetric_key.SymKey, error) {
	if err := checkResourceId(resourceId); err != nil {
		return symmetric_key.SymKey{}, err
	}
	if key, ok := m.storage.getResourceKey(resourceId); ok {
		return key, nil
	}
	keyPublishes, err := m.apiClient.getKeyPublishes(ctx, [][]byte{resourceId})
	if err != nil {
		return symmetric_key.SymKey{}, tracerr.Wrap(err)
	}
	if len(keyPublishes) == 0 {
		return symmetric_key.SymKey{}, tracerr.Wrap(ErrorResourceKeyNotFound.AddDetails(b64(resourceId)))
	}
	if len(keyPublishes) > 1 {
		m.logger.Debug().Int("count", len(keyPublishes)).Str("resourceId", b64(resourceId)).Msg("Several key publishes for resource, using the first one")
	}
	block, err := sigchain.UnserializeBlockB64(keyPublishes[0])
	if err != nil {
		return symmetric_key.SymKey{}, tracerr.Wrap(err)
	}
	keyPublish, err := sigchain.KeyPublishFromBlock(block)
	if err != nil {
		return symmetric_key.SymKey{}, tracerr.Wrap(err)
	}
	key, err := m.keyDecryptor.KeyFromKeyPublish(ctx, keyPublish)
	if err != nil {
		return symmetric_key.SymKey{}, tracerr.Wrap(err)
	}
	err = m.storage.setResourceKey(resourceId, key)
	if err != nil {
		return symmetric_key.SymKey{}, tracerr.Wrap(err)
	}
	return key, nil
}

// SaveResourceKey stores the key of a resource created locally.
func (m *ResourceManager) SaveResourceKey(resourceId []byte, key symmetric_key.SymKey) error {
	if err := checkResourceId(resourceId); err != nil {
		return err
	}
	return tracerr.Wrap(m.storage.setResourceKey(resourceId, key))
}

// ShareResourceKey publishes the key of a resource for users and provisional identities, given their public identities.
func (m *ResourceManager) ShareResourceKey(ctx context.Context, resourceId []byte, key symmetric_key.SymKey, publicIdentities []string) error {
	if err := checkResourceId(resourceId); err != nil {
		return err
	}
	permanent, provisional, err := identity.ParsePublicIdentities(publicIdentities)
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = checkRecipientsApp(m.localUser.trustchainId, append(append([]*identity.Identity{}, permanent...), provisional...))
	if err != nil {
		return err
	}
	keys := m.storage.keyStore.get()
	var blocks []*sigchain.Block

	if len(permanent) != 0 {
		userIds, err := userIdsFromIdentities(permanent)
		if err != nil {
			return err
		}
		publicKeys, err := fetchUserPublicKeys(ctx, m.apiClient, m.localUser.trustchainId, keys.TrustchainPublicKey, userIds)
		if err != nil {
			return err
		}
		for _, publicKey := range publicKeys {
			block, err := sigchain.NewKeyPublishBlock(m.localUser.trustchainId, keys.DeviceId, keys.SignKeyPair, sigchain.NatureKeyPublishToUser, publicKey, resourceId, key.Encode())
			if err != nil {
				return tracerr.Wrap(err)
			}
			blocks = append(blocks, block)
		}
	}

	if len(provisional) != 0 {
		hashedEmails := utils.SliceMap(provisional, func(recipient *identity.Identity) []byte {
			return asymkey.GenericHash([]byte(recipient.Value))
		})
		tankerIdentities, err := m.apiClient.getPublicProvisionalIdentities(ctx, hashedEmails)
		if err != nil {
			return tracerr.Wrap(err)
		}
		for _, recipient := range provisional {
			tanker, ok := tankerIdentities[identity.HashProvisionalEmail(recipient.Value)]
			if !ok {
				return tracerr.Wrap(ErrorResourceRecipientNotFound.AddDetails(recipient.Value))
			}
			block, err := newProvisionalKeyPublish(m.localUser.trustchainId, keys, recipient, &tanker, resourceId, key)
			if err != nil {
				return err
			}
			blocks = append(blocks, block)
		}
	}

	return m.publishBlocks(ctx, blocks)
}

func (m *ResourceManager) publishBlocks(ctx context.Context, blocks []*sigchain.Block) error {
	serialized := make([]string, 0, len(blocks))
	for _, block := range blocks {
		b64Block, err := sigchain.SerializeBlockB64(block)
		if err != nil {
			return tracerr.Wrap(err)
		}
		serialized = append(serialized, b64Block)
	}
	return tracerr.Wrap(m.apiClient.publishResourceKeys(ctx, &publishResourceKeysRequest{KeyPublishes: serialized}))
}

// ShareResourceKeyWithGroups publishes the key of a resource for groups, given their ids.
func (m *ResourceManager) ShareResourceKeyWithGroups(ctx context.Context, resourceId []byte, key symmetric_key.SymKey, groupIds [][]byte) error {
	if err := checkResourceId(resourceId); err != nil {
		return err
	}
	groups, err := m.groupManager.fetchGroups(ctx, groupIds)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	keys := m.storage.keyStore.get()
	blocks := make([]*sigchain.Block, 0, len(groupIds))
	for _, group := range groups {
		block, err := sigchain.NewKeyPublishBlock(m.localUser.trustchainId, keys.DeviceId, keys.SignKeyPair, sigchain.NatureKeyPublishToUserGroup, group.publicEncryptionKey, resourceId, key.Encode())
		if err != nil {
			return tracerr.Wrap(err)
		}
		blocks = append(blocks, block)
	}
	return m.publishBlocks(ctx, blocks)
}

// FileURL tells where the encrypted content of a resource is stored. Headers must be sent with the request.
type FileURL struct {
	URL     string
	Headers map[string]string
	Service string
}

func fileURLFromResponse(response *fileURLResponse) (*FileURL, error) {
	if response == nil || response.Url == "" {
		return nil, tracerr.Wrap(ErrorApiInvalidResponse.AddDetails("missing url"))
	}
	return &FileURL{URL: response.Url, Headers: response.Headers, Service: response.Service}, nil
}

// GetFileUploadURL returns where to upload uploadContentLength bytes of encrypted content for resourceId.
func (m *ResourceManager) GetFileUploadURL(ctx context.Context, resourceId []byte, metadata string, uploadContentLength int) (*FileURL, error) {
	if err := checkResourceId(resourceId); err != nil {
		return nil, err
	}
	if uploadContentLength < 0 {
		return nil, tracerr.Wrap(ErrorResourceInvalidLength.AddDetails(fmt.Sprintf("%d", uploadContentLength)))
	}
	response, err := m.apiClient.getFileUploadURL(ctx, resourceId, metadata, uploadContentLength)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return fileURLFromResponse(response)
}

// GetFileDownloadURL returns where to download the encrypted content of resourceId.
func (m *ResourceManager) GetFileDownloadURL(ctx context.Context, resourceId []byte) (*FileURL, error) {
	if err := checkResourceId(resourceId); err != nil {
		return nil, err
	}
	response, err := m.apiClient.getFileDownloadURL(ctx, resourceId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return fileURLFromResponse(response)
}

func newProvisionalKeyPublish(trustchainId []byte, keys keyStoreData, recipient *identity.Identity, tanker *publicProvisionalIdentity, resourceId []byte, key symmetric_key.SymKey) (*sigchain.Block, error) {
	decoded := map[string][]byte{}
	for name, value := range map[string]string{
		"app_public_signature_key":     recipient.PublicSignatureKey,
		"app_public_encryption_key":    recipient.PublicEncryptionKey,
		"tanker_public_signature_key":  tanker.TankerPublicSignatureKey,
		"tanker_public_encryption_key": tanker.TankerPublicEncryptionKey,
	} {
		raw, err := utils.Base64DecodeString(value)
		if err != nil {
			return nil, tracerr.Wrap(identity.ErrorInvalidIdentity.AddDetails("invalid " + name))
		}
		decoded[name] = raw
	}
	block, err := sigchain.NewProvisionalKeyPublishBlock(
		trustchainId, keys.DeviceId, keys.SignKeyPair,
		decoded["app_public_signature_key"], decoded["app_public_encryption_key"],
		decoded["tanker_public_signature_key"], decoded["tanker_public_encryption_key"],
		resourceId, key.Encode(),
	)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return block, nil
}
