package sdk

import (
	"bytes"
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/identity"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/sync/singleflight"
)

// MaxGroupSize is the maximum number of members added by a single creation or update.
const MaxGroupSize = 1000

var (
	// ErrorGroupNotFound is returned when the server does not know a group
	ErrorGroupNotFound = utils.NewSealdError(utils.KindInvalidArgument, "GROUP_NOT_FOUND", "group not found")
	// ErrorGroupInvalidId is returned when a group id does not have the right size
	ErrorGroupInvalidId = utils.NewSealdError(utils.KindInvalidArgument, "GROUP_INVALID_ID", "invalid group id")
	// ErrorGroupInvalidSize is returned when creating or updating a group with no members, or too many
	ErrorGroupInvalidSize = utils.NewSealdError(utils.KindInvalidArgument, "GROUP_INVALID_SIZE", fmt.Sprintf("between 1 and %d members must be given", MaxGroupSize))
	// ErrorGroupProvisionalMember is returned when a provisional identity is given as a group member
	ErrorGroupProvisionalMember = utils.NewSealdError(utils.KindInvalidArgument, "GROUP_PROVISIONAL_MEMBER", "provisional identities cannot be group members")
	// ErrorGroupNotMember is returned when updating a group the user is not a member of
	ErrorGroupNotMember = utils.NewSealdError(utils.KindInvalidArgument, "GROUP_NOT_MEMBER", "only members can update a group")
	// ErrorGroupKeyMismatch is returned when an opened group private key does not match the group public key
	ErrorGroupKeyMismatch = utils.NewSealdError(utils.KindInternal, "GROUP_KEY_MISMATCH", "group private key does not match the group public key")
)

// groupState is a group rebuilt from its verified blocks.
type groupState struct {
	id                           []byte
	publicEncryptionKey          []byte
	encryptedPrivateSignatureKey []byte
	lastBlockHash                []byte
	// encryptedKeys accumulates the members of the creation and of every addition.
	encryptedKeys []sigchain.GroupEncryptedKey
}

// groupManager creates and updates groups, and holds the private keys of the groups of the user. A group key is
// looked up on the server the first time a key publish for it is met, then stored.
type groupManager struct {
	apiClient trustchainApiClientInterface
	storage   *storage
	localUser *localUser
	logger    zerolog.Logger
	lookups   singleflight.Group
}

func (m *groupManager) FindGroupKeyPair(ctx context.Context, publicKey []byte) (*asymkey.EncryptionKeyPair, error) {
	if keyPair := m.storage.groupKeys.get(publicKey); keyPair != nil {
		return keyPair, nil
	}
	result, err, _ := m.lookups.Do(b64(publicKey), func() (any, error) {
		histories, err := m.apiClient.getGroupHistoriesByGroupPublicEncryptionKey(ctx, publicKey)
		if err != nil {
			return nil, err
		}
		groups, err := m.verifyGroupHistories(ctx, histories)
		if err != nil {
			return nil, err
		}
		for _, group := range groups {
			if bytes.Equal(group.publicEncryptionKey, publicKey) {
				return m.openGroupKey(group)
			}
		}
		m.logger.Debug().Str("publicKey", b64(publicKey)).Msg("No group has this public key")
		return nil, nil
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	keyPair, _ := result.(*asymkey.EncryptionKeyPair)
	return keyPair, nil
}

// verifyGroupHistories verifies the blocks of several groups, in order, and returns the groups by b64 id. The devices
// that authored the blocks are verified from the histories of their users.
func (m *groupManager) verifyGroupHistories(ctx context.Context, histories []string) (map[string]*groupState, error) {
	groups := map[string]*groupState{}
	blocks := make([]*sigchain.Block, 0, len(histories))
	seenAuthors := utils.Set[string]{}
	var authors [][]byte
	for _, b64Block := range histories {
		block, err := sigchain.UnserializeBlockB64(b64Block)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if !block.Nature.IsUserGroup() {
			return nil, tracerr.Wrap(sigchain.InvalidBlockNature.AddDetails(block.Nature.String()))
		}
		blocks = append(blocks, block)
		if !seenAuthors.Has(string(block.Author)) {
			seenAuthors.Add(string(block.Author))
			authors = append(authors, block.Author)
		}
	}
	if len(blocks) == 0 {
		return groups, nil
	}

	userHistories, err := m.apiClient.getUserHistoriesByDeviceIds(ctx, authors)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	directory, err := verifyUserHistories(m.localUser.trustchainId, m.storage.keyStore.get().TrustchainPublicKey, userHistories.Histories)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	for _, block := range blocks {
		author := directory.devices[string(block.Author)]
		if block.Nature == sigchain.NatureUserGroupCreationV1 {
			entry, err := sigchain.UserGroupCreationFromBlock(block)
			if err != nil {
				return nil, tracerr.Wrap(err)
			}
			if _, ok := groups[b64(entry.GroupId())]; ok {
				return nil, tracerr.Wrap(sigchain.InvalidBlockGroupAlreadyExists.AddDetails(b64(entry.GroupId())))
			}
			if err = sigchain.VerifyUserGroupCreation(entry, author); err != nil {
				return nil, tracerr.Wrap(err)
			}
			groups[b64(entry.GroupId())] = &groupState{
				id:                           entry.GroupId(),
				publicEncryptionKey:          entry.PublicEncryptionKey,
				encryptedPrivateSignatureKey: entry.EncryptedPrivateSignatureKey,
				lastBlockHash:                entry.Hash,
				encryptedKeys:                entry.EncryptedKeysForUsers,
			}
			continue
		}
		entry, err := sigchain.UserGroupAdditionFromBlock(block)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		group := groups[b64(entry.GroupId)]
		var groupId, lastBlockHash []byte
		if group != nil {
			groupId, lastBlockHash = group.id, group.lastBlockHash
		}
		if err = sigchain.VerifyUserGroupAddition(entry, author, groupId, lastBlockHash); err != nil {
			return nil, tracerr.Wrap(err)
		}
		group.lastBlockHash = entry.Hash
		group.encryptedKeys = append(group.encryptedKeys, entry.EncryptedKeysForUsers...)
	}
	return groups, nil
}

// openGroupKey opens the group private encryption key with one of the user keys, and stores it. A nil key pair means
// the user is not a member.
func (m *groupManager) openGroupKey(group *groupState) (*asymkey.EncryptionKeyPair, error) {
	if keyPair := m.storage.groupKeys.get(group.publicEncryptionKey); keyPair != nil {
		return keyPair, nil
	}
	for _, encryptedKey := range group.encryptedKeys {
		userKey := m.localUser.FindUserKeyPair(encryptedKey.PublicUserEncryptionKey)
		if userKey == nil {
			continue
		}
		privateKey, err := userKey.SealDecrypt(encryptedKey.EncryptedGroupPrivateEncryptionKey)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		keyPair, err := asymkey.EncryptionKeyPairFromPrivateKey(privateKey)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if !bytes.Equal(keyPair.PublicKey, group.publicEncryptionKey) {
			return nil, tracerr.Wrap(ErrorGroupKeyMismatch.AddDetails(b64(group.id)))
		}
		if err = m.storage.setGroupKey(keyPair); err != nil {
			return nil, tracerr.Wrap(err)
		}
		m.logger.Debug().Str("groupId", b64(group.id)).Msg("Group key stored")
		return keyPair, nil
	}
	return nil, nil
}

// fetchGroups returns the verified state of each group of groupIds, in the same order.
func (m *groupManager) fetchGroups(ctx context.Context, groupIds [][]byte) ([]*groupState, error) {
	for _, groupId := range groupIds {
		if len(groupId) != asymkey.SignaturePublicKeySize {
			return nil, tracerr.Wrap(ErrorGroupInvalidId.AddDetails(fmt.Sprintf("%d bytes", len(groupId))))
		}
	}
	if len(groupIds) == 0 {
		return nil, nil
	}
	histories, err := m.apiClient.getGroupHistoriesByGroupIds(ctx, groupIds)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	groups, err := m.verifyGroupHistories(ctx, histories)
	if err != nil {
		return nil, err
	}
	result := make([]*groupState, 0, len(groupIds))
	for _, groupId := range groupIds {
		group, ok := groups[b64(groupId)]
		if !ok {
			return nil, tracerr.Wrap(ErrorGroupNotFound.AddDetails(b64(groupId)))
		}
		result = append(result, group)
	}
	return result, nil
}

// memberKeys returns the current public encryption keys of the users of publicIdentities. Duplicates are dropped.
func (m *groupManager) memberKeys(ctx context.Context, publicIdentities []string) ([][]byte, error) {
	if len(publicIdentities) == 0 || len(publicIdentities) > MaxGroupSize {
		return nil, tracerr.Wrap(ErrorGroupInvalidSize.AddDetails(fmt.Sprintf("%d members", len(publicIdentities))))
	}
	permanent, provisional, err := identity.ParsePublicIdentities(publicIdentities)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if len(provisional) != 0 {
		return nil, tracerr.Wrap(ErrorGroupProvisionalMember)
	}
	if err = checkRecipientsApp(m.localUser.trustchainId, permanent); err != nil {
		return nil, err
	}
	userIds, err := userIdsFromIdentities(permanent)
	if err != nil {
		return nil, err
	}
	seen := utils.Set[string]{}
	unique := make([][]byte, 0, len(userIds))
	for _, userId := range userIds {
		if !seen.Has(string(userId)) {
			seen.Add(string(userId))
			unique = append(unique, userId)
		}
	}
	return fetchUserPublicKeys(ctx, m.apiClient, m.localUser.trustchainId, m.storage.keyStore.get().TrustchainPublicKey, unique)
}

func (m *groupManager) isMember(memberKeys [][]byte) bool {
	for _, memberKey := range memberKeys {
		if m.localUser.FindUserKeyPair(memberKey) != nil {
			return true
		}
	}
	return false
}

func (m *groupManager) createGroup(ctx context.Context, publicIdentities []string) ([]byte, error) {
	memberKeys, err := m.memberKeys(ctx, publicIdentities)
	if err != nil {
		return nil, err
	}
	groupSignKey, err := asymkey.GenerateSignKeyPair()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	groupEncryptionKey, err := asymkey.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	keys := m.storage.keyStore.get()
	block, err := sigchain.NewUserGroupCreationBlock(m.localUser.trustchainId, keys.DeviceId, keys.SignKeyPair, groupSignKey, groupEncryptionKey, memberKeys)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	b64Block, err := sigchain.SerializeBlockB64(block)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = m.apiClient.createGroup(ctx, &groupRequest{UserGroupCreation: b64Block})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if m.isMember(memberKeys) {
		if err = m.storage.setGroupKey(groupEncryptionKey); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	m.logger.Debug().Str("groupId", b64(groupSignKey.PublicKey)).Int("members", len(memberKeys)).Msg("Group created")
	return groupSignKey.PublicKey, nil
}

func (m *groupManager) updateGroupMembers(ctx context.Context, groupId []byte, publicIdentities []string) error {
	memberKeys, err := m.memberKeys(ctx, publicIdentities)
	if err != nil {
		return err
	}
	groups, err := m.fetchGroups(ctx, [][]byte{groupId})
	if err != nil {
		return err
	}
	group := groups[0]
	groupKey, err := m.openGroupKey(group)
	if err != nil {
		return err
	}
	if groupKey == nil {
		return tracerr.Wrap(ErrorGroupNotMember.AddDetails(b64(groupId)))
	}
	privateSignatureKey, err := groupKey.SealDecrypt(group.encryptedPrivateSignatureKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	groupSignKey, err := asymkey.SignKeyPairFromPrivateKey(privateSignatureKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if !bytes.Equal(groupSignKey.PublicKey, group.id) {
		return tracerr.Wrap(ErrorGroupKeyMismatch.AddDetails(b64(groupId)))
	}
	keys := m.storage.keyStore.get()
	block, err := sigchain.NewUserGroupAdditionBlock(m.localUser.trustchainId, keys.DeviceId, keys.SignKeyPair, groupSignKey, groupKey, group.lastBlockHash, memberKeys)
	if err != nil {
		return tracerr.Wrap(err)
	}
	b64Block, err := sigchain.SerializeBlockB64(block)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(m.apiClient.patchGroup(ctx, &groupRequest{UserGroupAddition: b64Block}))
}
