package sdk

import (
	"bytes"
	"context"
	"fmt"
	"github.com/seald/go-trustchain-sdk/identity"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

// userDirectory is the verified state of several users.
type userDirectory struct {
	// publicKeys holds the current public encryption key of each user having one, by raw user id.
	publicKeys map[string][]byte
	// devices holds every device, revoked ones included, by raw device id.
	devices map[string]*sigchain.DeviceCreationEntry
}

// verifyUserHistories verifies the chains of several users.
func verifyUserHistories(trustchainId []byte, trustchainPublicKey []byte, histories []string) (*userDirectory, error) {
	devicesByUser := map[string][]*sigchain.DeviceCreationEntry{}
	directory := &userDirectory{
		publicKeys: map[string][]byte{},
		devices:    map[string]*sigchain.DeviceCreationEntry{},
	}

	findDevice := func(userId string, deviceId []byte) *sigchain.DeviceCreationEntry {
		device := directory.devices[string(deviceId)]
		if device == nil || string(device.UserId) != userId {
			return nil
		}
		return device
	}

	for _, b64Block := range histories {
		block, err := sigchain.UnserializeBlockB64(b64Block)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		switch {
		case block.Nature.IsDeviceCreation():
			entry, err := sigchain.DeviceCreationFromBlock(block)
			if err != nil {
				return nil, tracerr.Wrap(err)
			}
			userId := string(entry.UserId)
			err = sigchain.VerifyDeviceCreation(entry, findDevice(userId, entry.Author), trustchainId, trustchainPublicKey)
			if err != nil {
				return nil, tracerr.Wrap(err)
			}
			devicesByUser[userId] = append(devicesByUser[userId], entry)
			directory.devices[string(entry.DeviceId())] = entry
			if entry.UserKeyPair != nil {
				directory.publicKeys[userId] = entry.UserKeyPair.PublicEncryptionKey
			}
		case block.Nature.IsDeviceRevocation():
			entry, err := sigchain.DeviceRevocationFromBlock(block, nil)
			if err != nil {
				return nil, tracerr.Wrap(err)
			}
			target, ok := directory.devices[string(entry.DeviceId)]
			if !ok {
				return nil, tracerr.Wrap(sigchain.InvalidBlockTargetUnknown)
			}
			userId := string(target.UserId)
			entry.UserId = target.UserId
			err = sigchain.VerifyDeviceRevocation(entry, devicesByUser[userId], directory.publicKeys[userId])
			if err != nil {
				return nil, tracerr.Wrap(err)
			}
			target.Revoked = entry.Index
			if entry.UserKeys != nil {
				directory.publicKeys[userId] = entry.UserKeys.PublicEncryptionKey
			}
		}
	}
	return directory, nil
}

// userPublicKeysFromHistories verifies the chains of several users, and returns the current public encryption key of
// each user having one, by raw user id.
func userPublicKeysFromHistories(trustchainId []byte, trustchainPublicKey []byte, histories []string) (map[string][]byte, error) {
	directory, err := verifyUserHistories(trustchainId, trustchainPublicKey, histories)
	if err != nil {
		return nil, err
	}
	return directory.publicKeys, nil
}

// checkRecipientsApp rejects identities of another app.
func checkRecipientsApp(trustchainId []byte, recipients []*identity.Identity) error {
	for _, recipient := range recipients {
		decoded, err := utils.Base64DecodeString(recipient.TrustchainId)
		if err != nil || !bytes.Equal(decoded, trustchainId) {
			return tracerr.Wrap(ErrorResourceRecipientWrongApp.AddDetails(fmt.Sprintf("%s instead of %s", recipient.TrustchainId, b64(trustchainId))))
		}
	}
	return nil
}

func userIdsFromIdentities(permanent []*identity.Identity) ([][]byte, error) {
	userIds := make([][]byte, 0, len(permanent))
	for _, recipient := range permanent {
		userId, err := utils.Base64DecodeString(recipient.Value)
		if err != nil {
			return nil, tracerr.Wrap(identity.ErrorInvalidIdentity.AddDetails("invalid value"))
		}
		userIds = append(userIds, userId)
	}
	return userIds, nil
}

// fetchUserPublicKeys returns the current public encryption key of each user of userIds, in the same order. A user
// who does not exist, or has no user key, is an error.
func fetchUserPublicKeys(ctx context.Context, apiClient trustchainApiClientInterface, trustchainId []byte, trustchainPublicKey []byte, userIds [][]byte) ([][]byte, error) {
	histories, err := apiClient.getUserHistoriesByUserIds(ctx, userIds)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	publicKeys, err := userPublicKeysFromHistories(trustchainId, trustchainPublicKey, histories.Histories)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	result := make([][]byte, 0, len(userIds))
	for _, userId := range userIds {
		publicKey, ok := publicKeys[string(userId)]
		if !ok {
			return nil, tracerr.Wrap(ErrorResourceRecipientNotFound.AddDetails(b64(userId)))
		}
		result = append(result, publicKey)
	}
	return result, nil
}
