package sdk

import (
	"encoding/json"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/identity"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/test_utils"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/stretchr/testify/require"
	"github.com/ztrue/tracerr"
	"sync"
	"testing"
)

// fakeTrustchain plays the directory server for the session tests, through canary clients.
type fakeTrustchain struct {
	t   *testing.T
	app *test_utils.TestApp

	lock             sync.Mutex
	histories        map[string][]string
	verificationKeys map[string][]byte
	verifications    map[string]*verificationRequest
	ghostDevices     map[string]*encryptionKeyResponse
	keyPublishes     map[string][]string
	claims           []provisionalIdentityClaim
	tankerKeys       map[string]*tankerProvisionalIdentity
	// deviceOwners maps a b64 device id to the b64 id of its user.
	deviceOwners map[string]string
	// groups holds the blocks of each group by b64 group id, groupIds maps a b64 group public encryption key to it.
	groups   map[string][]string
	groupIds map[string]string
}

func newFakeTrustchain(t *testing.T) *fakeTrustchain {
	return &fakeTrustchain{
		t:                t,
		app:              test_utils.NewTestApp(t),
		histories:        map[string][]string{},
		verificationKeys: map[string][]byte{},
		verifications:    map[string]*verificationRequest{},
		ghostDevices:     map[string]*encryptionKeyResponse{},
		keyPublishes:     map[string][]string{},
		tankerKeys:       map[string]*tankerProvisionalIdentity{},
		deviceOwners:     map[string]string{},
		groups:           map[string][]string{},
		groupIds:         map[string]string{},
	}
}

func (f *fakeTrustchain) userHistories(userIds [][]byte) *userHistoriesResponse {
	f.lock.Lock()
	defer f.lock.Unlock()
	response := &userHistoriesResponse{Root: f.app.RootB64(f.t), Histories: []string{}}
	for _, userId := range userIds {
		response.Histories = append(response.Histories, f.histories[b64(userId)]...)
	}
	return response
}

func (f *fakeTrustchain) appendBlock(userId string, b64Block string) {
	block, err := sigchain.UnserializeBlockB64(b64Block)
	f.lock.Lock()
	defer f.lock.Unlock()
	f.histories[userId] = append(f.histories[userId], b64Block)
	if err == nil && block.Nature.IsDeviceCreation() {
		f.deviceOwners[b64(sigchain.HashBlock(block))] = userId
	}
}

func (f *fakeTrustchain) userHistoriesByDeviceIds(deviceIds [][]byte) *userHistoriesResponse {
	f.lock.Lock()
	users := utils.Set[string]{}
	var userIds [][]byte
	for _, deviceId := range deviceIds {
		owner, ok := f.deviceOwners[b64(deviceId)]
		if ok && !users.Has(owner) {
			users.Add(owner)
			userId, _ := utils.Base64DecodeString(owner)
			userIds = append(userIds, userId)
		}
	}
	f.lock.Unlock()
	return f.userHistories(userIds)
}

func (f *fakeTrustchain) groupHistories(groupIds []string) []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	result := []string{}
	for _, groupId := range groupIds {
		result = append(result, f.groups[groupId]...)
	}
	return result
}

func (f *fakeTrustchain) checkVerification(userId string, verification *verificationRequest) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	registered := f.verifications[userId]
	if registered == nil || verification == nil || registered.Type != verification.Type ||
		registered.HashedPassphrase != verification.HashedPassphrase || registered.HashedEmail != verification.HashedEmail {
		return tracerr.Wrap(utils.ErrorInvalidVerification.Wrap(utils.APIError{Status: 401, Code: "invalid_passphrase"}))
	}
	return nil
}

// newClient returns a canary answering like the server would, for the user with userId.
func (f *fakeTrustchain) newClient(userId []byte) *canaryTrustchainApiClient {
	user := b64(userId)
	client := newCanaryTrustchainApiClient(nil)
	client.mock("authenticateDevice", func(_ any) ([]byte, error) {
		return nil, nil
	})
	client.mock("getUser", func(_ any) ([]byte, error) {
		if len(f.userHistories([][]byte{userId}).Histories) == 0 {
			return nil, nil
		}
		return json.Marshal(apiUser{Id: user})
	})
	client.mock("getUserHistoriesByUserIds", func(request any) ([]byte, error) {
		return json.Marshal(f.userHistories(request.([][]byte)))
	})
	client.mock("getUserHistoriesByDeviceIds", func(request any) ([]byte, error) {
		return json.Marshal(f.userHistoriesByDeviceIds(request.([][]byte)))
	})
	client.mock("createUser", func(request any) ([]byte, error) {
		r := request.(*createUserRequest)
		block, err := sigchain.UnserializeBlockB64(r.GhostDeviceCreation)
		if err != nil {
			return nil, err
		}
		ghost, err := sigchain.DeviceCreationFromBlock(block)
		if err != nil {
			return nil, err
		}
		encryptedVerificationKey, err := utils.Base64DecodeString(r.EncryptedVerificationKey)
		if err != nil {
			return nil, err
		}
		f.lock.Lock()
		f.verificationKeys[r.UserId] = encryptedVerificationKey
		f.verifications[r.UserId] = r.Verification
		f.ghostDevices[b64(ghost.PublicSignatureKey)] = &encryptionKeyResponse{
			EncryptedUserPrivateEncryptionKey: b64(ghost.UserKeyPair.EncryptedPrivateEncryptionKey),
			GhostDeviceId:                     b64(ghost.DeviceId()),
		}
		f.lock.Unlock()
		f.appendBlock(r.UserId, r.GhostDeviceCreation)
		f.appendBlock(r.UserId, r.FirstDeviceCreation)
		return nil, nil
	})
	client.mock("getVerificationKey", func(request any) ([]byte, error) {
		err := f.checkVerification(user, request.(*getVerificationKeyRequest).Verification)
		if err != nil {
			return nil, err
		}
		f.lock.Lock()
		defer f.lock.Unlock()
		return json.Marshal(f.verificationKeys[user])
	})
	client.mock("getEncryptionKey", func(request any) ([]byte, error) {
		f.lock.Lock()
		defer f.lock.Unlock()
		response, ok := f.ghostDevices[b64(request.([]byte))]
		if !ok {
			return nil, tracerr.Wrap(utils.ErrorPreconditionFailed.Wrap(utils.APIError{Status: 404, Code: "device_not_found"}))
		}
		return json.Marshal(response)
	})
	client.mock("createDevice", func(request any) ([]byte, error) {
		f.appendBlock(user, request.(*createDeviceRequest).DeviceCreation)
		return nil, nil
	})
	client.mock("revokeDevice", func(request any) ([]byte, error) {
		f.appendBlock(user, request.(*revokeDeviceRequest).DeviceRevocation)
		return nil, nil
	})
	client.mock("setVerificationMethod", func(request any) ([]byte, error) {
		f.lock.Lock()
		defer f.lock.Unlock()
		f.verifications[user] = request.(*setVerificationMethodRequest).Verification
		return nil, nil
	})
	client.mock("getVerificationMethods", func(_ any) ([]byte, error) {
		f.lock.Lock()
		defer f.lock.Unlock()
		registered := f.verifications[user]
		return json.Marshal([]verificationMethodResponse{{Type: registered.Type, EncryptedEmail: registered.EncryptedEmail}})
	})
	client.mock("getKeyPublishes", func(request any) ([]byte, error) {
		f.lock.Lock()
		defer f.lock.Unlock()
		var result []string
		for _, resourceId := range request.([][]byte) {
			result = append(result, f.keyPublishes[b64(resourceId)]...)
		}
		return json.Marshal(result)
	})
	client.mock("publishResourceKeys", func(request any) ([]byte, error) {
		for _, b64Block := range request.(*publishResourceKeysRequest).KeyPublishes {
			block, err := sigchain.UnserializeBlockB64(b64Block)
			if err != nil {
				return nil, err
			}
			keyPublish, err := sigchain.KeyPublishFromBlock(block)
			if err != nil {
				return nil, err
			}
			f.lock.Lock()
			f.keyPublishes[b64(keyPublish.ResourceId)] = append(f.keyPublishes[b64(keyPublish.ResourceId)], b64Block)
			f.lock.Unlock()
		}
		return nil, nil
	})
	client.mock("createGroup", func(request any) ([]byte, error) {
		b64Block := request.(*groupRequest).UserGroupCreation
		block, err := sigchain.UnserializeBlockB64(b64Block)
		if err != nil {
			return nil, err
		}
		creation, err := sigchain.UserGroupCreationFromBlock(block)
		if err != nil {
			return nil, err
		}
		f.lock.Lock()
		defer f.lock.Unlock()
		groupId := b64(creation.GroupId())
		f.groups[groupId] = []string{b64Block}
		f.groupIds[b64(creation.PublicEncryptionKey)] = groupId
		return nil, nil
	})
	client.mock("patchGroup", func(request any) ([]byte, error) {
		b64Block := request.(*groupRequest).UserGroupAddition
		block, err := sigchain.UnserializeBlockB64(b64Block)
		if err != nil {
			return nil, err
		}
		addition, err := sigchain.UserGroupAdditionFromBlock(block)
		if err != nil {
			return nil, err
		}
		f.lock.Lock()
		defer f.lock.Unlock()
		groupId := b64(addition.GroupId)
		if _, ok := f.groups[groupId]; !ok {
			return nil, tracerr.Wrap(utils.ErrorPreconditionFailed.Wrap(utils.APIError{Status: 404, Code: "group_not_found"}))
		}
		f.groups[groupId] = append(f.groups[groupId], b64Block)
		return nil, nil
	})
	client.mock("getGroupHistoriesByGroupIds", func(request any) ([]byte, error) {
		return json.Marshal(f.groupHistories(utils.SliceMap(request.([][]byte), b64)))
	})
	client.mock("getGroupHistoriesByGroupPublicEncryptionKey", func(request any) ([]byte, error) {
		f.lock.Lock()
		groupId, ok := f.groupIds[b64(request.([]byte))]
		f.lock.Unlock()
		if !ok {
			return json.Marshal([]string{})
		}
		return json.Marshal(f.groupHistories([]string{groupId}))
	})
	client.mock("getPublicProvisionalIdentities", func(request any) ([]byte, error) {
		f.lock.Lock()
		defer f.lock.Unlock()
		result := map[string]publicProvisionalIdentity{}
		for _, hashedEmail := range request.([][]byte) {
			tanker, ok := f.tankerKeys[b64(hashedEmail)]
			if !ok {
				continue
			}
			result[b64(hashedEmail)] = publicProvisionalIdentity{
				TankerPublicSignatureKey:  tanker.PublicSignatureKey,
				TankerPublicEncryptionKey: tanker.PublicEncryptionKey,
			}
		}
		return json.Marshal(result)
	})
	client.mock("getProvisionalIdentity", func(request any) ([]byte, error) {
		r := request.(*getProvisionalIdentityRequest)
		f.lock.Lock()
		defer f.lock.Unlock()
		tanker, ok := f.tankerKeys[identity.HashProvisionalEmail(r.Email)]
		if !ok {
			return nil, nil
		}
		return json.Marshal(tanker)
	})
	client.mock("claimProvisionalIdentity", func(request any) ([]byte, error) {
		claim := request.(*claimProvisionalIdentityRequest).ProvisionalIdentityClaim
		f.lock.Lock()
		defer f.lock.Unlock()
		f.claims = append(f.claims, provisionalIdentityClaim{
			AppSignaturePublicKey:    claim.AppSignaturePublicKey,
			TankerSignaturePublicKey: claim.TankerSignaturePublicKey,
			RecipientUserPublicKey:   claim.RecipientUserPublicKey,
			EncryptedPrivateKeys:     claim.EncryptedPrivateKeys,
		})
		return nil, nil
	})
	client.mock("getProvisionalIdentityClaims", func(_ any) ([]byte, error) {
		f.lock.Lock()
		defer f.lock.Unlock()
		return json.Marshal(append([]provisionalIdentityClaim{}, f.claims...))
	})
	return client
}

// registerProvisionalEmail creates the server half of the provisional identity of email.
func (f *fakeTrustchain) registerProvisionalEmail(email string) {
	signKey, err := asymkey.GenerateSignKeyPair()
	require.NoError(f.t, err)
	encryptionKey, err := asymkey.GenerateEncryptionKeyPair()
	require.NoError(f.t, err)
	f.lock.Lock()
	defer f.lock.Unlock()
	f.tankerKeys[identity.HashProvisionalEmail(email)] = &tankerProvisionalIdentity{
		PublicSignatureKey:   b64(signKey.PublicKey),
		PrivateSignatureKey:  b64(signKey.PrivateKey),
		PublicEncryptionKey:  b64(encryptionKey.PublicKey),
		PrivateEncryptionKey: b64(encryptionKey.PrivateKey),
	}
}
