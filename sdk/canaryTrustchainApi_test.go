package sdk

import (
	"context"
	"encoding/json"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"sync"
)

var errorCanaryNotMocked = utils.NewSealdError(utils.KindInternal, "CANARY_NOT_MOCKED", "canary has no mock nor client for this call")

func newCanaryTrustchainApiClient(client trustchainApiClientInterface) *canaryTrustchainApiClient {
	return &canaryTrustchainApiClient{Client: client, ToExecute: make(map[string]func(any) ([]byte, error)), Counter: make(map[string]int)}
}

// canaryTrustchainApiClient counts the calls, and replaces those having a ToExecute entry. The others go to Client.
type canaryTrustchainApiClient struct {
	Client    trustchainApiClientInterface
	ToExecute map[string]func(request any) ([]byte, error)
	Counter   map[string]int
	lock      sync.Mutex
	closed    []string
}

func (c *canaryTrustchainApiClient) count(funcName string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.Counter[funcName]
}

func (c *canaryTrustchainApiClient) mock(funcName string, f func(request any) ([]byte, error)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.ToExecute[funcName] = f
}

// executeTrustchainApiCanary reports whether the call was mocked. A mock returning no bytes gives a nil result.
func executeTrustchainApiCanary[U any](c *canaryTrustchainApiClient, funcName string, request any) (*U, bool, error) {
	c.lock.Lock()
	c.Counter[funcName] += 1
	toExecute := c.ToExecute[funcName]
	c.lock.Unlock()
	if toExecute == nil {
		if c.Client == nil {
			return nil, true, tracerr.Wrap(errorCanaryNotMocked.AddDetails(funcName))
		}
		return nil, false, nil
	}
	res, err := toExecute(request)
	if err != nil {
		return nil, true, tracerr.Wrap(err)
	}
	if res == nil {
		return nil, true, nil
	}
	var response U
	err = json.Unmarshal(res, &response)
	if err != nil {
		return nil, true, tracerr.Wrap(err)
	}
	return &response, true, nil
}

func executeTrustchainApiCanaryNoResult(c *canaryTrustchainApiClient, funcName string, request any) (bool, error) {
	_, mocked, err := executeTrustchainApiCanary[struct{}](c, funcName, request)
	return mocked, err
}

func (c *canaryTrustchainApiClient) setDevice(deviceId []byte, signKey *asymkey.SignKeyPair) {
	c.lock.Lock()
	c.Counter["setDevice"] += 1
	c.lock.Unlock()
	if c.Client != nil {
		c.Client.setDevice(deviceId, signKey)
	}
}

func (c *canaryTrustchainApiClient) authenticateDevice(ctx context.Context, deviceId []byte, signKey *asymkey.SignKeyPair) error {
	mocked, err := executeTrustchainApiCanaryNoResult(c, "authenticateDevice", deviceId)
	if mocked {
		return err
	}
	return c.Client.authenticateDevice(ctx, deviceId, signKey)
}

func (c *canaryTrustchainApiClient) isRevoked() bool {
	if c.Client == nil {
		return false
	}
	return c.Client.isRevoked()
}

func (c *canaryTrustchainApiClient) close(reason string) {
	c.lock.Lock()
	c.Counter["close"] += 1
	c.closed = append(c.closed, reason)
	c.lock.Unlock()
	if c.Client != nil {
		c.Client.close(reason)
	}
}

func (c *canaryTrustchainApiClient) getUser(ctx context.Context) (*apiUser, error) {
	res, mocked, err := executeTrustchainApiCanary[apiUser](c, "getUser", nil)
	if mocked {
		return res, err
	}
	return c.Client.getUser(ctx)
}

func (c *canaryTrustchainApiClient) createUser(ctx context.Context, deviceId []byte, signKey *asymkey.SignKeyPair, request *createUserRequest) error {
	mocked, err := executeTrustchainApiCanaryNoResult(c, "createUser", request)
	if mocked {
		return err
	}
	return c.Client.createUser(ctx, deviceId, signKey, request)
}

func (c *canaryTrustchainApiClient) createDevice(ctx context.Context, deviceId []byte, signKey *asymkey.SignKeyPair, request *createDeviceRequest) error {
	mocked, err := executeTrustchainApiCanaryNoResult(c, "createDevice", request)
	if mocked {
		return err
	}
	return c.Client.createDevice(ctx, deviceId, signKey, request)
}

func (c *canaryTrustchainApiClient) getUserHistoriesByUserIds(ctx context.Context, userIds [][]byte) (*userHistoriesResponse, error) {
	res, mocked, err := executeTrustchainApiCanary[userHistoriesResponse](c, "getUserHistoriesByUserIds", userIds)
	if mocked {
		return res, err
	}
	return c.Client.getUserHistoriesByUserIds(ctx, userIds)
}

func (c *canaryTrustchainApiClient) getUserHistoriesByDeviceIds(ctx context.Context, deviceIds [][]byte) (*userHistoriesResponse, error) {
	res, mocked, err := executeTrustchainApiCanary[userHistoriesResponse](c, "getUserHistoriesByDeviceIds", deviceIds)
	if mocked {
		return res, err
	}
	return c.Client.getUserHistoriesByDeviceIds(ctx, deviceIds)
}

func (c *canaryTrustchainApiClient) getVerificationMethods(ctx context.Context) ([]verificationMethodResponse, error) {
	res, mocked, err := executeTrustchainApiCanary[[]verificationMethodResponse](c, "getVerificationMethods", nil)
	if mocked {
		if res == nil {
			return nil, err
		}
		return *res, err
	}
	return c.Client.getVerificationMethods(ctx)
}

func (c *canaryTrustchainApiClient) setVerificationMethod(ctx context.Context, request *setVerificationMethodRequest) error {
	mocked, err := executeTrustchainApiCanaryNoResult(c, "setVerificationMethod", request)
	if mocked {
		return err
	}
	return c.Client.setVerificationMethod(ctx, request)
}

func (c *canaryTrustchainApiClient) getVerificationKey(ctx context.Context, request *getVerificationKeyRequest) ([]byte, error) {
	res, mocked, err := executeTrustchainApiCanary[[]byte](c, "getVerificationKey", request)
	if mocked {
		if res == nil {
			return nil, err
		}
		return *res, err
	}
	return c.Client.getVerificationKey(ctx, request)
}

func (c *canaryTrustchainApiClient) getEncryptionKey(ctx context.Context, ghostDevicePublicSignatureKey []byte) (*encryptionKeyResponse, error) {
	res, mocked, err := executeTrustchainApiCanary[encryptionKeyResponse](c, "getEncryptionKey", ghostDevicePublicSignatureKey)
	if mocked {
		return res, err
	}
	return c.Client.getEncryptionKey(ctx, ghostDevicePublicSignatureKey)
}

func (c *canaryTrustchainApiClient) getKeyPublishes(ctx context.Context, resourceIds [][]byte) ([]string, error) {
	res, mocked, err := executeTrustchainApiCanary[[]string](c, "getKeyPublishes", resourceIds)
	if mocked {
		if res == nil {
			return nil, err
		}
		return *res, err
	}
	return c.Client.getKeyPublishes(ctx, resourceIds)
}

func (c *canaryTrustchainApiClient) publishResourceKeys(ctx context.Context, request *publishResourceKeysRequest) error {
	mocked, err := executeTrustchainApiCanaryNoResult(c, "publishResourceKeys", request)
	if mocked {
		return err
	}
	return c.Client.publishResourceKeys(ctx, request)
}

func (c *canaryTrustchainApiClient) revokeDevice(ctx context.Context, request *revokeDeviceRequest) error {
	mocked, err := executeTrustchainApiCanaryNoResult(c, "revokeDevice", request)
	if mocked {
		return err
	}
	return c.Client.revokeDevice(ctx, request)
}

func (c *canaryTrustchainApiClient) createGroup(ctx context.Context, request *groupRequest) error {
	mocked, err := executeTrustchainApiCanaryNoResult(c, "createGroup", request)
	if mocked {
		return err
	}
	return c.Client.createGroup(ctx, request)
}

func (c *canaryTrustchainApiClient) patchGroup(ctx context.Context, request *groupRequest) error {
	mocked, err := executeTrustchainApiCanaryNoResult(c, "patchGroup", request)
	if mocked {
		return err
	}
	return c.Client.patchGroup(ctx, request)
}

func (c *canaryTrustchainApiClient) getGroupHistoriesByGroupIds(ctx context.Context, groupIds [][]byte) ([]string, error) {
	res, mocked, err := executeTrustchainApiCanary[[]string](c, "getGroupHistoriesByGroupIds", groupIds)
	if mocked {
		if res == nil {
			return nil, err
		}
		return *res, err
	}
	return c.Client.getGroupHistoriesByGroupIds(ctx, groupIds)
}

func (c *canaryTrustchainApiClient) getGroupHistoriesByGroupPublicEncryptionKey(ctx context.Context, publicEncryptionKey []byte) ([]string, error) {
	res, mocked, err := executeTrustchainApiCanary[[]string](c, "getGroupHistoriesByGroupPublicEncryptionKey", publicEncryptionKey)
	if mocked {
		if res == nil {
			return nil, err
		}
		return *res, err
	}
	return c.Client.getGroupHistoriesByGroupPublicEncryptionKey(ctx, publicEncryptionKey)
}

func (c *canaryTrustchainApiClient) getFileUploadURL(ctx context.Context, resourceId []byte, metadata string, uploadContentLength int) (*fileURLResponse, error) {
	res, mocked, err := executeTrustchainApiCanary[fileURLResponse](c, "getFileUploadURL", resourceId)
	if mocked {
		return res, err
	}
	return c.Client.getFileUploadURL(ctx, resourceId, metadata, uploadContentLength)
}

func (c *canaryTrustchainApiClient) getFileDownloadURL(ctx context.Context, resourceId []byte) (*fileURLResponse, error) {
	res, mocked, err := executeTrustchainApiCanary[fileURLResponse](c, "getFileDownloadURL", resourceId)
	if mocked {
		return res, err
	}
	return c.Client.getFileDownloadURL(ctx, resourceId)
}

func (c *canaryTrustchainApiClient) getPublicProvisionalIdentities(ctx context.Context, hashedEmails [][]byte) (map[string]publicProvisionalIdentity, error) {
	res, mocked, err := executeTrustchainApiCanary[map[string]publicProvisionalIdentity](c, "getPublicProvisionalIdentities", hashedEmails)
	if mocked {
		if res == nil {
			return nil, err
		}
		return *res, err
	}
	return c.Client.getPublicProvisionalIdentities(ctx, hashedEmails)
}

func (c *canaryTrustchainApiClient) getProvisionalIdentityClaims(ctx context.Context) ([]provisionalIdentityClaim, error) {
	res, mocked, err := executeTrustchainApiCanary[[]provisionalIdentityClaim](c, "getProvisionalIdentityClaims", nil)
	if mocked {
		if res == nil {
			return nil, err
		}
		return *res, err
	}
	return c.Client.getProvisionalIdentityClaims(ctx)
}

func (c *canaryTrustchainApiClient) getProvisionalIdentity(ctx context.Context, request *getProvisionalIdentityRequest) (*tankerProvisionalIdentity, error) {
	res, mocked, err := executeTrustchainApiCanary[tankerProvisionalIdentity](c, "getProvisionalIdentity", request)
	if mocked {
		return res, err
	}
	return c.Client.getProvisionalIdentity(ctx, request)
}

func (c *canaryTrustchainApiClient) claimProvisionalIdentity(ctx context.Context, request *claimProvisionalIdentityRequest) error {
	mocked, err := executeTrustchainApiCanaryNoResult(c, "claimProvisionalIdentity", request)
	if mocked {
		return err
	}
	return c.Client.claimProvisionalIdentity(ctx, request)
}
