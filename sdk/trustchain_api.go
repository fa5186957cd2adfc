package sdk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/api_helper"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MaxQueryStringItems is the maximum number of ids sent in one query string.
const MaxQueryStringItems = 100

var (
	// ErrorApiNoDevice is returned when trying to authenticate before a device is known
	ErrorApiNoDevice = utils.NewSealdError(utils.KindInternal, "API_NO_DEVICE", "assertion error: trying to authenticate without a device")
	// ErrorApiInvalidResponse is returned when the server response cannot be parsed
	ErrorApiInvalidResponse = utils.NewSealdError(utils.KindInternal, "API_INVALID_RESPONSE", "invalid response from server")
	// ErrorApiClosed is returned by calls made after the client was closed
	ErrorApiClosed = utils.NewSealdError(utils.KindOperationCanceled, "API_CLOSED", "client closed")
)

var invalidVerificationCodes = utils.Set[string]{
	"invalid_passphrase":          {},
	"invalid_verification_code":   {},
	"verification_code_expired":   {},
	"invalid_oidc_id_token":       {},
	"verification_method_not_set": {},
	"verification_key_not_found":  {},
}

// classifyApiError maps a utils.APIError to the error kinds of this package. The APIError stays reachable with errors.As.
func classifyApiError(err error) error {
	var apiError utils.APIError
	if !errors.As(err, &apiError) {
		return tracerr.Wrap(utils.ErrorInternal.Wrap(err))
	}
	switch {
	case apiError.Status == 0:
		return tracerr.Wrap(utils.ErrorNetwork.Wrap(apiError))
	case apiError.Status >= 500:
		return tracerr.Wrap(utils.ErrorInternal.Wrap(apiError))
	case apiError.Code == "device_revoked":
		return tracerr.Wrap(utils.ErrorDeviceRevoked.Wrap(apiError))
	case invalidVerificationCodes.Has(apiError.Code):
		return tracerr.Wrap(utils.ErrorInvalidVerification.Wrap(apiError))
	case apiError.Status == http.StatusBadRequest:
		return tracerr.Wrap(utils.ErrorInvalidArgument.Wrap(apiError))
	}
	switch apiError.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusGone, http.StatusTooManyRequests:
		return tracerr.Wrap(utils.ErrorPreconditionFailed.Wrap(apiError))
	}
	return tracerr.Wrap(utils.ErrorInternal.Wrap(apiError))
}

func isApiCode(err error, code string) bool {
	return errors.Is(err, utils.APIError{Code: code})
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func idsQuery(name string, ids [][]byte) string {
	return name + "[]=" + strings.Join(utils.SliceMap(ids, utils.Urlize), "&"+name+"[]=")
}

type trustchainApiClientInterface interface {
	setDevice(deviceId []byte, signKey *asymkey.SignKeyPair)
	authenticateDevice(ctx context.Context, deviceId []byte, signKey *asymkey.SignKeyPair) error
	isRevoked() bool
	close(reason string)
	getUser(ctx context.Context) (*apiUser, error)
	createUser(ctx context.Context, deviceId []byte, signKey *asymkey.SignKeyPair, request *createUserRequest) error
	createDevice(ctx context.Context, deviceId []byte, signKey *asymkey.SignKeyPair, request *createDeviceRequest) error
	getUserHistoriesByUserIds(ctx context.Context, userIds [][]byte) (*userHistoriesResponse, error)
	getUserHistoriesByDeviceIds(ctx context.Context, deviceIds [][]byte) (*userHistoriesResponse, error)
	getVerificationMethods(ctx context.Context) ([]verificationMethodResponse, error)
	setVerificationMethod(ctx context.Context, request *setVerificationMethodRequest) error
	getVerificationKey(ctx context.Context, request *getVerificationKeyRequest) ([]byte, error)
	getEncryptionKey(ctx context.Context, ghostDevicePublicSignatureKey []byte) (*encryptionKeyResponse, error)
	getKeyPublishes(ctx context.Context, resourceIds [][]byte) ([]string, error)
	publishResourceKeys(ctx context.Context, request *publishResourceKeysRequest) error
	revokeDevice(ctx context.Context, request *revokeDeviceRequest) error
	createGroup(ctx context.Context, request *groupRequest) error
	patchGroup(ctx context.Context, request *groupRequest) error
	getGroupHistoriesByGroupIds(ctx context.Context, groupIds [][]byte) ([]string, error)
	getGroupHistoriesByGroupPublicEncryptionKey(ctx context.Context, publicEncryptionKey []byte) ([]string, error)
	getFileUploadURL(ctx context.Context, resourceId []byte, metadata string, uploadContentLength int) (*fileURLResponse, error)
	getFileDownloadURL(ctx context.Context, resourceId []byte) (*fileURLResponse, error)
	getPublicProvisionalIdentities(ctx context.Context, hashedEmails [][]byte) (map[string]publicProvisionalIdentity, error)
	getProvisionalIdentityClaims(ctx context.Context) ([]provisionalIdentityClaim, error)
	getProvisionalIdentity(ctx context.Context, request *getProvisionalIdentityRequest) (*tankerProvisionalIdentity, error)
	claimProvisionalIdentity(ctx context.Context, request *claimProvisionalIdentityRequest) error
}

type trustchainApiClient struct {
	api_helper.ApiClient
	appId    []byte
	userId   []byte
	rootPath string

	lock        sync.RWMutex // guards accessToken, deviceId and signKey
	accessToken string
	deviceId    []byte
	signKey     *asymkey.SignKeyPair

	authGroup      singleflight.Group
	authenticating atomic.Bool
	authDone       chan struct{}
	authDoneLock   sync.Mutex

	revoked      atomic.Bool
	closeCtx     context.Context
	closeCancel  context.CancelCauseFunc
	closeOnce    sync.Once
	retryBackOff func() backoff.BackOff

	authenticationsCounter *prometheus.CounterVec
}

type trustchainApiClientOptions struct {
	ApiURL            string
	SdkType           string
	SdkVersion        string
	HttpClient        *http.Client
	RetryBackOff      func() backoff.BackOff
	RequestsPerSecond float64
	MetricsRegisterer prometheus.Registerer
}

func defaultRetryBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

func newTrustchainApiClient(appId []byte, userId []byte, options trustchainApiClientOptions, logger zerolog.Logger) (*trustchainApiClient, error) {
	apiClient := api_helper.NewApiClient(
		options.ApiURL,
		[]api_helper.Header{
			{Name: "X-Seald-Sdktype", Value: options.SdkType},
			{Name: "X-Seald-Sdkversion", Value: options.SdkVersion},
		},
		logger,
	).WithHttpClient(options.HttpClient)
	if options.RequestsPerSecond > 0 {
		apiClient.Limiter = rate.NewLimiter(rate.Limit(options.RequestsPerSecond), 1)
	}
	client := &trustchainApiClient{
		ApiClient:    *apiClient,
		appId:        appId,
		userId:       userId,
		rootPath:     "/v2/apps/" + utils.Urlize(appId),
		retryBackOff: options.RetryBackOff,
	}
	if client.retryBackOff == nil {
		client.retryBackOff = defaultRetryBackOff
	}
	if options.MetricsRegisterer != nil {
		requestsCounter, err := api_helper.NewRequestsCounter(options.MetricsRegisterer)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		client.RequestsCounter = requestsCounter
		client.authenticationsCounter, err = newAuthenticationsCounter(options.MetricsRegisterer)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	client.closeCtx, client.closeCancel = context.WithCancelCause(context.Background())
	return client, nil
}

func newAuthenticationsCounter(registerer prometheus.Registerer) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustchain_authentications_total",
		Help: "Number of device authentications, by result.",
	}, []string{"result"})
	err := registerer.Register(counter)
	if err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			return alreadyRegistered.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, tracerr.Wrap(err)
	}
	return counter, nil
}

func (apiClient *trustchainApiClient) countAuthentication(result string) {
	if apiClient.authenticationsCounter != nil {
		apiClient.authenticationsCounter.WithLabelValues(result).Inc()
	}
}

func (apiClient *trustchainApiClient) isRevoked() bool {
	return apiClient.revoked.Load()
}

func (apiClient *trustchainApiClient) markRevoked() {
	apiClient.revoked.Store(true)
	apiClient.lock.Lock()
	apiClient.accessToken = ""
	apiClient.lock.Unlock()
}

func (apiClient *trustchainApiClient) setDevice(deviceId []byte, signKey *asymkey.SignKeyPair) {
	apiClient.lock.Lock()
	defer apiClient.lock.Unlock()
	apiClient.deviceId = deviceId
	apiClient.signKey = signKey
}

func (apiClient *trustchainApiClient) setAccessToken(accessToken string) {
	apiClient.lock.Lock()
	defer apiClient.lock.Unlock()
	apiClient.accessToken = accessToken
}

// close cancels every pending call with reason, and forgets the credentials. Calling it again does nothing.
func (apiClient *trustchainApiClient) close(reason string) {
	apiClient.closeOnce.Do(func() {
		apiClient.Logger.Debug().Str("reason", reason).Msg("Closing client")
		apiClient.closeCancel(errors.New(reason))
		apiClient.lock.Lock()
		defer apiClient.lock.Unlock()
		apiClient.accessToken = ""
		apiClient.deviceId = nil
		apiClient.signKey = nil
	})
}

func (apiClient *trustchainApiClient) closedError() error {
	return tracerr.Wrap(utils.ErrorOperationCanceled.AddDetails(context.Cause(apiClient.closeCtx).Error()))
}

// cancelable runs f with a context that is also cancelled when the client is closed.
// f races the close and ctx: if either comes first, the result is an OperationCanceled error, whatever f later returns.
func (apiClient *trustchainApiClient) cancelable(ctx context.Context, f func(ctx context.Context) error) error {
	if apiClient.closeCtx.Err() != nil {
		return tracerr.Wrap(ErrorApiClosed.AddDetails(context.Cause(apiClient.closeCtx).Error()))
	}
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(apiClient.closeCtx, func() {
		cancel(context.Cause(apiClient.closeCtx))
	})
	defer stop()

	// buffered, so that f can finish after we stopped waiting
	result := make(chan error, 1)
	go func() {
		result <- f(callCtx)
	}()

	select {
	case err := <-result:
		if err == nil {
			return nil
		}
		if apiClient.closeCtx.Err() != nil {
			return apiClient.closedError()
		}
		if ctx.Err() != nil {
			return tracerr.Wrap(utils.ErrorOperationCanceled.Wrap(context.Cause(ctx)))
		}
		return err
	case <-apiClient.closeCtx.Done():
		return apiClient.closedError()
	case <-ctx.Done():
		return tracerr.Wrap(utils.ErrorOperationCanceled.Wrap(context.Cause(ctx)))
	}
}

// baseApiCall sends one request under the root path, with the access token if one is held.
func (apiClient *trustchainApiClient) baseApiCall(ctx context.Context, method string, path string, body any, result any) error {
	var requestBody []byte
	if body != nil {
		var err error
		requestBody, err = json.Marshal(body)
		if err != nil {
			return tracerr.Wrap(err)
		}
	}
	var headers []api_helper.Header
	apiClient.lock.RLock()
	accessToken := apiClient.accessToken
	apiClient.lock.RUnlock()
	if accessToken != "" && !apiClient.revoked.Load() {
		headers = append(headers, api_helper.Header{Name: "Authorization", Value: "Bearer " + accessToken})
	}

	responseBody, err := apiClient.MakeRequest(ctx, method, apiClient.rootPath+path, requestBody, headers, http.StatusOK)
	if err != nil {
		classified := classifyApiError(err)
		if errors.Is(classified, utils.KindDeviceRevoked) {
			apiClient.markRevoked()
		}
		return classified
	}
	if result != nil && len(responseBody) != 0 {
		err = json.Unmarshal(responseBody, result)
		if err != nil {
			return tracerr.Wrap(ErrorApiInvalidResponse.Wrap(err))
		}
	}
	return nil
}

func (apiClient *trustchainApiClient) waitAuthentication(ctx context.Context) error {
	if !apiClient.authenticating.Load() {
		return nil
	}
	apiClient.authDoneLock.Lock()
	done := apiClient.authDone
	apiClient.authDoneLock.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return tracerr.Wrap(context.Cause(ctx))
	}
}

// apiCall is baseApiCall, plus: it waits for an authentication in progress, it re-authenticates and retries once
// when the token is rejected, and it is cancelled when the client is closed.
func (apiClient *trustchainApiClient) apiCall(ctx context.Context, method string, path string, body any, result any) error {
	return apiClient.cancelable(ctx, func(ctx context.Context) error {
		if apiClient.revoked.Load() {
			return tracerr.Wrap(utils.ErrorDeviceRevoked)
		}
		err := apiClient.waitAuthentication(ctx)
		if err != nil {
			return err
		}

		attempt := 0
		operation := func() error {
			attempt++
			err := apiClient.baseApiCall(ctx, method, path, body, result)
			if err == nil {
				return nil
			}
			if attempt == 1 && errors.Is(err, utils.KindPreconditionFailed) && isApiCode(err, "invalid_token") {
				apiClient.setAccessToken("")
				authErr := apiClient.authenticate(ctx)
				if authErr != nil {
					return backoff.Permanent(authErr)
				}
				if apiClient.revoked.Load() {
					return backoff.Permanent(tracerr.Wrap(utils.ErrorDeviceRevoked))
				}
				return err
			}
			return backoff.Permanent(err)
		}
		notify := func(err error, d time.Duration) {
			apiClient.Logger.Debug().Err(err).Dur("delay", d).Msg("Token rejected, retrying after re-authentication")
		}
		return backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(apiClient.retryBackOff(), 1), ctx), notify)
	})
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type sessionRequest struct {
	Signature string `json:"signature"`
	Challenge string `json:"challenge"`
}

type sessionResponse struct {
	AccessToken string `json:"access_token"`
	IsRevoked   bool   `json:"is_revoked"`
}

func (apiClient *trustchainApiClient) doAuthenticate() error {
	apiClient.lock.RLock()
	deviceId := apiClient.deviceId
	signKey := apiClient.signKey
	apiClient.lock.RUnlock()
	if deviceId == nil || signKey == nil {
		return tracerr.Wrap(ErrorApiNoDevice)
	}
	// uses the close context only, so that a caller giving up does not fail the others waiting on this attempt
	ctx := apiClient.closeCtx

	var challenge challengeResponse
	err := apiClient.baseApiCall(ctx, "POST", "/devices/"+utils.Urlize(deviceId)+"/challenges", nil, &challenge)
	if err != nil {
		return err
	}
	signature := signKey.Sign([]byte(challenge.Challenge))
	var session sessionResponse
	err = apiClient.baseApiCall(ctx, "POST", "/devices/"+utils.Urlize(deviceId)+"/sessions", &sessionRequest{Signature: b64(signature), Challenge: challenge.Challenge}, &session)
	if err != nil {
		return err
	}
	if session.IsRevoked {
		apiClient.markRevoked()
		return nil
	}
	apiClient.setAccessToken(session.AccessToken)
	return nil
}

// authenticate gets a new access token. Concurrent calls share the same attempt.
func (apiClient *trustchainApiClient) authenticate(ctx context.Context) error {
	return apiClient.cancelable(ctx, func(ctx context.Context) error {
		resultChan := apiClient.authGroup.DoChan("authenticate", func() (interface{}, error) {
			done := make(chan struct{})
			apiClient.authDoneLock.Lock()
			apiClient.authDone = done
			apiClient.authDoneLock.Unlock()
			apiClient.authenticating.Store(true)
			defer func() {
				apiClient.authenticating.Store(false)
				close(done)
			}()

			err := apiClient.doAuthenticate()
			if err != nil {
				apiClient.countAuthentication("error")
				apiClient.Logger.Debug().Err(err).Msg("Authentication failed")
				return nil, err
			}
			apiClient.countAuthentication(utils.Ternary(apiClient.revoked.Load(), "revoked", "success"))
			return nil, nil
		})
		select {
		case result := <-resultChan:
			return result.Err
		case <-ctx.Done():
			return tracerr.Wrap(context.Cause(ctx))
		}
	})
}

// authenticateDevice records the device credentials, then authenticates. It fails with DeviceRevoked if the server
// reports the device as revoked.
func (apiClient *trustchainApiClient) authenticateDevice(ctx context.Context, deviceId []byte, signKey *asymkey.SignKeyPair) error {
	apiClient.setDevice(deviceId, signKey)
	err := apiClient.authenticate(ctx)
	if err != nil {
		return err
	}
	if apiClient.revoked.Load() {
		return tracerr.Wrap(utils.ErrorDeviceRevoked)
	}
	return nil
}

type apiUser struct {
	Id string `json:"id"`
}

type getUserResponse struct {
	User *apiUser `json:"user"`
}

// getUser returns nil if the user does not exist.
func (apiClient *trustchainApiClient) getUser(ctx context.Context) (*apiUser, error) {
	var response getUserResponse
	err := apiClient.apiCall(ctx, "GET", "/users/"+utils.Urlize(apiClient.userId), nil, &response)
	if err != nil {
		if isApiCode(err, "app_not_found") {
			return nil, tracerr.Wrap(utils.ErrorPreconditionFailed.Wrap(err))
		}
		if isApiCode(err, "user_not_found") {
			return nil, nil
		}
		return nil, err
	}
	if response.User == nil {
		return nil, tracerr.Wrap(ErrorApiInvalidResponse.AddDetails("missing user"))
	}
	return response.User, nil
}

type createUserRequest struct {
	AppId                    string               `json:"app_id"`
	UserId                   string               `json:"user_id"`
	GhostDeviceCreation      string               `json:"ghost_device_creation"`
	FirstDeviceCreation      string               `json:"first_device_creation"`
	EncryptedVerificationKey string               `json:"encrypted_verification_key"`
	Verification             *verificationRequest `json:"verification"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (apiClient *trustchainApiClient) createUser(ctx context.Context, deviceId []byte, signKey *asymkey.SignKeyPair, request *createUserRequest) error {
	var response accessTokenResponse
	err := apiClient.apiCall(ctx, "POST", "/users/"+utils.Urlize(apiClient.userId), request, &response)
	if err != nil {
		return err
	}
	apiClient.lock.Lock()
	defer apiClient.lock.Unlock()
	apiClient.accessToken = response.AccessToken
	apiClient.deviceId = deviceId
	apiClient.signKey = signKey
	return nil
}

type createDeviceRequest struct {
	DeviceCreation string `json:"device_creation"`
}

func (apiClient *trustchainApiClient) createDevice(ctx context.Context, deviceId []byte, signKey *asymkey.SignKeyPair, request *createDeviceRequest) error {
	var response accessTokenResponse
	err := apiClient.apiCall(ctx, "POST", "/devices", request, &response)
	if err != nil {
		return err
	}
	apiClient.lock.Lock()
	defer apiClient.lock.Unlock()
	apiClient.accessToken = response.AccessToken
	apiClient.deviceId = deviceId
	apiClient.signKey = signKey
	return nil
}

// userHistoriesResponse holds the b64 trustchain root block, and the b64 blocks of the requested users.
type userHistoriesResponse struct {
	Root      string   `json:"root"`
	Histories []string `json:"histories"`
}

func (apiClient *trustchainApiClient) getUserHistories(ctx context.Context, name string, ids [][]byte) (*userHistoriesResponse, error) {
	result := &userHistoriesResponse{Histories: []string{}}
	for _, batch := range utils.ChunkSlice(ids, MaxQueryStringItems) {
		var response userHistoriesResponse
		err := apiClient.apiCall(ctx, "GET", "/user-histories?"+idsQuery(name, batch), nil, &response)
		if err != nil {
			return nil, err
		}
		result.Root = response.Root
		result.Histories = append(result.Histories, response.Histories...)
	}
	return result, nil
}

func (apiClient *trustchainApiClient) getUserHistoriesByUserIds(ctx context.Context, userIds [][]byte) (*userHistoriesResponse, error) {
	return apiClient.getUserHistories(ctx, "user_ids", userIds)
}

func (apiClient *trustchainApiClient) getUserHistoriesByDeviceIds(ctx context.Context, deviceIds [][]byte) (*userHistoriesResponse, error) {
	return apiClient.getUserHistories(ctx, "device_ids", deviceIds)
}

type verificationMethodResponse struct {
	Type           VerificationMethodType `json:"type"`
	EncryptedEmail string                 `json:"encrypted_email,omitempty"`
}

type getVerificationMethodsResponse struct {
	VerificationMethods []verificationMethodResponse `json:"verification_methods"`
}

func (apiClient *trustchainApiClient) getVerificationMethods(ctx context.Context) ([]verificationMethodResponse, error) {
	var response getVerificationMethodsResponse
	err := apiClient.apiCall(ctx, "GET", "/users/"+utils.Urlize(apiClient.userId)+"/verification-methods", nil, &response)
	if err != nil {
		return nil, err
	}
	return response.VerificationMethods, nil
}

type setVerificationMethodRequest struct {
	Verification *verificationRequest `json:"verification"`
}

func (apiClient *trustchainApiClient) setVerificationMethod(ctx context.Context, request *setVerificationMethodRequest) error {
	return apiClient.apiCall(ctx, "POST", "/users/"+utils.Urlize(apiClient.userId)+"/verification-methods", request, nil)
}

type getVerificationKeyRequest struct {
	Verification *verificationRequest `json:"verification"`
}

type getVerificationKeyResponse struct {
	EncryptedVerificationKey string `json:"encrypted_verification_key"`
}

func (apiClient *trustchainApiClient) getVerificationKey(ctx context.Context, request *getVerificationKeyRequest) ([]byte, error) {
	var response getVerificationKeyResponse
	err := apiClient.apiCall(ctx, "POST", "/users/"+utils.Urlize(apiClient.userId)+"/verification-key", request, &response)
	if err != nil {
		return nil, err
	}
	key, err := utils.Base64DecodeString(response.EncryptedVerificationKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorApiInvalidResponse.Wrap(err))
	}
	return key, nil
}

type encryptionKeyResponse struct {
	EncryptedUserPrivateEncryptionKey string `json:"encrypted_user_private_encryption_key"`
	GhostDeviceId                     string `json:"ghost_device_id"`
}

func (apiClient *trustchainApiClient) getEncryptionKey(ctx context.Context, ghostDevicePublicSignatureKey []byte) (*encryptionKeyResponse, error) {
	path := fmt.Sprintf("/users/%s/encryption-key?ghost_device_public_signature_key=%s", utils.Urlize(apiClient.userId), utils.Urlize(ghostDevicePublicSignatureKey))
	var response encryptionKeyResponse
	err := apiClient.apiCall(ctx, "GET", path, nil, &response)
	if err != nil {
		if isApiCode(err, "device_not_found") {
			return nil, tracerr.Wrap(utils.ErrorInvalidVerification.Wrap(err))
		}
		return nil, err
	}
	return &response, nil
}

type getKeyPublishesResponse struct {
	ResourceKeys []string `json:"resource_keys"`
}

// getKeyPublishes returns the b64 key publish blocks of the resources, in request order.
func (apiClient *trustchainApiClient) getKeyPublishes(ctx context.Context, resourceIds [][]byte) ([]string, error) {
	result := []string{}
	for _, batch := range utils.ChunkSlice(resourceIds, MaxQueryStringItems) {
		var response getKeyPublishesResponse
		err := apiClient.apiCall(ctx, "GET", "/resource-keys?"+idsQuery("resource_ids", batch), nil, &response)
		if err != nil {
			return nil, err
		}
		result = append(result, response.ResourceKeys...)
	}
	return result, nil
}

type publishResourceKeysRequest struct {
	KeyPublishes []string `json:"key_publishes"`
}

func (apiClient *trustchainApiClient) publishResourceKeys(ctx context.Context, request *publishResourceKeysRequest) error {
	return apiClient.apiCall(ctx, "POST", "/resource-keys", request, nil)
}

type revokeDeviceRequest struct {
	DeviceRevocation string `json:"device_revocation"`
}

func (apiClient *trustchainApiClient) revokeDevice(ctx context.Context, request *revokeDeviceRequest) error {
	return apiClient.apiCall(ctx, "POST", "/device-revocations", request, nil)
}

type groupRequest struct {
	UserGroupCreation string `json:"user_group_creation,omitempty"`
	UserGroupAddition string `json:"user_group_addition,omitempty"`
}

func (apiClient *trustchainApiClient) createGroup(ctx context.Context, request *groupRequest) error {
	return apiClient.apiCall(ctx, "POST", "/user-groups", request, nil)
}

func (apiClient *trustchainApiClient) patchGroup(ctx context.Context, request *groupRequest) error {
	return apiClient.apiCall(ctx, "PATCH", "/user-groups", request, nil)
}

type groupHistoriesResponse struct {
	Histories []string `json:"histories"`
}

func (apiClient *trustchainApiClient) getGroupHistoriesByGroupIds(ctx context.Context, groupIds [][]byte) ([]string, error) {
	result := []string{}
	for _, batch := range utils.ChunkSlice(groupIds, MaxQueryStringItems) {
		var response groupHistoriesResponse
		err := apiClient.apiCall(ctx, "GET", "/user-group-histories?"+idsQuery("user_group_ids", batch), nil, &response)
		if err != nil {
			return nil, err
		}
		result = append(result, response.Histories...)
	}
	return result, nil
}

func (apiClient *trustchainApiClient) getGroupHistoriesByGroupPublicEncryptionKey(ctx context.Context, publicEncryptionKey []byte) ([]string, error) {
	var response groupHistoriesResponse
	err := apiClient.apiCall(ctx, "GET", "/user-group-histories?user_group_public_encryption_key="+utils.Urlize(publicEncryptionKey), nil, &response)
	if err != nil {
		return nil, err
	}
	if response.Histories == nil {
		return []string{}, nil
	}
	return response.Histories, nil
}

type fileURLResponse struct {
	Url     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Service string            `json:"service,omitempty"`
}

func (apiClient *trustchainApiClient) getFileUploadURL(ctx context.Context, resourceId []byte, metadata string, uploadContentLength int) (*fileURLResponse, error) {
	path := fmt.Sprintf("/resources/%s/upload-url?metadata=%s&upload_content_length=%d", utils.Urlize(resourceId), utils.Urlize([]byte(metadata)), uploadContentLength)
	var response fileURLResponse
	err := apiClient.apiCall(ctx, "GET", path, nil, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

func (apiClient *trustchainApiClient) getFileDownloadURL(ctx context.Context, resourceId []byte) (*fileURLResponse, error) {
	var response fileURLResponse
	err := apiClient.apiCall(ctx, "GET", "/resources/"+utils.Urlize(resourceId)+"/download-url", nil, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

type publicProvisionalIdentity struct {
	AppPublicSignatureKey     string `json:"app_public_signature_key"`
	TankerPublicSignatureKey  string `json:"tanker_public_signature_key"`
	AppPublicEncryptionKey    string `json:"app_public_encryption_key"`
	TankerPublicEncryptionKey string `json:"tanker_public_encryption_key"`
}

type getPublicProvisionalIdentitiesResponse struct {
	PublicProvisionalIdentities map[string]publicProvisionalIdentity `json:"public_provisional_identities"`
}

// getPublicProvisionalIdentities returns the tanker half of provisional identities, by b64 hashed email.
func (apiClient *trustchainApiClient) getPublicProvisionalIdentities(ctx context.Context, hashedEmails [][]byte) (map[string]publicProvisionalIdentity, error) {
	result := make(map[string]publicProvisionalIdentity)
	for _, batch := range utils.ChunkSlice(hashedEmails, MaxQueryStringItems) {
		var response getPublicProvisionalIdentitiesResponse
		err := apiClient.apiCall(ctx, "GET", "/public-provisional-identities?"+idsQuery("hashed_emails", batch), nil, &response)
		if err != nil {
			return nil, err
		}
		for hashedEmail, publicIdentity := range response.PublicProvisionalIdentities {
			result[hashedEmail] = publicIdentity
		}
	}
	return result, nil
}

// provisionalIdentityClaim holds the private keys of a claimed provisional identity, sealed for a user key.
type provisionalIdentityClaim struct {
	AppSignaturePublicKey    string `json:"app_signature_public_key"`
	TankerSignaturePublicKey string `json:"tanker_signature_public_key"`
	RecipientUserPublicKey   string `json:"recipient_user_public_key"`
	EncryptedPrivateKeys     string `json:"encrypted_provisional_identity_private_keys"`
}

type getProvisionalIdentityClaimsResponse struct {
	ProvisionalIdentityClaims []provisionalIdentityClaim `json:"provisional_identity_claims"`
}

func (apiClient *trustchainApiClient) getProvisionalIdentityClaims(ctx context.Context) ([]provisionalIdentityClaim, error) {
	var response getProvisionalIdentityClaimsResponse
	err := apiClient.apiCall(ctx, "GET", "/users/"+utils.Urlize(apiClient.userId)+"/provisional-identity-claims", nil, &response)
	if err != nil {
		return nil, err
	}
	return response.ProvisionalIdentityClaims, nil
}

type getProvisionalIdentityRequest struct {
	Email        string               `json:"email"`
	Verification *verificationRequest `json:"verification"`
}

// tankerProvisionalIdentity is the server half of a provisional identity, released after verification.
type tankerProvisionalIdentity struct {
	PublicSignatureKey   string `json:"public_signature_key"`
	PrivateSignatureKey  string `json:"private_signature_key"`
	PublicEncryptionKey  string `json:"public_encryption_key"`
	PrivateEncryptionKey string `json:"private_encryption_key"`
}

type getProvisionalIdentityResponse struct {
	ProvisionalIdentity *tankerProvisionalIdentity `json:"provisional_identity"`
}

// getProvisionalIdentity returns nil if no provisional identity exists for this email.
func (apiClient *trustchainApiClient) getProvisionalIdentity(ctx context.Context, request *getProvisionalIdentityRequest) (*tankerProvisionalIdentity, error) {
	var response getProvisionalIdentityResponse
	err := apiClient.apiCall(ctx, "POST", "/provisional-identities", request, &response)
	if err != nil {
		if isApiCode(err, "provisional_identity_not_found") {
			return nil, nil
		}
		return nil, err
	}
	return response.ProvisionalIdentity, nil
}

type claimProvisionalIdentityRequest struct {
	ProvisionalIdentityClaim *provisionalIdentityClaimRequest `json:"provisional_identity_claim"`
}

type provisionalIdentityClaimRequest struct {
	UserId                     string `json:"user_id"`
	AppSignaturePublicKey      string `json:"app_signature_public_key"`
	TankerSignaturePublicKey   string `json:"tanker_signature_public_key"`
	AuthorSignatureByAppKey    string `json:"author_signature_by_app_key"`
	AuthorSignatureByTankerKey string `json:"author_signature_by_tanker_key"`
	RecipientUserPublicKey     string `json:"recipient_user_public_key"`
	EncryptedPrivateKeys       string `json:"encrypted_provisional_identity_private_keys"`
}

func (apiClient *trustchainApiClient) claimProvisionalIdentity(ctx context.Context, request *claimProvisionalIdentityRequest) error {
	return apiClient.apiCall(ctx, "POST", "/provisional-identity-claims", request, nil)
}
