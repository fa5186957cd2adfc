package sdk

import (
	"context"
	"errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/identity"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// DefaultApiURL is the directory server used when InitializeOptions.ApiURL is empty.
const DefaultApiURL = "https://api.trustchain.seald.io"

const closeReason = "Closing the session"

var (
	// ErrorSessionInvalidAppId is returned when the AppId given in InitializeOptions is invalid
	ErrorSessionInvalidAppId = utils.NewSealdError(utils.KindInvalidArgument, "SESSION_INVALID_APP_ID", "the AppId is invalid")
	// ErrorSessionAppIdMismatch is returned when the identity was created for another app
	ErrorSessionAppIdMismatch = utils.NewSealdError(utils.KindInvalidArgument, "SESSION_APP_ID_MISMATCH", "the identity does not belong to this app")
	// ErrorSessionDatabaseRequired is returned when Database is not defined
	ErrorSessionDatabaseRequired = utils.NewSealdError(utils.KindInvalidArgument, "SESSION_DATABASE_REQUIRED", "Database argument is required")
	// ErrorSessionInvalidStatus is returned when calling an operation that the current status does not allow
	ErrorSessionInvalidStatus = utils.NewSealdError(utils.KindPreconditionFailed, "SESSION_INVALID_STATUS", "this operation is not allowed in the current status")
	// ErrorSessionClosed is returned when this session has been closed
	ErrorSessionClosed = utils.NewSealdError(utils.KindPreconditionFailed, "SESSION_CLOSED", "this session has already been closed")
)

// Status is the state of a Session.
type Status int

const (
	StatusStopped Status = iota
	StatusReady
	StatusIdentityRegistrationNeeded
	StatusIdentityVerificationNeeded
)

func (status Status) String() string {
	switch status {
	case StatusStopped:
		return "STOPPED"
	case StatusReady:
		return "READY"
	case StatusIdentityRegistrationNeeded:
		return "IDENTITY_REGISTRATION_NEEDED"
	case StatusIdentityVerificationNeeded:
		return "IDENTITY_VERIFICATION_NEEDED"
	default:
		return "UNKNOWN"
	}
}

type NotificationType string

const (
	// NotificationAuthenticationFailed is sent when a background authentication fails for another reason than the
	// network or a close.
	NotificationAuthenticationFailed NotificationType = "authentication_failed"
	// NotificationDeviceRevoked is sent once, when the local device is found to be revoked.
	NotificationDeviceRevoked NotificationType = "device_revoked"
)

type Notification struct {
	Type NotificationType
	Err  error
}

// InitializeOptions is the main options object for initializing a Session.
type InitializeOptions struct {
	// ApiURL is the directory server to use. Defaults to DefaultApiURL.
	ApiURL string
	// AppId is the b64 trustchain id of your app. The identity must belong to it.
	AppId string
	// Database is the storage backend instance to use for this session.
	Database Database
	// SdkType is sent to the server with every request. Defaults to "sdk-go".
	SdkType string
	// SdkVersion is sent to the server with every request. Defaults to utils.Version.
	SdkVersion string
	// LogLevel is the minimum level of logs you want. Use one of the zerolog level constants.
	LogLevel zerolog.Level
	// LogNoColor should be set to true if you want to disable colors in the log output.
	LogNoColor bool
	// LogWriter is the io.Writer to which to write the logs. Defaults to os.Stdout.
	LogWriter io.Writer
	// InstanceName is an arbitrary name added to logs. Useful when multiple sessions run in parallel.
	InstanceName string
	// RetryBackOff gives the delay before retrying a call whose token was rejected. Defaults to an exponential back-off.
	RetryBackOff func() backoff.BackOff
	// RequestsPerSecond throttles requests to the server when positive.
	RequestsPerSecond float64
	// MetricsRegisterer receives the metrics of the API client when set.
	MetricsRegisterer prometheus.Registerer
	// HttpClient replaces the default http.Client.
	HttpClient *http.Client
}

func validateOptions(options InitializeOptions) ([]byte, error) {
	appId, err := utils.Base64DecodeString(options.AppId)
	if err != nil || len(appId) != asymkey.HashSize {
		return nil, tracerr.Wrap(ErrorSessionInvalidAppId.AddDetails(options.AppId))
	}
	if options.Database == nil {
		return nil, tracerr.Wrap(ErrorSessionDatabaseRequired)
	}
	return appId, nil
}

func newInstanceLogger(options *InitializeOptions) zerolog.Logger {
	if options.LogWriter == nil {
		options.LogWriter = os.Stdout
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	instanceLogger := zerolog.New(zerolog.ConsoleWriter{Out: options.LogWriter, TimeFormat: time.StampMilli, NoColor: options.LogNoColor}).With().Timestamp().Logger()
	instanceLogger = instanceLogger.Level(options.LogLevel)
	if options.InstanceName != "" {
		instanceLogger = instanceLogger.With().Str("instance", options.InstanceName).Logger()
	}
	return instanceLogger
}

// Session is an authenticated session of a user on one device.
// You must never create a Session yourself. Instead, always use Initialize.
type Session struct {
	apiClient          trustchainApiClientInterface
	storage            *storage
	localUser          *localUser
	groupManager       *groupManager
	provisionalManager *provisionalIdentityManager
	resourceManager    *ResourceManager
	options            *InitializeOptions
	logger             zerolog.Logger

	statusLock sync.RWMutex
	status     Status
	closed     bool

	notifications     chan Notification
	notificationsLock sync.RWMutex
	revokedOnce       sync.Once
	background        sync.WaitGroup
}

// Initialize opens a session for the user of secretIdentity. Depending on the returned Status, the user must then be
// created with CreateUser, or this device added with UnlockUser. A Ready session can be used directly.
func Initialize(ctx context.Context, options *InitializeOptions, secretIdentity string) (*Session, error) {
	if options.ApiURL == "" {
		options.ApiURL = DefaultApiURL
	}
	if options.SdkType == "" {
		options.SdkType = "sdk-go"
	}
	if options.SdkVersion == "" {
		options.SdkVersion = utils.Version
	}
	appId, err := validateOptions(*options)
	if err != nil {
		return nil, err
	}
	instanceLogger := newInstanceLogger(options)
	instanceLogger.Debug().Msg("Initialize new session...")

	parsedIdentity, err := identity.ParseSecretPermanentIdentity(secretIdentity)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if string(parsedIdentity.AppId) != string(appId) {
		return nil, tracerr.Wrap(ErrorSessionAppIdMismatch)
	}

	apiClient, err := newTrustchainApiClient(appId, parsedIdentity.UserId, trustchainApiClientOptions{
		ApiURL:            options.ApiURL,
		SdkType:           options.SdkType,
		SdkVersion:        options.SdkVersion,
		HttpClient:        options.HttpClient,
		RetryBackOff:      options.RetryBackOff,
		RequestsPerSecond: options.RequestsPerSecond,
		MetricsRegisterer: options.MetricsRegisterer,
	}, instanceLogger.With().Str("component", "trustchainApiClient").Logger())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return initializeSession(ctx, options, parsedIdentity, apiClient, instanceLogger)
}

func initializeSession(ctx context.Context, options *InitializeOptions, parsedIdentity *identity.SecretPermanentIdentity, apiClient trustchainApiClientInterface, instanceLogger zerolog.Logger) (*Session, error) {
	st, err := openStorage(options.Database)
	if err != nil {
		apiClient.close(closeReason)
		return nil, tracerr.Wrap(err)
	}
	s := &Session{
		apiClient:     apiClient,
		storage:       st,
		options:       options,
		logger:        instanceLogger.With().Str("component", "session").Logger(),
		notifications: make(chan Notification, 16),
	}
	s.localUser = newLocalUser(parsedIdentity, st, instanceLogger.With().Str("component", "localUser").Logger())
	s.groupManager = &groupManager{
		apiClient: apiClient,
		storage:   st,
		localUser: s.localUser,
		logger:    instanceLogger.With().Str("component", "groupManager").Logger(),
	}
	s.provisionalManager = &provisionalIdentityManager{
		apiClient: apiClient,
		storage:   st,
		localUser: s.localUser,
		logger:    instanceLogger.With().Str("component", "provisionalIdentityManager").Logger(),
	}
	s.resourceManager = &ResourceManager{
		apiClient:    apiClient,
		storage:      st,
		localUser:    s.localUser,
		groupManager: s.groupManager,
		keyDecryptor: &keyDecryptor{
			users:       s.localUser,
			groups:      s.groupManager,
			provisional: s.provisionalManager,
			logger:      instanceLogger.With().Str("component", "keyDecryptor").Logger(),
		},
		logger: instanceLogger.With().Str("component", "resourceManager").Logger(),
	}

	err = s.start(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) start(ctx context.Context) error {
	err := s.localUser.ensureDeviceKeys()
	if err != nil {
		return err
	}

	if s.storage.hasLocalDevice() {
		s.apiClient.setDevice(s.localUser.deviceId(), s.localUser.signKeyPair())
		err = s.pullUserChain(ctx)
		if err != nil {
			if !errors.Is(err, utils.KindNetwork) {
				return err
			}
			s.logger.Warn().Err(err).Msg("Cannot reach server, starting with stored keys")
		}
		s.setStatus(StatusReady)
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.handleBackgroundAuthenticationError(s.authenticate(context.Background()))
		}()
		return nil
	}

	userExists, deviceId, err := s.remoteStatus(ctx)
	if err != nil {
		return err
	}
	switch {
	case !userExists:
		s.setStatus(StatusIdentityRegistrationNeeded)
	case deviceId == nil:
		s.setStatus(StatusIdentityVerificationNeeded)
	default:
		s.setStatus(StatusStopped)
		err = s.localUser.setDeviceId(deviceId)
		if err != nil {
			return err
		}
		err = s.authenticate(ctx)
		if err != nil {
			return err
		}
	}
	s.logger.Debug().Str("status", s.Status().String()).Msg("Session started")
	return nil
}

// remoteStatus reports whether the user exists, and the id of the local device if the server knows it.
func (s *Session) remoteStatus(ctx context.Context) (bool, []byte, error) {
	user, err := s.apiClient.getUser(ctx)
	if err != nil {
		return false, nil, err
	}
	if user == nil {
		return false, nil, nil
	}
	histories, err := s.apiClient.getUserHistoriesByUserIds(ctx, [][]byte{s.localUser.userId})
	if err != nil {
		return false, nil, err
	}
	deviceId, err := s.localUser.findDeviceInHistories(histories)
	if err != nil {
		return false, nil, err
	}
	return true, deviceId, nil
}

func (s *Session) pullUserChain(ctx context.Context) error {
	histories, err := s.apiClient.getUserHistoriesByUserIds(ctx, [][]byte{s.localUser.userId})
	if err != nil {
		return err
	}
	err = s.localUser.applyUserHistories(histories)
	if err != nil {
		return err
	}
	if s.localUser.isRevoked() {
		s.onDeviceRevoked()
		return tracerr.Wrap(utils.ErrorDeviceRevoked)
	}
	return nil
}

// authenticate gets a token for the local device, then refreshes the chain and the provisional identity claims.
func (s *Session) authenticate(ctx context.Context) error {
	err := s.apiClient.authenticateDevice(ctx, s.localUser.deviceId(), s.localUser.signKeyPair())
	if err != nil {
		if errors.Is(err, utils.KindDeviceRevoked) {
			s.onDeviceRevoked()
		}
		return err
	}
	err = s.pullUserChain(ctx)
	if err != nil {
		return err
	}
	err = s.provisionalManager.refreshClaims(ctx)
	if err != nil {
		return err
	}
	s.setStatus(StatusReady)
	return nil
}

func (s *Session) handleBackgroundAuthenticationError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, utils.KindNetwork), errors.Is(err, utils.KindOperationCanceled):
		s.logger.Debug().Err(err).Msg("Background authentication interrupted")
	case errors.Is(err, utils.KindDeviceRevoked):
		s.logger.Debug().Msg("Background authentication: device revoked")
	default:
		s.logger.Warn().Err(err).Msg("Background authentication failed")
		s.notify(Notification{Type: NotificationAuthenticationFailed, Err: err})
	}
}

func (s *Session) onDeviceRevoked() {
	s.revokedOnce.Do(func() {
		s.notify(Notification{Type: NotificationDeviceRevoked, Err: utils.ErrorDeviceRevoked})
	})
}

// notify never blocks: if nobody reads the notifications, new ones are dropped.
func (s *Session) notify(notification Notification) {
	s.notificationsLock.RLock()
	defer s.notificationsLock.RUnlock()
	if s.notifications == nil {
		return
	}
	select {
	case s.notifications <- notification:
	default:
		s.logger.Warn().Str("type", string(notification.Type)).Msg("Notification dropped")
	}
}

// Notifications returns the channel on which the session sends its notifications. It is closed by Close and Nuke.
func (s *Session) Notifications() <-chan Notification {
	s.notificationsLock.RLock()
	defer s.notificationsLock.RUnlock()
	return s.notifications
}

func (s *Session) setStatus(status Status) {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	s.status = status
}

func (s *Session) Status() Status {
	s.statusLock.RLock()
	defer s.statusLock.RUnlock()
	return s.status
}

func (s *Session) requireStatus(status Status) error {
	s.statusLock.RLock()
	defer s.statusLock.RUnlock()
	if s.closed {
		return tracerr.Wrap(ErrorSessionClosed)
	}
	if s.status != status {
		return tracerr.Wrap(ErrorSessionInvalidStatus.AddDetails(s.status.String()))
	}
	return nil
}

// DeviceId returns the id of the local device, nil until the user is created or unlocked.
func (s *Session) DeviceId() []byte {
	return s.localUser.deviceId()
}

func (s *Session) ResourceManager() *ResourceManager {
	return s.resourceManager
}

// GenerateVerificationKey returns a new verification key, to be passed to CreateUser.
func (s *Session) GenerateVerificationKey() (string, error) {
	return GenerateVerificationKey()
}

// CreateUser registers the user, with its ghost device and this device as first device.
// If verification holds a verification key, the ghost device is derived from it, otherwise a new one is generated.
func (s *Session) CreateUser(ctx context.Context, verification Verification) error {
	err := s.requireStatus(StatusIdentityRegistrationNeeded)
	if err != nil {
		return err
	}
	var ghost *ghostDevice
	if verification.VerificationKey != "" {
		ghost, err = ghostDeviceFromVerificationKey(verification.VerificationKey)
	} else {
		ghost, err = generateGhostDevice()
	}
	if err != nil {
		return err
	}
	verificationKey, err := ghost.verificationKey()
	if err != nil {
		return err
	}
	request, err := verification.toRequest(s.localUser.userId, s.localUser.userSecret)
	if err != nil {
		return err
	}

	creation, err := s.localUser.generateUserCreation(ghost)
	if err != nil {
		return err
	}
	encryptedVerificationKey, err := encryptVerificationKey(verificationKey, s.localUser.userSecret)
	if err != nil {
		return err
	}
	ghostDeviceCreation, err := sigchain.SerializeBlockB64(creation.ghostDeviceCreation)
	if err != nil {
		return tracerr.Wrap(err)
	}
	firstDeviceCreation, err := sigchain.SerializeBlockB64(creation.firstDeviceCreation)
	if err != nil {
		return tracerr.Wrap(err)
	}
	deviceId := sigchain.HashBlock(creation.firstDeviceCreation)

	err = s.apiClient.createUser(ctx, deviceId, s.localUser.signKeyPair(), &createUserRequest{
		AppId:                    b64(s.localUser.trustchainId),
		UserId:                   b64(s.localUser.userId),
		GhostDeviceCreation:      ghostDeviceCreation,
		FirstDeviceCreation:      firstDeviceCreation,
		EncryptedVerificationKey: b64(encryptedVerificationKey),
		Verification:             request,
	})
	if err != nil {
		return err
	}
	s.logger.Debug().Str("deviceId", b64(deviceId)).Msg("User created")
	err = s.localUser.setDeviceId(deviceId)
	if err != nil {
		return err
	}
	err = s.storage.addUserKey(creation.userKeyPair)
	if err != nil {
		return err
	}
	return s.authenticate(ctx)
}

// UnlockUser adds this device to an existing user, using the ghost device unlocked by verification.
func (s *Session) UnlockUser(ctx context.Context, verification Verification) error {
	err := s.requireStatus(StatusIdentityVerificationNeeded)
	if err != nil {
		return err
	}
	err = s.unlockUser(ctx, &verification)
	if err == nil {
		return nil
	}
	var sealdError utils.SealdError
	if errors.As(err, &sealdError) {
		return err
	}
	if verification.VerificationKey != "" {
		return tracerr.Wrap(utils.ErrorInvalidVerification.Wrap(err))
	}
	return tracerr.Wrap(utils.ErrorInternal.Wrap(err))
}

func (s *Session) unlockUser(ctx context.Context, verification *Verification) error {
	verificationKey := verification.VerificationKey
	if verificationKey == "" {
		request, err := verification.toRequest(s.localUser.userId, s.localUser.userSecret)
		if err != nil {
			return err
		}
		encryptedVerificationKey, err := s.apiClient.getVerificationKey(ctx, &getVerificationKeyRequest{Verification: request})
		if err != nil {
			return err
		}
		verificationKey, err = decryptVerificationKey(encryptedVerificationKey, s.localUser.userSecret)
		if err != nil {
			return err
		}
	}
	ghost, err := ghostDeviceFromVerificationKey(verificationKey)
	if err != nil {
		return err
	}
	encryptionKey, err := s.apiClient.getEncryptionKey(ctx, ghost.SignKeyPair.PublicKey)
	if err != nil {
		return err
	}
	encryptedUserKey, err := utils.Base64DecodeString(encryptionKey.EncryptedUserPrivateEncryptionKey)
	if err != nil {
		return tracerr.Wrap(ErrorApiInvalidResponse.Wrap(err))
	}
	ghostDeviceId, err := utils.Base64DecodeString(encryptionKey.GhostDeviceId)
	if err != nil {
		return tracerr.Wrap(ErrorApiInvalidResponse.Wrap(err))
	}
	userPrivateKey, err := ghost.EncryptionKeyPair.SealDecrypt(encryptedUserKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	userKeyPair, err := asymkey.EncryptionKeyPairFromPrivateKey(userPrivateKey)
	if err != nil {
		return tracerr.Wrap(err)
	}

	block, err := s.localUser.generateDeviceFromGhostDevice(ghost, ghostDeviceId, userKeyPair)
	if err != nil {
		return err
	}
	deviceCreation, err := sigchain.SerializeBlockB64(block)
	if err != nil {
		return tracerr.Wrap(err)
	}
	deviceId := sigchain.HashBlock(block)
	err = s.apiClient.createDevice(ctx, deviceId, s.localUser.signKeyPair(), &createDeviceRequest{DeviceCreation: deviceCreation})
	if err != nil {
		return err
	}
	s.logger.Debug().Str("deviceId", b64(deviceId)).Msg("Device created")
	err = s.localUser.setDeviceId(deviceId)
	if err != nil {
		return err
	}
	err = s.storage.addUserKey(userKeyPair)
	if err != nil {
		return err
	}
	return s.authenticate(ctx)
}

// RevokeDevice revokes a device of the user, and rotates the user key for the remaining ones.
func (s *Session) RevokeDevice(ctx context.Context, deviceId []byte) error {
	err := s.requireStatus(StatusReady)
	if err != nil {
		return err
	}
	// devices added from elsewhere must receive the new user key too
	err = s.pullUserChain(ctx)
	if err != nil {
		return err
	}
	block, err := s.localUser.generateDeviceRevocation(deviceId)
	if err != nil {
		return err
	}
	deviceRevocation, err := sigchain.SerializeBlockB64(block)
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = s.apiClient.revokeDevice(ctx, &revokeDeviceRequest{DeviceRevocation: deviceRevocation})
	if err != nil {
		return err
	}
	return s.pullUserChain(ctx)
}

func (s *Session) GetVerificationMethods(ctx context.Context) ([]VerificationMethod, error) {
	err := s.requireStatus(StatusReady)
	if err != nil {
		return nil, err
	}
	methods, err := s.apiClient.getVerificationMethods(ctx)
	if err != nil {
		return nil, err
	}
	return decryptVerificationMethods(methods, s.localUser.userSecret)
}

// SetVerificationMethod registers a new verification method, or updates an existing one. Verification keys cannot be
// registered after the user creation.
func (s *Session) SetVerificationMethod(ctx context.Context, verification Verification) error {
	err := s.requireStatus(StatusReady)
	if err != nil {
		return err
	}
	methodType, err := verification.methodType()
	if err != nil {
		return err
	}
	if methodType == VerificationMethodVerificationKey {
		return tracerr.Wrap(ErrorVerificationKeyNotAllowed)
	}
	request, err := verification.toRequest(s.localUser.userId, s.localUser.userSecret)
	if err != nil {
		return err
	}
	return s.apiClient.setVerificationMethod(ctx, &setVerificationMethodRequest{Verification: request})
}

// ClaimProvisionalIdentity attaches a provisional identity to the user, so that the resources shared with it can be
// decrypted.
func (s *Session) ClaimProvisionalIdentity(ctx context.Context, provisionalIdentity string, verification Verification) error {
	err := s.requireStatus(StatusReady)
	if err != nil {
		return err
	}
	provisional, err := identity.ParseSecretProvisionalIdentity(provisionalIdentity)
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = s.provisionalManager.claim(ctx, provisional, &verification)
	if err != nil {
		return err
	}
	return s.provisionalManager.refreshClaims(ctx)
}

// CreateGroup creates a group whose members are the users of publicIdentities, and returns its id. The user does not
// need to be a member.
func (s *Session) CreateGroup(ctx context.Context, publicIdentities []string) ([]byte, error) {
	err := s.requireStatus(StatusReady)
	if err != nil {
		return nil, err
	}
	return s.groupManager.createGroup(ctx, publicIdentities)
}

// UpdateGroupMembers adds the users of publicIdentities to a group. Only members can add new ones.
func (s *Session) UpdateGroupMembers(ctx context.Context, groupId []byte, publicIdentities []string) error {
	err := s.requireStatus(StatusReady)
	if err != nil {
		return err
	}
	return s.groupManager.updateGroupMembers(ctx, groupId, publicIdentities)
}

// shutdown closes the API client, waits for background work, then releases the storage with release.
func (s *Session) shutdown(release func() error) error {
	s.statusLock.Lock()
	if s.closed {
		s.statusLock.Unlock()
		return tracerr.Wrap(ErrorSessionClosed)
	}
	s.closed = true
	s.statusLock.Unlock()

	s.apiClient.close(closeReason)
	s.background.Wait()
	err := release()

	s.notificationsLock.Lock()
	close(s.notifications)
	s.notifications = nil
	s.notificationsLock.Unlock()
	return tracerr.Wrap(err)
}

// Close closes the session. This frees any lock on the database. After calling Close, the session cannot be used anymore.
func (s *Session) Close() error {
	err := s.shutdown(s.storage.close)
	if errors.Is(err, ErrorSessionClosed) {
		s.logger.Debug().Msg("Already closed")
		return nil
	}
	return err
}

// Nuke closes the session, and wipes its database.
func (s *Session) Nuke() error {
	return s.shutdown(s.storage.nuke)
}
