package test_utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"github.com/golang-jwt/jwt/v5"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/identity"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/stretchr/testify/require"
	"github.com/ztrue/tracerr"
	"sync"
	"testing"
	"time"
)

var (
	ErrorSyntheticTestError = utils.NewSealdError(utils.KindInternal, "SYNTHETIC_TEST_ERROR", "Synthetic test error")
)

func SyntheticErrorCallback(_ any) ([]byte, error) {
	return nil, tracerr.Wrap(ErrorSyntheticTestError)
}

// TestApp is a trustchain created locally: its root block and the app key signing the identities.
type TestApp struct {
	Id        []byte
	AppId     string
	AppSecret string
	SignKey   *asymkey.SignKeyPair
	Root      *sigchain.Block
}

// RootB64 is the root block as returned by the directory server.
func (app *TestApp) RootB64(t testing.TB) string {
	root, err := sigchain.SerializeBlockB64(app.Root)
	require.NoError(t, err)
	return root
}

func NewTestApp(t testing.TB) *TestApp {
	signKey, err := asymkey.GenerateSignKeyPair()
	require.NoError(t, err)
	payload, err := sigchain.EncodeTrustchainCreation(&sigchain.TrustchainCreationRecord{PublicSignatureKey: signKey.PublicKey})
	require.NoError(t, err)
	root := &sigchain.Block{
		Index:     1,
		Nature:    sigchain.NatureTrustchainCreation,
		Payload:   payload,
		Author:    make([]byte, sigchain.HashSize),
		Signature: make([]byte, asymkey.SignatureSize),
	}
	root.TrustchainId = sigchain.HashBlock(root)
	return &TestApp{
		Id:        root.TrustchainId,
		AppId:     base64.StdEncoding.EncodeToString(root.TrustchainId),
		AppSecret: base64.StdEncoding.EncodeToString(signKey.PrivateKey),
		SignKey:   signKey,
		Root:      root,
	}
}

// CreateIdentity returns a secret permanent identity for a random user of app.
func (app *TestApp) CreateIdentity(t testing.TB) string {
	secretIdentity, err := identity.CreateIdentity(app.AppId, app.AppSecret, "user-"+GetRandomString(10))
	require.NoError(t, err)
	return secretIdentity
}

// CreateProvisionalIdentity returns a secret provisional identity for email.
func (app *TestApp) CreateProvisionalIdentity(t testing.TB, email string) string {
	secretIdentity, err := identity.CreateProvisionalIdentity(app.AppId, email)
	require.NoError(t, err)
	return secretIdentity
}

// GetOIDCIdToken signs an id token for subject, as an identity provider would.
func GetOIDCIdToken(subject string) (string, error) {
	secret, err := utils.GenerateRandomBytes(32)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "https://accounts.example.com",
		Subject:   subject,
		Audience:  jwt.ClaimStrings{"trustchain-tests"},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signedToken, err := token.SignedString(secret)
	return signedToken, tracerr.Wrap(err)
}

var testDirsNames sync.Map

func GetTestName(t testing.TB) string {
	loadedValue, _ := testDirsNames.LoadOrStore(t.Name(), 0)
	value := loadedValue.(int)
	name := fmt.Sprintf("%s_%d", t.Name(), value)
	testDirsNames.Store(t.Name(), value+1)
	return name
}

func GetRandomString(length int) string {
	b := make([]byte, length)
	_, err := rand.Read(b)
	if err != nil {
		panic("Error generating random in GetRandomString:" + err.Error())
	}
	str := hex.EncodeToString(b)
	return str[0:length]
}
