package identity

import (
	"encoding/base64"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func newApp(t *testing.T) (string, string, *asymkey.SignKeyPair) {
	appId, err := utils.GenerateRandomBytes(asymkey.HashSize)
	require.NoError(t, err)
	appKey, err := asymkey.GenerateSignKeyPair()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(appId), base64.StdEncoding.EncodeToString(appKey.PrivateKey), appKey
}

func TestPermanentIdentity(t *testing.T) {
	t.Parallel()
	appId, appSecret, appKey := newApp(t)

	secretIdentity, err := CreateIdentity(appId, appSecret, "alice")
	require.NoError(t, err)

	parsed, err := ParseSecretPermanentIdentity(secretIdentity)
	require.NoError(t, err)
	appIdBytes, err := base64.StdEncoding.DecodeString(appId)
	require.NoError(t, err)
	assert.Equal(t, appIdBytes, parsed.AppId)
	assert.Equal(t, ObfuscateUserId("alice", appIdBytes), parsed.UserId)
	assert.Len(t, parsed.UserSecret, UserSecretSize)

	// the delegation is signed by the app key, as the trustchain verifies it for the first device
	message := sigchain.DelegationMessage(parsed.Delegation.EphemeralSignKeyPair.PublicKey, parsed.UserId)
	assert.NoError(t, asymkey.Verify(appKey.PublicKey, message, parsed.Delegation.Signature))

	t.Run("public identity", func(t *testing.T) {
		t.Parallel()
		publicIdentity, err := GetPublicIdentity(secretIdentity)
		require.NoError(t, err)
		public, err := Parse(publicIdentity)
		require.NoError(t, err)
		assert.False(t, public.IsSecret())
		assert.Equal(t, TargetUser, public.Target)
		assert.Equal(t, base64.StdEncoding.EncodeToString(parsed.UserId), public.Value)
		assert.Empty(t, public.EphemeralPrivateSignatureKey)

		_, err = GetPublicIdentity(publicIdentity)
		assert.ErrorIs(t, err, ErrorIdentityNotSecret)
		_, err = ParseSecretPermanentIdentity(publicIdentity)
		assert.ErrorIs(t, err, ErrorIdentityNotSecret)
	})

	t.Run("stable serialization", func(t *testing.T) {
		t.Parallel()
		first, err := GetPublicIdentity(secretIdentity)
		require.NoError(t, err)
		second, err := GetPublicIdentity(secretIdentity)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("user secret of another user", func(t *testing.T) {
		t.Parallel()
		other, err := CreateIdentity(appId, appSecret, "bob")
		require.NoError(t, err)
		parsedOther, err := ParseSecretPermanentIdentity(other)
		require.NoError(t, err)
		assert.NoError(t, CheckUserSecret(parsedOther.UserSecret, parsedOther.UserId))
		// one chance in 256 that the check byte matches anyway
		if CheckUserSecret(parsedOther.UserSecret, parsed.UserId) == nil {
			t.Skip("check byte collision")
		}
		assert.ErrorIs(t, CheckUserSecret(parsedOther.UserSecret, parsed.UserId), ErrorInvalidUserSecret)
		assert.ErrorIs(t, CheckUserSecret(parsedOther.UserSecret[:10], parsedOther.UserId), ErrorInvalidUserSecret)
	})
}

func TestCreateIdentityErrors(t *testing.T) {
	t.Parallel()
	appId, appSecret, _ := newApp(t)

	_, err := CreateIdentity(appId, appSecret, "")
	assert.ErrorIs(t, err, ErrorInvalidUserId)
	_, err = CreateIdentity("not base64!", appSecret, "alice")
	assert.ErrorIs(t, err, ErrorInvalidAppId)
	_, err = CreateIdentity(base64.StdEncoding.EncodeToString([]byte("short")), appSecret, "alice")
	assert.ErrorIs(t, err, ErrorInvalidAppId)
	_, err = CreateIdentity(appId, base64.StdEncoding.EncodeToString([]byte("short")), "alice")
	assert.ErrorIs(t, err, ErrorInvalidAppSecret)
	assert.ErrorIs(t, err, utils.KindInvalidArgument)
}

func TestProvisionalIdentity(t *testing.T) {
	t.Parallel()
	appId, _, _ := newApp(t)

	secretIdentity, err := CreateProvisionalIdentity(appId, "Alice@Example.com")
	require.NoError(t, err)

	parsed, err := ParseSecretProvisionalIdentity(secretIdentity)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", parsed.Email)

	publicIdentity, err := GetPublicIdentity(secretIdentity)
	require.NoError(t, err)
	public, err := Parse(publicIdentity)
	require.NoError(t, err)
	assert.Equal(t, TargetEmail, public.Target)
	assert.Equal(t, base64.StdEncoding.EncodeToString(parsed.EncryptionKey.PublicKey), public.PublicEncryptionKey)
	assert.Equal(t, base64.StdEncoding.EncodeToString(parsed.SignKey.PublicKey), public.PublicSignatureKey)
	assert.Empty(t, public.PrivateEncryptionKey)

	_, err = ParseSecretPermanentIdentity(secretIdentity)
	assert.ErrorIs(t, err, ErrorIdentityWrongTarget)
	_, err = CreateProvisionalIdentity(appId, "not an email")
	assert.ErrorIs(t, err, utils.ErrorInvalidEmail)

	assert.Equal(t, HashProvisionalEmail("alice@example.com"), HashProvisionalEmail("ALICE@example.com"))
}

func TestParsePublicIdentities(t *testing.T) {
	t.Parallel()
	appId, appSecret, _ := newApp(t)
	permanentSecret, err := CreateIdentity(appId, appSecret, "alice")
	require.NoError(t, err)
	provisionalSecret, err := CreateProvisionalIdentity(appId, "bob@example.com")
	require.NoError(t, err)
	permanentPublic, err := GetPublicIdentity(permanentSecret)
	require.NoError(t, err)
	provisionalPublic, err := GetPublicIdentity(provisionalSecret)
	require.NoError(t, err)

	permanent, provisional, err := ParsePublicIdentities([]string{permanentPublic, provisionalPublic})
	require.NoError(t, err)
	assert.Len(t, permanent, 1)
	require.Len(t, provisional, 1)
	assert.Equal(t, "bob@example.com", provisional[0].Value)

	_, _, err = ParsePublicIdentities([]string{permanentSecret})
	assert.ErrorIs(t, err, ErrorIdentityNotPublic)
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	_, err := Parse("not base64!")
	assert.ErrorIs(t, err, ErrorInvalidIdentity)
	_, err = Parse(base64.StdEncoding.EncodeToString([]byte("{not json")))
	assert.ErrorIs(t, err, ErrorInvalidIdentity)
	_, err = Parse(base64.StdEncoding.EncodeToString([]byte(`{"trustchain_id":"a","target":"user","value":"b","unknown":1}`)))
	assert.ErrorIs(t, err, ErrorInvalidIdentity)
	_, err = Parse(base64.StdEncoding.EncodeToString([]byte(`{"trustchain_id":"a","target":"phone","value":"b"}`)))
	assert.ErrorIs(t, err, ErrorIdentityWrongTarget)
	_, err = Parse(base64.StdEncoding.EncodeToString([]byte(`{"target":"user","value":"b"}`)))
	assert.ErrorIs(t, err, ErrorInvalidIdentity)
}
