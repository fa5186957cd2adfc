package main

import (
	"encoding/base64"
	"github.com/gibson042/canonicaljson-go"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/sdk"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		config, err := loadConfig("")
		require.NoError(t, err)
		assert.Equal(t, defaultConfig(), config)
		assert.Equal(t, sdk.DefaultApiURL, config.ApiURL)
	})
	t.Run("file over defaults", func(t *testing.T) {
		t.Parallel()
		config, err := loadConfig(writeConfig(t, "appId: my-app\ndatabaseDir: /tmp/db\nrequestsPerSecond: 2.5\n"))
		require.NoError(t, err)
		assert.Equal(t, "my-app", config.AppId)
		assert.Equal(t, "/tmp/db", config.DatabaseDir)
		assert.Equal(t, 2.5, config.RequestsPerSecond)
		assert.Equal(t, sdk.DefaultApiURL, config.ApiURL)
		assert.Equal(t, "warn", config.LogLevel)
	})
	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorIs(t, err, ErrorConfigRead)
		_, err = loadConfig(writeConfig(t, "appId: [unterminated"))
		assert.ErrorIs(t, err, ErrorConfigRead)
	})
}

func TestConfigFromFlags(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "appId: from-file\napiUrl: https://file.example.com\nlogLevel: debug\n")
	var config Config
	app := &cli.App{
		Flags: []cli.Flag{flagConfig, flagApiURL, flagAppId, flagDatabaseDir, flagDatabaseKey, flagLogLevel},
		Action: func(cCtx *cli.Context) error {
			var err error
			config, err = configFromFlags(cCtx)
			return err
		},
	}
	require.NoError(t, app.Run([]string{"trustchain", "--config", path, "--app-id", "from-flag"}))
	assert.Equal(t, "from-flag", config.AppId)
	assert.Equal(t, "https://file.example.com", config.ApiURL)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "trustchain-db", config.DatabaseDir)
}

func TestConfig_InitializeOptions(t *testing.T) {
	t.Parallel()
	key, err := symmetric_key.Generate()
	require.NoError(t, err)
	config := defaultConfig()

	_, err = config.initializeOptions()
	assert.ErrorIs(t, err, ErrorConfigDatabaseKey)
	config.DatabaseKey = "not a key"
	_, err = config.initializeOptions()
	assert.ErrorIs(t, err, ErrorConfigDatabaseKey)

	config.DatabaseKey = base64.StdEncoding.EncodeToString(key.Encode())
	config.LogLevel = "loud"
	_, err = config.initializeOptions()
	assert.ErrorIs(t, err, ErrorConfigLogLevel)

	config.LogLevel = "info"
	config.AppId = "app"
	options, err := config.initializeOptions()
	require.NoError(t, err)
	assert.Equal(t, "app", options.AppId)
	storage, ok := options.Database.(*sdk.FileStorage)
	require.True(t, ok)
	assert.Equal(t, "trustchain-db", storage.DatabaseDir)
	assert.True(t, key.Equal(storage.EncryptionKey))
}

func TestDecodeBlock(t *testing.T) {
	t.Parallel()
	trustchainId, err := utils.GenerateRandomBytes(sigchain.HashSize)
	require.NoError(t, err)
	deviceId, err := utils.GenerateRandomBytes(sigchain.HashSize)
	require.NoError(t, err)
	resourceId, err := utils.GenerateRandomBytes(sigchain.ResourceIdSize)
	require.NoError(t, err)
	signKey, err := asymkey.GenerateSignKeyPair()
	require.NoError(t, err)
	recipient, err := asymkey.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	resourceKey, err := symmetric_key.Generate()
	require.NoError(t, err)

	block, err := sigchain.NewKeyPublishBlock(trustchainId, deviceId, signKey, sigchain.NatureKeyPublishToUser, recipient.PublicKey, resourceId, resourceKey.Encode())
	require.NoError(t, err)
	b64Block, err := sigchain.SerializeBlockB64(block)
	require.NoError(t, err)

	decoded, err := decodeBlock(b64Block, nil)
	require.NoError(t, err)
	assert.Equal(t, "key_publish_to_user", decoded.Nature)
	assert.Equal(t, deviceId, decoded.Author)
	assert.Equal(t, sigchain.HashBlock(block), decoded.Hash)
	record, ok := decoded.Record.(*sigchain.KeyPublishRecord)
	require.True(t, ok)
	assert.Equal(t, resourceId, record.ResourceId)
	assert.Equal(t, recipient.PublicKey, record.Recipient)

	out, err := canonicaljson.Marshal(decoded)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"nature":"key_publish_to_user"`)
	assert.Contains(t, string(out), base64.StdEncoding.EncodeToString(resourceId))

	_, err = decodeBlock("%%%", nil)
	assert.ErrorIs(t, err, sigchain.ErrorFormatInvalidB64)
}
