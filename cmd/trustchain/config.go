package main

import (
	"github.com/rs/zerolog"
	"github.com/seald/go-trustchain-sdk/sdk"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/urfave/cli/v2"
	"github.com/ztrue/tracerr"
	"gopkg.in/yaml.v3"
	"os"
)

var (
	// ErrorConfigRead is returned when the configuration file cannot be read or parsed
	ErrorConfigRead = utils.NewSealdError(utils.KindInvalidArgument, "CONFIG_READ", "cannot read configuration file")
	// ErrorConfigDatabaseKey is returned when the database key is missing or is not a b64 symmetric key
	ErrorConfigDatabaseKey = utils.NewSealdError(utils.KindInvalidArgument, "CONFIG_DATABASE_KEY", "invalid database key")
	// ErrorConfigLogLevel is returned when the log level is not a zerolog level name
	ErrorConfigLogLevel = utils.NewSealdError(utils.KindInvalidArgument, "CONFIG_LOG_LEVEL", "invalid log level")
)

type Config struct {
	ApiURL            string  `yaml:"apiUrl"`
	AppId             string  `yaml:"appId"`
	DatabaseDir       string  `yaml:"databaseDir"`
	DatabaseKey       string  `yaml:"databaseKey"`
	LogLevel          string  `yaml:"logLevel"`
	InstanceName      string  `yaml:"instanceName"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

func defaultConfig() Config {
	return Config{
		ApiURL:      sdk.DefaultApiURL,
		DatabaseDir: "trustchain-db",
		LogLevel:    "warn",
	}
}

// loadConfig reads path over the defaults. An empty path gives the defaults.
func loadConfig(path string) (Config, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, tracerr.Wrap(ErrorConfigRead.Wrap(err))
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return config, tracerr.Wrap(ErrorConfigRead.Wrap(err))
	}
	config.merge(parsed)
	return config, nil
}

// merge overrides the fields set in src.
func (config *Config) merge(src Config) {
	if src.ApiURL != "" {
		config.ApiURL = src.ApiURL
	}
	if src.AppId != "" {
		config.AppId = src.AppId
	}
	if src.DatabaseDir != "" {
		config.DatabaseDir = src.DatabaseDir
	}
	if src.DatabaseKey != "" {
		config.DatabaseKey = src.DatabaseKey
	}
	if src.LogLevel != "" {
		config.LogLevel = src.LogLevel
	}
	if src.InstanceName != "" {
		config.InstanceName = src.InstanceName
	}
	if src.RequestsPerSecond != 0 {
		config.RequestsPerSecond = src.RequestsPerSecond
	}
}

// configFromFlags loads the --config file, then applies the flags given on the command line.
func configFromFlags(cCtx *cli.Context) (Config, error) {
	config, err := loadConfig(cCtx.String(flagConfig.Name))
	if err != nil {
		return config, err
	}
	config.merge(Config{
		ApiURL:      cCtx.String(flagApiURL.Name),
		AppId:       cCtx.String(flagAppId.Name),
		DatabaseDir: cCtx.String(flagDatabaseDir.Name),
		DatabaseKey: cCtx.String(flagDatabaseKey.Name),
		LogLevel:    cCtx.String(flagLogLevel.Name),
	})
	return config, nil
}

func (config *Config) initializeOptions() (*sdk.InitializeOptions, error) {
	if config.DatabaseKey == "" {
		return nil, tracerr.Wrap(ErrorConfigDatabaseKey.AddDetails("missing"))
	}
	rawKey, err := utils.Base64DecodeString(config.DatabaseKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorConfigDatabaseKey.Wrap(err))
	}
	databaseKey, err := symmetric_key.Decode(rawKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorConfigDatabaseKey.Wrap(err))
	}
	logLevel, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, tracerr.Wrap(ErrorConfigLogLevel.Wrap(err))
	}
	return &sdk.InitializeOptions{
		ApiURL:            config.ApiURL,
		AppId:             config.AppId,
		Database:          &sdk.FileStorage{EncryptionKey: databaseKey, DatabaseDir: config.DatabaseDir},
		SdkType:           "cli-go",
		LogLevel:          logLevel,
		LogWriter:         os.Stderr,
		InstanceName:      config.InstanceName,
		RequestsPerSecond: config.RequestsPerSecond,
	}, nil
}
