package main

import (
	"encoding/base64"
	"fmt"
	"github.com/gibson042/canonicaljson-go"
	"github.com/seald/go-trustchain-sdk/identity"
	"github.com/seald/go-trustchain-sdk/sdk"
	"github.com/seald/go-trustchain-sdk/sdk/sigchain"
	"github.com/seald/go-trustchain-sdk/symmetric_key"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/urfave/cli/v2"
	"github.com/ztrue/tracerr"
	"os"
)

var flagConfig = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to a YAML configuration file",
}
var flagApiURL = &cli.StringFlag{
	Name:  "api-url",
	Usage: "Directory server URL, overrides the configuration file",
}
var flagAppId = &cli.StringFlag{
	Name:  "app-id",
	Usage: "b64 app id",
}
var flagAppSecret = &cli.StringFlag{
	Name:  "app-secret",
	Usage: "b64 app secret",
}
var flagDatabaseDir = &cli.StringFlag{
	Name:  "database-dir",
	Usage: "Directory of the local database, overrides the configuration file",
}
var flagDatabaseKey = &cli.StringFlag{
	Name:  "database-key",
	Usage: "b64 key encrypting the local database, overrides the configuration file",
}
var flagLogLevel = &cli.StringFlag{
	Name:  "log-level",
	Usage: "trace, debug, info, warn or error",
}
var flagIdentity = &cli.StringFlag{
	Name:     "identity",
	Usage:    "Secret identity",
	Required: true,
}

// decodedBlock is the printable form of a block.
type decodedBlock struct {
	Nature       string `json:"nature"`
	Index        uint64 `json:"index"`
	TrustchainId []byte `json:"trustchain_id"`
	Author       []byte `json:"author"`
	Hash         []byte `json:"hash"`
	UserId       []byte `json:"user_id,omitempty"`
	Record       any    `json:"record"`
}

func decodeBlock(b64Block string, userId []byte) (*decodedBlock, error) {
	block, err := sigchain.UnserializeBlockB64(b64Block)
	if err != nil {
		return nil, err
	}
	decoded := &decodedBlock{
		Nature:       block.Nature.String(),
		Index:        block.Index,
		TrustchainId: block.TrustchainId,
		Author:       block.Author,
		Hash:         sigchain.HashBlock(block),
	}
	switch {
	case block.Nature == sigchain.NatureTrustchainCreation:
		decoded.Record, err = sigchain.DecodeTrustchainCreation(block.Payload)
	case block.Nature.IsDeviceCreation():
		decoded.Record, err = sigchain.DecodeDeviceCreation(block.Payload, block.Nature)
	case block.Nature.IsDeviceRevocation():
		// the payload does not name the user
		decoded.UserId = userId
		decoded.Record, err = sigchain.DecodeDeviceRevocation(block.Payload, block.Nature)
	case block.Nature.IsKeyPublish():
		decoded.Record, err = sigchain.DecodeKeyPublish(block.Payload, block.Nature)
	default:
		err = tracerr.Wrap(sigchain.ErrorFormatUnknownNature.AddDetails(block.Nature.String()))
	}
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

func printCanonical(v any) error {
	out, err := canonicaljson.Marshal(v)
	if err != nil {
		return tracerr.Wrap(err)
	}
	fmt.Println(string(out))
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "trustchain",
		Usage:   "Inspect trustchain blocks, manage identities, and check a device session",
		Version: utils.Version,
		Commands: []*cli.Command{
			{
				Name:  "decode-block",
				Usage: "Print a b64 block as canonical JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "block", Required: true},
					&cli.StringFlag{Name: "user-id", Usage: "b64 user id, for device revocations"},
				},
				Action: func(cCtx *cli.Context) error {
					var userId []byte
					if cCtx.IsSet("user-id") {
						var err error
						userId, err = utils.Base64DecodeString(cCtx.String("user-id"))
						if err != nil {
							return err
						}
					}
					decoded, err := decodeBlock(cCtx.String("block"), userId)
					if err != nil {
						return err
					}
					return printCanonical(decoded)
				},
			},
			{
				Name:  "generate-verification-key",
				Usage: "Print a new verification key",
				Action: func(cCtx *cli.Context) error {
					verificationKey, err := sdk.GenerateVerificationKey()
					if err != nil {
						return err
					}
					fmt.Println(verificationKey)
					return nil
				},
			},
			{
				Name:  "generate-database-key",
				Usage: "Print a new b64 database key",
				Action: func(cCtx *cli.Context) error {
					key, err := symmetric_key.Generate()
					if err != nil {
						return err
					}
					fmt.Println(base64.StdEncoding.EncodeToString(key.Encode()))
					return nil
				},
			},
			{
				Name:  "create-identity",
				Usage: "Print the secret identity of a user",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagAppId.Name, Usage: flagAppId.Usage, Required: true},
					&cli.StringFlag{Name: flagAppSecret.Name, Usage: flagAppSecret.Usage, Required: true},
					&cli.StringFlag{Name: "user-id", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					secretIdentity, err := identity.CreateIdentity(cCtx.String(flagAppId.Name), cCtx.String(flagAppSecret.Name), cCtx.String("user-id"))
					if err != nil {
						return err
					}
					fmt.Println(secretIdentity)
					return nil
				},
			},
			{
				Name:  "create-provisional-identity",
				Usage: "Print the secret provisional identity of an email",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagAppId.Name, Usage: flagAppId.Usage, Required: true},
					&cli.StringFlag{Name: "email", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					secretIdentity, err := identity.CreateProvisionalIdentity(cCtx.String(flagAppId.Name), cCtx.String("email"))
					if err != nil {
						return err
					}
					fmt.Println(secretIdentity)
					return nil
				},
			},
			{
				Name:  "public-identity",
				Usage: "Print the public identity of a secret identity",
				Flags: []cli.Flag{flagIdentity},
				Action: func(cCtx *cli.Context) error {
					publicIdentity, err := identity.GetPublicIdentity(cCtx.String(flagIdentity.Name))
					if err != nil {
						return err
					}
					fmt.Println(publicIdentity)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Open a session with the local database, and print its status",
				Flags: []cli.Flag{flagConfig, flagApiURL, flagAppId, flagDatabaseDir, flagDatabaseKey, flagLogLevel, flagIdentity},
				Action: func(cCtx *cli.Context) error {
					config, err := configFromFlags(cCtx)
					if err != nil {
						return err
					}
					options, err := config.initializeOptions()
					if err != nil {
						return err
					}
					session, err := sdk.Initialize(cCtx.Context, options, cCtx.String(flagIdentity.Name))
					if err != nil {
						return err
					}
					defer func() { _ = session.Close() }()
					status := map[string]string{"status": session.Status().String()}
					if deviceId := session.DeviceId(); deviceId != nil {
						status["device_id"] = base64.StdEncoding.EncodeToString(deviceId)
					}
					return printCanonical(status)
				},
			},
		},
	}
}

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, utils.ToSerializableError(err).Error())
		os.Exit(1)
	}
}
