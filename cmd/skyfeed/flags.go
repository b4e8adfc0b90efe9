package main

import (
	"fmt"
	"strings"

	altsrc "github.com/urfave/cli-altsrc/v3"
	yaml "github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
)

var (
	fDebug             = "debug"
	fLogLevel          = "log_level"
	fDb                = "db"
	fPgUrl             = "pgurl"
	fSessionEncryptKey = "session_encrypt_key"
	fClientMetadata    = "client_metadata"
	fClientJWK         = "client_jwk"
	fDev               = "dev"
	fDevHost           = "dev_host"
	fPort              = "port"
	fHttpsCerts        = "httpscerts"
	fCookieSecret      = "cookie_secret"
	fJetstreamURL      = "jetstream_url"
	fOtel              = "otel"
	fEnv               = "env"
)
var profiles []string

func getFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    fDebug,
			Usage:   "Enable debug logging. Shorthand for --log_level debug",
			Sources: getSources(fDebug),
		},
		&cli.StringFlag{
			Name:    fLogLevel,
			Usage:   "zerolog level: trace, debug, info, warn, error",
			Value:   "info",
			Sources: getSources(fLogLevel),
		},
		&cli.StringSliceFlag{
			Name:        "profile",
			Usage:       "YAML profile files that specify flags. Can be stacked from highest precedence to lowest.",
			TakesFile:   true,
			Destination: &profiles,
		},
		&cli.StringFlag{
			Name:    fSessionEncryptKey,
			Usage:   "32-byte base64-encoded key sealing stored tokens. Generate one with `skyfeed keygen`",
			Sources: getSources(fSessionEncryptKey),
		},
		&cli.StringFlag{
			Name:      fClientMetadata,
			Usage:     "The path to the OAuth client metadata document",
			Value:     "./client-metadata.json",
			TakesFile: true,
			Sources:   getSources(fClientMetadata),
		},
		&cli.StringFlag{
			Name:      fClientJWK,
			Usage:     "The path to a private ES256 JWK. Makes this a confidential client",
			TakesFile: true,
			Sources:   getSources(fClientJWK),
		},
		&cli.BoolFlag{
			Name:    fDev,
			Usage:   "Use a loopback client id and redirect instead of the published client metadata",
			Sources: getSources(fDev),
		},
		&cli.StringFlag{
			Name:    fDevHost,
			Usage:   "The loopback host used for the dev redirect uri",
			Value:   "127.0.0.1",
			Sources: getSources(fDevHost),
		},
		&cli.IntFlag{
			Name:    fPort,
			Usage:   "The port on which to run the server and receive dev redirects",
			Value:   3000,
			Sources: getSources(fPort),
		},
		&cli.StringFlag{
			Name:    fHttpsCerts,
			Usage:   "The directory in which TLS certs can be found. Should contain fullchain.pem and privkey.pem",
			Sources: getSources(fHttpsCerts),
		},
		&cli.StringFlag{
			Name:    fCookieSecret,
			Usage:   "base64-encoded key authenticating browser session cookies. Random per process if unset",
			Sources: getSources(fCookieSecret),
		},
		&cli.StringFlag{
			Name:    fJetstreamURL,
			Usage:   "The Jetstream subscribe endpoint used by watch",
			Value:   "wss://jetstream2.us-east.bsky.network/subscribe",
			Sources: getSources(fJetstreamURL),
		},
		&cli.BoolFlag{
			Name:    fOtel,
			Usage:   "Export traces, metrics and logs over OTLP",
			Sources: getSources(fOtel),
		},
		&cli.StringFlag{
			Name:    fEnv,
			Usage:   "The deployment environment reported to OpenTelemetry",
			Value:   "local",
			Sources: getSources(fEnv),
		},
	}
}

// getDBFlags is attached to every command that opens the session database. Each call returns
// fresh flags since a flag cannot be shared between commands.
func getDBFlags() []cli.MutuallyExclusiveFlags {
	return []cli.MutuallyExclusiveFlags{
		{
			Flags: [][]cli.Flag{
				{
					&cli.StringFlag{
						Name:    fDb,
						Usage:   "The path to the sqlite file holding sessions",
						Value:   "./skyfeed.db",
						Sources: getSources(fDb),
					},
				},
				{
					&cli.StringFlag{
						Name:    fPgUrl,
						Usage:   "The postgres connection string",
						Sources: getSources(fPgUrl),
					},
				},
			},
		},
	}
}

func getSources(name string) cli.ValueSourceChain {
	return cli.NewValueSourceChain(
		cli.EnvVar("SKYFEED_"+strings.ToUpper(name)),
		&profilesSource{name: name},
	)
}

type profilesSource struct {
	name string
}

// GoString implements cli.ValueSource.
func (ps *profilesSource) GoString() string {
	return fmt.Sprintf("&profilesSource{name:%[1]q}", ps.name)
}

func (ps *profilesSource) String() string {
	return strings.Join(profiles, ",")
}

func (ps *profilesSource) Lookup() (string, bool) {
	sources := cli.ValueSourceChain{
		Chain: []cli.ValueSource{},
	}
	for i := range profiles {
		sources.Chain = append(
			sources.Chain,
			yaml.YAML(ps.name, altsrc.NewStringPtrSourcer(&profiles[i])),
		)
	}
	return sources.Lookup()
}
