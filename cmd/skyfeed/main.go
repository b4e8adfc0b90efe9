package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/habitat-network/skyfeed/internal/auth"
	"github.com/habitat-network/skyfeed/internal/config"
	"github.com/habitat-network/skyfeed/internal/encrypt"
	"github.com/habitat-network/skyfeed/internal/logging"
	"github.com/habitat-network/skyfeed/internal/oauthclient"
	"github.com/habitat-network/skyfeed/internal/sessionstore"
	"github.com/habitat-network/skyfeed/util"
)

func main() {
	loadEnvFile()
	cmd := &cli.Command{
		Name:   "skyfeed",
		Usage:  "Sign in to Bluesky with atproto OAuth and read author feeds",
		Flags:  getFlags(),
		Before: setupLogging,
		Commands: []*cli.Command{
			serveCommand(),
			loginCommand(),
			whoamiCommand(),
			feedCommand(),
			watchCommand(),
			logoutCommand(),
			keygenCommand(),
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("error running command")
	}
}

// loadEnvFile has to run before flags are parsed so SKYFEED_* values in the file are seen.
func loadEnvFile() {
	path := os.Getenv("SKYFEED_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Msgf("unable to load %s", path)
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level, err := logLevel(cmd)
	if err != nil {
		return ctx, err
	}
	logging.NewLogger(level)
	return ctx, nil
}

func logLevel(cmd *cli.Command) (zerolog.Level, error) {
	if cmd.Bool(fDebug) {
		return zerolog.DebugLevel, nil
	}
	return logging.ParseLevel(cmd.String(fLogLevel))
}

func setupDB(cmd *cli.Command) *gorm.DB {
	var db *gorm.DB
	if postgresUrl := cmd.String(fPgUrl); postgresUrl != "" {
		var err error
		db, err = gorm.Open(postgres.Open(postgresUrl), &gorm.Config{Logger: logging.NewGormLogger(&log.Logger)})
		if err != nil {
			log.Fatal().Err(err).Msg("unable to open postgres db holding sessions")
		}
	} else {
		var err error
		db, err = gorm.Open(sqlite.Open(cmd.String(fDb)), &gorm.Config{Logger: logging.NewGormLogger(&log.Logger)})
		if err != nil {
			log.Fatal().Err(err).Msg("unable to open sqlite file holding sessions")
		}
	}
	if cmd.Bool(fOtel) {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			log.Fatal().Err(err).Msg("unable to trace database queries")
		}
	}
	return db
}

// app is what every command that signs in needs.
type app struct {
	oauth *config.OAuthConfig
	db    *gorm.DB
	store sessionstore.Store
	auth  *auth.Service
}

func setupApp(cmd *cli.Command) (*app, error) {
	rawKey := cmd.String(fSessionEncryptKey)
	if rawKey == "" {
		return nil, fmt.Errorf("--%s is required, generate one with `skyfeed keygen`", fSessionEncryptKey)
	}
	key, err := encrypt.ParseKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("unable to load session encryption key: %w", err)
	}

	md, err := config.LoadClientMetadata(cmd.String(fClientMetadata))
	if err != nil {
		return nil, err
	}
	var opts []config.Option
	if cmd.Bool(fDev) {
		opts = append(opts, config.WithDevServer(cmd.String(fDevHost), cmd.Int(fPort)))
	}
	oauthConfig, err := config.NewOAuthConfig(md, opts...)
	if err != nil {
		return nil, err
	}

	var clientOpts []oauthclient.ClientOption
	if path := cmd.String(fClientJWK); path != "" && !oauthConfig.Dev {
		secretJWK, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("unable to read client jwk: %w", err)
		}
		clientOpts = append(clientOpts, oauthclient.WithSecretJWK(secretJWK))
	}
	oauthClient, err := oauthclient.NewOAuthClient(oauthConfig.Metadata, identity.DefaultDirectory(), clientOpts...)
	if err != nil {
		return nil, err
	}

	db := setupDB(cmd)
	store, err := sessionstore.NewStore(db, key)
	if err != nil {
		return nil, fmt.Errorf("unable to setup session store: %w", err)
	}

	log.Debug().
		Str("client_id", oauthConfig.ClientID).
		Str("redirect_uri", oauthConfig.RedirectURI).
		Bool("dev", oauthConfig.Dev).
		Msg("configured oauth client")
	return &app{
		oauth: oauthConfig,
		db:    db,
		store: store,
		auth:  auth.NewService(oauthClient, store),
	}, nil
}

func (a *app) Close() {
	sqlDB, err := a.db.DB()
	if err != nil {
		log.Warn().Err(err).Msg("unable to get database handle")
		return
	}
	util.Close(sqlDB, util.LogError("closing database"))
}

// restore returns the last signed in session, or nil when nobody is signed in.
func (a *app) restore(ctx context.Context) (*auth.Session, error) {
	return a.auth.InitOrRestore(ctx, nil, auth.NewStorePointer(a.store))
}

func printStatus(text string) {
	fmt.Fprintln(os.Stderr, text)
}

// describe names a session for humans. PDS sign ins may not know the handle.
func describe(session *auth.Session) string {
	if session.Handle() == "" {
		return session.DID().String()
	}
	return fmt.Sprintf("%s (%s)", session.Handle(), session.DID())
}
