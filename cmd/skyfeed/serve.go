package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/habitat-network/skyfeed/internal/logging"
	"github.com/habitat-network/skyfeed/internal/server"
	"github.com/habitat-network/skyfeed/internal/telemetry"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:                   "serve",
		Usage:                  "Serve the browser sign in flow and the feed API",
		MutuallyExclusiveFlags: getDBFlags(),
		Action:                 runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	port := cmd.Int(fPort)
	httpsCerts := cmd.String(fHttpsCerts)

	// Log the parsed flag names (values may be sensitive).
	log.Info().Msgf("running with flags: %s", strings.Join(cmd.FlagNames(), ", "))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd.Bool(fOtel) {
		otelClose, err := telemetry.SetupOpenTelemetry(ctx, cmd.String(fEnv))
		if err != nil {
			log.Fatal().Err(err).Msg("failed setting up open telemetry for metric/trace/log collection")
		}
		defer func() {
			if err := otelClose(context.Background()); err != nil {
				log.Err(err).Msg("shutting down open telemetry")
			}
		}()
		// Reinstall the global logger so everything created below also exports logs.
		level, err := logLevel(cmd)
		if err != nil {
			return err
		}
		logging.NewLogger(level, telemetry.NewOtelLogWriter(global.GetLoggerProvider().Logger("zerolog")))
		log.Info().Msg("successfully set up open telemetry")
	}

	meter := otel.Meter("skyfeed-meter", metric.WithInstrumentationAttributes(
		attribute.String("env", cmd.String(fEnv)),
	))
	gauge, err := meter.Int64Gauge("skyfeed.running", metric.WithUnit("item"))
	if err != nil {
		log.Err(err).Msg("unable to create running gauge")
	} else {
		gauge.Record(ctx, 1)
		defer gauge.Record(context.Background(), 0)
	}

	a, err := setupApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cookies, err := newCookieStore(cmd.String(fCookieSecret), !a.oauth.Dev)
	if err != nil {
		return err
	}
	redirect, err := url.Parse(a.oauth.RedirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect uri: %w", err)
	}
	srv := server.NewServer(a.auth, cookies, server.WithCallbackPath(redirect.Path))

	eg, egCtx := errgroup.WithContext(ctx)
	otelMiddleware := otelhttp.NewMiddleware("skyfeed")
	s := &http.Server{
		Handler: otelMiddleware(corsMiddleware(a.oauth.ClientURI, srv.Handler())),
		Addr:    fmt.Sprintf(":%d", port),
	}

	eg.Go(func() error {
		log.Info().Msgf("starting server on port :%d", port)
		var err error
		if httpsCerts == "" {
			err = s.ListenAndServe()
		} else {
			err = s.ListenAndServeTLS(
				filepath.Join(httpsCerts, "fullchain.pem"),
				filepath.Join(httpsCerts, "privkey.pem"),
			)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down server")
		return s.Shutdown(context.Background())
	})

	err = eg.Wait()
	if err != nil {
		log.Err(err).Msgf("server shut down returned an error")
	}
	return err
}

// newCookieStore decodes the base64 cookie secret. An empty secret means a random key.
func newCookieStore(secret string, secure bool) (sessions.Store, error) {
	var key []byte
	if secret != "" {
		var err error
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("invalid cookie secret: %w", err)
		}
	}
	return server.NewCookieStore(key, secure), nil
}

// corsMiddleware lets the web client at origin call the API with its session cookie. With no
// origin only credential-less requests are allowed.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	origin = strings.TrimSuffix(origin, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, User-Agent")
		w.Header().Set("Access-Control-Max-Age", "86400") // Cache preflight for 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
