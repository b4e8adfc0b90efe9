package main

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func TestFlagSources(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("port: 4000\nlog_level: warn\ndev: true\n"), 0o600))
	t.Setenv("SKYFEED_LOG_LEVEL", "error")
	t.Cleanup(func() { profiles = nil })

	var (
		port  int
		level string
		dev   bool
	)
	cmd := &cli.Command{
		Name:  "skyfeed",
		Flags: getFlags(),
		Action: func(_ context.Context, cmd *cli.Command) error {
			port = cmd.Int(fPort)
			level = cmd.String(fLogLevel)
			dev = cmd.Bool(fDev)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), []string{"skyfeed", "--profile", profile}))
	require.Equal(t, 4000, port)
	// the environment wins over profiles
	require.Equal(t, "error", level)
	require.True(t, dev)
}

func TestDBFlagsAreExclusive(t *testing.T) {
	cmd := &cli.Command{
		Name:                   "skyfeed",
		MutuallyExclusiveFlags: getDBFlags(),
		Action:                 func(context.Context, *cli.Command) error { return nil },
	}
	err := cmd.Run(context.Background(), []string{
		"skyfeed", "--db", "x.db", "--pgurl", "postgres://localhost/skyfeed",
	})
	require.Error(t, err)
}

func TestCorsMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	corsMiddleware("", next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/feed", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = httptest.NewRecorder()
	corsMiddleware("https://skyfeed.example/", next).
		ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/feed", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://skyfeed.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestNewCookieStore(t *testing.T) {
	_, err := newCookieStore("not base64!", true)
	require.Error(t, err)

	secret := base64.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(32))
	store, err := newCookieStore(secret, true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	session, err := store.New(req, "skyfeed-session")
	require.NoError(t, err)
	require.True(t, session.Options.HttpOnly)
	require.True(t, session.Options.Secure)
	require.Equal(t, http.SameSiteLaxMode, session.Options.SameSite)

	random, err := newCookieStore("", false)
	require.NoError(t, err)
	session, err = random.New(req, "skyfeed-session")
	require.NoError(t, err)
	require.False(t, session.Options.Secure)
}

func TestIsLoopback(t *testing.T) {
	for raw, want := range map[string]bool{
		"http://127.0.0.1:3000/oauth-callback":   true,
		"http://localhost:3000/oauth-callback":   true,
		"http://[::1]:3000/oauth-callback":       true,
		"https://127.0.0.1:3000/oauth-callback":  false,
		"https://skyfeed.example/oauth-callback": false,
		"http://192.168.1.2:3000/oauth-callback": false,
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, want, isLoopback(u), raw)
	}
}
