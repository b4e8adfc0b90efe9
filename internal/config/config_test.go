package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testClientMetadata = `{
  "client_id": "https://gallery.example.com/client-metadata.json",
  "client_name": "gallery",
  "client_uri": "https://gallery.example.com",
  "redirect_uris": ["https://gallery.example.com/oauth-callback"],
  "scope": "atproto transition:generic",
  "grant_types": ["authorization_code", "refresh_token"],
  "response_types": ["code"],
  "application_type": "web",
  "token_endpoint_auth_method": "none",
  "dpop_bound_access_tokens": true
}`

func TestParseClientMetadata(t *testing.T) {
	md, err := ParseClientMetadata([]byte(testClientMetadata))
	require.NoError(t, err)
	require.Equal(t, "https://gallery.example.com/client-metadata.json", md.ClientID)
	require.Equal(t, []string{"https://gallery.example.com/oauth-callback"}, md.RedirectURIs)
	require.True(t, md.DpopBoundAccessTokens)
}

func TestParseClientMetadata_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing redirect", doc: `{"client_id": "x", "scope": "atproto", "dpop_bound_access_tokens": true}`},
		{name: "no atproto scope", doc: `{"client_id": "x", "redirect_uris": ["https://a/cb"], "scope": "openid", "dpop_bound_access_tokens": true}`},
		{name: "dpop disabled", doc: `{"client_id": "x", "redirect_uris": ["https://a/cb"], "scope": "atproto", "dpop_bound_access_tokens": false}`},
		{name: "not json", doc: `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClientMetadata([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestNewOAuthConfig_Production(t *testing.T) {
	md, err := ParseClientMetadata([]byte(testClientMetadata))
	require.NoError(t, err)

	cfg, err := NewOAuthConfig(md)
	require.NoError(t, err)
	require.False(t, cfg.Dev)
	require.Equal(t, md.ClientID, cfg.ClientID)
	require.Equal(t, "https://gallery.example.com/oauth-callback", cfg.RedirectURI)
	require.Equal(t, "atproto transition:generic", cfg.Scope)
	require.Equal(t, "https://gallery.example.com", cfg.ClientURI)
	require.Same(t, md, cfg.Metadata)
}

func TestNewOAuthConfig_Dev(t *testing.T) {
	md, err := ParseClientMetadata([]byte(testClientMetadata))
	require.NoError(t, err)

	cfg, err := NewOAuthConfig(md, WithDevServer(DefaultDevHost, DefaultDevPort))
	require.NoError(t, err)
	require.True(t, cfg.Dev)
	require.Equal(t, "http://127.0.0.1:3000/oauth-callback", cfg.RedirectURI)
	require.Equal(
		t,
		"http://localhost?redirect_uri=http%3A%2F%2F127.0.0.1%3A3000%2Foauth-callback&scope=atproto%20transition%3Ageneric",
		cfg.ClientID,
	)
	require.Equal(t, cfg.ClientID, cfg.Metadata.ClientID)
	require.Equal(t, "none", cfg.Metadata.TokenEndpointAuthMethod)

	// the source document is left untouched
	require.Equal(t, "https://gallery.example.com/client-metadata.json", md.ClientID)
}

func TestLoadClientMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(testClientMetadata), 0o600))

	md, err := LoadClientMetadata(path)
	require.NoError(t, err)
	require.Equal(t, "gallery", md.ClientName)

	_, err = LoadClientMetadata(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
