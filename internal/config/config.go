// Package config derives the OAuth client configuration from a client metadata document.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/habitat-network/skyfeed/internal/oauthclient"
	"github.com/qri-io/jsonschema"
)

const (
	DefaultDevHost = "127.0.0.1"
	DefaultDevPort = 3000

	DefaultScope = "atproto transition:generic"

	loopbackClientID = "http://localhost"
)

//go:embed schema/client-metadata.schema.json
var clientMetadataSchemaRaw []byte

// OAuthConfig is what the OAuth client needs to know about itself.
type OAuthConfig struct {
	ClientID    string
	RedirectURI string
	Scope       string
	ClientURI   string

	// Dev is set when the loopback client id is in use.
	Dev bool

	// Metadata is the document served at the client id URL. In dev mode it describes the
	// loopback client and is never fetched by the authorization server.
	Metadata *oauthclient.ClientMetadata
}

type options struct {
	dev  bool
	host string
	port int
}

type Option func(*options)

// WithDevServer switches to the loopback client id with a redirect on host:port.
func WithDevServer(host string, port int) Option {
	return func(o *options) {
		o.dev = true
		o.host = host
		o.port = port
	}
}

// LoadClientMetadata reads and validates a client metadata document from disk.
func LoadClientMetadata(path string) (*oauthclient.ClientMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client metadata: %w", err)
	}
	return ParseClientMetadata(data)
}

func ParseClientMetadata(data []byte) (*oauthclient.ClientMetadata, error) {
	if err := validateClientMetadata(data); err != nil {
		return nil, err
	}
	var md oauthclient.ClientMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to decode client metadata: %w", err)
	}
	return &md, nil
}

func validateClientMetadata(data []byte) error {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(clientMetadataSchemaRaw, rs); err != nil {
		return fmt.Errorf("invalid client metadata schema: %w", err)
	}
	keyErrs, err := rs.ValidateBytes(context.Background(), data)
	if err != nil {
		return fmt.Errorf("invalid client metadata: %w", err)
	}
	if len(keyErrs) > 0 {
		return fmt.Errorf("invalid client metadata: %w", keyErrs[0])
	}
	return nil
}

// NewOAuthConfig builds the client configuration. Without options the metadata is used as-is.
func NewOAuthConfig(md *oauthclient.ClientMetadata, opts ...Option) (*OAuthConfig, error) {
	if md == nil {
		return nil, errors.New("client metadata is required")
	}
	if len(md.RedirectURIs) == 0 {
		return nil, errors.New("client metadata has no redirect_uris")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	scope := md.Scope
	if scope == "" {
		scope = DefaultScope
	}
	cfg := &OAuthConfig{
		ClientID:    md.ClientID,
		RedirectURI: md.RedirectURIs[0],
		Scope:       scope,
		ClientURI:   md.ClientURI,
		Metadata:    md,
	}
	if !o.dev {
		return cfg, nil
	}

	redirectURI, err := devRedirectURI(md.RedirectURIs[0], o.host, o.port)
	if err != nil {
		return nil, err
	}
	cfg.Dev = true
	cfg.RedirectURI = redirectURI
	cfg.ClientID = LoopbackClientID(redirectURI, scope)

	dev := *md
	dev.ClientID = cfg.ClientID
	dev.RedirectURIs = []string{redirectURI}
	dev.Scope = scope
	dev.ApplicationType = "native"
	dev.TokenEndpointAuthMethod = "none"
	dev.TokenEndpointAuthSigningAlg = ""
	dev.JWKS = nil
	dev.JWKSURI = ""
	cfg.Metadata = &dev
	return cfg, nil
}

// LoopbackClientID encodes the redirect and scope into a loopback client id, which
// authorization servers accept without fetching metadata.
func LoopbackClientID(redirectURI, scope string) string {
	return loopbackClientID +
		"?redirect_uri=" + encodeComponent(redirectURI) +
		"&scope=" + encodeComponent(scope)
}

func devRedirectURI(registered, host string, port int) (string, error) {
	u, err := url.Parse(registered)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri %q: %w", registered, err)
	}
	if host == "" {
		host = DefaultDevHost
	}
	if port == 0 {
		port = DefaultDevPort
	}
	return "http://" + host + ":" + strconv.Itoa(port) + u.Path, nil
}

// encodeComponent percent-encodes like a URI component: spaces become %20, not +.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
