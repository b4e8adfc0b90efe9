// Package oauthclient implements the client side of atproto OAuth: authorization server
// discovery, pushed authorization requests with PKCE, and DPoP-bound token requests.
package oauthclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	jose "github.com/go-jose/go-jose/v3"
	"github.com/habitat-network/skyfeed/util"
	"golang.org/x/oauth2"
)

const (
	authMethodNone          = "none"
	authMethodPrivateKeyJWT = "private_key_jwt"
)

// TargetType says how the authorization flow should find the user's authorization server.
type TargetType int

const (
	// TargetAccount resolves a handle or DID to its PDS.
	TargetAccount TargetType = iota
	// TargetPDS starts from a PDS (or entryway) service URL.
	TargetPDS
)

type Target struct {
	Type TargetType

	// Identifier is set for TargetAccount.
	Identifier syntax.AtIdentifier
	// ServiceURL is set for TargetPDS.
	ServiceURL string
}

// AuthorizeState is everything needed to complete an authorization once the user
// returns to the redirect URI.
type AuthorizeState struct {
	State              string
	Verifier           string
	Issuer             string
	TokenEndpoint      string
	RevocationEndpoint string
	PDSURL             string

	// Set only when the flow started from an account identifier.
	DID    syntax.DID
	Handle syntax.Handle
}

type OAuthClient interface {
	ClientMetadata() *ClientMetadata

	// Authorize pushes an authorization request and returns the URL to send the user to.
	Authorize(
		ctx context.Context,
		dpopClient *DpopHttpClient,
		target Target,
	) (string, *AuthorizeState, error)

	ExchangeCode(
		ctx context.Context,
		dpopClient *DpopHttpClient,
		code string,
		state *AuthorizeState,
	) (*TokenResponse, error)

	RefreshToken(
		ctx context.Context,
		dpopClient *DpopHttpClient,
		issuer string,
		refreshToken string,
	) (*TokenResponse, error)

	// Revoke revokes a token. Authorization servers without a revocation endpoint are a no-op.
	Revoke(ctx context.Context, dpopClient *DpopHttpClient, issuer string, token string) error

	// ResolveIssuer looks up the DID's PDS and the issuer of its authorization server.
	ResolveIssuer(ctx context.Context, did syntax.DID) (*identity.Identity, string, error)
}

type oauthClientImpl struct {
	metadata   *ClientMetadata
	secretJWK  *jose.JSONWebKey
	dir        identity.Directory
	httpClient *http.Client
}

type ClientOption func(*oauthClientImpl) error

// WithSecretJWK makes the client confidential: token requests carry a private_key_jwt
// client assertion signed with this ES256 key.
func WithSecretJWK(secretJWK []byte) ClientOption {
	return func(c *oauthClientImpl) error {
		if len(secretJWK) == 0 {
			return nil
		}
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(secretJWK); err != nil {
			return fmt.Errorf("failed to parse client secret jwk: %w", err)
		}
		if jwk.IsPublic() {
			return errors.New("client secret jwk must be a private key")
		}
		c.secretJWK = &jwk
		return nil
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *oauthClientImpl) error {
		c.httpClient = client
		return nil
	}
}

func NewOAuthClient(
	metadata *ClientMetadata,
	dir identity.Directory,
	opts ...ClientOption,
) (OAuthClient, error) {
	if metadata == nil || metadata.ClientID == "" {
		return nil, errors.New("client metadata with a client_id is required")
	}
	if len(metadata.RedirectURIs) == 0 {
		return nil, errors.New("client metadata has no redirect_uris")
	}
	md := *metadata
	c := &oauthClientImpl{
		metadata:   &md,
		dir:        dir,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	md.DpopBoundAccessTokens = true
	if c.secretJWK != nil {
		md.TokenEndpointAuthMethod = authMethodPrivateKeyJWT
		md.TokenEndpointAuthSigningAlg = string(jose.ES256)
		if md.JWKSURI == "" && len(md.JWKS) == 0 {
			jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{c.secretJWK.Public()}})
			if err != nil {
				return nil, err
			}
			md.JWKS = jwks
		}
	} else if md.TokenEndpointAuthMethod == "" {
		md.TokenEndpointAuthMethod = authMethodNone
	}
	if md.TokenEndpointAuthMethod == authMethodPrivateKeyJWT && c.secretJWK == nil {
		return nil, errors.New("private_key_jwt client requires a secret jwk")
	}
	return c, nil
}

func (c *oauthClientImpl) ClientMetadata() *ClientMetadata {
	return c.metadata
}

func (c *oauthClientImpl) redirectURI() string {
	return c.metadata.RedirectURIs[0]
}

func (c *oauthClientImpl) Authorize(
	ctx context.Context,
	dpopClient *DpopHttpClient,
	target Target,
) (string, *AuthorizeState, error) {
	state := &AuthorizeState{
		State:    generateNonce(),
		Verifier: oauth2.GenerateVerifier(),
	}
	var loginHint string
	switch target.Type {
	case TargetAccount:
		if c.dir == nil {
			return "", nil, errors.New("no identity directory configured")
		}
		id, err := c.dir.Lookup(ctx, target.Identifier)
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve identity: %w", err)
		}
		state.PDSURL = id.PDSEndpoint()
		if state.PDSURL == "" {
			return "", nil, errors.New("no pds url in identity")
		}
		state.DID = id.DID
		state.Handle = id.Handle
		loginHint = target.Identifier.String()
	case TargetPDS:
		if target.ServiceURL == "" {
			return "", nil, errors.New("no service url for pds target")
		}
		state.PDSURL = target.ServiceURL
	default:
		return "", nil, fmt.Errorf("unknown target type %d", target.Type)
	}

	as, err := c.resolveAuthorizationServer(ctx, state.PDSURL, target.Type == TargetPDS)
	if err != nil {
		return "", nil, err
	}
	state.Issuer = as.Issuer
	state.TokenEndpoint = as.TokenEndpoint
	state.RevocationEndpoint = as.RevocationEndpoint

	form := url.Values{
		"client_id":             {c.metadata.ClientID},
		"response_type":         {"code"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(state.Verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {state.State},
		"redirect_uri":          {c.redirectURI()},
		"scope":                 {c.metadata.Scope},
	}
	if loginHint != "" {
		form.Set("login_hint", loginHint)
	}
	if err := c.addClientAuth(form, as.Issuer); err != nil {
		return "", nil, err
	}

	var par parResponse
	if err := postForm(ctx, dpopClient, as.PAREndpoint, form, &par); err != nil {
		return "", nil, fmt.Errorf("pushed authorization request failed: %w", err)
	}
	if par.RequestUri == "" {
		return "", nil, errors.New("pushed authorization request returned no request_uri")
	}

	redirect, err := url.Parse(as.AuthEndpoint)
	if err != nil {
		return "", nil, fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	q := redirect.Query()
	q.Set("client_id", c.metadata.ClientID)
	q.Set("request_uri", par.RequestUri)
	redirect.RawQuery = q.Encode()
	return redirect.String(), state, nil
}

func (c *oauthClientImpl) ExchangeCode(
	ctx context.Context,
	dpopClient *DpopHttpClient,
	code string,
	state *AuthorizeState,
) (*TokenResponse, error) {
	if state == nil {
		return nil, errors.New("no authorization state")
	}
	if code == "" {
		return nil, errors.New("no authorization code")
	}
	form := url.Values{
		"client_id":     {c.metadata.ClientID},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.redirectURI()},
		"code_verifier": {state.Verifier},
	}
	if err := c.addClientAuth(form, state.Issuer); err != nil {
		return nil, err
	}
	return c.requestToken(ctx, dpopClient, state.TokenEndpoint, form)
}

func (c *oauthClientImpl) RefreshToken(
	ctx context.Context,
	dpopClient *DpopHttpClient,
	issuer string,
	refreshToken string,
) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	as, err := c.fetchAuthorizationServer(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch authorization server: %w", err)
	}
	form := url.Values{
		"client_id":     {c.metadata.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if err := c.addClientAuth(form, as.Issuer); err != nil {
		return nil, err
	}
	return c.requestToken(ctx, dpopClient, as.TokenEndpoint, form)
}

func (c *oauthClientImpl) Revoke(
	ctx context.Context,
	dpopClient *DpopHttpClient,
	issuer string,
	token string,
) error {
	as, err := c.fetchAuthorizationServer(ctx, issuer)
	if err != nil {
		return fmt.Errorf("failed to fetch authorization server: %w", err)
	}
	if as.RevocationEndpoint == "" {
		return nil
	}
	form := url.Values{
		"client_id": {c.metadata.ClientID},
		"token":     {token},
	}
	if err := c.addClientAuth(form, as.Issuer); err != nil {
		return err
	}
	return postForm(ctx, dpopClient, as.RevocationEndpoint, form, nil)
}

func (c *oauthClientImpl) ResolveIssuer(
	ctx context.Context,
	did syntax.DID,
) (*identity.Identity, string, error) {
	if c.dir == nil {
		return nil, "", errors.New("no identity directory configured")
	}
	id, err := c.dir.LookupDID(ctx, did)
	if err != nil {
		return nil, "", fmt.Errorf("failed to lookup did: %w", err)
	}
	pdsURL := id.PDSEndpoint()
	if pdsURL == "" {
		return nil, "", errors.New("no pds url in identity")
	}
	as, err := c.resolveAuthorizationServer(ctx, pdsURL, false)
	if err != nil {
		return nil, "", err
	}
	return id, as.Issuer, nil
}

func (c *oauthClientImpl) requestToken(
	ctx context.Context,
	dpopClient *DpopHttpClient,
	tokenEndpoint string,
	form url.Values,
) (*TokenResponse, error) {
	var tokenResp TokenResponse
	if err := postForm(ctx, dpopClient, tokenEndpoint, form, &tokenResp); err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if !strings.EqualFold(tokenResp.TokenType, "DPoP") {
		return nil, fmt.Errorf("unexpected token type %q", tokenResp.TokenType)
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("token response has no access token")
	}
	return &tokenResp, nil
}

func (c *oauthClientImpl) addClientAuth(form url.Values, audience string) error {
	if c.secretJWK == nil {
		return nil
	}
	assertion, err := newClientAssertion(c.secretJWK, c.metadata.ClientID, audience)
	if err != nil {
		return fmt.Errorf("failed to create client assertion: %w", err)
	}
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	return nil
}

// postForm sends a DPoP-signed form post to an authorization server and decodes a 2xx JSON
// response into out (if non-nil). Error responses are returned as *OAuthError when possible.
func postForm(
	ctx context.Context,
	dpopClient *DpopHttpClient,
	endpoint string,
	form url.Values,
	out any,
) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := dpopClient.Do(req)
	if err != nil {
		return err
	}
	defer util.Close(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		oauthErr := &OAuthError{Status: resp.StatusCode}
		if json.Unmarshal(body, oauthErr) != nil || oauthErr.Code == "" {
			oauthErr.Code = http.StatusText(resp.StatusCode)
		}
		return oauthErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
