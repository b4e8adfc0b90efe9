package oauthclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/habitat-network/skyfeed/util"
)

const (
	protectedResourcePath   = "/.well-known/oauth-protected-resource"
	authorizationServerPath = "/.well-known/oauth-authorization-server"
)

// ClientMetadata is the document published at the client id URL.
type ClientMetadata struct {
	ClientID                    string          `json:"client_id"`
	ClientName                  string          `json:"client_name,omitempty"`
	ClientURI                   string          `json:"client_uri,omitempty"`
	RedirectURIs                []string        `json:"redirect_uris"`
	Scope                       string          `json:"scope"`
	GrantTypes                  []string        `json:"grant_types,omitempty"`
	ResponseTypes               []string        `json:"response_types,omitempty"`
	ApplicationType             string          `json:"application_type,omitempty"`
	TokenEndpointAuthMethod     string          `json:"token_endpoint_auth_method,omitempty"`
	TokenEndpointAuthSigningAlg string          `json:"token_endpoint_auth_signing_alg,omitempty"`
	DpopBoundAccessTokens       bool            `json:"dpop_bound_access_tokens"`
	JWKSURI                     string          `json:"jwks_uri,omitempty"`
	JWKS                        json.RawMessage `json:"jwks,omitempty"`
}

type oauthProtectedResource struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

type oauthAuthorizationServer struct {
	Issuer             string   `json:"issuer"`
	AuthEndpoint       string   `json:"authorization_endpoint"`
	TokenEndpoint      string   `json:"token_endpoint"`
	PAREndpoint        string   `json:"pushed_authorization_request_endpoint"`
	RevocationEndpoint string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported    []string `json:"scopes_supported,omitempty"`
	DpopAlgs           []string `json:"dpop_signing_alg_values_supported,omitempty"`
}

type parResponse struct {
	RequestUri string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Sub          string `json:"sub"`
}

// ExpiresAt reports when the access token expires. It prefers expires_in and falls back to
// the exp claim when the token happens to be a JWT. The zero time means unknown.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// OAuthError is an error response from an authorization server.
type OAuthError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	msg := "oauth error"
	if e.Status != 0 {
		msg = fmt.Sprintf("oauth error (%d)", e.Status)
	}
	msg += ": " + e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

var errNotFound = errors.New("not found")

func fetchJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer util.Close(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *oauthClientImpl) fetchProtectedResource(
	ctx context.Context,
	resourceURL string,
) (*oauthProtectedResource, error) {
	var pr oauthProtectedResource
	err := fetchJSON(ctx, c.httpClient, strings.TrimSuffix(resourceURL, "/")+protectedResourcePath, &pr)
	if err != nil {
		return nil, err
	}
	if len(pr.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("no authorization servers listed by %s", resourceURL)
	}
	return &pr, nil
}

func (c *oauthClientImpl) fetchAuthorizationServer(
	ctx context.Context,
	issuer string,
) (*oauthAuthorizationServer, error) {
	metadataURL := issuer
	if !strings.HasSuffix(metadataURL, authorizationServerPath) {
		metadataURL = strings.TrimSuffix(issuer, "/") + authorizationServerPath
	}
	var as oauthAuthorizationServer
	if err := fetchJSON(ctx, c.httpClient, metadataURL, &as); err != nil {
		return nil, err
	}
	if as.Issuer == "" || as.TokenEndpoint == "" || as.PAREndpoint == "" || as.AuthEndpoint == "" {
		return nil, fmt.Errorf("incomplete authorization server metadata at %s", metadataURL)
	}
	return &as, nil
}

// resolveAuthorizationServer finds the authorization server protecting a PDS. When
// allowDirect is set and the URL publishes no protected resource metadata, the URL itself is
// treated as the authorization server (an entryway).
func (c *oauthClientImpl) resolveAuthorizationServer(
	ctx context.Context,
	resourceURL string,
	allowDirect bool,
) (*oauthAuthorizationServer, error) {
	pr, err := c.fetchProtectedResource(ctx, resourceURL)
	if errors.Is(err, errNotFound) && allowDirect {
		as, err := c.fetchAuthorizationServer(ctx, resourceURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch authorization server: %w", err)
		}
		return as, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch protected resource metadata: %w", err)
	}
	as, err := c.fetchAuthorizationServer(ctx, pr.AuthorizationServers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to fetch authorization server: %w", err)
	}
	return as, nil
}
