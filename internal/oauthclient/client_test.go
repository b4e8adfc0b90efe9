package oauthclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/habitat-network/skyfeed/internal/oauthclient/oauthtest"
	"github.com/stretchr/testify/require"
)

const (
	testDID    = syntax.DID("did:plc:alice123")
	testHandle = syntax.Handle("alice.example.com")
)

func testMetadata() *ClientMetadata {
	return &ClientMetadata{
		ClientID:     "https://app.example.com/client-metadata.json",
		RedirectURIs: []string{"https://app.example.com/oauth-callback"},
		Scope:        "atproto transition:generic",
	}
}

func testClient(t *testing.T, srv *oauthtest.Server, opts ...ClientOption) OAuthClient {
	client, err := NewOAuthClient(testMetadata(), oauthtest.NewDirectory(srv.Identity()), opts...)
	require.NoError(t, err)
	return client
}

func testDpopClient(t *testing.T) *DpopHttpClient {
	key, err := GenerateDpopKey()
	require.NoError(t, err)
	return NewDpopHttpClient(key, NewMemoryNonceProvider(""))
}

func accountTarget(t *testing.T, identifier string) Target {
	atid, err := syntax.ParseAtIdentifier(identifier)
	require.NoError(t, err)
	return Target{Type: TargetAccount, Identifier: *atid}
}

func TestNewOAuthClient(t *testing.T) {
	_, err := NewOAuthClient(&ClientMetadata{}, nil)
	require.ErrorContains(t, err, "client_id")

	md := testMetadata()
	md.RedirectURIs = nil
	_, err = NewOAuthClient(md, nil)
	require.ErrorContains(t, err, "redirect_uris")

	md = testMetadata()
	md.TokenEndpointAuthMethod = authMethodPrivateKeyJWT
	_, err = NewOAuthClient(md, nil)
	require.ErrorContains(t, err, "requires a secret jwk")

	client, err := NewOAuthClient(testMetadata(), nil)
	require.NoError(t, err)
	require.True(t, client.ClientMetadata().DpopBoundAccessTokens)
	require.Equal(t, authMethodNone, client.ClientMetadata().TokenEndpointAuthMethod)
}

func TestAuthorizeAndExchange(t *testing.T) {
	srv := oauthtest.NewServer(t, testDID, testHandle)
	client := testClient(t, srv)
	dpop := testDpopClient(t)
	ctx := context.Background()

	redirect, state, err := client.Authorize(ctx, dpop, accountTarget(t, testHandle.String()))
	require.NoError(t, err)
	require.Equal(t, testDID, state.DID)
	require.Equal(t, testHandle, state.Handle)
	require.Equal(t, srv.URL, state.PDSURL)
	require.Equal(t, srv.Issuer(), state.Issuer)
	require.Equal(t, srv.URL+"/oauth/token", state.TokenEndpoint)
	require.Equal(t, srv.URL+"/oauth/revoke", state.RevocationEndpoint)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	require.Equal(t, "/oauth/authorize", u.Path)
	require.Equal(t, testMetadata().ClientID, u.Query().Get("client_id"))
	require.NotEmpty(t, u.Query().Get("request_uri"))

	require.Len(t, srv.PARForms, 1)
	par := srv.PARForms[0]
	require.Equal(t, testHandle.String(), par.Get("login_hint"))
	require.Equal(t, state.State, par.Get("state"))
	require.Equal(t, "atproto transition:generic", par.Get("scope"))
	require.Equal(t, "https://app.example.com/oauth-callback", par.Get("redirect_uri"))
	require.Empty(t, par.Get("client_assertion"))

	params := srv.Approve(redirect)
	require.Equal(t, state.State, params.Get("state"))

	tokens, err := client.ExchangeCode(ctx, dpop, params.Get("code"), state)
	require.NoError(t, err)
	require.Equal(t, "DPoP", tokens.TokenType)
	require.Equal(t, testDID.String(), tokens.Sub)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)

	// codes are single use
	_, err = client.ExchangeCode(ctx, dpop, params.Get("code"), state)
	var oauthErr *OAuthError
	require.True(t, errors.As(err, &oauthErr))
	require.Equal(t, "invalid_grant", oauthErr.Code)
	require.Equal(t, http.StatusBadRequest, oauthErr.Status)
}

func TestExchangeCode_VerifierMismatch(t *testing.T) {
	srv := oauthtest.NewServer(t, testDID, testHandle)
	client := testClient(t, srv)
	dpop := testDpopClient(t)
	ctx := context.Background()

	redirect, state, err := client.Authorize(ctx, dpop, accountTarget(t, testDID.String()))
	require.NoError(t, err)
	params := srv.Approve(redirect)

	state.Verifier = "not-the-verifier"
	_, err = client.ExchangeCode(ctx, dpop, params.Get("code"), state)
	require.ErrorContains(t, err, "code_verifier mismatch")
}

func TestAuthorize_PDSTarget(t *testing.T) {
	srv := oauthtest.NewServer(t, testDID, testHandle)
	srv.DirectEntryway = true
	client := testClient(t, srv)
	dpop := testDpopClient(t)

	_, state, err := client.Authorize(context.Background(), dpop, Target{
		Type:       TargetPDS,
		ServiceURL: srv.URL,
	})
	require.NoError(t, err)
	require.Equal(t, srv.Issuer(), state.Issuer)
	require.Empty(t, state.DID)
	require.Empty(t, srv.PARForms[0].Get("login_hint"))

	// account targets must publish protected resource metadata
	_, _, err = client.Authorize(context.Background(), dpop, accountTarget(t, testHandle.String()))
	require.ErrorContains(t, err, "failed to fetch protected resource metadata")
}

func TestAuthorize_UnknownHandle(t *testing.T) {
	srv := oauthtest.NewServer(t, testDID, testHandle)
	client := testClient(t, srv)

	_, _, err := client.Authorize(
		context.Background(),
		testDpopClient(t),
		accountTarget(t, "bob.example.com"),
	)
	require.ErrorContains(t, err, "failed to resolve identity")
}

func TestAuthorize_UseDpopNonce(t *testing.T) {
	srv := oauthtest.NewServer(t, testDID, testHandle)
	srv.Nonce = "server-nonce"
	client := testClient(t, srv)
	nonces := NewMemoryNonceProvider("")
	key, err := GenerateDpopKey()
	require.NoError(t, err)
	dpop := NewDpopHttpClient(key, nonces)

	_, _, err = client.Authorize(context.Background(), dpop, accountTarget(t, testHandle.String()))
	require.NoError(t, err)
	require.Len(t, srv.PARForms, 1)

	nonce, ok, err := nonces.GetDpopNonce()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "server-nonce", nonce)
}

func TestRefreshToken(t *testing.T) {
	srv := oauthtest.NewServer(t, testDID, testHandle)
	client := testClient(t, srv)
	dpop := testDpopClient(t)
	ctx := context.Background()

	redirect, state, err := client.Authorize(ctx, dpop, accountTarget(t, testHandle.String()))
	require.NoError(t, err)
	tokens, err := client.ExchangeCode(ctx, dpop, srv.Approve(redirect).Get("code"), state)
	require.NoError(t, err)

	refreshed, err := client.RefreshToken(ctx, dpop, state.Issuer, tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, tokens.AccessToken, refreshed.AccessToken)
	require.NotEqual(t, tokens.RefreshToken, refreshed.RefreshToken)

	// refresh tokens rotate
	_, err = client.RefreshToken(ctx, dpop, state.Issuer, tokens.RefreshToken)
	require.ErrorContains(t, err, "invalid_grant")

	_, err = client.RefreshToken(ctx, dpop, state.Issuer, "")
	require.ErrorContains(t, err, "no refresh token")
}

func TestRefreshToken_AuthorizationServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewOAuthClient(testMetadata(), nil)
	require.NoError(t, err)
	_, err = client.RefreshToken(context.Background(), testDpopClient(t), server.URL, "refresh")
	require.ErrorContains(t, err, "failed to fetch authorization server")
}

func TestRequestToken_RejectsBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "access",
			TokenType:   "Bearer",
		})
	}))
	defer server.Close()

	client, err := NewOAuthClient(testMetadata(), nil)
	require.NoError(t, err)
	impl := client.(*oauthClientImpl)
	_, err = impl.requestToken(context.Background(), testDpopClient(t), server.URL, url.Values{})
	require.ErrorContains(t, err, `unexpected token type "Bearer"`)
}

func TestRevoke(t *testing.T) {
	srv := oauthtest.NewServer(t, testDID, testHandle)
	client := testClient(t, srv)
	dpop := testDpopClient(t)

	require.NoError(t, client.Revoke(context.Background(), dpop, srv.Issuer(), "refresh-token"))
	require.Equal(t, []string{"refresh-token"}, srv.Revoked)

	srv.NoRevocation = true
	require.NoError(t, client.Revoke(context.Background(), dpop, srv.Issuer(), "other-token"))
	require.Len(t, srv.Revoked, 1)
}

func TestResolveIssuer(t *testing.T) {
	srv := oauthtest.NewServer(t, testDID, testHandle)
	client := testClient(t, srv)

	id, issuer, err := client.ResolveIssuer(context.Background(), testDID)
	require.NoError(t, err)
	require.Equal(t, testHandle, id.Handle)
	require.Equal(t, srv.Issuer(), issuer)

	_, _, err = client.ResolveIssuer(context.Background(), "did:plc:unknown")
	require.ErrorContains(t, err, "failed to lookup did")
}

func TestConfidentialClient(t *testing.T) {
	srv := oauthtest.NewServer(t, testDID, testHandle)
	key, err := GenerateDpopKey()
	require.NoError(t, err)
	secret, err := json.Marshal(jose.JSONWebKey{Key: key, KeyID: "client-key", Algorithm: "ES256"})
	require.NoError(t, err)

	client := testClient(t, srv, WithSecretJWK(secret))
	md := client.ClientMetadata()
	require.Equal(t, authMethodPrivateKeyJWT, md.TokenEndpointAuthMethod)
	require.Equal(t, "ES256", md.TokenEndpointAuthSigningAlg)

	var jwks jose.JSONWebKeySet
	require.NoError(t, json.Unmarshal(md.JWKS, &jwks))
	require.Len(t, jwks.Keys, 1)
	require.True(t, jwks.Keys[0].IsPublic())

	_, _, err = client.Authorize(context.Background(), testDpopClient(t), accountTarget(t, testHandle.String()))
	require.NoError(t, err)
	form := srv.PARForms[0]
	require.Equal(t, clientAssertionType, form.Get("client_assertion_type"))

	tok, err := jwt.ParseSigned(form.Get("client_assertion"))
	require.NoError(t, err)
	require.Equal(t, "client-key", tok.Headers[0].KeyID)
	var claims jwt.Claims
	require.NoError(t, tok.Claims(jwks.Keys[0].Key, &claims))
	require.Equal(t, md.ClientID, claims.Issuer)
	require.Equal(t, md.ClientID, claims.Subject)
	require.True(t, claims.Audience.Contains(srv.Issuer()))

	_, err = NewOAuthClient(testMetadata(), nil, WithSecretJWK([]byte("not json")))
	require.ErrorContains(t, err, "failed to parse client secret jwk")
}

func TestTokenResponse_ExpiresAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tr := &TokenResponse{AccessToken: "opaque", ExpiresIn: 60}
	require.Equal(t, now.Add(time.Minute), tr.ExpiresAt(now))

	tr = &TokenResponse{AccessToken: "opaque"}
	require.True(t, tr.ExpiresAt(now).IsZero())

	key, err := GenerateDpopKey()
	require.NoError(t, err)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, nil)
	require.NoError(t, err)
	exp := now.Add(2 * time.Hour)
	access, err := jwt.Signed(signer).Claims(jwt.Claims{Expiry: jwt.NewNumericDate(exp)}).CompactSerialize()
	require.NoError(t, err)

	tr = &TokenResponse{AccessToken: access}
	require.True(t, exp.Equal(tr.ExpiresAt(now)))
}
