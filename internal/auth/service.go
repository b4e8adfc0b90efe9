// Package auth signs users in with atproto OAuth and restores their sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/habitat-network/skyfeed/internal/oauthclient"
	"github.com/habitat-network/skyfeed/internal/sessionstore"
	"github.com/rs/zerolog/log"
)

// StatusFunc receives human readable progress updates. A nil StatusFunc is ignored.
type StatusFunc func(text string)

func (f StatusFunc) report(text string) {
	if f != nil {
		f(text)
	}
}

type RestoreOptions struct {
	// AllowStale returns the stored session even if its access token has expired. The token is
	// refreshed on first use instead.
	AllowStale bool
}

type Service struct {
	client     oauthclient.OAuthClient
	store      sessionstore.Store
	httpClient *http.Client
	now        func() time.Time
}

type ServiceOption func(*Service)

// WithHTTPClient sets the client used for DPoP requests to the PDS and authorization server.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) {
		s.httpClient = client
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(
	client oauthclient.OAuthClient,
	store sessionstore.Store,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		client:     client,
		store:      store,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ClientMetadata() *oauthclient.ClientMetadata {
	return s.client.ClientMetadata()
}

// Login starts an authorization flow for identifier and returns the URL the user must visit.
func (s *Service) Login(ctx context.Context, identifier string, status StatusFunc) (string, error) {
	redirect, _, err := s.Authorize(ctx, identifier, status)
	return redirect, err
}

// Authorize is Login that also returns the flow's state. Callers that serve the callback
// themselves bind the state to the user agent that started the flow.
func (s *Service) Authorize(
	ctx context.Context,
	identifier string,
	status StatusFunc,
) (redirect string, state string, err error) {
	defer func() {
		if err != nil {
			log.Error().Err(err).Str("identifier", identifier).Msg("login failed")
			status.report(fmt.Sprintf("An error occurred: %s", err))
		}
	}()

	authType, ok := ClassifyIdentifier(identifier)
	if identifier == "" || !ok {
		return "", "", ErrInvalidIdentifier
	}
	identifier = strings.TrimPrefix(identifier, "@")

	status.report("Contacting PDS...")
	var target oauthclient.Target
	if authType == PDS {
		pdsURL, _ := serviceURL(identifier)
		target = oauthclient.Target{Type: oauthclient.TargetPDS, ServiceURL: pdsURL}
	} else {
		atid, err := syntax.ParseAtIdentifier(identifier)
		if err != nil {
			return "", "", fmt.Errorf("%w: %w", ErrInvalidIdentifier, err)
		}
		target = oauthclient.Target{Type: oauthclient.TargetAccount, Identifier: *atid}
	}

	key, err := oauthclient.GenerateDpopKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate dpop key: %w", err)
	}
	dpop := oauthclient.NewDpopHttpClient(
		key,
		oauthclient.NewMemoryNonceProvider(""),
		oauthclient.WithDpopHTTPClient(s.httpClient),
	)
	redirect, authState, err := s.client.Authorize(ctx, dpop, target)
	if err != nil {
		return "", "", err
	}

	err = s.store.PutPending(ctx, &sessionstore.Pending{
		State:              authState.State,
		Verifier:           authState.Verifier,
		DpopKey:            key,
		Issuer:             authState.Issuer,
		TokenEndpoint:      authState.TokenEndpoint,
		RevocationEndpoint: authState.RevocationEndpoint,
		PDSURL:             authState.PDSURL,
		DID:                authState.DID,
		Handle:             authState.Handle,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to store authorization request: %w", err)
	}

	status.report("Redirecting...")
	return redirect, authState.State, nil
}

// Finalize completes the authorization named by the callback params and stores the session.
func (s *Service) Finalize(ctx context.Context, params url.Values) (*Session, error) {
	stateParam := params.Get("state")
	if stateParam == "" {
		return nil, errors.New("missing state parameter")
	}
	pending, err := s.store.TakePending(ctx, stateParam)
	if err != nil {
		return nil, fmt.Errorf("unknown authorization state: %w", err)
	}
	if code := params.Get("error"); code != "" {
		return nil, fmt.Errorf("authorization failed: %w", &oauthclient.OAuthError{
			Code:        code,
			Description: params.Get("error_description"),
		})
	}
	if iss := params.Get("iss"); iss != pending.Issuer {
		return nil, fmt.Errorf("issuer mismatch: expected %q, got %q", pending.Issuer, iss)
	}

	dpop := oauthclient.NewDpopHttpClient(
		pending.DpopKey,
		oauthclient.NewMemoryNonceProvider(""),
		oauthclient.WithDpopHTTPClient(s.httpClient),
	)
	tokens, err := s.client.ExchangeCode(ctx, dpop, params.Get("code"), &oauthclient.AuthorizeState{
		State:              pending.State,
		Verifier:           pending.Verifier,
		Issuer:             pending.Issuer,
		TokenEndpoint:      pending.TokenEndpoint,
		RevocationEndpoint: pending.RevocationEndpoint,
		PDSURL:             pending.PDSURL,
		DID:                pending.DID,
		Handle:             pending.Handle,
	})
	if err != nil {
		return nil, err
	}
	if !hasScope(tokens.Scope, "atproto") {
		return nil, fmt.Errorf("token scope %q does not include atproto", tokens.Scope)
	}
	sub, err := syntax.ParseDID(tokens.Sub)
	if err != nil {
		return nil, fmt.Errorf("token response has invalid sub: %w", err)
	}

	stored := &sessionstore.Session{
		DID:                sub,
		Handle:             pending.Handle,
		PDSURL:             pending.PDSURL,
		Issuer:             pending.Issuer,
		TokenEndpoint:      pending.TokenEndpoint,
		RevocationEndpoint: pending.RevocationEndpoint,
		AccessToken:        tokens.AccessToken,
		RefreshToken:       tokens.RefreshToken,
		TokenType:          tokens.TokenType,
		Scope:              tokens.Scope,
		ExpiresAt:          tokens.ExpiresAt(s.now()),
		DpopKey:            pending.DpopKey,
	}
	if pending.DID != "" {
		if sub != pending.DID {
			return nil, fmt.Errorf("token sub %s does not match %s", sub, pending.DID)
		}
	} else {
		// Flows started from a PDS only learn the account here. Make sure the account's own
		// authorization server is the one that issued the token.
		id, issuer, err := s.client.ResolveIssuer(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("failed to verify token sub: %w", err)
		}
		if issuer != pending.Issuer {
			return nil, fmt.Errorf("issuer mismatch for %s: expected %q, got %q", sub, issuer, pending.Issuer)
		}
		stored.Handle = id.Handle
		stored.PDSURL = id.PDSEndpoint()
	}

	if err := s.store.PutSession(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	log.Info().Str("did", sub.String()).Msg("signed in")
	return s.newSession(stored), nil
}

// InitOrRestore finalizes an authorization when params carry a callback, otherwise restores
// the account pointer names. It returns nil, nil when there is nothing to restore.
func (s *Service) InitOrRestore(ctx context.Context, params url.Values, pointer Pointer) (*Session, error) {
	if params.Has("state") && (params.Has("code") || params.Has("error")) {
		session, err := s.Finalize(ctx, params)
		if err != nil {
			return nil, err
		}
		if err := pointer.Set(session.DID()); err != nil {
			return nil, fmt.Errorf("failed to remember session: %w", err)
		}
		return session, nil
	}

	did, ok, err := pointer.Get()
	if err != nil {
		if clearErr := pointer.Clear(); clearErr != nil {
			log.Error().Err(clearErr).Msg("failed to clear session pointer")
		}
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	session, err := s.Restore(ctx, did, RestoreOptions{AllowStale: true})
	if err != nil {
		if delErr := s.store.DeleteSession(ctx, did); delErr != nil {
			log.Error().Err(delErr).Str("did", did.String()).Msg("failed to delete stored session")
		}
		if clearErr := pointer.Clear(); clearErr != nil {
			log.Error().Err(clearErr).Msg("failed to clear session pointer")
		}
		return nil, err
	}
	return session, nil
}

// Restore loads the stored session for did.
func (s *Service) Restore(ctx context.Context, did syntax.DID, opts RestoreOptions) (*Session, error) {
	stored, err := s.store.GetSession(ctx, did)
	if err != nil {
		return nil, err
	}
	session := s.newSession(stored)
	if !opts.AllowStale && stored.Expired(s.now()) {
		if err := session.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// SignOut revokes the session's refresh token and forgets the session.
func (s *Service) SignOut(ctx context.Context, session *Session, status StatusFunc) error {
	if session == nil {
		return errors.New("unable to sign out: session is not initialised")
	}
	status.report("Signing out")

	session.mu.Lock()
	data := *session.data
	session.mu.Unlock()

	dpop := oauthclient.NewDpopHttpClient(
		data.DpopKey,
		session.authNonces,
		oauthclient.WithDpopHTTPClient(s.httpClient),
	)
	if err := s.client.Revoke(ctx, dpop, data.Issuer, data.RefreshToken); err != nil {
		log.Warn().Err(err).Str("did", data.DID.String()).Msg("failed to revoke refresh token")
	}
	if err := s.store.DeleteSession(ctx, data.DID); err != nil {
		return err
	}
	log.Info().Str("did", data.DID.String()).Msg("signed out")
	return nil
}

func hasScope(scope string, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
