package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/habitat-network/skyfeed/internal/oauthclient"
	"github.com/habitat-network/skyfeed/internal/sessionstore"
	"github.com/habitat-network/skyfeed/util"
	"github.com/rs/zerolog/log"
)

// Session is an authenticated agent for one account. It is an http.RoundTripper that signs
// requests to the account's PDS and keeps the tokens fresh.
type Session struct {
	svc *Service
	// DPoP nonces are issued per server.
	pdsNonces  *oauthclient.MemoryNonceProvider
	authNonces *oauthclient.MemoryNonceProvider

	mu   sync.Mutex
	data *sessionstore.Session
}

var _ http.RoundTripper = (*Session)(nil)

func (s *Service) newSession(data *sessionstore.Session) *Session {
	return &Session{
		svc:        s,
		pdsNonces:  oauthclient.NewMemoryNonceProvider(""),
		authNonces: oauthclient.NewMemoryNonceProvider(""),
		data:       data,
	}
}

func (s *Session) DID() syntax.DID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.DID
}

func (s *Session) Handle() syntax.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Handle
}

func (s *Session) PDSURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.PDSURL
}

func (s *Session) Issuer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Issuer
}

func (s *Session) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Scope
}

// HTTPClient returns a client that authenticates every request with this session.
func (s *Session) HTTPClient() *http.Client {
	return &http.Client{Transport: s}
}

// XrpcClient returns an XRPC client for the account's PDS.
func (s *Session) XrpcClient() *xrpc.Client {
	return &xrpc.Client{
		Host:   s.PDSURL(),
		Client: s.HTTPClient(),
	}
}

// RoundTrip implements [http.RoundTripper]. Expired tokens are refreshed before the request,
// and a request rejected with invalid_token is retried once after a refresh.
func (s *Session) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		util.Close(req.Body)
		if err != nil {
			return nil, err
		}
	}

	token, err := s.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.send(req, body, token)
	if err != nil {
		return nil, err
	}
	if !isInvalidTokenError(resp) {
		return resp, nil
	}
	util.Close(resp.Body)

	if err := s.refreshIfCurrent(ctx, token); err != nil {
		return nil, err
	}
	token, err = s.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.send(req, body, token)
}

func (s *Session) send(req *http.Request, body []byte, token string) (*http.Response, error) {
	s.mu.Lock()
	key := s.data.DpopKey
	s.mu.Unlock()

	r := req.Clone(req.Context())
	r.RequestURI = ""
	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	dpop := oauthclient.NewDpopHttpClient(
		key,
		s.pdsNonces,
		oauthclient.WithAccessToken(token),
		oauthclient.WithDpopHTTPClient(s.svc.httpClient),
	)
	return dpop.Do(r)
}

func (s *Session) currentToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	expired := s.data.Expired(s.svc.now())
	token := s.data.AccessToken
	s.mu.Unlock()
	if !expired {
		return token, nil
	}
	if err := s.refreshIfCurrent(ctx, token); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.AccessToken, nil
}

// Refresh exchanges the refresh token for a new token set and stores it.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

// refreshIfCurrent refreshes unless another request already replaced the stale token.
func (s *Session) refreshIfCurrent(ctx context.Context, stale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.AccessToken != stale {
		return nil
	}
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	dpop := oauthclient.NewDpopHttpClient(
		s.data.DpopKey,
		s.authNonces,
		oauthclient.WithDpopHTTPClient(s.svc.httpClient),
	)
	tokens, err := s.svc.client.RefreshToken(ctx, dpop, s.data.Issuer, s.data.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to refresh session for %s: %w", s.data.DID, err)
	}
	if tokens.Sub != "" && tokens.Sub != s.data.DID.String() {
		return fmt.Errorf("refreshed token sub %s does not match %s", tokens.Sub, s.data.DID)
	}

	next := *s.data
	next.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		next.RefreshToken = tokens.RefreshToken
	}
	if tokens.Scope != "" {
		next.Scope = tokens.Scope
	}
	next.TokenType = tokens.TokenType
	next.ExpiresAt = tokens.ExpiresAt(s.svc.now())
	if err := s.svc.store.PutSession(ctx, &next); err != nil {
		return fmt.Errorf("failed to store refreshed session: %w", err)
	}
	s.data = &next
	log.Debug().Str("did", next.DID.String()).Msg("refreshed session")
	return nil
}

func isInvalidTokenError(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	wwwAuth := resp.Header.Get("WWW-Authenticate")
	return strings.HasPrefix(wwwAuth, "DPoP") && strings.Contains(wwwAuth, `error="invalid_token"`)
}
