// Package oauthtest provides a fake atproto PDS with an embedded authorization server.
package oauthtest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/stretchr/testify/require"
)

type pendingRequest struct {
	form      url.Values
	challenge string
}

type grant struct {
	verifier string
	form     url.Values
}

// Server is a PDS that is its own authorization server.
type Server struct {
	*httptest.Server

	t   testing.TB
	mu  sync.Mutex
	mux *http.ServeMux

	DID    syntax.DID
	Handle syntax.Handle

	// Nonce, when set, is required in every DPoP proof.
	Nonce string
	// ResourceNonce, when set, replaces Nonce on resource endpoints, as if the PDS and the
	// authorization server were separate hosts.
	ResourceNonce string
	// NonceChallenges counts requests rejected for a missing or stale nonce.
	NonceChallenges int
	// ExpiresIn is returned with every token.
	ExpiresIn int
	// DirectEntryway hides the protected resource metadata so the server must be used as an
	// authorization server directly.
	DirectEntryway bool
	// NoRevocation omits the revocation endpoint from the metadata.
	NoRevocation bool
	// FailRefresh makes refresh_token grants fail with invalid_grant.
	FailRefresh bool

	pending  map[string]*pendingRequest
	codes    map[string]*pendingRequest
	access   map[string]bool
	refresh  map[string]bool
	counter  int
	PARForms []url.Values
	Tokens   []url.Values
	Revoked  []string
}

func NewServer(t testing.TB, did syntax.DID, handle syntax.Handle) *Server {
	s := newServer(t, did, handle)
	s.Start()
	return s
}

// NewTLSServer is NewServer over https. Clients must use s.Client().
func NewTLSServer(t testing.TB, did syntax.DID, handle syntax.Handle) *Server {
	s := newServer(t, did, handle)
	s.StartTLS()
	return s
}

func newServer(t testing.TB, did syntax.DID, handle syntax.Handle) *Server {
	s := &Server{
		t:         t,
		mux:       http.NewServeMux(),
		DID:       did,
		Handle:    handle,
		ExpiresIn: 3600,
		pending:   map[string]*pendingRequest{},
		codes:     map[string]*pendingRequest{},
		access:    map[string]bool{},
		refresh:   map[string]bool{},
	}
	s.mux.HandleFunc("/.well-known/oauth-protected-resource", s.handleProtectedResource)
	s.mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleAuthorizationServer)
	s.mux.HandleFunc("/oauth/par", s.handlePAR)
	s.mux.HandleFunc("/oauth/token", s.handleToken)
	s.mux.HandleFunc("/oauth/revoke", s.handleRevoke)
	s.Server = httptest.NewUnstartedServer(s.mux)
	t.Cleanup(s.Close)
	return s
}

// Issuer is the authorization server issuer identifier.
func (s *Server) Issuer() string {
	return s.URL
}

// Identity returns an identity whose PDS is this server.
func (s *Server) Identity() *identity.Identity {
	return &identity.Identity{
		DID:    s.DID,
		Handle: s.Handle,
		Services: map[string]identity.ServiceEndpoint{
			"atproto_pds": {
				Type: "AtprotoPersonalDataServer",
				URL:  s.URL,
			},
		},
	}
}

// Resource registers a handler that requires a valid DPoP-bound access token.
func (s *Server) Resource(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if !s.checkProof(w, r) {
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "DPoP ")
		s.mu.Lock()
		valid := ok && s.access[token]
		s.mu.Unlock()
		if !valid {
			w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token"`)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		handler(w, r)
	})
}

// ExpireAccessTokens invalidates every issued access token.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = map[string]bool{}
}

// Approve plays the user consenting at the authorization URL and returns the callback params.
func (s *Server) Approve(authorizationURL string) url.Values {
	u, err := url.Parse(authorizationURL)
	require.NoError(s.t, err)
	requestURI := u.Query().Get("request_uri")

	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[requestURI]
	require.True(s.t, ok, "unknown request_uri %q", requestURI)
	delete(s.pending, requestURI)

	code := s.next("code")
	s.codes[code] = req
	return url.Values{
		"code":  {code},
		"state": {req.form.Get("state")},
		"iss":   {s.Issuer()},
	}
}

func (s *Server) next(prefix string) string {
	s.counter++
	return fmt.Sprintf("%s-%d", prefix, s.counter)
}

func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	if s.DirectEntryway {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              s.URL,
		"authorization_servers": []string{s.Issuer()},
	})
}

func (s *Server) handleAuthorizationServer(w http.ResponseWriter, r *http.Request) {
	md := map[string]any{
		"issuer":                                s.Issuer(),
		"authorization_endpoint":                s.URL + "/oauth/authorize",
		"token_endpoint":                        s.URL + "/oauth/token",
		"pushed_authorization_request_endpoint": s.URL + "/oauth/par",
		"dpop_signing_alg_values_supported":     []string{"ES256"},
		"scopes_supported":                      []string{"atproto", "transition:generic"},
	}
	if !s.NoRevocation {
		md["revocation_endpoint"] = s.URL + "/oauth/revoke"
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if !s.checkProof(w, r) {
		return
	}
	require.NoError(s.t, r.ParseForm())
	if r.Form.Get("code_challenge_method") != "S256" || r.Form.Get("code_challenge") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PARForms = append(s.PARForms, r.Form)
	requestURI := "urn:ietf:params:oauth:request_uri:" + s.next("req")
	s.pending[requestURI] = &pendingRequest{form: r.Form, challenge: r.Form.Get("code_challenge")}
	writeJSON(w, http.StatusCreated, map[string]any{"request_uri": requestURI, "expires_in": 60})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.checkProof(w, r) {
		return
	}
	require.NoError(s.t, r.ParseForm())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tokens = append(s.Tokens, r.Form)

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		req, ok := s.codes[r.Form.Get("code")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		delete(s.codes, r.Form.Get("code"))
		sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != req.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "code_verifier mismatch",
			})
			return
		}
	case "refresh_token":
		if s.FailRefresh || !s.refresh[r.Form.Get("refresh_token")] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		delete(s.refresh, r.Form.Get("refresh_token"))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	access, refresh := s.next("access"), s.next("refresh")
	s.access[access] = true
	s.refresh[refresh] = true
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "DPoP",
		"scope":         "atproto transition:generic",
		"expires_in":    s.ExpiresIn,
		"sub":           s.DID.String(),
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if !s.checkProof(w, r) {
		return
	}
	require.NoError(s.t, r.ParseForm())
	s.mu.Lock()
	defer s.mu.Unlock()
	token := r.Form.Get("token")
	s.Revoked = append(s.Revoked, token)
	delete(s.refresh, token)
	delete(s.access, token)
	w.WriteHeader(http.StatusOK)
}

// checkProof verifies the DPoP proof on r and enforces the nonce when one is configured.
func (s *Server) checkProof(w http.ResponseWriter, r *http.Request) bool {
	proof := r.Header.Get("DPoP")
	if proof == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof"})
		return false
	}
	claims, err := ParseProof(proof)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_dpop_proof",
			"error_description": err.Error(),
		})
		return false
	}
	if claims.Method != r.Method {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof"})
		return false
	}
	oauthPath := strings.HasPrefix(r.URL.Path, "/oauth/")
	want := s.Nonce
	if !oauthPath && s.ResourceNonce != "" {
		want = s.ResourceNonce
	}
	if want != "" && claims.Nonce != want {
		s.mu.Lock()
		s.NonceChallenges++
		s.mu.Unlock()
		w.Header().Set("DPoP-Nonce", want)
		if oauthPath {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
		} else {
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			w.WriteHeader(http.StatusUnauthorized)
		}
		return false
	}
	return true
}

// ProofClaims are the DPoP specific claims of a proof.
type ProofClaims struct {
	jwt.Claims
	Method          string `json:"htm"`
	URL             string `json:"htu"`
	AccessTokenHash string `json:"ath,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// ParseProof verifies a DPoP proof against its embedded key and returns its claims.
func ParseProof(proof string) (*ProofClaims, error) {
	tok, err := jwt.ParseSigned(proof)
	if err != nil {
		return nil, err
	}
	if len(tok.Headers) != 1 || tok.Headers[0].JSONWebKey == nil {
		return nil, fmt.Errorf("proof has no embedded jwk")
	}
	if typ, _ := tok.Headers[0].ExtraHeaders[jose.HeaderType].(string); typ != "dpop+jwt" {
		return nil, fmt.Errorf("unexpected proof type %q", typ)
	}
	var claims ProofClaims
	if err := tok.Claims(tok.Headers[0].JSONWebKey.Key, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
