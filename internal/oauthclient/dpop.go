package oauthclient

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"
	"github.com/habitat-network/skyfeed/util"
	"github.com/rs/zerolog/log"
)

// DpopNonceProvider provides access to nonce management
type DpopNonceProvider interface {
	GetDpopNonce() (string, bool, error)
	SetDpopNonce(nonce string) error
}

type dpopClaims struct {
	jwt.Claims

	// the `htm` (HTTP Method) claim. See https://datatracker.ietf.org/doc/html/draft-ietf-oauth-dpop#section-4.2
	Method string `json:"htm"`

	// the `htu` (HTTP URL) claim. See https://datatracker.ietf.org/doc/html/draft-ietf-oauth-dpop#section-4.2
	URL string `json:"htu"`

	// the `ath` (Authorization Token Hash) claim. See https://datatracker.ietf.org/doc/html/draft-ietf-oauth-dpop#section-4.2
	AccessTokenHash string `json:"ath,omitempty"`

	// the `nonce` claim. See https://datatracker.ietf.org/doc/html/draft-ietf-oauth-dpop#section-4.2
	Nonce string `json:"nonce,omitempty"`
}

// DpopOptions provide optional configuration for a DPoP HTTP client.
type DpopOptions struct {
	// Custom HTU claim in the DPoP token. If not provided, this will default to the
	// request URL without query or fragment.
	HTU string

	// Access token to be used for resource server requests. If not provided, no
	// Authorization header or access token hash is sent.
	AccessToken string

	// HTTPClient performs the requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

type DpopOption func(*DpopOptions)

func WithHTU(htu string) DpopOption {
	return func(opts *DpopOptions) {
		opts.HTU = htu
	}
}

func WithAccessToken(accessToken string) DpopOption {
	return func(opts *DpopOptions) {
		opts.AccessToken = accessToken
	}
}

func WithDpopHTTPClient(client *http.Client) DpopOption {
	return func(opts *DpopOptions) {
		opts.HTTPClient = client
	}
}

type DpopHttpClient struct {
	key           *ecdsa.PrivateKey
	nonceProvider DpopNonceProvider
	opts          *DpopOptions
}

// NewDpopHttpClient creates a new DPoP HTTP client bound to key. Without an access token
// it is suitable for authorization server requests (PAR, token, revocation).
func NewDpopHttpClient(
	key *ecdsa.PrivateKey,
	nonceProvider DpopNonceProvider,
	options ...DpopOption,
) *DpopHttpClient {
	opts := &DpopOptions{}
	for _, option := range options {
		option(opts)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &DpopHttpClient{key: key, nonceProvider: nonceProvider, opts: opts}
}

// GenerateDpopKey returns a fresh P-256 key for DPoP proofs.
func GenerateDpopKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

func (s *DpopHttpClient) Do(req *http.Request) (*http.Response, error) {
	// Read out the body since we may need it twice
	bodyBytes := []byte{}
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		util.Close(req.Body)
	}

	if err := s.sign(req); err != nil {
		return nil, err
	}
	if s.opts.AccessToken != "" {
		req.Header.Set("Authorization", "DPoP "+s.opts.AccessToken)
	}
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Servers may rotate the nonce on any response
	if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
		if err := s.nonceProvider.SetDpopNonce(nonce); err != nil {
			util.Close(resp.Body)
			return nil, err
		}
	}
	if !isUseDPopNonceError(resp) {
		return resp, nil
	}
	util.Close(resp.Body)

	// retry with new nonce
	req2 := req.Clone(req.Context())
	req2.RequestURI = ""
	req2.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err := s.sign(req2); err != nil {
		return nil, err
	}
	resp, err = s.opts.HTTPClient.Do(req2)
	if err != nil {
		return nil, err
	}
	if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
		if err := s.nonceProvider.SetDpopNonce(nonce); err != nil {
			util.Close(resp.Body)
			return nil, err
		}
	}
	return resp, nil
}

func (s *DpopHttpClient) sign(req *http.Request) error {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: s.key},
		&jose.SignerOptions{
			ExtraHeaders: map[jose.HeaderKey]any{
				jose.HeaderType: "dpop+jwt",
				"jwk": &jose.JSONWebKey{
					Key:       s.key.Public(),
					Use:       "sig",
					Algorithm: string(jose.ES256),
				},
			},
		},
	)
	if err != nil {
		return err
	}

	claims, err := s.generateClaims(req)
	if err != nil {
		return err
	}

	proof, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return err
	}

	req.Header.Set("DPoP", proof)
	return nil
}

func (s *DpopHttpClient) generateClaims(req *http.Request) (*dpopClaims, error) {
	htu := s.opts.HTU
	if htu == "" {
		u := *req.URL
		u.RawQuery = ""
		u.Fragment = ""
		htu = u.String()
	}

	claims := &dpopClaims{
		Claims: jwt.Claims{
			ID:       generateNonce(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		Method: req.Method,
		URL:    htu,
	}

	nonce, ok, err := s.nonceProvider.GetDpopNonce()
	if err != nil {
		return nil, err
	}
	if ok {
		claims.Nonce = nonce
	}

	if s.opts.AccessToken != "" {
		claims.AccessTokenHash = hashAccessToken(s.opts.AccessToken)
	}

	return claims, nil
}

func hashAccessToken(accessToken string) string {
	hash := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func generateNonce() string {
	return base64.RawURLEncoding.EncodeToString([]byte(uuid.NewString()))
}

func isUseDPopNonceError(resp *http.Response) bool {
	// Resource server
	if resp.StatusCode == http.StatusUnauthorized {
		wwwAuth := resp.Header.Get("WWW-Authenticate")
		if strings.HasPrefix(wwwAuth, "DPoP") {
			return strings.Contains(wwwAuth, "error=\"use_dpop_nonce\"")
		}
	}

	// Authorization server
	if resp.StatusCode == http.StatusBadRequest {
		body, err := io.ReadAll(resp.Body)
		if err == nil {
			var respBody map[string]any
			err := json.Unmarshal(body, &respBody)
			if err == nil && respBody["error"] == "use_dpop_nonce" {
				return true
			}
			if err != nil {
				log.Debug().Err(err).Msg("error decoding authorization server error body")
			}
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	return false
}
