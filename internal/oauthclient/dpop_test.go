package oauthclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/habitat-network/skyfeed/internal/oauthclient/oauthtest"
	"github.com/stretchr/testify/require"
)

func TestDpopHttpClient_ResourceRequest(t *testing.T) {
	var proofs []*oauthtest.ProofClaims
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := oauthtest.ParseProof(r.Header.Get("DPoP"))
		require.NoError(t, err)
		proofs = append(proofs, claims)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(body))
		require.Equal(t, "DPoP access-token", r.Header.Get("Authorization"))

		if claims.Nonce != "fresh" {
			w.Header().Set("DPoP-Nonce", "fresh")
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	key, err := GenerateDpopKey()
	require.NoError(t, err)
	client := NewDpopHttpClient(key, NewMemoryNonceProvider("stale"), WithAccessToken("access-token"))

	req, err := http.NewRequest(http.MethodPost, server.URL+"/xrpc/com.example.do?x=1", strings.NewReader("payload"))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, proofs, 2)
	require.Equal(t, "stale", proofs[0].Nonce)
	require.Equal(t, "fresh", proofs[1].Nonce)
	require.NotEqual(t, proofs[0].ID, proofs[1].ID)
	for _, p := range proofs {
		require.Equal(t, http.MethodPost, p.Method)
		require.Equal(t, server.URL+"/xrpc/com.example.do", p.URL)
		require.Equal(t, hashAccessToken("access-token"), p.AccessTokenHash)
	}
	require.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestDpopHttpClient_NoAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		claims, err := oauthtest.ParseProof(r.Header.Get("DPoP"))
		require.NoError(t, err)
		require.Empty(t, claims.AccessTokenHash)
		require.Equal(t, "https://issuer.example.com/token", claims.URL)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_request"}`))
	}))
	defer server.Close()

	key, err := GenerateDpopKey()
	require.NoError(t, err)
	client := NewDpopHttpClient(key, NewMemoryNonceProvider(""), WithHTU("https://issuer.example.com/token"))

	req, err := http.NewRequest(http.MethodPost, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// non-nonce errors are passed through with the body intact
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"invalid_request"}`, string(body))
}
