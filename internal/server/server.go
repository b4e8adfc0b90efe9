// Package server is the browser facing HTTP surface: sign in, callback, session and feed.
package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/bluesky-social/indigo/xrpc"
	"github.com/gorilla/schema"
	"github.com/gorilla/sessions"
	"github.com/habitat-network/skyfeed/internal/auth"
	"github.com/habitat-network/skyfeed/internal/feed"
	"github.com/habitat-network/skyfeed/internal/utils"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Server struct {
	auth    *auth.Service
	cookies sessions.Store
	appView *xrpc.Client

	callbackPath string
	// home is where a finished sign in lands.
	home    string
	metrics *serverMetrics
}

type Option func(*Server)

// WithAppView sets the client used for feeds when nobody is signed in.
func WithAppView(client *xrpc.Client) Option {
	return func(s *Server) {
		s.appView = client
	}
}

// WithCallbackPath serves the OAuth callback somewhere other than /oauth-callback.
func WithCallbackPath(path string) Option {
	return func(s *Server) {
		s.callbackPath = path
	}
}

func NewServer(svc *auth.Service, cookies sessions.Store, opts ...Option) *Server {
	s := &Server{
		auth:         svc,
		cookies:      cookies,
		appView:      feed.PublicClient(),
		callbackPath: "/oauth-callback",
		home:         "/",
		metrics:      newServerMetrics(),
	}
	if md := svc.ClientMetadata(); md != nil && md.ClientURI != "" {
		s.home = md.ClientURI
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var formDecoder = schema.NewDecoder()

func init() {
	formDecoder.IgnoreUnknownKeys(true)
}

type loginParams struct {
	Identifier string `schema:"identifier"`
}

type feedParams struct {
	Actor  string `schema:"actor"`
	Cursor string `schema:"cursor"`
}

type sessionInfo struct {
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
	PDS    string `json:"pds"`
}

// Handler routes every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /client-metadata.json", s.ClientMetadata)
	mux.HandleFunc("GET /login", s.Login)
	mux.HandleFunc("GET "+s.callbackPath, s.Callback)
	mux.HandleFunc("GET /api/session", s.Session)
	mux.HandleFunc("GET /api/feed", s.Feed)
	mux.HandleFunc("POST /logout", s.Logout)
	return mux
}

func (s *Server) ClientMetadata(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, s.auth.ClientMetadata())
}

// Login redirects to the authorization server for the identifier query param.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var params loginParams
	if err := formDecoder.Decode(&params, r.URL.Query()); err != nil {
		utils.LogAndHTTPError(w, err, "decoding login params", http.StatusBadRequest)
		return
	}
	redirect, state, err := s.auth.Authorize(r.Context(), params.Identifier, func(text string) {
		log.Debug().Str("identifier", params.Identifier).Msg(text)
	})
	s.metrics.logins.Add(r.Context(), 1, metric.WithAttributes(attribute.Bool("ok", err == nil)))
	if errors.Is(err, auth.ErrInvalidIdentifier) {
		utils.WriteHTTPError(w, err, http.StatusBadRequest)
		return
	} else if err != nil {
		utils.WriteHTTPError(w, err, http.StatusBadGateway)
		return
	}
	// Only this browser may finish the flow.
	if err := s.pointer(w, r).bindState(state); err != nil {
		utils.LogAndHTTPError(w, err, "saving session cookie", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// Callback finalizes an authorization started by this browser and remembers the account in
// the cookie.
func (s *Server) Callback(w http.ResponseWriter, r *http.Request) {
	pointer := s.pointer(w, r)
	params := r.URL.Query()
	callback := params.Has("state")
	if callback {
		if err := pointer.takeState(params.Get("state")); err != nil {
			s.saveCookie(pointer)
			utils.LogAndHTTPError(w, err, "checking authorization state", http.StatusBadRequest)
			return
		}
	}
	session, err := s.auth.InitOrRestore(r.Context(), params, pointer)
	if err != nil {
		if callback {
			// a successful callback saves the cookie through the pointer
			s.saveCookie(pointer)
		}
		utils.LogAndHTTPError(w, err, "finalizing authorization", http.StatusBadRequest)
		return
	}
	if session == nil {
		utils.WriteHTTPError(w, errors.New("no authorization in progress"), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, s.home, http.StatusSeeOther)
}

func (s *Server) saveCookie(pointer *cookiePointer) {
	if err := pointer.save(); err != nil {
		log.Err(err).Msg("unable to save session cookie")
	}
}

// Session describes the signed in account, or answers 401.
func (s *Server) Session(w http.ResponseWriter, r *http.Request) {
	session, err := s.auth.InitOrRestore(r.Context(), url.Values{}, s.pointer(w, r))
	if err != nil {
		utils.LogAndHTTPError(w, err, "restoring session", http.StatusUnauthorized)
		return
	}
	if session == nil {
		utils.WriteHTTPError(w, errors.New("not signed in"), http.StatusUnauthorized)
		return
	}
	utils.WriteJSON(w, http.StatusOK, &sessionInfo{
		DID:    session.DID().String(),
		Handle: session.Handle().String(),
		PDS:    session.PDSURL(),
	})
}

// Feed returns a page of an actor's displayable posts. Signed in users read through their
// own PDS.
func (s *Server) Feed(w http.ResponseWriter, r *http.Request) {
	var params feedParams
	if err := formDecoder.Decode(&params, r.URL.Query()); err != nil {
		utils.LogAndHTTPError(w, err, "decoding feed params", http.StatusBadRequest)
		return
	}
	if params.Actor == "" {
		utils.WriteHTTPError(w, errors.New("actor is required"), http.StatusBadRequest)
		return
	}

	client := s.appView
	session, err := s.auth.InitOrRestore(r.Context(), url.Values{}, s.pointer(w, r))
	if err != nil {
		log.Warn().Err(err).Msg("falling back to the public appview")
	} else if session != nil {
		client = session.XrpcClient()
	}

	s.metrics.feedRequests.Add(
		r.Context(),
		1,
		metric.WithAttributes(attribute.Bool("signed_in", client != s.appView)),
	)
	page, err := feed.GetPosts(r.Context(), client, params.Actor, params.Cursor)
	if err != nil {
		utils.LogAndHTTPError(w, err, "getting posts", http.StatusBadGateway)
		return
	}
	utils.WriteJSON(w, http.StatusOK, page)
}

func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	pointer := s.pointer(w, r)
	session, err := s.auth.InitOrRestore(r.Context(), url.Values{}, pointer)
	if err != nil {
		utils.LogAndHTTPError(w, err, "restoring session", http.StatusUnauthorized)
		return
	}
	if err := s.auth.SignOut(r.Context(), session, nil); err != nil {
		utils.LogAndHTTPError(w, err, "signing out", http.StatusBadRequest)
		return
	}
	if err := pointer.Clear(); err != nil {
		utils.LogAndHTTPError(w, err, "clearing session cookie", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
