package server

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/habitat-network/skyfeed/internal/auth"
	"github.com/rs/zerolog/log"
)

const (
	cookieName = "skyfeed-session"
	cDIDKey    = "did"
	cStateKey  = "state"
)

const cookieMaxAge = 30 * 24 * 60 * 60

var errStateMismatch = errors.New("authorization was not started in this browser")

// NewCookieStore authenticates cookies with key, or a random key when it is empty. The cookie
// is SameSite=Lax so it comes back on the top level redirect from the authorization server.
// secure should only be false for plain http development servers.
func NewCookieStore(key []byte, secure bool) *sessions.CookieStore {
	if len(key) == 0 {
		log.Warn().Msg("no cookie secret set, sign ins will not survive a restart")
		key = securecookie.GenerateRandomKey(32)
	}
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// cookiePointer keeps the signed in DID in a gorilla session cookie. Writes go straight to the
// response, so they must happen before the body.
type cookiePointer struct {
	w       http.ResponseWriter
	r       *http.Request
	session *sessions.Session
}

var _ auth.Pointer = (*cookiePointer)(nil)

func (s *Server) pointer(w http.ResponseWriter, r *http.Request) *cookiePointer {
	session, err := s.cookies.Get(r, cookieName)
	if err != nil {
		// Get still returns a fresh session when the cookie can't be decoded.
		log.Warn().Err(err).Msg("discarding unreadable session cookie")
	}
	return &cookiePointer{w: w, r: r, session: session}
}

func (p *cookiePointer) Get() (syntax.DID, bool, error) {
	v, ok := p.session.Values[cDIDKey]
	if !ok {
		return "", false, nil
	}
	raw, ok := v.(string)
	if !ok {
		return "", false, errors.New("did in session is not a string")
	}
	did, err := syntax.ParseDID(raw)
	if err != nil {
		return "", false, err
	}
	return did, true, nil
}

func (p *cookiePointer) Set(did syntax.DID) error {
	p.session.Values[cDIDKey] = did.String()
	return p.session.Save(p.r, p.w)
}

func (p *cookiePointer) Clear() error {
	delete(p.session.Values, cDIDKey)
	p.session.Options.MaxAge = -1
	return p.session.Save(p.r, p.w)
}

// bindState remembers the state of an authorization started by this browser.
func (p *cookiePointer) bindState(state string) error {
	p.session.Values[cStateKey] = state
	return p.session.Save(p.r, p.w)
}

// takeState checks the callback's state against the one bound by bindState and forgets it. The
// cookie is only rewritten by the next Save.
func (p *cookiePointer) takeState(state string) error {
	bound, _ := p.session.Values[cStateKey].(string)
	delete(p.session.Values, cStateKey)
	if bound == "" || subtle.ConstantTimeCompare([]byte(bound), []byte(state)) != 1 {
		return errStateMismatch
	}
	return nil
}

func (p *cookiePointer) save() error {
	return p.session.Save(p.r, p.w)
}
