package auth

import (
	"errors"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// AuthenticationType says where an authorization flow starts.
type AuthenticationType int

const (
	// Account is a handle or DID.
	Account AuthenticationType = iota
	// PDS is an https service URL, usually an entryway.
	PDS
)

func (t AuthenticationType) String() string {
	switch t {
	case Account:
		return "account"
	case PDS:
		return "pds"
	default:
		return "unknown"
	}
}

var ErrInvalidIdentifier = errors.New("invalid login identifier")

// ClassifyIdentifier strips one leading @ and reports whether identifier names an account or a
// PDS. The second result is false for anything else.
func ClassifyIdentifier(identifier string) (AuthenticationType, bool) {
	identifier = strings.TrimPrefix(identifier, "@")
	if _, err := syntax.ParseHandle(identifier); err == nil {
		return Account, true
	}
	if _, err := syntax.ParseDID(identifier); err == nil {
		return Account, true
	}
	if _, ok := serviceURL(identifier); ok {
		return PDS, true
	}
	return 0, false
}

// serviceURL parses an https PDS URL. Like a browser it tolerates missing or extra slashes
// after the scheme, so https:pds.example.com is https://pds.example.com.
func serviceURL(identifier string) (string, bool) {
	u, err := url.Parse(identifier)
	if err != nil || u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		rest := strings.TrimLeft(identifier[strings.Index(identifier, ":")+1:], "/")
		u, err = url.Parse("https://" + rest)
		if err != nil || u.Host == "" {
			return "", false
		}
	}
	return u.String(), true
}

func IsValidIdentifier(identifier string) bool {
	_, ok := ClassifyIdentifier(identifier)
	return ok
}
