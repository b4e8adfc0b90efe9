// Package sessionstore persists OAuth sessions, in-flight authorization requests and a few
// client preferences. Tokens and DPoP keys are sealed before they reach the database.
package sessionstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/habitat-network/skyfeed/internal/encrypt"
	"gorm.io/gorm"
)

// PendingTTL is how long an authorization request may wait for its callback.
const PendingTTL = 10 * time.Minute

var (
	ErrNotFound = errors.New("not found")
	ErrExpired  = errors.New("authorization request expired")
)

// Session is a signed in account and everything needed to act on its behalf.
type Session struct {
	DID                syntax.DID
	Handle             syntax.Handle
	PDSURL             string
	Issuer             string
	TokenEndpoint      string
	RevocationEndpoint string

	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time

	DpopKey *ecdsa.PrivateKey

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the access token is past its expiry. Unknown expiry never expires.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Pending is an authorization request waiting for the user to come back.
type Pending struct {
	State              string
	Verifier           string
	DpopKey            *ecdsa.PrivateKey
	Issuer             string
	TokenEndpoint      string
	RevocationEndpoint string
	PDSURL             string

	// Empty when the flow started from a PDS URL.
	DID    syntax.DID
	Handle syntax.Handle

	CreatedAt time.Time
}

type Store interface {
	PutSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, did syntax.DID) (*Session, error)
	DeleteSession(ctx context.Context, did syntax.DID) error

	PutPending(ctx context.Context, pending *Pending) error
	// TakePending returns and removes the request for state. Each request can be taken once.
	TakePending(ctx context.Context, state string) (*Pending, error)

	GetValue(ctx context.Context, name string) (string, error)
	SetValue(ctx context.Context, name string, value string) error
	DeleteValue(ctx context.Context, name string) error
}

type sessionModel struct {
	DID                string `gorm:"column:did;primarykey"`
	Handle             string
	PDSURL             string `gorm:"column:pds_url"`
	Issuer             string
	TokenEndpoint      string
	RevocationEndpoint string

	// sealed
	AccessToken  string
	RefreshToken string
	DpopKey      string

	TokenType string
	Scope     string
	ExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionModel) TableName() string { return "sessions" }

type pendingModel struct {
	State              string `gorm:"primarykey"`
	Verifier           string
	DpopKey            string
	Issuer             string
	TokenEndpoint      string
	RevocationEndpoint string
	PDSURL             string `gorm:"column:pds_url"`
	DID                string `gorm:"column:did"`
	Handle             string
	CreatedAt          time.Time `gorm:"index"`
}

func (pendingModel) TableName() string { return "pending_authorizations" }

type valueModel struct {
	Name      string `gorm:"column:name;primarykey"`
	Value     string
	UpdatedAt time.Time
}

func (valueModel) TableName() string { return "preferences" }

type store struct {
	db  *gorm.DB
	box *encrypt.Box
	now func() time.Time
}

var _ Store = (*store)(nil)

type Option func(*store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *store) {
		s.now = now
	}
}

func NewStore(db *gorm.DB, encryptionKey []byte, opts ...Option) (Store, error) {
	if encryptionKey == nil {
		return nil, fmt.Errorf("encryption key is required")
	}
	box, err := encrypt.NewBox(encryptionKey)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&sessionModel{}, &pendingModel{}, &valueModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	s := &store{db: db, box: box, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PutSession implements [Store].
func (s *store) PutSession(ctx context.Context, session *Session) error {
	model := &sessionModel{
		DID:                session.DID.String(),
		Handle:             session.Handle.String(),
		PDSURL:             session.PDSURL,
		Issuer:             session.Issuer,
		TokenEndpoint:      session.TokenEndpoint,
		RevocationEndpoint: session.RevocationEndpoint,
		TokenType:          session.TokenType,
		Scope:              session.Scope,
		CreatedAt:          session.CreatedAt,
	}
	if !session.ExpiresAt.IsZero() {
		expiresAt := session.ExpiresAt.UTC()
		model.ExpiresAt = &expiresAt
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = s.now()
	}
	var err error
	if model.AccessToken, err = s.box.Seal(session.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if model.RefreshToken, err = s.box.Seal(session.RefreshToken); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	if model.DpopKey, err = s.sealKey(session.DpopKey); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(model).Error; err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession implements [Store].
func (s *store) GetSession(ctx context.Context, did syntax.DID) (*Session, error) {
	model, err := gorm.G[sessionModel](s.db).Where("did = ?", did.String()).First(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session for %s: %w", did, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session := &Session{
		DID:                did,
		Handle:             syntax.Handle(model.Handle),
		PDSURL:             model.PDSURL,
		Issuer:             model.Issuer,
		TokenEndpoint:      model.TokenEndpoint,
		RevocationEndpoint: model.RevocationEndpoint,
		TokenType:          model.TokenType,
		Scope:              model.Scope,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}
	if model.ExpiresAt != nil {
		session.ExpiresAt = *model.ExpiresAt
	}
	if err := s.box.Open(model.AccessToken, &session.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if err := s.box.Open(model.RefreshToken, &session.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if session.DpopKey, err = s.openKey(model.DpopKey); err != nil {
		return nil, err
	}
	return session, nil
}

// DeleteSession implements [Store]. Deleting a missing session is not an error.
func (s *store) DeleteSession(ctx context.Context, did syntax.DID) error {
	_, err := gorm.G[sessionModel](s.db).Where("did = ?", did.String()).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PutPending implements [Store]. Expired requests are swept on every insert.
func (s *store) PutPending(ctx context.Context, pending *Pending) error {
	if pending.State == "" {
		return errors.New("pending authorization has no state")
	}
	model := &pendingModel{
		State:              pending.State,
		Issuer:             pending.Issuer,
		TokenEndpoint:      pending.TokenEndpoint,
		RevocationEndpoint: pending.RevocationEndpoint,
		PDSURL:             pending.PDSURL,
		DID:                pending.DID.String(),
		Handle:             pending.Handle.String(),
		CreatedAt:          pending.CreatedAt.UTC(),
	}
	if pending.CreatedAt.IsZero() {
		model.CreatedAt = s.now().UTC()
	}
	var err error
	if model.Verifier, err = s.box.Seal(pending.Verifier); err != nil {
		return fmt.Errorf("failed to encrypt verifier: %w", err)
	}
	if model.DpopKey, err = s.sealKey(pending.DpopKey); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cutoff := s.now().UTC().Add(-PendingTTL)
		if _, err := gorm.G[pendingModel](tx).Where("created_at < ?", cutoff).Delete(ctx); err != nil {
			return fmt.Errorf("failed to sweep expired authorizations: %w", err)
		}
		if err := gorm.G[pendingModel](tx).Create(ctx, model); err != nil {
			return fmt.Errorf("failed to save pending authorization: %w", err)
		}
		return nil
	})
}

// TakePending implements [Store].
func (s *store) TakePending(ctx context.Context, state string) (*Pending, error) {
	var model pendingModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		model, err = gorm.G[pendingModel](tx).Where("state = ?", state).First(ctx)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("authorization request: %w", ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to load pending authorization: %w", err)
		}
		n, err := gorm.G[pendingModel](tx).Where("state = ?", state).Delete(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete pending authorization: %w", err)
		}
		if n == 0 {
			// taken concurrently
			return fmt.Errorf("authorization request: %w", ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.now().Sub(model.CreatedAt) > PendingTTL {
		return nil, ErrExpired
	}

	pending := &Pending{
		State:              model.State,
		Issuer:             model.Issuer,
		TokenEndpoint:      model.TokenEndpoint,
		RevocationEndpoint: model.RevocationEndpoint,
		PDSURL:             model.PDSURL,
		DID:                syntax.DID(model.DID),
		Handle:             syntax.Handle(model.Handle),
		CreatedAt:          model.CreatedAt,
	}
	if err := s.box.Open(model.Verifier, &pending.Verifier); err != nil {
		return nil, fmt.Errorf("failed to decrypt verifier: %w", err)
	}
	if pending.DpopKey, err = s.openKey(model.DpopKey); err != nil {
		return nil, err
	}
	return pending, nil
}

// GetValue implements [Store].
func (s *store) GetValue(ctx context.Context, name string) (string, error) {
	model, err := gorm.G[valueModel](s.db).Where("name = ?", name).First(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("value %q: %w", name, ErrNotFound)
	} else if err != nil {
		return "", err
	}
	return model.Value, nil
}

// SetValue implements [Store].
func (s *store) SetValue(ctx context.Context, name string, value string) error {
	return s.db.WithContext(ctx).Save(&valueModel{Name: name, Value: value}).Error
}

// DeleteValue implements [Store].
func (s *store) DeleteValue(ctx context.Context, name string) error {
	_, err := gorm.G[valueModel](s.db).Where("name = ?", name).Delete(ctx)
	return err
}

func (s *store) sealKey(key *ecdsa.PrivateKey) (string, error) {
	if key == nil {
		return "", errors.New("dpop key is required")
	}
	raw, err := key.Bytes()
	if err != nil {
		return "", fmt.Errorf("failed to get dpop key bytes: %w", err)
	}
	sealed, err := s.box.Seal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt dpop key: %w", err)
	}
	return sealed, nil
}

func (s *store) openKey(sealed string) (*ecdsa.PrivateKey, error) {
	var raw []byte
	if err := s.box.Open(sealed, &raw); err != nil {
		return nil, fmt.Errorf("failed to decrypt dpop key: %w", err)
	}
	key, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dpop key: %w", err)
	}
	return key, nil
}
