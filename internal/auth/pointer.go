package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/habitat-network/skyfeed/internal/sessionstore"
)

// LastSignedInKey names the preference holding the most recently signed in DID.
const LastSignedInKey = "lastSignedIn"

// Pointer remembers which account to restore.
type Pointer interface {
	Get() (syntax.DID, bool, error)
	Set(did syntax.DID) error
	Clear() error
}

// StorePointer keeps the pointer in the session store's preferences.
type StorePointer struct {
	store sessionstore.Store
}

var _ Pointer = (*StorePointer)(nil)

func NewStorePointer(store sessionstore.Store) *StorePointer {
	return &StorePointer{store: store}
}

func (p *StorePointer) Get() (syntax.DID, bool, error) {
	value, err := p.store.GetValue(context.Background(), LastSignedInKey)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	did, err := syntax.ParseDID(value)
	if err != nil {
		return "", false, fmt.Errorf("stored %s is not a did: %w", LastSignedInKey, err)
	}
	return did, true, nil
}

func (p *StorePointer) Set(did syntax.DID) error {
	return p.store.SetValue(context.Background(), LastSignedInKey, did.String())
}

func (p *StorePointer) Clear() error {
	return p.store.DeleteValue(context.Background(), LastSignedInKey)
}
