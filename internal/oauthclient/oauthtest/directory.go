package oauthtest

import (
	"context"
	"sync"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Directory is an in-memory identity.Directory.
type Directory struct {
	mu       sync.Mutex
	byDID    map[syntax.DID]*identity.Identity
	byHandle map[syntax.Handle]*identity.Identity
}

var _ identity.Directory = (*Directory)(nil)

func NewDirectory(ids ...*identity.Identity) *Directory {
	d := &Directory{
		byDID:    map[syntax.DID]*identity.Identity{},
		byHandle: map[syntax.Handle]*identity.Identity{},
	}
	for _, id := range ids {
		d.Add(id)
	}
	return d
}

func (d *Directory) Add(id *identity.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byDID[id.DID] = id
	if id.Handle != "" {
		d.byHandle[id.Handle.Normalize()] = id
	}
}

func (d *Directory) LookupHandle(ctx context.Context, handle syntax.Handle) (*identity.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byHandle[handle.Normalize()]
	if !ok {
		return nil, identity.ErrHandleNotFound
	}
	return id, nil
}

func (d *Directory) LookupDID(ctx context.Context, did syntax.DID) (*identity.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byDID[did]
	if !ok {
		return nil, identity.ErrDIDNotFound
	}
	return id, nil
}

func (d *Directory) Lookup(ctx context.Context, atid syntax.AtIdentifier) (*identity.Identity, error) {
	if did, err := atid.AsDID(); err == nil {
		return d.LookupDID(ctx, did)
	}
	handle, err := atid.AsHandle()
	if err != nil {
		return nil, err
	}
	return d.LookupHandle(ctx, handle)
}

func (d *Directory) Purge(ctx context.Context, atid syntax.AtIdentifier) error {
	return nil
}
