package oauthclient

import "sync"

// MemoryNonceProvider stores a single nonce value in memory.
type MemoryNonceProvider struct {
	mu    sync.Mutex
	nonce string
}

var _ DpopNonceProvider = (*MemoryNonceProvider)(nil)

func NewMemoryNonceProvider(initial string) *MemoryNonceProvider {
	return &MemoryNonceProvider{nonce: initial}
}

// GetDpopNonce returns the current nonce, and false until a server has provided one.
func (n *MemoryNonceProvider) GetDpopNonce() (string, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonce, n.nonce != "", nil
}

// SetDpopNonce is called when a server returns a new nonce in the DPoP-Nonce header.
func (n *MemoryNonceProvider) SetDpopNonce(nonce string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonce = nonce
	return nil
}
