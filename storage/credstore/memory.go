package credstore

import (
	"sync"

	"github.com/trezcool/masomo/core/session"
)

// MemoryTier keeps a credential for the lifetime of the process: the session-scoped tier of non-browser hosts.
type MemoryTier struct {
	mu   sync.RWMutex
	cred session.Credential
}

var _ session.Tier = (*MemoryTier)(nil)

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{}
}

func (t *MemoryTier) Load() (session.Credential, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cred, nil
}

func (t *MemoryTier) Save(cred session.Credential) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cred = cred
	return nil
}

func (t *MemoryTier) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cred = session.Credential{}
	return nil
}
