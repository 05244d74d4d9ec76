package keystore

import "github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"

// MemoryStore keeps keys only for the life of the process. Used by tests and
// ephemeral vaults.
type MemoryStore struct {
	*keyring
}

func NewMemoryStore(log logging.Logger) *MemoryStore {
	return &MemoryStore{keyring: newKeyring(nil, nil, log)}
}
