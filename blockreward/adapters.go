package blockreward

import (
	"path/filepath"
)

// secureStore is the narrow securestore.Store surface this adapter
// needs, letting tests substitute a fake instead of importing
// securestore directly.
type secureStore interface {
	Load(path string, v interface{}) error
	Save(path string, v interface{}) error
}

// SecureStatePersister persists the full block-reward cache state as one
// file under dir, routed through the shared securestore substrate (§6
// "Block-reward cache file"). Unlike the optimized-balance file, this
// cache carries no plaintext exemption in §6, so it always goes through
// the encrypted path.
type SecureStatePersister struct {
	Secure secureStore
	Dir    string
}

func (p *SecureStatePersister) path() string {
	return filepath.Join(p.Dir, "block_reward_cache.json")
}

// Load implements persister.
func (p *SecureStatePersister) Load() (State, bool) {
	var state State
	if err := p.Secure.Load(p.path(), &state); err != nil {
		return State{}, false
	}
	if state.Addresses == nil {
		return State{}, false
	}
	return state, true
}

// Save implements persister.
func (p *SecureStatePersister) Save(state State) error {
	return p.Secure.Save(p.path(), &state)
}
