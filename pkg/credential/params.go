package credential

import (
	"encoding/json"
	"fmt"

	"github.com/forest6511/securevault/pkg/crypto"
)

// KeyKDFParams holds the Argon2id costs the vault was set up with, as JSON.
// Both the credential hash and the storage passphrase depend on them, so
// they must not follow later config changes.
const KeyKDFParams = "kdf_params"

// SaveParams records p.
func SaveParams(s Store, p crypto.Params) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("credential: failed to encode kdf params: %w", err)
	}
	return s.PutString(KeyKDFParams, string(data))
}

// LoadParams returns the recorded costs. ok is false for vaults that never
// recorded them.
func LoadParams(s Store) (p crypto.Params, ok bool, err error) {
	raw, ok, err := s.GetString(KeyKDFParams)
	if err != nil || !ok {
		return crypto.Params{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return crypto.Params{}, false, fmt.Errorf("credential: stored kdf params are unreadable: %w", err)
	}
	if err := p.Validate(); err != nil {
		return crypto.Params{}, false, fmt.Errorf("credential: stored kdf params are invalid: %w", err)
	}
	return p, true, nil
}
