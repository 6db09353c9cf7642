// Package migrations adapts plaintext wallet configuration into the
// encrypted securestore path (§6 "Secure config file"), grounded on
// original_source's migrate_to_secure_config.py: that script reads a
// plaintext config.json, lifts the sensitive fields (wallet addresses,
// block-reward addresses, admin password hash, secret key) into an
// encrypted secure_config.json, and rewrites the plaintext file with
// those fields stripped so they never linger unencrypted on disk.
package migrations

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/opd-ai/walletscan/internal/config"
)

// secureStore is the narrow securestore.Store surface this package
// needs, so tests can substitute a fake instead of importing
// securestore directly.
type secureStore interface {
	Save(path string, value interface{}) error
}

// sensitiveFields lists the §6 keys that must live only in the
// encrypted config path, mirroring config.IsSensitiveKey.
var sensitiveFields = []string{
	"wallet_balance_addresses_with_comments",
	"block_reward_addresses_table",
	"admin_password_hash",
	"secret_key",
}

// MigrateToSecureConfig reads the plaintext config file at plainPath,
// lifts every sensitive field present into secureStore's encrypted file
// at securePath, and rewrites plainPath with those fields removed. It is
// idempotent: running it again on an already-migrated file is a no-op
// that still succeeds (matching original_source's "migration not
// needed" early return).
func MigrateToSecureConfig(plainPath, securePath string, secure secureStore) error {
	raw, err := os.ReadFile(plainPath)
	if err != nil {
		return errors.Wrap(err, "migrations: read plaintext config")
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "migrations: parse plaintext config")
	}

	sensitive := make(map[string]json.RawMessage)
	for _, key := range sensitiveFields {
		if v, ok := doc[key]; ok {
			sensitive[key] = v
			delete(doc, key)
		}
	}

	if len(sensitive) == 0 {
		return nil
	}

	if err := secure.Save(securePath, sensitive); err != nil {
		return errors.Wrap(err, "migrations: save secure config")
	}

	cleaned, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "migrations: marshal cleaned plaintext config")
	}
	if err := os.WriteFile(plainPath, cleaned, 0o644); err != nil {
		return errors.Wrap(err, "migrations: rewrite plaintext config")
	}

	return nil
}

// LoadSecureWatchedAddresses decodes the two watched-address fields out
// of a previously-migrated secure config blob, for callers (e.g.
// internal/config.Loader.MergeSensitive) that need them as typed
// config.WatchedAddress slices rather than raw JSON.
func LoadSecureWatchedAddresses(sensitive map[string]json.RawMessage) (wallet, blockReward []config.WatchedAddress, err error) {
	if raw, ok := sensitive["wallet_balance_addresses_with_comments"]; ok {
		if err := json.Unmarshal(raw, &wallet); err != nil {
			return nil, nil, errors.Wrap(err, "migrations: decode wallet_balance_addresses_with_comments")
		}
	}
	if raw, ok := sensitive["block_reward_addresses_table"]; ok {
		if err := json.Unmarshal(raw, &blockReward); err != nil {
			return nil, nil, errors.Wrap(err, "migrations: decode block_reward_addresses_table")
		}
	}
	return wallet, blockReward, nil
}
