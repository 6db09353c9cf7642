package migrations

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeSecureStore struct {
	saved map[string]interface{}
}

func (f *fakeSecureStore) Save(path string, value interface{}) error {
	if f.saved == nil {
		f.saved = make(map[string]interface{})
	}
	f.saved[path] = value
	return nil
}

type failingSecureStore struct{}

func (failingSecureStore) Save(path string, value interface{}) error {
	return errTestSaveFailed
}

var errTestSaveFailed = errors.New("migration_test: simulated secure store failure")

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestMigrateToSecureConfigLiftsSensitiveFields(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "config.json")
	securePath := filepath.Join(dir, "secure_config.json")

	writeJSON(t, plainPath, map[string]interface{}{
		"mempool_host": "localhost",
		"wallet_balance_addresses_with_comments": []map[string]string{
			{"address": "bc1qexample", "comment": "cold storage"},
		},
		"admin_password_hash": "abc123",
	})

	store := &fakeSecureStore{}
	if err := MigrateToSecureConfig(plainPath, securePath, store); err != nil {
		t.Fatalf("MigrateToSecureConfig: %v", err)
	}

	if _, ok := store.saved[securePath]; !ok {
		t.Fatalf("expected secure store to receive a save at %s", securePath)
	}

	remaining, err := os.ReadFile(plainPath)
	if err != nil {
		t.Fatalf("read rewritten plaintext config: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(remaining, &doc); err != nil {
		t.Fatalf("parse rewritten plaintext config: %v", err)
	}
	for _, key := range sensitiveFields {
		if _, ok := doc[key]; ok {
			t.Errorf("sensitive field %q should have been stripped from plaintext config", key)
		}
	}
	if _, ok := doc["mempool_host"]; !ok {
		t.Error("non-sensitive field mempool_host should remain in plaintext config")
	}
}

func TestMigrateToSecureConfigNoSensitiveFieldsIsNoop(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "config.json")
	securePath := filepath.Join(dir, "secure_config.json")

	writeJSON(t, plainPath, map[string]interface{}{"mempool_host": "localhost"})

	store := &fakeSecureStore{}
	if err := MigrateToSecureConfig(plainPath, securePath, store); err != nil {
		t.Fatalf("MigrateToSecureConfig: %v", err)
	}
	if len(store.saved) != 0 {
		t.Error("expected no secure-store save when no sensitive fields are present")
	}
}

func TestMigrateToSecureConfigMissingPlainFile(t *testing.T) {
	dir := t.TempDir()
	store := &fakeSecureStore{}
	err := MigrateToSecureConfig(filepath.Join(dir, "missing.json"), filepath.Join(dir, "secure.json"), store)
	if err == nil {
		t.Fatal("expected error for missing plaintext config")
	}
}

func TestMigrateToSecureConfigCorruptedPlainFile(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(plainPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupted fixture: %v", err)
	}

	store := &fakeSecureStore{}
	err := MigrateToSecureConfig(plainPath, filepath.Join(dir, "secure.json"), store)
	if err == nil {
		t.Fatal("expected error for corrupted plaintext config")
	}
}

func TestMigrateToSecureConfigSaveFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "config.json")
	writeJSON(t, plainPath, map[string]interface{}{"secret_key": "shh"})

	err := MigrateToSecureConfig(plainPath, filepath.Join(dir, "secure.json"), failingSecureStore{})
	if err == nil {
		t.Fatal("expected error when the secure store save fails")
	}
}

func TestLoadSecureWatchedAddresses(t *testing.T) {
	sensitive := map[string]json.RawMessage{
		"wallet_balance_addresses_with_comments": json.RawMessage(`[{"address":"bc1qexample","comment":"cold"}]`),
		"block_reward_addresses_table":           json.RawMessage(`[{"address":"bc1qreward","comment":"miner"}]`),
	}

	wallet, blockReward, err := LoadSecureWatchedAddresses(sensitive)
	if err != nil {
		t.Fatalf("LoadSecureWatchedAddresses: %v", err)
	}
	if len(wallet) != 1 || wallet[0].Address != "bc1qexample" {
		t.Errorf("unexpected wallet addresses: %+v", wallet)
	}
	if len(blockReward) != 1 || blockReward[0].Address != "bc1qreward" {
		t.Errorf("unexpected block-reward addresses: %+v", blockReward)
	}
}

func TestLoadSecureWatchedAddressesEmpty(t *testing.T) {
	wallet, blockReward, err := LoadSecureWatchedAddresses(map[string]json.RawMessage{})
	if err != nil {
		t.Fatalf("LoadSecureWatchedAddresses: %v", err)
	}
	if wallet != nil || blockReward != nil {
		t.Error("expected nil slices when no sensitive fields are present")
	}
}
