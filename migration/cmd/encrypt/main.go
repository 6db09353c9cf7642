// Command walletscan-migrate lifts sensitive fields (wallet addresses,
// block-reward addresses, admin password hash, secret key) out of a
// plaintext config file into the encrypted secure-config path, matching
// original_source's migrate_to_secure_config.py one-shot migration
// script.
package main

import (
	"flag"
	"log"

	"github.com/opd-ai/walletscan/internal/fingerprint"
	migrations "github.com/opd-ai/walletscan/migration"
	"github.com/opd-ai/walletscan/securestore"
)

func main() {
	plainPath := flag.String("config", "./config.json", "Path to the plaintext config file")
	securePath := flag.String("secure-config", "./secure_config.json", "Path to write the encrypted secure config")
	saltPath := flag.String("salt", "./secure_config.salt", "Path to the securestore salt file")
	cacheDir := flag.String("cache-dir", "./.walletscan-cache", "Directory for the device-fingerprint fallback cache")
	flag.Parse()

	fp := fingerprint.New(*cacheDir)
	secure := securestore.New(*saltPath, fp)

	if err := migrations.MigrateToSecureConfig(*plainPath, *securePath, secure); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Printf("migrated sensitive fields from %s into %s", *plainPath, *securePath)
}
