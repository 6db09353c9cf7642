// Command walletscanctl is the operational CLI for the wallet-scanning
// core: it loads configuration via viper, wires a WalletCore exactly the
// way a long-running caller (the e-paper dashboard process, out of
// scope here) would, and prints a balance report. It plays the same
// role in this repository that internal/cli/root.go plays for the
// teacher's HD-wallet example: a thin cobra/viper demo surface over the
// library packages, not a production server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opd-ai/walletscan"
	"github.com/opd-ai/walletscan/balance"
	"github.com/opd-ai/walletscan/bip32"
	"github.com/opd-ai/walletscan/blockreward"
	"github.com/opd-ai/walletscan/derivation"
	"github.com/opd-ai/walletscan/gaplimit"
	"github.com/opd-ai/walletscan/internal/config"
	"github.com/opd-ai/walletscan/internal/fingerprint"
	"github.com/opd-ai/walletscan/mempool"
	"github.com/opd-ai/walletscan/securestore"
)

var (
	configFile string
	cacheDir   string
	startup    bool
)

func main() {
	root := &cobra.Command{
		Use:   "walletscanctl",
		Short: "Inspect and refresh the Bitcoin wallet-scanning cache",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "./config.yaml", "path to the public config file")
	root.PersistentFlags().StringVar(&cacheDir, "cache-dir", "./.walletscan-cache", "directory for cache and derivation state")
	viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(fetchCommand())
	root.AddCommand(cacheStatsCommand())
	root.AddCommand(feesCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildCore wires every collaborator a WalletCore needs, following
// Design Note 1 (C5 injected as a service) and Design Note 2 (a single
// context object rather than package-level singletons).
func buildCore() (*walletscan.WalletCore, config.Provider, error) {
	loader, err := config.New(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg := loader.Config()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	client, err := mempool.New(mempool.Config{
		Host:      cfg.MempoolHost,
		RESTPort:  cfg.MempoolRESTPort,
		UseHTTPS:  cfg.MempoolUseHTTPS,
		VerifySSL: cfg.MempoolVerifySSL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build mempool client: %w", err)
	}

	fp := fingerprint.New(cacheDir)
	secure := securestore.New(filepath.Join(cacheDir, "secure.salt"), fp)

	derivationCache := derivation.New(256, secure, filepath.Join(cacheDir, "derivation_cache.json"))

	gapCfg := gaplimit.Config{
		InitialCount:       cfg.XpubDerivationCount,
		GapLimit:           cfg.XpubGapLimitLastN,
		Increment:          cfg.XpubGapLimitIncrement,
		BootstrapEnabled:   cfg.XpubEnableBootstrapSearch,
		BootstrapIncrement: cfg.XpubBootstrapIncrement,
		BootstrapMax:       cfg.XpubBootstrapMaxAddresses,
	}
	scanner := gaplimit.New(gapCfg, client, derivationCache)

	var universe balanceUniverse
	if cfg.XpubEnableGapLimit {
		universe = balance.GapLimitUniverse{Scanner: scanner}
	} else {
		universe = balance.FixedCountUniverse{Cache: derivationCache, Count: cfg.XpubDerivationCount}
	}

	entryStore := &balance.SecureEntryStore{Secure: secure, Dir: filepath.Join(cacheDir, "optimized_balance")}
	engine := balance.New(client, universe, entryStore, balance.Config{
		CacheDays:       cfg.OptimizedBalanceCacheDays,
		BufferAddresses: cfg.OptimizedBalanceBufferAddresses,
	}, time.Duration(cfg.WalletBalanceCacheTimeoutSeconds)*time.Second)

	core := walletscan.New(loader, client, universe, engine, nil, secure, cacheDir)
	return core, loader, nil
}

// balanceUniverse mirrors the method set of walletscan's unexported
// addressUniverse interface; any value assigned to a variable of this
// type structurally satisfies that parameter when passed to
// walletscan.New.
type balanceUniverse interface {
	Addresses(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) ([]bip32.DerivedAddress, error)
}

func fetchCommand() *cobra.Command {
	var startupFlag bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Compute and print the deduplicated wallet balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, _, err := buildCore()
			if err != nil {
				return err
			}
			result := core.FetchWalletBalances(cmd.Context(), startupFlag)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&startupFlag, "startup", false, "skip network I/O and report the last cached total")
	return cmd
}

func cacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cache-stats",
		Short: "Print derivation and block-reward cache sizes (SUPPLEMENTED FEATURES #3)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fp := fingerprint.New(cacheDir)
			secure := securestore.New(filepath.Join(cacheDir, "secure.salt"), fp)
			derivationCache := derivation.New(256, secure, filepath.Join(cacheDir, "derivation_cache.json"))
			entries, capacity := derivationCache.Stats()

			client, err := mempool.New(mempool.Config{})
			if err != nil {
				return err
			}
			persister := &blockreward.SecureStatePersister{Secure: secure, Dir: cacheDir}
			rewardCache := blockreward.New(client, persister, blockreward.DefaultConfig())
			addrCount, syncHeight := rewardCache.Stats()

			fmt.Printf("derivation cache: %d/%d entries in memory\n", entries, capacity)
			fmt.Printf("block-reward cache: %d addresses, synced to height %d\n", addrCount, syncHeight)
			return nil
		},
	}
}

func feesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fees",
		Short: "Print the mempool's recommended fee tiers (SUPPLEMENTED FEATURES #1)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, loader, err := buildCore()
			if err != nil {
				return err
			}
			cfg := loader.Config()
			client, err := mempool.New(mempool.Config{
				Host:      cfg.MempoolHost,
				RESTPort:  cfg.MempoolRESTPort,
				UseHTTPS:  cfg.MempoolUseHTTPS,
				VerifySSL: cfg.MempoolVerifySSL,
			})
			if err != nil {
				return err
			}
			fees, err := client.GetRecommendedFees(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(fees)
		},
	}
}
