package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"replaysaver/internal/config"
	"replaysaver/internal/logging"
	"replaysaver/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "replaysaver",
	Short: "Save Pokemon Showdown replays automatically",
	Long: `replaysaver drives a Chromium tab on the Showdown client, sends /savereplay once
for every battle it sees start or end, and keeps a local list of the saved replays
with their format, players and winner.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			loaded.Store.Path = dbPath
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := logging.Initialize(logging.Config{
			Level:      loaded.Logging.Level,
			Format:     loaded.Logging.Format,
			File:       loaded.Logging.File,
			Categories: loaded.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		logging.BootDebug("Config loaded from %s, store %s", configPath, cfg.Store.Path)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Replay database (overrides config and REPLAYSAVER_DB)")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(linksCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the configured backend and a Reconciler over it.
func openStore() (*store.Reconciler, *store.SQLiteBackend, error) {
	backend, err := store.OpenSQLite(cfg.Store.Driver, cfg.Store.Path, cfg.Store.Namespace)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return store.NewReconciler(backend, nil), backend, nil
}

// initConfigCmd writes the effective configuration to the config path
var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the current configuration to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
		return nil
	},
}
