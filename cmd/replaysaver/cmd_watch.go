package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"replaysaver/internal/archive"
	"replaysaver/internal/battle"
	"replaysaver/internal/browser"
	"replaysaver/internal/clock"
	"replaysaver/internal/lifecycle"
	"replaysaver/internal/logging"
	"replaysaver/internal/outcome"
	"replaysaver/internal/pipeline"
)

var (
	watchHeadless bool
	watchAttach   string
)

// watchCmd drives the client page until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the Showdown client and save a replay of every battle",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchHeadless, "headless", false, "Run the launched browser headless")
	watchCmd.Flags().StringVar(&watchAttach, "attach", "", "DevTools URL of a running Chrome to attach to")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logging.Boot("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	instance := uuid.NewString()
	logging.Boot("Watcher %s starting, store %s (%s)", instance, cfg.Store.Path, cfg.Store.Driver)

	rc, backend, err := openStore()
	if err != nil {
		return err
	}
	defer backend.Close()

	resolver := outcome.NewResolver(
		outcome.NewHTTPFetcher(cfg.GetFetchTimeout(), cfg.Outcome.UserAgent),
		rc,
		outcome.Options{
			LogSuffix:           cfg.Outcome.LogSuffix,
			FetchTimeout:        cfg.GetFetchTimeout(),
			BackfillConcurrency: cfg.Outcome.BackfillConcurrency,
		},
	)
	rc.SetOutcomeHook(resolver)

	bcfg := browser.Config{
		DebuggerURL:       cfg.Browser.DebuggerURL,
		Launch:            cfg.Browser.Launch,
		Headless:          cfg.Browser.Headless || watchHeadless,
		UserDataDir:       cfg.Browser.UserDataDir,
		URL:               cfg.Browser.URL,
		PollInterval:      cfg.GetPollInterval(),
		NavigationTimeout: cfg.GetNavigationTimeout(),
	}
	if watchAttach != "" {
		bcfg.DebuggerURL = watchAttach
	}
	session := browser.NewSession(bcfg)
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer session.Close()

	clk := clock.Real()
	ctrl := archive.NewController(session, session, rc, clk, archive.Options{
		Command:     cfg.ArchiveCommand(),
		ReplayHost:  cfg.Archive.ReplayHost,
		SettleDelay: cfg.GetSettleDelay(),
		RetryDelay:  cfg.GetRetryDelay(),
		MaxAttempts: cfg.Archive.MaxAttempts,
	})
	tracker := lifecycle.NewTracker(clk, cfg.GetGracePeriod())
	p := pipeline.New(battle.Classifier{AllowLoose: cfg.Tracker.LooseEndPatterns}, tracker, ctrl, resolver)

	logging.Boot("Watching %s (browser session %s)", bcfg.URL, session.ID())
	stats, err := p.Run(ctx, session)
	logging.Boot("Watcher %s stopped: %d lines, %d archived, %d finalized, %d failed, %d dropped",
		instance, stats.Lines, stats.Archived, stats.Finalized, stats.Failed, stats.Dropped)
	return err
}
