package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"replaysaver/internal/outcome"
	"replaysaver/internal/store"
)

var (
	listFollow bool
	clearYes   bool
)

var (
	winnerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	loserStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	formatStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
)

// listCmd prints saved replays, most recent first
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved replays, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, backend, err := openStore()
		if err != nil {
			return err
		}
		defer backend.Close()

		if err := printRecords(cmd.Context(), cmd.OutOrStdout(), rc); err != nil {
			return err
		}
		if !listFollow {
			return nil
		}
		return followStore(cmd.Context(), cmd.OutOrStdout(), rc, backend.Path())
	},
}

// linksCmd prints every replay URL, one per line
var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "Print all replay links, one per line",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, backend, err := openStore()
		if err != nil {
			return err
		}
		defer backend.Close()

		records, err := rc.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range records {
			fmt.Fprintln(out, r.URL)
		}
		return nil
	},
}

// deleteCmd removes saved replays by id
var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete saved replays by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, backend, err := openStore()
		if err != nil {
			return err
		}
		defer backend.Close()

		var errs []error
		for _, id := range args {
			id = strings.TrimPrefix(id, "battle-")
			if err := rc.Delete(cmd.Context(), id); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
		}
		return errors.Join(errs...)
	},
}

// clearCmd removes every saved replay
var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all saved replays",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, backend, err := openStore()
		if err != nil {
			return err
		}
		defer backend.Close()

		if !clearYes {
			records, err := rc.List(cmd.Context())
			if err != nil {
				return err
			}
			return fmt.Errorf("refusing to delete %d replay(s) without --yes", len(records))
		}
		n, err := rc.Clear(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d replay(s)\n", n)
		return nil
	},
}

// backfillCmd fetches winners for finished replays that have none
var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch missing winners from the replay logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, backend, err := openStore()
		if err != nil {
			return err
		}
		defer backend.Close()

		records, err := rc.List(cmd.Context())
		if err != nil {
			return err
		}
		resolver := outcome.NewResolver(
			outcome.NewHTTPFetcher(cfg.GetFetchTimeout(), cfg.Outcome.UserAgent),
			rc,
			outcome.Options{
				LogSuffix:           cfg.Outcome.LogSuffix,
				FetchTimeout:        cfg.GetFetchTimeout(),
				BackfillConcurrency: cfg.Outcome.BackfillConcurrency,
			},
		)
		n, err := resolver.Backfill(cmd.Context(), records)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Filled %d winner(s)\n", n)
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listFollow, "watch", "w", false, "Redraw when the database changes")
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "Confirm deleting every replay")
}

func printRecords(ctx context.Context, out io.Writer, rc *store.Reconciler) error {
	records, err := rc.List(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No replays saved yet.")
		return nil
	}
	for _, r := range records {
		fmt.Fprintln(out, formatRecord(r))
	}
	return nil
}

func formatRecord(r store.Record) string {
	var b strings.Builder
	b.WriteString(r.CreatedAt.Local().Format("2006-01-02 15:04"))
	b.WriteString("  ")
	b.WriteString(formatStyle.Render(r.Format))
	b.WriteString("  ")
	b.WriteString(formatPlayers(r.Players, r.Winner))
	if r.IsProvisional {
		b.WriteString("  ")
		b.WriteString(pendingStyle.Render("(in progress)"))
	}
	b.WriteString("\n    ")
	b.WriteString(r.URL)
	return b.String()
}

// formatPlayers marks the winner W and the other player L once the winner is known.
func formatPlayers(players []string, winner string) string {
	if len(players) == 0 {
		return "Unknown Players"
	}
	if winner == "" {
		return strings.Join(players, " vs ")
	}
	parts := make([]string, len(players))
	for i, p := range players {
		if p == winner {
			parts[i] = winnerStyle.Render(p + " W")
		} else {
			parts[i] = loserStyle.Render(p + " L")
		}
	}
	return strings.Join(parts, " vs ")
}

// followStore redraws the list whenever the database file or its WAL changes.
func followStore(ctx context.Context, out io.Writer, rc *store.Reconciler, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := filepath.Base(path)
	var redraw <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if redraw == nil {
				redraw = time.After(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "watch error: %v\n", err)
		case <-redraw:
			redraw = nil
			fmt.Fprintln(out, "----")
			if err := printRecords(ctx, out, rc); err != nil {
				return err
			}
		}
	}
}
