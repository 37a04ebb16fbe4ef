package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	statusJSON    bool
	statusOffline bool
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print sync signals as JSON")
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false, "skip the connectivity probe")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, connectivity and sync state",
	Long:  "Display the current configuration, probe the server, and summarize the local queue and cached bookings.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		if !statusOffline && s.cfg.Default.Token != "" {
			s.probe(cmd.Context())
		}
		signals := s.engine.Reporter().Signals()

		if statusJSON {
			return printJSON(signals)
		}

		cfg := s.cfg
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Role:        %s\n", valueOrDefault(cfg.Default.Role, "(not set)"))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))

		fmt.Println()
		fmt.Println("Sync:")
		connectivity := "online"
		if signals.Offline {
			connectivity = "offline"
		}
		fmt.Printf("  Connectivity: %s\n", connectivity)
		fmt.Printf("  Pending:      %d\n", signals.PendingCount)
		fmt.Printf("  Failed:       %d\n", signals.FailedCount)
		if signals.LastSyncedAt.IsZero() {
			fmt.Println("  Last synced:  never")
		} else {
			fmt.Printf("  Last synced:  %s\n", signals.LastSyncedAt.Format(time.RFC3339))
		}
		if signals.CachedContent {
			fmt.Println("  Showing cached content")
		}
		if msg := s.engine.Reporter().Message(); msg != "" {
			fmt.Println()
			fmt.Println(msg)
		}

		bookings := s.engine.Cache().List()
		if len(bookings) > 0 {
			fmt.Println()
			fmt.Println("Bookings:")
			for _, b := range bookings {
				line := fmt.Sprintf("  %-20s %-12s v%d", b.ID, b.Status, b.Version)
				if b.PendingStatus != "" {
					line += fmt.Sprintf("  -> %s (pending)", b.PendingStatus)
				}
				if s.engine.Reporter().IsStale(b.ID) {
					line += "  [cached]"
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

// commandContext bounds one-shot commands.
func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}
