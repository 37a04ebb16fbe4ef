package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/homefix/bookingsync"
	"github.com/spf13/cobra"
)

var syncJSON bool

func init() {
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "print the drain report as JSON")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued changes against the server now",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(sessionOptions{requireToken: true})
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := commandContext(cmd, 2*time.Minute)
		defer cancel()

		// Going online starts a background pass, so collect every pass.
		var mu sync.Mutex
		var passes []*bookingsync.DrainReport
		s.engine.On(bookingsync.EventSyncComplete, func(_ string, payload any) {
			if r, ok := payload.(*bookingsync.DrainReport); ok {
				mu.Lock()
				passes = append(passes, r)
				mu.Unlock()
			}
		})

		if !s.probe(ctx) {
			return fmt.Errorf("server unreachable; %d change(s) remain queued", s.engine.Queue().Size())
		}
		s.engine.Wait()
		if _, err := s.engine.Drain(ctx); err != nil {
			return err
		}

		mu.Lock()
		report := mergeReports(passes)
		mu.Unlock()
		if syncJSON {
			return printJSON(report)
		}

		fmt.Printf("Confirmed: %d  Conflicts: %d  Rejected: %d  Retrying: %d  Failed: %d\n",
			report.Confirmed, report.Conflicts, report.Rejected, report.Retrying, report.Exhausted)
		for _, m := range report.Merges {
			fmt.Printf("  %s: %s\n", m.BookingID, m.Message())
		}
		if report.Blocked != nil {
			fmt.Printf("Waiting on %s until %s\n", report.Blocked.BookingID, report.Blocked.NextRetryAt.Format(time.RFC3339))
		}
		if n := s.engine.Queue().Size(); n > 0 {
			fmt.Printf("%d change(s) still queued\n", n)
		}
		return nil
	},
}

// mergeReports sums passes; Blocked comes from the last one.
func mergeReports(passes []*bookingsync.DrainReport) *bookingsync.DrainReport {
	total := &bookingsync.DrainReport{}
	for _, r := range passes {
		total.Confirmed += r.Confirmed
		total.Conflicts += r.Conflicts
		total.Rejected += r.Rejected
		total.Retrying += r.Retrying
		total.Exhausted += r.Exhausted
		total.Merges = append(total.Merges, r.Merges...)
		total.Blocked = r.Blocked
	}
	return total
}
