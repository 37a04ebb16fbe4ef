package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/homefix/bookingsync"
	"github.com/spf13/cobra"
)

var (
	transitionJSON    bool
	transitionOffline bool
)

func init() {
	transitionCmd.Flags().BoolVar(&transitionJSON, "json", false, "print the result as JSON")
	transitionCmd.Flags().BoolVar(&transitionOffline, "offline", false, "queue the change without contacting the server")
	rootCmd.AddCommand(transitionCmd)
}

var transitionCmd = &cobra.Command{
	Use:   "transition <booking-id> [status]",
	Short: "Request a booking status change",
	Long: "Request a status change for a booking. Without a status, list the changes\n" +
		"the configured role may make from the booking's current status.\n" +
		"Changes are sent immediately when online and queued otherwise.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(sessionOptions{requireToken: true})
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := commandContext(cmd, 30*time.Second)
		defer cancel()

		bookingID := args[0]
		if !transitionOffline {
			s.probe(ctx)
		}

		if len(args) == 1 {
			if s.engine.Monitor().IsConnected() {
				if err := s.engine.Refresh(ctx, bookingID); err != nil {
					return fmt.Errorf("fetch booking: %w", err)
				}
			}
			b := s.engine.Cache().Get(bookingID)
			if b == nil {
				return fmt.Errorf("booking %s is not cached and the server is unreachable", bookingID)
			}
			targets := bookingsync.AllowedTargets(b.Status, s.engine.Role())
			if transitionJSON {
				return printJSON(map[string]any{"booking": b, "allowed": targets})
			}
			fmt.Printf("Booking %s is %s (v%d)\n", b.ID, b.Status, b.Version)
			if len(targets) == 0 {
				fmt.Printf("No changes available to a %s.\n", s.engine.Role())
				return nil
			}
			names := make([]string, len(targets))
			for i, t := range targets {
				names[i] = string(t)
			}
			fmt.Printf("Allowed: %s\n", strings.Join(names, ", "))
			return nil
		}

		target := bookingsync.BookingStatus(args[1])
		if !target.Valid() {
			return fmt.Errorf("unknown status %q", args[1])
		}

		result, err := s.engine.RequestTransition(ctx, bookingID, target)
		if err != nil {
			var se *bookingsync.SyncError
			if errors.As(err, &se) && se.Kind == bookingsync.KindConflict && se.Current != nil {
				merge := bookingsync.MergeResult{
					BookingID:     bookingID,
					Requested:     target,
					ServerStatus:  se.Current.Status,
					ServerVersion: se.Current.Version,
					Kind:          se.Kind,
				}
				return errors.New(merge.Message())
			}
			return err
		}

		if transitionJSON {
			return printJSON(result)
		}
		switch {
		case result.Queued && result.Superseded:
			fmt.Printf("Queued %s -> %s (replaced an earlier queued change)\n", bookingID, target)
		case result.Queued:
			fmt.Printf("Queued %s -> %s; it will sync when the server is reachable\n", bookingID, target)
		default:
			fmt.Printf("Booking %s is now %s (v%d)\n", bookingID, result.Status, result.Version)
		}
		return nil
	},
}
