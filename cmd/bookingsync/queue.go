package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueListJSON bool

func init() {
	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "print actions as JSON")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDismissCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued status changes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and failed changes, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		actions := s.engine.Queue().List()
		if queueListJSON {
			return printJSON(actions)
		}
		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, a := range actions {
			fmt.Printf("%s  %-20s -> %-12s %-8s attempts=%d\n", a.ID, a.BookingID, a.TargetStatus, a.State, a.Attempts)
			if !a.NextRetryAt.IsZero() {
				fmt.Printf("    next retry: %s\n", a.NextRetryAt.Format(time.RFC3339))
			}
			if a.LastError != "" {
				fmt.Printf("    last error: %s\n", a.LastError)
			}
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <action-id>",
	Short: "Re-initiate a failed change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(sessionOptions{requireToken: true})
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := commandContext(cmd, 30*time.Second)
		defer cancel()
		s.probe(ctx)

		a, err := s.engine.Retry(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Re-queued %s -> %s\n", a.BookingID, a.TargetStatus)
		return nil
	},
}

var queueDismissCmd = &cobra.Command{
	Use:   "dismiss <action-id>",
	Short: "Drop a queued or failed change without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.Dismiss(args[0]); err != nil {
			return err
		}
		fmt.Printf("Dismissed %s\n", args[0])
		return nil
	},
}
