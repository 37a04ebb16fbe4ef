package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/homefix/bookingsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const probeInterval = 15 * time.Second

var watchJSON bool

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print updates as JSON lines")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <booking-id>...",
	Short: "Follow live status changes and keep the queue draining",
	Long: "Subscribe to status changes for the given bookings, probe connectivity,\n" +
		"and replay queued changes as they become due. Runs until interrupted.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(sessionOptions{requireToken: true, realtime: true})
		if err != nil {
			return err
		}
		defer s.Close()

		printEvents(s.engine)

		ctx := cmd.Context()
		s.probe(ctx)
		for _, id := range args {
			if err := s.engine.Watch(ctx, id); err != nil {
				s.logger.Warn("watch", zap.String("bookingId", id), zap.Error(err))
			}
		}

		return runLoops(ctx, s, nil)
	},
}

// runLoops drives the connectivity probe, the retry ticker and, when
// configured, the push transport until ctx is done. extra runs alongside.
func runLoops(ctx context.Context, s *session, extra func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.engine.Monitor().Probe(gctx, s.client, probeInterval)
	})
	g.Go(func() error {
		return s.engine.Run(gctx, duration(s.cfg.Sync.TickInterval, time.Second))
	})
	if s.realtime != nil {
		g.Go(func() error {
			return keepConnected(gctx, s)
		})
	}
	if extra != nil {
		g.Go(func() error {
			return extra(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// keepConnected dials the transport until the first connection succeeds.
// Later drops are handled by the transport's own reconnect loop.
func keepConnected(ctx context.Context, s *session) error {
	for {
		err := s.realtime.Connect(ctx)
		if err == nil {
			break
		}
		s.logger.Info("realtime connect failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
	<-ctx.Done()
	if err := s.realtime.Disconnect(); err != nil {
		s.logger.Debug("realtime disconnect", zap.Error(err))
	}
	return ctx.Err()
}

// printEvents writes engine events to stdout.
func printEvents(e *bookingsync.Engine) {
	show := func(event string, payload any) {
		if watchJSON {
			_ = printJSON(map[string]any{"event": event, "payload": payload})
			return
		}
		switch p := payload.(type) {
		case bookingsync.Booking:
			line := fmt.Sprintf("%s  %s is %s (v%d)", time.Now().Format(time.TimeOnly), p.ID, p.Status, p.Version)
			if p.PendingStatus != "" {
				line += fmt.Sprintf(", %s pending", p.PendingStatus)
			}
			fmt.Println(line)
		case bookingsync.MergeResult:
			fmt.Printf("%s  %s: %s\n", time.Now().Format(time.TimeOnly), p.BookingID, p.Message())
		case *bookingsync.QueuedAction:
			fmt.Printf("%s  %s %s -> %s\n", time.Now().Format(time.TimeOnly), event, p.BookingID, p.TargetStatus)
		default:
			fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), event)
		}
	}
	for _, event := range []string{
		bookingsync.EventNetworkOnline,
		bookingsync.EventNetworkOffline,
		bookingsync.EventBookingUpdated,
		bookingsync.EventActionConfirmed,
		bookingsync.EventActionConflict,
		bookingsync.EventActionRejected,
		bookingsync.EventActionExhausted,
	} {
		e.On(event, show)
	}
}
