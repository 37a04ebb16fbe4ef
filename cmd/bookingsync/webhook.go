package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/homefix/bookingsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	webhookAddr string
	webhookPath string
)

func init() {
	webhookListenCmd.Flags().StringVar(&webhookAddr, "addr", "", "listen address (default webhook.addr or :8087)")
	webhookListenCmd.Flags().StringVar(&webhookPath, "path", "/webhooks/bookings", "request path")
	webhookCmd.AddCommand(webhookListenCmd)
	rootCmd.AddCommand(webhookCmd)
}

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Receive signed status-change webhooks",
}

var webhookListenCmd = &cobra.Command{
	Use:   "listen <booking-id>...",
	Args:  cobra.MinimumNArgs(1),
	Short: "Serve the webhook endpoint and apply pushes to the local cache",
	Long: "Run an HTTP endpoint that verifies " + bookingsync.SignatureHeader + " and feeds\n" +
		"status changes for the given bookings into the local cache, while keeping the queue draining.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(sessionOptions{requireToken: true})
		if err != nil {
			return err
		}
		defer s.Close()

		if s.cfg.Webhook.Secret == "" {
			return fmt.Errorf("no webhook secret; run 'bookingsync config set webhook.secret <secret>'")
		}
		wh, err := bookingsync.EngineWebhook(s.cfg.Webhook.Secret, s.engine)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s.probe(ctx)
		for _, id := range args {
			if err := s.engine.Watch(ctx, id); err != nil {
				s.logger.Warn("watch", zap.String("bookingId", id), zap.Error(err))
			}
		}
		printEvents(s.engine)

		addr := webhookAddr
		if addr == "" {
			addr = valueOrDefault(s.cfg.Webhook.Addr, ":8087")
		}
		mux := http.NewServeMux()
		mux.Handle(webhookPath, wh.HTTPHandler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		return runLoops(ctx, s, func(ctx context.Context) error {
			errc := make(chan error, 1)
			go func() {
				s.logger.Info("webhook listening", zap.String("addr", addr), zap.String("path", webhookPath))
				errc <- srv.ListenAndServe()
			}()
			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				return ctx.Err()
			}
		})
	},
}
