package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/homefix/bookingsync"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a zap logger from the [log] section: colourized
// development output at debug level unless production is set.
func newLogger(cfg ConfigLog) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Production {
		zc = zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

// newClient creates a server client from the [default] section.
func newClient(cfg *Config) *bookingsync.Client {
	var opts []bookingsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, bookingsync.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, bookingsync.WithEnvironment(bookingsync.Environment(cfg.Default.Environment)))
	}
	return bookingsync.NewClient(cfg.Default.Token, opts...)
}

// dataPath is the bbolt file holding the queue and cached bookings.
func dataPath(cfg *Config) (string, error) {
	dir := cfg.Sync.DataDir
	if dir == "" {
		base, err := configDir()
		if err != nil {
			return "", err
		}
		dir = base
	}
	return filepath.Join(dir, "sync.db"), nil
}

func retryPolicy(cfg ConfigSync) bookingsync.RetryPolicy {
	return bookingsync.RetryPolicy{
		BaseDelay:   duration(cfg.BaseDelay, bookingsync.DefaultRetryPolicy.BaseDelay),
		MaxDelay:    duration(cfg.MaxDelay, bookingsync.DefaultRetryPolicy.MaxDelay),
		MaxAttempts: cfg.MaxAttempts,
	}
}

// session bundles everything a command needs to talk to the engine.
type session struct {
	cfg      *Config
	logger   *zap.Logger
	storage  *bookingsync.BoltStorage
	client   *bookingsync.Client
	engine   *bookingsync.Engine
	realtime bookingsync.RealtimeTransport
}

type sessionOptions struct {
	// requireToken fails early when no token is configured.
	requireToken bool
	// realtime attaches the configured push transport.
	realtime bool
}

// openSession loads config, opens local storage and builds an engine. The
// engine starts offline; call probe or run the monitor to bring it online.
func openSession(opts sessionOptions) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.requireToken && cfg.Default.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'bookingsync init <token>' first")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	path, err := dataPath(cfg)
	if err != nil {
		return nil, err
	}
	storage, err := bookingsync.OpenBoltStorage(path)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger, storage: storage, client: newClient(cfg)}

	engineOpts := &bookingsync.EngineOptions{
		Role:         bookingsync.Role(cfg.Default.Role),
		Retry:        retryPolicy(cfg.Sync),
		StaleAfter:   duration(cfg.Sync.StaleAfter, bookingsync.DefaultStaleAfter),
		StartOffline: true,
		Logger:       logger,
	}
	if opts.realtime {
		rc := &bookingsync.RealtimeConfig{
			Token:             cfg.Default.Token,
			AutoReconnect:     true,
			HeartbeatInterval: duration(cfg.Realtime.Heartbeat, 0),
			Logger:            logger.Named("transport"),
		}
		switch cfg.Realtime.Transport {
		case "", "ws":
			s.realtime = bookingsync.NewRealtimeWSClient(s.client.BaseURL(), rc)
		case "sse":
			s.realtime = bookingsync.NewRealtimeSSEClient(s.client.BaseURL(), rc)
		}
		engineOpts.Realtime = s.realtime
	}

	s.engine, err = bookingsync.NewEngine(storage, s.client, engineOpts)
	if err != nil {
		storage.Close()
		return nil, err
	}
	return s, nil
}

// probe pings the server once and records the result in the monitor.
func (s *session) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.client.Ping(ctx)
	if err != nil {
		s.logger.Debug("server unreachable", zap.Error(err))
	}
	s.engine.SetOnline(err == nil)
	return err == nil
}

// Close waits for background drains and releases storage.
func (s *session) Close() {
	s.engine.Wait()
	s.engine.Close()
	if err := s.storage.Close(); err != nil {
		s.logger.Warn("close storage", zap.Error(err))
	}
	_ = s.logger.Sync()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
