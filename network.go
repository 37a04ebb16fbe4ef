package bookingsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger checks whether the server of record is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NetworkMonitor tracks connectivity and notifies listeners on every
// transition. It owns a single boolean; nothing else about the network is
// modelled here.
type NetworkMonitor struct {
	mu        sync.RWMutex
	connected bool
	listeners []func(connected bool)
	logger    *zap.Logger
}

// NewNetworkMonitor creates a monitor with the given initial state.
func NewNetworkMonitor(connected bool, logger *zap.Logger) *NetworkMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkMonitor{connected: connected, logger: logger}
}

// IsConnected returns the current connectivity.
func (m *NetworkMonitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// OnChange registers fn for connectivity transitions. Listeners run
// synchronously in registration order.
func (m *NetworkMonitor) OnChange(fn func(connected bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Set records the connectivity and notifies listeners if it changed.
// It returns true when a transition happened.
func (m *NetworkMonitor) Set(connected bool) bool {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return false
	}
	m.connected = connected
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("connected", connected))
	for _, fn := range listeners {
		fn(connected)
	}
	return true
}

// Probe pings p every interval and feeds the result into Set until ctx is
// done. The first probe runs immediately.
func (m *NetworkMonitor) Probe(ctx context.Context, p Pinger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := p.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.logger.Debug("probe failed", zap.Error(err))
		}
		m.Set(err == nil)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
