// Package netmon watches reachability of the sync server and fires a
// callback on the offline-to-online transition, so a sync pass runs as soon
// as connectivity returns rather than waiting for the next scheduled one.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober answers whether the remote end is reachable right now.
type Prober interface {
	HealthCheck(ctx context.Context) error
}

// Monitor polls a Prober and tracks the online state. Reconnect callbacks
// fire only on the edge: staying online does not re-fire, and the monitor
// starts offline so the first successful probe counts as a reconnect.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu          sync.Mutex
	online      bool
	onReconnect func()
}

// New builds a monitor probing at the given interval.
func New(prober Prober, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  10 * time.Second,
		log:      log,
	}
}

// OnReconnect registers the callback fired on each offline-to-online edge.
// The callback runs on the monitor goroutine; long work should hop off it.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Online reports the result of the most recent probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run probes until ctx is cancelled. One probe runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.HealthCheck(probeCtx)
	cancel()
	nowOnline := err == nil

	m.mu.Lock()
	wasOnline := m.online
	m.online = nowOnline
	fn := m.onReconnect
	m.mu.Unlock()

	switch {
	case nowOnline && !wasOnline:
		m.log.Info("connectivity restored")
		if fn != nil {
			fn()
		}
	case !nowOnline && wasOnline:
		m.log.Warn("connectivity lost", "error", err)
	}
}
