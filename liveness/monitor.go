package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Brunoantonio2025/transmi-ao/domain"
	"github.com/Brunoantonio2025/transmi-ao/metrics"
)

const (
	DefaultInterval = 30 * time.Second

	maxConcurrentProbes = 64
)

// Target is a connection the monitor can probe.
type Target interface {
	domain.Connection
	// Suspect clears the alive flag and reports whether it was set.
	Suspect() bool
	Ping() error
}

// Monitor probes every tracked connection once per interval. A connection
// that has not acknowledged the previous probe when the next sweep runs is
// evicted, so a dead peer holds its slot for at most two intervals.
type Monitor struct {
	clock    clockwork.Clock
	interval time.Duration
	evict    func(domain.Connection)
	metrics  *metrics.Metrics

	mu      sync.Mutex
	targets map[string]Target
}

// NewMonitor creates a monitor. evict must be the same cleanup routine a
// graceful close runs; the monitor closes the target afterwards.
func NewMonitor(clock clockwork.Clock, interval time.Duration, evict func(domain.Connection), m *metrics.Metrics) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Monitor{
		clock:    clock,
		interval: interval,
		evict:    evict,
		metrics:  m,
		targets:  make(map[string]Target),
	}
}

func (m *Monitor) Track(t Target) {
	m.mu.Lock()
	m.targets[t.ID()] = t
	m.mu.Unlock()
}

func (m *Monitor) Untrack(t Target) {
	m.mu.Lock()
	delete(m.targets, t.ID())
	m.mu.Unlock()
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}

// Run sweeps on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	m.mu.Lock()
	targets := make([]Target, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	// Probes run concurrently; Ping on a stalled peer can block for the
	// full write timeout.
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for _, t := range targets {
		if !t.Suspect() {
			m.terminate(t)
			continue
		}
		t := t
		g.Go(func() error {
			if err := t.Ping(); err != nil {
				slog.Warn("liveness probe failed", "connId", t.ID(), "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (m *Monitor) terminate(t Target) {
	slog.Info("evicting unresponsive connection", "connId", t.ID())
	m.metrics.Evictions.Inc()
	m.Untrack(t)
	if m.evict != nil {
		m.evict(t)
	}
	if err := t.Close(); err != nil {
		slog.Debug("close after eviction failed", "connId", t.ID(), "error", err)
	}
}
