// ABOUTME: Heartbeat monitor that probes every connection and evicts silent ones.
// ABOUTME: Runs as a single cancellable background worker on a fixed interval.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mothership-gateway/internal/protocol"
)

// ErrInvalidHeartbeatPolicy indicates a deadline that does not exceed the interval.
var ErrInvalidHeartbeatPolicy = errors.New("heartbeat deadline must be greater than heartbeat interval")

// Default heartbeat timings.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatDeadline = 90 * time.Second
	DefaultMaxParallelSends  = 64
	DefaultProbeTimeout      = 10 * time.Second
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Interval is how often probes are sent and liveness is checked.
	Interval time.Duration
	// Deadline is how long a connection may stay silent before eviction.
	// It must be strictly greater than Interval.
	Deadline time.Duration
	// MaxParallel bounds concurrent probe writes.
	MaxParallel int
	// ProbeTimeout bounds each probe, including the wait behind other writes
	// to the same connection, so one stalled peer cannot delay the sweep.
	ProbeTimeout time.Duration
}

// TickReport summarizes one monitor pass.
type TickReport struct {
	Probed       int
	SendFailures int
	Expired      int
}

// Monitor periodically probes registered connections and evicts those whose
// last heartbeat is older than the deadline.
type Monitor struct {
	registry *Registry
	cfg      MonitorConfig
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// NewMonitor validates the policy and returns a stopped Monitor.
func NewMonitor(registry *Registry, cfg MonitorConfig, logger *slog.Logger) (*Monitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultHeartbeatDeadline
	}
	if cfg.Deadline <= cfg.Interval {
		return nil, fmt.Errorf("%w (interval %s, deadline %s)", ErrInvalidHeartbeatPolicy, cfg.Interval, cfg.Deadline)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallelSends
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Start launches the background worker. Calling Start on a running monitor
// does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running.Store(true)

	go m.run(ctx, m.done)
	m.logger.Info("heartbeat monitor started",
		"interval", m.cfg.Interval,
		"deadline", m.cfg.Deadline,
	)
}

// Stop signals the worker and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return
	}
	m.cancel()
	<-m.done
	m.running.Store(false)
	m.logger.Info("heartbeat monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			report := m.Tick(ctx, now)
			if report.SendFailures > 0 || report.Expired > 0 {
				m.logger.Info("heartbeat sweep evicted connections",
					"probed", report.Probed,
					"send_failures", report.SendFailures,
					"expired", report.Expired,
				)
			}
		}
	}
}

// Tick runs one monitor pass: probe every connection, then evict those whose
// last heartbeat is older than the deadline at now. A failed probe evicts its
// connection immediately without affecting the others. Probes still in
// flight when ctx ends are abandoned without evicting anything.
func (m *Monitor) Tick(ctx context.Context, now time.Time) TickReport {
	var report TickReport

	conns := m.registry.Connections()
	report.Probed = len(conns)

	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallel)
	for _, conn := range conns {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.cfg.ProbeTimeout)
			defer cancel()
			if err := conn.Send(pctx, &protocol.Heartbeat{}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failures.Add(1)
				m.logger.Warn("heartbeat probe failed, evicting",
					"connection_id", conn.ID,
					"error", err,
				)
				m.registry.Evict(conn, ReasonSendFailed)
			}
			return nil
		})
	}
	_ = g.Wait()
	report.SendFailures = int(failures.Load())
	if ctx.Err() != nil {
		return report
	}

	for _, conn := range m.registry.Connections() {
		silent := now.Sub(conn.LastHeartbeat())
		if silent <= m.cfg.Deadline {
			continue
		}
		report.Expired++
		attrs := []any{
			"connection_id", conn.ID,
			"silent_for", silent.Round(time.Millisecond),
		}
		if info, ok := conn.Agent(); ok {
			attrs = append(attrs, "agent_id", info.ID)
		}
		m.logger.Warn("heartbeat deadline exceeded, evicting", attrs...)
		m.registry.Evict(conn, ReasonHeartbeatTimeout)
	}

	return report
}
