// ABOUTME: Fans a directive out to every connected agent or to a subset by agent type
// ABOUTME: Sends run concurrently; a failing connection is evicted without affecting the rest

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mothership-gateway/internal/protocol"
)

// Directive is an opaque payload pushed to agents. It is not retained.
type Directive struct {
	Data json.RawMessage
	// AgentTypes restricts delivery to bound agents of these types. Empty
	// means every connection, registered or not.
	AgentTypes []string
}

// BroadcastReport counts the outcome of one Broadcast.
type BroadcastReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Broadcaster delivers directives to registered connections.
type Broadcaster struct {
	registry    *Registry
	maxParallel int
	logger      *slog.Logger
}

// NewBroadcaster creates a Broadcaster. maxParallel bounds concurrent sends.
func NewBroadcaster(registry *Registry, maxParallel int, logger *slog.Logger) *Broadcaster {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelSends
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry:    registry,
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// Broadcast sends a directive_update frame to every target connection and
// returns once each send has been attempted.
func (b *Broadcaster) Broadcast(ctx context.Context, d Directive) BroadcastReport {
	var targets []*Connection
	if len(d.AgentTypes) == 0 {
		targets = b.registry.Connections()
	} else {
		targets = b.registry.ConnectionsByType(d.AgentTypes)
	}

	report := BroadcastReport{Attempted: len(targets)}
	if len(targets) == 0 {
		b.logger.Debug("directive has no recipients", "agent_types", d.AgentTypes)
		return report
	}

	frame, err := protocol.Encode(&protocol.DirectiveUpdate{DirectiveData: d.Data})
	if err != nil {
		b.logger.Error("encoding directive", "error", err)
		report.Failed = len(targets)
		return report
	}

	var delivered atomic.Int64
	// A plain group: one failed send must not cancel the others.
	var g errgroup.Group
	g.SetLimit(b.maxParallel)
	for _, conn := range targets {
		g.Go(func() error {
			if err := conn.write(ctx, frame); err != nil {
				b.logger.Warn("directive send failed, evicting connection",
					"connection_id", conn.ID,
					"error", err,
				)
				b.registry.Evict(conn, ReasonSendFailed)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report.Delivered = int(delivered.Load())
	report.Failed = report.Attempted - report.Delivered

	b.logger.Info("directive broadcast",
		"agent_types", d.AgentTypes,
		"attempted", report.Attempted,
		"delivered", report.Delivered,
		"failed", report.Failed,
	)
	return report
}
