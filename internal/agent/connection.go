// ABOUTME: Represents a single live agent transport session.
// ABOUTME: Serializes frame writes and tracks liveness and the bound agent identity.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mothership-gateway/internal/protocol"
)

// ErrConnectionClosed is returned when writing to a connection that was closed.
var ErrConnectionClosed = errors.New("connection closed")

// defaultWriteTimeout bounds a single frame write when none is configured.
const defaultWriteTimeout = 10 * time.Second

// Transport is the physical bidirectional channel beneath a Connection.
// Read blocks until the next frame arrives, the context ends or the
// transport is closed. Write must return once its context ends. Close must
// unblock a pending Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// AgentInfo is the identity an agent announced at registration.
type AgentInfo struct {
	ID           uuid.UUID
	Name         string
	Type         string
	Capabilities []byte
}

// Connection represents one accepted transport session. The agent identity is
// unset until the registry binds one.
type Connection struct {
	ID string

	transport    Transport
	writeTimeout time.Duration
	// writeSem holds one token while a frame is being written. Waiting for
	// it honors the write deadline, unlike a mutex.
	writeSem chan struct{}

	acceptedAt    time.Time
	lastHeartbeat atomic.Int64 // unix nanos
	agent         atomic.Pointer[AgentInfo]
	// unavailable is set while the agent reports itself busy or errored.
	unavailable atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	logger    *slog.Logger
}

// ConnectionParams holds parameters for creating a new Connection.
type ConnectionParams struct {
	// ID defaults to a fresh UUID.
	ID           string
	Transport    Transport
	WriteTimeout time.Duration
	// AcceptedAt defaults to time.Now and seeds the liveness clock.
	AcceptedAt time.Time
	Logger     *slog.Logger
}

// NewConnection creates a Connection around a transport.
func NewConnection(p ConnectionParams) *Connection {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = defaultWriteTimeout
	}
	if p.AcceptedAt.IsZero() {
		p.AcceptedAt = time.Now()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	c := &Connection{
		ID:           p.ID,
		transport:    p.Transport,
		writeTimeout: p.WriteTimeout,
		writeSem:     make(chan struct{}, 1),
		acceptedAt:   p.AcceptedAt,
		closed:       make(chan struct{}),
		logger:       p.Logger.With("connection_id", p.ID),
	}
	c.lastHeartbeat.Store(p.AcceptedAt.UnixNano())
	return c
}

// Send encodes a message and writes it to the transport. Writes from
// concurrent callers are serialized so frames are never interleaved. The
// write timeout covers both the wait for earlier writes and the write itself.
func (c *Connection) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

func (c *Connection) write(ctx context.Context, data []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("writing to connection %s: %w", c.ID, ctx.Err())
	case <-c.closed:
		return ErrConnectionClosed
	}
	defer func() { <-c.writeSem }()

	if err := c.transport.Write(ctx, data); err != nil {
		if c.IsClosed() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("writing to connection %s: %w", c.ID, err)
	}
	return nil
}

// Read returns the next raw frame from the transport.
func (c *Connection) Read(ctx context.Context) ([]byte, error) {
	return c.transport.Read(ctx)
}

// Close closes the underlying transport once. Later calls are no-ops.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.transport.Close(reason); err != nil {
			c.logger.Debug("closing transport", "error", err, "reason", reason)
		}
	})
}

// IsClosed reports whether Close was called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Touch records liveness at the given time.
func (c *Connection) Touch(at time.Time) {
	c.lastHeartbeat.Store(at.UnixNano())
}

// LastHeartbeat returns the last time the agent proved it was alive.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// AcceptedAt returns when the transport was accepted.
func (c *Connection) AcceptedAt() time.Time {
	return c.acceptedAt
}

// Agent returns the bound agent identity, if any.
func (c *Connection) Agent() (AgentInfo, bool) {
	info := c.agent.Load()
	if info == nil {
		return AgentInfo{}, false
	}
	return *info, true
}

// SetAvailable records whether the agent accepts new work. Agents start
// available and report otherwise through status updates.
func (c *Connection) SetAvailable(available bool) {
	c.unavailable.Store(!available)
}

// Available reports whether the agent last said it accepts new work.
func (c *Connection) Available() bool {
	return !c.unavailable.Load()
}

// setAgent is only called by the Registry while holding its lock.
func (c *Connection) setAgent(info *AgentInfo) {
	c.agent.Store(info)
}
