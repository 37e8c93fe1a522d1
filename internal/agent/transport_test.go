// ABOUTME: In-memory Transport used by the agent package tests.
// ABOUTME: Records written frames and lets tests inject reads, write failures and closes.

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/2389/mothership-gateway/internal/protocol"
)

var errWriteBroken = errors.New("broken pipe")

type fakeTransport struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	reason   string

	// hold blocks writes until closed, ignoring the write context.
	hold chan struct{}
	// stall blocks writes until the write context ends.
	stall   bool
	writing atomic.Int32

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	hold, stall := f.hold, f.stall
	f.mu.Unlock()

	if hold != nil || stall {
		f.writing.Add(1)
		defer f.writing.Add(-1)
	}
	if hold != nil {
		<-hold
	}
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// holdWrites makes writes block until the returned func is called.
func (f *fakeTransport) holdWrites() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	return sync.OnceFunc(func() { close(f.hold) })
}

func (f *fakeTransport) stallWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall = true
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) closeReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// messages decodes every frame written so far.
func (f *fakeTransport) messages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	frames := make([][]byte, len(f.written))
	copy(frames, f.written)
	f.mu.Unlock()

	msgs := make([]protocol.Message, 0, len(frames))
	for _, frame := range frames {
		m, err := protocol.Decode(frame)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

// messagesOfType returns the written messages with the given type.
func (f *fakeTransport) messagesOfType(t *testing.T, typ protocol.Type) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, m := range f.messages(t) {
		if m.MessageType() == typ {
			out = append(out, m)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConn(t *testing.T, reg *Registry, acceptedAt time.Time) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	conn := NewConnection(ConnectionParams{
		Transport:    tr,
		WriteTimeout: time.Second,
		AcceptedAt:   acceptedAt,
		Logger:       testLogger(),
	})
	if reg != nil {
		require.NoError(t, reg.Register(conn))
	}
	return conn, tr
}

func newBoundConn(t *testing.T, reg *Registry, agentType string) (*Connection, *fakeTransport, AgentInfo) {
	t.Helper()
	conn, tr := newTestConn(t, reg, time.Now())
	info := AgentInfo{ID: uuid.New(), Name: agentType + " agent", Type: agentType}
	require.NoError(t, reg.BindAgent(conn.ID, info))
	return conn, tr, info
}
