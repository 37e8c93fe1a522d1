// ABOUTME: Tests for Connection write serialization, close semantics and liveness.
// ABOUTME: Uses the in-memory fake transport.

package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mothership-gateway/internal/protocol"
)

func TestConnection_Defaults(t *testing.T) {
	conn := NewConnection(ConnectionParams{Transport: newFakeTransport()})

	assert.NotEmpty(t, conn.ID)
	assert.WithinDuration(t, time.Now(), conn.AcceptedAt(), time.Second)
	assert.Equal(t, conn.AcceptedAt().UnixNano(), conn.LastHeartbeat().UnixNano())

	_, bound := conn.Agent()
	assert.False(t, bound)
}

func TestConnection_SendEncodes(t *testing.T) {
	conn, tr := newTestConn(t, nil, time.Now())

	require.NoError(t, conn.Send(t.Context(), &protocol.Welcome{ConnectionID: conn.ID}))

	msgs := tr.messages(t)
	require.Len(t, msgs, 1)
	w, ok := msgs[0].(*protocol.Welcome)
	require.True(t, ok)
	assert.Equal(t, conn.ID, w.ConnectionID)
}

func TestConnection_ConcurrentSendsDoNotInterleave(t *testing.T) {
	conn, tr := newTestConn(t, nil, time.Now())

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.Send(context.Background(), &protocol.Heartbeat{})
		}()
	}
	wg.Wait()

	// Every frame decodes on its own.
	assert.Len(t, tr.messages(t), 50)
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn, tr := newTestConn(t, nil, time.Now())

	conn.Close("first")
	conn.Close("second")

	assert.True(t, conn.IsClosed())
	assert.Equal(t, "first", tr.closeReason())

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestConnection_SendAfterClose(t *testing.T) {
	conn, _ := newTestConn(t, nil, time.Now())
	conn.Close("bye")

	err := conn.Send(t.Context(), &protocol.Heartbeat{})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnection_SendWrapsTransportError(t *testing.T) {
	conn, tr := newTestConn(t, nil, time.Now())
	tr.failWrites(errWriteBroken)

	err := conn.Send(t.Context(), &protocol.Heartbeat{})
	assert.ErrorIs(t, err, errWriteBroken)
	assert.Contains(t, err.Error(), conn.ID)
}

func TestConnection_CloseUnblocksRead(t *testing.T) {
	conn, _ := newTestConn(t, nil, time.Now())

	done := make(chan error, 1)
	go func() {
		_, err := conn.Read(context.Background())
		done <- err
	}()

	conn.Close("shutdown")
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock")
	}
}

func TestConnection_Touch(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	conn, _ := newTestConn(t, nil, t0)

	conn.Touch(t0.Add(45 * time.Second))
	assert.True(t, conn.LastHeartbeat().Equal(t0.Add(45*time.Second)))
	assert.True(t, conn.AcceptedAt().Equal(t0))
}

func TestConnection_WaitBehindStuckWriteHonorsTimeout(t *testing.T) {
	conn := NewConnection(ConnectionParams{
		Transport:    newFakeTransport(),
		WriteTimeout: 100 * time.Millisecond,
		Logger:       testLogger(),
	})
	tr := conn.transport.(*fakeTransport)
	release := tr.holdWrites()
	defer release()

	first := make(chan error, 1)
	go func() { first <- conn.Send(context.Background(), &protocol.Heartbeat{}) }()
	require.Eventually(t, func() bool { return tr.writing.Load() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	err := conn.Send(t.Context(), &protocol.Heartbeat{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	release()
	require.NoError(t, <-first)
}

func TestConnection_Available(t *testing.T) {
	conn, _ := newTestConn(t, nil, time.Now())
	assert.True(t, conn.Available(), "new connections accept work")

	conn.SetAvailable(false)
	assert.False(t, conn.Available())
	conn.SetAvailable(true)
	assert.True(t, conn.Available())
}
