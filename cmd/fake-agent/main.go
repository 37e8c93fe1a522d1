// ABOUTME: Minimal fake agent for E2E testing - connects over websocket or gRPC and echoes tasks
// ABOUTME: Usage: fake-agent [-transport ws|grpc] [-addr ...] [-name "Echo Agent"] [-type echo]

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/2389/mothership-gateway/internal/gateway"
)

func main() {
	transport := flag.String("transport", "ws", "Transport: ws or grpc")
	addr := flag.String("addr", "ws://localhost:8080/agents/ws", "Websocket URL or gRPC address")
	name := flag.String("name", "Echo Agent", "Agent display name")
	agentType := flag.String("type", "echo", "Agent type")
	agentID := flag.String("id", "", "Agent id (random UUID when empty)")
	token := flag.String("token", os.Getenv("MOTHERSHIP_TOKEN"), "Agent bearer token")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	id := *agentID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *transport, *addr, *token, identity{ID: id, Name: *name, Type: *agentType}, logger); err != nil {
		logger.Error("fake agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, transport, addr, token string, id identity, logger *slog.Logger) error {
	var (
		l   link
		err error
	)
	switch transport {
	case "ws":
		l, err = dialWebSocket(ctx, addr, token)
	case "grpc":
		l, err = dialGRPC(ctx, addr, token)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
	if err != nil {
		return err
	}
	defer l.Close()

	return (&echoAgent{link: l, id: id, logger: logger}).Run(ctx)
}

type wsLink struct {
	conn *websocket.Conn
}

func dialWebSocket(ctx context.Context, url, token string) (*wsLink, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	conn.SetReadLimit(4 << 20)
	return &wsLink{conn: conn}, nil
}

func (l *wsLink) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := l.conn.Read(ctx)
	return data, err
}

func (l *wsLink) Send(ctx context.Context, data []byte) error {
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *wsLink) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "agent exiting")
}

type grpcLink struct {
	cc     *grpc.ClientConn
	stream *gateway.AgentStream
}

func dialGRPC(ctx context.Context, addr, token string) (*grpcLink, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	stream, err := gateway.OpenAgentStream(ctx, cc)
	if err != nil {
		_ = cc.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return &grpcLink{cc: cc, stream: stream}, nil
}

// Recv ignores ctx; the stream is bound to the dial context.
func (l *grpcLink) Recv(context.Context) ([]byte, error) {
	return l.stream.Recv()
}

func (l *grpcLink) Send(_ context.Context, data []byte) error {
	return l.stream.Send(data)
}

func (l *grpcLink) Close() error {
	_ = l.stream.CloseSend()
	return l.cc.Close()
}
