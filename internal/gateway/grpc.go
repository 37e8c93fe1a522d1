// ABOUTME: gRPC agent transport: a bidirectional AgentHub/Connect stream of JSON frames
// ABOUTME: Uses a hand-written service descriptor and a raw JSON codec instead of generated stubs

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/mothership-gateway/internal/agent"
)

// AgentHub service identifiers.
const (
	AgentHubService = "mothership.AgentHub"
	ConnectMethod   = "/" + AgentHubService + "/Connect"
	// CodecName is the content subtype clients must request.
	CodecName = "json"
)

// Frame is one protocol envelope carried on the AgentHub stream.
type Frame struct {
	Data []byte
}

// frameCodec passes Frame payloads through untouched and falls back to
// encoding/json for anything else.
type frameCodec struct{}

func (frameCodec) Name() string { return CodecName }

func (frameCodec) Marshal(v any) ([]byte, error) {
	if f, ok := v.(*Frame); ok {
		return f.Data, nil
	}
	return json.Marshal(v)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*Frame); ok {
		f.Data = append(f.Data[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// AgentHubServer is the server side of the AgentHub service.
type AgentHubServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentHubServer).Connect(stream)
}

// AgentHubServiceDesc describes the AgentHub service for grpc.Server.RegisterService.
var AgentHubServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentHubService,
	HandlerType: (*AgentHubServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "mothership/agent_hub",
}

// agentHubServer feeds each Connect stream to the shared Handler.
type agentHubServer struct {
	handler *Handler
	ctx     context.Context
	logger  *slog.Logger
}

func newAgentHubServer(ctx context.Context, h *Handler, logger *slog.Logger) *agentHubServer {
	return &agentHubServer{handler: h, ctx: ctx, logger: logger}
}

// Connect serves one agent for the lifetime of the stream.
func (s *agentHubServer) Connect(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	t := newStreamTransport(stream, cancel)
	defer t.Close(agent.ReasonDisconnected)

	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err := s.handler.Serve(ctx, t)
	if reason := t.closeReason(); reason != "" && reason != agent.ReasonDisconnected {
		return status.Error(codes.Aborted, reason)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return status.Errorf(codes.Internal, "agent stream: %v", err)
	}
	return nil
}

// streamTransport adapts a grpc.ServerStream to agent.Transport. RecvMsg
// cannot be interrupted, so a pump goroutine reads ahead into a channel.
// SendMsg cannot be interrupted either: a write that outlives its context
// closes the transport and cancels the Connect call, and the stream
// teardown that follows unblocks the stuck SendMsg.
type streamTransport struct {
	stream grpc.ServerStream
	// cancel ends the Connect call that owns the stream.
	cancel context.CancelFunc

	frames chan []byte
	errc   chan error

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	reason    string
}

func newStreamTransport(stream grpc.ServerStream, cancel context.CancelFunc) *streamTransport {
	t := &streamTransport{
		stream: stream,
		cancel: cancel,
		frames: make(chan []byte),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go t.pump()
	return t
}

func (t *streamTransport) pump() {
	for {
		var f Frame
		if err := t.stream.RecvMsg(&f); err != nil {
			t.errc <- err
			return
		}
		select {
		case t.frames <- f.Data:
		case <-t.closed:
			return
		}
	}
}

func (t *streamTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.frames:
		return data, nil
	case err := <-t.errc:
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, io.EOF
		}
		return nil, err
	case <-t.closed:
		return nil, agent.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *streamTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return agent.ErrConnectionClosed
	default:
	}

	// Buffered so the sender never leaks when Write gives up on it.
	errc := make(chan error, 1)
	go func() { errc <- t.stream.SendMsg(&Frame{Data: data}) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		// The stream is unusable while SendMsg is stuck; no later Write may
		// start a concurrent SendMsg.
		_ = t.Close(agent.ReasonSendFailed)
		return ctx.Err()
	}
}

func (t *streamTransport) Close(reason string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.closed)
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}

func (t *streamTransport) closeReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// newGRPCServer creates the agent gRPC server with keepalive enforcement and
// the standard health service.
func newGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	base := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	server := grpc.NewServer(append(base, opts...)...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus(AgentHubService, healthpb.HealthCheckResponse_SERVING)
	return server, hs
}

// AgentStream is the client side of an AgentHub/Connect stream.
type AgentStream struct {
	stream grpc.ClientStream
}

// OpenAgentStream opens a Connect stream on cc. The connection must have
// been created with grpc.CallContentSubtype(CodecName) or the call options
// passed here must include it.
func OpenAgentStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*AgentStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &AgentHubServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &AgentStream{stream: stream}, nil
}

// Send writes one frame.
func (s *AgentStream) Send(data []byte) error {
	return s.stream.SendMsg(&Frame{Data: data})
}

// Recv blocks for the next frame.
func (s *AgentStream) Recv() ([]byte, error) {
	var f Frame
	if err := s.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.Data, nil
}

// CloseSend half-closes the stream.
func (s *AgentStream) CloseSend() error {
	return s.stream.CloseSend()
}
