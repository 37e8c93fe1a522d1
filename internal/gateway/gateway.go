// ABOUTME: Gateway orchestrator that wires the hub components to HTTP and gRPC servers
// ABOUTME: Owns listeners, the heartbeat monitor, persistence and the graceful shutdown order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/mothership-gateway/internal/agent"
	"github.com/2389/mothership-gateway/internal/auth"
	"github.com/2389/mothership-gateway/internal/config"
	"github.com/2389/mothership-gateway/internal/store"
)

// shutdownReason is reported to tasks still pending when the gateway stops.
const shutdownReason = "gateway shutting down"

// Gateway coordinates the agent hub and the servers that expose it.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	registry    *agent.Registry
	dispatcher  *agent.Dispatcher
	broadcaster *agent.Broadcaster
	monitor     *agent.Monitor
	handler     *Handler

	// store is the write-behind wrapper around the backend, nil when
	// persistence is disabled.
	store *store.Async

	mux          *http.ServeMux
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	// ctx bounds every agent session; cancelled at shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	backend store.Store
}

// WithStore uses backend instead of opening the configured one.
func WithStore(backend store.Store) Option {
	return func(o *options) { o.backend = backend }
}

// openStore opens the configured persistence backend. It returns nil for
// the "none" backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Persistence.Backend {
	case config.BackendSQLite:
		dbPath := cfg.Persistence.SQLite.Path
		if envPath := os.Getenv("MOTHERSHIP_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		rc := cfg.Persistence.Redis
		s, err := store.NewRedisStore(ctx, &redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}, rc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("initializing redis store: %w", err)
		}
		return s, nil
	case config.BackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}

// New creates a Gateway from configuration. Servers are not started until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = openStore(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if backend != nil {
		gw.store = store.NewAsync(backend, cfg.Persistence.QueueSize, logger)
		logger.Info("persistence enabled", "backend", cfg.Persistence.Backend)
	} else {
		logger.Warn("persistence disabled - agent status and task history are not recorded")
	}

	gw.registry = agent.NewRegistry(logger.With("component", "registry"))
	gw.registry.OnUnbind(gw.markInactive)

	gw.dispatcher = agent.NewDispatcher(gw.registry, agent.DispatcherConfig{
		Timeout:      cfg.Agents.DispatchTimeout,
		OnDispatched: gw.recordDispatched,
		OnResolved:   gw.recordResolved,
	}, logger.With("component", "dispatcher"))

	gw.broadcaster = agent.NewBroadcaster(gw.registry, cfg.Agents.MaxParallelSends, logger.With("component", "broadcaster"))

	monitor, err := agent.NewMonitor(gw.registry, agent.MonitorConfig{
		Interval:     cfg.Agents.HeartbeatInterval,
		Deadline:     cfg.Agents.HeartbeatDeadline,
		MaxParallel:  cfg.Agents.MaxParallelSends,
		ProbeTimeout: cfg.Agents.WriteTimeout,
	}, logger.With("component", "heartbeat"))
	if err != nil {
		gw.closeStore()
		cancel()
		return nil, fmt.Errorf("creating heartbeat monitor: %w", err)
	}
	gw.monitor = monitor

	var status store.StatusSink
	if gw.store != nil {
		status = gw.store
	}
	gw.handler = NewHandler(gw.registry, gw.dispatcher, status, HandlerConfig{
		WriteTimeout: cfg.Agents.WriteTimeout,
		TypeAllowed:  cfg.Agents.TypeAllowed,
	}, logger.With("component", "handler"))

	agentGuard, apiGuard, grpcOpts := gw.authGuards()

	gw.mux = http.NewServeMux()
	gw.mux.HandleFunc("GET /health", gw.handleHealth)
	gw.mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.mux.Handle(cfg.Server.WSPath, agentGuard(NewWebSocketHandler(gw.ctx, gw.handler, WebSocketOptions{}, logger.With("component", "websocket"))))

	a := &api{
		registry:    gw.registry,
		dispatcher:  gw.dispatcher,
		broadcaster: gw.broadcaster,
		async:       gw.store,
		logger:      logger.With("component", "api"),
	}
	if gw.store != nil {
		a.store = gw.store
	}
	a.routes(gw.mux, apiGuard)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if gw.grpcEnabled() {
		gw.grpcServer, gw.healthServer = newGRPCServer(grpcOpts...)
		gw.grpcServer.RegisterService(&AgentHubServiceDesc, newAgentHubServer(gw.ctx, gw.handler, logger.With("component", "grpc")))
	}

	return gw, nil
}

// authGuards returns the HTTP guards for the agent endpoint and the API,
// plus gRPC server options, according to the auth configuration.
func (g *Gateway) authGuards() (agentGuard, apiGuard func(http.Handler) http.Handler, grpcOpts []grpc.ServerOption) {
	if !g.config.Auth.Enabled() {
		g.logger.Warn("auth disabled - no jwt_secret configured")
		open := func(h http.Handler) http.Handler { return h }
		return open, open, nil
	}

	verifier := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
	authLogger := g.logger.With("component", "auth")
	agentGuard = auth.HTTPAuthMiddleware(verifier, auth.HTTPOptions{
		Required:        auth.RoleAgent,
		AllowQueryToken: true,
		Logger:          authLogger,
	})
	apiGuard = auth.HTTPAuthMiddleware(verifier, auth.HTTPOptions{
		Required: auth.RoleService,
		Logger:   authLogger,
	})
	grpcOpts = []grpc.ServerOption{
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier, auth.RoleAgent, authLogger)),
	}
	g.logger.Info("bearer token auth enabled")
	return agentGuard, apiGuard, grpcOpts
}

func (g *Gateway) grpcEnabled() bool {
	return g.config.Server.GRPCAddr != "" || g.config.Tailscale.Enabled
}

// markInactive persists that an agent lost its connection. Unbind hooks run
// after the registry lock is released, so the agent may already have
// registered again; its active record must then stand.
func (g *Gateway) markInactive(ev agent.UnbindEvent) {
	if g.store == nil || g.registry.IsConnected(ev.Agent.ID) {
		return
	}
	_ = g.store.UpdateAgentStatus(g.ctx, store.AgentStatusUpdate{
		AgentID: ev.Agent.ID.String(),
		Status:  store.AgentStatusInactive,
	})
}

func (g *Gateway) recordDispatched(task agent.Task, at time.Time) {
	if g.store == nil {
		return
	}
	_ = g.store.RecordTaskDispatched(g.ctx, store.TaskRecord{
		ID:        task.ID,
		AgentID:   task.AgentID.String(),
		Type:      task.Type,
		UserID:    task.UserID,
		Input:     task.Input,
		Status:    store.TaskStatusInProgress,
		CreatedAt: at,
	})
}

func (g *Gateway) recordResolved(out agent.Outcome) {
	if g.store == nil {
		return
	}
	_ = g.store.RecordTaskResult(g.ctx, store.TaskResult{
		TaskID:      out.TaskID,
		AgentID:     out.AgentID.String(),
		Status:      store.TaskStatus(out.Status),
		Output:      out.Output,
		Error:       out.Error,
		CompletedAt: out.ResolvedAt,
	})
}

// Handler returns the HTTP handler serving the agent endpoint, health checks
// and the API.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *agent.Registry {
	return g.registry
}

// Dispatcher returns the task dispatcher.
func (g *Gateway) Dispatcher() *agent.Dispatcher {
	return g.dispatcher
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"ws_path", g.config.Server.WSPath,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the gateway servers and the heartbeat monitor and blocks until
// the context is canceled. Returns nil on graceful shutdown, or an error if a
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.monitor.Start(g.ctx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(config.DefaultDataDir(), "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = httpLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) closeStore() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}

// Shutdown stops accepting work, closes every agent connection, settles
// pending tasks, drains the persistence queue and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.monitor.Stop()
	g.registry.CloseAll(agent.ReasonShutdown)
	g.cancel()

	g.shutdownGRPCServer(ctx)

	if n := g.dispatcher.CancelAll(shutdownReason); n > 0 {
		g.logger.Info("cancelled pending tasks", "count", n)
	}
	g.dispatcher.Close()

	if g.store != nil {
		errs = appendCloseError(errs, "persistence flush", g.store.Flush(ctx))
	}
	errs = appendCloseError(errs, "store close", g.closeStore())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the persistence backend is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.store.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("persistence unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(g.registry.ListAgents()))
}
