// ABOUTME: Gateway orchestrator that wires sessions, intake flow and the upstream link
// ABOUTME: Manages the HTTP server, tailscale listener, and shutdown of every component

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/intake-gateway/internal/config"
	"github.com/2389/intake-gateway/internal/dedupe"
	"github.com/2389/intake-gateway/internal/intake"
	"github.com/2389/intake-gateway/internal/interpreter"
	"github.com/2389/intake-gateway/internal/registry"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/upstream"
)

// Gateway orchestrates the intake-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *registry.Registry
	link        *upstream.Link
	machine     *intake.Machine
	interpreter intake.Interpreter
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	// dedupe suppresses downstream events replayed after a reconnect
	dedupe *dedupe.Cache

	// sessions tracks live websocket sessions so shutdown can close them
	sessions *sessionSet

	// ctx bounds in-flight turns; canceled when shutdown gives up waiting
	ctx      context.Context
	cancel   context.CancelFunc
	turns    sync.WaitGroup
	turnsMu  sync.Mutex
	draining bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// Deps lets callers supply the external collaborators. Nil fields are built
// from config.
type Deps struct {
	Store       store.Store
	Interpreter intake.Interpreter
	Dialer      upstream.Dialer
}

// initStore creates and returns a store based on config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway with a SQLite store, Gemini interpreter and
// websocket dialer built from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithDeps(cfg, Deps{}, logger)
}

// NewWithDeps creates a Gateway using any collaborators provided in deps.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := deps.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	interp := deps.Interpreter
	if interp == nil {
		temp := float32(0.7)
		if cfg.Interpreter.Temperature != nil {
			temp = *cfg.Interpreter.Temperature
		}
		gemini, err := interpreter.NewGemini(context.Background(), interpreter.GeminiConfig{
			APIKey:       cfg.Interpreter.APIKey,
			Model:        cfg.Interpreter.Model,
			Temperature:  temp,
			HistoryLimit: cfg.Interpreter.HistoryLimit,
		}, logger.With("component", "interpreter"))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating interpreter: %w", err)
		}
		interp = gemini
	}

	dialer := deps.Dialer
	if dialer == nil {
		header := http.Header{}
		for k, v := range cfg.Upstream.Headers {
			header.Set(k, v)
		}
		dialer = &upstream.WebSocketDialer{
			URL:       cfg.Upstream.URL,
			Header:    header,
			ReadLimit: cfg.Upstream.MaxMessageBytes,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	gw := &Gateway{
		config:      cfg,
		store:       s,
		interpreter: interp,
		logger:      logger,
		serverID:    generateServerID(),
		dedupe:      dedupe.New(10*time.Minute, 10000),
		sessions:    newSessionSet(),
		ctx:         ctx,
		cancel:      cancel,
	}

	gw.registry = registry.New(logger.With("component", "registry"))

	gw.link = upstream.New(upstream.Config{
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		RetryDelay:     cfg.Upstream.RetryDelay,
		PingInterval:   cfg.Upstream.PingInterval,
		PingTimeout:    cfg.Upstream.PingTimeout,
		SendTimeout:    cfg.Upstream.SendTimeout,
		SendRetryPause: cfg.Upstream.SendRetryPause,
		SendAttempts:   cfg.Upstream.SendAttempts,
	}, dialer, s, gw.registry, gw.dedupe, logger.With("component", "upstream"))

	gw.machine = intake.New(intake.Config{
		InterpretTimeout: cfg.Interpreter.Timeout,
		HistoryLimit:     cfg.Interpreter.HistoryLimit,
		DefaultLanguage:  cfg.Defaults.Language,
		DefaultProvider:  cfg.Defaults.Provider,
		DefaultModel:     cfg.Defaults.Model,
	}, s, map[string]intake.Interpreter{
		interpreter.ProviderGemini: interp,
	}, gw.registry, gw.link, logger.With("component", "intake"))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway initialized", "server_id", gw.serverID, "upstream", cfg.Upstream.URL)
	return gw, nil
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the upstream link and HTTP server and blocks until ctx is
// canceled or the server fails. It always shuts the gateway down before
// returning.
func (g *Gateway) Run(ctx context.Context) error {
	g.link.Start()

	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "intake-gateway", "tailscale"), nil
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

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
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

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// waitForTurns waits for in-flight turns. If ctx expires first the turns are
// canceled and then awaited.
func (g *Gateway) waitForTurns(ctx context.Context) {
	g.turnsMu.Lock()
	g.draining = true
	g.turnsMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.turns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown deadline reached, canceling in-flight turns")
		g.cancel()
		<-done
	}
}

// Shutdown stops accepting connections, closes sessions, waits for in-flight
// turns, then closes the upstream link and store. It is safe to call more
// than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.sessions.closeAll()
		g.waitForTurns(ctx)
		g.cancel()

		errs = appendCloseError(errs, "upstream close", g.link.Close())
		g.dedupe.Close()

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		if c, ok := g.interpreter.(io.Closer); ok {
			errs = appendCloseError(errs, "interpreter close", c.Close())
		}

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the upstream link is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	state := g.link.State()
	if state != upstream.Connected {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "upstream %s", state)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.sessions.len())
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("intake-gateway-%d", time.Now().UnixNano()%1000000)
}
