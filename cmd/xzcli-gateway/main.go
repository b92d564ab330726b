// main implements the CLI for the xzcli MCP aggregating gateway.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/customtool"
	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/endpoint"
	"github.com/xzcli/mcp-gateway/internal/eventbus"
	"github.com/xzcli/mcp-gateway/internal/protocol"
	"github.com/xzcli/mcp-gateway/internal/status"
	"github.com/xzcli/mcp-gateway/internal/toolsync"
	"github.com/xzcli/mcp-gateway/internal/transport"
)

const (
	defaultConfigName = "xiaozhi.config.json"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	var (
		configPath string
		logFormat  string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "path to the gateway config file (defaults to $XIAOZHI_CONFIG_DIR/"+defaultConfigName+")")
	flag.StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := buildLogger(logFormat, logLevel)
	slog.SetDefault(logger)

	if configPath == "" {
		configPath = filepath.Join(config.ConfigDir(), defaultConfigName)
	}

	if err := run(configPath, logger); err != nil {
		logger.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func buildLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// endpointPersister writes runtime endpoint mutations back through the
// Config Service so a restart comes back with the same endpoint set.
type endpointPersister struct {
	cfg *config.Service
}

func (p *endpointPersister) SaveEndpoints(ctx context.Context, endpoints []string) error {
	snapshot := *p.cfg.Snapshot()
	snapshot.MCPEndpoint = append([]string(nil), endpoints...)
	p.cfg.Replace(ctx, &snapshot)
	return nil
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New(logger)

	cfgSvc := config.NewService(configPath, bus, logger)
	if err := cfgSvc.Load(); err != nil {
		return err
	}
	cfg := cfgSvc.Snapshot()
	logger.Info("config loaded", "path", configPath,
		"services", len(cfg.MCPServers), "endpoints", len(cfg.MCPEndpoint))

	cache := downstream.NewToolCache(downstream.CacheFilePath(filepath.Dir(configPath)), logger)

	custom := customtool.New(customtool.Options{
		CozeToken: cfg.Platforms.Coze.Token,
		Logger:    logger,
	})

	modelScopeKey := cfg.ModelScope.APIKey
	factory := func(svcCfg *config.MCPServerConfig) (downstream.MCPClient, error) {
		return transport.New(svcCfg, modelScopeKey)
	}

	sm := downstream.NewServiceManager(bus, cache, custom, factory, logger)
	custom.SetDownstream(sm.AsDownstreamCaller())

	ts := toolsync.New(bus, custom, sm, logger)

	statusSvc := status.NewService(bus, logger)
	if len(cfg.MCPEndpoint) > 0 {
		statusSvc.SetMCPEndpoint(cfg.MCPEndpoint[0])
	}
	if ms := cfg.Connection.HeartbeatTimeoutMS; ms > 0 {
		statusSvc.SetTimeout(time.Duration(ms) * time.Millisecond)
	}

	// Session ids are per-process; without an externally pinned key each
	// restart mints ids under a fresh random key, which is fine because
	// upstream clients re-run initialize on reconnect anyway.
	sessionKey := os.Getenv("XIAOZHI_SESSION_KEY")
	if sessionKey == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		sessionKey = hex.EncodeToString(buf)
	}
	sessions, err := protocol.NewSessionManager(sessionKey, 0, logger, nil)
	if err != nil {
		return err
	}

	endpointOpts := endpoint.Options{Reconnect: endpoint.DefaultReconnectPolicy, Sessions: sessions}
	if ms := cfg.Connection.ReconnectIntervalMS; ms > 0 {
		endpointOpts.Reconnect.InitialInterval = ms
	}
	if n := cfg.Connection.MaxReconnectTimes; n > 0 {
		endpointOpts.Reconnect.MaxAttempts = n
	}
	em := endpoint.NewManager(&endpointPersister{cfg: cfgSvc}, bus, nil, endpointOpts, logger)

	// Downstream side first: register everything, connect in parallel, then
	// run the tool-sync reconcile once per registered service.
	custom.Initialize(cfg.CustomMCP.Tools)
	sm.SetToolFlags(cfg.MCPServerConfig)
	for name, svcCfg := range cfg.MCPServers {
		if err := sm.RegisterService(svcCfg); err != nil {
			logger.Warn("skipping service", "service", name, "error", err)
		}
	}
	if err := sm.StartAllServices(ctx); err != nil {
		logger.Warn("some services failed to start", "error", err)
	}
	for _, name := range sm.ServiceNames() {
		ts.ReconcileService(name)
	}
	statusSvc.SetActiveServers(sm.ServiceNames())

	// Upstream side second, so the first tools/list already serves the
	// aggregated catalog.
	em.Initialize(cfg.MCPEndpoint, sm.GetAllTools())
	em.SetServiceManager(sm)
	em.SetHeartbeatFunc(statusSvc.Heartbeat)
	if err := em.Connect(ctx); err != nil {
		logger.Warn("endpoint connect reported errors", "error", err)
	}

	cfgSvc.Watch(ctx)

	logger.Info("gateway running",
		"endpoints", em.GetEndpoints(), "services", sm.ServiceNames())

	<-ctx.Done()
	logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		defer close(done)
		em.Cleanup()
		sm.Shutdown()
		statusSvc.Stop()
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out", "timeout", shutdownTimeout)
	}
	return nil
}
