// Package downstream implements the MCP client service state machine, the
// tool cache, and the service manager that owns both plus the
// Custom-Tool Handler.
package downstream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/xzerr"
)

// State is one of the service connection states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// MCPClient is the subset of *mcp-go/client.Client the service depends on,
// narrowed to a small interface so tests can substitute a fake transport
// without a real subprocess or network connection.
type MCPClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ClientFactory builds the transport client for a service config. Production
// callers pass transport.New (wrapped to drop the ModelScope token arg
// mismatch); tests pass a fake.
type ClientFactory func(cfg *config.MCPServerConfig) (MCPClient, error)

// MCPService is one downstream MCP client connection: connect, list tools,
// invoke, ping, reconnect.
type MCPService struct {
	name      string
	newClient ClientFactory
	logger    *slog.Logger

	mu                 sync.RWMutex
	cfg                *config.MCPServerConfig
	client             MCPClient
	state              State
	tools              []mcp.Tool
	isManualDisconnect bool

	reconnectAttempts int
	pingFailureCount  int
	lastPingTime      time.Time

	stopPing   context.CancelFunc
	stopReconn context.CancelFunc
	wg         sync.WaitGroup
}

// NewMCPService builds a service bound to cfg. newClient builds the
// transport; with a nil factory Connect fails with a Configuration error.
func NewMCPService(cfg *config.MCPServerConfig, newClient ClientFactory, logger *slog.Logger) *MCPService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPService{
		name:      cfg.Name,
		cfg:       cfg,
		newClient: newClient,
		logger:    logger.With("sub-component", "mcp-service", "service", cfg.Name),
		state:     StateDisconnected,
	}
}

// Name returns the service's configured name.
func (s *MCPService) Name() string { return s.name }

// State returns the current connection state.
func (s *MCPService) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Tools returns a copy of the last-known tool catalog.
func (s *MCPService) Tools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// HasTool reports whether name is present in the cached catalog.
func (s *MCPService) HasTool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Connect dials the downstream service, performs the MCP handshake, lists
// tools, and schedules the ping loop if enabled. It clears isManualDisconnect
// so a previous manual disconnect no longer vetoes reconnection.
func (s *MCPService) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.isManualDisconnect = false
	s.state = StateConnecting
	s.mu.Unlock()

	cli, err := s.buildClient()
	if err != nil {
		s.setState(StateFailed)
		return err
	}

	if err := cli.Start(ctx); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("downstream %q: start transport: %w", s.name, err)
	}

	initCtx, cancel := withTimeout(ctx, s.cfg.TimeoutMS)
	defer cancel()
	if _, err := cli.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "xzcli-gateway",
				Version: "1.0.0",
			},
		},
	}); err != nil {
		_ = cli.Close()
		s.setState(StateFailed)
		return fmt.Errorf("downstream %q: initialize: %w", s.name, err)
	}

	s.mu.Lock()
	s.client = cli
	s.state = StateConnected
	s.reconnectAttempts = 0
	s.pingFailureCount = 0
	s.mu.Unlock()

	if err := s.refreshTools(ctx); err != nil {
		s.logger.Warn("initial tools/list failed", "error", err)
	}

	s.startPingLoop()
	return nil
}

func (s *MCPService) buildClient() (MCPClient, error) {
	if s.newClient == nil {
		return nil, xzerr.New(xzerr.CodeConfiguration, "no client factory configured", nil)
	}
	return s.newClient(s.cfg)
}

func withTimeout(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if ms <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

func (s *MCPService) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// refreshTools runs tools/list against the downstream and stores the result.
func (s *MCPService) refreshTools(ctx context.Context) error {
	s.mu.RLock()
	cli := s.client
	s.mu.RUnlock()
	if cli == nil {
		return xzerr.New(xzerr.CodeNotConnected, "not connected", nil)
	}
	res, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tools = res.Tools
	s.mu.Unlock()
	return nil
}

// Disconnect closes the transport and suppresses all pending reconnect and
// ping timers. isManualDisconnect vetoes any future automatic reconnect
// until the next explicit Connect.
func (s *MCPService) Disconnect() error {
	s.mu.Lock()
	s.isManualDisconnect = true
	cli := s.client
	s.client = nil
	s.state = StateDisconnected
	stopPing := s.stopPing
	stopReconn := s.stopReconn
	s.stopPing = nil
	s.stopReconn = nil
	s.mu.Unlock()

	if stopPing != nil {
		stopPing()
	}
	if stopReconn != nil {
		stopReconn()
	}
	s.wg.Wait()

	if cli != nil {
		return cli.Close()
	}
	return nil
}

// CallTool forwards name/args to the downstream. Fails NotConnected if the
// service isn't connected, UnknownTool if name isn't in the cached catalog.
func (s *MCPService) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.RLock()
	st := s.state
	cli := s.client
	s.mu.RUnlock()

	if st != StateConnected || cli == nil {
		return nil, xzerr.New(xzerr.CodeNotConnected, fmt.Sprintf("service %q is not connected", s.name), nil)
	}
	if !s.HasTool(name) {
		return nil, xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("unknown tool %q on service %q", name, s.name), nil)
	}

	callCtx, cancel := withTimeout(ctx, s.cfg.TimeoutMS)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return cli.CallTool(callCtx, req)
}

// startPingLoop arms the periodic tools/list liveness probe if the ping
// policy is enabled, a no-op otherwise.
func (s *MCPService) startPingLoop() {
	pol := s.cfg.Ping
	if !pol.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.stopPing != nil {
		s.stopPing()
	}
	s.stopPing = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if pol.StartDelay > 0 {
			select {
			case <-time.After(time.Duration(pol.StartDelay) * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
		ticker := time.NewTicker(time.Duration(maxInt(pol.IntervalMS, 1)) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.probe(ctx, pol)
			}
		}
	}()
}

// probe runs one ping cycle: a timeout-bounded tools/list. Consecutive
// failures increment pingFailureCount; reaching maxFailures synthesises a
// connection error and transitions to reconnecting.
func (s *MCPService) probe(ctx context.Context, pol config.PingPolicy) {
	probeCtx, cancel := withTimeout(ctx, pol.TimeoutMS)
	defer cancel()

	err := s.refreshTools(probeCtx)

	s.mu.Lock()
	if err != nil {
		s.pingFailureCount++
		count := s.pingFailureCount
		s.mu.Unlock()
		s.logger.Warn("ping probe failed", "count", count, "error", err)
		if count >= pol.MaxFailures {
			s.enterReconnecting(fmt.Errorf("downstream %q: %d consecutive ping failures: %w", s.name, count, err))
		}
		return
	}
	s.pingFailureCount = 0
	s.lastPingTime = time.Now()
	s.mu.Unlock()
}

// enterReconnecting transitions into the reconnecting state and starts the
// backoff-driven reconnect loop, honouring the manual-disconnect veto.
func (s *MCPService) enterReconnecting(cause error) {
	s.mu.Lock()
	if s.isManualDisconnect || s.state == StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	cli := s.client
	s.client = nil
	stopPing := s.stopPing
	s.stopPing = nil
	pol := s.cfg.Reconnect
	s.mu.Unlock()

	// The ping loop must not keep probing a dead client while the
	// reconnect loop owns the connection lifecycle.
	if stopPing != nil {
		stopPing()
	}
	if cli != nil {
		_ = cli.Close()
	}

	s.logger.Error("entering reconnecting state", "cause", cause)

	if !pol.Enabled {
		s.setState(StateFailed)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopReconn = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.reconnectLoop(ctx)
}

func (s *MCPService) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()
	pol := s.cfg.Reconnect

	for {
		s.mu.RLock()
		attempts := s.reconnectAttempts
		manual := s.isManualDisconnect
		s.mu.RUnlock()
		if manual {
			return
		}
		if attempts >= pol.MaxAttempts {
			s.setState(StateFailed)
			return
		}

		interval := NextInterval(pol, attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		s.mu.Lock()
		s.reconnectAttempts++
		manual = s.isManualDisconnect
		s.mu.Unlock()
		if manual {
			return
		}

		if err := s.Connect(ctx); err != nil {
			s.logger.Warn("reconnect attempt failed", "attempt", s.reconnectAttempts, "error", err)
			continue
		}
		return
	}
}

// NextInterval computes the backoff interval for the given attempt count
// (0-based, the number of attempts already made):
//
//	fixed       -> InitialInterval
//	linear      -> InitialInterval + attempts*BackoffMultiplier*1000
//	exponential -> InitialInterval * BackoffMultiplier^(attempts-1)
//
// capped at MaxInterval, then perturbed by ±10% jitter (floored at 1s) when
// pol.Jitter is set.
func NextInterval(pol config.ReconnectPolicy, attempts int) time.Duration {
	var ms float64
	switch pol.BackoffStrategy {
	case config.BackoffLinear:
		ms = float64(pol.InitialInterval) + float64(attempts)*pol.BackoffMultiplier*1000
	case config.BackoffExponential:
		exp := attempts - 1
		if exp < 0 {
			exp = 0
		}
		ms = float64(pol.InitialInterval) * pow(pol.BackoffMultiplier, exp)
	default: // fixed
		ms = float64(pol.InitialInterval)
	}

	if pol.MaxInterval > 0 && ms > float64(pol.MaxInterval) {
		ms = float64(pol.MaxInterval)
	}

	if pol.Jitter {
		j := ms * 0.10
		ms += (rand.Float64()*2 - 1) * j
		// The floor belongs to the jitter path only: it keeps a perturbed
		// short interval from turning into a hot retry loop, while an
		// un-jittered interval is honoured exactly as configured.
		if ms < 1000 {
			ms = 1000
		}
	}

	return time.Duration(ms) * time.Millisecond
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Reconnect forces a manual reconnect cycle: it resets the manual-disconnect
// veto and dials again, ignoring the current state.
func (s *MCPService) Reconnect(ctx context.Context) error {
	_ = s.Disconnect()
	return s.Connect(ctx)
}

// PingFailureCount exposes the current consecutive-probe-failure counter,
// mainly for tests verifying the reset behaviour.
func (s *MCPService) PingFailureCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingFailureCount
}

// ReconnectAttempts exposes the current attempt counter.
func (s *MCPService) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectAttempts
}

// LastPingTime returns the timestamp of the last successful ping.
func (s *MCPService) LastPingTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPingTime
}
