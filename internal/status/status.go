// Package status implements the status service: a single process-wide
// record of upstream-client liveness plus the independent restart status.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/eventbus"
)

// HeartbeatTimeout is the gap after which the upstream client is
// considered gone.
const HeartbeatTimeout = 35 * time.Second

// ClientStatus is the upstream-liveness value.
type ClientStatus string

const (
	StatusConnected    ClientStatus = "connected"
	StatusDisconnected ClientStatus = "disconnected"
)

// RestartPhase is one of the restart lifecycle phases.
type RestartPhase string

const (
	RestartRestarting RestartPhase = "restarting"
	RestartCompleted  RestartPhase = "completed"
	RestartFailed     RestartPhase = "failed"
)

// Snapshot is the upstream-liveness record.
type Snapshot struct {
	Status           ClientStatus `json:"status"`
	MCPEndpoint      string       `json:"mcpEndpoint"`
	ActiveMCPServers []string     `json:"activeMCPServers"`
	LastHeartbeat    time.Time    `json:"lastHeartbeat"`
}

// RestartStatus tracks an in-flight or completed restart, independent of the
// liveness record.
type RestartStatus struct {
	Phase     RestartPhase `json:"phase"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Service tracks upstream client liveness and restart state. One instance
// per process, with explicit construction and Stop, no module-scope state.
type Service struct {
	bus     *eventbus.Bus
	logger  *slog.Logger
	timeout time.Duration

	mu            sync.Mutex
	status        ClientStatus
	mcpEndpoint   string
	activeServers []string
	lastHeartbeat time.Time
	restart       *RestartStatus
	timer         *time.Timer
	stopped       bool
}

// NewService builds a Service wired to bus. It subscribes to the
// service:restart:* topics so ServiceManager.RestartService is reflected
// here without explicit plumbing.
func NewService(bus *eventbus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		bus:     bus,
		logger:  logger.With("component", "status"),
		timeout: HeartbeatTimeout,
		status:  StatusDisconnected,
	}
	if bus != nil {
		bus.Subscribe(eventbus.TopicServiceRestartStarted, func(_ context.Context, _ any) {
			s.SetRestartStatus(RestartRestarting, "")
		})
		bus.Subscribe(eventbus.TopicServiceRestartDone, func(_ context.Context, _ any) {
			s.SetRestartStatus(RestartCompleted, "")
		})
		bus.Subscribe(eventbus.TopicServiceRestartFailed, func(_ context.Context, payload any) {
			msg := ""
			if ev, ok := payload.(downstream.RestartEvent); ok {
				msg = ev.Error
			}
			s.SetRestartStatus(RestartFailed, msg)
		})
	}
	return s
}

// SetTimeout overrides the heartbeat window, used by tests to avoid waiting
// the full 35 seconds.
func (s *Service) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// SetMCPEndpoint records which endpoint URL the liveness record describes.
func (s *Service) SetMCPEndpoint(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcpEndpoint = url
}

// SetActiveServers replaces the active downstream list.
func (s *Service) SetActiveServers(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeServers = append([]string(nil), names...)
}

// Heartbeat stamps lastHeartbeat and (re)arms the timeout timer. A firing
// timer flips status to disconnected and emits status:updated.
func (s *Service) Heartbeat() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.lastHeartbeat = time.Now()
	changed := s.status != StatusConnected
	s.status = StatusConnected
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.timeout, s.onTimeout)
	s.mu.Unlock()

	if changed {
		s.publish()
	}
}

func (s *Service) onTimeout() {
	s.mu.Lock()
	if s.stopped || s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.status = StatusDisconnected
	s.mu.Unlock()

	s.logger.Warn("upstream heartbeat timed out", "timeout", s.timeout)
	s.publish()
}

func (s *Service) publish() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(context.Background(), eventbus.TopicStatusUpdated, s.Snapshot())
}

// Snapshot returns the current liveness record.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:           s.status,
		MCPEndpoint:      s.mcpEndpoint,
		ActiveMCPServers: append([]string(nil), s.activeServers...),
		LastHeartbeat:    s.lastHeartbeat,
	}
}

// SetRestartStatus records a restart phase transition.
func (s *Service) SetRestartStatus(phase RestartPhase, errText string) {
	s.mu.Lock()
	s.restart = &RestartStatus{Phase: phase, Error: errText, Timestamp: time.Now()}
	s.mu.Unlock()
}

// GetRestartStatus returns the last restart record, nil if no restart has
// been observed.
func (s *Service) GetRestartStatus() *RestartStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restart == nil {
		return nil
	}
	cp := *s.restart
	return &cp
}

// Stop cancels the timeout timer; further heartbeats are ignored.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
