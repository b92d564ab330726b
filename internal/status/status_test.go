package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/eventbus"
)

func TestService_HeartbeatConnects(t *testing.T) {
	s := NewService(eventbus.New(nil), nil)
	defer s.Stop()

	assert.Equal(t, StatusDisconnected, s.Snapshot().Status)

	s.Heartbeat()
	snap := s.Snapshot()
	assert.Equal(t, StatusConnected, snap.Status)
	assert.False(t, snap.LastHeartbeat.IsZero())
}

func TestService_TimeoutFlipsToDisconnected(t *testing.T) {
	bus := eventbus.New(nil)

	var mu sync.Mutex
	var events []Snapshot
	bus.Subscribe(eventbus.TopicStatusUpdated, func(_ context.Context, payload any) {
		if snap, ok := payload.(Snapshot); ok {
			mu.Lock()
			events = append(events, snap)
			mu.Unlock()
		}
	})

	s := NewService(bus, nil)
	defer s.Stop()
	s.SetTimeout(50 * time.Millisecond)

	s.Heartbeat()
	first := s.Snapshot().LastHeartbeat

	assert.Eventually(t, func() bool {
		return s.Snapshot().Status == StatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	// The stamp is the original heartbeat, not the timeout instant.
	assert.Equal(t, first, s.Snapshot().LastHeartbeat)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, StatusDisconnected, events[len(events)-1].Status)
}

func TestService_HeartbeatRearmsTimer(t *testing.T) {
	s := NewService(eventbus.New(nil), nil)
	defer s.Stop()
	s.SetTimeout(80 * time.Millisecond)

	s.Heartbeat()
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		s.Heartbeat()
	}
	assert.Equal(t, StatusConnected, s.Snapshot().Status)
}

func TestService_LastHeartbeatMonotonic(t *testing.T) {
	s := NewService(eventbus.New(nil), nil)
	defer s.Stop()

	s.Heartbeat()
	first := s.Snapshot().LastHeartbeat
	time.Sleep(5 * time.Millisecond)
	s.Heartbeat()
	assert.True(t, s.Snapshot().LastHeartbeat.After(first))
}

func TestService_RestartStatusFollowsBusEvents(t *testing.T) {
	bus := eventbus.New(nil)
	s := NewService(bus, nil)
	defer s.Stop()

	require.Nil(t, s.GetRestartStatus())

	bus.Publish(context.Background(), eventbus.TopicServiceRestartStarted, "calc")
	rs := s.GetRestartStatus()
	require.NotNil(t, rs)
	assert.Equal(t, RestartRestarting, rs.Phase)

	bus.Publish(context.Background(), eventbus.TopicServiceRestartFailed, downstream.RestartEvent{Name: "calc", Error: "boom"})
	rs = s.GetRestartStatus()
	require.NotNil(t, rs)
	assert.Equal(t, RestartFailed, rs.Phase)
	assert.Equal(t, "boom", rs.Error)

	bus.Publish(context.Background(), eventbus.TopicServiceRestartDone, "calc")
	assert.Equal(t, RestartCompleted, s.GetRestartStatus().Phase)
}

func TestService_ActiveServersCopied(t *testing.T) {
	s := NewService(eventbus.New(nil), nil)
	defer s.Stop()

	names := []string{"calc", "weather"}
	s.SetActiveServers(names)
	names[0] = "mutated"
	assert.Equal(t, []string{"calc", "weather"}, s.Snapshot().ActiveMCPServers)
}

func TestService_StopIgnoresFurtherHeartbeats(t *testing.T) {
	s := NewService(eventbus.New(nil), nil)
	s.SetTimeout(20 * time.Millisecond)
	s.Heartbeat()
	s.Stop()

	s.Heartbeat()
	time.Sleep(60 * time.Millisecond)
	// Status stays whatever it was at Stop; no timer fired to flip it.
	assert.Equal(t, StatusConnected, s.Snapshot().Status)
}
