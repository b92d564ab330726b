package endpoint

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/eventbus"
	"github.com/xzcli/mcp-gateway/internal/xzerr"
)

type fakePersister struct {
	mu    sync.Mutex
	saved [][]string
}

func (p *fakePersister) SaveEndpoints(_ context.Context, endpoints []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(endpoints))
	copy(cp, endpoints)
	p.saved = append(p.saved, cp)
	return nil
}

func (p *fakePersister) lastSaved() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saved) == 0 {
		return nil
	}
	return p.saved[len(p.saved)-1]
}

func newTestManager(dialer *fakeDialer, persister ConfigPersister) *Manager {
	return NewManager(persister, eventbus.New(nil), dialer.dial, Options{}, nil)
}

func TestManager_ConnectEmptyListSucceeds(t *testing.T) {
	m := newTestManager(&fakeDialer{}, nil)
	m.Initialize(nil, nil)

	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.IsAnyConnected())
}

func TestManager_InitializeIsIdempotent(t *testing.T) {
	m := newTestManager(&fakeDialer{}, nil)
	m.Initialize([]string{"ws://up/1", "ws://up/2"}, nil)
	m.Initialize([]string{"ws://up/1", "ws://up/2"}, nil)

	assert.Equal(t, []string{"ws://up/1", "ws://up/2"}, m.GetEndpoints())
}

func TestManager_InitializeDoesNotConnect(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, nil)
	m.Initialize([]string{"ws://up/1"}, nil)

	assert.Equal(t, 0, dialer.dials)
	assert.False(t, m.IsEndpointConnected("ws://up/1"))
}

func TestManager_ConnectAllParallelPartialSuccess(t *testing.T) {
	dialer := &fakeDialer{failures: 1}
	m := newTestManager(dialer, nil)
	m.Initialize([]string{"ws://up/1", "ws://up/2"}, nil)

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsAnyConnected())

	connected := 0
	for _, st := range m.GetConnectionStatus() {
		if st.Connected {
			connected++
		}
	}
	assert.Equal(t, 1, connected)
}

func TestManager_RemoveEndpointStopsAndPersists(t *testing.T) {
	dialer := &fakeDialer{}
	persister := &fakePersister{}
	m := newTestManager(dialer, persister)
	m.Initialize([]string{"ws://up/e1", "ws://up/e2"}, nil)
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.RemoveEndpoint(context.Background(), "ws://up/e1"))

	assert.Equal(t, []string{"ws://up/e2"}, m.GetEndpoints())
	assert.False(t, m.IsEndpointConnected("ws://up/e1"))
	assert.Equal(t, []string{"ws://up/e2"}, persister.lastSaved())

	res := m.ReconnectAll(context.Background())
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 0, res.FailureCount)
}

func TestManager_AddEndpointConnectsAndPersists(t *testing.T) {
	dialer := &fakeDialer{}
	persister := &fakePersister{}
	m := newTestManager(dialer, persister)
	m.Initialize(nil, nil)

	require.NoError(t, m.AddEndpoint(context.Background(), "ws://up/new"))
	assert.True(t, m.IsEndpointConnected("ws://up/new"))
	assert.Equal(t, []string{"ws://up/new"}, persister.lastSaved())

	err := m.AddEndpoint(context.Background(), "ws://up/new")
	code, ok := xzerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, xzerr.CodeConflict, code)
}

func TestManager_DisconnectEndpointKeepsItConfigured(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, nil)
	m.Initialize([]string{"ws://up/1"}, nil)
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.DisconnectEndpoint("ws://up/1"))

	assert.Equal(t, []string{"ws://up/1"}, m.GetEndpoints())
	st := m.GetConnectionStatus()["ws://up/1"]
	assert.False(t, st.Connected)
	assert.False(t, st.Initialized)
}

func TestManager_ReconnectEndpointErrors(t *testing.T) {
	m := newTestManager(&fakeDialer{}, nil)

	err := m.ReconnectEndpoint(context.Background(), "ws://up/1")
	code, ok := xzerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, xzerr.CodeNotInitialized, code)

	m.Initialize(nil, nil)
	err = m.ReconnectEndpoint(context.Background(), "ws://up/1")
	code, ok = xzerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, xzerr.CodeNotFound, code)
}

func TestManager_SetServiceManagerUpdatesRunningConnections(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, nil)
	m.Initialize([]string{"ws://up/1"}, nil)
	require.NoError(t, m.Connect(context.Background()))

	fc := dialer.last()

	// Before the dispatch target is installed the catalog is empty.
	fc.in <- []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)
	var resp struct {
		Result struct {
			Tools []map[string]any `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(fc.receive(t), &resp))
	assert.Empty(t, resp.Result.Tools)

	m.SetServiceManager(&stubSource{tools: []downstream.ToolDescriptor{{Name: "calc_xzcli_add"}}})

	fc.in <- []byte(`{"jsonrpc":"2.0","method":"tools/list","id":2}`)
	require.NoError(t, json.Unmarshal(fc.receive(t), &resp))
	require.Len(t, resp.Result.Tools, 1)
	assert.Equal(t, "calc_xzcli_add", resp.Result.Tools[0]["name"])
}

func TestManager_RefreshToolsFansOutListChanged(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, nil)
	m.Initialize([]string{"ws://up/1", "ws://up/2"}, nil)
	require.NoError(t, m.Connect(context.Background()))

	m.SetServiceManager(&stubSource{tools: []downstream.ToolDescriptor{{Name: "weather_xzcli_forecast"}}})
	m.RefreshTools(context.Background())

	for _, fc := range dialer.conns {
		var note map[string]any
		require.NoError(t, json.Unmarshal(fc.receive(t), &note))
		assert.Equal(t, "notifications/tools/list_changed", note["method"])
	}
}

func TestManager_CleanupDropsEverything(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, nil)
	m.Initialize([]string{"ws://up/1"}, nil)
	require.NoError(t, m.Connect(context.Background()))

	m.Cleanup()
	assert.Empty(t, m.GetEndpoints())
	assert.False(t, m.IsAnyConnected())
}
