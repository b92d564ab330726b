package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/eventbus"
)

const sampleConfig = `{
  "mcpEndpoint": ["wss://voice.example/mcp"],
  "mcpServers": {
    "calculator": {
      "transport": "stdio",
      "command": "calc-server",
      "args": ["--fast"]
    },
    "weather": {
      "transport": "sse",
      "url": "https://weather.example/sse"
    }
  },
  "mcpServerConfig": {
    "calculator": {"add": {"enabled": false}}
  },
  "customMCP": {
    "tools": [
      {"name": "coze_hello", "inputSchema": {"type": "object"},
       "handler": {"type": "proxy", "workflow_id": "W1"}}
    ]
  },
  "platforms": {"coze": {"token": "T"}},
  "connection": {"heartbeatTimeout": 35000}
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xiaozhi.config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestService_LoadParsesDocument(t *testing.T) {
	svc := config.NewService(writeConfig(t, sampleConfig), eventbus.New(nil), nil)
	require.NoError(t, svc.Load())

	cfg := svc.Snapshot()
	assert.Equal(t, config.EndpointList{"wss://voice.example/mcp"}, cfg.MCPEndpoint)
	require.Contains(t, cfg.MCPServers, "calculator")
	assert.Equal(t, "calc-server", cfg.MCPServers["calculator"].Command)
	// Service names are backfilled from the map keys.
	assert.Equal(t, "weather", cfg.MCPServers["weather"].Name)
	assert.False(t, cfg.MCPServerConfig["calculator"]["add"].Enabled)
	require.Len(t, cfg.CustomMCP.Tools, 1)
	assert.Equal(t, config.HandlerProxyCoze, cfg.CustomMCP.Tools[0].Handler.Kind)
	assert.Equal(t, "T", cfg.Platforms.Coze.Token)
	assert.Equal(t, 35000, cfg.Connection.HeartbeatTimeoutMS)
}

func TestService_LoadAcceptsSingleEndpointString(t *testing.T) {
	svc := config.NewService(writeConfig(t, `{"mcpEndpoint": "wss://voice.example/mcp"}`), eventbus.New(nil), nil)
	require.NoError(t, svc.Load())
	assert.Equal(t, config.EndpointList{"wss://voice.example/mcp"}, svc.Snapshot().MCPEndpoint)
}

func TestService_LoadDefaultsMissingSections(t *testing.T) {
	svc := config.NewService(writeConfig(t, `{}`), eventbus.New(nil), nil)
	require.NoError(t, svc.Load())

	cfg := svc.Snapshot()
	assert.NotNil(t, cfg.MCPServers)
	assert.NotNil(t, cfg.MCPServerConfig)
	assert.Empty(t, cfg.CustomMCP.Tools)
}

func TestService_LoadRejectsMalformedJSON(t *testing.T) {
	svc := config.NewService(writeConfig(t, `{not json`), eventbus.New(nil), nil)
	assert.Error(t, svc.Load())
}

func TestMCPServerConfig_ValidateVariants(t *testing.T) {
	stdio := &config.MCPServerConfig{Name: "s", Transport: config.TransportStdio}
	err := stdio.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrMissingField))

	stdio.Command = "run"
	assert.NoError(t, stdio.Validate())

	sse := &config.MCPServerConfig{Name: "s", Transport: config.TransportSSE}
	assert.Error(t, sse.Validate())
	sse.URL = "https://x"
	assert.NoError(t, sse.Validate())
}

func TestMCPServerConfig_IsModelScope(t *testing.T) {
	cfg := &config.MCPServerConfig{
		Name:      "ms",
		Transport: config.TransportSSE,
		URL:       "https://mcp.modelscope.cn/sse/abc",
	}
	assert.True(t, cfg.IsModelScope())

	cfg.URL = "https://weather.example/sse"
	assert.False(t, cfg.IsModelScope())

	cfg.Transport = config.TransportStdio
	cfg.URL = "https://mcp.modelscope.cn/sse/abc"
	assert.False(t, cfg.IsModelScope())
}

func TestMCPServerConfig_NormalizedName(t *testing.T) {
	cfg := &config.MCPServerConfig{Name: "my-weather-svc"}
	assert.Equal(t, "my_weather_svc", cfg.NormalizedName())
}

func TestConfigDir_HonoursEnvOverride(t *testing.T) {
	t.Setenv("XIAOZHI_CONFIG_DIR", "/tmp/xz-test")
	assert.Equal(t, "/tmp/xz-test", config.ConfigDir())
}
