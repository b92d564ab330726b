package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/customtool"
	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/endpoint"
	"github.com/xzcli/mcp-gateway/internal/eventbus"
	"github.com/xzcli/mcp-gateway/internal/status"
	"github.com/xzcli/mcp-gateway/internal/toolsync"
)

// gateway assembles the full in-process pipeline: fake downstream clients,
// service manager, tool sync, endpoint manager over an in-memory dialer.
type gateway struct {
	bus    *eventbus.Bus
	custom *customtool.Handler
	sm     *downstream.ServiceManager
	ts     *toolsync.Manager
	em     *endpoint.Manager
	dialer *pipeDialer
	status *status.Service
}

func newGateway(tmpDir string, registry clientRegistry, customOpts customtool.Options) *gateway {
	bus := eventbus.New(nil)
	cache := downstream.NewToolCache(downstream.CacheFilePath(tmpDir), nil)
	custom := customtool.New(customOpts)
	sm := downstream.NewServiceManager(bus, cache, custom, registry.factory, nil)
	custom.SetDownstream(sm.AsDownstreamCaller())
	ts := toolsync.New(bus, custom, sm, nil)
	dialer := newPipeDialer()
	em := endpoint.NewManager(nil, bus, dialer.dial, endpoint.Options{}, nil)
	st := status.NewService(bus, nil)
	return &gateway{bus: bus, custom: custom, sm: sm, ts: ts, em: em, dialer: dialer, status: st}
}

func (g *gateway) startServices(ctx context.Context, cfgs ...*config.MCPServerConfig) {
	for _, c := range cfgs {
		Expect(g.sm.RegisterService(c)).To(Succeed())
	}
	Expect(g.sm.StartAllServices(ctx)).To(Succeed())
}

func (g *gateway) connectEndpoints(ctx context.Context, urls ...string) {
	g.em.Initialize(urls, g.sm.GetAllTools())
	g.em.SetServiceManager(g.sm)
	g.em.SetHeartbeatFunc(g.status.Heartbeat)
	Expect(g.em.Connect(ctx)).To(Succeed())
}

// rpc sends one JSON-RPC frame over the endpoint pipe and decodes the reply.
func rpc(conn *pipeConn, method string, params any, id int) map[string]any {
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      id,
	})
	Expect(err).NotTo(HaveOccurred())
	conn.in <- frame

	raw, err := conn.receive(2 * time.Second)
	Expect(err).NotTo(HaveOccurred())
	var resp map[string]any
	Expect(json.Unmarshal(raw, &resp)).To(Succeed())
	return resp
}

func toolNames(resp map[string]any) []string {
	result, _ := resp["result"].(map[string]any)
	tools, _ := result["tools"].([]any)
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		tm, _ := t.(map[string]any)
		names = append(names, fmt.Sprint(tm["name"]))
	}
	return names
}

func firstText(resp map[string]any) string {
	result, _ := resp["result"].(map[string]any)
	content, _ := result["content"].([]any)
	Expect(content).NotTo(BeEmpty())
	c0, _ := content[0].(map[string]any)
	return fmt.Sprint(c0["text"])
}

var _ = Describe("Gateway aggregation", func() {
	var (
		ctx context.Context
		gw  *gateway
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	AfterEach(func() {
		if gw != nil {
			gw.em.Cleanup()
			gw.sm.Shutdown()
			gw.status.Stop()
		}
	})

	Describe("happy path over one endpoint", func() {
		BeforeEach(func() {
			gw = newGateway(GinkgoT().TempDir(), clientRegistry{
				"calculator": calculatorClient(),
				"weather":    weatherClient(),
			}, customtool.Options{})
			gw.startServices(ctx,
				serviceCfg("calculator", config.TransportStdio),
				serviceCfg("weather", config.TransportSSE))
			gw.connectEndpoints(ctx, "ws://up/e1")
		})

		It("aggregates both services under the xzcli prefix", func() {
			conn := gw.dialer.conn("ws://up/e1")
			resp := rpc(conn, "tools/list", nil, 1)
			Expect(toolNames(resp)).To(ConsistOf(
				"calculator_xzcli_add",
				"calculator_xzcli_sub",
				"weather_xzcli_forecast",
			))
		})

		It("routes tools/call to the owning service", func() {
			conn := gw.dialer.conn("ws://up/e1")
			resp := rpc(conn, "tools/call", map[string]any{
				"name":      "calculator_xzcli_add",
				"arguments": map[string]any{"a": 2, "b": 3},
			}, 2)
			Expect(resp["error"]).To(BeNil())
			Expect(firstText(resp)).To(Equal("5"))
		})

		It("answers initialize with the gateway's identity", func() {
			conn := gw.dialer.conn("ws://up/e1")
			resp := rpc(conn, "initialize", map[string]any{
				"protocolVersion": "2024-11-05",
				"clientInfo":      map[string]any{"name": "voice", "version": "0.1"},
			}, 3)
			result, _ := resp["result"].(map[string]any)
			info, _ := result["serverInfo"].(map[string]any)
			Expect(info["name"]).To(Equal("xiaozhi-mcp-server"))
			Expect(info["version"]).To(Equal("1.0.0"))
		})

		It("rejects unknown methods with -32601", func() {
			conn := gw.dialer.conn("ws://up/e1")
			resp := rpc(conn, "resources/read", nil, 4)
			errObj, _ := resp["error"].(map[string]any)
			Expect(errObj).NotTo(BeNil())
			Expect(errObj["code"]).To(BeEquivalentTo(-32601))
			Expect(errObj["message"]).To(ContainSubstring("未知的方法"))
		})
	})

	Describe("custom tool shadowing", func() {
		It("lets a custom tool shadow the prefixed downstream entry", func() {
			gw = newGateway(GinkgoT().TempDir(), clientRegistry{
				"calculator": calculatorClient(),
			}, customtool.Options{})
			gw.startServices(ctx, serviceCfg("calculator", config.TransportStdio))
			gw.custom.Initialize([]config.CustomTool{{
				Name: "calculator_xzcli_add",
				Handler: config.CustomToolHandler{
					Kind:        config.HandlerMCP,
					ServiceName: "calculator",
					ToolName:    "sub",
				},
			}})
			gw.connectEndpoints(ctx, "ws://up/e1")

			conn := gw.dialer.conn("ws://up/e1")
			resp := rpc(conn, "tools/call", map[string]any{
				"name":      "calculator_xzcli_add",
				"arguments": map[string]any{"a": 10, "b": 3},
			}, 1)
			Expect(resp["error"]).To(BeNil())
			Expect(firstText(resp)).To(Equal("7"))
		})
	})

	Describe("coze proxy custom tool", func() {
		It("posts the workflow call with the platform token", func() {
			var (
				gotAuth string
				gotBody map[string]any
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &gotBody)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"result":"hi a"}`))
			}))
			defer srv.Close()

			gw = newGateway(GinkgoT().TempDir(), clientRegistry{}, customtool.Options{
				CozeToken:   "T",
				CozeBaseURL: srv.URL,
			})
			gw.custom.Initialize([]config.CustomTool{{
				Name:        "coze_hello",
				InputSchema: map[string]any{"type": "object"},
				Handler: config.CustomToolHandler{
					Kind:       config.HandlerProxyCoze,
					WorkflowID: "W1",
				},
			}})
			gw.connectEndpoints(ctx, "ws://up/e1")

			conn := gw.dialer.conn("ws://up/e1")
			resp := rpc(conn, "tools/call", map[string]any{
				"name":      "coze_hello",
				"arguments": map[string]any{"name": "a"},
			}, 1)

			Expect(resp["error"]).To(BeNil())
			Expect(firstText(resp)).To(MatchJSON(`{"result":"hi a"}`))
			Expect(gotAuth).To(Equal("Bearer T"))
			Expect(gotBody).To(HaveKeyWithValue("workflow_id", "W1"))
			Expect(gotBody).To(HaveKeyWithValue("parameters", HaveKeyWithValue("name", "a")))
		})
	})

	Describe("endpoint removal", func() {
		It("stops the removed endpoint's connection", func() {
			gw = newGateway(GinkgoT().TempDir(), clientRegistry{}, customtool.Options{})
			gw.connectEndpoints(ctx, "ws://up/e1", "ws://up/e2")

			Expect(gw.em.RemoveEndpoint(ctx, "ws://up/e1")).To(Succeed())

			Expect(gw.em.GetEndpoints()).To(Equal([]string{"ws://up/e2"}))
			Expect(gw.em.IsEndpointConnected("ws://up/e1")).To(BeFalse())

			res := gw.em.ReconnectAll(ctx)
			Expect(res.SuccessCount).To(Equal(1))
			Expect(res.FailureCount).To(Equal(0))
		})
	})

	Describe("heartbeat timeout", func() {
		It("flips to disconnected after the window with the original stamp", func() {
			bus := eventbus.New(nil)
			var (
				mu      sync.Mutex
				updates []status.Snapshot
			)
			bus.Subscribe(eventbus.TopicStatusUpdated, func(_ context.Context, payload any) {
				if snap, ok := payload.(status.Snapshot); ok {
					mu.Lock()
					updates = append(updates, snap)
					mu.Unlock()
				}
			})

			st := status.NewService(bus, nil)
			defer st.Stop()
			st.SetTimeout(60 * time.Millisecond)

			st.Heartbeat()
			stamp := st.Snapshot().LastHeartbeat

			Eventually(func() status.ClientStatus {
				return st.Snapshot().Status
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(status.StatusDisconnected))

			Expect(st.Snapshot().LastHeartbeat).To(Equal(stamp))
			mu.Lock()
			defer mu.Unlock()
			Expect(updates).NotTo(BeEmpty())
			Expect(updates[len(updates)-1].Status).To(Equal(status.StatusDisconnected))
		})
	})

	Describe("incoming frames drive the heartbeat", func() {
		It("marks the upstream client connected on traffic", func() {
			gw = newGateway(GinkgoT().TempDir(), clientRegistry{}, customtool.Options{})
			gw.connectEndpoints(ctx, "ws://up/e1")

			conn := gw.dialer.conn("ws://up/e1")
			rpc(conn, "ping", nil, 1)

			Eventually(func() status.ClientStatus {
				return gw.status.Snapshot().Status
			}, time.Second, 10*time.Millisecond).Should(Equal(status.StatusConnected))
		})
	})
})
