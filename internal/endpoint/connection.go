// Package endpoint implements the upstream endpoint connections and their
// manager: N persistent outbound connections to upstream
// agent/voice endpoints, each serving the aggregated MCP protocol with its
// own reconnect loop.
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/protocol"
)

// State is one of the endpoint connection states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// sendQueueBound caps the outgoing frame queue held while a connection is
// down. Beyond the bound the oldest frame is dropped; that is logged but not
// escalated.
const sendQueueBound = 64

// DefaultReconnectPolicy is the endpoint-side backoff shape: same formula
// family as the downstream MCP Service but with longer intervals, since
// endpoints are user-facing and hammering them buys nothing.
var DefaultReconnectPolicy = config.ReconnectPolicy{
	Enabled:           true,
	MaxAttempts:       10,
	InitialInterval:   5000,
	MaxInterval:       60000,
	BackoffStrategy:   config.BackoffExponential,
	BackoffMultiplier: 2,
	Jitter:            true,
}

// Conn is the framed-message transport a Connection drives. Production uses
// the websocket dialer below; tests substitute an in-memory pipe.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to an endpoint URL.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// wsConn adapts coder/websocket to the Conn interface, text frames only
// (MCP is JSON-RPC over text).
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// WebsocketDialer is the production Dialer.
func WebsocketDialer(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("endpoint: dial %s: %w", url, err)
	}
	return &wsConn{c: c}, nil
}

// StatusChange is the endpoint:status:changed payload.
type StatusChange struct {
	Endpoint    string
	Connected   bool
	Initialized bool
}

// Connection is one persistent upstream connection. Incoming frames
// are handed to the Message Handler; outgoing frames are queued while the
// connection is down.
type Connection struct {
	url     string
	handler *protocol.Handler
	dial    Dialer
	logger  *slog.Logger
	header  http.Header

	onStatus   func(StatusChange)
	onActivity func()

	mu                 sync.Mutex
	state              State
	conn               Conn
	sessions           *protocol.SessionManager
	sessionID          string
	session            *protocol.SessionState
	reconnect          config.ReconnectPolicy
	reconnectAttempts  int
	lastError          error
	isManualDisconnect bool
	queue              [][]byte
	toolSnapshot       []string
	lastNotified       *StatusChange

	stopReconn context.CancelFunc
	readCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewConnection builds a Connection bound to url. handler serves the MCP
// protocol for every frame this connection receives; dial defaults to the
// websocket dialer when nil.
func NewConnection(url string, handler *protocol.Handler, dial Dialer, logger *slog.Logger) *Connection {
	if dial == nil {
		dial = WebsocketDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		url:       url,
		handler:   handler,
		dial:      dial,
		logger:    logger.With("sub-component", "endpoint-connection", "endpoint", url),
		header:    http.Header{},
		state:     StateDisconnected,
		session:   &protocol.SessionState{},
		reconnect: DefaultReconnectPolicy,
	}
}

// URL returns the endpoint URL this connection dials.
func (c *Connection) URL() string { return c.url }

// SetSessionManager installs the session-id issuer. When set, every
// established transport connection gets a minted session id whose state
// backs the MCP handshake, terminated again on disconnect.
func (c *Connection) SetSessionManager(sm *protocol.SessionManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = sm
}

// SessionID returns the id minted for the current connection, empty when
// offline or when no session manager is installed.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetReconnectPolicy replaces the backoff policy; applies to the next
// reconnect cycle.
func (c *Connection) SetReconnectPolicy(pol config.ReconnectPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = pol
}

// OnStatusChange installs the transition callback invoked after every
// connected/initialized change.
func (c *Connection) OnStatusChange(fn func(StatusChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// OnActivity installs a callback invoked for every incoming frame, used by
// the Status Service's heartbeat tracking.
func (c *Connection) OnActivity(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onActivity = fn
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the transport is up.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Initialized reports whether the upstream client has completed the MCP
// `initialize` handshake on this connection's session.
func (c *Connection) Initialized() bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	return sess.Initialized()
}

// LastError returns the most recent transport error, if any.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// ReconnectAttempts returns the current backoff attempt counter.
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// Connect dials the endpoint and starts the read loop. It clears the
// manual-disconnect veto and resets the per-connection session state, since
// the upstream client will re-run `initialize` on a fresh connection.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.isManualDisconnect = false
	c.state = StateConnecting
	header := c.header
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.url, header)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.lastError = err
		c.mu.Unlock()
		c.notifyStatus()
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())

	// Fresh session per transport connection; the upstream client re-runs
	// initialize after a reconnect.
	c.mu.Lock()
	sessions := c.sessions
	c.mu.Unlock()
	var (
		sessID string
		sess   *protocol.SessionState
	)
	if sessions != nil {
		sessID, sess = sessions.Generate()
	} else {
		sess = &protocol.SessionState{}
	}

	c.mu.Lock()
	if c.readCancel != nil {
		c.readCancel()
	}
	c.conn = conn
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.lastError = nil
	oldSessionID := c.sessionID
	c.sessionID = sessID
	c.session = sess
	c.readCancel = cancel
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	if sessions != nil && oldSessionID != "" {
		if err := sessions.Terminate(oldSessionID); err != nil {
			c.logger.Warn("failed to terminate stale session", "error", err)
		}
	}

	c.notifyStatus()

	for _, frame := range queued {
		if err := conn.Write(readCtx, frame); err != nil {
			c.logger.Warn("flush of queued frame failed", "error", err)
			break
		}
	}

	c.wg.Add(1)
	go c.readLoop(readCtx, conn)
	return nil
}

// readLoop pumps incoming frames through the Message Handler until the
// transport errors or the connection is torn down.
func (c *Connection) readLoop(ctx context.Context, conn Conn) {
	defer c.wg.Done()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleTransportError(err)
			return
		}

		c.mu.Lock()
		activity := c.onActivity
		sess := c.session
		c.mu.Unlock()
		if activity != nil {
			activity()
		}

		resp := c.handler.HandleMessage(ctx, sess, data)
		if resp == nil {
			continue
		}
		if err := conn.Write(ctx, resp); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleTransportError(err)
			return
		}
		c.notifyStatus()
	}
}

// handleTransportError records the failure and enters the reconnect cycle
// unless a manual disconnect vetoed it.
func (c *Connection) handleTransportError(err error) {
	c.mu.Lock()
	if c.isManualDisconnect {
		c.mu.Unlock()
		return
	}
	c.lastError = err
	c.state = StateReconnecting
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	pol := c.reconnect
	c.mu.Unlock()

	c.logger.Warn("endpoint transport error", "error", err)
	c.notifyStatus()

	if !pol.Enabled {
		c.setState(StateFailed)
		return
	}

	rctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stopReconn = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.reconnectLoop(rctx, pol)
}

func (c *Connection) reconnectLoop(ctx context.Context, pol config.ReconnectPolicy) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		attempts := c.reconnectAttempts
		manual := c.isManualDisconnect
		c.mu.Unlock()
		if manual {
			return
		}
		if attempts >= pol.MaxAttempts {
			c.setState(StateFailed)
			c.notifyStatus()
			return
		}

		interval := downstream.NextInterval(pol, attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		c.mu.Lock()
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		manual = c.isManualDisconnect
		c.mu.Unlock()
		if manual {
			return
		}

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("endpoint reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
}

func (c *Connection) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// Disconnect takes the connection offline and vetoes any pending or future
// automatic reconnect until the next Connect.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.isManualDisconnect = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.session = &protocol.SessionState{}
	sessions := c.sessions
	sessionID := c.sessionID
	c.sessionID = ""
	readCancel := c.readCancel
	stopReconn := c.stopReconn
	c.readCancel = nil
	c.stopReconn = nil
	c.mu.Unlock()

	if sessions != nil && sessionID != "" {
		if err := sessions.Terminate(sessionID); err != nil {
			c.logger.Warn("failed to terminate session", "error", err)
		}
	}
	if readCancel != nil {
		readCancel()
	}
	if stopReconn != nil {
		stopReconn()
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	c.notifyStatus()
	return err
}

// Reconnect forces a fresh dial regardless of current state.
func (c *Connection) Reconnect(ctx context.Context) error {
	_ = c.Disconnect()
	return c.Connect(ctx)
}

// Send writes one frame, queueing it (bounded, oldest dropped) if the
// connection is down.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	st := c.state
	if st != StateConnected || conn == nil {
		if len(c.queue) >= sendQueueBound {
			c.queue = c.queue[1:]
			c.logger.Warn("outgoing queue full, dropping oldest frame")
		}
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return conn.Write(ctx, data)
}

// seedToolSnapshot primes the diff baseline without sending anything, so a
// freshly-initialized connection does not push list_changed for the catalog
// it was born with.
func (c *Connection) seedToolSnapshot(tools []downstream.ToolDescriptor) {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	c.mu.Lock()
	c.toolSnapshot = names
	c.mu.Unlock()
}

// UpdateTools diffs the tool-name snapshot against the last one sent and,
// when it changed, pushes a notifications/tools/list_changed frame per the
// MCP protocol.
func (c *Connection) UpdateTools(ctx context.Context, tools []downstream.ToolDescriptor) {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)

	c.mu.Lock()
	if equalStrings(c.toolSnapshot, names) {
		c.mu.Unlock()
		return
	}
	c.toolSnapshot = names
	c.mu.Unlock()

	note, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/tools/list_changed",
	})
	if err := c.Send(ctx, note); err != nil {
		c.logger.Warn("tools/list_changed push failed", "error", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// notifyStatus fires the status callback, suppressing no-op repeats so the
// per-frame call in readLoop only emits when connected/initialized actually
// changed (the initialize handshake is what flips Initialized mid-stream).
func (c *Connection) notifyStatus() {
	c.mu.Lock()
	fn := c.onStatus
	change := StatusChange{
		Endpoint:    c.url,
		Connected:   c.state == StateConnected,
		Initialized: c.session.Initialized(),
	}
	if c.lastNotified != nil && *c.lastNotified == change {
		c.mu.Unlock()
		return
	}
	c.lastNotified = &change
	c.mu.Unlock()
	if fn == nil {
		return
	}
	fn(change)
}
