// Package protocol implements the upstream-facing message handler: a stateless-per-message
// JSON-RPC 2.0 dispatcher over the MCP methods this gateway serves to
// upstream clients, plus the per-connection Session State and its JWT-based
// session-id issuance.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// DefaultSessionDuration is the lifetime of an issued session id when
	// no explicit duration is configured.
	DefaultSessionDuration = 24 * time.Hour
	sessionIssuer          = "xzcli-gateway"
)

// SessionDeleter lets a SessionManager clean up any external session-bound
// state (e.g. the Coze proxy result cache) on Terminate.
type SessionDeleter interface {
	DeleteSessions(ctx context.Context, key ...string) error
}

// SessionState is the per-upstream-connection session record.
type SessionState struct {
	mu              sync.RWMutex
	initialized     bool
	protocolVersion string
	clientInfo      mcp.Implementation
}

func (s *SessionState) markInitialized(protocolVersion string, clientInfo mcp.Implementation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.protocolVersion = protocolVersion
	s.clientInfo = clientInfo
}

// Initialized reports whether `initialize` has been processed on this
// session.
func (s *SessionState) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// ProtocolVersion returns the client-negotiated protocol version recorded
// at `initialize`.
func (s *SessionState) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// ClientInfo returns the client implementation descriptor recorded at
// `initialize`.
func (s *SessionState) ClientInfo() mcp.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

// SessionManager mints, tracks, and retires upstream session ids. Each id
// is a signed HS256 JWT carrying a random jti, so any process holding the
// key can check an id's authenticity without a state lookup; the
// SessionState registered alongside an id lives only in the minting
// process. The endpoint layer mints one id per established connection and
// terminates it on disconnect.
type SessionManager struct {
	signingKey []byte
	duration   time.Duration
	parser     *jwt.Parser
	logger     *slog.Logger
	deleter    SessionDeleter

	mu     sync.RWMutex
	states map[string]*SessionState
}

// NewSessionManager builds a SessionManager. sessionMinutes <= 0 falls back
// to DefaultSessionDuration.
func NewSessionManager(signingKey string, sessionMinutes int64, logger *slog.Logger, deleter SessionDeleter) (*SessionManager, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("protocol: no session signing key provided")
	}
	duration := DefaultSessionDuration
	if sessionMinutes > 0 {
		duration = time.Duration(sessionMinutes) * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		signingKey: []byte(signingKey),
		duration:   duration,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(sessionIssuer),
			jwt.WithAudience(sessionIssuer),
			jwt.WithExpirationRequired(),
		),
		logger:  logger.With("component", "session-manager"),
		deleter: deleter,
		states:  map[string]*SessionState{},
	}, nil
}

// Generate mints a session id and registers a fresh SessionState for it.
// On a signing failure the state is still returned so the connection can
// proceed without session tracking; the empty id is never registered.
func (m *SessionManager) Generate() (string, *SessionState) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    sessionIssuer,
		Audience:  jwt.ClaimStrings{sessionIssuer},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
	})

	state := &SessionState{}
	id, err := token.SignedString(m.signingKey)
	if err != nil {
		m.logger.Error("failed to sign session id", "error", err)
		return "", state
	}

	m.mu.Lock()
	m.states[id] = state
	m.mu.Unlock()
	return id, state
}

// Validate checks that id is a well-formed, unexpired session token signed
// by this gateway. It does not require the state to be registered locally.
func (m *SessionManager) Validate(id string) error {
	_, err := m.parser.Parse(id, func(*jwt.Token) (any, error) {
		return m.signingKey, nil
	})
	if err != nil {
		return fmt.Errorf("protocol: invalid session id: %w", err)
	}
	return nil
}

// Terminate drops the session's state and, if a deleter is configured, its
// externally-cached data too.
func (m *SessionManager) Terminate(id string) error {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()

	if m.deleter != nil {
		if err := m.deleter.DeleteSessions(context.Background(), id); err != nil {
			return fmt.Errorf("protocol: clear session cache: %w", err)
		}
	}
	return nil
}

// State returns the SessionState for id, creating one on first use so
// callers holding an id minted elsewhere still get a valid state.
func (m *SessionManager) State(id string) *SessionState {
	m.mu.RLock()
	st, ok := m.states[id]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		return st
	}
	st = &SessionState{}
	m.states[id] = st
	return st
}
