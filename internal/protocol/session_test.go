package protocol_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xzcli/mcp-gateway/internal/protocol"
)

type fakeDeleter struct{ keys []string }

func (f *fakeDeleter) DeleteSessions(_ context.Context, key ...string) error {
	f.keys = append(f.keys, key...)
	return nil
}

func TestSessionManager_GenerateProducesValidatableID(t *testing.T) {
	mgr, err := protocol.NewSessionManager("test-signing-key", 60, nil, nil)
	require.NoError(t, err)

	id, state := mgr.Generate()
	require.NotEmpty(t, id)
	require.NotNil(t, state)
	assert.False(t, state.Initialized())

	assert.NoError(t, mgr.Validate(id))
	assert.Same(t, state, mgr.State(id))
}

func TestSessionManager_ValidateRejectsGarbageID(t *testing.T) {
	mgr, err := protocol.NewSessionManager("test-signing-key", 60, nil, nil)
	require.NoError(t, err)

	assert.Error(t, mgr.Validate("not-a-jwt"))
}

func TestSessionManager_ValidateRejectsForeignKey(t *testing.T) {
	mgr, err := protocol.NewSessionManager("test-signing-key", 60, nil, nil)
	require.NoError(t, err)
	other, err := protocol.NewSessionManager("different-key", 60, nil, nil)
	require.NoError(t, err)

	id, _ := other.Generate()
	assert.Error(t, mgr.Validate(id))
}

func TestSessionManager_TerminateClearsStateAndInvokesDeleter(t *testing.T) {
	deleter := &fakeDeleter{}
	mgr, err := protocol.NewSessionManager("test-signing-key", 60, nil, deleter)
	require.NoError(t, err)

	id, state := mgr.Generate()
	require.NoError(t, mgr.Terminate(id))
	assert.Equal(t, []string{id}, deleter.keys)

	// A fresh state is handed out after termination.
	assert.NotSame(t, state, mgr.State(id))
}

func TestSessionManager_StateCreatesOnFirstUse(t *testing.T) {
	mgr, err := protocol.NewSessionManager("test-signing-key", 60, nil, nil)
	require.NoError(t, err)

	st := mgr.State("unregistered-id")
	require.NotNil(t, st)
	assert.False(t, st.Initialized())
	assert.Same(t, st, mgr.State("unregistered-id"))
}

func TestNewSessionManager_RejectsEmptySigningKey(t *testing.T) {
	_, err := protocol.NewSessionManager("", 60, nil, nil)
	require.Error(t, err)
}
