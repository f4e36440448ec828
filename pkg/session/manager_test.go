package session

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/harun/conductor/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(zerolog.New(os.Stdout).Level(zerolog.ErrorLevel))
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		shouldErr bool
	}{
		{"valid id", "conv-1", false},
		{"empty id", "", true},
		{"null byte", "conv\x001", true},
		{"newline", "conv\n1", true},
		{"too long", strings.Repeat("a", maxSessionIDLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.shouldErr {
				assert.ErrorIs(t, err, ErrInvalidSessionID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManager_GetOrCreate(t *testing.T) {
	mgr := setupTestManager(t)

	first, created, err := mgr.GetOrCreate("conv-1", agent.Config{Provider: "echo"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "conv-1", first.ID)

	second, created, err := mgr.GetOrCreate("conv-1", agent.Config{Provider: "openai"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, "echo", second.Provider())

	generated, created, err := mgr.GetOrCreate("", agent.Config{Provider: "echo"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, generated.ID)

	assert.Equal(t, 2, mgr.Count())
}

func TestManager_StopUnknownIsNoop(t *testing.T) {
	mgr := setupTestManager(t)
	assert.False(t, mgr.Stop("missing"))
}

func TestManager_Stop(t *testing.T) {
	mgr := setupTestManager(t)
	sess, _, err := mgr.GetOrCreate("conv-1", agent.Config{Provider: "echo"})
	require.NoError(t, err)

	ctx, _, err := sess.Begin(context.Background(), PhaseExecuting)
	require.NoError(t, err)

	assert.True(t, mgr.Stop("conv-1"))
	assert.Error(t, ctx.Err())
	assert.False(t, mgr.Stop("conv-1"))
	assert.True(t, sess.IsAborted())
}

func TestManager_RemoveAndList(t *testing.T) {
	mgr := setupTestManager(t)
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := mgr.GetOrCreate(id, agent.Config{Provider: "echo"})
		require.NoError(t, err)
	}

	assert.True(t, mgr.Remove("b"))
	assert.False(t, mgr.Remove("b"))

	infos := mgr.List()
	require.Len(t, infos, 2)
	ids := []string{infos[0].ID, infos[1].ID}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
	assert.Equal(t, PhaseIdle, infos[0].Phase)
}

func TestManager_PruneIdle(t *testing.T) {
	mgr := setupTestManager(t)

	idle, _, err := mgr.GetOrCreate("idle", agent.Config{Provider: "echo"})
	require.NoError(t, err)
	busy, _, err := mgr.GetOrCreate("busy", agent.Config{Provider: "echo"})
	require.NoError(t, err)

	idle.mu.Lock()
	idle.lastActive = time.Now().Add(-2 * time.Hour)
	idle.mu.Unlock()

	_, _, err = busy.Begin(context.Background(), PhaseExecuting)
	require.NoError(t, err)
	busy.mu.Lock()
	busy.lastActive = time.Now().Add(-2 * time.Hour)
	busy.mu.Unlock()

	removed := mgr.PruneIdle(time.Hour)
	assert.Equal(t, []string{"idle"}, removed)
	_, exists := mgr.Get("busy")
	assert.True(t, exists)
}
