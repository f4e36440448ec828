package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry(t *testing.T) {
	registry := NewClientRegistry()

	older := newClient("older", nil, "10.0.0.1", nil)
	older.ConnectedAt = time.Now().Add(-time.Hour)
	older.LastActivity = older.ConnectedAt
	older.authenticated.Store(true)

	newer := newClient("newer", nil, "10.0.0.2", nil)
	newer.setSubscription(newTaskFeed())

	registry.Add(newer)
	registry.Add(older)

	t.Run("should list clients oldest first", func(t *testing.T) {
		infos := registry.Infos()
		require.Len(t, infos, 2)
		assert.Equal(t, "older", infos[0].ID)
		assert.True(t, infos[0].Authenticated)
		assert.True(t, infos[0].Idle)
		assert.Equal(t, "newer", infos[1].ID)
		assert.True(t, infos[1].Subscribed)
		assert.False(t, infos[1].Idle)
	})

	t.Run("should clear idleness on activity", func(t *testing.T) {
		registry.Touch("older")
		registry.Touch("ghost")
		assert.False(t, registry.Infos()[0].Idle)
	})

	t.Run("should only broadcast to authenticated clients", func(t *testing.T) {
		authenticated := registry.Authenticated()
		require.Len(t, authenticated, 1)
		assert.Equal(t, "older", authenticated[0].ID)
		assert.Len(t, registry.All(), 2)
	})

	t.Run("should forget removed clients", func(t *testing.T) {
		registry.Remove("older")
		registry.Remove("ghost")
		assert.Equal(t, 1, registry.Count())
		assert.Empty(t, registry.Authenticated())
	})
}
