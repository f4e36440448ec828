package gateway

import (
	"sort"
	"sync"
	"time"
)

// clientIdleAfter marks a client idle in status reports once it has sent
// nothing for this long
const clientIdleAfter = 5 * time.Minute

// ClientRegistry tracks the websocket clients of one gateway
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
}

func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()
}

// All returns every client, authenticated or not. Shutdown uses it to
// disconnect clients still in the auth handshake.
func (r *ClientRegistry) All() []*Client {
	return r.filter(func(*Client) bool { return true })
}

// Authenticated returns the clients allowed to receive broadcasts
func (r *ClientRegistry) Authenticated() []*Client {
	return r.filter((*Client).IsAuthenticated)
}

func (r *ClientRegistry) filter(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if keep(client) {
			out = append(out, client)
		}
	}
	return out
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Infos describes every client, oldest connection first
func (r *ClientRegistry) Infos() []ClientInfo {
	now := time.Now()

	r.mu.RLock()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: client.IsAuthenticated(),
			Subscribed:    client.subscribed(),
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > clientIdleAfter,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Touch records activity from a client. LastActivity is only written here,
// under the registry lock.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[clientID]; ok {
		client.LastActivity = time.Now()
	}
}
