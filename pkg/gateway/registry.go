package gateway

import (
	"sort"
	"sync"
	"time"
)

// IdleAfter is how long without a message before a client counts as idle.
const IdleAfter = 5 * time.Minute

// ClientRegistry tracks connected clients by id.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns every client, ordered by id.
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// GetAuthenticatedClients returns the clients that own a window, ordered by
// id.
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// Update runs fn on a client under the registry lock. Auth state changes go
// through here so broadcasts never see a half-updated client.
func (r *ClientRegistry) Update(client *Client, fn func(*Client)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(client)
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns a snapshot of every client.
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	now := time.Now()
	clients := r.GetAll()
	infos := make([]ClientInfo, 0, len(clients))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, client := range clients {
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > IdleAfter,
		})
	}
	return infos
}

func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
