package frontend

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shardgate/shardgate/internal/admin"
)

// clientEntry is the registry's record of one live session.
type clientEntry struct {
	id          uuid.UUID
	user        string
	database    string
	addr        string
	connectedAt time.Time

	mu    sync.Mutex
	state string

	cancelPID uint32
	cancelKey uint32
	cancel    func()
}

// Registry tracks connected clients for SHOW CLIENTS and resolves
// CancelRequest keys back to sessions.
type Registry struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*clientEntry
	nextPID uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[uuid.UUID]*clientEntry), nextPID: 1000}
}

// register adds a session and assigns its synthetic BackendKeyData.
func (r *Registry) register(user, database, addr string, key uint32, cancel func()) *clientEntry {
	e := &clientEntry{
		id:          uuid.New(),
		user:        user,
		database:    database,
		addr:        addr,
		connectedAt: time.Now(),
		state:       "idle",
		cancelKey:   key,
		cancel:      cancel,
	}
	r.mu.Lock()
	r.nextPID++
	e.cancelPID = r.nextPID
	r.clients[e.id] = e
	r.mu.Unlock()
	return e
}

// unregister removes a session.
func (r *Registry) unregister(e *clientEntry) {
	r.mu.Lock()
	delete(r.clients, e.id)
	r.mu.Unlock()
}

// Cancel finds the session owning a CancelRequest key and fires its cancel
// hook.
func (r *Registry) Cancel(pid, key uint32) bool {
	r.mu.Lock()
	var target *clientEntry
	for _, e := range r.clients {
		if e.cancelPID == pid && e.cancelKey == key {
			target = e
			break
		}
	}
	r.mu.Unlock()
	if target == nil || target.cancel == nil {
		return false
	}
	target.cancel()
	return true
}

// setState updates the state string shown by SHOW CLIENTS.
func (e *clientEntry) setState(state string) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// Snapshot lists clients for the admin surface, oldest first.
func (r *Registry) Snapshot() []admin.ClientInfo {
	r.mu.Lock()
	out := make([]admin.ClientInfo, 0, len(r.clients))
	for _, e := range r.clients {
		e.mu.Lock()
		state := e.state
		e.mu.Unlock()
		out = append(out, admin.ClientInfo{
			ID:          e.id.String(),
			User:        e.user,
			Database:    e.database,
			Addr:        e.addr,
			State:       state,
			ConnectedAt: e.connectedAt,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Len returns the number of connected clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
