package router

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/shardgate/shardgate/internal/wire"
)

// PreparedCache is the process-wide prepared statement registry. Statements
// are keyed by a stable internal name derived from the SQL text and
// parameter types, so identical statements prepared by different clients
// share one server-side entry.
type PreparedCache struct {
	mu           sync.RWMutex
	byName       map[string]wire.Parse
	descriptions map[string]wire.Message // internal name → RowDescription
}

// NewPreparedCache creates an empty cache.
func NewPreparedCache() *PreparedCache {
	return &PreparedCache{
		byName:       make(map[string]wire.Parse),
		descriptions: make(map[string]wire.Message),
	}
}

// InternalName mints the stable name for a statement.
func InternalName(sql string, oids []uint32) string {
	h := xxhash.New()
	h.WriteString(sql)
	var buf [4]byte
	for _, oid := range oids {
		buf[0] = byte(oid >> 24)
		buf[1] = byte(oid >> 16)
		buf[2] = byte(oid >> 8)
		buf[3] = byte(oid)
		h.Write(buf[:])
	}
	return fmt.Sprintf("__shardgate_%x", h.Sum64())
}

// Register stores a Parse under its internal name and returns that name.
func (c *PreparedCache) Register(p wire.Parse) string {
	name := InternalName(p.SQL, p.ParamOIDs)
	c.mu.Lock()
	if _, ok := c.byName[name]; !ok {
		stored := p
		stored.Name = name
		c.byName[name] = stored
	}
	c.mu.Unlock()
	return name
}

// Get returns the Parse stored under an internal name.
func (c *PreparedCache) Get(name string) (wire.Parse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byName[name]
	return p, ok
}

// SetDescription remembers the RowDescription observed for a statement on
// its first describe.
func (c *PreparedCache) SetDescription(name string, rd wire.Message) {
	c.mu.Lock()
	if _, ok := c.descriptions[name]; !ok {
		c.descriptions[name] = rd
	}
	c.mu.Unlock()
}

// Description returns the cached RowDescription for a statement.
func (c *PreparedCache) Description(name string) (wire.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rd, ok := c.descriptions[name]
	return rd, ok
}

// Len returns the number of cached statements.
func (c *PreparedCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName)
}

// SessionPrepared is one client's view of its prepared statements: the
// mapping from the names the client chose to the internal names replayed
// onto servers. Task-local, no locking.
type SessionPrepared struct {
	cache  *PreparedCache
	byName map[string]string // client name → internal name
}

// NewSessionPrepared binds a session view to the global cache.
func NewSessionPrepared(cache *PreparedCache) *SessionPrepared {
	return &SessionPrepared{cache: cache, byName: make(map[string]string)}
}

// Intercept rewrites a client Parse to use the internal name, recording the
// client's mapping. Re-preparing an existing client name with different SQL
// silently replaces the old entry.
func (s *SessionPrepared) Intercept(p wire.Parse) wire.Parse {
	internal := s.cache.Register(p)
	if p.Name != "" {
		s.byName[p.Name] = internal
	}
	out := p
	out.Name = internal
	return out
}

// Resolve maps a client statement name to its internal name.
func (s *SessionPrepared) Resolve(clientName string) (string, bool) {
	if clientName == "" {
		return "", false
	}
	internal, ok := s.byName[clientName]
	return internal, ok
}

// Forget drops a client mapping (DEALLOCATE / Close).
func (s *SessionPrepared) Forget(clientName string) {
	delete(s.byName, clientName)
}

// Parse returns the stored Parse for a client name.
func (s *SessionPrepared) Parse(clientName string) (wire.Parse, bool) {
	internal, ok := s.Resolve(clientName)
	if !ok {
		return wire.Parse{}, false
	}
	return s.cache.Get(internal)
}
