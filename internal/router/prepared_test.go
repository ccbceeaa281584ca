package router

import (
	"testing"

	"github.com/shardgate/shardgate/internal/wire"
)

func TestInternalNameStable(t *testing.T) {
	a := InternalName("SELECT $1", []uint32{20})
	b := InternalName("SELECT $1", []uint32{20})
	if a != b {
		t.Error("internal name must be stable for identical statements")
	}
	if InternalName("SELECT $1", []uint32{20}) == InternalName("SELECT $1", []uint32{25}) {
		t.Error("different parameter types must mint different names")
	}
	if InternalName("SELECT $1", nil) == InternalName("SELECT $2", nil) {
		t.Error("different SQL must mint different names")
	}
}

func TestCacheSharesIdenticalStatements(t *testing.T) {
	cache := NewPreparedCache()

	s1 := NewSessionPrepared(cache)
	s2 := NewSessionPrepared(cache)

	p1 := s1.Intercept(wire.Parse{Name: "stmt_a", SQL: "SELECT $1", ParamOIDs: []uint32{20}})
	p2 := s2.Intercept(wire.Parse{Name: "other_name", SQL: "SELECT $1", ParamOIDs: []uint32{20}})

	if p1.Name != p2.Name {
		t.Error("identical statements should share one internal name")
	}
	if cache.Len() != 1 {
		t.Errorf("cache length = %d, want 1", cache.Len())
	}

	internal, ok := s1.Resolve("stmt_a")
	if !ok || internal != p1.Name {
		t.Errorf("resolve = %q, %v", internal, ok)
	}
}

func TestInterceptReplacesClientName(t *testing.T) {
	cache := NewPreparedCache()
	s := NewSessionPrepared(cache)

	first := s.Intercept(wire.Parse{Name: "stmt", SQL: "SELECT 1"})
	// Re-preparing the same client name with different SQL silently
	// replaces the old mapping.
	second := s.Intercept(wire.Parse{Name: "stmt", SQL: "SELECT 2"})

	if first.Name == second.Name {
		t.Error("different SQL should mint a new internal name")
	}
	internal, _ := s.Resolve("stmt")
	if internal != second.Name {
		t.Error("client name should map to the newest statement")
	}
}

func TestForget(t *testing.T) {
	cache := NewPreparedCache()
	s := NewSessionPrepared(cache)

	s.Intercept(wire.Parse{Name: "stmt", SQL: "SELECT 1"})
	s.Forget("stmt")
	if _, ok := s.Resolve("stmt"); ok {
		t.Error("forgotten statement should not resolve")
	}
	// The shared cache keeps the statement for other sessions.
	if cache.Len() != 1 {
		t.Error("cache entry should survive a session forget")
	}
}

func TestDescriptionStored(t *testing.T) {
	cache := NewPreparedCache()
	name := cache.Register(wire.Parse{SQL: "SELECT 1"})

	rd := wire.NewRowDescription([]wire.Column{{Name: "x", TypeOID: 23}})
	cache.SetDescription(name, rd)

	got, ok := cache.Description(name)
	if !ok || got.Type != wire.MsgRowDescription {
		t.Error("description not stored")
	}
}
