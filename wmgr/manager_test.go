package wmgr

import (
	"testing"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/world"
	"github.com/biotronics/ecosim/worldtypes"
)

func newTestManager() *Manager {
	reg := codec.NewRegistry()
	worldtypes.RegisterAll(reg)
	return New(reg, cmn.GCO.Get())
}

func TestCreateGetDelete(t *testing.T) {
	m := newTestManager()

	inst, err := m.Create(worldtypes.TypeTank, "tank-1", nil, true, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer inst.Runner.Stop()

	got, ok := m.Get(inst.WorldID)
	if !ok || got.WorldID != inst.WorldID {
		t.Fatalf("Get did not return the created world")
	}
	if !got.Runner.Running() {
		t.Fatal("expected runner to be started by Create")
	}

	if err := m.Delete(inst.WorldID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := m.Get(inst.WorldID); ok {
		t.Fatal("world still present after Delete")
	}
	if got.Runner.Running() {
		t.Fatal("expected runner stopped after Delete")
	}
}

func TestCreateUnknownTypeReturnsKnownTypes(t *testing.T) {
	m := newTestManager()
	_, err := m.Create(world.WorldType("dungeon"), "x", nil, false, "")
	if err == nil || err.Code != cmn.ErrUnknownType {
		t.Fatalf("expected unknown_type, got %v", err)
	}
	known, _ := err.Context["known_types"].([]string)
	if len(known) == 0 {
		t.Fatal("expected known_types in error context")
	}
}

func TestDeleteLastWorldIsPermitted(t *testing.T) {
	m := newTestManager()
	inst, err := m.Create(worldtypes.TypePetri, "only", nil, false, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(inst.WorldID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("Count = %d, want 0", m.Count())
	}
}

func TestListFiltersByWorldType(t *testing.T) {
	m := newTestManager()
	tank, _ := m.Create(worldtypes.TypeTank, "t", nil, false, "")
	petri, _ := m.Create(worldtypes.TypePetri, "p", nil, false, "")
	defer tank.Runner.Stop()
	defer petri.Runner.Stop()

	tanks := m.List(worldtypes.TypeTank)
	if len(tanks) != 1 || tanks[0].WorldID != tank.WorldID {
		t.Fatalf("List(tank) = %+v, want just the tank", tanks)
	}
	all := m.List("")
	if len(all) != 2 {
		t.Fatalf("List(\"\") = %d, want 2", len(all))
	}
}

func TestDeleteUnknownWorld(t *testing.T) {
	m := newTestManager()
	if err := m.Delete("missing"); err == nil || err.Code != cmn.ErrWorldNotFound {
		t.Fatalf("expected world_not_found, got %v", err)
	}
}

func TestOnDeleteCallback(t *testing.T) {
	m := newTestManager()
	var deleted world.WorldId
	m.OnDelete(func(id world.WorldId) { deleted = id })

	inst, _ := m.Create(worldtypes.TypeSoccer, "s", nil, false, "")
	if err := m.Delete(inst.WorldID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted != inst.WorldID {
		t.Fatalf("onDelete called with %q, want %q", deleted, inst.WorldID)
	}
}
