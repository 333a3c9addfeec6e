// Package wmgr implements WorldManager (spec §4.10): the thin,
// process-wide {world_id -> WorldInstance} registry. It owns every Runner
// it creates; nothing owns a Manager back, keeping the dependency graph
// acyclic per spec §9's explicit redesign note.
//
// A single RWMutex-guarded map, looked up by a stable string id, with an
// iteration method for broadcast-style fan-out.
package wmgr

import (
	"sort"
	"sync"
	"time"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/runner"
	"github.com/biotronics/ecosim/world"
	"github.com/biotronics/ecosim/worldtypes"
)

// Instance is one WorldInstance (spec §3): the metadata envelope around a
// running Runner.
type Instance struct {
	WorldID     world.WorldId
	WorldType   world.WorldType
	Name        string
	Description string
	Persistent  bool
	// AllowTransfers gates inbound migration (spec §7 transfers_disabled):
	// off by default, set at creation or carried through from a restored
	// snapshot's Metadata.AllowTransfers.
	AllowTransfers bool
	Seed           *int64
	CreatedAt      time.Time
	Runner         *runner.Runner
}

// Manager is WorldManager: Create/Restore/Get/List/Delete/Range/Count plus
// the OnDelete hook (spec §4.10).
type Manager struct {
	mu       sync.RWMutex
	worlds   map[world.WorldId]*Instance
	registry *codec.Registry
	config   *cmn.Config

	// onDelete lets StartupManager wire connection cleanup and broadcast
	// teardown without wmgr importing connstore or broadcast.
	onDelete func(world.WorldId)
}

func New(registry *codec.Registry, config *cmn.Config) *Manager {
	return &Manager{
		worlds:   make(map[world.WorldId]*Instance),
		registry: registry,
		config:   config,
	}
}

// OnDelete registers a callback invoked synchronously, while the manager's
// lock is not held, after a world is removed from the registry but before
// Delete returns. Used at startup to wire connstore.ClearForWorld and
// broadcast.Hub.Drop.
func (m *Manager) OnDelete(fn func(world.WorldId)) { m.onDelete = fn }

// Create allocates a new world, starts its Runner, and registers it.
func (m *Manager) Create(worldType world.WorldType, name string, seed *int64, persistent bool, description string) (*Instance, *cmn.Error) {
	return m.newInstance(world.NewWorldId(), worldType, name, description, seed, persistent)
}

// Restore re-creates a world under its original, already-known world_id —
// used by StartupManager to rehydrate a persisted world (spec §4.9 step 1),
// where the id must match the snapshot directory it was saved under rather
// than being freshly allocated.
func (m *Manager) Restore(id world.WorldId, worldType world.WorldType, name, description string, seed *int64, persistent bool) (*Instance, *cmn.Error) {
	return m.newInstance(id, worldType, name, description, seed, persistent)
}

func (m *Manager) newInstance(id world.WorldId, worldType world.WorldType, name, description string, seed *int64, persistent bool) (*Instance, *cmn.Error) {
	backend, ok := worldtypes.New(worldType)
	if !ok {
		return nil, cmn.NewError(cmn.ErrUnknownType, "unknown world_type %q (known: %v)", worldType, worldtypes.KnownTypes()).
			WithContext("known_types", worldtypes.KnownTypes())
	}

	info := worldtypeInfo(worldType)
	r := runner.New(id, worldType, info.ModeID, info.ViewMode, backend, m.registry, m.config)

	inst := &Instance{
		WorldID:     id,
		WorldType:   worldType,
		Name:        name,
		Description: description,
		Persistent:  persistent,
		Seed:        seed,
		CreatedAt:   time.Now(),
		Runner:      r,
	}

	m.mu.Lock()
	m.worlds[id] = inst
	m.mu.Unlock()

	r.Start(false)
	return inst, nil
}

func worldtypeInfo(t world.WorldType) world.WorldTypeInfo {
	for _, info := range worldtypes.Types() {
		if info.WorldType == t {
			return info
		}
	}
	return world.WorldTypeInfo{WorldType: t}
}

// Get looks up one world by id.
func (m *Manager) Get(id world.WorldId) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.worlds[id]
	return inst, ok
}

// List returns every world, optionally filtered by world_type, sorted by
// world_id for deterministic API responses.
func (m *Manager) List(worldTypeFilter world.WorldType) []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.worlds))
	for _, inst := range m.worlds {
		if worldTypeFilter != "" && inst.WorldType != worldTypeFilter {
			continue
		}
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorldID < out[j].WorldID })
	return out
}

// Delete stops and removes a world. Deleting the last world is permitted
// (spec §4.10).
func (m *Manager) Delete(id world.WorldId) *cmn.Error {
	m.mu.Lock()
	inst, ok := m.worlds[id]
	if !ok {
		m.mu.Unlock()
		return cmn.NewError(cmn.ErrWorldNotFound, "world %s not found", id)
	}
	delete(m.worlds, id)
	m.mu.Unlock()

	inst.Runner.Stop()
	if m.onDelete != nil {
		m.onDelete(id)
	}
	return nil
}

// Range iterates every world in an unspecified order. Callers must not
// call Create/Delete from within fn.
func (m *Manager) Range(fn func(*Instance)) {
	m.mu.RLock()
	snapshot := make([]*Instance, 0, len(m.worlds))
	for _, inst := range m.worlds {
		snapshot = append(snapshot, inst)
	}
	m.mu.RUnlock()
	for _, inst := range snapshot {
		fn(inst)
	}
}

// Count returns the number of registered worlds.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.worlds)
}

// Status projects an Instance into the API's WorldStatus shape.
func Status(inst *Instance) world.WorldStatus {
	return world.WorldStatus{
		WorldID:     inst.WorldID,
		WorldType:   inst.WorldType,
		ModeID:      worldtypeInfo(inst.WorldType).ModeID,
		Name:        inst.Name,
		Description: inst.Description,
		ViewMode:    inst.Runner.ViewMode(),
		Persistent:  inst.Persistent,
		Paused:      inst.Runner.Paused(),
		FastForward: inst.Runner.FastForward(),
		Running:     inst.Runner.Running(),
		FrameCount:  inst.Runner.FrameCount(),
		CreatedAt:   inst.CreatedAt,
	}
}
