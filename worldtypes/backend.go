package worldtypes

import (
	"context"
	"math/rand"
	"sync"

	"github.com/biotronics/ecosim/world"
)

// Backend is the shared stand-in simulation engine behind every registered
// world type. Real genome/physics logic is explicitly out of scope (spec
// §1); Step here performs a random walk drawn from the seeded generator so
// the tick loop, delta pipeline, and migration scheduler have real entity
// movement to exercise. Entities are visited in map iteration order, so
// positions after a Step are not reproducible from the seed alone.
type Backend struct {
	mu sync.Mutex

	kind     world.WorldType
	rng      *rand.Rand
	frame    int64
	entities map[world.EntityId]*GenericEntity
	stats    *world.EcosystemStats

	// spawner produces the initial entity population on Reset; it is
	// supplied by the world-type constructor (tank/petri/soccer differ
	// only in spawn mix and bounds).
	spawn func(rng *rand.Rand) []*GenericEntity
	bound float64
}

func newBackend(kind world.WorldType, bound float64, spawn func(*rand.Rand) []*GenericEntity) *Backend {
	b := &Backend{kind: kind, spawn: spawn, bound: bound, stats: world.NewEcosystemStats()}
	b.Reset(context.Background(), nil, nil)
	return b
}

func (b *Backend) Reset(_ context.Context, seed *int64, _ map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var s int64 = 1
	if seed != nil {
		s = *seed
	}
	b.rng = rand.New(rand.NewSource(s))
	b.frame = 0
	b.entities = make(map[world.EntityId]*GenericEntity)
	b.stats = world.NewEcosystemStats()
	for _, e := range b.spawn(b.rng) {
		b.entities[e.IDVal] = e
	}
	return nil
}

func (b *Backend) Step(_ context.Context, _ []world.Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entities {
		e.Xv += b.rng.Float64()*2 - 1
		e.Yv += b.rng.Float64()*2 - 1
		if e.Xv < 0 {
			e.Xv = 0
		}
		if e.Yv < 0 {
			e.Yv = 0
		}
		if e.Xv > b.bound {
			e.Xv = b.bound
		}
		if e.Yv > b.bound {
			e.Yv = b.bound
		}
	}
	b.frame++
	return nil
}

func (b *Backend) EntitiesList() []world.Entity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]world.Entity, 0, len(b.entities))
	for _, e := range b.entities {
		out = append(out, e)
	}
	return out
}

func (b *Backend) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"population": len(b.entities),
		"world_type": string(b.kind),
	}
}

func (b *Backend) Snapshot() *world.EcosystemStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *b.stats
	dc := make(map[string]int, len(b.stats.DeathCauses))
	for k, v := range b.stats.DeathCauses {
		dc[k] = v
	}
	cp.DeathCauses = dc
	return &cp
}

func (b *Backend) FrameCount() int64 { return b.frame }

func (b *Backend) RemoveEntity(id world.EntityId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entities[id]; !ok {
		return false
	}
	delete(b.entities, id)
	return true
}

func (b *Backend) HasEntity(id world.EntityId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entities[id]
	return ok
}

// AddEntity inserts e directly, used by codecs when deserializing (including
// migration arrivals and snapshot restore).
func (b *Backend) AddEntity(e *GenericEntity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities[e.IDVal] = e
}

// ClearEntities empties the entity set, used by SnapshotStore.restore before
// the two-pass deserialization begins.
func (b *Backend) ClearEntities() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities = make(map[world.EntityId]*GenericEntity)
}

// RestoreEcosystem overwrites the counters, used by SnapshotStore.restore.
func (b *Backend) RestoreEcosystem(s *world.EcosystemStats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == nil {
		b.stats = world.NewEcosystemStats()
		return
	}
	b.stats = s
}

// EntityByID is a helper for codecs resolving dependent parents.
func (b *Backend) EntityByID(id world.EntityId) (*GenericEntity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[id]
	return e, ok
}

// Full reports whether the backend should refuse new arrivals — a simple
// population cap, used to exercise the no_root_spots back-pressure path.
func (b *Backend) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entities) >= maxPopulation
}

const maxPopulation = 500
