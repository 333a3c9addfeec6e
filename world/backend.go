package world

import "context"

// Entity is the minimal contract a simulated object must satisfy to be
// addressable by id and considered for migration (spec §2 row 1, §3). The
// rest of an entity's state is opaque to the core — behavior, genomes, and
// physics live entirely in the WorldBackend implementation (spec §1 scope).
type Entity interface {
	ID() EntityId
	X() float64
	Y() float64
	// SnapshotType is the codec registry key this entity serializes under
	// (e.g. "fish", "plant", "nectar"); the migration scheduler's
	// migratable set is expressed in terms of this tag.
	SnapshotType() string
}

// Action is an opaque externally-supplied per-tick input, forwarded to
// WorldBackend.Step verbatim; the core never interprets its contents.
type Action map[string]any

// Backend is the opaque simulation engine contract of spec §2 row 1: reset,
// step, entities_list, stats, snapshot. A WorldRunner owns exactly one
// Backend and serializes all access to it behind its tick-loop lock.
type Backend interface {
	// Reset reinitializes the world, optionally from a seed, discarding all
	// entities and ecosystem counters.
	Reset(ctx context.Context, seed *int64, config map[string]any) error

	// Step advances the simulation by exactly one frame, applying actions.
	Step(ctx context.Context, actions []Action) error

	// EntitiesList returns every live entity, in no particular order.
	EntitiesList() []Entity

	// Stats returns backend-specific statistics (leaderboards, poker
	// events, etc.) included verbatim in full payloads.
	Stats() map[string]any

	// Snapshot returns the ecosystem-level counters for persistence.
	Snapshot() *EcosystemStats

	// FrameCount is the backend's own authoritative tick counter.
	FrameCount() int64

	// RemoveEntity deletes one entity by id, used by the migration
	// scheduler to commit a source-side removal.
	RemoveEntity(id EntityId) bool

	// HasEntity reports whether id is currently present, used for the
	// no-loss/no-duplication post-conditions around migration.
	HasEntity(id EntityId) bool
}

// EnergyAware is an optional capability: entity types that carry an energy
// budget implement it so the migration scheduler can maintain the §8
// "energy conservation across transfer" invariant.
type EnergyAware interface {
	RecordEnergyBurn(reason string, amount float64)
	RecordEnergyGain(reason string, amount float64)
}
