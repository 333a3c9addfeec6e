// Package codec is the TransferCodec registry of spec §2 row 2: the only
// mechanism by which an entity crosses a world or server boundary. Each
// entity type registers a Codec under a stable string tag; the registry
// dispatches by that tag and never panics across the boundary — every
// outcome is a tagged *cmn.Error (spec §7's "typed outcomes" redesign item).
// A factory/registry split keeps the registry itself ignorant of any
// concrete entity type, so new world types register their own codec
// without touching this package.
package codec

import (
	"context"
	"fmt"
	"sync"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/world"
)

// Codec serializes/deserializes one entity type tag.
type Codec interface {
	// Type is the stable registry key, also stored as SerializedEntity["type"].
	Type() string
	// SchemaVersion is embedded in every SerializedEntity this codec
	// produces, so SnapshotStore.load can detect stale documents.
	SchemaVersion() int
	// CanSerialize reports whether e is an instance this codec handles.
	CanSerialize(e world.Entity) bool
	// Serialize converts e to a portable dict. Codec-level failures are
	// returned as a tagged *cmn.Error, never a panic.
	Serialize(ctx context.Context, e world.Entity) (world.SerializedEntity, *cmn.Error)
	// Deserialize reconstructs an entity inside dest from data. A
	// destination that cannot host the entity returns the cmn.ErrNoRootSpots
	// tagged error; the scheduler treats that one code as a silent outcome.
	Deserialize(ctx context.Context, data world.SerializedEntity, dest world.Backend) (world.Entity, *cmn.Error)
	// Dependent reports whether this entity type must be restored in a
	// second pass because it references a parent entity's id (spec §4.2's
	// "nectar"-style dependents).
	Dependent() bool
}

// interface guard
var _ fmt.Stringer = (*Registry)(nil)

// Registry is the process-wide keyed collection of codecs.
type Registry struct {
	mu   sync.RWMutex
	byType map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Codec, 8)}
}

func (r *Registry) String() string { return "codec.Registry" }

func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[c.Type()] = c
}

func (r *Registry) Get(typeTag string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byType[typeTag]
	return c, ok
}

// Types returns every registered type tag, for diagnostics.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// CodecFor finds the codec whose CanSerialize accepts e, trying the
// entity's own SnapshotType() tag first (the fast path every well-behaved
// entity takes) and only falling back to a linear scan for oddly-tagged
// entities.
func (r *Registry) CodecFor(e world.Entity) (Codec, bool) {
	if c, ok := r.Get(e.SnapshotType()); ok && c.CanSerialize(e) {
		return c, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byType {
		if c.CanSerialize(e) {
			return c, true
		}
	}
	return nil, false
}

// TrySerialize is try_serialize_entity_for_transfer (spec §3): always
// returns a tagged error instead of raising, and on success the round-trip
// SerializedEntity is guaranteed to carry `type` and `schema_version`.
func (r *Registry) TrySerialize(ctx context.Context, e world.Entity) (world.SerializedEntity, *cmn.Error) {
	c, ok := r.CodecFor(e)
	if !ok {
		return nil, cmn.NewError(cmn.ErrUnsupportedEntity, "no codec for entity %s (snapshot_type=%s)", e.ID(), e.SnapshotType())
	}
	data, err := c.Serialize(ctx, e)
	if err != nil {
		return nil, err
	}
	if data["type"] == nil {
		data["type"] = c.Type()
	}
	if data["schema_version"] == nil {
		data["schema_version"] = c.SchemaVersion()
	}
	return data, nil
}

// TryDeserialize dispatches by data["type"]. A destination that lacks room
// returns cmn.ErrNoRootSpots; callers (migration.Scheduler) must treat that
// single code as a silent back-pressure signal, never as a logged failure.
func (r *Registry) TryDeserialize(ctx context.Context, data world.SerializedEntity, dest world.Backend) (world.Entity, *cmn.Error) {
	typeTag := data.Type()
	if typeTag == "" {
		return nil, cmn.NewError(cmn.ErrInvalidPayload, "serialized entity missing `type`")
	}
	c, ok := r.Get(typeTag)
	if !ok {
		return nil, cmn.NewError(cmn.ErrUnknownType, "no codec registered for type %q", typeTag)
	}
	return c.Deserialize(ctx, data, dest)
}

// IsDependent reports whether the codec for data's type tag is a
// second-pass dependent type (spec §4.2 restore ordering). Unknown types
// are treated as non-dependent so restore doesn't stall on them.
func (r *Registry) IsDependent(data world.SerializedEntity) bool {
	c, ok := r.Get(data.Type())
	return ok && c.Dependent()
}
