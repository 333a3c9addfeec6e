package worldtypes

import (
	"context"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/world"
)

const schemaVersion = 1

// genericCodec handles the common id/x/y/(energy)/(parent) shape shared by
// every stand-in entity type; only the type tag, dependency, and whether
// energy travels with the entity differ.
type genericCodec struct {
	kind       string
	dependent  bool
	hasEnergy  bool
}

func (c genericCodec) Type() string       { return c.kind }
func (c genericCodec) SchemaVersion() int { return schemaVersion }
func (c genericCodec) Dependent() bool    { return c.dependent }

func (c genericCodec) CanSerialize(e world.Entity) bool {
	g, ok := e.(*GenericEntity)
	return ok && g.Kind == c.kind
}

func (c genericCodec) Serialize(_ context.Context, e world.Entity) (world.SerializedEntity, *cmn.Error) {
	g, ok := e.(*GenericEntity)
	if !ok {
		return nil, cmn.NewError(cmn.ErrUnsupportedEntity, "%s codec cannot serialize %T", c.kind, e)
	}
	out := world.SerializedEntity{
		"type":           c.kind,
		"schema_version": schemaVersion,
		"id":             g.IDVal,
		"x":              g.Xv,
		"y":              g.Yv,
	}
	if c.hasEnergy {
		out["energy"] = g.Energy
	}
	if c.dependent {
		out["parent_id"] = g.ParentID
	}
	return out, nil
}

func (c genericCodec) Deserialize(_ context.Context, data world.SerializedEntity, dest world.Backend) (world.Entity, *cmn.Error) {
	b, ok := dest.(*Backend)
	if !ok {
		return nil, cmn.NewError(cmn.ErrInvalidPayload, "%s codec requires a worldtypes.Backend destination", c.kind)
	}
	if b.Full() {
		return nil, cmn.NewError(cmn.ErrNoRootSpots, "%s: destination at capacity", c.kind)
	}
	x, _ := data["x"].(float64)
	y, _ := data["y"].(float64)
	g := &GenericEntity{IDVal: world.NewEntityId(), Kind: c.kind, Xv: x, Yv: y}
	if c.hasEnergy {
		if e, ok := data["energy"].(float64); ok {
			g.Energy = e
		}
	}
	if c.dependent {
		if parentOldID, ok := data["parent_id"].(string); ok && parentOldID != "" {
			// parent_id as serialized refers to the id in the SOURCE world;
			// snapshot.Store.Restore rewrites it to the newly-assigned
			// destination id before its second pass, so on restore it is
			// already a destination-local id here. The migration path has
			// no parent to resolve: nectar is not in
			// DefaultMigratableTypes, so it is never itself migrated.
			g.ParentID = parentOldID
		}
	}
	b.AddEntity(g)
	return g, nil
}

// RegisterAll installs every stand-in codec into r.
func RegisterAll(r *codec.Registry) {
	r.Register(genericCodec{kind: KindFish, hasEnergy: true})
	r.Register(genericCodec{kind: KindPlant})
	r.Register(genericCodec{kind: KindNectar, dependent: true})
	r.Register(genericCodec{kind: KindMicrobe, hasEnergy: true})
	r.Register(genericCodec{kind: KindPlayer})
	r.Register(genericCodec{kind: KindBall})
}

// DefaultMigratableTypes is the scheduler's default migratable set (spec
// §4.4: "fish-like and plant-like").
func DefaultMigratableTypes() []string {
	return []string{KindFish, KindPlant, KindMicrobe}
}
