package worldtypes

import (
	"math/rand"

	"github.com/biotronics/ecosim/world"
)

const (
	TypeTank   world.WorldType = "tank"
	TypePetri  world.WorldType = "petri"
	TypeSoccer world.WorldType = "soccer"
)

// NewTank seeds a tank with a handful of fish, plants, and nectar dependents
// (each nectar referencing a plant parent) — the exact entity mix spec
// §4.2's restore two-pass exists to handle.
func NewTank() *Backend {
	return newBackend(TypeTank, 100, func(rng *rand.Rand) []*GenericEntity {
		var out []*GenericEntity
		var plants []*GenericEntity
		for i := 0; i < 5; i++ {
			p := &GenericEntity{IDVal: world.NewEntityId(), Kind: KindPlant, Xv: rng.Float64() * 100, Yv: rng.Float64() * 100}
			plants = append(plants, p)
			out = append(out, p)
		}
		for i := 0; i < 10; i++ {
			out = append(out, &GenericEntity{IDVal: world.NewEntityId(), Kind: KindFish, Xv: rng.Float64() * 100, Yv: rng.Float64() * 100, Energy: 50})
		}
		for _, p := range plants {
			out = append(out, &GenericEntity{IDVal: world.NewEntityId(), Kind: KindNectar, Xv: p.Xv, Yv: p.Yv, ParentID: p.IDVal})
		}
		return out
	})
}

func NewPetri() *Backend {
	return newBackend(TypePetri, 50, func(rng *rand.Rand) []*GenericEntity {
		var out []*GenericEntity
		for i := 0; i < 20; i++ {
			out = append(out, &GenericEntity{IDVal: world.NewEntityId(), Kind: KindMicrobe, Xv: rng.Float64() * 50, Yv: rng.Float64() * 50, Energy: 10})
		}
		return out
	})
}

func NewSoccer() *Backend {
	return newBackend(TypeSoccer, 60, func(rng *rand.Rand) []*GenericEntity {
		out := []*GenericEntity{
			{IDVal: world.NewEntityId(), Kind: KindBall, Xv: 30, Yv: 20},
		}
		for i := 0; i < 6; i++ {
			out = append(out, &GenericEntity{IDVal: world.NewEntityId(), Kind: KindPlayer, Xv: rng.Float64() * 60, Yv: rng.Float64() * 40})
		}
		return out
	})
}

// Types lists the world types the process knows how to create (GET /api/worlds/types).
func Types() []world.WorldTypeInfo {
	return []world.WorldTypeInfo{
		{ModeID: "tank", WorldType: TypeTank, ViewMode: "2d", DisplayName: "Tank", SupportsPersistence: true, SupportsActions: false, SupportsWebsocket: true, SupportsTransfer: true},
		{ModeID: "petri", WorldType: TypePetri, ViewMode: "2d", DisplayName: "Petri Dish", SupportsPersistence: true, SupportsActions: false, SupportsWebsocket: true, SupportsTransfer: true},
		{ModeID: "soccer", WorldType: TypeSoccer, ViewMode: "2d", DisplayName: "Soccer", SupportsPersistence: true, SupportsActions: true, SupportsWebsocket: true, SupportsTransfer: false},
	}
}

// New constructs a Backend for a known world type, or reports unknown_type.
func New(kind world.WorldType) (*Backend, bool) {
	switch kind {
	case TypeTank:
		return NewTank(), true
	case TypePetri:
		return NewPetri(), true
	case TypeSoccer:
		return NewSoccer(), true
	default:
		return nil, false
	}
}

// KnownTypes returns the list of world_type strings New accepts, for the
// "unknown_type" error's "list of known types" (spec §4.10).
func KnownTypes() []string {
	return []string{string(TypeTank), string(TypePetri), string(TypeSoccer)}
}
