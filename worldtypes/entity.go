// Package worldtypes holds minimal, in-repo stand-ins for the opaque
// WorldBackend implementations spec §1 places out of scope (tank/petri/
// soccer genomes, physics, and minigame rules). They exist solely so the
// core — WorldRunner, the codec registry, SnapshotStore, and
// MigrationScheduler — has something real to drive end to end in tests.
package worldtypes

import (
	"sync"

	"github.com/biotronics/ecosim/world"
)

// GenericEntity is the common shape behind every stand-in world type: an id,
// a type tag, a position, and (for energy-carrying types) an energy budget.
// Dependent entities (nectar) additionally carry a ParentID resolved against
// the ids assigned during SnapshotStore's first restore pass.
type GenericEntity struct {
	mu       sync.Mutex
	IDVal    world.EntityId
	Kind     string
	Xv, Yv   float64
	Energy   float64
	ParentID world.EntityId

	lastBurnReason string
	lastBurnAmount float64
	lastGainReason string
	lastGainAmount float64
}

var _ world.Entity = (*GenericEntity)(nil)
var _ world.EnergyAware = (*GenericEntity)(nil)

func (e *GenericEntity) ID() world.EntityId   { return e.IDVal }
func (e *GenericEntity) X() float64           { return e.Xv }
func (e *GenericEntity) Y() float64           { return e.Yv }
func (e *GenericEntity) SnapshotType() string { return e.Kind }

func (e *GenericEntity) RecordEnergyBurn(reason string, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Energy -= amount
	e.lastBurnReason, e.lastBurnAmount = reason, amount
}

func (e *GenericEntity) RecordEnergyGain(reason string, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Energy += amount
	e.lastGainReason, e.lastGainAmount = reason, amount
}

func (e *GenericEntity) LastEnergyEvent() (burnReason string, burnAmt float64, gainReason string, gainAmt float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBurnReason, e.lastBurnAmount, e.lastGainReason, e.lastGainAmount
}

const (
	KindFish   = "fish"
	KindPlant  = "plant"
	KindNectar = "nectar"
	KindMicrobe = "microbe"
	KindPlayer = "player"
	KindBall   = "ball"
)
