package runner

import "github.com/biotronics/ecosim/world"

// Payload is the wire shape a WorldRunner hands to BroadcastHub and to
// GET-state HTTP callers. Field presence differs between full and delta
// frames per spec §4.1.
type Payload struct {
	Type      string                          `json:"type"` // "full" | "delta"
	Frame     int64                           `json:"frame"`
	ModeID    string                          `json:"mode_id,omitempty"`
	WorldType world.WorldType                 `json:"world_type,omitempty"`
	ViewMode  string                          `json:"view_mode,omitempty"`

	// full-frame fields
	Entities []world.SerializedEntity `json:"entities,omitempty"`
	Stats    map[string]any           `json:"stats,omitempty"`
	Events   []any                    `json:"events,omitempty"`

	// delta-frame fields
	Updates map[world.EntityId]DeltaFields `json:"updates,omitempty"`
	Added   []world.SerializedEntity       `json:"added,omitempty"`
	Removed []world.EntityId                `json:"removed,omitempty"`
}

// DeltaFields is the fast-changing subset of an entity's attributes carried
// in a delta frame's "updates" map (spec §4.1: "fast-changing fields").
type DeltaFields struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
