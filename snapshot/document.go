// Package snapshot implements SnapshotStore (spec §4.2): per-world
// directories of versioned, atomically-written JSON snapshots, with
// crash-safe restore back into a live Backend.
//
// Writes go through cmn/cos.WriteAtomic: serialize, write to a sibling
// temp file, fsync, rename, so a crash mid-write never leaves a torn
// snapshot on disk.
package snapshot

import (
	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/world"
)

const SchemaVersion = 1

// Local error codes for SnapshotStore.Load's two distinguishable failure
// modes (spec §4.2 invariant: "a missing snapshot is distinct from a
// corrupt snapshot"). These are internal to this process — never crossed
// over the wire — so they live alongside, not inside, cmn's §7 taxonomy.
const (
	ErrCodeMissing cmn.ErrCode = "snapshot_missing"
	ErrCodeCorrupt cmn.ErrCode = "snapshot_corrupt"
)

// Metadata is the free-form world configuration carried in every snapshot
// (spec §3's WorldSnapshot.metadata).
type Metadata struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Seed            *int64          `json:"seed,omitempty"`
	WorldType       world.WorldType `json:"world_type"`
	Persistent      bool            `json:"persistent"`
	AllowTransfers  bool            `json:"allow_transfers"`
}

// Document is the on-disk WorldSnapshot (spec §3): immutable once written.
type Document struct {
	SchemaVersion int                      `json:"schema_version"`
	WorldID       world.WorldId            `json:"world_id"`
	SavedAt       int64                    `json:"saved_at"` // unix seconds, stamped by Store.Save
	Frame         int64                    `json:"frame"`
	Metadata      Metadata                 `json:"metadata"`
	Entities      []world.SerializedEntity `json:"entities"`
	Ecosystem     *world.EcosystemStats    `json:"ecosystem"`
	Paused        bool                     `json:"paused"`
	Checksum      uint64                   `json:"checksum"`
}

// Header is the cheap subset of a Document read by List (spec §4.2:
// "reads headers only").
type Header struct {
	SchemaVersion int           `json:"schema_version"`
	WorldID       world.WorldId `json:"world_id"`
	SavedAt       int64         `json:"saved_at"`
	Frame         int64         `json:"frame"`
	Metadata      Metadata      `json:"metadata"`
	Path          string        `json:"path"`
}
