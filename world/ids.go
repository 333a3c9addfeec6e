// Package world holds the data model of spec §3: identifiers, the
// ServerInfo/Connection/TransferRecord records (WorldInstance lives in
// wmgr as wmgr.Instance), and the WorldBackend contract that opaque
// simulation engines satisfy.
package world

import (
	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

// WorldId, ServerId, EntityId are opaque stable string identifiers. WorldId
// and ServerId are generated as UUIDs (google/uuid, promoted here from the
// teacher's indirect dependency); EntityId uses shortid for the shorter
// slugs spec §3 calls out as the alternative ("UUIDs or short slugs") —
// migration specifically allocates a *fresh* EntityId at the destination,
// so a compact id keeps serialized entities small on the wire.
type (
	WorldId  = string
	ServerId = string
	EntityId = string
)

func NewWorldId() WorldId   { return uuid.NewString() }
func NewServerId() ServerId { return uuid.NewString() }
func NewTransferId() string { return uuid.NewString() }

// NewEntityId allocates a fresh id for an entity arriving via migration.
// shortid degrades to a uuid if its global generator hasn't been seeded
// (it self-seeds from the current time on first use), so this never fails.
func NewEntityId() EntityId {
	id, err := shortid.Generate()
	if err != nil {
		return uuid.NewString()
	}
	return id
}
