package world

import "time"

// ServerStatus is the lifecycle status of a federation peer (spec §3).
type ServerStatus string

const (
	ServerOnline   ServerStatus = "online"
	ServerDegraded ServerStatus = "degraded"
	ServerOffline  ServerStatus = "offline"
)

// ServerInfo describes one federation peer, local or remote.
type ServerInfo struct {
	ServerID            ServerId     `json:"server_id"`
	Host                string       `json:"host"`
	Port                int          `json:"port"`
	Hostname            string       `json:"hostname"`
	Status              ServerStatus `json:"status"`
	Version             string       `json:"version"`
	WorldCount          int          `json:"world_count"`
	IsLocal             bool         `json:"is_local"`
	UptimeSeconds       float64      `json:"uptime_seconds"`
	LastHeartbeatMonotonic float64   `json:"last_heartbeat_monotonic"`
}

// Direction is the "flow" label a connection carries for UI purposes; it is
// opaque to the migration scheduler beyond round-tripping it.
type Direction string

const (
	DirLeft  Direction = "left"
	DirRight Direction = "right"
)

// Connection is a directed probabilistic link between two worlds, possibly
// spanning servers (spec §3).
type Connection struct {
	ConnectionID   string    `json:"connection_id"`
	SourceWorldID  WorldId   `json:"source_world_id"`
	DestWorldID    WorldId   `json:"dest_world_id"`
	Probability    int       `json:"probability"` // [0,100]
	Direction      Direction `json:"direction"`
	SourceServerID ServerId  `json:"source_server_id,omitempty"`
	DestServerID   ServerId  `json:"dest_server_id,omitempty"`
}

// DefaultConnectionID computes the canonical id for a (source,dest) pair.
func DefaultConnectionID(source, dest WorldId) string { return source + "->" + dest }

// IsRemote reports whether this connection crosses servers: both server ids
// must be set and differ (spec §3's definition exactly).
func (c *Connection) IsRemote() bool {
	return c.SourceServerID != "" && c.DestServerID != "" && c.SourceServerID != c.DestServerID
}

// TransferRecord is one append-only entry in TransferHistory (spec §3).
type TransferRecord struct {
	TransferID      string  `json:"transfer_id"`
	Timestamp       float64 `json:"timestamp"`
	EntityType      string  `json:"entity_type"`
	EntityOldID     EntityId `json:"entity_old_id"`
	EntityNewID     EntityId `json:"entity_new_id,omitempty"`
	SourceWorldID   WorldId `json:"source_world_id"`
	SourceWorldName string  `json:"source_world_name"`
	DestWorldID     string  `json:"dest_world_id"` // "<server_id>:<world_id>" for remote
	DestWorldName   string  `json:"dest_world_name"`
	Success         bool    `json:"success"`
	ErrorCode       string  `json:"error_code,omitempty"`
	Generation      int     `json:"generation,omitempty"`
	SelectionSeed   int64   `json:"selection_seed,omitempty"`
}

// EcosystemStats carries the per-world counters kept on every world
// snapshot: births, deaths, generation, and a death-cause breakdown.
// spec §3 names this set with "…"; the full field set is filled in here.
type EcosystemStats struct {
	Births      int            `json:"births"`
	Deaths      int            `json:"deaths"`
	Generation  int            `json:"generation"`
	DeathCauses map[string]int `json:"death_causes"`
}

func NewEcosystemStats() *EcosystemStats {
	return &EcosystemStats{DeathCauses: make(map[string]int)}
}

func (e *EcosystemStats) RecordDeath(cause string) {
	e.Deaths++
	if e.DeathCauses == nil {
		e.DeathCauses = make(map[string]int)
	}
	e.DeathCauses[cause]++
}

// SerializedEntity is a codec-produced portable dict: mandatory `type` and
// `schema_version`, plus codec-specific fields, at minimum id/x/y (spec §3).
type SerializedEntity map[string]any

func (s SerializedEntity) Type() string {
	v, _ := s["type"].(string)
	return v
}

func (s SerializedEntity) ID() string {
	switch v := s["id"].(type) {
	case string:
		return v
	default:
		return ""
	}
}

// WorldType tags which WorldBackend implementation and codec set a world
// uses (spec GLOSSARY).
type WorldType string

// WorldTypeInfo answers GET /api/worlds/types.
type WorldTypeInfo struct {
	ModeID               string    `json:"mode_id"`
	WorldType            WorldType `json:"world_type"`
	ViewMode             string    `json:"view_mode"`
	DisplayName          string    `json:"display_name"`
	SupportsPersistence  bool      `json:"supports_persistence"`
	SupportsActions      bool      `json:"supports_actions"`
	SupportsWebsocket    bool      `json:"supports_websocket"`
	SupportsTransfer     bool      `json:"supports_transfer"`
}

// WorldStatus is the API projection of a running world (GET /api/worlds{,/{id}}).
type WorldStatus struct {
	WorldID     WorldId   `json:"world_id"`
	WorldType   WorldType `json:"world_type"`
	ModeID      string    `json:"mode_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ViewMode    string    `json:"view_mode"`
	Persistent  bool      `json:"persistent"`
	Paused      bool      `json:"paused"`
	FastForward bool      `json:"fast_forward"`
	Running     bool      `json:"running"`
	FrameCount  int64     `json:"frame_count"`
	CreatedAt   time.Time `json:"created_at"`
}
