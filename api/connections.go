package api

import (
	"net/http"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/world"
)

// connectionsHandler serves /api/connections: GET (list, optional
// ?world_id= filter) and POST (create or update).
func (rt *Router) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.listConnections(w, r)
	case http.MethodPost:
		rt.upsertConnection(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (rt *Router) listConnections(w http.ResponseWriter, r *http.Request) {
	all := rt.app.Connections.All()
	worldID := world.WorldId(r.URL.Query().Get("world_id"))
	if worldID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"connections": all, "count": len(all)})
		return
	}
	out := make([]world.Connection, 0, len(all))
	for _, c := range all {
		if c.SourceWorldID == worldID || c.DestWorldID == worldID {
			out = append(out, c)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out, "count": len(out)})
}

func (rt *Router) upsertConnection(w http.ResponseWriter, r *http.Request) {
	var conn world.Connection
	if !decodeJSON(w, r, &conn) {
		return
	}
	if conn.SourceWorldID == "" || conn.DestWorldID == "" {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "source_world_id and dest_world_id are required"))
		return
	}
	if conn.Probability < 0 || conn.Probability > 100 {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "probability must be in [0,100]"))
		return
	}
	if conn.Direction != world.DirLeft && conn.Direction != world.DirRight {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "direction must be %q or %q", world.DirLeft, world.DirRight))
		return
	}
	if conn.ConnectionID == "" {
		conn.ConnectionID = world.DefaultConnectionID(conn.SourceWorldID, conn.DestWorldID)
	}

	// A claimed-local endpoint (no server id, or this server's id) must
	// name a world we actually have (spec §6).
	if !rt.localEndpointKnown(conn.SourceWorldID, conn.SourceServerID) {
		writeNotFound(w, r, cmn.ErrWorldNotFound, "source world %s not found locally", conn.SourceWorldID)
		return
	}
	if !rt.localEndpointKnown(conn.DestWorldID, conn.DestServerID) {
		writeNotFound(w, r, cmn.ErrWorldNotFound, "dest world %s not found locally", conn.DestWorldID)
		return
	}

	existed := rt.connectionExists(conn.ConnectionID)
	if err := rt.app.Connections.Add(conn); err != nil {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "add connection: %v", err))
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, conn)
}

func (rt *Router) connectionExists(id string) bool {
	for _, c := range rt.app.Connections.All() {
		if c.ConnectionID == id {
			return true
		}
	}
	return false
}

// localEndpointKnown reports whether a connection endpoint that claims to
// be local (empty server id, or this server's id) names a world this
// process actually runs. A genuinely remote endpoint is never checked
// here, and ConnectionStore.Validate never prunes it either: this server
// cannot say whether a world exists on another server (spec §4.3).
func (rt *Router) localEndpointKnown(worldID world.WorldId, serverID world.ServerId) bool {
	if serverID != "" && serverID != world.ServerId(rt.app.Config.ServerID) {
		return true
	}
	_, ok := rt.app.Worlds.Get(worldID)
	return ok
}

// connectionItemHandler serves /api/connections/{id}: DELETE.
func (rt *Router) connectionItemHandler(w http.ResponseWriter, r *http.Request) {
	items := pathItems(r.URL.Path, "/api/connections/")
	if len(items) != 1 {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "missing connection id"))
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !rt.app.Connections.Remove(items[0]) {
		writeNotFound(w, r, cmn.ErrConnectionNotFound, "connection %s not found", items[0])
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": items[0], "message": "connection deleted"})
}
