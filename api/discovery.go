package api

import (
	"net/http"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/discovery"
	"github.com/biotronics/ecosim/world"
)

// requireDiscoveryKey enforces the optional shared-secret header (spec §6:
// peer-facing discovery endpoints accept an X-Discovery-Key when
// cfg.DiscoveryAPIKey is configured). A blank configured key means the
// check is disabled entirely, matching peer.Client's own dial-side
// behavior for the same setting.
func (rt *Router) requireDiscoveryKey(w http.ResponseWriter, r *http.Request) bool {
	want := rt.app.Config.DiscoveryAPIKey
	if want == "" {
		return true
	}
	if r.Header.Get("X-Discovery-Key") != want {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_discovery_key"})
		return false
	}
	return true
}

// discoveryRegisterHandler serves POST /api/discovery/register.
func (rt *Router) discoveryRegisterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !rt.requireDiscoveryKey(w, r) {
		return
	}
	var info world.ServerInfo
	if !decodeJSON(w, r, &info) {
		return
	}
	if info.ServerID == "" || info.Host == "" {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "server_id and host are required"))
		return
	}
	if discovery.IsPrivateHost(info.Host) && !rt.app.Config.AllowPrivateServerRegistration {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "host %s resolves to a private address", info.Host))
		return
	}
	info.IsLocal = false
	rt.app.Discovery.Register(info)
	writeJSON(w, http.StatusCreated, map[string]any{"message": "registered", "server_id": info.ServerID})
}

// discoveryHeartbeatHandler serves POST /api/discovery/heartbeat/{server_id}.
func (rt *Router) discoveryHeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	items := pathItems(r.URL.Path, "/api/discovery/heartbeat/")
	if len(items) != 1 {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "missing server id"))
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !rt.requireDiscoveryKey(w, r) {
		return
	}
	serverID := world.ServerId(items[0])
	var info *world.ServerInfo
	if r.ContentLength != 0 {
		var body world.ServerInfo
		if !decodeJSON(w, r, &body) {
			return
		}
		info = &body
	}
	if !rt.app.Discovery.Heartbeat(serverID, info) {
		writeNotFound(w, r, cmn.ErrUnknownServer, "server %s not registered", serverID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "heartbeat accepted", "server_id": serverID})
}

// discoveryServersHandler serves GET /api/discovery/servers, accepting
// ?status= and ?include_local= filters (spec §6).
func (rt *Router) discoveryServersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	status := world.ServerStatus(q.Get("status"))
	includeLocal := true
	if v := q.Get("include_local"); v == "false" || v == "0" {
		includeLocal = false
	}
	servers := rt.app.Discovery.List(status, includeLocal)
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers, "count": len(servers)})
}

// discoveryUnregisterHandler serves DELETE /api/discovery/unregister/{server_id}.
func (rt *Router) discoveryUnregisterHandler(w http.ResponseWriter, r *http.Request) {
	items := pathItems(r.URL.Path, "/api/discovery/unregister/")
	if len(items) != 1 {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "missing server id"))
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !rt.requireDiscoveryKey(w, r) {
		return
	}
	serverID := world.ServerId(items[0])
	if !rt.app.Discovery.Unregister(serverID) {
		writeNotFound(w, r, cmn.ErrUnknownServer, "server %s not registered", serverID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "unregistered", "server_id": serverID})
}
