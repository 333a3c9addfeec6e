package api

import (
	"net/http"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/runner"
	"github.com/biotronics/ecosim/wmgr"
	"github.com/biotronics/ecosim/world"
	"github.com/biotronics/ecosim/worldtypes"
)

type createWorldRequest struct {
	WorldType   world.WorldType `json:"world_type"`
	Name        string          `json:"name"`
	Config      map[string]any  `json:"config,omitempty"`
	Seed        *int64          `json:"seed,omitempty"`
	Persistent  bool            `json:"persistent,omitempty"`
	Description string          `json:"description,omitempty"`
	// AllowTransfers is optional and additive, defaulting to false.
	AllowTransfers bool `json:"allow_transfers,omitempty"`
}

// worldsHandler serves the /api/worlds collection: GET (list) and POST
// (create).
func (rt *Router) worldsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.listWorlds(w, r)
	case http.MethodPost:
		rt.createWorld(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (rt *Router) listWorlds(w http.ResponseWriter, r *http.Request) {
	filter := world.WorldType(r.URL.Query().Get("world_type"))
	insts := rt.app.Worlds.List(filter)
	out := make([]world.WorldStatus, 0, len(insts))
	for _, inst := range insts {
		out = append(out, wmgr.Status(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"worlds": out, "count": len(out)})
}

func (rt *Router) createWorld(w http.ResponseWriter, r *http.Request) {
	var req createWorldRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	inst, cerr := rt.app.Worlds.Create(req.WorldType, req.Name, req.Seed, req.Persistent, req.Description)
	if cerr != nil {
		writeErr(w, r, cerr)
		return
	}
	inst.AllowTransfers = req.AllowTransfers
	if req.Config != nil {
		if err := inst.Runner.Reset(r.Context(), req.Seed, req.Config); err != nil {
			writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "apply config: %v", err))
			return
		}
	}

	info := worldtypeInfo(inst.WorldType)
	writeJSON(w, http.StatusCreated, map[string]any{
		"world_id":   inst.WorldID,
		"world_type": inst.WorldType,
		"mode_id":    info.ModeID,
		"name":       inst.Name,
		"view_mode":  info.ViewMode,
		"persistent": inst.Persistent,
		"message":    "world created",
	})
}

func worldtypeInfo(t world.WorldType) world.WorldTypeInfo {
	for _, info := range worldtypes.Types() {
		if info.WorldType == t {
			return info
		}
	}
	return world.WorldTypeInfo{WorldType: t}
}

// worldItemHandler dispatches everything under /api/worlds/: the "types"
// list and the per-id item/step/stats/entities sub-resources.
func (rt *Router) worldItemHandler(w http.ResponseWriter, r *http.Request) {
	items := pathItems(r.URL.Path, "/api/worlds/")
	if len(items) == 0 {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "missing world id"))
		return
	}
	if items[0] == "types" && len(items) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, worldtypes.Types())
		return
	}

	worldID := items[0]
	inst, ok := rt.app.Worlds.Get(worldID)
	if !ok {
		writeNotFound(w, r, cmn.ErrWorldNotFound, "world %s not found", worldID)
		return
	}

	switch {
	case len(items) == 1:
		rt.worldItem(w, r, inst)
	case len(items) == 2 && items[1] == "step":
		rt.worldStep(w, r, inst)
	case len(items) == 2 && items[1] == "stats":
		rt.worldStats(w, r, inst)
	case len(items) == 2 && items[1] == "entities":
		rt.worldEntities(w, r, inst)
	default:
		writeNotFound(w, r, cmn.ErrWorldNotFound, "unknown world sub-resource")
	}
}

func (rt *Router) worldItem(w http.ResponseWriter, r *http.Request, inst *wmgr.Instance) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, wmgr.Status(inst))
	case http.MethodDelete:
		if cerr := rt.app.Worlds.Delete(inst.WorldID); cerr != nil {
			writeErr(w, r, cerr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"world_id": inst.WorldID, "message": "world deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

type stepRequest struct {
	Actions []world.Action `json:"actions,omitempty"`
}

func (rt *Router) worldStep(w http.ResponseWriter, r *http.Request, inst *wmgr.Instance) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req stepRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if err := inst.Runner.Step(r.Context(), req.Actions); err != nil {
		writeErr(w, r, cmn.NewError(cmn.ErrDegradedRunner, "step failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"world_id": inst.WorldID, "frame_count": inst.Runner.FrameCount()})
}

// worldStats answers the read-only inspection endpoint: backend stats plus
// ecosystem counters, no mutation.
func (rt *Router) worldStats(w http.ResponseWriter, r *http.Request, inst *wmgr.Instance) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	inst.Runner.Lock()
	stats := inst.Runner.Backend().Stats()
	ecosystem := inst.Runner.Backend().Snapshot()
	inst.Runner.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"world_id":    inst.WorldID,
		"frame_count": inst.Runner.FrameCount(),
		"stats":       stats,
		"ecosystem":   ecosystem,
	})
}

// worldEntities answers the read-only entity listing endpoint, forcing a
// full-state frame through the same payload path used for a client's
// first WebSocket connect.
func (rt *Router) worldEntities(w http.ResponseWriter, r *http.Request, inst *wmgr.Instance) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	payload, err := inst.Runner.GetState(true, false)
	if err != nil {
		writeErr(w, r, cmn.NewError(cmn.ErrDegradedRunner, "get_state failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, toEntitiesResponse(inst.WorldID, payload))
}

func toEntitiesResponse(worldID world.WorldId, payload *runner.Payload) map[string]any {
	return map[string]any{
		"world_id": worldID,
		"frame":    payload.Frame,
		"entities": payload.Entities,
		"count":    len(payload.Entities),
	}
}
