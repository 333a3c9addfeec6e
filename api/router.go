// Package api implements the HTTP/WS surface of spec §6: a router type
// holding an *http.ServeMux plus explicit per-method dispatch inside each
// handler, rather than net/http's pattern-matching ServeMux (Go 1.22+).
// jsoniter.ConfigCompatibleWithStandardLibrary (cmn/cos.JSON) is the wire
// codec throughout.
package api

import (
	"net/http"
	"strings"

	"github.com/biotronics/ecosim/metrics"
	"github.com/biotronics/ecosim/startup"
)

// Router is the process's one HTTP entrypoint.
type Router struct {
	app *startup.AppContext
	mux *http.ServeMux
}

func NewRouter(app *startup.AppContext) *Router {
	rt := &Router{app: app, mux: http.NewServeMux()}
	rt.routes()
	return rt
}

func (rt *Router) routes() {
	rt.mux.HandleFunc("/healthz", instrument("healthz", rt.healthzHandler))
	rt.mux.Handle("/metrics", metrics.Handler())

	rt.mux.HandleFunc("/api/worlds", instrument("worlds", rt.worldsHandler))
	rt.mux.HandleFunc("/api/worlds/", instrument("worlds_item", rt.worldItemHandler))

	rt.mux.HandleFunc("/api/connections", instrument("connections", rt.connectionsHandler))
	rt.mux.HandleFunc("/api/connections/", instrument("connections_item", rt.connectionItemHandler))

	rt.mux.HandleFunc("/api/remote-transfer", instrument("remote_transfer", rt.remoteTransferHandler))
	rt.mux.HandleFunc("/api/transfers", instrument("transfers", rt.transfersHandler))
	rt.mux.HandleFunc("/api/transfers/", instrument("transfers_item", rt.transferItemHandler))

	rt.mux.HandleFunc("/api/discovery/register", instrument("discovery_register", rt.discoveryRegisterHandler))
	rt.mux.HandleFunc("/api/discovery/heartbeat/", instrument("discovery_heartbeat", rt.discoveryHeartbeatHandler))
	rt.mux.HandleFunc("/api/discovery/servers", instrument("discovery_servers", rt.discoveryServersHandler))
	rt.mux.HandleFunc("/api/discovery/unregister/", instrument("discovery_unregister", rt.discoveryUnregisterHandler))

	rt.mux.HandleFunc("/ws", rt.wsHandler)
	rt.mux.HandleFunc("/ws/", rt.wsHandler)
}

// Handler returns the fully wrapped handler: security headers, CORS,
// rate limiting, then panic recovery around the mux.
func (rt *Router) Handler() http.Handler {
	var h http.Handler = rt.mux
	h = recoverPanic(h)
	h = rt.rateLimit(h)
	h = rt.cors(h)
	h = securityHeaders(h)
	return h
}

func (rt *Router) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  rt.app.Uptime().Seconds(),
		"version": startup.Version,
	})
}

// pathItems trims prefix off r.URL.Path and splits the remainder on "/",
// dropping empty segments.
func pathItems(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
