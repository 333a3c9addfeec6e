package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/biotronics/ecosim/broadcast"
	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/cmn/cos"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/metrics"
	"github.com/biotronics/ecosim/runner"
	"github.com/biotronics/ecosim/world"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement is handled by the CORS middleware for the /api/
	// surface; the socket itself accepts any origin the process is bound
	// to reach.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ipConnCounter enforces MaxWSConnectionsPerIP (spec §6).
type ipConnCounter struct {
	mu    sync.Mutex
	count map[string]int
}

func newIPConnCounter() *ipConnCounter { return &ipConnCounter{count: make(map[string]int)} }

func (c *ipConnCounter) acquire(ip string, limit int) bool {
	if limit <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count[ip] >= limit {
		return false
	}
	c.count[ip]++
	return true
}

func (c *ipConnCounter) release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count[ip] > 0 {
		c.count[ip]--
	}
}

var wsConnCounter = newIPConnCounter()

type wsCommand struct {
	Command string         `json:"command"`
	Data    map[string]any `json:"data,omitempty"`
}

// wsHandler upgrades /ws and /ws/{world_id} (the former resolving to the
// default world, spec §3's single-world-at-bootstrap UX), subscribes the
// connection to the BroadcastHub, and services inbound commands until the
// socket closes.
func (rt *Router) wsHandler(w http.ResponseWriter, r *http.Request) {
	worldID := rt.app.DefaultWorldID()
	if items := pathItems(r.URL.Path, "/ws/"); len(items) == 1 {
		worldID = world.WorldId(items[0])
	}
	inst, ok := rt.app.Worlds.Get(worldID)
	if !ok {
		writeNotFound(w, r, cmn.ErrWorldNotFound, "world %s not found", worldID)
		return
	}

	ip := clientIP(r)
	if !wsConnCounter.acquire(ip, rt.app.Config.MaxWSConnectionsPerIP) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too_many_connections"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsConnCounter.release(ip)
		nlog.Errorf("api: ws upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	metrics.WSConnectionOpened()
	defer func() {
		wsConnCounter.release(ip)
		metrics.WSConnectionClosed()
		conn.Close()
	}()

	clientID := world.NewTransferId()
	sub := broadcast.NewWSSubscriber(conn)
	if serr := rt.app.Broadcast.Subscribe(worldID, inst.Runner, clientID, sub); serr != nil {
		nlog.Warnf("api: ws subscribe %s to %s: %v", clientID, worldID, serr)
		return
	}
	defer rt.app.Broadcast.Unsubscribe(worldID, clientID)

	wsReadLoop(conn, sub, inst.Runner, clientID)
}

// wsReadLoop blocks reading client commands off conn until it errors or
// closes: one goroutine owns the read side of a connection for its whole
// lifetime. Each command is applied synchronously and its result echoed
// back through sub (not a raw conn.WriteJSON) so the reply serializes
// against the BroadcastHub's own concurrent Send calls on the same socket:
// gorilla's Conn permits one reader and one writer at a time, not two
// writers.
func wsReadLoop(conn *websocket.Conn, sub *broadcast.WSSubscriber, r *runner.Runner, clientID string) {
	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			switch {
			case errors.As(err, &closeErr):
				// peer already sent its own close frame, nothing to echo back.
			case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
				nlog.Warnf("api: ws invalid command from %s: %v", clientID, err)
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid command")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					nlog.Warnf("api: ws read %s: %v", clientID, err)
				}
			}
			return
		}
		result, cerr := r.HandleCommand(context.Background(), runner.Command{Tag: cmd.Command, Data: cmd.Data})
		reply := map[string]any{"command": cmd.Command}
		if cerr != nil {
			reply["success"] = false
			reply["error"] = cerr.Message
		} else {
			reply["success"] = true
			reply["result"] = result
		}
		body, merr := cos.JSON.Marshal(reply)
		if merr != nil {
			continue
		}
		if err := sub.Send(body); err != nil {
			return
		}
	}
}
