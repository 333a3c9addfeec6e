// Package broadcast implements BroadcastHub (spec §4.7): per-world
// subscriber fan-out over the runner's state-cache pipeline, with a tick
// task that only runs while a world has subscribers.
//
// Grounded on
// other_examples/249e56be_Mikko-Finell-mine-and-die__server-hub.go.go's
// Hub: a mutex-guarded subscriber map per simulated world plus a
// broadcastState pass that marshals once and fans out to every
// subscriber, dropping any that fail to receive. Generalized here from
// one hub per process to one hub entry per world, since this spec has
// many independently-ticking worlds rather than one.
package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/metrics"
	"github.com/biotronics/ecosim/runner"
	"github.com/biotronics/ecosim/world"
)

// StateSource is the narrow view of a WorldRunner the hub pulls frames
// from; runner.Runner satisfies it structurally.
type StateSource interface {
	GetState(forceFull, allowDelta bool) (*runner.Payload, error)
	SerializeState(p *runner.Payload) ([]byte, error)
}

// Subscriber is one outbound sink — a WebSocket connection in production,
// a recording fake in tests.
type Subscriber interface {
	Send(data []byte) error
	Close() error
}

type entry struct {
	mu     sync.Mutex
	source StateSource
	subs   map[string]Subscriber
	cancel context.CancelFunc
}

// Hub is the process-wide BroadcastHub singleton.
type Hub struct {
	mu     sync.Mutex
	worlds map[world.WorldId]*entry

	tickInterval time.Duration

	srcMu      sync.Mutex
	limiters   map[string]*rate.Limiter
	concurrent map[string]int
	maxPerSource int
}

// New constructs a Hub. tickInterval is the per-world emission period
// (spec §4.7 default: runner frame period × websocket_update_interval,
// i.e. ~15Hz at the defaults of tick_rate=30 and websocket_update_interval=2).
func New(tickInterval time.Duration, maxSubscriptionsPerSource int) *Hub {
	if maxSubscriptionsPerSource <= 0 {
		maxSubscriptionsPerSource = 5
	}
	return &Hub{
		worlds:       make(map[world.WorldId]*entry),
		tickInterval: tickInterval,
		limiters:     make(map[string]*rate.Limiter),
		concurrent:   make(map[string]int),
		maxPerSource: maxSubscriptionsPerSource,
	}
}

// limiterFor returns clientID's subscribe-attempt limiter; the caller holds
// srcMu.
func (h *Hub) limiterFor(clientID string) *rate.Limiter {
	l, ok := h.limiters[clientID]
	if !ok {
		// burst = the concurrent cap itself; refills at 1/s so a client that
		// churns subscribe/unsubscribe repeatedly is throttled rather than
		// merely capped in steady state.
		l = rate.NewLimiter(rate.Limit(1), h.maxPerSource)
		h.limiters[clientID] = l
	}
	return l
}

// Subscribe registers sub for worldID's frames, enforcing the per-source
// concurrent-subscription cap (spec §4.7), sends it one immediate full
// payload, and ensures the world's tick task is running.
func (h *Hub) Subscribe(worldID world.WorldId, source StateSource, clientID string, sub Subscriber) *cmn.Error {
	h.srcMu.Lock()
	if h.concurrent[clientID] >= h.maxPerSource {
		h.srcMu.Unlock()
		return cmn.NewError(cmn.ErrInvalidPayload, "client %s: subscription cap (%d) reached", clientID, h.maxPerSource)
	}
	if !h.limiterFor(clientID).Allow() {
		h.srcMu.Unlock()
		return cmn.NewError(cmn.ErrInvalidPayload, "client %s: subscribing too fast", clientID)
	}
	h.concurrent[clientID]++
	h.srcMu.Unlock()

	full, err := source.GetState(true, false)
	if err != nil {
		h.releaseSource(clientID)
		return cmn.NewError(cmn.ErrSerializeFailed, "initial state: %v", err)
	}
	body, serr := source.SerializeState(full)
	if serr != nil {
		h.releaseSource(clientID)
		return cmn.NewError(cmn.ErrSerializeFailed, "initial state: %v", serr)
	}
	if sendErr := sub.Send(body); sendErr != nil {
		h.releaseSource(clientID)
		return cmn.NewError(cmn.ErrUnreachableServer, "initial send: %v", sendErr)
	}

	h.mu.Lock()
	e, ok := h.worlds[worldID]
	if !ok {
		e = &entry{source: source, subs: make(map[string]Subscriber)}
		h.worlds[worldID] = e
	}
	h.mu.Unlock()

	e.mu.Lock()
	e.subs[clientID] = sub
	needsTick := e.cancel == nil
	e.mu.Unlock()

	if needsTick {
		h.startTick(worldID, e)
	}
	return nil
}

// Unsubscribe removes clientID's subscription from worldID, closing its
// tick task once the last subscriber leaves (spec §4.7).
func (h *Hub) Unsubscribe(worldID world.WorldId, clientID string) {
	h.mu.Lock()
	e, ok := h.worlds[worldID]
	h.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	sub, existed := e.subs[clientID]
	delete(e.subs, clientID)
	empty := len(e.subs) == 0
	var cancel context.CancelFunc
	if empty && e.cancel != nil {
		cancel = e.cancel
		e.cancel = nil
	}
	e.mu.Unlock()

	if existed {
		_ = sub.Close()
		h.releaseSource(clientID)
	}
	if cancel != nil {
		cancel()
	}
}

// Drop tears down every subscriber and the tick task for a world, used
// when WorldManager deletes it.
func (h *Hub) Drop(worldID world.WorldId) {
	h.mu.Lock()
	e, ok := h.worlds[worldID]
	delete(h.worlds, worldID)
	h.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	for _, sub := range e.subs {
		_ = sub.Close()
	}
	e.subs = nil
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (h *Hub) releaseSource(clientID string) {
	h.srcMu.Lock()
	defer h.srcMu.Unlock()
	if h.concurrent[clientID] > 0 {
		h.concurrent[clientID]--
	}
}

func (h *Hub) startTick(worldID world.WorldId, e *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(h.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.emit(worldID, e)
			}
		}
	}()
}

func (h *Hub) emit(worldID world.WorldId, e *entry) {
	payload, err := e.source.GetState(false, true)
	if err != nil {
		nlog.Warnf("broadcast: world %s: get_state failed: %v", worldID, err)
		return
	}
	body, serr := e.source.SerializeState(payload)
	if serr != nil {
		nlog.Warnf("broadcast: world %s: serialize failed: %v", worldID, serr)
		return
	}

	e.mu.Lock()
	subs := make(map[string]Subscriber, len(e.subs))
	for id, s := range e.subs {
		subs[id] = s
	}
	e.mu.Unlock()

	var stale []string
	for id, sub := range subs {
		if err := sub.Send(body); err != nil {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		h.Unsubscribe(worldID, id)
	}
	metrics.IncBroadcastFrame(string(worldID))
}

// SubscriberCount reports the number of live subscribers for a world, for
// diagnostics and tests.
func (h *Hub) SubscriberCount(worldID world.WorldId) int {
	h.mu.Lock()
	e, ok := h.worlds[worldID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
