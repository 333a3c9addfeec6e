// Package runner implements WorldRunner (spec §4.1): the per-world tick
// loop, state cache/delta pipeline, and command queue. Each Runner
// exclusively owns one world.Backend and serializes every access to it
// behind a single mutex: one goroutine owns exclusive state and everything
// else communicates through channels or guarded fields.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/cmn/atomic"
	"github.com/biotronics/ecosim/cmn/cos"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/metrics"
	"github.com/biotronics/ecosim/world"
)

// Command tags (spec §4.1).
const (
	CmdPause       = "pause"
	CmdResume      = "resume"
	CmdReset       = "reset"
	CmdStep        = "step"
	CmdFastForward = "fast_forward"
)

type Command struct {
	Tag  string
	Data map[string]any
}

// Runner is one WorldRunner.
type Runner struct {
	worldID   world.WorldId
	worldType world.WorldType
	modeID    string
	viewMode  string
	serverID  world.ServerId // injected at startup (spec §4.9 step 4)

	registry *codec.Registry
	config   *cmn.Config
	perf     *PerfTracker

	// mu guards the backend and everything derived from it (the tick loop,
	// GetState's payload construction, and migration deserialization).
	// Exported Lock/Unlock let MigrationScheduler hold destination-then-
	// source ordering across two runners (spec §5).
	mu      sync.Mutex
	backend world.Backend

	frameCount   atomic.Int64
	paused       atomic.Bool
	fastForward  atomic.Bool
	running      atomic.Bool
	degraded     atomic.Bool
	consecutiveFailures atomic.Int32

	framesSinceEmit atomic.Int32
	lastFullFrame   atomic.Int64

	cacheMu         sync.Mutex
	cachedPayload   *Payload
	cachedFrame     int64
	lastEntitiesByID map[world.EntityId]world.SerializedEntity

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(worldID world.WorldId, worldType world.WorldType, modeID, viewMode string, backend world.Backend, registry *codec.Registry, config *cmn.Config) *Runner {
	r := &Runner{
		worldID:   worldID,
		worldType: worldType,
		modeID:    modeID,
		viewMode:  viewMode,
		backend:   backend,
		registry:  registry,
		config:    config,
		perf:      NewPerfTracker(32),
	}
	// -1 means "no prior full frame sent", matching Reset(); GetState relies
	// on this to force a full payload before any delta is ever computed.
	r.lastFullFrame.Store(-1)
	return r
}

func (r *Runner) WorldID() world.WorldId     { return r.worldID }
func (r *Runner) WorldType() world.WorldType { return r.worldType }
func (r *Runner) ViewMode() string           { return r.viewMode }
func (r *Runner) FrameCount() int64          { return r.frameCount.Load() }
func (r *Runner) Paused() bool               { return r.paused.Load() }
func (r *Runner) FastForward() bool          { return r.fastForward.Load() }
func (r *Runner) Running() bool              { return r.running.Load() }
func (r *Runner) Degraded() bool             { return r.degraded.Load() }
func (r *Runner) SetServerID(id world.ServerId) { r.serverID = id }

// Lock/Unlock expose the runner's single mutex for cross-runner ordered
// locking during local migration (spec §5: destination first, then source).
func (r *Runner) Lock()   { r.mu.Lock() }
func (r *Runner) Unlock() { r.mu.Unlock() }

// Backend returns the owned backend. Callers outside the tick loop must
// hold the runner's lock (via Lock/Unlock) before touching it, except
// through the methods below which take the lock themselves.
func (r *Runner) Backend() world.Backend { return r.backend }

// --- snapshot.Source / snapshot.Target ---

func (r *Runner) FrameCountForSnapshot() int64 { return r.FrameCount() }
func (r *Runner) PausedForSnapshot() bool      { return r.Paused() }
func (r *Runner) SetPausedFromSnapshot(p bool) { r.paused.Store(p) }

// Start launches the tick-loop goroutine. Idempotent: calling Start on an
// already-running Runner is a no-op (spec §4.1 idempotency rule).
func (r *Runner) Start(paused bool) {
	if !r.running.CAS(false, true) {
		return
	}
	r.paused.Store(paused)
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.tickLoop()
}

// Stop cancels the tick loop and waits for it to exit.
func (r *Runner) Stop() {
	if !r.running.CAS(true, false) {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

func (r *Runner) targetInterval() time.Duration {
	rate := r.config.TickRate
	if r.fastForward.Load() {
		rate *= r.config.FastForwardMultiplier
	}
	if rate <= 0 {
		rate = 30
	}
	return time.Duration(float64(time.Second) / rate)
}

func (r *Runner) tickLoop() {
	defer close(r.doneCh)
	timer := time.NewTimer(r.targetInterval())
	defer timer.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-timer.C:
			if !r.paused.Load() {
				r.tickOnce(context.Background())
			}
			timer.Reset(r.targetInterval())
		}
	}
}

func (r *Runner) tickOnce(ctx context.Context) {
	start := time.Now()
	r.mu.Lock()
	err := r.backend.Step(ctx, nil)
	if err == nil {
		r.frameCount.Store(r.backend.FrameCount())
	}
	r.mu.Unlock()
	metrics.ObserveTick(string(r.worldType), time.Since(start))

	if err != nil {
		// spec §4.1: a failing step is logged, the loop continues, and the
		// frame counter does not advance.
		nlog.Errorf("world %s: step failed: %v", r.worldID, err)
		n := r.consecutiveFailures.Inc()
		if int(n) >= r.config.MaxConsecutiveFailures {
			r.degraded.Store(true)
		}
		return
	}
	r.consecutiveFailures.Store(0)
	r.degraded.Store(false)
	r.invalidateCache()
}

// Step performs exactly one manual tick outside the background loop
// (POST /api/worlds/{id}/step). Commands and manual steps share the same
// lock as the tick loop so they never race a concurrent background tick.
func (r *Runner) Step(ctx context.Context, actions []world.Action) error {
	r.mu.Lock()
	err := r.backend.Step(ctx, actions)
	if err == nil {
		r.frameCount.Store(r.backend.FrameCount())
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.invalidateCache()
	return nil
}

func (r *Runner) Reset(ctx context.Context, seed *int64, config map[string]any) error {
	r.mu.Lock()
	err := r.backend.Reset(ctx, seed, config)
	if err == nil {
		r.frameCount.Store(r.backend.FrameCount())
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.lastFullFrame.Store(-1)
	r.invalidateCache()
	return nil
}

// invalidateCache is called after every successful mutation: a tick, a
// migration in/out, or an externally-driven command (spec §4.1 "cache
// invalidation").
func (r *Runner) invalidateCache() {
	r.cacheMu.Lock()
	r.cachedPayload = nil
	r.cacheMu.Unlock()
}

// InvalidateCache is invalidateCache exported for migration.Scheduler,
// which mutates a runner's backend directly (under Lock/Unlock) rather than
// through Step, so it must drop the cache itself afterward (spec §4.4:
// "invalidate both runners' state caches").
func (r *Runner) InvalidateCache() { r.invalidateCache() }

// GetState implements the §4.1 cache/delta pipeline.
func (r *Runner) GetState(forceFull, allowDelta bool) (*Payload, error) {
	frame := r.frameCount.Load()

	r.cacheMu.Lock()
	if r.cachedPayload != nil && r.cachedFrame == frame {
		p := r.cachedPayload
		r.cacheMu.Unlock()
		return p, nil
	}
	since := r.framesSinceEmit.Inc()
	interval := int32(r.config.WebsocketUpdateInterval)
	if interval < 1 {
		interval = 1
	}
	if since < interval && !forceFull && r.cachedPayload != nil {
		p := r.cachedPayload
		r.cacheMu.Unlock()
		return p, nil
	}
	r.cacheMu.Unlock()

	r.mu.Lock()
	entities := r.backend.EntitiesList()
	stats := r.backend.Stats()
	r.mu.Unlock()

	lastFull := r.lastFullFrame.Load()
	wantFull := forceFull || !allowDelta || lastFull < 0 || (frame-lastFull) >= int64(r.config.DeltaSyncInterval)

	var payload *Payload
	if wantFull {
		payload = r.buildFull(frame, entities, stats)
		r.lastFullFrame.Store(frame)
	} else {
		payload = r.buildDelta(frame, entities, stats)
	}

	r.cacheMu.Lock()
	r.cachedPayload = payload
	r.cachedFrame = frame
	r.framesSinceEmit.Store(0)
	r.updateLastEntities(entities)
	r.cacheMu.Unlock()

	return payload, nil
}

func (r *Runner) updateLastEntities(entities []world.Entity) {
	m := make(map[world.EntityId]world.SerializedEntity, len(entities))
	for _, e := range entities {
		m[e.ID()] = world.SerializedEntity{"x": e.X(), "y": e.Y()}
	}
	r.lastEntitiesByID = m
}

func (r *Runner) buildFull(frame int64, entities []world.Entity, stats map[string]any) *Payload {
	serialized := make([]world.SerializedEntity, 0, len(entities))
	for _, e := range entities {
		data, err := r.registry.TrySerialize(context.Background(), e)
		if err != nil {
			continue
		}
		serialized = append(serialized, data)
	}
	return &Payload{
		Type:      "full",
		Frame:     frame,
		ModeID:    r.modeID,
		WorldType: r.worldType,
		ViewMode:  r.viewMode,
		Entities:  serialized,
		Stats:     stats,
		Events:    []any{},
	}
}

func (r *Runner) buildDelta(frame int64, entities []world.Entity, stats map[string]any) *Payload {
	r.cacheMu.Lock()
	prev := r.lastEntitiesByID
	r.cacheMu.Unlock()

	updates := make(map[world.EntityId]DeltaFields, len(entities))
	var added []world.SerializedEntity
	seen := make(map[world.EntityId]struct{}, len(entities))

	for _, e := range entities {
		id := e.ID()
		seen[id] = struct{}{}
		updates[id] = DeltaFields{X: e.X(), Y: e.Y()}
		if _, existed := prev[id]; !existed {
			if data, err := r.registry.TrySerialize(context.Background(), e); err == nil {
				added = append(added, data)
			}
		}
	}
	var removed []world.EntityId
	for id := range prev {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}

	cheapStats := map[string]any{}
	if pop, ok := stats["population"]; ok {
		cheapStats["population"] = pop
	}

	return &Payload{
		Type:    "delta",
		Frame:   frame,
		Updates: updates,
		Added:   added,
		Removed: removed,
		Stats:   cheapStats,
	}
}

// SerializeState returns the canonical JSON bytes of payload, warning when
// it takes longer than the configured threshold at a population level
// typical for this system (spec §4.1).
func (r *Runner) SerializeState(payload *Payload) ([]byte, error) {
	start := time.Now()
	body, err := cos.MarshalJSON(payload)
	d := time.Since(start)

	if r.perf.ShouldWarn(d, r.config.SerializeWarnThreshold) {
		nlog.Warnf("world %s: serialize_state took %s (entities=%d)", r.worldID, d, len(payload.Entities)+len(payload.Added))
	}
	r.perf.Record(d)
	metrics.ObserveSerialize(string(r.worldType), d)
	return body, err
}

// HandleCommand dispatches a short command tag. Every command is idempotent
// in effect when repeated in the same logical state (spec §4.1).
func (r *Runner) HandleCommand(ctx context.Context, cmd Command) (any, *cmn.Error) {
	switch cmd.Tag {
	case CmdPause:
		r.paused.Store(true)
		r.invalidateCache()
		return map[string]any{"paused": true}, nil
	case CmdResume:
		r.paused.Store(false)
		r.invalidateCache()
		return map[string]any{"paused": false}, nil
	case CmdFastForward:
		enabled, _ := cmd.Data["enabled"].(bool)
		r.fastForward.Store(enabled)
		r.invalidateCache()
		return map[string]any{"fast_forward": enabled}, nil
	case CmdReset:
		var seed *int64
		if v, ok := cmd.Data["seed"]; ok {
			if f, ok := v.(float64); ok {
				s := int64(f)
				seed = &s
			}
		}
		var cfg map[string]any
		if v, ok := cmd.Data["config"].(map[string]any); ok {
			cfg = v
		}
		if err := r.Reset(ctx, seed, cfg); err != nil {
			return nil, cmn.NewError(cmn.ErrInvalidPayload, "reset failed: %v", err)
		}
		return map[string]any{"frame_count": r.FrameCount()}, nil
	case CmdStep:
		if err := r.Step(ctx, nil); err != nil {
			return nil, cmn.NewError(cmn.ErrInvalidPayload, "step failed: %v", err)
		}
		return map[string]any{"frame_count": r.FrameCount()}, nil
	default:
		return nil, cmn.NewError(cmn.ErrInvalidPayload, "unknown command %q", cmd.Tag)
	}
}
