// Package history implements TransferHistory (spec §4.8): a bounded
// in-memory ring of transfer outcomes backed by an append-only JSONL file,
// plus per-world migration-in/migration-out counters.
//
// The ring itself is grounded on
// _examples/brennhill-gasoline-mcp-ai-devtools/internal/capture/buffer-types.go's
// fixed-capacity slice buffers (NetworkWaterfallBuffer et al: a plain slice
// plus a capacity field, guarded by the parent's single mutex, oldest entry
// dropped on overflow) — the same "keep last N, protected by one lock"
// shape, generalized from capture telemetry to transfer records.
package history

import (
	"bufio"
	"os"
	"sort"
	"sync"

	"github.com/biotronics/ecosim/cmn/cos"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/world"
)

const defaultCapacity = 100

// History is TransferHistory: a capped ring plus an append-only file.
type History struct {
	mu       sync.Mutex
	ring     []world.TransferRecord
	cap      int
	path     string
	counters map[world.WorldId]*flowCounter
}

type flowCounter struct {
	In, Out int
}

// Open rehydrates the ring from the tail of path (best effort: corrupt
// lines are skipped with a warning, spec §4.8) and returns a History that
// appends new records to the same file. path == "" disables on-disk
// persistence (append becomes a no-op; ring-only, used in tests).
func Open(path string, capacity int) (*History, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	h := &History{
		cap:      capacity,
		path:     path,
		counters: make(map[world.WorldId]*flowCounter),
	}
	if path == "" {
		return h, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var recs []world.TransferRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec world.TransferRecord
		if err := cos.UnmarshalJSON(line, &rec); err != nil {
			nlog.Warnf("history: skipping corrupt line in %s: %v", path, err)
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if len(recs) > capacity {
		recs = recs[len(recs)-capacity:]
	}
	h.ring = recs
	for _, r := range recs {
		h.countLocked(r)
	}
	return h, nil
}

// Log appends rec to both the in-memory ring (dropping the oldest entry
// past capacity) and the on-disk file.
func (h *History) Log(rec world.TransferRecord) error {
	h.mu.Lock()
	h.ring = append(h.ring, rec)
	if len(h.ring) > h.cap {
		h.ring = h.ring[len(h.ring)-h.cap:]
	}
	h.countLocked(rec)
	path := h.path
	h.mu.Unlock()

	if path == "" {
		return nil
	}
	line, err := cos.MarshalJSON(rec)
	if err != nil {
		return err
	}
	return cos.AppendLine(path, line)
}

func (h *History) countLocked(rec world.TransferRecord) {
	out := h.counters[rec.SourceWorldID]
	if out == nil {
		out = &flowCounter{}
		h.counters[rec.SourceWorldID] = out
	}
	out.Out++

	destID := world.WorldId(rec.DestWorldID)
	in := h.counters[destID]
	if in == nil {
		in = &flowCounter{}
		h.counters[destID] = in
	}
	in.In++
}

// Query returns up to limit records, most recent first, optionally
// filtered by world (as either source or destination) and success.
func (h *History) Query(limit int, worldID world.WorldId, successOnly bool) []world.TransferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]world.TransferRecord, 0, limit)
	for i := len(h.ring) - 1; i >= 0; i-- {
		rec := h.ring[i]
		if worldID != "" && rec.SourceWorldID != worldID && world.WorldId(rec.DestWorldID) != worldID {
			continue
		}
		if successOnly && !rec.Success {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Get scans the ring for transferID, returning ok=false if it has aged out
// or never existed.
func (h *History) Get(transferID string) (world.TransferRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.ring) - 1; i >= 0; i-- {
		if h.ring[i].TransferID == transferID {
			return h.ring[i], true
		}
	}
	return world.TransferRecord{}, false
}

// FlowCounts is the migrations-in/migrations-out snapshot for one world
// since the last ResetCounters call.
type FlowCounts struct {
	WorldID world.WorldId `json:"world_id"`
	In      int           `json:"migrations_in"`
	Out     int           `json:"migrations_out"`
}

// Counters returns the current per-world flow counts, sorted by world id.
func (h *History) Counters() []FlowCounts {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]FlowCounts, 0, len(h.counters))
	for id, c := range h.counters {
		out = append(out, FlowCounts{WorldID: id, In: c.In, Out: c.Out})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorldID < out[j].WorldID })
	return out
}

// ResetCounters zeroes every per-world flow counter.
func (h *History) ResetCounters() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters = make(map[world.WorldId]*flowCounter)
}

// Len reports the current ring size, for tests and diagnostics.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ring)
}
