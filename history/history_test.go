package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/biotronics/ecosim/world"
)

func rec(id string, src world.WorldId, dest string, success bool) world.TransferRecord {
	return world.TransferRecord{
		TransferID:    id,
		SourceWorldID: src,
		DestWorldID:   dest,
		Success:       success,
	}
}

func TestLogAndQueryMostRecentFirst(t *testing.T) {
	h, err := Open("", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.Log(rec("t1", "w1", "w2", true))
	h.Log(rec("t2", "w1", "w2", true))
	h.Log(rec("t3", "w1", "w2", false))

	got := h.Query(0, "", false)
	if len(got) != 3 || got[0].TransferID != "t3" || got[2].TransferID != "t1" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestQueryFiltersByWorldAndSuccess(t *testing.T) {
	h, _ := Open("", 0)
	h.Log(rec("t1", "w1", "w2", true))
	h.Log(rec("t2", "w3", "w4", false))
	h.Log(rec("t3", "w1", "w2", false))

	byWorld := h.Query(0, "w1", false)
	if len(byWorld) != 2 {
		t.Fatalf("Query(world=w1) = %d, want 2", len(byWorld))
	}
	successOnly := h.Query(0, "", true)
	if len(successOnly) != 1 || successOnly[0].TransferID != "t1" {
		t.Fatalf("Query(successOnly) = %+v", successOnly)
	}
}

func TestRingDropsOldestPastCapacity(t *testing.T) {
	h, _ := Open("", 2)
	h.Log(rec("t1", "w1", "w2", true))
	h.Log(rec("t2", "w1", "w2", true))
	h.Log(rec("t3", "w1", "w2", true))

	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h.Len())
	}
	if _, ok := h.Get("t1"); ok {
		t.Fatal("expected t1 to have aged out of the ring")
	}
	if _, ok := h.Get("t3"); !ok {
		t.Fatal("expected t3 to still be present")
	}
}

func TestCountersTrackInAndOut(t *testing.T) {
	h, _ := Open("", 0)
	h.Log(rec("t1", "w1", "w2", true))
	h.Log(rec("t2", "w1", "w2", true))

	counts := h.Counters()
	byWorld := make(map[world.WorldId]FlowCounts, len(counts))
	for _, c := range counts {
		byWorld[c.WorldID] = c
	}
	if byWorld["w1"].Out != 2 {
		t.Fatalf("w1.Out = %d, want 2", byWorld["w1"].Out)
	}
	if byWorld["w2"].In != 2 {
		t.Fatalf("w2.In = %d, want 2", byWorld["w2"].In)
	}

	h.ResetCounters()
	if len(h.Counters()) != 0 {
		t.Fatal("expected counters to be empty after ResetCounters")
	}
}

func TestOpenRehydratesFromFileTailAndSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transfers.log")

	h1, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h1.Log(rec("t1", "w1", "w2", true))
	h1.Log(rec("t2", "w1", "w2", true))

	appendRaw(t, path, "not valid json\n")

	h2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if h2.Len() != 2 {
		t.Fatalf("rehydrated Len() = %d, want 2 (corrupt line skipped)", h2.Len())
	}
	if _, ok := h2.Get("t2"); !ok {
		t.Fatal("expected t2 to be rehydrated")
	}
}

func appendRaw(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatalf("write: %v", err)
	}
}
