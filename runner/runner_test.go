package runner

import (
	"context"
	"testing"
	"time"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/worldtypes"
)

func newTestRunner() *Runner {
	reg := codec.NewRegistry()
	worldtypes.RegisterAll(reg)
	cfg := cmn.GCO.Get()
	return New("w1", worldtypes.TypeTank, "default", "overhead", worldtypes.NewTank(), reg, cfg)
}

func TestStepAdvancesFrameAndInvalidatesCache(t *testing.T) {
	r := newTestRunner()

	p1, err := r.GetState(true, false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if p1.Type != "full" {
		t.Fatalf("first payload type = %q, want full", p1.Type)
	}

	if err := r.Step(context.Background(), nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if r.FrameCount() != 1 {
		t.Fatalf("FrameCount = %d, want 1", r.FrameCount())
	}

	p2, err := r.GetState(true, false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if p2.Frame != 1 {
		t.Fatalf("second payload frame = %d, want 1", p2.Frame)
	}
}

func TestGetStateCachesWithinSameFrame(t *testing.T) {
	r := newTestRunner()
	p1, _ := r.GetState(true, false)
	p2, _ := r.GetState(false, false)
	if p1 != p2 {
		t.Fatal("expected cached payload pointer to be reused for the same frame")
	}
}

func TestHandleCommandPauseResumeIdempotent(t *testing.T) {
	r := newTestRunner()

	if _, err := r.HandleCommand(context.Background(), Command{Tag: CmdPause}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !r.Paused() {
		t.Fatal("expected paused=true")
	}
	// pausing an already-paused runner is a no-op, not an error.
	if _, err := r.HandleCommand(context.Background(), Command{Tag: CmdPause}); err != nil {
		t.Fatalf("pause again: %v", err)
	}
	if _, err := r.HandleCommand(context.Background(), Command{Tag: CmdResume}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if r.Paused() {
		t.Fatal("expected paused=false after resume")
	}
}

func TestHandleCommandUnknownTag(t *testing.T) {
	r := newTestRunner()
	_, err := r.HandleCommand(context.Background(), Command{Tag: "bogus"})
	if err == nil || err.Code != cmn.ErrInvalidPayload {
		t.Fatalf("expected invalid_payload, got %v", err)
	}
}

func TestStartStopTickLoop(t *testing.T) {
	r := newTestRunner()
	r.Start(false)
	if !r.Running() {
		t.Fatal("expected Running() true after Start")
	}
	// second Start is a no-op.
	r.Start(false)

	time.Sleep(80 * time.Millisecond)
	r.Stop()
	if r.Running() {
		t.Fatal("expected Running() false after Stop")
	}
	if r.FrameCount() == 0 {
		t.Fatal("expected at least one tick to have advanced the frame count")
	}
}

func TestSerializeStateRoundTrips(t *testing.T) {
	r := newTestRunner()
	p, err := r.GetState(true, false)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	body, serr := r.SerializeState(p)
	if serr != nil {
		t.Fatalf("SerializeState: %v", serr)
	}
	if len(body) == 0 {
		t.Fatal("expected non-empty serialized payload")
	}
}
