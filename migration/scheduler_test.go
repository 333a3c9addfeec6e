package migration

import (
	"context"
	"testing"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/history"
	"github.com/biotronics/ecosim/runner"
	"github.com/biotronics/ecosim/wmgr"
	"github.com/biotronics/ecosim/world"
	"github.com/biotronics/ecosim/worldtypes"
)

type fakeWorlds struct {
	byID map[world.WorldId]*wmgr.Instance
}

func (f *fakeWorlds) Get(id world.WorldId) (*wmgr.Instance, bool) {
	inst, ok := f.byID[id]
	return inst, ok
}

type fakeConnections struct {
	conns []world.Connection
}

func (f *fakeConnections) All() []world.Connection { return f.conns }

func newTestRegistry() *codec.Registry {
	r := codec.NewRegistry()
	worldtypes.RegisterAll(r)
	return r
}

func newTestInstance(id world.WorldId, seed int64) *wmgr.Instance {
	backend := worldtypes.NewTank()
	backend.Reset(nil, &seed, nil)
	cfg := cmn.GCO.Get()
	r := runner.New(id, worldtypes.TypeTank, "tank", "2d", backend, newTestRegistry(), cfg)
	return &wmgr.Instance{WorldID: id, WorldType: worldtypes.TypeTank, Runner: r}
}

func entityCount(inst *wmgr.Instance) int {
	inst.Runner.Lock()
	defer inst.Runner.Unlock()
	return len(inst.Runner.Backend().EntitiesList())
}

func TestLocalMigrationMovesEntityAndLogsSuccess(t *testing.T) {
	src := newTestInstance("w1", 1)
	dst := newTestInstance("w2", 2)
	worlds := &fakeWorlds{byID: map[world.WorldId]*wmgr.Instance{"w1": src, "w2": dst}}
	hist, _ := history.Open("", 0)

	s := New(worlds, &fakeConnections{}, newTestRegistry(), hist, nil, nil, cmn.GCO.Get(), "local", worldtypes.DefaultMigratableTypes())

	before := entityCount(src)
	conn := world.Connection{ConnectionID: "w1->w2", SourceWorldID: "w1", DestWorldID: "w2", Probability: 100}
	s.localMigration(context.Background(), conn)

	after := entityCount(src)
	if after != before-1 {
		t.Fatalf("source entity count = %d, want %d", after, before-1)
	}
	if entityCount(dst) == 0 {
		t.Fatal("expected destination to gain an entity")
	}
	if hist.Len() != 1 {
		t.Fatalf("history.Len() = %d, want 1", hist.Len())
	}
	recs := hist.Query(1, "", false)
	if !recs[0].Success {
		t.Fatalf("expected a successful TransferRecord, got %+v", recs[0])
	}
}

func TestLocalMigrationSkipsWhenDestinationPaused(t *testing.T) {
	src := newTestInstance("w1", 1)
	dst := newTestInstance("w2", 2)
	dst.Runner.HandleCommand(context.Background(), runner.Command{Tag: runner.CmdPause})
	worlds := &fakeWorlds{byID: map[world.WorldId]*wmgr.Instance{"w1": src, "w2": dst}}
	hist, _ := history.Open("", 0)

	s := New(worlds, &fakeConnections{}, newTestRegistry(), hist, nil, nil, cmn.GCO.Get(), "local", worldtypes.DefaultMigratableTypes())

	before := entityCount(src)
	conn := world.Connection{ConnectionID: "w1->w2", SourceWorldID: "w1", DestWorldID: "w2", Probability: 100}
	s.localMigration(context.Background(), conn)

	if entityCount(src) != before {
		t.Fatal("expected no migration while destination is paused")
	}
	if hist.Len() != 0 {
		t.Fatal("expected no TransferRecord when migration is skipped")
	}
}

func TestLocalMigrationSkipsUnknownWorlds(t *testing.T) {
	src := newTestInstance("w1", 1)
	worlds := &fakeWorlds{byID: map[world.WorldId]*wmgr.Instance{"w1": src}}
	hist, _ := history.Open("", 0)
	s := New(worlds, &fakeConnections{}, newTestRegistry(), hist, nil, nil, cmn.GCO.Get(), "local", worldtypes.DefaultMigratableTypes())

	conn := world.Connection{ConnectionID: "w1->ghost", SourceWorldID: "w1", DestWorldID: "ghost", Probability: 100}
	s.localMigration(context.Background(), conn)
	if hist.Len() != 0 {
		t.Fatal("expected no TransferRecord for an unknown destination world")
	}
}

func TestRemoteMigrationSkipsWithoutFederationDependencies(t *testing.T) {
	src := newTestInstance("w1", 1)
	worlds := &fakeWorlds{byID: map[world.WorldId]*wmgr.Instance{"w1": src}}
	hist, _ := history.Open("", 0)
	s := New(worlds, &fakeConnections{}, newTestRegistry(), hist, nil, nil, cmn.GCO.Get(), "local", worldtypes.DefaultMigratableTypes())

	before := entityCount(src)
	conn := world.Connection{
		ConnectionID:   "w1->remote",
		SourceWorldID:  "w1",
		DestWorldID:    "w9",
		Probability:    100,
		SourceServerID: "local",
		DestServerID:   "peer-1",
	}
	s.remoteMigration(context.Background(), conn)

	if entityCount(src) != before {
		t.Fatal("expected no entity removed when federation deps are unavailable")
	}
}

func TestInFlightFilterPreventsDoubleDispatch(t *testing.T) {
	src := newTestInstance("w1", 1)
	dst := newTestInstance("w2", 2)
	worlds := &fakeWorlds{byID: map[world.WorldId]*wmgr.Instance{"w1": src, "w2": dst}}
	hist, _ := history.Open("", 0)
	s := New(worlds, &fakeConnections{}, newTestRegistry(), hist, nil, nil, cmn.GCO.Get(), "local", worldtypes.DefaultMigratableTypes())

	key := inFlightKey("w1->w2", "some-entity")
	if !s.markInFlight(key) {
		t.Fatal("expected first markInFlight to succeed")
	}
	if s.markInFlight(key) {
		t.Fatal("expected second markInFlight on the same key to report already in flight")
	}
	s.clearInFlight(key)
	if !s.markInFlight(key) {
		t.Fatal("expected markInFlight to succeed again after clearInFlight")
	}
}
