package startup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/snapshot"
	"github.com/biotronics/ecosim/wmgr"
	"github.com/biotronics/ecosim/world"
)

// saveAllTimeout bounds the shutdown-time final save fan-out so a single
// stuck disk write can't hang process exit indefinitely.
const saveAllTimeout = 10 * time.Second

// AutoSaveService periodically snapshots every persistent world (spec §4.9
// step 11). Grounded on original_source/backend/auto_save_service.py: one
// ticker-driven loop per persistent world rather than a single shared
// ticker, so a slow save for one world never delays another's schedule.
type AutoSaveService struct {
	worlds    *wmgr.Manager
	snapshots *snapshot.Store
	interval  time.Duration

	mu      sync.Mutex
	cancels map[world.WorldId]func()
	wg      sync.WaitGroup
	running bool
}

func NewAutoSaveService(worlds *wmgr.Manager, snapshots *snapshot.Store, interval time.Duration) *AutoSaveService {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &AutoSaveService{
		worlds:    worlds,
		snapshots: snapshots,
		interval:  interval,
		cancels:   make(map[world.WorldId]func()),
	}
}

// Start launches a save loop for every persistent world currently
// registered. Worlds created after Start are not auto-saved; spec §4.9
// only names bring-up-time registration.
func (a *AutoSaveService) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.worlds.Range(func(inst *wmgr.Instance) {
		if inst.Persistent {
			a.startWorldLoop(inst)
		}
	})
}

func (a *AutoSaveService) startWorldLoop(inst *wmgr.Instance) {
	stop := make(chan struct{})
	a.mu.Lock()
	a.cancels[inst.WorldID] = func() { close(stop) }
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := a.saveInstance(inst); err != nil {
					nlog.Warnf("autosave: world %s: %v", inst.WorldID, err)
				}
			}
		}
	}()
}

// Stop cancels every per-world loop and waits for them to exit.
func (a *AutoSaveService) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancels := a.cancels
	a.cancels = make(map[world.WorldId]func())
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	a.wg.Wait()
}

func (a *AutoSaveService) saveInstance(inst *wmgr.Instance) (string, error) {
	meta := snapshot.Metadata{
		Name:           inst.Name,
		Description:    inst.Description,
		Seed:           inst.Seed,
		WorldType:      inst.WorldType,
		Persistent:     inst.Persistent,
		AllowTransfers: inst.AllowTransfers,
	}
	return a.snapshots.Save(inst.WorldID, inst.Runner, meta)
}

// SaveNow saves one world immediately, out of band from its ticker.
func (a *AutoSaveService) SaveNow(id world.WorldId) (string, error) {
	inst, ok := a.worlds.Get(id)
	if !ok {
		return "", nil
	}
	return a.saveInstance(inst)
}

// SaveAllNow saves every persistent world immediately (spec §4.9 shutdown
// step 1: "final save of every persistent world"). Worlds save in parallel
// via errgroup, each against its own snapshot file, bounded to
// saveAllTimeout so one wedged write doesn't stall process shutdown.
func (a *AutoSaveService) SaveAllNow() int {
	var instances []*wmgr.Instance
	a.worlds.Range(func(inst *wmgr.Instance) {
		if inst.Persistent {
			instances = append(instances, inst)
		}
	})

	var saved atomic.Int64
	g, _ := errgroup.WithContext(context.Background())
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			if _, err := a.saveInstance(inst); err != nil {
				nlog.Warnf("autosave: final save of world %s failed: %v", inst.WorldID, err)
				return nil
			}
			saved.Add(1)
			return nil
		})
	}

	done := make(chan struct{})
	go func() { g.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(saveAllTimeout):
		nlog.Warnf("autosave: final save fan-out exceeded %s, shutting down anyway", saveAllTimeout)
	}
	return int(saved.Load())
}
