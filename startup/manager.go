package startup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/connstore"
	"github.com/biotronics/ecosim/discovery"
	"github.com/biotronics/ecosim/migration"
	"github.com/biotronics/ecosim/peer"
	"github.com/biotronics/ecosim/snapshot"
	"github.com/biotronics/ecosim/wmgr"
	"github.com/biotronics/ecosim/world"
	"github.com/biotronics/ecosim/worldtypes"
)

// Manager is StartupManager (spec §4.9): the ordered bring-up and
// tear-down sequence over one AppContext.
type Manager struct {
	app *AppContext

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}

	discoveryCleanupStop chan struct{}
}

func NewManager(app *AppContext) *Manager {
	return &Manager{app: app}
}

// Start runs the eleven-step bring-up sequence. Every step beyond world
// bring-up is best-effort: failures are logged and startup continues (spec
// §4.9: "startup fails hard only on step 1 ... every federation step is
// allowed to fail in isolation").
func (m *Manager) Start(ctx context.Context) error {
	cfg := m.app.Config
	nlog.Infof("startup: beginning server initialization (version=%s server_id=%s)", Version, cfg.ServerID)

	// Steps 1-2: restore persisted worlds, or create one default world.
	if err := m.bringUpWorlds(); err != nil {
		return fmt.Errorf("startup: world bring-up failed: %w", err)
	}

	// Step 3: load ConnectionStore from disk.
	store, err := connstore.Open(filepath.Join(cfg.DataDir, "connections.db"))
	if err != nil {
		nlog.Errorf("startup: connstore open failed, falling back to in-memory: %v", err)
		store, _ = connstore.Open("")
	}
	m.app.Connections = store

	// Step 4: inject migration-relevant identity into every runner. (The
	// ConnectionStore handle and a WorldManager back-reference stay with
	// migration.Scheduler rather than Runner itself, per the acyclic
	// dependency redesign noted in DESIGN.md; only the server_id crosses
	// into the runner, where Runner.SetServerID stores it.)
	m.app.Worlds.Range(func(inst *wmgr.Instance) {
		inst.Runner.SetServerID(world.ServerId(cfg.ServerID))
	})

	// Step 5: tick loops are already running — wmgr.Manager starts a
	// Runner's tick loop synchronously as part of Create/Restore, so there
	// is no separate "start" action left to perform here.

	// Step 6: BroadcastHub entries are created lazily on first Subscribe
	// (spec §4.7: the tick task only exists "while the world has
	// subscribers"), so there is nothing to pre-register before a client
	// connects.

	// Step 7: start DiscoveryService cleanup loop and register this server.
	discReg, err := discovery.Open(filepath.Join(cfg.DataDir, "discovery.db"), cfg.HeartbeatInterval, cfg.HeartbeatTimeout, cfg.PruneTimeout)
	if err != nil {
		nlog.Errorf("startup: discovery open failed: %v", err)
	} else {
		m.app.Discovery = discReg
		m.discoveryCleanupStop = make(chan struct{})
		go discReg.RunCleanupLoop(cfg.CleanupInterval, m.discoveryCleanupStop)
		discReg.Register(m.app.ServerInfo())
	}

	// Step 8: start PeerClient; best-effort registration with a discovery
	// hub, then launch the self-heartbeat loop.
	m.app.Peer = peer.New(cfg.DiscoveryAPIKey)
	if cfg.DiscoveryServerURL != "" {
		if perr := m.app.Peer.RegisterServer(ctx, cfg.DiscoveryServerURL, m.app.ServerInfo()); perr != nil {
			nlog.Warnf("startup: register with discovery hub %s failed: %v", cfg.DiscoveryServerURL, perr)
		}
	}
	m.startHeartbeatLoop(cfg.HeartbeatInterval)

	// Step 9: configure federation and prune dead local-local connections.
	if m.app.Connections != nil {
		validIDs := make(map[world.WorldId]struct{})
		m.app.Worlds.Range(func(inst *wmgr.Instance) { validIDs[inst.WorldID] = struct{}{} })
		if removed := m.app.Connections.Validate(validIDs, world.ServerId(cfg.ServerID)); removed > 0 {
			nlog.Infof("startup: pruned %d dead local connection(s)", removed)
		}
	}

	// Step 10: start MigrationScheduler.
	m.app.Migration = migration.New(
		m.app.Worlds, m.app.Connections, m.app.Registry, m.app.History,
		m.app.Discovery, m.app.Peer, cfg, world.ServerId(cfg.ServerID),
		worldtypes.DefaultMigratableTypes(),
	)
	m.app.Migration.Start()

	// Step 11: start AutoSaveService.
	m.app.AutoSave = NewAutoSaveService(m.app.Worlds, m.app.Snapshots, cfg.AutoSaveInterval)
	m.app.AutoSave.Start()

	nlog.Infof("startup: server initialization complete")
	return nil
}

// bringUpWorlds implements spec §4.9 steps 1-2: restore every persisted
// world under its original world_id, or — if none were found — create one
// default world and immediately snapshot it.
func (m *Manager) bringUpWorlds() error {
	snaps, err := m.app.Snapshots.DiscoverAll()
	if err != nil {
		nlog.Warnf("startup: snapshot discovery failed: %v", err)
	}

	restored := 0
	for worldID, path := range snaps {
		doc, lerr := m.app.Snapshots.Load(path)
		if lerr != nil {
			nlog.Errorf("startup: load snapshot for %s: %v", worldID, lerr)
			continue
		}
		inst, cerr := m.app.Worlds.Restore(worldID, doc.Metadata.WorldType, doc.Metadata.Name, doc.Metadata.Description, doc.Metadata.Seed, doc.Metadata.Persistent)
		if cerr != nil {
			nlog.Errorf("startup: recreate world %s (type %s): %v", worldID, doc.Metadata.WorldType, cerr)
			continue
		}
		inst.AllowTransfers = doc.Metadata.AllowTransfers

		inst.Runner.Lock()
		ok := m.app.Snapshots.Restore(doc, inst.Runner)
		inst.Runner.Unlock()
		if !ok {
			nlog.Errorf("startup: restore world %s failed, continuing with an empty backend", worldID)
		}
		inst.Runner.InvalidateCache()

		m.app.setDefaultWorldID(inst.WorldID)
		restored++
		nlog.Infof("startup: restored world %s (%s) from %s", inst.WorldID, inst.WorldType, path)
	}

	if restored > 0 {
		nlog.Infof("startup: restored %d world(s) from snapshots", restored)
		return nil
	}

	nlog.Infof("startup: no saved snapshots found, creating default world")
	inst, cerr := m.app.Worlds.Create(worldtypes.TypeTank, "Tank 1", nil, true, "A local fish tank simulation")
	if cerr != nil {
		return fmt.Errorf("create default world: %w", cerr)
	}
	m.app.setDefaultWorldID(inst.WorldID)

	meta := snapshot.Metadata{
		Name:           inst.Name,
		Description:    inst.Description,
		Seed:           inst.Seed,
		WorldType:      inst.WorldType,
		Persistent:     inst.Persistent,
		AllowTransfers: inst.AllowTransfers,
	}
	if _, serr := m.app.Snapshots.Save(inst.WorldID, inst.Runner, meta); serr != nil {
		nlog.Warnf("startup: initial snapshot of default world failed: %v", serr)
	}
	return nil
}

// startHeartbeatLoop keeps this server's own DiscoveryService entry fresh
// and, if a discovery hub is configured, mirrors the same heartbeat to it
// via PeerClient (spec §4.5 "self-heartbeat").
func (m *Manager) startHeartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	m.heartbeatStop = make(chan struct{})
	m.heartbeatDone = make(chan struct{})

	go func() {
		defer close(m.heartbeatDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.heartbeatStop:
				return
			case <-ticker.C:
				m.heartbeatOnce()
			}
		}
	}()
}

func (m *Manager) heartbeatOnce() {
	cfg := m.app.Config
	info := m.app.ServerInfo()

	if m.app.Discovery != nil {
		serverID := world.ServerId(cfg.ServerID)
		if !m.app.Discovery.Heartbeat(serverID, &info) {
			m.app.Discovery.Register(info)
		}
	}

	if cfg.DiscoveryServerURL == "" || m.app.Peer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ok, perr := m.app.Peer.SendHeartbeat(ctx, cfg.DiscoveryServerURL, world.ServerId(cfg.ServerID), &info); perr != nil || !ok {
		nlog.Warnf("startup: heartbeat to discovery hub %s failed: %v", cfg.DiscoveryServerURL, perr)
	}
}

// Stop runs the nine-step shutdown sequence, reverse of Start, each step
// best-effort and logged rather than propagated.
func (m *Manager) Stop() {
	nlog.Infof("shutdown: beginning graceful shutdown")

	// Step 1: final save of every persistent world.
	if m.app.AutoSave != nil {
		saved := m.app.AutoSave.SaveAllNow()
		nlog.Infof("shutdown: saved %d persistent world(s)", saved)
	}

	// Step 2: save and close ConnectionStore, releasing its backing file so
	// a subsequent process (or, in tests, a subsequent AppContext) can
	// reopen it.
	if m.app.Connections != nil {
		if err := m.app.Connections.Save(); err != nil {
			nlog.Errorf("shutdown: connstore save failed: %v", err)
		}
		if err := m.app.Connections.Close(); err != nil {
			nlog.Errorf("shutdown: connstore close failed: %v", err)
		}
	}

	// Step 3: stop AutoSaveService.
	if m.app.AutoSave != nil {
		m.app.AutoSave.Stop()
	}

	// Step 4: stop all BroadcastHub tasks.
	m.app.Worlds.Range(func(inst *wmgr.Instance) {
		m.app.Broadcast.Drop(inst.WorldID)
	})

	// Step 5: stop MigrationScheduler.
	if m.app.Migration != nil {
		m.app.Migration.Stop()
	}

	// Step 6: stop all WorldRunners.
	m.app.Worlds.Range(func(inst *wmgr.Instance) {
		inst.Runner.Stop()
	})

	// Step 7: stop self-heartbeat task.
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		<-m.heartbeatDone
	}

	// Step 8: stop DiscoveryService cleanup loop.
	if m.discoveryCleanupStop != nil {
		close(m.discoveryCleanupStop)
	}
	if m.app.Discovery != nil {
		if err := m.app.Discovery.Close(); err != nil {
			nlog.Errorf("shutdown: discovery close failed: %v", err)
		}
	}

	// Step 9: close PeerClient.
	if m.app.Peer != nil {
		m.app.Peer.Close()
	}

	nlog.Infof("shutdown: cleanup complete")
}
