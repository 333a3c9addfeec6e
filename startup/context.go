// Package startup implements AppContext and StartupManager (spec §4.9): the
// ordered bring-up and tear-down of every process-wide singleton, plus
// AutoSaveService.
//
// Grounded on original_source/backend/startup_manager.py's numbered step
// sequence, translated from asyncio tasks into goroutines with the same
// "best-effort, log and continue" discipline: only world restoration and
// starting the simulations are allowed to fail the whole process.
package startup

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/biotronics/ecosim/broadcast"
	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/connstore"
	"github.com/biotronics/ecosim/discovery"
	"github.com/biotronics/ecosim/history"
	"github.com/biotronics/ecosim/migration"
	"github.com/biotronics/ecosim/peer"
	"github.com/biotronics/ecosim/snapshot"
	"github.com/biotronics/ecosim/wmgr"
	"github.com/biotronics/ecosim/world"
	"github.com/biotronics/ecosim/worldtypes"
)

// Version is the server's reported build version (spec §3's ServerInfo.version).
const Version = "0.1.0"

// AppContext is the explicitly-owned bundle of process-wide singletons (spec
// §9's redesign note: "module-global singletons become explicitly owned
// fields of an AppContext created at startup and passed down; there is no
// ambient process state").
type AppContext struct {
	Config   *cmn.Config
	Registry *codec.Registry

	Worlds      *wmgr.Manager
	Connections *connstore.Store
	Discovery   *discovery.Registry
	Peer        *peer.Client
	Broadcast   *broadcast.Hub
	History     *history.History
	Snapshots   *snapshot.Store
	Migration   *migration.Scheduler
	AutoSave    *AutoSaveService

	hostname  string
	startedAt time.Time

	defaultMu      sync.RWMutex
	defaultWorldID world.WorldId
}

// NewAppContext constructs every in-memory singleton. Disk-backed
// components (ConnectionStore, DiscoveryService) and the bring-up sequence
// itself are left to Manager.Start, matching the step ordering of spec
// §4.9.
func NewAppContext(cfg *cmn.Config) (*AppContext, error) {
	registry := codec.NewRegistry()
	worldtypes.RegisterAll(registry)

	worlds := wmgr.New(registry, cfg)
	snapshots := snapshot.NewStore(cfg.DataDir, registry)

	hist, err := history.Open(filepath.Join(cfg.DataDir, "transfers.log"), 0)
	if err != nil {
		return nil, err
	}

	frame := time.Duration(float64(time.Second) / cfg.TickRate)
	tickInterval := frame * time.Duration(cfg.WebsocketUpdateInterval)
	hub := broadcast.New(tickInterval, cfg.MaxSubscriptionsPerSource)

	hostname, _ := os.Hostname()

	app := &AppContext{
		Config:    cfg,
		Registry:  registry,
		Worlds:    worlds,
		Snapshots: snapshots,
		History:   hist,
		Broadcast: hub,
		hostname:  hostname,
		startedAt: time.Now(),
	}

	worlds.OnDelete(func(id world.WorldId) {
		if app.Connections != nil {
			app.Connections.ClearForWorld(id)
		}
		app.Broadcast.Drop(id)
	})

	return app, nil
}

// Uptime reports wall-clock time since this AppContext was constructed.
func (a *AppContext) Uptime() time.Duration { return time.Since(a.startedAt) }

// DefaultWorldID returns the world `/ws` (no world_id) and other
// default-world shorthand endpoints resolve to.
func (a *AppContext) DefaultWorldID() world.WorldId {
	a.defaultMu.RLock()
	defer a.defaultMu.RUnlock()
	return a.defaultWorldID
}

func (a *AppContext) setDefaultWorldID(id world.WorldId) {
	a.defaultMu.Lock()
	defer a.defaultMu.Unlock()
	if a.defaultWorldID == "" {
		a.defaultWorldID = id
	}
}

// ServerInfo builds a fresh snapshot of this process's ServerInfo (spec §3),
// used both for local discovery registration and for PeerClient heartbeats
// to a remote discovery hub.
func (a *AppContext) ServerInfo() world.ServerInfo {
	return world.ServerInfo{
		ServerID:   world.ServerId(a.Config.ServerID),
		Host:       a.hostname,
		Port:       a.Config.APIPort,
		Hostname:   a.hostname,
		Status:     world.ServerOnline,
		Version:    Version,
		WorldCount: a.Worlds.Count(),
		IsLocal:    true,
		UptimeSeconds: a.Uptime().Seconds(),
	}
}
