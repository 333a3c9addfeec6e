// Package migration implements MigrationScheduler (spec §4.4): the
// periodic task that rolls dice on every configured connection and drives
// entities across worlds, local or cross-server.
//
// The periodic-task shape is a ticker-driven goroutine with a stop
// channel, like runner.Runner's tickLoop (which re-arms a time.Timer
// instead, since its period follows fast-forward); the reserve-then-commit,
// destination-then-source lock ordering is fixed exactly as spec §4.4/§5
// specify it.
package migration

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/discovery"
	"github.com/biotronics/ecosim/history"
	"github.com/biotronics/ecosim/metrics"
	"github.com/biotronics/ecosim/peer"
	"github.com/biotronics/ecosim/wmgr"
	"github.com/biotronics/ecosim/world"
)

// migrationEnergyAmount is the fixed energy quantum burned at the source and
// gained at the destination on every successful transfer. The generic
// stand-in entities (worldtypes.GenericEntity) don't expose a readable
// energy balance through world.EnergyAware — only the mutators — so the
// scheduler can't carry the entity's *own* energy across; a fixed quantum
// is the simplest way to keep burn and gain exactly equal (spec §4.4's
// "sum of energy-in and energy-out across a successful transfer is zero").
const migrationEnergyAmount = 5.0

// Worlds is the narrow view of wmgr.Manager the scheduler needs.
type Worlds interface {
	Get(id world.WorldId) (*wmgr.Instance, bool)
}

// Connections is the narrow view of connstore.Store the scheduler needs.
type Connections interface {
	All() []world.Connection
}

// Scheduler is MigrationScheduler.
type Scheduler struct {
	worlds      Worlds
	connections Connections
	registry    *codec.Registry
	history     *history.History
	discovery   *discovery.Registry
	peerClient  *peer.Client
	config      *cmn.Config

	localServerID world.ServerId
	migratable    map[string]struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	inFlightMu sync.Mutex
	inFlight   *cuckoo.Filter

	wg     sync.WaitGroup
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler. migratableTypes is the snapshot-type allow
// list eligible for migration (spec §4.4's "fish-like and plant-like", e.g.
// worldtypes.DefaultMigratableTypes()); peerClient/discoveryReg may be nil
// if federation isn't configured, in which case remote migrations are
// skipped with a warning (spec §4.4's "require DiscoveryService and
// PeerClient ... skip with a warning otherwise").
func New(worlds Worlds, connections Connections, registry *codec.Registry, hist *history.History, discoveryReg *discovery.Registry, peerClient *peer.Client, config *cmn.Config, localServerID world.ServerId, migratableTypes []string) *Scheduler {
	m := make(map[string]struct{}, len(migratableTypes))
	for _, t := range migratableTypes {
		m[t] = struct{}{}
	}
	return &Scheduler{
		worlds:        worlds,
		connections:   connections,
		registry:      registry,
		history:       hist,
		discovery:     discoveryReg,
		peerClient:    peerClient,
		config:        config,
		localServerID: localServerID,
		migratable:    m,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		inFlight:      cuckoo.NewFilter(1024),
	}
}

// Start launches the periodic goroutine. Idempotent: a second Start while
// already running is a no-op.
func (s *Scheduler) Start() {
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop()
}

// Stop signals the loop to exit and waits up to 5s for in-flight
// connection attempts to finish (spec §5: shutdown steps are time-bounded).
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		nlog.Warnf("migration: shutdown timed out waiting for in-flight transfers")
	}
	s.stopCh = nil
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	interval := s.config.MigrationCheckInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

// runOnce is one scheduler pass (spec §4.4 steps 1-3). Each connection is
// attempted in its own goroutine so a slow remote peer never delays the
// rest of the set; runOnce itself returns once every attempt has been
// dispatched, not once they've completed.
func (s *Scheduler) runOnce() {
	conns := s.connections.All()
	for _, conn := range conns {
		conn := conn
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					nlog.Errorf("migration: connection %s panicked: %v", conn.ConnectionID, r)
				}
			}()
			s.attemptConnection(conn)
		}()
	}
}

func (s *Scheduler) attemptConnection(conn world.Connection) {
	if s.roll() > conn.Probability {
		return
	}
	if conn.IsRemote() {
		s.remoteMigration(context.Background(), conn)
	} else {
		s.localMigration(context.Background(), conn)
	}
}

func (s *Scheduler) roll() int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return 1 + s.rng.Intn(100)
}

// pickEntity selects a migratable entity from entities using a seed derived
// from (connection_id, local wall-clock seconds), recording the seed for
// reproducibility in the resulting TransferRecord (spec §4.4).
func pickEntity(connectionID string, entities []world.Entity, migratable map[string]struct{}) (world.Entity, int64, bool) {
	var candidates []world.Entity
	for _, e := range entities {
		if _, ok := migratable[e.SnapshotType()]; ok {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, 0, false
	}
	seed := int64(len(connectionID)) + time.Now().Unix()
	r := rand.New(rand.NewSource(seed))
	return candidates[r.Intn(len(candidates))], seed, true
}

// inFlightKey bounds concurrent re-selection of the same source entity: the
// default migration_check_interval (2s) can be shorter than a slow remote
// peer's transfer_timeout (15s), so a cuckoo filter admission set prevents
// the next tick's roll from picking an entity whose previous migration
// attempt hasn't resolved yet.
func inFlightKey(connectionID string, entityID world.EntityId) []byte {
	return []byte(connectionID + "|" + entityID)
}

func (s *Scheduler) markInFlight(key []byte) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	return s.inFlight.InsertUnique(key)
}

func (s *Scheduler) clearInFlight(key []byte) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	s.inFlight.Delete(key)
}

func (s *Scheduler) localMigration(ctx context.Context, conn world.Connection) {
	src, ok := s.worlds.Get(conn.SourceWorldID)
	if !ok {
		return
	}
	dst, ok := s.worlds.Get(conn.DestWorldID)
	if !ok {
		return
	}
	if src.Runner.Paused() || dst.Runner.Paused() {
		return
	}

	src.Runner.Lock()
	entity, seed, found := pickEntity(conn.ConnectionID, src.Runner.Backend().EntitiesList(), s.migratable)
	if !found {
		src.Runner.Unlock()
		return
	}
	entityID := entity.ID()
	key := inFlightKey(conn.ConnectionID, entityID)
	if !s.markInFlight(key) {
		src.Runner.Unlock()
		return
	}
	data, serr := s.registry.TrySerialize(ctx, entity)
	src.Runner.Unlock()
	if serr != nil {
		s.clearInFlight(key)
		nlog.Warnf("migration: serialize %s on %s failed: %v", entityID, conn.SourceWorldID, serr)
		s.logTransfer(world.TransferRecord{
			TransferID:      world.NewTransferId(),
			Timestamp:       nowUnix(),
			EntityOldID:     entityID,
			SourceWorldID:   conn.SourceWorldID,
			DestWorldID:     string(conn.DestWorldID),
			Success:         false,
			ErrorCode:       string(serr.Code),
			SelectionSeed:   seed,
		})
		return
	}

	dst.Runner.Lock()
	src.Runner.Lock()
	newEntity, derr := s.registry.TryDeserialize(ctx, data, dst.Runner.Backend())
	if derr != nil {
		src.Runner.Unlock()
		dst.Runner.Unlock()
		s.clearInFlight(key)
		if derr.Code == cmn.ErrNoRootSpots {
			return // silent back-pressure, no TransferRecord (spec §4.4)
		}
		s.logTransfer(world.TransferRecord{
			TransferID:    world.NewTransferId(),
			Timestamp:     nowUnix(),
			EntityType:    data.Type(),
			EntityOldID:   entityID,
			SourceWorldID: conn.SourceWorldID,
			DestWorldID:   string(conn.DestWorldID),
			Success:       false,
			ErrorCode:     string(derr.Code),
			SelectionSeed: seed,
		})
		return
	}

	src.Runner.Backend().RemoveEntity(entityID)
	if burner, ok := entity.(world.EnergyAware); ok {
		burner.RecordEnergyBurn("migration", migrationEnergyAmount)
	}
	if gainer, ok := newEntity.(world.EnergyAware); ok {
		gainer.RecordEnergyGain("migration_in", migrationEnergyAmount)
	}
	src.Runner.Unlock()
	dst.Runner.Unlock()
	s.clearInFlight(key)

	src.Runner.InvalidateCache()
	dst.Runner.InvalidateCache()

	s.logTransfer(world.TransferRecord{
		TransferID:      world.NewTransferId(),
		Timestamp:       nowUnix(),
		EntityType:      data.Type(),
		EntityOldID:     entityID,
		EntityNewID:     newEntity.ID(),
		SourceWorldID:   conn.SourceWorldID,
		DestWorldID:     string(conn.DestWorldID),
		Success:         true,
		SelectionSeed:   seed,
	})
}

func (s *Scheduler) remoteMigration(ctx context.Context, conn world.Connection) {
	if s.discovery == nil || s.peerClient == nil {
		nlog.Warnf("migration: connection %s is remote but discovery/peer client is unavailable; skipping", conn.ConnectionID)
		return
	}
	src, ok := s.worlds.Get(conn.SourceWorldID)
	if !ok || src.Runner.Paused() {
		return
	}
	peerInfo, ok := s.discovery.Get(conn.DestServerID)
	if !ok {
		s.logTransfer(world.TransferRecord{
			TransferID:    world.NewTransferId(),
			Timestamp:     nowUnix(),
			SourceWorldID: conn.SourceWorldID,
			DestWorldID:   string(conn.DestWorldID),
			Success:       false,
			ErrorCode:     string(cmn.ErrUnknownServer),
		})
		return
	}

	src.Runner.Lock()
	entity, seed, found := pickEntity(conn.ConnectionID, src.Runner.Backend().EntitiesList(), s.migratable)
	if !found {
		src.Runner.Unlock()
		return
	}
	entityID := entity.ID()
	key := inFlightKey(conn.ConnectionID, entityID)
	if !s.markInFlight(key) {
		src.Runner.Unlock()
		return
	}
	data, serr := s.registry.TrySerialize(ctx, entity)
	if serr != nil {
		src.Runner.Unlock()
		s.clearInFlight(key)
		return
	}
	// The wire is the commit point (spec §4.4): remove from source before
	// sending, so a crash after the POST never leaves the entity in both
	// places.
	src.Runner.Backend().RemoveEntity(entityID)
	if burner, ok := entity.(world.EnergyAware); ok {
		burner.RecordEnergyBurn("migration", migrationEnergyAmount)
	}
	src.Runner.Unlock()
	src.Runner.InvalidateCache()

	baseURL := fmt.Sprintf("http://%s:%d", peerInfo.Host, peerInfo.Port)
	destLabel := fmt.Sprintf("%s:%s", conn.DestServerID, conn.DestWorldID)
	resp, perr := s.peerClient.RemoteTransferEntity(ctx, baseURL, peer.RemoteTransferRequest{
		DestinationWorldID: conn.DestWorldID,
		EntityData:         data,
		SourceServerID:     s.localServerID,
		SourceWorldID:      conn.SourceWorldID,
	})
	s.clearInFlight(key)

	if perr == nil && resp != nil && resp.Success {
		var newID world.EntityId
		if resp.Entity != nil {
			newID = resp.Entity.NewID
		}
		s.logTransfer(world.TransferRecord{
			TransferID:    world.NewTransferId(),
			Timestamp:     nowUnix(),
			EntityType:    data.Type(),
			EntityOldID:   entityID,
			EntityNewID:   newID,
			SourceWorldID: conn.SourceWorldID,
			DestWorldID:   destLabel,
			Success:       true,
			SelectionSeed: seed,
		})
		return
	}

	// Failure or network error: restore the entity locally.
	s.restoreAfterRemoteFailure(ctx, src, entity, data, entityID, seed, conn, destLabel, perr)
}

func (s *Scheduler) restoreAfterRemoteFailure(ctx context.Context, src *wmgr.Instance, original world.Entity, data world.SerializedEntity, entityID world.EntityId, seed int64, conn world.Connection, destLabel string, perr *cmn.Error) {
	src.Runner.Lock()
	restored, rerr := s.registry.TryDeserialize(ctx, data, src.Runner.Backend())
	if rerr == nil {
		if gainer, ok := restored.(world.EnergyAware); ok {
			gainer.RecordEnergyGain("migration_restore", migrationEnergyAmount)
		}
	}
	src.Runner.Unlock()
	src.Runner.InvalidateCache()

	if rerr != nil {
		nlog.Errorf("migration: failed to restore entity %s to %s after remote failure: %v", entityID, conn.SourceWorldID, rerr)
	}

	silentNoRootSpots := perr != nil && perr.Code == cmn.ErrNoRootSpots
	if silentNoRootSpots {
		return
	}

	code := string(cmn.ErrUnreachableServer)
	if perr != nil {
		code = string(perr.Code)
	}
	s.logTransfer(world.TransferRecord{
		TransferID:    world.NewTransferId(),
		Timestamp:     nowUnix(),
		EntityType:    data.Type(),
		EntityOldID:   entityID,
		SourceWorldID: conn.SourceWorldID,
		DestWorldID:   destLabel,
		Success:       false,
		ErrorCode:     code,
		SelectionSeed: seed,
	})
}

func (s *Scheduler) logTransfer(rec world.TransferRecord) {
	metrics.IncMigrationOutcome(rec.Success, rec.ErrorCode)
	if s.history == nil {
		return
	}
	if err := s.history.Log(rec); err != nil {
		nlog.Warnf("migration: history log failed: %v", err)
	}
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }
