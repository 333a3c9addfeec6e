// Package connstore implements ConnectionStore (spec §4.3): the directed,
// probabilistic world-to-world link table MigrationScheduler polls.
//
// Every "persisted to one file" singleton (spec §3) is backed by
// `tidwall/buntdb`, an embedded single-file KV store, rather than
// hand-rolling JSON-file load/save like SnapshotStore does: buntdb gives
// every Update an atomic, crash-safe commit to its backing file for free
// (SyncPolicy Always), so explicit save()/load() collapse to Open/Close.
package connstore

import (
	"fmt"
	"sync"

	"github.com/tidwall/buntdb"

	"github.com/biotronics/ecosim/cmn/cos"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/world"
)

// Store is ConnectionStore. buntdb already serializes transactions
// internally; storeMu additionally protects the single connection-id
// uniqueness invariant across a read-then-write pair of operations that
// would otherwise need two transactions.
type Store struct {
	db      *buntdb.DB
	storeMu sync.Mutex
}

// Open opens (creating if absent) the single backing file at path. An
// empty path opens an in-memory store, used by tests.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("connstore: open %s: %w", path, err)
	}
	db.SetConfig(buntdb.Config{SyncPolicy: buntdb.Always})
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save forces compaction of the backing file. Every Add/Remove/ClearForWorld
// call is already durable the moment it returns (SyncPolicy Always); Save
// exists to keep the API shape spec §4.3 names, and is safe to call on a
// schedule or at shutdown.
func (s *Store) Save() error { return s.db.Shrink() }

// Add enforces at most one connection per ordered (source, dest) pair by
// removing any existing match before inserting (spec §3/§4.3).
func (s *Store) Add(conn world.Connection) error {
	if conn.ConnectionID == "" {
		conn.ConnectionID = world.DefaultConnectionID(conn.SourceWorldID, conn.DestWorldID)
	}

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	return s.db.Update(func(tx *buntdb.Tx) error {
		var staleKeys []string
		_ = tx.Ascend("", func(key, value string) bool {
			var existing world.Connection
			if err := cos.JSON.UnmarshalFromString(value, &existing); err != nil {
				return true
			}
			if existing.SourceWorldID == conn.SourceWorldID && existing.DestWorldID == conn.DestWorldID {
				staleKeys = append(staleKeys, key)
			}
			return true
		})
		for _, k := range staleKeys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		body, err := cos.JSON.MarshalToString(conn)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(conn.ConnectionID, body, nil)
		return err
	})
}

// Remove deletes one connection by id, reporting whether it existed.
func (s *Store) Remove(id string) bool {
	var existed bool
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(id)
		if err == buntdb.ErrNotFound {
			return nil
		}
		existed = err == nil
		return err
	})
	if err != nil {
		nlog.Warnf("connstore: remove %s: %v", id, err)
		return false
	}
	return existed
}

// ForWorld returns every connection whose source is worldID, the
// scheduler's primary query. An empty direction matches any direction.
func (s *Store) ForWorld(worldID world.WorldId, direction world.Direction) []world.Connection {
	var out []world.Connection
	_ = s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var c world.Connection
			if err := cos.JSON.UnmarshalFromString(value, &c); err != nil {
				return true
			}
			if c.SourceWorldID == worldID && (direction == "" || c.Direction == direction) {
				out = append(out, c)
			}
			return true
		})
	})
	return out
}

// ClearForWorld removes every connection in which worldID appears as
// either endpoint, used when a world is deleted.
func (s *Store) ClearForWorld(worldID world.WorldId) int {
	removed := 0
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		_ = tx.Ascend("", func(key, value string) bool {
			var c world.Connection
			if err := cos.JSON.UnmarshalFromString(value, &c); err != nil {
				return true
			}
			if c.SourceWorldID == worldID || c.DestWorldID == worldID {
				keys = append(keys, key)
			}
			return true
		})
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		nlog.Warnf("connstore: clear_for_world %s: %v", worldID, err)
	}
	return removed
}

// isLocalEndpoint reports whether a server id on a connection endpoint
// refers to this server: unset (same-process local world) or an explicit
// match.
func isLocalEndpoint(serverID, localServerID world.ServerId) bool {
	return serverID == "" || serverID == localServerID
}

// Validate prunes connections where both endpoints are local and at least
// one endpoint's world_id is not in validLocalWorldIDs. Remote endpoints
// are never pruned here — this server cannot authoritatively say whether a
// world exists on another server (spec §4.3).
func (s *Store) Validate(validLocalWorldIDs map[world.WorldId]struct{}, localServerID world.ServerId) int {
	removed := 0
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		_ = tx.Ascend("", func(key, value string) bool {
			var c world.Connection
			if err := cos.JSON.UnmarshalFromString(value, &c); err != nil {
				return true
			}
			bothLocal := isLocalEndpoint(c.SourceServerID, localServerID) && isLocalEndpoint(c.DestServerID, localServerID)
			if !bothLocal {
				return true
			}
			_, srcOK := validLocalWorldIDs[c.SourceWorldID]
			_, dstOK := validLocalWorldIDs[c.DestWorldID]
			if !srcOK || !dstOK {
				keys = append(keys, key)
			}
			return true
		})
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		nlog.Warnf("connstore: validate: %v", err)
	}
	return removed
}

// All returns every connection currently stored, for MigrationScheduler's
// per-tick snapshot (spec §4.4 step 1) and for API listing.
func (s *Store) All() []world.Connection {
	var out []world.Connection
	_ = s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var c world.Connection
			if err := cos.JSON.UnmarshalFromString(value, &c); err == nil {
				out = append(out, c)
			}
			return true
		})
	})
	return out
}
