// Package discovery implements DiscoveryService (spec §4.5): the
// heartbeat-TTL peer registry, plus the private-address rejection rule
// from spec §6's discovery endpoints.
//
// Backed by `tidwall/buntdb`, the same domain-stack choice as connstore —
// both are "persist the full map to a single file after every mutation"
// singletons (spec §3).
package discovery

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/biotronics/ecosim/cmn/cos"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/world"
)

// Registry is DiscoveryService.
type Registry struct {
	db   *buntdb.DB
	mu   sync.Mutex
	heartbeatTimeout time.Duration
	heartbeatInterval time.Duration
	pruneTimeout      time.Duration

	// monotonic is swappable in tests; defaults to time.Now's monotonic
	// reading via time.Since semantics.
	now func() time.Time
}

type entry struct {
	Info                   world.ServerInfo `json:"info"`
	LastHeartbeatUnixNanos int64            `json:"last_heartbeat_unix_nanos"`
}

func Open(path string, heartbeatInterval, heartbeatTimeout, pruneTimeout time.Duration) (*Registry, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: open %s: %w", path, err)
	}
	db.SetConfig(buntdb.Config{SyncPolicy: buntdb.Always})
	return &Registry{
		db:                db,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		pruneTimeout:      pruneTimeout,
		now:               time.Now,
	}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// IsPrivateHost reports whether host (an IP literal or hostname) resolves
// to a private, loopback, or link-local address (spec §6).
func IsPrivateHost(host string) bool {
	ips := []net.IP{net.ParseIP(host)}
	if ips[0] == nil {
		resolved, err := net.LookupIP(host)
		if err != nil {
			// unresolvable hosts are treated as untrusted, not private;
			// the caller still applies its own reachability checks.
			return false
		}
		ips = resolved
	}
	for _, ip := range ips {
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return true
		}
	}
	return false
}

// Register adds or replaces a peer. If an existing entry has the same
// host:port but a different server_id, it is evicted first (spec §4.5:
// "server restarts with a new id are handled").
func (r *Registry) Register(info world.ServerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	_ = r.db.Update(func(tx *buntdb.Tx) error {
		var staleKey string
		_ = tx.Ascend("", func(key, value string) bool {
			var e entry
			if err := cos.JSON.UnmarshalFromString(value, &e); err != nil {
				return true
			}
			if e.Info.Host == info.Host && e.Info.Port == info.Port && e.Info.ServerID != info.ServerID {
				staleKey = key
				return false
			}
			return true
		})
		if staleKey != "" {
			_, _ = tx.Delete(staleKey)
		}
		info.Status = world.ServerOnline
		return r.put(tx, info, now)
	})
}

func (r *Registry) put(tx *buntdb.Tx, info world.ServerInfo, t time.Time) error {
	e := entry{Info: info, LastHeartbeatUnixNanos: t.UnixNano()}
	body, err := cos.JSON.MarshalToString(e)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(info.ServerID, body, nil)
	return err
}

// Heartbeat refreshes a known peer's timestamp, optionally merging updated
// info, and transitions offline->online. Reports false for an unknown id
// (caller should Register instead).
func (r *Registry) Heartbeat(serverID world.ServerId, info *world.ServerInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ok bool
	now := r.now()
	_ = r.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(serverID)
		if err == buntdb.ErrNotFound {
			return nil
		}
		var e entry
		if err := cos.JSON.UnmarshalFromString(val, &e); err != nil {
			return nil
		}
		if info != nil {
			merged := *info
			merged.ServerID = serverID
			e.Info = merged
		}
		e.Info.Status = world.ServerOnline
		e.LastHeartbeatUnixNanos = now.UnixNano()
		body, merr := cos.JSON.MarshalToString(e)
		if merr != nil {
			return merr
		}
		if _, _, err := tx.Set(serverID, body, nil); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// Unregister removes a peer, reporting whether it existed.
func (r *Registry) Unregister(serverID world.ServerId) bool {
	var existed bool
	_ = r.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(serverID)
		existed = err == nil
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	return existed
}

// Get looks up one peer.
func (r *Registry) Get(serverID world.ServerId) (world.ServerInfo, bool) {
	var out world.ServerInfo
	var ok bool
	_ = r.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(serverID)
		if err != nil {
			return nil
		}
		var e entry
		if err := cos.JSON.UnmarshalFromString(val, &e); err != nil {
			return nil
		}
		out = e.Info
		ok = true
		return nil
	})
	return out, ok
}

// List returns peers matching an optional status filter, sorted by
// server_id. When includeLocal is false, entries whose IsLocal is true are
// omitted.
func (r *Registry) List(statusFilter world.ServerStatus, includeLocal bool) []world.ServerInfo {
	var out []world.ServerInfo
	_ = r.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var e entry
			if err := cos.JSON.UnmarshalFromString(value, &e); err != nil {
				return true
			}
			if statusFilter != "" && e.Info.Status != statusFilter {
				return true
			}
			if !includeLocal && e.Info.IsLocal {
				return true
			}
			out = append(out, e.Info)
			return true
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// CleanupOnce runs one pass of the background cleanup loop (spec §4.5):
// classify every peer by heartbeat age and prune or downgrade as needed.
// Returns the number of entries that changed (including removals).
func (r *Registry) CleanupOnce() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	now := r.now()
	_ = r.db.Update(func(tx *buntdb.Tx) error {
		var toDelete []string
		var toUpdate []entry
		_ = tx.Ascend("", func(key, value string) bool {
			var e entry
			if err := cos.JSON.UnmarshalFromString(value, &e); err != nil {
				return true
			}
			age := now.Sub(time.Unix(0, e.LastHeartbeatUnixNanos))
			switch {
			case age > r.pruneTimeout:
				toDelete = append(toDelete, key)
			case age > r.heartbeatTimeout:
				if e.Info.Status != world.ServerOffline {
					e.Info.Status = world.ServerOffline
					toUpdate = append(toUpdate, e)
				}
			case age > 2*r.heartbeatInterval:
				if e.Info.Status != world.ServerDegraded {
					e.Info.Status = world.ServerDegraded
					toUpdate = append(toUpdate, e)
				}
			default:
				if e.Info.Status != world.ServerOnline {
					e.Info.Status = world.ServerOnline
					toUpdate = append(toUpdate, e)
				}
			}
			return true
		})
		for _, k := range toDelete {
			if _, err := tx.Delete(k); err == nil {
				changed++
			}
		}
		for _, e := range toUpdate {
			body, err := cos.JSON.MarshalToString(e)
			if err != nil {
				continue
			}
			if _, _, err := tx.Set(e.Info.ServerID, body, nil); err == nil {
				changed++
			}
		}
		return nil
	})
	if changed > 0 {
		nlog.Infof("discovery: cleanup pass changed %d entries", changed)
	}
	return changed
}

// RunCleanupLoop blocks, running CleanupOnce every cleanupInterval, until
// stop is closed.
func (r *Registry) RunCleanupLoop(cleanupInterval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.CleanupOnce()
		}
	}
}
