package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/karrick/godirwalk"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/cmn/cos"
	"github.com/biotronics/ecosim/cmn/nlog"
	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/metrics"
	"github.com/biotronics/ecosim/world"
)

// Source is the minimal view of a running world SnapshotStore.Save needs.
// WorldRunner implements it; kept narrow here so this package never imports
// runner (and runner does not import snapshot either).
type Source interface {
	FrameCountForSnapshot() int64
	PausedForSnapshot() bool
	Backend() world.Backend
}

// Target is the minimal view SnapshotStore.Restore writes into.
type Target interface {
	Backend() world.Backend
	SetPausedFromSnapshot(bool)
}

// entityClearer and ecosystemRestorer are optional Backend capabilities;
// every worldtypes.Backend satisfies both, but the interface stays narrow
// at the world.Backend level per spec §2's opaque-backend boundary.
type entityClearer interface{ ClearEntities() }
type ecosystemRestorer interface{ RestoreEcosystem(*world.EcosystemStats) }

// Store is a per-world directory of versioned JSON snapshots under
// <root>/worlds/<world_id>/snapshots/.
type Store struct {
	root     string
	registry *codec.Registry

	// saveMu serializes writes per world (spec §5: "no two concurrent
	// saves for the same world").
	saveMu sync.Map // world.WorldId -> *sync.Mutex

	seq uint64
	seqMu sync.Mutex
}

func NewStore(root string, registry *codec.Registry) *Store {
	return &Store{root: root, registry: registry}
}

func (s *Store) worldDir(id world.WorldId) string {
	return filepath.Join(s.root, "worlds", id)
}

func (s *Store) snapshotsDir(id world.WorldId) string {
	return filepath.Join(s.worldDir(id), "snapshots")
}

func (s *Store) lockFor(id world.WorldId) *sync.Mutex {
	v, _ := s.saveMu.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Store) nextSeq() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	return s.seq
}

// Save captures entities and ecosystem stats via the codec registry and
// writes them atomically (spec §4.2). Returns the written path.
func (s *Store) Save(worldID world.WorldId, src Source, meta Metadata) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveSnapshotSave(time.Since(start)) }()

	lock := s.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.snapshotsDir(worldID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir snapshots dir: %w", err)
	}

	backend := src.Backend()
	entities := backend.EntitiesList()
	serialized := make([]world.SerializedEntity, 0, len(entities))
	for _, e := range entities {
		data, err := s.registry.TrySerialize(nil, e) //nolint:staticcheck // ctx unused by stand-in codecs
		if err != nil {
			nlog.Warnf("snapshot: skipping entity %s: %v", e.ID(), err)
			continue
		}
		serialized = append(serialized, data)
	}

	doc := &Document{
		SchemaVersion: SchemaVersion,
		WorldID:       worldID,
		SavedAt:       time.Now().Unix(),
		Frame:         src.FrameCountForSnapshot(),
		Metadata:      meta,
		Entities:      serialized,
		Ecosystem:     backend.Snapshot(),
		Paused:        src.PausedForSnapshot(),
	}
	doc.Checksum = checksumOf(doc)

	body, err := cos.JSON.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	name := fmt.Sprintf("snapshot_%s_%06d.json", time.Now().UTC().Format("20060102_150405"), s.nextSeq())
	path := filepath.Join(dir, name)
	if err := cos.WriteAtomic(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// checksumOf hashes the whole document with its checksum field zeroed so
// Load can detect truncation/corruption independent of the missing-file
// case.
func checksumOf(doc *Document) uint64 {
	cp := *doc
	cp.Checksum = 0
	b, _ := cos.JSON.Marshal(cp)
	return cos.Checksum64(b)
}

// Load parses and validates a snapshot file.
func (s *Store) Load(path string) (*Document, *cmn.Error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.NewError(ErrCodeMissing, "%s", path)
		}
		return nil, cmn.NewError(ErrCodeCorrupt, "read %s: %v", path, err)
	}

	var doc Document
	if err := cos.JSON.Unmarshal(body, &doc); err != nil {
		return nil, cmn.NewError(ErrCodeCorrupt, "parse %s: %v", path, err)
	}
	if doc.WorldID == "" || doc.Metadata.WorldType == "" || doc.Entities == nil {
		return nil, cmn.NewError(ErrCodeCorrupt, "%s: missing mandatory fields", path)
	}
	if want := checksumOf(&doc); doc.Checksum != 0 && want != doc.Checksum {
		return nil, cmn.NewError(ErrCodeCorrupt, "%s: checksum mismatch", path)
	}
	return &doc, nil
}

// Restore clears the target backend and deserializes entities in the two
// passes spec §4.2 mandates: non-dependents first (so their freshly
// allocated ids exist), then dependents, with parent_id remapped from the
// old (serialized) id to the new (destination) id.
func (s *Store) Restore(doc *Document, target Target) bool {
	backend := target.Backend()
	if clearer, ok := backend.(entityClearer); ok {
		clearer.ClearEntities()
	}

	idMap := make(map[string]string, len(doc.Entities))
	var dependents []world.SerializedEntity

	for _, data := range doc.Entities {
		if s.registry.IsDependent(data) {
			dependents = append(dependents, data)
			continue
		}
		oldID := data.ID()
		entity, err := s.registry.TryDeserialize(nil, data, backend) //nolint:staticcheck
		if err != nil {
			nlog.Errorf("restore %s: non-dependent entity %s: %v", doc.WorldID, oldID, err)
			return false
		}
		if oldID != "" {
			idMap[oldID] = entity.ID()
		}
	}

	for _, data := range dependents {
		if parentOld, ok := data["parent_id"].(string); ok {
			if newParent, ok := idMap[parentOld]; ok {
				data["parent_id"] = newParent
			}
		}
		if _, err := s.registry.TryDeserialize(nil, data, backend); err != nil { //nolint:staticcheck
			nlog.Errorf("restore %s: dependent entity: %v", doc.WorldID, err)
			return false
		}
	}

	if restorer, ok := backend.(ecosystemRestorer); ok {
		restorer.RestoreEcosystem(doc.Ecosystem)
	}
	target.SetPausedFromSnapshot(doc.Paused)
	return true
}

// List enumerates snapshot files for one world, newest first, reading only
// the header fields of each.
func (s *Store) List(worldID world.WorldId) ([]Header, error) {
	dir := s.snapshotsDir(worldID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	headers := make([]Header, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		body, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var h Header
		if err := cos.JSON.Unmarshal(body, &h); err != nil {
			continue
		}
		h.Path = path
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].SavedAt > headers[j].SavedAt })
	return headers, nil
}

// Retain deletes all but the newest maxKeep snapshots for a world.
func (s *Store) Retain(worldID world.WorldId, maxKeep int) error {
	headers, err := s.List(worldID)
	if err != nil {
		return err
	}
	if len(headers) <= maxKeep {
		return nil
	}
	for _, h := range headers[maxKeep:] {
		if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
			nlog.Warnf("retain %s: remove %s: %v", worldID, h.Path, err)
		}
	}
	return nil
}

// DiscoverAll scans the top-level snapshot tree so StartupManager can
// rehydrate worlds without a separate manifest (spec §4.2). For each
// world_id it returns the path of the most recently saved snapshot.
func (s *Store) DiscoverAll() (map[world.WorldId]string, error) {
	root := filepath.Join(s.root, "worlds")
	latest := make(map[world.WorldId]string)
	latestSavedAt := make(map[world.WorldId]int64)

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return latest, nil
	}

	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || !strings.HasSuffix(path, ".json") {
				return nil
			}
			body, err := os.ReadFile(path)
			if err != nil {
				return nil //nolint:nilerr // best-effort discovery, skip unreadable files
			}
			var h Header
			if err := cos.JSON.Unmarshal(body, &h); err != nil || h.WorldID == "" {
				return nil
			}
			if prev, ok := latestSavedAt[h.WorldID]; !ok || h.SavedAt > prev {
				latestSavedAt[h.WorldID] = h.SavedAt
				latest[h.WorldID] = path
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}
