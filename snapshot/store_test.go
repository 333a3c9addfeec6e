package snapshot

import (
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/biotronics/ecosim/codec"
	"github.com/biotronics/ecosim/world"
	"github.com/biotronics/ecosim/worldtypes"
)

type fakeSource struct {
	backend *worldtypes.Backend
	frame   int64
	paused  bool
}

func (f *fakeSource) FrameCountForSnapshot() int64 { return f.frame }
func (f *fakeSource) PausedForSnapshot() bool      { return f.paused }
func (f *fakeSource) Backend() world.Backend       { return f.backend }
func (f *fakeSource) SetPausedFromSnapshot(p bool) { f.paused = p }

func newRegistry() *codec.Registry {
	r := codec.NewRegistry()
	worldtypes.RegisterAll(r)
	return r
}

var _ = Describe("Store", func() {
	var (
		dir   string
		reg   *codec.Registry
		store *Store
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "snapshot-store-*")
		Expect(err).NotTo(HaveOccurred())
		reg = newRegistry()
		store = NewStore(dir, reg)
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Describe("Save/Load/Restore round trip", func() {
		It("preserves frame count, entity count, and parent links", func() {
			src := &fakeSource{backend: worldtypes.NewTank(), frame: 42}
			meta := Metadata{Name: "W1", WorldType: worldtypes.TypeTank, Persistent: true}

			path, err := store.Save("w1", src, meta)
			Expect(err).NotTo(HaveOccurred())
			_, statErr := os.Stat(path)
			Expect(statErr).NotTo(HaveOccurred())

			doc, lerr := store.Load(path)
			Expect(lerr).NotTo(HaveOccurred())
			Expect(doc.Frame).To(Equal(int64(42)))
			Expect(doc.Entities).To(HaveLen(20))

			dest := &fakeSource{backend: worldtypes.NewPetri()}
			Expect(store.Restore(doc, dest)).To(BeTrue())
			Expect(dest.backend.EntitiesList()).To(HaveLen(20))

			byID := make(map[string]*worldtypes.GenericEntity)
			for _, e := range dest.backend.EntitiesList() {
				byID[e.ID()] = e.(*worldtypes.GenericEntity)
			}
			for _, e := range byID {
				if e.Kind != worldtypes.KindNectar {
					continue
				}
				parent, ok := byID[e.ParentID]
				Expect(ok).To(BeTrue(), "nectar %s has dangling parent_id %s", e.IDVal, e.ParentID)
				Expect(parent.Kind).To(Equal(worldtypes.KindPlant))
			}
		})
	})

	Describe("Load", func() {
		It("distinguishes a missing file from a corrupt one", func() {
			_, err := store.Load(dir + "/nope.json")
			Expect(err).To(HaveOccurred())
			Expect(err.Code).To(Equal(ErrCodeMissing))

			corrupt := dir + "/corrupt.json"
			Expect(os.WriteFile(corrupt, []byte("{not json"), 0o644)).To(Succeed())

			_, err = store.Load(corrupt)
			Expect(err).To(HaveOccurred())
			Expect(err.Code).To(Equal(ErrCodeCorrupt))
		})
	})

	Describe("Retain", func() {
		It("keeps only the newest N snapshots for a world", func() {
			src := &fakeSource{backend: worldtypes.NewPetri()}
			for i := 0; i < 5; i++ {
				src.frame = int64(i)
				_, err := store.Save("w1", src, Metadata{WorldType: worldtypes.TypePetri})
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(store.Retain("w1", 2)).To(Succeed())

			headers, err := store.List("w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(headers).To(HaveLen(2))
		})
	})

	Describe("DiscoverAll", func() {
		It("finds the latest snapshot per world", func() {
			src := &fakeSource{backend: worldtypes.NewPetri()}
			for i := 0; i < 3; i++ {
				src.frame = int64(i)
				_, err := store.Save("w1", src, Metadata{WorldType: worldtypes.TypePetri})
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := store.Save("w2", src, Metadata{WorldType: worldtypes.TypePetri})
			Expect(err).NotTo(HaveOccurred())

			latest, err := store.DiscoverAll()
			Expect(err).NotTo(HaveOccurred())
			Expect(latest).To(HaveLen(2))
			Expect(latest).To(HaveKey(world.WorldId("w1")))
			Expect(latest).To(HaveKey(world.WorldId("w2")))
		})
	})
})
