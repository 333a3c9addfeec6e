package connstore

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/biotronics/ecosim/world"
)

var _ = Describe("Store", func() {
	var s *Store

	BeforeEach(func() {
		opened, err := Open("")
		Expect(err).NotTo(HaveOccurred())
		s = opened
	})

	AfterEach(func() {
		s.Close()
	})

	mustAdd := func(c world.Connection) {
		ExpectWithOffset(1, s.Add(c)).To(Succeed())
	}

	Describe("Add", func() {
		It("enforces ordered-pair uniqueness and lets the reverse pair coexist", func() {
			c1 := world.Connection{SourceWorldID: "a", DestWorldID: "b", Probability: 10, Direction: world.DirRight}
			mustAdd(c1)
			c2 := world.Connection{SourceWorldID: "a", DestWorldID: "b", Probability: 90, Direction: world.DirLeft}
			mustAdd(c2)

			all := s.All()
			Expect(all).To(HaveLen(1))
			Expect(all[0].Probability).To(Equal(90), "replacement should win")

			mustAdd(world.Connection{SourceWorldID: "b", DestWorldID: "a", Probability: 5})
			Expect(s.All()).To(HaveLen(2), "reverse pair is independent")
		})
	})

	Describe("ForWorld", func() {
		It("filters by source and optionally by direction", func() {
			mustAdd(world.Connection{SourceWorldID: "a", DestWorldID: "b", Direction: world.DirLeft})
			mustAdd(world.Connection{SourceWorldID: "a", DestWorldID: "c", Direction: world.DirRight})
			mustAdd(world.Connection{SourceWorldID: "z", DestWorldID: "a"})

			Expect(s.ForWorld("a", "")).To(HaveLen(2))

			got := s.ForWorld("a", world.DirLeft)
			Expect(got).To(HaveLen(1))
			Expect(got[0].DestWorldID).To(Equal(world.WorldId("b")))
		})
	})

	Describe("ClearForWorld", func() {
		It("removes connections in either role", func() {
			mustAdd(world.Connection{SourceWorldID: "a", DestWorldID: "b"})
			mustAdd(world.Connection{SourceWorldID: "b", DestWorldID: "c"})
			mustAdd(world.Connection{SourceWorldID: "x", DestWorldID: "y"})

			Expect(s.ClearForWorld("b")).To(Equal(2))
			Expect(s.All()).To(HaveLen(1))
		})
	})

	Describe("Validate", func() {
		It("prunes only connections where both endpoints are local and the destination is stale", func() {
			mustAdd(world.Connection{SourceWorldID: "a", DestWorldID: "gone"})
			mustAdd(world.Connection{SourceWorldID: "a", DestWorldID: "gone-remote", SourceServerID: "local", DestServerID: "peer"})
			mustAdd(world.Connection{SourceWorldID: "a", DestWorldID: "b"})

			valid := map[world.WorldId]struct{}{"a": {}, "b": {}}
			Expect(s.Validate(valid, "local")).To(Equal(1))
			Expect(s.All()).To(HaveLen(2))
		})
	})

	Describe("Remove", func() {
		It("reports whether the connection existed", func() {
			mustAdd(world.Connection{SourceWorldID: "a", DestWorldID: "b"})
			id := world.DefaultConnectionID("a", "b")
			Expect(s.Remove(id)).To(BeTrue())
			Expect(s.Remove(id)).To(BeFalse())
		})
	})
})
