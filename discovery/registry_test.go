package discovery

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/biotronics/ecosim/world"
)

var _ = Describe("Registry", func() {
	var r *Registry

	BeforeEach(func() {
		opened, err := Open("", 2*time.Second, 6*time.Second, 3600*time.Second)
		Expect(err).NotTo(HaveOccurred())
		r = opened
	})

	AfterEach(func() {
		r.Close()
	})

	Describe("Register and Heartbeat", func() {
		It("accepts heartbeats for a registered peer and rejects unknown ones", func() {
			r.Register(world.ServerInfo{ServerID: "s1", Host: "1.2.3.4", Port: 9000})

			got, ok := r.Get("s1")
			Expect(ok).To(BeTrue())
			Expect(got.Status).To(Equal(world.ServerOnline))

			Expect(r.Heartbeat("s1", nil)).To(BeTrue())
			Expect(r.Heartbeat("unknown", nil)).To(BeFalse())
		})

		It("evicts a stale server id sharing host:port with a new registration", func() {
			r.Register(world.ServerInfo{ServerID: "old-id", Host: "1.2.3.4", Port: 9000})
			r.Register(world.ServerInfo{ServerID: "new-id", Host: "1.2.3.4", Port: 9000})

			_, ok := r.Get("old-id")
			Expect(ok).To(BeFalse())
			_, ok = r.Get("new-id")
			Expect(ok).To(BeTrue())
		})
	})

	Describe("Unregister", func() {
		It("reports whether the peer existed", func() {
			r.Register(world.ServerInfo{ServerID: "s1"})
			Expect(r.Unregister("s1")).To(BeTrue())
			Expect(r.Unregister("s1")).To(BeFalse())
		})
	})

	Describe("List", func() {
		It("filters by status and by local/remote", func() {
			r.Register(world.ServerInfo{ServerID: "local", IsLocal: true})
			r.Register(world.ServerInfo{ServerID: "remote"})

			Expect(r.List("", true)).To(HaveLen(2))

			remoteOnly := r.List("", false)
			Expect(remoteOnly).To(HaveLen(1))
			Expect(remoteOnly[0].ServerID).To(Equal(world.ServerId("remote")))
		})
	})

	Describe("CleanupOnce", func() {
		It("classifies a server as degraded, then offline, then prunes it as time advances", func() {
			base := time.Now()
			r.now = func() time.Time { return base }
			r.Register(world.ServerInfo{ServerID: "s1"})

			r.now = func() time.Time { return base.Add(5 * time.Second) }
			r.CleanupOnce()
			got, _ := r.Get("s1")
			Expect(got.Status).To(Equal(world.ServerDegraded))

			r.now = func() time.Time { return base.Add(7 * time.Second) }
			r.CleanupOnce()
			got, _ = r.Get("s1")
			Expect(got.Status).To(Equal(world.ServerOffline))

			r.now = func() time.Time { return base.Add(3601 * time.Second) }
			r.CleanupOnce()
			_, ok := r.Get("s1")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("IsPrivateHost", func() {
		It("classifies RFC1918, loopback, and link-local hosts as private", func() {
			cases := map[string]bool{
				"127.0.0.1":   true,
				"10.0.0.5":    true,
				"192.168.1.1": true,
				"169.254.1.1": true,
				"8.8.8.8":     false,
				"1.1.1.1":     false,
			}
			for host, want := range cases {
				Expect(IsPrivateHost(host)).To(Equal(want), "host %s", host)
			}
		})
	})
})
