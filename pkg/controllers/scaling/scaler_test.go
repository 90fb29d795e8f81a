package scaling_test

import (
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/metrics"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
)

var _ = Describe("Tick", func() {
	Context("with a single healthy linux host", func() {
		BeforeEach(func() {
			registerHost(linuxHost("host-a"))
		})

		It("should launch up to the label burst for queued demand", func() {
			jenkins.Queue.QueuedByLabel["linux-medium"] = 10

			Expect(scaler.Tick(ctx)).To(Succeed())

			booting := leasesInState(lease.StateBooting)
			Expect(booting).To(HaveLen(2))
			for _, l := range booting {
				Expect(l.Label).To(Equal("linux-medium"))
				Expect(l.HostID).To(Equal("host-a"))
			}
			Expect(agent.EnsuredVMs).To(HaveLen(2))
			for _, vm := range agent.EnsuredVMs {
				Expect(vm.Spec.VCPU).To(Equal(4))
				Expect(vm.Spec.RAMMB).To(Equal(8192))
			}
			Expect(allEventTypes()).To(ContainElement("scale.launch"))
		})

		It("should hold the label in cooldown after a launch", func() {
			jenkins.Queue.QueuedByLabel["linux-medium"] = 10

			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(leasesInState(lease.StateBooting)).To(HaveLen(2))

			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(leasesInState(lease.StateBooting)).To(HaveLen(2))

			// 3x the loop interval later the label is eligible again
			fakeClock.Step(31 * time.Second)
			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(leasesInState(lease.StateBooting)).To(HaveLen(4))
		})

		It("should not launch when inflight leases already cover the demand", func() {
			for i := 0; i < 3; i++ {
				putLease(fmt.Sprintf("covered%02d", i), "linux-medium", lease.StateBooting)
			}
			jenkins.Queue.QueuedByLabel["linux-medium"] = 3

			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(agent.EnsuredVMs).To(BeEmpty())
		})

		It("should emit a throttled event at the per-label inflight cap", func() {
			for i := 0; i < 5; i++ {
				putLease(fmt.Sprintf("inflight%02d", i), "linux-medium", lease.StateBooting)
			}
			jenkins.Queue.QueuedByLabel["linux-medium"] = 20

			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(agent.EnsuredVMs).To(BeEmpty())
			Expect(allEventTypes()).To(ContainElement("scale.inflight_limit"))

			// unchanged condition is throttled on the next tick
			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(countEvents("scale.inflight_limit")).To(Equal(1))
		})

		It("should emit a throttled event at the global cap", func() {
			for i := 0; i < 10; i++ {
				putLease(fmt.Sprintf("running%02d", i), "other-label", lease.StateRunning)
			}
			jenkins.Queue.QueuedByLabel["linux-medium"] = 5

			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(agent.EnsuredVMs).To(BeEmpty())
			Expect(allEventTypes()).To(ContainElement("scale.global_limit"))
		})

		It("should isolate launch failures and still advance the cooldown", func() {
			agent.EnsureError = errors.New("disk full")
			jenkins.Queue.QueuedByLabel["linux-medium"] = 10

			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(leasesInState(lease.StateFailed)).To(HaveLen(2))
			Expect(countEvents("scale.launch_failed")).To(Equal(2))

			// cooldown prevents immediate re-launch even after failures
			agent.EnsureError = nil
			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(agent.EnsuredVMs).To(BeEmpty())
		})
	})

	It("should spread a burst across hosts when the first fills up", func() {
		for _, id := range []string{"host-a1", "host-a2"} {
			h := linuxHost(id)
			h.CPUTotal = 6
			h.RAMTotalMB = 16384
			registerHost(h)
		}
		jenkins.Queue.QueuedByLabel["linux-medium"] = 4

		Expect(scaler.Tick(ctx)).To(Succeed())

		booting := leasesInState(lease.StateBooting)
		Expect(booting).To(HaveLen(2))
		hosts := map[string]int{}
		for _, l := range booting {
			hosts[l.HostID]++
		}
		// a medium VM leaves only 2 free cpus on a 6-cpu host, so the second
		// launch moves to the other host
		Expect(hosts).To(Equal(map[string]int{"host-a1": 1, "host-a2": 1}))
	})

	It("should credit node-addressed queue demand to the lease's label", func() {
		dfly := linuxHost("host-dfly")
		dfly.OSFamily = "dragonflybsd"
		dfly.SupportedAccels = []string{"nvmm"}
		dfly.SelectedAccel = "nvmm"
		registerHost(dfly)

		putLeaseWithNode("abc123", "dragonflybsd-nvmm", lease.StateRunning, "ephemeral-abc")
		jenkins.Queue.QueuedByNode["ephemeral-abc"] = 1

		Expect(scaler.Tick(ctx)).To(Succeed())

		booting := leasesInState(lease.StateBooting)
		Expect(booting).To(HaveLen(1))
		Expect(booting[0].Label).To(Equal("dragonflybsd-nvmm"))
		Expect(booting[0].HostID).To(Equal("host-dfly"))
	})

	It("should ignore node-addressed demand for unknown nodes", func() {
		registerHost(linuxHost("host-a"))
		jenkins.Queue.QueuedByNode["ephemeral-nope"] = 1

		Expect(scaler.Tick(ctx)).To(Succeed())
		Expect(agent.EnsuredVMs).To(BeEmpty())
	})

	Context("with no eligible host", func() {
		It("should count rejections by reason and emit one throttled event", func() {
			disabled := linuxHost("host-off")
			disabled.Enabled = false
			registerHost(disabled)
			wrongOS := linuxHost("host-bsd")
			wrongOS.OSFamily = "dragonflybsd"
			registerHost(wrongOS)

			before := snapshotMetric(`no_eligible_hosts_total{reason="os_mismatch"}`)
			jenkins.Queue.QueuedByLabel["linux-medium"] = 1

			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(agent.EnsuredVMs).To(BeEmpty())
			Expect(allEventTypes()).To(ContainElement("scale.no_eligible_hosts"))
			Expect(snapshotMetric(`no_eligible_hosts_total{reason="os_mismatch"}`)).To(Equal(before + 1))
		})

		It("should reject a host whose selected accel does not fit the label", func() {
			tcgOnly := linuxHost("host-tcg")
			tcgOnly.SupportedAccels = []string{"tcg"}
			tcgOnly.SelectedAccel = "tcg"
			registerHost(tcgOnly)
			jenkins.Queue.QueuedByLabel["linux-kvm-medium"] = 1

			Expect(scaler.Tick(ctx)).To(Succeed())
			Expect(agent.EnsuredVMs).To(BeEmpty())
		})
	})
})

func putLease(id, label string, state lease.State) {
	putLeaseWithNode(id, label, state, "ephemeral-"+id)
}

func putLeaseWithNode(id, label string, state lease.State, nodeName string) {
	now := fakeClock.Now().UTC()
	Expect(db.Update(ctx, func(tx *store.Tx) error {
		return tx.PutLease(ctx, &lease.Lease{
			ID:              id,
			VMID:            "vm-" + id,
			NodeName:        nodeName,
			Label:           label,
			State:           state,
			HostID:          "host-a",
			CreatedAt:       now,
			UpdatedAt:       now,
			ConnectDeadline: now.Add(5 * time.Minute),
			TTLDeadline:     now.Add(2 * time.Hour),
		})
	})).To(Succeed())
}

func countEvents(eventType string) int {
	count := 0
	for _, t := range allEventTypes() {
		if t == eventType {
			count++
		}
	}
	return count
}

func snapshotMetric(key string) int64 {
	snapshot, err := metrics.Snapshot()
	Expect(err).ToNot(HaveOccurred())
	return snapshot[key]
}
