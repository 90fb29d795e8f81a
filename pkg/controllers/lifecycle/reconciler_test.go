package lifecycle_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
)

var _ = Describe("Tick", func() {
	Context("runtime transitions", func() {
		It("should move a connected idle node from BOOTING to CONNECTED", func() {
			l := putLease("boot1", lease.StateBooting)
			jenkins.SetStatus(l.NodeName, true, false)

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateConnected))
			Expect(eventTypes(l.ID)).To(Equal([]string{"lease.connected"}))
		})

		It("should pass through CONNECTED to RUNNING when a booting node is already busy", func() {
			l := putLease("boot2", lease.StateBooting)
			jenkins.SetStatus(l.NodeName, true, true)

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateRunning))
			Expect(eventTypes(l.ID)).To(Equal([]string{"lease.connected", "lease.running"}))
		})

		It("should leave a BOOTING lease alone while the node is still offline", func() {
			l := putLease("boot3", lease.StateBooting)
			jenkins.SetStatus(l.NodeName, false, false)

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateBooting))
		})

		It("should skip a lease whose status probe fails without changing state", func() {
			l := putLease("boot4", lease.StateBooting)
			jenkins.StatusErrors[l.NodeName] = errors.New("proxy error")

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateBooting))
			Expect(eventTypes(l.ID)).To(BeEmpty())
		})
	})

	Context("deadlines", func() {
		It("should terminate a BOOTING lease past its connect deadline", func() {
			l := putLease("late1", lease.StateBooting)
			fakeClock.Step(connectDeadline + time.Second)

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateTerminated))
			Expect(agent.DeletedVMs).To(HaveLen(1))
			Expect(agent.DeletedVMs[0].Reason).To(Equal("never_connected"))
			Expect(jenkins.DeletedNodes).To(ConsistOf(l.NodeName))
			Expect(eventTypes(l.ID)).To(ContainElement("lease.terminated"))
		})

		It("should park a REQUESTED lease past its connect deadline through FAILED", func() {
			l := putLease("late2", lease.StateRequested)
			fakeClock.Step(connectDeadline + time.Second)

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateTerminated))
		})

		It("should terminate a RUNNING lease past its ttl", func() {
			l := putLease("ttl1", lease.StateRunning)
			jenkins.SetStatus(l.NodeName, true, true)
			fakeClock.Step(ttlDeadline + time.Second)

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateTerminated))
			Expect(agent.DeletedVMs[0].Reason).To(Equal("ttl_expired"))
		})
	})

	Context("disconnect grace", func() {
		It("should stamp the first offline observation without terminating", func() {
			l := putLease("disc1", lease.StateRunning)
			jenkins.SetStatus(l.NodeName, false, false)

			Expect(reconciler.Tick(ctx)).To(Succeed())
			got := getLease(l.ID)
			Expect(got.State).To(Equal(lease.StateRunning))
			Expect(got.DisconnectedAt).ToNot(BeNil())
			Expect(eventTypes(l.ID)).To(Equal([]string{"lease.disconnected_detected"}))
		})

		It("should wait out the grace period before terminating", func() {
			l := putLease("disc2", lease.StateRunning)
			jenkins.SetStatus(l.NodeName, false, false)
			Expect(reconciler.Tick(ctx)).To(Succeed())

			fakeClock.Step(disconnectedGrace / 2)
			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateRunning))

			fakeClock.Step(disconnectedGrace)
			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateTerminated))
			Expect(agent.DeletedVMs[0].Reason).To(Equal("unexpected_disconnect"))
			Expect(eventTypes(l.ID)).To(ContainElement("lease.disconnected_grace_expired"))
		})

		It("should clear the stamp when the node recovers", func() {
			l := putLease("disc3", lease.StateRunning)
			jenkins.SetStatus(l.NodeName, false, false)
			Expect(reconciler.Tick(ctx)).To(Succeed())

			fakeClock.Step(30 * time.Second)
			jenkins.SetStatus(l.NodeName, true, true)
			Expect(reconciler.Tick(ctx)).To(Succeed())

			got := getLease(l.ID)
			Expect(got.State).To(Equal(lease.StateRunning))
			Expect(got.DisconnectedAt).To(BeNil())
			Expect(eventTypes(l.ID)).To(ContainElement("lease.disconnected_recovered"))
		})
	})

	Context("build binding and job end", func() {
		It("should bind the first observed build url exactly once", func() {
			l := putLease("bind1", lease.StateRunning)
			jenkins.SetStatus(l.NodeName, true, true)
			jenkins.BuildURLs[l.NodeName] = "https://jenkins.example.org/job/a/1/"

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).BoundBuildURL).To(Equal("https://jenkins.example.org/job/a/1/"))
			Expect(eventTypes(l.ID)).To(Equal([]string{"lease.job_bound"}))

			// a later build on the same node must not rebind
			jenkins.BuildURLs[l.NodeName] = "https://jenkins.example.org/job/b/7/"
			jenkins.Building["https://jenkins.example.org/job/a/1/"] = true
			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).BoundBuildURL).To(Equal("https://jenkins.example.org/job/a/1/"))
			Expect(eventTypes(l.ID)).To(ContainElement("lease.unexpected_reuse"))
			Expect(getLease(l.ID).State).To(Equal(lease.StateRunning))
		})

		It("should terminate once the bound build finished and the node idles", func() {
			l := putLease("bind2", lease.StateRunning)
			jenkins.SetStatus(l.NodeName, true, true)
			jenkins.BuildURLs[l.NodeName] = "https://jenkins.example.org/job/a/1/"
			jenkins.Building["https://jenkins.example.org/job/a/1/"] = true
			Expect(reconciler.Tick(ctx)).To(Succeed())

			// build finished, node idle again
			jenkins.SetStatus(l.NodeName, true, false)
			jenkins.BuildURLs[l.NodeName] = ""
			jenkins.Building["https://jenkins.example.org/job/a/1/"] = false
			Expect(reconciler.Tick(ctx)).To(Succeed())

			Expect(getLease(l.ID).State).To(Equal(lease.StateTerminated))
			Expect(agent.DeletedVMs[0].Reason).To(Equal("job_terminal"))
			Expect(eventTypes(l.ID)).To(ContainElement("lease.job_terminal_detected"))
		})

		It("should not terminate an idle node that never bound a build", func() {
			l := putLease("bind3", lease.StateRunning)
			jenkins.SetStatus(l.NodeName, true, false)

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateRunning))
		})

		It("should keep waiting while the bound build is still running elsewhere reported busy false", func() {
			l := putLease("bind4", lease.StateRunning)
			jenkins.SetStatus(l.NodeName, true, true)
			jenkins.BuildURLs[l.NodeName] = "https://jenkins.example.org/job/a/1/"
			jenkins.Building["https://jenkins.example.org/job/a/1/"] = true
			Expect(reconciler.Tick(ctx)).To(Succeed())

			jenkins.SetStatus(l.NodeName, true, false)
			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(getLease(l.ID).State).To(Equal(lease.StateRunning))
		})
	})

	Context("termination", func() {
		It("should park in TERMINATING when the vm delete fails and retry next tick", func() {
			l := putLease("term1", lease.StateRunning)
			jenkins.SetStatus(l.NodeName, true, true)
			fakeClock.Step(ttlDeadline + time.Second)
			agent.DeleteError = errors.New("host unreachable")

			Expect(reconciler.Tick(ctx)).To(Succeed())
			got := getLease(l.ID)
			Expect(got.State).To(Equal(lease.StateTerminating))
			Expect(got.LastError).To(ContainSubstring("ttl_expired: delete_vm_failed"))
			Expect(eventTypes(l.ID)).To(ContainElement("lease.terminate_retry"))

			agent.DeleteError = nil
			Expect(reconciler.Tick(ctx)).To(Succeed())
			got = getLease(l.ID)
			Expect(got.State).To(Equal(lease.StateTerminated))
			Expect(agent.DeletedVMs[0].Reason).To(Equal("terminate_retry"))
		})

		It("should terminate an already TERMINATING lease exactly once", func() {
			l := putLease("term2", lease.StateTerminating)

			Expect(reconciler.Tick(ctx)).To(Succeed())
			Expect(reconciler.Tick(ctx)).To(Succeed())

			Expect(getLease(l.ID).State).To(Equal(lease.StateTerminated))
			Expect(agent.DeletedVMs).To(HaveLen(1))
			Expect(eventTypes(l.ID)).To(Equal([]string{"lease.terminated"}))
		})
	})
})
