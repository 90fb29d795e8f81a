package provisioning_test

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers/provisioning"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
)

var _ = Describe("Provision", func() {
	It("should drive a lease from creation to BOOTING", func() {
		id, err := provisioner.Provision(ctx, jenkins, agent, "linux-medium", "host-a")
		Expect(err).ToNot(HaveOccurred())

		l, err := db.GetLease(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		Expect(l.State).To(Equal(lease.StateBooting))
		Expect(l.VMID).To(Equal("vm-" + id[:12]))
		Expect(l.NodeName).To(Equal("ephemeral-" + id[:12]))
		Expect(l.HostID).To(Equal("host-a"))
		Expect(l.ConnectDeadline).To(Equal(fakeClock.Now().UTC().Add(5 * time.Minute)))
		Expect(l.TTLDeadline).To(Equal(fakeClock.Now().UTC().Add(2 * time.Hour)))

		Expect(jenkins.CreatedNodes).To(HaveLen(1))
		Expect(jenkins.CreatedNodes[0].Name).To(Equal(l.NodeName))
		Expect(jenkins.CreatedNodes[0].Label).To(Equal("linux-medium"))

		Expect(agent.EnsuredVMs).To(HaveLen(1))
		spec := agent.EnsuredVMs[0].Spec
		Expect(spec.VMID).To(Equal(l.VMID))
		Expect(spec.VCPU).To(Equal(4))
		Expect(spec.RAMMB).To(Equal(8192))
		Expect(spec.DiskGB).To(Equal(80))
		Expect(spec.OverlayPath).To(Equal("/var/lib/jenkins-qemu/" + l.VMID + ".qcow2"))
		Expect(spec.JNLPSecret).To(Equal("secret-" + l.NodeName))
		Expect(spec.Metadata).To(HaveKeyWithValue("lease_id", id))

		decoded, err := base64.StdEncoding.DecodeString(spec.CloudInitUserDataB64)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(decoded)).To(HavePrefix("#cloud-config"))
		Expect(string(decoded)).To(ContainSubstring("JENKINS_NODE_NAME"))

		types := eventTypes(id)
		Expect(types).To(Equal([]string{"lease.created", "lease.provisioning", "lease.booting"}))
	})

	It("should normalize a label expression for the node definition", func() {
		_, err := provisioner.Provision(ctx, jenkins, agent, "linux && medium", "host-a")
		Expect(err).ToNot(HaveOccurred())
		Expect(jenkins.CreatedNodes[0].Label).To(Equal("linux medium"))
	})

	It("should park the lease in FAILED and roll back the node when the secret fetch fails", func() {
		jenkins.GetSecretError = errors.New("boom")

		_, err := provisioner.Provision(ctx, jenkins, agent, "linux-medium", "host-a")
		Expect(err).To(HaveOccurred())
		var perr *provisioning.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Stage).To(Equal("get_secret"))
		Expect(perr.HostID).To(Equal("host-a"))

		l, err := db.GetLease(ctx, perr.LeaseID)
		Expect(err).ToNot(HaveOccurred())
		Expect(l.State).To(Equal(lease.StateFailed))
		Expect(l.LastError).To(ContainSubstring("boom"))

		Expect(jenkins.DeletedNodes).To(ConsistOf(l.NodeName))
		Expect(agent.EnsuredVMs).To(BeEmpty())
		Expect(eventTypes(perr.LeaseID)).To(Equal([]string{"lease.created", "lease.provisioning", "lease.failed"}))
	})

	It("should report the ensure_vm stage when the agent rejects the VM", func() {
		agent.EnsureError = errors.New("no space")

		_, err := provisioner.Provision(ctx, jenkins, agent, "linux-large", "host-a")
		var perr *provisioning.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Stage).To(Equal("ensure_vm"))
		Expect(perr.Detail).To(ContainSubstring("no space"))
	})

	It("should be a no-op for a lease that is already past provisioning", func() {
		id, err := provisioner.Provision(ctx, jenkins, agent, "linux-medium", "host-a")
		Expect(err).ToNot(HaveOccurred())

		again, err := provisioner.Provision(ctx, jenkins, agent, "linux-medium", "host-a",
			provisioning.WithLeaseID(id))
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(id))

		Expect(jenkins.CreatedNodes).To(HaveLen(1))
		Expect(agent.EnsuredVMs).To(HaveLen(1))
		Expect(eventTypes(id)).To(Equal([]string{"lease.created", "lease.provisioning", "lease.booting"}))
	})

	It("should re-drive a lease stuck in FAILED under the same id", func() {
		jenkins.GetSecretError = errors.New("boom")
		_, err := provisioner.Provision(ctx, jenkins, agent, "linux-medium", "host-a")
		var perr *provisioning.Error
		Expect(errors.As(err, &perr)).To(BeTrue())

		jenkins.GetSecretError = nil
		id, err := provisioner.Provision(ctx, jenkins, agent, "linux-medium", "host-a",
			provisioning.WithLeaseID(perr.LeaseID))
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal(perr.LeaseID))

		l, err := db.GetLease(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		Expect(l.State).To(Equal(lease.StateBooting))
	})
})

var _ = Describe("ChooseProfile", func() {
	It("should pick profiles by label substring", func() {
		Expect(provisioning.ChooseProfile("linux-large").VCPU).To(Equal(8))
		Expect(provisioning.ChooseProfile("dragonflybsd-medium").RAMMB).To(Equal(8192))
		Expect(provisioning.ChooseProfile("whatever").Name).To(Equal("small"))
	})
})

var _ = Describe("NormalizeNodeLabel", func() {
	It("should strip expression operators and stopwords", func() {
		Expect(provisioning.NormalizeNodeLabel("linux && (medium || large)")).To(Equal("linux medium large"))
		Expect(provisioning.NormalizeNodeLabel("linux and not windows")).To(Equal("linux windows"))
		Expect(provisioning.NormalizeNodeLabel("a a b")).To(Equal("a b"))
	})

	It("should fall back to ephemeral for empty expressions", func() {
		Expect(provisioning.NormalizeNodeLabel("&& ||")).To(Equal("ephemeral"))
		Expect(provisioning.NormalizeNodeLabel("true and false")).To(Equal("ephemeral"))
	})
})

var _ = Describe("BuildCloudInitUserData", func() {
	It("should write the env file to both paths and launch the bootstrap script", func() {
		data := provisioning.BuildCloudInitUserData("https://jenkins.example.org/", "ephemeral-abc", "s3cret")
		Expect(strings.Count(data, "JENKINS_JNLP_SECRET")).To(BeNumerically(">=", 2))
		Expect(data).To(ContainSubstring("/usr/local/etc/jenkins-qemu/jenkins-agent.env"))
		Expect(data).To(ContainSubstring("/etc/jenkins-agent.env"))
		Expect(data).To(ContainSubstring("runcmd:"))
		Expect(data).To(ContainSubstring("start-jenkins-inbound-agent.sh"))
		// trailing slash trimmed before embedding
		Expect(data).To(ContainSubstring("'https://jenkins.example.org'"))
	})
})

func eventTypes(leaseID string) []string {
	events, err := db.ListEvents(ctx, leaseID, 0)
	Expect(err).ToNot(HaveOccurred())
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}
