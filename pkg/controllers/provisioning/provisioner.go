// Package provisioning materializes leases: given a label and a host, it
// creates the ephemeral CI node and the virtual machine exactly once and
// drives the lease from REQUESTED to BOOTING.
package provisioning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
)

// Error carries enough context for the scaler to log and account a failed
// launch without re-deriving anything.
type Error struct {
	LeaseID string
	VMID    string
	HostID  string
	Label   string
	Stage   string
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning failed lease_id=%s vm_id=%s host_id=%s stage=%s: %s",
		e.LeaseID, e.VMID, e.HostID, e.Stage, e.Detail)
}

// Config is the slice of configuration the provisioner needs.
type Config struct {
	JenkinsURL      string
	BaseImageID     string
	ConnectDeadline time.Duration
	VMTTL           time.Duration
}

type Provisioner struct {
	store  *store.Store
	clock  clock.PassiveClock
	log    logr.Logger
	config Config
}

func NewProvisioner(s *store.Store, clk clock.PassiveClock, log logr.Logger, config Config) *Provisioner {
	return &Provisioner{store: s, clock: clk, log: log.WithName("provisioner"), config: config}
}

type provisionOptions struct {
	leaseID string
}

type Option func(*provisionOptions)

// WithLeaseID pins the lease id so a retry reuses the same derived external
// names instead of creating new objects.
func WithLeaseID(id string) Option {
	return func(o *provisionOptions) { o.leaseID = id }
}

// DeriveNames computes the external identifiers for a lease id. The rule is
// short and stable so that retries with the same id hit the same VM and node.
func DeriveNames(leaseID string) (vmID, nodeName string) {
	short := leaseID
	if len(short) > 12 {
		short = short[:12]
	}
	return "vm-" + short, "ephemeral-" + short
}

// Provision runs the full sequence for one (label, host) demand. It returns
// the lease id; on failure the lease is left in FAILED with the CI node
// rolled back best-effort, and the returned error is an *Error.
func (p *Provisioner) Provision(ctx context.Context, ci controllers.CIClient, agent controllers.AgentClient, label, hostID string, opts ...Option) (string, error) {
	var o provisionOptions
	for _, opt := range opts {
		opt(&o)
	}
	leaseID := o.leaseID
	if leaseID == "" {
		leaseID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	vmID, nodeName := DeriveNames(leaseID)
	profile := ChooseProfile(label)
	now := p.clock.Now().UTC()
	connectDeadline := now.Add(p.config.ConnectDeadline)
	ttlDeadline := now.Add(p.config.VMTTL)

	// Idempotency probe: a lease that already made it past the external
	// calls is returned untouched. Anything earlier is reset and re-driven.
	alreadyProvisioned := false
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetLease(ctx, leaseID)
		if err != nil && err != store.ErrNotFound {
			return err
		}
		if existing != nil {
			switch existing.State {
			case lease.StateBooting, lease.StateConnected, lease.StateRunning,
				lease.StateTerminating, lease.StateTerminated:
				alreadyProvisioned = true
				return nil
			}
		}
		if err := tx.PutLease(ctx, &lease.Lease{
			ID:              leaseID,
			VMID:            vmID,
			NodeName:        nodeName,
			Label:           label,
			State:           lease.StateRequested,
			HostID:          hostID,
			CreatedAt:       now,
			UpdatedAt:       now,
			ConnectDeadline: connectDeadline,
			TTLDeadline:     ttlDeadline,
		}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, "lease.created", map[string]any{
			"label": label, "host_id": hostID,
		}, leaseID)
	})
	if err != nil {
		return "", fmt.Errorf("materializing lease %s, %w", leaseID, err)
	}
	if alreadyProvisioned {
		return leaseID, nil
	}

	if err := p.casWithEvent(ctx, leaseID, lease.StateRequested, lease.StateProvisioning,
		"lease.provisioning", map[string]any{"host_id": hostID}, ""); err != nil {
		return "", fmt.Errorf("advancing lease %s to provisioning, %w", leaseID, err)
	}

	if err := p.materialize(ctx, ci, agent, leaseID, vmID, nodeName, label, profile, connectDeadline, ttlDeadline); err != nil {
		stage := "ensure_vm"
		var perr *Error
		if e, ok := err.(*stageError); ok {
			stage = e.stage
			err = e.err
		}
		p.fail(ctx, leaseID, err)
		// Roll back the CI node so a half-provisioned definition does not
		// linger; its absence is also fine.
		if derr := ci.DeleteNode(ctx, nodeName); derr != nil {
			p.log.V(1).Info("rollback node delete failed", "node", nodeName, "error", derr.Error())
		}
		perr = &Error{
			LeaseID: leaseID,
			VMID:    vmID,
			HostID:  hostID,
			Label:   label,
			Stage:   stage,
			Detail:  err.Error(),
		}
		return "", perr
	}

	if err := p.casWithEvent(ctx, leaseID, lease.StateProvisioning, lease.StateBooting,
		"lease.booting", map[string]any{"host_id": hostID}, ""); err != nil {
		return "", fmt.Errorf("advancing lease %s to booting, %w", leaseID, err)
	}
	p.log.Info("provisioned lease", "lease", leaseID, "vm", vmID, "node", nodeName, "label", label, "host", hostID)
	return leaseID, nil
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }

func (p *Provisioner) materialize(ctx context.Context, ci controllers.CIClient, agent controllers.AgentClient,
	leaseID, vmID, nodeName, label string, profile Profile, connectDeadline, ttlDeadline time.Time) error {
	if err := ci.CreateEphemeralNode(ctx, nodeName, NormalizeNodeLabel(label)); err != nil {
		return &stageError{stage: "create_node", err: err}
	}
	secret, err := ci.GetInboundSecret(ctx, nodeName)
	if err != nil {
		return &stageError{stage: "get_secret", err: err}
	}
	userData := BuildCloudInitUserData(p.config.JenkinsURL, nodeName, secret)
	spec := controllers.VMSpec{
		VMID:                 vmID,
		Label:                label,
		BaseImageID:          p.config.BaseImageID,
		OverlayPath:          fmt.Sprintf("/var/lib/jenkins-qemu/%s.qcow2", vmID),
		VCPU:                 profile.VCPU,
		RAMMB:                profile.RAMMB,
		DiskGB:               profile.DiskGB,
		LeaseExpiresAt:       ttlDeadline,
		ConnectDeadline:      connectDeadline,
		JenkinsURL:           p.config.JenkinsURL,
		JenkinsNodeName:      nodeName,
		JNLPSecret:           secret,
		CloudInitUserDataB64: EncodeUserData(userData),
		Metadata:             map[string]string{"lease_id": leaseID},
	}
	if err := agent.EnsureVM(ctx, vmID, spec); err != nil {
		return &stageError{stage: "ensure_vm", err: err}
	}
	return nil
}

func (p *Provisioner) casWithEvent(ctx context.Context, leaseID string, expected, target lease.State,
	eventType string, payload map[string]any, lastError string) error {
	return p.store.Update(ctx, func(tx *store.Tx) error {
		ok, err := tx.CASLeaseState(ctx, leaseID, expected, target, lastError)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("lease %s no longer in %s", leaseID, expected)
		}
		return tx.AppendEvent(ctx, eventType, payload, leaseID)
	})
}

func (p *Provisioner) fail(ctx context.Context, leaseID string, cause error) {
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		current, err := tx.GetLease(ctx, leaseID)
		if err != nil {
			return err
		}
		ok, err := tx.CASLeaseState(ctx, leaseID, current.State, lease.StateFailed, cause.Error())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return tx.AppendEvent(ctx, "lease.failed", map[string]any{"error": cause.Error()}, leaseID)
	})
	if err != nil {
		p.log.Error(err, "recording lease failure", "lease", leaseID)
	}
}
