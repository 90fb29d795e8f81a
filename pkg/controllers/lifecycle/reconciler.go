// Package lifecycle drives every live lease toward its next state: runtime
// transitions observed from the CI system, deadline enforcement, disconnect
// grace, job binding and teardown.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/metrics"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
)

type Config struct {
	DisconnectedGrace time.Duration
}

type Reconciler struct {
	store  *store.Store
	ci     controllers.CIClient
	agents controllers.AgentFactory
	clock  clock.PassiveClock
	log    logr.Logger
	config Config
}

func NewReconciler(s *store.Store, ci controllers.CIClient, agents controllers.AgentFactory,
	clk clock.PassiveClock, log logr.Logger, config Config) *Reconciler {
	return &Reconciler{store: s, ci: ci, agents: agents, clock: clk, log: log.WithName("reconciler"), config: config}
}

// Tick visits every lease not yet TERMINATED. A lease whose external probes
// fail is skipped for this tick and revisited on the next one; skips never
// abort the pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	leases, err := r.store.ListLiveLeases(ctx)
	if err != nil {
		return fmt.Errorf("listing live leases, %w", err)
	}
	var errs error
	for _, l := range leases {
		if err := r.reconcile(ctx, l); err != nil {
			metrics.ReconcileSkips.Inc()
			r.log.V(1).Info("skipping lease for this tick", "lease", l.ID, "error", err.Error())
			errs = multierr.Append(errs, fmt.Errorf("lease %s, %w", l.ID, err))
		}
	}
	if errs != nil {
		r.log.V(1).Info("reconcile pass finished with skips", "error", errs.Error())
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, l *lease.Lease) error {
	now := r.clock.Now().UTC()

	if l.State == lease.StateTerminating {
		return r.Terminate(ctx, l, "terminate_retry")
	}
	switch l.State {
	case lease.StateRequested, lease.StateProvisioning, lease.StateBooting:
		if now.After(l.ConnectDeadline) {
			return r.Terminate(ctx, l, "never_connected")
		}
	}
	if now.After(l.TTLDeadline) {
		return r.Terminate(ctx, l, "ttl_expired")
	}

	switch l.State {
	case lease.StateBooting, lease.StateConnected, lease.StateRunning:
	default:
		return nil
	}

	status, err := r.ci.NodeRuntimeStatus(ctx, l.NodeName)
	if err != nil {
		return fmt.Errorf("probing node %s, %w", l.NodeName, err)
	}
	if err := r.applyRuntimeTransitions(ctx, l, status); err != nil {
		return err
	}
	if l.State != lease.StateRunning {
		return nil
	}
	return r.applyRunningPolicies(ctx, l, status, now)
}

// applyRuntimeTransitions advances BOOTING→CONNECTED→RUNNING from the observed
// status, both steps inside one transaction. l is updated in place.
func (r *Reconciler) applyRuntimeTransitions(ctx context.Context, l *lease.Lease, status controllers.RuntimeStatus) error {
	if !status.Connected {
		return nil
	}
	return r.store.Update(ctx, func(tx *store.Tx) error {
		if l.State == lease.StateBooting {
			ok, err := tx.CASLeaseState(ctx, l.ID, lease.StateBooting, lease.StateConnected, "")
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := tx.AppendEvent(ctx, "lease.connected", nil, l.ID); err != nil {
				return err
			}
			l.State = lease.StateConnected
		}
		if status.Busy && l.State == lease.StateConnected {
			ok, err := tx.CASLeaseState(ctx, l.ID, lease.StateConnected, lease.StateRunning, "")
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := tx.AppendEvent(ctx, "lease.running", nil, l.ID); err != nil {
				return err
			}
			l.State = lease.StateRunning
		}
		return nil
	})
}

func (r *Reconciler) applyRunningPolicies(ctx context.Context, l *lease.Lease, status controllers.RuntimeStatus, now time.Time) error {
	if !status.Connected {
		return r.applyDisconnectGrace(ctx, l, now)
	}
	if l.DisconnectedAt != nil {
		offlineFor := now.Sub(*l.DisconnectedAt)
		err := r.store.Update(ctx, func(tx *store.Tx) error {
			if err := tx.ClearDisconnected(ctx, l.ID); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, "lease.disconnected_recovered", map[string]any{
				"offline_for_sec": int(offlineFor.Seconds()),
			}, l.ID)
		})
		if err != nil {
			return err
		}
		l.DisconnectedAt = nil
	}

	currentURL, err := r.ci.NodeCurrentBuildURL(ctx, l.NodeName)
	if err != nil {
		return fmt.Errorf("probing current build on %s, %w", l.NodeName, err)
	}

	if l.BoundBuildURL == "" {
		if currentURL == "" {
			return nil
		}
		err := r.store.Update(ctx, func(tx *store.Tx) error {
			bound, err := tx.BindBuildURL(ctx, l.ID, currentURL)
			if err != nil {
				return err
			}
			if !bound {
				return nil
			}
			return tx.AppendEvent(ctx, "lease.job_bound", map[string]any{"build_url": currentURL}, l.ID)
		})
		if err != nil {
			return err
		}
		l.BoundBuildURL = currentURL
		return nil
	}

	// The binding is load-bearing for job-end detection, so reuse of the node
	// by another build is reported but never acted on.
	if currentURL != "" && currentURL != l.BoundBuildURL {
		if err := r.emit(ctx, l.ID, "lease.unexpected_reuse", map[string]any{
			"bound_build_url":   l.BoundBuildURL,
			"current_build_url": currentURL,
		}); err != nil {
			return err
		}
	}

	if status.Busy {
		return nil
	}
	running, err := r.ci.IsBuildRunning(ctx, l.BoundBuildURL)
	if err != nil {
		return fmt.Errorf("probing build %s, %w", l.BoundBuildURL, err)
	}
	if running {
		return nil
	}
	if err := r.emit(ctx, l.ID, "lease.job_terminal_detected", map[string]any{
		"build_url": l.BoundBuildURL,
	}); err != nil {
		return err
	}
	return r.Terminate(ctx, l, "job_terminal")
}

func (r *Reconciler) applyDisconnectGrace(ctx context.Context, l *lease.Lease, now time.Time) error {
	if l.DisconnectedAt == nil {
		return r.store.Update(ctx, func(tx *store.Tx) error {
			if err := tx.MarkDisconnected(ctx, l.ID, now); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, "lease.disconnected_detected", nil, l.ID)
		})
	}
	offlineFor := now.Sub(*l.DisconnectedAt)
	if offlineFor < r.config.DisconnectedGrace {
		return nil
	}
	if err := r.emit(ctx, l.ID, "lease.disconnected_grace_expired", map[string]any{
		"offline_for_sec": int(offlineFor.Seconds()),
	}); err != nil {
		return err
	}
	return r.Terminate(ctx, l, "unexpected_disconnect")
}

// terminationPath lists the CAS steps from a state down to TERMINATED. Leases
// that never got external resources park in FAILED on the way out.
func terminationPath(from lease.State) []lease.State {
	switch from {
	case lease.StateRequested, lease.StateProvisioning:
		return []lease.State{lease.StateFailed, lease.StateTerminated}
	case lease.StateBooting, lease.StateConnected, lease.StateRunning:
		return []lease.State{lease.StateTerminating, lease.StateTerminated}
	default:
		return []lease.State{lease.StateTerminated}
	}
}

// Terminate tears the lease down: delete the VM, then best-effort delete the
// CI node, then walk the state machine to TERMINATED. A VM delete failure
// parks the lease in TERMINATING with the failure recorded, and the next tick
// retries.
func (r *Reconciler) Terminate(ctx context.Context, l *lease.Lease, reason string) error {
	if l.State == lease.StateTerminated {
		return nil
	}
	if err := r.agents(l.HostID).DeleteVM(ctx, l.VMID, reason, false); err != nil {
		detail := fmt.Sprintf("%s: delete_vm_failed: %s", reason, err.Error())
		park := lease.StateTerminating
		if l.State == lease.StateRequested || l.State == lease.StateProvisioning {
			park = lease.StateFailed
		}
		return r.store.Update(ctx, func(tx *store.Tx) error {
			if _, err := tx.CASLeaseState(ctx, l.ID, l.State, park, detail); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, "lease.terminate_retry", map[string]any{
				"reason": reason, "detail": err.Error(),
			}, l.ID)
		})
	}

	if err := r.ci.DeleteNode(ctx, l.NodeName); err != nil {
		r.log.V(1).Info("node delete failed during terminate", "node", l.NodeName, "error", err.Error())
	}

	terminated := false
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		current := l.State
		for _, step := range terminationPath(current) {
			ok, err := tx.CASLeaseState(ctx, l.ID, current, step, "")
			if err != nil {
				return err
			}
			if !ok {
				// raced with another writer; revisited next tick
				return nil
			}
			current = step
		}
		if err := tx.AppendEvent(ctx, "lease.terminated", map[string]any{"reason": reason}, l.ID); err != nil {
			return err
		}
		terminated = true
		return nil
	})
	if err != nil {
		return err
	}
	if terminated {
		l.State = lease.StateTerminated
		metrics.LeasesTerminated.Inc()
		r.log.Info("terminated lease", "lease", l.ID, "vm", l.VMID, "reason", reason)
	}
	return nil
}

func (r *Reconciler) emit(ctx context.Context, leaseID, eventType string, payload map[string]any) error {
	return r.store.Update(ctx, func(tx *store.Tx) error {
		return tx.AppendEvent(ctx, eventType, payload, leaseID)
	})
}
