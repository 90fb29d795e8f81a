package apiserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
)

type vmStatusRequest struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

type leaseRead struct {
	LeaseID         string    `json:"lease_id"`
	VMID            string    `json:"vm_id"`
	Label           string    `json:"label"`
	JenkinsNode     string    `json:"jenkins_node"`
	State           string    `json:"state"`
	HostID          string    `json:"host_id,omitempty"`
	ConnectDeadline time.Time `json:"connect_deadline"`
	TTLDeadline     time.Time `json:"ttl_deadline"`
	BoundBuildURL   string    `json:"bound_build_url,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

type manualTerminateRequest struct {
	Reason string `json:"reason"`
}

// vmStatus is the agent callback reporting a VM state change. The reported
// state is applied only if the transition matrix allows it from the current
// state; the callback is recorded either way.
func (s *Server) vmStatus(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "vmID")
	var req vmStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	target := lease.State(req.State)

	l, err := s.store.GetLeaseByVMID(r.Context(), vmID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown vm")
		return
	}
	if err != nil {
		s.log.Error(err, "loading lease by vm", "vm", vmID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	applied := false
	err = s.store.Update(r.Context(), func(tx *store.Tx) error {
		ok, err := tx.CASLeaseState(r.Context(), l.ID, l.State, target, req.Reason)
		if err != nil {
			return err
		}
		applied = ok
		return tx.AppendEvent(r.Context(), "vm.status", map[string]any{
			"vm_id": vmID, "state": req.State, "reason": req.Reason, "applied": ok,
		}, l.ID)
	})
	if err != nil {
		s.log.Error(err, "applying vm status", "vm", vmID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "applied": applied})
}

func (s *Server) listLeases(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	leases, err := s.store.ListLeases(r.Context(), store.LeaseFilter{
		Label:  query.Get("label"),
		State:  lease.State(query.Get("state")),
		HostID: query.Get("host_id"),
	})
	if err != nil {
		s.log.Error(err, "listing leases")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	out := make([]leaseRead, 0, len(leases))
	for _, l := range leases {
		out = append(out, leaseRead{
			LeaseID:         l.ID,
			VMID:            l.VMID,
			Label:           l.Label,
			JenkinsNode:     l.NodeName,
			State:           string(l.State),
			HostID:          l.HostID,
			ConnectDeadline: l.ConnectDeadline,
			TTLDeadline:     l.TTLDeadline,
			BoundBuildURL:   l.BoundBuildURL,
			LastError:       l.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// terminateLease requests teardown. The lease is parked so the reconciler's
// next pass performs the external deletes; leases that never acquired external
// resources park in FAILED instead of TERMINATING.
func (s *Server) terminateLease(w http.ResponseWriter, r *http.Request) {
	leaseID := chi.URLParam(r, "leaseID")
	req := manualTerminateRequest{Reason: "manual_terminate"}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual_terminate"
	}

	l, err := s.store.GetLease(r.Context(), leaseID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown lease")
		return
	}
	if err != nil {
		s.log.Error(err, "loading lease", "lease", leaseID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if l.State == lease.StateTerminated {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	park := lease.StateTerminating
	if l.State == lease.StateRequested || l.State == lease.StateProvisioning {
		park = lease.StateFailed
	}
	err = s.store.Update(r.Context(), func(tx *store.Tx) error {
		if _, err := tx.CASLeaseState(r.Context(), l.ID, l.State, park, req.Reason); err != nil {
			return err
		}
		return tx.AppendEvent(r.Context(), "lease.manual_terminate", map[string]any{
			"reason": req.Reason,
		}, l.ID)
	})
	if err != nil {
		s.log.Error(err, "terminating lease", "lease", leaseID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
