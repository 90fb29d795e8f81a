package apiserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/auth"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
)

type registerHostRequest struct {
	AgentVersion    string   `json:"agent_version"`
	QemuVersion     string   `json:"qemu_version"`
	CPUTotal        int      `json:"cpu_total"`
	RAMTotalMB      int      `json:"ram_total_mb"`
	BaseImageIDs    []string `json:"base_image_ids"`
	Addr            string   `json:"addr"`
	OSFamily        string   `json:"os_family"`
	OSFlavor        string   `json:"os_flavor"`
	OSVersion       string   `json:"os_version"`
	CPUArch         string   `json:"cpu_arch"`
	QemuBinary      string   `json:"qemu_binary"`
	SupportedAccels []string `json:"supported_accels"`
	SelectedAccel   string   `json:"selected_accel"`
}

type registerHostResponse struct {
	HostID               string    `json:"host_id"`
	Enabled              bool      `json:"enabled"`
	SessionToken         string    `json:"session_token"`
	SessionExpiresAt     time.Time `json:"session_expires_at"`
	HeartbeatIntervalSec int       `json:"heartbeat_interval_sec"`
}

type heartbeatRequest struct {
	CPUFree         int      `json:"cpu_free"`
	RAMFreeMB       int      `json:"ram_free_mb"`
	IOPressure      float64  `json:"io_pressure"`
	RunningVMIDs    []string `json:"running_vm_ids"`
	OSFamily        string   `json:"os_family"`
	OSFlavor        string   `json:"os_flavor"`
	OSVersion       string   `json:"os_version"`
	CPUArch         string   `json:"cpu_arch"`
	QemuBinary      string   `json:"qemu_binary"`
	SupportedAccels []string `json:"supported_accels"`
	SelectedAccel   string   `json:"selected_accel"`
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 8 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	return header[7:], true
}

func (s *Server) registerHost(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req registerHostRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CPUTotal < 1 || req.RAMTotalMB < 256 {
		writeError(w, http.StatusBadRequest, "implausible capacity totals")
		return
	}

	host, err := s.store.GetHost(r.Context(), hostID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !s.config.AllowUnknownHostRegistration {
			writeError(w, http.StatusNotFound, "unknown host")
			return
		}
		// trust on first use: the presented token becomes the bootstrap token
		host = &lease.Host{ID: hostID, Enabled: true, BootstrapTokenHash: auth.HashToken(token)}
	case err != nil:
		s.log.Error(err, "loading host", "host", hostID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !auth.SecureCompareToken(token, host.BootstrapTokenHash) {
		writeError(w, http.StatusUnauthorized, "invalid bootstrap token")
		return
	}

	sessionToken, expiresAt, err := auth.NewSessionToken(s.clock.Now().UTC())
	if err != nil {
		s.log.Error(err, "minting session token", "host", hostID)
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}

	host.OSFamily = req.OSFamily
	host.OSFlavor = req.OSFlavor
	host.OSVersion = req.OSVersion
	host.CPUArch = req.CPUArch
	host.Addr = req.Addr
	host.QemuBinary = req.QemuBinary
	host.SupportedAccels = req.SupportedAccels
	host.SelectedAccel = req.SelectedAccel
	host.CPUTotal = req.CPUTotal
	host.RAMTotalMB = req.RAMTotalMB

	err = s.store.Update(r.Context(), func(tx *store.Tx) error {
		if err := tx.UpsertHost(r.Context(), host); err != nil {
			return err
		}
		if err := tx.SetHostSession(r.Context(), hostID, auth.HashToken(sessionToken), expiresAt); err != nil {
			return err
		}
		return tx.AppendEvent(r.Context(), "host.registered", map[string]any{
			"host_id": hostID, "agent_version": req.AgentVersion, "qemu_version": req.QemuVersion,
		}, "")
	})
	if err != nil {
		s.log.Error(err, "registering host", "host", hostID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, registerHostResponse{
		HostID:               hostID,
		Enabled:              host.Enabled,
		SessionToken:         sessionToken,
		SessionExpiresAt:     expiresAt,
		HeartbeatIntervalSec: int(heartbeatInterval.Seconds()),
	})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	hostID := chi.URLParam(r, "hostID")
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	host, err := s.store.GetHost(r.Context(), hostID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown host")
		return
	}
	if err != nil {
		s.log.Error(err, "loading host", "host", hostID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !host.Enabled {
		writeError(w, http.StatusForbidden, "host disabled")
		return
	}
	now := s.clock.Now().UTC()
	if host.SessionExpiresAt == nil || now.After(*host.SessionExpiresAt) {
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}
	if !auth.SecureCompareToken(token, host.SessionTokenHash) {
		writeError(w, http.StatusUnauthorized, "invalid session token")
		return
	}
	if req.SelectedAccel != "" && !lo.Contains(req.SupportedAccels, req.SelectedAccel) {
		writeError(w, http.StatusBadRequest, "selected accel not in supported set")
		return
	}

	err = s.store.Update(r.Context(), func(tx *store.Tx) error {
		if err := tx.UpdateHostHeartbeat(r.Context(), hostID, store.HeartbeatUpdate{
			CPUFree:         req.CPUFree,
			RAMFreeMB:       req.RAMFreeMB,
			IOPressure:      req.IOPressure,
			OSFamily:        req.OSFamily,
			OSFlavor:        req.OSFlavor,
			OSVersion:       req.OSVersion,
			CPUArch:         req.CPUArch,
			QemuBinary:      req.QemuBinary,
			SupportedAccels: req.SupportedAccels,
			SelectedAccel:   req.SelectedAccel,
		}); err != nil {
			return err
		}
		return tx.AppendEvent(r.Context(), "host.heartbeat", map[string]any{
			"host_id": hostID, "running_vm_ids": req.RunningVMIDs,
		}, "")
	})
	if err != nil {
		s.log.Error(err, "recording heartbeat", "host", hostID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) disableHost(w http.ResponseWriter, r *http.Request) {
	s.toggleHost(w, r, false, "host.disabled")
}

func (s *Server) enableHost(w http.ResponseWriter, r *http.Request) {
	s.toggleHost(w, r, true, "host.enabled")
}

func (s *Server) toggleHost(w http.ResponseWriter, r *http.Request, enabled bool, eventType string) {
	hostID := chi.URLParam(r, "hostID")
	if _, err := s.store.GetHost(r.Context(), hostID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown host")
			return
		}
		s.log.Error(err, "loading host", "host", hostID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	err := s.store.Update(r.Context(), func(tx *store.Tx) error {
		if err := tx.SetHostEnabled(r.Context(), hostID, enabled); err != nil {
			return err
		}
		return tx.AppendEvent(r.Context(), eventType, map[string]any{"host_id": hostID}, "")
	})
	if err != nil {
		s.log.Error(err, "toggling host", "host", hostID)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
