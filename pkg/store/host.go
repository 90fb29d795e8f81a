package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
)

const hostColumns = `host_id, enabled, bootstrap_token_hash, session_token_hash, session_expires_at,
	os_family, os_flavor, os_version, cpu_arch, addr, qemu_binary, supported_accels, selected_accel,
	cpu_total, cpu_free, ram_total_mb, ram_free_mb, io_pressure, last_seen`

func scanHost(row leaseScanner) (*lease.Host, error) {
	var (
		h                lease.Host
		bootstrapHash    sql.NullString
		sessionHash      sql.NullString
		sessionExpiresAt sql.NullTime
		osFamily         sql.NullString
		osFlavor         sql.NullString
		osVersion        sql.NullString
		cpuArch          sql.NullString
		addr             sql.NullString
		qemuBinary       sql.NullString
		supportedAccels  sql.NullString
		selectedAccel    sql.NullString
		lastSeen         sql.NullTime
	)
	err := row.Scan(&h.ID, &h.Enabled, &bootstrapHash, &sessionHash, &sessionExpiresAt,
		&osFamily, &osFlavor, &osVersion, &cpuArch, &addr, &qemuBinary, &supportedAccels, &selectedAccel,
		&h.CPUTotal, &h.CPUFree, &h.RAMTotalMB, &h.RAMFreeMB, &h.IOPressure, &lastSeen)
	if err != nil {
		return nil, err
	}
	h.BootstrapTokenHash = bootstrapHash.String
	h.SessionTokenHash = sessionHash.String
	if sessionExpiresAt.Valid {
		t := sessionExpiresAt.Time
		h.SessionExpiresAt = &t
	}
	h.OSFamily = osFamily.String
	h.OSFlavor = osFlavor.String
	h.OSVersion = osVersion.String
	h.CPUArch = cpuArch.String
	h.Addr = addr.String
	h.QemuBinary = qemuBinary.String
	if supportedAccels.String != "" {
		if err := json.Unmarshal([]byte(supportedAccels.String), &h.SupportedAccels); err != nil {
			return nil, fmt.Errorf("decoding supported accels for host %s, %w", h.ID, err)
		}
	}
	h.SelectedAccel = selectedAccel.String
	if lastSeen.Valid {
		t := lastSeen.Time
		h.LastSeen = &t
	}
	return &h, nil
}

// GetHost returns the host with the given id, or ErrNotFound.
func (s *Store) GetHost(ctx context.Context, id string) (*lease.Host, error) {
	return getHost(ctx, s.db, id)
}

// GetHost reads a host inside the transaction.
func (t *Tx) GetHost(ctx context.Context, id string) (*lease.Host, error) {
	return getHost(ctx, t.tx, id)
}

func getHost(ctx context.Context, q querier, id string) (*lease.Host, error) {
	row := q.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE host_id = ?`, id)
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying host %s, %w", id, err)
	}
	return h, nil
}

// ListHosts returns all registered hosts.
func (s *Store) ListHosts(ctx context.Context) ([]*lease.Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY host_id`)
	if err != nil {
		return nil, fmt.Errorf("listing hosts, %w", err)
	}
	defer rows.Close()
	var out []*lease.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host, %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UpsertHost creates the host row or refreshes its capacity totals and
// capability descriptors. Free counts are reset to the totals on (re)register;
// heartbeats take over from there. Idempotent.
func (t *Tx) UpsertHost(ctx context.Context, h *lease.Host) error {
	accels, err := encodeAccels(h.SupportedAccels)
	if err != nil {
		return err
	}
	now := t.clock.Now().UTC()
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO hosts (host_id, enabled, bootstrap_token_hash,
			os_family, os_flavor, os_version, cpu_arch, addr, qemu_binary, supported_accels, selected_accel,
			cpu_total, cpu_free, ram_total_mb, ram_free_mb, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host_id) DO UPDATE SET
			os_family = excluded.os_family,
			os_flavor = excluded.os_flavor,
			os_version = excluded.os_version,
			cpu_arch = excluded.cpu_arch,
			addr = excluded.addr,
			qemu_binary = excluded.qemu_binary,
			supported_accels = excluded.supported_accels,
			selected_accel = excluded.selected_accel,
			cpu_total = excluded.cpu_total,
			cpu_free = excluded.cpu_free,
			ram_total_mb = excluded.ram_total_mb,
			ram_free_mb = excluded.ram_free_mb,
			last_seen = excluded.last_seen`,
		h.ID, h.Enabled, nullString(h.BootstrapTokenHash),
		nullString(h.OSFamily), nullString(h.OSFlavor), nullString(h.OSVersion),
		nullString(h.CPUArch), nullString(h.Addr), nullString(h.QemuBinary),
		nullString(accels), nullString(h.SelectedAccel),
		h.CPUTotal, h.CPUTotal, h.RAMTotalMB, h.RAMTotalMB, now)
	if err != nil {
		return fmt.Errorf("upserting host %s, %w", h.ID, err)
	}
	return nil
}

// HeartbeatUpdate carries the fields a heartbeat refreshes.
type HeartbeatUpdate struct {
	CPUFree         int
	RAMFreeMB       int
	IOPressure      float64
	OSFamily        string
	OSFlavor        string
	OSVersion       string
	CPUArch         string
	QemuBinary      string
	SupportedAccels []string
	SelectedAccel   string
}

// UpdateHostHeartbeat refreshes free capacity, pressure, capability fields and
// last_seen. Idempotent.
func (t *Tx) UpdateHostHeartbeat(ctx context.Context, id string, u HeartbeatUpdate) error {
	accels, err := encodeAccels(u.SupportedAccels)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE hosts SET
			cpu_free = ?, ram_free_mb = ?, io_pressure = ?, last_seen = ?,
			os_family = COALESCE(?, os_family),
			os_flavor = COALESCE(?, os_flavor),
			os_version = COALESCE(?, os_version),
			cpu_arch = COALESCE(?, cpu_arch),
			qemu_binary = COALESCE(?, qemu_binary),
			supported_accels = COALESCE(?, supported_accels),
			selected_accel = COALESCE(?, selected_accel)
		WHERE host_id = ?`,
		u.CPUFree, u.RAMFreeMB, u.IOPressure, t.clock.Now().UTC(),
		nullString(u.OSFamily), nullString(u.OSFlavor), nullString(u.OSVersion),
		nullString(u.CPUArch), nullString(u.QemuBinary), nullString(accels),
		nullString(u.SelectedAccel), id)
	if err != nil {
		return fmt.Errorf("updating host %s heartbeat, %w", id, err)
	}
	return nil
}

// SetHostEnabled toggles scheduling. Disabling also drops session material so
// a disabled host must re-register.
func (t *Tx) SetHostEnabled(ctx context.Context, id string, enabled bool) error {
	var err error
	if enabled {
		_, err = t.tx.ExecContext(ctx, `UPDATE hosts SET enabled = 1 WHERE host_id = ?`, id)
	} else {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE hosts SET enabled = 0, session_token_hash = NULL, session_expires_at = NULL WHERE host_id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("toggling host %s, %w", id, err)
	}
	return nil
}

// SetHostSession rotates the host's session token hash and expiry.
func (t *Tx) SetHostSession(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE hosts SET session_token_hash = ?, session_expires_at = ? WHERE host_id = ?`,
		tokenHash, expiresAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("rotating host %s session, %w", id, err)
	}
	return nil
}

func encodeAccels(accels []string) (string, error) {
	if len(accels) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(accels)
	if err != nil {
		return "", fmt.Errorf("encoding supported accels, %w", err)
	}
	return string(raw), nil
}
