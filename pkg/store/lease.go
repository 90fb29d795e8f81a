package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
)

// ErrNotFound is returned when a lookup by identifier matches nothing.
var ErrNotFound = errors.New("not found")

const leaseColumns = `lease_id, vm_id, node_name, label, state, host_id,
	created_at, updated_at, connect_deadline, ttl_deadline,
	disconnected_at, bound_build_url, last_error`

type leaseScanner interface {
	Scan(dest ...any) error
}

func scanLease(row leaseScanner) (*lease.Lease, error) {
	var (
		l              lease.Lease
		hostID         sql.NullString
		disconnectedAt sql.NullTime
		boundBuildURL  sql.NullString
		lastError      sql.NullString
	)
	err := row.Scan(&l.ID, &l.VMID, &l.NodeName, &l.Label, &l.State, &hostID,
		&l.CreatedAt, &l.UpdatedAt, &l.ConnectDeadline, &l.TTLDeadline,
		&disconnectedAt, &boundBuildURL, &lastError)
	if err != nil {
		return nil, err
	}
	l.HostID = hostID.String
	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		l.DisconnectedAt = &t
	}
	l.BoundBuildURL = boundBuildURL.String
	l.LastError = lastError.String
	return &l, nil
}

// GetLease returns the lease with the given id, or ErrNotFound.
func (s *Store) GetLease(ctx context.Context, id string) (*lease.Lease, error) {
	return getLease(ctx, s.db, `lease_id`, id)
}

// GetLeaseByVMID resolves the lease owning a VM id.
func (s *Store) GetLeaseByVMID(ctx context.Context, vmID string) (*lease.Lease, error) {
	return getLease(ctx, s.db, `vm_id`, vmID)
}

// GetLeaseByNodeName resolves the lease owning a CI node name.
func (s *Store) GetLeaseByNodeName(ctx context.Context, nodeName string) (*lease.Lease, error) {
	return getLease(ctx, s.db, `node_name`, nodeName)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getLease(ctx context.Context, q querier, column, value string) (*lease.Lease, error) {
	row := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM leases WHERE %s = ?`, leaseColumns, column), value)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying lease by %s, %w", column, err)
	}
	return l, nil
}

// LeaseFilter narrows ListLeases. Zero-valued fields are not applied.
type LeaseFilter struct {
	Label  string
	State  lease.State
	HostID string
}

// ListLeases returns leases matching the filter, newest first.
func (s *Store) ListLeases(ctx context.Context, filter LeaseFilter) ([]*lease.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE 1=1`
	var args []any
	if filter.Label != "" {
		query += ` AND label = ?`
		args = append(args, filter.Label)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}
	if filter.HostID != "" {
		query += ` AND host_id = ?`
		args = append(args, filter.HostID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	return s.queryLeases(ctx, query, args...)
}

// ListActiveLeases returns leases in PROVISIONING, BOOTING, CONNECTED or
// RUNNING.
func (s *Store) ListActiveLeases(ctx context.Context) ([]*lease.Lease, error) {
	return s.queryLeases(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE state IN (?, ?, ?, ?) ORDER BY created_at DESC, rowid DESC`,
		lease.StateProvisioning, lease.StateBooting, lease.StateConnected, lease.StateRunning)
}

// ListLiveLeases returns every lease not yet TERMINATED.
func (s *Store) ListLiveLeases(ctx context.Context) ([]*lease.Lease, error) {
	return s.queryLeases(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE state != ? ORDER BY created_at DESC, rowid DESC`,
		lease.StateTerminated)
}

func (s *Store) queryLeases(ctx context.Context, query string, args ...any) ([]*lease.Lease, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing leases, %w", err)
	}
	defer rows.Close()
	var out []*lease.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lease, %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLease reads a lease inside the transaction.
func (t *Tx) GetLease(ctx context.Context, id string) (*lease.Lease, error) {
	return getLease(ctx, t.tx, `lease_id`, id)
}

// GetLeaseByVMID resolves a lease by VM id inside the transaction.
func (t *Tx) GetLeaseByVMID(ctx context.Context, vmID string) (*lease.Lease, error) {
	return getLease(ctx, t.tx, `vm_id`, vmID)
}

// PutLease inserts the lease, or resets an existing row with the same id back
// to the given record. Used by the provisioner's idempotency probe, which has
// already established that any existing row is safe to re-drive.
func (t *Tx) PutLease(ctx context.Context, l *lease.Lease) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO leases (`+leaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lease_id) DO UPDATE SET
			state = excluded.state,
			host_id = excluded.host_id,
			updated_at = excluded.updated_at,
			connect_deadline = excluded.connect_deadline,
			ttl_deadline = excluded.ttl_deadline,
			last_error = excluded.last_error`,
		l.ID, l.VMID, l.NodeName, l.Label, l.State, nullString(l.HostID),
		l.CreatedAt, l.UpdatedAt, l.ConnectDeadline, l.TTLDeadline,
		nullTime(l.DisconnectedAt), nullString(l.BoundBuildURL), nullString(l.LastError))
	if err != nil {
		return fmt.Errorf("writing lease %s, %w", l.ID, err)
	}
	return nil
}

// CASLeaseState atomically moves a lease from expected to target. It returns
// true iff the stored state equals expected and the transition is inside the
// matrix. A self-transition reports success without touching the row. lastError,
// when non-empty, is recorded alongside the transition. Leaving RUNNING clears
// disconnected_at.
func (t *Tx) CASLeaseState(ctx context.Context, id string, expected, target lease.State, lastError string) (bool, error) {
	var current lease.State
	err := t.tx.QueryRowContext(ctx, `SELECT state FROM leases WHERE lease_id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("reading lease %s state, %w", id, err)
	}
	if current != expected || !lease.CanTransition(expected, target) {
		return false, nil
	}
	if expected == target {
		return true, nil
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE leases SET
			state = ?,
			updated_at = ?,
			last_error = CASE WHEN ? != '' THEN ? ELSE last_error END,
			disconnected_at = CASE WHEN ? = 'RUNNING' THEN disconnected_at ELSE NULL END
		WHERE lease_id = ? AND state = ?`,
		target, t.clock.Now().UTC(), lastError, lastError, target, id, expected)
	if err != nil {
		return false, fmt.Errorf("updating lease %s state, %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking lease %s update, %w", id, err)
	}
	return n == 1, nil
}

// MarkDisconnected stamps the time the node was first observed offline.
func (t *Tx) MarkDisconnected(ctx context.Context, id string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE leases SET disconnected_at = ?, updated_at = ? WHERE lease_id = ? AND state = ?`,
		at.UTC(), t.clock.Now().UTC(), id, lease.StateRunning)
	if err != nil {
		return fmt.Errorf("marking lease %s disconnected, %w", id, err)
	}
	return nil
}

// ClearDisconnected clears the offline stamp after the node recovered.
func (t *Tx) ClearDisconnected(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE leases SET disconnected_at = NULL, updated_at = ? WHERE lease_id = ?`,
		t.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clearing lease %s disconnected, %w", id, err)
	}
	return nil
}

// BindBuildURL records the build that claimed the node. The bind only takes
// effect while no build is bound yet; it returns false if a different URL won
// the race earlier.
func (t *Tx) BindBuildURL(ctx context.Context, id, url string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE leases SET bound_build_url = ?, updated_at = ? WHERE lease_id = ? AND bound_build_url IS NULL`,
		url, t.clock.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("binding build url on lease %s, %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking build url bind on lease %s, %w", id, err)
	}
	return n == 1, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
