package lease

import (
	"time"
)

// State is the lifecycle state of a lease.
type State string

const (
	StateRequested    State = "REQUESTED"
	StateProvisioning State = "PROVISIONING"
	StateBooting      State = "BOOTING"
	StateConnected    State = "CONNECTED"
	StateRunning      State = "RUNNING"
	StateTerminating  State = "TERMINATING"
	StateTerminated   State = "TERMINATED"
	StateFailed       State = "FAILED"
	StateOrphaned     State = "ORPHANED"
)

// ActiveStates are the states in which a lease holds (or is about to hold)
// capacity on a host.
var ActiveStates = []State{StateProvisioning, StateBooting, StateConnected, StateRunning}

// InflightStates are active states that are not yet productive.
var InflightStates = []State{StateProvisioning, StateBooting, StateConnected}

// Lease is the authoritative record of one ephemeral build node reservation.
// A lease bijects with its (VMID, NodeName) pair; both are derived from the
// lease id so that provisioning retries reuse the same external names.
type Lease struct {
	ID       string
	VMID     string
	NodeName string
	Label    string
	State    State
	HostID   string

	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConnectDeadline time.Time
	TTLDeadline     time.Time

	// DisconnectedAt is set while a RUNNING lease's node is observed offline
	// and cleared on recovery or on any exit from RUNNING.
	DisconnectedAt *time.Time

	// BoundBuildURL is the first build URL observed on the node. Once set it
	// is never overwritten.
	BoundBuildURL string

	LastError string
}

// Active reports whether the lease counts against the global capacity cap.
func (l *Lease) Active() bool {
	switch l.State {
	case StateProvisioning, StateBooting, StateConnected, StateRunning:
		return true
	}
	return false
}

// Inflight reports whether the lease is committed but not yet productive.
func (l *Lease) Inflight() bool {
	switch l.State {
	case StateProvisioning, StateBooting, StateConnected:
		return true
	}
	return false
}

// HostAvailability summarizes whether a host can currently be scheduled on.
type HostAvailability string

const (
	HostDisabled    HostAvailability = "DISABLED"
	HostUnavailable HostAvailability = "UNAVAILABLE"
	HostStale       HostAvailability = "STALE"
	HostAvailable   HostAvailability = "AVAILABLE"
)

// Host is a registered machine that can run virtual machines.
type Host struct {
	ID      string
	Enabled bool

	BootstrapTokenHash string
	SessionTokenHash   string
	SessionExpiresAt   *time.Time

	OSFamily        string
	OSFlavor        string
	OSVersion       string
	CPUArch         string
	Addr            string
	QemuBinary      string
	SupportedAccels []string
	SelectedAccel   string

	CPUTotal   int
	CPUFree    int
	RAMTotalMB int
	RAMFreeMB  int
	IOPressure float64
	LastSeen   *time.Time
}

// Availability derives the scheduling view of the host.
func (h *Host) Availability(now time.Time, staleTimeout time.Duration) HostAvailability {
	if !h.Enabled {
		return HostDisabled
	}
	if h.LastSeen == nil {
		return HostUnavailable
	}
	if now.Sub(*h.LastSeen) > staleTimeout {
		return HostStale
	}
	return HostAvailable
}

// Event is an append-only audit record. Events are written inside the same
// transaction as the state change they explain.
type Event struct {
	ID        int64
	Timestamp time.Time
	LeaseID   string
	Type      string
	Payload   map[string]any
}
