// Package controllers defines the contracts the coordination engine has with
// its external collaborators: the CI system and the per-host node agents.
package controllers

import (
	"context"
	"time"
)

// QueueSnapshot is an immutable read of the CI queue taken once per scaler
// tick. QueuedByNode carries items that wait on a specific node instead of a
// label; the scaler folds them back into label demand.
type QueueSnapshot struct {
	QueuedByLabel map[string]int
	QueuedByNode  map[string]int
}

// RuntimeStatus is the observed state of a CI node.
type RuntimeStatus struct {
	Connected bool
	Busy      bool
}

// CIClient is the queue and node surface of the CI system.
type CIClient interface {
	QueueSnapshot(ctx context.Context) (*QueueSnapshot, error)
	CreateEphemeralNode(ctx context.Context, name, label string) error
	DeleteNode(ctx context.Context, name string) error
	GetInboundSecret(ctx context.Context, name string) (string, error)
	NodeRuntimeStatus(ctx context.Context, name string) (RuntimeStatus, error)
	// NodeCurrentBuildURL returns the URL of the build executing on the node,
	// or "" when idle.
	NodeCurrentBuildURL(ctx context.Context, name string) (string, error)
	// IsBuildRunning reports whether the build at url is still executing. A
	// missing build (404) reads as finished.
	IsBuildRunning(ctx context.Context, url string) (bool, error)
}

// VMSpec is the full ensure-VM payload handed to a node agent.
type VMSpec struct {
	VMID                 string            `json:"vm_id"`
	Label                string            `json:"label"`
	BaseImageID          string            `json:"base_image_id"`
	OverlayPath          string            `json:"overlay_path"`
	VCPU                 int               `json:"vcpu"`
	RAMMB                int               `json:"ram_mb"`
	DiskGB               int               `json:"disk_gb"`
	LeaseExpiresAt       time.Time         `json:"lease_expires_at"`
	ConnectDeadline      time.Time         `json:"connect_deadline"`
	JenkinsURL           string            `json:"jenkins_url"`
	JenkinsNodeName      string            `json:"jenkins_node_name"`
	JNLPSecret           string            `json:"jnlp_secret"`
	CloudInitUserDataB64 string            `json:"cloud_init_user_data_b64"`
	Metadata             map[string]string `json:"metadata"`
}

// Capacity is a host agent's self-reported headroom.
type Capacity struct {
	CPUFree    int     `json:"cpu_free"`
	RAMFreeMB  int     `json:"ram_free_mb"`
	IOPressure float64 `json:"io_pressure"`
}

// AgentClient talks to one host's node agent.
type AgentClient interface {
	EnsureVM(ctx context.Context, vmID string, spec VMSpec) error
	GetVM(ctx context.Context, vmID string) (map[string]any, error)
	DeleteVM(ctx context.Context, vmID, reason string, force bool) error
	Capacity(ctx context.Context) (Capacity, error)
}

// AgentFactory resolves the agent client for a host.
type AgentFactory func(hostID string) AgentClient
