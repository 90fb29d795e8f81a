// Package fake provides in-memory stand-ins for the CI system and the node
// agents, used by the controller test suites.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers"
)

// CreatedNode records one CreateEphemeralNode call.
type CreatedNode struct {
	Name  string
	Label string
}

// Jenkins is a scriptable CIClient.
type Jenkins struct {
	mu sync.Mutex

	Queue controllers.QueueSnapshot

	CreatedNodes []CreatedNode
	DeletedNodes []string
	Secrets      map[string]string

	Statuses  map[string]controllers.RuntimeStatus
	BuildURLs map[string]string
	Building  map[string]bool

	QueueError        error
	CreateNodeError   error
	GetSecretError    error
	StatusErrors      map[string]error
	DeleteNodeError   error
	IsBuildRunningErr error
}

var _ controllers.CIClient = (*Jenkins)(nil)

func NewJenkins() *Jenkins {
	return &Jenkins{
		Queue: controllers.QueueSnapshot{
			QueuedByLabel: map[string]int{},
			QueuedByNode:  map[string]int{},
		},
		Secrets:      map[string]string{},
		Statuses:     map[string]controllers.RuntimeStatus{},
		BuildURLs:    map[string]string{},
		Building:     map[string]bool{},
		StatusErrors: map[string]error{},
	}
}

func (j *Jenkins) QueueSnapshot(_ context.Context) (*controllers.QueueSnapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.QueueError != nil {
		return nil, j.QueueError
	}
	snapshot := controllers.QueueSnapshot{
		QueuedByLabel: map[string]int{},
		QueuedByNode:  map[string]int{},
	}
	for k, v := range j.Queue.QueuedByLabel {
		snapshot.QueuedByLabel[k] = v
	}
	for k, v := range j.Queue.QueuedByNode {
		snapshot.QueuedByNode[k] = v
	}
	return &snapshot, nil
}

func (j *Jenkins) CreateEphemeralNode(_ context.Context, name, label string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.CreateNodeError != nil {
		return j.CreateNodeError
	}
	j.CreatedNodes = append(j.CreatedNodes, CreatedNode{Name: name, Label: label})
	if _, ok := j.Secrets[name]; !ok {
		j.Secrets[name] = "secret-" + name
	}
	return nil
}

func (j *Jenkins) DeleteNode(_ context.Context, name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.DeleteNodeError != nil {
		return j.DeleteNodeError
	}
	j.DeletedNodes = append(j.DeletedNodes, name)
	return nil
}

func (j *Jenkins) GetInboundSecret(_ context.Context, name string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.GetSecretError != nil {
		return "", j.GetSecretError
	}
	secret, ok := j.Secrets[name]
	if !ok {
		return "", fmt.Errorf("node %s has no secret", name)
	}
	return secret, nil
}

func (j *Jenkins) NodeRuntimeStatus(_ context.Context, name string) (controllers.RuntimeStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.StatusErrors[name]; err != nil {
		return controllers.RuntimeStatus{}, err
	}
	return j.Statuses[name], nil
}

func (j *Jenkins) NodeCurrentBuildURL(_ context.Context, name string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.BuildURLs[name], nil
}

func (j *Jenkins) IsBuildRunning(_ context.Context, url string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.IsBuildRunningErr != nil {
		return false, j.IsBuildRunningErr
	}
	return j.Building[url], nil
}

// SetStatus scripts the runtime status of one node.
func (j *Jenkins) SetStatus(name string, connected, busy bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Statuses[name] = controllers.RuntimeStatus{Connected: connected, Busy: busy}
}

// EnsuredVM records one EnsureVM call.
type EnsuredVM struct {
	VMID string
	Spec controllers.VMSpec
}

// DeletedVM records one DeleteVM call.
type DeletedVM struct {
	VMID   string
	Reason string
	Force  bool
}

// Agent is a scriptable AgentClient.
type Agent struct {
	mu sync.Mutex

	EnsuredVMs []EnsuredVM
	DeletedVMs []DeletedVM

	CapacityReply controllers.Capacity

	EnsureError   error
	DeleteError   error
	CapacityError error
}

var _ controllers.AgentClient = (*Agent)(nil)

func NewAgent() *Agent {
	return &Agent{}
}

func (a *Agent) EnsureVM(_ context.Context, vmID string, spec controllers.VMSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.EnsureError != nil {
		return a.EnsureError
	}
	a.EnsuredVMs = append(a.EnsuredVMs, EnsuredVM{VMID: vmID, Spec: spec})
	return nil
}

func (a *Agent) GetVM(_ context.Context, vmID string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, vm := range a.EnsuredVMs {
		if vm.VMID == vmID {
			return map[string]any{"vm_id": vmID, "state": "RUNNING"}, nil
		}
	}
	return nil, fmt.Errorf("vm %s not found", vmID)
}

func (a *Agent) DeleteVM(_ context.Context, vmID, reason string, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.DeleteError != nil {
		return a.DeleteError
	}
	a.DeletedVMs = append(a.DeletedVMs, DeletedVM{VMID: vmID, Reason: reason, Force: force})
	return nil
}

func (a *Agent) Capacity(_ context.Context) (controllers.Capacity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.CapacityError != nil {
		return controllers.Capacity{}, a.CapacityError
	}
	return a.CapacityReply, nil
}
