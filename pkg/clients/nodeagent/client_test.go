package nodeagent_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/clients/nodeagent"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/clients/request"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers"
)

func TestEnsureVMSendsFullSpec(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotSpec map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotSpec))
		_ = json.NewEncoder(w).Encode(map[string]string{"vm_id": "vm-1", "state": "BOOTING"})
	}))
	defer srv.Close()

	c := nodeagent.NewClient(srv.URL, request.Policy{Attempts: 1}, "agent-token")
	err := c.EnsureVM(context.Background(), "vm-1", controllers.VMSpec{
		VMID:            "vm-1",
		Label:           "linux-medium",
		BaseImageID:     "default",
		OverlayPath:     "/var/lib/jenkins-qemu/vm-1.qcow2",
		VCPU:            4,
		RAMMB:           8192,
		DiskGB:          80,
		JenkinsNodeName: "ephemeral-1",
		JNLPSecret:      "s3cret",
		Metadata:        map[string]string{"lease_id": "l1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/v1/vms/vm-1", gotPath)
	assert.Equal(t, "Bearer agent-token", gotAuth)
	assert.Equal(t, "linux-medium", gotSpec["label"])
	assert.Equal(t, float64(8192), gotSpec["ram_mb"])
	assert.Equal(t, "s3cret", gotSpec["jnlp_secret"])
	assert.Equal(t, map[string]any{"lease_id": "l1"}, gotSpec["metadata"])
}

func TestDeleteVMQueryParams(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode(map[string]string{"vm_id": "vm-1"})
	}))
	defer srv.Close()

	c := nodeagent.NewClient(srv.URL, request.Policy{Attempts: 1}, "")
	require.NoError(t, c.DeleteVM(context.Background(), "vm-1", "ttl_expired", false))
	assert.Equal(t, []string{"ttl_expired"}, gotQuery["reason"])
	assert.Equal(t, []string{"false"}, gotQuery["force"])
}

func TestCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/capacity", r.URL.Path)
		_ = json.NewEncoder(w).Encode(controllers.Capacity{CPUFree: 12, RAMFreeMB: 20000, IOPressure: 0.25})
	}))
	defer srv.Close()

	c := nodeagent.NewClient(srv.URL, request.Policy{Attempts: 1}, "")
	capacity, err := c.Capacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, capacity.CPUFree)
	assert.Equal(t, 20000, capacity.RAMFreeMB)
	assert.InDelta(t, 0.25, capacity.IOPressure, 1e-9)
}
