package gc_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers/gc"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
)

func TestStaleHostSweep(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"), clk)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(ctx, func(tx *store.Tx) error {
		return tx.UpsertHost(ctx, &lease.Host{ID: "host-a", Enabled: true, CPUTotal: 8, RAMTotalMB: 16384})
	}))

	c := gc.NewController(db, clk, logr.Discard(), gc.Config{HostStaleTimeout: time.Minute})

	// fresh heartbeat, nothing to report
	require.NoError(t, c.Tick(ctx))
	events, err := db.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	clk.Step(2 * time.Minute)
	require.NoError(t, c.Tick(ctx))
	events, err = db.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "host.stale", events[0].Type)
	assert.Equal(t, "host-a", events[0].Payload["host_id"])

	// unchanged staleness is throttled
	clk.Step(time.Minute)
	require.NoError(t, c.Tick(ctx))
	events, err = db.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDisabledHostNotReported(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"), clk)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertHost(ctx, &lease.Host{ID: "host-a", Enabled: true}); err != nil {
			return err
		}
		return tx.SetHostEnabled(ctx, "host-a", false)
	}))
	clk.Step(time.Hour)

	c := gc.NewController(db, clk, logr.Discard(), gc.Config{HostStaleTimeout: time.Minute})
	require.NoError(t, c.Tick(ctx))
	events, err := db.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
