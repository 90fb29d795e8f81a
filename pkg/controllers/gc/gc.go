// Package gc sweeps for hosts that stopped heartbeating and records them in
// the audit stream.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/utils/pretty"
)

type Config struct {
	HostStaleTimeout time.Duration
}

type Controller struct {
	store  *store.Store
	clock  clock.PassiveClock
	log    logr.Logger
	config Config
	cm     *pretty.ChangeMonitor
}

func NewController(s *store.Store, clk clock.PassiveClock, log logr.Logger, config Config) *Controller {
	return &Controller{
		store:  s,
		clock:  clk,
		log:    log.WithName("gc"),
		config: config,
		// a host that stays stale is re-reported once the entry expires
		cm: pretty.NewChangeMonitor(15 * time.Minute),
	}
}

// Tick records a host.stale event for every enabled host whose last heartbeat
// is older than the stale timeout. The event is throttled per host so a host
// that stays silent does not flood the audit stream.
func (c *Controller) Tick(ctx context.Context) error {
	now := c.clock.Now().UTC()
	hosts, err := c.store.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("listing hosts, %w", err)
	}
	for _, h := range hosts {
		if h.Availability(now, c.config.HostStaleTimeout) != lease.HostStale {
			continue
		}
		lastSeen := ""
		staleFor := 0
		if h.LastSeen != nil {
			lastSeen = h.LastSeen.UTC().Format(time.RFC3339)
			staleFor = int(now.Sub(*h.LastSeen).Seconds())
		}
		if !c.cm.HasChanged("host.stale/"+h.ID, lastSeen) {
			continue
		}
		c.log.Info("host went stale", "host", h.ID, "last_seen", lastSeen)
		err := c.store.Update(ctx, func(tx *store.Tx) error {
			return tx.AppendEvent(ctx, "host.stale", map[string]any{
				"host_id": h.ID, "last_seen": lastSeen, "stale_for_sec": staleFor,
			}, "")
		})
		if err != nil {
			return fmt.Errorf("recording stale host %s, %w", h.ID, err)
		}
	}
	return nil
}
