// Package scaling turns observed queue demand into new leases, subject to
// global, per-label and per-host admission policy.
package scaling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers/provisioning"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/metrics"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/utils/pretty"
)

const diagThrottleExpiry = 5 * time.Minute

type Config struct {
	LoopInterval     time.Duration
	GlobalMaxVMs     int
	LabelMaxInflight int
	LabelBurst       int
	HostStaleTimeout time.Duration
}

// Scaler owns the per-label cooldown and diagnostic throttle tables; it is
// driven by a single worker and is not safe for concurrent ticks.
type Scaler struct {
	store       *store.Store
	provisioner *provisioning.Provisioner
	ci          controllers.CIClient
	agents      controllers.AgentFactory
	clock       clock.PassiveClock
	log         logr.Logger
	config      Config

	cooldowns map[string]time.Time
	cm        *pretty.ChangeMonitor
}

func NewScaler(s *store.Store, p *provisioning.Provisioner, ci controllers.CIClient,
	agents controllers.AgentFactory, clk clock.PassiveClock, log logr.Logger, config Config) *Scaler {
	return &Scaler{
		store:       s,
		provisioner: p,
		ci:          ci,
		agents:      agents,
		clock:       clk,
		log:         log.WithName("scaler"),
		config:      config,
		cooldowns:   map[string]time.Time{},
		cm:          pretty.NewChangeMonitor(diagThrottleExpiry),
	}
}

// Tick runs one scaling pass: snapshot the queue, fold node-addressed demand
// back into labels, and launch up to the configured caps.
func (s *Scaler) Tick(ctx context.Context) error {
	now := s.clock.Now().UTC()

	snapshot, err := s.ci.QueueSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("taking queue snapshot, %w", err)
	}
	hosts, err := s.store.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("listing hosts, %w", err)
	}
	active, err := s.store.ListActiveLeases(ctx)
	if err != nil {
		return fmt.Errorf("listing active leases, %w", err)
	}

	inflightByLabel := map[string]int{}
	activeGlobal := len(active)
	for _, l := range active {
		if l.Inflight() {
			inflightByLabel[l.Label]++
		}
	}

	demand := s.mergeDemand(ctx, snapshot)
	labels := lo.Keys(demand)
	sort.Strings(labels)

	for _, label := range labels {
		queued := demand[label]
		if queued <= 0 {
			continue
		}
		if until, ok := s.cooldowns[label]; ok && until.After(now) {
			continue
		}
		deficit := queued - inflightByLabel[label]
		if deficit <= 0 {
			continue
		}
		if inflightByLabel[label] >= s.config.LabelMaxInflight {
			s.emitThrottled(ctx, "scale.inflight_limit", label, map[string]any{
				"label": label, "inflight": inflightByLabel[label], "limit": s.config.LabelMaxInflight,
			})
			continue
		}
		launchable := lo.Min([]int{deficit, s.config.LabelBurst, s.config.GlobalMaxVMs - activeGlobal})
		if launchable <= 0 {
			s.emitThrottled(ctx, "scale.global_limit", label, map[string]any{
				"label": label, "active_global": activeGlobal, "limit": s.config.GlobalMaxVMs,
			})
			continue
		}

		profile := provisioning.ChooseProfile(label)
		eligible, rejections := s.eligibleHosts(hosts, label, profile, now)
		if len(eligible) == 0 {
			for reason, count := range rejections {
				metrics.NoEligibleHosts.WithLabelValues(reason).Add(float64(count))
			}
			s.emitThrottled(ctx, "scale.no_eligible_hosts", label, map[string]any{
				"label": label, "rejections": rejections,
			})
			continue
		}

		launched := s.launch(ctx, label, profile, eligible, launchable)
		activeGlobal += launched
		inflightByLabel[label] += launched
		s.cooldowns[label] = now.Add(3 * s.config.LoopInterval)
	}
	return nil
}

// mergeDemand folds queue items waiting on a specific node back into label
// demand by resolving the node name to its lease.
func (s *Scaler) mergeDemand(ctx context.Context, snapshot *controllers.QueueSnapshot) map[string]int {
	demand := map[string]int{}
	for label, count := range snapshot.QueuedByLabel {
		demand[label] += count
	}
	for nodeName, count := range snapshot.QueuedByNode {
		l, err := s.store.GetLeaseByNodeName(ctx, nodeName)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.log.Error(err, "resolving node-addressed demand", "node", nodeName)
			}
			continue
		}
		demand[l.Label] += count
	}
	return demand
}

type requirement struct {
	Accel    string
	OSFamily string
}

// labelRequirement infers accelerator and OS family constraints from label
// substrings.
func labelRequirement(label string) requirement {
	var r requirement
	switch {
	case strings.Contains(label, "nvmm"):
		r.Accel = "nvmm"
	case strings.Contains(label, "kvm"):
		r.Accel = "kvm"
	}
	switch {
	case strings.Contains(label, "dragonflybsd"), strings.Contains(label, "dfly"):
		r.OSFamily = "dragonflybsd"
	case strings.Contains(label, "linux"):
		r.OSFamily = "linux"
	}
	return r
}

// eligibleHosts filters and orders candidates for a label. The returned map
// counts rejected candidates by reason.
func (s *Scaler) eligibleHosts(hosts []*lease.Host, label string, profile provisioning.Profile, now time.Time) ([]*lease.Host, map[string]int) {
	req := labelRequirement(label)
	rejections := map[string]int{}
	var eligible []*lease.Host
	for _, h := range hosts {
		if h.Availability(now, s.config.HostStaleTimeout) != lease.HostAvailable {
			rejections["unschedulable"]++
			continue
		}
		if req.Accel != "" && (h.SelectedAccel != req.Accel || !lo.Contains(h.SupportedAccels, req.Accel)) {
			rejections["accel_mismatch"]++
			continue
		}
		if req.OSFamily != "" && h.OSFamily != req.OSFamily {
			rejections["os_mismatch"]++
			continue
		}
		if h.CPUFree < profile.VCPU || h.RAMFreeMB < profile.RAMMB {
			rejections["insufficient_resources"]++
			continue
		}
		eligible = append(eligible, h)
	}
	sortHosts(eligible)
	return eligible, rejections
}

func sortHosts(hosts []*lease.Host) {
	sort.SliceStable(hosts, func(i, j int) bool {
		if hosts[i].IOPressure != hosts[j].IOPressure {
			return hosts[i].IOPressure < hosts[j].IOPressure
		}
		if hosts[i].CPUFree != hosts[j].CPUFree {
			return hosts[i].CPUFree > hosts[j].CPUFree
		}
		return hosts[i].RAMFreeMB > hosts[j].RAMFreeMB
	})
}

// launch provisions up to launchable leases against the eligible list,
// decrementing local free capacity after each launch so a burst cannot
// over-commit one host within the tick. Failures are isolated.
func (s *Scaler) launch(ctx context.Context, label string, profile provisioning.Profile, eligible []*lease.Host, launchable int) int {
	launched := 0
	for i := 0; i < launchable && len(eligible) > 0; i++ {
		host := eligible[0]
		metrics.LaunchAttempts.Inc()
		leaseID, err := s.provisioner.Provision(ctx, s.ci, s.agents(host.ID), label, host.ID)
		if err != nil {
			metrics.LaunchFailures.Inc()
			s.log.Error(err, "launch failed", "label", label, "host", host.ID)
			payload := map[string]any{"label": label, "host_id": host.ID, "error": err.Error()}
			failedLeaseID := ""
			var perr *provisioning.Error
			if errors.As(err, &perr) {
				failedLeaseID = perr.LeaseID
				payload["stage"] = perr.Stage
			}
			s.emit(ctx, "scale.launch_failed", failedLeaseID, payload)
			continue
		}
		launched++
		s.emit(ctx, "scale.launch", leaseID, map[string]any{"label": label, "host_id": host.ID})

		host.CPUFree -= profile.VCPU
		host.RAMFreeMB -= profile.RAMMB
		if host.CPUFree < profile.VCPU || host.RAMFreeMB < profile.RAMMB {
			eligible = eligible[1:]
		}
		sortHosts(eligible)
	}
	return launched
}

func (s *Scaler) emit(ctx context.Context, eventType, leaseID string, payload map[string]any) {
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		return tx.AppendEvent(ctx, eventType, payload, leaseID)
	})
	if err != nil {
		s.log.Error(err, "appending event", "type", eventType)
	}
}

func (s *Scaler) emitThrottled(ctx context.Context, eventType, label string, payload map[string]any) {
	if !s.cm.HasChanged(eventType+"/"+label, payload) {
		return
	}
	s.emit(ctx, eventType, "", payload)
}
