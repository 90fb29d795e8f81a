// Package metrics exposes the control plane's counters on a dedicated
// prometheus registry. The operator API renders them as a flat snapshot.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var Registry = prometheus.NewRegistry()

var (
	LaunchAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launch_attempts_total",
		Help: "Number of provisioning launches attempted by the scaler.",
	})
	LaunchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launch_failures_total",
		Help: "Number of provisioning launches that surfaced an error.",
	})
	LeasesTerminated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leases_terminated_total",
		Help: "Number of leases that reached TERMINATED.",
	})
	NoEligibleHosts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "no_eligible_hosts_total",
		Help: "Host candidates rejected during scheduling, by reason.",
	}, []string{"reason"})
	ReconcileSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_lease_skips_total",
		Help: "Leases skipped for a tick because an external probe failed.",
	})
)

func init() {
	Registry.MustRegister(LaunchAttempts, LaunchFailures, LeasesTerminated, NoEligibleHosts, ReconcileSkips)
}

// Snapshot flattens the registry into {key: value}. Labeled series render as
// name{label="value",...} with labels sorted by name.
func Snapshot() (map[string]int64, error) {
	families, err := Registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics, %w", err)
	}
	out := map[string]int64{}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			key := family.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
				}
				sort.Strings(parts)
				key = fmt.Sprintf("%s{%s}", key, strings.Join(parts, ","))
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = int64(m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				out[key] = int64(m.GetGauge().GetValue())
			}
		}
	}
	return out, nil
}
