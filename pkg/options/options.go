// Package options is the configuration surface of the control plane. Every
// knob is a flag with an environment-variable default, so deployments can use
// either form.
package options

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Options struct {
	JenkinsURL      string
	JenkinsUser     string
	JenkinsAPIToken string

	DatabasePath string
	ListenAddr   string

	LoopInterval time.Duration
	GCInterval   time.Duration

	GlobalMaxVMs     int
	LabelMaxInflight int
	LabelBurst       int

	ConnectDeadline   time.Duration
	DisconnectedGrace time.Duration
	VMTTL             time.Duration
	HostStaleTimeout  time.Duration

	RetryAttempts int
	RetrySleep    time.Duration

	AllowUnknownHostRegistration bool

	NodeAgentURL       string
	NodeAgentAuthToken string
	BaseImageID        string

	DisableBackgroundLoops bool
}

// New binds the full option set onto fs. Call fs.Parse before reading fields.
func New(fs *flag.FlagSet) *Options {
	o := &Options{}
	fs.StringVar(&o.JenkinsURL, "jenkins-url", envString("JENKINS_URL", "http://localhost:8080"), "Base URL of the Jenkins controller.")
	fs.StringVar(&o.JenkinsUser, "jenkins-user", envString("JENKINS_USER", "admin"), "Jenkins API user.")
	fs.StringVar(&o.JenkinsAPIToken, "jenkins-api-token", envString("JENKINS_API_TOKEN", "admin"), "Jenkins API token.")
	fs.StringVar(&o.DatabasePath, "database-path", envString("DATABASE_PATH", "control_plane.db"), "Path of the sqlite database file.")
	fs.StringVar(&o.ListenAddr, "listen-addr", envString("LISTEN_ADDR", ":8081"), "Operator API listen address.")
	fs.DurationVar(&o.LoopInterval, "loop-interval", envDuration("LOOP_INTERVAL_SEC", 5*time.Second), "Scaling/reconcile tick period (>=1s).")
	fs.DurationVar(&o.GCInterval, "gc-interval", envDuration("GC_INTERVAL_SEC", 30*time.Second), "GC tick period (>=5s).")
	fs.IntVar(&o.GlobalMaxVMs, "global-max-vms", envInt("GLOBAL_MAX_VMS", 100), "Absolute cap on active leases.")
	fs.IntVar(&o.LabelMaxInflight, "label-max-inflight", envInt("LABEL_MAX_INFLIGHT", 5), "Cap on not-yet-running leases per label.")
	fs.IntVar(&o.LabelBurst, "label-burst", envInt("LABEL_BURST", 3), "Max launches per label per tick.")
	fs.DurationVar(&o.ConnectDeadline, "connect-deadline", envDuration("CONNECT_DEADLINE_SEC", 240*time.Second), "Window for a lease to reach CONNECTED.")
	fs.DurationVar(&o.DisconnectedGrace, "disconnected-grace", envDuration("DISCONNECTED_GRACE_SEC", 60*time.Second), "Disconnect tolerance for RUNNING leases.")
	fs.DurationVar(&o.VMTTL, "vm-ttl", envDuration("VM_TTL_SEC", 7200*time.Second), "Hard lease lifetime.")
	fs.DurationVar(&o.HostStaleTimeout, "host-stale-timeout", envDuration("HOST_STALE_TIMEOUT_SEC", 20*time.Second), "Heartbeat age beyond which a host is stale.")
	fs.IntVar(&o.RetryAttempts, "retry-attempts", envInt("RETRY_ATTEMPTS", 3), "Outbound call retry attempts.")
	fs.DurationVar(&o.RetrySleep, "retry-sleep", envDuration("RETRY_SLEEP_SEC", 10*time.Second), "Fixed back-off between outbound retries.")
	fs.BoolVar(&o.AllowUnknownHostRegistration, "allow-unknown-host-registration", envBool("ALLOW_UNKNOWN_HOST_REGISTRATION", false), "Auto-create a host row on first register.")
	fs.StringVar(&o.NodeAgentURL, "node-agent-url", envString("NODE_AGENT_URL", "http://localhost:9000"), "Default node-agent endpoint for hosts without a registered address.")
	fs.StringVar(&o.NodeAgentAuthToken, "node-agent-auth-token", envString("NODE_AGENT_AUTH_TOKEN", ""), "Bearer token for node-agent calls.")
	fs.StringVar(&o.BaseImageID, "base-image-id", envString("BASE_IMAGE_ID", "default"), "Base image id passed to the node agent.")
	fs.BoolVar(&o.DisableBackgroundLoops, "disable-background-loops", envBool("DISABLE_BACKGROUND_LOOPS", false), "Serve the API without running the workers.")
	return o
}

// Validate enforces the documented lower bounds.
func (o *Options) Validate() error {
	if o.JenkinsURL == "" {
		return fmt.Errorf("jenkins-url is required")
	}
	if o.LoopInterval < time.Second {
		return fmt.Errorf("loop-interval must be at least 1s, got %s", o.LoopInterval)
	}
	if o.GCInterval < 5*time.Second {
		return fmt.Errorf("gc-interval must be at least 5s, got %s", o.GCInterval)
	}
	if o.GlobalMaxVMs < 1 || o.LabelMaxInflight < 1 || o.LabelBurst < 1 {
		return fmt.Errorf("capacity caps must be at least 1")
	}
	if o.RetryAttempts < 1 {
		return fmt.Errorf("retry-attempts must be at least 1, got %d", o.RetryAttempts)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envDuration reads *_SEC environment keys as integer seconds, matching the
// configuration contract of the host agents.
func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
