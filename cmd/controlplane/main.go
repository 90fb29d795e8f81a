package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/apiserver"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/clients/jenkins"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/clients/nodeagent"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/clients/request"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers/gc"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers/lifecycle"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers/provisioning"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers/scaling"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/loops"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/options"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	fs := flag.NewFlagSet("controlplane", flag.ExitOnError)
	opts := options.New(fs)
	_ = fs.Parse(os.Args[1:])

	log := newLogger()
	if err := opts.Validate(); err != nil {
		log.Error(err, "invalid configuration")
		os.Exit(1)
	}

	if err := run(log, opts); err != nil {
		log.Error(err, "control plane exited")
		os.Exit(1)
	}
}

func newLogger() logr.Logger {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = nil
	zl, err := config.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	return zapr.NewLogger(zl)
}

func run(log logr.Logger, opts *options.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	db, err := store.Open(opts.DatabasePath, clk)
	if err != nil {
		return err
	}
	defer db.Close()

	policy := request.Policy{Attempts: opts.RetryAttempts, Sleep: opts.RetrySleep}
	ci := jenkins.NewClient(opts.JenkinsURL, opts.JenkinsUser, opts.JenkinsAPIToken, policy)
	agents := newAgentFactory(db, opts, policy, log)

	provisioner := provisioning.NewProvisioner(db, clk, log, provisioning.Config{
		JenkinsURL:      opts.JenkinsURL,
		BaseImageID:     opts.BaseImageID,
		ConnectDeadline: opts.ConnectDeadline,
		VMTTL:           opts.VMTTL,
	})
	scaler := scaling.NewScaler(db, provisioner, ci, agents, clk, log, scaling.Config{
		LoopInterval:     opts.LoopInterval,
		GlobalMaxVMs:     opts.GlobalMaxVMs,
		LabelMaxInflight: opts.LabelMaxInflight,
		LabelBurst:       opts.LabelBurst,
		HostStaleTimeout: opts.HostStaleTimeout,
	})
	reconciler := lifecycle.NewReconciler(db, ci, agents, clk, log, lifecycle.Config{
		DisconnectedGrace: opts.DisconnectedGrace,
	})
	sweeper := gc.NewController(db, clk, log, gc.Config{
		HostStaleTimeout: opts.HostStaleTimeout,
	})

	driver := loops.NewDriver(clk, log)
	if opts.DisableBackgroundLoops {
		log.Info("background loops disabled, serving API only")
	} else {
		driver.Start(ctx, "scaling", opts.LoopInterval, scaler, reconciler)
		driver.Start(ctx, "gc", opts.GCInterval, sweeper)
	}

	api := apiserver.NewServer(db, clk, log, apiserver.Config{
		AllowUnknownHostRegistration: opts.AllowUnknownHostRegistration,
	})
	server := &http.Server{Addr: opts.ListenAddr, Handler: api.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("serving operator API", "addr", opts.ListenAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("operator API server failed, %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "operator API shutdown")
	}
	if !driver.Stop(shutdownTimeout) {
		log.Info("workers did not stop before the shutdown deadline")
	}
	return nil
}

// newAgentFactory resolves the node-agent endpoint for a host from its
// registered address, falling back to the configured default for hosts that
// have not registered one.
func newAgentFactory(db *store.Store, opts *options.Options, policy request.Policy, log logr.Logger) controllers.AgentFactory {
	return func(hostID string) controllers.AgentClient {
		baseURL := opts.NodeAgentURL
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		host, err := db.GetHost(ctx, hostID)
		if err == nil && host.Addr != "" {
			baseURL = host.Addr
			if !strings.Contains(baseURL, "://") {
				baseURL = "http://" + baseURL
			}
		} else if err != nil {
			log.V(1).Info("falling back to default node-agent endpoint", "host", hostID, "error", err.Error())
		}
		return nodeagent.NewClient(baseURL, policy, opts.NodeAgentAuthToken)
	}
}
