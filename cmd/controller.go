package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"devplane/internal/config"
	"devplane/internal/dnssync"
	"devplane/internal/materializer"
	"devplane/internal/reconciler"
	"devplane/internal/watcher"
	"devplane/pkg/logging"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the environment and DNS reconciliation controller",
	Long: `Runs the long-lived controller: the endpoint watch loop, the DNS
synchronizer and the stale-record sweeper. The controller keeps running
until it receives SIGINT or SIGTERM; the event or sweep iteration in
flight is allowed to finish before exit.`,
	RunE: runController,
}

func init() {
	rootCmd.AddCommand(controllerCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.ParseLevel(level), os.Stderr)

	// In-cluster config when running as a cluster workload, kubeconfig
	// otherwise.
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("resolving cluster configuration: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("creating cluster client: %w", err)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return fmt.Errorf("creating AWS session: %w", err)
	}
	dnsClient := dnssync.NewRoute53Client(sess, cfg.DNS.HostedZoneID, cfg.DNS.RecordTTL)

	envReconciler := reconciler.New(clientset, &materializer.Materializer{
		StorageClass: cfg.Cluster.StorageClass,
	})

	synchronizer := dnssync.NewSynchronizer(dnsClient, cfg.DNS.DomainSuffix)
	synchronizer.SetUpsertHook(envReconciler.SetEndpoints)

	endpointWatcher := watcher.New(clientset,
		time.Duration(cfg.Cluster.WatchTimeout), time.Duration(cfg.Cluster.ReconnectBackoff))
	sweeper := dnssync.NewSweeper(synchronizer, clientset,
		time.Duration(cfg.Sweep.Interval), time.Duration(cfg.Sweep.GraceWindow))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("Controller", "Starting devplane controller (zone=%s, suffix=%s)",
		cfg.DNS.HostedZoneID, cfg.DNS.DomainSuffix)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return endpointWatcher.Run(gctx) })
	g.Go(func() error { return synchronizer.Run(gctx, endpointWatcher.Events()) })
	g.Go(func() error { return sweeper.Run(gctx) })

	err = g.Wait()

	// Let in-flight environment convergence tasks finish before exiting.
	envReconciler.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info("Controller", "Shutdown complete")
	return nil
}
