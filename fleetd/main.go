package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ckrushton/fleetd/fleet"
	"github.com/ckrushton/fleetd/fleetd/config"
	"github.com/ckrushton/fleetd/fleetd/flags"
	"github.com/ckrushton/fleetd/fleetd/log"
	"github.com/ckrushton/fleetd/ledger"
	"github.com/ckrushton/fleetd/reconciler"
	"github.com/ckrushton/fleetd/slurm"

	"github.com/gofrs/flock"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var rootCmd = &cobra.Command{
	Use:           "fleetd",
	Short:         "Reconcile Slurm power-save node state against EC2 fleets",
	Long:          "Runs one reconciliation tick: reads the desired node sets, lists the backing EC2 fleets, and converges bindings, fleet sizes and scheduler records. Designed to be invoked from cron.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags.Register(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		return err
	}
	log.Info("Fleetd starting up...", "version", version, "commit", commit)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dataDir := viper.GetString(flags.DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Cron has no idea whether the previous tick finished. If it didn't, this
	// one steps aside: an overlap skip is healthy, not a failure.
	runLock := flock.New(filepath.Join(dataDir, "fleetd.lock"))
	locked, err := runLock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !locked {
		log.Info("Previous run still in progress, skipping this tick")
		return nil
	}
	defer func() { _ = runLock.Unlock() }()

	cluster, err := config.Load(viper.GetString(flags.ClusterConfig))
	if err != nil {
		return err
	}

	bindings, err := ledger.Open(filepath.Join(dataDir, "ledger.json"))
	if err != nil {
		return fmt.Errorf("failed to open binding ledger: %w", err)
	}

	fallback, err := reconciler.NewFallbackTracker(
		filepath.Join(dataDir, "fallback.json"),
		viper.GetDuration(flags.FallbackStall),
		viper.GetDuration(flags.FallbackStabilization),
	)
	if err != nil {
		return fmt.Errorf("failed to open fallback state: %w", err)
	}

	ec2, err := fleet.NewEC2Client(ctx, fleet.EC2Config{
		Logger:  log.Base.With("component", "fleet"),
		Region:  cluster.Region,
		Timeout: viper.GetDuration(flags.ProviderTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to create EC2 client: %w", err)
	}

	lockTimeout := viper.GetDuration(flags.LockTimeout)
	reconcilerConfig := reconciler.Config{
		Logger:   log.Base.With("component", "reconciler"),
		Fleet:    ec2,
		Ledger:   bindings,
		Fallback: fallback,
		Slurm:    slurm.NewClient(viper.GetString(flags.SlurmBinPath), log.Base.With("component", "slurm")),
		Desired:  slurm.NewDesiredStateDir(viper.GetString(flags.DesiredStateDir), lockTimeout),
		Hosts:    slurm.NewHostsFile(viper.GetString(flags.HostsFile), lockTimeout),
		Groups:   cluster.Groups(),

		MaxConcurrentGroups: viper.GetInt(flags.MaxConcurrentNodegroups),
		MaxResizePerTick:    viper.GetInt(flags.MaxResizePerTick),
		FallbackLookback:    viper.GetDuration(flags.FallbackLookback),
	}
	if err := reconciler.Validate(reconcilerConfig); err != nil {
		return fmt.Errorf("invalid reconciler config: %w", err)
	}

	reconciler.New(reconcilerConfig).RunTick(ctx)

	log.Info("Fleetd done")
	return nil
}
