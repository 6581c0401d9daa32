package flags

import (
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ClusterConfig           = "cluster-config"
	DataDir                 = "data-dir"
	DesiredStateDir         = "desired-state-dir"
	FallbackLookback        = "fallback-lookback"
	FallbackStabilization   = "fallback-stabilization"
	FallbackStall           = "fallback-stall"
	HostsFile               = "hosts-file"
	LockTimeout             = "lock-timeout"
	LogFormat               = "log-format"
	LogLevel                = "log-level"
	LogSource               = "log-source"
	MaxConcurrentNodegroups = "max-concurrent-nodegroups"
	MaxResizePerTick        = "max-resize-per-tick"
	ProviderTimeout         = "provider-timeout"
	SlurmBinPath            = "slurm-bin-path"
)

// Register declares every fleetd flag on the given flag set and binds the set
// to viper, with FLEETD_-prefixed environment variables taking precedence
// over defaults.
func Register(flags *flag.FlagSet) {
	// Fleetd
	flags.String(ClusterConfig, "/etc/fleetd/cluster.yaml", "cluster topology file mapping node groups to fleets")
	flags.String(DataDir, "/var/spool/fleetd", "directory holding the binding ledger, fallback state and run lock")
	flags.String(DesiredStateDir, "/var/spool/fleetd/partitions", "directory of per-nodegroup desired node files")
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")

	// Reconciliation
	flags.Duration(LockTimeout, 10*time.Second, "how long to wait for file locks")
	flags.Int(MaxConcurrentNodegroups, 4, "maximum number of node groups reconciled in parallel")
	flags.Int(MaxResizePerTick, 10, "maximum fleet capacity change applied in a single tick")
	flags.Duration(ProviderTimeout, 30*time.Second, "timeout for individual EC2 calls")

	// Fallback policy
	flags.Duration(FallbackLookback, 15*time.Minute, "how far back to inspect fleet error history")
	flags.Duration(FallbackStabilization, 10*time.Minute, "how long the primary fleet must cover demand on its own before supplementation ends")
	flags.Duration(FallbackStall, 4*time.Minute, "how long capacity may stall below demand before supplementation starts")

	// Slurm
	flags.String(HostsFile, "/etc/hosts", "hosts file receiving node name/IP entries")
	flags.String(SlurmBinPath, "/usr/bin", "directory containing the scontrol binary")

	viper.SetEnvPrefix("fleetd")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
