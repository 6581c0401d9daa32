package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ckrushton/fleetd/fleet"
	"github.com/ckrushton/fleetd/ledger"
)

// DesiredStateReader yields the node names a group's scheduler wants active
// right now. Implemented by slurm.DesiredStateDir.
type DesiredStateReader interface {
	Read(ctx context.Context, partition, nodegroup string) ([]string, error)
}

// NodeUpdater pushes node records into the scheduler. Implemented by
// slurm.Client.
type NodeUpdater interface {
	UpdateNode(ctx context.Context, name, ip, hostname string) error
	PowerDownNodes(ctx context.Context, names []string) error
}

// HostsWriter maintains local name resolution for compute nodes. Implemented
// by slurm.HostsFile.
type HostsWriter interface {
	Set(ip, hostname string) error
}

type Config struct {
	Logger   *slog.Logger       `json:"-"`
	Fleet    fleet.Client       `json:"-"`
	Ledger   *ledger.Ledger     `json:"-"`
	Fallback *FallbackTracker   `json:"-"`
	Slurm    NodeUpdater        `json:"-"`
	Desired  DesiredStateReader `json:"-"`
	Hosts    HostsWriter        `json:"-"`

	Groups []NodeGroup `json:"-"`

	MaxConcurrentGroups int           `json:"max-concurrent-nodegroups"`
	MaxResizePerTick    int           `json:"max-resize-per-tick"`
	FallbackLookback    time.Duration `json:"fallback-lookback"`
}

func Validate(config Config) error {
	if config.Fleet == nil {
		return errors.New("fleet client is required")
	}
	if config.Ledger == nil {
		return errors.New("ledger is required")
	}
	if config.Slurm == nil {
		return errors.New("slurm client is required")
	}
	if config.Desired == nil {
		return errors.New("desired state reader is required")
	}
	if config.Hosts == nil {
		return errors.New("hosts writer is required")
	}
	if config.MaxConcurrentGroups < 1 {
		return errors.New("max-concurrent-nodegroups must be greater than 0")
	}
	if config.MaxResizePerTick < 1 {
		return errors.New("max-resize-per-tick must be greater than 0")
	}

	seen := map[string]bool{}
	for _, group := range config.Groups {
		if group.MaxNodes < 1 {
			return fmt.Errorf("node group %s: max-nodes must be greater than 0", group.Prefix())
		}
		if group.FleetID == "" {
			return fmt.Errorf("node group %s: fleet-id is required", group.Prefix())
		}
		if group.PurchasingOption != fleet.PurchaseSpot && group.PurchasingOption != fleet.PurchaseOnDemand {
			return fmt.Errorf("node group %s: unknown purchasing option '%s'", group.Prefix(), group.PurchasingOption)
		}
		if group.FallbackFleetID != "" && group.PurchasingOption != fleet.PurchaseSpot {
			return fmt.Errorf("node group %s: fallback fleet only applies to spot groups", group.Prefix())
		}
		if group.Elastic() && config.Fallback == nil {
			return errors.New("fallback tracker is required for spot groups with a fallback fleet")
		}
		if seen[group.Prefix()] {
			return fmt.Errorf("node group %s is defined twice", group.Prefix())
		}
		seen[group.Prefix()] = true
	}

	return nil
}
