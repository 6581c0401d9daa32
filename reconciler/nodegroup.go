package reconciler

import (
	"github.com/ckrushton/fleetd/fleet"
	"github.com/ckrushton/fleetd/slurm"
)

// NodeGroup maps one (partition, nodegroup) pair of the cluster onto its
// provisioned fleet. Groups are loaded once at startup from the cluster
// configuration and never mutated by the loop.
type NodeGroup struct {
	Partition        string
	Name             string
	MaxNodes         int
	PurchasingOption fleet.PurchaseOption
	FleetID          string
	// FallbackFleetID names an alternate-purchasing-option fleet used to
	// supplement the primary one when spot capacity runs dry. Empty for
	// groups without a fallback.
	FallbackFleetID string
	Tags            map[string]string
}

// Prefix returns the node name prefix shared by every node of the group.
func (g NodeGroup) Prefix() string {
	return slurm.GroupPrefix(g.Partition, g.Name)
}

// Elastic reports whether the group runs on non-guaranteed capacity and is
// therefore subject to the fallback policy.
func (g NodeGroup) Elastic() bool {
	return g.PurchasingOption == fleet.PurchaseSpot && g.FallbackFleetID != ""
}
