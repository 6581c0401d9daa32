// Package config parses the cluster topology file: which partitions exist,
// which node groups they contain, and which EC2 fleet backs each group.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/ckrushton/fleetd/fleet"
	"github.com/ckrushton/fleetd/reconciler"
	"gopkg.in/yaml.v3"
)

const ClusterVersion = "1"

type Cluster struct {
	Version    string               `yaml:"version"`
	Region     string               `yaml:"region"`
	Partitions map[string]Partition `yaml:"partitions"`
}

type Partition struct {
	Nodegroups map[string]Nodegroup `yaml:"nodegroups"`
}

type Nodegroup struct {
	MaxNodes         int               `yaml:"max-nodes"`
	PurchasingOption string            `yaml:"purchasing-option"`
	FleetID          string            `yaml:"fleet-id"`
	FallbackFleetID  string            `yaml:"fallback-fleet-id"`
	Tags             map[string]string `yaml:"tags"`
}

// Partition and node group names end up embedded in node names, where the
// last dash-separated token must remain the node index.
var identifierRegex = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

func Load(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster config: %w", err)
	}

	var cluster Cluster
	if err := yaml.Unmarshal(data, &cluster); err != nil {
		return nil, fmt.Errorf("failed to parse cluster config: %w", err)
	}

	if err := cluster.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config %s: %w", path, err)
	}
	return &cluster, nil
}

func (cluster Cluster) Validate() error {
	if cluster.Version != ClusterVersion {
		return fmt.Errorf("unsupported version '%s'", cluster.Version)
	}

	if cluster.Region == "" {
		return fmt.Errorf("region is required")
	}

	for name, partition := range cluster.Partitions {
		if !identifierRegex.MatchString(name) {
			return fmt.Errorf("partition names must be valid identifiers")
		}

		for groupName, group := range partition.Nodegroups {
			if !identifierRegex.MatchString(groupName) {
				return fmt.Errorf("partitions[%s] nodegroup names must be valid identifiers", name)
			}

			if group.MaxNodes < 1 {
				return fmt.Errorf("partitions[%s].nodegroups[%s].max-nodes must be greater than 0", name, groupName)
			}

			if group.FleetID == "" {
				return fmt.Errorf("partitions[%s].nodegroups[%s].fleet-id is required", name, groupName)
			}

			option := fleet.PurchaseOption(group.PurchasingOption)
			if option != fleet.PurchaseSpot && option != fleet.PurchaseOnDemand {
				return fmt.Errorf("partitions[%s].nodegroups[%s].purchasing-option must be 'spot' or 'on-demand'", name, groupName)
			}

			if group.FallbackFleetID != "" && option != fleet.PurchaseSpot {
				return fmt.Errorf("partitions[%s].nodegroups[%s].fallback-fleet-id only applies to spot groups", name, groupName)
			}
		}
	}

	return nil
}

// Groups flattens the topology into node groups, sorted by prefix so every
// run walks them in the same order.
func (cluster Cluster) Groups() []reconciler.NodeGroup {
	var groups []reconciler.NodeGroup
	for partitionName, partition := range cluster.Partitions {
		for groupName, group := range partition.Nodegroups {
			groups = append(groups, reconciler.NodeGroup{
				Partition:        partitionName,
				Name:             groupName,
				MaxNodes:         group.MaxNodes,
				PurchasingOption: fleet.PurchaseOption(group.PurchasingOption),
				FleetID:          group.FleetID,
				FallbackFleetID:  group.FallbackFleetID,
				Tags:             group.Tags,
			})
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Prefix() < groups[j].Prefix() })
	return groups
}
