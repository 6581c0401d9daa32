package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ckrushton/fleetd/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCluster = `
version: "1"
region: eu-west-1
partitions:
  batch:
    nodegroups:
      spot64:
        max-nodes: 32
        purchasing-option: spot
        fleet-id: fleet-0aaa
        fallback-fleet-id: fleet-0bbb
        tags:
          team: hpc
      std:
        max-nodes: 8
        purchasing-option: on-demand
        fleet-id: fleet-0ccc
  gpu:
    nodegroups:
      a100:
        max-nodes: 4
        purchasing-option: on-demand
        fleet-id: fleet-0ddd
`

func loadString(t *testing.T, content string) (*Cluster, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return Load(path)
}

func TestLoadValidCluster(t *testing.T) {
	cluster, err := loadString(t, validCluster)
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cluster.Region)

	groups := cluster.Groups()
	require.Len(t, groups, 3)
	// Sorted by prefix regardless of map iteration order
	assert.Equal(t, "batch-spot64-", groups[0].Prefix())
	assert.Equal(t, "batch-std-", groups[1].Prefix())
	assert.Equal(t, "gpu-a100-", groups[2].Prefix())

	spot := groups[0]
	assert.Equal(t, 32, spot.MaxNodes)
	assert.Equal(t, fleet.PurchaseSpot, spot.PurchasingOption)
	assert.Equal(t, "fleet-0aaa", spot.FleetID)
	assert.Equal(t, "fleet-0bbb", spot.FallbackFleetID)
	assert.Equal(t, map[string]string{"team": "hpc"}, spot.Tags)
	assert.True(t, spot.Elastic())

	assert.False(t, groups[1].Elastic())
}

var invalidClusters = []struct {
	name    string
	content string
	err     string
}{
	{"bad version", `{version: "42", region: eu-west-1}`, "unsupported version"},
	{"missing region", `{version: "1"}`, "region is required"},
	{
		"bad partition name",
		`{version: "1", region: eu-west-1, partitions: {Bad-Name: {nodegroups: {}}}}`,
		"partition names must be valid identifiers",
	},
	{
		"bad nodegroup name",
		`{version: "1", region: eu-west-1, partitions: {batch: {nodegroups: {spot-64: {max-nodes: 4, purchasing-option: spot, fleet-id: f}}}}}`,
		"nodegroup names must be valid identifiers",
	},
	{
		"missing max-nodes",
		`{version: "1", region: eu-west-1, partitions: {batch: {nodegroups: {std: {purchasing-option: spot, fleet-id: f}}}}}`,
		"max-nodes must be greater than 0",
	},
	{
		"missing fleet-id",
		`{version: "1", region: eu-west-1, partitions: {batch: {nodegroups: {std: {max-nodes: 4, purchasing-option: spot}}}}}`,
		"fleet-id is required",
	},
	{
		"bad purchasing option",
		`{version: "1", region: eu-west-1, partitions: {batch: {nodegroups: {std: {max-nodes: 4, purchasing-option: rented, fleet-id: f}}}}}`,
		"purchasing-option must be",
	},
	{
		"fallback on on-demand group",
		`{version: "1", region: eu-west-1, partitions: {batch: {nodegroups: {std: {max-nodes: 4, purchasing-option: on-demand, fleet-id: f, fallback-fleet-id: g}}}}}`,
		"only applies to spot groups",
	},
}

func TestLoadInvalidClusters(t *testing.T) {
	for _, tc := range invalidClusters {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadString(t, tc.content)
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadUnparseableFile(t *testing.T) {
	_, err := loadString(t, "[not a cluster")
	assert.Error(t, err)
}
