package reconciler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ckrushton/fleetd/fleet"
	"github.com/ckrushton/fleetd/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	return Config{
		Logger:  silentLogger,
		Fleet:   newFakeFleet(),
		Ledger:  led,
		Slurm:   &fakeSlurm{},
		Desired: newFakeDesired(),
		Hosts:   &fakeHosts{},
		Groups:  []NodeGroup{stdGroup},

		MaxConcurrentGroups: 4,
		MaxResizePerTick:    10,
		FallbackLookback:    15 * time.Minute,
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig(t)))
}

func TestValidateRequiredCollaborators(t *testing.T) {
	for name, breakIt := range map[string]func(*Config){
		"fleet":   func(c *Config) { c.Fleet = nil },
		"ledger":  func(c *Config) { c.Ledger = nil },
		"slurm":   func(c *Config) { c.Slurm = nil },
		"desired": func(c *Config) { c.Desired = nil },
		"hosts":   func(c *Config) { c.Hosts = nil },
	} {
		config := validConfig(t)
		breakIt(&config)
		assert.Error(t, Validate(config), name)
	}
}

func TestValidateTunables(t *testing.T) {
	config := validConfig(t)
	config.MaxConcurrentGroups = 0
	assert.ErrorContains(t, Validate(config), "max-concurrent-nodegroups")

	config = validConfig(t)
	config.MaxResizePerTick = 0
	assert.ErrorContains(t, Validate(config), "max-resize-per-tick")
}

func TestValidateGroups(t *testing.T) {
	group := stdGroup

	config := validConfig(t)
	group.MaxNodes = 0
	config.Groups = []NodeGroup{group}
	assert.ErrorContains(t, Validate(config), "max-nodes")

	config = validConfig(t)
	group = stdGroup
	group.FleetID = ""
	config.Groups = []NodeGroup{group}
	assert.ErrorContains(t, Validate(config), "fleet-id")

	config = validConfig(t)
	group = stdGroup
	group.PurchasingOption = "rented"
	config.Groups = []NodeGroup{group}
	assert.ErrorContains(t, Validate(config), "purchasing option")

	// Fallback fleets only make sense for spot groups
	config = validConfig(t)
	group = stdGroup
	group.FallbackFleetID = "fleet-od"
	config.Groups = []NodeGroup{group}
	assert.ErrorContains(t, Validate(config), "fallback")

	// Duplicate (partition, nodegroup) pairs
	config = validConfig(t)
	config.Groups = []NodeGroup{stdGroup, stdGroup}
	assert.ErrorContains(t, Validate(config), "twice")
}

func TestValidateElasticGroupNeedsTracker(t *testing.T) {
	config := validConfig(t)
	config.Groups = []NodeGroup{{
		Partition:        "batch",
		Name:             "spot",
		MaxNodes:         8,
		PurchasingOption: fleet.PurchaseSpot,
		FleetID:          "fleet-primary",
		FallbackFleetID:  "fleet-od",
	}}
	assert.ErrorContains(t, Validate(config), "fallback tracker")

	tracker, err := NewFallbackTracker(filepath.Join(t.TempDir(), "fallback.json"), time.Minute, time.Minute)
	require.NoError(t, err)
	config.Fallback = tracker
	assert.NoError(t, Validate(config))
}
