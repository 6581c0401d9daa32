package reconciler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ckrushton/fleetd/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var elasticGroup = NodeGroup{
	Partition:        "batch",
	Name:             "spot",
	MaxNodes:         8,
	PurchasingOption: fleet.PurchaseSpot,
	FleetID:          "fleet-primary",
	FallbackFleetID:  "fleet-fallback",
}

// newTestTracker returns a tracker on a controllable clock. Advance the clock
// by mutating *now.
func newTestTracker(t *testing.T) (*FallbackTracker, *time.Time, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fallback.json")
	tracker, err := NewFallbackTracker(path, 4*time.Minute, 10*time.Minute)
	require.NoError(t, err)

	now := time.Now()
	tracker.now = func() time.Time { return now }
	return tracker, &now, path
}

func capacityEvent(code string) []fleet.Event {
	return []fleet.Event{{Timestamp: time.Now(), Code: code, Message: "boom"}}
}

func TestFallbackCapacityErrorTriggers(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	decision, err := tracker.Observe(elasticGroup, 3, 1, 1, capacityEvent("insufficientInstanceCapacity"))
	require.NoError(t, err)

	assert.Equal(t, FallbackSupplemented, decision.Mode)
	assert.Equal(t, 2, decision.SupplementTarget)
	assert.Contains(t, decision.Reason, "capacity error")
}

func TestFallbackIgnoresErrorsWhenSatisfied(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	// Demand is covered: stale history entries must not trigger anything
	decision, err := tracker.Observe(elasticGroup, 2, 2, 2, capacityEvent("insufficientInstanceCapacity"))
	require.NoError(t, err)

	assert.Equal(t, FallbackNominal, decision.Mode)
	assert.Zero(t, decision.SupplementTarget)
}

func TestFallbackIgnoresUnrelatedEvents(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	decision, err := tracker.Observe(elasticGroup, 3, 1, 1, capacityEvent("instanceChange"))
	require.NoError(t, err)

	assert.Equal(t, FallbackNominal, decision.Mode)
}

func TestFallbackStallTriggers(t *testing.T) {
	tracker, now, _ := newTestTracker(t)

	decision, err := tracker.Observe(elasticGroup, 3, 1, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, FallbackNominal, decision.Mode)

	*now = now.Add(4 * time.Minute)
	decision, err = tracker.Observe(elasticGroup, 3, 1, 1, nil)
	require.NoError(t, err)

	assert.Equal(t, FallbackSupplemented, decision.Mode)
	assert.Equal(t, 2, decision.SupplementTarget)
	assert.Contains(t, decision.Reason, "no growth")
}

func TestFallbackGrowthResetsStall(t *testing.T) {
	tracker, now, _ := newTestTracker(t)

	_, err := tracker.Observe(elasticGroup, 3, 1, 1, nil)
	require.NoError(t, err)

	*now = now.Add(3 * time.Minute)
	// One more node came up: the pool is slow, not stuck
	_, err = tracker.Observe(elasticGroup, 3, 2, 2, nil)
	require.NoError(t, err)

	*now = now.Add(3 * time.Minute)
	decision, err := tracker.Observe(elasticGroup, 3, 2, 2, nil)
	require.NoError(t, err)

	assert.Equal(t, FallbackNominal, decision.Mode)
}

func TestFallbackReversionAfterStabilization(t *testing.T) {
	tracker, now, _ := newTestTracker(t)

	_, err := tracker.Observe(elasticGroup, 3, 1, 1, capacityEvent("capacity-not-available"))
	require.NoError(t, err)
	assert.Equal(t, FallbackSupplemented, tracker.Mode(elasticGroup.FleetID))

	// The primary fleet alone now covers demand
	decision, err := tracker.Observe(elasticGroup, 3, 3, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, FallbackSupplemented, decision.Mode)

	*now = now.Add(10 * time.Minute)
	decision, err = tracker.Observe(elasticGroup, 3, 3, 3, nil)
	require.NoError(t, err)

	assert.Equal(t, FallbackNominal, decision.Mode)
	assert.Zero(t, decision.SupplementTarget)
	assert.Contains(t, decision.Reason, "stable")
}

func TestFallbackReversionResetsOnDip(t *testing.T) {
	tracker, now, _ := newTestTracker(t)

	_, err := tracker.Observe(elasticGroup, 3, 1, 1, capacityEvent("capacity-not-available"))
	require.NoError(t, err)

	_, err = tracker.Observe(elasticGroup, 3, 3, 3, nil)
	require.NoError(t, err)

	// The primary dips again before the stabilization window elapsed
	*now = now.Add(5 * time.Minute)
	_, err = tracker.Observe(elasticGroup, 3, 3, 2, nil)
	require.NoError(t, err)

	*now = now.Add(6 * time.Minute)
	decision, err := tracker.Observe(elasticGroup, 3, 3, 3, nil)
	require.NoError(t, err)

	// The window restarted at the dip
	assert.Equal(t, FallbackSupplemented, decision.Mode)
}

func TestFallbackStatePersists(t *testing.T) {
	tracker, _, path := newTestTracker(t)

	_, err := tracker.Observe(elasticGroup, 3, 1, 1, capacityEvent("spotInstanceCountLimitExceeded"))
	require.NoError(t, err)

	// A restarted daemon must not forget it was supplementing
	reopened, err := NewFallbackTracker(path, 4*time.Minute, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, FallbackSupplemented, reopened.Mode(elasticGroup.FleetID))
}
