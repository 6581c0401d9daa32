package reconciler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ckrushton/fleetd/fleet"
	"github.com/ckrushton/fleetd/reconciler/internal"
)

type FallbackMode string

const (
	// FallbackNominal: the primary fleet is expected to satisfy demand alone.
	FallbackNominal FallbackMode = "nominal"
	// FallbackSupplemented: the secondary fleet covers the capacity deficit
	// the primary fleet cannot fill.
	FallbackSupplemented FallbackMode = "supplemented"
)

// capacityErrorCodes are the EC2 fleet history event sub-types that indicate
// the primary pool cannot grow, regardless of how long we wait.
var capacityErrorCodes = map[string]bool{
	"spotInstanceCountLimitExceeded":       true,
	"spotFleetRequestConfigurationInvalid": true,
	"launchSpecUnusable":                   true,
	"capacity-not-available":               true,
	"insufficientInstanceCapacity":         true,
	"maxSpotInstanceCountExceeded":         true,
}

type fallbackRecord struct {
	Mode FallbackMode `json:"mode"`
	// LastGrowth is the last time the group's bound count increased.
	LastGrowth time.Time `json:"last_growth"`
	BoundCount int       `json:"bound_count"`
	// HealthySince is set while the primary fleet alone covers demand; the
	// record reverts to nominal once that holds for the stabilization window.
	HealthySince time.Time `json:"healthy_since,omitzero"`
}

// Decision is the fallback policy's verdict for one tick of one node group.
type Decision struct {
	Mode FallbackMode
	// SupplementTarget is the capacity the secondary fleet should be resized
	// to: whatever demand the primary fleet does not cover while
	// supplemented, zero otherwise.
	SupplementTarget int
	Reason           string
}

// FallbackTracker holds the per-fleet fallback state, persisted to disk so a
// restart does not forget that a group was being supplemented. Transitions
// are driven only by fleet history and elapsed time, never by operator
// action.
type FallbackTracker struct {
	mu      sync.Mutex
	path    string
	records map[string]*fallbackRecord // keyed by primary fleet id

	stall         time.Duration
	stabilization time.Duration

	now func() time.Time
}

// NewFallbackTracker loads (or initializes) the tracker at path. A missing
// file is a normal first run.
func NewFallbackTracker(path string, stall, stabilization time.Duration) (*FallbackTracker, error) {
	t := &FallbackTracker{
		path:          path,
		records:       make(map[string]*fallbackRecord),
		stall:         stall,
		stabilization: stabilization,
		now:           time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to read fallback state %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &t.records); err != nil {
		return nil, fmt.Errorf("failed to parse fallback state %s: %w", path, err)
	}
	return t, nil
}

// Mode returns the current mode for a primary fleet.
func (t *FallbackTracker) Mode(fleetID string) FallbackMode {
	t.mu.Lock()
	defer t.mu.Unlock()

	if record, ok := t.records[fleetID]; ok {
		return record.Mode
	}
	return FallbackNominal
}

// Observe feeds one tick's view of a node group into the state machine and
// returns what to do about the secondary fleet. desired and bound count node
// slots; primaryBound counts only slots backed by the primary fleet, which is
// what must recover before supplementation ends.
func (t *FallbackTracker) Observe(group NodeGroup, desired, bound, primaryBound int, events []fleet.Event) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	record, ok := t.records[group.FleetID]
	if !ok {
		record = &fallbackRecord{Mode: FallbackNominal, LastGrowth: now, BoundCount: bound}
		t.records[group.FleetID] = record
	}

	if bound > record.BoundCount {
		record.LastGrowth = now
	}
	record.BoundCount = bound

	decision := Decision{Mode: record.Mode}

	switch record.Mode {
	case FallbackNominal:
		if desired > bound {
			if code, hit := capacityError(events); hit {
				record.Mode = FallbackSupplemented
				record.HealthySince = time.Time{}
				decision.Reason = "capacity error: " + code
			} else if now.Sub(record.LastGrowth) >= t.stall {
				record.Mode = FallbackSupplemented
				record.HealthySince = time.Time{}
				decision.Reason = fmt.Sprintf("no growth for %s", t.stall)
			}
		}

	case FallbackSupplemented:
		if primaryBound >= desired {
			if record.HealthySince.IsZero() {
				record.HealthySince = now
			}
			if now.Sub(record.HealthySince) >= t.stabilization {
				record.Mode = FallbackNominal
				record.HealthySince = time.Time{}
				decision.Reason = "primary fleet stable"
			}
		} else {
			// Supplemental capacity is only released once the primary fleet
			// alone has covered demand for the full stabilization window.
			record.HealthySince = time.Time{}
		}
	}

	decision.Mode = record.Mode
	if record.Mode == FallbackSupplemented {
		// The secondary fleet covers exactly what the primary one cannot, so
		// nodes already backed by supplemental instances do not shrink it.
		decision.SupplementTarget = internal.Deficit(desired, primaryBound)
	}

	if err := t.persist(); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func capacityError(events []fleet.Event) (string, bool) {
	for _, event := range events {
		if capacityErrorCodes[event.Code] {
			return event.Code, true
		}
	}
	return "", false
}

func (t *FallbackTracker) persist() error {
	data, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fallback state: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("failed to create fallback state directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write fallback state: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace fallback state: %w", err)
	}
	return nil
}
