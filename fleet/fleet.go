// Package fleet abstracts the cloud provider backing a node group's compute
// capacity. The reconciliation loop only ever talks to the Client interface;
// the EC2 Fleet implementation lives in ec2.go.
package fleet

import (
	"context"
	"errors"
	"time"
)

type PurchaseOption string

const (
	PurchaseSpot     PurchaseOption = "spot"
	PurchaseOnDemand PurchaseOption = "on-demand"
)

// Instance is one fleet member as reported by the provider.
type Instance struct {
	ID             string
	PurchaseOption PurchaseOption
	State          string
	PrivateIP      string
	LaunchedAt     time.Time
}

// Usable reports whether the instance can back a node binding. Members on
// their way out (shutting-down, terminated) are invisible to pairing.
func (i Instance) Usable() bool {
	return i.State == "pending" || i.State == "running"
}

// Snapshot is a point-in-time listing of a fleet. It is fetched fresh every
// tick and never cached beyond the tick's own processing.
type Snapshot struct {
	FleetID        string
	TargetCapacity int
	Instances      []Instance
}

// Event is one entry of a fleet's recent provider history, consumed only by
// the fallback policy.
type Event struct {
	Timestamp time.Time
	Code      string
	Message   string
}

var (
	// ErrProviderUnavailable marks transient failures (throttling, timeouts).
	// The caller skips the affected node group and retries next tick.
	ErrProviderUnavailable = errors.New("fleet provider unavailable")

	// ErrFleetNotFound marks a configuration error: the fleet id does not
	// exist. The affected node group cannot converge without operator
	// intervention.
	ErrFleetNotFound = errors.New("fleet not found")
)

// Client is the provider surface the reconciliation loop depends on.
// All operations are idempotent and safe to repeat on a later tick.
type Client interface {
	ListInstances(ctx context.Context, fleetID string) (Snapshot, error)
	Resize(ctx context.Context, fleetID string, target int) error
	Terminate(ctx context.Context, fleetID string, instanceIDs []string) error
	RecentErrors(ctx context.Context, fleetID string, since time.Duration) ([]Event, error)
}
