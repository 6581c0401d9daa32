// Package reconciler converges three eventually-consistent views of the
// cluster (the scheduler's desired node sets, the fleet provider's actual
// members, and the local binding ledger) one tick at a time. Each tick is a
// fresh pass: no state survives between ticks except what the ledger and the
// fallback tracker persist.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ckrushton/fleetd/fleet"
	"github.com/ckrushton/fleetd/ledger"
	"github.com/ckrushton/fleetd/namegen"
	"github.com/ckrushton/fleetd/reconciler/internal"
	"github.com/ckrushton/fleetd/slurm"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type Reconciler struct {
	config Config
	log    *slog.Logger
}

func New(config Config) *Reconciler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{config: config, log: logger}
}

// RunTick reconciles every node group once. Node groups are independent: one
// group's failure never aborts the others, so the tick as a whole always
// completes.
func (r *Reconciler) RunTick(ctx context.Context) {
	log := r.log.With("run", namegen.Get())
	log.Info("Reconciliation tick starting", "nodegroups", len(r.config.Groups))

	g := errgroup.Group{}
	g.SetLimit(r.config.MaxConcurrentGroups)
	for _, group := range r.config.Groups {
		group := group
		g.Go(func() error {
			r.reconcileGroup(ctx, log, group)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("Reconciliation tick complete")
}

// reconcileGroup runs one convergence pass for one node group. The (desired,
// snapshot, ledger) triple is read once at the start of the pass so binding
// decisions never mix stale views.
func (r *Reconciler) reconcileGroup(ctx context.Context, log *slog.Logger, group NodeGroup) {
	log = log.With("partition", group.Partition, "nodegroup", group.Name)

	desired, err := r.config.Desired.Read(ctx, group.Partition, group.Name)
	if err != nil {
		// Unknown is not empty: resizing against a missing desired set would
		// wrongly terminate every node in the group.
		log.Warn("Desired state unavailable, skipping node group", "error", err)
		return
	}
	desired = r.validNames(log, group, desired)

	primary, ok := r.listFleet(ctx, log, group.FleetID)
	if !ok {
		return
	}

	instances := primary.Instances
	owner := map[string]string{}
	for _, instance := range primary.Instances {
		owner[instance.ID] = group.FleetID
	}

	var secondary fleet.Snapshot
	if group.FallbackFleetID != "" {
		if secondary, ok = r.listFleet(ctx, log, group.FallbackFleetID); !ok {
			return
		}
		for _, instance := range secondary.Instances {
			owner[instance.ID] = group.FallbackFleetID
		}
		instances = append(instances, secondary.Instances...)
	}

	bindings := r.config.Ledger.BindingsFor(group.Prefix())

	plan := BuildPlan(desired, instances, bindings)
	if !plan.Empty() {
		log.Info("Applying plan",
			"binds", len(plan.Binds), "rebinds", len(plan.Rebinds), "unbinds", len(plan.Unbinds),
			"powerdowns", len(plan.PowerDowns), "terminations", len(plan.Terminations))
	}
	if !r.applyPlan(ctx, log, group, plan, owner) {
		return
	}

	// Size the primary fleet towards the desired set, bounded by the per-tick
	// rate limit; later ticks close whatever remains. Equal targets issue no
	// request at all.
	target := internal.ClampStep(primary.TargetCapacity, len(desired), r.config.MaxResizePerTick)
	if target != primary.TargetCapacity {
		if err := r.config.Fleet.Resize(ctx, group.FleetID, target); err != nil {
			log.Warn("Failed to resize fleet", "fleet", group.FleetID, "error", err)
		}
	}

	if group.Elastic() {
		r.evaluateFallback(ctx, log, group, desired, secondary, owner)
	}
}

// listFleet fetches a fleet snapshot and sorts failures into "retry next
// tick" and "misconfigured, needs an operator".
func (r *Reconciler) listFleet(ctx context.Context, log *slog.Logger, fleetID string) (fleet.Snapshot, bool) {
	snapshot, err := r.config.Fleet.ListInstances(ctx, fleetID)
	if err != nil {
		if errors.Is(err, fleet.ErrFleetNotFound) {
			log.Error("Fleet does not exist, node group needs operator attention", "fleet", fleetID, "error", err)
		} else {
			log.Warn("Fleet listing unavailable, retrying next tick", "fleet", fleetID, "error", err)
		}
		return fleet.Snapshot{}, false
	}
	return snapshot, true
}

// applyPlan executes the plan's actions. The ledger write is the commit
// point: scheduler and hosts updates only happen after it succeeded, and a
// failed downstream push is recomputed from fresh state on the next tick.
// Returns false when the node group must be abandoned for this tick.
func (r *Reconciler) applyPlan(ctx context.Context, log *slog.Logger, group NodeGroup, plan Plan, owner map[string]string) bool {
	for _, unbind := range plan.Unbinds {
		log.Info("Releasing binding", "node", unbind.NodeName, "instance", unbind.InstanceID, "reason", unbind.Reason)
		if err := r.config.Ledger.Unbind(unbind.NodeName); err != nil {
			log.Error("Failed to release binding, aborting node group", "node", unbind.NodeName, "error", err)
			return false
		}
	}

	for _, rebind := range plan.Rebinds {
		if err := r.config.Ledger.Rebind(rebind.NodeName, rebind.InstanceID, rebind.IP); err != nil {
			if errors.Is(err, ledger.ErrAlreadyBound) {
				// Must never happen under the single-writer-per-tick
				// discipline; the uniqueness invariant broke.
				log.Error("Binding uniqueness violated, aborting node group", "node", rebind.NodeName, "error", err)
				return false
			}
			log.Error("Failed to rebind node", "node", rebind.NodeName, "error", err)
			continue
		}
		log.Info("Node moved to replacement instance",
			"node", rebind.NodeName, "instance", rebind.InstanceID, "previous", rebind.OldInstanceID, "ip", rebind.IP)
		r.pushNode(ctx, log, rebind.NodeName, rebind.IP)
	}

	for _, bind := range plan.Binds {
		if err := r.config.Ledger.Bind(bind.NodeName, bind.InstanceID, bind.IP); err != nil {
			if errors.Is(err, ledger.ErrAlreadyBound) {
				log.Error("Binding uniqueness violated, aborting node group", "node", bind.NodeName, "error", err)
				return false
			}
			log.Error("Failed to bind node", "node", bind.NodeName, "error", err)
			continue
		}
		log.Info("Node bound", "node", bind.NodeName, "instance", bind.InstanceID, "ip", bind.IP)
		r.pushNode(ctx, log, bind.NodeName, bind.IP)
	}

	if len(plan.PowerDowns) > 0 {
		if err := r.config.Slurm.PowerDownNodes(ctx, plan.PowerDowns); err != nil {
			log.Warn("Failed to power down nodes", "nodes", plan.PowerDowns, "error", err)
		}
	}

	// Terminations are routed to the fleet each instance was listed from; an
	// instance from an unknown fleet is never terminated.
	byFleet := map[string][]string{}
	for _, id := range plan.Terminations {
		fleetID, ok := owner[id]
		if !ok {
			log.Warn("Refusing to terminate instance from unknown fleet", "instance", id)
			continue
		}
		byFleet[fleetID] = append(byFleet[fleetID], id)
	}
	for fleetID, ids := range byFleet {
		if err := r.config.Fleet.Terminate(ctx, fleetID, ids); err != nil {
			log.Warn("Failed to terminate instances", "fleet", fleetID, "instances", ids, "error", err)
		}
	}

	return true
}

// pushNode propagates a fresh binding to the scheduler and to local name
// resolution. Failures are logged and tolerated; the binding itself is
// already durable.
func (r *Reconciler) pushNode(ctx context.Context, log *slog.Logger, name, ip string) {
	if err := r.config.Slurm.UpdateNode(ctx, name, ip, name); err != nil {
		log.Warn("Failed to update scheduler node", "node", name, "error", err)
	}
	if err := r.config.Hosts.Set(ip, name); err != nil {
		log.Warn("Failed to update hosts file", "node", name, "error", err)
	}
}

// evaluateFallback feeds this tick's outcome into the fallback policy and
// sizes the supplemental fleet accordingly.
func (r *Reconciler) evaluateFallback(ctx context.Context, log *slog.Logger, group NodeGroup, desired []string, secondary fleet.Snapshot, owner map[string]string) {
	events, err := r.config.Fleet.RecentErrors(ctx, group.FleetID, r.config.FallbackLookback)
	if err != nil {
		// The stall timer can still trigger supplementation on its own.
		log.Warn("Failed to fetch fleet history", "fleet", group.FleetID, "error", err)
	}

	desiredSet := lo.SliceToMap(desired, func(name string) (string, struct{}) { return name, struct{}{} })
	bound, primaryBound := 0, 0
	for _, binding := range r.config.Ledger.BindingsFor(group.Prefix()) {
		if _, ok := desiredSet[binding.NodeName]; !ok {
			continue
		}
		bound++
		if owner[binding.InstanceID] == group.FleetID {
			primaryBound++
		}
	}

	decision, err := r.config.Fallback.Observe(group, len(desired), bound, primaryBound, events)
	if err != nil {
		log.Error("Failed to persist fallback state", "error", err)
		return
	}
	if decision.Reason != "" {
		log.Info("Fallback mode transition", "mode", decision.Mode, "reason", decision.Reason)
	}

	target := internal.ClampStep(secondary.TargetCapacity, decision.SupplementTarget, r.config.MaxResizePerTick)
	if target != secondary.TargetCapacity {
		if err := r.config.Fleet.Resize(ctx, group.FallbackFleetID, target); err != nil {
			log.Warn("Failed to resize fallback fleet", "fleet", group.FallbackFleetID, "error", err)
		}
	}
}

// validNames drops desired entries that cannot belong to the group: foreign
// prefixes and indices outside [0, maxNodes).
func (r *Reconciler) validNames(log *slog.Logger, group NodeGroup, desired []string) []string {
	return lo.Filter(desired, func(name string, _ int) bool {
		if !strings.HasPrefix(name, group.Prefix()) {
			log.Warn("Ignoring foreign node name in desired set", "node", name)
			return false
		}
		index, err := slurm.NodeIndex(name)
		if err != nil || index >= group.MaxNodes {
			log.Warn("Ignoring out-of-range node name in desired set", "node", name)
			return false
		}
		return true
	})
}
