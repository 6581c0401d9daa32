package reconciler

import (
	"sort"

	"github.com/ckrushton/fleetd/fleet"
	"github.com/ckrushton/fleetd/ledger"
	"github.com/ckrushton/fleetd/slurm"
	"github.com/samber/lo"
)

// BuildPlan compares the desired node set, the fleet snapshot and the live
// bindings, and decides which bindings to create, move or drop and which
// instances to terminate. It is a pure function: all three inputs are read at
// the start of a node group's pass, so one tick never mixes stale views.
//
// Pairing is deterministic within a tick: desired names are taken lowest
// index first, unclaimed instances in provider listing order. Provider order
// is not stable across ticks, but pairing is recomputed from scratch every
// tick so that never matters.
func BuildPlan(desired []string, instances []fleet.Instance, bindings []ledger.Binding) Plan {
	var plan Plan

	desiredSet := lo.SliceToMap(desired, func(name string) (string, struct{}) { return name, struct{}{} })

	live := map[string]fleet.Instance{}
	for _, instance := range instances {
		if instance.Usable() {
			live[instance.ID] = instance
		}
	}

	claimed := lo.SliceToMap(bindings, func(b ledger.Binding) (string, struct{}) { return b.InstanceID, struct{}{} })

	var unclaimed []fleet.Instance
	for _, instance := range instances {
		if !instance.Usable() {
			continue
		}
		if _, ok := claimed[instance.ID]; ok {
			continue
		}
		unclaimed = append(unclaimed, instance)
	}

	// Walk existing bindings lowest node index first so replacement instances
	// go to the lowest-numbered waiting name.
	ordered := make([]ledger.Binding, len(bindings))
	copy(ordered, bindings)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, errA := slurm.NodeIndex(ordered[i].NodeName)
		b, errB := slurm.NodeIndex(ordered[j].NodeName)
		if errA != nil || errB != nil {
			return ordered[i].NodeName < ordered[j].NodeName
		}
		return a < b
	})

	bound := map[string]struct{}{} // names keeping a binding this tick

	for _, binding := range ordered {
		_, wanted := desiredSet[binding.NodeName]
		instance, present := live[binding.InstanceID]

		switch {
		case present && wanted:
			if instance.PrivateIP != binding.IP {
				// Same instance, new address (stop/start cycles do this).
				plan.Rebinds = append(plan.Rebinds, Rebind{
					NodeName:      binding.NodeName,
					OldInstanceID: binding.InstanceID,
					InstanceID:    binding.InstanceID,
					IP:            instance.PrivateIP,
				})
			}
			bound[binding.NodeName] = struct{}{}

		case present && !wanted:
			// Suspended node: release the name, reclaim the instance.
			plan.Unbinds = append(plan.Unbinds, Unbind{binding.NodeName, binding.InstanceID, "node suspended"})
			plan.Terminations = append(plan.Terminations, binding.InstanceID)

		case !present && wanted:
			if len(unclaimed) > 0 {
				// The instance behind this name disappeared but a fresh one is
				// available: a replacement (e.g. after a spot interruption).
				// The name moves to the new instance; the scheduler only sees
				// an address update, never a node-level change.
				next := unclaimed[0]
				unclaimed = unclaimed[1:]
				plan.Rebinds = append(plan.Rebinds, Rebind{
					NodeName:      binding.NodeName,
					OldInstanceID: binding.InstanceID,
					InstanceID:    next.ID,
					IP:            next.PrivateIP,
				})
				bound[binding.NodeName] = struct{}{}
			} else {
				// No replacement available: drop the binding and power the
				// node down so the scheduler resumes it cleanly once capacity
				// returns.
				plan.Unbinds = append(plan.Unbinds, Unbind{binding.NodeName, binding.InstanceID, "instance lost"})
				plan.PowerDowns = append(plan.PowerDowns, binding.NodeName)
			}

		default: // neither present nor wanted
			plan.Unbinds = append(plan.Unbinds, Unbind{binding.NodeName, binding.InstanceID, "node suspended, instance already gone"})
		}
	}

	// Pair the remaining desired names, lowest index first, with the
	// remaining unclaimed instances.
	unboundDesired := lo.Filter(slurm.SortByIndex(desired), func(name string, _ int) bool {
		_, ok := bound[name]
		return !ok
	})

	pairs := min(len(unboundDesired), len(unclaimed))
	for i := 0; i < pairs; i++ {
		plan.Binds = append(plan.Binds, Bind{
			NodeName:   unboundDesired[i],
			InstanceID: unclaimed[i].ID,
			IP:         unclaimed[i].PrivateIP,
		})
	}

	// Instances left over after every desired slot is filled are orphans.
	for _, instance := range unclaimed[pairs:] {
		plan.Terminations = append(plan.Terminations, instance.ID)
	}

	return plan
}
