package reconciler

// Plan is the set of actions one reconciliation pass wants to apply for a
// node group. It is computed from a single (desired, snapshot, ledger) triple
// and applied right away; actions that fail downstream are simply recomputed
// from fresh state on the next tick.
type Plan struct {
	Binds        []Bind
	Rebinds      []Rebind
	Unbinds      []Unbind
	PowerDowns   []string
	Terminations []string
}

// Bind pairs an unbound desired node name with an unclaimed instance.
type Bind struct {
	NodeName   string
	InstanceID string
	IP         string
}

// Rebind moves an existing binding onto a replacement instance (or refreshes
// the address of the current one). The node name never changes.
type Rebind struct {
	NodeName      string
	OldInstanceID string
	InstanceID    string
	IP            string
}

// Unbind releases a node name whose binding is no longer valid.
type Unbind struct {
	NodeName   string
	InstanceID string
	Reason     string
}

func (p Plan) Empty() bool {
	return len(p.Binds) == 0 && len(p.Rebinds) == 0 && len(p.Unbinds) == 0 &&
		len(p.PowerDowns) == 0 && len(p.Terminations) == 0
}
