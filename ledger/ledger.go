// Package ledger is the durable record of which Slurm node name is realized
// by which cloud instance. It is the single source of truth for "what fleetd
// has already wired up": the scheduler and the hosts file are only updated
// after the corresponding ledger write succeeded, so a crash mid-registration
// can never leave a scheduler entry with no ledger record behind it.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Binding records that a node name is currently realized by an instance with
// a given address. The node name is the stable half: replacements swap the
// instance and IP underneath it.
type Binding struct {
	NodeName   string    `json:"node_name"`
	InstanceID string    `json:"instance_id"`
	IP         string    `json:"ip"`
	BoundAt    time.Time `json:"bound_at"`
}

var (
	// ErrAlreadyBound means the node name or the instance already has a live
	// binding. Under the single-writer-per-tick discipline this indicates the
	// uniqueness invariant broke and is fatal for the affected node group.
	ErrAlreadyBound = errors.New("already bound")

	// ErrNotBound means a rebind targeted a node name with no live binding.
	ErrNotBound = errors.New("not bound")
)

// Ledger holds the live bindings, keyed both ways, and persists every
// mutation to a JSON file before reporting success.
type Ledger struct {
	mu         sync.Mutex
	path       string
	byName     map[string]Binding
	byInstance map[string]string // instance id -> node name
}

type document struct {
	Bindings []Binding `json:"bindings"`
}

// Open loads the ledger from path. A missing file is a normal first run and
// yields an empty ledger; a file that exists but cannot be parsed is an error.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:       path,
		byName:     make(map[string]Binding),
		byInstance: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}

	for _, b := range doc.Bindings {
		if _, dup := l.byName[b.NodeName]; dup {
			return nil, fmt.Errorf("ledger %s is corrupt: node %s appears twice", path, b.NodeName)
		}
		if _, dup := l.byInstance[b.InstanceID]; dup {
			return nil, fmt.Errorf("ledger %s is corrupt: instance %s appears twice", path, b.InstanceID)
		}
		l.byName[b.NodeName] = b
		l.byInstance[b.InstanceID] = b.NodeName
	}

	return l, nil
}

// BindingsFor returns the live bindings whose node name starts with prefix
// (typically "partition-nodegroup-"), sorted by node name for determinism.
func (l *Ledger) BindingsFor(prefix string) []Binding {
	l.mu.Lock()
	defer l.mu.Unlock()

	var bindings []Binding
	for name, b := range l.byName {
		if strings.HasPrefix(name, prefix) {
			bindings = append(bindings, b)
		}
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].NodeName < bindings[j].NodeName })
	return bindings
}

// Lookup returns the live binding for a node name, if any.
func (l *Ledger) Lookup(nodeName string) (Binding, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byName[nodeName]
	return b, ok
}

// Bind records a new binding. Both-sided uniqueness is enforced atomically:
// if either the node name or the instance already has a live binding the call
// fails with ErrAlreadyBound and nothing is written.
func (l *Ledger) Bind(nodeName, instanceID, ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.byName[nodeName]; taken {
		return fmt.Errorf("node %s: %w", nodeName, ErrAlreadyBound)
	}
	if owner, taken := l.byInstance[instanceID]; taken {
		return fmt.Errorf("instance %s (bound to %s): %w", instanceID, owner, ErrAlreadyBound)
	}

	l.byName[nodeName] = Binding{NodeName: nodeName, InstanceID: instanceID, IP: ip, BoundAt: time.Now()}
	l.byInstance[instanceID] = nodeName

	if err := l.persist(); err != nil {
		delete(l.byName, nodeName)
		delete(l.byInstance, instanceID)
		return err
	}
	return nil
}

// Rebind moves an existing binding onto a new instance and address. The node
// name's identity is preserved so the scheduler never sees a name-level
// change. Rebinding onto an instance that already backs another node fails
// with ErrAlreadyBound.
func (l *Ledger) Rebind(nodeName, instanceID, ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous, ok := l.byName[nodeName]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeName, ErrNotBound)
	}
	if owner, taken := l.byInstance[instanceID]; taken && owner != nodeName {
		return fmt.Errorf("instance %s (bound to %s): %w", instanceID, owner, ErrAlreadyBound)
	}

	delete(l.byInstance, previous.InstanceID)
	l.byName[nodeName] = Binding{NodeName: nodeName, InstanceID: instanceID, IP: ip, BoundAt: previous.BoundAt}
	l.byInstance[instanceID] = nodeName

	if err := l.persist(); err != nil {
		delete(l.byInstance, instanceID)
		l.byName[nodeName] = previous
		l.byInstance[previous.InstanceID] = nodeName
		return err
	}
	return nil
}

// Unbind removes the binding for a node name. Unbinding a name with no live
// binding is a no-op.
func (l *Ledger) Unbind(nodeName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous, ok := l.byName[nodeName]
	if !ok {
		return nil
	}

	delete(l.byName, nodeName)
	delete(l.byInstance, previous.InstanceID)

	if err := l.persist(); err != nil {
		l.byName[nodeName] = previous
		l.byInstance[previous.InstanceID] = nodeName
		return err
	}
	return nil
}

// persist writes the full document to a temporary file and renames it into
// place, so readers never observe a partially written ledger. Callers hold mu.
func (l *Ledger) persist() error {
	doc := document{Bindings: make([]Binding, 0, len(l.byName))}
	for _, b := range l.byName {
		doc.Bindings = append(doc.Bindings, b)
	}
	sort.Slice(doc.Bindings, func(i, j int) bool { return doc.Bindings[i].NodeName < doc.Bindings[j].NodeName })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}
