package transceiver

import (
	"fmt"
	"sync"

	"github.com/roach88/lockstep/internal/ir"
)

// Table is an ordered set of bindings keyed by name.
type Table struct {
	mu       sync.RWMutex
	order    []string
	bindings map[string]Binding
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{bindings: make(map[string]Binding)}
}

// Add registers b. Bindings keep the order they were added in.
func (t *Table) Add(b Binding) error {
	if err := b.Validate(); err != nil {
		return err
	}
	b.Kind = b.kind()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.bindings[b.Name]; dup {
		return fmt.Errorf("binding %s: already registered", b.Name)
	}
	b.Inputs = append([]ir.DeviceID(nil), b.Inputs...)
	t.bindings[b.Name] = b
	t.order = append(t.order, b.Name)
	return nil
}

// Bindings returns every binding in registration order.
func (t *Table) Bindings() []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Binding, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.bindings[name])
	}
	return out
}

// Names returns the registered names in registration order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Select returns the named bindings in registration order. Unknown or
// repeated names are an error.
func (t *Table) Select(names []string) ([]Binding, error) {
	want := make(map[string]bool, len(names))
	for _, name := range names {
		if want[name] {
			return nil, fmt.Errorf("function %q selected twice", name)
		}
		want[name] = true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, name := range names {
		if _, ok := t.bindings[name]; !ok {
			return nil, fmt.Errorf("unknown function %q (registered: %v)", name, t.order)
		}
	}
	out := make([]Binding, 0, len(names))
	for _, name := range t.order {
		if want[name] {
			out = append(out, t.bindings[name])
		}
	}
	return out, nil
}

var defaultTable = NewTable()

// Register adds b to the default table. It panics if b is invalid or its
// name is already taken, so it belongs in init functions.
func Register(b Binding) {
	if err := defaultTable.Add(b); err != nil {
		panic("transceiver: Register: " + err.Error())
	}
}

// Default returns the table Register writes to.
func Default() *Table {
	return defaultTable
}
