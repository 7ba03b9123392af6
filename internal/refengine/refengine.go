// Package refengine provides reference engines that run inside the lockstep
// process. They stand in for real simulators in demos, scenarios, and tests.
package refengine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/lockstep/internal/server"
)

// Factory creates an engine that will be served under name.
type Factory func(name string) server.Engine

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an engine type available by name.
// If Register is called twice with the same type or if factory is nil, it
// panics.
func Register(typ string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("refengine: Register factory is nil")
	}
	if _, dup := factories[typ]; dup {
		panic("refengine: Register called twice for type " + typ)
	}
	factories[typ] = factory
}

// New creates an engine of the registered type.
func New(typ, name string) (server.Engine, error) {
	factoriesMu.RLock()
	factory, ok := factories[typ]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine type %q (registered: %v)", typ, Types())
	}
	return factory(name), nil
}

// Types returns the registered engine types, sorted.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for typ := range factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(TableType, func(name string) server.Engine { return NewTable(name) })
}
