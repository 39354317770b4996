package broker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"tradegate/internal/symbols"
)

// Deps are handed to every adapter builder.
type Deps struct {
	Logger   zerolog.Logger
	Registry *symbols.Registry
}

// Builder constructs one adapter instance. Adapters are per-user: each
// builder call returns an independent instance with its own session.
type Builder func(deps Deps) Adapter

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{}
)

// Register makes an adapter available by name. It is called from adapter
// package init functions; importing an adapter package is what enables it.
func Register(name string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, dup := builders[name]; dup {
		panic(fmt.Sprintf("broker: Register called twice for %q", name))
	}
	builders[name] = b
}

// New builds a fresh adapter instance for the named broker.
func New(name string, deps Deps) (Adapter, error) {
	buildersMu.RLock()
	b, ok := builders[name]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown broker %q (registered: %v)", name, Brokers())
	}
	return b(deps), nil
}

// Brokers lists the registered broker names, sorted.
func Brokers() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
