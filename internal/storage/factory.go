// factory.go implements the store backend registry and factory, mapping backend
// names (memory, redis, postgres) to constructor functions.
package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/logwarden/logwarden/internal/config"
)

// FactoryFunc creates a Store from configuration
type FactoryFunc func(*config.Config) (Store, error)

var factories = make(map[string]FactoryFunc)

// Register registers a store backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// New creates the store backend selected by cfg.Store.Backend
func New(cfg *config.Config) (Store, error) {
	factory, ok := factories[cfg.Store.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported store backend: %s (registered: %s)", cfg.Store.Backend, strings.Join(registered(), ", "))
	}

	return factory(cfg)
}

func registered() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
