package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Driver constructs an adapter from a backend URL.
type Driver func(ctx context.Context, url string) (Adapter, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver makes a backend constructor available under a scheme
// ("redis", "postgres", "memory"). Concrete packages register themselves
// at init; the composition root picks by configured URL.
func RegisterDriver(scheme string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if driver == nil {
		panic("storage: nil driver for scheme " + scheme)
	}
	if _, dup := drivers[scheme]; dup {
		panic("storage: duplicate driver for scheme " + scheme)
	}
	drivers[scheme] = driver
}

// Open constructs and connects an adapter for the given scheme.
func Open(ctx context.Context, scheme, url string) (Adapter, error) {
	driversMu.RLock()
	driver, ok := drivers[scheme]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown backend scheme %q (registered: %v)", scheme, Schemes())
	}
	adapter, err := driver(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}
	return adapter, nil
}

// Schemes lists registered backend schemes, sorted.
func Schemes() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for s := range drivers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
