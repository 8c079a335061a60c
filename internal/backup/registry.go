package backup

import (
	"strings"
	"sync"
)

type FastStoreFactory func(dsn string) (FastStore, error)
type DurableStoreFactory func(dsn string) (DurableStore, error)

var storeFactoryRegistry = struct {
	mu      sync.RWMutex
	fast    map[string]FastStoreFactory
	durable map[string]DurableStoreFactory
}{
	fast:    map[string]FastStoreFactory{},
	durable: map[string]DurableStoreFactory{},
}

func RegisterFastStoreFactory(scheme string, factory FastStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.fast[scheme] = factory
}

func RegisterDurableStoreFactory(scheme string, factory DurableStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.durable[scheme] = factory
}

func lookupFastStoreFactory(scheme string) (FastStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.fast[scheme]
	return factory, ok
}

func lookupDurableStoreFactory(scheme string) (DurableStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.durable[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
