package platform

import (
	"fmt"
	"sync"
)

// Registry holds one live connector per platform type. It is built
// once from validated configuration at startup and is read-only
// afterwards except for explicit test resets. It must be constructed
// via NewRegistry and passed explicitly to components that need it.
type Registry struct {
	mu         sync.RWMutex
	connectors map[Type]Connector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: map[Type]Connector{},
	}
}

// Register adds a connector to the registry.
func (r *Registry) Register(conn Connector) error {
	if conn == nil {
		return fmt.Errorf("connector is nil")
	}
	pt := conn.Type()
	if pt == "" {
		return fmt.Errorf("platform type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[pt]; exists {
		return fmt.Errorf("platform already registered: %s", pt)
	}
	r.connectors[pt] = conn
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(conn Connector) {
	if err := r.Register(conn); err != nil {
		panic(err)
	}
}

// Get returns the connector for the given platform type, failing with
// ErrUnregisteredPlatform when the platform has no live connector
// (either unknown or not configured at startup).
func (r *Registry) Get(platformType Type) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[platformType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredPlatform, platformType)
	}
	return conn, nil
}

// HistorySource returns the history capability for the platform, or
// false when the connector does not support bulk history.
func (r *Registry) HistorySource(platformType Type) (HistorySource, error) {
	conn, err := r.Get(platformType)
	if err != nil {
		return nil, err
	}
	source, ok := conn.(HistorySource)
	if !ok {
		return nil, fmt.Errorf("platform %s does not support history sync", platformType)
	}
	return source, nil
}

// Challenger returns the challenge capability for the platform, or
// false when the connector has no verification handshake.
func (r *Registry) Challenger(platformType Type) (Challenger, bool) {
	conn, err := r.Get(platformType)
	if err != nil {
		return nil, false
	}
	challenger, ok := conn.(Challenger)
	return challenger, ok
}

// Types returns all registered platform types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Type, 0, len(r.connectors))
	for pt := range r.connectors {
		items = append(items, pt)
	}
	return items
}

// Descriptors returns descriptors for all registered platforms.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Descriptor, 0, len(r.connectors))
	for _, conn := range r.connectors {
		items = append(items, conn.Descriptor())
	}
	return items
}

// Reset removes all registered connectors. Test isolation only; the
// registry is never reset in a running process.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors = map[Type]Connector{}
}
