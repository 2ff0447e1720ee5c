package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Registry errors.
var (
	ErrDuplicatePlugin = errors.New("plugin already registered")
	ErrUnknownPlugin   = errors.New("unknown plugin")
)

// Constructor instantiates a plugin named name.
type Constructor func(name string, svc *Services) (Plugin, error)

// Registry maps plugin names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
	order []string // registration order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry holds plugins registered with Register.
var DefaultRegistry = NewRegistry()

// Register adds ctor to DefaultRegistry. It panics on a duplicate name,
// so it is meant for init functions.
func Register(name string, ctor Constructor) {
	if err := DefaultRegistry.Register(name, ctor); err != nil {
		panic(err)
	}
}

// Register adds ctor under name.
func (r *Registry) Register(name string, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ctors[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}
	r.ctors[name] = ctor
	r.order = append(r.order, name)
	return nil
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) lookup(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[name]
	return ctor, ok
}

// Manager owns the plugin instances of one device.
type Manager struct {
	svc      *Services
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	plugins []Plugin
}

// NewManager creates a manager. A nil registry means DefaultRegistry.
func NewManager(svc *Services, registry *Registry, logger *slog.Logger) *Manager {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Manager{svc: svc, registry: registry, logger: logger}
}

// Instantiate creates the named plugins in registration order. Without
// names every registered plugin is created. Names that were already
// instantiated are skipped.
func (m *Manager) Instantiate(names ...string) error {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := m.registry.lookup(name); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		wanted[name] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.registry.Names() {
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		if m.findLocked(name) != nil {
			continue
		}
		ctor, _ := m.registry.lookup(name)
		p, err := ctor(name, m.svc)
		if err != nil {
			return fmt.Errorf("instantiate plugin %s: %w", name, err)
		}
		m.plugins = append(m.plugins, p)
		if m.logger != nil {
			m.logger.Debug("plugin instantiated", "plugin", p.Info().String())
		}
	}
	return nil
}

// Plugin returns the instance named name.
func (m *Manager) Plugin(name string) (Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findLocked(name)
	return p, p != nil
}

// ForEach calls fn for every instance in instantiation order.
func (m *Manager) ForEach(fn func(Plugin)) {
	m.mu.Lock()
	plugins := append([]Plugin(nil), m.plugins...)
	m.mu.Unlock()

	for _, p := range plugins {
		fn(p)
	}
}

// Shutdown closes every instance in reverse instantiation order.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	plugins := m.plugins
	m.plugins = nil
	m.mu.Unlock()

	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close plugin %s: %w", plugins[i].Info().Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) findLocked(name string) Plugin {
	for _, p := range m.plugins {
		if p.Info().Name == name {
			return p
		}
	}
	return nil
}
