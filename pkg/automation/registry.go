package automation

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Priority constants for registration. A higher priority registration
// replaces a lower one of the same name, so a private build can swap
// in its own variant of a stock automation.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// Info is a registered automation descriptor.
type Info struct {
	// Name uniquely identifies the automation.
	Name string

	// Description is a human-readable summary.
	Description string

	// Priority resolves same-name registrations; higher wins.
	Priority int

	// Factory creates the automation instance.
	Factory Factory
}

// Registry collects automation registrations. The discovery contract
// is that the full set is registered (via init functions) before the
// supervisor starts, so List is stable for the process lifetime.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Info)}
}

// Register adds an automation descriptor. For a duplicate name the
// higher priority wins; on a tie the later registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("automation name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("automation %s: factory cannot be nil", info.Name)
	}

	if existing, ok := r.entries[info.Name]; ok {
		if info.Priority < existing.Priority {
			log.Printf("Automation %q registration skipped (priority %d < existing %d)",
				info.Name, info.Priority, existing.Priority)
			return nil
		}
		log.Printf("Automation %q overridden (priority %d -> %d)",
			info.Name, existing.Priority, info.Priority)
	}

	r.entries[info.Name] = info
	return nil
}

// List returns all registered descriptors sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.entries))
	for _, info := range r.entries {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// CreateAll instantiates every registered automation.
func (r *Registry) CreateAll(setup Setup) ([]Automation, error) {
	infos := r.List()
	result := make([]Automation, 0, len(infos))
	for _, info := range infos {
		a, err := info.Factory(setup)
		if err != nil {
			return nil, fmt.Errorf("failed to create automation %s: %w", info.Name, err)
		}
		result = append(result, a)
	}
	return result, nil
}

// Clear removes all registrations. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Info)
}

var globalRegistry = NewRegistry()

// Register adds an automation to the global registry, typically from
// an init function in the automation's package.
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// List returns all automations in the global registry.
func List() []Info {
	return globalRegistry.List()
}

// CreateAll instantiates all automations in the global registry.
func CreateAll(setup Setup) ([]Automation, error) {
	return globalRegistry.CreateAll(setup)
}

// ClearGlobal empties the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}
