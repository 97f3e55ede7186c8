package gateway

import "sort"

// Factory builds a configured adapter. Construction fails when required
// credentials are missing.
type Factory func(cfg Config, deps Deps) (Gateway, error)

var registry = map[string]Factory{}

// Register adds a factory under a provider name. Called from adapter init
// functions; later registrations for the same name win, which lets tests
// install fakes.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New constructs the adapter registered under name.
func New(name string, cfg Config, deps Deps) (Gateway, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, &NotAvailableError{Kind: "gateway", Name: name}
	}
	return factory(cfg, deps)
}

// Registered returns the sorted provider names known to the registry.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
