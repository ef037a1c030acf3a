package bot

import "fmt"

// Registry holds features in registration order. The order breaks ties when
// more than one feature accepts a message.
type Registry struct {
	features []Feature
	byName   map[string]Feature
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Feature)}
}

// Register appends f. Names must be unique.
func (r *Registry) Register(f Feature) error {
	name := f.Name()
	if name == "" {
		return fmt.Errorf("feature %T has an empty name", f)
	}
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("feature %q registered twice", name)
	}
	r.features = append(r.features, f)
	r.byName[name] = f
	return nil
}

// MustRegister is Register for wiring code that cannot continue on error.
func (r *Registry) MustRegister(features ...Feature) *Registry {
	for _, f := range features {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the feature named name, or nil.
func (r *Registry) Get(name string) Feature {
	return r.byName[name]
}

// Features returns the features in registration order.
func (r *Registry) Features() []Feature {
	return append([]Feature(nil), r.features...)
}

// Names returns the feature names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.features))
	for i, f := range r.features {
		names[i] = f.Name()
	}
	return names
}
