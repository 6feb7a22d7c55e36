package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Factory describes one loader family available at build time. Validate is a
// side-effect-light probe: it may hit the network for a capability check but
// never errors, an unreachable service simply reports false.
type Factory struct {
	Name        string
	Description string
	Validate    func(ctx context.Context, deps Deps, url string) bool
	New         func(deps Deps, target Target) Loader
}

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory adds a loader family under its symbolic name. Called from
// the loader packages' init functions.
func RegisterFactory(key string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[key]; dup {
		panic(fmt.Sprintf("loader: RegisterFactory called twice for %q", key))
	}
	factories[key] = f
}

// RegisteredNames returns the symbolic names of all compiled-in loaders.
func RegisteredNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds the configured loader families in configuration order.
// Earlier entries take precedence when more than one accepts a URL.
type Registry struct {
	ordered []Factory
	deps    Deps
}

// NewRegistry selects the configured subset of compiled-in loaders, in order.
func NewRegistry(names []string, deps Deps) (*Registry, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	ordered := make([]Factory, 0, len(names))
	for _, name := range names {
		f, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown data loader %q (available: %v)", name, RegisteredNames())
		}
		ordered = append(ordered, f)
	}

	return &Registry{ordered: ordered, deps: deps}, nil
}

// Create returns a loader for target from the first family whose probe
// accepts the URL, or nil when none does.
func (r *Registry) Create(ctx context.Context, target Target) Loader {
	for _, f := range r.ordered {
		if f.Validate(ctx, r.deps, target.URL) {
			log.Debug().Str("loader", f.Name).Str("url", target.URL).Msg("Loader selected")
			return f.New(r.deps, target)
		}
	}
	return nil
}

// Accepts reports whether any configured loader validates the URL.
func (r *Registry) Accepts(ctx context.Context, url string) bool {
	for _, f := range r.ordered {
		if f.Validate(ctx, r.deps, url) {
			return true
		}
	}
	return false
}

// List returns loader metadata in configuration order, for the
// md_list_data_loaders statement.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.ordered))
	for _, f := range r.ordered {
		infos = append(infos, Info{Name: f.Name, Description: f.Description})
	}
	return infos
}
