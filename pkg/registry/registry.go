// Package registry provides namespaced lookup of translators by intent
// type and version and of adapters by backend name. Registration is
// last-wins; lookups report absence with an ok flag and the caller
// decides how to surface it.
package registry

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/rudder/pkg/adapter"
	"github.com/Mindburn-Labs/rudder/pkg/translate"
)

// TranslatorInfo describes one translator registration.
type TranslatorInfo struct {
	Type       string `json:"type"`
	Version    string `json:"version,omitempty"`
	Constraint string `json:"constraint,omitempty"`
}

type constraintEntry struct {
	intentType string
	raw        string
	constraint *semver.Constraints
	translator translate.Translator
}

// Registry is the in-memory registry used by the engine. Safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	exact       map[string]translate.Translator // "type\x00version"
	constraints []constraintEntry
	adapters    map[string]adapter.Adapter
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		exact:    make(map[string]translate.Translator),
		adapters: make(map[string]adapter.Adapter),
	}
}

func exactKey(intentType, version string) string {
	return intentType + "\x00" + version
}

// RegisterTranslator binds a translator to an exact (type, type_version)
// pair. A later registration for the same pair replaces the earlier one.
func (r *Registry) RegisterTranslator(intentType, version string, t translate.Translator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[exactKey(intentType, version)] = t
}

// RegisterTranslatorConstraint binds a translator to every type_version
// matching a semver constraint (for example ">=1.0.0 <2.0.0"). Exact
// registrations always win over constraint matches.
func (r *Registry) RegisterTranslatorConstraint(intentType, constraint string, t translate.Translator) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.constraints {
		if r.constraints[i].intentType == intentType && r.constraints[i].raw == constraint {
			r.constraints[i].translator = t
			return nil
		}
	}
	r.constraints = append(r.constraints, constraintEntry{
		intentType: intentType,
		raw:        constraint,
		constraint: c,
		translator: t,
	})
	return nil
}

// Translator resolves the translator for (type, type_version): the exact
// registration if present, otherwise the most recently registered
// constraint the version satisfies.
func (r *Registry) Translator(intentType, version string) (translate.Translator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.exact[exactKey(intentType, version)]; ok {
		return t, true
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, false
	}
	for i := len(r.constraints) - 1; i >= 0; i-- {
		e := r.constraints[i]
		if e.intentType == intentType && e.constraint.Check(v) {
			return e.translator, true
		}
	}
	return nil, false
}

// RegisterAdapter binds an adapter to a backend name, replacing any
// earlier registration.
func (r *Registry) RegisterAdapter(backend string, a adapter.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[backend] = a
}

// Adapter resolves the adapter for a backend name.
func (r *Registry) Adapter(backend string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[backend]
	return a, ok
}

// ListAdapters returns the registered backend names, sorted.
func (r *Registry) ListAdapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTranslators returns every registration, exact pairs first, sorted
// for stable output.
func (r *Registry) ListTranslators() []TranslatorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TranslatorInfo, 0, len(r.exact)+len(r.constraints))
	for key := range r.exact {
		for i := 0; i < len(key); i++ {
			if key[i] == '\x00' {
				infos = append(infos, TranslatorInfo{Type: key[:i], Version: key[i+1:]})
				break
			}
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Type != infos[j].Type {
			return infos[i].Type < infos[j].Type
		}
		return infos[i].Version < infos[j].Version
	})

	for _, e := range r.constraints {
		infos = append(infos, TranslatorInfo{Type: e.intentType, Constraint: e.raw})
	}
	return infos
}
