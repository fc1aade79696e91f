package environment

import (
	"fmt"
	"sort"
	"strings"
)

// Registry resolves environment identifiers to their configuration. It is
// populated once at startup and read-only afterwards.
type Registry struct {
	envs map[string]*Config
	ids  []string
}

// NewRegistry builds a registry from the given configs.
func NewRegistry(configs ...*Config) (*Registry, error) {
	r := &Registry{envs: make(map[string]*Config, len(configs))}
	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("environment config missing id")
		}
		if _, dup := r.envs[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate environment %q", cfg.ID)
		}
		cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
		r.envs[cfg.ID] = cfg
		r.ids = append(r.ids, cfg.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Resolve returns the configuration for the given environment identifier.
func (r *Registry) Resolve(id string) (*Config, bool) {
	cfg, ok := r.envs[id]
	return cfg, ok
}

// IDs returns the known environment identifiers in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}
