package provider

import (
	"fmt"
	"sort"
	"strings"
)

// Registry holds the process-wide, name-keyed provider set. It is populated
// once at startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	providers map[string]Provider
}

// Info describes a registered provider for introspection endpoints.
type Info struct {
	Name             string `json:"name"`
	SignatureHeader  string `json:"signature_header"`
	SecretConfigured bool   `json:"secret_configured"`
}

// Status is the registry snapshot returned by the introspection endpoint.
type Status struct {
	TotalProviders      int             `json:"total_providers"`
	ConfiguredProviders int             `json:"configured_providers"`
	Providers           map[string]Info `json:"providers"`
}

// NewRegistry builds a registry from the given providers. Duplicate names are
// rejected: registration order is authoritative and a second provider may not
// shadow an earlier one.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		name := strings.ToLower(strings.TrimSpace(p.Name()))
		if name == "" {
			return nil, fmt.Errorf("provider: empty provider name (%T)", p)
		}
		if _, exists := r.providers[name]; exists {
			return nil, fmt.Errorf("provider: duplicate registration for %q", name)
		}
		r.providers[name] = p
	}
	return r, nil
}

// DefaultRegistry registers the built-in providers against the given secret
// source.
func DefaultRegistry(secrets SecretSource) (*Registry, error) {
	return NewRegistry(
		Form{Secrets: secrets},
		Payment{Secrets: secrets},
		Meeting{Secrets: secrets},
		Code{Secrets: secrets},
	)
}

// Get returns the provider registered under name (case-insensitive), or nil.
func (r *Registry) Get(name string) Provider {
	return r.providers[strings.ToLower(strings.TrimSpace(name))]
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports per-provider configuration state. A provider counts as
// configured when its secret resolves to a non-empty value.
func (r *Registry) Status() Status {
	status := Status{Providers: make(map[string]Info, len(r.providers))}
	for name, p := range r.providers {
		configured := p.Secret() != ""
		status.Providers[name] = Info{
			Name:             name,
			SignatureHeader:  p.SignatureHeader(),
			SecretConfigured: configured,
		}
		status.TotalProviders++
		if configured {
			status.ConfiguredProviders++
		}
	}
	return status
}
