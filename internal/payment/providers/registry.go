package providers

import (
	"strings"

	"github.com/lunachat/luna/internal/payment/domain"
)

type Registry struct {
	providers map[string]domain.Provider
}

func NewRegistry(providers ...domain.Provider) *Registry {
	registry := &Registry{providers: map[string]domain.Provider{}}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(provider.Name()))
		if name == "" {
			continue
		}
		registry.providers[name] = provider
	}
	return registry
}

func (r *Registry) Exists(name string) bool {
	if r == nil {
		return false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	_, ok := r.providers[name]
	return ok
}

func (r *Registry) Lookup(name string) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	name = strings.ToLower(strings.TrimSpace(name))
	provider, ok := r.providers[name]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return provider, nil
}
