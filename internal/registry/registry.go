// Package registry holds the backend-service catalogue and the dispatcher
// that carries gateway traffic to it: per-service timeouts, bounded
// retries, circuit breaking and transport-error translation.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/courtflow/courtflow/internal/apperr"
	"github.com/courtflow/courtflow/internal/config"
)

// Service is one resolved backend.
type Service struct {
	Name       string
	BaseURL    *url.URL
	Timeout    time.Duration
	Retries    int
	AuthHeader string
}

// Registry resolves service names to backends. Immutable after New.
type Registry struct {
	services map[string]*Service
}

// New builds the catalogue from configuration.
func New(cfgs map[string]config.ServiceConfig) (*Registry, error) {
	services := make(map[string]*Service, len(cfgs))
	for name, cfg := range cfgs {
		base, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("service %s: invalid URL %q: %w", name, cfg.URL, err)
		}
		services[name] = &Service{
			Name:       name,
			BaseURL:    base,
			Timeout:    cfg.ServiceTimeout(),
			Retries:    cfg.Retries(),
			AuthHeader: cfg.AuthHeader,
		}
	}
	return &Registry{services: services}, nil
}

// Lookup resolves a service by name. Unknown names are a server-side
// configuration error, not a client mistake.
func (r *Registry) Lookup(name string) (*Service, error) {
	svc, ok := r.services[name]
	if !ok {
		return nil, apperr.Configuration(
			fmt.Sprintf("service %s is not configured", name), nil)
	}
	return svc, nil
}

// Names lists registered services in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
