// Package catalog holds the static, immutable registry of services Warden
// knows how to install. The table is authored as embedded YAML rather than
// a Go literal so the service list can be audited and diffed independently
// of the orchestration code that consumes it.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed services.yaml
var servicesYAML []byte

// Category classifies a service as part of the mandatory core stack or an
// optional addon.
type Category string

const (
	CategoryCore  Category = "core"
	CategoryAddon Category = "addon"
)

// EnvVar describes one user-configurable environment variable a service
// exposes through the installation wizard.
type EnvVar struct {
	Key          string `yaml:"key" json:"key"`
	Label        string `yaml:"label" json:"label"`
	DefaultValue string `yaml:"default_value" json:"defaultValue"`
	Required     bool   `yaml:"required" json:"required"`
	ReadOnly     bool   `yaml:"read_only" json:"readOnly"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
	Warning      string `yaml:"warning,omitempty" json:"warning,omitempty"`
}

// ServiceDescriptor is an immutable catalog entry. Values are never mutated
// after Load returns; callers that need a per-install variant build a
// LaunchSpec instead (see internal/engine).
type ServiceDescriptor struct {
	Name                   string   `yaml:"name" json:"name"`
	Category               Category `yaml:"category" json:"category"`
	Required               bool     `yaml:"required" json:"required"`
	Image                  string   `yaml:"image" json:"image"`
	Description            string   `yaml:"description,omitempty" json:"description,omitempty"`
	Port                   int      `yaml:"port,omitempty" json:"port,omitempty"`
	HostServiceURLOverride string   `yaml:"host_service_url_override,omitempty" json:"hostServiceUrlOverride,omitempty"`
	HealthURL              string   `yaml:"health_url,omitempty" json:"healthUrl,omitempty"`
	EnvTemplate            []string `yaml:"env_template,omitempty" json:"envTemplate,omitempty"`
	Volumes                []string `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	EnvConfig              []EnvVar `yaml:"env_config,omitempty" json:"envConfig,omitempty"`
	Dependencies           []string `yaml:"depends_on,omitempty" json:"dependencies,omitempty"`
}

type document struct {
	Services []ServiceDescriptor `yaml:"services"`
}

// Catalog is the process-wide, read-only registry of ServiceDescriptors.
type Catalog struct {
	byName   map[string]ServiceDescriptor
	sorted   []ServiceDescriptor
	required []string
}

// Load parses the embedded services.yaml document into a Catalog. It is
// expected to be called once at startup; the returned Catalog is safe for
// concurrent read-only use from any number of goroutines.
func Load() (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(servicesYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(doc.Services)
}

// New builds a Catalog from an explicit service list, applying the same
// uniqueness and dependency-resolution checks as Load. It exists alongside
// Load so tests can exercise planner/depgraph behavior against a small
// fabricated catalog instead of the full embedded document.
func New(services []ServiceDescriptor) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]ServiceDescriptor, len(services))}
	for _, svc := range services {
		if svc.Name == "" {
			return nil, fmt.Errorf("catalog entry with empty name")
		}
		if _, dup := c.byName[svc.Name]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %q", svc.Name)
		}
		c.byName[svc.Name] = svc
		if svc.Required {
			c.required = append(c.required, svc.Name)
		}
	}

	for _, svc := range c.byName {
		for _, dep := range svc.Dependencies {
			if _, ok := c.byName[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on unregistered service %q", svc.Name, dep)
			}
		}
	}

	c.sorted = make([]ServiceDescriptor, 0, len(c.byName))
	for _, svc := range c.byName {
		c.sorted = append(c.sorted, svc)
	}
	sort.Slice(c.sorted, func(i, j int) bool { return c.sorted[i].Name < c.sorted[j].Name })
	sort.Strings(c.required)

	return c, nil
}

// List returns every ServiceDescriptor sorted by name.
func (c *Catalog) List() []ServiceDescriptor {
	out := make([]ServiceDescriptor, len(c.sorted))
	copy(out, c.sorted)
	return out
}

// Get returns the descriptor for name, or ErrNotRegistered.
func (c *Catalog) Get(name string) (ServiceDescriptor, error) {
	svc, ok := c.byName[name]
	if !ok {
		return ServiceDescriptor{}, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return svc, nil
}

// Required returns the names of services that must be present in every
// planned installation, sorted for deterministic iteration.
func (c *Catalog) Required() []string {
	out := make([]string, len(c.required))
	copy(out, c.required)
	return out
}

// Dependencies returns the declared dependency edges as name -> []name.
func (c *Catalog) Dependencies() map[string][]string {
	edges := make(map[string][]string, len(c.byName))
	for name, svc := range c.byName {
		if len(svc.Dependencies) > 0 {
			deps := make([]string, len(svc.Dependencies))
			copy(deps, svc.Dependencies)
			edges[name] = deps
		}
	}
	return edges
}

// Names returns every registered service name.
func (c *Catalog) Names() map[string]bool {
	out := make(map[string]bool, len(c.byName))
	for name := range c.byName {
		out[name] = true
	}
	return out
}

// ErrNotRegistered is returned by Get for an unknown service name.
var ErrNotRegistered = errors.New("service is not registered")
