// Package catalog holds the ordered table of known service definitions.
//
// # Evaluation Order
//
// Definitions are evaluated in ascending Priority. Order is part of the
// semantics: a Custom pattern may inspect services matched earlier on the same
// host, so a definition must be registered after every definition it depends on.
// The built-in table uses these bands:
//
//	100-899    specific services (identified by banner, vendor or unique ports)
//	1000-8999  generic fallbacks
//	9000+      generic gateway, which must see every other gateway-type match
//
// The registry rejects duplicate names and duplicate priorities so the order
// never depends on source layout.
package catalog

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/netscope-io/netscope/pkg/pattern"
	"github.com/netscope-io/netscope/pkg/types"
)

const (
	maxNameLength        = 25
	maxDescriptionLength = 100
)

// Definition describes one recognisable service.
type Definition struct {
	Priority    int                   `json:"priority"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Category    types.ServiceCategory `json:"category"`
	Pattern     pattern.Pattern       `json:"-"`
	// Generic definitions are fallbacks, kept only when no specific definition
	// explains the same evidence.
	Generic bool   `json:"generic"`
	Icon    string `json:"icon,omitempty"`
}

// Validate checks the definition's static fields.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition name is required")
	}
	if len(d.Name) >= maxNameLength {
		return fmt.Errorf("definition name %q must be shorter than %d characters", d.Name, maxNameLength)
	}
	if len(d.Description) >= maxDescriptionLength {
		return fmt.Errorf("description of %q must be shorter than %d characters", d.Name, maxDescriptionLength)
	}
	if d.Category == "" {
		return fmt.Errorf("definition %q has no category", d.Name)
	}
	return nil
}

// IsDNSResolver reports whether the service answers DNS for its subnet.
func (d *Definition) IsDNSResolver() bool {
	return d.Category == types.CategoryDNS || d.Category == types.CategoryAdBlock
}

// IsGateway reports whether the service is detected by routing position.
func (d *Definition) IsGateway() bool {
	return d.Pattern.ContainsGateway()
}

// Layer is the binding type services of this definition use.
func (d *Definition) Layer() types.BindingType {
	if d.IsGateway() {
		return types.BindingInterface
	}
	return types.BindingPort
}

// Discoverable reports whether a scan can ever produce this definition.
func (d *Definition) Discoverable() bool {
	return d.Pattern.Kind != pattern.KindNone
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is an immutable, priority-ordered set of definitions.
type Registry struct {
	defs   []Definition
	byName map[string]int
}

// NewRegistry validates defs and orders them by priority.
func NewRegistry(defs ...Definition) (*Registry, error) {
	sorted := slices.Clone(defs)
	slices.SortStableFunc(sorted, func(a, b Definition) int { return cmp.Compare(a.Priority, b.Priority) })

	r := &Registry{defs: sorted, byName: make(map[string]int, len(sorted))}
	for i := range sorted {
		d := &sorted[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate definition name: %q", d.Name)
		}
		if i > 0 && sorted[i-1].Priority == d.Priority {
			return nil, fmt.Errorf("definitions %q and %q share priority %d", sorted[i-1].Name, d.Name, d.Priority)
		}
		r.byName[d.Name] = i
	}
	return r, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the built-in catalog.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := NewRegistry(builtinDefinitions()...)
		if err != nil {
			panic(fmt.Sprintf("catalog: invalid built-in definitions: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// All returns the definitions in evaluation order.
func (r *Registry) All() []Definition {
	return slices.Clone(r.defs)
}

// Len returns the number of definitions.
func (r *Registry) Len() int { return len(r.defs) }

// Find returns the definition named name.
func (r *Registry) Find(name string) (*Definition, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	d := r.defs[i]
	return &d, true
}

// DiscoveryPorts is the union of ports every definition needs probed,
// sorted by number then protocol.
func (r *Registry) DiscoveryPorts() []types.PortBase {
	var out []types.PortBase
	for _, d := range r.defs {
		for _, p := range d.Pattern.DiscoveryPorts() {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	slices.SortFunc(out, func(a, b types.PortBase) int {
		return cmp.Or(cmp.Compare(a.Number, b.Number), cmp.Compare(a.Protocol, b.Protocol))
	})
	return out
}

// DiscoveryEndpoints is the union of HTTP endpoints every definition needs probed,
// sorted by port then path.
func (r *Registry) DiscoveryEndpoints() []types.Endpoint {
	var out []types.Endpoint
	for _, d := range r.defs {
		for _, e := range d.Pattern.DiscoveryEndpoints() {
			if !slices.Contains(out, e) {
				out = append(out, e)
			}
		}
	}
	slices.SortFunc(out, func(a, b types.Endpoint) int {
		return cmp.Or(cmp.Compare(a.Port.Number, b.Port.Number), cmp.Compare(a.Path, b.Path))
	})
	return out
}

// Summary is the JSON shape served by the catalog endpoint.
type Summary struct {
	Definition
	Pattern      string `json:"pattern"`
	Gateway      bool   `json:"gateway"`
	DNSResolver  bool   `json:"dns_resolver"`
	Discoverable bool   `json:"discoverable"`
	Layer        string `json:"layer"`
}

// Summaries describes every definition for API consumers.
func (r *Registry) Summaries() []Summary {
	out := make([]Summary, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, Summary{
			Definition:   d,
			Pattern:      d.Pattern.String(),
			Gateway:      d.IsGateway(),
			DNSResolver:  d.IsDNSResolver(),
			Discoverable: d.Discoverable(),
			Layer:        string(d.Layer()),
		})
	}
	return out
}
