package rbac

import (
	"slices"
	"sort"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Module is one catalog entry with the actions it defines.
type Module struct {
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// Catalog is the fixed set of (module, action) pairs roles may grant.
type Catalog struct {
	modules map[string][]string
}

// NewCatalog builds a catalog from explicit module definitions.
func NewCatalog(modules ...Module) *Catalog {
	c := &Catalog{modules: make(map[string][]string, len(modules))}
	for _, m := range modules {
		actions := append(slices.Clone(c.modules[m.Name]), m.Actions...)
		slices.Sort(actions)
		c.modules[m.Name] = slices.Compact(actions)
	}
	return c
}

// DefaultCatalog grants every standard action on the core and portal modules.
func DefaultCatalog() *Catalog {
	var modules []Module
	for _, name := range append(shared.CoreModules(), shared.PortalModules()...) {
		modules = append(modules, Module{Name: name, Actions: shared.StandardActions()})
	}
	return NewCatalog(modules...)
}

// Contains reports whether p is defined.
func (c *Catalog) Contains(p Permission) bool {
	_, ok := slices.BinarySearch(c.modules[p.Module], p.Action)
	return ok
}

// Actions returns the actions defined for module, sorted.
func (c *Catalog) Actions(module string) []string {
	return slices.Clone(c.modules[module])
}

// Modules lists the catalog sorted by module name.
func (c *Catalog) Modules() []Module {
	out := make([]Module, 0, len(c.modules))
	for name, actions := range c.modules {
		out = append(out, Module{Name: name, Actions: slices.Clone(actions)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Undefined returns the permissions of perms missing from the catalog.
func (c *Catalog) Undefined(perms []Permission) []Permission {
	var missing []Permission
	for _, p := range perms {
		if !c.Contains(p) {
			missing = append(missing, p)
		}
	}
	return missing
}
