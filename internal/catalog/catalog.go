package catalog

import (
	"fmt"
	"sort"

	"github.com/pinwarden/pinwarden/internal/models"
)

// Catalog is the immutable table of known storage backends. It is built once
// at startup; lookups never lock because nothing mutates after New.
type Catalog struct {
	byName map[string]models.BackendDescriptor
	sorted []models.BackendDescriptor
}

// New builds a catalog from descriptors, rejecting duplicates and blanks.
func New(descriptors []models.BackendDescriptor) (*Catalog, error) {
	c := &Catalog{
		byName: make(map[string]models.BackendDescriptor, len(descriptors)),
		sorted: make([]models.BackendDescriptor, 0, len(descriptors)),
	}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("backend descriptor with empty name")
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate backend %q", d.Name)
		}
		c.byName[d.Name] = d
		c.sorted = append(c.sorted, d)
	}
	// Stable priority order; ties broken by name so selection is deterministic.
	sort.Slice(c.sorted, func(i, j int) bool {
		if c.sorted[i].Priority != c.sorted[j].Priority {
			return c.sorted[i].Priority < c.sorted[j].Priority
		}
		return c.sorted[i].Name < c.sorted[j].Name
	})
	return c, nil
}

// Get returns the descriptor for name.
func (c *Catalog) Get(name string) (models.BackendDescriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Contains reports whether name is a known backend.
func (c *Catalog) Contains(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// All returns a copy of the descriptors in ascending priority order.
func (c *Catalog) All() []models.BackendDescriptor {
	out := make([]models.BackendDescriptor, len(c.sorted))
	copy(out, c.sorted)
	return out
}

// Names returns all backend names in ascending priority order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.sorted))
	for i, d := range c.sorted {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of known backends.
func (c *Catalog) Len() int { return len(c.sorted) }
