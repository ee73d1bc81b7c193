package definition

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog is a set of definitions keyed by their reference.
//
// It is safe for concurrent use.
type Catalog struct {
	m    sync.RWMutex
	defs map[string]Definition
}

// NewCatalog returns a catalog containing the given definitions.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{}

	for _, d := range defs {
		if err := c.Add(d); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Add validates d and adds it to the catalog, replacing any existing
// definition with the same reference.
func (c *Catalog) Add(d Definition) error {
	d = d.Normalized()

	if err := d.Validate(); err != nil {
		return err
	}

	c.m.Lock()
	defer c.m.Unlock()

	if c.defs == nil {
		c.defs = map[string]Definition{}
	}

	c.defs[d.Ref] = d

	return nil
}

// Get returns the definition with the given reference.
func (c *Catalog) Get(ref string) (Definition, bool) {
	c.m.RLock()
	defer c.m.RUnlock()

	d, ok := c.defs[ref]
	return d, ok
}

// Resolve returns the definition with the given reference, or an error if it
// is unknown.
func (c *Catalog) Resolve(ref string) (Definition, error) {
	if d, ok := c.Get(ref); ok {
		return d, nil
	}

	return Definition{}, fmt.Errorf("unknown definition %q", ref)
}

// Refs returns the references of all definitions, in lexical order.
func (c *Catalog) Refs() []string {
	c.m.RLock()
	defer c.m.RUnlock()

	refs := make([]string, 0, len(c.defs))
	for r := range c.defs {
		refs = append(refs, r)
	}

	sort.Strings(refs)

	return refs
}
