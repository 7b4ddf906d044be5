// Package collection holds the registered collections, their attribute
// schema and the logical to physical name mapping adapters rely on.
package collection

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownCollection is returned when an identity is not registered.
	ErrUnknownCollection = errors.New("collection: unknown collection")
)

// Attribute describes one attribute of a collection.
type Attribute struct {
	Name   string
	Column string // physical column name, defaults to Name
	Type   string

	Primary bool

	// Model makes the attribute a to-one association holding the target's
	// primary key.
	Model string
	// Collection makes the attribute a to-many association. Via names the
	// attribute on the target that points back.
	Collection string
	Via        string
	// Through names the junction collection of a many-to-many
	// association. ThroughFrom and ThroughTo are the junction attributes
	// pointing at this collection and at the target.
	Through     string
	ThroughFrom string
	ThroughTo   string
	Dominant    bool

	ForeignKey bool
}

// ColumnName returns the physical column of a.
func (a *Attribute) ColumnName() string {
	if a.Column != "" {
		return a.Column
	}
	return a.Name
}

// IsAssociation reports whether a populates another collection.
func (a *Attribute) IsAssociation() bool { return a.Model != "" || a.Collection != "" }

// Definition declares a collection to register.
type Definition struct {
	Identity   string
	Table      string
	Connection string
	Attributes []*Attribute
}

// Collection is a registered collection.
type Collection struct {
	Identity   string
	Table      string
	Connection string
	PrimaryKey string
	// Junction is set on collections generated for many-to-many
	// associations.
	Junction bool

	Attributes map[string]*Attribute
	// Order lists attribute names in declaration order.
	Order []string

	Transformer *Transformer

	finders map[string]Finder
}

// Attribute returns the named attribute or nil.
func (c *Collection) Attribute(name string) *Attribute { return c.Attributes[name] }

// PrimaryColumn returns the physical column of the primary key.
func (c *Collection) PrimaryColumn() string {
	return c.Attributes[c.PrimaryKey].ColumnName()
}

// Registry indexes collections by identity.
type Registry struct {
	collections map[string]*Collection
	order       []string
}

// NewRegistry registers defs, generates junction collections for
// many-to-many associations and builds each collection's transformer and
// dynamic finder table.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{collections: map[string]*Collection{}}
	for _, d := range defs {
		if err := r.add(d, false); err != nil {
			return nil, err
		}
	}
	if err := r.resolveAssociations(); err != nil {
		return nil, err
	}
	for _, id := range r.order {
		c := r.collections[id]
		c.Transformer = NewTransformer(c)
		c.finders = buildFinders(c)
	}
	return r, nil
}

func (r *Registry) add(d Definition, junction bool) error {
	if d.Identity == "" {
		return fmt.Errorf("collection: identity is required")
	}
	if _, ok := r.collections[d.Identity]; ok {
		return fmt.Errorf("collection: %q registered twice", d.Identity)
	}
	c := &Collection{
		Identity:   d.Identity,
		Table:      d.Table,
		Connection: d.Connection,
		Junction:   junction,
		Attributes: map[string]*Attribute{},
	}
	if c.Table == "" {
		c.Table = d.Identity
	}
	for _, a := range d.Attributes {
		if a.Name == "" {
			return fmt.Errorf("collection: %s: attribute without a name", d.Identity)
		}
		if _, ok := c.Attributes[a.Name]; ok {
			return fmt.Errorf("collection: %s.%s declared twice", d.Identity, a.Name)
		}
		cp := *a
		if cp.Model != "" {
			cp.ForeignKey = true
		}
		if cp.Primary {
			if c.PrimaryKey != "" {
				return fmt.Errorf("collection: %s has more than one primary key", d.Identity)
			}
			c.PrimaryKey = cp.Name
		}
		c.Attributes[cp.Name] = &cp
		c.Order = append(c.Order, cp.Name)
	}
	if c.PrimaryKey == "" {
		if _, taken := c.Attributes["id"]; taken {
			return fmt.Errorf("collection: %s has no primary key", d.Identity)
		}
		c.Attributes["id"] = &Attribute{Name: "id", Type: "integer", Primary: true}
		c.Order = append([]string{"id"}, c.Order...)
		c.PrimaryKey = "id"
	}
	r.collections[c.Identity] = c
	r.order = append(r.order, c.Identity)
	return nil
}

// Get returns the collection registered as identity.
func (r *Registry) Get(identity string) (*Collection, error) {
	c, ok := r.collections[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, identity)
	}
	return c, nil
}

// Collections lists every collection in registration order, generated
// junctions last.
func (r *Registry) Collections() []*Collection {
	out := make([]*Collection, len(r.order))
	for i, id := range r.order {
		out[i] = r.collections[id]
	}
	return out
}

// Connections lists the distinct connection names in registration order.
func (r *Registry) Connections() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range r.order {
		name := r.collections[id].Connection
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) resolveAssociations() error {
	// Iterate a snapshot: junction generation appends to r.order.
	ids := append([]string(nil), r.order...)
	for _, id := range ids {
		c := r.collections[id]
		for _, name := range c.Order {
			a := c.Attributes[name]
			switch {
			case a.Model != "":
				if _, ok := r.collections[a.Model]; !ok {
					return fmt.Errorf("collection: %s.%s references %w %q", c.Identity, a.Name, ErrUnknownCollection, a.Model)
				}
			case a.Collection != "":
				if err := r.resolveToMany(c, a); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *Registry) resolveToMany(c *Collection, a *Attribute) error {
	target, ok := r.collections[a.Collection]
	if !ok {
		return fmt.Errorf("collection: %s.%s references %w %q", c.Identity, a.Name, ErrUnknownCollection, a.Collection)
	}
	if a.Via == "" {
		return fmt.Errorf("collection: %s.%s: to-many association needs via", c.Identity, a.Name)
	}
	if a.ThroughFrom != "" {
		// wired while resolving the other side
		return nil
	}
	if a.Through != "" {
		return r.resolveExplicitThrough(c, a, target)
	}
	back := target.Attributes[a.Via]
	if back == nil {
		return fmt.Errorf("collection: %s.%s: via %q is not an attribute of %s", c.Identity, a.Name, a.Via, target.Identity)
	}
	if back.Model != "" {
		return nil
	}
	if back.Collection == "" {
		return fmt.Errorf("collection: %s.%s: via %s.%s is not an association", c.Identity, a.Name, target.Identity, a.Via)
	}
	return r.generateJunction(c, a, target, back)
}

func (r *Registry) resolveExplicitThrough(c *Collection, a *Attribute, target *Collection) error {
	through, ok := r.collections[a.Through]
	if !ok {
		return fmt.Errorf("collection: %s.%s: through %w %q", c.Identity, a.Name, ErrUnknownCollection, a.Through)
	}
	from := through.Attributes[a.Via]
	if from == nil || from.Model != c.Identity {
		return fmt.Errorf("collection: %s.%s: %s.%s must reference %s", c.Identity, a.Name, through.Identity, a.Via, c.Identity)
	}
	a.ThroughFrom = a.Via
	names := append([]string(nil), through.Order...)
	for _, n := range names {
		ta := through.Attributes[n]
		if ta.Model == target.Identity && n != a.Via {
			a.ThroughTo = n
			break
		}
	}
	if a.ThroughTo == "" {
		return fmt.Errorf("collection: %s.%s: %s has no attribute referencing %s", c.Identity, a.Name, through.Identity, target.Identity)
	}
	return nil
}

// sortedSides orders the two sides of a many-to-many association: the
// dominant side first, otherwise by name.
func sortedSides(sides [2]side) [2]side {
	switch {
	case sides[0].attr.Dominant && !sides[1].attr.Dominant:
		return sides
	case sides[1].attr.Dominant && !sides[0].attr.Dominant:
		return [2]side{sides[1], sides[0]}
	}
	s := sides[:]
	sort.Slice(s, func(i, j int) bool { return s[i].key() < s[j].key() })
	return [2]side{s[0], s[1]}
}

type side struct {
	coll *Collection
	attr *Attribute
}

func (s side) key() string { return s.coll.Identity + "_" + s.attr.Name }
