package collection

import "fmt"

// generateJunction registers the collection backing a many-to-many
// association between a on c and back on target. The junction is named
// after both sides, dominant side first, and lives on the dominant side's
// connection.
func (r *Registry) generateJunction(c *Collection, a *Attribute, target *Collection, back *Attribute) error {
	if c == target && a == back {
		return fmt.Errorf("collection: %s.%s: self-referencing many-to-many needs a through collection", c.Identity, a.Name)
	}
	sides := sortedSides([2]side{{c, a}, {target, back}})
	if sides[0].attr.Dominant && sides[1].attr.Dominant {
		return fmt.Errorf("collection: %s.%s and %s.%s are both dominant",
			sides[0].coll.Identity, sides[0].attr.Name, sides[1].coll.Identity, sides[1].attr.Name)
	}
	name := sides[0].key() + "__" + sides[1].key()
	fk := [2]string{sides[0].key(), sides[1].key()}

	def := Definition{
		Identity:   name,
		Table:      name,
		Connection: sides[0].coll.Connection,
		Attributes: []*Attribute{
			{Name: fk[0], Type: keyType(sides[0].coll), Model: sides[0].coll.Identity},
			{Name: fk[1], Type: keyType(sides[1].coll), Model: sides[1].coll.Identity},
		},
	}
	if err := r.add(def, true); err != nil {
		return err
	}
	for i, s := range sides {
		s.attr.Through = name
		s.attr.ThroughFrom = fk[i]
		s.attr.ThroughTo = fk[1-i]
	}
	return nil
}

func keyType(c *Collection) string {
	return c.Attributes[c.PrimaryKey].Type
}
