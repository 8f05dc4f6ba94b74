package collection

// Supplier externalizes an enumeration as two parallel ordered sequences,
// matching a full forward iteration.
type Supplier struct {
	values  []Value
	indexes []Key
	pos     int
}

func newSupplier(c *Collection) *Supplier {
	s := &Supplier{
		values:  make([]Value, 0, c.contents.itemCount),
		indexes: make([]Key, 0, c.contents.itemCount),
	}
	c.contents.forEachInUse(func(pos link) {
		s.values = append(s.values, c.contents.entries[pos].value)
		s.indexes = append(s.indexes, c.contents.entries[pos].key)
	})
	return s
}

// newSupplierAt builds a Supplier over just the values stored at index,
// each paired with a copy of that single index.
func newSupplierAt(c *Collection, index Key) *Supplier {
	values := c.contents.getAll(index)
	s := &Supplier{
		values:  values,
		indexes: make([]Key, len(values)),
	}
	for i := range s.indexes {
		s.indexes[i] = index
	}
	return s
}

// Available reports whether Value/Index may be called.
func (s *Supplier) Available() bool { return s.pos < len(s.values) }

// Value returns the value at the current position.
func (s *Supplier) Value() Value { return s.values[s.pos] }

// Index returns the index at the current position.
func (s *Supplier) Index() Key { return s.indexes[s.pos] }

// Next advances to the next position.
func (s *Supplier) Next() { s.pos++ }

// Values returns the full snapshot of values, in order.
func (s *Supplier) Values() []Value { return s.values }

// Indexes returns the full snapshot of indexes, in order.
func (s *Supplier) Indexes() []Key { return s.indexes }
