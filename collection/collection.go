package collection

// Collection is the public policy layer over a Contents arena: argument
// validation, on-demand growth, and the domain-level operations. It owns
// exactly one Contents at a time and replaces it atomically during
// expansion.
type Collection struct {
	contents *Contents
	kind     *kind

	// indexOnly implements the IndexOnlySet policy (backing Set and Bag):
	// value and index must always be the same entity.
	indexOnly bool
}

func newCollection(k *kind, initialBucketHint int, indexOnly bool) *Collection {
	bs := calculateBucketSize(initialBucketHint)
	return &Collection{contents: newContents(k, bs), kind: k, indexOnly: indexOnly}
}

// capacityHint picks the first explicit capacity argument, or
// MinimumBucketSize when none is given — the variadic mirrors the
// optional capacity argument the source language's collection
// constructors accept.
func capacityHint(capacity []int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return MinimumBucketSize
}

// NewIdentityMap builds a Collection keyed by reference identity.
func NewIdentityMap(capacity ...int) *Collection {
	return newCollection(identityKind, capacityHint(capacity), false)
}

// NewEqualityMap builds a Collection keyed by value equality, an
// ordered mapping container.
func NewEqualityMap(capacity ...int) *Collection {
	return newCollection(equalityKind, capacityHint(capacity), false)
}

// NewRelation builds a multi-valued map: many values may share one key,
// with the most recent put for a key shadowing earlier ones for Get while
// GetAll still returns every value in insertion order: a multi-valued
// relation container.
func NewRelation(capacity ...int) *Collection {
	return newCollection(multiValueKind, capacityHint(capacity), false)
}

// NewSet builds a Collection implementing the IndexOnlySet policy over
// value-equal storage: each distinct value is stored at most once.
func NewSet(capacity ...int) *Collection {
	return newCollection(equalityKind, capacityHint(capacity), true)
}

// NewBag builds a Collection implementing the IndexOnlySet policy over
// multi-valued storage: the same value may be stored more than once, and
// each occurrence is tracked independently, a bag.
func NewBag(capacity ...int) *Collection {
	return newCollection(multiValueKind, capacityHint(capacity), true)
}

func (c *Collection) growOnce() {
	newSize := calculateBucketSize(c.contents.bucketSize * 2)
	nc := newContents(c.kind, newSize)
	c.contents.reMerge(nc)
	c.contents = nc
}

// checkFull implements the expansion protocol: called before any
// mutator adds a cell.
func (c *Collection) checkFull() {
	if c.contents.isFull() {
		c.growOnce()
	}
}

// EnsureCapacity preallocates room for delta further insertions so a batch
// of adds triggers at most one growth.
func (c *Collection) EnsureCapacity(delta int) {
	for !c.contents.hasCapacity(delta) {
		c.growOnce()
	}
}

func (c *Collection) ensureCapacity(delta int) { c.EnsureCapacity(delta) }

func (c *Collection) checkIndexOnly(value, index Key) error {
	if c.indexOnly && !c.kind.keyEqual(value, index) {
		return ErrInvalidArgument
	}
	return nil
}

// Put installs value under index, replacing any existing entry with an
// equal index.
func (c *Collection) Put(value Value, index Key) error {
	if err := c.checkIndexOnly(value, index); err != nil {
		return err
	}
	c.checkFull()
	c.contents.put(value, index)
	return nil
}

func (c *Collection) put(value Value, index Key) { c.checkFull(); c.contents.put(value, index) }

// PutValue is the IndexOnlySet convenience form put(v) == put(v, v).
func (c *Collection) PutValue(value Value) error { return c.Put(value, value) }

// Add installs value under index without overwriting an existing entry.
// For kinds whose policy is "put == addFront" (Relation, Bag), Add
// shadows earlier values for Get while preserving them for GetAll.
func (c *Collection) Add(value Value, index Key) error {
	if err := c.checkIndexOnly(value, index); err != nil {
		return err
	}
	c.checkFull()
	if c.kind.putIsAddFront {
		c.contents.addFront(value, index)
	} else {
		c.contents.add(value, index)
	}
	return nil
}

// AddValue is the IndexOnlySet convenience form add(v) == add(v, v).
func (c *Collection) AddValue(value Value) error { return c.Add(value, value) }

// AddFront always inserts immediately after the bucket anchor, regardless
// of the collection's default Add behavior.
func (c *Collection) AddFront(value Value, index Key) error {
	if err := c.checkIndexOnly(value, index); err != nil {
		return err
	}
	c.checkFull()
	c.contents.addFront(value, index)
	return nil
}

func (c *Collection) mergeItem(value Value, index Key) {
	c.checkFull()
	c.contents.mergeItemInto(value, index)
}

// Remove deletes the first entry matching index and returns its value.
func (c *Collection) Remove(index Key) (Value, bool) { return c.contents.remove(index) }

// RemoveItem deletes the first entry anywhere in the table whose value
// matches target, returning the index it was stored under.
func (c *Collection) RemoveItem(target Value) (Key, bool) {
	return c.contents.removeItem(target, nil, false)
}

// RemoveItemAt deletes the first entry whose value matches target and
// whose key matches index.
func (c *Collection) RemoveItemAt(target Value, index Key) bool {
	_, ok := c.contents.removeItem(target, index, true)
	return ok
}

// Get returns the value of the first entry matching index.
func (c *Collection) Get(index Key) (Value, bool) { return c.contents.get(index) }

// GetAll returns, in insertion order, every value stored under index —
// the operation a Relation/Bag caller uses to see all occurrences.
func (c *Collection) GetAll(index Key) []Value { return c.contents.getAll(index) }

// HasIndex reports whether index is present.
func (c *Collection) HasIndex(index Key) bool { return c.contents.hasIndex(index) }

// HasItem reports whether value is present anywhere in the table. For the
// IndexOnlySet policy this is identical to HasIndex.
func (c *Collection) HasItem(value Value) bool {
	if c.indexOnly {
		return c.HasIndex(value)
	}
	_, _, found := c.contents.locateItem(value, nil, false)
	return found
}

// GetIndex returns any index currently mapped to value. For the
// IndexOnlySet policy this is Get(value) — faster than the linear item
// scan the general case needs.
func (c *Collection) GetIndex(value Value) (Key, bool) {
	if c.indexOnly {
		return c.Get(value)
	}
	return c.contents.getIndex(value)
}

// AllItems returns every stored value, in forward-iteration order.
func (c *Collection) AllItems() []Value {
	out := make([]Value, 0, c.contents.itemCount)
	c.contents.forEachInUse(func(pos link) {
		out = append(out, c.contents.entries[pos].value)
	})
	return out
}

// AllIndexes returns every stored key, in forward-iteration order,
// including one entry per duplicate for multi-valued policies.
func (c *Collection) AllIndexes() []Key {
	out := make([]Key, 0, c.contents.itemCount)
	c.contents.forEachInUse(func(pos link) {
		out = append(out, c.contents.entries[pos].key)
	})
	return out
}

// UniqueIndexes returns each distinct key once, in first-occurrence order.
func (c *Collection) UniqueIndexes() []Key {
	out := make([]Key, 0)
	seen := make(map[uint64][]Key)
	c.contents.forEachInUse(func(pos link) {
		key := c.contents.entries[pos].key
		h := c.kind.hashKey(key)
		for _, s := range seen[h] {
			if c.kind.keyEqual(s, key) {
				return
			}
		}
		seen[h] = append(seen[h], key)
		out = append(out, key)
	})
	return out
}

// Items returns the number of stored entries.
func (c *Collection) Items() int { return c.contents.items() }

// Empty discards every stored entry.
func (c *Collection) Empty() { c.contents.empty() }

// RequiresRehash answers the serialization contract: whether a restored
// instance of this collection must be re-added to a host
// "rehash pending" table before it can be trusted.
func (c *Collection) RequiresRehash() bool { return c.kind.requiresRehash }

// Rehash recomputes every entry's bucket placement into a fresh Contents
// of the same size, using put (overwriting) semantics, or add for
// Relation and Bag so each key's values keep their order — the
// host-invoked counterpart to RequiresRehash.
func (c *Collection) Rehash() {
	nc := newContents(c.kind, c.contents.bucketSize)
	c.contents.reHash(nc)
	c.contents = nc
}

// Merge adds every entry of c into target without overwriting target's
// existing indexes.
func (c *Collection) Merge(target *Collection) { c.contents.merge(target) }

// PutAll adds every entry of c into target, overwriting on key collision.
func (c *Collection) PutAll(target *Collection) { c.contents.putAll(target) }

// Cloner is implemented by values that know how to deep-copy themselves;
// CopyValues uses it when present and leaves other values untouched.
type Cloner interface{ Clone() Value }

// CopyValues replaces every stored value with a deep copy, for values that
// implement Cloner.
func (c *Collection) CopyValues() {
	c.contents.forEachInUse(func(pos link) {
		if cl, ok := c.contents.entries[pos].value.(Cloner); ok {
			c.contents.entries[pos].value = cl.Clone()
		}
	})
}

// Supplier returns a snapshot Supplier over the entire collection.
func (c *Collection) Supplier() *Supplier { return newSupplier(c) }

// SupplierAt returns a snapshot Supplier over just the entries matching
// index.
func (c *Collection) SupplierAt(index Key) *Supplier { return newSupplierAt(c, index) }

// Iterator returns a live forward iterator over the collection.
func (c *Collection) Iterator() *Iterator { return newIterator(c) }

// ReverseIterator returns a live reverse iterator over the collection.
func (c *Collection) ReverseIterator() *ReverseIterator { return newReverseIterator(c) }

// IteratorAt returns a live iterator over just the entries matching index.
func (c *Collection) IteratorAt(index Key) *IndexIterator { return newIndexIterator(c, index) }
