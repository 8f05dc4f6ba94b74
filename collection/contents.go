package collection

// put installs value under index, replacing any existing entry with an
// equal index. Requires !isFull(); the caller (Collection) guarantees
// space by growing first.
func (c *Contents) put(value Value, index Key) {
	if c.kind.putIsAddFront {
		c.addFront(value, index)
		return
	}
	anchor := c.bucketFor(index)
	if !c.entries[anchor].hasKey {
		c.setEntry(anchor, value, index)
		c.itemCount++
		return
	}
	pos := anchor
	for {
		if c.isIndex(pos, index) {
			c.entries[pos].value = value
			return
		}
		next := c.entries[pos].next
		if next == noMore {
			break
		}
		pos = next
	}
	c.appendCell(pos, value, index)
}

// add installs value under index without replacing any existing entry,
// appending to the tail of the chain so equal-index entries preserve
// insertion order.
func (c *Contents) add(value Value, index Key) {
	anchor := c.bucketFor(index)
	if !c.entries[anchor].hasKey {
		c.setEntry(anchor, value, index)
		c.itemCount++
		return
	}
	pos := anchor
	for c.entries[pos].next != noMore {
		pos = c.entries[pos].next
	}
	c.appendCell(pos, value, index)
}

// addFront installs value under index immediately after the anchor: the
// anchor's current contents are copied into a fresh overflow cell and the
// new pair is written into the anchor, so get() sees the latest insertion
// first. Used by MultiValue containers.
func (c *Contents) addFront(value Value, index Key) {
	anchor := c.bucketFor(index)
	if !c.entries[anchor].hasKey {
		c.setEntry(anchor, value, index)
		c.itemCount++
		return
	}
	spare := c.allocFree()
	c.entries[spare] = c.entries[anchor]
	c.setEntry(anchor, value, index)
	c.entries[anchor].next = spare
	c.itemCount++
}

// appendCell splices a new cell with (value, index) onto the chain after
// tail, which must be the current last cell of the chain.
func (c *Contents) appendCell(tail link, value Value, index Key) {
	spare := c.allocFree()
	c.setEntry(spare, value, index)
	c.entries[tail].next = spare
	c.itemCount++
}

func (c *Contents) setEntry(pos link, value Value, index Key) {
	c.entries[pos].key = index
	c.entries[pos].value = value
	c.entries[pos].hasKey = true
	c.entries[pos].next = noMore
}

func (c *Contents) isIndex(pos link, index Key) bool {
	return c.entries[pos].hasKey && c.kind.keyEqual(c.entries[pos].key, index)
}

// get returns the value of the first chain entry matching index.
func (c *Contents) get(index Key) (Value, bool) {
	pos := c.bucketFor(index)
	for pos != noMore && c.entries[pos].hasKey {
		if c.isIndex(pos, index) {
			return c.entries[pos].value, true
		}
		pos = c.entries[pos].next
	}
	return nil, false
}

// hasIndex reports whether index is present; equivalent to get(index)
// having a match.
func (c *Contents) hasIndex(index Key) bool {
	_, ok := c.get(index)
	return ok
}

// getAll returns every value stored under index, in chain order — the
// order a full forward iteration would visit them. For kinds whose Add is
// addFront (Relation, Bag) this is newest-first: for example
// add(1,"k"); add(2,"k"); add(3,"k"); remove("k") returns 3, with the
// remaining allAt("k") == [2, 1].
func (c *Contents) getAll(index Key) []Value {
	var out []Value
	pos := c.bucketFor(index)
	for pos != noMore && c.entries[pos].hasKey {
		if c.isIndex(pos, index) {
			out = append(out, c.entries[pos].value)
		}
		pos = c.entries[pos].next
	}
	return out
}

// locateEntry finds index's position and its chain predecessor (noMore if
// the match is the bucket anchor itself).
func (c *Contents) locateEntry(index Key) (pos, previous link, found bool) {
	pos = c.bucketFor(index)
	previous = noMore
	for pos != noMore && c.entries[pos].hasKey {
		if c.isIndex(pos, index) {
			return pos, previous, true
		}
		previous = pos
		pos = c.entries[pos].next
	}
	return noMore, noMore, false
}

// locateItem finds the first cell (optionally constrained to a given
// index) whose value matches target via the kind's item equality, scanning
// bucket by bucket.
func (c *Contents) locateItem(target Value, index Key, hasIndex bool) (pos, previous link, found bool) {
	for b := 0; b < c.bucketSize; b++ {
		pos = link(b)
		previous = noMore
		for pos != noMore && c.entries[pos].hasKey {
			if c.kind.itemEqual(c.entries[pos].value, target) {
				if !hasIndex || c.kind.keyEqual(c.entries[pos].key, index) {
					return pos, previous, true
				}
			}
			previous = pos
			pos = c.entries[pos].next
		}
	}
	return noMore, noMore, false
}

// getIndex returns any index currently mapped to value, or (nil, false).
func (c *Contents) getIndex(value Value) (Key, bool) {
	pos, _, found := c.locateItem(value, nil, false)
	if !found {
		return nil, false
	}
	return c.entries[pos].key, true
}

// remove deletes the first entry matching index and returns its value.
func (c *Contents) remove(index Key) (Value, bool) {
	pos, previous, found := c.locateEntry(index)
	if !found {
		return nil, false
	}
	value := c.entries[pos].value
	c.removeChainLink(pos, previous)
	return value, true
}

// removeItem deletes the first entry whose value matches target (and, if
// index is provided via hasIndex, whose key also matches).
func (c *Contents) removeItem(target Value, index Key, hasIndex bool) (Key, bool) {
	pos, previous, found := c.locateItem(target, index, hasIndex)
	if !found {
		return nil, false
	}
	removedIndex := c.entries[pos].key
	c.removeChainLink(pos, previous)
	return removedIndex, true
}

// removeChainLink implements the three-way removal policy:
//   - anchor, sole cell: clear the anchor.
//   - anchor, has successor: copy the successor into the anchor, free the
//     successor cell.
//   - interior cell: unlink from the previous cell, free this cell.
func (c *Contents) removeChainLink(pos, previous link) {
	c.itemCount--
	if previous == noMore {
		next := c.entries[pos].next
		if next == noMore {
			c.entries[pos].clear()
			return
		}
		successor := c.entries[next]
		c.entries[pos] = successor
		c.returnToFreeChain(next)
		return
	}
	c.entries[previous].next = c.entries[pos].next
	c.returnToFreeChain(pos)
}

// nextMatch advances position along index's chain to the next entry whose
// key equals index, or noMore at end of chain.
func (c *Contents) nextMatch(index Key, position link) link {
	if position == noMore {
		return noMore
	}
	pos := c.entries[position].next
	for pos != noMore {
		if c.isIndex(pos, index) {
			return pos
		}
		pos = c.entries[pos].next
	}
	return noMore
}

// mergeTarget is the minimal surface Contents.merge/putAll/reMerge/reHash
// need from whatever holds the destination Contents (normally a
// *Collection), so growth can be triggered without a storage-level
// dependency on the policy layer.
type mergeTarget interface {
	ensureCapacity(delta int)
	mergeItem(value Value, index Key)
	put(value Value, index Key)
}

// merge calls target.mergeItem (add-if-absent) for every in-use cell, in
// bucket then chain order.
func (c *Contents) merge(target mergeTarget) {
	target.ensureCapacity(c.itemCount)
	c.forEachInUse(func(pos link) {
		target.mergeItem(c.entries[pos].value, c.entries[pos].key)
	})
}

// putAll calls target.put (overwriting) for every in-use cell.
func (c *Contents) putAll(target mergeTarget) {
	target.ensureCapacity(c.itemCount)
	c.forEachInUse(func(pos link) {
		target.put(c.entries[pos].value, c.entries[pos].key)
	})
}

// mergeItem is add-if-absent: like put, but returns without overwriting on
// a key match. Preserves order among equal indexes.
func (c *Contents) mergeItemInto(value Value, index Key) {
	anchor := c.bucketFor(index)
	if !c.entries[anchor].hasKey {
		c.setEntry(anchor, value, index)
		c.itemCount++
		return
	}
	pos := anchor
	for {
		if c.isIndex(pos, index) {
			return
		}
		next := c.entries[pos].next
		if next == noMore {
			break
		}
		pos = next
	}
	c.appendCell(pos, value, index)
}

// reMerge bulk-moves every cell of c into newContents using add (append),
// preserving relative order among equal indexes. Used during expansion.
func (c *Contents) reMerge(newContents *Contents) {
	c.forEachInUse(func(pos link) {
		newContents.add(c.entries[pos].value, c.entries[pos].key)
	})
}

// reHash is reMerge's counterpart used after deserialization, when hash
// codes may have changed: uses put instead of add, except for kinds whose
// put is an add-to-front (Relation, Bag), where add keeps each key's
// values in their original chain order.
func (c *Contents) reHash(newContents *Contents) {
	c.forEachInUse(func(pos link) {
		if newContents.kind.putIsAddFront {
			newContents.add(c.entries[pos].value, c.entries[pos].key)
			return
		}
		newContents.put(c.entries[pos].value, c.entries[pos].key)
	})
}

// forEachInUse walks every bucket chain in bucket order, visiting each
// in-use cell exactly once in chain (insertion) order within the bucket.
func (c *Contents) forEachInUse(fn func(pos link)) {
	for b := 0; b < c.bucketSize; b++ {
		pos := link(b)
		for pos != noMore && c.entries[pos].hasKey {
			fn(pos)
			pos = c.entries[pos].next
		}
	}
}

// empty clears every in-use cell and reinitializes the free chain.
func (c *Contents) empty() {
	c.initializeFreeChain()
}
