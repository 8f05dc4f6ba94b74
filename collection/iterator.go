package collection

// Iterator is a live forward iterator: (contents, position, nextBucket).
// It borrows the owning Collection's Contents mutably; the only mutation
// it permits mid-traversal is RemoveCurrentAndAdvance.
type Iterator struct {
	c          *Collection
	position   link
	nextBucket int
}

func newIterator(c *Collection) *Iterator {
	it := &Iterator{c: c, position: noMore, nextBucket: 0}
	it.advance()
	return it
}

// advance implements iterateNext: walk the current chain, then scan
// forward for the next occupied bucket anchor.
func (it *Iterator) advance() {
	contents := it.c.contents
	if it.position != noMore {
		next := contents.entries[it.position].next
		if next != noMore {
			it.position = next
			return
		}
	}
	for it.nextBucket < contents.bucketSize {
		pos := link(it.nextBucket)
		it.nextBucket++
		if contents.entries[pos].hasKey {
			it.position = pos
			return
		}
	}
	it.position = noMore
}

// Available reports whether Value/Index/Replace may be called.
func (it *Iterator) Available() bool { return it.position != noMore }

// Value returns the value at the current position.
func (it *Iterator) Value() Value { return it.c.contents.entries[it.position].value }

// Index returns the key at the current position.
func (it *Iterator) Index() Key { return it.c.contents.entries[it.position].key }

// Replace overwrites the value at the current position in place.
func (it *Iterator) Replace(v Value) { it.c.contents.entries[it.position].value = v }

// Next advances to the next occupied cell.
func (it *Iterator) Next() {
	if it.position == noMore {
		return
	}
	it.advance()
}

// RemoveCurrentAndAdvance removes the entry at the current position and
// leaves the iterator at the next remaining entry, per a three-case
// postcondition:
//   - at a bucket anchor with a chain successor: removal promotes the
//     successor into the anchor, so position is already correct;
//   - at a bucket anchor with no successor: advance first, then remove;
//   - past the anchor: save current, advance, locate the (now stale)
//     predecessor by rescanning from the bucket anchor, then remove.
func (it *Iterator) RemoveCurrentAndAdvance() {
	if it.position == noMore {
		return
	}
	contents := it.c.contents
	bucket := it.nextBucket - 1
	if int(it.position) == bucket {
		if contents.entries[it.position].next == noMore {
			current := it.position
			it.advance()
			contents.removeChainLink(current, noMore)
		} else {
			contents.removeChainLink(it.position, noMore)
		}
		return
	}
	current := it.position
	previous := locatePreviousEntry(contents, link(bucket), current)
	it.advance()
	contents.removeChainLink(current, previous)
}

// locatePreviousEntry rescans bucket anchor to find target's chain
// predecessor. Chains are singly linked, so this is a linear scan from
// the anchor.
func locatePreviousEntry(contents *Contents, bucket, target link) link {
	pos := bucket
	for pos != noMore {
		next := contents.entries[pos].next
		if next == target {
			return pos
		}
		pos = next
	}
	return noMore
}

// ReverseIterator is a live reverse iterator: (contents, position,
// currentBucket). It visits each cell once, tail-to-anchor within a
// bucket, buckets in ascending order.
type ReverseIterator struct {
	c             *Collection
	position      link
	currentBucket int
}

func newReverseIterator(c *Collection) *ReverseIterator {
	it := &ReverseIterator{c: c, position: noMore, currentBucket: -1}
	it.seedNextBucketEnd()
	return it
}

func (it *ReverseIterator) seedNextBucketEnd() {
	contents := it.c.contents
	bucket := it.currentBucket + 1
	for bucket < contents.bucketSize {
		if contents.entries[bucket].hasKey {
			pos := link(bucket)
			for contents.entries[pos].next != noMore {
				pos = contents.entries[pos].next
			}
			it.position = pos
			it.currentBucket = bucket
			return
		}
		bucket++
	}
	it.position = noMore
	it.currentBucket = bucket
}

// Available reports whether Value/Index/Replace may be called.
func (it *ReverseIterator) Available() bool { return it.position != noMore }

// Value returns the value at the current position.
func (it *ReverseIterator) Value() Value { return it.c.contents.entries[it.position].value }

// Index returns the key at the current position.
func (it *ReverseIterator) Index() Key { return it.c.contents.entries[it.position].key }

// Replace overwrites the value at the current position in place.
func (it *ReverseIterator) Replace(v Value) { it.c.contents.entries[it.position].value = v }

// Next advances to the previous entry within the current bucket's chain,
// or to the last entry of the next occupied bucket when the anchor is
// reached.
func (it *ReverseIterator) Next() {
	if it.position == noMore {
		return
	}
	contents := it.c.contents
	if int(it.position) == it.currentBucket {
		it.seedNextBucketEnd()
		return
	}
	it.position = locatePreviousEntry(contents, link(it.currentBucket), it.position)
}

// IndexIterator walks just the chain of entries matching a captured
// index, in chain order: insertion order for kinds whose add appends,
// most recently added first for Relation and Bag.
type IndexIterator struct {
	c        *Collection
	index    Key
	position link
}

func newIndexIterator(c *Collection, index Key) *IndexIterator {
	pos, _, found := c.contents.locateEntry(index)
	if !found {
		pos = noMore
	}
	return &IndexIterator{c: c, index: index, position: pos}
}

// Available reports whether Value/Index/Replace may be called.
func (it *IndexIterator) Available() bool { return it.position != noMore }

// Value returns the value at the current position.
func (it *IndexIterator) Value() Value { return it.c.contents.entries[it.position].value }

// Index returns the captured index this iterator walks.
func (it *IndexIterator) Index() Key { return it.index }

// Replace overwrites the value at the current position in place.
func (it *IndexIterator) Replace(v Value) { it.c.contents.entries[it.position].value = v }

// Next advances to the next entry matching the captured index.
func (it *IndexIterator) Next() {
	it.position = it.c.contents.nextMatch(it.index, it.position)
}
