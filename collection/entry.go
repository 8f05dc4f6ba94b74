package collection

// Key and Value are opaque entities: the hash engine never interprets
// them beyond what a Kind's hash/equality functions require.
type Key = any
type Value = any

// link addresses a cell within a Contents arena. noMore terminates a chain
// or the free list.
type link int

const noMore link = -1

// MinimumBucketSize is the smallest bucket count a Contents may have:
// bucketSize is always odd and >= MinimumBucketSize.
const MinimumBucketSize = 17

// maxBucketSize caps calculateBucketSize's growth.
const maxBucketSize = 1 << 30

// entry is one cell of the flat arena. hasKey distinguishes an in-use
// cell from a free one without relying on key/value's zero values, since
// nil is itself a legal opaque key or value for some policies.
type entry struct {
	key     Key
	value   Value
	next   link
	hasKey bool
}

func (e *entry) clear() {
	e.key = nil
	e.value = nil
	e.next = noMore
	e.hasKey = false
}

// Contents is the backing storage for one hash-based collection: a
// contiguous arena of totalSize = 2*bucketSize cells. The first bucketSize
// cells are bucket anchors addressed by hash(key) mod bucketSize; the rest
// form an overflow area threaded onto a single free chain.
type Contents struct {
	kind       *kind
	entries    []entry
	bucketSize int
	totalSize  int
	itemCount  int
	freeChain  link
}

// newContents allocates a Contents with the given bucket size, already
// initialized to the empty state (every anchor cleared, every overflow cell
// threaded onto the free chain).
func newContents(k *kind, bucketSize int) *Contents {
	total := bucketSize * 2
	c := &Contents{
		kind:       k,
		entries:    make([]entry, total),
		bucketSize: bucketSize,
		totalSize:  total,
	}
	c.initializeFreeChain()
	return c
}

func (c *Contents) initializeFreeChain() {
	for i := 0; i < c.bucketSize; i++ {
		c.entries[i].clear()
	}
	c.itemCount = 0
	c.freeChain = link(c.bucketSize)
	for i := c.bucketSize; i < c.totalSize; i++ {
		c.entries[i].clear()
		if i+1 < c.totalSize {
			c.entries[i].next = link(i + 1)
		} else {
			c.entries[i].next = noMore
		}
	}
}

// isFull reports whether the free chain is exhausted.
func (c *Contents) isFull() bool { return c.freeChain == noMore }

// hasCapacity reports whether at least delta more cells can be added
// without growing.
func (c *Contents) hasCapacity(delta int) bool {
	return c.totalSize-c.itemCount > delta
}

// items returns the number of in-use cells.
func (c *Contents) items() int { return c.itemCount }

// calculateBucketSize returns the next odd integer >= max(MinimumBucketSize,
// requested), capped at maxBucketSize.
func calculateBucketSize(requested int) int {
	if requested < MinimumBucketSize {
		requested = MinimumBucketSize
	}
	if requested > maxBucketSize {
		requested = maxBucketSize - 1
	}
	if requested%2 == 0 {
		requested++
	}
	return requested
}

func (c *Contents) bucketFor(k Key) link {
	h := c.kind.hashKey(k)
	return link(h % uint64(c.bucketSize))
}

func (c *Contents) allocFree() link {
	pos := c.freeChain
	if pos == noMore {
		return noMore
	}
	c.freeChain = c.entries[pos].next
	return pos
}

func (c *Contents) returnToFreeChain(pos link) {
	c.entries[pos].clear()
	c.entries[pos].next = c.freeChain
	c.freeChain = pos
}
