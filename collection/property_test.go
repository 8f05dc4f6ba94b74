package collection

import (
	"testing"

	"pgregory.net/rapid"
)

// TestPutGetRemoveInvariant checks that get after put(v,i) returns the
// most-recently put value at i and get after remove(i) returns absent,
// for arbitrary sequences of put/remove/get against an EqualityMap.
func TestPutGetRemoveInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewEqualityMap()
		model := make(map[string]int)
		present := make(map[string]bool)

		n := rapid.IntRange(1, 200).Draw(rt, "n")
		for i := 0; i < n; i++ {
			key := rapid.StringMatching(`k[0-9]`).Draw(rt, "key")
			op := rapid.SampledFrom([]string{"put", "remove", "get"}).Draw(rt, "op")
			switch op {
			case "put":
				v := rapid.Int().Draw(rt, "value")
				if err := m.Put(v, key); err != nil {
					rt.Fatalf("put: %v", err)
				}
				model[key] = v
				present[key] = true
			case "remove":
				_, _ = m.Remove(key)
				present[key] = false
			case "get":
				got, ok := m.Get(key)
				if present[key] {
					if !ok || got != model[key] {
						rt.Fatalf("get(%q): want (%v,true) got (%v,%v)", key, model[key], got, ok)
					}
				} else if ok {
					rt.Fatalf("get(%q): want absent, got %v", key, got)
				}
			}
		}
	})
}

// TestHasIndexRoundTrip checks that for any Contents C and index i,
// hasIndex(i) == (get(i) != absent).
func TestHasIndexRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewEqualityMap()
		n := rapid.IntRange(0, 100).Draw(rt, "n")
		for i := 0; i < n; i++ {
			key := rapid.StringMatching(`k[0-9]{1,2}`).Draw(rt, "key")
			if rapid.Bool().Draw(rt, "put") {
				_ = m.Put(i, key)
			} else {
				_, _ = m.Remove(key)
			}
			_, ok := m.Get(key)
			if m.HasIndex(key) != ok {
				rt.Fatalf("hasIndex(%q) == %v, get ok == %v", key, m.HasIndex(key), ok)
			}
		}
	})
}

// TestForwardIteratorVisitsEveryCellOnce checks that a full traversal
// yields exactly AllItems' values, same count and same order.
func TestForwardIteratorVisitsEveryCellOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewEqualityMap()
		n := rapid.IntRange(0, 200).Draw(rt, "n")
		for i := 0; i < n; i++ {
			key := rapid.StringMatching(`k[0-9]{1,2}`).Draw(rt, "key")
			_ = m.Put(i, key)
		}
		want := m.AllItems()
		it := m.Iterator()
		var got []Value
		for it.Available() {
			got = append(got, it.Value())
			it.Next()
		}
		if len(got) != len(want) {
			rt.Fatalf("iterator visited %d cells, AllItems has %d", len(got), len(want))
		}
		for i := range got {
			if got[i] != want[i] {
				rt.Fatalf("iterator order diverges from AllItems at %d: %v != %v", i, got[i], want[i])
			}
		}
	})
}

// TestReHashPreservesItemsAndOrder checks that after Rehash (reHash into
// C'), C'.items == C.items and for every key i, C'.allAt(i) ==
// C.allAt(i).
func TestReHashPreservesItemsAndOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := NewRelation()
		keys := []string{"a", "b", "c"}
		n := rapid.IntRange(0, 150).Draw(rt, "n")
		for i := 0; i < n; i++ {
			key := rapid.SampledFrom(keys).Draw(rt, "key")
			_ = r.Add(i, key)
		}
		before := r.Items()
		beforeAll := map[string][]Value{}
		for _, k := range keys {
			beforeAll[k] = append([]Value(nil), r.GetAll(k)...)
		}

		r.Rehash()

		if r.Items() != before {
			rt.Fatalf("items changed across rehash: %d != %d", r.Items(), before)
		}
		for _, k := range keys {
			got := r.GetAll(k)
			want := beforeAll[k]
			if len(got) != len(want) {
				rt.Fatalf("allAt(%q) length changed: %v != %v", k, got, want)
			}
			for i := range got {
				if got[i] != want[i] {
					rt.Fatalf("allAt(%q) order changed at %d: %v != %v", k, i, got, want)
				}
			}
		}
	})
}
