package collection

import (
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/google/go-cmp/cmp"
)

// kind is the capability record behind dynamic dispatch between
// variants: hash function, key equality, item equality, and
// put-vs-addFront behavior, chosen once at construction so that per-cell
// access never pays for a virtual call.
type kind struct {
	name string

	hashKey   func(Key) uint64
	keyEqual  func(a, b Key) bool
	itemEqual func(a, b Value) bool

	// putIsAddFront makes Contents.put behave like addFront: the MultiValue
	// variant's "put == addFront" rule.
	putIsAddFront bool

	// requiresRehash answers the Collection-level serialization contract:
	// whether a deserialized collection of this kind needs re-adding to a
	// host "rehash pending" table.
	requiresRehash bool
}

// identityHash computes a hash for reference-identity keys: pointer-like
// values hash on their address, matching the source language's object
// identity; other comparable values fall back to a deterministic value
// hash so the policy still behaves for non-pointer keys used in tests.
func identityHash(k Key) uint64 {
	if k == nil {
		return 0
	}
	v := reflect.ValueOf(k)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.UnsafePointer, reflect.Func:
		return xxhash.Sum64String(fmtPointer(v.Pointer()))
	default:
		return valueHash(k)
	}
}

func identityEqual(a, b Key) bool {
	if a == nil || b == nil {
		return a == b
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Func:
		return va.IsNil() && vb.IsNil()
	default:
		return a == b
	}
}

func fmtPointer(p uintptr) string {
	const hex = "0123456789abcdef"
	if p == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for p > 0 {
		buf = append(buf, hex[p&0xf])
		p >>= 4
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

// valueHash hashes an arbitrary comparable value by its formatted
// representation. Used as the Equality variant's default key/item hash and
// as identityHash's fallback for non-reference keys.
func valueHash(v Value) uint64 {
	if h, ok := v.(interface{ HashCode() uint64 }); ok {
		return h.HashCode()
	}
	return xxhash.Sum64String(reflectString(v))
}

func reflectString(v Value) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%#v", v)
}

func valueEqual(a, b Value) bool {
	if eq, ok := a.(interface{ Equal(any) bool }); ok {
		return eq.Equal(b)
	}
	return cmp.Equal(a, b)
}

var identityKind = &kind{
	name:      "Identity",
	hashKey:   identityHash,
	keyEqual:  identityEqual,
	itemEqual: identityEqual,
}

var equalityKind = &kind{
	name:           "Equality",
	hashKey:        valueHash,
	keyEqual:       valueEqual,
	itemEqual:      valueEqual,
	requiresRehash: true,
}

var stringKeyKind = &kind{
	name: "StringKey",
	hashKey: func(k Key) uint64 {
		s, _ := k.(string)
		return xxhash.Sum64String(s)
	},
	keyEqual: func(a, b Key) bool {
		as, aok := a.(string)
		bs, bok := b.(string)
		return aok && bok && as == bs
	},
	itemEqual: valueEqual,
}

var multiValueKind = &kind{
	name:           "MultiValue",
	hashKey:        valueHash,
	keyEqual:       valueEqual,
	itemEqual:      valueEqual,
	putIsAddFront:  true,
	requiresRehash: true,
}
