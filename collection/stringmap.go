package collection

import "strings"

// StringMap specializes Collection for short-string keys, hashing via a
// string-specific fast hash and case-folding every index to uppercase.
type StringMap struct {
	*Collection
}

// NewStringMap builds an empty StringMap, a case-insensitive name/value
// directory.
func NewStringMap(capacity ...int) *StringMap {
	return &StringMap{newCollection(stringKeyKind, capacityHint(capacity), false)}
}

func fold(name string) string { return strings.ToUpper(name) }

// Entry returns the value stored under name, case-insensitively.
func (m *StringMap) Entry(name string) (Value, bool) { return m.Get(fold(name)) }

// HasEntry reports whether name is present, case-insensitively.
func (m *StringMap) HasEntry(name string) bool { return m.HasIndex(fold(name)) }

// SetEntry sets the entry for name. Passing ok=false (the "absent" value)
// is equivalent to RemoveEntry(name).
func (m *StringMap) SetEntry(name string, value Value, ok bool) {
	if !ok {
		m.RemoveEntry(name)
		return
	}
	_ = m.Put(value, fold(name))
}

// RemoveEntry removes the entry for name, case-insensitively.
func (m *StringMap) RemoveEntry(name string) (Value, bool) { return m.Remove(fold(name)) }

// Dispatch implements the "unknown message" fallback: a message "FOO="
// sets the entry "FOO" to arg; any other unrecognised message retrieves
// the entry of that name. message is matched case-insensitively and arg
// is ignored unless message ends in "=".
func (m *StringMap) Dispatch(message string, arg Value) (Value, bool) {
	if strings.HasSuffix(message, "=") {
		name := strings.TrimSuffix(message, "=")
		m.SetEntry(name, arg, true)
		return nil, false
	}
	return m.Entry(message)
}
