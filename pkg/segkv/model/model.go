// Package model implements a plain in-memory reference model of a single
// segment's observable key-value behavior, for property and metamorphic
// tests to compare against the real implementation.
package model

// Segment is a naive map-backed stand-in for [segkv.Segment]. It has no
// concept of chunks, slots, or locking: every operation is immediate and
// globally ordered, which is exactly what makes it a useful oracle for
// tests that apply the same operation sequence to both it and a real
// segment and assert the observable results agree.
type Segment struct {
	entries map[string][]byte
	order   []string
}

// New returns an empty reference segment.
func New() *Segment {
	return &Segment{entries: make(map[string][]byte)}
}

// Put inserts or overwrites key's value.
func (m *Segment) Put(key, value []byte) {
	k := string(key)

	if _, exists := m.entries[k]; !exists {
		m.order = append(m.order, k)
	}

	m.entries[k] = append([]byte(nil), value...)
}

// Get returns key's value and whether it was present.
func (m *Segment) Get(key []byte) ([]byte, bool) {
	v, ok := m.entries[string(key)]

	return v, ok
}

// ContainsKey reports whether key is present.
func (m *Segment) ContainsKey(key []byte) bool {
	_, ok := m.entries[string(key)]

	return ok
}

// Replace overwrites key's value only if already present.
func (m *Segment) Replace(key, value []byte) bool {
	k := string(key)
	if _, ok := m.entries[k]; !ok {
		return false
	}

	m.entries[k] = append([]byte(nil), value...)

	return true
}

// Remove deletes key if present, reporting whether it was.
func (m *Segment) Remove(key []byte) bool {
	k := string(key)
	if _, ok := m.entries[k]; !ok {
		return false
	}

	delete(m.entries, k)

	for i, o := range m.order {
		if o == k {
			m.order = append(m.order[:i], m.order[i+1:]...)

			break
		}
	}

	return true
}

// Size returns the live entry count.
func (m *Segment) Size() int {
	return len(m.entries)
}

// ForEachRemoving visits every live entry in insertion order, letting fn
// remove or replace the current entry and decide whether to continue —
// the same three degrees of freedom [segkv.Segment.ForEachRemoving]'s
// View gives a real scan.
func (m *Segment) ForEachRemoving(fn func(key, value []byte, remove func(), replace func([]byte)) bool) {
	i := 0

	for i < len(m.order) {
		k := m.order[i]

		v, ok := m.entries[k]
		if !ok {
			i++

			continue
		}

		removed := false

		keepGoing := fn([]byte(k), v, func() {
			delete(m.entries, k)

			removed = true
		}, func(newValue []byte) {
			m.entries[k] = append([]byte(nil), newValue...)
		})

		if removed {
			m.order = append(m.order[:i], m.order[i+1:]...)
		} else {
			i++
		}

		if !keepGoing {
			return
		}
	}
}

// Snapshot returns a copy of every live (key, value) pair as a map,
// for deep-equal comparisons against another Segment or a real segkv
// segment drained the same way.
func (m *Segment) Snapshot() map[string]string {
	out := make(map[string]string, len(m.entries))

	for k, v := range m.entries {
		out[k] = string(v)
	}

	return out
}
