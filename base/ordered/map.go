// Package ordered provides ordered data structure.
package ordered

type entry[K comparable, V any] struct {
	key     K
	value   V
	deleted bool
}

// Map is an ordered map. Iter iterates over the map
// using the same order in which the keys have been added.
// Deleting a key and storing it again moves it to the end.
type Map[K comparable, V any] struct {
	entries []entry[K, V]
	index   map[K]int
	deleted int
}

// NewMap returns a new ordered map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{index: make(map[K]int)}
}

// Store a key,value pair.
func (m *Map[K, V]) Store(k K, v V) {
	if i, in := m.index[k]; in {
		m.entries[i].value = v
		return
	}
	m.index[k] = len(m.entries)
	m.entries = append(m.entries, entry[K, V]{key: k, value: v})
}

// Load returns a value given a key.
func (m *Map[K, V]) Load(k K) (V, bool) {
	i, ok := m.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	return m.entries[i].value, true
}

// Has returns true if the key is in the map.
func (m *Map[K, V]) Has(k K) bool {
	_, ok := m.index[k]
	return ok
}

// Delete removes a key from the map.
func (m *Map[K, V]) Delete(k K) {
	i, ok := m.index[k]
	if !ok {
		return
	}
	delete(m.index, k)
	var zero entry[K, V]
	m.entries[i] = zero
	m.entries[i].deleted = true
	m.deleted++
	if m.deleted > len(m.entries)/2 {
		m.compact()
	}
}

func (m *Map[K, V]) compact() {
	entries := make([]entry[K, V], 0, len(m.index))
	for _, e := range m.entries {
		if e.deleted {
			continue
		}
		m.index[e.key] = len(entries)
		entries = append(entries, e)
	}
	m.entries = entries
	m.deleted = 0
}

// Iter returns an iterator to range over the elements of the map.
func (m *Map[K, V]) Iter() func(func(K, V) bool) {
	return func(yield func(K, V) bool) {
		for _, e := range m.entries {
			if e.deleted {
				continue
			}
			if !yield(e.key, e.value) {
				break
			}
		}
	}
}

// Keys returns an iterator to range over the keys of the map.
func (m *Map[K, V]) Keys() func(func(K) bool) {
	return func(yield func(K) bool) {
		for k := range m.Iter() {
			if !yield(k) {
				break
			}
		}
	}
}

// Values returns an iterator to range over the values of the map.
func (m *Map[K, V]) Values() func(func(V) bool) {
	return func(yield func(V) bool) {
		for _, v := range m.Iter() {
			if !yield(v) {
				break
			}
		}
	}
}

// KeySlice returns the keys of the map in order.
func (m *Map[K, V]) KeySlice() []K {
	keys := make([]K, 0, m.Size())
	for k := range m.Keys() {
		keys = append(keys, k)
	}
	return keys
}

// Clone creates a new map with the same keys and values.
// This is a shallow clone.
func (m *Map[K, V]) Clone() *Map[K, V] {
	r := NewMap[K, V]()
	for k, v := range m.Iter() {
		r.Store(k, v)
	}
	return r
}

// Size returns the number of elements in the map.
func (m *Map[K, V]) Size() int {
	return len(m.index)
}
