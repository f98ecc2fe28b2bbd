package result

import "errors"

// KeyFunc resolves the map key of a record. It returns an error when the
// record carries no usable key.
type KeyFunc[K comparable, E any] func(E) (K, error)

// closeInto closes c and records its error unless an earlier one is set
func closeInto[E any](c *Cursor[E], err *error) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

// First returns the first record or ErrEmptyResult
func First[E any](c *Cursor[E]) (first E, err error) {
	defer closeInto(c, &err)

	first, ok, err := c.Next()
	if err != nil {
		return first, err
	}
	if !ok {
		return first, ErrEmptyResult
	}
	return first, nil
}

// FirstOr returns the first record, or def when the result is empty
func FirstOr[E any](c *Cursor[E], def E) (E, error) {
	return FirstOrSupplied(c, func() E { return def })
}

// FirstOrSupplied returns the first record, or the value of fn when the result
// is empty. fn is only called when needed.
func FirstOrSupplied[E any](c *Cursor[E], fn func() E) (E, error) {
	first, err := First(c)
	if errors.Is(err, ErrEmptyResult) {
		return fn(), nil
	}
	return first, err
}

// FirstOrNil returns a pointer to the first record, or nil when the result is empty
func FirstOrNil[E any](c *Cursor[E]) (*E, error) {
	first, err := First(c)
	if errors.Is(err, ErrEmptyResult) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &first, nil
}

// ToList returns all records in source order in a slice owned by the caller
func ToList[E any](c *Cursor[E]) ([]E, error) {
	return Collect(c, make([]E, 0))
}

// Collect appends all records to dst, like append
func Collect[E any](c *Cursor[E], dst []E) (out []E, err error) {
	out = dst
	err = Each(c, func(record E) error {
		out = append(out, record)
		return nil
	})
	if err != nil {
		return dst, err
	}
	return out, nil
}

// Each calls fn for every record strictly in source order. Iteration stops at
// the first error from fn or from the cursor.
func Each[E any](c *Cursor[E], fn func(E) error) (err error) {
	defer closeInto(c, &err)

	for {
		record, ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

// ToMap builds a key -> record mapping. Later records overwrite earlier ones on
// key collision; iteration order is the order keys were first seen.
func ToMap[K comparable, E any](c *Cursor[E], key KeyFunc[K, E]) (*OrderedMap[K, E], error) {
	m := NewOrderedMap[K, E]()
	if err := eachKeyed(c, key, m.Set); err != nil {
		return nil, err
	}
	return m, nil
}

// ToMapInto populates into with key -> record, last write wins
func ToMapInto[K comparable, E any](c *Cursor[E], key KeyFunc[K, E], into map[K]E) (map[K]E, error) {
	if into == nil {
		into = make(map[K]E)
	}
	err := eachKeyed(c, key, func(k K, record E) {
		into[k] = record
	})
	if err != nil {
		return nil, err
	}
	return into, nil
}

func eachKeyed[K comparable, E any](c *Cursor[E], key KeyFunc[K, E], put func(K, E)) error {
	index := 0
	return Each(c, func(record E) error {
		k, err := key(record)
		if err != nil {
			return &KeyExtractionError{Index: index, Err: err}
		}
		put(k, record)
		index++
		return nil
	})
}

// OrderedMap is a map that iterates in first-insertion order
type OrderedMap[K comparable, V any] struct {
	keys   []K
	values map[K]V
}

// NewOrderedMap creates an empty OrderedMap
func NewOrderedMap[K comparable, V any]() *OrderedMap[K, V] {
	return &OrderedMap[K, V]{values: make(map[K]V)}
}

// Set stores v under k. An existing key keeps its position.
func (m *OrderedMap[K, V]) Set(k K, v V) {
	if _, ok := m.values[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.values[k] = v
}

// Get returns the value stored under k
func (m *OrderedMap[K, V]) Get(k K) (V, bool) {
	v, ok := m.values[k]
	return v, ok
}

// Len returns the number of keys
func (m *OrderedMap[K, V]) Len() int {
	return len(m.keys)
}

// Keys returns the keys in first-insertion order
func (m *OrderedMap[K, V]) Keys() []K {
	return append([]K(nil), m.keys...)
}

// Range calls fn for each entry in order until fn returns false
func (m *OrderedMap[K, V]) Range(fn func(K, V) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Map returns a copy as a plain Go map
func (m *OrderedMap[K, V]) Map() map[K]V {
	out := make(map[K]V, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
