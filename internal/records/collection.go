package records

import "fmt"

// Collection is an ordered set of face records stored as three parallel
// slices. Position i in Keys, Names and Vectors describes the same record.
//
// Keys are unique; Upsert replaces the record for an existing key in place
// so insertion order is preserved across updates.
type Collection struct {
	Keys    []string
	Names   []string
	Vectors [][]float32

	index map[string]int
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{index: make(map[string]int)}
}

// FromSlices builds a collection from decoded slices. It fails when the
// slices differ in length. Duplicate keys keep the last occurrence in the
// lookup index; earlier duplicates are dropped so the invariant holds.
func FromSlices(keys, names []string, vectors [][]float32) (*Collection, error) {
	if len(keys) != len(names) || len(keys) != len(vectors) {
		return nil, fmt.Errorf("record slices differ in length: keys=%d names=%d vectors=%d",
			len(keys), len(names), len(vectors))
	}

	c := NewCollection()
	for i := range keys {
		c.Upsert(keys[i], names[i], vectors[i])
	}
	return c, nil
}

// Len returns the number of records.
func (c *Collection) Len() int {
	return len(c.Keys)
}

// IndexOf returns the position of key, or -1 if it is not present.
func (c *Collection) IndexOf(key string) int {
	c.ensureIndex()
	if i, ok := c.index[key]; ok {
		return i
	}
	return -1
}

// Upsert replaces the name and vector of an existing key or appends a new
// record. It reports whether an existing record was replaced.
func (c *Collection) Upsert(key, name string, vector []float32) bool {
	if i := c.IndexOf(key); i >= 0 {
		c.Names[i] = name
		c.Vectors[i] = vector
		return true
	}

	c.index[key] = len(c.Keys)
	c.Keys = append(c.Keys, key)
	c.Names = append(c.Names, name)
	c.Vectors = append(c.Vectors, vector)
	return false
}

// Dimensions returns the length of the stored vectors, or 0 when the
// collection is empty.
func (c *Collection) Dimensions() int {
	if len(c.Vectors) == 0 {
		return 0
	}
	return len(c.Vectors[0])
}

// Validate checks the structural invariants of the collection.
func (c *Collection) Validate() error {
	if len(c.Keys) != len(c.Names) || len(c.Keys) != len(c.Vectors) {
		return fmt.Errorf("record slices differ in length: keys=%d names=%d vectors=%d",
			len(c.Keys), len(c.Names), len(c.Vectors))
	}

	seen := make(map[string]struct{}, len(c.Keys))
	dims := c.Dimensions()
	for i, key := range c.Keys {
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate key %q at index %d", key, i)
		}
		seen[key] = struct{}{}
		if len(c.Vectors[i]) != dims {
			return fmt.Errorf("vector %d has %d dimensions, expected %d", i, len(c.Vectors[i]), dims)
		}
	}
	return nil
}

// NameCounts returns the number of records per display name.
func (c *Collection) NameCounts() map[string]int {
	counts := make(map[string]int)
	for _, name := range c.Names {
		counts[name]++
	}
	return counts
}

// ensureIndex rebuilds the key index when it is missing, e.g. for a
// collection constructed as a struct literal.
func (c *Collection) ensureIndex() {
	if c.index != nil && len(c.index) == len(c.Keys) {
		return
	}
	c.index = make(map[string]int, len(c.Keys))
	for i, key := range c.Keys {
		c.index[key] = i
	}
}
