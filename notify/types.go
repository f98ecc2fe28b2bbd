package notify

import (
	"slices"
	"sort"
	"strings"
)

// TypeTag names an entity type (a table, for the SQLite store)
type TypeTag string

// TypeSet is an immutable, sorted, duplicate-free set of type tags.
// Build it with NewTypeSet; never modify one in place.
type TypeSet []TypeTag

// NewTypeSet builds a set from tags. Tags are lowercased and deduplicated.
func NewTypeSet(tags ...TypeTag) TypeSet {
	if len(tags) == 0 {
		return nil
	}
	set := make(TypeSet, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		set = append(set, TypeTag(strings.ToLower(string(t))))
	}
	slices.Sort(set)
	return slices.Compact(set)
}

// TypesOf builds a set from plain strings
func TypesOf(names ...string) TypeSet {
	tags := make([]TypeTag, len(names))
	for i, n := range names {
		tags[i] = TypeTag(n)
	}
	return NewTypeSet(tags...)
}

// Has reports whether t is in the set
func (s TypeSet) Has(t TypeTag) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= t })
	return i < len(s) && s[i] == t
}

// Intersects reports whether the sets share at least one tag
func (s TypeSet) Intersects(other TypeSet) bool {
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch {
		case s[i] == other[j]:
			return true
		case s[i] < other[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// Union returns a new set with the tags of both
func (s TypeSet) Union(other TypeSet) TypeSet {
	merged := make([]TypeTag, 0, len(s)+len(other))
	merged = append(merged, s...)
	merged = append(merged, other...)
	return NewTypeSet(merged...)
}

// Strings returns the tags as strings
func (s TypeSet) Strings() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = string(t)
	}
	return out
}

func (s TypeSet) String() string {
	return "{" + strings.Join(s.Strings(), ",") + "}"
}

// CommitEvent announces a committed write batch and the types it may have touched
type CommitEvent struct {
	AffectedTypes TypeSet `msgpack:"types"`
	SourceID      string  `msgpack:"src"`
	Seq           uint64  `msgpack:"seq"` // Assigned by the bus at publication
	CommitTS      int64   `msgpack:"ts"`  // Commit timestamp (unix ms)
}

// Filter selects which events a subscriber receives
type Filter struct {
	Types TypeSet // nil or empty = all events
}

func (f Filter) matches(ev CommitEvent) bool {
	if len(f.Types) == 0 {
		return true
	}
	return f.Types.Intersects(ev.AffectedTypes)
}

// Publisher is implemented by the bus; the write path depends on this only
type Publisher interface {
	Publish(ev CommitEvent)
}
