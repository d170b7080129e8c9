package node

import (
	"sort"
	"strings"
)

// Pair is a single context constraint, e.g. {world, nether}. Keys are
// normalised to lower case; values are compared case-insensitively.
type Pair struct {
	Key   string
	Value string
}

// ContextSet is an immutable set of context constraints. The zero value is
// the global (unconstrained) set, which matches every query.
type ContextSet struct {
	pairs []Pair
}

// NewContextSet builds a ContextSet from the given pairs. Pairs with an empty
// key or value are dropped, duplicates are collapsed, and the result is kept
// sorted so that String and Equal are stable.
func NewContextSet(pairs ...Pair) ContextSet {
	out := make([]Pair, 0, len(pairs))
	seen := make(map[Pair]struct{}, len(pairs))
	for _, p := range pairs {
		p.Key = strings.ToLower(strings.TrimSpace(p.Key))
		p.Value = strings.TrimSpace(p.Value)
		if p.Key == "" || p.Value == "" {
			continue
		}
		norm := Pair{Key: p.Key, Value: strings.ToLower(p.Value)}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return strings.ToLower(out[i].Value) < strings.ToLower(out[j].Value)
	})
	return ContextSet{pairs: out}
}

// IsEmpty reports whether the set carries no constraints.
func (s ContextSet) IsEmpty() bool {
	return len(s.pairs) == 0
}

// Pairs returns a copy of the constraints in sorted order.
func (s ContextSet) Pairs() []Pair {
	out := make([]Pair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// Contains reports whether the set includes the given key/value pair.
func (s ContextSet) Contains(key, value string) bool {
	key = strings.ToLower(key)
	for _, p := range s.pairs {
		if p.Key == key && strings.EqualFold(p.Value, value) {
			return true
		}
	}
	return false
}

// SatisfiedBy reports whether every constraint in the set is present in the
// query context. The empty (global) set is satisfied by any query.
func (s ContextSet) SatisfiedBy(query ContextSet) bool {
	for _, p := range s.pairs {
		if !query.Contains(p.Key, p.Value) {
			return false
		}
	}
	return true
}

// Equal reports whether two sets carry the same constraints.
func (s ContextSet) Equal(o ContextSet) bool {
	if len(s.pairs) != len(o.pairs) {
		return false
	}
	for i, p := range s.pairs {
		q := o.pairs[i]
		if p.Key != q.Key || !strings.EqualFold(p.Value, q.Value) {
			return false
		}
	}
	return true
}

// String returns a canonical encoding of the set ("key=value;key=value"),
// used as the context component of cache slot keys. The global set encodes
// as "global".
func (s ContextSet) String() string {
	if len(s.pairs) == 0 {
		return "global"
	}
	var b strings.Builder
	for i, p := range s.pairs {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(strings.ToLower(p.Value))
	}
	return b.String()
}
