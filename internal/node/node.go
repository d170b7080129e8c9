// Package node defines the immutable permission node value type: a dotted
// string key, a boolean grant/deny value, an optional context set, and an
// optional expiry. Keys whose first segment is one of the reserved words
// (prefix, suffix, meta, weight) are classified once at construction into a
// tagged Kind so downstream code matches on the variant instead of
// re-parsing strings on every check.
package node

import (
	"strconv"
	"strings"
	"time"
)

// Kind classifies a node by its key shape.
type Kind int

const (
	// KindPermission is a plain permission grant or denial.
	KindPermission Kind = iota
	// KindPrefix is a chat prefix: prefix.<priority>.<payload>.
	KindPrefix
	// KindSuffix is a chat suffix: suffix.<priority>.<payload>.
	KindSuffix
	// KindMeta is an arbitrary typed value: meta.<name>.<value>.
	KindMeta
	// KindWeight orders groups during inheritance: weight.<n>.
	KindWeight
)

func (k Kind) String() string {
	switch k {
	case KindPrefix:
		return "prefix"
	case KindSuffix:
		return "suffix"
	case KindMeta:
		return "meta"
	case KindWeight:
		return "weight"
	default:
		return "permission"
	}
}

// Node is one permission or metadata fact. Nodes are immutable values;
// "mutation" helpers return copies.
type Node struct {
	key      string
	value    bool
	contexts ContextSet
	expiry   time.Time // zero means permanent

	kind      Kind
	priority  int    // prefix/suffix
	payload   string // prefix/suffix payload, still escaped
	metaName  string // meta name, still escaped
	metaValue string // meta value, still escaped
	weight    int
}

// New builds a global, permanent node and classifies its key.
func New(key string, value bool) Node {
	return NewWithContext(key, value, ContextSet{})
}

// NewWithContext builds a permanent node constrained to the given contexts.
func NewWithContext(key string, value bool, contexts ContextSet) Node {
	n := Node{key: key, value: value, contexts: contexts}
	n.classify()
	return n
}

// WithExpiry returns a copy of the node that expires at the given time.
func (n Node) WithExpiry(at time.Time) Node {
	n.expiry = at
	return n
}

// classify parses the key into its Kind variant. Malformed reserved keys
// (e.g. a prefix node with a non-numeric priority) fall back to
// KindPermission rather than failing; they behave as ordinary permissions.
func (n *Node) classify() {
	parts := strings.SplitN(n.key, ".", 3)
	switch {
	case len(parts) == 3 && strings.EqualFold(parts[0], "prefix"):
		if p, ok := parseDigits(parts[1]); ok {
			n.kind, n.priority, n.payload = KindPrefix, p, parts[2]
		}
	case len(parts) == 3 && strings.EqualFold(parts[0], "suffix"):
		if p, ok := parseDigits(parts[1]); ok {
			n.kind, n.priority, n.payload = KindSuffix, p, parts[2]
		}
	case len(parts) == 3 && strings.EqualFold(parts[0], "meta"):
		n.kind, n.metaName, n.metaValue = KindMeta, parts[1], parts[2]
	case len(parts) == 2 && strings.EqualFold(parts[0], "weight"):
		if w, ok := parseDigits(parts[1]); ok {
			n.kind, n.weight = KindWeight, w
		}
	}
}

// parseDigits parses a non-negative decimal integer. Unlike strconv.Atoi it
// rejects signs and empty strings, matching the \d+ key grammar.
func parseDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Key returns the full dotted key.
func (n Node) Key() string { return n.key }

// Value reports whether the node grants (true) or denies (false).
func (n Node) Value() bool { return n.value }

// Contexts returns the node's context constraints.
func (n Node) Contexts() ContextSet { return n.contexts }

// Kind returns the node's classification.
func (n Node) Kind() Kind { return n.kind }

// Priority returns the embedded priority of a prefix or suffix node.
func (n Node) Priority() int { return n.priority }

// Payload returns the still-escaped payload of a prefix or suffix node.
func (n Node) Payload() string { return n.payload }

// MetaName returns the still-escaped name segment of a meta node.
func (n Node) MetaName() string { return n.metaName }

// MetaValue returns the still-escaped value segment of a meta node.
func (n Node) MetaValue() string { return n.metaValue }

// GroupWeight returns the value of a weight node.
func (n Node) GroupWeight() int { return n.weight }

// Expiry returns the expiry time; the zero time means the node is permanent.
func (n Node) Expiry() time.Time { return n.expiry }

// HasExpiry reports whether the node is temporary.
func (n Node) HasExpiry() bool { return !n.expiry.IsZero() }

// ExpiredAt reports whether the node has expired as of the given instant.
func (n Node) ExpiredAt(now time.Time) bool {
	return n.HasExpiry() && now.After(n.expiry)
}

// AppliesTo reports whether the node is active under the given query context
// at the given instant: every context constraint must be satisfied and the
// node must not have expired.
func (n Node) AppliesTo(query ContextSet, now time.Time) bool {
	return !n.ExpiredAt(now) && n.contexts.SatisfiedBy(query)
}

// Equal reports whether two nodes are identical in key, value, contexts and
// expiry. This is the duplicate test used when adding a node to a holder.
func (n Node) Equal(o Node) bool {
	return n.key == o.key &&
		n.value == o.value &&
		n.expiry.Equal(o.expiry) &&
		n.contexts.Equal(o.contexts)
}

// Matches reports whether the node is selected by the given key and context
// set, ignoring value and expiry. This is the selector used when removing a
// node from a holder.
func (n Node) Matches(key string, contexts ContextSet) bool {
	return strings.EqualFold(n.key, key) && n.contexts.Equal(contexts)
}
