package holder

import (
	"errors"
	"strings"
	"sync"
)

// Track errors.
var (
	ErrDuplicateTrackGroup = errors.New("track groups must be distinct")
	ErrGroupNotOnTrack     = errors.New("group is not on the track")
)

// Track is an ordered sequence of distinct group names forming a promotion
// ladder. The resolver only reads membership; promotion logic lives with the
// command layer.
type Track struct {
	name string

	mu     sync.RWMutex
	groups []string // lower-case, ordered
}

// NewTrack creates a track with the given ordered groups. Group names are
// case-insensitive and must be distinct.
func NewTrack(name string, groups ...string) (*Track, error) {
	t := &Track{name: strings.ToLower(name)}
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		g = strings.ToLower(g)
		if _, dup := seen[g]; dup {
			return nil, ErrDuplicateTrackGroup
		}
		seen[g] = struct{}{}
		t.groups = append(t.groups, g)
	}
	return t, nil
}

// Name returns the canonical (lower-case) track name.
func (t *Track) Name() string { return t.name }

// Groups returns the ordered group names.
func (t *Track) Groups() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.groups))
	copy(out, t.groups)
	return out
}

// ContainsGroup reports whether the named group is on the track.
func (t *Track) ContainsGroup(group string) bool {
	group = strings.ToLower(group)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, g := range t.groups {
		if g == group {
			return true
		}
	}
	return false
}

// AppendGroup adds a group to the end of the ladder.
func (t *Track) AppendGroup(group string) error {
	group = strings.ToLower(group)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.groups {
		if g == group {
			return ErrDuplicateTrackGroup
		}
	}
	t.groups = append(t.groups, group)
	return nil
}

// RemoveGroup drops a group from the ladder.
func (t *Track) RemoveGroup(group string) error {
	group = strings.ToLower(group)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, g := range t.groups {
		if g == group {
			t.groups = append(t.groups[:i], t.groups[i+1:]...)
			return nil
		}
	}
	return ErrGroupNotOnTrack
}
