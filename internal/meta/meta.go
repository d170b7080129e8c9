// Package meta evaluates chat metadata (prefix, suffix, typed meta keys)
// over resolved node views, and provides the mutating helpers used by the
// bridge and the admin API.
//
// Prefix and suffix follow normal inheritance rules and pick the candidate
// with the highest numeric priority; on a priority tie the first node
// encountered in the resolved view wins, which keeps the result
// deterministic. Meta deliberately does not tie-break on priority: the first
// applicable node in the view wins, so a holder's own meta always shadows an
// inherited group's meta of the same name.
package meta

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/node"
	"github.com/lattice-perms/lattice/internal/resolver"
)

// SetPriority is the sentinel priority used by SetPrefix and SetSuffix so
// that programmatically-set values outrank typical manually-configured ones.
const SetPriority = 1000

// Saver persists a holder after a successful mutation.
type Saver interface {
	SaveHolder(ctx context.Context, h *holder.Holder) error
}

// Invalidator drops a holder's cache slots. Mutations invalidate before they
// are acknowledged so a subsequent read never observes stale data.
type Invalidator interface {
	InvalidateHolder(id string)
}

// Views supplies the resolved node view for a holder under a query context.
// The cache manager implements it, so chat queries read the memoized view
// and benefit from its invalidation fencing instead of re-walking the
// inheritance graph on every call.
type Views interface {
	Entries(h *holder.Holder, query node.ContextSet) []resolver.Entry
}

// Evaluator answers chat-meta queries and applies chat-meta mutations.
type Evaluator struct {
	views       Views
	saver       Saver
	invalidator Invalidator
	log         zerolog.Logger
}

// New creates an evaluator.
func New(views Views, saver Saver, invalidator Invalidator, logger zerolog.Logger) *Evaluator {
	return &Evaluator{views: views, saver: saver, invalidator: invalidator, log: logger}
}

// Prefix returns the holder's effective prefix under the query context, or
// the empty string when none applies.
func (e *Evaluator) Prefix(h *holder.Holder, query node.ContextSet) string {
	return e.chatMeta(node.KindPrefix, h, query)
}

// Suffix returns the holder's effective suffix under the query context, or
// the empty string when none applies.
func (e *Evaluator) Suffix(h *holder.Holder, query node.ContextSet) string {
	return e.chatMeta(node.KindSuffix, h, query)
}

func (e *Evaluator) chatMeta(kind node.Kind, h *holder.Holder, query node.ContextSet) string {
	if h == nil {
		return ""
	}
	entries := e.views.Entries(h, query)
	best := ""
	bestPriority := 0
	found := false
	for _, en := range entries {
		n := en.Node
		if n.Kind() != kind || !n.Value() {
			continue
		}
		// Strictly greater: on a tie the first-encountered candidate wins.
		if !found || n.Priority() > bestPriority {
			found = true
			bestPriority = n.Priority()
			best = n.Payload()
		}
	}
	if !found {
		return ""
	}
	return node.Unescape(best)
}

// metaRaw finds the first applicable meta node for the given name and
// returns its unescaped value.
func (e *Evaluator) metaRaw(h *holder.Holder, query node.ContextSet, name string) (string, bool) {
	if h == nil || name == "" {
		return "", false
	}
	escaped := node.Escape(name)
	entries := e.views.Entries(h, query)
	for _, en := range entries {
		n := en.Node
		if n.Kind() != node.KindMeta || !n.Value() {
			continue
		}
		if !strings.EqualFold(n.MetaName(), escaped) {
			continue
		}
		return node.Unescape(n.MetaValue()), true
	}
	return "", false
}

// MetaString returns the holder's meta value for the given name, or def when
// absent.
func (e *Evaluator) MetaString(h *holder.Holder, query node.ContextSet, name, def string) string {
	if v, ok := e.metaRaw(h, query, name); ok {
		return v
	}
	return def
}

// MetaInt returns the meta value parsed as an int. An absent name or an
// unparsable value yields def; queries are total, parse failures never
// propagate as errors.
func (e *Evaluator) MetaInt(h *holder.Holder, query node.ContextSet, name string, def int) int {
	raw, ok := e.metaRaw(h, query, name)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.log.Debug().Str("meta", name).Str("value", raw).Msg("Meta value is not an integer, using default")
		return def
	}
	return v
}

// MetaFloat returns the meta value parsed as a float64, or def.
func (e *Evaluator) MetaFloat(h *holder.Holder, query node.ContextSet, name string, def float64) float64 {
	raw, ok := e.metaRaw(h, query, name)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.log.Debug().Str("meta", name).Str("value", raw).Msg("Meta value is not a number, using default")
		return def
	}
	return v
}

// MetaBool returns the meta value parsed as a bool, or def.
func (e *Evaluator) MetaBool(h *holder.Holder, query node.ContextSet, name string, def bool) bool {
	raw, ok := e.metaRaw(h, query, name)
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.log.Debug().Str("meta", name).Str("value", raw).Msg("Meta value is not a boolean, using default")
		return def
	}
	return v
}

// SetMeta stores a meta value on the holder. An empty name or value is a
// no-op; setting an empty value does not clear the name.
func (e *Evaluator) SetMeta(ctx context.Context, h *holder.Holder, name, value string, contexts node.ContextSet) error {
	if h == nil || name == "" || value == "" {
		return nil
	}
	key := "meta." + node.Escape(name) + "." + node.Escape(value)
	return e.apply(ctx, h, node.NewWithContext(key, true, contexts))
}

// SetPrefix stores a prefix at the sentinel priority. An empty prefix is a
// no-op.
func (e *Evaluator) SetPrefix(ctx context.Context, h *holder.Holder, prefix string, contexts node.ContextSet) error {
	if h == nil || prefix == "" {
		return nil
	}
	key := fmt.Sprintf("prefix.%d.%s", SetPriority, node.Escape(prefix))
	return e.apply(ctx, h, node.NewWithContext(key, true, contexts))
}

// SetSuffix stores a suffix at the sentinel priority. An empty suffix is a
// no-op.
func (e *Evaluator) SetSuffix(ctx context.Context, h *holder.Holder, suffix string, contexts node.ContextSet) error {
	if h == nil || suffix == "" {
		return nil
	}
	key := fmt.Sprintf("suffix.%d.%s", SetPriority, node.Escape(suffix))
	return e.apply(ctx, h, node.NewWithContext(key, true, contexts))
}

// apply adds the node, invalidates the holder's cache slots, and requests
// persistence. A duplicate-node conflict is swallowed: the observable state
// (node present) already holds, so the mutation still invalidates and saves.
func (e *Evaluator) apply(ctx context.Context, h *holder.Holder, n node.Node) error {
	if err := h.SetNode(n); err != nil && !errors.Is(err, holder.ErrAlreadyHasNode) {
		return err
	}
	e.invalidator.InvalidateHolder(h.Identifier())
	if err := e.saver.SaveHolder(ctx, h); err != nil {
		return fmt.Errorf("save holder %s: %w", h.Identifier(), err)
	}
	return nil
}
