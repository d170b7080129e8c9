package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/node"
)

// nodeModel is the wire shape of a permission node.
type nodeModel struct {
	Key      string            `json:"key"`
	Value    bool              `json:"value"`
	Contexts map[string]string `json:"contexts,omitempty"`
	Expiry   *time.Time        `json:"expiry,omitempty"`
}

// setNodeRequest is the body for node mutations.
type setNodeRequest struct {
	Key      string            `json:"key"`
	Value    *bool             `json:"value"`
	Contexts map[string]string `json:"contexts"`
	Expiry   *time.Time        `json:"expiry"`
}

// unsetNodeRequest identifies a node to remove: key plus exact contexts.
type unsetNodeRequest struct {
	Key      string            `json:"key"`
	Contexts map[string]string `json:"contexts"`
}

// holderModel is the wire shape of a user or group with its own nodes.
type holderModel struct {
	ID      string      `json:"id,omitempty"`
	Name    string      `json:"name"`
	Weight  int         `json:"weight,omitempty"`
	Parents []string    `json:"parents,omitempty"`
	Tracks  []string    `json:"tracks,omitempty"`
	Nodes   []nodeModel `json:"nodes"`
}

// trackModel is the wire shape of a track.
type trackModel struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

func contextsToMap(cs node.ContextSet) map[string]string {
	pairs := cs.Pairs()
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.Key] = p.Value
	}
	return out
}

func contextsFromMap(m map[string]string) node.ContextSet {
	if len(m) == 0 {
		return node.ContextSet{}
	}
	pairs := make([]node.Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, node.Pair{Key: k, Value: v})
	}
	return node.NewContextSet(pairs...)
}

// parseContextsParam parses the ?contexts= query form "k=v;k=v". An empty
// string is the global context.
func parseContextsParam(raw string) (node.ContextSet, error) {
	if raw == "" || raw == "global" {
		return node.ContextSet{}, nil
	}
	var pairs []node.Pair
	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" || v == "" {
			return node.ContextSet{}, fmt.Errorf("malformed context pair %q", part)
		}
		pairs = append(pairs, node.Pair{Key: k, Value: v})
	}
	return node.NewContextSet(pairs...), nil
}

func toNodeModel(n node.Node) nodeModel {
	m := nodeModel{
		Key:      n.Key(),
		Value:    n.Value(),
		Contexts: contextsToMap(n.Contexts()),
	}
	if n.HasExpiry() {
		e := n.Expiry()
		m.Expiry = &e
	}
	return m
}

func toNodeModels(nodes []node.Node) []nodeModel {
	out := make([]nodeModel, len(nodes))
	for i, n := range nodes {
		out[i] = toNodeModel(n)
	}
	return out
}

func toHolderModel(h *holder.Holder) holderModel {
	m := holderModel{
		Name:    h.Name(),
		Parents: h.Parents(),
		Tracks:  h.Tracks(),
		Nodes:   toNodeModels(h.Nodes()),
	}
	if h.Type() == holder.TypeUser {
		m.ID = h.ID().String()
	} else {
		m.Weight = h.Weight()
	}
	return m
}
