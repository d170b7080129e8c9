// Package storage persists holders, their nodes and tracks in PostgreSQL.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lattice-perms/lattice/internal/holder"
	"github.com/lattice-perms/lattice/internal/node"
	"github.com/lattice-perms/lattice/internal/postgres"
)

const nodeColumns = "key, value, contexts, expiry"

// contextPair is the JSON shape of a single context constraint in the
// nodes.contexts column.
type contextPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PGStore is the PostgreSQL-backed store.
type PGStore struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGStore creates a new PostgreSQL-backed store.
func NewPGStore(db *pgxpool.Pool, logger zerolog.Logger) *PGStore {
	return &PGStore{db: db, log: logger}
}

// LoadUser fetches a user and its nodes. It returns (nil, nil) when the user
// has no stored data.
func (s *PGStore) LoadUser(ctx context.Context, id uuid.UUID, name string) (*holder.Holder, error) {
	var (
		username        string
		parents, tracks []string
	)
	err := s.db.QueryRow(ctx,
		"SELECT username, parents, tracks FROM users WHERE id = $1", id,
	).Scan(&username, &parents, &tracks)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", id, err)
	}

	if name == "" {
		name = username
	}
	u := holder.NewUser(id, name)
	nodes, err := s.loadNodes(ctx, "user", id.String())
	if err != nil {
		return nil, err
	}
	u.Replace(nodes, parents, tracks)
	return u, nil
}

// UniqueUsers lists every user ID with stored data.
func (s *PGStore) UniqueUsers(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, "SELECT id FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query user ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return ids, nil
}

// LoadGroups fetches all groups and their nodes.
func (s *PGStore) LoadGroups(ctx context.Context) ([]*holder.Holder, error) {
	rows, err := s.db.Query(ctx, "SELECT name, parents, tracks FROM groups ORDER BY name")
	if err != nil {
		if postgres.IsUndefinedTable(err) {
			return nil, fmt.Errorf("groups table missing, schema not migrated: %w", err)
		}
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	type groupRow struct {
		name            string
		parents, tracks []string
	}
	var groupRows []groupRow
	for rows.Next() {
		var gr groupRow
		if err := rows.Scan(&gr.name, &gr.parents, &gr.tracks); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groupRows = append(groupRows, gr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}

	groups := make([]*holder.Holder, 0, len(groupRows))
	for _, gr := range groupRows {
		g := holder.NewGroup(gr.name)
		nodes, err := s.loadNodes(ctx, "group", g.Name())
		if err != nil {
			return nil, err
		}
		g.Replace(nodes, gr.parents, gr.tracks)
		groups = append(groups, g)
	}
	return groups, nil
}

// LoadTracks fetches all tracks.
func (s *PGStore) LoadTracks(ctx context.Context) ([]*holder.Track, error) {
	rows, err := s.db.Query(ctx, "SELECT name, groups FROM tracks ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	defer rows.Close()

	var tracks []*holder.Track
	for rows.Next() {
		var (
			name   string
			groups []string
		)
		if err := rows.Scan(&name, &groups); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		t, err := holder.NewTrack(name, groups...)
		if err != nil {
			return nil, fmt.Errorf("rebuild track %s: %w", name, err)
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracks: %w", err)
	}
	return tracks, nil
}

// SaveHolder writes the holder's row and replaces its node set, atomically.
func (s *PGStore) SaveHolder(ctx context.Context, h *holder.Holder) error {
	typ, key := holderRef(h)
	nodes := h.Nodes()
	parents := h.Parents()
	trackNames := h.Tracks()

	return postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if typ == "user" {
			_, err := tx.Exec(ctx,
				`INSERT INTO users (id, username, parents, tracks) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (id) DO UPDATE SET username = $2, parents = $3, tracks = $4`,
				h.ID(), h.Name(), parents, trackNames,
			)
			if err != nil {
				return fmt.Errorf("upsert user %s: %w", h.ID(), err)
			}
		} else {
			_, err := tx.Exec(ctx,
				`INSERT INTO groups (name, parents, tracks) VALUES ($1, $2, $3)
				 ON CONFLICT (name) DO UPDATE SET parents = $2, tracks = $3`,
				h.Name(), parents, trackNames,
			)
			if err != nil {
				return fmt.Errorf("upsert group %s: %w", h.Name(), err)
			}
		}

		if _, err := tx.Exec(ctx,
			"DELETE FROM nodes WHERE holder_type = $1 AND holder_key = $2", typ, key,
		); err != nil {
			return fmt.Errorf("clear nodes for %s: %w", h.Identifier(), err)
		}

		for _, n := range nodes {
			ctxs, err := marshalContexts(n.Contexts())
			if err != nil {
				return err
			}
			var expiry *time.Time
			if n.HasExpiry() {
				e := n.Expiry()
				expiry = &e
			}
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO nodes (holder_type, holder_key, %s) VALUES ($1, $2, $3, $4, $5, $6)`, nodeColumns),
				typ, key, n.Key(), n.Value(), ctxs, expiry,
			); err != nil {
				return fmt.Errorf("insert node %q for %s: %w", n.Key(), h.Identifier(), err)
			}
		}
		return nil
	})
}

// SaveTrack inserts a newly created track.
func (s *PGStore) SaveTrack(ctx context.Context, t *holder.Track) error {
	// Plain insert: tracks are create-only, and a unique violation here is
	// how a create racing another instance surfaces. The wrap keeps the
	// pgconn error visible to postgres.IsUniqueViolation.
	_, err := s.db.Exec(ctx,
		"INSERT INTO tracks (name, groups) VALUES ($1, $2)",
		t.Name(), t.Groups(),
	)
	if err != nil {
		return fmt.Errorf("insert track %s: %w", t.Name(), err)
	}
	return nil
}

// DeleteHolder removes a holder's row and nodes.
func (s *PGStore) DeleteHolder(ctx context.Context, h *holder.Holder) error {
	typ, key := holderRef(h)
	return postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"DELETE FROM nodes WHERE holder_type = $1 AND holder_key = $2", typ, key,
		); err != nil {
			return fmt.Errorf("delete nodes for %s: %w", h.Identifier(), err)
		}
		var err error
		if typ == "user" {
			_, err = tx.Exec(ctx, "DELETE FROM users WHERE id = $1", h.ID())
		} else {
			_, err = tx.Exec(ctx, "DELETE FROM groups WHERE name = $1", h.Name())
		}
		if err != nil {
			return fmt.Errorf("delete %s: %w", h.Identifier(), err)
		}
		return nil
	})
}

func (s *PGStore) loadNodes(ctx context.Context, typ, key string) ([]node.Node, error) {
	rows, err := s.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM nodes WHERE holder_type = $1 AND holder_key = $2 ORDER BY id", nodeColumns),
		typ, key,
	)
	if err != nil {
		return nil, fmt.Errorf("query nodes for %s:%s: %w", typ, key, err)
	}
	defer rows.Close()

	var nodes []node.Node
	for rows.Next() {
		var (
			nodeKey string
			value   bool
			ctxs    []byte
			expiry  *time.Time
		)
		if err := rows.Scan(&nodeKey, &value, &ctxs, &expiry); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		contexts, err := unmarshalContexts(ctxs)
		if err != nil {
			s.log.Warn().Err(err).Str("key", nodeKey).Msg("Dropping node with malformed contexts")
			continue
		}
		n := node.NewWithContext(nodeKey, value, contexts)
		if expiry != nil {
			n = n.WithExpiry(*expiry)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes for %s:%s: %w", typ, key, err)
	}
	return nodes, nil
}

func holderRef(h *holder.Holder) (typ, key string) {
	if h.Type() == holder.TypeUser {
		return "user", h.ID().String()
	}
	return "group", h.Name()
}

func marshalContexts(cs node.ContextSet) ([]byte, error) {
	pairs := cs.Pairs()
	out := make([]contextPair, len(pairs))
	for i, p := range pairs {
		out[i] = contextPair{Key: p.Key, Value: p.Value}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal contexts: %w", err)
	}
	return b, nil
}

func unmarshalContexts(raw []byte) (node.ContextSet, error) {
	if len(raw) == 0 {
		return node.ContextSet{}, nil
	}
	var pairs []contextPair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return node.ContextSet{}, fmt.Errorf("unmarshal contexts: %w", err)
	}
	in := make([]node.Pair, len(pairs))
	for i, p := range pairs {
		in[i] = node.Pair{Key: p.Key, Value: p.Value}
	}
	return node.NewContextSet(in...), nil
}
