// Package policy implements the SQL-backed node and repo policy stores of
// §4.6: who we follow, what we seed, and at what scope. Same SQL pairing as
// internal/routing (database/sql + go-sqlite3), since both are small
// relational side-indexes sitting directly on the same on-disk store.
package policy

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS node_policy (
	nid    TEXT PRIMARY KEY,
	alias  TEXT NOT NULL DEFAULT '',
	policy TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS repo_policy (
	rid    TEXT PRIMARY KEY,
	scope  TEXT NOT NULL,
	policy TEXT NOT NULL
);
`

// NodePolicyValue is a node policy's value: follow or block.
type NodePolicyValue string

const (
	Follow NodePolicyValue = "follow"
	Block  NodePolicyValue = "block"
)

// RepoScope controls which of a seeded repository's refs get seeded.
type RepoScope string

const (
	ScopeAll      RepoScope = "all"
	ScopeFollowed RepoScope = "followed"
	ScopeTrusted  RepoScope = "trusted"
	ScopeBlock    RepoScope = "block"
)

// RepoPolicyValue is a repo policy's value: seed or block.
type RepoPolicyValue string

const (
	Seed      RepoPolicyValue = "seed"
	BlockRepo RepoPolicyValue = "block"
)

// NodePolicy is one row of the node_policy table.
type NodePolicy struct {
	NID    types.NID
	Alias  string
	Policy NodePolicyValue
}

// RepoPolicy is one row of the repo_policy table.
type RepoPolicy struct {
	RID    types.RID
	Scope  RepoScope
	Policy RepoPolicyValue
}

// Store holds both policy tables.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

func Open(path string) (*Store, error) {
	write, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=6000", path))
	if err != nil {
		return nil, fmt.Errorf("policy: open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=3000", path))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("policy: open read db: %w", err)
	}
	read.SetMaxOpenConns(4)

	if _, err := write.Exec(schema); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("policy: migrate: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

func (s *Store) Close() error {
	err1 := s.write.Close()
	err2 := s.read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// TrackNode upserts a Follow policy for nid, reporting whether the alias
// or policy actually changed (or the row is new) per §4.6's
// change-detection rule.
func (s *Store) TrackNode(ctx context.Context, nid types.NID, alias string) (changed bool, err error) {
	var existingAlias sql.NullString
	var existingPolicy sql.NullString
	scanErr := s.write.QueryRowContext(ctx,
		`SELECT alias, policy FROM node_policy WHERE nid = ?`, nid.String(),
	).Scan(&existingAlias, &existingPolicy)

	switch scanErr {
	case sql.ErrNoRows:
		if _, err := s.write.ExecContext(ctx,
			`INSERT INTO node_policy (nid, alias, policy) VALUES (?, ?, ?)`,
			nid.String(), alias, string(Follow),
		); err != nil {
			return false, fmt.Errorf("policy: track_node: %w", err)
		}
		return true, nil
	case nil:
		if existingAlias.String == alias && existingPolicy.String == string(Follow) {
			return false, nil
		}
		if _, err := s.write.ExecContext(ctx,
			`UPDATE node_policy SET alias = ?, policy = ? WHERE nid = ?`,
			alias, string(Follow), nid.String(),
		); err != nil {
			return false, fmt.Errorf("policy: track_node: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("policy: track_node: %w", scanErr)
	}
}

// UntrackNode sets nid's policy to Block, reporting whether it changed.
func (s *Store) UntrackNode(ctx context.Context, nid types.NID) (changed bool, err error) {
	var existingPolicy string
	scanErr := s.write.QueryRowContext(ctx,
		`SELECT policy FROM node_policy WHERE nid = ?`, nid.String(),
	).Scan(&existingPolicy)
	if scanErr == sql.ErrNoRows {
		if _, err := s.write.ExecContext(ctx,
			`INSERT INTO node_policy (nid, alias, policy) VALUES (?, '', ?)`,
			nid.String(), string(Block),
		); err != nil {
			return false, fmt.Errorf("policy: untrack_node: %w", err)
		}
		return true, nil
	}
	if scanErr != nil {
		return false, fmt.Errorf("policy: untrack_node: %w", scanErr)
	}
	if existingPolicy == string(Block) {
		return false, nil
	}
	if _, err := s.write.ExecContext(ctx,
		`UPDATE node_policy SET policy = ? WHERE nid = ?`, string(Block), nid.String(),
	); err != nil {
		return false, fmt.Errorf("policy: untrack_node: %w", err)
	}
	return true, nil
}

// IsNodeTracked reports whether nid's policy is Follow.
func (s *Store) IsNodeTracked(ctx context.Context, nid types.NID) (bool, error) {
	var p string
	err := s.read.QueryRowContext(ctx, `SELECT policy FROM node_policy WHERE nid = ?`, nid.String()).Scan(&p)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("policy: is_node_tracked: %w", err)
	}
	return p == string(Follow), nil
}

// TrackRepo upserts a Seed policy for rid at the given scope, reporting
// whether the scope or policy actually changed (or the row is new).
func (s *Store) TrackRepo(ctx context.Context, rid types.RID, scope RepoScope) (changed bool, err error) {
	var existingScope sql.NullString
	var existingPolicy sql.NullString
	scanErr := s.write.QueryRowContext(ctx,
		`SELECT scope, policy FROM repo_policy WHERE rid = ?`, rid.String(),
	).Scan(&existingScope, &existingPolicy)

	switch scanErr {
	case sql.ErrNoRows:
		if _, err := s.write.ExecContext(ctx,
			`INSERT INTO repo_policy (rid, scope, policy) VALUES (?, ?, ?)`,
			rid.String(), string(scope), string(Seed),
		); err != nil {
			return false, fmt.Errorf("policy: track_repo: %w", err)
		}
		return true, nil
	case nil:
		if existingScope.String == string(scope) && existingPolicy.String == string(Seed) {
			return false, nil
		}
		if _, err := s.write.ExecContext(ctx,
			`UPDATE repo_policy SET scope = ?, policy = ? WHERE rid = ?`,
			string(scope), string(Seed), rid.String(),
		); err != nil {
			return false, fmt.Errorf("policy: track_repo: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("policy: track_repo: %w", scanErr)
	}
}

// UntrackRepo sets rid's policy to Block, reporting whether it changed.
func (s *Store) UntrackRepo(ctx context.Context, rid types.RID) (changed bool, err error) {
	var existingPolicy string
	scanErr := s.write.QueryRowContext(ctx,
		`SELECT policy FROM repo_policy WHERE rid = ?`, rid.String(),
	).Scan(&existingPolicy)
	if scanErr == sql.ErrNoRows {
		if _, err := s.write.ExecContext(ctx,
			`INSERT INTO repo_policy (rid, scope, policy) VALUES (?, ?, ?)`,
			rid.String(), string(ScopeBlock), string(BlockRepo),
		); err != nil {
			return false, fmt.Errorf("policy: untrack_repo: %w", err)
		}
		return true, nil
	}
	if scanErr != nil {
		return false, fmt.Errorf("policy: untrack_repo: %w", scanErr)
	}
	if existingPolicy == string(BlockRepo) {
		return false, nil
	}
	if _, err := s.write.ExecContext(ctx,
		`UPDATE repo_policy SET policy = ? WHERE rid = ?`, string(BlockRepo), rid.String(),
	); err != nil {
		return false, fmt.Errorf("policy: untrack_repo: %w", err)
	}
	return true, nil
}

// IsRepoTracked reports whether rid's policy is Seed.
func (s *Store) IsRepoTracked(ctx context.Context, rid types.RID) (bool, error) {
	var p string
	err := s.read.QueryRowContext(ctx, `SELECT policy FROM repo_policy WHERE rid = ?`, rid.String()).Scan(&p)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("policy: is_repo_tracked: %w", err)
	}
	return p == string(Seed), nil
}

// RepoPolicyFor returns the full repo policy row, if any.
func (s *Store) RepoPolicyFor(ctx context.Context, rid types.RID) (RepoPolicy, bool, error) {
	var scope, p string
	err := s.read.QueryRowContext(ctx,
		`SELECT scope, policy FROM repo_policy WHERE rid = ?`, rid.String(),
	).Scan(&scope, &p)
	if err == sql.ErrNoRows {
		return RepoPolicy{}, false, nil
	}
	if err != nil {
		return RepoPolicy{}, false, fmt.Errorf("policy: repo_policy_for: %w", err)
	}
	return RepoPolicy{RID: rid, Scope: RepoScope(scope), Policy: RepoPolicyValue(p)}, true, nil
}

// SeededRepos lists every repo currently policed as Seed, the node's local
// inventory of repositories it actively replicates (§4.7's "inventory"
// control command).
func (s *Store) SeededRepos(ctx context.Context) ([]RepoPolicy, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT rid, scope, policy FROM repo_policy WHERE policy = ? ORDER BY rid`, string(Seed),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: seeded_repos: %w", err)
	}
	defer rows.Close()

	var out []RepoPolicy
	for rows.Next() {
		var ridStr, scope, p string
		if err := rows.Scan(&ridStr, &scope, &p); err != nil {
			return nil, fmt.Errorf("policy: seeded_repos scan: %w", err)
		}
		rid, err := types.ParseRID(ridStr)
		if err != nil {
			return nil, fmt.Errorf("policy: seeded_repos parse rid: %w", err)
		}
		out = append(out, RepoPolicy{RID: rid, Scope: RepoScope(scope), Policy: RepoPolicyValue(p)})
	}
	return out, rows.Err()
}

// NodePolicyFor returns the full node policy row, if any.
func (s *Store) NodePolicyFor(ctx context.Context, nid types.NID) (NodePolicy, bool, error) {
	var alias, p string
	err := s.read.QueryRowContext(ctx,
		`SELECT alias, policy FROM node_policy WHERE nid = ?`, nid.String(),
	).Scan(&alias, &p)
	if err == sql.ErrNoRows {
		return NodePolicy{}, false, nil
	}
	if err != nil {
		return NodePolicy{}, false, fmt.Errorf("policy: node_policy_for: %w", err)
	}
	return NodePolicy{NID: nid, Alias: alias, Policy: NodePolicyValue(p)}, true, nil
}
