// Package cobcache implements the write-through COB cache of §4.4: a
// SQL-backed projection keyed by (rid, object-id) storing a
// JSON-serialized materialized object per type. Same SQL pairing as
// internal/routing and internal/policy: database/sql over
// github.com/mattn/go-sqlite3, independently confirmed as the idiomatic
// "Git storage + SQL projection index" choice by the retrieved
// tangled.sh-mirror manifest.
package cobcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const baseSchema = `
CREATE TABLE IF NOT EXISTS cob_projections (
	type      TEXT NOT NULL,
	rid       TEXT NOT NULL,
	object_id TEXT NOT NULL,
	state     TEXT NOT NULL,
	payload   TEXT NOT NULL,
	PRIMARY KEY (type, rid, object_id)
);
CREATE INDEX IF NOT EXISTS cob_projections_rid_idx ON cob_projections(type, rid);
`

// Stateful is implemented by every materialized COB type so the cache can
// group projections by state for Counts() without needing a type switch.
type Stateful interface {
	StateLabel() string
}

// Store is the cache's connection pair, per §5's SQL concurrency model:
// one serialized write connection, one read-only pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// Migration is one ordered schema/data step. Version must be strictly
// increasing across the Migrations list; it becomes the `user_version`
// pragma value once applied.
type Migration struct {
	Version int
	Apply   func(tx *sql.Tx) error
}

// ControlFlow is returned by a migration Progress callback to let the
// caller abort a long rebuild/migration early.
type ControlFlow int

const (
	Continue ControlFlow = iota
	Abort
)

// Progress describes a running migration or rebuild step, passed to the
// caller-supplied callback so it can log, abort, or continue per §4.4.
type Progress struct {
	Current int
	Total   int
	Detail  string
}

// ProgressFunc receives progress in two shapes: migrate calls it once per
// pending migration with a zero item Progress, and WriteAll calls it once
// per rebuilt item with a zero migration Progress.
type ProgressFunc func(migration Progress, item Progress) ControlFlow

// Open opens (and migrates) the cache at path, running every migration in
// migrations whose Version exceeds the database's current user_version,
// each within its own transaction, bumping user_version after each step.
func Open(path string, migrations []Migration, progress ProgressFunc) (*Store, error) {
	write, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=6000", path))
	if err != nil {
		return nil, fmt.Errorf("cobcache: open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=3000", path))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("cobcache: open read db: %w", err)
	}
	read.SetMaxOpenConns(4)

	if _, err := write.Exec(baseSchema); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("cobcache: base schema: %w", err)
	}

	if err := migrate(write, migrations, progress); err != nil {
		write.Close()
		read.Close()
		return nil, err
	}

	return &Store{write: write, read: read}, nil
}

func migrate(db *sql.DB, migrations []Migration, progress ProgressFunc) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("cobcache: read user_version: %w", err)
	}

	total := len(migrations)
	for i, m := range migrations {
		if m.Version <= current {
			continue
		}
		if progress != nil {
			cf := progress(Progress{Current: i + 1, Total: total, Detail: fmt.Sprintf("migration %d", m.Version)}, Progress{})
			if cf == Abort {
				return fmt.Errorf("cobcache: migration aborted by caller before version %d", m.Version)
			}
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("cobcache: begin migration %d: %w", m.Version, err)
		}
		if err := m.Apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("cobcache: apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, m.Version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("cobcache: bump user_version to %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("cobcache: commit migration %d: %w", m.Version, err)
		}
		current = m.Version
	}
	return nil
}

func (s *Store) Close() error {
	err1 := s.write.Close()
	err2 := s.read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Updater is the write-through upsert interface of §4.4's `Update<T>`
// trait: update reports whether the stored row actually changed.
type Updater[T Stateful] interface {
	Update(ctx context.Context, rid, id string, state T) (changed bool, err error)
}

// Remover is §4.4's `Remove<T>` trait: delete projections when the
// source COB vanishes.
type Remover[T Stateful] interface {
	Remove(ctx context.Context, id string) error
	RemoveAll(ctx context.Context, rid string) error
}

// Projection is the generic read/write projection for one COB type,
// implementing Updater[T], Remover[T], and the Issues/Patches/Identities
// read API (get/list/counts/is_empty) in one body parameterized by T.
type Projection[T Stateful] struct {
	store    *Store
	typeName string
}

// NewProjection binds a Projection to one COB type name within a shared
// cache Store.
func NewProjection[T Stateful](store *Store, typeName string) *Projection[T] {
	return &Projection[T]{store: store, typeName: typeName}
}

// Update upserts state for (rid, id); it reports changed=true only when
// the stored payload actually differs from what was already there
// (read-before-write inside one transaction on the cache's single write
// connection, so concurrent Update calls cannot interleave).
func (p *Projection[T]) Update(ctx context.Context, rid, id string, state T) (bool, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("cobcache: update: marshal: %w", err)
	}
	label := state.StateLabel()

	tx, err := p.store.write.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("cobcache: update: %w", err)
	}
	defer tx.Rollback()

	var prior sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM cob_projections WHERE type = ? AND rid = ? AND object_id = ?`,
		p.typeName, rid, id,
	).Scan(&prior)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("cobcache: update: %w", err)
	}

	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cob_projections (type, rid, object_id, state, payload) VALUES (?, ?, ?, ?, ?)`,
			p.typeName, rid, id, label, string(payload),
		); err != nil {
			return false, fmt.Errorf("cobcache: update: insert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("cobcache: update: %w", err)
		}
		return true, nil
	}

	if prior.String == string(payload) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE cob_projections SET state = ?, payload = ? WHERE type = ? AND rid = ? AND object_id = ?`,
		label, string(payload), p.typeName, rid, id,
	); err != nil {
		return false, fmt.Errorf("cobcache: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("cobcache: update: %w", err)
	}
	return true, nil
}

// Remove deletes the projection for id, regardless of rid.
func (p *Projection[T]) Remove(ctx context.Context, id string) error {
	_, err := p.store.write.ExecContext(ctx,
		`DELETE FROM cob_projections WHERE type = ? AND object_id = ?`, p.typeName, id)
	if err != nil {
		return fmt.Errorf("cobcache: remove: %w", err)
	}
	return nil
}

// RemoveAll deletes every projection of this type under rid.
func (p *Projection[T]) RemoveAll(ctx context.Context, rid string) error {
	_, err := p.store.write.ExecContext(ctx,
		`DELETE FROM cob_projections WHERE type = ? AND rid = ?`, p.typeName, rid)
	if err != nil {
		return fmt.Errorf("cobcache: remove_all: %w", err)
	}
	return nil
}

// Get returns the materialized state for id, if a projection exists.
func (p *Projection[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var zero T
	var payload string
	err := p.store.read.QueryRowContext(ctx,
		`SELECT payload FROM cob_projections WHERE type = ? AND object_id = ?`, p.typeName, id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cobcache: get: %w", err)
	}
	var state T
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return zero, false, fmt.Errorf("cobcache: get: unmarshal: %w", err)
	}
	return state, true, nil
}

// List returns every projection of this type under rid.
func (p *Projection[T]) List(ctx context.Context, rid string) ([]T, error) {
	rows, err := p.store.read.QueryContext(ctx,
		`SELECT payload FROM cob_projections WHERE type = ? AND rid = ? ORDER BY object_id`, p.typeName, rid)
	if err != nil {
		return nil, fmt.Errorf("cobcache: list: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("cobcache: list: scan: %w", err)
		}
		var state T
		if err := json.Unmarshal([]byte(payload), &state); err != nil {
			return nil, fmt.Errorf("cobcache: list: unmarshal: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// Counts returns a group-by-state count of every projection of this type
// under rid, per §4.4's `counts()`.
func (p *Projection[T]) Counts(ctx context.Context, rid string) (map[string]int, error) {
	rows, err := p.store.read.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM cob_projections WHERE type = ? AND rid = ? GROUP BY state`, p.typeName, rid)
	if err != nil {
		return nil, fmt.Errorf("cobcache: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("cobcache: counts: scan: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

// IsEmpty reports whether rid has no projections of this type.
func (p *Projection[T]) IsEmpty(ctx context.Context, rid string) (bool, error) {
	var n int
	err := p.store.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cob_projections WHERE type = ? AND rid = ?`, p.typeName, rid,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("cobcache: is_empty: %w", err)
	}
	return n == 0, nil
}

// RebuildSource is anything write_all can iterate to re-fold every COB of
// this projection's type under a given rid — provided by the caller's
// fetch/storage layer, kept abstract here since cobcache has no opinion
// about how COBs are enumerated.
type RebuildSource[T Stateful] func(ctx context.Context) (map[string]map[string]T, error) // rid -> object-id -> state

// WriteAll implements §4.4's rebuild: iterate every COB of this
// projection's type, re-fold (already done by the caller via source),
// and upsert into the cache. progress reports per-item status and may
// short-circuit the rebuild.
func (p *Projection[T]) WriteAll(ctx context.Context, source RebuildSource[T], progress ProgressFunc) error {
	all, err := source(ctx)
	if err != nil {
		return fmt.Errorf("cobcache: write_all: enumerate: %w", err)
	}

	total := 0
	for _, objs := range all {
		total += len(objs)
	}
	done := 0
	for rid, objs := range all {
		for id, state := range objs {
			if progress != nil {
				cf := progress(Progress{}, Progress{Current: done + 1, Total: total, Detail: fmt.Sprintf("%s/%s", rid, id)})
				if cf == Abort {
					return fmt.Errorf("cobcache: write_all: aborted by caller at %d/%d", done, total)
				}
			}
			if _, err := p.Update(ctx, rid, id, state); err != nil {
				return fmt.Errorf("cobcache: write_all: update %s/%s: %w", rid, id, err)
			}
			done++
		}
	}
	return nil
}
