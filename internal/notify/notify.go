// Package notify implements the notification journal of §3: a durable log
// of ref-update events a user-facing client can page through, stored
// alongside the routing/policy databases (node/notifications.db, §6).
package notify

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	rid        TEXT NOT NULL,
	ref_update TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	status     TEXT NOT NULL,
	remote     TEXT
);
CREATE INDEX IF NOT EXISTS notifications_rid_idx ON notifications(rid);
`

// Status is a notification's read/unread state.
type Status string

const (
	Unread Status = "unread"
	Read   Status = "read"
)

// Notification is one row of the journal, per §3's
// (id, repo, ref-update, timestamp, status, remote?) tuple.
type Notification struct {
	ID        int64
	Repo      types.RID
	RefUpdate string
	Timestamp int64
	Status    Status
	Remote    *types.NID
}

// Journal is the SQL-backed notification journal.
type Journal struct {
	write *sql.DB
	read  *sql.DB
}

func Open(path string) (*Journal, error) {
	write, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=6000", path))
	if err != nil {
		return nil, fmt.Errorf("notify: open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=3000", path))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("notify: open read db: %w", err)
	}
	read.SetMaxOpenConns(4)

	if _, err := write.Exec(schema); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("notify: migrate: %w", err)
	}
	return &Journal{write: write, read: read}, nil
}

func (j *Journal) Close() error {
	err1 := j.write.Close()
	err2 := j.read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Post appends a new notification, defaulting its status to Unread.
func (j *Journal) Post(ctx context.Context, repo types.RID, refUpdate string, ts int64, remote *types.NID) (int64, error) {
	var remoteS sql.NullString
	if remote != nil {
		remoteS = sql.NullString{String: remote.String(), Valid: true}
	}
	res, err := j.write.ExecContext(ctx,
		`INSERT INTO notifications (rid, ref_update, timestamp, status, remote) VALUES (?, ?, ?, ?, ?)`,
		repo.String(), refUpdate, ts, string(Unread), remoteS,
	)
	if err != nil {
		return 0, fmt.Errorf("notify: post: %w", err)
	}
	return res.LastInsertId()
}

// MarkRead flips a notification's status to Read. Returns whether it was
// previously unread (i.e. whether this call actually changed anything).
func (j *Journal) MarkRead(ctx context.Context, id int64) (bool, error) {
	res, err := j.write.ExecContext(ctx,
		`UPDATE notifications SET status = ? WHERE id = ? AND status = ?`,
		string(Read), id, string(Unread),
	)
	if err != nil {
		return false, fmt.Errorf("notify: mark_read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("notify: mark_read: %w", err)
	}
	return n > 0, nil
}

func scanRow(row *sql.Rows) (Notification, error) {
	var n Notification
	var ridS string
	var status string
	var remoteS sql.NullString
	if err := row.Scan(&n.ID, &ridS, &n.RefUpdate, &n.Timestamp, &status, &remoteS); err != nil {
		return n, err
	}
	rid, err := types.ParseRID(ridS)
	if err != nil {
		return n, err
	}
	n.Repo = rid
	n.Status = Status(status)
	if remoteS.Valid {
		nid, err := types.ParseNID(remoteS.String)
		if err != nil {
			return n, err
		}
		n.Remote = &nid
	}
	return n, nil
}

// ForRepo returns every notification for repo, ordered by timestamp.
func (j *Journal) ForRepo(ctx context.Context, repo types.RID) ([]Notification, error) {
	rows, err := j.read.QueryContext(ctx,
		`SELECT id, rid, ref_update, timestamp, status, remote FROM notifications WHERE rid = ? ORDER BY timestamp`,
		repo.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: for_repo: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		n, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("notify: for_repo: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Unread returns every unread notification, ordered by timestamp.
func (j *Journal) Unread(ctx context.Context) ([]Notification, error) {
	rows, err := j.read.QueryContext(ctx,
		`SELECT id, rid, ref_update, timestamp, status, remote FROM notifications WHERE status = ? ORDER BY timestamp`,
		string(Unread),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: unread: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		n, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("notify: unread: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
