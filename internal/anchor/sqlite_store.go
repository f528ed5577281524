package anchor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ILLUVRSE/anchor/internal/dataset"
)

// Timestamps are stored as INTEGER unix nanoseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS leaderboard_entries (
  tenant_id   TEXT NOT NULL,
  player_id   TEXT NOT NULL,
  elo_rating  INTEGER,
  rank        INTEGER,
  match_count INTEGER,
  updated_at  INTEGER,
  PRIMARY KEY (tenant_id, player_id)
);

CREATE TABLE IF NOT EXISTS leaderboard_entry_versions (
  version_id  INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id   TEXT NOT NULL,
  player_id   TEXT NOT NULL,
  elo_rating  INTEGER,
  rank        INTEGER,
  match_count INTEGER,
  updated_at  INTEGER,
  deleted     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS leaderboard_entry_versions_key_idx
  ON leaderboard_entry_versions (tenant_id, player_id, updated_at);

CREATE TRIGGER IF NOT EXISTS leaderboard_entries_version_ins AFTER INSERT ON leaderboard_entries
BEGIN
  INSERT INTO leaderboard_entry_versions (tenant_id, player_id, elo_rating, rank, match_count, updated_at, deleted)
  VALUES (NEW.tenant_id, NEW.player_id, NEW.elo_rating, NEW.rank, NEW.match_count, NEW.updated_at, 0);
END;
CREATE TRIGGER IF NOT EXISTS leaderboard_entries_version_upd AFTER UPDATE ON leaderboard_entries
BEGIN
  INSERT INTO leaderboard_entry_versions (tenant_id, player_id, elo_rating, rank, match_count, updated_at, deleted)
  VALUES (NEW.tenant_id, NEW.player_id, NEW.elo_rating, NEW.rank, NEW.match_count, NEW.updated_at, 0);
END;
CREATE TRIGGER IF NOT EXISTS leaderboard_entries_version_del AFTER DELETE ON leaderboard_entries
BEGIN
  INSERT INTO leaderboard_entry_versions (tenant_id, player_id, elo_rating, rank, match_count, updated_at, deleted)
  VALUES (OLD.tenant_id, OLD.player_id, OLD.elo_rating, OLD.rank, OLD.match_count,
          CAST((julianday('now') - 2440587.5) * 86400000000000 AS INTEGER), 1);
END;

CREATE TABLE IF NOT EXISTS audit_anchor (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  tree_version TEXT    NOT NULL,
  merkle_root  BLOB    NOT NULL,
  prev_root    BLOB,
  node_count   INTEGER NOT NULL,
  snapshot_at  INTEGER NOT NULL,
  jws          TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_anchor_tv_seq_idx ON audit_anchor (tree_version, seq);
CREATE INDEX IF NOT EXISTS audit_anchor_tv_snapshot_idx ON audit_anchor (tree_version, snapshot_at);

CREATE TRIGGER IF NOT EXISTS audit_anchor_no_update BEFORE UPDATE ON audit_anchor
BEGIN
  SELECT RAISE(ABORT, 'audit_anchor is append-only');
END;
CREATE TRIGGER IF NOT EXISTS audit_anchor_no_delete BEFORE DELETE ON audit_anchor
BEGIN
  SELECT RAISE(ABORT, 'audit_anchor is append-only');
END;
`

const (
	sqliteAnchorColumns = `seq, tree_version, merkle_root, prev_root, node_count, snapshot_at, jws`

	sqliteRecordsQuery = `
SELECT tenant_id, player_id, elo_rating, rank, match_count, updated_at
FROM leaderboard_entries
ORDER BY tenant_id, player_id`

	sqliteRecordsAsOfCurrent = `
SELECT tenant_id, player_id, elo_rating, rank, match_count, updated_at
FROM leaderboard_entries
WHERE updated_at <= ?
ORDER BY tenant_id, player_id`

	sqliteRecordsAsOfHistory = `
SELECT tenant_id, player_id, elo_rating, rank, match_count, updated_at
FROM (
  SELECT tenant_id, player_id, elo_rating, rank, match_count, updated_at, deleted,
         ROW_NUMBER() OVER (PARTITION BY tenant_id, player_id ORDER BY updated_at DESC, version_id DESC) AS rn
  FROM leaderboard_entry_versions
  WHERE updated_at <= ?
)
WHERE rn = 1 AND deleted = 0
ORDER BY tenant_id, player_id`
)

// SQLiteStore implements Store on a single SQLite file. All access goes
// through one connection and writer transactions begin IMMEDIATE, so writers
// in other processes wait on the database lock.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// OpenSQLiteStore opens or creates the database at path and installs the schema.
func OpenSQLiteStore(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += fmt.Sprintf("?_txlock=immediate&_pragma=busy_timeout(%d)", opts.Timeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storeErr("ping", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, storeErr(fmt.Sprintf("set %s", p), err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, storeErr("ensure schema", err)
	}
	return &SQLiteStore{db: db, opts: opts}, nil
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) BeginAnchor(ctx context.Context, treeVersion string) (Tx, error) {
	// SQLite transactions are serializable; _txlock=immediate takes the write
	// lock at BEGIN.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	return &sqliteTx{tx: tx, treeVersion: treeVersion, now: s.opts.Now}, nil
}

func (s *SQLiteStore) Scan(ctx context.Context, treeVersion string, since time.Time) ([]Anchor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	q := `SELECT ` + sqliteAnchorColumns + ` FROM audit_anchor WHERE tree_version = ? AND snapshot_at >= ? ORDER BY seq ASC`
	sinceNanos := int64(math.MinInt64)
	if !since.IsZero() {
		sinceNanos = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, q, treeVersion, sinceNanos)
	if err != nil {
		return nil, storeErr("scan anchors", err)
	}
	defer rows.Close()

	var out []Anchor
	for rows.Next() {
		a, err := scanSQLiteAnchor(rows)
		if err != nil {
			return nil, storeErr("scan anchors", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan anchors", err)
	}
	return out, nil
}

func (s *SQLiteStore) Before(ctx context.Context, treeVersion string, seq int64) (*Anchor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	q := `SELECT ` + sqliteAnchorColumns + ` FROM audit_anchor WHERE tree_version = ? AND seq < ? ORDER BY seq DESC LIMIT 1`
	a, err := scanSQLiteAnchor(s.db.QueryRowContext(ctx, q, treeVersion, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("previous anchor", err)
	}
	return a, nil
}

func (s *SQLiteStore) RecordsAsOf(ctx context.Context, t time.Time) ([]dataset.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	q := sqliteRecordsAsOfCurrent
	if s.opts.AsOf == AsOfHistory {
		q = sqliteRecordsAsOfHistory
	}
	recs, err := querySQLiteRecords(ctx, s.db, q, t.UnixNano())
	if err != nil {
		return nil, storeErr("records as of", err)
	}
	return recs, nil
}

func querySQLiteRecords(ctx context.Context, q querier, query string, args ...any) ([]dataset.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]dataset.Record, 0)
	for rows.Next() {
		var (
			r         dataset.Row
			updatedAt sql.NullInt64
		)
		if err := rows.Scan(&r.Tenant, &r.Player, &r.Elo, &r.Rank, &r.Matches, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if updatedAt.Valid {
			r.UpdatedAt = sql.NullTime{Time: time.Unix(0, updatedAt.Int64).UTC(), Valid: true}
		}
		rec, err := r.Record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ordered(recs)
}

func scanSQLiteAnchor(r rowScanner) (*Anchor, error) {
	var (
		seq       int64
		tv, token string
		root      []byte
		prev      []byte
		nodeCount int64
		snapNanos int64
	)
	if err := r.Scan(&seq, &tv, &root, &prev, &nodeCount, &snapNanos, &token); err != nil {
		return nil, err
	}
	return anchorFromColumns(seq, tv, root, prev, nodeCount, time.Unix(0, snapNanos), token)
}

type sqliteTx struct {
	tx          *sql.Tx
	treeVersion string
	now         func() time.Time
	done        bool
}

// Clock reads the host clock. BEGIN IMMEDIATE already holds the write lock,
// so nothing can commit between the snapshot and this call.
func (t *sqliteTx) Clock(ctx context.Context) (time.Time, error) {
	return t.now().UTC(), nil
}

func (t *sqliteTx) Records(ctx context.Context) ([]dataset.Record, error) {
	recs, err := querySQLiteRecords(ctx, t.tx, sqliteRecordsQuery)
	if err != nil {
		return nil, storeErr("read records", err)
	}
	return recs, nil
}

func (t *sqliteTx) Head(ctx context.Context) (*Anchor, error) {
	q := `SELECT ` + sqliteAnchorColumns + ` FROM audit_anchor WHERE tree_version = ? ORDER BY seq DESC LIMIT 1`
	a, err := scanSQLiteAnchor(t.tx.QueryRowContext(ctx, q, t.treeVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("head anchor", err)
	}
	return a, nil
}

func (t *sqliteTx) Append(ctx context.Context, a *Anchor) (int64, error) {
	q := `INSERT INTO audit_anchor (tree_version, merkle_root, prev_root, node_count, snapshot_at, jws)
	      VALUES (?, ?, ?, ?, ?, ?) RETURNING seq`
	var seq int64
	err := t.tx.QueryRowContext(ctx, q,
		a.TreeVersion,
		a.Root[:],
		prevRootArg(a),
		a.NodeCount,
		a.SnapshotAt.UnixNano(),
		a.Token,
	).Scan(&seq)
	if err != nil {
		return 0, storeErr("insert anchor", err)
	}
	return seq, nil
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return storeErr("commit", t.tx.Commit())
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		err = nil
	}
	return storeErr("rollback", err)
}
