package anchor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/anchor/internal/dataset"
	"github.com/ILLUVRSE/anchor/internal/merkle"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS leaderboard_entries (
  tenant_id text NOT NULL,
  player_id text NOT NULL,
  elo_rating bigint,
  rank bigint,
  match_count bigint,
  updated_at timestamptz,
  PRIMARY KEY (tenant_id, player_id)
);

CREATE TABLE IF NOT EXISTS leaderboard_entry_versions (
  version_id bigserial PRIMARY KEY,
  tenant_id text NOT NULL,
  player_id text NOT NULL,
  elo_rating bigint,
  rank bigint,
  match_count bigint,
  updated_at timestamptz,
  deleted boolean NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS leaderboard_entry_versions_key_idx
  ON leaderboard_entry_versions (tenant_id, player_id, updated_at DESC);

CREATE OR REPLACE FUNCTION leaderboard_entries_record_version() RETURNS trigger AS $$
BEGIN
  IF TG_OP = 'DELETE' THEN
    INSERT INTO leaderboard_entry_versions (tenant_id, player_id, elo_rating, rank, match_count, updated_at, deleted)
    VALUES (OLD.tenant_id, OLD.player_id, OLD.elo_rating, OLD.rank, OLD.match_count, now(), true);
    RETURN OLD;
  END IF;
  INSERT INTO leaderboard_entry_versions (tenant_id, player_id, elo_rating, rank, match_count, updated_at, deleted)
  VALUES (NEW.tenant_id, NEW.player_id, NEW.elo_rating, NEW.rank, NEW.match_count, NEW.updated_at, false);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS leaderboard_entries_version ON leaderboard_entries;
CREATE TRIGGER leaderboard_entries_version
  AFTER INSERT OR UPDATE OR DELETE ON leaderboard_entries
  FOR EACH ROW EXECUTE FUNCTION leaderboard_entries_record_version();

CREATE TABLE IF NOT EXISTS audit_anchor (
  seq bigserial PRIMARY KEY,
  tree_version text NOT NULL,
  merkle_root bytea NOT NULL,
  prev_root bytea,
  node_count integer NOT NULL,
  snapshot_at timestamptz NOT NULL,
  jws text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_anchor_tv_seq_idx ON audit_anchor (tree_version, seq);
CREATE INDEX IF NOT EXISTS audit_anchor_tv_snapshot_idx ON audit_anchor (tree_version, snapshot_at);

CREATE OR REPLACE FUNCTION audit_anchor_append_only() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION 'audit_anchor is append-only (% rejected)', TG_OP
    USING ERRCODE = 'insufficient_privilege';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_anchor_no_mutation ON audit_anchor;
CREATE TRIGGER audit_anchor_no_mutation
  BEFORE UPDATE OR DELETE ON audit_anchor
  FOR EACH ROW EXECUTE FUNCTION audit_anchor_append_only();

CREATE TABLE IF NOT EXISTS anchor_signers (
  key_id text PRIMARY KEY,
  algorithm text NOT NULL,
  public_key text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
`

const (
	pgAnchorColumns = `seq, tree_version, merkle_root, prev_root, node_count, snapshot_at, jws`

	pgRecordsQuery = `
SELECT tenant_id, player_id, elo_rating, rank, match_count, updated_at
FROM leaderboard_entries
ORDER BY tenant_id COLLATE "C", player_id COLLATE "C"`

	pgRecordsAsOfCurrent = `
SELECT tenant_id, player_id, elo_rating, rank, match_count, updated_at
FROM leaderboard_entries
WHERE updated_at <= $1
ORDER BY tenant_id COLLATE "C", player_id COLLATE "C"`

	pgRecordsAsOfHistory = `
SELECT tenant_id, player_id, elo_rating, rank, match_count, updated_at
FROM (
  SELECT DISTINCT ON (tenant_id, player_id)
    tenant_id, player_id, elo_rating, rank, match_count, updated_at, deleted
  FROM leaderboard_entry_versions
  WHERE updated_at <= $1
  ORDER BY tenant_id, player_id, updated_at DESC, version_id DESC
) v
WHERE NOT deleted
ORDER BY tenant_id COLLATE "C", player_id COLLATE "C"`
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	db   *sql.DB
	opts Options
}

// OpenPGStore opens a Postgres connection pool and verifies connectivity.
func OpenPGStore(ctx context.Context, dsn string, opts Options) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, storeErr("open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := NewPGStore(db, opts)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStore wraps an existing pool.
func NewPGStore(db *sql.DB, opts Options) *PGStore {
	return &PGStore{db: db, opts: opts.withDefaults()}
}

// DB exposes the underlying pool.
func (p *PGStore) DB() *sql.DB { return p.db }

// EnsureSchema creates tables, indexes and triggers if they do not exist.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, pgSchema); err != nil {
		return storeErr("ensure schema", err)
	}
	return nil
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	return storeErr("ping", p.db.PingContext(ctx))
}

// Close closes the pool.
func (p *PGStore) Close() error {
	return p.db.Close()
}

// BeginAnchor takes a session-level advisory lock for treeVersion on a
// dedicated connection and only then starts a REPEATABLE READ transaction,
// so the transaction snapshot always includes the previous writer's commit.
func (p *PGStore) BeginAnchor(ctx context.Context, treeVersion string) (Tx, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, storeErr("acquire connection", err)
	}
	t := &pgTx{conn: conn, treeVersion: treeVersion, lockKey: "audit_anchor:" + treeVersion}

	lctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	_, err = conn.ExecContext(lctx, `SELECT pg_advisory_lock(hashtext($1))`, t.lockKey)
	cancel()
	if err != nil {
		// The lock may have been granted just before cancellation.
		discard(conn)
		return nil, storeErr("advisory lock", err)
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		t.release()
		return nil, storeErr("begin", err)
	}
	t.tx = tx

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", p.opts.Timeout.Milliseconds())); err != nil {
		_ = t.Rollback()
		return nil, storeErr("set statement_timeout", err)
	}
	return t, nil
}

// Scan returns anchors of treeVersion with snapshot_at >= since, by seq.
func (p *PGStore) Scan(ctx context.Context, treeVersion string, since time.Time) ([]Anchor, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	q := `SELECT ` + pgAnchorColumns + ` FROM audit_anchor WHERE tree_version=$1 AND snapshot_at >= $2 ORDER BY seq ASC`
	rows, err := p.db.QueryContext(ctx, q, treeVersion, since.UTC())
	if err != nil {
		return nil, storeErr("scan anchors", err)
	}
	defer rows.Close()

	var out []Anchor
	for rows.Next() {
		a, err := scanPGAnchor(rows)
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

// Before returns the anchor preceding seq in treeVersion, or nil.
func (p *PGStore) Before(ctx context.Context, treeVersion string, seq int64) (*Anchor, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	q := `SELECT ` + pgAnchorColumns + ` FROM audit_anchor WHERE tree_version=$1 AND seq < $2 ORDER BY seq DESC LIMIT 1`
	a, err := scanPGAnchor(p.db.QueryRowContext(ctx, q, treeVersion, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("previous anchor", err)
	}
	return a, nil
}

// RecordsAsOf reconstructs the dataset at t according to the store's AsOfMode.
func (p *PGStore) RecordsAsOf(ctx context.Context, t time.Time) ([]dataset.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	q := pgRecordsAsOfCurrent
	if p.opts.AsOf == AsOfHistory {
		q = pgRecordsAsOfHistory
	}
	recs, err := queryPGRecords(ctx, p.db, q, t.UTC())
	if err != nil {
		return nil, storeErr("records as of", err)
	}
	return recs, nil
}

func queryPGRecords(ctx context.Context, q querier, query string, args ...any) ([]dataset.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]dataset.Record, 0)
	for rows.Next() {
		var r dataset.Row
		if err := rows.Scan(r.Dest()...); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
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

func scanPGAnchor(r rowScanner) (*Anchor, error) {
	var (
		seq       int64
		tv, token string
		root      []byte
		prev      []byte
		nodeCount int64
		snap      time.Time
	)
	if err := r.Scan(&seq, &tv, &root, &prev, &nodeCount, &snap, &token); err != nil {
		return nil, err
	}
	return anchorFromColumns(seq, tv, root, prev, nodeCount, snap, token)
}

func anchorFromColumns(seq int64, tv string, root, prev []byte, nodeCount int64, snap time.Time, token string) (*Anchor, error) {
	d, err := merkle.FromBytes(root)
	if err != nil {
		return nil, fmt.Errorf("anchor %d merkle_root: %w", seq, err)
	}
	a := &Anchor{
		Seq:         seq,
		TreeVersion: tv,
		Root:        d,
		NodeCount:   int(nodeCount),
		SnapshotAt:  snap.UTC(),
		Token:       token,
	}
	if prev != nil {
		pd, err := merkle.FromBytes(prev)
		if err != nil {
			return nil, fmt.Errorf("anchor %d prev_root: %w", seq, err)
		}
		a.PrevRoot = &pd
	}
	return a, nil
}

func prevRootArg(a *Anchor) any {
	if a.PrevRoot == nil {
		return nil
	}
	return (*a.PrevRoot)[:]
}

type pgTx struct {
	conn        *sql.Conn
	tx          *sql.Tx
	treeVersion string
	lockKey     string
	done        bool
}

// Clock runs the transaction's first snapshot-taking statement. The snapshot
// is fixed when the statement starts and clock_timestamp() is evaluated after.
func (t *pgTx) Clock(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := t.tx.QueryRowContext(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, storeErr("read clock", err)
	}
	return now.UTC(), nil
}

func (t *pgTx) Records(ctx context.Context) ([]dataset.Record, error) {
	recs, err := queryPGRecords(ctx, t.tx, pgRecordsQuery)
	if err != nil {
		return nil, storeErr("read records", err)
	}
	return recs, nil
}

func (t *pgTx) Head(ctx context.Context) (*Anchor, error) {
	q := `SELECT ` + pgAnchorColumns + ` FROM audit_anchor WHERE tree_version=$1 ORDER BY seq DESC LIMIT 1`
	a, err := scanPGAnchor(t.tx.QueryRowContext(ctx, q, t.treeVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("head anchor", err)
	}
	return a, nil
}

func (t *pgTx) Append(ctx context.Context, a *Anchor) (int64, error) {
	q := `
		INSERT INTO audit_anchor (tree_version, merkle_root, prev_root, node_count, snapshot_at, jws)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`
	var seq int64
	err := t.tx.QueryRowContext(ctx, q,
		a.TreeVersion,
		a.Root[:],
		prevRootArg(a),
		a.NodeCount,
		a.SnapshotAt.UTC(),
		a.Token,
	).Scan(&seq)
	if err != nil {
		return 0, storeErr("insert anchor", err)
	}
	return seq, nil
}

func (t *pgTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Commit()
	t.release()
	return storeErr("commit", err)
}

func (t *pgTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	t.release()
	if errors.Is(err, sql.ErrTxDone) {
		err = nil
	}
	return storeErr("rollback", err)
}

// release drops the advisory lock and returns the connection to the pool.
// A connection whose lock state is unknown is discarded instead.
func (t *pgTx) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var unlocked bool
	err := t.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, t.lockKey).Scan(&unlocked)
	if err != nil || !unlocked {
		log.Printf("[anchor.pg] advisory unlock tree_version=%s failed (unlocked=%v): %v; discarding connection", t.treeVersion, unlocked, err)
		discard(t.conn)
		return
	}
	_ = t.conn.Close()
}

// discard closes conn and tells the pool not to reuse it, which also ends
// the session and any advisory locks it holds.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}
