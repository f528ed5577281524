package anchor

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/anchor/internal/merkle"
	"github.com/ILLUVRSE/anchor/internal/signer"
)

var recordColumns = []string{"tenant_id", "player_id", "elo_rating", "rank", "match_count", "updated_at"}
var anchorColumns = []string{"seq", "tree_version", "merkle_root", "prev_root", "node_count", "snapshot_at", "jws"}

func newMockPGStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db, Options{Timeout: 5 * time.Second}), mock
}

func expectBeginAnchor(mock sqlmock.Sqlmock, tv string) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock(hashtext($1))")).
		WithArgs("audit_anchor:" + tv).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = 5000")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectClock(mock sqlmock.Sqlmock, now time.Time) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT clock_timestamp()")).
		WillReturnRows(sqlmock.NewRows([]string{"clock_timestamp"}).AddRow(now))
}

func expectUnlock(mock sqlmock.Sqlmock, tv string) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock(hashtext($1))")).
		WithArgs("audit_anchor:" + tv).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
}

func TestPGWriterLocksBeforeSnapshotAndUnlocksAfterCommit(t *testing.T) {
	store, mock := newMockPGStore(t)
	at := t0.Add(-time.Hour)

	expectBeginAnchor(mock, "v1")
	expectClock(mock, t0)
	mock.ExpectQuery("FROM leaderboard_entries").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("t1", "p1", int64(1500), int64(2), int64(42), at).
			AddRow("t1", "p2", int64(1620), int64(1), int64(40), at))
	mock.ExpectQuery("FROM audit_anchor WHERE tree_version=\\$1 ORDER BY seq DESC LIMIT 1").
		WithArgs("v1").
		WillReturnRows(sqlmock.NewRows(anchorColumns))
	mock.ExpectQuery("INSERT INTO audit_anchor").
		WithArgs("v1", sqlmock.AnyArg(), nil, 2, t0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))
	mock.ExpectCommit()
	expectUnlock(mock, "v1")

	w := newTestWriter(store, signer.NewEphemeralSigner(testKID), &testClock{now: t0}, nil)
	res, err := w.WriteAnchor(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Seq)
	assert.Equal(t, 2, res.NodeCount)
	assert.Nil(t, res.PrevRoot)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGWriterChainsToHead(t *testing.T) {
	store, mock := newMockPGStore(t)
	prevRoot := merkle.HashLeaf([]byte("prev"))

	expectBeginAnchor(mock, "v1")
	expectClock(mock, t0)
	mock.ExpectQuery("FROM leaderboard_entries").WillReturnRows(sqlmock.NewRows(recordColumns))
	mock.ExpectQuery("FROM audit_anchor WHERE tree_version").
		WithArgs("v1").
		WillReturnRows(sqlmock.NewRows(anchorColumns).
			AddRow(int64(3), "v1", prevRoot[:], nil, int64(0), t0.Add(-time.Hour), "h.p.s"))
	mock.ExpectQuery("INSERT INTO audit_anchor").
		WithArgs("v1", merkle.EmptyRoot[:], prevRoot[:], 0, t0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(4)))
	mock.ExpectCommit()
	expectUnlock(mock, "v1")

	w := newTestWriter(store, signer.NewEphemeralSigner(testKID), &testClock{now: t0}, nil)
	res, err := w.WriteAnchor(context.Background(), "v1")
	require.NoError(t, err)
	require.NotNil(t, res.PrevRoot)
	assert.Equal(t, prevRoot, *res.PrevRoot)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGWriterRollsBackOnSerializationFailure(t *testing.T) {
	store, mock := newMockPGStore(t)

	expectBeginAnchor(mock, "v1")
	expectClock(mock, t0)
	mock.ExpectQuery("FROM leaderboard_entries").WillReturnRows(sqlmock.NewRows(recordColumns))
	mock.ExpectQuery("FROM audit_anchor WHERE tree_version").WillReturnRows(sqlmock.NewRows(anchorColumns))
	mock.ExpectQuery("INSERT INTO audit_anchor").
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()
	expectUnlock(mock, "v1")

	w := newTestWriter(store, signer.NewEphemeralSigner(testKID), &testClock{now: t0}, nil)
	_, err := w.WriteAnchor(context.Background(), "v1")
	require.Error(t, err)

	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "40001", se.Code)
	assert.Equal(t, "insert anchor", se.Op)
	assert.True(t, Retryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGWriterTakesSnapshotFromDatabaseClock(t *testing.T) {
	store, mock := newMockPGStore(t)
	dbNow := t0.Add(2*time.Second + 700*time.Nanosecond)
	want := t0.Add(2 * time.Second)

	expectBeginAnchor(mock, "v1")
	expectClock(mock, dbNow)
	mock.ExpectQuery("FROM leaderboard_entries").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("t1", "p1", int64(1500), int64(2), int64(42), t0.Add(time.Second)))
	mock.ExpectQuery("FROM audit_anchor WHERE tree_version").WillReturnRows(sqlmock.NewRows(anchorColumns))
	mock.ExpectQuery("INSERT INTO audit_anchor").
		WithArgs("v1", sqlmock.AnyArg(), nil, 1, want, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
	mock.ExpectCommit()
	expectUnlock(mock, "v1")

	// the host clock lags the database by an hour and must not be used
	w := newTestWriter(store, signer.NewEphemeralSigner(testKID), &testClock{now: t0.Add(-time.Hour)}, nil)
	res, err := w.WriteAnchor(context.Background(), "v1")
	require.NoError(t, err)
	assert.True(t, res.SnapshotAt.Equal(want))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGBeginAnchorLockFailure(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectExec("pg_advisory_lock").
		WillReturnError(&pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"})

	_, err := store.BeginAnchor(context.Background(), "v1")
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "advisory lock", se.Op)
	assert.True(t, se.Transient)
}

func TestPGRecordsNullFieldIsSchemaError(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectQuery("FROM leaderboard_entries").
		WithArgs(t0).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("t1", "p1", nil, int64(1), int64(1), t0))

	_, err := store.RecordsAsOf(context.Background(), t0)
	require.Error(t, err)
	var se *StoreError
	assert.False(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "elo")
}

func TestPGRecordsAsOfModes(t *testing.T) {
	for _, tc := range []struct {
		mode  AsOfMode
		query string
	}{
		{AsOfCurrent, "FROM leaderboard_entries\nWHERE updated_at <= $1"},
		{AsOfHistory, "FROM leaderboard_entry_versions"},
	} {
		t.Run(string(tc.mode), func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			store := NewPGStore(db, Options{AsOf: tc.mode})

			mock.ExpectQuery(regexp.QuoteMeta(tc.query)).
				WithArgs(t0).
				WillReturnRows(sqlmock.NewRows(recordColumns).
					AddRow("t2", "a", int64(1), int64(1), int64(1), t0).
					AddRow("t1", "b", int64(1), int64(1), int64(1), t0))

			recs, err := store.RecordsAsOf(context.Background(), t0)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "t1", recs[0].Tenant)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPGScanAndBefore(t *testing.T) {
	store, mock := newMockPGStore(t)
	r1 := merkle.HashLeaf([]byte("1"))
	r2 := merkle.HashLeaf([]byte("2"))

	mock.ExpectQuery("snapshot_at >= \\$2 ORDER BY seq ASC").
		WithArgs("v1", t0).
		WillReturnRows(sqlmock.NewRows(anchorColumns).
			AddRow(int64(2), "v1", r2[:], r1[:], int64(5), t0.Add(time.Hour), "tok2"))
	mock.ExpectQuery("seq < \\$2 ORDER BY seq DESC LIMIT 1").
		WithArgs("v1", int64(2)).
		WillReturnRows(sqlmock.NewRows(anchorColumns).
			AddRow(int64(1), "v1", r1[:], nil, int64(4), t0.Add(-time.Hour), "tok1"))

	anchors, err := store.Scan(context.Background(), "v1", t0)
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, r2, anchors[0].Root)
	require.NotNil(t, anchors[0].PrevRoot)
	assert.Equal(t, r1, *anchors[0].PrevRoot)

	prev, err := store.Before(context.Background(), "v1", 2)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Nil(t, prev.PrevRoot)
	assert.Equal(t, "tok1", prev.Token)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGBeforeGenesis(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectQuery("seq < \\$2").WillReturnRows(sqlmock.NewRows(anchorColumns))

	prev, err := store.Before(context.Background(), "v1", 1)
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestPGEnsureSchema(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS leaderboard_entries.*CREATE TABLE IF NOT EXISTS audit_anchor.*CREATE TABLE IF NOT EXISTS anchor_signers`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
