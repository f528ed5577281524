package anchor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ILLUVRSE/anchor/internal/dataset"
)

// AsOfMode selects how a store rebuilds the dataset at a past instant.
type AsOfMode string

const (
	// AsOfCurrent filters the live table by updated_at <= t. Rows changed
	// after t are missing from the reconstruction.
	AsOfCurrent AsOfMode = "current"
	// AsOfHistory reads the latest version per key at or before t from the
	// append-only leaderboard_entry_versions table.
	AsOfHistory AsOfMode = "history"
)

// ParseAsOfMode parses "current" or "history". Empty means current.
func ParseAsOfMode(s string) (AsOfMode, error) {
	switch AsOfMode(s) {
	case "", AsOfCurrent:
		return AsOfCurrent, nil
	case AsOfHistory:
		return AsOfHistory, nil
	}
	return "", fmt.Errorf("unknown as-of mode %q", s)
}

// Options configure a Store.
type Options struct {
	AsOf AsOfMode
	// Timeout bounds every store statement. Defaults to 30s.
	Timeout time.Duration
	// Now is the clock of stores without a server clock (SQLite).
	// Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.AsOf == "" {
		o.AsOf = AsOfCurrent
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store is the persistence boundary of the anchoring subsystem. All errors
// other than *dataset.SchemaError are returned as *StoreError.
type Store interface {
	// BeginAnchor opens a transaction holding the writer lock for treeVersion.
	BeginAnchor(ctx context.Context, treeVersion string) (Tx, error)

	// Scan returns the anchors of treeVersion with snapshot_at >= since,
	// ordered by seq.
	Scan(ctx context.Context, treeVersion string, since time.Time) ([]Anchor, error)

	// Before returns the last anchor of treeVersion with a seq lower than
	// seq, or nil if there is none.
	Before(ctx context.Context, treeVersion string, seq int64) (*Anchor, error)

	// RecordsAsOf reconstructs the dataset at t, ordered by (tenant, player).
	RecordsAsOf(ctx context.Context, t time.Time) ([]dataset.Record, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is a writer transaction. Rollback after Commit is a no-op.
type Tx interface {
	// Clock returns the store's current time, read after the transaction
	// snapshot is established, so every record visible to the transaction
	// was committed no later than the returned time.
	Clock(ctx context.Context) (time.Time, error)

	// Records reads the full dataset as visible in the transaction snapshot.
	Records(ctx context.Context) ([]dataset.Record, error)

	// Head returns the latest anchor of the transaction's tree version, or nil.
	Head(ctx context.Context) (*Anchor, error)

	// Append inserts a and returns the assigned seq.
	Append(ctx context.Context, a *Anchor) (int64, error)

	Commit() error
	Rollback() error
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ordered checks that records are strictly ascending by key, sorting them if
// the database returned a different collation order. Duplicate keys are a
// schema error.
func ordered(recs []dataset.Record) ([]dataset.Record, error) {
	if !sort.SliceIsSorted(recs, func(i, j int) bool { return recs[i].Less(recs[j]) }) {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Less(recs[j]) })
	}
	for i := 1; i < len(recs); i++ {
		if !recs[i-1].Less(recs[i]) {
			return nil, &dataset.SchemaError{Key: recs[i].Key(), Field: "key", Reason: "duplicate"}
		}
	}
	return recs, nil
}
