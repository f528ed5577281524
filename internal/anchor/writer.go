package anchor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ILLUVRSE/anchor/internal/dataset"
	"github.com/ILLUVRSE/anchor/internal/jws"
	"github.com/ILLUVRSE/anchor/internal/merkle"
	"github.com/ILLUVRSE/anchor/internal/signer"
	"github.com/ILLUVRSE/anchor/internal/witness"
)

// DefaultKeyID is the signing key id used when none is configured.
const DefaultKeyID = "anchor-ed25519-1"

// WriterConfig configures a Writer.
type WriterConfig struct {
	// KeyID selects the signing key. Defaults to DefaultKeyID.
	KeyID string

	// Witness, if set, receives every anchor before it is committed.
	Witness witness.Sink
}

// Writer produces one signed anchor per run.
type Writer struct {
	store  Store
	signer signer.Signer
	cfg    WriterConfig
}

// NewWriter constructs a Writer.
func NewWriter(store Store, s signer.Signer, cfg WriterConfig) *Writer {
	if cfg.KeyID == "" {
		cfg.KeyID = DefaultKeyID
	}
	return &Writer{store: store, signer: s, cfg: cfg}
}

// WriteAnchor commits the current dataset root for treeVersion, chained to the
// previous anchor. Either the anchor (and its witness) is fully written or
// nothing is. Every error is a *WriteError.
func (w *Writer) WriteAnchor(ctx context.Context, treeVersion string) (*WriteResult, error) {
	runID := NewRunID()
	res := &WriteResult{RunID: runID, TreeVersion: treeVersion}
	fail := func(err error) (*WriteResult, error) {
		log.Printf("[anchor.writer] failed tree_version=%s snapshot_at=%s run_id=%s retryable=%v: %v",
			treeVersion, formatSnapshot(res.SnapshotAt), runID, Retryable(err), err)
		return nil, &WriteError{TreeVersion: treeVersion, SnapshotAt: res.SnapshotAt, RunID: runID, Err: err}
	}
	if treeVersion == "" {
		return fail(errors.New("tree version required"))
	}
	log.Printf("[anchor.writer] start tree_version=%s run_id=%s kid=%s", treeVersion, runID, w.cfg.KeyID)

	tx, err := w.store.BeginAnchor(ctx, treeVersion)
	if err != nil {
		return fail(err)
	}
	defer tx.Rollback()

	clock, err := tx.Clock(ctx)
	if err != nil {
		return fail(err)
	}
	res.SnapshotAt = clock.Truncate(time.Microsecond)

	records, err := tx.Records(ctx)
	if err != nil {
		return fail(err)
	}
	if at := snapshotTime(clock, records); at.After(res.SnapshotAt) {
		log.Printf("[anchor.writer] record updated_at ahead of store clock by %s tree_version=%s run_id=%s; snapshot_at moved to %s",
			at.Sub(res.SnapshotAt), treeVersion, runID, formatSnapshot(at))
		res.SnapshotAt = at
	}
	root, n, err := merkle.RootOf(records)
	if err != nil {
		return fail(err)
	}
	res.Root, res.NodeCount = root, n

	head, err := tx.Head(ctx)
	if err != nil {
		return fail(err)
	}
	if head != nil {
		prev := head.Root
		res.PrevRoot = &prev
	}

	payload := jws.Payload{
		TreeVersion: treeVersion,
		Root:        root.Hex(),
		PrevRoot:    digestHex(res.PrevRoot),
		SnapshotAt:  res.SnapshotAt.Format(time.RFC3339Nano),
		NodeCount:   n,
	}
	token, err := jws.Sign(ctx, w.signer, w.cfg.KeyID, payload)
	if err != nil {
		return fail(&SigningError{KeyID: w.cfg.KeyID, Err: err})
	}
	res.Token = token

	a := &Anchor{
		TreeVersion: treeVersion,
		Root:        root,
		PrevRoot:    res.PrevRoot,
		NodeCount:   n,
		SnapshotAt:  res.SnapshotAt,
		Token:       token,
	}
	seq, err := tx.Append(ctx, a)
	if err != nil {
		return fail(err)
	}
	res.Seq = seq

	if w.cfg.Witness != nil {
		doc := &witness.Document{
			Seq:         seq,
			TreeVersion: treeVersion,
			Root:        payload.Root,
			PrevRoot:    payload.PrevRoot,
			SnapshotAt:  res.SnapshotAt,
			NodeCount:   n,
			KeyID:       w.cfg.KeyID,
			JWS:         token,
		}
		if err := w.cfg.Witness.Put(ctx, doc); err != nil {
			return fail(&WitnessError{Err: fmt.Errorf("seq %d: %w", seq, err)})
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	log.Printf("[anchor.writer] committed tree_version=%s seq=%d root=%s node_count=%d snapshot_at=%s run_id=%s",
		treeVersion, seq, root.Hex(), n, formatSnapshot(res.SnapshotAt), runID)
	return res, nil
}

// snapshotTime is the store clock at microsecond precision, raised to the
// newest updated_at among records so that every hashed record satisfies
// updated_at <= snapshot_at.
func snapshotTime(clock time.Time, records []dataset.Record) time.Time {
	at := clock.UTC().Truncate(time.Microsecond)
	for _, r := range records {
		u := r.UpdatedAt.UTC()
		if c := u.Truncate(time.Microsecond); c.Before(u) {
			u = c.Add(time.Microsecond)
		}
		if u.After(at) {
			at = u
		}
	}
	return at
}

func formatSnapshot(t time.Time) string {
	if t.IsZero() {
		return "unset"
	}
	return t.Format(time.RFC3339Nano)
}
