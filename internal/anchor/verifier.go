package anchor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ILLUVRSE/anchor/internal/dataset"
	"github.com/ILLUVRSE/anchor/internal/jws"
	"github.com/ILLUVRSE/anchor/internal/merkle"
	"github.com/ILLUVRSE/anchor/internal/signer"
	"github.com/ILLUVRSE/anchor/internal/witness"
)

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// MaxConcurrency bounds concurrent dataset reconstructions. Defaults to 4.
	MaxConcurrency int

	// Witness, if set, is checked for every anchor.
	Witness witness.Reader

	// Now defaults to time.Now.
	Now func() time.Time
}

// Verifier re-derives anchored roots and checks the chain. It never writes.
type Verifier struct {
	store Store
	keys  signer.KeyResolver
	cfg   VerifierConfig
}

// NewVerifier constructs a Verifier.
func NewVerifier(store Store, keys signer.KeyResolver, cfg VerifierConfig) *Verifier {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{store: store, keys: keys, cfg: cfg}
}

type recomputed struct {
	root merkle.Digest
	// invalid is set when the historical rows do not form valid records.
	invalid error
}

// VerifyWindow checks every anchor of treeVersion with snapshot_at >= since.
// Failed checks are reported in the Report. An error means the run could not
// complete (store, key lookup or witness unreachable) and no report exists.
func (v *Verifier) VerifyWindow(ctx context.Context, treeVersion string, since time.Time) (*Report, error) {
	report := &Report{
		RunID:       NewRunID(),
		TreeVersion: treeVersion,
		Since:       since.UTC(),
		GeneratedAt: v.cfg.Now().UTC(),
		Passed:      true,
	}
	log.Printf("[anchor.verifier] start tree_version=%s since=%s run_id=%s", treeVersion, report.Since.Format(time.RFC3339), report.RunID)

	anchors, err := v.store.Scan(ctx, treeVersion, since)
	if err != nil {
		return nil, err
	}
	report.Checked = len(anchors)
	report.Results = make([]Result, len(anchors))
	if len(anchors) == 0 {
		log.Printf("[anchor.verifier] no anchors in window tree_version=%s run_id=%s", treeVersion, report.RunID)
		return report, nil
	}

	var lastRoot *merkle.Digest
	prev, err := v.store.Before(ctx, treeVersion, anchors[0].Seq)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		r := prev.Root
		lastRoot = &r
	}

	roots, err := v.recompute(ctx, anchors)
	if err != nil {
		return nil, err
	}

	for i := range anchors {
		a := &anchors[i]
		res := &report.Results[i]
		if err := v.check(ctx, a, roots[i], lastRoot, res); err != nil {
			return nil, err
		}
		r := a.Root
		lastRoot = &r

		if !res.OK() {
			report.Passed = false
			log.Printf("[anchor.verifier] seq=%d snapshot_at=%s findings=%s", a.Seq, a.SnapshotAt.Format(time.RFC3339Nano), strings.Join(res.Findings, ","))
		}
	}

	log.Printf("[anchor.verifier] done tree_version=%s checked=%d passed=%v run_id=%s", treeVersion, report.Checked, report.Passed, report.RunID)
	return report, nil
}

func (v *Verifier) check(ctx context.Context, a *Anchor, rc recomputed, lastRoot *merkle.Digest, res *Result) error {
	res.Seq = a.Seq
	res.SnapshotAt = a.SnapshotAt
	res.NodeCount = a.NodeCount
	res.RootFromAnchor = a.Root.Hex()
	res.PrevExpected = digestHex(lastRoot)
	if rc.invalid == nil {
		res.RootRecomputed = rc.root.Hex()
	} else {
		res.addFinding(FindingRecordsInvalid)
	}

	payload, err := jws.Verify(ctx, v.keys, a.Token)
	var invalid *jws.InvalidError
	switch {
	case err == nil:
		res.SignatureOK = true
	case errors.As(err, &invalid):
		res.addFinding(FindingSignatureInvalid)
	default:
		return fmt.Errorf("verify seq %d: %w", a.Seq, err)
	}

	if res.SignatureOK {
		res.KeyID = payload.KeyID
		res.PrevInPayload = payload.PrevRoot

		res.ChainOK = sameHex(payload.PrevRoot, res.PrevExpected)
		if !res.ChainOK {
			res.addFinding(FindingChainMismatch)
		}

		consistent := payloadMatches(payload, a)
		if !consistent {
			res.addFinding(FindingPayloadMismatch)
		}
		rootOK := rc.invalid == nil && rc.root == a.Root && payload.Root == a.Root.Hex()
		if !rootOK && rc.invalid == nil {
			res.addFinding(FindingStateMismatch)
		}
		res.StateOK = rootOK && consistent
	}

	if v.cfg.Witness != nil {
		ok := true
		doc, err := v.cfg.Witness.Get(ctx, a.Seq, a.SnapshotAt)
		switch {
		case errors.Is(err, witness.ErrNotFound):
			ok = false
			res.addFinding(FindingWitnessMissing)
		case err != nil:
			return fmt.Errorf("witness seq %d: %w", a.Seq, err)
		case doc.JWS != a.Token:
			ok = false
			res.addFinding(FindingWitnessMismatch)
		}
		res.WitnessOK = &ok
	}
	return nil
}

// payloadMatches checks that the signed statement describes the stored row.
func payloadMatches(p *jws.Payload, a *Anchor) bool {
	if p.TreeVersion != a.TreeVersion || p.NodeCount != a.NodeCount {
		return false
	}
	if !sameHex(p.PrevRoot, a.PrevRootHex()) {
		return false
	}
	snap, err := time.Parse(time.RFC3339Nano, p.SnapshotAt)
	if err != nil {
		return false
	}
	return snap.Equal(a.SnapshotAt)
}

func sameHex(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return strings.EqualFold(*a, *b)
}

// recompute rebuilds the root at every anchor's snapshot on a bounded pool.
// The first store error cancels outstanding work.
func (v *Verifier) recompute(ctx context.Context, anchors []Anchor) ([]recomputed, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([]recomputed, len(anchors))
	sem := make(chan struct{}, v.cfg.MaxConcurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	for i := range anchors {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func(i int) {
				defer func() {
					<-sem
					wg.Done()
				}()
				recs, err := v.store.RecordsAsOf(ctx, anchors[i].SnapshotAt)
				var root merkle.Digest
				if err == nil {
					root, _, err = merkle.RootOf(recs)
				}
				var schemaErr *dataset.SchemaError
				switch {
				case err == nil:
					out[i] = recomputed{root: root}
				case errors.As(err, &schemaErr):
					log.Printf("[anchor.verifier] seq=%d records invalid: %v", anchors[i].Seq, err)
					out[i] = recomputed{invalid: err}
				default:
					setErr(err)
				}
			}(i)
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
