package anchor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ILLUVRSE/anchor/internal/dataset"
	"github.com/ILLUVRSE/anchor/internal/signer"
	"github.com/ILLUVRSE/anchor/internal/witness"
)

// WriteError wraps any failure of a writer run with the context needed to
// retry it.
type WriteError struct {
	TreeVersion string
	SnapshotAt  time.Time
	RunID       string
	Err         error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("anchor write tree_version=%s snapshot_at=%s run_id=%s: %v", e.TreeVersion, formatSnapshot(e.SnapshotAt), e.RunID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// SigningError reports that the signing backend could not produce a token.
type SigningError struct {
	KeyID string
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign anchor with kid=%s: %v", e.KeyID, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// StoreError reports a data store failure. Code is the Postgres SQLSTATE or
// the SQLite result code name when known.
type StoreError struct {
	Op        string
	Code      string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("store %s (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WitnessError reports that a witness could not be written.
type WitnessError struct {
	Err error
}

func (e *WitnessError) Error() string {
	return fmt.Sprintf("witness: %v", e.Err)
}

func (e *WitnessError) Unwrap() error { return e.Err }

// storeErr classifies err into a *StoreError. Schema errors and errors that
// are already classified pass through unchanged.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *dataset.SchemaError
	if errors.As(err, &se) {
		return err
	}
	var already *StoreError
	if errors.As(err, &already) {
		return err
	}

	out := &StoreError{Op: op, Transient: true, Err: err}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		out.Code = string(pqErr.Code)
		out.Transient = transientSQLState(out.Code)
		return out
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		switch code {
		case sqlite3.SQLITE_BUSY:
			out.Code = "SQLITE_BUSY"
		case sqlite3.SQLITE_LOCKED:
			out.Code = "SQLITE_LOCKED"
		default:
			out.Code = fmt.Sprintf("SQLITE_%d", code)
			out.Transient = code == sqlite3.SQLITE_IOERR || code == sqlite3.SQLITE_FULL
		}
	}
	return out
}

// transientSQLState reports whether a SQLSTATE class is worth retrying:
// connection exceptions, transaction rollbacks (serialization failures,
// deadlocks), insufficient resources and operator intervention (which covers
// statement timeouts).
func transientSQLState(code string) bool {
	for _, class := range []string{"08", "40", "53", "57"} {
		if strings.HasPrefix(code, class) {
			return true
		}
	}
	return false
}

// Retryable reports whether a failed writer run may be retried as-is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *dataset.SchemaError
	if errors.As(err, &se) {
		return false
	}
	var sig *SigningError
	if errors.As(err, &sig) {
		return !errors.Is(sig.Err, signer.ErrUnknownKey)
	}
	var st *StoreError
	if errors.As(err, &st) {
		return st.Transient
	}
	var we *WitnessError
	if errors.As(err, &we) {
		return !errors.Is(we.Err, witness.ErrConflict)
	}
	return false
}
