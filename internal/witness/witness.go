// Package witness publishes signed anchors to external append-only locations
// so that a rewritten anchor table can be detected from outside the database.
package witness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by a Reader when no witness exists for an anchor.
var ErrNotFound = errors.New("witness not found")

// ErrConflict is returned when a witness already exists for an anchor with
// different content. Witnesses are write-once.
var ErrConflict = errors.New("witness already exists with different content")

// Document is the witness record for one anchor: the signed statement fields
// plus the compact JWS token.
type Document struct {
	Seq         int64     `json:"seq"`
	TreeVersion string    `json:"tv"`
	Root        string    `json:"root"`
	PrevRoot    *string   `json:"prev_root"`
	SnapshotAt  time.Time `json:"snapshot_at"`
	NodeCount   int       `json:"node_count"`
	KeyID       string    `json:"kid"`
	JWS         string    `json:"jws"`
}

// Name returns the witness object name "<seq>_<YYYY-MM-DD>.json".
func Name(seq int64, snapshotAt time.Time) string {
	return fmt.Sprintf("%d_%s.json", seq, snapshotAt.UTC().Format("2006-01-02"))
}

// Name returns the object name of d.
func (d *Document) Name() string {
	return Name(d.Seq, d.SnapshotAt)
}

// Encode renders d as indented JSON.
func (d *Document) Encode() ([]byte, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode witness: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode parses a witness document.
func Decode(b []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode witness: %w", err)
	}
	return &d, nil
}

// Sink persists witness documents.
type Sink interface {
	Put(ctx context.Context, d *Document) error
}

// Reader loads the witness for an anchor. It returns ErrNotFound when none exists.
type Reader interface {
	Get(ctx context.Context, seq int64, snapshotAt time.Time) (*Document, error)
}

// sameAnchor reports whether an existing witness records the same token.
func sameAnchor(existing []byte, d *Document) bool {
	prev, err := Decode(existing)
	if err != nil {
		return false
	}
	return prev.Seq == d.Seq && prev.JWS == d.JWS
}

// Multi fans a document out to every sink in order. All sinks must accept it.
type Multi []Sink

// Put implements Sink.
func (m Multi) Put(ctx context.Context, d *Document) error {
	for i, s := range m {
		if err := s.Put(ctx, d); err != nil {
			return fmt.Errorf("witness sink %d: %w", i, err)
		}
	}
	return nil
}
