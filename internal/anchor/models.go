// Package anchor writes signed, hash-chained commitments of the leaderboard
// dataset and verifies them against the data they committed to.
package anchor

import (
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/anchor/internal/merkle"
)

// Anchor is one immutable row of the anchor log.
type Anchor struct {
	Seq         int64
	TreeVersion string
	Root        merkle.Digest
	// PrevRoot is nil for the first anchor of a tree version.
	PrevRoot   *merkle.Digest
	NodeCount  int
	SnapshotAt time.Time
	// Token is the compact JWS over the anchor payload.
	Token string
}

// PrevRootHex returns the hex previous root, or nil when there is none.
func (a *Anchor) PrevRootHex() *string {
	return digestHex(a.PrevRoot)
}

func digestHex(d *merkle.Digest) *string {
	if d == nil {
		return nil
	}
	s := d.Hex()
	return &s
}

// WriteResult describes a committed anchor.
type WriteResult struct {
	RunID       string
	TreeVersion string
	Seq         int64
	Root        merkle.Digest
	PrevRoot    *merkle.Digest
	NodeCount   int
	SnapshotAt  time.Time
	Token       string
}

// NewRunID returns a freshly-generated run identifier.
func NewRunID() string {
	return uuid.New().String()
}
