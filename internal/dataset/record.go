// Package dataset holds the typed view of the tracked leaderboard rows that the
// anchoring subsystem reads. Rows are validated once, at the store boundary.
package dataset

import (
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersion identifies the field set committed by canonical bytes.
const SchemaVersion = "v1"

// Record is one leaderboard entry keyed by (Tenant, Player).
type Record struct {
	Tenant    string
	Player    string
	Elo       int64
	Rank      int64
	Matches   int64
	UpdatedAt time.Time
}

// Key returns the composite key as "tenant/player" for diagnostics.
func (r Record) Key() string {
	return r.Tenant + "/" + r.Player
}

// Less orders records by (Tenant, Player).
func (r Record) Less(o Record) bool {
	if r.Tenant != o.Tenant {
		return r.Tenant < o.Tenant
	}
	return r.Player < o.Player
}

// Validate checks that every required field is present.
func (r Record) Validate() error {
	switch {
	case r.Tenant == "":
		return &SchemaError{Key: r.Key(), Field: "tenant", Reason: "missing"}
	case r.Player == "":
		return &SchemaError{Key: r.Key(), Field: "player", Reason: "missing"}
	case r.UpdatedAt.IsZero():
		return &SchemaError{Key: r.Key(), Field: "updated_at", Reason: "missing"}
	}
	return nil
}

// SchemaError reports a record that does not conform to SchemaVersion.
type SchemaError struct {
	Key    string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s: record %q field %s: %s", SchemaVersion, e.Key, e.Field, e.Reason)
}

// Row is the nullable shape of a dataset row as scanned from SQL.
type Row struct {
	Tenant    sql.NullString
	Player    sql.NullString
	Elo       sql.NullInt64
	Rank      sql.NullInt64
	Matches   sql.NullInt64
	UpdatedAt sql.NullTime
}

// Dest returns scan destinations in column order
// (tenant_id, player_id, elo_rating, rank, match_count, updated_at).
func (r *Row) Dest() []any {
	return []any{&r.Tenant, &r.Player, &r.Elo, &r.Rank, &r.Matches, &r.UpdatedAt}
}

// Record converts a scanned row into a validated Record.
func (r *Row) Record() (Record, error) {
	key := r.Tenant.String + "/" + r.Player.String
	missing := func(field string) error {
		return &SchemaError{Key: key, Field: field, Reason: "null"}
	}
	switch {
	case !r.Tenant.Valid:
		return Record{}, missing("tenant")
	case !r.Player.Valid:
		return Record{}, missing("player")
	case !r.Elo.Valid:
		return Record{}, missing("elo")
	case !r.Rank.Valid:
		return Record{}, missing("rank")
	case !r.Matches.Valid:
		return Record{}, missing("matches")
	case !r.UpdatedAt.Valid:
		return Record{}, missing("updated_at")
	}
	rec := Record{
		Tenant:    r.Tenant.String,
		Player:    r.Player.String,
		Elo:       r.Elo.Int64,
		Rank:      r.Rank.Int64,
		Matches:   r.Matches.Int64,
		UpdatedAt: r.UpdatedAt.Time.UTC(),
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
