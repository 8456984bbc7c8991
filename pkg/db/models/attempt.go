package models

import (
	"database/sql"
	"time"
)

// SyncAttempt is a database model for one sync execution. Rows are
// append-only; a finalized attempt is never mutated again.
type SyncAttempt struct {
	ID               int64          `db:"id"`
	MirrorID         int64          `db:"mirror_id"`
	Trigger          string         `db:"trigger"`
	Outcome          sql.NullString `db:"outcome"`
	StageReached     string         `db:"stage_reached"`
	ErrorClass       sql.NullString `db:"error_class"`
	ErrorDetail      sql.NullString `db:"error_detail"`
	BytesTransferred int64          `db:"bytes_transferred"`
	RefsUpdated      int64          `db:"refs_updated"`
	StartedAt        time.Time      `db:"started_at"`
	FinishedAt       sql.NullTime   `db:"finished_at"`
}
