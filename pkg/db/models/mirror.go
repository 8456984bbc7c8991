package models

import (
	"database/sql"
	"time"
)

// Mirror is a database model for an upstream to downstream repository
// mapping.
type Mirror struct {
	ID              int64          `db:"id"`
	Name            string         `db:"name"`
	UpstreamURL     string         `db:"upstream_url"`
	DownstreamOwner string         `db:"downstream_owner"`
	DownstreamName  string         `db:"downstream_name"`
	Description     string         `db:"description"`
	Enabled         bool           `db:"enabled"`
	SyncInterval    sql.NullInt64  `db:"sync_interval"`
	SizeBytes       int64          `db:"size_bytes"`
	LastAttemptAt   sql.NullTime   `db:"last_attempt_at"`
	LastSuccessAt   sql.NullTime   `db:"last_success_at"`
	LastStatus      string         `db:"last_status"`
	LastError       sql.NullString `db:"last_error"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// MirrorLease is a database model for a per-mirror sync lease.
type MirrorLease struct {
	MirrorID   int64     `db:"mirror_id"`
	Holder     string    `db:"holder"`
	AcquiredAt time.Time `db:"acquired_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}
