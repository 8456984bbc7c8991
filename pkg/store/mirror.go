package store

import (
	"context"
	"time"

	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
)

// MirrorFilter narrows ListMirrors results.
type MirrorFilter struct {
	// Enabled filters on the enabled flag when non-nil.
	Enabled *bool
}

// MirrorStore is an interface for managing mirrors.
//
// The engine only writes through the Set* methods; mirror status flips are
// the lease store's job so status and lease always change together.
type MirrorStore interface {
	CreateMirror(ctx context.Context, h db.Handler, m models.Mirror) (models.Mirror, error)
	GetMirrorByID(ctx context.Context, h db.Handler, id int64) (models.Mirror, error)
	GetMirrorByTarget(ctx context.Context, h db.Handler, owner string, name string) (models.Mirror, error)
	ListMirrors(ctx context.Context, h db.Handler, filter MirrorFilter) ([]models.Mirror, error)
	UpdateMirror(ctx context.Context, h db.Handler, m models.Mirror) error
	DeleteMirrorByID(ctx context.Context, h db.Handler, id int64) error

	// SetMirrorLastAttempt records the start of a sync attempt.
	SetMirrorLastAttempt(ctx context.Context, h db.Handler, id int64, t time.Time) error

	// SetMirrorSuccess records a successful sync and clears the last
	// error. A zero sizeBytes keeps the previous clone size.
	SetMirrorSuccess(ctx context.Context, h db.Handler, id int64, t time.Time, sizeBytes int64) error

	// SetMirrorError records the one-line failure summary.
	SetMirrorError(ctx context.Context, h db.Handler, id int64, summary string) error
}
