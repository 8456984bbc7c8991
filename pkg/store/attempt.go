package store

import (
	"context"
	"time"

	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
)

// AttemptFinal carries the terminal fields of a sync attempt.
type AttemptFinal struct {
	Outcome          proto.Outcome
	StageReached     proto.Stage
	ErrorClass       proto.ErrorClass
	ErrorDetail      string
	BytesTransferred int64
	RefsUpdated      int64
	FinishedAt       time.Time
}

// AttemptStore is an interface for managing the append-only sync history.
type AttemptStore interface {
	// BeginAttempt inserts a new attempt row with an empty outcome.
	BeginAttempt(ctx context.Context, h db.Handler, mirrorID int64, trigger proto.Trigger, startedAt time.Time) (models.SyncAttempt, error)

	// FinalizeAttempt writes the terminal fields of an attempt. It may be
	// called at most once per attempt; a second call returns
	// proto.ErrAttemptFinalized.
	FinalizeAttempt(ctx context.Context, h db.Handler, attemptID int64, final AttemptFinal) error

	GetAttemptByID(ctx context.Context, h db.Handler, id int64) (models.SyncAttempt, error)

	// RecentHistory returns the newest attempts for a mirror, or across
	// all mirrors when mirrorID is zero.
	RecentHistory(ctx context.Context, h db.Handler, mirrorID int64, limit int) ([]models.SyncAttempt, error)
}
