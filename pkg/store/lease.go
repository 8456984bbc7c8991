package store

import (
	"context"
	"time"

	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
)

// LeaseStore is an interface for managing per-mirror sync leases.
//
// Acquire and release must run inside a transaction so the mirror's status
// and its lease change together; an observer never sees a running mirror
// without a live lease or vice versa.
type LeaseStore interface {
	// AcquireLease atomically claims the lease for a mirror. An expired
	// lease is stolen. On success it flips the mirror status to running
	// and returns the previous persisted status so a cancelled attempt
	// can restore it.
	AcquireLease(ctx context.Context, h db.Handler, mirrorID int64, holder string, now time.Time, ttl time.Duration) (bool, proto.SyncStatus, error)

	// ReleaseLease drops the lease held by holder and sets the mirror's
	// final status in the same transaction.
	ReleaseLease(ctx context.Context, h db.Handler, mirrorID int64, holder string, finalStatus proto.SyncStatus) error

	GetLease(ctx context.Context, h db.Handler, mirrorID int64) (models.MirrorLease, error)
}
