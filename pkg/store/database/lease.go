package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
	"github.com/mirrorkeep/mirrorkeep/pkg/store"
)

type leaseStore struct{}

var _ store.LeaseStore = (*leaseStore)(nil)

// AcquireLease implements store.LeaseStore.
//
// Callers must run this inside a transaction. The compare-and-set on the
// previous holder keeps the steal of an expired lease atomic under the
// store's single-writer semantics.
func (s *leaseStore) AcquireLease(ctx context.Context, h db.Handler, mirrorID int64, holder string, now time.Time, ttl time.Duration) (bool, proto.SyncStatus, error) {
	now = now.UTC()
	expiresAt := now.Add(ttl)

	cur, err := s.GetLease(ctx, h, mirrorID)
	switch {
	case err == nil:
		if cur.ExpiresAt.After(now) {
			// Live lease held by someone else.
			return false, "", nil
		}

		// Steal the expired lease from its previous holder.
		query := h.Rebind(`UPDATE mirror_leases
			SET holder = ?, acquired_at = ?, expires_at = ?
			WHERE mirror_id = ? AND holder = ?;`)
		r, err := h.ExecContext(ctx, query, holder, now, expiresAt, mirrorID, cur.Holder)
		if err != nil {
			return false, "", db.WrapError(err)
		}
		if n, err := r.RowsAffected(); err != nil || n == 0 {
			return false, "", err
		}
	case errors.Is(err, sql.ErrNoRows):
		query := h.Rebind(`INSERT INTO mirror_leases (mirror_id, holder, acquired_at, expires_at)
			VALUES (?, ?, ?, ?);`)
		if _, err := h.ExecContext(ctx, query, mirrorID, holder, now, expiresAt); err != nil {
			err = db.WrapError(err)
			if errors.Is(err, db.ErrDuplicateKey) {
				// Lost the race to another worker.
				return false, "", nil
			}
			return false, "", err
		}
	default:
		return false, "", err
	}

	// Flip the mirror to running in the same transaction, remembering the
	// previous status so a cancelled attempt can restore it.
	var prev string
	query := h.Rebind("SELECT last_status FROM mirrors WHERE id = ?;")
	if err := h.GetContext(ctx, &prev, query, mirrorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", proto.ErrMirrorNotFound
		}
		return false, "", db.WrapError(err)
	}

	query = h.Rebind("UPDATE mirrors SET last_status = ? WHERE id = ?;")
	if _, err := h.ExecContext(ctx, query, proto.StatusRunning.String(), mirrorID); err != nil {
		return false, "", db.WrapError(err)
	}

	return true, proto.SyncStatus(prev), nil
}

// ReleaseLease implements store.LeaseStore.
func (*leaseStore) ReleaseLease(ctx context.Context, h db.Handler, mirrorID int64, holder string, finalStatus proto.SyncStatus) error {
	query := h.Rebind("DELETE FROM mirror_leases WHERE mirror_id = ? AND holder = ?;")
	if _, err := h.ExecContext(ctx, query, mirrorID, holder); err != nil {
		return db.WrapError(err)
	}

	query = h.Rebind("UPDATE mirrors SET last_status = ? WHERE id = ?;")
	if _, err := h.ExecContext(ctx, query, finalStatus.String(), mirrorID); err != nil {
		return db.WrapError(err)
	}

	return nil
}

// GetLease implements store.LeaseStore.
func (*leaseStore) GetLease(ctx context.Context, h db.Handler, mirrorID int64) (models.MirrorLease, error) {
	var l models.MirrorLease
	query := h.Rebind("SELECT * FROM mirror_leases WHERE mirror_id = ?;")
	err := h.GetContext(ctx, &l, query, mirrorID)
	return l, db.WrapError(err)
}
