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

type attemptStore struct{}

var _ store.AttemptStore = (*attemptStore)(nil)

// BeginAttempt implements store.AttemptStore.
func (s *attemptStore) BeginAttempt(ctx context.Context, h db.Handler, mirrorID int64, trigger proto.Trigger, startedAt time.Time) (models.SyncAttempt, error) {
	query := h.Rebind(`INSERT INTO sync_attempts (mirror_id, "trigger", stage_reached, started_at)
		VALUES (?, ?, ?, ?);`)
	r, err := h.ExecContext(ctx, query, mirrorID, trigger.String(), proto.StageInit.String(), startedAt.UTC())
	if err != nil {
		return models.SyncAttempt{}, db.WrapError(err)
	}

	id, err := r.LastInsertId()
	if err != nil {
		// Postgres does not support LastInsertId; look the row up instead.
		var a models.SyncAttempt
		query := h.Rebind(`SELECT * FROM sync_attempts WHERE mirror_id = ? ORDER BY id DESC LIMIT 1;`)
		if err := h.GetContext(ctx, &a, query, mirrorID); err != nil {
			return models.SyncAttempt{}, db.WrapError(err)
		}
		return a, nil
	}

	return s.GetAttemptByID(ctx, h, id)
}

// FinalizeAttempt implements store.AttemptStore.
//
// The guard on an empty outcome makes finalization a one-shot operation;
// finalized history rows are never mutated again.
func (*attemptStore) FinalizeAttempt(ctx context.Context, h db.Handler, attemptID int64, final store.AttemptFinal) error {
	errorClass := sql.NullString{String: final.ErrorClass.String(), Valid: final.ErrorClass != ""}
	errorDetail := sql.NullString{String: final.ErrorDetail, Valid: final.ErrorDetail != ""}

	query := h.Rebind(`UPDATE sync_attempts
		SET outcome = ?, stage_reached = ?, error_class = ?, error_detail = ?,
			bytes_transferred = ?, refs_updated = ?, finished_at = ?
		WHERE id = ? AND outcome IS NULL;`)
	r, err := h.ExecContext(ctx, query,
		final.Outcome.String(), final.StageReached.String(), errorClass, errorDetail,
		final.BytesTransferred, final.RefsUpdated, final.FinishedAt.UTC(), attemptID,
	)
	if err != nil {
		return db.WrapError(err)
	}

	n, err := r.RowsAffected()
	if err != nil {
		return db.WrapError(err)
	}
	if n == 0 {
		var exists int
		query := h.Rebind("SELECT 1 FROM sync_attempts WHERE id = ?;")
		if err := h.GetContext(ctx, &exists, query, attemptID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return proto.ErrAttemptNotFound
			}
			return db.WrapError(err)
		}
		return proto.ErrAttemptFinalized
	}

	return nil
}

// GetAttemptByID implements store.AttemptStore.
func (*attemptStore) GetAttemptByID(ctx context.Context, h db.Handler, id int64) (models.SyncAttempt, error) {
	var a models.SyncAttempt
	query := h.Rebind("SELECT * FROM sync_attempts WHERE id = ?;")
	err := h.GetContext(ctx, &a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return a, proto.ErrAttemptNotFound
	}
	return a, db.WrapError(err)
}

// RecentHistory implements store.AttemptStore.
func (*attemptStore) RecentHistory(ctx context.Context, h db.Handler, mirrorID int64, limit int) ([]models.SyncAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	var attempts []models.SyncAttempt
	query := "SELECT * FROM sync_attempts ORDER BY started_at DESC, id DESC LIMIT ?;"
	args := []interface{}{limit}
	if mirrorID > 0 {
		query = "SELECT * FROM sync_attempts WHERE mirror_id = ? ORDER BY started_at DESC, id DESC LIMIT ?;"
		args = []interface{}{mirrorID, limit}
	}

	err := h.SelectContext(ctx, &attempts, h.Rebind(query), args...)
	return attempts, db.WrapError(err)
}
