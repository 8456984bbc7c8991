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

type mirrorStore struct{}

var _ store.MirrorStore = (*mirrorStore)(nil)

// CreateMirror implements store.MirrorStore.
func (s *mirrorStore) CreateMirror(ctx context.Context, h db.Handler, m models.Mirror) (models.Mirror, error) {
	query := h.Rebind(`INSERT INTO mirrors (name, upstream_url, downstream_owner, downstream_name, description, enabled, sync_interval, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`)
	if _, err := h.ExecContext(ctx, query,
		m.Name, m.UpstreamURL, m.DownstreamOwner, m.DownstreamName,
		m.Description, m.Enabled, m.SyncInterval,
	); err != nil {
		err = db.WrapError(err)
		if errors.Is(err, db.ErrDuplicateKey) {
			return models.Mirror{}, proto.ErrMirrorExist
		}
		return models.Mirror{}, err
	}

	return s.GetMirrorByTarget(ctx, h, m.DownstreamOwner, m.DownstreamName)
}

// GetMirrorByID implements store.MirrorStore.
func (*mirrorStore) GetMirrorByID(ctx context.Context, h db.Handler, id int64) (models.Mirror, error) {
	var m models.Mirror
	query := h.Rebind("SELECT * FROM mirrors WHERE id = ?;")
	err := h.GetContext(ctx, &m, query, id)
	return m, wrapNotFound(db.WrapError(err))
}

// GetMirrorByTarget implements store.MirrorStore.
func (*mirrorStore) GetMirrorByTarget(ctx context.Context, h db.Handler, owner string, name string) (models.Mirror, error) {
	var m models.Mirror
	query := h.Rebind("SELECT * FROM mirrors WHERE downstream_owner = ? AND downstream_name = ?;")
	err := h.GetContext(ctx, &m, query, owner, name)
	return m, wrapNotFound(db.WrapError(err))
}

// ListMirrors implements store.MirrorStore.
func (*mirrorStore) ListMirrors(ctx context.Context, h db.Handler, filter store.MirrorFilter) ([]models.Mirror, error) {
	var mirrors []models.Mirror
	query := "SELECT * FROM mirrors ORDER BY id;"
	args := []interface{}{}
	if filter.Enabled != nil {
		query = "SELECT * FROM mirrors WHERE enabled = ? ORDER BY id;"
		args = append(args, *filter.Enabled)
	}

	err := h.SelectContext(ctx, &mirrors, h.Rebind(query), args...)
	return mirrors, db.WrapError(err)
}

// UpdateMirror implements store.MirrorStore.
func (*mirrorStore) UpdateMirror(ctx context.Context, h db.Handler, m models.Mirror) error {
	query := h.Rebind(`UPDATE mirrors
		SET name = ?, upstream_url = ?, downstream_owner = ?, downstream_name = ?,
			description = ?, enabled = ?, sync_interval = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;`)
	r, err := h.ExecContext(ctx, query,
		m.Name, m.UpstreamURL, m.DownstreamOwner, m.DownstreamName,
		m.Description, m.Enabled, m.SyncInterval, m.ID,
	)
	if err != nil {
		err = db.WrapError(err)
		if errors.Is(err, db.ErrDuplicateKey) {
			return proto.ErrMirrorExist
		}
		return err
	}

	if n, err := r.RowsAffected(); err == nil && n == 0 {
		return proto.ErrMirrorNotFound
	}

	return nil
}

// DeleteMirrorByID implements store.MirrorStore.
func (*mirrorStore) DeleteMirrorByID(ctx context.Context, h db.Handler, id int64) error {
	query := h.Rebind("DELETE FROM mirrors WHERE id = ?;")
	r, err := h.ExecContext(ctx, query, id)
	if err != nil {
		return db.WrapError(err)
	}

	if n, err := r.RowsAffected(); err == nil && n == 0 {
		return proto.ErrMirrorNotFound
	}

	return nil
}

// SetMirrorLastAttempt implements store.MirrorStore.
func (*mirrorStore) SetMirrorLastAttempt(ctx context.Context, h db.Handler, id int64, t time.Time) error {
	query := h.Rebind("UPDATE mirrors SET last_attempt_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;")
	_, err := h.ExecContext(ctx, query, t.UTC(), id)
	return db.WrapError(err)
}

// SetMirrorSuccess implements store.MirrorStore.
func (*mirrorStore) SetMirrorSuccess(ctx context.Context, h db.Handler, id int64, t time.Time, sizeBytes int64) error {
	query := h.Rebind(`UPDATE mirrors
		SET last_success_at = ?,
			last_error = NULL,
			size_bytes = COALESCE(NULLIF(?, 0), size_bytes),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;`)
	_, err := h.ExecContext(ctx, query, t.UTC(), sizeBytes, id)
	return db.WrapError(err)
}

// SetMirrorError implements store.MirrorStore.
func (*mirrorStore) SetMirrorError(ctx context.Context, h db.Handler, id int64, summary string) error {
	query := h.Rebind("UPDATE mirrors SET last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;")
	_, err := h.ExecContext(ctx, query, summary, id)
	return db.WrapError(err)
}

// wrapNotFound maps sql.ErrNoRows to the domain error.
func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return proto.ErrMirrorNotFound
	}
	return err
}
