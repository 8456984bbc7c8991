// Package database provides the sqlx-backed store implementation.
package database

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/store"
)

type datastore struct {
	ctx    context.Context
	db     *db.DB
	logger *log.Logger

	*mirrorStore
	*attemptStore
	*leaseStore
}

// New returns a new store.Store database.
func New(ctx context.Context, db *db.DB) store.Store {
	logger := log.FromContext(ctx).WithPrefix("store")

	s := &datastore{
		ctx:    ctx,
		db:     db,
		logger: logger,

		mirrorStore:  &mirrorStore{},
		attemptStore: &attemptStore{},
		leaseStore:   &leaseStore{},
	}

	return s
}
