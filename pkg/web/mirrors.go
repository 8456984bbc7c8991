package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/duration"
	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/mirrorkeep/mirrorkeep/pkg/config"
	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
	"github.com/mirrorkeep/mirrorkeep/pkg/gitea"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
	"github.com/mirrorkeep/mirrorkeep/pkg/store"
	"github.com/mirrorkeep/mirrorkeep/pkg/sync"
)

// MirrorsController registers the mirror CRUD routes.
func MirrorsController(_ context.Context, r *mux.Router) {
	r.HandleFunc("/api/v1/mirrors", listMirrors).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/mirrors", createMirror).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/mirrors/{id:[0-9]+}", getMirror).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/mirrors/{id:[0-9]+}", updateMirror).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/mirrors/{id:[0-9]+}", deleteMirror).Methods(http.MethodDelete)
}

// mirrorRequest is the JSON body for creating or updating a mirror.
type mirrorRequest struct {
	Name            string `json:"name"`
	UpstreamURL     string `json:"upstream_url"`
	DownstreamOwner string `json:"downstream_owner"`
	DownstreamName  string `json:"downstream_name"`
	Description     string `json:"description"`
	Enabled         *bool  `json:"enabled"`

	// SyncInterval overrides the global interval. Accepts plain seconds
	// or a duration string such as "30m" or "1d". Empty clears the
	// override.
	SyncInterval string `json:"sync_interval"`
}

// mirrorResponse is the JSON representation of a mirror.
type mirrorResponse struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	UpstreamURL     string     `json:"upstream_url"`
	DownstreamOwner string     `json:"downstream_owner"`
	DownstreamName  string     `json:"downstream_name"`
	Description     string     `json:"description"`
	Enabled         bool       `json:"enabled"`
	SyncInterval    int64      `json:"sync_interval,omitempty"`
	SizeBytes       int64      `json:"size_bytes"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	LastStatus      string     `json:"last_status"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func newMirrorResponse(cfg *config.Config, m models.Mirror) mirrorResponse {
	loc := cfg.Location()
	res := mirrorResponse{
		ID:              m.ID,
		Name:            m.Name,
		UpstreamURL:     m.UpstreamURL,
		DownstreamOwner: m.DownstreamOwner,
		DownstreamName:  m.DownstreamName,
		Description:     m.Description,
		Enabled:         m.Enabled,
		SizeBytes:       m.SizeBytes,
		LastStatus:      m.LastStatus,
		CreatedAt:       m.CreatedAt.In(loc),
		UpdatedAt:       m.UpdatedAt.In(loc),
	}
	if m.SyncInterval.Valid {
		res.SyncInterval = m.SyncInterval.Int64
	}
	if m.LastAttemptAt.Valid {
		t := m.LastAttemptAt.Time.In(loc)
		res.LastAttemptAt = &t
	}
	if m.LastSuccessAt.Valid {
		t := m.LastSuccessAt.Time.In(loc)
		res.LastSuccessAt = &t
	}
	if m.LastError.Valid {
		res.LastError = m.LastError.String
	}
	return res
}

// apply validates the request and folds it into the mirror row.
func (req mirrorRequest) apply(cfg *config.Config, m *models.Mirror) error {
	if req.Name != "" {
		m.Name = req.Name
	}
	if m.Name == "" {
		return errBadRequest("name is required")
	}

	if req.UpstreamURL != "" {
		normalized := sync.NormalizeUpstreamURL(cfg.Upstream.Base, req.UpstreamURL)
		u, err := url.Parse(normalized)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			// SSH upstreams need a key-management story; out of scope.
			return errBadRequest("upstream_url must be an http(s) URL")
		}
		m.UpstreamURL = normalized
	}
	if m.UpstreamURL == "" {
		return errBadRequest("upstream_url is required")
	}

	m.DownstreamOwner = req.DownstreamOwner
	m.DownstreamName = req.DownstreamName
	if m.DownstreamName == "" {
		m.DownstreamName = m.Name
	}
	m.Description = req.Description

	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}

	m.SyncInterval = sql.NullInt64{}
	if req.SyncInterval != "" {
		secs, err := parseIntervalSeconds(req.SyncInterval)
		if err != nil {
			return errBadRequest("invalid sync_interval: " + err.Error())
		}
		m.SyncInterval = sql.NullInt64{Int64: secs, Valid: true}
	}

	return nil
}

// parseIntervalSeconds accepts "3600", "30m", or "1d".
func parseIntervalSeconds(v string) (int64, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return secs, nil
	}
	d, err := duration.Parse(v)
	if err != nil {
		return 0, err
	}
	return int64(d / time.Second), nil
}

// badRequestError carries a request validation message.
type badRequestError string

func errBadRequest(msg string) error    { return badRequestError(msg) }
func (e badRequestError) Error() string { return string(e) }

func listMirrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := config.FromContext(ctx)
	dbx := db.FromContext(ctx)
	datastore := store.FromContext(ctx)

	filter := store.MirrorFilter{}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			renderJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid enabled filter"})
			return
		}
		filter.Enabled = &enabled
	}

	mirrors, err := datastore.ListMirrors(ctx, dbx, filter)
	if err != nil {
		renderError(w, r, err)
		return
	}

	res := make([]mirrorResponse, 0, len(mirrors))
	for _, m := range mirrors {
		res = append(res, newMirrorResponse(cfg, m))
	}
	renderJSON(w, http.StatusOK, res)
}

func createMirror(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := config.FromContext(ctx)
	dbx := db.FromContext(ctx)
	datastore := store.FromContext(ctx)

	var req mirrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	m := models.Mirror{Enabled: true}
	if err := req.apply(cfg, &m); err != nil {
		renderRequestError(w, r, err)
		return
	}

	created, err := datastore.CreateMirror(ctx, dbx, m)
	if err != nil {
		renderError(w, r, err)
		return
	}

	renderJSON(w, http.StatusCreated, newMirrorResponse(cfg, created))
}

func getMirror(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := config.FromContext(ctx)

	m, err := mirrorFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, newMirrorResponse(cfg, m))
}

func updateMirror(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := config.FromContext(ctx)
	dbx := db.FromContext(ctx)
	datastore := store.FromContext(ctx)

	m, err := mirrorFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	var req mirrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	if err := req.apply(cfg, &m); err != nil {
		renderRequestError(w, r, err)
		return
	}

	if err := datastore.UpdateMirror(ctx, dbx, m); err != nil {
		renderError(w, r, err)
		return
	}

	updated, err := datastore.GetMirrorByID(ctx, dbx, m.ID)
	if err != nil {
		renderError(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, newMirrorResponse(cfg, updated))
}

// deleteMirror removes the mirror, its history and lease (cascade), and
// its local clone. With ?downstream=true the downstream repository is
// deleted as well.
func deleteMirror(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := config.FromContext(ctx)
	dbx := db.FromContext(ctx)
	datastore := store.FromContext(ctx)
	logger := log.FromContext(ctx)

	m, err := mirrorFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	// Stop any in-flight sync before pulling the row out from under it.
	if sched := sync.FromContext(ctx); sched != nil {
		sched.CancelSync(m.ID) // nolint: errcheck
	}

	if err := datastore.DeleteMirrorByID(ctx, dbx, m.ID); err != nil {
		renderError(w, r, err)
		return
	}

	dir := filepath.Join(cfg.Sync.CloneRoot, strconv.FormatInt(m.ID, 10))
	if err := os.RemoveAll(dir); err != nil {
		logger.Error("error removing clone", "mirror", m.ID, "err", err)
	}

	if del, _ := strconv.ParseBool(r.URL.Query().Get("downstream")); del {
		owner := m.DownstreamOwner
		if owner == "" {
			owner = cfg.Downstream.User
		}
		if client := gitea.FromContext(ctx); client != nil {
			if err := client.DeleteRepo(ctx, owner, m.DownstreamName); err != nil {
				logger.Error("error deleting downstream repository",
					"target", owner+"/"+m.DownstreamName, "err", err)
			}
		}
	}

	renderJSON(w, http.StatusNoContent, nil)
}

// mirrorFromRequest loads the mirror addressed by the route.
func mirrorFromRequest(r *http.Request) (models.Mirror, error) {
	ctx := r.Context()
	dbx := db.FromContext(ctx)
	datastore := store.FromContext(ctx)

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return models.Mirror{}, proto.ErrMirrorNotFound
	}

	return datastore.GetMirrorByID(ctx, dbx, id)
}

// renderRequestError renders validation errors as 400s.
func renderRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var bad badRequestError
	if errors.As(err, &bad) {
		renderJSON(w, http.StatusBadRequest, errorResponse{Error: bad.Error()})
		return
	}
	renderError(w, r, err)
}
