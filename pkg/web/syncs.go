package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mirrorkeep/mirrorkeep/pkg/config"
	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
	"github.com/mirrorkeep/mirrorkeep/pkg/store"
	"github.com/mirrorkeep/mirrorkeep/pkg/sync"
)

// SyncsController registers the sync trigger, cancel, and history routes.
func SyncsController(_ context.Context, r *mux.Router) {
	r.HandleFunc("/api/v1/mirrors/{id:[0-9]+}/sync", triggerSync).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/mirrors/{id:[0-9]+}/sync", cancelSync).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/mirrors/{id:[0-9]+}/history", mirrorHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sync", triggerSyncAll).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/history", globalHistory).Methods(http.MethodGet)
}

// attemptResponse is the JSON representation of a sync attempt.
type attemptResponse struct {
	ID               int64      `json:"id"`
	MirrorID         int64      `json:"mirror_id"`
	Trigger          string     `json:"trigger"`
	Outcome          string     `json:"outcome,omitempty"`
	StageReached     string     `json:"stage_reached"`
	ErrorClass       string     `json:"error_class,omitempty"`
	ErrorDetail      string     `json:"error_detail,omitempty"`
	BytesTransferred int64      `json:"bytes_transferred"`
	RefsUpdated      int64      `json:"refs_updated"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

func newAttemptResponse(cfg *config.Config, a models.SyncAttempt) attemptResponse {
	loc := cfg.Location()
	res := attemptResponse{
		ID:               a.ID,
		MirrorID:         a.MirrorID,
		Trigger:          a.Trigger,
		StageReached:     a.StageReached,
		BytesTransferred: a.BytesTransferred,
		RefsUpdated:      a.RefsUpdated,
		StartedAt:        a.StartedAt.In(loc),
	}
	if a.Outcome.Valid {
		res.Outcome = a.Outcome.String
	}
	if a.ErrorClass.Valid {
		res.ErrorClass = a.ErrorClass.String
	}
	if a.ErrorDetail.Valid {
		res.ErrorDetail = a.ErrorDetail.String
	}
	if a.FinishedAt.Valid {
		t := a.FinishedAt.Time.In(loc)
		res.FinishedAt = &t
	}
	return res
}

// triggerSync requests a manual sync. A sync already running or queued for
// the mirror is coalesced: the caller is told instead of queueing a
// duplicate behind it.
func triggerSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sched := sync.FromContext(ctx)

	m, err := mirrorFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	if err := sched.TriggerSync(m.ID); err != nil {
		if err == proto.ErrAlreadyRunning {
			renderJSON(w, http.StatusConflict, map[string]string{"status": "already_running"})
			return
		}
		renderError(w, r, err)
		return
	}

	renderJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// cancelSync cancels the in-flight sync of a mirror.
func cancelSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sched := sync.FromContext(ctx)

	m, err := mirrorFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	if err := sched.CancelSync(m.ID); err != nil {
		renderError(w, r, err)
		return
	}

	renderJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// triggerSyncAll enqueues every enabled mirror.
func triggerSyncAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sched := sync.FromContext(ctx)

	n, err := sched.TriggerAll(ctx)
	if err != nil {
		renderError(w, r, err)
		return
	}

	renderJSON(w, http.StatusAccepted, map[string]int{"accepted": n})
}

func mirrorHistory(w http.ResponseWriter, r *http.Request) {
	m, err := mirrorFromRequest(r)
	if err != nil {
		renderError(w, r, err)
		return
	}

	renderHistory(w, r, m.ID)
}

func globalHistory(w http.ResponseWriter, r *http.Request) {
	renderHistory(w, r, 0)
}

func renderHistory(w http.ResponseWriter, r *http.Request, mirrorID int64) {
	ctx := r.Context()
	cfg := config.FromContext(ctx)
	dbx := db.FromContext(ctx)
	datastore := store.FromContext(ctx)

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			renderJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	attempts, err := datastore.RecentHistory(ctx, dbx, mirrorID, limit)
	if err != nil {
		renderError(w, r, err)
		return
	}

	res := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		res = append(res, newAttemptResponse(cfg, a))
	}
	renderJSON(w, http.StatusOK, res)
}
