package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/matryer/is"

	"github.com/mirrorkeep/mirrorkeep/pkg/config"
	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/migrate"
	"github.com/mirrorkeep/mirrorkeep/pkg/store"
	"github.com/mirrorkeep/mirrorkeep/pkg/store/database"
	"github.com/mirrorkeep/mirrorkeep/pkg/sync"
	"github.com/mirrorkeep/mirrorkeep/pkg/test"
)

type fixture struct {
	ctx    context.Context
	srv    *httptest.Server
	dbx    *db.DB
	store  store.Store
	sched  *sync.Scheduler
	client *http.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.TODO()

	cfg := config.DefaultConfig()
	cfg.DataPath = t.TempDir()
	cfg.Downstream.User = "svc"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	ctx = config.WithContext(ctx, cfg)
	ctx = log.WithContext(ctx, log.New(io.Discard))

	dbx, err := test.OpenSqlite(ctx, t)
	if err != nil {
		t.Fatal(err)
	}
	if err := migrate.Migrate(ctx, dbx); err != nil {
		t.Fatal(err)
	}
	ctx = db.WithContext(ctx, dbx)

	datastore := database.New(ctx, dbx)
	ctx = store.WithContext(ctx, datastore)

	// No workers are started: triggered jobs stay queued, which is all
	// the handlers need.
	engine := sync.NewEngine(ctx, nil)
	sched := sync.NewScheduler(ctx, engine)
	ctx = sync.WithContext(ctx, sched)

	srv := httptest.NewServer(NewRouter(ctx))
	t.Cleanup(srv.Close)

	return &fixture{
		ctx:    ctx,
		srv:    srv,
		dbx:    dbx,
		store:  datastore,
		sched:  sched,
		client: srv.Client(),
	}
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close() // nolint: errcheck

	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, data
}

func (f *fixture) createMirror(t *testing.T, name string) mirrorResponse {
	t.Helper()
	res, data := f.request(t, http.MethodPost, "/api/v1/mirrors", mirrorRequest{
		Name:        name,
		UpstreamURL: "https://github.com/acme/" + name,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mirror => %d: %s", res.StatusCode, data)
	}
	var m mirrorResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreateAndGetMirror(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	m := f.createMirror(t, "repo")
	is.Equal(m.Name, "repo")
	is.Equal(m.UpstreamURL, "https://github.com/acme/repo.git") // normalized
	is.Equal(m.DownstreamName, "repo")
	is.Equal(m.LastStatus, "never")
	is.True(m.Enabled)

	res, data := f.request(t, http.MethodGet, fmt.Sprintf("/api/v1/mirrors/%d", m.ID), nil)
	is.Equal(res.StatusCode, http.StatusOK)

	var got mirrorResponse
	is.NoErr(json.Unmarshal(data, &got))
	is.Equal(got.ID, m.ID)
}

func TestCreateMirrorValidation(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	res, _ := f.request(t, http.MethodPost, "/api/v1/mirrors", mirrorRequest{
		UpstreamURL: "https://github.com/acme/x",
	})
	is.Equal(res.StatusCode, http.StatusBadRequest) // missing name

	res, _ = f.request(t, http.MethodPost, "/api/v1/mirrors", mirrorRequest{
		Name:        "x",
		UpstreamURL: "ssh://git@github.com/acme/x.git",
	})
	is.Equal(res.StatusCode, http.StatusBadRequest) // ssh out of scope
}

func TestCreateMirrorDuplicateTarget(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	f.createMirror(t, "dup")
	res, _ := f.request(t, http.MethodPost, "/api/v1/mirrors", mirrorRequest{
		Name:        "dup",
		UpstreamURL: "https://github.com/elsewhere/dup",
	})
	is.Equal(res.StatusCode, http.StatusConflict)
}

func TestUpdateMirror(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	m := f.createMirror(t, "upd")
	enabled := false
	res, data := f.request(t, http.MethodPut, fmt.Sprintf("/api/v1/mirrors/%d", m.ID), mirrorRequest{
		Name:         "upd",
		UpstreamURL:  "https://github.com/acme/upd",
		Description:  "updated",
		Enabled:      &enabled,
		SyncInterval: "30m",
	})
	is.Equal(res.StatusCode, http.StatusOK)

	var got mirrorResponse
	is.NoErr(json.Unmarshal(data, &got))
	is.Equal(got.Description, "updated")
	is.Equal(got.Enabled, false)
	is.Equal(got.SyncInterval, int64(1800))
}

func TestDeleteMirror(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	m := f.createMirror(t, "del")
	res, _ := f.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/mirrors/%d", m.ID), nil)
	is.Equal(res.StatusCode, http.StatusNoContent)

	res, _ = f.request(t, http.MethodGet, fmt.Sprintf("/api/v1/mirrors/%d", m.ID), nil)
	is.Equal(res.StatusCode, http.StatusNotFound)
}

func TestTriggerSyncAcceptsThenCoalesces(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	m := f.createMirror(t, "trig")

	res, data := f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/mirrors/%d/sync", m.ID), nil)
	is.Equal(res.StatusCode, http.StatusAccepted)

	var body map[string]string
	is.NoErr(json.Unmarshal(data, &body))
	is.Equal(body["status"], "accepted")

	// The job is still queued; a second trigger coalesces.
	res, data = f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/mirrors/%d/sync", m.ID), nil)
	is.Equal(res.StatusCode, http.StatusConflict)
	is.NoErr(json.Unmarshal(data, &body))
	is.Equal(body["status"], "already_running")
}

func TestTriggerSyncUnknownMirror(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	res, _ := f.request(t, http.MethodPost, "/api/v1/mirrors/999/sync", nil)
	is.Equal(res.StatusCode, http.StatusNotFound)
}

func TestCancelWithoutRunningSync(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	m := f.createMirror(t, "cancel")
	res, _ := f.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/mirrors/%d/sync", m.ID), nil)
	is.Equal(res.StatusCode, http.StatusBadRequest)
}

func TestHistoryEndpoints(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	m := f.createMirror(t, "hist")

	res, data := f.request(t, http.MethodGet, fmt.Sprintf("/api/v1/mirrors/%d/history", m.ID), nil)
	is.Equal(res.StatusCode, http.StatusOK)

	var attempts []attemptResponse
	is.NoErr(json.Unmarshal(data, &attempts))
	is.Equal(len(attempts), 0)

	res, _ = f.request(t, http.MethodGet, "/api/v1/history?limit=bogus", nil)
	is.Equal(res.StatusCode, http.StatusBadRequest)
}

func TestHealthEndpoints(t *testing.T) {
	is := is.New(t)
	f := newFixture(t)

	res, _ := f.request(t, http.MethodGet, "/livez", nil)
	is.Equal(res.StatusCode, http.StatusOK)

	res, _ = f.request(t, http.MethodGet, "/readyz", nil)
	is.Equal(res.StatusCode, http.StatusOK)
}
