package database

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/migrate"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
	"github.com/mirrorkeep/mirrorkeep/pkg/store"
	"github.com/mirrorkeep/mirrorkeep/pkg/test"
)

func setup(t *testing.T) (context.Context, *db.DB, store.Store) {
	t.Helper()
	ctx := context.TODO()
	dbx, err := test.OpenSqlite(ctx, t)
	if err != nil {
		t.Fatal(err)
	}
	if err := migrate.Migrate(ctx, dbx); err != nil {
		t.Fatal(err)
	}
	return ctx, dbx, New(ctx, dbx)
}

func seedMirror(t *testing.T, ctx context.Context, dbx *db.DB, s store.Store, name string) models.Mirror {
	t.Helper()
	m, err := s.CreateMirror(ctx, dbx, models.Mirror{
		Name:            name,
		UpstreamURL:     "https://github.com/acme/" + name + ".git",
		DownstreamOwner: "",
		DownstreamName:  name,
		Enabled:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreateMirrorUniqueTarget(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	m := seedMirror(t, ctx, dbx, s, "repo")
	is.True(m.ID > 0)
	is.Equal(m.LastStatus, proto.StatusNever.String())

	_, err := s.CreateMirror(ctx, dbx, models.Mirror{
		Name:           "other name same target",
		UpstreamURL:    "https://github.com/acme/other.git",
		DownstreamName: "repo",
		Enabled:        true,
	})
	is.Equal(err, proto.ErrMirrorExist)
}

func TestMirrorCRUD(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	m := seedMirror(t, ctx, dbx, s, "crud")
	m.Description = "a mirror"
	m.Enabled = false
	is.NoErr(s.UpdateMirror(ctx, dbx, m))

	got, err := s.GetMirrorByID(ctx, dbx, m.ID)
	is.NoErr(err)
	is.Equal(got.Description, "a mirror")
	is.Equal(got.Enabled, false)

	enabled := true
	list, err := s.ListMirrors(ctx, dbx, store.MirrorFilter{Enabled: &enabled})
	is.NoErr(err)
	is.Equal(len(list), 0)

	is.NoErr(s.DeleteMirrorByID(ctx, dbx, m.ID))
	_, err = s.GetMirrorByID(ctx, dbx, m.ID)
	is.Equal(err, proto.ErrMirrorNotFound)
}

func TestDeleteMirrorCascades(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	m := seedMirror(t, ctx, dbx, s, "cascade")
	_, err := s.BeginAttempt(ctx, dbx, m.ID, proto.TriggerScheduled, time.Now())
	is.NoErr(err)

	is.NoErr(s.DeleteMirrorByID(ctx, dbx, m.ID))

	history, err := s.RecentHistory(ctx, dbx, m.ID, 10)
	is.NoErr(err)
	is.Equal(len(history), 0)
}

func TestAttemptFinalizeOnce(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	m := seedMirror(t, ctx, dbx, s, "final")
	a, err := s.BeginAttempt(ctx, dbx, m.ID, proto.TriggerManual, time.Now())
	is.NoErr(err)
	is.True(!a.Outcome.Valid) // outcome empty until finalized

	final := store.AttemptFinal{
		Outcome:      proto.OutcomeSuccess,
		StageReached: proto.StageDone,
		RefsUpdated:  3,
		FinishedAt:   time.Now(),
	}
	is.NoErr(s.FinalizeAttempt(ctx, dbx, a.ID, final))

	// History is append-only: a second finalization must be rejected.
	final.Outcome = proto.OutcomeFailed
	is.Equal(s.FinalizeAttempt(ctx, dbx, a.ID, final), proto.ErrAttemptFinalized)

	got, err := s.GetAttemptByID(ctx, dbx, a.ID)
	is.NoErr(err)
	is.Equal(got.Outcome.String, proto.OutcomeSuccess.String())
	is.Equal(got.RefsUpdated, int64(3))
}

func TestFinalizeMissingAttempt(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	err := s.FinalizeAttempt(ctx, dbx, 999, store.AttemptFinal{
		Outcome:      proto.OutcomeFailed,
		StageReached: proto.StageInit,
		FinishedAt:   time.Now(),
	})
	is.Equal(err, proto.ErrAttemptNotFound)
}

func TestRecentHistoryOrderAndScope(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	m1 := seedMirror(t, ctx, dbx, s, "h1")
	m2 := seedMirror(t, ctx, dbx, s, "h2")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := s.BeginAttempt(ctx, dbx, m1.ID, proto.TriggerScheduled, base.Add(time.Duration(i)*time.Minute))
		is.NoErr(err)
	}
	_, err := s.BeginAttempt(ctx, dbx, m2.ID, proto.TriggerScheduled, base)
	is.NoErr(err)

	history, err := s.RecentHistory(ctx, dbx, m1.ID, 2)
	is.NoErr(err)
	is.Equal(len(history), 2)
	is.True(history[0].StartedAt.After(history[1].StartedAt) || history[0].ID > history[1].ID)

	all, err := s.RecentHistory(ctx, dbx, 0, 10)
	is.NoErr(err)
	is.Equal(len(all), 4)
}

func TestAcquireLeaseSingleHolder(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	m := seedMirror(t, ctx, dbx, s, "lease")
	now := time.Now()

	var acquired bool
	var prev proto.SyncStatus
	err := dbx.TransactionContext(ctx, func(tx *db.Tx) error {
		var err error
		acquired, prev, err = s.AcquireLease(ctx, tx, m.ID, "w1", now, time.Minute)
		return err
	})
	is.NoErr(err)
	is.True(acquired)
	is.Equal(prev, proto.StatusNever)

	// Status and lease flip together.
	got, err := s.GetMirrorByID(ctx, dbx, m.ID)
	is.NoErr(err)
	is.Equal(got.LastStatus, proto.StatusRunning.String())

	// A second holder cannot acquire a live lease.
	err = dbx.TransactionContext(ctx, func(tx *db.Tx) error {
		var err error
		acquired, _, err = s.AcquireLease(ctx, tx, m.ID, "w2", now, time.Minute)
		return err
	})
	is.NoErr(err)
	is.True(!acquired)
}

func TestAcquireLeaseStealsExpired(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	m := seedMirror(t, ctx, dbx, s, "steal")
	start := time.Now().Add(-time.Hour)

	err := dbx.TransactionContext(ctx, func(tx *db.Tx) error {
		acquired, _, err := s.AcquireLease(ctx, tx, m.ID, "dead", start, time.Minute)
		if !acquired {
			t.Error("expected first acquire to succeed")
		}
		return err
	})
	is.NoErr(err)

	// The dead worker's lease expired long ago; a new worker steals it.
	var acquired bool
	err = dbx.TransactionContext(ctx, func(tx *db.Tx) error {
		var err error
		acquired, _, err = s.AcquireLease(ctx, tx, m.ID, "alive", time.Now(), time.Minute)
		return err
	})
	is.NoErr(err)
	is.True(acquired)

	lease, err := s.GetLease(ctx, dbx, m.ID)
	is.NoErr(err)
	is.Equal(lease.Holder, "alive")
}

func TestReleaseLeaseSetsFinalStatus(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	m := seedMirror(t, ctx, dbx, s, "release")
	err := dbx.TransactionContext(ctx, func(tx *db.Tx) error {
		_, _, err := s.AcquireLease(ctx, tx, m.ID, "w1", time.Now(), time.Minute)
		return err
	})
	is.NoErr(err)

	err = dbx.TransactionContext(ctx, func(tx *db.Tx) error {
		return s.ReleaseLease(ctx, tx, m.ID, "w1", proto.StatusFailed)
	})
	is.NoErr(err)

	got, err := s.GetMirrorByID(ctx, dbx, m.ID)
	is.NoErr(err)
	is.Equal(got.LastStatus, proto.StatusFailed.String())

	_, err = s.GetLease(ctx, dbx, m.ID)
	is.True(err != nil) // lease gone
}

func TestSetMirrorSyncFields(t *testing.T) {
	is := is.New(t)
	ctx, dbx, s := setup(t)

	m := seedMirror(t, ctx, dbx, s, "fields")
	now := time.Now().UTC().Truncate(time.Second)

	is.NoErr(s.SetMirrorLastAttempt(ctx, dbx, m.ID, now))
	is.NoErr(s.SetMirrorError(ctx, dbx, m.ID, "transient network error"))

	got, err := s.GetMirrorByID(ctx, dbx, m.ID)
	is.NoErr(err)
	is.True(got.LastAttemptAt.Valid)
	is.Equal(got.LastError.String, "transient network error")

	is.NoErr(s.SetMirrorSuccess(ctx, dbx, m.ID, now, 4096))
	got, err = s.GetMirrorByID(ctx, dbx, m.ID)
	is.NoErr(err)
	is.True(got.LastSuccessAt.Valid)
	is.True(!got.LastError.Valid) // cleared on success
	is.Equal(got.SizeBytes, int64(4096))
}
