package sync

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/matryer/is"

	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
	"github.com/mirrorkeep/mirrorkeep/pkg/task"
)

func newSchedulerFixture(t *testing.T) (*engineFixture, *Scheduler) {
	t.Helper()
	f := newEngineFixture(t)
	s := &Scheduler{
		cfg:       f.engine.cfg,
		db:        f.dbx,
		datastore: f.store,
		engine:    f.engine,
		tasks:     task.NewManager(context.TODO()),
		logger:    log.New(io.Discard),
		queue:     make(chan job, queueDepth),
	}
	return f, s
}

func TestEnqueueCoalescesQueuedJobs(t *testing.T) {
	is := is.New(t)
	_, s := newSchedulerFixture(t)

	is.NoErr(s.enqueue(1, proto.TriggerScheduled))
	is.Equal(s.enqueue(1, proto.TriggerManual), proto.ErrAlreadyRunning)
	is.NoErr(s.enqueue(2, proto.TriggerScheduled))
}

func TestTriggerSyncWhileRunning(t *testing.T) {
	is := is.New(t)
	_, s := newSchedulerFixture(t)

	_, err := s.tasks.Start(7)
	is.NoErr(err)
	is.Equal(s.TriggerSync(7), proto.ErrAlreadyRunning)

	s.tasks.Done(7)
	is.NoErr(s.TriggerSync(7))
}

func TestRunJobSerializesPerMirror(t *testing.T) {
	is := is.New(t)
	f, s := newSchedulerFixture(t)
	m := f.seedMirror(t, "")

	// Run the same job twice back to back: each run must find a free
	// lease, sync, and release.
	for i := 0; i < 2; i++ {
		s.runJob(context.TODO(), s.logger, "holder", job{mirrorID: m.ID, trigger: proto.TriggerScheduled})
	}

	history, err := f.store.RecentHistory(f.ctx, f.dbx, m.ID, 10)
	is.NoErr(err)
	is.Equal(len(history), 2)

	// No attempt rows overlap: each finished before the next started.
	for _, a := range history {
		is.True(a.FinishedAt.Valid)
	}

	got, err := f.store.GetMirrorByID(f.ctx, f.dbx, m.ID)
	is.NoErr(err)
	is.Equal(got.LastStatus, proto.StatusSuccess.String())

	// Lease gone after release.
	_, err = f.store.GetLease(f.ctx, f.dbx, m.ID)
	is.True(err != nil)
}

func TestRunJobDropsWhenLeaseHeld(t *testing.T) {
	is := is.New(t)
	f, s := newSchedulerFixture(t)
	m := f.seedMirror(t, "")

	// A foreign holder owns the lease.
	acquireTx(t, f, m.ID, "foreign")

	s.runJob(context.TODO(), s.logger, "holder", job{mirrorID: m.ID, trigger: proto.TriggerScheduled})

	history, err := f.store.RecentHistory(f.ctx, f.dbx, m.ID, 10)
	is.NoErr(err)
	is.Equal(len(history), 0) // job dropped, no attempt recorded

	lease, err := f.store.GetLease(f.ctx, f.dbx, m.ID)
	is.NoErr(err)
	is.Equal(lease.Holder, "foreign")
}

func TestDueComputation(t *testing.T) {
	is := is.New(t)
	_, s := newSchedulerFixture(t)
	now := time.Now().UTC()

	// Never attempted: due immediately.
	is.True(s.due(models.Mirror{}, now))

	recent := models.Mirror{LastAttemptAt: sql.NullTime{Time: now.Add(-time.Minute), Valid: true}}
	is.True(!s.due(recent, now)) // default interval is one hour

	old := models.Mirror{LastAttemptAt: sql.NullTime{Time: now.Add(-2 * time.Hour), Valid: true}}
	is.True(s.due(old, now))

	// Per-mirror override beats the global default.
	fast := models.Mirror{
		LastAttemptAt: sql.NullTime{Time: now.Add(-time.Minute), Valid: true},
		SyncInterval:  sql.NullInt64{Int64: 30, Valid: true},
	}
	is.True(s.due(fast, now))
}

func TestPlanEnqueuesDueMirrors(t *testing.T) {
	is := is.New(t)
	f, s := newSchedulerFixture(t)

	due := f.seedMirror(t, "")

	disabled, err := f.store.CreateMirror(f.ctx, f.dbx, models.Mirror{
		Name:           "disabled",
		UpstreamURL:    "https://github.com/acme/disabled.git",
		DownstreamName: "disabled",
		Enabled:        false,
	})
	is.NoErr(err)

	s.Plan(f.ctx)

	is.Equal(len(s.queue), 1)
	j := <-s.queue
	is.Equal(j.mirrorID, due.ID)
	is.True(j.mirrorID != disabled.ID)
	is.Equal(j.trigger, proto.TriggerScheduled)
}

func TestFinalStatusMapping(t *testing.T) {
	outcome := func(o proto.Outcome) models.SyncAttempt {
		return models.SyncAttempt{Outcome: sql.NullString{String: o.String(), Valid: true}}
	}

	for name, tc := range map[string]struct {
		attempt models.SyncAttempt
		prev    proto.SyncStatus
		want    proto.SyncStatus
	}{
		"success":           {outcome(proto.OutcomeSuccess), proto.StatusNever, proto.StatusSuccess},
		"failed":            {outcome(proto.OutcomeFailed), proto.StatusSuccess, proto.StatusFailed},
		"timeout":           {outcome(proto.OutcomeTimeout), proto.StatusSuccess, proto.StatusFailed},
		"cancelled reverts": {outcome(proto.OutcomeCancelled), proto.StatusSuccess, proto.StatusSuccess},
		"cancelled never":   {outcome(proto.OutcomeCancelled), proto.StatusNever, proto.StatusNever},
	} {
		if got := finalStatus(tc.attempt, tc.prev); got != tc.want {
			t.Errorf("%s: finalStatus => %s, want %s", name, got, tc.want)
		}
	}
}

// acquireTx grabs the lease for mirrorID inside a transaction.
func acquireTx(t *testing.T, f *engineFixture, mirrorID int64, holder string) {
	t.Helper()
	err := f.dbx.TransactionContext(f.ctx, func(tx *db.Tx) error {
		acquired, _, err := f.store.AcquireLease(f.ctx, tx, mirrorID, holder, time.Now(), time.Minute)
		if err == nil && !acquired {
			t.Fatal("expected lease acquisition to succeed")
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}
