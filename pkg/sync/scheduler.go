package sync

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/mirrorkeep/mirrorkeep/pkg/config"
	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
	"github.com/mirrorkeep/mirrorkeep/pkg/stats"
	"github.com/mirrorkeep/mirrorkeep/pkg/store"
	"github.com/mirrorkeep/mirrorkeep/pkg/task"
)

// leaseMargin pads the lease TTL past the stage timeout so a healthy sync
// never loses its lease mid-flight, while a crashed worker's lease still
// expires.
const leaseMargin = 5 * time.Minute

// queueDepth bounds how many jobs can wait for a worker.
const queueDepth = 256

// job is one "sync this mirror now" request.
type job struct {
	mirrorID int64
	trigger  proto.Trigger
}

// Scheduler plans sync jobs and drains them through a fixed worker pool,
// enforcing at-most-one concurrent sync per mirror via store leases.
type Scheduler struct {
	cfg       *config.Config
	db        *db.DB
	datastore store.Store
	engine    *Engine
	tasks     *task.Manager
	logger    *log.Logger

	queue  chan job
	queued sync.Map // mirrorID -> struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler returns a new scheduler around the given engine. It expects
// a context carrying the config, database, store, and logger.
func NewScheduler(ctx context.Context, engine *Engine) *Scheduler {
	return &Scheduler{
		cfg:       config.FromContext(ctx),
		db:        db.FromContext(ctx),
		datastore: store.FromContext(ctx),
		engine:    engine,
		tasks:     task.NewManager(ctx),
		logger:    log.FromContext(ctx).WithPrefix("sched"),
		queue:     make(chan job, queueDepth),
	}
}

// Start launches the worker pool. Workers exit once Shutdown closes the
// queue; after ctx is cancelled they discard queued jobs without running them.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Sync.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Shutdown stops issuing jobs, cancels in-flight syncs, and waits for the
// workers up to the context deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.queue) })
	s.tasks.StopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Plan enqueues a scheduled job for every enabled, due mirror. It is
// invoked periodically by the planner cron job.
func (s *Scheduler) Plan(ctx context.Context) {
	enabled := true
	mirrors, err := s.datastore.ListMirrors(ctx, s.db, store.MirrorFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("error listing mirrors", "err", err)
		return
	}

	now := time.Now().UTC()
	for _, m := range mirrors {
		if !s.due(m, now) {
			continue
		}
		if err := s.enqueue(m.ID, proto.TriggerScheduled); err == nil {
			s.logger.Debug("planned sync", "mirror", m.ID)
		}
	}
}

// due reports whether the mirror's effective interval has elapsed since
// its last attempt.
func (s *Scheduler) due(m models.Mirror, now time.Time) bool {
	interval := s.cfg.Sync.IntervalDuration()
	if m.SyncInterval.Valid && m.SyncInterval.Int64 > 0 {
		interval = time.Duration(m.SyncInterval.Int64) * time.Second
	}

	if !m.LastAttemptAt.Valid {
		return true
	}
	return now.Sub(m.LastAttemptAt.Time) >= interval
}

// TriggerSync injects a manual job for one mirror. It bypasses the enabled
// flag and the due check but still coalesces with a running or queued
// sync: callers get proto.ErrAlreadyRunning instead of a queued duplicate.
func (s *Scheduler) TriggerSync(mirrorID int64) error {
	if s.tasks.Exists(mirrorID) {
		return proto.ErrAlreadyRunning
	}
	return s.enqueue(mirrorID, proto.TriggerManual)
}

// TriggerAll enqueues every enabled mirror, returning how many jobs were
// accepted.
func (s *Scheduler) TriggerAll(ctx context.Context) (int, error) {
	enabled := true
	mirrors, err := s.datastore.ListMirrors(ctx, s.db, store.MirrorFilter{Enabled: &enabled})
	if err != nil {
		return 0, err
	}

	var n int
	for _, m := range mirrors {
		if s.tasks.Exists(m.ID) {
			continue
		}
		if err := s.enqueue(m.ID, proto.TriggerManual); err == nil {
			n++
		}
	}
	return n, nil
}

// CancelSync cancels the in-flight sync of a mirror.
func (s *Scheduler) CancelSync(mirrorID int64) error {
	if err := s.tasks.Stop(mirrorID); err != nil {
		return proto.ErrNotRunning
	}
	return nil
}

// Running reports whether the mirror has a sync in flight.
func (s *Scheduler) Running(mirrorID int64) bool {
	return s.tasks.Exists(mirrorID)
}

// enqueue adds a job unless the mirror is already waiting in the queue.
func (s *Scheduler) enqueue(mirrorID int64, trigger proto.Trigger) error {
	if _, loaded := s.queued.LoadOrStore(mirrorID, struct{}{}); loaded {
		return proto.ErrAlreadyRunning
	}

	select {
	case s.queue <- job{mirrorID: mirrorID, trigger: trigger}:
		return nil
	default:
		s.queued.Delete(mirrorID)
		s.logger.Warn("job queue full, dropping job", "mirror", mirrorID)
		return proto.ErrAlreadyRunning
	}
}

// worker drains the queue, taking the mirror lease before every sync and
// releasing it with the attempt's final status afterwards.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	holder := uuid.NewString()
	logger := s.logger.With("worker", holder[:8])

	for j := range s.queue {
		s.queued.Delete(j.mirrorID)

		if ctx.Err() != nil {
			continue
		}

		s.runJob(ctx, logger, holder, j)
	}
}

func (s *Scheduler) runJob(ctx context.Context, logger *log.Logger, holder string, j job) {
	ttl := s.cfg.Sync.TimeoutDuration() + leaseMargin

	var acquired bool
	var prev proto.SyncStatus
	err := s.db.TransactionContext(ctx, func(tx *db.Tx) error {
		var err error
		acquired, prev, err = s.datastore.AcquireLease(ctx, tx, j.mirrorID, holder, time.Now(), ttl)
		return err
	})
	if err != nil {
		logger.Error("error acquiring lease", "mirror", j.mirrorID, "err", err)
		return
	}
	if !acquired {
		// Another holder owns the mirror; the next planner tick will
		// requeue if needed.
		stats.JobDropped()
		logger.Debug("lease held, dropping job", "mirror", j.mirrorID)
		return
	}

	jobCtx, err := s.tasks.Start(j.mirrorID)
	if err != nil {
		// A task slipped in between the coalescing check and the lease;
		// give the lease back untouched.
		s.releaseLease(ctx, logger, j.mirrorID, holder, prev)
		return
	}

	stats.SyncStarted()
	attempt := s.engine.Sync(jobCtx, j.mirrorID, j.trigger)
	s.tasks.Done(j.mirrorID)

	s.releaseLease(ctx, logger, j.mirrorID, holder, finalStatus(attempt, prev))
}

// finalStatus maps an attempt outcome to the mirror status the lease
// release publishes. A cancelled attempt restores the status that was
// persisted before the sync started.
func finalStatus(attempt models.SyncAttempt, prev proto.SyncStatus) proto.SyncStatus {
	switch proto.Outcome(attempt.Outcome.String) {
	case proto.OutcomeSuccess:
		return proto.StatusSuccess
	case proto.OutcomeCancelled:
		if prev == "" || prev == proto.StatusRunning {
			return proto.StatusNever
		}
		return prev
	default:
		return proto.StatusFailed
	}
}

func (s *Scheduler) releaseLease(ctx context.Context, logger *log.Logger, mirrorID int64, holder string, status proto.SyncStatus) {
	// The release must happen even when the job context died.
	ctx = context.WithoutCancel(ctx)
	err := s.db.TransactionContext(ctx, func(tx *db.Tx) error {
		return s.datastore.ReleaseLease(ctx, tx, mirrorID, holder, status)
	})
	if err != nil {
		logger.Error("error releasing lease", "mirror", mirrorID, "err", err)
	}
}
