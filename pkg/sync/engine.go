// Package sync implements the mirror synchronization engine and its
// scheduler.
package sync

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mirrorkeep/mirrorkeep/pkg/config"
	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/db/models"
	"github.com/mirrorkeep/mirrorkeep/pkg/git"
	"github.com/mirrorkeep/mirrorkeep/pkg/gitea"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
	"github.com/mirrorkeep/mirrorkeep/pkg/stats"
	"github.com/mirrorkeep/mirrorkeep/pkg/store"
)

// GitDriver is the engine's view of the git CLI.
type GitDriver interface {
	Clone(ctx context.Context, url, dir string, timeout time.Duration, secrets ...string) (*git.Result, error)
	Fetch(ctx context.Context, dir string, timeout time.Duration, secrets ...string) (*git.Result, error)
	PushMirror(ctx context.Context, dir, pushURL string, timeout time.Duration, secrets ...string) (*git.Result, error)
	SanityCheck(ctx context.Context, dir string) error
	RemoteURL(ctx context.Context, dir string) (string, error)
	SetRemoteURL(ctx context.Context, dir, url string) error
}

// cliDriver is the production GitDriver backed by the git binary.
type cliDriver struct{}

func (cliDriver) Clone(ctx context.Context, url, dir string, timeout time.Duration, secrets ...string) (*git.Result, error) {
	return git.Clone(ctx, url, dir, timeout, secrets...)
}

func (cliDriver) Fetch(ctx context.Context, dir string, timeout time.Duration, secrets ...string) (*git.Result, error) {
	return git.Fetch(ctx, dir, timeout, secrets...)
}

func (cliDriver) PushMirror(ctx context.Context, dir, pushURL string, timeout time.Duration, secrets ...string) (*git.Result, error) {
	return git.PushMirror(ctx, dir, pushURL, timeout, secrets...)
}

func (cliDriver) SanityCheck(ctx context.Context, dir string) error {
	return git.SanityCheck(ctx, dir)
}

func (cliDriver) RemoteURL(ctx context.Context, dir string) (string, error) {
	return git.RemoteURL(ctx, dir)
}

func (cliDriver) SetRemoteURL(ctx context.Context, dir, url string) error {
	return git.SetRemoteURL(ctx, dir, url)
}

// RepoCreator is the engine's view of the Gitea API.
type RepoCreator interface {
	RepoExists(ctx context.Context, owner, name string) (bool, error)
	CreateUserRepo(ctx context.Context, opts gitea.CreateRepoOptions) (*gitea.Repository, error)
	CreateOrgRepo(ctx context.Context, org string, opts gitea.CreateRepoOptions) (*gitea.Repository, error)
}

// Engine executes one mirror sync end-to-end, producing one finalized
// SyncAttempt row per call once the mirror is loaded and its attempt row is
// inserted.
type Engine struct {
	cfg       *config.Config
	db        *db.DB
	datastore store.Store
	git       GitDriver
	gitea     RepoCreator
	logger    *log.Logger
}

// NewEngine returns a new sync engine. It expects a context carrying the
// config, database, store, and logger.
func NewEngine(ctx context.Context, client RepoCreator) *Engine {
	return &Engine{
		cfg:       config.FromContext(ctx),
		db:        db.FromContext(ctx),
		datastore: store.FromContext(ctx),
		git:       cliDriver{},
		gitea:     client,
		logger:    log.FromContext(ctx).WithPrefix("sync"),
	}
}

// stageErr is a classified stage failure.
type stageErr struct {
	class  proto.ErrorClass
	detail string
}

func (e *stageErr) Error() string { return e.class.String() + ": " + e.detail }

// syncRun carries the mutable state of one pipeline execution.
type syncRun struct {
	mirror  models.Mirror
	attempt models.SyncAttempt
	dir     string
	stage   proto.Stage
	retries int
	bytes   int64
	refs    int64
	detail  strings.Builder
}

// Sync synchronizes one mirror. The caller must already hold the mirror's
// lease. Sync never returns an error. Failures after the attempt row is
// inserted are encoded in the returned attempt; if the mirror cannot be
// loaded or the row cannot be inserted, no row is written and the returned
// attempt carries only the mirror id and start time.
func (e *Engine) Sync(ctx context.Context, mirrorID int64, trigger proto.Trigger) models.SyncAttempt {
	logger := e.logger.With("mirror", mirrorID, "trigger", trigger)
	started := time.Now().UTC()

	mirror, err := e.datastore.GetMirrorByID(ctx, e.db, mirrorID)
	if err != nil {
		logger.Error("error loading mirror", "err", err)
		return models.SyncAttempt{MirrorID: mirrorID, StartedAt: started}
	}

	attempt, err := e.datastore.BeginAttempt(ctx, e.db, mirrorID, trigger, started)
	if err != nil {
		logger.Error("error recording attempt", "err", err)
		return models.SyncAttempt{MirrorID: mirrorID, StartedAt: started}
	}

	if err := e.datastore.SetMirrorLastAttempt(ctx, e.db, mirrorID, started); err != nil {
		logger.Error("error updating mirror", "err", err)
	}

	run := &syncRun{
		mirror:  mirror,
		attempt: attempt,
		dir:     filepath.Join(e.cfg.Sync.CloneRoot, strconv.FormatInt(mirror.ID, 10)),
		stage:   proto.StageInit,
	}

	logger.Info("sync started", "upstream", git.RedactURL(mirror.UpstreamURL), "target", e.target(mirror))
	serr := e.pipeline(ctx, run)
	finished := time.Now().UTC()

	final := store.AttemptFinal{
		StageReached:     run.stage,
		BytesTransferred: run.bytes,
		RefsUpdated:      run.refs,
		FinishedAt:       finished,
	}

	switch {
	case serr == nil:
		final.Outcome = proto.OutcomeSuccess
	case ctx.Err() == context.Canceled:
		final.Outcome = proto.OutcomeCancelled
		final.ErrorClass = serr.class
		final.ErrorDetail = run.detail.String()
	case serr.class == proto.ClassTimeout:
		final.Outcome = proto.OutcomeTimeout
		final.ErrorClass = serr.class
		final.ErrorDetail = run.detail.String()
	default:
		final.Outcome = proto.OutcomeFailed
		final.ErrorClass = serr.class
		final.ErrorDetail = run.detail.String()
	}

	if err := e.finalize(ctx, run, final); err != nil {
		logger.Error("error finalizing attempt", "err", err)
	}

	stats.SyncFinished(final.Outcome.String(), finished.Sub(started))
	if serr == nil {
		logger.Info("sync done", "refs", run.refs, "elapsed", finished.Sub(started))
	} else {
		logger.Error("sync failed",
			"outcome", final.Outcome,
			"stage", run.stage,
			"class", serr.class,
			"err", serr.detail)
	}

	// Read back with a live context; the job's may already be cancelled.
	readCtx := context.WithoutCancel(ctx)
	got, err := e.datastore.GetAttemptByID(readCtx, e.db, attempt.ID)
	if err != nil {
		return attempt
	}
	return got
}

// finalize writes the attempt row and the mirror's status fields in one
// transaction. The mirror's last_status itself is flipped by the lease
// release.
func (e *Engine) finalize(ctx context.Context, run *syncRun, final store.AttemptFinal) error {
	// Finalization must survive a cancelled job context.
	ctx = context.WithoutCancel(ctx)
	return e.db.TransactionContext(ctx, func(tx *db.Tx) error {
		if err := e.datastore.FinalizeAttempt(ctx, tx, run.attempt.ID, final); err != nil {
			return err
		}

		switch final.Outcome {
		case proto.OutcomeSuccess:
			return e.datastore.SetMirrorSuccess(ctx, tx, run.mirror.ID, final.FinishedAt, dirSize(run.dir))
		case proto.OutcomeCancelled:
			return nil
		default:
			return e.datastore.SetMirrorError(ctx, tx, run.mirror.ID, final.ErrorClass.Summary())
		}
	})
}

// pipeline drives the stages in order, stopping at the first failure that
// survives the retry policy.
func (e *Engine) pipeline(ctx context.Context, run *syncRun) *stageErr {
	stages := []struct {
		stage proto.Stage
		fn    func(context.Context, *syncRun) *stageErr
	}{
		{proto.StageEnsureRemote, e.ensureRemote},
		{proto.StageFetch, e.fetch},
		{proto.StageEnsureDownstream, e.ensureDownstream},
		{proto.StagePush, e.push},
	}

	for _, s := range stages {
		run.stage = s.stage
		if serr := e.runStage(ctx, run, s.stage, s.fn); serr != nil {
			return serr
		}
	}

	run.stage = proto.StageDone
	return nil
}

// runStage executes one stage under the job's retry budget. Retries stay
// inside the same attempt; they are reflected in the detail blob, not in
// new history rows.
func (e *Engine) runStage(ctx context.Context, run *syncRun, stage proto.Stage, fn func(context.Context, *syncRun) *stageErr) *stageErr {
	for {
		serr := fn(ctx, run)
		if serr == nil {
			return nil
		}

		fmt.Fprintf(&run.detail, "%s: %s: %s\n", stage, serr.class, serr.detail)

		if ctx.Err() != nil {
			return serr
		}
		if !serr.class.Retryable() || run.retries >= e.retryBudget(serr.class) {
			return serr
		}

		delay := backoff(run.retries)
		run.retries++
		fmt.Fprintf(&run.detail, "retry %d/%d in %s\n", run.retries, e.cfg.Sync.RetryMax, delay)
		e.logger.Warn("retrying stage",
			"mirror", run.mirror.ID, "stage", stage, "class", serr.class, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return serr
		}
	}
}

// retryBudget returns how many in-job retries a class is allowed. Timeouts
// get a reduced budget; a stuck transfer rarely recovers on the third try.
func (e *Engine) retryBudget(class proto.ErrorClass) int {
	max := e.cfg.Sync.RetryMax
	if class == proto.ClassTimeout && max > 1 {
		return 1
	}
	return max
}

// ensureRemote makes sure the local clone exists, is healthy, and points
// at the mirror's current upstream. A corrupt or reconfigured clone is
// deleted and recreated; a clone whose origin only differs in credentials
// gets the stored URL refreshed in place.
func (e *Engine) ensureRemote(ctx context.Context, run *syncRun) *stageErr {
	upstream := e.upstreamURL(run.mirror)
	authURL, err := git.WithCredentials(upstream, "", e.cfg.Upstream.Token)
	if err != nil {
		return &stageErr{class: proto.ClassUnknown, detail: err.Error()}
	}

	if err := e.git.SanityCheck(ctx, run.dir); err != nil {
		return e.recreateClone(ctx, run, authURL)
	}

	remote, err := e.git.RemoteURL(ctx, run.dir)
	if err != nil || !sameRemote(remote, upstream) {
		// The mirror was reconfigured; the old clone is useless.
		return e.recreateClone(ctx, run, authURL)
	}

	if strings.TrimSpace(remote) != authURL {
		// Same upstream, different credentials: the token was rotated.
		if err := e.git.SetRemoteURL(ctx, run.dir, authURL); err != nil {
			return &stageErr{class: classifySys(err), detail: git.Scrub(err.Error(), e.secrets()...)}
		}
	}

	return nil
}

func (e *Engine) recreateClone(ctx context.Context, run *syncRun, authURL string) *stageErr {
	if err := os.RemoveAll(run.dir); err != nil {
		return &stageErr{class: classifySys(err), detail: err.Error()}
	}

	res, err := e.git.Clone(ctx, authURL, run.dir, e.cfg.Sync.TimeoutDuration(), e.secrets()...)
	if err != nil {
		// Drop the partial clone so the retry starts clean.
		os.RemoveAll(run.dir) // nolint: errcheck
		return gitStageErr(res, err, upstreamSide)
	}

	if res != nil {
		run.bytes += res.BytesTransferred()
	}
	return nil
}

// fetch updates every ref from the upstream, pruning deleted ones.
func (e *Engine) fetch(ctx context.Context, run *syncRun) *stageErr {
	res, err := e.git.Fetch(ctx, run.dir, e.cfg.Sync.TimeoutDuration(), e.secrets()...)
	if err != nil {
		return gitStageErr(res, err, upstreamSide)
	}
	if res != nil {
		run.bytes += res.BytesTransferred()
	}
	return nil
}

// ensureDownstream verifies the target repository exists, creating it when
// absent. A mirror with a downstream owner always routes through the
// organization endpoint: Gitea rejects push-to-create for org namespaces,
// and the user endpoint would create the repo in the wrong place.
func (e *Engine) ensureDownstream(ctx context.Context, run *syncRun) *stageErr {
	owner := e.targetOwner(run.mirror)

	exists, err := e.gitea.RepoExists(ctx, owner, run.mirror.DownstreamName)
	if err != nil {
		return &stageErr{class: classifyGitea(err), detail: err.Error()}
	}
	if exists {
		return nil
	}

	opts := gitea.CreateRepoOptions{
		Name:        run.mirror.DownstreamName,
		Description: "Mirror of " + git.RedactURL(run.mirror.UpstreamURL),
		Private:     false,
	}

	if run.mirror.DownstreamOwner != "" {
		_, err = e.gitea.CreateOrgRepo(ctx, run.mirror.DownstreamOwner, opts)
	} else {
		_, err = e.gitea.CreateUserRepo(ctx, opts)
	}
	if err != nil {
		class := classifyGitea(err)
		if class == proto.ClassDownstreamConflict {
			// Someone created it since the existence check; that is
			// exactly the state we wanted.
			return nil
		}
		return &stageErr{class: class, detail: err.Error()}
	}

	e.logger.Info("created downstream repository",
		"target", owner+"/"+run.mirror.DownstreamName)
	return nil
}

// push mirrors the full ref set downstream, deleting refs that no longer
// exist upstream.
func (e *Engine) push(ctx context.Context, run *syncRun) *stageErr {
	target := fmt.Sprintf("%s/%s/%s.git",
		e.cfg.Downstream.URL, url.PathEscape(e.targetOwner(run.mirror)), url.PathEscape(run.mirror.DownstreamName))

	pushURL, err := git.WithCredentials(target, e.cfg.Downstream.User, e.cfg.Downstream.Token)
	if err != nil {
		return &stageErr{class: proto.ClassUnknown, detail: err.Error()}
	}

	res, err := e.git.PushMirror(ctx, run.dir, pushURL, e.cfg.Sync.TimeoutDuration(), e.secrets()...)
	if res != nil {
		run.bytes += res.BytesTransferred()
		run.refs = res.RefsUpdated()
	}
	if err != nil {
		return gitStageErr(res, err, downstreamSide)
	}
	return nil
}

// gitStageErr builds a classified stage error from a git result. The
// library error may embed a credentialed URL, so it is scrubbed again even
// though the driver already scrubs its captured streams.
func gitStageErr(res *git.Result, err error, s side) *stageErr {
	detail := git.Scrub(err.Error())
	if res != nil && res.Stderr != "" {
		detail = res.Stderr
	}
	return &stageErr{class: classifyGit(res, err, s), detail: detail}
}

// secrets returns the values that must never reach logs or history rows.
func (e *Engine) secrets() []string {
	var s []string
	if e.cfg.Upstream.Token != "" {
		s = append(s, e.cfg.Upstream.Token)
	}
	if e.cfg.Downstream.Token != "" {
		s = append(s, e.cfg.Downstream.Token)
	}
	return s
}

// targetOwner resolves the downstream namespace: the mirror's organization
// when set, the service user otherwise.
func (e *Engine) targetOwner(m models.Mirror) string {
	if m.DownstreamOwner != "" {
		return m.DownstreamOwner
	}
	return e.cfg.Downstream.User
}

func (e *Engine) target(m models.Mirror) string {
	return e.targetOwner(m) + "/" + m.DownstreamName
}

// upstreamURL normalizes the mirror's upstream URL: relative owner/name
// forms resolve against the configured base, and a .git suffix is ensured.
func (e *Engine) upstreamURL(m models.Mirror) string {
	return NormalizeUpstreamURL(e.cfg.Upstream.Base, m.UpstreamURL)
}

// NormalizeUpstreamURL resolves raw against base when it is not absolute
// and ensures the .git suffix git expects on fetch URLs.
func NormalizeUpstreamURL(base, raw string) string {
	u := strings.TrimSuffix(raw, "/")
	if !strings.Contains(u, "://") {
		u = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(u, "/")
	}
	if !strings.HasSuffix(u, ".git") {
		u += ".git"
	}
	return u
}

// sameRemote compares two remote URLs ignoring credentials.
func sameRemote(a, b string) bool {
	return stripCreds(a) == stripCreds(b)
}

func stripCreds(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// dirSize walks the clone and sums file sizes. Best effort.
func dirSize(dir string) int64 {
	var size int64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error { // nolint: errcheck
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}
