package jobs

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/mirrorkeep/mirrorkeep/pkg/config"
	"github.com/mirrorkeep/mirrorkeep/pkg/sync"
)

func init() {
	Register("sync-planner", plannerJob{})
}

// plannerJob ticks the sync planner, enqueueing every enabled mirror whose
// interval has elapsed.
type plannerJob struct{}

var _ Runner = plannerJob{}

// Spec implements Runner.
func (plannerJob) Spec(ctx context.Context) string {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.Jobs.SyncPlanner == "" {
		return "@every 1m"
	}
	return cfg.Jobs.SyncPlanner
}

// Func implements Runner.
func (plannerJob) Func(ctx context.Context) func() {
	logger := log.FromContext(ctx).WithPrefix("jobs.planner")
	return func() {
		sched := sync.FromContext(ctx)
		if sched == nil {
			logger.Error("no scheduler in context")
			return
		}

		sched.Plan(ctx)
	}
}
