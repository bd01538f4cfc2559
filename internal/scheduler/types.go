package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls firing behaviour. The reference timezone lives in the
// trigger compiler; the scheduler only evaluates compiled schedules.
type Config struct {
	// FireTimeout bounds a single firing (generation + delivery). 0 means 5m.
	FireTimeout time.Duration
}

// FireFunc runs one firing of a job. It must honour ctx.
type FireFunc func(ctx context.Context, id string)

// Job is one live entry in the job table.
type Job struct {
	ID       string
	OwnerID  int64
	Identity string // logical subscription identity; used to detect id reuse
	Trigger  cron.Schedule
	Fire     FireFunc
}

// JobInfo is a read-only view of a scheduled job.
type JobInfo struct {
	ID      string
	OwnerID int64
	Spec    string
	Next    time.Time
	Prev    time.Time
}

// RehydrateResult summarizes a rehydration or reconcile pass.
type RehydrateResult struct {
	Installed int
	Unchanged int
	Skipped   int
	Removed   int
}

type entry struct {
	Job
	entryID cron.EntryID
	lane    *lane
	removed atomic.Bool
}

// lane serializes firings of one job id and remembers the last due slot so
// a replaced job can't fire twice for the same due time. A lane outlives its
// job while firings hold it, so a job re-added under the same id queues
// behind them.
type lane struct {
	mu      sync.Mutex
	lastDue time.Time
	holders int // firings running or waiting; guarded by Service.mu
}

// anchored replays one already-due time before deferring to the wrapped
// schedule. It is used when a job is replaced at its firing boundary.
type anchored struct {
	cron.Schedule
	first time.Time
	used  bool
}

func (a *anchored) Next(t time.Time) time.Time {
	if !a.used {
		a.used = true
		return a.first
	}
	return a.Schedule.Next(t)
}
