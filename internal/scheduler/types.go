package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"eventbot/internal/observability"
	logx "eventbot/pkg/logx"
)

// Config controls the job store.
type Config struct {
	Workers        int           // execution goroutines (default 4)
	QueueSize      int           // fired-job queue capacity (default 64)
	DefaultTimeout time.Duration // per-run timeout when none given (default 2m)
	Timezone       string        // IANA TZ for cron maintenance jobs
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 2 * time.Minute
	}
	return c
}

// JobFunc is the unit of scheduled work.
type JobFunc func(ctx context.Context) error

type queuedJob struct {
	id         string
	run        JobFunc
	timeout    time.Duration
	enqueuedAt time.Time
}

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     JobFunc
	entryID cron.EntryID
}

// Service owns one-shot jobs keyed by a stable id (upsert semantics) plus
// recurring cron maintenance schedules. Execution happens on a small worker
// pool; timer callbacks only enqueue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log     logx.Logger
	metrics *observability.Metrics

	c     *cron.Cron
	crons []cronDef

	// One-shot timers. Version counters let a replaced or removed job's
	// pending timer callback detect it is stale and bail out.
	tmu    sync.Mutex
	timers map[string]*time.Timer
	onceAt map[string]time.Time
	job    map[string]JobFunc
	ver    map[string]uint64

	queue    chan queuedJob
	stopCh   chan struct{}
	stopDone chan struct{}
	started  bool

	dropped uint64
}

// JobInfo describes one armed one-shot job.
type JobInfo struct {
	ID    string
	RunAt time.Time
}
