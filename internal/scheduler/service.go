package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"eventbot/internal/observability"
	logx "eventbot/pkg/logx"
)

func New(cfg Config, metrics *observability.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		timers:  map[string]*time.Timer{},
		onceAt:  map[string]time.Time{},
		job:     map[string]JobFunc{},
		ver:     map[string]uint64{},
	}
}

// Start launches the worker pool and the cron runner, and arms timers for
// any jobs upserted before Start.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.queue = make(chan queuedJob, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for i := range s.crons {
		s.registerCronLocked(&s.crons[i])
	}
	s.c.Start()

	go s.runWorkers(s.stopCh, s.stopDone, s.queue, s.cfg.Workers)

	s.rebuildTimersLocked()
	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.String("tz", loc.String()),
		logx.Int("jobs", s.jobCount()))
}

// Stop halts cron, stops runtime timers and drains the workers. Armed job
// definitions are kept so a later Start re-arms them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.c
	s.c = nil
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	close(stopCh)
	select {
	case <-stopDone:
	case <-ctx.Done():
	}

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Metrics returns the metrics sink (nil-safe).
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// AddCron registers a recurring maintenance job, upserting by name.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job JobFunc) error {
	if strings.TrimSpace(name) == "" {
		return errEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeCronLocked(name)
	s.crons = append(s.crons, cronDef{name: name, spec: spec, timeout: timeout, job: job})
	if s.c != nil {
		return s.registerCronLocked(&s.crons[len(s.crons)-1])
	}
	return nil
}

// RemoveCron unregisters a maintenance job. Returns true if one existed.
func (s *Service) RemoveCron(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeCronLocked(name)
}

func (s *Service) registerCronLocked(d *cronDef) error {
	local := *d
	eid, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(queuedJob{id: local.name, run: local.job, timeout: local.timeout, enqueuedAt: time.Now()})
	})
	if err != nil {
		s.log.Error("cron register failed",
			logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return err
	}
	d.entryID = eid
	s.log.Debug("cron registered", logx.String("name", d.name), logx.String("spec", d.spec))
	return nil
}

func (s *Service) removeCronLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.crons {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.crons[n] = d
		n++
	}
	s.crons = s.crons[:n]
	return removed
}

var errEmptyName = errors.New("scheduler: name required")
