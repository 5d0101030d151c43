package scheduler

import (
	"errors"
	"sort"
	"time"
)

// Upsert arms a one-shot job. If a job with the same id is already armed
// it is replaced, fire time included; the old timer's callback is ignored
// via the version counter. Past-due times fire immediately.
func (s *Service) Upsert(id string, at time.Time, job JobFunc) error {
	if id == "" {
		return errEmptyName
	}
	if at.IsZero() {
		return errors.New("scheduler: fire time required")
	}
	if job == nil {
		return errors.New("scheduler: job required")
	}

	// Snapshot the running flag before touching tmu. Start holds mu while
	// rebuilding timers under tmu, so the lock order is always mu then tmu.
	s.mu.Lock()
	running := s.started
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	ver := s.ver[id] + 1
	s.ver[id] = ver
	s.onceAt[id] = at
	s.job[id] = job
	if running {
		s.armTimerLocked(id, at, ver)
	}
	n := len(s.onceAt)
	s.tmu.Unlock()

	if !running {
		// Start may have rebuilt timers between the snapshot and the write
		// above. Re-check and arm here so the definition is not left dormant
		// until the next restart.
		s.mu.Lock()
		running = s.started
		s.mu.Unlock()
		if running {
			s.tmu.Lock()
			if _, ok := s.timers[id]; !ok && s.ver[id] == ver {
				s.armTimerLocked(id, at, ver)
			}
			s.tmu.Unlock()
		}
	}

	s.metrics.SetJobsArmed(n)
	return nil
}

// Remove disarms a one-shot job. Returns true if it was armed. Removing an
// unknown id is a no-op.
func (s *Service) Remove(id string) bool {
	removed := false
	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
		removed = true
	}
	if _, ok := s.onceAt[id]; ok {
		delete(s.onceAt, id)
		removed = true
	}
	delete(s.job, id)
	delete(s.ver, id)
	n := len(s.onceAt)
	s.tmu.Unlock()

	s.metrics.SetJobsArmed(n)
	return removed
}

// IsScheduled reports whether a one-shot job with this id is armed.
func (s *Service) IsScheduled(id string) bool {
	s.tmu.Lock()
	_, ok := s.onceAt[id]
	s.tmu.Unlock()
	return ok
}

// ScheduledAt returns the armed fire time for id.
func (s *Service) ScheduledAt(id string) (time.Time, bool) {
	s.tmu.Lock()
	at, ok := s.onceAt[id]
	s.tmu.Unlock()
	return at, ok
}

// Jobs lists armed one-shot jobs ordered by fire time.
func (s *Service) Jobs() []JobInfo {
	s.tmu.Lock()
	out := make([]JobInfo, 0, len(s.onceAt))
	for id, at := range s.onceAt {
		out = append(out, JobInfo{ID: id, RunAt: at})
	}
	s.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

func (s *Service) jobCount() int {
	s.tmu.Lock()
	n := len(s.onceAt)
	s.tmu.Unlock()
	return n
}

// armTimerLocked creates the runtime timer for an armed definition.
// Call with s.tmu held.
func (s *Service) armTimerLocked(id string, at time.Time, ver uint64) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	localID := id
	localVer := ver
	tmr := time.AfterFunc(delay, func() {
		s.tmu.Lock()
		curVer := s.ver[localID]
		jobNow := s.job[localID]
		_, armed := s.onceAt[localID]
		if curVer != localVer || jobNow == nil || !armed {
			// Replaced or removed since this timer was set.
			s.tmu.Unlock()
			return
		}
		// Clear the definition before running so a crash mid-run cannot
		// re-fire the same job on restart recovery.
		delete(s.timers, localID)
		delete(s.onceAt, localID)
		delete(s.job, localID)
		delete(s.ver, localID)
		n := len(s.onceAt)
		s.tmu.Unlock()

		s.metrics.SetJobsArmed(n)
		s.enqueue(queuedJob{id: localID, run: jobNow, enqueuedAt: time.Now()})
	})
	s.timers[localID] = tmr
}

// rebuildTimersLocked re-arms runtime timers from persisted definitions.
// Call with s.mu held.
func (s *Service) rebuildTimersLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}

	for id, at := range s.onceAt {
		if s.job[id] == nil {
			delete(s.onceAt, id)
			delete(s.ver, id)
			continue
		}
		ver := s.ver[id]
		if ver == 0 {
			ver = 1
			s.ver[id] = ver
		}
		s.armTimerLocked(id, at, ver)
	}
}
