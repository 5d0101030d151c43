package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "eventbot/pkg/logx"
)

func (s *Service) enqueue(q queuedJob) {
	s.mu.Lock()
	queue := s.queue
	started := s.started
	s.mu.Unlock()
	if !started || queue == nil {
		return
	}
	select {
	case queue <- q:
	default:
		n := atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("job queue full, dropping",
			logx.String("job", q.id), logx.Uint64("dropped_total", n))
		s.metrics.ObserveJobRun("dropped")
	}
}

func (s *Service) runWorkers(stopCh <-chan struct{}, stopDone chan<- struct{}, queue chan queuedJob, n int) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s.worker(stopCh, queue)
		}()
	}
	wg.Wait()
	close(stopDone)
}

func (s *Service) worker(stopCh <-chan struct{}, queue chan queuedJob) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case q := <-queue:
			s.execOne(stopCh, q)
		}
	}
}

func (s *Service) execOne(stopCh <-chan struct{}, q queuedJob) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !q.enqueuedAt.IsZero() {
		queueDelay = start.Sub(q.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	timeout := q.timeout
	if timeout <= 0 {
		s.mu.Lock()
		timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.log.Debug("job started", logx.String("job", q.id), logx.Duration("queue_delay", queueDelay))

	var err error
	// Panic guard: one bad job must not kill a worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panic",
					logx.String("job", q.id), logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		err = q.run(ctx)
	}()

	dur := time.Since(start)
	if err != nil {
		s.metrics.ObserveJobRun("failed")
		s.log.Warn("job failed",
			logx.String("job", q.id), logx.Duration("dur", dur), logx.Err(err))
		return
	}
	s.metrics.ObserveJobRun("ok")
	s.log.Debug("job completed", logx.String("job", q.id), logx.Duration("dur", dur))
}
