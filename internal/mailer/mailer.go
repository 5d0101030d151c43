// Package mailer is the bulk delivery engine: one message fanned out to a
// recipient list under a bounded-concurrency admission gate, with
// per-recipient retry and failure classification.
//
// A batch never fails wholesale: every recipient independently reaches a
// terminal outcome and the caller gets exactly one Result per input
// target. Rate-limit waits imposed by the transport are honored with a
// safety margin and do not count against the transient attempt budget.
package mailer

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"eventbot/internal/observability"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type Mailer struct {
	mu      sync.Mutex
	cfg     Config
	gate    chan struct{}
	limiter *rate.Limiter

	adapter transport.Adapter
	log     logx.Logger
	metrics *observability.Metrics

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, adapter transport.Adapter, metrics *observability.Metrics, log logx.Logger) *Mailer {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Mailer{
		adapter: adapter,
		log:     log,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	m.applyLocked(cfg)
	return m
}

// Apply swaps the config at runtime. In-flight batches keep the gate they
// started with; new batches pick up the new size.
func (m *Mailer) Apply(cfg Config) {
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
}

func (m *Mailer) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	m.cfg = cfg
	m.gate = make(chan struct{}, cfg.Concurrency)
	if cfg.RatePerSec > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		m.limiter = nil
	}
}

// SendBatch delivers text to every target and returns one Result per
// target (same cardinality, same order). It blocks until every recipient
// reaches a terminal state; only ctx cancellation cuts it short, in which
// case unfinished recipients are reported as failed.
func (m *Mailer) SendBatch(ctx context.Context, targets []transport.ChatTarget, text string, opt *transport.SendOptions) []Result {
	results := make([]Result, len(targets))
	if len(targets) == 0 {
		return results
	}

	// Snapshot mutable dependencies so Apply() cannot race a running batch.
	m.mu.Lock()
	cfg := m.cfg
	gate := m.gate
	lim := m.limiter
	m.mu.Unlock()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(len(targets))
	for i, t := range targets {
		i, t := i, t
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in mailer send",
						logx.Int64("chat_id", t.ChatID),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
					results[i] = Result{Target: t, Outcome: FailedPermanently}
				}
			}()
			results[i] = m.sendOne(ctx, cfg, gate, lim, t, text, opt)
			m.metrics.ObserveDelivery(results[i].Outcome.String())
		}()
	}
	wg.Wait()

	sum := Summarize(results)
	fields := []logx.Field{
		logx.Int("total", sum.Total),
		logx.Int("delivered", sum.Delivered),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed),
		logx.Duration("took", time.Since(start)),
	}
	if sum.Failed > 0 {
		m.log.Warn("batch finished with failures", fields...)
	} else {
		m.log.Info("batch finished", fields...)
	}
	return results
}

// sendOne drives a single recipient to a terminal outcome. Attempts for
// one recipient are strictly sequential; the admission gate is held only
// around the actual transport call, never across backoff sleeps.
func (m *Mailer) sendOne(ctx context.Context, cfg Config, gate chan struct{}, lim *rate.Limiter, t transport.ChatTarget, text string, opt *transport.SendOptions) Result {
	attempts := 0
	for {
		select {
		case gate <- struct{}{}:
		case <-ctx.Done():
			return Result{Target: t, Outcome: FailedPermanently, Attempts: attempts, Err: ctx.Err()}
		}

		var err error
		if lim != nil {
			err = lim.Wait(ctx)
		}
		if err == nil {
			m.metrics.SendStarted()
			_, err = m.adapter.SendText(ctx, t, text, opt)
			m.metrics.SendFinished()
		}
		<-gate

		if err == nil {
			return Result{Target: t, Outcome: Delivered, Attempts: attempts}
		}
		if ctx.Err() != nil {
			return Result{Target: t, Outcome: FailedPermanently, Attempts: attempts, Err: ctx.Err()}
		}

		se := transport.ClassifySend(err)
		switch se.Kind {
		case transport.ErrRateLimited:
			// Mandatory wait plus a small margin; does not consume the
			// attempt budget (throttling is not a failure).
			wait := se.RetryAfter + cfg.RetryAfterMargin
			m.metrics.ObserveRetry("rate_limited")
			m.log.Warn("rate limited, sleeping",
				logx.Int64("chat_id", t.ChatID), logx.Duration("wait", wait))
			if !sleepCtx(ctx, wait) {
				return Result{Target: t, Outcome: FailedPermanently, Attempts: attempts, Err: ctx.Err()}
			}

		case transport.ErrForbidden:
			m.log.Warn("recipient unreachable, skipping",
				logx.Int64("chat_id", t.ChatID), logx.Err(err))
			return Result{Target: t, Outcome: SkippedBlocked, Attempts: attempts, Err: err}

		case transport.ErrBadRequest:
			m.log.Warn("send rejected, skipping",
				logx.Int64("chat_id", t.ChatID), logx.Err(err))
			return Result{Target: t, Outcome: SkippedInvalid, Attempts: attempts, Err: err}

		default:
			attempts++
			if attempts >= cfg.MaxAttempts {
				m.log.Error("giving up on recipient",
					logx.Int64("chat_id", t.ChatID), logx.Int("attempts", attempts), logx.Err(err))
				return Result{Target: t, Outcome: FailedPermanently, Attempts: attempts, Err: err}
			}
			delay := cfg.BaseDelay*time.Duration(1<<(attempts-1)) + m.jitter(cfg.JitterMax)
			m.metrics.ObserveRetry("transient")
			m.log.Warn("send failed, retrying",
				logx.Int64("chat_id", t.ChatID), logx.Int("attempt", attempts),
				logx.Duration("delay", delay), logx.Err(err))
			if !sleepCtx(ctx, delay) {
				return Result{Target: t, Outcome: FailedPermanently, Attempts: attempts, Err: ctx.Err()}
			}
		}
	}
}

func (m *Mailer) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return time.Duration(m.rng.Int63n(int64(max)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}
