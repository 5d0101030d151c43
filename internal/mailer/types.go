package mailer

import (
	"time"

	"eventbot/internal/transport"
)

// Outcome is the terminal per-recipient state of one batch send.
type Outcome int

const (
	// Delivered means the transport accepted the message.
	Delivered Outcome = iota
	// SkippedBlocked means the recipient blocked the bot or the chat is
	// unreachable. Never retried.
	SkippedBlocked
	// SkippedInvalid means the request was rejected as invalid (unknown
	// chat, bad content). Never retried.
	SkippedInvalid
	// FailedPermanently means transient errors exhausted the attempt budget.
	FailedPermanently
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case SkippedBlocked:
		return "skipped_blocked"
	case SkippedInvalid:
		return "skipped_invalid"
	default:
		return "failed_permanently"
	}
}

// Result is one recipient's outcome within a batch.
type Result struct {
	Target   transport.ChatTarget
	Outcome  Outcome
	Attempts int   // transient attempts consumed (rate-limit waits excluded)
	Err      error // last error for non-delivered outcomes
}

// Summary aggregates a batch for reporting. Individual failures stay out
// of user-facing messages; only counts are surfaced.
type Summary struct {
	Total     int
	Delivered int
	Skipped   int
	Failed    int
}

func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Outcome {
		case Delivered:
			s.Delivered++
		case SkippedBlocked, SkippedInvalid:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	return s
}

// Config controls the delivery engine.
//
// Defaults applied by New():
//   - Concurrency: 10
//   - BaseDelay: 1s
//   - MaxAttempts: 5
//   - RetryAfterMargin: 500ms
//   - JitterMax: 500ms
//   - RatePerSec: 0 (gate only, no global limiter)
type Config struct {
	Concurrency      int
	BaseDelay        time.Duration
	MaxAttempts      int
	RetryAfterMargin time.Duration
	JitterMax        time.Duration
	RatePerSec       int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryAfterMargin <= 0 {
		c.RetryAfterMargin = 500 * time.Millisecond
	}
	if c.JitterMax <= 0 {
		c.JitterMax = 500 * time.Millisecond
	}
	return c
}
