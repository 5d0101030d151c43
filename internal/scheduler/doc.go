// Package scheduler is the job store: one-shot timers keyed by stable id
// with upsert-by-id semantics, plus recurring cron maintenance schedules.
//
// Timer callbacks never run work inline; they enqueue onto a bounded queue
// drained by a fixed worker pool. Definitions survive Stop/Start so the
// owning process can re-arm them after a restart.
package scheduler
