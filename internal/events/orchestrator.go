package events

import (
	"context"
	"fmt"
	"time"

	"eventbot/internal/mailer"
	"eventbot/internal/scheduler"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

// JobStore is the slice of the scheduler the orchestrator needs.
type JobStore interface {
	Upsert(id string, at time.Time, job scheduler.JobFunc) error
	Remove(id string) bool
}

// Sender delivers one message to many chats and reports per-recipient
// outcomes. Satisfied by *mailer.Mailer.
type Sender interface {
	SendBatch(ctx context.Context, targets []transport.ChatTarget, text string, opt *transport.SendOptions) []mailer.Result
}

// LinkIssuer mints deep-link URLs. Satisfied by *deeplink.Service.
type LinkIssuer interface {
	Issue(ctx context.Context, kind storage.LinkKind, eventID int64) (string, error)
}

// Config carries delivery targets that are not per-event.
type Config struct {
	// BroadcastChatID, when non-zero, receives event announcements in
	// addition to the owner.
	BroadcastChatID int64
}

// Orchestrator keeps the scheduler in sync with events: each stored event
// maps to zero to three armed one-shot jobs, one per future obligation.
type Orchestrator struct {
	cfg    Config
	store  storage.Store
	jobs   JobStore
	mail   Sender
	links  LinkIssuer
	log    logx.Logger
	nowFn  func() time.Time
}

func NewOrchestrator(cfg Config, store storage.Store, jobs JobStore, mail Sender, links LinkIssuer, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		cfg:   cfg,
		store: store,
		jobs:  jobs,
		mail:  mail,
		links: links,
		log:   log,
		nowFn: time.Now,
	}
}

// Arm upserts jobs for every future obligation of ev and removes jobs for
// obligations that no longer qualify. Safe to call repeatedly; calling it
// after an edit replaces stale fire times. All obligations are attempted
// even when one fails; the first upsert error is returned.
func (o *Orchestrator) Arm(ev storage.Event) error {
	now := o.nowFn()
	derived := Derive(ev, now)

	var firstErr error
	armed := map[Kind]bool{}
	for _, ob := range derived {
		armed[ob.Kind] = true
		id := JobID(ev.ID, ob.Kind)
		if err := o.jobs.Upsert(id, ob.At, o.jobFor(ev.ID, ob.Kind)); err != nil {
			o.log.Error("job upsert failed",
				logx.String("job", id), logx.Time("at", ob.At), logx.Err(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("arm %s: %w", id, err)
			}
			continue
		}
		o.log.Info("job armed", logx.String("job", id), logx.Time("at", ob.At))
	}

	// An edit can retract an obligation (timestamp cleared, moved to the
	// past, or text removed): disarm whatever no longer derives.
	for _, k := range allKinds {
		if !armed[k] {
			if o.jobs.Remove(JobID(ev.ID, k)) {
				o.log.Info("job disarmed", logx.String("job", JobID(ev.ID, k)))
			}
		}
	}
	return firstErr
}

// Disarm removes all jobs for an event. Idempotent; unknown ids are no-ops.
func (o *Orchestrator) Disarm(eventID int64) {
	for _, k := range allKinds {
		if o.jobs.Remove(JobID(eventID, k)) {
			o.log.Info("job disarmed", logx.String("job", JobID(eventID, k)))
		}
	}
}

// RearmAll restores jobs from storage, typically at startup. Events whose
// obligations all lie in the past derive nothing and are skipped. Returns
// the number of events processed. Every event is attempted even when one
// fails to arm; the first error is returned.
func (o *Orchestrator) RearmAll(ctx context.Context) (int, error) {
	now := o.nowFn()
	evs, err := o.store.EventsWithFutureObligation(ctx, now)
	if err != nil {
		return 0, err
	}
	var firstErr error
	for _, ev := range evs {
		if err := o.Arm(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.log.Info("jobs restored", logx.Int("events", len(evs)))
	return len(evs), firstErr
}

func (o *Orchestrator) jobFor(eventID int64, kind Kind) scheduler.JobFunc {
	switch kind {
	case KindPublish:
		return func(ctx context.Context) error { return o.runPublish(ctx, eventID) }
	case KindReminder:
		return func(ctx context.Context) error { return o.runReminder(ctx, eventID) }
	default:
		return func(ctx context.Context) error { return o.runConfirm(ctx, eventID) }
	}
}
