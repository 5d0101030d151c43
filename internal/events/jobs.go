package events

import (
	"context"
	"fmt"

	"eventbot/internal/mailer"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

// runPublish announces the event poster to the owner and, when configured,
// the broadcast chat.
func (o *Orchestrator) runPublish(ctx context.Context, eventID int64) error {
	ev, ok, err := o.store.EventByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event %d: %w", eventID, err)
	}
	if !ok {
		// Deleted between arming and firing. Not an error.
		o.log.Info("publish skipped, event gone", logx.Int64("event_id", eventID))
		return nil
	}

	targets := []transport.ChatTarget{{ChatID: ev.OwnerID}}
	if o.cfg.BroadcastChatID != 0 && o.cfg.BroadcastChatID != ev.OwnerID {
		targets = append(targets, transport.ChatTarget{ChatID: o.cfg.BroadcastChatID})
	}

	// The post is how the broadcast audience reaches the bot, so it carries
	// fresh registration links minted at fire time.
	join, err := o.links.Issue(ctx, storage.LinkJoin, eventID)
	if err != nil {
		return fmt.Errorf("issue join link for event %d: %w", eventID, err)
	}
	speaker, err := o.links.Issue(ctx, storage.LinkSpeaker, eventID)
	if err != nil {
		return fmt.Errorf("issue speaker link for event %d: %w", eventID, err)
	}
	text := ev.PosterText +
		"\n\nListener registration: " + join +
		"\nSpeaker registration: " + speaker

	results := o.mail.SendBatch(ctx, targets, text, nil)
	o.reportBatch(ctx, ev, KindPublish, results, false)
	return nil
}

// runReminder sends the reminder text to everyone registered for the
// event, listeners and speakers alike.
func (o *Orchestrator) runReminder(ctx context.Context, eventID int64) error {
	ev, ok, err := o.store.EventByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event %d: %w", eventID, err)
	}
	if !ok {
		o.log.Info("reminder skipped, event gone", logx.Int64("event_id", eventID))
		return nil
	}
	if ev.ReminderText == "" {
		o.log.Warn("reminder skipped, text cleared", logx.Int64("event_id", eventID))
		return nil
	}

	targets, err := o.registrationTargets(ctx, eventID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		o.log.Info("reminder skipped, no registrations", logx.Int64("event_id", eventID))
		return nil
	}

	results := o.mail.SendBatch(ctx, targets, ev.ReminderText, nil)
	o.reportBatch(ctx, ev, KindReminder, results, true)
	return nil
}

// runConfirm mints a fresh confirmation deep link and asks every
// registrant to confirm attendance through it.
func (o *Orchestrator) runConfirm(ctx context.Context, eventID int64) error {
	ev, ok, err := o.store.EventByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event %d: %w", eventID, err)
	}
	if !ok {
		o.log.Info("confirm skipped, event gone", logx.Int64("event_id", eventID))
		return nil
	}
	if ev.ConfirmText == "" {
		o.log.Warn("confirm skipped, text cleared", logx.Int64("event_id", eventID))
		return nil
	}

	targets, err := o.registrationTargets(ctx, eventID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		o.log.Info("confirm skipped, no registrations", logx.Int64("event_id", eventID))
		return nil
	}

	// The link is minted per firing, not at arm time, so an edited or
	// re-armed confirm job always hands out a live token.
	url, err := o.links.Issue(ctx, storage.LinkConfirm, eventID)
	if err != nil {
		return fmt.Errorf("issue confirm link for event %d: %w", eventID, err)
	}
	text := ev.ConfirmText + "\n\n" + url

	results := o.mail.SendBatch(ctx, targets, text, nil)
	o.reportBatch(ctx, ev, KindConfirm, results, true)
	return nil
}

// registrationTargets is the live recipient set: everyone registered at
// fire time, regardless of when the job was armed.
func (o *Orchestrator) registrationTargets(ctx context.Context, eventID int64) ([]transport.ChatTarget, error) {
	regs, err := o.store.RegistrationsForEvent(ctx, eventID, "")
	if err != nil {
		return nil, fmt.Errorf("load registrations for event %d: %w", eventID, err)
	}
	seen := make(map[int64]bool, len(regs))
	targets := make([]transport.ChatTarget, 0, len(regs))
	for _, r := range regs {
		if seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true
		targets = append(targets, transport.ChatTarget{ChatID: r.UserID})
	}
	return targets, nil
}

// reportBatch tells the event owner how the delivery went, counts only.
func (o *Orchestrator) reportBatch(ctx context.Context, ev storage.Event, kind Kind, results []mailer.Result, notifyOwner bool) {
	sum := mailer.Summarize(results)
	o.log.Info("delivery finished",
		logx.Int64("event_id", ev.ID),
		logx.String("kind", string(kind)),
		logx.Int("total", sum.Total),
		logx.Int("delivered", sum.Delivered),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed))

	if !notifyOwner {
		return
	}
	text := fmt.Sprintf("«%s»: %s sent to %d of %d recipients", ev.Title, kind, sum.Delivered, sum.Total)
	if sum.Skipped > 0 || sum.Failed > 0 {
		text += fmt.Sprintf(" (%d unreachable, %d failed)", sum.Skipped, sum.Failed)
	}
	_ = o.mail.SendBatch(ctx, []transport.ChatTarget{{ChatID: ev.OwnerID}}, text, nil)
}
