package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"
)

type eventStep int

const (
	evTitle eventStep = iota
	evPoster
	evPublishAt
	evReminderAt
	evReminderText
	evConfirmAt
	evConfirmText
	evCategory
)

// eventFlow walks an admin through creating an event. The reminder and
// confirmation obligations are optional; skipping the timestamp skips the
// text prompt too.
type eventFlow struct {
	ownerID int64
	step    eventStep
	ev      storage.Event
}

func newEventFlow(ownerID int64) *eventFlow {
	return &eventFlow{ownerID: ownerID, ev: storage.Event{OwnerID: ownerID}}
}

// newEventEditFlow re-runs the wizard against an existing event. Every
// field is re-entered; re-arming afterwards replaces or retracts the
// scheduled jobs to match the new obligations.
func newEventEditFlow(ev storage.Event) *eventFlow {
	return &eventFlow{
		ownerID: ev.OwnerID,
		ev:      storage.Event{ID: ev.ID, OwnerID: ev.OwnerID, CreatedAt: ev.CreatedAt},
	}
}

func (f *eventFlow) Step(ctx context.Context, r *Router, msg *transport.Message) (bool, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		r.reply(ctx, msg.ChatID, "Please answer with text, or /cancel.")
		return false, nil
	}

	switch f.step {
	case evTitle:
		f.ev.Title = text
		f.step = evPoster
		r.reply(ctx, msg.ChatID, "Send the announcement text that will be published.")
		return false, nil

	case evPoster:
		f.ev.PosterText = text
		f.step = evPublishAt
		r.reply(ctx, msg.ChatID,
			fmt.Sprintf("When should it be published? Format: %s (local time).", timeLayout))
		return false, nil

	case evPublishAt:
		at, ok := f.parseFuture(ctx, r, msg.ChatID, text)
		if !ok {
			return false, nil
		}
		f.ev.PublishAt = at
		f.step = evReminderAt
		r.reply(ctx, msg.ChatID,
			fmt.Sprintf("When should the reminder go out? %s, or «-» for no reminder.", timeLayout))
		return false, nil

	case evReminderAt:
		if text == "-" {
			f.step = evConfirmAt
			r.reply(ctx, msg.ChatID,
				fmt.Sprintf("When to ask registrants to confirm attendance? %s, or «-» to skip.", timeLayout))
			return false, nil
		}
		at, ok := f.parseFuture(ctx, r, msg.ChatID, text)
		if !ok {
			return false, nil
		}
		f.ev.ReminderAt = &at
		f.step = evReminderText
		r.reply(ctx, msg.ChatID, "Send the reminder text.")
		return false, nil

	case evReminderText:
		f.ev.ReminderText = text
		f.step = evConfirmAt
		r.reply(ctx, msg.ChatID,
			fmt.Sprintf("When to ask registrants to confirm attendance? %s, or «-» to skip.", timeLayout))
		return false, nil

	case evConfirmAt:
		if text == "-" {
			f.step = evCategory
			r.reply(ctx, msg.ChatID, "Finally, a category label, or «-» for none.")
			return false, nil
		}
		at, ok := f.parseFuture(ctx, r, msg.ChatID, text)
		if !ok {
			return false, nil
		}
		f.ev.ConfirmAt = &at
		f.step = evConfirmText
		r.reply(ctx, msg.ChatID, "Send the confirmation request text.")
		return false, nil

	case evConfirmText:
		f.ev.ConfirmText = text
		f.step = evCategory
		r.reply(ctx, msg.ChatID, "Finally, a category label, or «-» for none.")
		return false, nil

	default: // evCategory
		if text != "-" {
			f.ev.Category = text
		}
		return true, f.finish(ctx, r, msg.ChatID)
	}
}

func (f *eventFlow) parseFuture(ctx context.Context, r *Router, chatID int64, text string) (time.Time, bool) {
	at, err := time.ParseInLocation(timeLayout, text, time.Local)
	if err != nil {
		r.reply(ctx, chatID,
			fmt.Sprintf("Could not parse that. Use %s, e.g. %s.", timeLayout, time.Now().Add(24*time.Hour).Format(timeLayout)))
		return time.Time{}, false
	}
	if !at.After(time.Now()) {
		r.reply(ctx, chatID, "That moment is already in the past. Pick a future time.")
		return time.Time{}, false
	}
	return at, true
}

func (f *eventFlow) finish(ctx context.Context, r *Router, chatID int64) error {
	if f.ev.ID != 0 {
		return f.finishEdit(ctx, r, chatID)
	}
	saved, err := r.deps.Store.CreateEvent(ctx, f.ev)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	if err := r.deps.Orch.Arm(saved); err != nil {
		r.log.Error("arm event failed", logx.Int64("event_id", saved.ID), logx.Err(err))
		r.reply(ctx, chatID, fmt.Sprintf(
			"«%s» was saved, but scheduling its announcements failed. Edit the event to retry.", saved.Title))
		return nil
	}
	r.log.Info("event created",
		logx.Int64("event_id", saved.ID),
		logx.Int64("owner_id", f.ownerID),
		logx.Time("publish_at", saved.PublishAt))

	join, err := r.deps.Links.Issue(ctx, storage.LinkJoin, saved.ID)
	if err != nil {
		return fmt.Errorf("issue join link: %w", err)
	}
	speaker, err := r.deps.Links.Issue(ctx, storage.LinkSpeaker, saved.ID)
	if err != nil {
		return fmt.Errorf("issue speaker link: %w", err)
	}

	b := tgui.New().Title("✅", "Event created: "+saved.Title)
	b.KV("Publish", saved.PublishAt.Format(timeLayout))
	if saved.ReminderAt != nil {
		b.KV("Reminder", saved.ReminderAt.Format(timeLayout))
	}
	if saved.ConfirmAt != nil {
		b.KV("Confirmation ask", saved.ConfirmAt.Format(timeLayout))
	}
	b.Blank()
	b.RawLine("Listener link: " + tgui.Code(join).String())
	b.RawLine("Speaker link: " + tgui.Code(speaker).String())
	_, err = b.Build().Send(ctx, r.deps.Adapter, transport.ChatTarget{ChatID: chatID})
	return err
}

func (f *eventFlow) finishEdit(ctx context.Context, r *Router, chatID int64) error {
	changed, err := r.deps.Store.UpdateEvent(ctx, f.ev)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if !changed {
		r.reply(ctx, chatID, "This event no longer exists.")
		return nil
	}
	// Re-arm with the edited obligations: moved times replace jobs, cleared
	// ones are retracted.
	if err := r.deps.Orch.Arm(f.ev); err != nil {
		r.log.Error("arm event failed", logx.Int64("event_id", f.ev.ID), logx.Err(err))
		r.reply(ctx, chatID, fmt.Sprintf(
			"«%s» was saved, but scheduling its announcements failed. Edit the event to retry.", f.ev.Title))
		return nil
	}
	r.log.Info("event updated",
		logx.Int64("event_id", f.ev.ID),
		logx.Int64("owner_id", f.ownerID),
		logx.Time("publish_at", f.ev.PublishAt))

	b := tgui.New().Title("✅", "Event updated: "+f.ev.Title)
	b.KV("Publish", f.ev.PublishAt.Format(timeLayout))
	if f.ev.ReminderAt != nil {
		b.KV("Reminder", f.ev.ReminderAt.Format(timeLayout))
	}
	if f.ev.ConfirmAt != nil {
		b.KV("Confirmation ask", f.ev.ConfirmAt.Format(timeLayout))
	}
	b.Blank()
	b.Line("Invite links are unchanged; existing ones keep working.")
	_, err = b.Build().Send(ctx, r.deps.Adapter, transport.ChatTarget{ChatID: chatID})
	return err
}
