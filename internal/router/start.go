package router

import (
	"context"
	"fmt"

	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"
)

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	token := ""
	if req.Message != nil {
		token = req.Message.Payload
	}
	if token == "" {
		r.reply(ctx, req.Chat.ChatID,
			"Hi! This bot manages event invitations, reminders and attendance. See /help.")
		return nil
	}

	pl, ok, err := r.deps.Links.Resolve(ctx, token)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	if !ok {
		r.reply(ctx, req.Chat.ChatID, "This link is invalid or has expired.")
		return nil
	}

	ev, found, err := r.deps.Store.EventByID(ctx, pl.EventID)
	if err != nil {
		return fmt.Errorf("load event %d: %w", pl.EventID, err)
	}
	if !found {
		r.reply(ctx, req.Chat.ChatID, "This event no longer exists.")
		return nil
	}

	switch pl.Kind {
	case storage.LinkConfirm:
		return r.handleConfirmLink(ctx, req, ev)
	case storage.LinkSpeaker:
		return r.beginRegistration(ctx, req, ev, storage.EventRoleSpeaker)
	default:
		return r.beginRegistration(ctx, req, ev, storage.EventRoleListener)
	}
}

// handleConfirmLink marks attendance. Re-confirming is fine; unregistered
// users get a hint instead of an error.
func (r *Router) handleConfirmLink(ctx context.Context, req *Request, ev storage.Event) error {
	changed, err := r.deps.Store.MarkConfirmed(ctx, ev.ID, req.FromID)
	if err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	if !changed {
		r.reply(ctx, req.Chat.ChatID,
			fmt.Sprintf("You are not registered for «%s», so there is nothing to confirm.", ev.Title))
		return nil
	}
	req.Log.Info("attendance confirmed", logx.Int64("event_id", ev.ID))
	r.reply(ctx, req.Chat.ChatID,
		fmt.Sprintf("Thanks! Your attendance at «%s» is confirmed.", ev.Title))
	return nil
}

func (r *Router) beginRegistration(ctx context.Context, req *Request, ev storage.Event, role storage.EventRole) error {
	flow := newRegistrationFlow(ev, role, req.FromID)
	r.startConversation(req.Chat.ChatID, flow)

	what := "attend"
	if role == storage.EventRoleSpeaker {
		what = "speak at"
	}
	r.reply(ctx, req.Chat.ChatID,
		fmt.Sprintf("You are about to register to %s «%s».\n\nWhat is your full name? (/cancel to abort)", what, ev.Title))
	return nil
}
