package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventbot/internal/mailer"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"
)

type bcStep int

const (
	bcText bcStep = iota
	bcAwaitChoice
	bcWhen
)

// broadcastFlow collects a message for every known user and either sends
// it immediately or arms a one-shot job for later.
type broadcastFlow struct {
	adminID int64
	step    bcStep
	text    string
}

func (r *Router) cmdBroadcast(ctx context.Context, req *Request) error {
	r.startConversation(req.Chat.ChatID, &broadcastFlow{adminID: req.FromID})
	r.reply(ctx, req.Chat.ChatID, "Send the broadcast text. (/cancel to abort)")
	return nil
}

func (f *broadcastFlow) Step(ctx context.Context, r *Router, msg *transport.Message) (bool, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		r.reply(ctx, msg.ChatID, "Please answer with text, or /cancel.")
		return false, nil
	}

	switch f.step {
	case bcText:
		f.text = text
		f.step = bcAwaitChoice
		kb := tgui.NewInline().
			Row(
				tgui.Btn("📤 Send now", tgui.Data("bc", "now", "")),
				tgui.Btn("⏰ Schedule", tgui.Data("bc", "later", "")),
			).
			Row(tgui.Btn("✖ Abort", tgui.Data("bc", "abort", "")))
		out := tgui.New().
			Line("Ready to broadcast:").
			Blank().
			Line(tgui.TruncRunes(f.text, 500)).
			Inline(kb).
			Build()
		_, err := out.Send(ctx, r.deps.Adapter, transport.ChatTarget{ChatID: msg.ChatID})
		return false, err

	case bcWhen:
		at, err := time.ParseInLocation(timeLayout, text, time.Local)
		if err != nil {
			r.reply(ctx, msg.ChatID,
				fmt.Sprintf("Could not parse that. Use %s.", timeLayout))
			return false, nil
		}
		if !at.After(time.Now()) {
			r.reply(ctx, msg.ChatID, "That moment is already in the past. Pick a future time.")
			return false, nil
		}
		if err := r.scheduleBroadcast(at, f.text, msg.ChatID); err != nil {
			return true, err
		}
		r.reply(ctx, msg.ChatID,
			fmt.Sprintf("Scheduled for %s.", at.Format(timeLayout)))
		return true, nil

	default:
		// Waiting on a button press; nudge instead of consuming text.
		r.reply(ctx, msg.ChatID, "Pick one of the buttons above, or /cancel.")
		return false, nil
	}
}

func (r *Router) pendingBroadcast(chatID int64) *broadcastFlow {
	f, _ := r.activeConversation(chatID).(*broadcastFlow)
	return f
}

func (r *Router) cbBroadcastNow(ctx context.Context, req *Request, _ string) error {
	f := r.pendingBroadcast(req.Chat.ChatID)
	if f == nil || f.step != bcAwaitChoice {
		r.reply(ctx, req.Chat.ChatID, "No broadcast in progress. Start with /broadcast.")
		return nil
	}
	r.endConversation(req.Chat.ChatID)

	sum, err := r.broadcastAll(ctx, f.text)
	if err != nil {
		return err
	}
	req.Log.Info("broadcast sent",
		logx.Int("total", sum.Total), logx.Int("delivered", sum.Delivered))
	r.reply(ctx, req.Chat.ChatID,
		fmt.Sprintf("Broadcast delivered to %d of %d users.", sum.Delivered, sum.Total))
	return nil
}

func (r *Router) cbBroadcastLater(ctx context.Context, req *Request, _ string) error {
	f := r.pendingBroadcast(req.Chat.ChatID)
	if f == nil || f.step != bcAwaitChoice {
		r.reply(ctx, req.Chat.ChatID, "No broadcast in progress. Start with /broadcast.")
		return nil
	}
	f.step = bcWhen
	r.reply(ctx, req.Chat.ChatID,
		fmt.Sprintf("When should it go out? Format: %s (local time).", timeLayout))
	return nil
}

func (r *Router) cbBroadcastAbort(ctx context.Context, req *Request, _ string) error {
	if r.endConversation(req.Chat.ChatID) {
		r.reply(ctx, req.Chat.ChatID, "Broadcast aborted.")
	}
	return nil
}

func (r *Router) scheduleBroadcast(at time.Time, text string, reportChatID int64) error {
	id := fmt.Sprintf("broadcast_%d", at.UnixNano())
	return r.deps.Jobs.Upsert(id, at, func(jctx context.Context) error {
		sum, err := r.broadcastAll(jctx, text)
		if err != nil {
			return err
		}
		r.reply(jctx, reportChatID,
			fmt.Sprintf("Scheduled broadcast delivered to %d of %d users.", sum.Delivered, sum.Total))
		return nil
	})
}

func (r *Router) broadcastAll(ctx context.Context, text string) (mailer.Summary, error) {
	ids, err := r.deps.Store.UserIDs(ctx)
	if err != nil {
		return mailer.Summary{}, fmt.Errorf("list users: %w", err)
	}
	targets := make([]transport.ChatTarget, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, transport.ChatTarget{ChatID: id})
	}
	results := r.deps.Mail.SendBatch(ctx, targets, text, nil)
	return mailer.Summarize(results), nil
}

// cmdSetRole grants or revokes the event admin role:
//
//	/setrole <telegram id> user|admin|super
func (r *Router) cmdSetRole(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		r.reply(ctx, req.Chat.ChatID, "Usage: /setrole <telegram id> user|admin|super")
		return nil
	}
	var tgID int64
	if _, err := fmt.Sscanf(req.Args[0], "%d", &tgID); err != nil {
		r.reply(ctx, req.Chat.ChatID, "That does not look like a telegram id.")
		return nil
	}
	roleStr, ok := parseArgsRole(req.Args[1])
	if !ok {
		r.reply(ctx, req.Chat.ChatID, "Unknown role. Use user, admin or super.")
		return nil
	}
	err := r.deps.Store.SetUserRole(ctx, tgID, storage.Role(roleStr))
	if errors.Is(err, storage.ErrNotFound) {
		r.reply(ctx, req.Chat.ChatID, "I have never seen that user. They need to /start the bot first.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	req.Log.Info("role changed", logx.Int64("target_id", tgID), logx.String("role", roleStr))
	r.reply(ctx, req.Chat.ChatID, fmt.Sprintf("User %d is now %s.", tgID, roleStr))
	return nil
}
