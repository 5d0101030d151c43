package router

import (
	"context"

	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

// conversation is a per-chat multi-step flow. Plain-text messages are fed
// to the active conversation until it reports done.
type conversation interface {
	// Step consumes one message and returns true when the flow is over.
	Step(ctx context.Context, r *Router, msg *transport.Message) (done bool, err error)
}

func (r *Router) startConversation(chatID int64, c conversation) {
	r.convMu.Lock()
	r.convs[chatID] = c
	r.convMu.Unlock()
}

func (r *Router) activeConversation(chatID int64) conversation {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	return r.convs[chatID]
}

func (r *Router) endConversation(chatID int64) bool {
	r.convMu.Lock()
	_, ok := r.convs[chatID]
	delete(r.convs, chatID)
	r.convMu.Unlock()
	return ok
}

func (r *Router) stepConversation(ctx context.Context, c conversation, msg *transport.Message) {
	// The registered conversation may have been replaced while this
	// message sat in the queue; only the current one advances.
	if r.activeConversation(msg.ChatID) != c {
		return
	}
	done, err := c.Step(ctx, r, msg)
	if err != nil {
		r.log.Error("conversation step failed",
			logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		r.reply(ctx, msg.ChatID, "Something went wrong, the flow was aborted. Start over when ready.")
		done = true
	}
	if done {
		r.endConversation(msg.ChatID)
	}
}
