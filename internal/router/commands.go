package router

import (
	"context"
	"strings"

	"eventbot/pkg/tgui"
)

// commandOrder fixes help and menu ordering.
var commandOrder = []string{
	"start", "help", "myevents", "newevent", "broadcast", "setrole", "cancel",
}

func (r *Router) registerCommands() {
	add := func(c command) { r.cmds[c.name] = c }

	add(command{
		name:        "start",
		description: "start, or follow an invite link",
		access:      AccessEveryone,
		menu:        true,
		handle:      r.cmdStart,
	})
	add(command{
		name:        "help",
		description: "show help",
		access:      AccessEveryone,
		menu:        true,
		handle:      r.cmdHelp,
	})
	add(command{
		name:        "myevents",
		description: "list your events",
		access:      AccessAdmin,
		menu:        true,
		handle:      r.cmdMyEvents,
	})
	add(command{
		name:        "newevent",
		description: "create an event",
		access:      AccessAdmin,
		menu:        true,
		handle:      r.cmdNewEvent,
	})
	add(command{
		name:        "broadcast",
		description: "message all known users",
		access:      AccessAdmin,
		menu:        true,
		handle:      r.cmdBroadcast,
	})
	add(command{
		name:        "setrole",
		description: "change a user's role",
		access:      AccessSuperAdmin,
		handle:      r.cmdSetRole,
	})
	add(command{
		name:        "cancel",
		description: "abort the current flow",
		access:      AccessEveryone,
		menu:        true,
		handle:      r.cmdCancel,
	})

	cb := func(c callbackRoute) { r.cbs[c.scope+":"+c.action] = c }
	cb(callbackRoute{scope: "ev", action: "del", access: AccessAdmin, handle: r.cbEventDelete})
	cb(callbackRoute{scope: "ev", action: "confirmdel", access: AccessAdmin, handle: r.cbEventConfirmDelete})
	cb(callbackRoute{scope: "ev", action: "links", access: AccessAdmin, handle: r.cbEventLinks})
	cb(callbackRoute{scope: "ev", action: "edit", access: AccessAdmin, handle: r.cbEventEdit})
	cb(callbackRoute{scope: "ev", action: "show", access: AccessAdmin, handle: r.cbEventShow})
	cb(callbackRoute{scope: "ev", action: "page", access: AccessAdmin, handle: r.cbEventPage})
	cb(callbackRoute{scope: "bc", action: "now", access: AccessAdmin, handle: r.cbBroadcastNow})
	cb(callbackRoute{scope: "bc", action: "later", access: AccessAdmin, handle: r.cbBroadcastLater})
	cb(callbackRoute{scope: "bc", action: "abort", access: AccessAdmin, handle: r.cbBroadcastAbort})
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	b := tgui.New().Title("ℹ️", "Event bot")
	b.Blank()
	for _, name := range commandOrder {
		c := r.cmds[name]
		if !r.allowed(c.access, req) {
			continue
		}
		b.RawLine("/" + c.name + " — " + tgui.Esc(c.description).String())
	}
	b.Blank()
	b.Line("Registration and attendance confirmation work through invite links; ask an organizer for one.")
	_, err := b.Build().Send(ctx, r.deps.Adapter, req.Chat)
	return err
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	if r.endConversation(req.Chat.ChatID) {
		r.reply(ctx, req.Chat.ChatID, "Canceled.")
		return nil
	}
	r.reply(ctx, req.Chat.ChatID, "Nothing to cancel.")
	return nil
}

// parseArgsRole maps user input to a storable role.
func parseArgsRole(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user":
		return "user", true
	case "admin", "event_admin":
		return "event_admin", true
	case "super", "super_admin":
		return "super_admin", true
	}
	return "", false
}
