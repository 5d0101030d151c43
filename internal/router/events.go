package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"
)

// timeLayout is how event timestamps are shown to and parsed from admins.
const timeLayout = "2006-01-02 15:04"

const eventsPerPage = 6

func (r *Router) cmdNewEvent(ctx context.Context, req *Request) error {
	r.startConversation(req.Chat.ChatID, newEventFlow(req.FromID))
	r.reply(ctx, req.Chat.ChatID,
		"Let's create an event. What is its title? (/cancel to abort)")
	return nil
}

func (r *Router) cmdMyEvents(ctx context.Context, req *Request) error {
	return r.sendEventList(ctx, req, 0, nil)
}

func (r *Router) cbEventPage(ctx context.Context, req *Request, payload string) error {
	page, err := strconv.Atoi(payload)
	if err != nil {
		return fmt.Errorf("bad page %q", payload)
	}
	var ref *transport.MessageRef
	if req.Callback != nil {
		ref = &transport.MessageRef{ChatID: req.Callback.ChatID, MessageID: req.Callback.MessageID}
	}
	return r.sendEventList(ctx, req, page, ref)
}

func (r *Router) sendEventList(ctx context.Context, req *Request, page int, edit *transport.MessageRef) error {
	evs, err := r.deps.Store.EventsByOwner(ctx, req.FromID, false, time.Now())
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if len(evs) == 0 {
		r.reply(ctx, req.Chat.ChatID, "You have no events yet. Create one with /newevent.")
		return nil
	}

	sub, hasPrev, hasNext := tgui.PaginateSlice(evs, page, eventsPerPage)

	kb := tgui.NewInline()
	for _, ev := range sub {
		label := fmt.Sprintf("%s · %s", ev.PublishAt.Format("Jan 2"), tgui.TruncRunes(ev.Title, 28))
		kb.Row(tgui.Btn(label, tgui.Data("ev", "show", strconv.FormatInt(ev.ID, 10))))
	}
	switch {
	case hasPrev && hasNext:
		kb.Row(
			tgui.Btn("« Prev", tgui.Data("ev", "page", strconv.Itoa(page-1))),
			tgui.Btn("Next »", tgui.Data("ev", "page", strconv.Itoa(page+1))),
		)
	case hasPrev:
		kb.Row(tgui.Btn("« Prev", tgui.Data("ev", "page", strconv.Itoa(page-1))))
	case hasNext:
		kb.Row(tgui.Btn("Next »", tgui.Data("ev", "page", strconv.Itoa(page+1))))
	}

	msg := tgui.New().
		Title("🗓", "Your events").
		Line(tgui.PageLabel(page, eventsPerPage, len(evs))).
		Inline(kb).
		Build()

	if edit != nil {
		return msg.Edit(ctx, r.deps.Adapter, *edit)
	}
	_, err = msg.Send(ctx, r.deps.Adapter, req.Chat)
	return err
}

func (r *Router) cbEventShow(ctx context.Context, req *Request, payload string) error {
	ev, err := r.ownedEvent(ctx, req, payload)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	b := tgui.New().Title("🗓", ev.Title)
	b.KV("Publish", ev.PublishAt.Format(timeLayout))
	if ev.ReminderAt != nil {
		b.KV("Reminder", ev.ReminderAt.Format(timeLayout))
	}
	if ev.ConfirmAt != nil {
		b.KV("Confirmation ask", ev.ConfirmAt.Format(timeLayout))
	}
	if ev.Category != "" {
		b.KV("Category", ev.Category)
	}

	listeners, err := r.deps.Store.RegistrationsForEvent(ctx, ev.ID, storage.EventRoleListener)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	speakers, err := r.deps.Store.RegistrationsForEvent(ctx, ev.ID, storage.EventRoleSpeaker)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	confirmed := 0
	for _, reg := range listeners {
		if reg.Confirmed {
			confirmed++
		}
	}
	for _, reg := range speakers {
		if reg.Confirmed {
			confirmed++
		}
	}
	b.Blank()
	b.KV("Listeners", strconv.Itoa(len(listeners)))
	b.KV("Speakers", strconv.Itoa(len(speakers)))
	b.KV("Confirmed", strconv.Itoa(confirmed))

	id := strconv.FormatInt(ev.ID, 10)
	kb := tgui.NewInline().
		Row(tgui.Btn("🔗 Invite links", tgui.Data("ev", "links", id))).
		Row(tgui.Btn("✏️ Edit", tgui.Data("ev", "edit", id))).
		Row(tgui.Btn("🗑 Delete", tgui.Data("ev", "confirmdel", id)))

	_, err = b.Inline(kb).Build().Send(ctx, r.deps.Adapter, req.Chat)
	return err
}

func (r *Router) cbEventEdit(ctx context.Context, req *Request, payload string) error {
	ev, err := r.ownedEvent(ctx, req, payload)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	r.startConversation(req.Chat.ChatID, newEventEditFlow(*ev))
	r.reply(ctx, req.Chat.ChatID,
		fmt.Sprintf("Editing «%s». All fields are re-entered. What is the new title? (/cancel to abort)", ev.Title))
	return nil
}

func (r *Router) cbEventLinks(ctx context.Context, req *Request, payload string) error {
	ev, err := r.ownedEvent(ctx, req, payload)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	join, err := r.deps.Links.Issue(ctx, storage.LinkJoin, ev.ID)
	if err != nil {
		return fmt.Errorf("issue join link: %w", err)
	}
	speaker, err := r.deps.Links.Issue(ctx, storage.LinkSpeaker, ev.ID)
	if err != nil {
		return fmt.Errorf("issue speaker link: %w", err)
	}

	msg := tgui.New().
		Title("🔗", "Invite links for "+ev.Title).
		Blank().
		RawLine("Listeners: " + tgui.Code(join).String()).
		RawLine("Speakers: " + tgui.Code(speaker).String()).
		Blank().
		Line("Each call mints fresh links; previously issued ones stay valid until they expire.").
		Build()
	_, err = msg.Send(ctx, r.deps.Adapter, req.Chat)
	return err
}

func (r *Router) cbEventConfirmDelete(ctx context.Context, req *Request, payload string) error {
	ev, err := r.ownedEvent(ctx, req, payload)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	id := strconv.FormatInt(ev.ID, 10)
	kb := tgui.ConfirmInline(
		tgui.Btn("Yes, delete", tgui.Data("ev", "del", id)),
		tgui.Btn("Keep it", tgui.Data("ev", "show", id)),
	)
	msg := tgui.New().
		Line(fmt.Sprintf("Delete «%s»? Its scheduled announcements will be disarmed.", ev.Title)).
		Inline(kb).
		Build()
	_, err = msg.Send(ctx, r.deps.Adapter, req.Chat)
	return err
}

func (r *Router) cbEventDelete(ctx context.Context, req *Request, payload string) error {
	eventID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return fmt.Errorf("bad event id %q", payload)
	}
	deleted, err := r.deps.Store.DeleteEvent(ctx, eventID, req.FromID)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if !deleted {
		r.reply(ctx, req.Chat.ChatID, "Event not found, or it is not yours.")
		return nil
	}
	// Disarm after the row is gone: any job firing in between reloads the
	// event, finds nothing and exits quietly.
	r.deps.Orch.Disarm(eventID)
	req.Log.Info("event deleted", logx.Int64("event_id", eventID))
	r.reply(ctx, req.Chat.ChatID, "Deleted.")
	return nil
}

// ownedEvent loads an event and enforces ownership. Super admins may
// manage anyone's events.
func (r *Router) ownedEvent(ctx context.Context, req *Request, payload string) (*storage.Event, error) {
	eventID, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad event id %q", payload)
	}
	ev, ok, err := r.deps.Store.EventByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event %d: %w", eventID, err)
	}
	if !ok {
		r.reply(ctx, req.Chat.ChatID, "Event not found.")
		return nil, nil
	}
	if ev.OwnerID != req.FromID && req.User.Role != storage.RoleSuperAdmin {
		r.reply(ctx, req.Chat.ChatID, "That event is not yours.")
		return nil, nil
	}
	return &ev, nil
}
