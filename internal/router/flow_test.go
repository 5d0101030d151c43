package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"eventbot/internal/storage"
)

// drive feeds answers to a conversation one by one and fails if it ends
// earlier or later than expected.
func drive(t *testing.T, r *Router, c conversation, chatID, fromID int64, answers []string) {
	t.Helper()
	for i, answer := range answers {
		done, err := c.Step(context.Background(), r, msg(chatID, fromID, answer))
		if err != nil {
			t.Fatalf("step %d (%q): %v", i, answer, err)
		}
		if done != (i == len(answers)-1) {
			t.Fatalf("step %d (%q): done=%v", i, answer, done)
		}
	}
}

func TestRegistrationFlowListener(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ev := storage.Event{ID: 3, Title: "Go meetup"}
	flow := newRegistrationFlow(ev, storage.EventRoleListener, 100)

	drive(t, f.r, flow, 100, 100, []string{"Alice Smith", "28", "Backend", "Initech"})

	reg := f.store.regs[[2]int64{3, 100}]
	if reg.Name != "Alice Smith" || reg.Role != storage.EventRoleListener {
		t.Errorf("registration = %+v", reg)
	}
	if reg.Age == nil || *reg.Age != 28 {
		t.Errorf("age = %v", reg.Age)
	}
	if reg.Company != "Initech" || reg.Specialty != "Backend" {
		t.Errorf("profile = %+v", reg)
	}
	if reg.TalkTopic != "" {
		t.Errorf("listener got a talk topic: %q", reg.TalkTopic)
	}
	if !strings.Contains(f.adapter.last(), "registered for") {
		t.Errorf("final reply = %q", f.adapter.last())
	}
}

func TestRegistrationFlowSpeaker(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ev := storage.Event{ID: 3, Title: "Go meetup"}
	flow := newRegistrationFlow(ev, storage.EventRoleSpeaker, 200)

	drive(t, f.r, flow, 200, 200, []string{"Bob", "-", "Distributed systems", "Globex", "Tuning the GC"})

	reg := f.store.regs[[2]int64{3, 200}]
	if reg.Role != storage.EventRoleSpeaker || reg.TalkTopic != "Tuning the GC" {
		t.Errorf("registration = %+v", reg)
	}
	if reg.Age != nil {
		t.Errorf("skipped age stored as %v", reg.Age)
	}
	if !strings.Contains(f.adapter.last(), "speaker") {
		t.Errorf("final reply = %q", f.adapter.last())
	}
}

func TestRegistrationFlowRejectsBadAge(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	flow := newRegistrationFlow(storage.Event{ID: 1, Title: "e"}, storage.EventRoleListener, 100)

	if done, err := flow.Step(context.Background(), f.r, msg(100, 100, "Alice")); done || err != nil {
		t.Fatalf("name step: done=%v err=%v", done, err)
	}
	for _, bad := range []string{"abc", "0", "-5", "200"} {
		done, err := flow.Step(context.Background(), f.r, msg(100, 100, bad))
		if done || err != nil {
			t.Fatalf("age %q: done=%v err=%v", bad, done, err)
		}
		if flow.step != regAge {
			t.Fatalf("age %q advanced the flow to step %d", bad, flow.step)
		}
	}
	if done, err := flow.Step(context.Background(), f.r, msg(100, 100, "30")); done || err != nil {
		t.Fatalf("valid age: done=%v err=%v", done, err)
	}
	if flow.step != regSpecialty {
		t.Errorf("flow did not advance past a valid age")
	}
}

func TestEventFlowFull(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	flow := newEventFlow(9)

	publish := time.Now().Add(48 * time.Hour).Format(timeLayout)
	remind := time.Now().Add(72 * time.Hour).Format(timeLayout)
	confirm := time.Now().Add(96 * time.Hour).Format(timeLayout)

	drive(t, f.r, flow, 9, 9, []string{
		"Go meetup",
		"Join us for talks and pizza",
		publish,
		remind,
		"See you tomorrow!",
		confirm,
		"Still coming?",
		"meetup",
	})

	ev := f.store.events[1]
	if ev.Title != "Go meetup" || ev.OwnerID != 9 || ev.Category != "meetup" {
		t.Errorf("event = %+v", ev)
	}
	if ev.ReminderAt == nil || ev.ReminderText != "See you tomorrow!" {
		t.Errorf("reminder = %v %q", ev.ReminderAt, ev.ReminderText)
	}
	if ev.ConfirmAt == nil || ev.ConfirmText != "Still coming?" {
		t.Errorf("confirm = %v %q", ev.ConfirmAt, ev.ConfirmText)
	}

	if len(f.orch.armed) != 1 || f.orch.armed[0] != ev.ID {
		t.Errorf("armed = %v", f.orch.armed)
	}
	if len(f.links.issued) != 2 {
		t.Fatalf("issued %d links, want join+speaker", len(f.links.issued))
	}
	if f.links.issued[0] != storage.LinkJoin || f.links.issued[1] != storage.LinkSpeaker {
		t.Errorf("issued = %v", f.links.issued)
	}
}

func TestEventFlowSkipsOptionalObligations(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	flow := newEventFlow(9)
	publish := time.Now().Add(24 * time.Hour).Format(timeLayout)

	drive(t, f.r, flow, 9, 9, []string{"Minimal", "Poster", publish, "-", "-", "-"})

	ev := f.store.events[1]
	if ev.ReminderAt != nil || ev.ConfirmAt != nil || ev.Category != "" {
		t.Errorf("optional fields set: %+v", ev)
	}
}

func TestEventFlowReportsArmFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	f.orch.armErr = errors.New("scheduler down")
	flow := newEventFlow(9)
	publish := time.Now().Add(24 * time.Hour).Format(timeLayout)

	drive(t, f.r, flow, 9, 9, []string{"Broken", "Poster", publish, "-", "-", "-"})

	if _, ok := f.store.events[1]; !ok {
		t.Fatal("event not saved")
	}
	if len(f.links.issued) != 0 {
		t.Errorf("links issued despite arming failure: %v", f.links.issued)
	}
	if !strings.Contains(f.adapter.last(), "scheduling its announcements failed") {
		t.Errorf("admin reply = %q", f.adapter.last())
	}
}

func TestEventFlowEdit(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	remind := time.Now().Add(12 * time.Hour)
	ev, _ := f.store.CreateEvent(context.Background(), storage.Event{
		OwnerID:    9,
		Title:      "GopherCon",
		PublishAt:  time.Now().Add(6 * time.Hour),
		ReminderAt: &remind,
	})

	flow := newEventEditFlow(ev)
	publish := time.Now().Add(48 * time.Hour).Format(timeLayout)
	drive(t, f.r, flow, 9, 9, []string{"GopherCon 2026", "New poster", publish, "-", "-", "-"})

	got := f.store.events[ev.ID]
	if got.Title != "GopherCon 2026" || got.PosterText != "New poster" {
		t.Errorf("event = %+v", got)
	}
	if got.ReminderAt != nil {
		t.Errorf("reminder survived the edit: %v", got.ReminderAt)
	}
	if len(f.orch.armed) != 1 || f.orch.armed[0] != ev.ID {
		t.Errorf("armed = %v", f.orch.armed)
	}
	if len(f.links.issued) != 0 {
		t.Errorf("edit issued links: %v", f.links.issued)
	}
	if !strings.Contains(f.adapter.last(), "Event updated") {
		t.Errorf("summary = %q", f.adapter.last())
	}
}

func TestEventFlowRejectsPastAndGarbageTimes(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	flow := newEventFlow(9)

	for _, answer := range []string{"Title", "Poster"} {
		if done, err := flow.Step(context.Background(), f.r, msg(9, 9, answer)); done || err != nil {
			t.Fatalf("%q: done=%v err=%v", answer, done, err)
		}
	}

	past := time.Now().Add(-time.Hour).Format(timeLayout)
	for _, bad := range []string{"soon", "2026-13-45 99:99", past} {
		done, err := flow.Step(context.Background(), f.r, msg(9, 9, bad))
		if done || err != nil {
			t.Fatalf("%q: done=%v err=%v", bad, done, err)
		}
		if flow.step != evPublishAt {
			t.Fatalf("%q advanced the flow", bad)
		}
	}
	if !strings.Contains(f.adapter.last(), "in the past") {
		t.Errorf("past-time reply = %q", f.adapter.last())
	}
}

func TestBroadcastNow(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	f.store.userIDs = []int64{10, 11, 12}

	req := f.request(t, 1, 1)
	if err := f.r.cmdBroadcast(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	flow := f.r.pendingBroadcast(1)
	if flow == nil {
		t.Fatal("no broadcast conversation")
	}
	if done, err := flow.Step(context.Background(), f.r, msg(1, 1, "Server maintenance at noon")); done || err != nil {
		t.Fatalf("text step: done=%v err=%v", done, err)
	}

	if err := f.r.cbBroadcastNow(context.Background(), req, ""); err != nil {
		t.Fatal(err)
	}
	if len(f.mail.batches) != 1 {
		t.Fatalf("sent %d batches", len(f.mail.batches))
	}
	b := f.mail.batches[0]
	if len(b.targets) != 3 || b.text != "Server maintenance at noon" {
		t.Errorf("batch = %+v", b)
	}
	if !strings.Contains(f.adapter.last(), "delivered to 3 of 3") {
		t.Errorf("report = %q", f.adapter.last())
	}
	if f.r.activeConversation(1) != nil {
		t.Error("conversation still active after send")
	}
}

func TestBroadcastSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	req := f.request(t, 1, 1)
	if err := f.r.cmdBroadcast(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	flow := f.r.pendingBroadcast(1)
	if done, err := flow.Step(context.Background(), f.r, msg(1, 1, "Reminder text")); done || err != nil {
		t.Fatalf("text step: done=%v err=%v", done, err)
	}
	if err := f.r.cbBroadcastLater(context.Background(), req, ""); err != nil {
		t.Fatal(err)
	}

	when := time.Now().Add(2 * time.Hour).Format(timeLayout)
	done, err := flow.Step(context.Background(), f.r, msg(1, 1, when))
	if err != nil || !done {
		t.Fatalf("when step: done=%v err=%v", done, err)
	}
	if len(f.jobs.upserts) != 1 {
		t.Fatalf("armed %d jobs, want 1", len(f.jobs.upserts))
	}
	for id := range f.jobs.upserts {
		if !strings.HasPrefix(id, "broadcast_") {
			t.Errorf("job id = %q", id)
		}
	}
}

func TestBroadcastCallbacksWithoutFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	req := f.request(t, 1, 1)

	if err := f.r.cbBroadcastNow(context.Background(), req, ""); err != nil {
		t.Fatal(err)
	}
	if len(f.mail.batches) != 0 {
		t.Error("broadcast fired without a pending flow")
	}
	if !strings.Contains(f.adapter.last(), "No broadcast in progress") {
		t.Errorf("reply = %q", f.adapter.last())
	}
}

func TestSetRole(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	if _, err := f.store.EnsureUser(context.Background(), 77, "carol"); err != nil {
		t.Fatal(err)
	}

	req := f.request(t, 1, 1, "77", "admin")
	if err := f.r.cmdSetRole(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got := f.store.users[77].Role; got != storage.RoleEventAdmin {
		t.Errorf("role = %q", got)
	}

	// Unknown user gets a hint, not an error.
	req = f.request(t, 1, 1, "12345", "admin")
	if err := f.r.cmdSetRole(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.adapter.last(), "never seen that user") {
		t.Errorf("reply = %q", f.adapter.last())
	}

	req = f.request(t, 1, 1, "77", "emperor")
	if err := f.r.cmdSetRole(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.adapter.last(), "Unknown role") {
		t.Errorf("reply = %q", f.adapter.last())
	}
}
