package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"eventbot/internal/mailer"
	"eventbot/internal/scheduler"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

// fakeJobs records upserts and removals.
type fakeJobs struct {
	mu        sync.Mutex
	armed     map[string]time.Time
	jobs      map[string]scheduler.JobFunc
	removed   []string
	upsertErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{armed: map[string]time.Time{}, jobs: map[string]scheduler.JobFunc{}}
}

func (f *fakeJobs) Upsert(id string, at time.Time, job scheduler.JobFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.armed[id] = at
	f.jobs[id] = job
	return nil
}

func (f *fakeJobs) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	_, ok := f.armed[id]
	delete(f.armed, id)
	delete(f.jobs, id)
	return ok
}

// fakeSender records batches and reports everything delivered.
type fakeSender struct {
	mu      sync.Mutex
	batches []sentBatch
}

type sentBatch struct {
	targets []transport.ChatTarget
	text    string
}

func (f *fakeSender) SendBatch(_ context.Context, targets []transport.ChatTarget, text string, _ *transport.SendOptions) []mailer.Result {
	f.mu.Lock()
	f.batches = append(f.batches, sentBatch{targets: append([]transport.ChatTarget(nil), targets...), text: text})
	f.mu.Unlock()
	out := make([]mailer.Result, len(targets))
	for i, tg := range targets {
		out[i] = mailer.Result{Target: tg, Outcome: mailer.Delivered}
	}
	return out
}

type fakeLinks struct {
	issued []storage.LinkKind
}

func (f *fakeLinks) Issue(_ context.Context, kind storage.LinkKind, _ int64) (string, error) {
	f.issued = append(f.issued, kind)
	return "https://t.me/testbot?start=" + string(kind), nil
}

// fakeStore implements the storage surface the orchestrator touches.
type fakeStore struct {
	storage.Store

	events map[int64]storage.Event
	regs   []storage.Registration
}

func (f *fakeStore) EventByID(_ context.Context, id int64) (storage.Event, bool, error) {
	ev, ok := f.events[id]
	return ev, ok, nil
}

func (f *fakeStore) EventsWithFutureObligation(_ context.Context, _ time.Time) ([]storage.Event, error) {
	var out []storage.Event
	for _, ev := range f.events {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeStore) RegistrationsForEvent(_ context.Context, eventID int64, role storage.EventRole) ([]storage.Registration, error) {
	var out []storage.Registration
	for _, r := range f.regs {
		if r.EventID != eventID {
			continue
		}
		if role != "" && r.Role != role {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func newTestOrchestrator(store *fakeStore, jobs *fakeJobs, mail *fakeSender, links *fakeLinks, now time.Time) *Orchestrator {
	o := NewOrchestrator(Config{}, store, jobs, mail, links, logx.Nop())
	o.nowFn = func() time.Time { return now }
	return o
}

func TestArmUpsertsFutureObligations(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	jobs := newFakeJobs()
	o := newTestOrchestrator(&fakeStore{}, jobs, &fakeSender{}, &fakeLinks{}, now)

	ev := storage.Event{ID: 5, PublishAt: future, ReminderAt: tp(future), ReminderText: "r"}
	if err := o.Arm(ev); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	if _, ok := jobs.armed["event_5_publish"]; !ok {
		t.Error("publish job not armed")
	}
	if _, ok := jobs.armed["event_5_reminder"]; !ok {
		t.Error("reminder job not armed")
	}
	if _, ok := jobs.armed["event_5_confirm"]; ok {
		t.Error("confirm job armed without a confirm obligation")
	}
}

func TestArmDisarmsRetractedObligations(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	jobs := newFakeJobs()
	o := newTestOrchestrator(&fakeStore{}, jobs, &fakeSender{}, &fakeLinks{}, now)

	ev := storage.Event{ID: 9, PublishAt: future, ReminderAt: tp(future), ReminderText: "r"}
	o.Arm(ev)

	// Edit drops the reminder text: re-arming must remove the stale job.
	ev.ReminderText = ""
	o.Arm(ev)

	if _, ok := jobs.armed["event_9_reminder"]; ok {
		t.Error("reminder job still armed after retraction")
	}
	if _, ok := jobs.armed["event_9_publish"]; !ok {
		t.Error("publish job lost on re-arm")
	}
}

func TestArmTwiceIsStable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	jobs := newFakeJobs()
	o := newTestOrchestrator(&fakeStore{}, jobs, &fakeSender{}, &fakeLinks{}, now)

	ev := storage.Event{ID: 6, PublishAt: future, ConfirmAt: tp(future), ConfirmText: "c"}
	if err := o.Arm(ev); err != nil {
		t.Fatalf("first Arm: %v", err)
	}
	if err := o.Arm(ev); err != nil {
		t.Fatalf("second Arm: %v", err)
	}

	if len(jobs.armed) != 2 {
		t.Fatalf("armed %d jobs, want exactly publish and confirm", len(jobs.armed))
	}
	if at := jobs.armed["event_6_publish"]; !at.Equal(future) {
		t.Errorf("publish fire time drifted to %v", at)
	}
	if at := jobs.armed["event_6_confirm"]; !at.Equal(future) {
		t.Errorf("confirm fire time drifted to %v", at)
	}
}

func TestArmReturnsUpsertError(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := newFakeJobs()
	jobs.upsertErr = errors.New("queue full")
	o := newTestOrchestrator(&fakeStore{}, jobs, &fakeSender{}, &fakeLinks{}, now)

	err := o.Arm(storage.Event{ID: 7, PublishAt: now.Add(time.Hour)})
	if err == nil {
		t.Fatal("Arm swallowed the upsert error")
	}
	if !errors.Is(err, jobs.upsertErr) {
		t.Errorf("Arm error = %v, want wrapped upsert error", err)
	}
}

func TestDisarmIsIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := newFakeJobs()
	o := newTestOrchestrator(&fakeStore{}, jobs, &fakeSender{}, &fakeLinks{}, now)

	o.Arm(storage.Event{ID: 3, PublishAt: now.Add(time.Hour)})
	o.Disarm(3)
	o.Disarm(3) // second call must be harmless

	if _, ok := jobs.armed["event_3_publish"]; ok {
		t.Error("publish job still armed after disarm")
	}
}

func TestRearmAll(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	store := &fakeStore{events: map[int64]storage.Event{
		1: {ID: 1, PublishAt: future},
		2: {ID: 2, PublishAt: now.Add(-time.Hour), ConfirmAt: tp(future), ConfirmText: "c"},
	}}
	jobs := newFakeJobs()
	o := newTestOrchestrator(store, jobs, &fakeSender{}, &fakeLinks{}, now)

	n, err := o.RearmAll(context.Background())
	if err != nil {
		t.Fatalf("RearmAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("RearmAll processed %d events, want 2", n)
	}
	if _, ok := jobs.armed["event_1_publish"]; !ok {
		t.Error("event 1 publish not restored")
	}
	if _, ok := jobs.armed["event_2_confirm"]; !ok {
		t.Error("event 2 confirm not restored")
	}
	if _, ok := jobs.armed["event_2_publish"]; ok {
		t.Error("event 2 past publish restored")
	}
}

func TestRearmAllTwiceArmsOnce(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	store := &fakeStore{events: map[int64]storage.Event{
		1: {ID: 1, PublishAt: future},
		2: {ID: 2, PublishAt: now.Add(-time.Hour), ConfirmAt: tp(future), ConfirmText: "c"},
	}}
	jobs := newFakeJobs()
	o := newTestOrchestrator(store, jobs, &fakeSender{}, &fakeLinks{}, now)

	for pass := 1; pass <= 2; pass++ {
		if _, err := o.RearmAll(context.Background()); err != nil {
			t.Fatalf("RearmAll pass %d: %v", pass, err)
		}
	}

	if len(jobs.armed) != 2 {
		t.Fatalf("armed %d jobs after two passes, want one per obligation", len(jobs.armed))
	}
	if at := jobs.armed["event_1_publish"]; !at.Equal(future) {
		t.Errorf("event 1 publish fire time = %v, want %v", at, future)
	}
	if at := jobs.armed["event_2_confirm"]; !at.Equal(future) {
		t.Errorf("event 2 confirm fire time = %v, want %v", at, future)
	}
}

func TestPublishJobSkipsDeletedEvent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mail := &fakeSender{}
	o := newTestOrchestrator(&fakeStore{events: map[int64]storage.Event{}}, newFakeJobs(), mail, &fakeLinks{}, now)

	if err := o.runPublish(context.Background(), 404); err != nil {
		t.Fatalf("runPublish on deleted event: %v", err)
	}
	if len(mail.batches) != 0 {
		t.Fatalf("sent %d batches for a deleted event", len(mail.batches))
	}
}

func TestPublishAppendsRegistrationLinks(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{events: map[int64]storage.Event{
		1: {ID: 1, OwnerID: 100, Title: "meetup", PosterText: "talks and pizza", PublishAt: now},
	}}
	mail := &fakeSender{}
	links := &fakeLinks{}
	o := newTestOrchestrator(store, newFakeJobs(), mail, links, now)

	if err := o.runPublish(context.Background(), 1); err != nil {
		t.Fatalf("runPublish: %v", err)
	}
	if len(links.issued) != 2 || links.issued[0] != storage.LinkJoin || links.issued[1] != storage.LinkSpeaker {
		t.Fatalf("issued = %v, want join then speaker", links.issued)
	}
	if len(mail.batches) == 0 {
		t.Fatal("no batch sent")
	}
	text := mail.batches[0].text
	if !strings.HasPrefix(text, "talks and pizza") {
		t.Errorf("poster text lost: %q", text)
	}
	if !strings.Contains(text, "start=join") || !strings.Contains(text, "start=speaker") {
		t.Errorf("published text lacks registration links: %q", text)
	}
}

func TestReminderUsesLiveRecipients(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		events: map[int64]storage.Event{
			1: {ID: 1, OwnerID: 100, Title: "meetup", PublishAt: now, ReminderText: "tomorrow!"},
		},
		regs: []storage.Registration{
			{EventID: 1, UserID: 201, Role: storage.EventRoleListener},
			{EventID: 1, UserID: 202, Role: storage.EventRoleSpeaker},
			{EventID: 1, UserID: 201, Role: storage.EventRoleSpeaker}, // same person twice
			{EventID: 2, UserID: 999, Role: storage.EventRoleListener},
		},
	}
	mail := &fakeSender{}
	o := newTestOrchestrator(store, newFakeJobs(), mail, &fakeLinks{}, now)

	if err := o.runReminder(context.Background(), 1); err != nil {
		t.Fatalf("runReminder: %v", err)
	}
	if len(mail.batches) != 2 { // reminder batch + owner report
		t.Fatalf("got %d batches, want 2", len(mail.batches))
	}
	got := mail.batches[0]
	if got.text != "tomorrow!" {
		t.Errorf("reminder text = %q", got.text)
	}
	if len(got.targets) != 2 {
		t.Fatalf("reminder went to %d recipients, want 2 (deduped)", len(got.targets))
	}
	report := mail.batches[1]
	if len(report.targets) != 1 || report.targets[0].ChatID != 100 {
		t.Errorf("owner report targets = %+v", report.targets)
	}
}

func TestConfirmMintsFreshLink(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		events: map[int64]storage.Event{
			1: {ID: 1, OwnerID: 100, Title: "meetup", PublishAt: now, ConfirmText: "coming?"},
		},
		regs: []storage.Registration{
			{EventID: 1, UserID: 201, Role: storage.EventRoleListener},
		},
	}
	mail := &fakeSender{}
	links := &fakeLinks{}
	o := newTestOrchestrator(store, newFakeJobs(), mail, links, now)

	if err := o.runConfirm(context.Background(), 1); err != nil {
		t.Fatalf("runConfirm: %v", err)
	}
	if len(links.issued) != 1 || links.issued[0] != storage.LinkConfirm {
		t.Fatalf("issued links = %v, want one confirm link", links.issued)
	}
	if len(mail.batches) == 0 {
		t.Fatal("no batch sent")
	}
	text := mail.batches[0].text
	if want := "coming?"; len(text) <= len(want) {
		t.Fatalf("confirm text %q does not include the link", text)
	}
}

func TestConfirmSkipsWhenNobodyRegistered(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		events: map[int64]storage.Event{
			1: {ID: 1, OwnerID: 100, PublishAt: now, ConfirmText: "coming?"},
		},
	}
	links := &fakeLinks{}
	mail := &fakeSender{}
	o := newTestOrchestrator(store, newFakeJobs(), mail, links, now)

	if err := o.runConfirm(context.Background(), 1); err != nil {
		t.Fatalf("runConfirm: %v", err)
	}
	if len(links.issued) != 0 {
		t.Error("link minted with no recipients")
	}
	if len(mail.batches) != 0 {
		t.Error("batch sent with no recipients")
	}
}
