package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"eventbot/internal/deeplink"
	"eventbot/internal/mailer"
	"eventbot/internal/scheduler"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

// recordAdapter captures outgoing texts per chat.
type recordAdapter struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	chatID int64
	text   string
}

func (a *recordAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *recordAdapter) Stop(context.Context) error                           { return nil }
func (a *recordAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (a *recordAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *recordAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, sentMsg{chatID: to.ChatID, text: text})
	a.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

var _ transport.Adapter = (*recordAdapter)(nil)

func (a *recordAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1].text
}

// memStore implements the slice of storage.Store the router exercises.
type memStore struct {
	storage.Store

	mu      sync.Mutex
	users   map[int64]storage.User
	events  map[int64]storage.Event
	regs    map[[2]int64]storage.Registration
	nextEv  int64
	userIDs []int64
}

func newMemStore() *memStore {
	return &memStore{
		users:  map[int64]storage.User{},
		events: map[int64]storage.Event{},
		regs:   map[[2]int64]storage.Registration{},
	}
}

func (s *memStore) EnsureUser(_ context.Context, tgID int64, username string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[tgID]
	if !ok {
		u = storage.User{TelegramID: tgID, Role: storage.RoleUser}
	}
	u.Username = username
	s.users[tgID] = u
	return u, nil
}

func (s *memStore) SetUserRole(_ context.Context, tgID int64, role storage.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[tgID]
	if !ok {
		return storage.ErrNotFound
	}
	u.Role = role
	s.users[tgID] = u
	return nil
}

func (s *memStore) UserIDs(context.Context) ([]int64, error) {
	return append([]int64(nil), s.userIDs...), nil
}

func (s *memStore) CreateEvent(_ context.Context, ev storage.Event) (storage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEv++
	ev.ID = s.nextEv
	s.events[ev.ID] = ev
	return ev, nil
}

func (s *memStore) UpdateEvent(_ context.Context, ev storage.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; !ok {
		return false, nil
	}
	s.events[ev.ID] = ev
	return true, nil
}

func (s *memStore) EventByID(_ context.Context, id int64) (storage.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	return ev, ok, nil
}

func (s *memStore) UpsertRegistration(_ context.Context, reg storage.Registration) (storage.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{reg.EventID, reg.UserID}
	if old, ok := s.regs[key]; ok {
		reg.ID = old.ID
		reg.Confirmed = old.Confirmed
	} else {
		reg.ID = int64(len(s.regs) + 1)
	}
	s.regs[key] = reg
	return reg, nil
}

func (s *memStore) MarkConfirmed(_ context.Context, eventID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{eventID, userID}
	reg, ok := s.regs[key]
	if !ok {
		return false, nil
	}
	reg.Confirmed = true
	s.regs[key] = reg
	return true, nil
}

type stubOrch struct {
	armed    []int64
	disarmed []int64
	armErr   error
}

func (o *stubOrch) Arm(ev storage.Event) error {
	o.armed = append(o.armed, ev.ID)
	return o.armErr
}

func (o *stubOrch) Disarm(id int64) { o.disarmed = append(o.disarmed, id) }

type stubLinks struct {
	issued  []storage.LinkKind
	resolve map[string]deeplink.Payload
}

func (l *stubLinks) Issue(_ context.Context, kind storage.LinkKind, _ int64) (string, error) {
	l.issued = append(l.issued, kind)
	return "https://t.me/testbot?start=tok", nil
}

func (l *stubLinks) Resolve(_ context.Context, token string) (deeplink.Payload, bool, error) {
	p, ok := l.resolve[token]
	return p, ok, nil
}

type stubMail struct {
	batches []sentBatchRec
}

type sentBatchRec struct {
	targets []transport.ChatTarget
	text    string
}

func (m *stubMail) SendBatch(_ context.Context, targets []transport.ChatTarget, text string, _ *transport.SendOptions) []mailer.Result {
	m.batches = append(m.batches, sentBatchRec{targets: targets, text: text})
	out := make([]mailer.Result, len(targets))
	for i, t := range targets {
		out[i] = mailer.Result{Target: t, Outcome: mailer.Delivered}
	}
	return out
}

type stubJobs struct {
	upserts map[string]time.Time
}

func (j *stubJobs) Upsert(id string, at time.Time, _ scheduler.JobFunc) error {
	if j.upserts == nil {
		j.upserts = map[string]time.Time{}
	}
	j.upserts[id] = at
	return nil
}

type routerFixture struct {
	r       *Router
	store   *memStore
	adapter *recordAdapter
	orch    *stubOrch
	links   *stubLinks
	mail    *stubMail
	jobs    *stubJobs
}

func newFixture(cfg Config) *routerFixture {
	f := &routerFixture{
		store:   newMemStore(),
		adapter: &recordAdapter{},
		orch:    &stubOrch{},
		links:   &stubLinks{resolve: map[string]deeplink.Payload{}},
		mail:    &stubMail{},
		jobs:    &stubJobs{},
	}
	f.r = New(cfg, Deps{
		Store:   f.store,
		Adapter: f.adapter,
		Links:   f.links,
		Orch:    f.orch,
		Mail:    f.mail,
		Jobs:    f.jobs,
	}, logx.Nop())
	return f
}

func (f *routerFixture) request(t *testing.T, fromID, chatID int64, args ...string) *Request {
	t.Helper()
	req, err := f.r.buildRequest(context.Background(), fromID, chatID, "tester", args)
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	return req
}

func msg(chatID, fromID int64, text string) *transport.Message {
	return &transport.Message{ChatID: chatID, FromID: fromID, Text: text}
}

func TestParseArgsRole(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"user", "user", true},
		{"admin", "event_admin", true},
		{"event_admin", "event_admin", true},
		{"super", "super_admin", true},
		{"SUPER_ADMIN", "super_admin", true},
		{" admin ", "event_admin", true},
		{"root", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := parseArgsRole(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseArgsRole(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSuperAdminOverride(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{SuperAdminIDs: []int64{42}})
	req := f.request(t, 42, 42)
	if req.User.Role != storage.RoleSuperAdmin {
		t.Errorf("configured super admin resolved as %q", req.User.Role)
	}

	plain := f.request(t, 7, 7)
	if plain.User.Role != storage.RoleUser {
		t.Errorf("plain user resolved as %q", plain.User.Role)
	}

	f.r.SetSuperAdmins(nil)
	demoted := f.request(t, 42, 42)
	if demoted.User.Role == storage.RoleSuperAdmin {
		t.Error("super admin survived a hot-reloaded empty list")
	}
}

func TestAccessLevels(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	user := &Request{User: storage.User{Role: storage.RoleUser}}
	admin := &Request{User: storage.User{Role: storage.RoleEventAdmin}}
	super := &Request{User: storage.User{Role: storage.RoleSuperAdmin}}

	if !f.r.allowed(AccessEveryone, user) {
		t.Error("everyone gate rejected a user")
	}
	if f.r.allowed(AccessAdmin, user) {
		t.Error("admin gate passed a plain user")
	}
	if !f.r.allowed(AccessAdmin, admin) || !f.r.allowed(AccessAdmin, super) {
		t.Error("admin gate rejected an admin")
	}
	if f.r.allowed(AccessSuperAdmin, admin) {
		t.Error("super gate passed an event admin")
	}
	if !f.r.allowed(AccessSuperAdmin, super) {
		t.Error("super gate rejected a super admin")
	}
}

func TestStartWelcomeAndBadToken(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	req := f.request(t, 1, 1)
	req.Message = msg(1, 1, "/start")

	if err := f.r.cmdStart(context.Background(), req); err != nil {
		t.Fatalf("cmdStart: %v", err)
	}
	if !strings.Contains(f.adapter.last(), "/help") {
		t.Errorf("welcome = %q", f.adapter.last())
	}

	req.Message.Payload = "bogus"
	if err := f.r.cmdStart(context.Background(), req); err != nil {
		t.Fatalf("cmdStart bad token: %v", err)
	}
	if !strings.Contains(f.adapter.last(), "invalid or has expired") {
		t.Errorf("bad token reply = %q", f.adapter.last())
	}
}

func TestStartConfirmLink(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ev, _ := f.store.CreateEvent(context.Background(), storage.Event{OwnerID: 9, Title: "GopherCon"})
	f.links.resolve["ctok"] = deeplink.Payload{Kind: storage.LinkConfirm, EventID: ev.ID}

	// Not registered yet: confirming is a hint, not an error.
	req := f.request(t, 5, 5)
	req.Message = msg(5, 5, "/start ctok")
	req.Message.Payload = "ctok"
	if err := f.r.cmdStart(context.Background(), req); err != nil {
		t.Fatalf("cmdStart: %v", err)
	}
	if !strings.Contains(f.adapter.last(), "nothing to confirm") {
		t.Errorf("unregistered reply = %q", f.adapter.last())
	}

	if _, err := f.store.UpsertRegistration(context.Background(), storage.Registration{
		EventID: ev.ID, UserID: 5, Role: storage.EventRoleListener, Name: "x",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.r.cmdStart(context.Background(), req); err != nil {
		t.Fatalf("cmdStart registered: %v", err)
	}
	if !strings.Contains(f.adapter.last(), "confirmed") {
		t.Errorf("confirm reply = %q", f.adapter.last())
	}
	if !f.store.regs[[2]int64{ev.ID, 5}].Confirmed {
		t.Error("registration not marked confirmed")
	}
}

func TestStartJoinLinkOpensRegistration(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	ev, _ := f.store.CreateEvent(context.Background(), storage.Event{OwnerID: 9, Title: "GopherCon"})
	f.links.resolve["jtok"] = deeplink.Payload{Kind: storage.LinkJoin, EventID: ev.ID}

	req := f.request(t, 5, 5)
	req.Message = msg(5, 5, "/start jtok")
	req.Message.Payload = "jtok"
	if err := f.r.cmdStart(context.Background(), req); err != nil {
		t.Fatalf("cmdStart: %v", err)
	}
	if f.r.activeConversation(5) == nil {
		t.Fatal("join link did not open a registration conversation")
	}
	if !strings.Contains(f.adapter.last(), "full name") {
		t.Errorf("prompt = %q", f.adapter.last())
	}
}

func TestStartGoneEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	f.links.resolve["gone"] = deeplink.Payload{Kind: storage.LinkJoin, EventID: 404}

	req := f.request(t, 5, 5)
	req.Message = msg(5, 5, "/start gone")
	req.Message.Payload = "gone"
	if err := f.r.cmdStart(context.Background(), req); err != nil {
		t.Fatalf("cmdStart: %v", err)
	}
	if !strings.Contains(f.adapter.last(), "no longer exists") {
		t.Errorf("reply = %q", f.adapter.last())
	}
}

func TestCancelEndsConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	f.r.startConversation(5, &broadcastFlow{adminID: 5})

	req := f.request(t, 5, 5)
	if err := f.r.cmdCancel(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if f.r.activeConversation(5) != nil {
		t.Error("conversation survived /cancel")
	}
	if f.adapter.last() != "Canceled." {
		t.Errorf("reply = %q", f.adapter.last())
	}

	if err := f.r.cmdCancel(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if f.adapter.last() != "Nothing to cancel." {
		t.Errorf("second reply = %q", f.adapter.last())
	}
}
