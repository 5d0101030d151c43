package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "eventbot/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./eventbot.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrationsFS.ReadFile("migrations_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time encoding ----

func encTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encTime(*t)
}

func decTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func decNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	t, err := decTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// ---- users ----

func (s *sqliteStore) EnsureUser(ctx context.Context, tgID int64, username string) (User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(tg_id, tg_username, role, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(tg_id) DO UPDATE SET tg_username=excluded.tg_username`,
		tgID, nullStr(username), string(RoleUser), encTime(time.Now()),
	)
	if err != nil {
		return User{}, err
	}
	u, ok, err := s.UserByTelegramID(ctx, tgID)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *sqliteStore) UserByTelegramID(ctx context.Context, tgID int64) (User, bool, error) {
	var (
		u        User
		username sql.NullString
		name     sql.NullString
		created  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tg_id, tg_username, role, name, created_at FROM users WHERE tg_id = ?`, tgID,
	).Scan(&u.TelegramID, &username, (*string)(&u.Role), &name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.Username = username.String
	u.Name = name.String
	if u.CreatedAt, err = decTime(created); err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

func (s *sqliteStore) SetUserRole(ctx context.Context, tgID int64, role Role) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE tg_id = ?`, string(role), tgID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tg_id FROM users ORDER BY tg_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- events ----

const sqliteEventCols = `id, owner_tg_id, title, poster_text, publish_at, reminder_at, reminder_text,
confirm_request_at, confirm_text, category, created_at, updated_at`

func (s *sqliteStore) scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var (
		ev                      Event
		publish, created, updat string
		remindAt, confirmAt     sql.NullString
		remindText, confirmText sql.NullString
		category                sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.OwnerID, &ev.Title, &ev.PosterText, &publish, &remindAt, &remindText,
		&confirmAt, &confirmText, &category, &created, &updat)
	if err != nil {
		return Event{}, err
	}
	if ev.PublishAt, err = decTime(publish); err != nil {
		return Event{}, err
	}
	if ev.ReminderAt, err = decNullTime(remindAt); err != nil {
		return Event{}, err
	}
	if ev.ConfirmAt, err = decNullTime(confirmAt); err != nil {
		return Event{}, err
	}
	ev.ReminderText = remindText.String
	ev.ConfirmText = confirmText.String
	ev.Category = category.String
	if ev.CreatedAt, err = decTime(created); err != nil {
		return Event{}, err
	}
	if ev.UpdatedAt, err = decTime(updat); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (s *sqliteStore) CreateEvent(ctx context.Context, ev Event) (Event, error) {
	now := time.Now()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(owner_tg_id, title, poster_text, publish_at, reminder_at, reminder_text,
		 confirm_request_at, confirm_text, category, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		ev.OwnerID, ev.Title, ev.PosterText, encTime(ev.PublishAt),
		encNullTime(ev.ReminderAt), nullStr(ev.ReminderText),
		encNullTime(ev.ConfirmAt), nullStr(ev.ConfirmText),
		nullStr(ev.Category), encTime(now), encTime(now),
	)
	if err != nil {
		return Event{}, err
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (s *sqliteStore) UpdateEvent(ctx context.Context, ev Event) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET title=?, poster_text=?, publish_at=?, reminder_at=?, reminder_text=?,
		 confirm_request_at=?, confirm_text=?, category=?, updated_at=? WHERE id=?`,
		ev.Title, ev.PosterText, encTime(ev.PublishAt),
		encNullTime(ev.ReminderAt), nullStr(ev.ReminderText),
		encNullTime(ev.ConfirmAt), nullStr(ev.ConfirmText),
		nullStr(ev.Category), encTime(time.Now()), ev.ID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) DeleteEvent(ctx context.Context, eventID, ownerID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id = ? AND owner_tg_id = ?`, eventID, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) EventByID(ctx context.Context, eventID int64) (Event, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEventCols+` FROM events WHERE id = ?`, eventID)
	ev, err := s.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

func (s *sqliteStore) EventsWithFutureObligation(ctx context.Context, now time.Time) ([]Event, error) {
	ts := encTime(now)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventCols+` FROM events
		 WHERE publish_at >= ?
		    OR (reminder_at IS NOT NULL AND reminder_at >= ?)
		    OR (confirm_request_at IS NOT NULL AND confirm_request_at >= ?)
		 ORDER BY id`, ts, ts, ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

func (s *sqliteStore) EventsByOwner(ctx context.Context, ownerID int64, upcoming bool, now time.Time) ([]Event, error) {
	cmp := "<"
	if upcoming {
		cmp = ">="
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventCols+` FROM events
		 WHERE owner_tg_id = ? AND publish_at `+cmp+` ?
		 ORDER BY publish_at DESC`, ownerID, encTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

func (s *sqliteStore) collectEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- registrations ----

func (s *sqliteStore) UpsertRegistration(ctx context.Context, reg Registration) (Registration, error) {
	// Upsert by natural key: a second registration for the same event
	// updates the profile fields but keeps the confirmed flag.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registrations(event_id, tg_id, role_in_event, name, age, specialty, company, talk_topic, confirmed, created_at)
		 VALUES(?,?,?,?,?,?,?,?,0,?)
		 ON CONFLICT(event_id, tg_id) DO UPDATE SET
		   role_in_event=excluded.role_in_event,
		   name=excluded.name,
		   age=excluded.age,
		   specialty=excluded.specialty,
		   company=excluded.company,
		   talk_topic=excluded.talk_topic`,
		reg.EventID, reg.UserID, string(reg.Role), reg.Name, nullInt(reg.Age),
		nullStr(reg.Specialty), nullStr(reg.Company), nullStr(reg.TalkTopic), encTime(time.Now()),
	)
	if err != nil {
		return Registration{}, err
	}
	return s.registrationByKey(ctx, reg.EventID, reg.UserID)
}

func (s *sqliteStore) registrationByKey(ctx context.Context, eventID, userID int64) (Registration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_id, tg_id, role_in_event, name, age, specialty, company, talk_topic, confirmed, created_at
		 FROM registrations WHERE event_id = ? AND tg_id = ?`, eventID, userID)
	reg, err := scanRegistration(row)
	if err != nil {
		return Registration{}, err
	}
	return reg, nil
}

func scanRegistration(row interface{ Scan(...any) error }) (Registration, error) {
	var (
		reg                        Registration
		age                        sql.NullInt64
		specialty, company, topic  sql.NullString
		confirmed                  int
		created                    string
	)
	err := row.Scan(&reg.ID, &reg.EventID, &reg.UserID, (*string)(&reg.Role), &reg.Name,
		&age, &specialty, &company, &topic, &confirmed, &created)
	if err != nil {
		return Registration{}, err
	}
	if age.Valid {
		v := int(age.Int64)
		reg.Age = &v
	}
	reg.Specialty = specialty.String
	reg.Company = company.String
	reg.TalkTopic = topic.String
	reg.Confirmed = confirmed != 0
	if reg.CreatedAt, err = decTime(created); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

func (s *sqliteStore) RegistrationsForEvent(ctx context.Context, eventID int64, role EventRole) ([]Registration, error) {
	q := `SELECT id, event_id, tg_id, role_in_event, name, age, specialty, company, talk_topic, confirmed, created_at
	      FROM registrations WHERE event_id = ?`
	args := []any{eventID}
	if role != "" {
		q += ` AND role_in_event = ?`
		args = append(args, string(role))
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkConfirmed(ctx context.Context, eventID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE registrations SET confirmed = 1 WHERE event_id = ? AND tg_id = ?`, eventID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Idempotence: an already-confirmed row reports success, a missing row does not.
	var confirmed int
	err = s.db.QueryRowContext(ctx,
		`SELECT confirmed FROM registrations WHERE event_id = ? AND tg_id = ?`, eventID, userID,
	).Scan(&confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return confirmed != 0, nil
}

// ---- deep links ----

func (s *sqliteStore) InsertDeepLinkToken(ctx context.Context, t DeepLinkToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deeplink_tokens(token, kind, event_id, created_at, expires_at) VALUES(?,?,?,?,?)`,
		t.Token, string(t.Kind), t.EventID, encTime(t.CreatedAt), encNullTime(t.ExpiresAt),
	)
	return err
}

func (s *sqliteStore) DeepLinkTokenByID(ctx context.Context, token string) (DeepLinkToken, bool, error) {
	var (
		t       DeepLinkToken
		created string
		expires sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, kind, event_id, created_at, expires_at FROM deeplink_tokens WHERE token = ?`, token,
	).Scan(&t.Token, (*string)(&t.Kind), &t.EventID, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return DeepLinkToken{}, false, nil
	}
	if err != nil {
		return DeepLinkToken{}, false, err
	}
	if t.CreatedAt, err = decTime(created); err != nil {
		return DeepLinkToken{}, false, err
	}
	if t.ExpiresAt, err = decNullTime(expires); err != nil {
		return DeepLinkToken{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) PruneExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deeplink_tokens WHERE expires_at IS NOT NULL AND expires_at < ?`, encTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) SaveGeneratedLink(ctx context.Context, l GeneratedLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generated_links(event_id, kind, url, created_at, expires_at) VALUES(?,?,?,?,?)`,
		l.EventID, string(l.Kind), l.URL, encTime(l.CreatedAt), encNullTime(l.ExpiresAt),
	)
	return err
}
