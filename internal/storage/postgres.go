package storage

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "eventbot/pkg/logx"
)

//go:embed migrations_postgres.sql
var pgMigrationsFS embed.FS

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	st := &pgStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := pgMigrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- users ----

func (s *pgStore) EnsureUser(ctx context.Context, tgID int64, username string) (User, error) {
	var u User
	var uname, name *string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users(tg_id, tg_username, role, created_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT(tg_id) DO UPDATE SET tg_username = excluded.tg_username
		 RETURNING tg_id, tg_username, role, name, created_at`,
		tgID, pgNullStr(username), string(RoleUser), time.Now().UTC(),
	).Scan(&u.TelegramID, &uname, (*string)(&u.Role), &name, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	u.Username = deref(uname)
	u.Name = deref(name)
	return u, nil
}

func (s *pgStore) UserByTelegramID(ctx context.Context, tgID int64) (User, bool, error) {
	var u User
	var uname, name *string
	err := s.pool.QueryRow(ctx,
		`SELECT tg_id, tg_username, role, name, created_at FROM users WHERE tg_id = $1`, tgID,
	).Scan(&u.TelegramID, &uname, (*string)(&u.Role), &name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.Username = deref(uname)
	u.Name = deref(name)
	return u, true, nil
}

func (s *pgStore) SetUserRole(ctx context.Context, tgID int64, role Role) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET role = $1 WHERE tg_id = $2`, string(role), tgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) UserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT tg_id FROM users ORDER BY tg_id`)
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

const pgEventCols = `id, owner_tg_id, title, poster_text, publish_at, reminder_at, reminder_text,
confirm_request_at, confirm_text, category, created_at, updated_at`

func scanPGEvent(row pgx.Row) (Event, error) {
	var (
		ev                      Event
		remindText, confirmText *string
		category                *string
	)
	err := row.Scan(&ev.ID, &ev.OwnerID, &ev.Title, &ev.PosterText, &ev.PublishAt,
		&ev.ReminderAt, &remindText, &ev.ConfirmAt, &confirmText, &category,
		&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return Event{}, err
	}
	ev.ReminderText = deref(remindText)
	ev.ConfirmText = deref(confirmText)
	ev.Category = deref(category)
	return ev, nil
}

func (s *pgStore) CreateEvent(ctx context.Context, ev Event) (Event, error) {
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events(owner_tg_id, title, poster_text, publish_at, reminder_at, reminder_text,
		 confirm_request_at, confirm_text, category, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		ev.OwnerID, ev.Title, ev.PosterText, ev.PublishAt.UTC(),
		ev.ReminderAt, pgNullStr(ev.ReminderText),
		ev.ConfirmAt, pgNullStr(ev.ConfirmText),
		pgNullStr(ev.Category), now, now,
	).Scan(&ev.ID)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (s *pgStore) UpdateEvent(ctx context.Context, ev Event) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET title=$1, poster_text=$2, publish_at=$3, reminder_at=$4, reminder_text=$5,
		 confirm_request_at=$6, confirm_text=$7, category=$8, updated_at=$9 WHERE id=$10`,
		ev.Title, ev.PosterText, ev.PublishAt.UTC(),
		ev.ReminderAt, pgNullStr(ev.ReminderText),
		ev.ConfirmAt, pgNullStr(ev.ConfirmText),
		pgNullStr(ev.Category), time.Now().UTC(), ev.ID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) DeleteEvent(ctx context.Context, eventID, ownerID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE id = $1 AND owner_tg_id = $2`, eventID, ownerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) EventByID(ctx context.Context, eventID int64) (Event, bool, error) {
	ev, err := scanPGEvent(s.pool.QueryRow(ctx,
		`SELECT `+pgEventCols+` FROM events WHERE id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

func (s *pgStore) EventsWithFutureObligation(ctx context.Context, now time.Time) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEventCols+` FROM events
		 WHERE publish_at >= $1
		    OR (reminder_at IS NOT NULL AND reminder_at >= $1)
		    OR (confirm_request_at IS NOT NULL AND confirm_request_at >= $1)
		 ORDER BY id`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGEvents(rows)
}

func (s *pgStore) EventsByOwner(ctx context.Context, ownerID int64, upcoming bool, now time.Time) ([]Event, error) {
	cmp := "<"
	if upcoming {
		cmp = ">="
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEventCols+` FROM events
		 WHERE owner_tg_id = $1 AND publish_at `+cmp+` $2
		 ORDER BY publish_at DESC`, ownerID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGEvents(rows)
}

func collectPGEvents(rows pgx.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		ev, err := scanPGEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- registrations ----

const pgRegCols = `id, event_id, tg_id, role_in_event, name, age, specialty, company, talk_topic, confirmed, created_at`

func scanPGRegistration(row pgx.Row) (Registration, error) {
	var (
		reg                       Registration
		specialty, company, topic *string
	)
	err := row.Scan(&reg.ID, &reg.EventID, &reg.UserID, (*string)(&reg.Role), &reg.Name,
		&reg.Age, &specialty, &company, &topic, &reg.Confirmed, &reg.CreatedAt)
	if err != nil {
		return Registration{}, err
	}
	reg.Specialty = deref(specialty)
	reg.Company = deref(company)
	reg.TalkTopic = deref(topic)
	return reg, nil
}

func (s *pgStore) UpsertRegistration(ctx context.Context, reg Registration) (Registration, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO registrations(event_id, tg_id, role_in_event, name, age, specialty, company, talk_topic, confirmed, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,FALSE,$9)
		 ON CONFLICT(event_id, tg_id) DO UPDATE SET
		   role_in_event=excluded.role_in_event,
		   name=excluded.name,
		   age=excluded.age,
		   specialty=excluded.specialty,
		   company=excluded.company,
		   talk_topic=excluded.talk_topic
		 RETURNING `+pgRegCols,
		reg.EventID, reg.UserID, string(reg.Role), reg.Name, reg.Age,
		pgNullStr(reg.Specialty), pgNullStr(reg.Company), pgNullStr(reg.TalkTopic), time.Now().UTC(),
	)
	return scanPGRegistration(row)
}

func (s *pgStore) RegistrationsForEvent(ctx context.Context, eventID int64, role EventRole) ([]Registration, error) {
	q := `SELECT ` + pgRegCols + ` FROM registrations WHERE event_id = $1`
	args := []any{eventID}
	if role != "" {
		q += ` AND role_in_event = $2`
		args = append(args, string(role))
	}
	q += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		reg, err := scanPGRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *pgStore) MarkConfirmed(ctx context.Context, eventID, userID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE registrations SET confirmed = TRUE WHERE event_id = $1 AND tg_id = $2`, eventID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ---- deep links ----

func (s *pgStore) InsertDeepLinkToken(ctx context.Context, t DeepLinkToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deeplink_tokens(token, kind, event_id, created_at, expires_at) VALUES($1,$2,$3,$4,$5)`,
		t.Token, string(t.Kind), t.EventID, t.CreatedAt, t.ExpiresAt,
	)
	return err
}

func (s *pgStore) DeepLinkTokenByID(ctx context.Context, token string) (DeepLinkToken, bool, error) {
	var t DeepLinkToken
	err := s.pool.QueryRow(ctx,
		`SELECT token, kind, event_id, created_at, expires_at FROM deeplink_tokens WHERE token = $1`, token,
	).Scan(&t.Token, (*string)(&t.Kind), &t.EventID, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeepLinkToken{}, false, nil
	}
	if err != nil {
		return DeepLinkToken{}, false, err
	}
	return t, true, nil
}

func (s *pgStore) PruneExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM deeplink_tokens WHERE expires_at IS NOT NULL AND expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) SaveGeneratedLink(ctx context.Context, l GeneratedLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO generated_links(event_id, kind, url, created_at, expires_at) VALUES($1,$2,$3,$4,$5)`,
		l.EventID, string(l.Kind), l.URL, l.CreatedAt, l.ExpiresAt,
	)
	return err
}

func pgNullStr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
