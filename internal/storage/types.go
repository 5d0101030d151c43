package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups that target a specific row.
	// Callers that treat absence as a normal outcome should use the
	// (value, ok, error) accessors instead.
	ErrNotFound = errors.New("storage: not found")
)

// Config selects and configures the database driver.
//
// Driver values:
//   - "sqlite" (default): local database file
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite; 0 means default
}

// Role is a user's global role.
type Role string

const (
	RoleUser       Role = "user"
	RoleEventAdmin Role = "event_admin"
	RoleSuperAdmin Role = "super_admin"
)

func (r Role) IsAdmin() bool { return r == RoleEventAdmin || r == RoleSuperAdmin }

// EventRole is a registration's role within one event.
type EventRole string

const (
	EventRoleListener EventRole = "listener"
	EventRoleSpeaker  EventRole = "speaker"
)

// LinkKind is a deep-link token kind.
type LinkKind string

const (
	LinkJoin    LinkKind = "join"
	LinkSpeaker LinkKind = "speaker"
	LinkConfirm LinkKind = "confirm"
)

func ParseLinkKind(raw string) (LinkKind, bool) {
	switch LinkKind(raw) {
	case LinkJoin, LinkSpeaker, LinkConfirm:
		return LinkKind(raw), true
	}
	return "", false
}

type User struct {
	TelegramID int64
	Username   string
	Role       Role
	Name       string
	CreatedAt  time.Time
}

// Event carries three optional future obligations: publish (always has
// poster text), reminder and confirm request. A reminder/confirm timestamp
// without its text means "no job".
type Event struct {
	ID         int64
	OwnerID    int64 // owner's telegram id
	Title      string
	PosterText string

	PublishAt    time.Time
	ReminderAt   *time.Time
	ReminderText string
	ConfirmAt    *time.Time
	ConfirmText  string

	Category  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Registration struct {
	ID        int64
	EventID   int64
	UserID    int64 // telegram id
	Role      EventRole
	Name      string
	Age       *int
	Specialty string
	Company   string
	TalkTopic string
	Confirmed bool
	CreatedAt time.Time
}

type DeepLinkToken struct {
	Token     string
	Kind      LinkKind
	EventID   int64
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// GeneratedLink is an audit record of a link that was handed out.
type GeneratedLink struct {
	ID        int64
	EventID   int64
	Kind      LinkKind
	URL       string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Store is the durable data access layer. All methods are safe for
// concurrent use. Absence is reported through the (value, ok, error)
// shape, never as an error.
type Store interface {
	Close() error

	// Users.
	EnsureUser(ctx context.Context, tgID int64, username string) (User, error)
	UserByTelegramID(ctx context.Context, tgID int64) (User, bool, error)
	SetUserRole(ctx context.Context, tgID int64, role Role) error
	// UserIDs lists the telegram ids of every known user.
	UserIDs(ctx context.Context) ([]int64, error)

	// Events.
	CreateEvent(ctx context.Context, ev Event) (Event, error)
	UpdateEvent(ctx context.Context, ev Event) (bool, error)
	DeleteEvent(ctx context.Context, eventID, ownerID int64) (bool, error)
	EventByID(ctx context.Context, eventID int64) (Event, bool, error)
	// EventsWithFutureObligation returns events where any of the three
	// obligation timestamps is >= now. The inclusive bound is intentional:
	// startup recovery wants to err towards re-arming (the per-obligation
	// strict filter is applied later by the deriver).
	EventsWithFutureObligation(ctx context.Context, now time.Time) ([]Event, error)
	EventsByOwner(ctx context.Context, ownerID int64, upcoming bool, now time.Time) ([]Event, error)

	// Registrations. UpsertRegistration writes by the natural key
	// (event_id, user_id): registering twice updates the existing row.
	UpsertRegistration(ctx context.Context, reg Registration) (Registration, error)
	RegistrationsForEvent(ctx context.Context, eventID int64, role EventRole) ([]Registration, error)
	MarkConfirmed(ctx context.Context, eventID, userID int64) (bool, error)

	// Deep links.
	InsertDeepLinkToken(ctx context.Context, t DeepLinkToken) error
	DeepLinkTokenByID(ctx context.Context, token string) (DeepLinkToken, bool, error)
	PruneExpiredTokens(ctx context.Context, now time.Time) (int64, error)
	SaveGeneratedLink(ctx context.Context, l GeneratedLink) error
}
