package events

import (
	"fmt"
	"time"

	"eventbot/internal/storage"
)

// Kind names one of the three per-event obligations.
type Kind string

const (
	KindPublish  Kind = "publish"
	KindReminder Kind = "reminder"
	KindConfirm  Kind = "confirm"
)

var allKinds = [...]Kind{KindPublish, KindReminder, KindConfirm}

// JobID is the stable scheduler id for one event obligation. Deterministic
// so re-arming the same obligation replaces rather than duplicates.
func JobID(eventID int64, kind Kind) string {
	return fmt.Sprintf("event_%d_%s", eventID, kind)
}

// Obligation is one derived schedulable unit of an event.
type Obligation struct {
	Kind Kind
	At   time.Time
}

// Derive maps an event to its schedulable obligations as of now. Only
// strictly future timestamps qualify; a reminder or confirm timestamp
// without its message text is silently dropped.
func Derive(ev storage.Event, now time.Time) []Obligation {
	var out []Obligation
	if !ev.PublishAt.IsZero() && ev.PublishAt.After(now) {
		out = append(out, Obligation{Kind: KindPublish, At: ev.PublishAt})
	}
	if ev.ReminderAt != nil && ev.ReminderAt.After(now) && ev.ReminderText != "" {
		out = append(out, Obligation{Kind: KindReminder, At: *ev.ReminderAt})
	}
	if ev.ConfirmAt != nil && ev.ConfirmAt.After(now) && ev.ConfirmText != "" {
		out = append(out, Obligation{Kind: KindConfirm, At: *ev.ConfirmAt})
	}
	return out
}
