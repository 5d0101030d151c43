// Package deeplink issues and resolves the opaque tokens behind
// https://t.me/<bot>?start=<token> links. A token resolves to a
// (kind, event id) pair; kinds are join, speaker and confirm.
package deeplink

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"
)

type Config struct {
	BotUsername string
	// TTL bounds token validity. 0 means tokens never expire.
	TTL time.Duration
}

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
}

// Payload is what a valid token resolves to.
type Payload struct {
	Kind    storage.LinkKind
	EventID int64
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log}
}

// Issue mints a fresh token for the given kind/event, persists it and
// returns the full t.me link. Each call produces a new token; old tokens
// for the same event stay valid until they expire.
func (s *Service) Issue(ctx context.Context, kind storage.LinkKind, eventID int64) (string, error) {
	tok := storage.DeepLinkToken{
		Token:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Kind:      kind,
		EventID:   eventID,
		CreatedAt: time.Now(),
	}
	if s.cfg.TTL > 0 {
		exp := tok.CreatedAt.Add(s.cfg.TTL)
		tok.ExpiresAt = &exp
	}
	if err := s.store.InsertDeepLinkToken(ctx, tok); err != nil {
		return "", fmt.Errorf("deeplink: persist token: %w", err)
	}

	link := s.linkFor(tok.Token)
	// Audit trail of links that were handed out.
	if err := s.store.SaveGeneratedLink(ctx, storage.GeneratedLink{
		EventID:   eventID,
		Kind:      kind,
		URL:       link,
		ExpiresAt: tok.ExpiresAt,
	}); err != nil {
		return "", fmt.Errorf("deeplink: record link: %w", err)
	}
	return link, nil
}

// Resolve looks the token up. Unknown and expired tokens both resolve to
// ok=false; neither is an error.
func (s *Service) Resolve(ctx context.Context, token string) (Payload, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Payload{}, false, nil
	}
	t, ok, err := s.store.DeepLinkTokenByID(ctx, token)
	if err != nil {
		return Payload{}, false, err
	}
	if !ok {
		return Payload{}, false, nil
	}
	if t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now()) {
		return Payload{}, false, nil
	}
	return Payload{Kind: t.Kind, EventID: t.EventID}, true, nil
}

// Prune deletes expired tokens. Wired as a recurring maintenance job.
func (s *Service) Prune(ctx context.Context) error {
	n, err := s.store.PruneExpiredTokens(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Debug("expired deep-link tokens pruned", logx.Int64("count", n))
	}
	return nil
}

func (s *Service) linkFor(token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", s.cfg.BotUsername, url.QueryEscape(token))
}
