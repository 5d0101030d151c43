package storage

import (
	"context"
	"fmt"
	"strings"

	logx "eventbot/pkg/logx"
)

// Open creates the configured Store and runs migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.TrimSpace(strings.ToLower(cfg.Driver)); d {
	case "", "sqlite":
		return openSQLite(ctx, cfg, log)
	case "postgres":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", d)
	}
}
