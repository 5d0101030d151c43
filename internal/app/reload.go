package app

import (
	"context"
	"time"

	"eventbot/internal/mailer"
	"eventbot/internal/observability"
	logx "eventbot/pkg/logx"
)

// reloadLoop applies validated config updates to the running services.
// Storage and the Telegram token cannot change without a restart; the
// loop covers logging, mailer tuning, admin lists and the ops server.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			if cfg == nil {
				continue
			}
			a.log.Info("applying config reload")

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})

			a.mail.Apply(mailer.Config{
				Concurrency: cfg.Mailer.Concurrency,
				BaseDelay:   cfg.Mailer.BaseDelayOr(time.Second),
				MaxAttempts: cfg.Mailer.MaxAttempts,
				RatePerSec:  cfg.Mailer.RatePerSec,
			})

			a.rt.SetSuperAdmins(cfg.Telegram.SuperAdminIDs)

			a.ops.Reconfigure(ctx, observability.ServerConfig{
				Enabled:       cfg.Ops.Enabled,
				Addr:          cfg.Ops.Addr,
				Token:         cfg.Ops.Token,
				AllowInsecure: cfg.Ops.AllowInsecure,
				Pprof:         cfg.Ops.Pprof,
			})
		}
	}
}
