package cmd

import (
	"context"
	"io"
	"log/slog"

	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/logger"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/store"
	"github.com/example/slotwatch/internal/store/factory"
	rd "github.com/example/slotwatch/internal/store/redis"
	"github.com/example/slotwatch/internal/ttp"
)

// runtime is the shared setup every command needs.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
}

func loadRuntime() (*runtime, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	l, closer, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return &runtime{cfg: cfg, logger: l, closer: closer}, nil
}

func (rt *runtime) Close() error { return rt.closer.Close() }

func (rt *runtime) openStore(ctx context.Context) (store.Store, error) {
	sc := rt.cfg.Store
	return factory.Open(ctx, factory.Options{
		Driver: sc.Driver,
		DSN:    sc.DSN,
		Redis: rd.Config{
			URL:      sc.RedisURL,
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
			Key:      sc.RedisKey,
		},
	})
}

func (rt *runtime) upstream() *ttp.Client {
	return ttp.New(ttp.Options{
		BaseURL:           rt.cfg.Upstream.BaseURL,
		Timeout:           rt.cfg.Upstream.Timeout,
		RequestsPerSecond: rt.cfg.Upstream.RPS,
		Logger:            rt.logger,
	})
}

// notifier always logs; Slack and Telegram join when configured.
func (rt *runtime) notifier() notify.Notifier {
	n := notify.Multi{notify.Log{Logger: rt.logger}}
	nc := rt.cfg.Notify
	if nc.SlackWebhookURL != "" {
		n = append(n, notify.NewSlack(nc.SlackWebhookURL))
	}
	if nc.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(nc.TelegramBotToken, nc.TelegramChatID, nc.TelegramAPIServer)
		if err != nil {
			rt.logger.Warn("telegram notifications disabled", "error", err)
		} else {
			n = append(n, tg)
		}
	}
	return n
}
