package app

import (
	"context"
	"fmt"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/redisbox"
	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/storage"
)

// OpenStore connects to the mailbox backend selected by cfg. The returned
// close function releases the backend and is never nil.
func OpenStore(ctx context.Context, cfg *config.Config) (mailbox.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return mailbox.NewMemoryStore(), func() error { return nil }, nil

	case config.BackendSQLite:
		s, err := storage.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite mailbox: %w", err)
		}
		return s, s.Close, nil

	case config.BackendRedis:
		s, err := redisbox.New(ctx, redisbox.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis mailbox: %w", err)
		}
		return s, s.Close, nil

	case config.BackendRemote:
		c, err := signaling.Dial(ctx, cfg.MailboxURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial mailbox server: %w", err)
		}
		return c, c.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown mailbox backend %q", cfg.Backend)
}
