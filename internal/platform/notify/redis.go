package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/memory-import/internal/pkg/logger"
)

// Redis publishes events on a pub/sub channel for other services to pick up.
type Redis struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedis(ctx context.Context, addr, channel string, log *logger.Logger) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if strings.TrimSpace(channel) == "" {
		channel = "import-events"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{
		log:     log.With("service", "RedisNotifier"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (r *Redis) Notify(ctx context.Context, ev Event) error {
	raw, err := jsonAPI.Marshal(ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
