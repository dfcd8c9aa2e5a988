package redisq

import (
	"context"
	"fmt"
	"songflow/internal/config"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Client struct {
	Cfg config.Redis
	Rdb redis.UniversalClient
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{Cfg: cfg, Rdb: c}
}

// Connect verifies the server is reachable.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Str("prefix", c.Cfg.Prefix).Msg("connected to redis")
	return nil
}

func (c *Client) Close() error { return c.Rdb.Close() }

func (c *Client) key(parts ...string) string {
	k := c.Cfg.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func optMs(s string) *time.Time {
	t := fromMs(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func fmtInt(n int64) string { return strconv.FormatInt(n, 10) }
