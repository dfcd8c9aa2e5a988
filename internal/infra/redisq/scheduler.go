package redisq

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ClaimSweeper periodically errors out tasks whose claim outlived TTL. A
// claimed task may already have been sent, so it is never put back on the
// due set.
type ClaimSweeper struct {
	S        *TaskStore
	Interval time.Duration
	TTL      time.Duration
	Now      func() time.Time
}

func NewClaimSweeper(s *TaskStore, interval, ttl time.Duration) *ClaimSweeper {
	return &ClaimSweeper{S: s, Interval: interval, TTL: ttl, Now: time.Now}
}

func (s *ClaimSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("claim sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *ClaimSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.Now()
	n, err := s.S.ExpireClaims(ctx, now.Add(-s.TTL), now)
	if n > 0 {
		log.Ctx(ctx).Warn().Int("expired", n).Msg("expired stale task claims")
	}
	return n, err
}
