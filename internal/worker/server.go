package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"songflow/internal/app"
	"songflow/internal/config"
	"songflow/internal/usecase"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// BatchSize overrides Scheduler.BatchSize when positive.
	BatchSize int
	// Shard restricts dispatch to one shard; negative means all shards.
	Shard int
	// Once runs a single cycle of every job and exits.
	Once bool
}

func Run(cfg Config) error {
	appCfg := config.Load()
	if err := cfg.validate(appCfg.Scheduler.ShardCount); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.Logger.WithContext(ctx)

	a, err := app.New(ctx, appCfg)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs := buildJobs(a, cfg)
	if cfg.Once {
		for _, j := range jobs {
			if err := j.run(ctx); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("job", j.name).Msg("worker job failed")
			}
		}
		_, err := a.Sweeper.Sweep(ctx)
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error { return every(ctx, j) })
	}
	g.Go(func() error { return a.Sweeper.Run(ctx) })
	if appCfg.Catalog.Watch {
		g.Go(func() error { return a.Catalog.Watch(ctx, nil) })
	}

	log.Ctx(ctx).Info().Int("jobs", len(jobs)).Msg("worker started")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("worker stopped")
		return nil
	}
	return err
}

func (c Config) validate(shardCount int) error {
	if c.Shard >= shardCount {
		return fmt.Errorf("shard %d out of range: Scheduler_ShardCount is %d", c.Shard, shardCount)
	}
	return nil
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

func buildJobs(a *app.App, cfg Config) []job {
	c := a.Cfg
	opts := usecase.DispatchOptions{BatchSize: c.Scheduler.BatchSize}
	if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	if cfg.Shard >= 0 {
		shard := cfg.Shard
		opts.Shard = &shard
	}

	p := a.Pipeline
	n := c.Pipeline.StageBudget
	return []job{
		{"dispatch", c.Scheduler.Interval, func(ctx context.Context) error {
			_, err := a.Sequencer.DispatchDue(ctx, opts)
			return err
		}},
		{"lyrics", c.Pipeline.StageInterval, budget(n, p.WriteLyrics)},
		{"prompt", c.Pipeline.StageInterval, budget(n, p.WritePrompt)},
		{"generation", c.Pipeline.StageInterval, budget(n, p.StartGeneration)},
		{"clips", c.Pipeline.ClipInterval, func(ctx context.Context) error {
			_, err := p.ProduceClips(ctx)
			return err
		}},
		{"send", c.Pipeline.StageInterval, budget(n, p.SendSong)},
		{"recovery", c.Pipeline.RecoveryInterval, func(ctx context.Context) error {
			_, err := p.RetryStuck(ctx, c.Pipeline.StuckThreshold)
			return err
		}},
	}
}

// budget runs a single-job stage at most n times per tick, stopping early
// once the stage finds nothing to do or fails. A failed job has already moved
// to the error stage, so the next tick picks up the one behind it.
func budget(n int, step func(ctx context.Context) (bool, error)) func(ctx context.Context) error {
	n = max(n, 1)
	return func(ctx context.Context) error {
		for range n {
			if err := ctx.Err(); err != nil {
				return err
			}
			advanced, err := step(ctx)
			if err != nil || !advanced {
				return err
			}
		}
		return nil
	}
}

func every(ctx context.Context, j job) error {
	logger := log.Ctx(ctx).With().Str("job", j.name).Logger()
	ctx = logger.WithContext(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if err := j.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker job failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
