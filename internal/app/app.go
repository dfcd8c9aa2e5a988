// Package app builds the adapters and use cases from configuration. Both the
// api and worker commands start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"songflow/internal/api"
	"songflow/internal/config"
	"songflow/internal/infra/audiogen"
	"songflow/internal/infra/catalog"
	"songflow/internal/infra/ffmpeg"
	"songflow/internal/infra/gateway"
	"songflow/internal/infra/gcs"
	"songflow/internal/infra/gemini"
	"songflow/internal/infra/postgres"
	"songflow/internal/infra/redisq"
	"songflow/internal/listen"
	"songflow/internal/usecase"
	"time"

	"github.com/rs/zerolog/log"
)

type App struct {
	Cfg *config.Config

	Redis   *redisq.Client
	DB      *postgres.DB
	Tasks   *redisq.TaskStore
	Jobs    *redisq.JobStore
	Catalog *catalog.Catalog
	Gateway *gateway.Client
	Text    *gemini.Client

	Dispatcher *usecase.Dispatcher
	Sequencer  *usecase.Sequencer
	Pipeline   *usecase.Pipeline
	Copy       *usecase.Copywriter
	Sweeper    *redisq.ClaimSweeper
}

// New connects every backing service. A gateway that cannot be reached yet
// is only logged; the bridge may still be pairing.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Cfg: cfg}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Cfg
	a.Redis = redisq.New(cfg.Redis)
	if err := a.Redis.Connect(ctx); err != nil {
		return err
	}
	var err error
	a.DB, err = postgres.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	a.Catalog, err = catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	log.Ctx(ctx).Info().Int("sequences", a.Catalog.Len()).Str("path", cfg.Catalog.Path).Msg("sequence catalog loaded")

	a.Text, err = gemini.New(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		return err
	}
	blobs, err := gcs.New(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	tokens, err := listen.NewIssuer(cfg.Listen.Secret, cfg.Listen.TTL)
	if err != nil {
		return err
	}

	a.Gateway = gateway.New(cfg.Gateway)
	if err := a.Gateway.Connect(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("messaging gateway not reachable yet")
	}

	leads := postgres.NewLeads(a.DB)
	a.Tasks = redisq.NewTaskStore(a.Redis, cfg.Scheduler.ShardCount)
	a.Jobs = redisq.NewJobStore(a.Redis)
	a.Sweeper = redisq.NewClaimSweeper(a.Tasks, cfg.Scheduler.SweepInterval, cfg.Scheduler.ClaimTTL)

	a.Dispatcher = usecase.NewDispatcher(leads, a.Gateway, cfg.Gateway.Timeout, cfg.Gateway.MaxRetries)
	a.Sequencer = usecase.NewSequencer(a.Tasks, a.Catalog, leads, a.Dispatcher,
		cfg.Scheduler.ShardCount, cfg.Scheduler.Concurrency)
	a.Pipeline = &usecase.Pipeline{
		Jobs:      a.Jobs,
		Leads:     leads,
		Text:      a.Text,
		Audio:     audiogen.New(cfg.AudioGen),
		Blobs:     blobs,
		Media:     ffmpeg.New(cfg.Media.FFmpegPath),
		Deliverer: a.Dispatcher,
		Sequences: a.Sequencer,
		Tokens:    tokens,
		Cfg:       pipelineConfig(cfg),
		Now:       time.Now,
	}
	a.Copy = &usecase.Copywriter{Text: a.Text, MaxChars: cfg.Pipeline.EmpathyMaxChars}
	return nil
}

func pipelineConfig(cfg *config.Config) usecase.PipelineConfig {
	return usecase.PipelineConfig{
		CallbackURL:         cfg.Pipeline.CallbackURL,
		StylePromptMaxChars: cfg.Pipeline.StylePromptMaxChars,
		ClipDuration:        cfg.Media.ClipDuration,
		WatermarkPath:       cfg.Media.WatermarkPath,
		WatermarkAt:         cfg.Media.WatermarkAt,
		WatermarkGain:       cfg.Media.WatermarkGain,
		ClipConcurrency:     cfg.Pipeline.ClipConcurrency,
		WorkDir:             cfg.Media.WorkDir,

		ListenBaseURL:      cfg.Listen.BaseURL,
		MaxPlays:           cfg.Pipeline.MaxPlays,
		HalfHeardThreshold: cfg.Pipeline.HalfHeardThreshold,

		SalesSequence:     cfg.Pipeline.SalesSequence,
		DeliveredSequence: cfg.Pipeline.DeliveredSequence,
		ListenedSequence:  cfg.Pipeline.ListenedSequence,
		DeliveredTag:      cfg.Pipeline.DeliveredTag,
	}
}

// Services exposes the use cases to the HTTP layer.
func (a *App) Services() api.Services {
	return api.Services{
		Sequences: a.Sequencer,
		Tasks:     a.Tasks,
		Jobs:      a.Jobs,
		Deliverer: a.Dispatcher,
		Pipeline:  a.Pipeline,
		Copy:      a.Copy,
		Gateway:   a.Gateway,
		Health:    a.Health,
	}
}

// Health pings redis and postgres.
func (a *App) Health(ctx context.Context) error {
	if err := a.Redis.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := a.DB.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.Text != nil {
		errs = append(errs, a.Text.Close())
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
