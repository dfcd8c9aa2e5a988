package usecase

import (
	"context"
	"songflow/internal/domain"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type DispatchOptions struct {
	BatchSize int
	Shard     *int
}

// TaskResult is the outcome of one task in a dispatch batch.
type TaskResult struct {
	TaskID  string
	Claimed bool
	Err     error
}

// DispatchDue delivers every due task in one batch. Each task is claimed,
// delivered and marked on its own; a failure is recorded on that task only
// and never retried. It returns how many tasks were processed.
func (s *Sequencer) DispatchDue(ctx context.Context, opts DispatchOptions) (int, error) {
	now := s.Now()
	tasks, err := s.Tasks.ScanDue(ctx, domain.DueQuery{Now: now, Limit: opts.BatchSize, Shard: opts.Shard})
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	results := make([]TaskResult, len(tasks))
	var g errgroup.Group
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for i := range tasks {
		g.Go(func() error {
			results[i] = s.dispatchOne(ctx, tasks[i])
			return nil
		})
	}
	_ = g.Wait()

	processed, failed := 0, 0
	for _, r := range results {
		if !r.Claimed {
			continue
		}
		processed++
		if r.Err != nil {
			failed++
		}
	}
	log.Ctx(ctx).Info().
		Int("due", len(tasks)).
		Int("processed", processed).
		Int("failed", failed).
		Msg("dispatch cycle finished")
	return processed, nil
}

func (s *Sequencer) dispatchOne(ctx context.Context, t domain.SequenceTask) TaskResult {
	res := TaskResult{TaskID: t.ID}

	claimed, err := s.Tasks.Claim(ctx, t.ID, s.Now())
	if err != nil || !claimed {
		res.Err = err
		return res
	}
	res.Claimed = true

	logger := log.Ctx(ctx).With().
		Str("task", t.ID).
		Str("lead", t.LeadID).
		Str("sequence", t.SequenceID).
		Int("step", t.StepIndex).
		Logger()

	if err := s.Deliverer.Deliver(ctx, t.LeadID, t.Payload); err != nil {
		res.Err = err
		logger.Warn().Err(err).Msg("task delivery failed")
		if merr := s.Tasks.MarkError(ctx, t.ID, err.Error(), s.Now()); merr != nil {
			logger.Error().Err(merr).Msg("failed to mark task error")
		}
		return res
	}

	if err := s.Tasks.MarkSent(ctx, t.ID, s.Now()); err != nil {
		logger.Error().Err(err).Msg("failed to mark task sent")
	}
	return res
}
