package usecase

import (
	"context"
	"errors"
	"fmt"
	"songflow/internal/domain"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryStuck resets generation-pending jobs that started generating more
// than threshold ago. Their external task id and error are cleared so the
// next StartGeneration submits them again. It returns how many were reset.
func (p *Pipeline) RetryStuck(ctx context.Context, threshold time.Duration) (int, error) {
	jobs, err := p.Jobs.Oldest(ctx, domain.StageGenerationPending, 0)
	if err != nil {
		return 0, err
	}

	cutoff := p.Now().Add(-threshold)
	reset := 0
	for i := range jobs {
		j := &jobs[i]
		started := j.CreatedAt
		if j.GenerationStartedAt != nil {
			started = *j.GenerationStartedAt
		}
		if !started.Before(cutoff) {
			continue
		}

		err := p.Jobs.Transition(ctx, j.ID, domain.StageGenerationPending, domain.StageAwaitingGeneration, domain.JobUpdate{
			Clear: []domain.JobField{
				domain.FieldExternalTaskID,
				domain.FieldErrorMessage,
				domain.FieldFailedStage,
				domain.FieldGenerationStartedAt,
			},
		})
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			logger := jobLogger(ctx, j)
			logger.Error().Err(err).Msg("failed to reset stuck job")
			continue
		}
		reset++
		logger := jobLogger(ctx, j)
		logger.Warn().
			Str("external_task", j.ExternalTaskID).
			Time("started", started).
			Msg("stuck generation reset")
	}
	if reset > 0 {
		log.Ctx(ctx).Info().Int("reset", reset).Msg("stuck recovery finished")
	}
	return reset, nil
}

// RetryFailed returns an errored job to the stage that failed. A job that
// failed while waiting on the provider restarts from awaiting-generation.
func (p *Pipeline) RetryFailed(ctx context.Context, jobID string) (domain.Stage, error) {
	j, err := p.Jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if j.Status != domain.StageError {
		return "", fmt.Errorf("job %s is %s, not %s: %w", j.ID, j.Status, domain.StageError, domain.ErrStaleStatus)
	}

	target := j.FailedStage
	drop := []domain.JobField{domain.FieldErrorMessage, domain.FieldFailedStage}
	if target == domain.StageGenerationPending || target == domain.StageAwaitingGeneration {
		target = domain.StageAwaitingGeneration
		drop = append(drop, domain.FieldExternalTaskID, domain.FieldGenerationStartedAt)
	}
	if target == "" {
		return "", fmt.Errorf("%w: job %s has no failed stage", domain.ErrInvalidInput, j.ID)
	}

	if err := p.Jobs.Transition(ctx, j.ID, domain.StageError, target, domain.JobUpdate{Clear: drop}); err != nil {
		return "", err
	}
	logger := jobLogger(ctx, j)
	logger.Info().Str("to", string(target)).Msg("failed job requeued")
	return target, nil
}
